package access

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

// Repository はアクセス制御のリポジトリ実装
type Repository struct {
	mu         sync.RWMutex
	configFile string
	rules      *rules
	logger     domain.Logger
}

var _ domain.AccessController = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成. ファイルがなければ空のリストを書き出す.
func New(configFile string, logger domain.Logger) (*Repository, error) {
	r := &Repository{
		configFile: configFile,
		rules:      &rules{ips: map[string]bool{}, domains: map[string]bool{}},
		logger:     logger,
	}

	// 初期ロード
	if err := r.loadConfig(); err != nil {
		return nil, err
	}

	return r, nil
}

// IsAllowed は指定されたIPアドレスとホストがアクセスを許可されているか確認
func (r *Repository) IsAllowed(clientIP, host string) (bool, error) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	if rules.blockedIP(clientIP) {
		r.logger.Info("Blocked IP access attempt", map[string]interface{}{"client_ip": clientIP})
		return false, nil
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if blocked, rule := rules.blockedDomain(host); blocked {
		r.logger.Info("Blocked domain access attempt", map[string]interface{}{
			"client_ip": clientIP,
			"host":      host,
			"rule":      rule,
		})
		return false, nil
	}

	return true, nil
}

// Reload は設定を再読み込み
func (r *Repository) Reload() error {
	return r.loadConfig()
}

// loadConfig は設定ファイルから設定を読み込む. 失敗時は以前のリストを保持する.
func (r *Repository) loadConfig() error {
	config, err := loadConfigFile(r.configFile)
	if err != nil {
		return err
	}
	rules, err := config.prepare()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()

	r.logger.Info("Loaded access list", map[string]interface{}{
		"file":            r.configFile,
		"blocked_ips":     len(config.BlockedIPs),
		"blocked_domains": len(config.BlockedDomains),
	})
	return nil
}

// Watch はファイルの変更を監視し、ctx が終わるまで自動で再読み込みする.
// エディタの置き換え保存に対応するためディレクトリを監視する.
func (r *Repository) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}

	target := filepath.Clean(r.configFile)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", r.configFile)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := r.loadConfig(); err != nil {
					r.logger.Error("Error reloading access list", err, map[string]interface{}{"file": r.configFile})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("Access list watcher error", err, nil)
			}
		}
	}()

	return nil
}
