package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mitmproxy/internal/domain"
)

// Options はロガーの出力設定.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json
}

// Repository はロガーのリポジトリ実装.
type Repository struct {
	logger *logrus.Logger
	file   *rotatingFile
	path   string
	config *RotationConfig
	done   chan struct{}
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
// directory が空の場合は標準エラー出力に書く.
func New(directory, filename string, config *RotationConfig, opts Options) (
	*Repository, error,
) {
	if config == nil {
		config = DefaultRotationConfig()
	}

	r := &Repository{
		logger: logrus.New(),
		config: config,
		done:   make(chan struct{}),
	}

	if directory != "" {
		if err := os.MkdirAll(directory, 0755); err != nil {
			return nil, err
		}
		r.path = filepath.Join(directory, filename)
		file, err := openRotatingFile(r.path, config)
		if err != nil {
			return nil, err
		}
		r.file = file
		r.logger.SetOutput(file)

		// ログクリーンアップを定期的に実行
		go r.periodicCleanup()
	} else {
		r.logger.SetOutput(os.Stderr)
	}

	r.configure(opts)
	return r, nil
}

// NewWithWriter は任意のWriterに出力するRepositoryを作成 (主にテスト用).
func NewWithWriter(w io.Writer, opts Options) *Repository {
	r := &Repository{logger: logrus.New(), config: DefaultRotationConfig(), done: make(chan struct{})}
	r.logger.SetOutput(w)
	r.configure(opts)
	return r
}

func (r *Repository) configure(opts Options) {
	if strings.EqualFold(opts.Format, "json") {
		r.logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		r.logger.SetFormatter(&TextFormatter{})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	r.logger.SetLevel(level)
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.logger.WithFields(fields).Debug(msg)
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.logger.WithFields(fields).Info(msg)
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.logger.WithFields(fields).Warn(msg)
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	entry := r.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleanOldLogs(r.path, r.config)
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	select {
	case <-r.done:
		return nil
	default:
		close(r.done)
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
