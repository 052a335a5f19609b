package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"

	"mitmproxy/internal/config"
	"mitmproxy/internal/domain"
	"mitmproxy/internal/interface/connection"
	"mitmproxy/internal/interface/handler"
	"mitmproxy/internal/interface/interceptor"
	"mitmproxy/internal/interface/repository/access"
	"mitmproxy/internal/interface/repository/cache"
	"mitmproxy/internal/interface/repository/capture"
	"mitmproxy/internal/interface/repository/cert"
	"mitmproxy/internal/interface/repository/logger"
	"mitmproxy/internal/interface/repository/metrics"
	"mitmproxy/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

type genCACmd struct {
	Force bool `arg:"-f,--force" help:"overwrite an existing authority"`
}

type args struct {
	Config      string    `arg:"-c,--config,env:MITM_CONFIG" help:"path to the YAML config file"`
	Listen      string    `arg:"-l,--listen" help:"proxy listen address (overrides config)"`
	AdminListen string    `arg:"--admin-listen" help:"admin listen address for /metrics, /stats and /health (overrides config)"`
	LogLevel    string    `arg:"--log-level" help:"debug, info, warn or error (overrides config)"`
	Insecure    bool      `arg:"--insecure" help:"skip origin certificate verification (forces insecure_skip_verify on)"`
	GenCA       *genCACmd `arg:"subcommand:gen-ca" help:"generate a new root authority and exit"`
}

func (args) Description() string {
	return "MITM HTTP/HTTPS forward proxy"
}

func main() {
	a := args{Config: config.DefaultPath}
	arg.MustParse(&a)

	cfg, err := config.Load(a.Config)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	a.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	if a.GenCA != nil {
		if err := generateAuthority(cfg, a.GenCA.Force); err != nil {
			fmt.Printf("Failed to generate authority: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s and %s\n", cfg.Authority.Cert, cfg.Authority.Key)
		return
	}

	if err := run(cfg); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

// apply はコマンドライン引数で設定を上書きする.
func (a *args) apply(cfg *config.Config) {
	if a.Listen != "" {
		cfg.Listen = a.Listen
	}
	if a.AdminListen != "" {
		cfg.AdminListen = a.AdminListen
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	if a.Insecure {
		cfg.InsecureSkipVerify = true
	}
}

func generateAuthority(cfg *config.Config, force bool) error {
	if !force {
		for _, p := range []string{cfg.Authority.Cert, cfg.Authority.Key} {
			if _, err := os.Stat(p); err == nil {
				return errors.Errorf("%s already exists (use --force to overwrite)", p)
			}
		}
	}
	_, certPEM, keyPEM, err := cert.GenerateAuthority(authorityOptions(cfg))
	if err != nil {
		return err
	}
	return cert.WriteAuthority(cfg.Authority.Cert, cfg.Authority.Key, certPEM, keyPEM)
}

func authorityOptions(cfg *config.Config) cert.AuthorityOptions {
	opts := cert.DefaultAuthorityOptions()
	if cfg.Authority.CommonName != "" {
		opts.CommonName = cfg.Authority.CommonName
	}
	if cfg.Authority.Organization != "" {
		opts.Organization = cfg.Authority.Organization
	}
	if cfg.Authority.Validity > 0 {
		opts.Validity = cfg.Authority.Validity
	}
	return opts
}

// loadAuthority はルート証明書を読み込む. どちらのファイルもなければ生成して書き出す.
func loadAuthority(cfg *config.Config, log domain.Logger) (*domain.Authority, error) {
	_, certErr := os.Stat(cfg.Authority.Cert)
	_, keyErr := os.Stat(cfg.Authority.Key)
	if os.IsNotExist(certErr) && os.IsNotExist(keyErr) {
		log.Warn("Authority not found, generating a new one", map[string]interface{}{
			"cert": cfg.Authority.Cert,
			"key":  cfg.Authority.Key,
		})
		if err := generateAuthority(cfg, false); err != nil {
			return nil, err
		}
	}
	return cert.LoadAuthority(cfg.Authority.Cert, cfg.Authority.Key)
}

func run(cfg *config.Config) error {
	// ロガーの初期化
	loggerRepo, err := logger.New(
		cfg.Log.Dir,
		cfg.Log.File,
		&logger.RotationConfig{
			MaxSize:    cfg.Log.MaxSize,
			MaxAge:     cfg.Log.MaxAge,
			MaxBackups: logger.DefaultRotationConfig().MaxBackups,
		},
		logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format},
	)
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer loggerRepo.Close()

	authority, err := loadAuthority(cfg, loggerRepo)
	if err != nil {
		loggerRepo.Error("Failed to load authority", err, nil)
		return err
	}
	loggerRepo.Info("Loaded authority", map[string]interface{}{
		"issuer":    authority.Issuer,
		"not_after": authority.NotAfter.Format(time.RFC3339),
	})

	route, err := cfg.Route()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// メトリクスの初期化
	if cfg.Metrics.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Metrics.File), 0755); err != nil {
			return errors.Wrap(err, "failed to create metrics directory")
		}
	}
	metricsCollector := metrics.New(cfg.Metrics.File)
	metricsUseCase := usecase.NewMetricsUseCase(metricsCollector, loggerRepo, usecase.MetricsConfig{
		SaveInterval: cfg.Metrics.SaveInterval,
	})

	forge, err := cert.NewForge(authority, cert.ForgeOptions{
		Validity: cfg.Leaf.Validity,
		Cache:    cache.New(cfg.Leaf.CacheSize),
		Metrics:  metricsCollector,
		Logger:   loggerRepo,
	})
	if err != nil {
		loggerRepo.Error("Failed to initialize certificate forge", err, nil)
		return err
	}

	initializer, captures, closeInterceptors, err := buildInterceptors(ctx, cfg, authority, metricsCollector, loggerRepo)
	if err != nil {
		loggerRepo.Error("Failed to initialize interceptors", err, nil)
		return err
	}
	defer closeInterceptors()

	connector := connection.NewConnector(cfg.Timeouts.Connect, loggerRepo)
	managerOpts := connection.ManagerOptions{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		HandshakeTimeout:   cfg.Timeouts.Handshake,
	}
	if cfg.InsecureSkipVerify {
		loggerRepo.Warn("Origin certificate verification is disabled", nil)
	}

	tunnel := usecase.NewTunnelUseCase(
		forge,
		func() domain.ConnectionManager { return connection.NewManager(connector, route, managerOpts) },
		initializer,
		usecase.NewExceptionPolicy(loggerRepo, metricsCollector),
		metricsCollector,
		loggerRepo,
		usecase.TunnelConfig{
			ConnectTimeout:   cfg.Timeouts.Connect,
			HandshakeTimeout: cfg.Timeouts.Handshake,
			IdleTimeout:      cfg.Timeouts.Idle,
		},
	)
	proxyServer := handler.NewProxyServer(tunnel, loggerRepo, cfg.MaxConnections)

	if err := metricsUseCase.Start(); err != nil {
		return err
	}
	defer func() {
		if err := metricsUseCase.Stop(); err != nil {
			loggerRepo.Error("Failed to save final metrics", err, nil)
		}
	}()

	// 管理用サーバーの設定
	var adminServer *http.Server
	if cfg.AdminListen != "" {
		adminServer = &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           handler.NewAdminHandler(metricsUseCase, captures, loggerRepo).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			loggerRepo.Info("Starting admin server", map[string]interface{}{"addr": cfg.AdminListen})
			if err := adminServer.ListenAndServe(); err != http.ErrServerClosed {
				loggerRepo.Error("Admin server error", err, nil)
				cancel()
			}
		}()
	}

	loggerRepo.Info("Starting proxy server", map[string]interface{}{
		"addr":     cfg.Listen,
		"upstream": route.Type.String(),
	})
	serveErr := proxyServer.ListenAndServe(ctx, cfg.Listen)
	if serveErr != nil {
		loggerRepo.Error("Proxy server error", serveErr, nil)
	} else {
		loggerRepo.Info("Shutdown signal received", nil)
	}

	// グレースフルシャットダウン
	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			loggerRepo.Error("Error shutting down admin server", err, nil)
		}
	}

	loggerRepo.Info("Shutdown complete", nil)
	return serveErr
}

// buildInterceptors は設定に従ってパイプラインの初期化関数を組み立てる.
// 登録順は証明書ダウンロード, アクセス制御, ヘッダ書き換え, 記録.
func buildInterceptors(
	ctx context.Context,
	cfg *config.Config,
	authority *domain.Authority,
	metricsCollector domain.MetricsCollector,
	log domain.Logger,
) (usecase.Initializer, domain.CaptureStore, func(), error) {
	var (
		list     []domain.Interceptor
		closers  []func()
		captures domain.CaptureStore
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	ic := cfg.Interceptors
	if ic.CertDownload.Enabled {
		list = append(list, interceptor.NewCertDownload(authority, ic.CertDownload.Hosts))
	}

	if ic.Access.Enabled {
		if err := os.MkdirAll(filepath.Dir(ic.Access.File), 0755); err != nil {
			return nil, nil, closeAll, errors.Wrap(err, "failed to create access list directory")
		}
		accessRepo, err := access.New(ic.Access.File, log)
		if err != nil {
			return nil, nil, closeAll, err
		}
		if ic.Access.Watch {
			if err := accessRepo.Watch(ctx); err != nil {
				log.Warn("Access list hot reload disabled", map[string]interface{}{"error": err.Error()})
			}
		}
		list = append(list, interceptor.NewAccess(accessRepo, metricsCollector))
	}

	if ic.Headers.Enabled {
		list = append(list, interceptor.NewHeaderRewrite(
			interceptor.HeaderRules{Set: ic.Headers.Request.Set, Remove: ic.Headers.Request.Remove},
			interceptor.HeaderRules{Set: ic.Headers.Response.Set, Remove: ic.Headers.Response.Remove},
		))
	}

	if ic.Capture.Enabled {
		if err := os.MkdirAll(filepath.Dir(ic.Capture.Path), 0755); err != nil {
			return nil, nil, closeAll, errors.Wrap(err, "failed to create capture directory")
		}
		store, err := capture.New(ic.Capture.Path)
		if err != nil {
			return nil, nil, closeAll, err
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				log.Error("Failed to close capture store", err, nil)
			}
		})
		captures = store
		list = append(list, interceptor.NewCapture(store, log, ic.Capture.MaxBody))
	}

	names := make([]string, 0, len(list))
	for _, i := range list {
		names = append(names, i.Name())
	}
	log.Info("Interceptor pipeline configured", map[string]interface{}{"interceptors": names})

	return func(p *usecase.Pipeline) {
		for _, i := range list {
			p.AddLast(i)
		}
	}, captures, closeAll, nil
}
