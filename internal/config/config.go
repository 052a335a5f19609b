package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mitmproxy/internal/domain"
)

// DefaultPath は設定ファイルの既定の場所.
const DefaultPath = "./configs/proxy.yaml"

// Config はプロキシ全体の設定.
type Config struct {
	Listen             string             `yaml:"listen"`
	AdminListen        string             `yaml:"admin_listen"`
	MaxConnections     int                `yaml:"max_connections"`
	InsecureSkipVerify bool               `yaml:"insecure_skip_verify"`
	Authority          AuthorityConfig    `yaml:"authority"`
	Leaf               LeafConfig         `yaml:"leaf"`
	Upstream           UpstreamConfig     `yaml:"upstream"`
	Timeouts           TimeoutConfig      `yaml:"timeouts"`
	Log                LogConfig          `yaml:"log"`
	Metrics            MetricsConfig      `yaml:"metrics"`
	Interceptors       InterceptorsConfig `yaml:"interceptors"`
}

type AuthorityConfig struct {
	Cert         string        `yaml:"cert"`
	Key          string        `yaml:"key"`
	CommonName   string        `yaml:"common_name"`
	Organization string        `yaml:"organization"`
	Validity     time.Duration `yaml:"validity"`
}

type LeafConfig struct {
	Validity  time.Duration `yaml:"validity"`
	CacheSize int           `yaml:"cache_size"`
}

// UpstreamConfig は上流経路. type は direct|http|socks5.
type UpstreamConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type TimeoutConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Handshake time.Duration `yaml:"handshake"`
	Idle      time.Duration `yaml:"idle"`
}

type LogConfig struct {
	Dir     string        `yaml:"dir"`
	File    string        `yaml:"file"`
	Level   string        `yaml:"level"`
	Format  string        `yaml:"format"`
	MaxSize int64         `yaml:"max_size"`
	MaxAge  time.Duration `yaml:"max_age"`
}

type MetricsConfig struct {
	File         string        `yaml:"file"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

type InterceptorsConfig struct {
	CertDownload CertDownloadConfig `yaml:"cert_download"`
	Access       AccessConfig       `yaml:"access"`
	Headers      HeadersConfig      `yaml:"headers"`
	Capture      CaptureConfig      `yaml:"capture"`
}

type CertDownloadConfig struct {
	Enabled bool     `yaml:"enabled"`
	Hosts   []string `yaml:"hosts"`
}

type AccessConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
	Watch   bool   `yaml:"watch"`
}

type HeaderRulesConfig struct {
	Set    map[string]string `yaml:"set,omitempty"`
	Remove []string          `yaml:"remove,omitempty"`
}

type HeadersConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Request  HeaderRulesConfig `yaml:"request"`
	Response HeaderRulesConfig `yaml:"response"`
}

type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	MaxBody int    `yaml:"max_body"`
}

// Default は既定値の設定を返す.
func Default() *Config {
	return &Config{
		Listen:             ":9999",
		AdminListen:        "127.0.0.1:10081",
		MaxConnections:     1000,
		InsecureSkipVerify: true,
		Authority: AuthorityConfig{
			Cert:         "./configs/ca.crt",
			Key:          "./configs/ca.key",
			CommonName:   "MITM Proxy Root CA",
			Organization: "MITM Proxy",
			Validity:     10 * 365 * 24 * time.Hour,
		},
		Leaf: LeafConfig{
			Validity:  365 * 24 * time.Hour,
			CacheSize: 1024,
		},
		Upstream: UpstreamConfig{Type: "direct"},
		Timeouts: TimeoutConfig{
			Connect:   30 * time.Second,
			Handshake: 10 * time.Second,
			Idle:      2 * time.Minute,
		},
		Log: LogConfig{
			Dir:     "./logs",
			File:    "proxy.log",
			Level:   "info",
			Format:  "text",
			MaxSize: 100 * 1024 * 1024,
			MaxAge:  7 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			File:         "./logs/metrics.json",
			SaveInterval: time.Minute,
		},
		Interceptors: InterceptorsConfig{
			CertDownload: CertDownloadConfig{Enabled: true, Hosts: []string{"mitm.proxy"}},
			Access:       AccessConfig{Enabled: true, File: "./configs/blocked.yaml", Watch: true},
			Capture:      CaptureConfig{Path: "./logs/capture.db", MaxBody: 64 * 1024},
		},
	}
}

// Load は path の設定を読み込む. ファイルがなければ既定値で作成する.
// 読み込んだ値は既定値の上に重ねられる.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to read config")
		}
		if err := cfg.Write(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write は設定をYAMLで書き出す.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write default config")
	}
	return nil
}

// Validate は起動を止めるべき設定の誤りを検出する.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.MaxConnections < 0 {
		return errors.Errorf("max_connections must not be negative: %d", c.MaxConnections)
	}
	if c.Authority.Cert == "" || c.Authority.Key == "" {
		return errors.New("authority.cert and authority.key are required")
	}
	if c.Leaf.Validity < 0 || c.Leaf.CacheSize < 0 {
		return errors.New("leaf.validity and leaf.cache_size must not be negative")
	}
	if _, err := c.Route(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"connect":   c.Timeouts.Connect,
		"handshake": c.Timeouts.Handshake,
		"idle":      c.Timeouts.Idle,
	} {
		if d < 0 {
			return errors.Errorf("timeouts.%s must not be negative", name)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Interceptors.Access.Enabled && c.Interceptors.Access.File == "" {
		return errors.New("interceptors.access.file is required when access control is enabled")
	}
	if c.Interceptors.Capture.Enabled && c.Interceptors.Capture.Path == "" {
		return errors.New("interceptors.capture.path is required when capture is enabled")
	}
	return nil
}

// Route は上流設定を domain.Route に変換する.
func (c *Config) Route() (domain.Route, error) {
	u := c.Upstream
	route := domain.Route{Host: u.Host, Port: u.Port, Username: u.Username, Password: u.Password}

	switch strings.ToLower(u.Type) {
	case "", "direct":
		return domain.Route{Type: domain.RouteDirect}, nil
	case "http":
		route.Type = domain.RouteHTTPProxy
	case "socks5":
		route.Type = domain.RouteSOCKS5Proxy
	default:
		return domain.Route{}, errors.Errorf("unknown upstream type %q", u.Type)
	}

	if route.Host == "" {
		return domain.Route{}, errors.Errorf("upstream.host is required for %s upstream", route.Type)
	}
	if route.Port < 1 || route.Port > 65535 {
		return domain.Route{}, errors.Errorf("upstream.port out of range: %d", route.Port)
	}
	return route, nil
}
