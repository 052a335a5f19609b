package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitmproxy/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "proxy.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.FileExists(t, path)

	// 書き出したファイルは読み直せる
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:8888
upstream:
  type: socks5
  host: 10.0.0.1
  port: 1080
  username: user
  password: secret
timeouts:
  connect: 5s
interceptors:
  headers:
    enabled: true
    request:
      set:
        X-Proxy: mitm
      remove: [Cookie]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8888", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Handshake)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.True(t, cfg.Interceptors.Headers.Enabled)
	assert.Equal(t, "mitm", cfg.Interceptors.Headers.Request.Set["X-Proxy"])
	assert.Equal(t, []string{"Cookie"}, cfg.Interceptors.Headers.Request.Remove)

	route, err := cfg.Route()
	require.NoError(t, err)
	assert.Equal(t, domain.Route{
		Type:     domain.RouteSOCKS5Proxy,
		Host:     "10.0.0.1",
		Port:     1080,
		Username: "user",
		Password: "secret",
	}, route)
}

func TestDirectRouteIgnoresProxyFields(t *testing.T) {
	cfg := Default()
	cfg.Upstream = UpstreamConfig{Type: "DIRECT", Host: "ignored", Port: 1}

	route, err := cfg.Route()
	require.NoError(t, err)
	assert.Equal(t, domain.Route{Type: domain.RouteDirect}, route)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"negative connections", func(c *Config) { c.MaxConnections = -1 }, "max_connections"},
		{"missing authority", func(c *Config) { c.Authority.Key = "" }, "authority"},
		{"unknown upstream", func(c *Config) { c.Upstream.Type = "ftp" }, "upstream type"},
		{"proxy without host", func(c *Config) { c.Upstream = UpstreamConfig{Type: "http", Port: 3128} }, "upstream.host"},
		{"proxy port range", func(c *Config) { c.Upstream = UpstreamConfig{Type: "http", Host: "p", Port: 70000} }, "upstream.port"},
		{"negative timeout", func(c *Config) { c.Timeouts.Idle = -time.Second }, "timeouts.idle"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log level"},
		{"capture path", func(c *Config) { c.Interceptors.Capture = CaptureConfig{Enabled: true} }, "capture.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "listen: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, "upstream:\n  type: http\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.host")
}
