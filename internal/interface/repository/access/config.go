package access

import (
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type accessConfig struct {
	BlockedIPs     []string `yaml:"blocked_ips"`
	BlockedDomains []string `yaml:"blocked_domains"`
}

// rules は正規化済みのブロックリスト.
type rules struct {
	ips     map[string]bool
	nets    []*net.IPNet
	domains map[string]bool
}

func loadConfigFile(path string) (*accessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultConfig(path)
		}
		return nil, errors.Wrap(err, "failed to read access list")
	}

	var config accessConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse access list")
	}

	return &config, nil
}

func createDefaultConfig(path string) (*accessConfig, error) {
	config := &accessConfig{
		BlockedIPs:     []string{},
		BlockedDomains: []string{},
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, errors.Wrap(err, "failed to write default access list")
	}

	return config, nil
}

// prepare は設定データを正規化する. IPはCIDR表記も受け付ける.
func (c *accessConfig) prepare() (*rules, error) {
	r := &rules{
		ips:     make(map[string]bool),
		domains: make(map[string]bool),
	}

	for _, ip := range c.BlockedIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, n, err := net.ParseCIDR(ip)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid blocked network %q", ip)
			}
			r.nets = append(r.nets, n)
			continue
		}
		r.ips[ip] = true
	}

	for _, domain := range c.BlockedDomains {
		if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
			r.domains[domain] = true
		}
	}

	return r, nil
}

func (r *rules) blockedIP(clientIP string) bool {
	if r.ips[clientIP] {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, n := range r.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedDomain は完全一致と "*.suffix" を確認する.
func (r *rules) blockedDomain(host string) (bool, string) {
	if r.domains[host] {
		return true, host
	}
	parts := strings.Split(host, ".")
	for i := 0; i < len(parts)-1; i++ {
		wildcard := "*." + strings.Join(parts[i+1:], ".")
		if r.domains[wildcard] {
			return true, wildcard
		}
	}
	return false, ""
}
