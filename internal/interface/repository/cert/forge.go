package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
	"mitmproxy/internal/interface/repository/cache"
)

const (
	// DefaultLeafValidity はリーフ証明書の既定の有効期間.
	DefaultLeafValidity = 365 * 24 * time.Hour

	// backdate は時計ずれを吸収するための開始時刻の前倒し.
	backdate = time.Hour
)

// ForgeOptions はリーフ証明書生成の設定.
type ForgeOptions struct {
	Validity time.Duration
	Cache    domain.CertificateCache
	// LeafKey を省略すると起動時に一つ生成し、全リーフで共有する.
	LeafKey crypto.Signer
	Metrics domain.MetricsCollector
	Logger  domain.Logger
	Now     func() time.Time
}

// Forge はルート証明書で署名したリーフ証明書を生成する.
type Forge struct {
	authority *domain.Authority
	leafKey   crypto.Signer
	validity  time.Duration
	cache     domain.CertificateCache
	metrics   domain.MetricsCollector
	logger    domain.Logger
	now       func() time.Time

	// mu はキャッシュミス時の生成と挿入のみを保護する
	mu sync.Mutex
}

var _ domain.CertificateForge = (*Forge)(nil)

// NewForge は新しいForgeインスタンスを作成
func NewForge(authority *domain.Authority, opts ForgeOptions) (*Forge, error) {
	if authority == nil || authority.Certificate == nil || authority.PrivateKey == nil {
		return nil, errors.New("authority credential is required")
	}

	f := &Forge{
		authority: authority,
		leafKey:   opts.LeafKey,
		validity:  opts.Validity,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if f.validity <= 0 {
		f.validity = DefaultLeafValidity
	}
	if f.cache == nil {
		f.cache = cache.New(0)
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.leafKey == nil {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate leaf key")
		}
		f.leafKey = key
	}

	return f, nil
}

// Forge はホスト用の証明書を返す. 期限内のキャッシュがあればそれを返す.
func (f *Forge) Forge(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, &domain.ForgeError{Host: host, Err: errors.New("empty host")}
	}

	if entry, ok := f.cache.Get(host); ok {
		if f.metrics != nil {
			f.metrics.RecordCertCacheHit()
		}
		return entry.Certificate, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// 待っている間に他のセッションが生成した可能性がある
	if entry, ok := f.cache.Get(host); ok {
		if f.metrics != nil {
			f.metrics.RecordCertCacheHit()
		}
		return entry.Certificate, nil
	}

	now := f.now()
	cert, err := f.sign(host, now)
	if err != nil {
		if f.logger != nil {
			f.logger.Error("Failed to forge certificate", err, map[string]interface{}{"host": host})
		}
		return nil, &domain.ForgeError{Host: host, Err: err}
	}

	if err := f.cache.Set(host, &domain.CacheEntry{
		Host:        host,
		Certificate: cert,
		CreatedAt:   now,
		ExpiresAt:   cert.Leaf.NotAfter,
	}); err != nil {
		return nil, &domain.ForgeError{Host: host, Err: err}
	}

	if f.metrics != nil {
		f.metrics.RecordCertForged()
	}
	if f.logger != nil {
		f.logger.Debug("Forged certificate", map[string]interface{}{
			"host":       host,
			"not_before": cert.Leaf.NotBefore,
			"not_after":  cert.Leaf.NotAfter,
		})
	}

	return cert, nil
}

// Window は now におけるリーフの有効期間を返す. ルートの有効期間を超えない.
func (f *Forge) Window(now time.Time) (time.Time, time.Time, error) {
	notBefore := now.Add(-backdate)
	notAfter := now.Add(f.validity)

	if notBefore.Before(f.authority.NotBefore) {
		notBefore = f.authority.NotBefore
	}
	if notAfter.After(f.authority.NotAfter) {
		notAfter = f.authority.NotAfter
	}
	if !notAfter.After(now) || notBefore.After(now) {
		return time.Time{}, time.Time{}, errors.Errorf(
			"authority is not valid at %s (valid %s - %s)",
			now.Format(time.RFC3339), f.authority.NotBefore.Format(time.RFC3339), f.authority.NotAfter.Format(time.RFC3339))
	}
	return notBefore, notAfter, nil
}

func (f *Forge) sign(host string, now time.Time) (*tls.Certificate, error) {
	notBefore, notAfter, err := f.Window(now)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: f.authority.Certificate.Subject.Organization,
			CommonName:   host,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, f.authority.Certificate, f.leafKey.Public(), f.authority.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign leaf certificate")
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse forged certificate")
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, f.authority.Certificate.Raw},
		PrivateKey:  f.leafKey,
		Leaf:        leaf,
	}, nil
}

// normalizeHost はポートと角括弧を取り除き小文字にする.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
