package domain

import (
	"crypto/tls"
	"time"
)

// CertificateCache は生成済みリーフ証明書のキャッシュのインターフェース.
type CertificateCache interface {
	Get(host string) (*CacheEntry, bool)
	Set(host string, entry *CacheEntry) error
	Delete(host string) error
}

// CacheEntry はキャッシュのエントリを表す.
type CacheEntry struct {
	Host        string
	Certificate *tls.Certificate
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
