package domain

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"time"
)

// Authority はルート証明書と秘密鍵. 起動時に一度読み込まれ、以後は変更しない.
type Authority struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	// PEM は証明書ダウンロード用のPEMエンコード.
	PEM []byte
}

// NewAuthority は証明書と鍵からAuthorityを作成.
func NewAuthority(cert *x509.Certificate, key crypto.Signer, pemBytes []byte) *Authority {
	return &Authority{
		Certificate: cert,
		PrivateKey:  key,
		Issuer:      cert.Subject.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		PEM:         pemBytes,
	}
}

// CertificateForge はホスト名からリーフ証明書を生成する.
type CertificateForge interface {
	Forge(host string) (*tls.Certificate, error)
}
