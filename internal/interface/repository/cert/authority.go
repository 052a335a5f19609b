package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

// AuthorityOptions はルート証明書生成時の設定.
type AuthorityOptions struct {
	CommonName   string
	Organization string
	Validity     time.Duration
}

// DefaultAuthorityOptions はデフォルトのルート証明書設定を返す.
func DefaultAuthorityOptions() AuthorityOptions {
	return AuthorityOptions{
		CommonName:   "MITM Proxy Root CA",
		Organization: "MITM Proxy",
		Validity:     10 * 365 * 24 * time.Hour,
	}
}

// LoadAuthority はルート証明書と秘密鍵をファイルから読み込む.
// PEM と DER の両方、鍵は PKCS#1 / PKCS#8 / SEC1 を受け付ける.
func LoadAuthority(certPath, keyPath string) (*domain.Authority, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read authority certificate")
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read authority private key")
	}
	return ParseAuthority(certData, keyData)
}

// ParseAuthority はルート証明書と秘密鍵のバイト列を解析する.
func ParseAuthority(certData, keyData []byte) (*domain.Authority, error) {
	der := certData
	if block, _ := pem.Decode(certData); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, errors.Errorf("unexpected PEM block %q in authority certificate", block.Type)
		}
		der = block.Bytes
	}

	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse authority certificate")
	}
	if !caCert.IsCA {
		return nil, errors.New("authority certificate is not a CA certificate")
	}

	key, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, err
	}

	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(caCert.PublicKey) {
		return nil, errors.New("authority private key does not match certificate")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})
	return domain.NewAuthority(caCert, key, certPEM), nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("authority private key cannot sign")
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse authority private key: unsupported format")
}

// GenerateAuthority は新しいルート証明書を生成し、PEMエンコードした証明書と鍵を返す.
func GenerateAuthority(opts AuthorityOptions) (*domain.Authority, []byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to generate authority key")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{opts.Organization},
			CommonName:   opts.CommonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to create authority certificate")
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to marshal authority key")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	authority, err := ParseAuthority(certPEM, keyPEM)
	if err != nil {
		return nil, nil, nil, err
	}
	return authority, certPEM, keyPEM, nil
}

// WriteAuthority は生成したルート証明書と鍵を書き出す.
func WriteAuthority(certPath, keyPath string, certPEM, keyPEM []byte) error {
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return errors.Wrap(err, "failed to write authority certificate")
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return errors.Wrap(err, "failed to write authority private key")
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}
	return serial, nil
}
