package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitmproxy/internal/domain"
	"mitmproxy/internal/interface/repository/cache"
)

func newAuthority(t *testing.T, validity time.Duration) *domain.Authority {
	t.Helper()
	opts := DefaultAuthorityOptions()
	opts.Validity = validity
	authority, _, _, err := GenerateAuthority(opts)
	require.NoError(t, err)
	return authority
}

func TestForgedLeafProperties(t *testing.T) {
	authority := newAuthority(t, 10*365*24*time.Hour)
	forge, err := NewForge(authority, ForgeOptions{})
	require.NoError(t, err)

	for _, host := range []string{"example.com", "secure.example", "127.0.0.1", "WWW.Example.ORG:443"} {
		t.Run(host, func(t *testing.T) {
			c, err := forge.Forge(host)
			require.NoError(t, err)
			leaf := c.Leaf
			require.NotNil(t, leaf)

			assert.Equal(t, authority.Issuer, leaf.Issuer.String())
			assert.False(t, leaf.NotBefore.Before(authority.NotBefore))
			assert.False(t, leaf.NotAfter.After(authority.NotAfter))
			require.NoError(t, leaf.CheckSignatureFrom(authority.Certificate))

			pool := x509.NewCertPool()
			pool.AddCert(authority.Certificate)
			_, err = leaf.Verify(x509.VerifyOptions{
				DNSName: normalizeHost(host),
				Roots:   pool,
			})
			require.NoError(t, err)
			if ip := net.ParseIP(host); ip != nil {
				assert.Len(t, leaf.IPAddresses, 1)
			}
		})
	}
}

func TestLeafClampedToAuthorityWindow(t *testing.T) {
	authority := newAuthority(t, 24*time.Hour)
	forge, err := NewForge(authority, ForgeOptions{Validity: DefaultLeafValidity})
	require.NoError(t, err)

	c, err := forge.Forge("short.example")
	require.NoError(t, err)
	assert.Equal(t, authority.NotAfter.Unix(), c.Leaf.NotAfter.Unix())
	assert.False(t, c.Leaf.NotBefore.Before(authority.NotBefore))
}

func TestForgeCacheHit(t *testing.T) {
	authority := newAuthority(t, 10*365*24*time.Hour)
	forge, err := NewForge(authority, ForgeOptions{})
	require.NoError(t, err)

	first, err := forge.Forge("example.com")
	require.NoError(t, err)
	second, err := forge.Forge("example.com")
	require.NoError(t, err)

	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestForgeAfterExpiry(t *testing.T) {
	authority := newAuthority(t, 10*365*24*time.Hour)
	now := time.Now()
	clock := func() time.Time { return now }

	forge, err := NewForge(authority, ForgeOptions{
		Validity: time.Hour,
		Cache:    cache.New(0).WithClock(func() time.Time { return clock() }),
		Now:      func() time.Time { return clock() },
	})
	require.NoError(t, err)

	first, err := forge.Forge("example.com")
	require.NoError(t, err)

	later := now.Add(2 * time.Hour)
	clock = func() time.Time { return later }

	second, err := forge.Forge("example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
	assert.True(t, second.Leaf.NotAfter.After(later))
	assert.False(t, second.Leaf.NotBefore.After(later))
}

func TestConcurrentForgeSameHost(t *testing.T) {
	authority := newAuthority(t, 10*365*24*time.Hour)
	forge, err := NewForge(authority, ForgeOptions{})
	require.NoError(t, err)

	const n = 16
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := forge.Forge("race.example")
			if assert.NoError(t, err) {
				results[i] = c.Certificate[0]
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestForgeEmptyHost(t *testing.T) {
	forge, err := NewForge(newAuthority(t, time.Hour*24), ForgeOptions{})
	require.NoError(t, err)

	_, err = forge.Forge("")
	var fe *domain.ForgeError
	require.ErrorAs(t, err, &fe)
}

type failingSigner struct{ crypto.Signer }

func (failingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, errors.New("hsm unavailable")
}

func TestForgeSigningFailure(t *testing.T) {
	authority := newAuthority(t, 24*time.Hour)
	broken := *authority
	broken.PrivateKey = failingSigner{authority.PrivateKey}

	forge, err := NewForge(&broken, ForgeOptions{})
	require.NoError(t, err)

	_, err = forge.Forge("example.com")
	var fe *domain.ForgeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "example.com", fe.Host)
}

func TestLoadAuthorityFormats(t *testing.T) {
	dir := t.TempDir()
	_, certPEM, keyPEM, err := GenerateAuthority(DefaultAuthorityOptions())
	require.NoError(t, err)

	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")
	require.NoError(t, WriteAuthority(certPath, keyPath, certPEM, keyPEM))

	authority, err := LoadAuthority(certPath, keyPath)
	require.NoError(t, err)
	assert.Contains(t, authority.Issuer, "MITM Proxy Root CA")

	// DER
	certBlock, _ := pem.Decode(certPEM)
	keyBlock, _ := pem.Decode(keyPEM)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.der"), certBlock.Bytes, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca_private.der"), keyBlock.Bytes, 0600))
	_, err = LoadAuthority(filepath.Join(dir, "ca.der"), filepath.Join(dir, "ca_private.der"))
	require.NoError(t, err)
}

func TestLoadAuthorityRejectsBadMaterial(t *testing.T) {
	dir := t.TempDir()
	_, certPEM, _, err := GenerateAuthority(DefaultAuthorityOptions())
	require.NoError(t, err)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherDER, err := x509.MarshalECPrivateKey(other)
	require.NoError(t, err)
	otherPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: otherDER})

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})

	tests := []struct {
		name string
		cert []byte
		key  []byte
	}{
		{"mismatched key", certPEM, otherPEM},
		{"mismatched rsa key", certPEM, rsaPEM},
		{"garbage cert", []byte("not a cert"), otherPEM},
		{"garbage key", certPEM, []byte("not a key")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseAuthority(tc.cert, tc.key)
			assert.Error(t, err)
		})
	}

	_, err = LoadAuthority(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"))
	assert.Error(t, err)
}
