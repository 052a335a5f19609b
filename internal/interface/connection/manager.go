package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

const defaultHandshakeTimeout = 10 * time.Second

// errManagerClosed はセッション終了後の接続要求.
var errManagerClosed = errors.New("connection manager is closed")

// ManagerOptions はオリジンへのTLS接続の設定.
type ManagerOptions struct {
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	HandshakeTimeout   time.Duration
}

// Manager はセッション単位で上流チャネルを管理する.
// 保持するチャネルは常に一つで、宛先が変わると張り直す.
type Manager struct {
	mu        sync.Mutex
	connector domain.UpstreamConnector
	route     domain.Route
	opts      ManagerOptions
	current   *domain.UpstreamChannel
	closed    bool
}

var _ domain.ConnectionManager = (*Manager)(nil)

// NewManager は新しいManagerインスタンスを作成
func NewManager(connector domain.UpstreamConnector, route domain.Route, opts ManagerOptions) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Manager{
		connector: connector,
		route:     route,
		opts:      opts,
	}
}

// GetConnection は target への接続を返す. 同じ宛先の開いたチャネルがあれば再利用する.
func (m *Manager) GetConnection(ctx context.Context, target string, secure bool) (*domain.UpstreamChannel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed
	}
	if cur := m.current; cur != nil {
		if !cur.Closed() && cur.Target == target && cur.Secure == secure {
			m.mu.Unlock()
			return cur, nil
		}
		cur.Close()
		m.current = nil
	}
	m.mu.Unlock()

	ch, err := m.connector.Connect(ctx, m.route, target, secure)
	if err != nil {
		return nil, err
	}

	if secure {
		ch, err = m.handshake(ctx, ch)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		// 接続中にセッションが閉じられた
		ch.Close()
		return nil, errManagerClosed
	}
	m.current = ch
	return ch, nil
}

// handshake はオリジンとのTLSを確立する.
func (m *Manager) handshake(ctx context.Context, ch *domain.UpstreamChannel) (*domain.UpstreamChannel, error) {
	host, _, err := net.SplitHostPort(ch.Target)
	if err != nil {
		host = ch.Target
	}

	conn := tls.Client(&domain.BufferedConn{Conn: ch.Conn, R: ch.Reader}, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: m.opts.InsecureSkipVerify,
		RootCAs:            m.opts.RootCAs,
		NextProtos:         []string{"http/1.1"},
	})

	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		ch.Close()
		kind := domain.ConnectorTLS
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.ConnectorTimeout
		}
		return nil, &domain.ConnectorError{
			Kind: kind, Target: ch.Target, Via: ch.Route.Type,
			Err: errors.Wrap(err, "origin TLS handshake failed"),
		}
	}

	secured := domain.NewUpstreamChannel(conn, ch.Target, ch.Route)
	secured.Secure = true
	return secured, nil
}

// ReleaseConnection は使用済みのチャネルを閉じる.
func (m *Manager) ReleaseConnection(ch *domain.UpstreamChannel) {
	if ch == nil {
		return
	}
	m.mu.Lock()
	if m.current == ch {
		m.current = nil
	}
	m.mu.Unlock()
	ch.Close()
}

// Current は現在のチャネル. 未接続なら nil.
func (m *Manager) Current() *domain.UpstreamChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CloseAll は全ての接続を閉じる. 以後の GetConnection は失敗する.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
