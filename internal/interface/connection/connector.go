package connection

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"mitmproxy/internal/domain"
)

const (
	defaultConnectTimeout = 10 * time.Second
	// maxAttempts は最初の試行と一回の再試行.
	maxAttempts = 2
)

// Connector は経路に従って上流へのバイトストリームを開く.
type Connector struct {
	timeout time.Duration
	logger  domain.Logger
	backoff *backoff.Backoff
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ domain.UpstreamConnector = (*Connector)(nil)

// NewConnector は新しいConnectorインスタンスを作成
func NewConnector(timeout time.Duration, logger domain.Logger) *Connector {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return &Connector{
		timeout: timeout,
		logger:  logger,
		backoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    time.Second,
			Factor: 2,
			Jitter: true,
		},
		dial: dialer.DialContext,
	}
}

// Connect は target (host:port) へのチャネルを返す.
// tunnel が真の場合、HTTPプロキシ経由では CONNECT を発行する.
func (c *Connector) Connect(
	ctx context.Context, route domain.Route, target string, tunnel bool,
) (*domain.UpstreamChannel, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ch, err := c.connectOnce(ctx, route, target, tunnel)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		var ce *domain.ConnectorError
		if attempt == maxAttempts || !errors.As(err, &ce) || !ce.Kind.Retryable() || ctx.Err() != nil {
			break
		}

		delay := c.backoff.ForAttempt(float64(attempt - 1))
		if c.logger != nil {
			c.logger.Warn("Retrying upstream connection", map[string]interface{}{
				"target": target,
				"route":  route.Type.String(),
				"kind":   ce.Kind.String(),
				"delay":  delay.String(),
			})
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, classify(ctx.Err(), target, route.Type)
		}
	}
	return nil, lastErr
}

func (c *Connector) connectOnce(
	ctx context.Context, route domain.Route, target string, tunnel bool,
) (*domain.UpstreamChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch route.Type {
	case domain.RouteHTTPProxy:
		return c.connectHTTPProxy(ctx, route, target, tunnel)
	case domain.RouteSOCKS5Proxy:
		return c.connectSOCKS5(ctx, route, target)
	default:
		conn, err := c.dial(ctx, "tcp", target)
		if err != nil {
			return nil, classify(err, target, route.Type)
		}
		return domain.NewUpstreamChannel(conn, target, route), nil
	}
}

// connectHTTPProxy はHTTPプロキシ経由で接続する.
func (c *Connector) connectHTTPProxy(
	ctx context.Context, route domain.Route, target string, tunnel bool,
) (*domain.UpstreamChannel, error) {
	conn, err := c.dial(ctx, "tcp", route.Addr())
	if err != nil {
		return nil, classify(err, target, route.Type)
	}

	ch := domain.NewUpstreamChannel(conn, target, route)
	if !tunnel {
		// 平文はリクエストラインをそのままプロキシへ転送する
		ch.ProxyForm = true
		return ch, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if auth := route.ProxyAuthorization(); auth != "" {
		req.Header.Set("Proxy-Authorization", auth)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, classify(err, target, route.Type)
	}

	resp, err := http.ReadResponse(ch.Reader, req)
	if err != nil {
		conn.Close()
		return nil, &domain.ConnectorError{
			Kind: domain.ConnectorProxyProtocol, Target: target, Via: route.Type,
			Err: errors.Wrap(err, "invalid CONNECT response"),
		}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		conn.Close()
		return nil, &domain.ConnectorError{
			Kind: domain.ConnectorProxyAuth, Target: target, Via: route.Type,
			Err: errors.Errorf("proxy rejected credentials: %s", resp.Status),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		conn.Close()
		return nil, &domain.ConnectorError{
			Kind: domain.ConnectorProxyProtocol, Target: target, Via: route.Type,
			Err: errors.Errorf("proxy refused CONNECT: %s", resp.Status),
		}
	}

	return ch, nil
}

// connectSOCKS5 はSOCKS5のネゴシエーションとCONNECTを行う.
func (c *Connector) connectSOCKS5(
	ctx context.Context, route domain.Route, target string,
) (*domain.UpstreamChannel, error) {
	var auth *proxy.Auth
	if route.HasCredentials() {
		auth = &proxy.Auth{User: route.Username, Password: route.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", route.Addr(), auth, contextDialer(c.dial))
	if err != nil {
		return nil, &domain.ConnectorError{Kind: domain.ConnectorProxyProtocol, Target: target, Via: route.Type, Err: err}
	}

	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, &domain.ConnectorError{
			Kind: domain.ConnectorProxyProtocol, Target: target, Via: route.Type,
			Err: errors.New("socks5 dialer does not support contexts"),
		}
	}

	conn, err := cd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, classifySOCKS(err, target, route.Type)
	}
	return domain.NewUpstreamChannel(conn, target, route), nil
}

// contextDialer は proxy.Dialer と proxy.ContextDialer を満たす.
type contextDialer func(ctx context.Context, network, addr string) (net.Conn, error)

func (d contextDialer) Dial(network, addr string) (net.Conn, error) {
	return d(context.Background(), network, addr)
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d(ctx, network, addr)
}

// classifySOCKS はSOCKSダイアラのエラーを分類する.
// ダイアラは失敗を net.OpError で包むため、内側のエラーで判断する.
func classifySOCKS(err error, target string, via domain.RouteType) error {
	inner := err
	if op, ok := err.(*net.OpError); ok && op.Err != nil {
		inner = op.Err
	}

	var netErr net.Error
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(inner, &dnsErr), errors.As(inner, &opErr), errors.As(inner, &netErr),
		errors.Is(inner, context.DeadlineExceeded), errors.Is(inner, syscall.ECONNREFUSED):
		return classify(inner, target, via)
	case strings.Contains(inner.Error(), "authentication"):
		return &domain.ConnectorError{Kind: domain.ConnectorProxyAuth, Target: target, Via: via, Err: err}
	default:
		return &domain.ConnectorError{Kind: domain.ConnectorProxyProtocol, Target: target, Via: via, Err: err}
	}
}

// classify はネットワークエラーを ConnectorError に変換する.
func classify(err error, target string, via domain.RouteType) error {
	kind := domain.ConnectorNetwork

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		kind = domain.ConnectorDNS
		if dnsErr.IsTimeout {
			kind = domain.ConnectorTimeout
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = domain.ConnectorRefused
	case errors.Is(err, context.DeadlineExceeded):
		kind = domain.ConnectorTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = domain.ConnectorTimeout
	}

	return &domain.ConnectorError{Kind: kind, Target: target, Via: via, Err: err}
}
