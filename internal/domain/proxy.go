package domain

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// RouteType は上流への経路の種類.
type RouteType int

const (
	RouteDirect RouteType = iota
	RouteHTTPProxy
	RouteSOCKS5Proxy
)

func (t RouteType) String() string {
	switch t {
	case RouteHTTPProxy:
		return "http"
	case RouteSOCKS5Proxy:
		return "socks5"
	default:
		return "direct"
	}
}

// Route は上流経路の設定. 起動時に一度だけ作られ、以後は読み取り専用.
type Route struct {
	Type     RouteType
	Host     string
	Port     int
	Username string
	Password string
}

// Addr はプロキシの host:port を返す.
func (r Route) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// HasCredentials は認証情報が設定されているか.
func (r Route) HasCredentials() bool {
	return r.Username != ""
}

// ProxyAuthorization はBasic認証の Proxy-Authorization 値. 認証情報がなければ空.
func (r Route) ProxyAuthorization() string {
	if !r.HasCredentials() {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(r.Username+":"+r.Password))
}

// SessionState はトンネル状態機械の状態.
type SessionState int

const (
	StateAwaitRequestLine SessionState = iota
	StatePlainRelay
	StateConnectHandshake
	StateTLSEstablished
	StateStreaming
	StateClosed
)

var sessionStateNames = [...]string{
	"AWAIT_REQUEST_LINE", "PLAIN_RELAY", "CONNECT_HANDSHAKE",
	"TLS_ESTABLISHED", "STREAMING", "CLOSED",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return "UNKNOWN"
	}
	return sessionStateNames[s]
}

// ClientChannel はクライアント側の接続. TLS確立後は Upgrade で差し替える.
// Close は何度呼んでもよい.
type ClientChannel struct {
	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	closeOnce sync.Once
	closed    atomic.Bool
	dirty     atomic.Bool
	written   atomic.Int64
	read      atomic.Int64
}

// NewClientChannel は新しいClientChannelを作成.
func NewClientChannel(conn net.Conn) *ClientChannel {
	c := &ClientChannel{conn: conn}
	c.reader = bufio.NewReader(countingReader{c: c, conn: conn})
	return c
}

type countingReader struct {
	c    *ClientChannel
	conn net.Conn
}

func (r countingReader) Read(p []byte) (int, error) {
	n, err := r.conn.Read(p)
	r.c.read.Add(int64(n))
	return n, err
}

// Conn は現在の下位接続を返す.
func (c *ClientChannel) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Reader はリクエスト読み取り用のバッファ付きリーダー.
func (c *ClientChannel) Reader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// Upgrade は下位接続を差し替え、読み取りバッファを作り直す.
// 既存バッファに残ったバイトは conn 側で読み出すこと (BufferedConn 参照).
func (c *ClientChannel) Upgrade(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.reader = bufio.NewReader(countingReader{c: c, conn: conn})
}

// BufferedConn は先読み済みのバッファを優先して読む net.Conn.
type BufferedConn struct {
	net.Conn
	R *bufio.Reader
}

func (b *BufferedConn) Read(p []byte) (int, error) {
	return b.R.Read(p)
}

// Write はクライアントへ書き込み、応答の途中であることを記録する.
func (c *ClientChannel) Write(p []byte) (int, error) {
	if len(p) > 0 {
		c.dirty.Store(true)
	}
	n, err := c.Conn().Write(p)
	c.written.Add(int64(n))
	return n, err
}

// BeginExchange は新しい交換の開始を記録する.
func (c *ClientChannel) BeginExchange() {
	c.dirty.Store(false)
}

// CanRespond は部分的な応答を送っておらず、まだ開いているか.
func (c *ClientChannel) CanRespond() bool {
	return !c.closed.Load() && !c.dirty.Load()
}

// Closed は閉じられたか.
func (c *ClientChannel) Closed() bool {
	return c.closed.Load()
}

// BytesRead はクライアントから読んだバイト数.
func (c *ClientChannel) BytesRead() int64 { return c.read.Load() }

// BytesWritten はクライアントへ書いたバイト数.
func (c *ClientChannel) BytesWritten() int64 { return c.written.Load() }

// RemoteAddr はクライアントのアドレス.
func (c *ClientChannel) RemoteAddr() net.Addr {
	return c.Conn().RemoteAddr()
}

// Close は接続を閉じる.
func (c *ClientChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.Conn().Close()
	})
	return err
}

// UpstreamChannel は上流へのバイトストリーム.
// ProxyForm が真の場合、リクエストは絶対URI形式で書き込む (HTTPプロキシ経由の平文).
type UpstreamChannel struct {
	Conn      net.Conn
	Reader    *bufio.Reader
	Target    string
	Secure    bool
	ProxyForm bool
	Route     Route

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewUpstreamChannel は新しいUpstreamChannelを作成.
func NewUpstreamChannel(conn net.Conn, target string, route Route) *UpstreamChannel {
	return &UpstreamChannel{
		Conn:   conn,
		Reader: bufio.NewReader(conn),
		Target: target,
		Route:  route,
	}
}

// Closed は閉じられたか.
func (u *UpstreamChannel) Closed() bool {
	return u.closed.Load()
}

// Close は接続を閉じる. 二回目以降は何もしない.
func (u *UpstreamChannel) Close() error {
	if u == nil {
		return nil
	}
	var err error
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		err = u.Conn.Close()
	})
	return err
}

// UpstreamConnector は経路に従って上流へ接続する.
type UpstreamConnector interface {
	Connect(ctx context.Context, route Route, target string, tunnel bool) (*UpstreamChannel, error)
}

// ConnectionManager はセッション単位の上流接続管理のインターフェース.
type ConnectionManager interface {
	GetConnection(ctx context.Context, target string, secure bool) (*UpstreamChannel, error)
	ReleaseConnection(ch *UpstreamChannel)
	Current() *UpstreamChannel
	CloseAll() error
}

// ExceptionPolicy はセッション内の失敗時の振る舞い.
// BeforeCatch は上流接続が存在しない段階、AfterCatch は存在する段階で呼ばれる.
type ExceptionPolicy interface {
	BeforeCatch(client *ClientChannel, cause error)
	AfterCatch(client *ClientChannel, upstream *UpstreamChannel, cause error)
}
