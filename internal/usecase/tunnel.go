package usecase

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultConnectTimeout   = 30 * time.Second
	defaultIdleTimeout      = 2 * time.Minute

	chunkSize = 32 * 1024
)

// connectEstablished はトンネル確立を伝える応答.
const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

const continueResponse = "HTTP/1.1 100 Continue\r\n\r\n"

// aLongTimeAgo は読み取りを即座に中断させるための期限.
var aLongTimeAgo = time.Unix(1, 0)

// ManagerFactory はセッションごとの上流接続管理を作る.
type ManagerFactory func() domain.ConnectionManager

// TunnelConfig はトンネルの設定.
type TunnelConfig struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	// OnTransition は状態遷移ごとに呼ばれる. セッションのゴルーチンから呼ばれる.
	OnTransition func(sessionID string, from, to domain.SessionState)
}

// TunnelUseCase はクライアント接続ごとの状態機械を実装
type TunnelUseCase struct {
	forge       domain.CertificateForge
	managers    ManagerFactory
	initializer Initializer
	policy      domain.ExceptionPolicy
	metrics     domain.MetricsCollector
	logger      domain.Logger
	config      TunnelConfig
}

// NewTunnelUseCase は新しいTunnelUseCaseインスタンスを作成
func NewTunnelUseCase(
	forge domain.CertificateForge,
	managers ManagerFactory,
	initializer Initializer,
	policy domain.ExceptionPolicy,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config TunnelConfig,
) *TunnelUseCase {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	return &TunnelUseCase{
		forge:       forge,
		managers:    managers,
		initializer: initializer,
		policy:      policy,
		metrics:     metrics,
		logger:      logger,
		config:      config,
	}
}

// session は一つのクライアント接続の状態.
type session struct {
	uc       *TunnelUseCase
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	client   *domain.ClientChannel
	clientIP string
	upstream domain.ConnectionManager
	pipeline *Pipeline
	state    domain.SessionState
	tunneled bool
	// connectHost はCONNECTで指定されたホストとポート.
	connectHost string
	connectPort string
	exchanges   int
}

// Serve はクライアント接続を最後まで処理する. 戻った時点で接続は閉じている.
func (uc *TunnelUseCase) Serve(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		uc:       uc,
		id:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		client:   domain.NewClientChannel(conn),
		clientIP: hostOnly(conn.RemoteAddr()),
		upstream: uc.managers(),
		pipeline: Build(uc.initializer),
		state:    domain.StateAwaitRequestLine,
	}

	if uc.metrics != nil {
		uc.metrics.IncrementSessions()
		defer uc.metrics.DecrementSessions()
	}

	// キャンセルされたら (サーバー停止・クライアント切断) 両方のチャネルを閉じる
	stop := context.AfterFunc(ctx, func() {
		s.upstream.CloseAll()
		s.client.Close()
	})
	defer stop()

	started := time.Now()
	s.run()
	s.close()

	if uc.metrics != nil {
		uc.metrics.AddBytesTransferred(s.client.BytesRead(), s.client.BytesWritten())
	}
	s.debug("Session closed", map[string]interface{}{
		"exchanges": s.exchanges,
		"read":      sizestr.ToString(s.client.BytesRead()),
		"written":   sizestr.ToString(s.client.BytesWritten()),
		"duration":  time.Since(started).String(),
	})
}

func (s *session) run() {
	req, err := s.readRequest()
	if err != nil {
		s.fail(err)
		return
	}

	if req.Method != http.MethodConnect {
		s.transition(domain.StatePlainRelay)
		s.serve(req)
		return
	}

	if err := s.parseConnect(req); err != nil {
		s.fail(err)
		return
	}
	if err := s.pipeline.DispatchConnect(s.clientIP, net.JoinHostPort(s.connectHost, s.connectPort)); err != nil {
		s.fail(err)
		return
	}

	s.transition(domain.StateConnectHandshake)
	if err := s.handshake(); err != nil {
		s.fail(err)
		return
	}
	s.transition(domain.StateTLSEstablished)
	s.serve(nil)
}

// parseConnect はCONNECTの宛先を検証する.
func (s *session) parseConnect(req *http.Request) error {
	authority := req.Host
	if authority == "" && req.URL != nil {
		authority = req.URL.Host
	}
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return &domain.ProtocolError{Reason: "invalid CONNECT authority " + strconv.Quote(authority), Err: err}
	}
	if n, err := strconv.Atoi(port); host == "" || err != nil || n <= 0 || n > 65535 {
		return &domain.ProtocolError{Reason: "invalid CONNECT authority " + strconv.Quote(authority)}
	}
	s.connectHost = host
	s.connectPort = port
	return nil
}

// handshake はトンネル確立を伝え、偽造した証明書でTLSを終端する.
func (s *session) handshake() error {
	if _, err := io.WriteString(s.client, connectEstablished); err != nil {
		return err
	}

	raw := &domain.BufferedConn{Conn: s.client.Conn(), R: s.client.Reader()}
	conn := tls.Server(raw, &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.uc.forge.Forge(s.connectHost)
		},
		NextProtos: []string{"http/1.1"},
	})

	ctx, cancel := context.WithTimeout(s.ctx, s.uc.config.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		return errors.Wrapf(err, "client TLS handshake for %s failed", s.connectHost)
	}

	s.client.Upgrade(conn)
	s.tunneled = true
	return nil
}

// serve はリクエストを読み続け、一件ずつ交換する.
func (s *session) serve(first *http.Request) {
	req := first
	for {
		if req == nil {
			// 書き終えた応答やトンネル確立行は途中書き込みではない
			s.client.BeginExchange()
			var err error
			if req, err = s.readRequest(); err != nil {
				s.fail(err)
				return
			}
		}
		if s.tunneled && s.state == domain.StateTLSEstablished {
			s.transition(domain.StateStreaming)
		}

		if !s.exchange(req) {
			return
		}
		req = nil
	}
}

// readRequest は次のリクエストヘッダを読む. 待ち時間は IdleTimeout まで.
func (s *session) readRequest() (*http.Request, error) {
	conn := s.client.Conn()
	conn.SetReadDeadline(time.Now().Add(s.uc.config.IdleTimeout))
	defer conn.SetReadDeadline(time.Time{})

	req, err := http.ReadRequest(s.client.Reader())
	if err == nil {
		return req, nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.ctx.Err() != nil:
		return nil, io.EOF
	case errors.As(err, &netErr) && netErr.Timeout():
		return nil, io.EOF
	default:
		return nil, &domain.ProtocolError{Reason: "cannot parse request", Err: err}
	}
}

// exchange は一回の交換を行い、接続を続けるかを返す.
func (s *session) exchange(req *http.Request) (keepAlive bool) {
	s.client.BeginExchange()
	s.pipeline.Reset()
	s.exchanges++
	if s.uc.metrics != nil {
		s.uc.metrics.RecordExchange()
	}

	target, err := s.targetFor(req)
	ex := domain.NewExchange(s.id, s.clientIP, target, s.tunneled, req)
	var cause error
	defer func() {
		if err := s.pipeline.DispatchComplete(ex, cause); err != nil && s.uc.logger != nil {
			s.uc.logger.Error("Exchange complete hook failed", err, map[string]interface{}{"session_id": s.id})
		}
	}()

	if err != nil {
		cause = err
		s.fail(err)
		return false
	}
	expectContinue := prepareRequest(req)

	verdict, err := s.pipeline.DispatchRequestHeaders(ex)
	if err != nil {
		cause = err
		s.fail(err)
		return false
	}
	if verdict == domain.Handled {
		return s.shortCircuit(ex, expectContinue)
	}

	// インターセプタが Host を書き換えた可能性がある
	if ex.Target, err = s.targetFor(ex.Request); err != nil {
		cause = err
		s.fail(err)
		return false
	}
	req = ex.Request

	cctx, cancel := context.WithTimeout(s.ctx, s.uc.config.ConnectTimeout)
	up, err := s.upstream.GetConnection(cctx, ex.Target, s.tunneled)
	cancel()
	if err != nil {
		cause = err
		if s.uc.metrics != nil {
			s.uc.metrics.RecordUpstreamError()
		}
		s.fail(err)
		return false
	}

	var reqChunks *chunkReader
	if req.Body != nil && req.Body != http.NoBody && s.pipeline.HasRequestChunkHooks() {
		reqChunks = &chunkReader{
			body: req.Body,
			dispatch: func(b []byte) ([]byte, error) {
				out, _, err := s.pipeline.DispatchRequestChunk(ex, b)
				return out, err
			},
		}
		req.Body = reqChunks
		rechunk(req.Header, &req.ContentLength, &req.TransferEncoding)
	}

	if expectContinue && req.Body != nil && req.Body != http.NoBody {
		// 上流には Expect を送らず、ここで本文の送信を促す
		if _, err := io.WriteString(s.client, continueResponse); err != nil {
			cause = err
			s.failUpstream(up, err)
			return false
		}
		s.client.BeginExchange()
	}

	if err := writeRequest(up, req); err != nil {
		cause = reqChunks.cause(upstreamFailure(ex.Target, err))
		s.failUpstream(up, cause)
		return false
	}

	resp, err := s.readResponse(up, req)
	if err != nil {
		cause = upstreamFailure(ex.Target, err)
		if s.ctx.Err() != nil {
			cause = context.Canceled
		}
		s.failUpstream(up, cause)
		return false
	}
	ex.Response = resp

	if _, err := s.pipeline.DispatchResponseHeaders(ex); err != nil {
		resp.Body.Close()
		cause = err
		s.failUpstream(up, err)
		return false
	}
	if ex.Response != resp {
		// 差し替えられた場合、元の応答の残りは読めないので上流を捨てる
		resp.Body.Close()
		s.upstream.ReleaseConnection(up)
	}
	out := ex.Response
	if out == nil {
		out = &http.Response{StatusCode: http.StatusNoContent, ProtoMajor: 1, ProtoMinor: 1, Header: make(http.Header), Body: http.NoBody}
	}
	out.Request = req
	removeHopHeaders(out.Header)

	hasBody := out.Body != nil && out.Body != http.NoBody
	var respChunks *chunkReader
	if hasBody && s.pipeline.HasResponseChunkHooks() {
		respChunks = &chunkReader{
			body: out.Body,
			dispatch: func(b []byte) ([]byte, error) {
				o, _, err := s.pipeline.DispatchResponseChunk(ex, b)
				return o, err
			},
		}
		out.Body = respChunks
		rechunk(out.Header, &out.ContentLength, &out.TransferEncoding)
	}
	if out.Body == nil {
		out.Body = http.NoBody
	}

	// 長さのない本文は切断で終端を示す
	if hasBody && out.ContentLength < 0 && !isChunked(out.TransferEncoding) {
		out.Close = true
	}
	keepAlive = !req.Close && !out.Close
	out.Close = !keepAlive

	if err := s.writeResponse(out); err != nil {
		out.Body.Close()
		cause = respChunks.cause(err)
		s.failUpstream(up, cause)
		return false
	}
	out.Body.Close()

	if resp.Close {
		s.upstream.ReleaseConnection(up)
	}
	return keepAlive
}

// shortCircuit は上流に接続せず ex.Response を返す.
// 100 Continue を待っているクライアントの本文は読まずに閉じる.
func (s *session) shortCircuit(ex *domain.Exchange, expectContinue bool) bool {
	if s.uc.metrics != nil {
		s.uc.metrics.RecordShortCircuit()
	}

	req := ex.Request
	// 本文を読み切らないと次のリクエストが読めない
	waiting := expectContinue && req.Body != nil && req.Body != http.NoBody
	drained := !waiting
	if req.Body != nil && !waiting {
		_, err := io.Copy(io.Discard, io.LimitReader(req.Body, 1<<20))
		drained = err == nil
		req.Body.Close()
	}

	resp := ex.Response
	if resp == nil {
		resp = &http.Response{StatusCode: http.StatusNoContent, ProtoMajor: 1, ProtoMinor: 1, Header: make(http.Header), Body: http.NoBody}
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Request = req

	keepAlive := drained && !req.Close && !resp.Close
	resp.Close = !keepAlive

	err := s.writeResponse(resp)
	if resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.fail(err)
		return false
	}
	return keepAlive
}

// readResponse は応答ヘッダを読む. 待機中にクライアントが切断したらセッションを止める.
func (s *session) readResponse(up *domain.UpstreamChannel, req *http.Request) (*http.Response, error) {
	w := s.watchClient()
	defer w.stop()

	for {
		resp, err := http.ReadResponse(up.Reader, req)
		if err != nil {
			return nil, err
		}
		// 101 以外の情報応答は読み飛ばす
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
}

func (s *session) writeResponse(resp *http.Response) error {
	w := bufio.NewWriterSize(s.client, chunkSize)
	if err := resp.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

// targetFor はリクエストの宛先 host:port を求める.
func (s *session) targetFor(req *http.Request) (string, error) {
	host := req.Host
	if !s.tunneled && req.URL != nil && req.URL.Host != "" {
		host = req.URL.Host
	}
	if host == "" && s.tunneled {
		host = net.JoinHostPort(s.connectHost, s.connectPort)
	}
	if host == "" {
		return "", &domain.ProtocolError{Reason: "request has no host"}
	}

	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	port := "80"
	if s.tunneled {
		port = s.connectPort
		if !strings.EqualFold(strings.Trim(host, "[]"), s.connectHost) {
			port = "443"
		}
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port), nil
}

func (s *session) fail(err error) {
	s.uc.policy.BeforeCatch(s.client, err)
	s.transition(domain.StateClosed)
}

func (s *session) failUpstream(up *domain.UpstreamChannel, err error) {
	s.uc.policy.AfterCatch(s.client, up, err)
	s.transition(domain.StateClosed)
}

func (s *session) close() {
	s.upstream.CloseAll()
	s.client.Close()
	s.transition(domain.StateClosed)
}

func (s *session) transition(to domain.SessionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.debug("Session state changed", map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	})
	if fn := s.uc.config.OnTransition; fn != nil {
		fn(s.id, from, to)
	}
}

func (s *session) debug(msg string, fields map[string]interface{}) {
	if s.uc.logger == nil {
		return
	}
	fields["session_id"] = s.id
	fields["client_ip"] = s.clientIP
	if s.connectHost != "" {
		fields["connect"] = net.JoinHostPort(s.connectHost, s.connectPort)
	}
	s.uc.logger.Debug(msg, fields)
}

// clientWatch は応答待ちの間にクライアントの切断を検出する.
type clientWatch struct {
	conn    net.Conn
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

func (s *session) watchClient() *clientWatch {
	w := &clientWatch{conn: s.client.Conn(), done: make(chan struct{})}
	reader := s.client.Reader()
	go func() {
		defer close(w.done)
		_, err := reader.Peek(1)
		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if err != nil && !stopped {
			s.cancel()
		}
	}()
	return w
}

func (w *clientWatch) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.conn.SetReadDeadline(aLongTimeAgo)
	<-w.done
	w.conn.SetReadDeadline(time.Time{})
}

// chunkReader は本文をチャンク単位でフックに通す.
type chunkReader struct {
	body     io.ReadCloser
	dispatch func([]byte) ([]byte, error)
	buf      []byte
	pending  []byte
	err      error
	hookErr  error
}

// cause はフックが失敗していればそのエラー、そうでなければ fallback を返す.
// net/http は本文の読み取りエラーを包み直すため、ここで取り出す.
func (r *chunkReader) cause(fallback error) error {
	if r != nil && r.hookErr != nil {
		return r.hookErr
	}
	return fallback
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.buf == nil {
			r.buf = make([]byte, chunkSize)
		}
		n, err := r.body.Read(r.buf)
		if n > 0 {
			out, derr := r.dispatch(r.buf[:n])
			if derr != nil {
				r.err = derr
				r.hookErr = derr
				return 0, derr
			}
			r.pending = out
		}
		if err != nil {
			r.err = err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	return r.body.Close()
}

func isChunked(te []string) bool {
	return len(te) > 0 && te[0] == "chunked"
}

// rechunk はチャンク形式で再送するようヘッダを整える.
func rechunk(h http.Header, length *int64, te *[]string) {
	h.Del("Content-Length")
	*length = -1
	*te = []string{"chunked"}
}

// hopHeaders は転送しないホップ単位のヘッダ.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// prepareRequest はクライアントから読んだリクエストを上流へ書ける形にする.
// Expect: 100-continue は取り除き、その有無を返す.
func prepareRequest(req *http.Request) (expectContinue bool) {
	req.RequestURI = ""
	removeHopHeaders(req.Header)
	expectContinue = strings.EqualFold(strings.TrimSpace(req.Header.Get("Expect")), "100-continue")
	req.Header.Del("Expect")
	return expectContinue
}

func writeRequest(up *domain.UpstreamChannel, req *http.Request) error {
	w := bufio.NewWriterSize(up.Conn, chunkSize)
	var err error
	if up.ProxyForm {
		if auth := up.Route.ProxyAuthorization(); auth != "" {
			req.Header.Set("Proxy-Authorization", auth)
		}
		if req.URL.Scheme == "" {
			req.URL.Scheme = "http"
		}
		if req.URL.Host == "" {
			req.URL.Host = req.Host
		}
		err = req.WriteProxy(w)
	} else {
		err = req.Write(w)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

// upstreamFailure はインターセプタ由来でない入出力エラーを上流の失敗として包む.
func upstreamFailure(target string, err error) error {
	var ie *domain.InterceptorError
	if errors.As(err, &ie) {
		return err
	}
	return &domain.ErrConnectionFailed{Host: target, Err: err}
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
