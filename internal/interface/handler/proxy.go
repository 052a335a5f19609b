package handler

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

// SessionServer は受け付けた接続を一つ処理する.
type SessionServer interface {
	Serve(ctx context.Context, conn net.Conn)
}

// ProxyServer はプロキシの待受ソケットを処理する
type ProxyServer struct {
	sessions SessionServer
	logger   domain.Logger
	slots    chan struct{}
	wg       sync.WaitGroup
}

// NewProxyServer は新しいProxyServerインスタンスを作成.
// maxConnections が0以下なら同時セッション数を制限しない.
func NewProxyServer(sessions SessionServer, logger domain.Logger, maxConnections int) *ProxyServer {
	s := &ProxyServer{sessions: sessions, logger: logger}
	if maxConnections > 0 {
		s.slots = make(chan struct{}, maxConnections)
	}
	return s
}

// Serve は ctx が終わるまで接続を受け付ける. 戻る前に全セッションの終了を待つ.
func (s *ProxyServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.logger.Info("Proxy listening", map[string]interface{}{
		"address": ln.Addr().String(),
	})

	var delay time.Duration
	for {
		if !s.acquire(ctx) {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// 一時的なエラーは間隔を空けて再試行
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				s.logger.Warn("Accept failed; retrying", map[string]interface{}{
					"error": err.Error(),
					"delay": delay.String(),
				})
				time.Sleep(delay)
				continue
			}
			return errors.Wrap(err, "accept failed")
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			defer func() {
				if r := recover(); r != nil {
					conn.Close()
					s.logger.Error("Session panicked", errors.Errorf("%v", r), map[string]interface{}{
						"client": conn.RemoteAddr().String(),
					})
				}
			}()
			s.sessions.Serve(ctx, conn)
		}()
	}
}

// ListenAndServe は addr で待ち受けて Serve する.
func (s *ProxyServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

func (s *ProxyServer) acquire(ctx context.Context) bool {
	if s.slots == nil {
		return ctx.Err() == nil
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *ProxyServer) release() {
	if s.slots != nil {
		<-s.slots
	}
}
