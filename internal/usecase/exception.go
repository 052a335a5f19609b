package usecase

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

// ExceptionPolicy は既定の例外ポリシー.
// 応答可能なら分類したエラー応答を書き、必ず両方のチャネルを閉じる.
type ExceptionPolicy struct {
	logger  domain.Logger
	metrics domain.MetricsCollector
}

var _ domain.ExceptionPolicy = (*ExceptionPolicy)(nil)

// NewExceptionPolicy は新しいExceptionPolicyインスタンスを作成
func NewExceptionPolicy(logger domain.Logger, metrics domain.MetricsCollector) *ExceptionPolicy {
	return &ExceptionPolicy{logger: logger, metrics: metrics}
}

// BeforeCatch は上流接続が存在しない段階の失敗を処理する.
func (p *ExceptionPolicy) BeforeCatch(client *domain.ClientChannel, cause error) {
	p.handle(client, nil, cause)
}

// AfterCatch は上流接続が存在する段階の失敗を処理する.
func (p *ExceptionPolicy) AfterCatch(client *domain.ClientChannel, upstream *domain.UpstreamChannel, cause error) {
	p.handle(client, upstream, cause)
}

func (p *ExceptionPolicy) handle(client *domain.ClientChannel, upstream *domain.UpstreamChannel, cause error) {
	if client == nil || client.Closed() {
		upstream.Close()
		return
	}

	fields := map[string]interface{}{"upstream": upstream != nil}
	if addr := client.RemoteAddr(); addr != nil {
		fields["client"] = addr.String()
	}
	if upstream != nil {
		fields["target"] = upstream.Target
	}
	var denied *domain.ErrNotAllowed
	if isQuiet(cause) {
		p.logDebug("Session ended", cause, fields)
	} else if errors.As(cause, &denied) {
		if p.logger != nil {
			fields["host"] = denied.Host
			p.logger.Info("Blocked tunnel request", fields)
		}
	} else {
		p.logError("Session failed", cause, fields)
		if p.metrics != nil {
			p.metrics.RecordError()
		}
	}

	if client.CanRespond() {
		if resp := ErrorResponse(cause); resp != nil {
			w := bufio.NewWriter(client)
			if err := resp.Write(w); err == nil {
				w.Flush()
			}
		}
	}

	upstream.Close()
	client.Close()
}

func (p *ExceptionPolicy) logError(msg string, err error, fields map[string]interface{}) {
	if p.logger != nil {
		p.logger.Error(msg, err, fields)
	}
}

func (p *ExceptionPolicy) logDebug(msg string, err error, fields map[string]interface{}) {
	if p.logger == nil {
		return
	}
	if err != nil {
		fields["reason"] = err.Error()
	}
	p.logger.Debug(msg, fields)
}

// isQuiet はクライアント側の切断など通常の終了か.
func isQuiet(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}

// ErrorResponse は cause に対応するクライアント向け応答. 応答しない場合は nil.
func ErrorResponse(cause error) *http.Response {
	var (
		protoErr  *domain.ProtocolError
		connErr   *domain.ConnectorError
		failErr   *domain.ErrConnectionFailed
		interErr  *domain.InterceptorError
		deniedErr *domain.ErrNotAllowed
		forgeErr  *domain.ForgeError
	)

	switch {
	case cause == nil, errors.As(cause, &forgeErr), isQuiet(cause):
		return nil
	case errors.As(cause, &protoErr):
		return NewResponse(http.StatusBadRequest, protoErr.Error())
	case errors.As(cause, &deniedErr):
		return NewResponse(http.StatusForbidden, fmt.Sprintf("Access to %s is blocked", deniedErr.Host))
	case errors.As(cause, &interErr):
		return NewResponse(http.StatusInternalServerError, "interceptor "+interErr.Name+" failed")
	case errors.As(cause, &connErr):
		if connErr.Kind == domain.ConnectorTimeout {
			return NewResponse(http.StatusGatewayTimeout, connErr.Error())
		}
		return NewResponse(http.StatusBadGateway, connErr.Error())
	case errors.As(cause, &failErr):
		return NewResponse(http.StatusBadGateway, failErr.Error())
	default:
		return NewResponse(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

// NewResponse はテキスト本文の接続を閉じる応答を作る.
func NewResponse(status int, body string) *http.Response {
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	resp := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(strings.NewReader(body)),
		Close:         true,
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}
