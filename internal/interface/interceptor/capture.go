package interceptor

import (
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

const (
	capturedRequestKey  = "capture.request"
	capturedResponseKey = "capture.response"
)

// captured は一方向の本文の記録.
type captured struct {
	body      []byte
	size      int64
	truncated bool
}

func (c *captured) add(chunk []byte, max int) {
	c.size += int64(len(chunk))
	room := max - len(c.body)
	if room <= 0 {
		if len(chunk) > 0 {
			c.truncated = true
		}
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
		c.truncated = true
	}
	c.body = append(c.body, chunk...)
}

// Capture は交換をCaptureStoreへ記録する. 本文は maxBody バイトまで保持する.
type Capture struct {
	store   domain.CaptureStore
	logger  domain.Logger
	maxBody int
}

// NewCapture は新しいCaptureを作成.
func NewCapture(store domain.CaptureStore, logger domain.Logger, maxBody int) *Capture {
	if maxBody < 0 {
		maxBody = 0
	}
	return &Capture{store: store, logger: logger, maxBody: maxBody}
}

func (c *Capture) Name() string { return "capture" }

func (c *Capture) BeforeRequestChunk(ex *domain.Exchange, chunk []byte) ([]byte, domain.Verdict, error) {
	c.part(ex, capturedRequestKey).add(chunk, c.maxBody)
	return chunk, domain.Continue, nil
}

func (c *Capture) AfterResponseChunk(ex *domain.Exchange, chunk []byte) ([]byte, domain.Verdict, error) {
	c.part(ex, capturedResponseKey).add(chunk, c.maxBody)
	return chunk, domain.Continue, nil
}

func (c *Capture) part(ex *domain.Exchange, key string) *captured {
	if p, ok := ex.Values[key].(*captured); ok {
		return p
	}
	p := &captured{}
	ex.Values[key] = p
	return p
}

func (c *Capture) ExchangeComplete(ex *domain.Exchange, cause error) {
	if ex.Request == nil {
		return
	}
	rec := &domain.CaptureRecord{
		ID:             uuid.NewString(),
		SessionID:      ex.SessionID,
		ClientIP:       ex.ClientIP,
		Method:         ex.Request.Method,
		URL:            exchangeURL(ex),
		Tunneled:       ex.Tunneled,
		RequestHeaders: cloneHeader(ex.Request.Header),
		StartedAt:      ex.StartedAt,
		Duration:       time.Since(ex.StartedAt),
	}
	if req, ok := ex.Values[capturedRequestKey].(*captured); ok {
		rec.RequestBody = req.body
		rec.RequestBytes = req.size
		rec.Truncated = req.truncated
	}
	if ex.Response != nil {
		rec.Status = ex.Response.StatusCode
		rec.ResponseHeaders = cloneHeader(ex.Response.Header)
	}
	if resp, ok := ex.Values[capturedResponseKey].(*captured); ok {
		rec.ResponseBody = resp.body
		rec.ResponseBytes = resp.size
		rec.Truncated = rec.Truncated || resp.truncated
	}

	var denied *domain.ErrNotAllowed
	switch {
	case cause != nil:
		rec.Error = cause.Error()
	case valueError(ex, "blocked", &denied):
		rec.Error = denied.Error()
	}

	if err := c.store.Save(rec); err != nil && c.logger != nil {
		c.logger.Error("Failed to save captured exchange", err, map[string]interface{}{
			"session_id": ex.SessionID,
			"url":        rec.URL,
		})
	}
}

func valueError(ex *domain.Exchange, key string, target interface{}) bool {
	err, ok := ex.Values[key].(error)
	return ok && errors.As(err, target)
}

func exchangeURL(ex *domain.Exchange) string {
	u := *ex.Request.URL
	if u.Scheme == "" {
		u.Scheme = "http"
		if ex.Tunneled {
			u.Scheme = "https"
		}
	}
	if u.Host == "" {
		u.Host = ex.Target
		if host, port, err := net.SplitHostPort(ex.Target); err == nil &&
			(u.Scheme == "https" && port == "443" || u.Scheme == "http" && port == "80") {
			u.Host = host
		}
	}
	return u.String()
}

func cloneHeader(h http.Header) map[string][]string {
	if h == nil {
		return map[string][]string{}
	}
	return h.Clone()
}
