package interceptor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitmproxy/internal/domain"
	"mitmproxy/internal/interface/repository/cert"
	"mitmproxy/internal/interface/repository/metrics"
)

func newExchange(t *testing.T, target, rawURL string, tunneled bool) *domain.Exchange {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	if tunneled {
		// トンネル内のリクエストは origin-form
		req.URL.Scheme = ""
		req.URL.Host = ""
		req.RequestURI = req.URL.RequestURI()
	}
	return domain.NewExchange("session-1", "192.0.2.10", target, tunneled, req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestCertDownload(t *testing.T) {
	authority, certPEM, _, err := cert.GenerateAuthority(cert.DefaultAuthorityOptions())
	require.NoError(t, err)
	authority.PEM = certPEM
	c := NewCertDownload(authority, []string{"Proxy.Local", "mitm.it"})

	tests := []struct {
		name        string
		url         string
		verdict     domain.Verdict
		status      int
		contentType string
		body        string
	}{
		{"index", "http://proxy.local/", domain.Handled, http.StatusOK, "text/html; charset=utf-8", `href="/ca.crt"`},
		{"certificate", "http://mitm.it:8080/ca.crt", domain.Handled, http.StatusOK, "application/x-x509-ca-cert", "BEGIN CERTIFICATE"},
		{"unknown path", "http://proxy.local/other", domain.Handled, http.StatusNotFound, "text/plain; charset=utf-8", "not found"},
		{"other host", "http://example.com/ca.crt", domain.Continue, 0, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newExchange(t, "", tt.url, false)
			verdict, err := c.BeforeRequestHeaders(ex)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, verdict)
			if tt.verdict == domain.Continue {
				assert.Nil(t, ex.Response)
				return
			}
			require.NotNil(t, ex.Response)
			assert.Equal(t, tt.status, ex.Response.StatusCode)
			assert.Equal(t, tt.contentType, ex.Response.Header.Get("Content-Type"))
			assert.False(t, ex.Response.Close)
			body := readBody(t, ex.Response)
			assert.Contains(t, body, tt.body)
			assert.EqualValues(t, len(body), ex.Response.ContentLength)
		})
	}
}

func TestHeaderRewrite(t *testing.T) {
	h := NewHeaderRewrite(
		HeaderRules{Set: map[string]string{"X-Proxy": "mitm", "Host": "rewritten.example"}, Remove: []string{"Cookie"}},
		HeaderRules{Set: map[string]string{"X-Frame-Options": "DENY"}, Remove: []string{"Server"}},
	)

	ex := newExchange(t, "secure.example:443", "https://secure.example/", true)
	ex.Request.Header.Set("Cookie", "a=b")
	verdict, err := h.BeforeRequestHeaders(ex)
	require.NoError(t, err)
	assert.Equal(t, domain.Continue, verdict)
	assert.Equal(t, "mitm", ex.Request.Header.Get("X-Proxy"))
	assert.Empty(t, ex.Request.Header.Get("Cookie"))
	assert.Equal(t, "rewritten.example", ex.Request.Host)

	ex.Response = &http.Response{Header: http.Header{"Server": {"nginx"}}}
	verdict, err = h.AfterResponseHeaders(ex)
	require.NoError(t, err)
	assert.Equal(t, domain.Continue, verdict)
	assert.Equal(t, "DENY", ex.Response.Header.Get("X-Frame-Options"))
	assert.Empty(t, ex.Response.Header.Get("Server"))
}

func TestHeaderRewriteWithoutRules(t *testing.T) {
	h := NewHeaderRewrite(HeaderRules{}, HeaderRules{})
	ex := newExchange(t, "plain.example:80", "http://plain.example/", false)
	before := ex.Request.Header.Clone()

	_, err := h.BeforeRequestHeaders(ex)
	require.NoError(t, err)
	_, err = h.AfterResponseHeaders(ex)
	require.NoError(t, err)
	assert.Equal(t, before, ex.Request.Header)
}

type fakeAccess struct {
	blocked map[string]bool
	err     error
}

func (f *fakeAccess) IsAllowed(clientIP, host string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.blocked[host], nil
}

func (f *fakeAccess) Reload() error { return nil }

func TestAccessBlocksHost(t *testing.T) {
	m := metrics.New("")
	a := NewAccess(&fakeAccess{blocked: map[string]bool{"ads.example": true}}, m)

	ex := newExchange(t, "ads.example:443", "https://ads.example/banner", true)
	verdict, err := a.BeforeRequestHeaders(ex)
	require.NoError(t, err)
	assert.Equal(t, domain.Handled, verdict)
	require.NotNil(t, ex.Response)
	assert.Equal(t, http.StatusForbidden, ex.Response.StatusCode)
	assert.Contains(t, readBody(t, ex.Response), "ads.example")
	assert.EqualValues(t, 1, m.GetSnapshot().BlockedRequests)

	ex = newExchange(t, "news.example:443", "https://news.example/", true)
	verdict, err = a.BeforeRequestHeaders(ex)
	require.NoError(t, err)
	assert.Equal(t, domain.Continue, verdict)
	assert.Nil(t, ex.Response)
	assert.EqualValues(t, 1, m.GetSnapshot().BlockedRequests)
}

func TestAccessCheckFailure(t *testing.T) {
	a := NewAccess(&fakeAccess{err: io.ErrUnexpectedEOF}, nil)
	ex := newExchange(t, "news.example:443", "https://news.example/", true)

	_, err := a.BeforeRequestHeaders(ex)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, io.ErrUnexpectedEOF))
}

func TestAccessBlocksConnect(t *testing.T) {
	m := metrics.New("")
	a := NewAccess(&fakeAccess{blocked: map[string]bool{"ads.example": true}}, m)

	err := a.BeforeConnect("10.0.0.5", "ads.example:443")
	var denied *domain.ErrNotAllowed
	require.True(t, pkgerrors.As(err, &denied))
	assert.Equal(t, "ads.example", denied.Host)
	assert.Equal(t, "10.0.0.5", denied.ClientIP)
	assert.EqualValues(t, 1, m.GetSnapshot().BlockedRequests)

	assert.NoError(t, a.BeforeConnect("10.0.0.5", "news.example:443"))
	assert.EqualValues(t, 1, m.GetSnapshot().BlockedRequests)

	failing := NewAccess(&fakeAccess{err: io.ErrUnexpectedEOF}, nil)
	err = failing.BeforeConnect("10.0.0.5", "news.example:443")
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, io.ErrUnexpectedEOF))
}

type memoryStore struct {
	mu      sync.Mutex
	records []*domain.CaptureRecord
	err     error
}

func (s *memoryStore) Save(rec *domain.CaptureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memoryStore) Recent(limit int) ([]*domain.CaptureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, nil
}

func (s *memoryStore) Close() error { return nil }

func TestCaptureRecordsExchange(t *testing.T) {
	store := &memoryStore{}
	c := NewCapture(store, nil, 8)

	ex := newExchange(t, "secure.example:443", "https://secure.example/upload?x=1", true)
	ex.Request.Method = http.MethodPost
	ex.Request.Header.Set("X-Test", "1")

	for _, chunk := range []string{"hello ", "world"} {
		out, verdict, err := c.BeforeRequestChunk(ex, []byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, domain.Continue, verdict)
		assert.Equal(t, chunk, string(out))
	}
	ex.Response = &http.Response{StatusCode: http.StatusCreated, Header: http.Header{"Content-Type": {"text/plain"}}}
	_, _, err := c.AfterResponseChunk(ex, []byte("ok"))
	require.NoError(t, err)

	c.ExchangeComplete(ex, nil)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, "192.0.2.10", rec.ClientIP)
	assert.Equal(t, http.MethodPost, rec.Method)
	assert.Equal(t, "https://secure.example/upload?x=1", rec.URL)
	assert.True(t, rec.Tunneled)
	assert.Equal(t, http.StatusCreated, rec.Status)
	assert.Equal(t, []string{"1"}, rec.RequestHeaders["X-Test"])
	assert.Equal(t, "hello wo", string(rec.RequestBody))
	assert.EqualValues(t, 11, rec.RequestBytes)
	assert.Equal(t, "ok", string(rec.ResponseBody))
	assert.EqualValues(t, 2, rec.ResponseBytes)
	assert.True(t, rec.Truncated)
	assert.Empty(t, rec.Error)
}

func TestCaptureRecordsFailure(t *testing.T) {
	store := &memoryStore{}
	c := NewCapture(store, nil, 1024)

	ex := newExchange(t, "plain.example:8080", "http://plain.example:8080/", false)
	c.ExchangeComplete(ex, &domain.ErrConnectionFailed{Host: "plain.example:8080", Err: io.EOF})

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, "http://plain.example:8080/", rec.URL)
	assert.Zero(t, rec.Status)
	assert.Contains(t, rec.Error, "plain.example:8080")
	assert.False(t, rec.Truncated)
}

func TestCaptureRecordsBlocked(t *testing.T) {
	store := &memoryStore{}
	c := NewCapture(store, nil, 1024)
	a := NewAccess(&fakeAccess{blocked: map[string]bool{"ads.example": true}}, nil)

	ex := newExchange(t, "ads.example:443", "https://ads.example/", true)
	_, err := a.BeforeRequestHeaders(ex)
	require.NoError(t, err)
	c.ExchangeComplete(ex, nil)

	require.Len(t, store.records, 1)
	assert.Equal(t, http.StatusForbidden, store.records[0].Status)
	assert.True(t, strings.Contains(store.records[0].Error, "ads.example"))
}

func TestCaptureSaveFailureIsLogged(t *testing.T) {
	store := &memoryStore{err: io.ErrClosedPipe}
	logged := &recordingLogger{}
	c := NewCapture(store, logged, 1024)

	c.ExchangeComplete(newExchange(t, "plain.example:80", "http://plain.example/", false), nil)
	assert.Equal(t, []string{"Failed to save captured exchange"}, logged.errors)
}

type recordingLogger struct {
	errors []string
}

func (l *recordingLogger) Debug(string, map[string]interface{}) {}
func (l *recordingLogger) Info(string, map[string]interface{})  {}
func (l *recordingLogger) Warn(string, map[string]interface{})  {}
func (l *recordingLogger) Error(msg string, _ error, _ map[string]interface{}) {
	l.errors = append(l.errors, msg)
}
func (l *recordingLogger) Close() error { return nil }
