package usecase

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitmproxy/internal/domain"
)

func newPair(t *testing.T) (*domain.ClientChannel, net.Conn) {
	t.Helper()
	local, remote, err := socketpair.New("unix")
	require.NoError(t, err)
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return domain.NewClientChannel(local), remote
}

func readResponse(t *testing.T, conn net.Conn) *http.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	return resp
}

func TestErrorResponseMapping(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  int
	}{
		{"protocol", &domain.ProtocolError{Reason: "bad request line"}, http.StatusBadRequest},
		{"refused", &domain.ConnectorError{Kind: domain.ConnectorRefused}, http.StatusBadGateway},
		{"dns", &domain.ConnectorError{Kind: domain.ConnectorDNS}, http.StatusBadGateway},
		{"timeout", &domain.ConnectorError{Kind: domain.ConnectorTimeout}, http.StatusGatewayTimeout},
		{"upstream io", &domain.ErrConnectionFailed{Host: "a:80", Err: io.ErrUnexpectedEOF}, http.StatusBadGateway},
		{"interceptor", &domain.InterceptorError{Name: "x", Hook: HookRequestHeaders, Err: errors.New("no")}, http.StatusInternalServerError},
		{"denied", &domain.ErrNotAllowed{ClientIP: "1.2.3.4", Host: "blocked.example"}, http.StatusForbidden},
		{"unknown", errors.New("mystery"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := ErrorResponse(tc.cause)
			require.NotNil(t, resp)
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.True(t, resp.Close)
		})
	}

	assert.Nil(t, ErrorResponse(nil))
	assert.Nil(t, ErrorResponse(context.Canceled))
	assert.Nil(t, ErrorResponse(&domain.ForgeError{Host: "x", Err: errors.New("sign")}))
}

func TestExceptionPolicyRespondsAndCloses(t *testing.T) {
	client, remote := newPair(t)
	policy := NewExceptionPolicy(nil, nil)

	done := make(chan struct{})
	go func() {
		policy.BeforeCatch(client, &domain.ConnectorError{Kind: domain.ConnectorRefused, Target: "down.example:443"})
		close(done)
	}()

	resp := readResponse(t, remote)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	<-done
	assert.True(t, client.Closed())
}

func TestExceptionPolicyIdempotent(t *testing.T) {
	client, remote := newPair(t)
	upstreamLocal, upstreamRemote, err := socketpair.New("unix")
	require.NoError(t, err)
	defer upstreamRemote.Close()
	upstream := domain.NewUpstreamChannel(upstreamLocal, "origin.example:443", domain.Route{})

	policy := NewExceptionPolicy(nil, nil)
	cause := &domain.ProtocolError{Reason: "bad chunk"}

	go func() {
		policy.AfterCatch(client, upstream, cause)
		policy.AfterCatch(client, upstream, cause)
		policy.BeforeCatch(client, cause)
	}()

	resp := readResponse(t, remote)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	io.ReadAll(resp.Body)

	// 二回目以降は何も書かずに閉じたまま
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	rest, err := io.ReadAll(remote)
	assert.NoError(t, err)
	assert.Empty(t, rest)

	assert.Eventually(t, func() bool { return upstream.Closed() && client.Closed() }, time.Second, 10*time.Millisecond)
}

func TestExceptionPolicySkipsResponseAfterPartialWrite(t *testing.T) {
	client, remote := newPair(t)
	policy := NewExceptionPolicy(nil, nil)

	go func() {
		client.BeginExchange()
		client.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
		policy.AfterCatch(client, nil, &domain.InterceptorError{Name: "x", Err: errors.New("mid body")})
	}()

	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(remote)
	assert.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", string(got))
	assert.True(t, client.Closed())
}

func TestExceptionPolicyClosedClient(t *testing.T) {
	client, _ := newPair(t)
	require.NoError(t, client.Close())

	upstreamLocal, upstreamRemote, err := socketpair.New("unix")
	require.NoError(t, err)
	defer upstreamRemote.Close()
	upstream := domain.NewUpstreamChannel(upstreamLocal, "origin.example:443", domain.Route{})

	NewExceptionPolicy(nil, nil).AfterCatch(client, upstream, errors.New("late"))
	assert.True(t, upstream.Closed())
}
