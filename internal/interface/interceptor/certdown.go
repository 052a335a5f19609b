package interceptor

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strings"

	"mitmproxy/internal/domain"
)

// CertDownload はプロキシ自身のホスト名への要求にルート証明書を返す.
type CertDownload struct {
	hosts  map[string]bool
	pem    []byte
	issuer string
}

// NewCertDownload は新しいCertDownloadを作成. hosts はプロキシを指す名前の一覧.
func NewCertDownload(authority *domain.Authority, hosts []string) *CertDownload {
	c := &CertDownload{
		hosts:  make(map[string]bool),
		pem:    authority.PEM,
		issuer: authority.Issuer,
	}
	for _, h := range hosts {
		c.hosts[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return c
}

func (c *CertDownload) Name() string { return "cert-download" }

func (c *CertDownload) BeforeRequestHeaders(ex *domain.Exchange) (domain.Verdict, error) {
	host := ex.Request.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if !c.hosts[strings.ToLower(host)] {
		return domain.Continue, nil
	}

	switch ex.Request.URL.Path {
	case "/", "":
		page := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>MITM Proxy CA</title></head>
<body><h2>%s</h2><p><a href="/ca.crt">Download the root certificate</a></p></body></html>
`, html.EscapeString(c.issuer))
		ex.Response = respond(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	case "/ca.crt":
		ex.Response = respond(http.StatusOK, "application/x-x509-ca-cert", c.pem)
		ex.Response.Header.Set("Content-Disposition", `attachment; filename="ca.crt"`)
	default:
		ex.Response = respond(http.StatusNotFound, "text/plain; charset=utf-8", []byte("not found\n"))
	}
	return domain.Handled, nil
}

// respond は接続を維持する合成応答を作る.
func respond(status int, contentType string, body []byte) *http.Response {
	resp := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	resp.Header.Set("Content-Type", contentType)
	return resp
}
