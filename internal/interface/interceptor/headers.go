package interceptor

import (
	"net/http"

	"mitmproxy/internal/domain"
)

// HeaderRules はヘッダの書き換え設定.
type HeaderRules struct {
	Set    map[string]string
	Remove []string
}

func (r HeaderRules) empty() bool {
	return len(r.Set) == 0 && len(r.Remove) == 0
}

func (r HeaderRules) apply(h http.Header) {
	for _, name := range r.Remove {
		h.Del(name)
	}
	for name, value := range r.Set {
		h.Set(name, value)
	}
}

// HeaderRewrite はリクエストとレスポンスのヘッダを書き換える.
type HeaderRewrite struct {
	request  HeaderRules
	response HeaderRules
}

// NewHeaderRewrite は新しいHeaderRewriteを作成.
func NewHeaderRewrite(request, response HeaderRules) *HeaderRewrite {
	return &HeaderRewrite{request: request, response: response}
}

func (h *HeaderRewrite) Name() string { return "header-rewrite" }

func (h *HeaderRewrite) BeforeRequestHeaders(ex *domain.Exchange) (domain.Verdict, error) {
	if !h.request.empty() {
		h.request.apply(ex.Request.Header)
		// Host は Header ではなく Request.Host で扱われる
		if host, ok := h.request.Set["Host"]; ok {
			ex.Request.Host = host
		}
	}
	return domain.Continue, nil
}

func (h *HeaderRewrite) AfterResponseHeaders(ex *domain.Exchange) (domain.Verdict, error) {
	if ex.Response != nil && !h.response.empty() {
		h.response.apply(ex.Response.Header)
	}
	return domain.Continue, nil
}
