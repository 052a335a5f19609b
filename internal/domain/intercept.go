package domain

import (
	"net/http"
	"time"
)

// Verdict はフックがチェーンを続けるかどうか.
type Verdict int

const (
	// Continue は次のインターセプタへ進む.
	Continue Verdict = iota
	// Handled はこの交換のチェーンをここで打ち切る. エラーではない.
	Handled
)

func (v Verdict) String() string {
	if v == Handled {
		return "handled"
	}
	return "continue"
}

// Exchange は一回のリクエスト/レスポンス交換の共有状態.
// パイプライン上の全インターセプタが参照で受け取り、前段の変更は後段から見える.
type Exchange struct {
	SessionID string
	ClientIP  string
	// Target は上流の host:port. リクエストヘッダフック後に Request.Host から再計算される.
	Target    string
	Tunneled  bool
	Request   *http.Request
	Response  *http.Response
	StartedAt time.Time
	Values    map[string]interface{}
}

// NewExchange は新しいExchangeを作成.
func NewExchange(sessionID, clientIP, target string, tunneled bool, req *http.Request) *Exchange {
	return &Exchange{
		SessionID: sessionID,
		ClientIP:  clientIP,
		Target:    target,
		Tunneled:  tunneled,
		Request:   req,
		StartedAt: time.Now(),
		Values:    make(map[string]interface{}),
	}
}

// Interceptor はパイプラインに登録される単位. 以下のフックのうち必要なものだけ実装する.
type Interceptor interface {
	Name() string
}

// ConnectHook はCONNECTへ応答する前に一度呼ばれる. エラーを返すとトンネルを張らない.
type ConnectHook interface {
	BeforeConnect(clientIP, target string) error
}

// RequestHeadersHook はリクエストヘッダ受信後に一度呼ばれる.
type RequestHeadersHook interface {
	BeforeRequestHeaders(ex *Exchange) (Verdict, error)
}

// RequestChunkHook はリクエストボディの各チャンクで呼ばれる. 返したバイト列が次段へ渡る.
type RequestChunkHook interface {
	BeforeRequestChunk(ex *Exchange, chunk []byte) ([]byte, Verdict, error)
}

// ResponseHeadersHook は上流レスポンスのヘッダ受信後に一度呼ばれる.
type ResponseHeadersHook interface {
	AfterResponseHeaders(ex *Exchange) (Verdict, error)
}

// ResponseChunkHook はレスポンスボディの各チャンクで呼ばれる.
type ResponseChunkHook interface {
	AfterResponseChunk(ex *Exchange, chunk []byte) ([]byte, Verdict, error)
}

// ExchangeCompleteHook は交換の終了時 (成功・失敗を問わず) に呼ばれる.
type ExchangeCompleteHook interface {
	ExchangeComplete(ex *Exchange, err error)
}
