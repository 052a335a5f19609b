package usecase

import (
	"fmt"

	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

// フック名. InterceptorError.Hook に入る.
const (
	HookConnect         = "before_connect"
	HookRequestHeaders  = "before_request_headers"
	HookRequestChunk    = "before_request_chunk"
	HookResponseHeaders = "after_response_headers"
	HookResponseChunk   = "after_response_chunk"
	HookComplete        = "exchange_complete"
)

// Initializer はセッション開始時にパイプラインを組み立てる.
// 同じ設定からは常に同じ順序のチェーンを作ること.
type Initializer func(p *Pipeline)

// Pipeline はインターセプタの順序付きチェーン.
// リクエスト側とレスポンス側は同じ順序で辿る.
// 一つのセッションのゴルーチンからのみ使う.
type Pipeline struct {
	entries []domain.Interceptor
	// limit は現在の交換で呼び出す最後の位置. Handled で縮む.
	limit int
}

// NewPipeline は空のPipelineを作成.
func NewPipeline() *Pipeline {
	return &Pipeline{limit: -1}
}

// Build は initializer で組み立てたPipelineを返す.
func Build(initializer Initializer) *Pipeline {
	p := NewPipeline()
	if initializer != nil {
		initializer(p)
	}
	p.Reset()
	return p
}

// AddFirst は先頭に追加する.
func (p *Pipeline) AddFirst(i domain.Interceptor) {
	p.entries = append([]domain.Interceptor{i}, p.entries...)
	p.Reset()
}

// AddLast は末尾に追加する.
func (p *Pipeline) AddLast(i domain.Interceptor) {
	p.entries = append(p.entries, i)
	p.Reset()
}

// Get は位置 index のインターセプタ. 範囲外なら nil.
func (p *Pipeline) Get(index int) domain.Interceptor {
	if index < 0 || index >= len(p.entries) {
		return nil
	}
	return p.entries[index]
}

// Len は登録数.
func (p *Pipeline) Len() int { return len(p.entries) }

// Names は登録順の名前一覧.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.Name()
	}
	return names
}

// Reset は新しい交換のために打ち切り位置を戻す.
func (p *Pipeline) Reset() {
	p.limit = len(p.entries) - 1
}

// Cutoff は現在の交換で有効な最後の位置.
func (p *Pipeline) Cutoff() int { return p.limit }

// HasRequestChunkHooks は有効範囲にリクエストチャンクフックがあるか.
func (p *Pipeline) HasRequestChunkHooks() bool {
	for i := 0; i <= p.limit; i++ {
		if _, ok := p.entries[i].(domain.RequestChunkHook); ok {
			return true
		}
	}
	return false
}

// HasResponseChunkHooks は有効範囲にレスポンスチャンクフックがあるか.
func (p *Pipeline) HasResponseChunkHooks() bool {
	for i := 0; i <= p.limit; i++ {
		if _, ok := p.entries[i].(domain.ResponseChunkHook); ok {
			return true
		}
	}
	return false
}

// DispatchConnect はトンネル確立前のフックを順に呼び、最初のエラーで止まる.
func (p *Pipeline) DispatchConnect(clientIP, target string) error {
	for i, e := range p.entries {
		h, ok := e.(domain.ConnectHook)
		if !ok {
			continue
		}
		if err := p.invoke(i, HookConnect, func() error {
			return h.BeforeConnect(clientIP, target)
		}); err != nil {
			return err
		}
	}
	return nil
}

// DispatchRequestHeaders はリクエストヘッダフックを順に呼ぶ.
func (p *Pipeline) DispatchRequestHeaders(ex *domain.Exchange) (domain.Verdict, error) {
	for i := 0; i <= p.limit; i++ {
		h, ok := p.entries[i].(domain.RequestHeadersHook)
		if !ok {
			continue
		}
		var v domain.Verdict
		err := p.invoke(i, HookRequestHeaders, func() (err error) {
			v, err = h.BeforeRequestHeaders(ex)
			return err
		})
		if err != nil {
			return domain.Continue, err
		}
		if v == domain.Handled {
			p.limit = i
			return domain.Handled, nil
		}
	}
	return domain.Continue, nil
}

// DispatchRequestChunk はチャンクを各フックに通し、最終的なバイト列を返す.
func (p *Pipeline) DispatchRequestChunk(ex *domain.Exchange, chunk []byte) ([]byte, domain.Verdict, error) {
	for i := 0; i <= p.limit; i++ {
		h, ok := p.entries[i].(domain.RequestChunkHook)
		if !ok {
			continue
		}
		var v domain.Verdict
		err := p.invoke(i, HookRequestChunk, func() (err error) {
			chunk, v, err = h.BeforeRequestChunk(ex, chunk)
			return err
		})
		if err != nil {
			return nil, domain.Continue, err
		}
		if v == domain.Handled {
			p.limit = i
			return chunk, domain.Handled, nil
		}
	}
	return chunk, domain.Continue, nil
}

// DispatchResponseHeaders はレスポンスヘッダフックを登録順に呼ぶ.
func (p *Pipeline) DispatchResponseHeaders(ex *domain.Exchange) (domain.Verdict, error) {
	for i := 0; i <= p.limit; i++ {
		h, ok := p.entries[i].(domain.ResponseHeadersHook)
		if !ok {
			continue
		}
		var v domain.Verdict
		err := p.invoke(i, HookResponseHeaders, func() (err error) {
			v, err = h.AfterResponseHeaders(ex)
			return err
		})
		if err != nil {
			return domain.Continue, err
		}
		if v == domain.Handled {
			p.limit = i
			return domain.Handled, nil
		}
	}
	return domain.Continue, nil
}

// DispatchResponseChunk はレスポンスのチャンクを各フックに通す.
func (p *Pipeline) DispatchResponseChunk(ex *domain.Exchange, chunk []byte) ([]byte, domain.Verdict, error) {
	for i := 0; i <= p.limit; i++ {
		h, ok := p.entries[i].(domain.ResponseChunkHook)
		if !ok {
			continue
		}
		var v domain.Verdict
		err := p.invoke(i, HookResponseChunk, func() (err error) {
			chunk, v, err = h.AfterResponseChunk(ex, chunk)
			return err
		})
		if err != nil {
			return nil, domain.Continue, err
		}
		if v == domain.Handled {
			p.limit = i
			return chunk, domain.Handled, nil
		}
	}
	return chunk, domain.Continue, nil
}

// DispatchComplete は交換の終了を全インターセプタへ通知する.
// 打ち切り位置に関係なく全員に届き、panic は握りつぶして最初のものを返す.
func (p *Pipeline) DispatchComplete(ex *domain.Exchange, cause error) error {
	var first error
	for i, e := range p.entries {
		h, ok := e.(domain.ExchangeCompleteHook)
		if !ok {
			continue
		}
		err := p.invoke(i, HookComplete, func() error {
			h.ExchangeComplete(ex, cause)
			return nil
		})
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// invoke はフックを呼び、エラーとpanicを InterceptorError にする.
func (p *Pipeline) invoke(index int, hook string, fn func() error) (err error) {
	name := p.entries[index].Name()
	defer func() {
		if r := recover(); r != nil {
			err = &domain.InterceptorError{Name: name, Hook: hook, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := fn(); err != nil {
		var ie *domain.InterceptorError
		if errors.As(err, &ie) {
			return err
		}
		return &domain.InterceptorError{Name: name, Hook: hook, Err: err}
	}
	return nil
}
