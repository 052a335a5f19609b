package domain

import (
	"fmt"
)

// ErrNotAllowed はアクセス拒否エラー.
type ErrNotAllowed struct {
	ClientIP string
	Host     string
}

func (e *ErrNotAllowed) Error() string {
	return fmt.Sprintf("access not allowed for client %s to host %s", e.ClientIP, e.Host)
}

// ErrConnectionFailed は接続失敗エラー.
type ErrConnectionFailed struct {
	Host string
	Err  error
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("failed to connect to host %s: %v", e.Host, e.Err)
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Err }

// ProtocolError はクライアントから受信したHTTPが解析できないことを表す.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed request: %s: %v", e.Reason, e.Err)
	}
	return "malformed request: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ForgeError はリーフ証明書の生成失敗.
type ForgeError struct {
	Host string
	Err  error
}

func (e *ForgeError) Error() string {
	return fmt.Sprintf("failed to forge certificate for %s: %v", e.Host, e.Err)
}

func (e *ForgeError) Unwrap() error { return e.Err }

// ConnectorErrorKind は上流接続失敗の分類.
type ConnectorErrorKind int

const (
	ConnectorNetwork ConnectorErrorKind = iota
	ConnectorDNS
	ConnectorRefused
	ConnectorTimeout
	ConnectorProxyAuth
	ConnectorProxyProtocol
	ConnectorTLS
)

var connectorErrorKindNames = [...]string{
	"network", "dns", "refused", "timeout", "proxy_auth", "proxy_protocol", "tls",
}

func (k ConnectorErrorKind) String() string {
	if k < 0 || int(k) >= len(connectorErrorKindNames) {
		return "unknown"
	}
	return connectorErrorKindNames[k]
}

// Retryable は一度だけ再試行してよい種類か.
func (k ConnectorErrorKind) Retryable() bool {
	return k == ConnectorNetwork || k == ConnectorRefused || k == ConnectorTimeout
}

// ConnectorError は上流への接続または交渉の失敗.
type ConnectorError struct {
	Kind   ConnectorErrorKind
	Target string
	Via    RouteType
	Err    error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("upstream %s via %s failed (%s): %v", e.Target, e.Via, e.Kind, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// InterceptorError はインターセプタが返したエラーまたはpanic.
type InterceptorError struct {
	Name string
	Hook string
	Err  error
}

func (e *InterceptorError) Error() string {
	return fmt.Sprintf("interceptor %s failed in %s: %v", e.Name, e.Hook, e.Err)
}

func (e *InterceptorError) Unwrap() error { return e.Err }
