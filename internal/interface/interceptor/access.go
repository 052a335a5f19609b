package interceptor

import (
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

// Access はブロックリストに該当する交換を 403 で打ち切る.
type Access struct {
	controller domain.AccessController
	metrics    domain.MetricsCollector
}

// NewAccess は新しいAccessを作成.
func NewAccess(controller domain.AccessController, metrics domain.MetricsCollector) *Access {
	return &Access{controller: controller, metrics: metrics}
}

func (a *Access) Name() string { return "access-control" }

// BeforeConnect はブロック対象へのトンネルを確立前に拒否する.
func (a *Access) BeforeConnect(clientIP, target string) error {
	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	allowed, err := a.controller.IsAllowed(clientIP, host)
	if err != nil {
		return errors.Wrap(err, "access control check failed")
	}
	if allowed {
		return nil
	}
	if a.metrics != nil {
		a.metrics.RecordBlockedRequest()
	}
	return &domain.ErrNotAllowed{ClientIP: clientIP, Host: host}
}

func (a *Access) BeforeRequestHeaders(ex *domain.Exchange) (domain.Verdict, error) {
	host := ex.Target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	allowed, err := a.controller.IsAllowed(ex.ClientIP, host)
	if err != nil {
		return domain.Continue, errors.Wrap(err, "access control check failed")
	}
	if allowed {
		return domain.Continue, nil
	}

	if a.metrics != nil {
		a.metrics.RecordBlockedRequest()
	}
	denied := &domain.ErrNotAllowed{ClientIP: ex.ClientIP, Host: host}
	ex.Values["blocked"] = denied
	ex.Response = respond(http.StatusForbidden, "text/plain; charset=utf-8",
		[]byte(fmt.Sprintf("Access to %s is blocked\n", host)))
	return domain.Handled, nil
}
