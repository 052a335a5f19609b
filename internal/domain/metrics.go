package domain

import (
	"fmt"
	"strings"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementSessions()
	DecrementSessions()
	AddBytesTransferred(in, out int64)
	RecordExchange()
	RecordShortCircuit()
	RecordCertForged()
	RecordCertCacheHit()
	RecordBlockedRequest()
	RecordUpstreamError()
	RecordError()
	GetSnapshot() *MetricsSnapshot
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	StartTime       time.Time `json:"start_time"`
	CurrentSessions int64     `json:"current_sessions"`
	TotalSessions   int64     `json:"total_sessions"`
	TotalExchanges  int64     `json:"total_exchanges"`
	BytesIn         int64     `json:"bytes_in"`
	BytesOut        int64     `json:"bytes_out"`
	ShortCircuits   int64     `json:"short_circuits"`
	CertsForged     int64     `json:"certs_forged"`
	CertCacheHits   int64     `json:"cert_cache_hits"`
	BlockedRequests int64     `json:"blocked_requests"`
	UpstreamErrors  int64     `json:"upstream_errors"`
	Errors          int64     `json:"errors"`
	Uptime          string    `json:"uptime"`
}

// ToPrometheusFormat はメトリクスをPrometheus形式にフォーマット
func (ms *MetricsSnapshot) ToPrometheusFormat() string {
	type metric struct {
		name, help, kind string
		value            int64
	}
	list := []metric{
		{"mitm_current_sessions", "Current number of active client sessions", "gauge", ms.CurrentSessions},
		{"mitm_sessions_total", "Total number of accepted client sessions", "counter", ms.TotalSessions},
		{"mitm_exchanges_total", "Total number of request/response exchanges", "counter", ms.TotalExchanges},
		{"mitm_bytes_in_total", "Total number of bytes read from clients", "counter", ms.BytesIn},
		{"mitm_bytes_out_total", "Total number of bytes written to clients", "counter", ms.BytesOut},
		{"mitm_short_circuits_total", "Total number of exchanges answered by an interceptor", "counter", ms.ShortCircuits},
		{"mitm_certs_forged_total", "Total number of forged leaf certificates", "counter", ms.CertsForged},
		{"mitm_cert_cache_hits_total", "Total number of leaf certificate cache hits", "counter", ms.CertCacheHits},
		{"mitm_blocked_requests_total", "Total number of blocked requests", "counter", ms.BlockedRequests},
		{"mitm_upstream_errors_total", "Total number of upstream connector failures", "counter", ms.UpstreamErrors},
		{"mitm_errors_total", "Total number of session errors", "counter", ms.Errors},
	}

	var metrics []string
	for _, m := range list {
		metrics = append(metrics, fmt.Sprintf("# HELP %s %s\n# TYPE %s %s\n%s %d",
			m.name, m.help, m.name, m.kind, m.name, m.value))
	}

	return strings.Join(metrics, "\n\n") + "\n"
}
