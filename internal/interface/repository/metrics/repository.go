package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"mitmproxy/internal/domain"
)

// Repository はメトリクスのリポジトリ実装
type Repository struct {
	mu            sync.Mutex
	metricsFile   string
	startTime     time.Time
	sessions      atomic.Int64
	totalSessions atomic.Int64
	exchanges     atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	shortCircuits atomic.Int64
	forged        atomic.Int64
	cacheHits     atomic.Int64
	blocked       atomic.Int64
	upstreamErrs  atomic.Int64
	errors        atomic.Int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(metricsFile string) *Repository {
	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
	}
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementSessions() {
	r.sessions.Add(1)
	r.totalSessions.Add(1)
}

func (r *Repository) DecrementSessions() {
	r.sessions.Add(-1)
}

func (r *Repository) AddBytesTransferred(in, out int64) {
	r.bytesIn.Add(in)
	r.bytesOut.Add(out)
}

func (r *Repository) RecordExchange()       { r.exchanges.Add(1) }
func (r *Repository) RecordShortCircuit()   { r.shortCircuits.Add(1) }
func (r *Repository) RecordCertForged()     { r.forged.Add(1) }
func (r *Repository) RecordCertCacheHit()   { r.cacheHits.Add(1) }
func (r *Repository) RecordBlockedRequest() { r.blocked.Add(1) }
func (r *Repository) RecordUpstreamError()  { r.upstreamErrs.Add(1) }
func (r *Repository) RecordError()          { r.errors.Add(1) }

func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp:       time.Now(),
		StartTime:       r.startTime,
		CurrentSessions: r.sessions.Load(),
		TotalSessions:   r.totalSessions.Load(),
		TotalExchanges:  r.exchanges.Load(),
		BytesIn:         r.bytesIn.Load(),
		BytesOut:        r.bytesOut.Load(),
		ShortCircuits:   r.shortCircuits.Load(),
		CertsForged:     r.forged.Load(),
		CertCacheHits:   r.cacheHits.Load(),
		BlockedRequests: r.blocked.Load(),
		UpstreamErrors:  r.upstreamErrs.Load(),
		Errors:          r.errors.Load(),
		Uptime:          time.Since(r.startTime).Round(time.Second).String(),
	}
}
