package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jpillora/requestlog"

	"mitmproxy/internal/domain"
	"mitmproxy/internal/usecase"
)

const (
	defaultCaptureLimit = 50
	maxCaptureLimit     = 1000
)

// AdminHandler は管理用エンドポイントを提供. captures は nil でもよい.
type AdminHandler struct {
	metrics  *usecase.MetricsUseCase
	captures domain.CaptureStore
	logger   domain.Logger
}

// NewAdminHandler は新しいAdminHandlerインスタンスを作成
func NewAdminHandler(
	metrics *usecase.MetricsUseCase, captures domain.CaptureStore, logger domain.Logger,
) *AdminHandler {
	return &AdminHandler{metrics: metrics, captures: captures, logger: logger}
}

// Routes はアクセスログ付きのハンドラを返す.
func (h *AdminHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/captures", h.HandleCaptures)
	return requestlog.Wrap(mux)
}

// HandleMetrics はPrometheus形式のメトリクスを返す
func (h *AdminHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := h.metrics.GetPrometheusMetrics(r.Context())
	if err != nil {
		h.logger.Error("Failed to render metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(text))
}

func (h *AdminHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.metrics.GetMetricsSnapshot())
}

func (h *AdminHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.metrics.GetMetricsSnapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "up",
		"uptime":           snapshot.Uptime,
		"current_sessions": snapshot.CurrentSessions,
	})
}

type captureView struct {
	ID            string              `json:"id"`
	SessionID     string              `json:"session_id"`
	ClientIP      string              `json:"client_ip"`
	Method        string              `json:"method"`
	URL           string              `json:"url"`
	Tunneled      bool                `json:"tunneled"`
	Status        int                 `json:"status"`
	Headers       map[string][]string `json:"response_headers,omitempty"`
	RequestBytes  int64               `json:"request_bytes"`
	ResponseBytes int64               `json:"response_bytes"`
	Truncated     bool                `json:"truncated"`
	Error         string              `json:"error,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
	DurationMS    int64               `json:"duration_ms"`
}

// HandleCaptures は記録済みの交換を新しい順に返す. ?limit= で件数を指定.
func (h *AdminHandler) HandleCaptures(w http.ResponseWriter, r *http.Request) {
	if h.captures == nil {
		http.Error(w, "capture is disabled", http.StatusNotFound)
		return
	}

	limit := defaultCaptureLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxCaptureLimit)
	}

	records, err := h.captures.Recent(limit)
	if err != nil {
		h.logger.Error("Failed to read captures", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	views := make([]captureView, 0, len(records))
	for _, rec := range records {
		views = append(views, captureView{
			ID:            rec.ID,
			SessionID:     rec.SessionID,
			ClientIP:      rec.ClientIP,
			Method:        rec.Method,
			URL:           rec.URL,
			Tunneled:      rec.Tunneled,
			Status:        rec.Status,
			Headers:       rec.ResponseHeaders,
			RequestBytes:  rec.RequestBytes,
			ResponseBytes: rec.ResponseBytes,
			Truncated:     rec.Truncated,
			Error:         rec.Error,
			StartedAt:     rec.StartedAt,
			DurationMS:    rec.Duration.Milliseconds(),
		})
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", err, nil)
	}
}
