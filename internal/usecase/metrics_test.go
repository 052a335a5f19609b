package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitmproxy/internal/domain"
	"mitmproxy/internal/interface/repository/logger"
	"mitmproxy/internal/interface/repository/metrics"
)

func TestMetricsUseCaseSavesOnStop(t *testing.T) {
	file := filepath.Join(t.TempDir(), "metrics.json")
	repo := metrics.New(file)
	repo.IncrementSessions()
	repo.RecordExchange()

	uc := NewMetricsUseCase(repo, logger.NewWithWriter(&bytes.Buffer{}, logger.Options{}), MetricsConfig{SaveInterval: time.Hour})
	require.NoError(t, uc.Start())
	require.NoError(t, uc.Stop())
	require.NoError(t, uc.Stop())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var snapshot domain.MetricsSnapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, int64(1), snapshot.CurrentSessions)
	assert.Equal(t, int64(1), snapshot.TotalExchanges)
}

func TestMetricsUseCasePeriodicSave(t *testing.T) {
	file := filepath.Join(t.TempDir(), "metrics.json")
	repo := metrics.New(file)

	uc := NewMetricsUseCase(repo, logger.NewWithWriter(&bytes.Buffer{}, logger.Options{}), MetricsConfig{SaveInterval: 20 * time.Millisecond})
	require.NoError(t, uc.Start())
	defer uc.Stop()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(file)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsUseCasePrometheus(t *testing.T) {
	repo := metrics.New("")
	repo.RecordBlockedRequest()
	uc := NewMetricsUseCase(repo, logger.NewWithWriter(&bytes.Buffer{}, logger.Options{}), MetricsConfig{})

	text, err := uc.GetPrometheusMetrics(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "mitm_blocked_requests_total 1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = uc.GetPrometheusMetrics(ctx)
	assert.Error(t, err)
}
