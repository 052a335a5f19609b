package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mitmproxy/internal/domain"
)

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
}

// snapshotSaver はスナップショットを永続化できるコレクター.
type snapshotSaver interface {
	SaveMetrics(*domain.MetricsSnapshot) error
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
	}
}

// Start はメトリクスの定期保存を開始
func (uc *MetricsUseCase) Start() error {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})
	uc.wg.Add(1)
	go uc.startPeriodicSave()
	return nil
}

// Stop はメトリクス収集を停止し、最後のスナップショットを保存
func (uc *MetricsUseCase) Stop() error {
	var err error
	uc.stopOnce.Do(func() {
		uc.logger.Info("Stopping metrics collection", nil)
		close(uc.done)
		uc.wg.Wait()
		err = uc.saveMetrics()
	})
	return err
}

// startPeriodicSave は定期的なメトリクス保存を行う
func (uc *MetricsUseCase) startPeriodicSave() {
	defer uc.wg.Done()
	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			return
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	saver, ok := uc.metrics.(snapshotSaver)
	if !ok {
		return nil
	}
	if err := saver.SaveMetrics(uc.GetMetricsSnapshot()); err != nil {
		return errors.Wrap(err, "failed to save metrics snapshot")
	}
	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() *domain.MetricsSnapshot {
	return uc.metrics.GetSnapshot()
}

// GetPrometheusMetrics はPrometheus形式のメトリクスを取得
func (uc *MetricsUseCase) GetPrometheusMetrics(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return uc.GetMetricsSnapshot().ToPrometheusFormat(), nil
}
