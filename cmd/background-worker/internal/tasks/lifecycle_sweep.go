package tasks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/edgelink/fleet/internal/service"
	"go.uber.org/zap"
)

// Sweeper 生命周期扫描，由 service.Sweeper 实现
type Sweeper interface {
	Run(ctx context.Context) (*service.SweepReport, error)
	Backfill(ctx context.Context) (*service.SweepReport, error)
}

// LifecycleSweepTask 定时把到期的 TRIAL/ACTIVE 设备置为 EXPIRED
type LifecycleSweepTask struct {
	sweeper    Sweeper
	running    atomic.Bool
	background sync.WaitGroup
	logger     *zap.Logger
}

// NewLifecycleSweepTask 创建生命周期扫描任务
func NewLifecycleSweepTask(sweeper *service.Sweeper, logger *zap.Logger) *LifecycleSweepTask {
	return newLifecycleSweepTask(sweeper, logger)
}

func newLifecycleSweepTask(sweeper Sweeper, logger *zap.Logger) *LifecycleSweepTask {
	return &LifecycleSweepTask{
		sweeper: sweeper,
		logger:  logger.Named("lifecycle_sweep"),
	}
}

// Run 执行一次常规扫描；上一次未结束时跳过
func (t *LifecycleSweepTask) Run(ctx context.Context) error {
	return t.run(ctx, "scheduled", t.sweeper.Run)
}

// Backfill 启动时用更长窗口扫描一次，补齐停机期间的分桶
func (t *LifecycleSweepTask) Backfill(ctx context.Context) error {
	return t.run(ctx, "backfill", t.sweeper.Backfill)
}

// StartBackfill 在后台执行 Backfill，用 Wait 等待其结束
func (t *LifecycleSweepTask) StartBackfill(ctx context.Context) {
	t.background.Add(1)
	go func() {
		defer t.background.Done()
		if err := t.Backfill(ctx); err != nil {
			t.logger.Error("Lifecycle backfill failed", zap.Error(err))
		}
	}()
}

// Wait 阻塞到所有后台补扫结束
func (t *LifecycleSweepTask) Wait() {
	t.background.Wait()
}

func (t *LifecycleSweepTask) run(ctx context.Context, mode string, sweep func(context.Context) (*service.SweepReport, error)) error {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Info("Previous sweep still running, skipping", zap.String("mode", mode))
		return nil
	}
	defer t.running.Store(false)

	t.logger.Info("Running lifecycle sweep", zap.String("mode", mode))

	report, err := sweep(ctx)
	if report != nil {
		t.logger.Info("Lifecycle sweep task completed",
			zap.String("mode", mode),
			zap.Int("expired", report.Expired),
			zap.Int("failed", report.Failed),
			zap.Duration("duration", report.Duration),
		)
	}
	return err
}
