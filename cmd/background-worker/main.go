package main

import (
	"context"
	"fmt"

	"github.com/edgelink/fleet/cmd/background-worker/internal/tasks"
	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/credential"
	"github.com/edgelink/fleet/internal/database"
	"github.com/edgelink/fleet/internal/events"
	"github.com/edgelink/fleet/internal/logger"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/notify"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/edgelink/fleet/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(logger.FxEventLogger),

		// 配置模块
		fx.Provide(
			config.LoadConfig,
			logger.NewLogger,
			clock.New,
			metrics.NewDefault,
		),

		// 数据库模块
		fx.Provide(
			database.NewPostgresDB,
		),

		// 仓储层
		fx.Provide(
			repository.NewDeviceRepository,
			repository.NewIdempotencyRepository,
		),

		// 凭证、事件与通知
		fx.Provide(
			credential.NewIssuer,
			events.NewPublisher,
			notify.NewMailer,
		),

		// 服务层
		fx.Provide(
			service.NewSweeper,
		),

		// 后台任务
		fx.Provide(
			tasks.NewLifecycleSweepTask,
			tasks.NewIdempotencyPurgeTask,
		),

		// 启动后台工作器
		fx.Invoke(runBackgroundWorker),
	)

	app.Run()
}

// runBackgroundWorker 运行后台工作器
func runBackgroundWorker(
	lifecycle fx.Lifecycle,
	log *zap.Logger,
	cfg *config.Config,
	sweepTask *tasks.LifecycleSweepTask,
	purgeTask *tasks.IdempotencyPurgeTask,
) error {
	ctx, cancel := context.WithCancel(context.Background())

	// 创建cron调度器，任务 panic 时恢复并记录
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))

	// 生命周期扫描
	if _, err := c.AddFunc(cfg.Lifecycle.SweepSchedule, func() {
		if err := sweepTask.Run(ctx); err != nil {
			log.Error("Lifecycle sweep task failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid LIFECYCLE_SWEEP_SCHEDULE %q: %w", cfg.Lifecycle.SweepSchedule, err)
	}

	// 幂等记录清理
	if _, err := c.AddFunc(cfg.Lifecycle.IdempotencyPurgeSchedule, func() {
		if err := purgeTask.Run(ctx); err != nil {
			log.Error("Idempotency purge task failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid IDEMPOTENCY_PURGE_SCHEDULE %q: %w", cfg.Lifecycle.IdempotencyPurgeSchedule, err)
	}

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("Starting Background Worker",
				zap.String("sweep_schedule", cfg.Lifecycle.SweepSchedule),
				zap.String("purge_schedule", cfg.Lifecycle.IdempotencyPurgeSchedule),
			)

			// 启动时先补扫一次停机期间的分桶
			sweepTask.StartBackfill(ctx)

			c.Start()

			log.Info("Background worker started with scheduled tasks")
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			log.Info("Shutting down Background Worker")
			cancel()

			// 等待正在执行的任务和补扫结束
			done := make(chan struct{})
			go func() {
				<-c.Stop().Done()
				sweepTask.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-stopCtx.Done():
				log.Warn("Timed out waiting for running tasks")
			}
			return nil
		},
	})

	return nil
}
