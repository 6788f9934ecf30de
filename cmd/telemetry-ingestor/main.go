package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/database"
	"github.com/edgelink/fleet/internal/logger"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/edgelink/fleet/internal/service"
	"github.com/edgelink/fleet/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
			repository.NewTelemetryRepository,
		),

		// 服务层
		fx.Provide(
			service.NewTelemetryService,
			telemetry.NewService,
		),

		fx.Invoke(func(*telemetry.Service) {}),
		fx.Invoke(runMetricsServer),
	)

	app.Run()
}

// runMetricsServer 在独立端口暴露 Prometheus 指标
func runMetricsServer(lifecycle fx.Lifecycle, log *zap.Logger, cfg *config.Config) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("Starting metrics server", zap.Int("port", cfg.Metrics.Port))
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
