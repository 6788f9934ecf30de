package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/credential"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/events"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/notify"
	"github.com/edgelink/fleet/internal/repository"
	"go.uber.org/zap"
)

// sweepStatuses 参与过期扫描的生命周期状态
var sweepStatuses = []domain.LifecycleStatus{domain.LifecycleTrial, domain.LifecycleActive}

// SweepReport 一次扫描的结果
type SweepReport struct {
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	Lookback       time.Duration `json:"lookback"`
	BucketsScanned int           `json:"bucketsScanned"`
	Candidates     int           `json:"candidates"`
	Expired        int           `json:"expired"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	ExpiredDevices []string      `json:"expiredDevices,omitempty"`
}

// Sweeper 生命周期过期扫描
//
// 只查询回溯窗口内按小时分桶的索引键，查询量与窗口大小成正比，与设备总数无关。
type Sweeper struct {
	devices   repository.DeviceRepository
	issuer    credential.Issuer
	publisher events.Publisher
	mailer    notify.Mailer
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	lookback  time.Duration
	backfill  time.Duration
	timeout   time.Duration
	pageSize  int
}

// NewSweeper 创建过期扫描服务
func NewSweeper(
	cfg *config.Config,
	devices repository.DeviceRepository,
	issuer credential.Issuer,
	publisher events.Publisher,
	mailer notify.Mailer,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		devices:   devices,
		issuer:    issuer,
		publisher: publisher,
		mailer:    mailer,
		clock:     clk,
		metrics:   m,
		logger:    logger.Named("sweeper"),
		lookback:  cfg.Lifecycle.SweepLookback,
		backfill:  cfg.Lifecycle.SweepBackfill,
		timeout:   cfg.Lifecycle.SweepTimeout,
		pageSize:  cfg.Lifecycle.SweepPageSize,
	}
}

// Run 按配置的回溯窗口执行一次扫描
func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	return s.RunWithLookback(ctx, s.lookback)
}

// Backfill 以更长的窗口扫描，用于启动时补齐停机期间漏掉的分桶
func (s *Sweeper) Backfill(ctx context.Context) (*SweepReport, error) {
	return s.RunWithLookback(ctx, s.backfill)
}

// RunWithLookback 扫描 [now-lookback, now] 内的分桶并将已到期设备置为 EXPIRED
//
// 超过 SweepTimeout 或 ctx 取消时停止扫描，剩余分桶留给下一次运行。
func (s *Sweeper) RunWithLookback(ctx context.Context, lookback time.Duration) (*SweepReport, error) {
	now := s.clock.Now()
	report := &SweepReport{StartedAt: now, Lookback: lookback}

	scanCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var errs []error
scan:
	for _, status := range sweepStatuses {
		for _, bucket := range domain.HourlyBuckets(status, now.Add(-lookback), now) {
			if err := scanCtx.Err(); err != nil {
				errs = append(errs, err)
				break scan
			}
			report.BucketsScanned++
			if err := s.sweepBucket(scanCtx, status, bucket, now.Unix(), report); err != nil {
				s.logger.Error("Failed to scan lifecycle bucket", zap.String("bucket", bucket), zap.Error(err))
				errs = append(errs, fmt.Errorf("bucket %s: %w", bucket, err))
			}
		}
	}

	report.Duration = s.clock.Now().Sub(now)
	s.metrics.RecordSweep(report.Expired, report.Skipped, report.Failed, report.Duration)

	s.logger.Info("Lifecycle sweep completed",
		zap.Duration("lookback", lookback),
		zap.Int("buckets", report.BucketsScanned),
		zap.Int("candidates", report.Candidates),
		zap.Int("expired", report.Expired),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)

	if report.Expired > 0 || report.Failed > 0 || len(errs) > 0 {
		s.sendReport(ctx, report, errs)
	}

	return report, errors.Join(errs...)
}

func (s *Sweeper) sweepBucket(ctx context.Context, expected domain.LifecycleStatus, bucket string, now int64, report *SweepReport) error {
	token := ""
	for {
		page, err := s.devices.ListByBucket(ctx, bucket, now, token, s.pageSize)
		if err != nil {
			return err
		}

		for i := range page.Items {
			s.expireDevice(ctx, &page.Items[i], expected, now, report)
		}

		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

func (s *Sweeper) expireDevice(ctx context.Context, device *domain.Device, expected domain.LifecycleStatus, now int64, report *SweepReport) {
	report.Candidates++
	log := s.logger.With(zap.String("device_id", device.DeviceID))

	// 分桶枚举是超集，写入前再确认一次
	if device.LifecycleStatus != expected || device.ExpiresAt > now {
		report.Skipped++
		return
	}

	err := s.devices.Expire(ctx, device.DeviceID, repository.ExpireUpdate{
		Expected:  expected,
		Bucket:    device.LifecycleBucket,
		ExpiresAt: device.ExpiresAt,
		Now:       now,
	})
	switch {
	case errors.Is(err, repository.ErrConditionFailed), errors.Is(err, repository.ErrNotFound):
		log.Debug("Device changed since scan, skipping")
		report.Skipped++
		return
	case err != nil:
		log.Error("Failed to expire device", zap.Error(err))
		report.Failed++
		return
	}

	report.Expired++
	report.ExpiredDevices = append(report.ExpiredDevices, device.DeviceID)
	log.Info("Device expired",
		zap.String("previous_status", string(expected)),
		zap.Int64("expires_at", device.ExpiresAt),
	)

	runPostCommit(ctx, log, s.metrics, device.DeviceID,
		setCertificateStatus(s.issuer, device.CertificateID, domain.CertificateInactive),
		publishEvent(s.publisher, events.Event{
			Type:       events.TypeDeviceExpired,
			DeviceID:   device.DeviceID,
			UserID:     device.UserID,
			OccurredAt: s.clock.Now(),
			Attributes: map[string]string{"previousStatus": string(expected)},
		}),
	)
}

func (s *Sweeper) sendReport(ctx context.Context, report *SweepReport, errs []error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Lifecycle sweep at %s (lookback %s)\n\n", report.StartedAt.Format(time.RFC3339), report.Lookback)
	fmt.Fprintf(&b, "Buckets scanned: %d\nCandidates: %d\nExpired: %d\nSkipped: %d\nFailed: %d\n",
		report.BucketsScanned, report.Candidates, report.Expired, report.Skipped, report.Failed)
	if len(report.ExpiredDevices) > 0 {
		fmt.Fprintf(&b, "\nExpired devices:\n  %s\n", strings.Join(report.ExpiredDevices, "\n  "))
	}
	for _, err := range errs {
		fmt.Fprintf(&b, "\nError: %v", err)
	}

	msg := &notify.Message{
		Subject:  fmt.Sprintf("[fleet] lifecycle sweep: %d expired, %d failed", report.Expired, report.Failed),
		TextBody: b.String(),
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Warn("Failed to send sweep report", zap.Error(err))
	}
}
