package tasks

import (
	"context"
	"fmt"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/repository"
	"go.uber.org/zap"
)

// IdempotencyPurgeTask 清理过期的回调幂等记录
type IdempotencyPurgeTask struct {
	records repository.IdempotencyRepository
	clock   clock.Clock
	logger  *zap.Logger
}

// NewIdempotencyPurgeTask 创建幂等记录清理任务
func NewIdempotencyPurgeTask(records repository.IdempotencyRepository, clk clock.Clock, logger *zap.Logger) *IdempotencyPurgeTask {
	return &IdempotencyPurgeTask{
		records: records,
		clock:   clk,
		logger:  logger.Named("idempotency_purge"),
	}
}

// Run 删除 expiresAt 已过的记录
func (t *IdempotencyPurgeTask) Run(ctx context.Context) error {
	purged, err := t.records.PurgeExpired(ctx, t.clock.Now())
	if err != nil {
		return fmt.Errorf("purge idempotency records: %w", err)
	}

	t.logger.Info("Idempotency purge completed", zap.Int64("purged", purged))
	return nil
}
