package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/edgelink/fleet/internal/service"
	"github.com/edgelink/fleet/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSweeper struct {
	mock.Mock
	block         chan struct{}
	blockBackfill bool
}

func (m *mockSweeper) Run(ctx context.Context) (*service.SweepReport, error) {
	if m.block != nil {
		<-m.block
	}
	args := m.Called(ctx)
	report, _ := args.Get(0).(*service.SweepReport)
	return report, args.Error(1)
}

func (m *mockSweeper) Backfill(ctx context.Context) (*service.SweepReport, error) {
	if m.blockBackfill {
		<-ctx.Done()
	}
	args := m.Called(ctx)
	report, _ := args.Get(0).(*service.SweepReport)
	return report, args.Error(1)
}

func TestLifecycleSweepTaskRunsSweeper(t *testing.T) {
	sweeper := &mockSweeper{}
	sweeper.On("Run", mock.Anything).Return(&service.SweepReport{Expired: 2}, nil).Once()
	sweeper.On("Backfill", mock.Anything).Return(&service.SweepReport{}, nil).Once()

	task := newLifecycleSweepTask(sweeper, zap.NewNop())
	require.NoError(t, task.Backfill(context.Background()))
	require.NoError(t, task.Run(context.Background()))

	sweeper.AssertExpectations(t)
}

func TestLifecycleSweepTaskReturnsSweepError(t *testing.T) {
	sweeper := &mockSweeper{}
	sweepErr := errors.New("bucket TRIAL#2026010100: connection reset")
	sweeper.On("Run", mock.Anything).Return(&service.SweepReport{Failed: 1}, sweepErr)

	task := newLifecycleSweepTask(sweeper, zap.NewNop())
	assert.ErrorIs(t, task.Run(context.Background()), sweepErr)
}

func TestLifecycleSweepTaskSkipsOverlappingRun(t *testing.T) {
	sweeper := &mockSweeper{block: make(chan struct{})}
	sweeper.On("Run", mock.Anything).Return(&service.SweepReport{}, nil).Once()

	task := newLifecycleSweepTask(sweeper, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, task.Run(context.Background()))
	}()

	require.Eventually(t, task.running.Load, time.Second, time.Millisecond)

	// 第二次调用直接返回，不会阻塞在 block 上
	require.NoError(t, task.Run(context.Background()))

	close(sweeper.block)
	wg.Wait()
	sweeper.AssertNumberOfCalls(t, "Run", 1)
	assert.False(t, task.running.Load())
}

func TestLifecycleSweepTaskWaitsForBackfill(t *testing.T) {
	sweeper := &mockSweeper{blockBackfill: true}
	sweeper.On("Backfill", mock.Anything).Return(nil, context.Canceled).Once()

	task := newLifecycleSweepTask(sweeper, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task.StartBackfill(ctx)
	require.Eventually(t, task.running.Load, time.Second, time.Millisecond)

	waited := make(chan struct{})
	go func() {
		task.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while backfill was still running")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after backfill stopped")
	}
	assert.False(t, task.running.Load())
	sweeper.AssertExpectations(t)
}

func TestIdempotencyPurgeTask(t *testing.T) {
	db := testutil.NewDB(t)
	records := repository.NewIdempotencyRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, records.Claim(ctx, &domain.IdempotencyRecord{
		EventID: "evt_old", Source: "stripe", ProcessedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, records.Claim(ctx, &domain.IdempotencyRecord{
		EventID: "evt_new", Source: "stripe", ProcessedAt: now, ExpiresAt: now.Add(7 * 24 * time.Hour),
	}))

	task := NewIdempotencyPurgeTask(records, clock.NewFakeClock(now), zap.NewNop())
	require.NoError(t, task.Run(ctx))

	// 已清理的事件可以再次占位，未过期的仍然冲突
	assert.NoError(t, records.Claim(ctx, &domain.IdempotencyRecord{
		EventID: "evt_old", Source: "stripe", ProcessedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	assert.ErrorIs(t, records.Claim(ctx, &domain.IdempotencyRecord{
		EventID: "evt_new", Source: "stripe", ProcessedAt: now, ExpiresAt: now.Add(time.Hour),
	}), repository.ErrConditionFailed)
}
