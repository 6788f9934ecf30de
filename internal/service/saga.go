package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const compensationTimeout = 10 * time.Second

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// saga 记录每个已完成步骤的撤销动作，失败时逆序执行
type saga struct {
	logger *zap.Logger
	steps  []undoStep
}

func newSaga(logger *zap.Logger) *saga {
	return &saga{logger: logger}
}

// push 在前进步骤成功后登记撤销动作
func (s *saga) push(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, undoStep{name: name, fn: fn})
}

// compensate 逆序执行撤销，单个撤销失败只记录日志
func (s *saga) compensate(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.fn(ctx); err != nil {
			s.logger.Warn("Compensation step failed",
				zap.String("step", step.name),
				zap.Error(err),
			)
			continue
		}
		s.logger.Debug("Compensation step completed", zap.String("step", step.name))
	}
	s.steps = nil
}
