package registry

import (
	"context"

	"go.uber.org/zap"
)

// saga collects compensating actions while a multi-store mutation makes
// progress. When a critical step fails, compensate undoes the completed
// steps in reverse order; compensation failures are logged and skipped
// so the remaining undo steps still run.
type saga struct {
	name  string
	undos []undoStep
}

type undoStep struct {
	label string
	fn    func(ctx context.Context) error
}

func newSaga(name string) *saga {
	return &saga{name: name}
}

// onRollback registers the undo for a step that just succeeded.
func (s *saga) onRollback(label string, fn func(ctx context.Context) error) {
	s.undos = append(s.undos, undoStep{label: label, fn: fn})
}

func (s *saga) compensate(ctx context.Context) {
	zlog.Warn("rolling back", zap.String("saga", s.name), zap.Int("steps", len(s.undos)))
	for i := len(s.undos) - 1; i >= 0; i-- {
		step := s.undos[i]
		if err := step.fn(ctx); err != nil {
			zlog.Error("rollback step failed",
				zap.String("saga", s.name), zap.String("step", step.label), zap.Error(err))
			continue
		}
		zlog.Info("rolled back", zap.String("saga", s.name), zap.String("step", step.label))
	}
}
