package delivery

import (
	"context"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/logging"
)

// TrackingScheduler records each delivery's due time in the store before
// handing it to the next scheduler, so the sweeper measures staleness from
// the latest delivery rather than from task creation.
type TrackingScheduler struct {
	next   core.Scheduler
	store  core.Store
	logger *logging.Logger
}

// NewTrackingScheduler wraps next.
func NewTrackingScheduler(next core.Scheduler, store core.Store, logger *logging.Logger) *TrackingScheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TrackingScheduler{next: next, store: store, logger: logger}
}

// Schedule touches the task and forwards d. A failed touch is logged and the
// delivery still goes out.
func (s *TrackingScheduler) Schedule(ctx context.Context, d core.Delivery) error {
	if err := s.store.TouchTask(ctx, d.TaskID, core.Now().Add(d.Delay)); err != nil {
		s.logger.WithTask(string(d.TaskID)).Warn("recording delivery due time failed", "error", err)
	}
	return s.next.Schedule(ctx, d)
}
