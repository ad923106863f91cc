package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/db"
)

// Scheduler materializes due delivery attempts. For each active enrollment
// only the first step at or after the cursor is ever considered, so
// attempts are created strictly in step order and step N+1 cannot appear
// while step N is live.
type Scheduler struct {
	store     Store
	logger    *zap.Logger
	batchSize int
	nowFn     func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(store Store, batchSize int, logger *zap.Logger) *Scheduler {
	if batchSize == 0 {
		batchSize = 50
	}
	return &Scheduler{
		store:     store,
		logger:    logger,
		batchSize: batchSize,
		nowFn:     time.Now,
	}
}

// Tick creates attempt rows for every enrollment whose current step is due
// and has no live attempt. Returns the number of attempts created.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.nowFn()

	candidates, err := s.store.SchedulableEnrollments(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to query schedulable enrollments", zap.Error(err))
		return 0
	}

	created := 0
	for _, c := range candidates {
		dueAt := c.Enrollment.EnrolledAt.Add(time.Duration(c.Step.DelaySeconds) * time.Second)

		attempt := &db.DeliveryAttempt{
			ID:           uuid.New(),
			EnrollmentID: c.Enrollment.ID,
			StepID:       c.Step.ID,
			StepOrder:    c.Step.Order,
			DueAt:        dueAt,
			Outcome:      db.AttemptPending,
		}

		err := s.store.CreateAttempt(ctx, attempt)
		if errors.Is(err, db.ErrDuplicateAttempt) {
			// Another tick or the enroll path won the insert.
			continue
		}
		if err != nil {
			s.logger.Error("failed to create delivery attempt",
				zap.Error(err),
				zap.String("enrollment_id", c.Enrollment.ID.String()),
				zap.Int("step_order", c.Step.Order),
			)
			continue
		}
		created++
	}

	return created
}
