package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/db"
	"github.com/stepline/stepline/internal/metrics"
)

// Manager owns the per-(friend, scenario) enrollment state machine:
// none -> active -> {exited | completed | blocked}. A terminal enrollment
// never transitions again; re-entry is a fresh row.
type Manager struct {
	store  Store
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewManager creates an enrollment manager.
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		nowFn:  time.Now,
	}
}

// Enroll places a friend into a scenario.
//
// An existing active enrollment for the same pair makes the call an
// idempotent no-op, unless the source is manual_reassign, which restarts
// the timeline from step zero. Creating a new enrollment exits every other
// active enrollment of the friend whose scenario does not carry
// prevent-auto-exit.
func (m *Manager) Enroll(ctx context.Context, friendID, scenarioID uuid.UUID, source string) (*db.Enrollment, error) {
	scenario, err := m.store.GetScenario(ctx, scenarioID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrScenarioInactive
		}
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	if !scenario.IsActive {
		return nil, ErrScenarioInactive
	}

	if _, err := m.store.GetFriend(ctx, friendID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrFriendNotFound
		}
		return nil, fmt.Errorf("load friend: %w", err)
	}

	existing, err := m.store.FindActiveEnrollment(ctx, friendID, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("find active enrollment: %w", err)
	}
	if existing != nil {
		if source != db.SourceManualReassign {
			m.logger.Debug("enrollment already active, idempotent return",
				zap.String("enrollment_id", existing.ID.String()),
			)
			metrics.RecordEnrollment(source, "idempotent")
			return existing, nil
		}

		reset, err := m.store.ResetEnrollment(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("reset enrollment: %w", err)
		}
		m.scheduleNext(ctx, reset)
		metrics.RecordEnrollment(source, "reset")
		return reset, nil
	}

	enrollment := &db.Enrollment{
		ID:            uuid.New(),
		FriendID:      friendID,
		ScenarioID:    scenarioID,
		Status:        db.EnrollmentActive,
		Source:        source,
		NextStepOrder: 0,
		EnrolledAt:    m.nowFn(),
	}

	err = m.store.CreateEnrollmentSuperseding(ctx, enrollment)
	if errors.Is(err, db.ErrDuplicateEnrollment) {
		// Lost a race against a concurrent enroll of the same pair; the
		// winner's row is the idempotent result.
		winner, findErr := m.store.FindActiveEnrollment(ctx, friendID, scenarioID)
		if findErr != nil || winner == nil {
			return nil, fmt.Errorf("resolve concurrent enrollment: %w", err)
		}
		metrics.RecordEnrollment(source, "idempotent")
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create enrollment: %w", err)
	}

	m.scheduleNext(ctx, enrollment)
	metrics.RecordEnrollment(source, "created")

	return enrollment, nil
}

// ManualExit exits an enrollment on operator request. The prevent-auto-exit
// protection only suppresses automatic supersession; a manual exit always
// wins.
func (m *Manager) ManualExit(ctx context.Context, enrollmentID uuid.UUID) error {
	if err := m.store.ExitEnrollment(ctx, enrollmentID, db.ExitReasonManual); err != nil {
		return fmt.Errorf("manual exit: %w", err)
	}
	return nil
}

// Advance moves an enrollment past a just-delivered step: bump the cursor,
// complete when the last step is done, and follow the step's transition
// target if it has one. The delivered step is identified by its own order,
// not the cursor, so scenarios whose orders are sparse or do not start at
// zero walk correctly. A transition is an ordinary enrollment request and
// goes through the same supersession policy, so prevent-auto-exit on the
// current scenario keeps it alive even after transitioning elsewhere.
func (m *Manager) Advance(ctx context.Context, enrollmentID uuid.UUID, deliveredOrder int) error {
	enrollment, err := m.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return fmt.Errorf("load enrollment: %w", err)
	}
	if enrollment.Status != db.EnrollmentActive {
		return nil
	}

	steps, err := m.store.GetSteps(ctx, enrollment.ScenarioID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}

	var delivered *db.Step
	var next *db.Step
	for _, step := range steps {
		if step.Order == deliveredOrder {
			delivered = step
		}
		if step.Order > deliveredOrder {
			next = step
			break
		}
	}

	if next == nil {
		if err := m.store.CompleteEnrollment(ctx, enrollment.ID); err != nil {
			return fmt.Errorf("complete enrollment: %w", err)
		}
		m.logger.Info("enrollment completed",
			zap.String("enrollment_id", enrollment.ID.String()),
			zap.String("scenario_id", enrollment.ScenarioID.String()),
		)
	} else {
		if err := m.store.AdvanceEnrollment(ctx, enrollment.ID, next.Order); err != nil {
			return fmt.Errorf("advance enrollment: %w", err)
		}
	}

	if delivered != nil && delivered.TransitionScenarioID != nil {
		if _, err := m.Enroll(ctx, enrollment.FriendID, *delivered.TransitionScenarioID, db.SourceTransition); err != nil {
			// A dead transition target must not fail the delivery that
			// triggered it.
			m.logger.Warn("transition enrollment failed",
				zap.Error(err),
				zap.String("enrollment_id", enrollment.ID.String()),
				zap.String("target_scenario_id", delivered.TransitionScenarioID.String()),
			)
		}
	}

	return nil
}

// scheduleNext eagerly creates the attempt for the enrollment's current
// step when it is already due. Future steps are left to the scheduler
// tick, so no attempt row exists before its due time.
func (m *Manager) scheduleNext(ctx context.Context, enrollment *db.Enrollment) {
	steps, err := m.store.GetSteps(ctx, enrollment.ScenarioID)
	if err != nil {
		m.logger.Error("failed to load steps for scheduling", zap.Error(err))
		return
	}

	var current *db.Step
	for _, step := range steps {
		if step.Order >= enrollment.NextStepOrder {
			current = step
			break
		}
	}
	if current == nil {
		return
	}

	dueAt := enrollment.EnrolledAt.Add(time.Duration(current.DelaySeconds) * time.Second)
	if dueAt.After(m.nowFn()) {
		return
	}

	attempt := &db.DeliveryAttempt{
		ID:           uuid.New(),
		EnrollmentID: enrollment.ID,
		StepID:       current.ID,
		StepOrder:    current.Order,
		DueAt:        dueAt,
		Outcome:      db.AttemptPending,
	}
	if err := m.store.CreateAttempt(ctx, attempt); err != nil && !errors.Is(err, db.ErrDuplicateAttempt) {
		m.logger.Error("failed to schedule first step",
			zap.Error(err),
			zap.String("enrollment_id", enrollment.ID.String()),
		)
	}
}
