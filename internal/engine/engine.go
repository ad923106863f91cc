// Package engine implements the step-scenario delivery engine: enrollment
// policy, attempt scheduling, and delivery execution.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/db"
	"github.com/stepline/stepline/internal/metrics"
)

// Store is the persistence surface the engine operates on. Implemented by
// db.Repository; faked in tests.
type Store interface {
	GetFriend(ctx context.Context, id uuid.UUID) (*db.Friend, error)
	GetScenario(ctx context.Context, id uuid.UUID) (*db.Scenario, error)
	GetSteps(ctx context.Context, scenarioID uuid.UUID) ([]*db.Step, error)

	FindActiveEnrollment(ctx context.Context, friendID, scenarioID uuid.UUID) (*db.Enrollment, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (*db.Enrollment, error)
	CreateEnrollmentSuperseding(ctx context.Context, e *db.Enrollment) error
	ResetEnrollment(ctx context.Context, id uuid.UUID) (*db.Enrollment, error)
	ExitEnrollment(ctx context.Context, id uuid.UUID, reason string) error
	CompleteEnrollment(ctx context.Context, id uuid.UUID) error
	BlockEnrollment(ctx context.Context, id uuid.UUID, lastError string) error
	AdvanceEnrollment(ctx context.Context, id uuid.UUID, nextStepOrder int) error
	SetEnrollmentError(ctx context.Context, id uuid.UUID, lastError string) error
	SchedulableEnrollments(ctx context.Context, now time.Time, limit int) ([]*db.ScheduleCandidate, error)

	CreateAttempt(ctx context.Context, a *db.DeliveryAttempt) error
	DuePendingAttempts(ctx context.Context, now time.Time, limit int) ([]*db.DeliveryAttempt, error)
	ReleaseStaleSending(ctx context.Context, cutoff time.Time, limit int) (int, error)
	MarkAttemptSending(ctx context.Context, id uuid.UUID) (bool, error)
	MarkAttemptSent(ctx context.Context, id uuid.UUID, attempt int) error
	MarkAttemptFailed(ctx context.Context, id uuid.UUID, attempt int, errMsg string) error
	RescheduleAttempt(ctx context.Context, id uuid.UUID, attempt int, errMsg string, nextRetryAt time.Time) error
	SkipAttempt(ctx context.Context, id uuid.UUID) error

	GetInviteCode(ctx context.Context, code string) (*db.InviteCode, error)
	RedeemInviteCode(ctx context.Context, code string) (*db.InviteCode, error)

	AppendFriendEvent(ctx context.Context, friendID uuid.UUID, enrollmentID *uuid.UUID, eventType string, detail *string) error
}

// Policy errors surfaced synchronously to the triggering caller.
var (
	// ErrScenarioInactive indicates the target scenario is switched off.
	ErrScenarioInactive = errors.New("scenario is not active")

	// ErrFriendNotFound indicates the friend identity cannot be resolved.
	ErrFriendNotFound = errors.New("friend not found")
)

// Config holds the engine's tick parameters.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// Engine drives the scheduler and executor from one recurring tick.
type Engine struct {
	scheduler *Scheduler
	executor  *Executor
	config    Config
	logger    *zap.Logger
}

// New assembles the engine loop around a scheduler and executor.
func New(scheduler *Scheduler, executor *Executor, cfg Config, logger *zap.Logger) *Engine {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}

	return &Engine{
		scheduler: scheduler,
		executor:  executor,
		config:    cfg,
		logger:    logger,
	}
}

// Start runs the tick loop until the context is cancelled. One enrollment's
// failure never stops the batch; per-item errors are recorded on the
// attempt rows.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass followed by one execution pass.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()

	scheduled := e.scheduler.Tick(ctx)
	executed := e.executor.Tick(ctx)

	metrics.ObserveTick(time.Since(start))

	if scheduled > 0 || executed > 0 {
		e.logger.Debug("tick complete",
			zap.Int("attempts_scheduled", scheduled),
			zap.Int("attempts_executed", executed),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
