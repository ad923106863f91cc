package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/db"
	"github.com/stepline/stepline/internal/metrics"
	"github.com/stepline/stepline/internal/render"
	"github.com/stepline/stepline/internal/transport"
)

// ExecutorConfig holds delivery execution parameters.
type ExecutorConfig struct {
	MaxRetries   int
	BatchSize    int
	ProductName  string
	ProductPrice string

	// StaleSendingAfter bounds how long an attempt may sit in the sending
	// state before a tick returns it to pending. Covers a worker that
	// crashed mid-send or a terminal write that never landed.
	StaleSendingAfter time.Duration
}

// Executor fires due pending attempts through the message transport and
// feeds delivery outcomes back into the enrollment state machine.
type Executor struct {
	store   Store
	sender  transport.Sender
	manager *Manager
	config  ExecutorConfig
	logger  *zap.Logger
	nowFn   func() time.Time
}

// NewExecutor creates a delivery executor.
func NewExecutor(store Store, sender transport.Sender, manager *Manager, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleSendingAfter == 0 {
		cfg.StaleSendingAfter = 5 * time.Minute
	}

	return &Executor{
		store:   store,
		sender:  sender,
		manager: manager,
		config:  cfg,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// Tick executes every due pending attempt in the batch. Returns the number
// of attempts processed.
//
// Attempts stuck in sending past the staleness threshold are first
// released back to pending. Delivery is therefore at-least-once: a crash
// between the transport call and the terminal write can resend a step.
func (ex *Executor) Tick(ctx context.Context) int {
	cutoff := ex.nowFn().Add(-ex.config.StaleSendingAfter)
	if released, err := ex.store.ReleaseStaleSending(ctx, cutoff, ex.config.BatchSize); err != nil {
		ex.logger.Error("failed to release stale sending attempts", zap.Error(err))
	} else if released > 0 {
		ex.logger.Warn("released stale sending attempts", zap.Int("count", released))
	}

	attempts, err := ex.store.DuePendingAttempts(ctx, ex.nowFn(), ex.config.BatchSize)
	if err != nil {
		ex.logger.Error("failed to query due attempts", zap.Error(err))
		return 0
	}

	for _, attempt := range attempts {
		ex.Execute(ctx, attempt)
	}

	return len(attempts)
}

// Execute delivers one attempt. The pending->sending flip serializes
// execution: only one worker ever holds an attempt in flight, and an
// attempt skipped by a concurrent exit is never sent.
func (ex *Executor) Execute(ctx context.Context, attempt *db.DeliveryAttempt) {
	enrollment, err := ex.store.GetEnrollment(ctx, attempt.EnrollmentID)
	if err != nil {
		ex.logger.Error("failed to load enrollment for attempt",
			zap.Error(err),
			zap.String("attempt_id", attempt.ID.String()),
		)
		return
	}

	if enrollment.Status != db.EnrollmentActive {
		if err := ex.store.SkipAttempt(ctx, attempt.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			ex.logger.Error("failed to skip attempt", zap.Error(err))
		}
		metrics.RecordDelivery(db.AttemptSkipped)
		return
	}

	acquired, err := ex.store.MarkAttemptSending(ctx, attempt.ID)
	if err != nil {
		ex.logger.Error("failed to acquire attempt", zap.Error(err))
		return
	}
	if !acquired {
		return
	}

	friend, err := ex.store.GetFriend(ctx, enrollment.FriendID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			ex.failPermanently(ctx, attempt, enrollment, "friend no longer resolvable")
			return
		}
		// A store hiccup is not the contact's fault; retry like any
		// transient failure.
		ex.rescheduleOrFail(ctx, attempt, enrollment, err.Error())
		return
	}

	steps, err := ex.store.GetSteps(ctx, enrollment.ScenarioID)
	if err != nil {
		ex.rescheduleOrFail(ctx, attempt, enrollment, err.Error())
		return
	}
	var step *db.Step
	for _, s := range steps {
		if s.ID == attempt.StepID {
			step = s
			break
		}
	}
	if step == nil {
		ex.failTerminally(ctx, attempt, enrollment, "step no longer exists")
		return
	}

	message, err := render.Message(step.Message, render.Context{
		Friend:       friend,
		ProductName:  ex.config.ProductName,
		ProductPrice: ex.config.ProductPrice,
	})
	if err != nil {
		ex.failTerminally(ctx, attempt, enrollment, "render: "+err.Error())
		return
	}

	sendErr := ex.sender.Send(ctx, friend.PlatformUserID, []transport.Message{message})
	if sendErr == nil {
		if err := ex.store.MarkAttemptSent(ctx, attempt.ID, attempt.Attempt+1); err != nil {
			ex.logger.Error("failed to mark attempt sent", zap.Error(err))
			return
		}
		_ = ex.store.AppendFriendEvent(ctx, friend.ID, &enrollment.ID, db.EventMessageSent, nil)
		metrics.RecordDelivery(db.AttemptSent)

		ex.logger.Info("step delivered",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("enrollment_id", enrollment.ID.String()),
			zap.Int("step_order", attempt.StepOrder),
		)

		if err := ex.manager.Advance(ctx, enrollment.ID, attempt.StepOrder); err != nil {
			ex.logger.Error("failed to advance enrollment",
				zap.Error(err),
				zap.String("enrollment_id", enrollment.ID.String()),
			)
		}
		return
	}

	ex.logger.Warn("delivery failed",
		zap.Error(sendErr),
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("enrollment_id", enrollment.ID.String()),
		zap.Int("attempt", attempt.Attempt+1),
	)

	if errors.Is(sendErr, transport.ErrNoCredentials) {
		// No channel credentials for this owner: terminal for the
		// attempt, but not the friend's fault, so the enrollment is not
		// blocked.
		ex.failTerminally(ctx, attempt, enrollment, sendErr.Error())
		return
	}

	if !transport.IsRetryable(sendErr) {
		ex.failPermanently(ctx, attempt, enrollment, sendErr.Error())
		return
	}

	ex.rescheduleOrFail(ctx, attempt, enrollment, sendErr.Error())
}

// failPermanently records a terminal failure and blocks the enrollment;
// the contact is no longer reachable.
func (ex *Executor) failPermanently(ctx context.Context, attempt *db.DeliveryAttempt, enrollment *db.Enrollment, errMsg string) {
	if err := ex.store.MarkAttemptFailed(ctx, attempt.ID, attempt.Attempt+1, errMsg); err != nil {
		ex.logger.Error("failed to mark attempt failed", zap.Error(err))
	}
	if err := ex.store.BlockEnrollment(ctx, enrollment.ID, errMsg); err != nil && !errors.Is(err, db.ErrNotFound) {
		ex.logger.Error("failed to block enrollment", zap.Error(err))
	}
	metrics.RecordDelivery(db.AttemptFailed)
}

// failTerminally records a terminal failure but leaves the enrollment
// active at the same step.
func (ex *Executor) failTerminally(ctx context.Context, attempt *db.DeliveryAttempt, enrollment *db.Enrollment, errMsg string) {
	if err := ex.store.MarkAttemptFailed(ctx, attempt.ID, attempt.Attempt+1, errMsg); err != nil {
		ex.logger.Error("failed to mark attempt failed", zap.Error(err))
	}
	if err := ex.store.SetEnrollmentError(ctx, enrollment.ID, errMsg); err != nil {
		ex.logger.Error("failed to record enrollment error", zap.Error(err))
	}
	metrics.RecordDelivery(db.AttemptFailed)
}

// rescheduleOrFail handles a transient failure: back to pending with
// backoff, or terminal once retries are exhausted. Retry exhaustion never
// silently skips the step; the enrollment stays active at the same
// cursor for the operator to inspect.
func (ex *Executor) rescheduleOrFail(ctx context.Context, attempt *db.DeliveryAttempt, enrollment *db.Enrollment, errMsg string) {
	newAttempt := attempt.Attempt + 1

	if newAttempt >= ex.config.MaxRetries {
		ex.failTerminally(ctx, attempt, enrollment, errMsg)
		ex.logger.Warn("retries exhausted",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Int("attempts", newAttempt),
		)
		return
	}

	nextRetry := ex.nowFn().Add(retryBackoff(newAttempt))
	if err := ex.store.RescheduleAttempt(ctx, attempt.ID, newAttempt, errMsg, nextRetry); err != nil {
		ex.logger.Error("failed to reschedule attempt", zap.Error(err))
	}
	metrics.RecordDelivery("retried")
}

func retryBackoff(attempt int) time.Duration {
	delays := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}

	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	if idx < 0 {
		idx = 0
	}

	return delays[idx]
}
