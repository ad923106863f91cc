package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const attemptColumns = `
	id, enrollment_id, step_id, step_order, due_at, sent_at, outcome,
	attempt, error_message, next_retry_at, created_at, updated_at`

func scanAttempt(row pgx.Row) (*DeliveryAttempt, error) {
	var a DeliveryAttempt
	err := row.Scan(
		&a.ID, &a.EnrollmentID, &a.StepID, &a.StepOrder, &a.DueAt, &a.SentAt,
		&a.Outcome, &a.Attempt, &a.ErrorMessage, &a.NextRetryAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAttempt inserts a pending delivery attempt. The partial unique
// index keeps at most one live attempt per (enrollment, step); a concurrent
// insert surfaces as ErrDuplicateAttempt.
func (r *Repository) CreateAttempt(ctx context.Context, a *DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (id, enrollment_id, step_id, step_order, due_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		a.ID, a.EnrollmentID, a.StepID, a.StepOrder, a.DueAt, a.Outcome,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("insert delivery attempt: %w", err)
	}

	r.logger.Info("delivery attempt scheduled",
		zap.String("attempt_id", a.ID.String()),
		zap.String("enrollment_id", a.EnrollmentID.String()),
		zap.Int("step_order", a.StepOrder),
		zap.Time("due_at", a.DueAt),
	)

	return nil
}

// GetAttempt retrieves a delivery attempt by ID.
func (r *Repository) GetAttempt(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	a, err := scanAttempt(r.db.Pool().QueryRow(ctx,
		`SELECT`+attemptColumns+` FROM delivery_attempts WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery attempt: %w", err)
	}
	return a, nil
}

// DuePendingAttempts returns pending attempts that are due and past any
// retry backoff, oldest first.
func (r *Repository) DuePendingAttempts(ctx context.Context, now time.Time, limit int) ([]*DeliveryAttempt, error) {
	query := `
		SELECT` + attemptColumns + `
		FROM delivery_attempts
		WHERE outcome = $1
		  AND due_at <= $2
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY due_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, AttemptPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery attempts: %w", err)
	}

	return attempts, nil
}

// ReleaseStaleSending returns attempts stuck in the sending state since
// before cutoff to pending. A stuck row means a worker died between the
// transport call and the terminal write; releasing it makes delivery
// at-least-once rather than stranding the enrollment.
func (r *Repository) ReleaseStaleSending(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM delivery_attempts
			WHERE outcome = $2 AND updated_at < $3
			ORDER BY updated_at ASC
			LIMIT $4
		)
	`, AttemptPending, AttemptSending, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("release stale sending attempts: %w", err)
	}

	released := int(result.RowsAffected())
	if released > 0 {
		r.logger.Warn("released stale sending attempts", zap.Int("count", released))
	}
	return released, nil
}

// MarkAttemptSending flips a pending attempt to the in-flight guard state.
// Returns false when another worker won the flip, or the attempt was
// skipped meanwhile.
func (r *Repository) MarkAttemptSending(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE delivery_attempts SET outcome = $1, updated_at = NOW() WHERE id = $2 AND outcome = $3`,
		AttemptSending, id, AttemptPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark attempt sending: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkAttemptSent records a successful delivery.
func (r *Repository) MarkAttemptSent(ctx context.Context, id uuid.UUID, attempt int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $1, sent_at = NOW(), attempt = $2,
		    error_message = NULL, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $3
	`, AttemptSent, attempt, id)
	if err != nil {
		return fmt.Errorf("mark attempt sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAttemptFailed records a terminal delivery failure.
func (r *Repository) MarkAttemptFailed(ctx context.Context, id uuid.UUID, attempt int, errMsg string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $1, attempt = $2, error_message = $3, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $4
	`, AttemptFailed, attempt, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleAttempt returns an in-flight attempt to pending with a retry
// backoff after a transient transport failure.
func (r *Repository) RescheduleAttempt(ctx context.Context, id uuid.UUID, attempt int, errMsg string, nextRetryAt time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $1, attempt = $2, error_message = $3, next_retry_at = $4, updated_at = NOW()
		WHERE id = $5
	`, AttemptPending, attempt, errMsg, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("reschedule attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SkipAttempt cancels a not-yet-sent attempt.
func (r *Repository) SkipAttempt(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $1, updated_at = NOW()
		WHERE id = $2 AND outcome IN ($3, $4)
	`, AttemptSkipped, id, AttemptPending, AttemptSending)
	if err != nil {
		return fmt.Errorf("skip attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAttemptsByEnrollment retrieves an enrollment's attempts in step order.
func (r *Repository) ListAttemptsByEnrollment(ctx context.Context, enrollmentID uuid.UUID) ([]*DeliveryAttempt, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT`+attemptColumns+` FROM delivery_attempts
		 WHERE enrollment_id = $1 ORDER BY step_order ASC, created_at ASC`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery attempts: %w", err)
	}

	return attempts, nil
}

func skipPendingAttemptsTx(ctx context.Context, tx pgx.Tx, enrollmentID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $1, updated_at = NOW()
		WHERE enrollment_id = $2 AND outcome = $3
	`, AttemptSkipped, enrollmentID, AttemptPending)
	if err != nil {
		return fmt.Errorf("skip pending attempts: %w", err)
	}
	return nil
}
