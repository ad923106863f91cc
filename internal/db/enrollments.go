package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const enrollmentColumns = `
	id, friend_id, scenario_id, status, source, next_step_order,
	enrolled_at, exited_at, exit_reason, last_error, created_at, updated_at`

func scanEnrollment(row pgx.Row) (*Enrollment, error) {
	var e Enrollment
	err := row.Scan(
		&e.ID, &e.FriendID, &e.ScenarioID, &e.Status, &e.Source, &e.NextStepOrder,
		&e.EnrolledAt, &e.ExitedAt, &e.ExitReason, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEnrollment retrieves an enrollment by ID.
func (r *Repository) GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	e, err := scanEnrollment(r.db.Pool().QueryRow(ctx,
		`SELECT`+enrollmentColumns+` FROM enrollments WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query enrollment: %w", err)
	}
	return e, nil
}

// FindActiveEnrollment returns the active enrollment for the pair, or
// (nil, nil) when there is none.
func (r *Repository) FindActiveEnrollment(ctx context.Context, friendID, scenarioID uuid.UUID) (*Enrollment, error) {
	e, err := scanEnrollment(r.db.Pool().QueryRow(ctx,
		`SELECT`+enrollmentColumns+` FROM enrollments
		 WHERE friend_id = $1 AND scenario_id = $2 AND status = $3`,
		friendID, scenarioID, EnrollmentActive))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active enrollment: %w", err)
	}
	return e, nil
}

// ListEnrollmentsByFriend retrieves all enrollments of a friend, newest
// first.
func (r *Repository) ListEnrollmentsByFriend(ctx context.Context, friendID uuid.UUID) ([]*Enrollment, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT`+enrollmentColumns+` FROM enrollments
		 WHERE friend_id = $1 ORDER BY created_at DESC`, friendID)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []*Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}

	return enrollments, nil
}

// CreateEnrollmentSuperseding creates a new active enrollment and, in the
// same transaction, exits every other active enrollment of the friend whose
// scenario does not carry the prevent-auto-exit protection. Pending
// attempts of the superseded enrollments are skipped. A concurrent create
// for the same pair loses on the partial unique index and surfaces as
// ErrDuplicateEnrollment.
func (r *Repository) CreateEnrollmentSuperseding(ctx context.Context, e *Enrollment) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE enrollments en
		SET status = $1, exit_reason = $2, exited_at = NOW(), updated_at = NOW()
		FROM scenarios s
		WHERE en.scenario_id = s.id
		  AND en.friend_id = $3
		  AND en.status = $4
		  AND en.scenario_id <> $5
		  AND s.prevent_auto_exit = FALSE
		RETURNING en.id
	`, EnrollmentExited, ExitReasonSuperseded, e.FriendID, EnrollmentActive, e.ScenarioID)
	if err != nil {
		return fmt.Errorf("supersede enrollments: %w", err)
	}
	var superseded []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan superseded enrollment: %w", err)
		}
		superseded = append(superseded, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate superseded enrollments: %w", err)
	}

	for _, id := range superseded {
		if err := skipPendingAttemptsTx(ctx, tx, id); err != nil {
			return err
		}
		if err := appendFriendEventTx(ctx, tx, e.FriendID, &id, EventExited, strPtr(ExitReasonSuperseded)); err != nil {
			return err
		}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO enrollments (id, friend_id, scenario_id, status, source, next_step_order, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, e.ID, e.FriendID, e.ScenarioID, e.Status, e.Source, e.NextStepOrder, e.EnrolledAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEnrollment
		}
		return fmt.Errorf("insert enrollment: %w", err)
	}

	if err := appendFriendEventTx(ctx, tx, e.FriendID, &e.ID, EventEnrolled, strPtr(e.Source)); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("enrollment created",
		zap.String("enrollment_id", e.ID.String()),
		zap.String("friend_id", e.FriendID.String()),
		zap.String("scenario_id", e.ScenarioID.String()),
		zap.String("source", e.Source),
		zap.Int("superseded", len(superseded)),
	)

	return nil
}

// ResetEnrollment restarts an active enrollment from step zero. Prior
// delivery attempts are cleared so the unique live-attempt index does not
// block redelivery of already-sent steps.
func (r *Repository) ResetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEnrollment(tx.QueryRow(ctx, `
		UPDATE enrollments
		SET next_step_order = 0, enrolled_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING`+enrollmentColumns,
		id, EnrollmentActive))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reset enrollment: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM delivery_attempts WHERE enrollment_id = $1`, id); err != nil {
		return nil, fmt.Errorf("clear delivery attempts: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("enrollment reset", zap.String("enrollment_id", id.String()))

	return e, nil
}

// ExitEnrollment moves an active enrollment to exited and skips its
// pending attempts.
func (r *Repository) ExitEnrollment(ctx context.Context, id uuid.UUID, reason string) error {
	return r.terminate(ctx, id, EnrollmentExited, reason, nil, EventExited)
}

// CompleteEnrollment marks an active enrollment completed.
func (r *Repository) CompleteEnrollment(ctx context.Context, id uuid.UUID) error {
	return r.terminate(ctx, id, EnrollmentCompleted, "", nil, EventCompleted)
}

// BlockEnrollment marks an active enrollment blocked after a permanent
// transport failure.
func (r *Repository) BlockEnrollment(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.terminate(ctx, id, EnrollmentBlocked, "", &lastError, EventBlocked)
}

func (r *Repository) terminate(ctx context.Context, id uuid.UUID, status, exitReason string, lastError *string, eventType string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var reasonArg *string
	if exitReason != "" {
		reasonArg = &exitReason
	}

	var friendID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE enrollments
		SET status = $1, exit_reason = $2, exited_at = NOW(),
		    last_error = COALESCE($3, last_error), updated_at = NOW()
		WHERE id = $4 AND status = $5
		RETURNING friend_id
	`, status, reasonArg, lastError, id, EnrollmentActive).Scan(&friendID)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}

	if err := skipPendingAttemptsTx(ctx, tx, id); err != nil {
		return err
	}
	if err := appendFriendEventTx(ctx, tx, friendID, &id, eventType, reasonArg); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("enrollment terminated",
		zap.String("enrollment_id", id.String()),
		zap.String("status", status),
		zap.String("exit_reason", exitReason),
	)

	return nil
}

// AdvanceEnrollment moves an active enrollment's cursor to the next step.
func (r *Repository) AdvanceEnrollment(ctx context.Context, id uuid.UUID, nextStepOrder int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE enrollments
		SET next_step_order = $1, last_error = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, nextStepOrder, id, EnrollmentActive)
	if err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnrollmentError records the last delivery error without changing the
// enrollment status. Used when transient retries are exhausted and the
// enrollment stays active at the same step.
func (r *Repository) SetEnrollmentError(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE enrollments SET last_error = $1, updated_at = NOW() WHERE id = $2`,
		lastError, id,
	)
	if err != nil {
		return fmt.Errorf("set enrollment error: %w", err)
	}
	return nil
}

// ScheduleCandidate pairs an active enrollment with its currently due step.
type ScheduleCandidate struct {
	Enrollment *Enrollment
	Step       *Step
}

// SchedulableEnrollments returns active enrollments whose current step is
// due at now and has no live attempt yet. The current step is the first
// step at or after the enrollment's cursor, so step orders may be sparse
// or start above zero; considering only that one step keeps dispatch
// strictly in step order.
func (r *Repository) SchedulableEnrollments(ctx context.Context, now time.Time, limit int) ([]*ScheduleCandidate, error) {
	query := `
		SELECT
			e.id, e.friend_id, e.scenario_id, e.status, e.source, e.next_step_order,
			e.enrolled_at, e.exited_at, e.exit_reason, e.last_error, e.created_at, e.updated_at,
			s.id, s.scenario_id, s.step_order, s.delay_seconds, s.message,
			s.transition_scenario_id, s.created_at
		FROM enrollments e
		JOIN LATERAL (
			SELECT id, scenario_id, step_order, delay_seconds, message,
			       transition_scenario_id, created_at
			FROM scenario_steps
			WHERE scenario_id = e.scenario_id AND step_order >= e.next_step_order
			ORDER BY step_order ASC
			LIMIT 1
		) s ON TRUE
		WHERE e.status = $1
		  AND e.enrolled_at + make_interval(secs => s.delay_seconds::double precision) <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_attempts a
			WHERE a.enrollment_id = e.id AND a.step_id = s.id AND a.outcome <> $3
		  )
		ORDER BY e.enrolled_at ASC
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query, EnrollmentActive, now, AttemptSkipped, limit)
	if err != nil {
		return nil, fmt.Errorf("query schedulable enrollments: %w", err)
	}
	defer rows.Close()

	var candidates []*ScheduleCandidate
	for rows.Next() {
		var e Enrollment
		var s Step
		err := rows.Scan(
			&e.ID, &e.FriendID, &e.ScenarioID, &e.Status, &e.Source, &e.NextStepOrder,
			&e.EnrolledAt, &e.ExitedAt, &e.ExitReason, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
			&s.ID, &s.ScenarioID, &s.Order, &s.DelaySeconds, &s.Message,
			&s.TransitionScenarioID, &s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan schedule candidate: %w", err)
		}
		candidates = append(candidates, &ScheduleCandidate{Enrollment: &e, Step: &s})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule candidates: %w", err)
	}

	return candidates, nil
}

func strPtr(s string) *string { return &s }
