package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GetScenario retrieves a scenario by ID.
func (r *Repository) GetScenario(ctx context.Context, id uuid.UUID) (*Scenario, error) {
	query := `
		SELECT id, owner_id, name, is_active, prevent_auto_exit, created_at, updated_at
		FROM scenarios
		WHERE id = $1
	`

	var s Scenario
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&s.ID, &s.OwnerID, &s.Name, &s.IsActive, &s.PreventAutoExit,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query scenario: %w", err)
	}

	return &s, nil
}

// GetSteps retrieves a scenario's steps in delivery order.
func (r *Repository) GetSteps(ctx context.Context, scenarioID uuid.UUID) ([]*Step, error) {
	query := `
		SELECT id, scenario_id, step_order, delay_seconds, message,
		       transition_scenario_id, created_at
		FROM scenario_steps
		WHERE scenario_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var s Step
		err := rows.Scan(
			&s.ID, &s.ScenarioID, &s.Order, &s.DelaySeconds, &s.Message,
			&s.TransitionScenarioID, &s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	return steps, nil
}

// CreateScenario inserts a scenario together with its steps. Step delays
// must be non-decreasing in step order; the caller validates that before
// reaching the database.
func (r *Repository) CreateScenario(ctx context.Context, scenario *Scenario, steps []*Step) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO scenarios (id, owner_id, name, is_active, prevent_auto_exit)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, scenario.ID, scenario.OwnerID, scenario.Name, scenario.IsActive, scenario.PreventAutoExit,
	).Scan(&scenario.CreatedAt, &scenario.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert scenario: %w", err)
	}

	for _, step := range steps {
		err = tx.QueryRow(ctx, `
			INSERT INTO scenario_steps (id, scenario_id, step_order, delay_seconds, message, transition_scenario_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at
		`, step.ID, scenario.ID, step.Order, step.DelaySeconds, step.Message, step.TransitionScenarioID,
		).Scan(&step.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", step.Order, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("scenario created",
		zap.String("scenario_id", scenario.ID.String()),
		zap.String("name", scenario.Name),
		zap.Int("steps", len(steps)),
	)

	return nil
}

// SetScenarioActive toggles a scenario's active flag.
func (r *Repository) SetScenarioActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE scenarios SET is_active = $1, updated_at = NOW() WHERE id = $2`,
		active, id,
	)
	if err != nil {
		return fmt.Errorf("update scenario active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
