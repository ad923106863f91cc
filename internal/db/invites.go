package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateInviteCode inserts a new invite code.
func (r *Repository) CreateInviteCode(ctx context.Context, invite *InviteCode) error {
	query := `
		INSERT INTO invite_codes (code, owner_id, scenario_id, is_active, max_usage)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING usage_count, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		invite.Code, invite.OwnerID, invite.ScenarioID, invite.IsActive, invite.MaxUsage,
	).Scan(&invite.UsageCount, &invite.CreatedAt, &invite.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invite code %q already exists", invite.Code)
		}
		return fmt.Errorf("insert invite code: %w", err)
	}

	r.logger.Info("invite code created",
		zap.String("code", invite.Code),
		zap.String("scenario_id", invite.ScenarioID.String()),
	)

	return nil
}

// GetInviteCode retrieves an invite code row.
func (r *Repository) GetInviteCode(ctx context.Context, code string) (*InviteCode, error) {
	query := `
		SELECT code, owner_id, scenario_id, is_active, usage_count, max_usage,
		       created_at, updated_at
		FROM invite_codes
		WHERE code = $1
	`

	var inv InviteCode
	err := r.db.Pool().QueryRow(ctx, query, code).Scan(
		&inv.Code, &inv.OwnerID, &inv.ScenarioID, &inv.IsActive,
		&inv.UsageCount, &inv.MaxUsage, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query invite code: %w", err)
	}

	return &inv, nil
}

// DeactivateInviteCode turns an invite code off.
func (r *Repository) DeactivateInviteCode(ctx context.Context, code string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE invite_codes SET is_active = FALSE, updated_at = NOW() WHERE code = $1`,
		code,
	)
	if err != nil {
		return fmt.Errorf("deactivate invite code: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidCode
	}

	r.logger.Info("invite code deactivated", zap.String("code", code))

	return nil
}

// RedeemInviteCode consumes one use of an invite code in a single
// compare-and-increment statement. Reaching max usage deactivates the code
// in the same write, so concurrent redemptions of a single-use code leave
// exactly one winner.
func (r *Repository) RedeemInviteCode(ctx context.Context, code string) (*InviteCode, error) {
	query := `
		UPDATE invite_codes
		SET usage_count = usage_count + 1,
		    is_active = (max_usage IS NULL OR usage_count + 1 < max_usage),
		    updated_at = NOW()
		WHERE code = $1
		  AND is_active
		  AND (max_usage IS NULL OR usage_count < max_usage)
		RETURNING code, owner_id, scenario_id, is_active, usage_count, max_usage,
		          created_at, updated_at
	`

	var inv InviteCode
	err := r.db.Pool().QueryRow(ctx, query, code).Scan(
		&inv.Code, &inv.OwnerID, &inv.ScenarioID, &inv.IsActive,
		&inv.UsageCount, &inv.MaxUsage, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err == nil {
		r.logger.Info("invite code redeemed",
			zap.String("code", inv.Code),
			zap.Int("usage_count", inv.UsageCount),
			zap.Bool("still_active", inv.IsActive),
		)
		return &inv, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("redeem invite code: %w", err)
	}

	// The guarded update matched nothing. Look at the row to say why.
	existing, lookupErr := r.GetInviteCode(ctx, code)
	if lookupErr != nil {
		return nil, ErrInvalidCode
	}
	if existing.IsActive && existing.MaxUsage != nil && existing.UsageCount >= *existing.MaxUsage {
		return nil, ErrCodeExhausted
	}
	if !existing.IsActive && existing.MaxUsage != nil && existing.UsageCount >= *existing.MaxUsage {
		// Lost a race against the redemption that consumed the last use.
		return nil, ErrCodeExhausted
	}
	return nil, ErrInvalidCode
}
