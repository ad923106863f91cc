package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/db"
	"github.com/stepline/stepline/internal/metrics"
)

// Resolver maps invite codes to scenarios and turns redemptions into
// enrollment requests.
type Resolver struct {
	store   Store
	manager *Manager
	logger  *zap.Logger
}

// NewResolver creates an invite resolver.
func NewResolver(store Store, manager *Manager, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:   store,
		manager: manager,
		logger:  logger,
	}
}

// Resolve looks up an active invite code without consuming a use.
func (r *Resolver) Resolve(ctx context.Context, code string) (*db.InviteCode, error) {
	invite, err := r.store.GetInviteCode(ctx, code)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, db.ErrInvalidCode
		}
		return nil, fmt.Errorf("resolve invite code: %w", err)
	}
	if !invite.IsActive {
		return nil, db.ErrInvalidCode
	}
	return invite, nil
}

// Redeem consumes one use of the code and enrolls the friend into the
// code's scenario. The usage increment and max-usage check are one atomic
// write, so concurrent redemptions of a single-use code leave exactly one
// winner; losers get db.ErrCodeExhausted.
func (r *Resolver) Redeem(ctx context.Context, code string, friendID uuid.UUID) (*db.Enrollment, error) {
	invite, err := r.store.RedeemInviteCode(ctx, code)
	if err != nil {
		metrics.RecordInviteRedemption("rejected")
		return nil, err
	}

	enrollment, err := r.manager.Enroll(ctx, friendID, invite.ScenarioID, db.SourceInvite)
	if err != nil {
		// The use is already consumed; surface the enrollment failure but
		// leave an audit trail.
		r.logger.Warn("invite redeemed but enrollment failed",
			zap.Error(err),
			zap.String("code", code),
			zap.String("friend_id", friendID.String()),
		)
		metrics.RecordInviteRedemption("enroll_failed")
		return nil, err
	}

	metrics.RecordInviteRedemption("accepted")

	return enrollment, nil
}
