package db

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const shortUIDAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"
const shortUIDLength = 8

// newShortUID generates a human-shareable alias. Ambiguous characters
// (0/o, 1/l/i) are excluded from the alphabet.
func newShortUID() (string, error) {
	buf := make([]byte, shortUIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = shortUIDAlphabet[int(b)%len(shortUIDAlphabet)]
	}
	return string(buf), nil
}

// GetOrCreateFriend upserts a friend by (owner, platform user id). A
// known display name refreshes the stored one; a re-follow revives a
// soft-deleted record with its original short UID. A fresh short UID is
// assigned on first creation; the insert retries on the rare alias
// collision.
func (r *Repository) GetOrCreateFriend(ctx context.Context, ownerID uuid.UUID, platformUserID, displayName string) (*Friend, error) {
	query := `
		INSERT INTO friends (id, owner_id, platform_user_id, display_name, short_uid)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, platform_user_id) DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name <> ''
		                        THEN EXCLUDED.display_name
		                        ELSE friends.display_name END,
		    deleted_at = NULL,
		    updated_at = NOW()
		RETURNING id, owner_id, platform_user_id, display_name, short_uid,
		          deleted_at, created_at, updated_at
	`

	var lastErr error
	for try := 0; try < 3; try++ {
		shortUID, err := newShortUID()
		if err != nil {
			return nil, err
		}

		var f Friend
		err = r.db.Pool().QueryRow(ctx, query,
			uuid.New(), ownerID, platformUserID, displayName, shortUID,
		).Scan(
			&f.ID, &f.OwnerID, &f.PlatformUserID, &f.DisplayName, &f.ShortUID,
			&f.DeletedAt, &f.CreatedAt, &f.UpdatedAt,
		)
		if err == nil {
			return &f, nil
		}
		if !isUniqueViolation(err) {
			r.logger.Error("failed to upsert friend",
				zap.Error(err),
				zap.String("platform_user_id", platformUserID),
			)
			return nil, fmt.Errorf("upsert friend: %w", err)
		}
		// short UID collision, pick another alias
		lastErr = err
	}

	return nil, fmt.Errorf("upsert friend: %w", lastErr)
}

// GetFriend retrieves a friend by ID.
func (r *Repository) GetFriend(ctx context.Context, id uuid.UUID) (*Friend, error) {
	query := `
		SELECT id, owner_id, platform_user_id, display_name, short_uid,
		       deleted_at, created_at, updated_at
		FROM friends
		WHERE id = $1 AND deleted_at IS NULL
	`

	var f Friend
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&f.ID, &f.OwnerID, &f.PlatformUserID, &f.DisplayName, &f.ShortUID,
		&f.DeletedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query friend: %w", err)
	}

	return &f, nil
}

// GetFriendByShortUID retrieves a friend by the short alias, case-insensitive.
func (r *Repository) GetFriendByShortUID(ctx context.Context, ownerID uuid.UUID, shortUID string) (*Friend, error) {
	query := `
		SELECT id, owner_id, platform_user_id, display_name, short_uid,
		       deleted_at, created_at, updated_at
		FROM friends
		WHERE owner_id = $1 AND LOWER(short_uid) = LOWER($2) AND deleted_at IS NULL
	`

	var f Friend
	err := r.db.Pool().QueryRow(ctx, query, ownerID, shortUID).Scan(
		&f.ID, &f.OwnerID, &f.PlatformUserID, &f.DisplayName, &f.ShortUID,
		&f.DeletedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query friend by short uid: %w", err)
	}

	return &f, nil
}

// SoftDeleteFriend marks a friend deleted and cascades an exit to all of
// their active enrollments.
func (r *Repository) SoftDeleteFriend(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx,
		`UPDATE friends SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("soft delete friend: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	rows, err := tx.Query(ctx, `
		UPDATE enrollments
		SET status = $1, exit_reason = $2, exited_at = NOW(), updated_at = NOW()
		WHERE friend_id = $3 AND status = $4
		RETURNING id
	`, EnrollmentExited, ExitReasonCascaded, id, EnrollmentActive)
	if err != nil {
		return fmt.Errorf("cascade exit enrollments: %w", err)
	}
	var exited []uuid.UUID
	for rows.Next() {
		var eid uuid.UUID
		if err := rows.Scan(&eid); err != nil {
			rows.Close()
			return fmt.Errorf("scan exited enrollment: %w", err)
		}
		exited = append(exited, eid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate exited enrollments: %w", err)
	}

	for _, eid := range exited {
		if err := skipPendingAttemptsTx(ctx, tx, eid); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("friend soft deleted",
		zap.String("friend_id", id.String()),
		zap.Int("enrollments_exited", len(exited)),
	)

	return nil
}
