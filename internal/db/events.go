package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func appendFriendEventTx(ctx context.Context, tx pgx.Tx, friendID uuid.UUID, enrollmentID *uuid.UUID, eventType string, detail *string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO friend_events (id, friend_id, enrollment_id, event_type, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), friendID, enrollmentID, eventType, detail)
	if err != nil {
		return fmt.Errorf("insert friend event: %w", err)
	}
	return nil
}

// AppendFriendEvent records a standalone friend event outside a
// transaction, e.g. message_sent from the executor.
func (r *Repository) AppendFriendEvent(ctx context.Context, friendID uuid.UUID, enrollmentID *uuid.UUID, eventType string, detail *string) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO friend_events (id, friend_id, enrollment_id, event_type, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), friendID, enrollmentID, eventType, detail)
	if err != nil {
		return fmt.Errorf("insert friend event: %w", err)
	}
	return nil
}

// ListFriendEvents retrieves a friend's activity log, newest first.
func (r *Repository) ListFriendEvents(ctx context.Context, friendID uuid.UUID, limit int) ([]*FriendEvent, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, friend_id, enrollment_id, event_type, detail, created_at
		FROM friend_events
		WHERE friend_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, friendID, limit)
	if err != nil {
		return nil, fmt.Errorf("query friend events: %w", err)
	}
	defer rows.Close()

	var events []*FriendEvent
	for rows.Next() {
		var ev FriendEvent
		err := rows.Scan(&ev.ID, &ev.FriendID, &ev.EnrollmentID, &ev.EventType, &ev.Detail, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan friend event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friend events: %w", err)
	}

	return events, nil
}
