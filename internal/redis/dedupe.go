package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// eventTTL is how long processed webhook event IDs are retained. The
// platform redelivers webhook events for up to an hour after a timeout, so
// the guard must outlive that window.
const eventTTL = 2 * time.Hour

// ErrDuplicateEvent indicates the webhook event was already processed.
var ErrDuplicateEvent = errors.New("webhook event already processed")

// Deduper suppresses webhook event redeliveries using a SET NX guard per
// event ID. A friend re-scanning a QR code while the platform also retries
// the webhook must trigger at most one enrollment request.
type Deduper struct {
	client *Client
	logger *zap.Logger
}

// NewDeduper creates a webhook event deduper.
func NewDeduper(client *Client, logger *zap.Logger) *Deduper {
	return &Deduper{
		client: client,
		logger: logger,
	}
}

func (d *Deduper) buildKey(ownerID, eventID string) string {
	return fmt.Sprintf("webhook_event:%s:%s", ownerID, eventID)
}

// Claim atomically claims an event ID. Returns ErrDuplicateEvent when
// another delivery of the same event already claimed it.
func (d *Deduper) Claim(ctx context.Context, ownerID, eventID string) error {
	key := d.buildKey(ownerID, eventID)

	set, err := d.client.rdb.SetNX(ctx, key, "1", eventTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		d.logger.Debug("duplicate webhook event suppressed",
			zap.String("owner_id", ownerID),
			zap.String("event_id", eventID),
		)
		return ErrDuplicateEvent
	}

	return nil
}

// Release drops a claim so a failed event can be retried by the next
// redelivery.
func (d *Deduper) Release(ctx context.Context, ownerID, eventID string) error {
	key := d.buildKey(ownerID, eventID)

	if err := d.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
