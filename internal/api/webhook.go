package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/db"
	"github.com/stepline/stepline/internal/engine"
	"github.com/stepline/stepline/internal/metrics"
	"github.com/stepline/stepline/internal/redis"
)

// webhookPayload is the envelope the messaging platform POSTs to the
// webhook endpoint.
type webhookPayload struct {
	Destination string         `json:"destination"`
	Events      []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type            string `json:"type"`
	WebhookEventID  string `json:"webhookEventId"`
	Timestamp       int64  `json:"timestamp"`
	Source          struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// Webhook handles POST /webhook/line. It always responds 200 once the
// payload is accepted; per-event failures release their dedupe claim so
// the platform's redelivery can retry them.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read body", "")
		return
	}

	if h.channelSecret != "" {
		if !verifySignature(h.channelSecret, body, r.Header.Get("X-Line-Signature")) {
			metrics.RecordWebhookEvent("unknown", "bad_signature")
			h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Signature verification failed", "")
			return
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	for _, ev := range payload.Events {
		h.handleEvent(ctx, ev)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleEvent(ctx context.Context, ev webhookEvent) {
	if ev.Source.UserID == "" {
		metrics.RecordWebhookEvent(ev.Type, "skipped")
		return
	}

	claimed := false
	if h.deduper != nil && ev.WebhookEventID != "" {
		if err := h.deduper.Claim(ctx, h.ownerID.String(), ev.WebhookEventID); err != nil {
			if errors.Is(err, redis.ErrDuplicateEvent) {
				metrics.RecordWebhookEvent(ev.Type, "duplicate")
				return
			}
			// Redis being down should not drop friend events.
			h.logger.Warn("webhook dedupe unavailable", zap.Error(err))
		} else {
			claimed = true
		}
	}

	var err error
	switch ev.Type {
	case "follow":
		err = h.handleFollow(ctx, ev)
	case "unfollow":
		err = h.handleUnfollow(ctx, ev)
	case "message":
		err = h.handleMessage(ctx, ev)
	default:
		metrics.RecordWebhookEvent(ev.Type, "ignored")
		return
	}

	if err != nil {
		h.logger.Error("webhook event failed",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("event_id", ev.WebhookEventID),
		)
		metrics.RecordWebhookEvent(ev.Type, "error")
		if claimed {
			if relErr := h.deduper.Release(ctx, h.ownerID.String(), ev.WebhookEventID); relErr != nil {
				h.logger.Warn("failed to release dedupe claim", zap.Error(relErr))
			}
		}
		return
	}

	metrics.RecordWebhookEvent(ev.Type, "ok")
}

// handleFollow registers the friend and, when a default scenario is
// configured, enrolls them into it.
func (h *Handler) handleFollow(ctx context.Context, ev webhookEvent) error {
	friend, err := h.repo.GetOrCreateFriend(ctx, h.ownerID, ev.Source.UserID, "")
	if err != nil {
		return err
	}

	h.logger.Info("friend followed",
		zap.String("friend_id", friend.ID.String()),
		zap.String("short_uid", friend.ShortUID),
	)

	if h.defaultScenario == nil {
		return nil
	}

	if _, err := h.enrollments.Enroll(ctx, friend.ID, *h.defaultScenario, db.SourceFollow); err != nil {
		// An inactive default scenario is a configuration problem, not a
		// webhook failure worth redelivering.
		if errors.Is(err, engine.ErrScenarioInactive) {
			h.logger.Warn("default scenario inactive, follow enrollment skipped",
				zap.String("scenario_id", h.defaultScenario.String()))
			return nil
		}
		return err
	}
	return nil
}

// handleUnfollow soft-deletes the friend, which exits their enrollments
// and voids any pending deliveries. A later re-follow revives the record.
func (h *Handler) handleUnfollow(ctx context.Context, ev webhookEvent) error {
	friend, err := h.repo.GetOrCreateFriend(ctx, h.ownerID, ev.Source.UserID, "")
	if err != nil {
		return err
	}
	return h.repo.SoftDeleteFriend(ctx, friend.ID)
}

// handleMessage checks inbound text messages against the invite code
// registry. Text that is not a valid code is ignored silently so normal
// chat never produces an error back to the friend.
func (h *Handler) handleMessage(ctx context.Context, ev webhookEvent) error {
	if ev.Message.Type != "text" {
		return nil
	}

	code := strings.TrimSpace(ev.Message.Text)
	if !inviteCodePattern.MatchString(code) {
		return nil
	}

	if _, err := h.invites.Resolve(ctx, code); err != nil {
		if errors.Is(err, db.ErrInvalidCode) {
			return nil
		}
		return err
	}

	friend, err := h.repo.GetOrCreateFriend(ctx, h.ownerID, ev.Source.UserID, "")
	if err != nil {
		return err
	}

	_, err = h.invites.Redeem(ctx, code, friend.ID)
	if err != nil {
		// Exhausted between resolve and redeem. Nothing to deliver, and
		// nothing to tell the friend.
		if errors.Is(err, db.ErrInvalidCode) || errors.Is(err, db.ErrCodeExhausted) {
			return nil
		}
		return err
	}

	h.logger.Info("invite code redeemed via message",
		zap.String("code", code),
		zap.String("friend_id", friend.ID.String()),
	)
	return nil
}

func verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
