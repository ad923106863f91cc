// Package transport delivers rendered messages to the external messaging
// platform.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Message is one outbound message. Text carries plain text messages;
// Contents carries the raw JSON of rich (flex/media) messages.
type Message struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Contents json.RawMessage `json:"contents,omitempty"`
	AltText  string          `json:"altText,omitempty"`
}

// Sender pushes messages to a platform user.
type Sender interface {
	Send(ctx context.Context, platformUserID string, messages []Message) error
}

// ErrNoCredentials indicates the channel credentials are not configured.
// Every pending delivery of the owner fails terminally on this.
var ErrNoCredentials = errors.New("transport credentials not configured")

// SendError is a classified transport failure. Retryable failures (rate
// limits, upstream outages) are retried with backoff; permanent failures
// block the enrollment.
type SendError struct {
	StatusCode int
	Msg        string
	Retryable  bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (status %d, retryable %t): %s", e.StatusCode, e.Retryable, e.Msg)
}

// IsRetryable reports whether err is a transient transport failure.
// Unclassified errors (network timeouts, connection resets) count as
// transient.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNoCredentials) {
		return false
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Retryable
	}
	return true
}

// LogSender logs messages instead of delivering them, for development and
// tests.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a sender that only logs.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, platformUserID string, messages []Message) error {
	s.logger.Info("logging message (development mode)",
		zap.String("platform_user_id", platformUserID),
		zap.Int("messages", len(messages)),
	)
	return nil
}
