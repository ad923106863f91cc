package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.line.me"

// LineConfig holds LINE Messaging API settings.
type LineConfig struct {
	ChannelToken string
	APIBase      string // overridden in tests
	Timeout      time.Duration
}

// LineSender pushes messages through the LINE Messaging API.
type LineSender struct {
	client  *http.Client
	apiBase string
	token   string
	logger  *zap.Logger
}

// NewLineSender creates a LINE push sender.
func NewLineSender(cfg LineConfig, logger *zap.Logger) (*LineSender, error) {
	if cfg.ChannelToken == "" {
		return nil, ErrNoCredentials
	}

	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &LineSender{
		client:  &http.Client{Timeout: timeout},
		apiBase: apiBase,
		token:   cfg.ChannelToken,
		logger:  logger,
	}, nil
}

type pushRequest struct {
	To       string    `json:"to"`
	Messages []Message `json:"messages"`
}

// Send pushes up to five messages to one platform user.
//
// Status classification: 429 and 5xx are transient (rate limit, upstream
// outage); other non-2xx responses are permanent (invalid recipient, user
// blocked the account, malformed message).
func (s *LineSender) Send(ctx context.Context, platformUserID string, messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("no messages to send")
	}

	body, err := json.Marshal(pushRequest{To: platformUserID, Messages: messages})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/v2/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Msg: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Info("message pushed",
			zap.String("platform_user_id", platformUserID),
			zap.Int("messages", len(messages)),
		)
		return nil
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500

	s.logger.Warn("message push rejected",
		zap.String("platform_user_id", platformUserID),
		zap.Int("status_code", resp.StatusCode),
		zap.Bool("retryable", retryable),
		zap.String("response_preview", string(respBody)),
	)

	return &SendError{
		StatusCode: resp.StatusCode,
		Msg:        string(respBody),
		Retryable:  retryable,
	}
}
