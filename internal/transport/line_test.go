package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestNewLineSenderRequiresToken(t *testing.T) {
	_, err := NewLineSender(LineConfig{}, zap.NewNop())
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("NewLineSender() error = %v, want ErrNoCredentials", err)
	}
}

func TestLineSenderPush(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody pushRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	sender, err := NewLineSender(LineConfig{
		ChannelToken: "test-token",
		APIBase:      server.URL,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLineSender() error = %v", err)
	}

	err = sender.Send(context.Background(), "U1234567890", []Message{
		{Type: "text", Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotPath != "/v2/bot/message/push" {
		t.Errorf("path = %s, want /v2/bot/message/push", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("authorization = %s, want bearer token", gotAuth)
	}
	if gotBody.To != "U1234567890" {
		t.Errorf("to = %s, want U1234567890", gotBody.To)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0].Text != "hello" {
		t.Errorf("messages = %+v", gotBody.Messages)
	}
}

func TestLineSenderStatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"rate_limited", http.StatusTooManyRequests, true},
		{"server_error", http.StatusInternalServerError, true},
		{"bad_gateway", http.StatusBadGateway, true},
		{"bad_request", http.StatusBadRequest, false},
		{"forbidden", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sender, err := NewLineSender(LineConfig{
				ChannelToken: "test-token",
				APIBase:      server.URL,
			}, zap.NewNop())
			if err != nil {
				t.Fatalf("NewLineSender() error = %v", err)
			}

			sendErr := sender.Send(context.Background(), "U1", []Message{{Type: "text", Text: "hi"}})
			if sendErr == nil {
				t.Fatal("Send() error = nil, want error")
			}

			var se *SendError
			if !errors.As(sendErr, &se) {
				t.Fatalf("Send() error type = %T, want *SendError", sendErr)
			}
			if se.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", se.StatusCode, tt.status)
			}
			if IsRetryable(sendErr) != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", IsRetryable(sendErr), tt.wantRetryable)
			}
		})
	}
}

func TestLineSenderRejectsEmptyBatch(t *testing.T) {
	sender, err := NewLineSender(LineConfig{ChannelToken: "t"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLineSender() error = %v", err)
	}
	if err := sender.Send(context.Background(), "U1", nil); err == nil {
		t.Error("Send() with no messages: error = nil, want error")
	}
}

func TestIsRetryableDefaults(t *testing.T) {
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("unclassified error should be treated as transient")
	}
	if IsRetryable(ErrNoCredentials) {
		t.Error("missing credentials should not be retryable")
	}
}
