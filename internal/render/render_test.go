package render

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stepline/stepline/internal/db"
)

func testContext() Context {
	return Context{
		Friend: &db.Friend{
			DisplayName: "Hanako",
			ShortUID:    "xyz78abc",
		},
		ProductName:  "Premium Plan",
		ProductPrice: "9,800 yen",
	}
}

func TestMessageSubstitutesTextTokens(t *testing.T) {
	payload := json.RawMessage(`{"type":"text","text":"Hi {display_name}, {product_name} is {product_price}. Your ID: {short_uid}"}`)

	msg, err := Message(payload, testContext())
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}

	want := "Hi Hanako, Premium Plan is 9,800 yen. Your ID: xyz78abc"
	if msg.Text != want {
		t.Errorf("text = %q, want %q", msg.Text, want)
	}
}

func TestMessageLeavesUnknownTokens(t *testing.T) {
	payload := json.RawMessage(`{"type":"text","text":"Hello {displya_name}"}`)

	msg, err := Message(payload, testContext())
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}

	// Typos must stay visible to the operator, not vanish.
	if msg.Text != "Hello {displya_name}" {
		t.Errorf("text = %q, want unknown token preserved", msg.Text)
	}
}

func TestMessageSubstitutesFlexContents(t *testing.T) {
	payload := json.RawMessage(`{"type":"flex","altText":"Offer for {display_name}","contents":{"type":"bubble","body":{"text":"{product_name}"}}}`)

	msg, err := Message(payload, testContext())
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}

	if msg.AltText != "Offer for Hanako" {
		t.Errorf("altText = %q", msg.AltText)
	}
	if !json.Valid(msg.Contents) {
		t.Fatalf("contents no longer valid JSON: %s", msg.Contents)
	}
	if !strings.Contains(string(msg.Contents), "Premium Plan") {
		t.Errorf("contents = %s, missing substituted product name", msg.Contents)
	}
}

func TestMessageEscapesSubstitutionInsideContents(t *testing.T) {
	rctx := testContext()
	rctx.Friend.DisplayName = `Quo"te`
	payload := json.RawMessage(`{"type":"flex","altText":"x","contents":{"type":"bubble","body":{"text":"{display_name}"}}}`)

	msg, err := Message(payload, rctx)
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if !json.Valid(msg.Contents) {
		t.Errorf("contents broken by unescaped quote: %s", msg.Contents)
	}
}

func TestMessageRejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"malformed_json", `{"type":"text","text":`},
		{"missing_type", `{"text":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Message(json.RawMessage(tt.payload), testContext()); err == nil {
				t.Error("Message() error = nil, want error")
			}
		})
	}
}

func TestMessageWithoutFriendKeepsFriendTokens(t *testing.T) {
	payload := json.RawMessage(`{"type":"text","text":"Hi {display_name}"}`)

	msg, err := Message(payload, Context{ProductName: "Premium Plan"})
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if msg.Text != "Hi {display_name}" {
		t.Errorf("text = %q, want friend token preserved without friend context", msg.Text)
	}
}
