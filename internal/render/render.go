// Package render substitutes personalization tokens into step messages
// before delivery.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stepline/stepline/internal/db"
	"github.com/stepline/stepline/internal/transport"
)

// Context carries the values available to message tokens.
type Context struct {
	Friend       *db.Friend
	ProductName  string
	ProductPrice string
}

// Message renders a step's message payload for one friend. Supported
// tokens: {display_name}, {short_uid}, {product_name}, {product_price}.
// Unknown tokens are left as-is so operator typos stay visible instead of
// silently disappearing.
func Message(payload json.RawMessage, rctx Context) (transport.Message, error) {
	var msg transport.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return transport.Message{}, fmt.Errorf("decode message payload: %w", err)
	}
	if msg.Type == "" {
		return transport.Message{}, fmt.Errorf("message payload missing type")
	}

	msg.Text = substitute(msg.Text, rctx)
	msg.AltText = substitute(msg.AltText, rctx)

	if len(msg.Contents) > 0 {
		// Rich payloads keep their JSON structure; tokens are replaced
		// inside string values with JSON-escaped substitutions.
		rendered := substituteJSON(string(msg.Contents), rctx)
		msg.Contents = json.RawMessage(rendered)
	}

	return msg, nil
}

func substitute(text string, rctx Context) string {
	if text == "" {
		return text
	}
	for token, value := range tokenValues(rctx) {
		text = strings.ReplaceAll(text, token, value)
	}
	return text
}

func substituteJSON(raw string, rctx Context) string {
	for token, value := range tokenValues(rctx) {
		raw = strings.ReplaceAll(raw, token, jsonEscape(value))
	}
	return raw
}

func tokenValues(rctx Context) map[string]string {
	values := map[string]string{
		"{product_name}":  rctx.ProductName,
		"{product_price}": rctx.ProductPrice,
	}
	if rctx.Friend != nil {
		values["{display_name}"] = rctx.Friend.DisplayName
		values["{short_uid}"] = rctx.Friend.ShortUID
	}
	return values
}

// jsonEscape escapes a substitution value for embedding inside a JSON
// string literal.
func jsonEscape(value string) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return value
	}
	return string(encoded[1 : len(encoded)-1])
}
