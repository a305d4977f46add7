// Package server defines the wire envelopes and shared helpers that are
// reused across client and hub logic.
package server

import (
	"encoding/json"
	"strings"
)

// Envelope is the outbound push format: every event delivered to a
// connection is a JSON object carrying the event name and its payload.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// HelloPayload is sent to a connection right after the upgrade so the peer
// learns its server-assigned connection id.
type HelloPayload struct {
	ConnectionID string `json:"connectionId"`
}

// clientFrame is the inbound websocket message format. Target names the
// counterpart connection for relayed events.
type clientFrame struct {
	Event   string          `json:"event"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// RelayTyping is pushed to a counterpart when the other side starts or
// stops typing.
type RelayTyping struct {
	From   string `json:"from"`
	Typing bool   `json:"typing"`
}

// RelayMessage carries one chat line between matched parties. Content is
// relayed best-effort and never persisted.
type RelayMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
