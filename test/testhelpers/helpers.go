// Package testhelpers provides common utilities for integration-testing the
// chatdesk server: wiring up a full broker stack over httptest, dialing
// websocket participants, and decoding pushed events.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/rhoven/chatdesk/internal/broker"
	"github.com/rhoven/chatdesk/internal/server"
	"github.com/rhoven/chatdesk/internal/store"
)

// TestOrigin is allowed by the default configuration and sent with every
// dialed connection.
const TestOrigin = "http://localhost:8080"

// Broker is a fully wired chatdesk stack listening on an httptest server.
type Broker struct {
	URL    string
	Engine *broker.Engine
	Hub    *server.Hub
}

// StartBroker wires store, engine, hub, and routes, and starts serving.
// Everything is torn down via t.Cleanup.
func StartBroker(t *testing.T, cfg broker.Config) *Broker {
	t.Helper()

	server.SetConfig(nil)
	log := zaptest.NewLogger(t)

	kv := store.NewMemory()
	hub := server.NewHub(log)
	engine := broker.NewEngine(log, kv, hub, cfg)
	hub.SetDisconnectFunc(engine.Disconnect)
	go hub.Run()

	api := server.NewAPI(log, engine, hub)
	httpServer := httptest.NewServer(server.SetupRoutes(api))

	t.Cleanup(func() {
		httpServer.Close()
		_ = hub.Shutdown(5 * time.Second)
		engine.Close()
	})

	return &Broker{
		URL:    httpServer.URL,
		Engine: engine,
		Hub:    hub,
	}
}

// Event is one decoded push envelope.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Conn is a connected websocket participant. ID carries the
// server-assigned connection id from the hello event.
type Conn struct {
	ID      string
	ws      *websocket.Conn
	pending []Event
}

// Dial connects a websocket participant and waits for its hello event.
func Dial(t *testing.T, b *Broker) *Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(b.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{TestOrigin}}
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn := &Conn{ws: ws}
	t.Cleanup(conn.Close)

	hello := conn.WaitFor(t, "hello")
	var payload struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(hello.Payload, &payload); err != nil {
		t.Fatalf("decoding hello payload: %v", err)
	}
	if payload.ConnectionID == "" {
		t.Fatal("hello event carried no connection id")
	}
	conn.ID = payload.ConnectionID
	return conn
}

// Close shuts the websocket down. Safe to call more than once.
func (c *Conn) Close() {
	_ = c.ws.Close()
}

// Send writes one inbound frame (event, target, payload) to the server.
func (c *Conn) Send(t *testing.T, event, target string, payload any) {
	t.Helper()
	frame := map[string]any{"event": event, "target": target, "payload": payload}
	if err := c.ws.WriteJSON(frame); err != nil {
		t.Fatalf("writing %s frame: %v", event, err)
	}
}

// NextEvent returns the next pushed event, waiting up to timeout. Batched
// frames (newline-separated envelopes) are split and queued.
func (c *Conn) NextEvent(t *testing.T, timeout time.Duration) (Event, bool) {
	t.Helper()

	if len(c.pending) > 0 {
		event := c.pending[0]
		c.pending = c.pending[1:]
		return event, true
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return Event{}, false
	}
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			t.Fatalf("decoding pushed event %q: %v", line, err)
		}
		c.pending = append(c.pending, event)
	}
	if len(c.pending) == 0 {
		return Event{}, false
	}
	event := c.pending[0]
	c.pending = c.pending[1:]
	return event, true
}

// WaitFor reads events until one with the wanted name arrives, failing the
// test after five seconds.
func (c *Conn) WaitFor(t *testing.T, event string) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, ok := c.NextEvent(t, time.Until(deadline))
		if !ok {
			break
		}
		if got.Event == event {
			return got
		}
	}
	t.Fatalf("timed out waiting for %q event", event)
	return Event{}
}

// AssertNoEvent fails if any event named event arrives within the window.
func (c *Conn) AssertNoEvent(t *testing.T, event string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		got, ok := c.NextEvent(t, time.Until(deadline))
		if !ok {
			return
		}
		if got.Event == event {
			t.Fatalf("unexpected %q event: %s", event, got.Payload)
		}
	}
}

// PostJSON posts body to path and decodes the JSON response.
func PostJSON(t *testing.T, b *Broker, path string, body any) (int, map[string]any) {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encoding request body: %v", err)
	}
	resp, err := http.Post(b.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding %s response: %v", path, err)
	}
	return resp.StatusCode, decoded
}

// GetJSON fetches path and decodes the JSON response into out.
func GetJSON(t *testing.T, b *Broker, path string, out any) int {
	t.Helper()

	resp, err := http.Get(b.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding %s response: %v", path, err)
	}
	return resp.StatusCode
}

// Join registers a connected participant over the REST API.
func Join(t *testing.T, b *Broker, class string, conn *Conn, name string) {
	t.Helper()
	status, body := PostJSON(t, b, "/join", map[string]any{
		"class":        class,
		"connectionId": conn.ID,
		"name":         name,
	})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("join %s %q failed: status=%d body=%v", class, name, status, body)
	}
}
