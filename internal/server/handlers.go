// Package server exposes the HTTP handlers: WebSocket upgrades, the broker
// request API, availability listings, and health checks.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rhoven/chatdesk/internal/broker"
)

// API bundles the handlers with their collaborators: the matching engine
// for broker operations and the hub for connection upgrades.
type API struct {
	log      *zap.Logger
	engine   *broker.Engine
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewAPI constructs the HTTP handler set.
func NewAPI(log *zap.Logger, engine *broker.Engine, hub *Hub) *API {
	api := &API{
		log:    log,
		engine: engine,
		hub:    hub,
	}
	api.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if isOriginAllowed(r) {
				return true
			}
			log.Warn("blocked websocket connection from disallowed origin",
				zap.String("origin", r.Header.Get("Origin")))
			return false
		},
	}
	return api
}

type joinRequest struct {
	Class        string            `json:"class"`
	ConnectionID string            `json:"connectionId"`
	Name         string            `json:"name"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

type chatRequestBody struct {
	CustomerID string            `json:"customerId"`
	Name       string            `json:"name,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

type acceptRequestBody struct {
	CustomerID string `json:"customerId"`
	AgentID    string `json:"agentId"`
}

type cancelRequestBody struct {
	CustomerID string `json:"customerId"`
}

type declineRequestBody struct {
	CustomerID string `json:"customerId"`
	AgentID    string `json:"agentId"`
}

type apiResponse struct {
	Success     bool   `json:"success"`
	TargetAgent string `json:"targetAgent,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Join registers a participant for an already-open connection.
func (a *API) Join(w http.ResponseWriter, r *http.Request) {
	var body joinRequest
	if !a.decode(w, r, &body) {
		return
	}
	class, err := broker.ParseClass(body.Class)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, apiResponse{Error: "unknown-class"})
		return
	}
	if body.ConnectionID == "" {
		a.writeJSON(w, http.StatusBadRequest, apiResponse{Error: "missing-connection-id"})
		return
	}

	err = a.engine.Join(r.Context(), broker.Participant{
		Class:        class,
		ConnectionID: body.ConnectionID,
		DisplayName:  body.Name,
		Attributes:   body.Attrs,
	})
	a.writeOutcome(w, apiResponse{Success: true}, err)
}

// SendRequest opens (or re-reports) a customer's chat request. A customer
// that has not joined yet is registered on the fly using the supplied name.
func (a *API) SendRequest(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if !a.decode(w, r, &body) {
		return
	}
	if body.CustomerID == "" {
		a.writeJSON(w, http.StatusBadRequest, apiResponse{Error: "missing-customer-id"})
		return
	}

	if body.Name != "" {
		err := a.engine.Join(r.Context(), broker.Participant{
			Class:        broker.ClassCustomer,
			ConnectionID: body.CustomerID,
			DisplayName:  body.Name,
			Attributes:   body.Attrs,
		})
		if err != nil && !errors.Is(err, broker.ErrAlreadyRegistered) {
			a.writeOutcome(w, apiResponse{}, err)
			return
		}
	}

	target, err := a.engine.RequestChat(r.Context(), body.CustomerID)
	a.writeOutcome(w, apiResponse{Success: true, TargetAgent: target}, err)
}

// AcceptRequest matches an offered agent with the requesting customer.
func (a *API) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	var body acceptRequestBody
	if !a.decode(w, r, &body) {
		return
	}
	err := a.engine.Accept(r.Context(), body.CustomerID, body.AgentID)
	a.writeOutcome(w, apiResponse{Success: true}, err)
}

// CancelRequest ends a customer's pending request.
func (a *API) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var body cancelRequestBody
	if !a.decode(w, r, &body) {
		return
	}
	err := a.engine.Cancel(r.Context(), body.CustomerID)
	a.writeOutcome(w, apiResponse{Success: true}, err)
}

// DeclineRequest lets the currently-offered agent pass; the offer advances
// to the next candidate without cancelling the request.
func (a *API) DeclineRequest(w http.ResponseWriter, r *http.Request) {
	var body declineRequestBody
	if !a.decode(w, r, &body) {
		return
	}
	err := a.engine.Decline(r.Context(), body.CustomerID, body.AgentID)
	a.writeOutcome(w, apiResponse{Success: true}, err)
}

// ListParticipants returns the registered participants of one class in
// join order.
func (a *API) ListParticipants(w http.ResponseWriter, r *http.Request) {
	class, err := broker.ParseClass(mux.Vars(r)["class"])
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, apiResponse{Error: "unknown-class"})
		return
	}
	participants, err := a.engine.ListParticipants(r.Context(), class)
	if err != nil {
		a.log.Error("listing participants failed", zap.Error(err))
		a.writeJSON(w, http.StatusServiceUnavailable, apiResponse{Error: "store-unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, participants)
}

// WebSocket upgrades the connection, assigns it a connection id, and hands
// it to the hub. The id reaches the peer in the hello event.
func (a *API) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, a.hub, uuid.NewString(), r.RemoteAddr)

	// Register the client with the hub; the hub will launch the pump
	// goroutines and send the hello event.
	a.hub.register <- client
}

// Health provides a simple health check endpoint that returns server status.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatdesk server is running!")
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		a.writeJSON(w, http.StatusBadRequest, apiResponse{Error: "invalid-body"})
		return false
	}
	return true
}

// writeOutcome maps broker results onto the wire contract. Conflicts and
// the empty agent pool are expected outcomes delivered with 200; unknown
// requests are 404; anything else means the store failed us.
func (a *API) writeOutcome(w http.ResponseWriter, ok apiResponse, err error) {
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, ok)
	case errors.Is(err, broker.ErrAlreadyRegistered):
		a.writeJSON(w, http.StatusOK, apiResponse{Error: "already-registered"})
	case errors.Is(err, broker.ErrNoAgentAvailable):
		a.writeJSON(w, http.StatusOK, apiResponse{Error: "no-agent-available"})
	case errors.Is(err, broker.ErrNotPending):
		a.writeJSON(w, http.StatusNotFound, apiResponse{Error: "not-pending"})
	case errors.Is(err, broker.ErrUnknownCustomer):
		a.writeJSON(w, http.StatusNotFound, apiResponse{Error: "unknown-customer"})
	case errors.Is(err, broker.ErrUnknownAgent):
		a.writeJSON(w, http.StatusNotFound, apiResponse{Error: "unknown-agent"})
	default:
		a.log.Error("broker operation failed", zap.Error(err))
		a.writeJSON(w, http.StatusServiceUnavailable, apiResponse{Error: "store-unavailable"})
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn("error writing response", zap.Error(err))
	}
}
