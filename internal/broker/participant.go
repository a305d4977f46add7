package broker

import (
	"errors"
	"fmt"
	"time"
)

// Class partitions participants into the two sides of a chat.
type Class string

// Participant classes. The values double as the store keys for the per-class
// presence collections.
const (
	ClassAgent    Class = "agent"
	ClassCustomer Class = "customer"
)

// ParseClass validates a wire-level class string.
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case ClassAgent, ClassCustomer:
		return Class(s), nil
	default:
		return "", fmt.Errorf("unknown participant class %q", s)
	}
}

// Participant is one connected agent or customer. ConnectionID identifies a
// single live connection and is the join key across presence, ledger, and
// request state.
type Participant struct {
	Class        Class             `json:"class"`
	ConnectionID string            `json:"connectionId"`
	DisplayName  string            `json:"displayName"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// RequestStatus is the lifecycle state of a ChatRequest.
type RequestStatus string

// Request lifecycle states. Accepted and Cancelled are terminal.
const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusCancelled RequestStatus = "cancelled"
)

// ChatRequest is the in-flight matching attempt for one customer. TargetID
// is the agent currently being waited on, empty when no candidate was
// available. AgentID is set once the request is Accepted.
type ChatRequest struct {
	CustomerID  string        `json:"customerId"`
	RequestedAt time.Time     `json:"requestedAt"`
	Status      RequestStatus `json:"status"`
	TargetID    string        `json:"targetId,omitempty"`
	AgentID     string        `json:"agentId,omitempty"`
}

// Sentinel outcomes of broker operations. Conflicts (already registered,
// accept after terminal) are no-op signals; the rest are caller errors.
var (
	ErrAlreadyRegistered = errors.New("participant already registered")
	ErrNotPending        = errors.New("no pending request for customer")
	ErrUnknownCustomer   = errors.New("customer is not registered")
	ErrUnknownAgent      = errors.New("agent is not eligible for this request")
	ErrNoAgentAvailable  = errors.New("no agent available")
)
