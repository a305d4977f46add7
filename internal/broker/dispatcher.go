package broker

// Push event names. These are part of the wire contract with connected
// widgets and agent consoles.
const (
	EventHello            = "hello"
	EventChatRequest      = "chat-request"
	EventMatched          = "matched"
	EventNoAgentAvailable = "no-agent-available"
	EventRequestCancelled = "request-cancelled"
	EventTyping           = "typing"
	EventMessage          = "message"
)

// Dispatcher delivers an event to one participant's live connection.
// Delivery is fire-and-forget: if the connection is gone the event is
// dropped and Push reports false, which the engine folds into candidate
// advancement. There is no queueing and no replay on reconnect.
type Dispatcher interface {
	Push(connectionID, event string, payload any) bool
	IsLive(connectionID string) bool
}

// ChatRequestEvent is the payload pushed to an agent when a customer's
// request is offered to them.
type ChatRequestEvent struct {
	CustomerID  string            `json:"customerId"`
	DisplayName string            `json:"displayName"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// MatchedEvent is the session handshake pushed to both parties on accept.
type MatchedEvent struct {
	CounterpartID   string `json:"counterpartId"`
	CounterpartName string `json:"counterpartName"`
}

// CancelledEvent tells an agent that an offered request is gone and who
// ended it: "customer", "disconnect", or "matched" (another agent took it).
type CancelledEvent struct {
	CustomerID string `json:"customerId"`
	By         string `json:"by"`
}
