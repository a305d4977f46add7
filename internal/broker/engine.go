package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rhoven/chatdesk/internal/store"
)

const requestSuffix = ":request"

// Config carries the matching policies that vary between deployments.
type Config struct {
	// ResponseTimeout bounds how long an offered agent may sit on a
	// chat-request before the engine advances past them. Zero disables
	// timeout-driven advancement.
	ResponseTimeout time.Duration
	// AutoRequestOnJoin makes a customer join immediately trigger a chat
	// request, for widgets that open the search as soon as the visitor
	// connects.
	AutoRequestOnJoin bool
}

// Engine orchestrates the matching state machine: registering participants,
// offering a customer's request to agents in presence order, advancing on
// decline, timeout, or dead connection, and tearing state down on
// disconnect.
//
// All state lives in the durable store. Mutations for one customer are
// serialized through a per-customer mutex; different customers proceed in
// parallel.
type Engine struct {
	log      *zap.Logger
	kv       store.KV
	presence *Presence
	ledger   *Ledger
	dispatch Dispatcher
	cfg      Config

	mu     sync.Mutex
	locks  map[string]*customerLock
	timers map[string]*time.Timer
	closed bool
}

// customerLock is one entry in the per-customer lock map. refs counts the
// holder plus every waiter, so the entry is only reclaimed once nobody can
// still be holding the mutex pointer.
type customerLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine wires an Engine over the store and dispatcher.
func NewEngine(log *zap.Logger, kv store.KV, dispatch Dispatcher, cfg Config) *Engine {
	return &Engine{
		log:      log,
		kv:       kv,
		presence: NewPresence(kv),
		ledger:   NewLedger(kv),
		dispatch: dispatch,
		cfg:      cfg,
		locks:    make(map[string]*customerLock),
		timers:   make(map[string]*time.Timer),
	}
}

// Close stops all outstanding response timers. Requests stay in the store;
// a restarted engine picks them up through Reconcile and re-requests.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for customerID, timer := range e.timers {
		timer.Stop()
		delete(e.timers, customerID)
	}
}

// Join registers a participant. A duplicate connection id for the same
// class returns ErrAlreadyRegistered and changes nothing. An agent joining
// re-scans pending requests that have no reachable target; a customer
// joining may auto-trigger a request depending on policy.
func (e *Engine) Join(ctx context.Context, participant Participant) error {
	added, err := e.presence.Register(ctx, participant)
	if err != nil {
		return err
	}
	if !added {
		return ErrAlreadyRegistered
	}
	e.log.Info("participant joined",
		zap.String("class", string(participant.Class)),
		zap.String("connectionId", participant.ConnectionID),
		zap.String("displayName", participant.DisplayName))

	switch participant.Class {
	case ClassAgent:
		if err := e.rescanPending(ctx); err != nil {
			e.log.Warn("pending request re-scan failed", zap.Error(err))
		}
	case ClassCustomer:
		if e.cfg.AutoRequestOnJoin {
			if _, err := e.RequestChat(ctx, participant.ConnectionID); err != nil && !errors.Is(err, ErrNoAgentAvailable) {
				return err
			}
		}
	}
	return nil
}

// RequestChat opens (or re-reports) the customer's pending request and
// offers it to the first eligible agent. The customer must have joined
// first; an unregistered id gets ErrUnknownCustomer and no request record.
// While a request is already Pending the call is a no-op that returns the
// current target. When no agent can be reached the request stays Pending
// with no target, the customer is sent no-agent-available, and
// ErrNoAgentAvailable is returned.
func (e *Engine) RequestChat(ctx context.Context, customerID string) (string, error) {
	unlock := e.lockCustomer(customerID)
	defer unlock()

	_, found, err := e.presence.Get(ctx, ClassCustomer, customerID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrUnknownCustomer
	}

	req, err := e.loadRequest(ctx, customerID)
	if err != nil {
		return "", err
	}
	if req != nil && req.Status == StatusPending {
		return req.TargetID, nil
	}

	req = &ChatRequest{
		CustomerID:  customerID,
		RequestedAt: time.Now().UTC(),
		Status:      StatusPending,
	}
	if err := e.saveRequest(ctx, req); err != nil {
		return "", err
	}

	target, err := e.advanceLocked(ctx, req)
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", ErrNoAgentAvailable
	}
	return target, nil
}

// Accept transitions the customer's pending request to Accepted on behalf
// of agentID. Any previously-offered agent may accept, not only the most
// recent; this absorbs the race where an earlier agent answers after the
// engine has already moved on. Both parties must still be registered.
// Accepting an already-accepted request by the same agent is a no-op.
func (e *Engine) Accept(ctx context.Context, customerID, agentID string) error {
	unlock := e.lockCustomer(customerID)
	defer unlock()

	req, err := e.loadRequest(ctx, customerID)
	if err != nil {
		return err
	}
	if req == nil || req.Status == StatusCancelled {
		return ErrNotPending
	}
	if req.Status == StatusAccepted {
		if req.AgentID == agentID {
			return nil
		}
		return ErrNotPending
	}

	attempted, err := e.ledger.AttemptedAgents(ctx, customerID)
	if err != nil {
		return err
	}
	if !slices.Contains(attempted, agentID) {
		return ErrUnknownAgent
	}

	// Both parties must still be registered before anything is committed;
	// a match with a vanished participant would hand out empty names and a
	// dead counterpart.
	customer, found, err := e.presence.Get(ctx, ClassCustomer, customerID)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownCustomer
	}
	agent, found, err := e.presence.Get(ctx, ClassAgent, agentID)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownAgent
	}

	previousTarget := req.TargetID
	req.Status = StatusAccepted
	req.AgentID = agentID
	req.TargetID = ""
	if err := e.saveRequest(ctx, req); err != nil {
		return err
	}
	e.stopTimer(customerID)
	if err := e.ledger.Clear(ctx, customerID); err != nil {
		return err
	}

	e.dispatch.Push(customerID, EventMatched, MatchedEvent{
		CounterpartID:   agentID,
		CounterpartName: agent.DisplayName,
	})
	e.dispatch.Push(agentID, EventMatched, MatchedEvent{
		CounterpartID:   customerID,
		CounterpartName: customer.DisplayName,
	})
	if previousTarget != "" && previousTarget != agentID {
		e.dispatch.Push(previousTarget, EventRequestCancelled, CancelledEvent{
			CustomerID: customerID,
			By:         "matched",
		})
	}

	e.log.Info("request matched",
		zap.String("customerId", customerID),
		zap.String("agentId", agentID))
	return nil
}

// Cancel ends the customer's pending request. The agent currently holding
// the offer, if any, is told the request is gone.
func (e *Engine) Cancel(ctx context.Context, customerID string) error {
	unlock := e.lockCustomer(customerID)
	defer unlock()
	return e.cancelLocked(ctx, customerID, "customer")
}

func (e *Engine) cancelLocked(ctx context.Context, customerID, by string) error {
	req, err := e.loadRequest(ctx, customerID)
	if err != nil {
		return err
	}
	if req == nil || req.Status != StatusPending {
		return ErrNotPending
	}

	target := req.TargetID
	req.Status = StatusCancelled
	req.TargetID = ""
	if err := e.saveRequest(ctx, req); err != nil {
		return err
	}
	e.stopTimer(customerID)
	if err := e.ledger.Clear(ctx, customerID); err != nil {
		return err
	}
	if target != "" {
		e.dispatch.Push(target, EventRequestCancelled, CancelledEvent{
			CustomerID: customerID,
			By:         by,
		})
	}
	e.log.Info("request cancelled",
		zap.String("customerId", customerID),
		zap.String("by", by))
	return nil
}

// Decline lets the currently-offered agent pass on a request. The request
// stays Pending and the offer moves to the next candidate. A decline from
// an agent that is no longer the current target is a no-op.
func (e *Engine) Decline(ctx context.Context, customerID, agentID string) error {
	unlock := e.lockCustomer(customerID)
	defer unlock()

	req, err := e.loadRequest(ctx, customerID)
	if err != nil {
		return err
	}
	if req == nil || req.Status != StatusPending {
		return ErrNotPending
	}
	if req.TargetID != agentID {
		return nil
	}

	e.stopTimer(customerID)
	e.log.Info("request declined",
		zap.String("customerId", customerID),
		zap.String("agentId", agentID))
	_, err = e.advanceLocked(ctx, req)
	return err
}

// Disconnect tears down everything keyed by a closed connection: presence,
// attempt list, request record. A customer disconnect cancels their pending
// request; an agent disconnect advances every pending request currently
// targeting them.
func (e *Engine) Disconnect(ctx context.Context, connectionID string) error {
	removedAgent, err := e.presence.Remove(ctx, ClassAgent, connectionID)
	if err != nil {
		return err
	}
	removedCustomer, err := e.presence.Remove(ctx, ClassCustomer, connectionID)
	if err != nil {
		return err
	}
	if removedAgent || removedCustomer {
		e.log.Info("participant disconnected",
			zap.String("connectionId", connectionID),
			zap.Bool("agent", removedAgent),
			zap.Bool("customer", removedCustomer))
	}

	if removedAgent {
		if err := e.agentGone(ctx, connectionID); err != nil {
			return err
		}
	}
	return e.customerGone(ctx, connectionID)
}

// customerGone cancels any pending request owned by the connection and
// destroys its request and attempt records.
func (e *Engine) customerGone(ctx context.Context, customerID string) error {
	unlock := e.lockCustomer(customerID)
	defer unlock()

	req, err := e.loadRequest(ctx, customerID)
	if err != nil {
		return err
	}
	if req != nil && req.Status == StatusPending {
		if err := e.cancelLocked(ctx, customerID, "disconnect"); err != nil && !errors.Is(err, ErrNotPending) {
			return err
		}
	}
	e.stopTimer(customerID)
	if err := e.ledger.Clear(ctx, customerID); err != nil {
		return err
	}
	if err := e.kv.Delete(ctx, customerID+requestSuffix); err != nil {
		return err
	}
	return nil
}

// agentGone advances every pending request whose current target is the
// departed agent.
func (e *Engine) agentGone(ctx context.Context, agentID string) error {
	customers, err := e.ledger.ReverseAttempts(ctx, agentID)
	if err != nil {
		return err
	}
	for _, customerID := range customers {
		unlock := e.lockCustomer(customerID)
		req, err := e.loadRequest(ctx, customerID)
		if err != nil {
			unlock()
			return err
		}
		if req != nil && req.Status == StatusPending && req.TargetID == agentID {
			e.stopTimer(customerID)
			if _, err := e.advanceLocked(ctx, req); err != nil {
				unlock()
				return err
			}
		}
		unlock()
	}
	return nil
}

// Reconcile drops presence entries whose connection is no longer live,
// running the full disconnect path for each so dependent requests advance.
// Useful at startup, when the store may hold entries from a previous
// process.
func (e *Engine) Reconcile(ctx context.Context) error {
	for _, class := range []Class{ClassAgent, ClassCustomer} {
		members, err := e.presence.List(ctx, class)
		if err != nil {
			return err
		}
		for _, member := range members {
			if e.dispatch.IsLive(member.ConnectionID) {
				continue
			}
			e.log.Info("reconcile dropping dead presence entry",
				zap.String("class", string(class)),
				zap.String("connectionId", member.ConnectionID))
			if err := e.Disconnect(ctx, member.ConnectionID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListParticipants returns the registered participants of a class in join
// order.
func (e *Engine) ListParticipants(ctx context.Context, class Class) ([]Participant, error) {
	members, err := e.presence.List(ctx, class)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []Participant{}
	}
	return members, nil
}

// advanceLocked walks the untried agents in presence order, records each
// attempt before pushing, and stops at the first delivered offer. The
// caller must hold the customer's lock. It returns the agent the offer
// landed with, or "" when every candidate was exhausted (the customer is
// then told no agent is available and the request stays Pending).
func (e *Engine) advanceLocked(ctx context.Context, req *ChatRequest) (string, error) {
	agents, err := e.presence.List(ctx, ClassAgent)
	if err != nil {
		return "", err
	}
	attempted, err := e.ledger.AttemptedAgents(ctx, req.CustomerID)
	if err != nil {
		return "", err
	}
	customer, found, err := e.presence.Get(ctx, ClassCustomer, req.CustomerID)
	if err != nil {
		return "", err
	}
	if !found {
		// The owner left presence mid-flight; disconnect cleanup purges
		// the record, so nothing should be offered on its behalf.
		return "", nil
	}

	offer := ChatRequestEvent{
		CustomerID:  req.CustomerID,
		DisplayName: customer.DisplayName,
		Attributes:  customer.Attributes,
	}

	for _, agent := range agents {
		if slices.Contains(attempted, agent.ConnectionID) {
			continue
		}
		// The attempt is durable before the push so an interleaved
		// reader never sees agent N+1 offered ahead of agent N's
		// record.
		if err := e.ledger.RecordAttempt(ctx, req.CustomerID, agent.ConnectionID); err != nil {
			return "", err
		}
		if !e.dispatch.Push(agent.ConnectionID, EventChatRequest, offer) {
			e.log.Info("offer skipped dead agent connection",
				zap.String("customerId", req.CustomerID),
				zap.String("agentId", agent.ConnectionID))
			continue
		}
		req.TargetID = agent.ConnectionID
		if err := e.saveRequest(ctx, req); err != nil {
			return "", err
		}
		e.armTimer(req.CustomerID, agent.ConnectionID)
		e.log.Info("chat request offered",
			zap.String("customerId", req.CustomerID),
			zap.String("agentId", agent.ConnectionID))
		return agent.ConnectionID, nil
	}

	req.TargetID = ""
	if err := e.saveRequest(ctx, req); err != nil {
		return "", err
	}
	e.stopTimer(req.CustomerID)
	e.dispatch.Push(req.CustomerID, EventNoAgentAvailable, "no agent is available to chat right now")
	e.log.Info("no agent available", zap.String("customerId", req.CustomerID))
	return "", nil
}

// rescanPending re-offers pending requests that have no reachable target.
// Called when an agent joins so customers who previously exhausted the
// agent list get the newcomer.
func (e *Engine) rescanPending(ctx context.Context) error {
	keys, err := e.kv.Keys(ctx, requestSuffix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		customerID := strings.TrimSuffix(key, requestSuffix)
		unlock := e.lockCustomer(customerID)
		req, err := e.loadRequest(ctx, customerID)
		if err != nil {
			unlock()
			return err
		}
		if req != nil && req.Status == StatusPending &&
			(req.TargetID == "" || !e.dispatch.IsLive(req.TargetID)) {
			if _, err := e.advanceLocked(ctx, req); err != nil {
				unlock()
				return err
			}
		}
		unlock()
	}
	return nil
}

// expireAttempt fires when an offered agent has not answered within the
// response timeout. The request may have resolved or re-targeted in the
// meantime, so the state is re-checked under the customer lock before
// advancing.
func (e *Engine) expireAttempt(customerID, agentID string) {
	ctx := context.Background()
	unlock := e.lockCustomer(customerID)
	defer unlock()

	req, err := e.loadRequest(ctx, customerID)
	if err != nil {
		e.log.Warn("response timeout check failed",
			zap.String("customerId", customerID), zap.Error(err))
		return
	}
	if req == nil || req.Status != StatusPending || req.TargetID != agentID {
		return
	}
	e.log.Info("offer timed out",
		zap.String("customerId", customerID),
		zap.String("agentId", agentID))
	if _, err := e.advanceLocked(ctx, req); err != nil {
		e.log.Warn("advancing past timed-out agent failed",
			zap.String("customerId", customerID), zap.Error(err))
	}
}

func (e *Engine) armTimer(customerID, agentID string) {
	if e.cfg.ResponseTimeout <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if timer, ok := e.timers[customerID]; ok {
		timer.Stop()
	}
	e.timers[customerID] = time.AfterFunc(e.cfg.ResponseTimeout, func() {
		e.expireAttempt(customerID, agentID)
	})
}

func (e *Engine) stopTimer(customerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[customerID]; ok {
		timer.Stop()
		delete(e.timers, customerID)
	}
}

// lockCustomer serializes all request-lifecycle mutations for one customer.
// The returned func releases the lock and reclaims the map entry once the
// last holder or waiter is done, keeping the map bounded by in-flight
// customers without ever deleting a mutex somebody still points at.
func (e *Engine) lockCustomer(customerID string) func() {
	e.mu.Lock()
	entry, ok := e.locks[customerID]
	if !ok {
		entry = &customerLock{}
		e.locks[customerID] = entry
	}
	entry.refs++
	e.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		e.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(e.locks, customerID)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) loadRequest(ctx context.Context, customerID string) (*ChatRequest, error) {
	raw, err := e.kv.Get(ctx, customerID+requestSuffix)
	if err != nil {
		return nil, fmt.Errorf("load request for %s: %w", customerID, err)
	}
	if raw == nil {
		return nil, nil
	}
	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode request for %s: %w", customerID, err)
	}
	return &req, nil
}

func (e *Engine) saveRequest(ctx context.Context, req *ChatRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request for %s: %w", req.CustomerID, err)
	}
	if err := e.kv.Set(ctx, req.CustomerID+requestSuffix, raw); err != nil {
		return fmt.Errorf("save request for %s: %w", req.CustomerID, err)
	}
	return nil
}
