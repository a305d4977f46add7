package broker

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rhoven/chatdesk/internal/store"
)

const attemptsSuffix = ":attempts"

// Ledger records which agents have already been offered a customer's
// outstanding request. It is scoped per customer: the same agent may be
// attempted for any number of different customers.
type Ledger struct {
	kv store.KV
}

// NewLedger returns a Ledger backed by kv.
func NewLedger(kv store.KV) *Ledger {
	return &Ledger{kv: kv}
}

func attemptsKey(customerID string) string {
	return customerID + attemptsSuffix
}

// RecordAttempt appends agentID to the customer's attempt list. Recording
// the same agent twice is a no-op.
func (l *Ledger) RecordAttempt(ctx context.Context, customerID, agentID string) error {
	if _, err := l.kv.ListPush(ctx, attemptsKey(customerID), agentID); err != nil {
		return fmt.Errorf("record attempt %s->%s: %w", customerID, agentID, err)
	}
	return nil
}

// AttemptedAgents returns the agents already offered the customer's request,
// oldest first.
func (l *Ledger) AttemptedAgents(ctx context.Context, customerID string) ([]string, error) {
	attempts, err := l.kv.ListRange(ctx, attemptsKey(customerID))
	if err != nil {
		return nil, fmt.Errorf("read attempts for %s: %w", customerID, err)
	}
	return attempts, nil
}

// Clear drops the customer's attempt list. Called when the request reaches a
// terminal state or the customer disconnects, so a later request starts with
// every agent eligible again.
func (l *Ledger) Clear(ctx context.Context, customerID string) error {
	if err := l.kv.ListDelete(ctx, attemptsKey(customerID)); err != nil {
		return fmt.Errorf("clear attempts for %s: %w", customerID, err)
	}
	return nil
}

// ReverseAttempts returns every customer whose attempt list contains
// agentID. Used to find requests that must advance when an agent
// disconnects.
func (l *Ledger) ReverseAttempts(ctx context.Context, agentID string) ([]string, error) {
	keys, err := l.kv.Keys(ctx, attemptsSuffix)
	if err != nil {
		return nil, fmt.Errorf("scan attempt lists: %w", err)
	}
	var customers []string
	for _, key := range keys {
		attempts, err := l.kv.ListRange(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("scan attempt lists: %w", err)
		}
		if slices.Contains(attempts, agentID) {
			customers = append(customers, strings.TrimSuffix(key, attemptsSuffix))
		}
	}
	return customers, nil
}
