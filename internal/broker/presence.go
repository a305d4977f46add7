package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rhoven/chatdesk/internal/store"
)

// Presence holds the ordered per-class participant collections in the
// durable store. Writes are serialized; reads go straight to the store so
// they never observe a half-applied mutation. Insertion order is preserved
// because it is the agent selection order.
type Presence struct {
	mu sync.Mutex
	kv store.KV
}

// NewPresence returns a Presence backed by kv.
func NewPresence(kv store.KV) *Presence {
	return &Presence{kv: kv}
}

// Register adds p to its class collection. It reports false without error
// when the connection id is already present (idempotent join).
func (p *Presence) Register(ctx context.Context, participant Participant) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	members, err := p.load(ctx, participant.Class)
	if err != nil {
		return false, err
	}
	for _, existing := range members {
		if existing.ConnectionID == participant.ConnectionID {
			return false, nil
		}
	}
	members = append(members, participant)
	if err := p.save(ctx, participant.Class, members); err != nil {
		return false, err
	}
	return true, nil
}

// List returns the participants of class in registration order. A class
// with no members yields an empty slice.
func (p *Presence) List(ctx context.Context, class Class) ([]Participant, error) {
	return p.load(ctx, class)
}

// Get returns the participant with the given connection id, if registered.
func (p *Presence) Get(ctx context.Context, class Class, connectionID string) (Participant, bool, error) {
	members, err := p.load(ctx, class)
	if err != nil {
		return Participant{}, false, err
	}
	for _, member := range members {
		if member.ConnectionID == connectionID {
			return member, true, nil
		}
	}
	return Participant{}, false, nil
}

// Remove drops the participant with the given connection id from its class
// collection. It reports false when the id was not present.
func (p *Presence) Remove(ctx context.Context, class Class, connectionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	members, err := p.load(ctx, class)
	if err != nil {
		return false, err
	}
	kept := members[:0]
	removed := false
	for _, member := range members {
		if member.ConnectionID == connectionID {
			removed = true
			continue
		}
		kept = append(kept, member)
	}
	if !removed {
		return false, nil
	}
	if err := p.save(ctx, class, kept); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Presence) load(ctx context.Context, class Class) ([]Participant, error) {
	raw, err := p.kv.Get(ctx, string(class))
	if err != nil {
		return nil, fmt.Errorf("load %s presence: %w", class, err)
	}
	if raw == nil {
		return nil, nil
	}
	var members []Participant
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("decode %s presence: %w", class, err)
	}
	return members, nil
}

func (p *Presence) save(ctx context.Context, class Class, members []Participant) error {
	raw, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("encode %s presence: %w", class, err)
	}
	if err := p.kv.Set(ctx, string(class), raw); err != nil {
		return fmt.Errorf("save %s presence: %w", class, err)
	}
	return nil
}
