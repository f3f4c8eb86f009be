// Package events provides a small in-process pub/sub bus for kernel
// lifecycle notifications. Publishing is best effort: it never blocks and
// never fails, so a slow subscriber can only lose its own events.
package events

import (
	"sync"
	"time"
)

// Type names an event category.
type Type string

const (
	TypeSessionStarted    Type = "session.started"
	TypeSessionCommitted  Type = "session.committed"
	TypeSessionConflict   Type = "session.conflict"
	TypeSessionRolledBack Type = "session.rolled_back"
	TypeBranchCreated     Type = "branch.created"
	TypeBranchStatus      Type = "branch.status"
	TypeMergeRequested    Type = "merge.requested"
	TypeMergeDecided      Type = "merge.decided"
)

// Event is one kernel notification. BranchID and SessionID are set when the
// event concerns a branch or session; Status carries the new state for
// transition events and Detail anything human readable.
type Event struct {
	Type      Type      `json:"type"`
	BranchID  string    `json:"branch_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// subscriberBuffer is the per-subscriber channel depth before events drop.
const subscriberBuffer = 64

// Bus fans events out to subscribers. The zero value is not usable; a nil
// *Bus is, and publishes to nowhere.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel along with a
// cancel func that must be called to release it. The channel is closed on
// cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has room. Publishing on
// a nil bus is a no-op, so components can treat the bus as optional.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
