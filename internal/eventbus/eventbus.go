// Package eventbus is a typed publish/subscribe bus for local
// table-change notifications (spec §4.10, §9 redesign flag): it replaces
// the teacher's untyped BroadcastChannel-style fan-out
// (knotserver/notifier.Notifier's channel-of-struct{} broadcast) with an
// Event carrying the document and table that changed, and lets a
// subscriber register interest in particular tables instead of waking up
// for every write in the process.
package eventbus

import "sync"

// Event is one table-change notification: document and table changed,
// plus what kind of write caused it.
type Event struct {
	Document string
	Table    string
	Reason   Reason
}

// Reason distinguishes why a table-change event fired, so a reactive
// query layer can, for example, skip re-running during its own
// outbound push.
type Reason string

const (
	ReasonLocalWrite  Reason = "local-write"
	ReasonApplyRemote Reason = "apply-remote"
	ReasonMerge       Reason = "merge"
	ReasonCheckout    Reason = "checkout"
)

// Bus fans out Events to subscribers, each with its own table interest
// set. Delivery is best-effort: a subscriber that isn't keeping up with
// its channel misses events rather than blocking the publisher, the same
// non-blocking-select discipline the teacher's Notifier.NotifyAll uses.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]map[string]bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[chan Event]map[string]bool)}
}

// Subscribe registers interest in the given tables (no tables means
// every table) and returns a receive-only channel plus an unsubscribe
// function the caller must invoke when done listening.
func (b *Bus) Subscribe(tables ...string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	interest := make(map[string]bool, len(tables))
	for _, t := range tables {
		interest[t] = true
	}

	b.mu.Lock()
	b.subscribers[ch] = interest
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish notifies every subscriber whose interest set is empty or
// contains evt.Table.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, interest := range b.subscribers {
		if len(interest) > 0 && !interest[evt.Table] {
			continue
		}
		select {
		case ch <- evt:
		default:
			// subscriber isn't keeping up; drop rather than block the writer
		}
	}
}

// PublishTables is a convenience for publishing one event per distinct
// table, the shape every Store caller (ApplyRemote, Merge, Checkout)
// needs after touching a batch of changes spanning multiple tables.
func (b *Bus) PublishTables(document string, tables []string, reason Reason) {
	for _, t := range tables {
		b.Publish(Event{Document: document, Table: t, Reason: reason})
	}
}
