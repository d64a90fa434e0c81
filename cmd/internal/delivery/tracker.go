// Package delivery implements both halves of message delivery bookkeeping:
// the send-side Tracker that assigns delivery ids, and the receive-side
// Reconciler that every observation path (push, pull, optimistic echo) goes
// through before anything is shown.
package delivery

import (
	"errors"
	"sync"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/ids"
)

const defaultTrackerCapacity = 10_000

type record struct {
	deliveryID string
	state      chat.DeliveryState
}

// Tracker holds recent delivery records in a bounded FIFO. It is process-local;
// the store stays authoritative for the messages themselves.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	records  map[string]*record // message id -> record
	order    []string           // insertion order for eviction
}

// NewTracker constructs a Tracker keeping at most capacity records.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = defaultTrackerCapacity
	}
	return &Tracker{
		capacity: capacity,
		records:  make(map[string]*record, capacity),
		order:    make([]string, 0, capacity),
	}
}

// RecordSend marks an accepted message as fanned out and returns its delivery
// id. Recording the same message again returns the same id.
func (t *Tracker) RecordSend(m chat.Message) (string, error) {
	if m.ID == "" {
		return "", errors.New("delivery: message without id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.records[m.ID]; ok {
		return r.deliveryID, nil
	}

	if len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.records, oldest)
	}

	r := &record{deliveryID: ids.NewToken(), state: chat.DeliveryFannedOut}
	t.records[m.ID] = r
	t.order = append(t.order, m.ID)
	return r.deliveryID, nil
}

// MarkObserved records that a recipient connection received the message.
// It reports false for messages the tracker does not know.
func (t *Tracker) MarkObserved(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[messageID]
	if !ok {
		return false
	}
	r.state = chat.DeliveryObserved
	return true
}

// State returns the delivery state of a recently sent message.
func (t *Tracker) State(messageID string) (chat.DeliveryState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[messageID]
	if !ok {
		return "", false
	}
	return r.state, true
}

// DeliveryID returns the delivery id assigned to a message, if still tracked.
func (t *Tracker) DeliveryID(messageID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[messageID]
	if !ok {
		return "", false
	}
	return r.deliveryID, true
}
