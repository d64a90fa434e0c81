// Package chat owns the durable side of the support chat: conversations, the
// append-only message log, the conversation state machine, and the send
// orchestration that ties them to fan-out.
package chat

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of a Conversation.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusResolved, StatusArchived:
		return true
	default:
		return false
	}
}

// Open reports whether s counts toward the single open conversation per player.
func (s Status) Open() bool {
	return s == StatusWaiting || s == StatusActive
}

// Role is the system-level role of a message sender or transition actor.
type Role string

const (
	RolePlayer Role = "player"
	RoleStaff  Role = "staff"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePlayer || r == RoleStaff
}

// DeliveryState is local delivery bookkeeping for a message.
type DeliveryState string

const (
	DeliveryAccepted  DeliveryState = "accepted"
	DeliveryFannedOut DeliveryState = "fanned_out"
	DeliveryObserved  DeliveryState = "observed"
)

// Valid reports whether d is a known delivery state.
func (d DeliveryState) Valid() bool {
	switch d {
	case DeliveryAccepted, DeliveryFannedOut, DeliveryObserved:
		return true
	default:
		return false
	}
}

// Delivered is the only delivery detail exposed to clients.
func (d DeliveryState) Delivered() bool {
	return d == DeliveryFannedOut || d == DeliveryObserved
}

// Conversation is a player-to-staff chat thread (also called session or request).
type Conversation struct {
	ID                string
	PlayerID          int64
	PlayerDisplayName string
	CounterpartyID    string
	Status            Status
	CreatedAt         time.Time
	LastMessageAt     time.Time
	ResolvedAt        *time.Time
	ArchivedAt        *time.Time
}

// Message is one accepted entry of a conversation's append-only log.
type Message struct {
	ID                string
	ConversationID    string
	ClientMsgID       string
	SenderRole        Role
	SenderDisplayName string
	Body              string
	SentAt            time.Time
	DeliveryState     DeliveryState
}

// Before reports whether m orders strictly before o by (SentAt, ID).
func (m Message) Before(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// Actor identifies who requests a status transition.
type Actor struct {
	Role Role
	ID   string
}

// PlayerChannel is the private realtime channel key for a player.
func PlayerChannel(playerID int64) string {
	return "chat:player:" + strconv.FormatInt(playerID, 10)
}

// BroadcastChannel is the shared channel used by staff dashboards to index
// every conversation across portals.
const BroadcastChannel = "chat:staff:broadcast"

// EventType names a realtime event.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventStatusChanged  EventType = "conversation.statusChanged"
)

// Event is what the engine hands to a Publisher after a durable write.
type Event struct {
	Type           EventType
	Conversation   Conversation
	Message        *Message
	DeliveryID     string
	PreviousStatus Status
}
