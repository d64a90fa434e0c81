// Package v1 defines the chatsync realtime protocol v1 contract.
//
// It is shared between the server gateway and the client transport so the
// wire protocol stays authoritative in one place. Conversation and message
// bodies travel as raw records in the connection's field convention.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "chatsync.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake and selects channels (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message.send"
	// TypeMessageAck acknowledges a send request with the stored message (server -> client).
	TypeMessageAck = "message.ack"

	// TypeMessageCreated is fanned out for every accepted message (server -> subscribers).
	TypeMessageCreated = "message.created"
	// TypeStatusChanged is fanned out for conversation status changes (server -> subscribers).
	TypeStatusChanged = "conversation.statusChanged"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageCreated,
		TypeStatusChanged,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// Roles accepted in HelloPayload.
const (
	RolePlayer = "player"
	RoleStaff  = "staff"
)

// HelloPayload identifies the connection. Identity is asserted by the
// embedding portal, which authenticates its users itself.
//
// A player connection subscribes to its private channel; a staff connection
// subscribes to the broadcast channel.
type HelloPayload struct {
	Role        string `json:"role"`
	PlayerID    int64  `json:"player_id,omitempty"`
	StaffID     string `json:"staff_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	// Convention is "camel" or "snake" (default camel).
	Convention string `json:"convention,omitempty"`
}

// HelloAckPayload carries the session id and the subscribed channels.
type HelloAckPayload struct {
	SessionID string   `json:"session_id"`
	Channels  []string `json:"channels"`
}

// MessageSendPayload requests sending a message. Without ConversationID a
// player connection resolves its open conversation.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ClientMsgID    string `json:"client_msg_id"`
	Body           string `json:"body"`
}

// MessageAckPayload acknowledges a send request.
type MessageAckPayload struct {
	ClientMsgID string          `json:"client_msg_id"`
	DeliveryID  string          `json:"delivery_id,omitempty"`
	Duplicated  bool            `json:"duplicated,omitempty"`
	Message     json.RawMessage `json:"message"`
}

// MessageCreatedPayload is fanned out when a message is accepted.
type MessageCreatedPayload struct {
	DeliveryID   string          `json:"delivery_id,omitempty"`
	Message      json.RawMessage `json:"message"`
	Conversation json.RawMessage `json:"conversation"`
}

// StatusChangedPayload is fanned out when a conversation changes status.
// PreviousStatus is empty for a newly created conversation.
type StatusChangedPayload struct {
	PreviousStatus string          `json:"previous_status,omitempty"`
	Conversation   json.RawMessage `json:"conversation"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
