package wire

import (
	"strings"

	"chatsync/cmd/internal/chat"
)

var conversationFields = map[string]bool{
	"id": true, "playerId": true, "playerDisplayName": true, "counterpartyId": true, "status": true,
	"createdAt": true, "lastMessageAt": true, "resolvedAt": true, "archivedAt": true,
}

var messageFields = map[string]bool{
	"id": true, "conversationId": true, "clientMsgId": true, "senderRole": true,
	"senderDisplayName": true, "body": true, "sentAt": true, "delivered": true,
}

// ToWireFormat renders a Conversation or Message in the given convention.
// Optional fields are present with a null value when empty.
func ToWireFormat(v any, conv Convention) (Record, error) {
	var r Record
	switch x := v.(type) {
	case chat.Conversation:
		r = conversationRecord(x)
	case *chat.Conversation:
		if x == nil {
			return nil, &FormatError{Reason: "nil conversation"}
		}
		r = conversationRecord(*x)
	case chat.Message:
		r = messageRecord(x)
	case *chat.Message:
		if x == nil {
			return nil, &FormatError{Reason: "nil message"}
		}
		r = messageRecord(*x)
	default:
		return nil, &FormatError{Reason: "unsupported type"}
	}
	if conv == Snake {
		return Rename(r, Snake), nil
	}
	return r, nil
}

func conversationRecord(c chat.Conversation) Record {
	return Record{
		"id":                c.ID,
		"playerId":          c.PlayerID,
		"playerDisplayName": c.PlayerDisplayName,
		"counterpartyId":    nullable(c.CounterpartyID),
		"status":            string(c.Status),
		"createdAt":         formatTime(c.CreatedAt),
		"lastMessageAt":     formatTime(c.LastMessageAt),
		"resolvedAt":        formatTimePtr(c.ResolvedAt),
		"archivedAt":        formatTimePtr(c.ArchivedAt),
	}
}

// Only the delivered flag of the delivery state leaves the process, so
// observed and fanned_out both decode as fanned_out.
func messageRecord(m chat.Message) Record {
	return Record{
		"id":                m.ID,
		"conversationId":    m.ConversationID,
		"clientMsgId":       nullable(m.ClientMsgID),
		"senderRole":        string(m.SenderRole),
		"senderDisplayName": m.SenderDisplayName,
		"body":              m.Body,
		"sentAt":            formatTime(m.SentAt),
		"delivered":         m.DeliveryState.Delivered(),
	}
}

// decode canonicalizes r and checks it only carries allowed fields.
func decode(r Record, allowed map[string]bool) (Record, error) {
	if r == nil {
		return nil, &FormatError{Reason: "empty record"}
	}
	c, err := Canonical(r)
	if err != nil {
		return nil, err
	}
	for k := range c {
		if !allowed[k] {
			return nil, &FormatError{Field: k, Reason: "unknown field"}
		}
	}
	return c, nil
}

// ConversationFromWire parses a conversation record in either convention.
func ConversationFromWire(r Record) (chat.Conversation, error) {
	c, err := decode(r, conversationFields)
	if err != nil {
		return chat.Conversation{}, err
	}

	var out chat.Conversation
	if out.ID, err = RequiredString(c, "id"); err != nil {
		return chat.Conversation{}, err
	}
	if out.PlayerID, err = RequiredInt64(c, "playerId"); err != nil {
		return chat.Conversation{}, err
	}
	if out.PlayerDisplayName, err = String(c, "playerDisplayName"); err != nil {
		return chat.Conversation{}, err
	}
	if out.CounterpartyID, err = String(c, "counterpartyId"); err != nil {
		return chat.Conversation{}, err
	}
	status, err := RequiredString(c, "status")
	if err != nil {
		return chat.Conversation{}, err
	}
	out.Status = chat.Status(status)
	if !out.Status.Valid() {
		return chat.Conversation{}, &FormatError{Field: "status", Reason: "unknown status"}
	}

	created, err := getTime(c, "createdAt", true)
	if err != nil {
		return chat.Conversation{}, err
	}
	last, err := getTime(c, "lastMessageAt", true)
	if err != nil {
		return chat.Conversation{}, err
	}
	out.CreatedAt, out.LastMessageAt = *created, *last

	if out.ResolvedAt, err = getTime(c, "resolvedAt", false); err != nil {
		return chat.Conversation{}, err
	}
	if out.ArchivedAt, err = getTime(c, "archivedAt", false); err != nil {
		return chat.Conversation{}, err
	}
	return out, nil
}

// MessageFromWire parses a message record in either convention.
func MessageFromWire(r Record) (chat.Message, error) {
	c, err := decode(r, messageFields)
	if err != nil {
		return chat.Message{}, err
	}

	var out chat.Message
	if out.ID, err = RequiredString(c, "id"); err != nil {
		return chat.Message{}, err
	}
	if out.ConversationID, err = RequiredString(c, "conversationId"); err != nil {
		return chat.Message{}, err
	}
	if out.ClientMsgID, err = String(c, "clientMsgId"); err != nil {
		return chat.Message{}, err
	}
	role, err := RequiredString(c, "senderRole")
	if err != nil {
		return chat.Message{}, err
	}
	out.SenderRole = chat.Role(role)
	if !out.SenderRole.Valid() {
		return chat.Message{}, &FormatError{Field: "senderRole", Reason: "unknown role"}
	}
	if out.SenderDisplayName, err = String(c, "senderDisplayName"); err != nil {
		return chat.Message{}, err
	}
	if out.Body, err = RequiredString(c, "body"); err != nil {
		return chat.Message{}, err
	}
	if strings.TrimSpace(out.Body) == "" {
		return chat.Message{}, &FormatError{Field: "body", Reason: "empty body"}
	}
	sent, err := getTime(c, "sentAt", true)
	if err != nil {
		return chat.Message{}, err
	}
	out.SentAt = *sent

	delivered, err := Bool(c, "delivered")
	if err != nil {
		return chat.Message{}, err
	}
	out.DeliveryState = chat.DeliveryAccepted
	if delivered {
		out.DeliveryState = chat.DeliveryFannedOut
	}
	return out, nil
}
