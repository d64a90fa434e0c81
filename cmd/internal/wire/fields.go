// Package wire maps chat values to and from the two field-naming conventions
// used at the service boundaries: snake_case (storage, bus, staff portal) and
// camelCase (player portal). No other package sees both conventions.
package wire

import (
	"fmt"
	"strings"
)

// Convention is a field-naming convention.
type Convention string

const (
	Camel Convention = "camel"
	Snake Convention = "snake"
)

// ParseConvention parses a convention name. Empty means Camel.
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "camel", "camelcase":
		return Camel, nil
	case "snake", "snake_case":
		return Snake, nil
	default:
		return "", &FormatError{Field: "convention", Reason: fmt.Sprintf("unknown convention %q", s)}
	}
}

// field is one row of the mapping table.
type field struct {
	camel string
	snake string
}

// fields lists every name that crosses a boundary. Names without a separate
// snake form appear with camel == snake.
var fields = []field{
	// conversation
	{"id", "id"},
	{"playerId", "player_id"},
	{"playerDisplayName", "player_display_name"},
	{"counterpartyId", "counterparty_id"},
	{"status", "status"},
	{"createdAt", "created_at"},
	{"lastMessageAt", "last_message_at"},
	{"resolvedAt", "resolved_at"},
	{"archivedAt", "archived_at"},

	// message
	{"conversationId", "conversation_id"},
	{"clientMsgId", "client_msg_id"},
	{"senderRole", "sender_role"},
	{"senderDisplayName", "sender_display_name"},
	{"body", "body"},
	{"sentAt", "sent_at"},
	{"delivered", "delivered"},

	// requests, responses and envelopes
	{"displayName", "display_name"},
	{"newStatus", "new_status"},
	{"previousStatus", "previous_status"},
	{"actorRole", "actor_role"},
	{"actorId", "actor_id"},
	{"senderId", "sender_id"},
	{"afterId", "after_id"},
	{"limit", "limit"},
	{"hardDelete", "hard_delete"},
	{"deliveryId", "delivery_id"},
	{"message", "message"},
	{"messages", "messages"},
	{"conversation", "conversation"},
	{"conversations", "conversations"},
	{"hasMore", "has_more"},
	{"archived", "archived"},
	{"purgedMessages", "purged_messages"},
	{"duplicated", "duplicated"},
	{"role", "role"},
	{"staffId", "staff_id"},
	{"error", "error"},
	{"code", "code"},
	{"event", "event"},
	{"sessionId", "session_id"},
	{"channels", "channels"},
	{"convention", "convention"},
	{"created", "created"},
	{"playerIds", "player_ids"},
}

var (
	// alias -> canonical (camel) name
	canonical = make(map[string]string, 2*len(fields))
	// canonical -> snake name
	snakeOf = make(map[string]string, len(fields))
)

func init() {
	for _, f := range fields {
		canonical[f.camel] = f.camel
		canonical[f.snake] = f.camel
		snakeOf[f.camel] = f.snake
	}
}

// Name returns the name of a canonical field in the given convention.
// Unknown names are returned unchanged.
func Name(camel string, conv Convention) string {
	if conv == Snake {
		if s, ok := snakeOf[camel]; ok {
			return s
		}
	}
	return camel
}

// CanonicalName returns the camelCase name for any known alias.
func CanonicalName(key string) (string, bool) {
	c, ok := canonical[key]
	return c, ok
}
