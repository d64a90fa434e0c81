package chat

import (
	"context"
	"time"
)

const (
	// MaxBodyChars is the hard cap on message length, in runes.
	MaxBodyChars = 2000

	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Store persists conversations and messages.
//
// Requirements:
//   - CreateConversation is a single atomic insert-if-absent per player
//     (at most one waiting/active conversation per player)
//   - AppendMessage is idempotent per (conversation_id, client_msg_id) and
//     assigns strictly increasing sent_at within a conversation
//   - Fetch* queries return rows ordered ASC by their ordering key
type Store interface {
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	UpdateConversationStatus(ctx context.Context, in UpdateStatusInput) (Conversation, error)
	ArchivePlayerConversations(ctx context.Context, in ArchiveInput) (ArchiveResult, error)
	PurgeArchived(ctx context.Context, before time.Time) (int64, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchMessages(ctx context.Context, in FetchMessagesInput) (FetchMessagesResult, error)
	FetchConversations(ctx context.Context, in FetchConversationsInput) (FetchConversationsResult, error)

	Ping(ctx context.Context) error
	Close() error
}

// CreateConversationInput describes an insert-if-absent request.
type CreateConversationInput struct {
	ID          string
	PlayerID    int64
	DisplayName string
	Now         time.Time
}

// UpdateStatusInput is a compare-and-set on the conversation status.
// The update applies only while the stored status still equals From.
type UpdateStatusInput struct {
	ConversationID string
	From           Status
	To             Status
	// CounterpartyID, when non-nil, replaces the assigned staff id.
	CounterpartyID *string
	Now            time.Time
}

// ArchiveInput describes an administrative history clear for one player.
type ArchiveInput struct {
	PlayerID   int64
	HardDelete bool
	Now        time.Time
}

// ArchiveResult reports what ArchivePlayerConversations changed.
type ArchiveResult struct {
	Archived       int64
	PurgedMessages int64
	// Changed lists the conversations this call moved to archived.
	Changed []ArchivedConversation
}

// ArchivedConversation is one conversation archived by ArchivePlayerConversations.
type ArchivedConversation struct {
	Conversation   Conversation
	PreviousStatus Status
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ID                string
	ConversationID    string
	ClientMsgID       string
	SenderRole        Role
	SenderDisplayName string
	Body              string
	Now               time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored       Message
	Conversation Conversation
	Duplicated   bool
}

// FetchMessagesInput describes a message page query.
// AfterID, when set, must name a message of the same conversation.
type FetchMessagesInput struct {
	ConversationID string
	AfterID        string
	Limit          int
}

// FetchMessagesResult contains the retrieved page.
type FetchMessagesResult struct {
	Messages []Message
	HasMore  bool
}

// FetchConversationsInput describes a conversation index query.
type FetchConversationsInput struct {
	PlayerID *int64
	Status   Status
	AfterID  string
	Limit    int
}

// FetchConversationsResult contains the retrieved page.
type FetchConversationsResult struct {
	Conversations []Conversation
	HasMore       bool
}

// clampLimit applies the store-wide page size policy.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// nextSentAt returns the timestamp for a new message given the last one in the
// conversation. Timestamps are truncated to microseconds (the Postgres
// resolution) and bumped so that they strictly increase.
func nextSentAt(now, last time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !t.After(last) {
		t = last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return t
}
