package chat

import (
	"context"
	"iter"
	"strings"
	"unicode/utf8"
)

const maxClientMsgIDLen = 128

// MessageLog is the validated front of the append-only message log.
type MessageLog struct {
	d Deps
}

// NewMessageLog constructs a MessageLog.
func NewMessageLog(d Deps) (*MessageLog, error) {
	d, err := d.normalize()
	if err != nil {
		return nil, err
	}
	return &MessageLog{d: d}, nil
}

// AppendInput is a validated append request.
type AppendInput struct {
	ConversationID    string
	ClientMsgID       string
	SenderRole        Role
	SenderDisplayName string
	Body              string
}

// Append stores a message and returns it with its server id and sent_at.
// The bool reports a deduplicated retry (same client_msg_id).
func (l *MessageLog) Append(ctx context.Context, in AppendInput) (Message, bool, error) {
	res, err := l.append(ctx, in)
	if err != nil {
		return Message{}, false, err
	}
	return res.Stored, res.Duplicated, nil
}

func (l *MessageLog) append(ctx context.Context, in AppendInput) (AppendMessageResult, error) {
	const op = "chat.Append"

	in.ConversationID = strings.TrimSpace(in.ConversationID)
	if in.ConversationID == "" {
		return AppendMessageResult{}, invalidInput(op, "missing conversation_id")
	}
	if !in.SenderRole.Valid() {
		return AppendMessageResult{}, invalidInput(op, "unknown sender role")
	}
	body, err := cleanBody(op, in.Body)
	if err != nil {
		return AppendMessageResult{}, err
	}
	name, err := cleanDisplayName(op, in.SenderDisplayName)
	if err != nil {
		return AppendMessageResult{}, err
	}
	clientMsgID := strings.TrimSpace(in.ClientMsgID)
	if len(clientMsgID) > maxClientMsgIDLen {
		return AppendMessageResult{}, invalidInput(op, "client_msg_id too long")
	}

	now := l.d.Now()
	id, err := l.d.NewID(now)
	if err != nil {
		return AppendMessageResult{}, &OpError{Op: op, Kind: ErrStoreUnavailable, Msg: "id generation", Err: err}
	}

	// Once the append reaches the store it runs to completion.
	sctx, cancel := l.d.detached(ctx)
	defer cancel()

	res, err := l.d.Store.AppendMessage(sctx, AppendMessageInput{
		ID:                id,
		ConversationID:    in.ConversationID,
		ClientMsgID:       clientMsgID,
		SenderRole:        in.SenderRole,
		SenderDisplayName: name,
		Body:              body,
		Now:               now,
	})
	if err != nil {
		return AppendMessageResult{}, storeFailure(op, err)
	}

	if res.Duplicated {
		l.d.Metrics.AppendDeduplicated()
		l.d.Logger.Info("chat.message.deduplicated",
			"conversation_id", res.Stored.ConversationID,
			"message_id", res.Stored.ID,
			"client_msg_id", clientMsgID,
		)
		return res, nil
	}

	l.d.Metrics.MessageAppended(string(in.SenderRole))
	l.d.Logger.Info("chat.message.appended",
		"conversation_id", res.Stored.ConversationID,
		"message_id", res.Stored.ID,
		"sender_role", string(res.Stored.SenderRole),
	)
	return res, nil
}

// FetchMessages returns one page of messages ordered by (sent_at, id).
func (l *MessageLog) FetchMessages(ctx context.Context, in FetchMessagesInput) (FetchMessagesResult, error) {
	const op = "chat.FetchMessages"

	in.ConversationID = strings.TrimSpace(in.ConversationID)
	if in.ConversationID == "" {
		return FetchMessagesResult{}, invalidInput(op, "missing conversation_id")
	}
	if in.Limit < 0 || in.Limit > maxPageLimit {
		return FetchMessagesResult{}, invalidInput(op, "limit out of range")
	}

	sctx, cancel := l.d.bounded(ctx)
	defer cancel()

	res, err := l.d.Store.FetchMessages(sctx, in)
	if err != nil {
		return FetchMessagesResult{}, storeFailure(op, err)
	}
	return res, nil
}

// FetchConversations returns one page of conversations ordered by (created_at, id).
func (l *MessageLog) FetchConversations(ctx context.Context, in FetchConversationsInput) (FetchConversationsResult, error) {
	const op = "chat.FetchConversations"

	if in.PlayerID != nil && *in.PlayerID <= 0 {
		return FetchConversationsResult{}, invalidInput(op, "player_id must be positive")
	}
	if in.Status != "" && !in.Status.Valid() {
		return FetchConversationsResult{}, invalidInput(op, "unknown status")
	}
	if in.Limit < 0 || in.Limit > maxPageLimit {
		return FetchConversationsResult{}, invalidInput(op, "limit out of range")
	}

	sctx, cancel := l.d.bounded(ctx)
	defer cancel()

	res, err := l.d.Store.FetchConversations(sctx, in)
	if err != nil {
		return FetchConversationsResult{}, storeFailure(op, err)
	}
	return res, nil
}

// ListMessages yields every message after afterID in (sent_at, id) order.
// The sequence is lazy and restartable: each range re-reads from the store,
// one page at a time. A failed page is yielded as an error and ends the sequence.
func (l *MessageLog) ListMessages(ctx context.Context, conversationID, afterID string) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		cursor := afterID
		for {
			page, err := l.FetchMessages(ctx, FetchMessagesInput{
				ConversationID: conversationID,
				AfterID:        cursor,
				Limit:          maxPageLimit,
			})
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if !page.HasMore || len(page.Messages) == 0 {
				return
			}
			cursor = page.Messages[len(page.Messages)-1].ID
		}
	}
}

// ConversationFilter narrows ListConversations. Zero values mean "any".
type ConversationFilter struct {
	PlayerID *int64
	Status   Status
}

// ListConversations yields conversations in (created_at, id) order.
func (l *MessageLog) ListConversations(ctx context.Context, f ConversationFilter) iter.Seq2[Conversation, error] {
	return func(yield func(Conversation, error) bool) {
		cursor := ""
		for {
			page, err := l.FetchConversations(ctx, FetchConversationsInput{
				PlayerID: f.PlayerID,
				Status:   f.Status,
				AfterID:  cursor,
				Limit:    maxPageLimit,
			})
			if err != nil {
				yield(Conversation{}, err)
				return
			}
			for _, c := range page.Conversations {
				if !yield(c, nil) {
					return
				}
			}
			if !page.HasMore || len(page.Conversations) == 0 {
				return
			}
			cursor = page.Conversations[len(page.Conversations)-1].ID
		}
	}
}

func cleanBody(op, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", invalidInput(op, "empty body")
	}
	if !utf8.ValidString(body) {
		return "", invalidInput(op, "body is not valid UTF-8")
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return "", invalidInput(op, "body exceeds 2000 characters")
	}
	return body, nil
}
