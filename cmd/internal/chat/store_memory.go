package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// A single mutex provides the atomicity the SQL stores get from constraints
// and transactions.
type InMemoryStore struct {
	mu       sync.Mutex
	convs    map[string]*memConv
	order    []string         // conversation ids ordered by (created_at, id)
	openByPl map[int64]string // player_id -> open conversation id
}

type memConv struct {
	conv   Conversation
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by (sent_at, id)
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:    make(map[string]*memConv),
		openByPl: make(map[int64]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// CreateConversation returns the open conversation of the player or creates one.
func (s *InMemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, bool, error) {
	if in.ID == "" || in.PlayerID <= 0 {
		return Conversation{}, false, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.openByPl[in.PlayerID]; ok {
		return s.convs[id].conv, false, nil
	}

	c := Conversation{
		ID:                in.ID,
		PlayerID:          in.PlayerID,
		PlayerDisplayName: in.DisplayName,
		Status:            StatusWaiting,
		CreatedAt:         now,
		LastMessageAt:     now,
	}
	s.convs[c.ID] = &memConv{
		conv:   c,
		dedupe: make(map[string]Message),
		msgs:   make([]Message, 0, 32),
	}
	s.order = append(s.order, c.ID)
	s.openByPl[c.PlayerID] = c.ID
	return c, true, nil
}

// GetConversation returns a conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[id]
	if mc == nil {
		return Conversation{}, ErrConversationNotFound
	}
	return mc.conv, nil
}

// UpdateConversationStatus applies a compare-and-set status change.
func (s *InMemoryStore) UpdateConversationStatus(ctx context.Context, in UpdateStatusInput) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return Conversation{}, ErrConversationNotFound
	}
	if mc.conv.Status != in.From {
		return Conversation{}, errStaleStatus
	}

	if in.To.Open() && !in.From.Open() {
		if other, ok := s.openByPl[mc.conv.PlayerID]; ok && other != mc.conv.ID {
			return Conversation{}, errStaleStatus
		}
	}

	applyStatus(&mc.conv, in, now)

	if in.To.Open() {
		s.openByPl[mc.conv.PlayerID] = mc.conv.ID
	} else if s.openByPl[mc.conv.PlayerID] == mc.conv.ID {
		delete(s.openByPl, mc.conv.PlayerID)
	}
	return mc.conv, nil
}

// ArchivePlayerConversations archives every conversation of a player.
func (s *InMemoryStore) ArchivePlayerConversations(ctx context.Context, in ArchiveInput) (ArchiveResult, error) {
	if err := ctx.Err(); err != nil {
		return ArchiveResult{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res ArchiveResult
	for _, id := range s.order {
		mc := s.convs[id]
		if mc.conv.PlayerID != in.PlayerID {
			continue
		}
		if mc.conv.Status != StatusArchived {
			prev := mc.conv.Status
			applyStatus(&mc.conv, UpdateStatusInput{From: prev, To: StatusArchived}, now)
			res.Archived++
			res.Changed = append(res.Changed, ArchivedConversation{Conversation: mc.conv, PreviousStatus: prev})
		}
		if in.HardDelete {
			res.PurgedMessages += int64(len(mc.msgs))
			mc.msgs = mc.msgs[:0]
			mc.dedupe = make(map[string]Message)
		}
	}
	delete(s.openByPl, in.PlayerID)
	return res, nil
}

// PurgeArchived deletes archived conversations archived before the cutoff.
func (s *InMemoryStore) PurgeArchived(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	keep := s.order[:0]
	for _, id := range s.order {
		mc := s.convs[id]
		if mc.conv.Status == StatusArchived && mc.conv.ArchivedAt != nil && mc.conv.ArchivedAt.Before(before) {
			delete(s.convs, id)
			n++
			continue
		}
		keep = append(keep, id)
	}
	s.order = keep
	return n, nil
}

// AppendMessage persists a message with idempotency and monotonic sent_at allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ID == "" || in.ConversationID == "" || !in.SenderRole.Valid() {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return AppendMessageResult{}, ErrConversationNotFound
	}
	if mc.conv.Status == StatusArchived {
		return AppendMessageResult{}, ErrConversationArchived
	}

	if in.ClientMsgID != "" {
		if existing, ok := mc.dedupe[in.ClientMsgID]; ok {
			return AppendMessageResult{Stored: existing, Conversation: mc.conv, Duplicated: true}, nil
		}
	}

	msg := Message{
		ID:                in.ID,
		ConversationID:    in.ConversationID,
		ClientMsgID:       in.ClientMsgID,
		SenderRole:        in.SenderRole,
		SenderDisplayName: in.SenderDisplayName,
		Body:              in.Body,
		SentAt:            nextSentAt(now, mc.conv.LastMessageAt),
		DeliveryState:     DeliveryAccepted,
	}
	if in.ClientMsgID != "" {
		mc.dedupe[in.ClientMsgID] = msg
	}
	mc.msgs = append(mc.msgs, msg)
	mc.conv.LastMessageAt = msg.SentAt

	return AppendMessageResult{Stored: msg, Conversation: mc.conv}, nil
}

// FetchMessages returns messages ordered by (sent_at, id) with paging via after_id.
func (s *InMemoryStore) FetchMessages(ctx context.Context, in FetchMessagesInput) (FetchMessagesResult, error) {
	if in.ConversationID == "" {
		return FetchMessagesResult{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchMessagesResult{}, err
	}
	limit := clampLimit(in.Limit)

	s.mu.Lock()
	mc := s.convs[in.ConversationID]
	var snap []Message
	if mc != nil {
		snap = append([]Message(nil), mc.msgs...)
	}
	s.mu.Unlock()

	if mc == nil {
		return FetchMessagesResult{}, ErrConversationNotFound
	}

	start := 0
	if in.AfterID != "" {
		idx := -1
		for i := range snap {
			if snap[i].ID == in.AfterID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return FetchMessagesResult{}, invalidInput("chat.FetchMessages", "unknown after_id")
		}
		start = idx + 1
	}

	out := snap[start:]
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// FetchConversations returns conversations ordered by (created_at, id).
func (s *InMemoryStore) FetchConversations(ctx context.Context, in FetchConversationsInput) (FetchConversationsResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchConversationsResult{}, err
	}
	limit := clampLimit(in.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	var after *Conversation
	if in.AfterID != "" {
		mc := s.convs[in.AfterID]
		if mc == nil {
			return FetchConversationsResult{}, invalidInput("chat.FetchConversations", "unknown after_id")
		}
		after = &mc.conv
	}

	out := make([]Conversation, 0, 16)
	for _, id := range s.order {
		c := s.convs[id].conv
		if in.PlayerID != nil && c.PlayerID != *in.PlayerID {
			continue
		}
		if in.Status != "" && c.Status != in.Status {
			continue
		}
		if after != nil && !conversationAfter(c, *after) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return conversationAfter(out[j], out[i]) })

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchConversationsResult{Conversations: out, HasMore: hasMore}, nil
}

// conversationAfter reports whether a orders after b by (created_at, id).
func conversationAfter(a, b Conversation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func applyStatus(c *Conversation, in UpdateStatusInput, now time.Time) {
	c.Status = in.To
	if in.CounterpartyID != nil {
		c.CounterpartyID = *in.CounterpartyID
	}
	switch in.To {
	case StatusResolved:
		t := now
		c.ResolvedAt = &t
	case StatusArchived:
		t := now
		c.ArchivedAt = &t
	}
}
