package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	maxDisplayNameChars = 128

	// transitionAttempts bounds compare-and-set retries when status updates race.
	transitionAttempts = 4
)

// SessionManager owns the conversation lifecycle.
type SessionManager struct {
	d Deps
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(d Deps) (*SessionManager, error) {
	d, err := d.normalize()
	if err != nil {
		return nil, err
	}
	return &SessionManager{d: d}, nil
}

// GetOrCreateActiveConversation returns the player's open conversation, creating
// a waiting one when none exists. Concurrent callers for the same player all get
// the same conversation; creation is one atomic insert-if-absent in the store.
func (m *SessionManager) GetOrCreateActiveConversation(ctx context.Context, playerID int64, displayName string) (Conversation, bool, error) {
	const op = "chat.GetOrCreateActiveConversation"

	if playerID <= 0 {
		return Conversation{}, false, invalidInput(op, "player_id must be positive")
	}
	displayName, err := cleanDisplayName(op, displayName)
	if err != nil {
		return Conversation{}, false, err
	}

	now := m.d.Now()
	id, err := m.d.NewID(now)
	if err != nil {
		return Conversation{}, false, &OpError{Op: op, Kind: ErrStoreUnavailable, Msg: "id generation", Err: err}
	}

	sctx, cancel := m.d.bounded(ctx)
	defer cancel()

	c, created, err := m.d.Store.CreateConversation(sctx, CreateConversationInput{
		ID:          id,
		PlayerID:    playerID,
		DisplayName: displayName,
		Now:         now,
	})
	if err != nil {
		return Conversation{}, false, storeFailure(op, err)
	}

	if created {
		m.d.Metrics.ConversationCreated()
		m.d.Logger.Info("chat.conversation.created",
			"conversation_id", c.ID,
			"player_id", c.PlayerID,
		)
		m.d.publish(ctx, Event{Type: EventStatusChanged, Conversation: c})
	}
	return c, created, nil
}

// TransitionStatus moves a conversation along the state machine on behalf of actor.
// Illegal edges return *TransitionError and leave the status unchanged.
func (m *SessionManager) TransitionStatus(ctx context.Context, conversationID string, to Status, actor Actor) (Conversation, error) {
	const op = "chat.TransitionStatus"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Conversation{}, invalidInput(op, "missing conversation_id")
	}
	if !to.Valid() {
		return Conversation{}, invalidInput(op, "unknown status")
	}
	if !actor.Role.Valid() {
		return Conversation{}, invalidInput(op, "unknown actor role")
	}

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		c, err := m.get(ctx, op, conversationID)
		if err != nil {
			return Conversation{}, err
		}
		if !CanTransition(c, to, actor.Role) {
			return Conversation{}, &TransitionError{ConversationID: c.ID, From: c.Status, To: to, Role: actor.Role}
		}

		in := UpdateStatusInput{
			ConversationID: c.ID,
			From:           c.Status,
			To:             to,
			Now:            m.d.Now(),
		}
		if c.Status == StatusWaiting && to == StatusActive && actor.Role == RoleStaff && actor.ID != "" {
			staffID := actor.ID
			in.CounterpartyID = &staffID
		}

		sctx, cancel := m.d.bounded(ctx)
		updated, err := m.d.Store.UpdateConversationStatus(sctx, in)
		cancel()
		if errors.Is(err, errStaleStatus) {
			continue
		}
		if err != nil {
			return Conversation{}, storeFailure(op, err)
		}

		m.d.Metrics.Transition(string(c.Status), string(to))
		m.d.Logger.Info("chat.conversation.transition",
			"conversation_id", updated.ID,
			"from", string(c.Status),
			"to", string(to),
			"actor_role", string(actor.Role),
		)
		m.d.publish(ctx, Event{Type: EventStatusChanged, Conversation: updated, PreviousStatus: c.Status})
		return updated, nil
	}

	return Conversation{}, &OpError{Op: op, Kind: ErrInvalidTransition, Msg: "concurrent status change"}
}

// Archive closes a single conversation for good. An open conversation is
// resolved first, then archived; both steps are regular transitions and are
// published as such. Archiving an archived conversation is a no-op.
func (m *SessionManager) Archive(ctx context.Context, conversationID string, actor Actor) (Conversation, error) {
	const op = "chat.Archive"

	c, err := m.get(ctx, op, strings.TrimSpace(conversationID))
	if err != nil {
		return Conversation{}, err
	}
	if c.Status == StatusArchived {
		return c, nil
	}
	if c.Status.Open() {
		// Closing on the way to archive is done by the system, whoever asked.
		if _, err := m.TransitionStatus(ctx, c.ID, StatusResolved, Actor{Role: RoleStaff}); err != nil {
			return Conversation{}, err
		}
	}
	return m.TransitionStatus(ctx, c.ID, StatusArchived, actor)
}

// ArchiveAll archives every conversation of a player. With hardDelete the
// messages are purged too. This is the only destructive operation and nothing
// on the send or read paths calls it. Every conversation it archives is
// published as a status change.
func (m *SessionManager) ArchiveAll(ctx context.Context, playerID int64, hardDelete bool) (ArchiveResult, error) {
	const op = "chat.ArchiveAll"

	if playerID <= 0 {
		return ArchiveResult{}, invalidInput(op, "player_id must be positive")
	}

	sctx, cancel := m.d.detached(ctx)
	defer cancel()

	res, err := m.d.Store.ArchivePlayerConversations(sctx, ArchiveInput{
		PlayerID:   playerID,
		HardDelete: hardDelete,
		Now:        m.d.Now(),
	})
	if err != nil {
		return ArchiveResult{}, storeFailure(op, err)
	}

	m.d.Logger.Warn("chat.history.archived",
		"player_id", playerID,
		"hard_delete", hardDelete,
		"archived", res.Archived,
		"purged_messages", res.PurgedMessages,
	)
	for _, ch := range res.Changed {
		m.d.Metrics.Transition(string(ch.PreviousStatus), string(StatusArchived))
		m.d.publish(ctx, Event{Type: EventStatusChanged, Conversation: ch.Conversation, PreviousStatus: ch.PreviousStatus})
	}
	return res, nil
}

// Get returns a conversation by id.
func (m *SessionManager) Get(ctx context.Context, conversationID string) (Conversation, error) {
	return m.get(ctx, "chat.GetConversation", strings.TrimSpace(conversationID))
}

func (m *SessionManager) get(ctx context.Context, op, id string) (Conversation, error) {
	if id == "" {
		return Conversation{}, invalidInput(op, "missing conversation_id")
	}
	sctx, cancel := m.d.bounded(ctx)
	defer cancel()

	c, err := m.d.Store.GetConversation(sctx, id)
	if err != nil {
		return Conversation{}, storeFailure(op, err)
	}
	return c, nil
}

func cleanDisplayName(op, s string) (string, error) {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxDisplayNameChars {
		return "", invalidInput(op, "display name too long")
	}
	return s, nil
}
