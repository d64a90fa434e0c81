package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeRecorder struct {
	n int
}

func (r *fakeRecorder) RecordSend(m Message) (string, error) {
	r.n++
	return fmt.Sprintf("d-%d", r.n), nil
}

// failingStore fails every append, standing in for a database outage.
type failingStore struct {
	*InMemoryStore
}

func (failingStore) AppendMessage(context.Context, AppendMessageInput) (AppendMessageResult, error) {
	return AppendMessageResult{}, errors.New("connection refused")
}

func TestEngine_SendMessage_PlayerThenStaff(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	rec := &fakeRecorder{}
	e := newTestEngine(t, pub, rec)
	ctx := context.Background()

	first, err := e.SendMessage(ctx, SendInput{
		PlayerID:    29,
		DisplayName: "Pat",
		SenderRole:  RolePlayer,
		Body:        "  need help with balance  ",
	})
	if err != nil {
		t.Fatalf("player send: %v", err)
	}
	if first.Conversation.Status != StatusWaiting {
		t.Fatalf("expected waiting conversation, got %s", first.Conversation.Status)
	}
	if first.Message.Body != "need help with balance" {
		t.Fatalf("body not trimmed: %q", first.Message.Body)
	}
	if first.DeliveryID != "d-1" || first.Message.DeliveryState != DeliveryFannedOut {
		t.Fatalf("unexpected delivery bookkeeping: %q %s", first.DeliveryID, first.Message.DeliveryState)
	}

	second, err := e.SendMessage(ctx, SendInput{
		ConversationID: first.Conversation.ID,
		DisplayName:    "Support",
		SenderRole:     RoleStaff,
		SenderID:       "staff-1",
		Body:           "how can I help?",
	})
	if err != nil {
		t.Fatalf("staff send: %v", err)
	}
	if second.Conversation.Status != StatusActive || second.Conversation.CounterpartyID != "staff-1" {
		t.Fatalf("staff reply must claim the conversation: %+v", second.Conversation)
	}
	if second.Conversation.PlayerDisplayName != "Pat" {
		t.Fatalf("player display name changed: %q", second.Conversation.PlayerDisplayName)
	}

	var bodies []string
	for m, err := range e.Messages.ListMessages(ctx, first.Conversation.ID, "") {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		bodies = append(bodies, m.Body)
	}
	if strings.Join(bodies, "|") != "need help with balance|how can I help?" {
		t.Fatalf("unexpected history: %v", bodies)
	}

	var created int
	for _, ev := range pub.snapshot() {
		if ev.Type == EventMessageCreated {
			created++
			if ev.DeliveryID == "" || ev.Message == nil {
				t.Fatalf("message event without delivery id or message: %+v", ev)
			}
		}
	}
	if created != 2 {
		t.Fatalf("expected 2 message.created events, got %d", created)
	}
}

func TestEngine_SendMessage_QueueSideStaffMessage(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	e := newTestEngine(t, pub, nil)
	ctx := context.Background()

	first, err := e.SendMessage(ctx, SendInput{PlayerID: 12, SenderRole: RolePlayer, Body: "anyone there?"})
	if err != nil {
		t.Fatalf("player send: %v", err)
	}
	convID := first.Conversation.ID

	// No staff id: the conversation stays in the queue.
	auto, err := e.SendMessage(ctx, SendInput{ConversationID: convID, SenderRole: RoleStaff, Body: "all agents are busy"})
	if err != nil {
		t.Fatalf("queue send: %v", err)
	}
	if auto.Conversation.Status != StatusWaiting {
		t.Fatalf("message without staff id must not claim: %s", auto.Conversation.Status)
	}

	// Taken without an assignee, then a queue-side message re-opens it.
	if _, err := e.Sessions.TransitionStatus(ctx, convID, StatusActive, Actor{Role: RoleStaff}); err != nil {
		t.Fatalf("unassigned claim: %v", err)
	}
	before := len(pub.snapshot())
	back, err := e.SendMessage(ctx, SendInput{ConversationID: convID, SenderRole: RoleStaff, Body: "returning you to the queue"})
	if err != nil {
		t.Fatalf("queue send: %v", err)
	}
	if back.Conversation.Status != StatusWaiting {
		t.Fatalf("expected active -> waiting, got %s", back.Conversation.Status)
	}
	var requeued bool
	for _, ev := range pub.snapshot()[before:] {
		if ev.Type == EventStatusChanged && ev.PreviousStatus == StatusActive && ev.Conversation.Status == StatusWaiting {
			requeued = true
		}
	}
	if !requeued {
		t.Fatalf("expected a status event for active -> waiting")
	}

	// An assigned conversation is not re-queued.
	claimed, err := e.SendMessage(ctx, SendInput{ConversationID: convID, SenderRole: RoleStaff, SenderID: "staff-4", Body: "I can help"})
	if err != nil {
		t.Fatalf("staff send: %v", err)
	}
	if claimed.Conversation.Status != StatusActive || claimed.Conversation.CounterpartyID != "staff-4" {
		t.Fatalf("named reply must claim: %+v", claimed.Conversation)
	}
	kept, err := e.SendMessage(ctx, SendInput{ConversationID: convID, SenderRole: RoleStaff, Body: "note"})
	if err != nil {
		t.Fatalf("queue send: %v", err)
	}
	if kept.Conversation.Status != StatusActive {
		t.Fatalf("assigned conversation left active: %s", kept.Conversation.Status)
	}
}

func TestEngine_SendMessage_RetryIsDeduplicated(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	e := newTestEngine(t, pub, nil)
	ctx := context.Background()

	in := SendInput{PlayerID: 5, SenderRole: RolePlayer, Body: "hello", ClientMsgID: "c-1"}
	a, err := e.SendMessage(ctx, in)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	b, err := e.SendMessage(ctx, in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !b.Duplicated || b.Message.ID != a.Message.ID {
		t.Fatalf("retry must return the original message: %+v", b)
	}

	var created int
	for _, ev := range pub.snapshot() {
		if ev.Type == EventMessageCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("retry must not fan out again, got %d events", created)
	}
}

func TestEngine_SendMessage_Validation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   SendInput
		want error
	}{
		{"empty body", SendInput{PlayerID: 1, SenderRole: RolePlayer, Body: "   "}, ErrInvalidInput},
		{"too long", SendInput{PlayerID: 1, SenderRole: RolePlayer, Body: strings.Repeat("é", MaxBodyChars+1)}, ErrInvalidInput},
		{"bad role", SendInput{PlayerID: 1, SenderRole: "bot", Body: "x"}, ErrInvalidInput},
		{"no target", SendInput{SenderRole: RolePlayer, Body: "x"}, ErrInvalidInput},
		{"unknown conversation", SendInput{ConversationID: "missing", SenderRole: RolePlayer, Body: "x"}, ErrConversationNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.SendMessage(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
		})
	}

	// Exactly at the cap is accepted.
	if _, err := e.SendMessage(ctx, SendInput{PlayerID: 2, SenderRole: RolePlayer, Body: strings.Repeat("é", MaxBodyChars)}); err != nil {
		t.Fatalf("2000 runes must be accepted: %v", err)
	}

	// A rejected body must not leave a conversation behind.
	pid := int64(1)
	for c, err := range e.Messages.ListConversations(ctx, ConversationFilter{PlayerID: &pid}) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		t.Fatalf("unexpected conversation %s for rejected sends", c.ID)
	}
}

func TestEngine_SendMessage_ForeignConversation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	res, err := e.SendMessage(ctx, SendInput{PlayerID: 1, SenderRole: RolePlayer, Body: "mine"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err = e.SendMessage(ctx, SendInput{ConversationID: res.Conversation.ID, PlayerID: 2, SenderRole: RolePlayer, Body: "not mine"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEngine_SendMessage_FanoutFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{err: ErrTransportUnavailable}
	e := newTestEngine(t, pub, nil)

	res, err := e.SendMessage(context.Background(), SendInput{PlayerID: 9, SenderRole: RolePlayer, Body: "still durable"})
	if err != nil {
		t.Fatalf("fan-out failure must not fail the send: %v", err)
	}
	page, err := e.Messages.FetchMessages(context.Background(), FetchMessagesInput{ConversationID: res.Conversation.ID})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("expected the message to be stored")
	}
}

func TestEngine_SendMessage_StoreFailurePropagates(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(Deps{Store: failingStore{NewInMemoryStore()}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	_, err = e.SendMessage(context.Background(), SendInput{PlayerID: 1, SenderRole: RolePlayer, Body: "lost?"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	var op *OpError
	if !errors.As(err, &op) || op.Op != "chat.Append" {
		t.Fatalf("expected *OpError from chat.Append, got %#v", err)
	}
}

func TestEngine_SendMessage_CallerCancelAfterResolve(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	c, _, err := e.Sessions.GetOrCreateActiveConversation(context.Background(), 4, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Messages.append(ctx, AppendInput{ConversationID: c.ID, SenderRole: RolePlayer, Body: "detached"})
	if err != nil {
		t.Fatalf("append must not be cancellable once it reaches the store: %v", err)
	}
	if res.Stored.ID == "" {
		t.Fatalf("expected stored message")
	}
}

func TestMessageLog_ListMessages_PagesAndRestarts(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	var convID string
	const total = maxPageLimit + 15
	for i := 0; i < total; i++ {
		res, err := e.SendMessage(ctx, SendInput{PlayerID: 77, SenderRole: RolePlayer, Body: fmt.Sprintf("m%03d", i)})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		convID = res.Conversation.ID
	}

	seq := e.Messages.ListMessages(ctx, convID, "")
	for round := 0; round < 2; round++ {
		n := 0
		var prev Message
		for m, err := range seq {
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
			if n > 0 && !prev.Before(m) {
				t.Fatalf("round %d: out of order at %d", round, n)
			}
			prev = m
			n++
		}
		if n != total {
			t.Fatalf("round %d: got %d messages want %d", round, n, total)
		}
	}

	// Early break stops paging.
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("break not honoured")
	}

	for _, err := range e.Messages.ListMessages(ctx, convID, "unknown") {
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("unknown after id: expected ErrInvalidInput, got %v", err)
		}
	}
}

func TestJanitor_Sweep(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e, err := NewEngine(Deps{Store: st, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := e.SendMessage(context.Background(), SendInput{PlayerID: 1, SenderRole: RolePlayer, Body: "old"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := e.Sessions.ArchiveAll(context.Background(), 1, false); err != nil {
		t.Fatalf("archive: %v", err)
	}

	later := now.Add(31 * 24 * time.Hour)
	j, err := NewJanitor(Deps{Store: st, Now: func() time.Time { return later }}, 30*24*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	n, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}

	off, _ := NewJanitor(Deps{Store: st}, 0, 0)
	if off.Enabled() {
		t.Fatalf("zero retention must disable the janitor")
	}
	if n, err := off.Sweep(context.Background()); n != 0 || err != nil {
		t.Fatalf("disabled sweep: %d %v", n, err)
	}
}
