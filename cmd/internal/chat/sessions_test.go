package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func newTestEngine(t *testing.T, pub Publisher, rec DeliveryRecorder) *Engine {
	t.Helper()
	e, err := NewEngine(Deps{Store: NewInMemoryStore(), Publisher: pub, Deliveries: rec})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from         Status
		to           Status
		role         Role
		counterparty string
		want         bool
	}{
		{StatusWaiting, StatusActive, RoleStaff, "", true},
		{StatusWaiting, StatusActive, RolePlayer, "", false},
		{StatusActive, StatusWaiting, RoleStaff, "", true},
		{StatusActive, StatusWaiting, RoleStaff, "staff-1", false},
		{StatusWaiting, StatusResolved, RoleStaff, "", true},
		{StatusActive, StatusResolved, RoleStaff, "staff-1", true},
		{StatusActive, StatusResolved, RolePlayer, "", false},
		{StatusResolved, StatusArchived, RolePlayer, "", true},
		{StatusResolved, StatusArchived, RoleStaff, "", true},
		{StatusResolved, StatusActive, RoleStaff, "", false},
		{StatusResolved, StatusWaiting, RoleStaff, "", false},
		{StatusArchived, StatusWaiting, RoleStaff, "", false},
		{StatusWaiting, StatusArchived, RoleStaff, "", false},
		{StatusWaiting, StatusWaiting, RoleStaff, "", false},
	}
	for _, tt := range tests {
		c := Conversation{Status: tt.from, CounterpartyID: tt.counterparty}
		if got := CanTransition(c, tt.to, tt.role); got != tt.want {
			t.Errorf("%s -> %s by %s (counterparty %q): got %v want %v", tt.from, tt.to, tt.role, tt.counterparty, got, tt.want)
		}
	}
}

func TestSessionManager_GetOrCreate_Concurrent(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	e := newTestEngine(t, pub, nil)

	const callers = 64
	var wg sync.WaitGroup
	idsSeen := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := e.Sessions.GetOrCreateActiveConversation(context.Background(), 29, "Pat")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			idsSeen <- c.ID
		}()
	}
	wg.Wait()
	close(idsSeen)

	distinct := map[string]bool{}
	for id := range idsSeen {
		distinct[id] = true
	}
	if len(distinct) != 1 {
		t.Fatalf("expected one conversation, got %d", len(distinct))
	}

	created := 0
	for _, ev := range pub.snapshot() {
		if ev.Type == EventStatusChanged && ev.PreviousStatus == "" {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected one creation event, got %d", created)
	}
}

func TestSessionManager_TransitionStatus(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	e := newTestEngine(t, pub, nil)
	ctx := context.Background()

	c, _, err := e.Sessions.GetOrCreateActiveConversation(ctx, 1, "Pat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.Sessions.TransitionStatus(ctx, c.ID, StatusActive, Actor{Role: RolePlayer}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("player claim: expected ErrInvalidTransition, got %v", err)
	}

	active, err := e.Sessions.TransitionStatus(ctx, c.ID, StatusActive, Actor{Role: RoleStaff, ID: "staff-9"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if active.CounterpartyID != "staff-9" {
		t.Fatalf("expected counterparty staff-9, got %q", active.CounterpartyID)
	}

	if _, err := e.Sessions.TransitionStatus(ctx, c.ID, StatusWaiting, Actor{Role: RoleStaff}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("requeue with assignment: expected ErrInvalidTransition, got %v", err)
	}

	resolved, err := e.Sessions.TransitionStatus(ctx, c.ID, StatusResolved, Actor{Role: RoleStaff, ID: "staff-9"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, err = e.Sessions.TransitionStatus(ctx, c.ID, StatusActive, Actor{Role: RoleStaff})
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("resolved -> active: expected *TransitionError, got %v", err)
	}
	if te.From != StatusResolved || te.To != StatusActive {
		t.Fatalf("unexpected transition error: %+v", te)
	}

	again, err := e.Sessions.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Status != resolved.Status {
		t.Fatalf("rejected transition changed status to %s", again.Status)
	}

	last := pub.snapshot()[len(pub.snapshot())-1]
	if last.Type != EventStatusChanged || last.PreviousStatus != StatusActive || last.Conversation.Status != StatusResolved {
		t.Fatalf("unexpected last event: %+v", last)
	}
}

func TestSessionManager_TransitionStatus_Validation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	if _, err := e.Sessions.TransitionStatus(ctx, "", StatusActive, Actor{Role: RoleStaff}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty id: %v", err)
	}
	if _, err := e.Sessions.TransitionStatus(ctx, "x", "closed", Actor{Role: RoleStaff}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad status: %v", err)
	}
	if _, err := e.Sessions.TransitionStatus(ctx, "x", StatusActive, Actor{Role: "admin"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad role: %v", err)
	}
	if _, err := e.Sessions.TransitionStatus(ctx, "x", StatusActive, Actor{Role: RoleStaff}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestSessionManager_Archive_ResolvesOpenConversation(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	e := newTestEngine(t, pub, nil)
	ctx := context.Background()

	c, _, err := e.Sessions.GetOrCreateActiveConversation(ctx, 29, "Pat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	archived, err := e.Sessions.Archive(ctx, c.ID, Actor{Role: RolePlayer})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != StatusArchived || archived.ResolvedAt == nil || archived.ArchivedAt == nil {
		t.Fatalf("unexpected archived conversation: %+v", archived)
	}

	var steps []Status
	for _, ev := range pub.snapshot() {
		if ev.PreviousStatus != "" {
			steps = append(steps, ev.Conversation.Status)
		}
	}
	if len(steps) != 2 || steps[0] != StatusResolved || steps[1] != StatusArchived {
		t.Fatalf("expected resolved then archived events, got %v", steps)
	}

	again, err := e.Sessions.Archive(ctx, c.ID, Actor{Role: RolePlayer})
	if err != nil || again.Status != StatusArchived {
		t.Fatalf("archive is idempotent: %+v %v", again, err)
	}
}

func TestSessionManager_ArchiveAll_PublishesStatusChanges(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	e := newTestEngine(t, pub, nil)
	ctx := context.Background()

	first, err := e.SendMessage(ctx, SendInput{PlayerID: 8, SenderRole: RolePlayer, Body: "first"})
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	if _, err := e.Sessions.TransitionStatus(ctx, first.Conversation.ID, StatusResolved, Actor{Role: RoleStaff}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := e.SendMessage(ctx, SendInput{PlayerID: 8, SenderRole: RolePlayer, Body: "second"})
	if err != nil {
		t.Fatalf("send second: %v", err)
	}
	if second.Conversation.ID == first.Conversation.ID {
		t.Fatalf("expected a new conversation after resolve")
	}
	if _, err := e.Sessions.TransitionStatus(ctx, second.Conversation.ID, StatusActive, Actor{Role: RoleStaff, ID: "staff-2"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	before := len(pub.snapshot())
	res, err := e.Sessions.ArchiveAll(ctx, 8, false)
	if err != nil {
		t.Fatalf("archive all: %v", err)
	}
	if res.Archived != 2 || len(res.Changed) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	events := pub.snapshot()[before:]
	if len(events) != 2 {
		t.Fatalf("expected 2 status events, got %d: %+v", len(events), events)
	}
	prev := map[string]Status{}
	for _, ev := range events {
		if ev.Type != EventStatusChanged || ev.Conversation.Status != StatusArchived || ev.Conversation.ArchivedAt == nil {
			t.Fatalf("unexpected event: %+v", ev)
		}
		prev[ev.Conversation.ID] = ev.PreviousStatus
	}
	if prev[first.Conversation.ID] != StatusResolved || prev[second.Conversation.ID] != StatusActive {
		t.Fatalf("unexpected previous statuses: %v", prev)
	}

	before = len(pub.snapshot())
	again, err := e.Sessions.ArchiveAll(ctx, 8, false)
	if err != nil {
		t.Fatalf("archive all again: %v", err)
	}
	if again.Archived != 0 || len(pub.snapshot()) != before {
		t.Fatalf("second archive must change nothing: %+v", again)
	}
}

func TestSessionManager_ArchiveAll(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	if _, err := e.SendMessage(ctx, SendInput{PlayerID: 3, SenderRole: RolePlayer, Body: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	res, err := e.Sessions.ArchiveAll(ctx, 3, true)
	if err != nil {
		t.Fatalf("archive all: %v", err)
	}
	if res.Archived != 1 || res.PurgedMessages != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := e.Sessions.ArchiveAll(ctx, 0, false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for player 0, got %v", err)
	}
}
