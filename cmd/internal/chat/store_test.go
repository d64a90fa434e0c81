package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatsync/cmd/internal/ids"
)

// Every Store implementation must pass the same suite. The Postgres variant
// runs only when CHAT_DATABASE_URL is set, so "go test ./..." needs no services.

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(t *testing.T) Store { return NewInMemoryStore() }},
		{name: "sqlite", open: mustOpenSQLite},
		{name: "postgres", open: mustOpenPostgres},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			st := f.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func mustOpenSQLite(t *testing.T) Store {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := OpenSQLiteStore(ctx, "file::memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return st
}

func mustOpenPostgres(t *testing.T) Store {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHAT_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHAT_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	schema := "chat_it_" + strings.ReplaceAll(ids.NewToken(), "-", "")[:12]
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgIdent1(schema)+` CASCADE`)
	})

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func newID(t *testing.T) string {
	t.Helper()
	id, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	return id
}

func mustCreate(t *testing.T, st Store, playerID int64) Conversation {
	t.Helper()
	c, _, err := st.CreateConversation(context.Background(), CreateConversationInput{
		ID:          newID(t),
		PlayerID:    playerID,
		DisplayName: "p" + fmt.Sprint(playerID),
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func mustAppend(t *testing.T, st Store, convID, clientMsgID, body string, now time.Time) AppendMessageResult {
	t.Helper()
	res, err := st.AppendMessage(context.Background(), AppendMessageInput{
		ID:             newID(t),
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		SenderRole:     RolePlayer,
		Body:           body,
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append %q: %v", body, err)
	}
	return res
}

func TestStore_CreateConversation_SingleOpenUnderConcurrency(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		const callers = 32
		const playerID = 29

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			seen    = make(map[string]int)
			created int
		)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				c, ok, err := st.CreateConversation(context.Background(), CreateConversationInput{
					ID:       newID(t),
					PlayerID: playerID,
					Now:      time.Now().UTC(),
				})
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				mu.Lock()
				seen[c.ID]++
				if ok {
					created++
				}
				mu.Unlock()
			}()
		}
		close(start)
		wg.Wait()

		if len(seen) != 1 {
			t.Fatalf("expected one conversation id, got %d: %v", len(seen), seen)
		}
		if created != 1 {
			t.Fatalf("expected exactly one creation, got %d", created)
		}
	})
}

func TestStore_AppendMessage_DedupeAndMonotonicSentAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		c := mustCreate(t, st, 1)
		now := time.Now().UTC()

		first := mustAppend(t, st, c.ID, "cm-1", "hello", now)
		if first.Duplicated {
			t.Fatalf("first append reported duplicate")
		}
		dup := mustAppend(t, st, c.ID, "cm-1", "hello again", now.Add(time.Second))
		if !dup.Duplicated {
			t.Fatalf("expected duplicate on repeated client_msg_id")
		}
		if dup.Stored.ID != first.Stored.ID || dup.Stored.Body != "hello" {
			t.Fatalf("duplicate must return the original message, got %+v", dup.Stored)
		}

		// Same wall clock for every append: sent_at must still strictly increase.
		second := mustAppend(t, st, c.ID, "", "two", now)
		third := mustAppend(t, st, c.ID, "", "three", now)
		if !first.Stored.SentAt.Before(second.Stored.SentAt) || !second.Stored.SentAt.Before(third.Stored.SentAt) {
			t.Fatalf("sent_at not strictly increasing: %v %v %v",
				first.Stored.SentAt, second.Stored.SentAt, third.Stored.SentAt)
		}
		if !third.Conversation.LastMessageAt.Equal(third.Stored.SentAt) {
			t.Fatalf("last_message_at=%v want %v", third.Conversation.LastMessageAt, third.Stored.SentAt)
		}

		page, err := st.FetchMessages(context.Background(), FetchMessagesInput{ConversationID: c.ID})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(page.Messages) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(page.Messages))
		}
		for i := 1; i < len(page.Messages); i++ {
			if !page.Messages[i-1].Before(page.Messages[i]) {
				t.Fatalf("messages out of order at %d", i)
			}
		}
	})
}

func TestStore_AppendMessage_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		_, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: newID(t), ConversationID: "missing", SenderRole: RolePlayer, Body: "x",
		})
		if !errors.Is(err, ErrConversationNotFound) {
			t.Fatalf("expected ErrConversationNotFound, got %v", err)
		}

		c := mustCreate(t, st, 2)
		if _, err := st.ArchivePlayerConversations(ctx, ArchiveInput{PlayerID: 2}); err != nil {
			t.Fatalf("archive: %v", err)
		}
		_, err = st.AppendMessage(ctx, AppendMessageInput{
			ID: newID(t), ConversationID: c.ID, SenderRole: RolePlayer, Body: "x",
		})
		if !errors.Is(err, ErrConversationArchived) {
			t.Fatalf("expected ErrConversationArchived, got %v", err)
		}
	})
}

func TestStore_FetchMessages_Paging(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		c := mustCreate(t, st, 3)
		now := time.Now().UTC()

		var want []string
		for i := 0; i < 5; i++ {
			res := mustAppend(t, st, c.ID, "", fmt.Sprintf("m%d", i), now.Add(time.Duration(i)*time.Millisecond))
			want = append(want, res.Stored.ID)
		}

		page, err := st.FetchMessages(ctx, FetchMessagesInput{ConversationID: c.ID, Limit: 2})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(page.Messages) != 2 || !page.HasMore {
			t.Fatalf("first page: len=%d hasMore=%v", len(page.Messages), page.HasMore)
		}

		rest, err := st.FetchMessages(ctx, FetchMessagesInput{ConversationID: c.ID, AfterID: page.Messages[1].ID, Limit: 10})
		if err != nil {
			t.Fatalf("fetch after: %v", err)
		}
		if rest.HasMore || len(rest.Messages) != 3 {
			t.Fatalf("second page: len=%d hasMore=%v", len(rest.Messages), rest.HasMore)
		}
		got := []string{page.Messages[0].ID, page.Messages[1].ID}
		for _, m := range rest.Messages {
			got = append(got, m.ID)
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("order mismatch\n got=%v\nwant=%v", got, want)
		}

		_, err = st.FetchMessages(ctx, FetchMessagesInput{ConversationID: c.ID, AfterID: "nope"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("unknown after_id: expected ErrInvalidInput, got %v", err)
		}
		_, err = st.FetchMessages(ctx, FetchMessagesInput{ConversationID: "missing"})
		if !errors.Is(err, ErrConversationNotFound) {
			t.Fatalf("unknown conversation: expected ErrConversationNotFound, got %v", err)
		}
	})
}

func TestStore_UpdateConversationStatus_CompareAndSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		c := mustCreate(t, st, 4)
		staff := "staff-7"

		active, err := st.UpdateConversationStatus(ctx, UpdateStatusInput{
			ConversationID: c.ID, From: StatusWaiting, To: StatusActive, CounterpartyID: &staff,
		})
		if err != nil {
			t.Fatalf("waiting->active: %v", err)
		}
		if active.Status != StatusActive || active.CounterpartyID != staff {
			t.Fatalf("unexpected conversation after claim: %+v", active)
		}

		_, err = st.UpdateConversationStatus(ctx, UpdateStatusInput{
			ConversationID: c.ID, From: StatusWaiting, To: StatusResolved,
		})
		if !errors.Is(err, errStaleStatus) {
			t.Fatalf("stale from: expected errStaleStatus, got %v", err)
		}

		resolved, err := st.UpdateConversationStatus(ctx, UpdateStatusInput{
			ConversationID: c.ID, From: StatusActive, To: StatusResolved,
		})
		if err != nil {
			t.Fatalf("active->resolved: %v", err)
		}
		if resolved.ResolvedAt == nil {
			t.Fatalf("resolved_at not set")
		}
		if resolved.CounterpartyID != staff {
			t.Fatalf("counterparty lost on resolve: %q", resolved.CounterpartyID)
		}

		next, created, err := st.CreateConversation(ctx, CreateConversationInput{ID: newID(t), PlayerID: 4, Now: time.Now().UTC()})
		if err != nil {
			t.Fatalf("create after resolve: %v", err)
		}
		if !created || next.ID == c.ID {
			t.Fatalf("expected a fresh conversation after resolve")
		}

		_, err = st.UpdateConversationStatus(ctx, UpdateStatusInput{ConversationID: "missing", From: StatusWaiting, To: StatusActive})
		if !errors.Is(err, ErrConversationNotFound) {
			t.Fatalf("missing: expected ErrConversationNotFound, got %v", err)
		}
	})
}

func TestStore_ArchivePlayerConversations_HardDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		c := mustCreate(t, st, 5)
		mustAppend(t, st, c.ID, "", "a", time.Now().UTC())
		mustAppend(t, st, c.ID, "", "b", time.Now().UTC())
		other := mustCreate(t, st, 6)
		mustAppend(t, st, other.ID, "", "keep", time.Now().UTC())

		res, err := st.ArchivePlayerConversations(ctx, ArchiveInput{PlayerID: 5, HardDelete: true})
		if err != nil {
			t.Fatalf("archive: %v", err)
		}
		if res.Archived != 1 || res.PurgedMessages != 2 {
			t.Fatalf("unexpected result: %+v", res)
		}
		if len(res.Changed) != 1 {
			t.Fatalf("expected one changed conversation, got %+v", res.Changed)
		}
		ch := res.Changed[0]
		if ch.Conversation.ID != c.ID || ch.Conversation.Status != StatusArchived || ch.PreviousStatus != StatusWaiting {
			t.Fatalf("unexpected change: %+v", ch)
		}

		got, err := st.GetConversation(ctx, c.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusArchived || got.ArchivedAt == nil {
			t.Fatalf("expected archived conversation, got %+v", got)
		}

		page, err := st.FetchMessages(ctx, FetchMessagesInput{ConversationID: c.ID})
		if err != nil {
			t.Fatalf("fetch purged: %v", err)
		}
		if len(page.Messages) != 0 {
			t.Fatalf("expected purged messages, got %d", len(page.Messages))
		}

		page, err = st.FetchMessages(ctx, FetchMessagesInput{ConversationID: other.ID})
		if err != nil {
			t.Fatalf("fetch other: %v", err)
		}
		if len(page.Messages) != 1 {
			t.Fatalf("other player's history must be untouched")
		}
	})
}

func TestStore_PurgeArchived(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := mustCreate(t, st, 7)
		mustAppend(t, st, old.ID, "", "bye", time.Now().UTC())

		archivedAt := time.Now().UTC().Add(-48 * time.Hour)
		if _, err := st.ArchivePlayerConversations(ctx, ArchiveInput{PlayerID: 7, Now: archivedAt}); err != nil {
			t.Fatalf("archive: %v", err)
		}
		fresh := mustCreate(t, st, 8)
		if _, err := st.ArchivePlayerConversations(ctx, ArchiveInput{PlayerID: 8}); err != nil {
			t.Fatalf("archive fresh: %v", err)
		}

		n, err := st.PurgeArchived(ctx, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 purged conversation, got %d", n)
		}
		if _, err := st.GetConversation(ctx, old.ID); !errors.Is(err, ErrConversationNotFound) {
			t.Fatalf("old conversation should be gone, got %v", err)
		}
		if _, err := st.GetConversation(ctx, fresh.ID); err != nil {
			t.Fatalf("fresh archived conversation should stay: %v", err)
		}
	})
}

func TestStore_FetchConversations_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := mustCreate(t, st, 10)
		time.Sleep(2 * time.Millisecond)
		b := mustCreate(t, st, 11)
		time.Sleep(2 * time.Millisecond)
		c := mustCreate(t, st, 12)

		if _, err := st.UpdateConversationStatus(ctx, UpdateStatusInput{ConversationID: b.ID, From: StatusWaiting, To: StatusActive}); err != nil {
			t.Fatalf("claim: %v", err)
		}

		all, err := st.FetchConversations(ctx, FetchConversationsInput{})
		if err != nil {
			t.Fatalf("fetch all: %v", err)
		}
		if len(all.Conversations) != 3 || all.Conversations[0].ID != a.ID || all.Conversations[2].ID != c.ID {
			t.Fatalf("unexpected order: %+v", all.Conversations)
		}

		waiting, err := st.FetchConversations(ctx, FetchConversationsInput{Status: StatusWaiting})
		if err != nil {
			t.Fatalf("fetch waiting: %v", err)
		}
		if len(waiting.Conversations) != 2 {
			t.Fatalf("expected 2 waiting, got %d", len(waiting.Conversations))
		}

		pid := int64(11)
		mine, err := st.FetchConversations(ctx, FetchConversationsInput{PlayerID: &pid})
		if err != nil {
			t.Fatalf("fetch by player: %v", err)
		}
		if len(mine.Conversations) != 1 || mine.Conversations[0].ID != b.ID {
			t.Fatalf("unexpected player filter result: %+v", mine.Conversations)
		}

		page, err := st.FetchConversations(ctx, FetchConversationsInput{AfterID: a.ID, Limit: 1})
		if err != nil {
			t.Fatalf("fetch after: %v", err)
		}
		if len(page.Conversations) != 1 || page.Conversations[0].ID != b.ID || !page.HasMore {
			t.Fatalf("unexpected page: %+v hasMore=%v", page.Conversations, page.HasMore)
		}
	})
}

func TestNextSentAt(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	tests := []struct {
		name string
		now  time.Time
		last time.Time
		want time.Time
	}{
		{"first message", base, time.Time{}, base.Truncate(time.Microsecond)},
		{"clock ahead", base.Add(time.Second), base, base.Add(time.Second).Truncate(time.Microsecond)},
		{"same instant", base, base.Truncate(time.Microsecond), base.Truncate(time.Microsecond).Add(time.Microsecond)},
		{"clock behind", base.Add(-time.Minute), base, base.Truncate(time.Microsecond).Add(time.Microsecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextSentAt(tt.now, tt.last); !got.Equal(tt.want) {
				t.Fatalf("nextSentAt=%v want %v", got, tt.want)
			}
		})
	}
}
