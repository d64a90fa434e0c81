package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/wire"
)

func TestAPIClient_Lifecycle(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	ctx := context.Background()

	for _, conv := range []wire.Convention{wire.Camel, wire.Snake} {
		t.Run(string(conv), func(t *testing.T) {
			c := NewAPIClient(st.srv.URL, WithConvention(conv))
			pid := int64(100)
			if conv == wire.Snake {
				pid = 200
			}

			created, isNew, err := c.GetOrCreate(ctx, pid, "Pat")
			if err != nil || !isNew || created.PlayerID != pid || created.Status != chat.StatusWaiting {
				t.Fatalf("get or create: %+v new=%v err=%v", created, isNew, err)
			}
			again, isNew, err := c.GetOrCreate(ctx, pid, "Pat")
			if err != nil || isNew || again.ID != created.ID {
				t.Fatalf("second get or create: %+v new=%v err=%v", again, isNew, err)
			}

			res, err := c.SendMessage(ctx, chat.SendInput{ConversationID: created.ID, PlayerID: pid, SenderRole: chat.RolePlayer, Body: "hi", ClientMsgID: "tok-" + string(conv)})
			if err != nil || res.Message.Body != "hi" || res.DeliveryID == "" || res.Duplicated {
				t.Fatalf("send: %+v %v", res, err)
			}
			dup, err := c.SendMessage(ctx, chat.SendInput{ConversationID: created.ID, PlayerID: pid, SenderRole: chat.RolePlayer, Body: "hi", ClientMsgID: "tok-" + string(conv)})
			if err != nil || !dup.Duplicated || dup.Message.ID != res.Message.ID {
				t.Fatalf("retry with the same token: %+v %v", dup, err)
			}

			page, err := c.FetchMessages(ctx, chat.FetchMessagesInput{ConversationID: created.ID})
			if err != nil || len(page.Messages) != 1 || page.HasMore {
				t.Fatalf("fetch: %+v %v", page, err)
			}

			if _, err := c.Transition(ctx, created.ID, chat.StatusActive, chat.Actor{Role: chat.RolePlayer}); !errors.Is(err, chat.ErrInvalidTransition) {
				t.Fatalf("player activation: %v", err)
			}
			var apiErr *APIError
			if _, err := c.Transition(ctx, created.ID, chat.StatusActive, chat.Actor{Role: chat.RolePlayer}); !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
				t.Fatalf("expected 409 APIError, got %v", err)
			}
			active, err := c.Transition(ctx, created.ID, chat.StatusActive, chat.Actor{Role: chat.RoleStaff, ID: "s-1"})
			if err != nil || active.Status != chat.StatusActive || active.CounterpartyID != "s-1" {
				t.Fatalf("staff activation: %+v %v", active, err)
			}

			list, err := c.FetchConversations(ctx, chat.FetchConversationsInput{PlayerID: &pid})
			if err != nil || len(list.Conversations) != 1 {
				t.Fatalf("list: %+v %v", list, err)
			}

			archived, err := c.Archive(ctx, created.ID, chat.Actor{Role: chat.RoleStaff, ID: "s-1"})
			if err != nil || archived.Status != chat.StatusArchived || archived.ArchivedAt == nil {
				t.Fatalf("archive: %+v %v", archived, err)
			}
			if _, err := c.SendMessage(ctx, chat.SendInput{ConversationID: created.ID, PlayerID: pid, SenderRole: chat.RolePlayer, Body: "late"}); !errors.Is(err, chat.ErrConversationArchived) {
				t.Fatalf("send to archived: %v", err)
			}

			all, err := c.ArchiveAll(ctx, pid, true)
			if err != nil || all.PurgedMessages != 1 {
				t.Fatalf("archive all: %+v %v", all, err)
			}

			if _, err := c.FetchMessages(ctx, chat.FetchMessagesInput{ConversationID: "missing"}); !errors.Is(err, chat.ErrConversationNotFound) {
				t.Fatalf("unknown conversation: %v", err)
			}
		})
	}
}

func TestAPIClient_SendRetriesOverload(t *testing.T) {
	t.Parallel()
	st := newStack(t)

	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"code":"store_unavailable","message":"try later"}}`))
			return
		}
		st.srv.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(flaky.Close)

	c := NewAPIClient(flaky.URL)
	res, err := c.SendMessage(context.Background(), chat.SendInput{PlayerID: 5, SenderRole: chat.RolePlayer, Body: "eventually", ClientMsgID: "tok-r"})
	if err != nil || res.Message.Body != "eventually" {
		t.Fatalf("send with retries: %+v %v", res, err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}

	calls.Store(0)
	if _, err := c.SendMessage(context.Background(), chat.SendInput{PlayerID: 5, SenderRole: chat.RolePlayer, Body: "once"}); !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Fatalf("untokened send must not retry: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestAPIClient_PermanentErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_input","message":"empty body"}}`))
	}))
	t.Cleanup(srv.Close)

	c := NewAPIClient(srv.URL)
	_, err := c.SendMessage(context.Background(), chat.SendInput{PlayerID: 1, SenderRole: chat.RolePlayer, Body: "x", ClientMsgID: "t"})
	if !errors.Is(err, chat.ErrInvalidInput) || calls.Load() != 1 {
		t.Fatalf("err=%v calls=%d", err, calls.Load())
	}
}
