package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookNotifier_Posts(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)
		got <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Notification{Event: "message.created", PlayerID: 29, ConversationID: "c1", MessageID: "m1"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	body := <-got
	if body["event"] != "message.created" || body["player_id"] != 29.0 || body["conversation_id"] != "c1" || body["message_id"] != "m1" {
		t.Fatalf("unexpected webhook body: %v", body)
	}
}

func TestWebhookNotifier_Non2xxFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Notification{}); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestWebhookNotifier_EmptyURLDisables(t *testing.T) {
	t.Parallel()

	if n := NewWebhookNotifier("  ", 0); n != nil {
		t.Fatalf("empty url must disable the notifier")
	}
}
