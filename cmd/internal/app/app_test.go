package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/delivery"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/transport"
)

func testConfig() Config {
	return Config{
		Store:              StoreMemory,
		LogFormat:          "json",
		CORSAllowedOrigins: []string{"http://localhost:*"},
		CORSMaxAgeSeconds:  600,
		BusBuffer:          64,
		OpTimeout:          2 * time.Second,
		TrackerCapacity:    100,
		JanitorInterval:    time.Hour,
		ShutdownTimeout:    time.Second,
	}
}

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	m := metrics.New()
	st, pool, err := openStore(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bus, err := openBus(context.Background(), cfg, log, m)
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	a, err := assemble(cfg, log, realtime.DefaultGatewayConfig(), m, st, pool, bus)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	return a, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestApp_HealthReadinessAndMetrics(t *testing.T) {
	a, srv := newTestApp(t, testConfig())
	defer func() {
		srv.Close()
		a.Close()
	}()

	if code, body := get(t, srv.URL+"/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := get(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}

	payload, _ := json.Marshal(map[string]any{"sender_role": "player", "sender_id": "7", "player_id": 7, "body": "hello"})
	resp, err := http.Post(srv.URL+"/messages:send", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing on api answers")
	}

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, `chatsync_messages_appended_total{role="player"} 1`) {
		t.Fatalf("metrics: %d\n%s", code, body)
	}
}

func TestApp_ReadinessRequiresDurableStore(t *testing.T) {
	cfg := testConfig()
	cfg.ReadinessRequireDB = true
	a, srv := newTestApp(t, cfg)
	defer func() {
		srv.Close()
		a.Close()
	}()

	if code, _ := get(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with memory store: %d", code)
	}
}

func TestApp_SQLiteStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store = StoreSQLite
	cfg.SQLiteDSN = "file:" + t.TempDir() + "/chat.db"
	cfg.ReadinessRequireDB = true
	a, srv := newTestApp(t, cfg)
	defer func() {
		srv.Close()
		a.Close()
	}()

	if code, _ := get(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz with sqlite: %d", code)
	}

	client := transport.NewAPIClient(srv.URL)
	conv, created, err := client.GetOrCreate(context.Background(), 12, "Kim")
	if err != nil || !created {
		t.Fatalf("get or create: %v created=%v", err, created)
	}
	if conv.Status != chat.StatusWaiting {
		t.Fatalf("status=%s", conv.Status)
	}
}

func TestApp_LiveSessionAndShutdown(t *testing.T) {
	a, srv := newTestApp(t, testConfig())
	defer srv.Close()

	var mu sync.Mutex
	var bodies []string
	staff, err := transport.NewSession(transport.Config{
		BaseURL:       srv.URL,
		Role:          chat.RoleStaff,
		StaffID:       "s-1",
		DisplayName:   "Sam",
		PullInterval:  50 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		ReconnectMin:  20 * time.Millisecond,
		ReconnectMax:  100 * time.Millisecond,
		Reconciler:    delivery.Options{Window: 20 * time.Millisecond},
		Logger:        slog.New(slog.DiscardHandler),
		OnRelease: func(r delivery.Release) {
			mu.Lock()
			bodies = append(bodies, r.Message.Body)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := staff.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer staff.Close()

	waitFor(t, "push open", staff.PushOpen)

	client := transport.NewAPIClient(srv.URL)
	if _, err := client.SendMessage(context.Background(), chat.SendInput{
		SenderRole: chat.RolePlayer, SenderID: "3", PlayerID: 3, Body: "anyone there?",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "staff release", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1 && bodies[0] == "anyone there?"
	})

	done := make(chan struct{})
	go func() {
		a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not end open sockets")
	}

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("ws after close: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("gateway must refuse sockets after shutdown, got %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
