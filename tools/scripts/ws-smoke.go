// Package main provides a CI-friendly smoke test for a running chatsync server.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack for a player (camel) and a staff (snake) connection
//   - send over the socket -> ack
//   - message.created fanned out to staff in its own convention
//   - idempotent resend by client_msg_id
//   - catch-up over the HTTP API
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL   = flag.String("api", "", "HTTP API base URL (derived from -url when empty)")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		playerID = flag.Int64("player", 0, "Player id (random when zero)")
		text     = flag.String("text", "hello from the smoke test 👋", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	base := strings.TrimSpace(*apiURL)
	if base == "" {
		base = deriveAPIURL(*wsURL)
	}
	pid := *playerID
	if pid <= 0 {
		pid = 1_000_000 + time.Now().UnixNano()%1_000_000
	}

	ctx := context.Background()

	staff := mustConnect(ctx, "staff", *wsURL, *origin, v1.HelloPayload{
		Role: v1.RoleStaff, StaffID: "smoke-staff", DisplayName: "Smoke Staff", Convention: "snake",
	}, *timeout)
	defer closeWS(staff.conn)

	player := mustConnect(ctx, "player", *wsURL, *origin, v1.HelloPayload{
		Role: v1.RolePlayer, PlayerID: pid, DisplayName: "Smoke Player",
	}, *timeout)
	defer closeWS(player.conn)

	if *verbose {
		fmt.Printf("connected staff=%s player=%s player_id=%d\n", staff.sessionID, player.sessionID, pid)
	}

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	msgID, convID := mustSendAndAssertAck(ctx, player, clientMsgID, *text, false, *timeout)
	if *verbose {
		fmt.Printf("ack id=%s conversation=%s\n", msgID, convID)
	}

	mustAssertCreated(ctx, staff, msgID, clientMsgID, *text, *timeout)

	again, _ := mustSendAndAssertAck(ctx, player, clientMsgID, *text, true, *timeout)
	if again != msgID {
		fatalf("resend must return the original message: got=%s want=%s", again, msgID)
	}
	mustAssertNoCreated(ctx, staff, 500*time.Millisecond)

	mustCatchUpContains(ctx, base, convID, msgID, *timeout)

	fmt.Println("OK")
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func deriveAPIURL(wsURL string) string {
	u, _ := url.Parse(wsURL)
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	return strings.TrimSuffix(u.String(), "/")
}

func mustConnect(parent context.Context, name, wsURL, origin string, hello v1.HelloPayload, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      name + "-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSON(hello),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	// Payloads follow the connection convention: session_id or sessionId.
	p := mustRecord(ack.Payload)
	sid, _ := p["session_id"].(string)
	if sid == "" {
		sid, _ = p["sessionId"].(string)
	}
	channels, _ := p["channels"].([]any)
	if strings.TrimSpace(sid) == "" || len(channels) == 0 {
		fatalf("hello_ack incomplete (%s): %v", name, p)
	}
	c.sessionID = sid
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustSendAndAssertAck returns the server message id and its conversation id.
func mustSendAndAssertAck(parent context.Context, c *smokeClient, clientMsgID, text string, wantDuplicate bool, stepTimeout time.Duration) (string, string) {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   c.name + "-send",
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ClientMsgID: clientMsgID,
			Body:        text,
		}),
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageCreated: {}, v1.TypeStatusChanged: {}}
	env := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	p := mustRecord(env.Payload)
	if p["clientMsgId"] != clientMsgID {
		fatalf("ack clientMsgId mismatch: got=%v want=%q", p["clientMsgId"], clientMsgID)
	}
	if dup, _ := p["duplicated"].(bool); dup != wantDuplicate {
		fatalf("ack duplicated=%v want=%v", dup, wantDuplicate)
	}
	raw, _ := json.Marshal(p["message"])

	msg := mustRecord(raw)
	id, _ := msg["id"].(string)
	convID, _ := msg["conversationId"].(string)
	if id == "" || convID == "" {
		fatalf("ack message incomplete (camel expected): %v", msg)
	}
	if msg["body"] != text {
		fatalf("ack body mismatch: %v", msg["body"])
	}
	return id, convID
}

func mustAssertCreated(parent context.Context, c *smokeClient, msgID, clientMsgID, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeStatusChanged: {}}
	env := c.mustReadUntilType(parent, v1.TypeMessageCreated, stepTimeout, skip)

	var p v1.MessageCreatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.created: %v", err)
	}
	msg := mustRecord(p.Message)
	if msg["id"] != msgID || msg["client_msg_id"] != clientMsgID || msg["body"] != text {
		fatalf("message.created mismatch (snake expected): %v", msg)
	}
	if _, camel := msg["conversationId"]; camel {
		fatalf("camel key leaked into a snake connection: %v", msg)
	}
	if p.DeliveryID == "" {
		fatalf("message.created without delivery_id")
	}
}

func mustAssertNoCreated(parent context.Context, c *smokeClient, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("read loop error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if env.Type == v1.TypeMessageCreated {
				fatalf("duplicate send fanned out again (%s)", c.name)
			}
		}
	}
}

func mustCatchUpContains(parent context.Context, base, convID, msgID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	q := url.Values{"conversation_id": {convID}, "limit": {strconv.Itoa(50)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/messages?"+q.Encode(), nil)
	if err != nil {
		fatalf("catch-up request: %v", err)
	}
	req.Header.Set("X-Field-Convention", "snake")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("catch-up: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK {
		fatalf("catch-up status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Messages []map[string]any `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("catch-up json: %v", err)
	}
	n := 0
	for _, m := range out.Messages {
		if m["id"] == msgID {
			n++
		}
	}
	if n != 1 {
		fatalf("catch-up must list the message exactly once, got %d in %s", n, raw)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", wantType, c.name)
		case err := <-c.errCh:
			fatalf("read loop error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				fatalf("server error (%s): %s %s", c.name, p.Code, p.Message)
			}
			if _, ok := skipTypes[env.Type]; !ok {
				fatalf("unexpected %s while waiting for %s (%s)", env.Type, wantType, c.name)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s: %v", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func mustRecord(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		fatalf("bad record: %v", err)
	}
	return m
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
