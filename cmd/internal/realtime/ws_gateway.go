package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/wire"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Sender is the send path shared with the REST API.
type Sender interface {
	SendMessage(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
}

// ObservationRecorder records that a recipient connection received a message.
type ObservationRecorder interface {
	MarkObserved(messageID string) bool
}

// WSGateway is the WebSocket entrypoint for realtime chat.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats. hello subscribes the socket to its bus channels; message.send
// goes through the same engine as the REST API.
type WSGateway struct {
	log       *slog.Logger
	cfg       GatewayConfig
	bus       Bus
	sender    Sender
	observer  ObservationRecorder
	metrics   *metrics.Metrics
	connGroup sync.WaitGroup

	// closing is cancelled by Shutdown and ends every open session. admitMu
	// orders connGroup.Add against Shutdown so Wait never races a new Add.
	admitMu sync.Mutex
	closing context.Context
	stop    context.CancelFunc

	// Derived for websocket.Accept origin checks. Accept authorizes same-host
	// origins by default; cross-origin requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. observer and m may be nil.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, bus Bus, sender Sender, observer ObservationRecorder, m *metrics.Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.sanitize()
	closing, stop := context.WithCancel(context.Background())
	return &WSGateway{
		closing:        closing,
		stop:           stop,
		log:            log,
		cfg:            cfg,
		bus:            bus,
		sender:         sender,
		observer:       observer,
		metrics:        m,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// Wait blocks until every connection handler has returned.
func (g *WSGateway) Wait() {
	g.connGroup.Wait()
}

// Shutdown refuses new sockets and closes the open ones with GoingAway.
// Use Wait to block until they are gone.
func (g *WSGateway) Shutdown() {
	g.admitMu.Lock()
	defer g.admitMu.Unlock()
	g.stop()
}

func (g *WSGateway) admit() bool {
	g.admitMu.Lock()
	defer g.admitMu.Unlock()
	if g.closing.Err() != nil {
		return false
	}
	g.connGroup.Add(1)
	return true
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !g.admit() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.connGroup.Done()

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	sessionID := NewSessionID(time.Now().UTC())
	client := NewClient(sessionID, g.cfg.SendQueue)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(g.closing, cancel)()

	var (
		closeOnce sync.Once
		subMu     sync.Mutex
		sub       Subscription
	)

	// shutdown is idempotent. The bus subscription is released before the
	// client is closed, so no producer holds a client that is tearing down.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			subMu.Lock()
			if sub != nil {
				_ = sub.Close()
				sub = nil
			}
			subMu.Unlock()

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.session.closed", "session_id", sessionID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if now := time.Now().UTC(); !rl.Allow(now) {
			g.sendErrorNow(ctx, conn, "rate_limited", fmt.Sprintf("too many events, retry in %s", rl.RetryAfter(now).Round(time.Millisecond)))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if client.Identified() {
				g.trySendError(ctx, client, "hello_repeated", "hello already completed")
				continue readLoop
			}
			s, err := g.onHello(ctx, client, env)
			if err != nil {
				g.sendErrorNow(ctx, conn, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			subMu.Lock()
			sub = s
			subMu.Unlock()
			go g.forward(ctx, client, s, shutdown)

		case v1.TypeMessageSend:
			if !client.Identified() {
				g.trySendError(ctx, client, "hello_required", "send hello first")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, client, env); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) (Subscription, error) {
	rec, err := DecodePayload(env.Payload)
	if err != nil {
		return nil, err
	}

	role, err := wire.RequiredString(rec, "role")
	if err != nil {
		return nil, err
	}
	convName, err := wire.String(rec, "convention")
	if err != nil {
		return nil, err
	}
	conv, err := wire.ParseConvention(convName)
	if err != nil {
		return nil, err
	}
	displayName, err := wire.String(rec, "displayName")
	if err != nil {
		return nil, err
	}

	switch chat.Role(role) {
	case chat.RolePlayer:
		playerID, err := wire.RequiredInt64(rec, "playerId")
		if err != nil {
			return nil, err
		}
		if playerID <= 0 {
			return nil, errors.New("player_id must be positive")
		}
		client.PlayerID = playerID
	case chat.RoleStaff:
		staffID, err := wire.RequiredString(rec, "staffId")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(staffID) == "" {
			return nil, errors.New("staff_id required")
		}
		client.StaffID = strings.TrimSpace(staffID)
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	client.Role = chat.Role(role)
	client.DisplayName = strings.TrimSpace(displayName)
	client.Convention = conv

	channels := client.Channels()
	s, err := g.bus.Subscribe(ctx, channels...)
	if err != nil {
		g.log.Warn("ws.subscribe.fail", "session_id", client.SessionID, "channels", channels, "err", err)
		return nil, fmt.Errorf("%w: %v", chat.ErrTransportUnavailable, err)
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID, Channels: channels})
	if !g.enqueue(ctx, client, g.render(client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC()))) {
		_ = s.Close()
		return nil, errors.New("backpressure: hello_ack")
	}

	g.log.Info("ws.session.hello",
		"session_id", client.SessionID,
		"role", string(client.Role),
		"player_id", client.PlayerID,
		"staff_id", client.StaffID,
		"convention", string(conv),
	)
	return s, nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	rec, err := DecodePayload(env.Payload)
	if err != nil {
		return err
	}
	convID, err := wire.String(rec, "conversationId")
	if err != nil {
		return err
	}
	clientMsgID, err := wire.String(rec, "clientMsgId")
	if err != nil {
		return err
	}
	body, err := wire.RequiredString(rec, "body")
	if err != nil {
		return err
	}

	in := chat.SendInput{
		ConversationID: strings.TrimSpace(convID),
		DisplayName:    client.DisplayName,
		SenderRole:     client.Role,
		Body:           body,
		ClientMsgID:    strings.TrimSpace(clientMsgID),
	}
	switch client.Role {
	case chat.RolePlayer:
		in.PlayerID = client.PlayerID
	case chat.RoleStaff:
		in.SenderID = client.StaffID
	}

	res, err := g.sender.SendMessage(ctx, in)
	if err != nil {
		return err
	}

	msgRec, err := wire.ToWireFormat(res.Message, wire.Snake)
	if err != nil {
		return err
	}
	msgRaw, _ := json.Marshal(msgRec)
	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ClientMsgID: res.Message.ClientMsgID,
		DeliveryID:  res.DeliveryID,
		Duplicated:  res.Duplicated,
		Message:     msgRaw,
	})

	if !g.enqueue(ctx, client, g.render(client, newEnvelope(v1.TypeMessageAck, ackPayload, time.Now().UTC()))) {
		return errors.New("backpressure: message.ack")
	}
	return nil
}

// forward relays bus payloads to one client until either side closes.
func (g *WSGateway) forward(ctx context.Context, client *Client, sub Subscription, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-sub.Done():
			shutdown(websocket.StatusGoingAway, "subscription closed")
			return
		case raw := <-sub.C():
			if !g.deliver(ctx, client, raw) {
				// The client reconnects and catches up over REST.
				shutdown(websocket.StatusTryAgainLater, "push queue overflow")
				return
			}
		}
	}
}

// deliver queues one bus payload for the client. It reports false when a
// live client could not take the event, which leaves a gap in its stream.
func (g *WSGateway) deliver(ctx context.Context, client *Client, raw []byte) bool {
	var env v1.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.log.Warn("ws.bus.decode.fail", "session_id", client.SessionID, "err", err)
		return true
	}

	messageID, senderRole := "", ""
	if env.Type == v1.TypeMessageCreated {
		messageID, senderRole = createdMessageRef(env.Payload)
	}

	if !g.enqueue(ctx, client, g.render(client, env)) {
		if ctx.Err() != nil {
			return true
		}
		select {
		case <-client.Done():
			return true
		default:
		}
		g.metrics.PushDropped()
		g.log.Warn("ws.push.drop", "session_id", client.SessionID, "type", env.Type)
		return false
	}

	// The sender's own copy does not count as the recipient observing it.
	if g.observer != nil && messageID != "" && senderRole != string(client.Role) {
		g.observer.MarkObserved(messageID)
	}
	return true
}

func createdMessageRef(payload json.RawMessage) (id, senderRole string) {
	var p v1.MessageCreatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", ""
	}
	var m struct {
		ID         string `json:"id"`
		SenderRole string `json:"sender_role"`
	}
	if err := json.Unmarshal(p.Message, &m); err != nil {
		return "", ""
	}
	return m.ID, m.SenderRole
}

// render re-keys an envelope payload for the client's convention.
func (g *WSGateway) render(client *Client, env v1.Envelope) v1.Envelope {
	p, err := RenderPayload(env.Payload, client.Convention)
	if err != nil {
		g.log.Warn("ws.render.fail", "session_id", client.SessionID, "type", env.Type, "err", err)
		return env
	}
	env.Payload = p
	return env
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// sendErrorNow writes an error directly, bypassing the queue, for errors
// that are followed by closing the connection.
func (g *WSGateway) sendErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p, time.Now().UTC()), g.cfg.WriteTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

func errorCode(err error) string {
	if errors.Is(err, wire.ErrFormat) {
		return "format_error"
	}
	return chat.Code(err)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var bad *badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" {
			return nil
		}
		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin
// check in agreement with the allowlist: only hosts taken from it match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if a == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
