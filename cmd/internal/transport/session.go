package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/delivery"
	"chatsync/cmd/internal/wire"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultPullInterval  = 3 * time.Second
	defaultFlushInterval = 50 * time.Millisecond
	defaultReconnectMin  = 250 * time.Millisecond
	defaultReconnectMax  = 30 * time.Second
	defaultHandshake     = 10 * time.Second

	// While push is open, catch-up runs every verifyFactor pull intervals.
	verifyFactor = 10

	pullPageSize      = 100
	discoverPageLimit = 50
	maxFrameBytes     = 64 << 10
)

// Config describes one portal session.
type Config struct {
	// BaseURL is the chat API root, e.g. http://chat.internal:8080.
	BaseURL string
	// WSURL defaults to BaseURL with a ws scheme and the /ws path.
	WSURL string
	// Origin is sent on the websocket handshake; defaults to the BaseURL origin.
	Origin string

	Role        chat.Role
	PlayerID    int64
	StaffID     string
	DisplayName string
	Convention  wire.Convention

	PullInterval time.Duration
	// VerifyInterval is how often catch-up still runs while push is open, so
	// an event the server dropped is fetched. Defaults to 10 pull intervals.
	VerifyInterval time.Duration
	FlushInterval  time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration

	Reconciler delivery.Options
	Logger     *slog.Logger

	// OnRelease receives every message leaving the reconciler, in order.
	OnRelease func(delivery.Release)
	// OnStatus receives conversation status changes seen on the push path.
	OnStatus func(chat.Conversation)
}

// Session is one portal session. It owns its reconciler and its push
// subscription; nothing is shared between sessions.
type Session struct {
	cfg Config
	log *slog.Logger
	api *APIClient
	rec *delivery.Reconciler

	pushOpen atomic.Bool

	mu sync.Mutex
	// watched maps a conversation id to its pull cursor: the last message up
	// to which the conversation is known to be complete. Only pull pages move
	// it; push and send observations may skip over a gap.
	watched map[string]*chat.Message
	started bool
	closed  bool
	cancel  context.CancelFunc

	loops   sync.WaitGroup
	emitMu  sync.Mutex
	catchMu sync.Mutex
}

// NewSession validates cfg and applies defaults. Nothing connects until Start.
func NewSession(cfg Config) (*Session, error) {
	switch cfg.Role {
	case chat.RolePlayer:
		if cfg.PlayerID <= 0 {
			return nil, errors.New("transport: player session requires a positive player id")
		}
	case chat.RoleStaff:
		cfg.StaffID = strings.TrimSpace(cfg.StaffID)
		if cfg.StaffID == "" {
			return nil, errors.New("transport: staff session requires a staff id")
		}
	default:
		return nil, fmt.Errorf("transport: unknown role %q", cfg.Role)
	}

	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("transport: invalid base url %q", cfg.BaseURL)
	}
	if cfg.WSURL == "" {
		ws := *base
		ws.Scheme = "ws"
		if base.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path = strings.TrimRight(base.Path, "/") + "/ws"
		cfg.WSURL = ws.String()
	}
	if cfg.Origin == "" {
		cfg.Origin = base.Scheme + "://" + base.Host
	}
	if cfg.Convention == "" {
		cfg.Convention = wire.Camel
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = defaultPullInterval
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = verifyFactor * cfg.PullInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	log := cfg.Logger.With("role", string(cfg.Role))
	if cfg.Role == chat.RolePlayer {
		log = log.With("player_id", cfg.PlayerID)
	} else {
		log = log.With("staff_id", cfg.StaffID)
	}

	return &Session{
		cfg:     cfg,
		log:     log,
		api:     NewAPIClient(base.String(), WithConvention(cfg.Convention)),
		rec:     delivery.NewReconciler(cfg.Reconciler),
		watched: make(map[string]*chat.Message),
	}, nil
}

// API exposes the session's REST client for lifecycle calls.
func (s *Session) API() *APIClient { return s.api }

// PushOpen reports whether the push subscription is currently established.
func (s *Session) PushOpen() bool { return s.pushOpen.Load() }

// Start discovers the conversations to follow and starts the push, pull and
// flush loops. ctx bounds the session's lifetime; Close ends it earlier.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("transport: session already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	// The pull loop retries discovery, so a failure here is not fatal.
	if err := s.discover(ctx); err != nil {
		s.log.Warn("transport.discover.fail", "err", err)
	}

	s.loops.Add(3)
	go s.pushLoop(ctx)
	go s.pullLoop(ctx)
	go s.flushLoop(ctx)

	s.log.Info("transport.session.start", "ws_url", s.cfg.WSURL)
	return nil
}

// Close stops every loop and releases whatever the reconciler still holds.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	s.pushOpen.Store(false)
	s.emit(s.rec.Drain())

	s.log.Info("transport.session.closed")
	return nil
}

// Watch adds a conversation to the pull catch-up set.
func (s *Session) Watch(conversationID string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[conversationID]; !ok {
		s.watched[conversationID] = nil
	}
}

// Unwatch removes a conversation from the catch-up set.
func (s *Session) Unwatch(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, conversationID)
}

// Send shows the optimistic echo, posts the message and observes the stored
// copy, which replaces the echo on release. A player may omit conversationID
// to use (or open) its current conversation.
func (s *Session) Send(ctx context.Context, conversationID, body string) (delivery.Observation, chat.SendResult, error) {
	if strings.TrimSpace(body) == "" {
		return delivery.Observation{}, chat.SendResult{}, fmt.Errorf("transport: %w: empty body", chat.ErrInvalidInput)
	}
	if utf8.RuneCountInString(body) > chat.MaxBodyChars {
		return delivery.Observation{}, chat.SendResult{}, fmt.Errorf("transport: %w: body exceeds %d characters", chat.ErrInvalidInput, chat.MaxBodyChars)
	}

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		if s.cfg.Role != chat.RolePlayer {
			return delivery.Observation{}, chat.SendResult{}, fmt.Errorf("transport: %w: conversation id required", chat.ErrInvalidInput)
		}
		conv, _, err := s.api.GetOrCreate(ctx, s.cfg.PlayerID, s.cfg.DisplayName)
		if err != nil {
			return delivery.Observation{}, chat.SendResult{}, err
		}
		conversationID = conv.ID
	}
	s.Watch(conversationID)

	echo, err := s.rec.Echo(chat.Message{
		ConversationID:    conversationID,
		SenderRole:        s.cfg.Role,
		SenderDisplayName: s.cfg.DisplayName,
		Body:              body,
	})
	if err != nil {
		return delivery.Observation{}, chat.SendResult{}, err
	}

	in := chat.SendInput{
		ConversationID: conversationID,
		DisplayName:    s.cfg.DisplayName,
		SenderRole:     s.cfg.Role,
		Body:           body,
		ClientMsgID:    echo.Message.ClientMsgID,
	}
	if s.cfg.Role == chat.RolePlayer {
		in.PlayerID = s.cfg.PlayerID
	} else {
		in.SenderID = s.cfg.StaffID
	}

	res, err := s.api.SendMessage(ctx, in)
	if err != nil {
		s.log.Warn("transport.send.fail", "conversation_id", conversationID, "client_msg_id", in.ClientMsgID, "err", err)
		return echo, chat.SendResult{}, err
	}

	m := res.Message
	s.observe(delivery.RawEvent{Source: delivery.SourcePull, Message: &m})
	return echo, res, nil
}

// ---- loops ----

func (s *Session) pushLoop(ctx context.Context) {
	defer s.loops.Done()

	b := s.newBackOff()
	for {
		err := s.runPush(ctx, b)
		s.pushOpen.Store(false)
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		s.log.Warn("transport.push.down",
			"retry_in", wait,
			"err", fmt.Errorf("%w: %v", chat.ErrTransportUnavailable, err),
		)
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// runPush holds one push connection until it fails or ctx ends.
func (s *Session) runPush(ctx context.Context, b *backoff.ExponentialBackOff) error {
	dialCtx, cancel := context.WithTimeout(ctx, defaultHandshake)
	conn, _, err := websocket.Dial(dialCtx, s.cfg.WSURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": []string{s.cfg.Origin}},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := s.hello(ctx, conn)
	if err != nil {
		return err
	}

	s.pushOpen.Store(true)
	b.Reset()
	s.log.Info("transport.push.open", "session_id", sessionID)

	// Whatever was sent while the socket was down is fetched once.
	if err := s.catchUp(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("transport.catchup.fail", "err", err)
	}

	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handlePush(env)
	}
}

func (s *Session) hello(ctx context.Context, conn *websocket.Conn) (string, error) {
	payload, err := json.Marshal(v1.HelloPayload{
		Role:        string(s.cfg.Role),
		PlayerID:    s.cfg.PlayerID,
		StaffID:     s.cfg.StaffID,
		DisplayName: s.cfg.DisplayName,
		Convention:  string(s.cfg.Convention),
	})
	if err != nil {
		return "", err
	}

	hctx, cancel := context.WithTimeout(ctx, defaultHandshake)
	defer cancel()

	if err := wsjson.Write(hctx, conn, v1.Envelope{V: v1.Version, Type: v1.TypeHello, TS: time.Now().UTC(), Payload: payload}); err != nil {
		return "", fmt.Errorf("hello: %w", err)
	}

	var ack v1.Envelope
	if err := wsjson.Read(hctx, conn, &ack); err != nil {
		return "", fmt.Errorf("hello: %w", err)
	}
	rec, err := decodePayload(ack.Payload)
	if err != nil {
		return "", fmt.Errorf("hello: %w", err)
	}

	switch ack.Type {
	case v1.TypeHelloAck:
		sessionID, _ := wire.String(rec, "sessionId")
		return sessionID, nil
	case v1.TypeError:
		code, _ := wire.String(rec, "code")
		msg, _ := wire.String(rec, "message")
		return "", fmt.Errorf("hello rejected: %s: %s", code, msg)
	default:
		return "", fmt.Errorf("hello: unexpected %q before hello_ack", ack.Type)
	}
}

func (s *Session) handlePush(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageCreated:
		rec, err := decodePayload(env.Payload)
		if err != nil {
			s.log.Warn("transport.push.decode.fail", "type", env.Type, "err", err)
			return
		}
		if conv, err := conversationField(rec, "conversation"); err == nil {
			s.Watch(conv.ID)
		}
		msg, err := nested(rec, "message")
		if err != nil {
			s.log.Warn("transport.push.decode.fail", "type", env.Type, "err", err)
			return
		}
		s.observe(delivery.RawEvent{Source: delivery.SourcePush, Record: msg})

	case v1.TypeStatusChanged:
		rec, err := decodePayload(env.Payload)
		if err != nil {
			s.log.Warn("transport.push.decode.fail", "type", env.Type, "err", err)
			return
		}
		conv, err := conversationField(rec, "conversation")
		if err != nil {
			s.log.Warn("transport.push.decode.fail", "type", env.Type, "err", err)
			return
		}
		if conv.Status == chat.StatusArchived {
			s.Unwatch(conv.ID)
		} else {
			s.Watch(conv.ID)
		}
		if s.cfg.OnStatus != nil {
			s.cfg.OnStatus(conv)
		}

	case v1.TypeError:
		rec, _ := decodePayload(env.Payload)
		code, _ := wire.String(rec, "code")
		s.log.Warn("transport.push.error", "code", code)
	}
}

// pullLoop polls watched conversations every pull interval while push is
// not open, and every verify interval while it is.
func (s *Session) pullLoop(ctx context.Context) {
	defer s.loops.Done()

	b := s.newBackOff()
	t := time.NewTimer(s.cfg.PullInterval)
	defer t.Stop()

	var lastSync time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		wait := s.cfg.PullInterval
		if !s.pushOpen.Load() || time.Since(lastSync) >= s.cfg.VerifyInterval {
			err := s.discover(ctx)
			if err == nil {
				err = s.catchUp(ctx)
			}
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				wait = b.NextBackOff()
				s.log.Warn("transport.pull.fail", "retry_in", wait, "err", err)
			default:
				b.Reset()
				lastSync = time.Now()
			}
		}
		t.Reset(wait)
	}
}

func (s *Session) flushLoop(ctx context.Context) {
	defer s.loops.Done()

	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.emit(s.rec.Flush(now))
		}
	}
}

// ---- helpers ----

// discover adds the conversations this session should follow: the player's
// open conversation, or the open queue for staff.
func (s *Session) discover(ctx context.Context) error {
	for _, st := range []chat.Status{chat.StatusWaiting, chat.StatusActive} {
		in := chat.FetchConversationsInput{Status: st, Limit: discoverPageLimit}
		if s.cfg.Role == chat.RolePlayer {
			pid := s.cfg.PlayerID
			in.PlayerID = &pid
		}
		res, err := s.api.FetchConversations(ctx, in)
		if err != nil {
			return err
		}
		for _, c := range res.Conversations {
			s.Watch(c.ID)
		}
	}
	return nil
}

// catchUp fetches every watched conversation after its last seen message.
func (s *Session) catchUp(ctx context.Context) error {
	s.catchMu.Lock()
	defer s.catchMu.Unlock()

	for _, id := range s.watchedIDs() {
		if err := s.catchUpOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) catchUpOne(ctx context.Context, id string) error {
	for {
		after := s.lastSeen(id)
		res, err := s.api.FetchMessages(ctx, chat.FetchMessagesInput{ConversationID: id, AfterID: after, Limit: pullPageSize})
		switch {
		case errors.Is(err, chat.ErrConversationNotFound):
			s.Unwatch(id)
			return nil
		case errors.Is(err, chat.ErrInvalidInput) && after != "":
			// The cursor message is gone; start over, the reconciler drops repeats.
			s.resetSeen(id)
			continue
		case err != nil:
			return err
		}

		for i := range res.Messages {
			s.observe(delivery.RawEvent{Source: delivery.SourcePull, Message: &res.Messages[i]})
			s.advance(res.Messages[i])
		}
		if !res.HasMore || len(res.Messages) == 0 {
			return nil
		}
	}
}

func (s *Session) observe(ev delivery.RawEvent) {
	if _, err := s.rec.Observe(ev); err != nil {
		s.log.Warn("transport.observe.fail", "source", string(ev.Source), "err", err)
	}
}

func (s *Session) advance(m chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.watched[m.ConversationID]
	if !ok {
		return
	}
	if cur == nil || cur.Before(m) {
		s.watched[m.ConversationID] = &m
	}
}

func (s *Session) lastSeen(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.watched[id]; m != nil {
		return m.ID
	}
	return ""
}

func (s *Session) resetSeen(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[id]; ok {
		s.watched[id] = nil
	}
}

func (s *Session) watchedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.watched))
	for id := range s.watched {
		out = append(out, id)
	}
	return out
}

func (s *Session) emit(rels []delivery.Release) {
	if len(rels) == 0 || s.cfg.OnRelease == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, r := range rels {
		s.cfg.OnRelease(r)
	}
}

func (s *Session) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectMin
	b.MaxInterval = s.cfg.ReconnectMax
	b.Reset()
	return b
}

func decodePayload(raw json.RawMessage) (wire.Record, error) {
	if len(raw) == 0 {
		return wire.Record{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec wire.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, &wire.FormatError{Field: "payload", Reason: err.Error()}
	}
	return wire.Canonical(rec)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
