// Package transport is the portal side of the delivery engine: a REST client
// for the chat API and a per-session push subscription with pull fallback.
// Everything a session observes goes through its own delivery.Reconciler.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/wire"

	"github.com/cenkalti/backoff/v5"
	"github.com/valyala/fasthttp"
)

// ConventionHeader must match the header read by the HTTP API.
const ConventionHeader = "X-Field-Convention"

const (
	defaultRequestTimeout = 10 * time.Second
	defaultSendTries      = 4
)

// APIError is a non-2xx answer from the chat API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the error code back onto the engine's error classes so callers
// can use errors.Is on either side of the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "format_error":
		return wire.ErrFormat
	case "invalid_input":
		return chat.ErrInvalidInput
	case "not_found":
		return chat.ErrConversationNotFound
	case "conversation_archived":
		return chat.ErrConversationArchived
	case "invalid_transition":
		return chat.ErrInvalidTransition
	case "store_unavailable":
		return chat.ErrStoreUnavailable
	default:
		return nil
	}
}

func (e *APIError) retryable() bool {
	return e.Status == fasthttp.StatusServiceUnavailable ||
		e.Status == fasthttp.StatusBadGateway ||
		e.Status == fasthttp.StatusGatewayTimeout ||
		e.Status == fasthttp.StatusTooManyRequests
}

// APIClient talks to the chat HTTP API in one field convention.
type APIClient struct {
	baseURL string
	http    *fasthttp.Client
	conv    wire.Convention

	timeout   time.Duration
	sendTries uint
}

type APIOption func(*APIClient)

// WithConvention selects the field convention of requests and responses.
func WithConvention(conv wire.Convention) APIOption {
	return func(c *APIClient) { c.conv = conv }
}

func WithRequestTimeout(d time.Duration) APIOption {
	return func(c *APIClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSendTries bounds the attempts of an idempotent send.
func WithSendTries(n uint) APIOption {
	return func(c *APIClient) {
		if n > 0 {
			c.sendTries = n
		}
	}
}

func NewAPIClient(baseURL string, opts ...APIOption) *APIClient {
	c := &APIClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &fasthttp.Client{ReadTimeout: defaultRequestTimeout, WriteTimeout: defaultRequestTimeout, MaxConnsPerHost: 64},
		conv:      wire.Camel,
		timeout:   defaultRequestTimeout,
		sendTries: defaultSendTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCreate returns the player's open conversation and whether it was created.
func (c *APIClient) GetOrCreate(ctx context.Context, playerID int64, displayName string) (chat.Conversation, bool, error) {
	out, status, err := c.doJSON(ctx, fasthttp.MethodPost, "/conversations:getOrCreate", nil, wire.Record{
		"playerId":    playerID,
		"displayName": displayName,
	})
	if err != nil {
		return chat.Conversation{}, false, err
	}
	conv, err := wire.ConversationFromWire(out)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	return conv, status == fasthttp.StatusCreated, nil
}

// SendMessage posts a message. With a client token the request is idempotent
// and is retried on transport failures and overloaded answers.
func (c *APIClient) SendMessage(ctx context.Context, in chat.SendInput) (chat.SendResult, error) {
	req := wire.Record{
		"senderRole": string(in.SenderRole),
		"body":       in.Body,
	}
	if in.ConversationID != "" {
		req["conversationId"] = in.ConversationID
	}
	if in.PlayerID > 0 {
		req["playerId"] = in.PlayerID
	}
	if in.DisplayName != "" {
		req["displayName"] = in.DisplayName
	}
	if in.SenderID != "" {
		req["senderId"] = in.SenderID
	}
	if in.ClientMsgID != "" {
		req["clientMsgId"] = in.ClientMsgID
	}

	tries := c.sendTries
	if in.ClientMsgID == "" {
		tries = 1
	}

	op := func() (wire.Record, error) {
		out, _, err := c.doJSON(ctx, fasthttp.MethodPost, "/messages:send", nil, req)
		if err == nil {
			return out, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return nil, backoff.Permanent(err)
		}
		if errors.Is(err, wire.ErrFormat) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	out, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	if err != nil {
		return chat.SendResult{}, err
	}

	var res chat.SendResult
	if res.Message, err = messageField(out, "message"); err != nil {
		return chat.SendResult{}, err
	}
	if res.Conversation, err = conversationField(out, "conversation"); err != nil {
		return chat.SendResult{}, err
	}
	if res.DeliveryID, err = wire.String(out, "deliveryId"); err != nil {
		return chat.SendResult{}, err
	}
	if res.Duplicated, err = wire.Bool(out, "duplicated"); err != nil {
		return chat.SendResult{}, err
	}
	return res, nil
}

// FetchMessages reads one page of a conversation after AfterID.
func (c *APIClient) FetchMessages(ctx context.Context, in chat.FetchMessagesInput) (chat.FetchMessagesResult, error) {
	q := url.Values{}
	q.Set(wire.Name("conversationId", c.conv), in.ConversationID)
	if in.AfterID != "" {
		q.Set(wire.Name("afterId", c.conv), in.AfterID)
	}
	if in.Limit > 0 {
		q.Set("limit", strconv.Itoa(in.Limit))
	}

	out, _, err := c.doJSON(ctx, fasthttp.MethodGet, "/messages", q, nil)
	if err != nil {
		return chat.FetchMessagesResult{}, err
	}

	items, err := recordList(out, "messages")
	if err != nil {
		return chat.FetchMessagesResult{}, err
	}
	res := chat.FetchMessagesResult{Messages: make([]chat.Message, 0, len(items))}
	for _, rec := range items {
		m, err := wire.MessageFromWire(rec)
		if err != nil {
			return chat.FetchMessagesResult{}, err
		}
		res.Messages = append(res.Messages, m)
	}
	if res.HasMore, err = wire.Bool(out, "hasMore"); err != nil {
		return chat.FetchMessagesResult{}, err
	}
	return res, nil
}

// FetchConversations reads one page of the conversation index.
func (c *APIClient) FetchConversations(ctx context.Context, in chat.FetchConversationsInput) (chat.FetchConversationsResult, error) {
	q := url.Values{}
	if in.PlayerID != nil {
		q.Set(wire.Name("playerId", c.conv), strconv.FormatInt(*in.PlayerID, 10))
	}
	if in.Status != "" {
		q.Set("status", string(in.Status))
	}
	if in.AfterID != "" {
		q.Set(wire.Name("afterId", c.conv), in.AfterID)
	}
	if in.Limit > 0 {
		q.Set("limit", strconv.Itoa(in.Limit))
	}

	out, _, err := c.doJSON(ctx, fasthttp.MethodGet, "/conversations", q, nil)
	if err != nil {
		return chat.FetchConversationsResult{}, err
	}

	items, err := recordList(out, "conversations")
	if err != nil {
		return chat.FetchConversationsResult{}, err
	}
	res := chat.FetchConversationsResult{Conversations: make([]chat.Conversation, 0, len(items))}
	for _, rec := range items {
		conv, err := wire.ConversationFromWire(rec)
		if err != nil {
			return chat.FetchConversationsResult{}, err
		}
		res.Conversations = append(res.Conversations, conv)
	}
	if res.HasMore, err = wire.Bool(out, "hasMore"); err != nil {
		return chat.FetchConversationsResult{}, err
	}
	return res, nil
}

// Transition requests a status change on behalf of actor.
func (c *APIClient) Transition(ctx context.Context, conversationID string, to chat.Status, actor chat.Actor) (chat.Conversation, error) {
	req := wire.Record{"newStatus": string(to), "actorRole": string(actor.Role)}
	if actor.ID != "" {
		req["actorId"] = actor.ID
	}
	out, _, err := c.doJSON(ctx, fasthttp.MethodPost, "/conversations/"+url.PathEscape(conversationID)+":transition", nil, req)
	if err != nil {
		return chat.Conversation{}, err
	}
	return wire.ConversationFromWire(out)
}

// Archive archives one conversation.
func (c *APIClient) Archive(ctx context.Context, conversationID string, actor chat.Actor) (chat.Conversation, error) {
	req := wire.Record{}
	if actor.Role != "" {
		req["actorRole"] = string(actor.Role)
	}
	if actor.ID != "" {
		req["actorId"] = actor.ID
	}
	out, _, err := c.doJSON(ctx, fasthttp.MethodPost, "/conversations/"+url.PathEscape(conversationID)+":archive", nil, req)
	if err != nil {
		return chat.Conversation{}, err
	}
	return conversationField(out, "conversation")
}

// ArchiveAll archives every conversation of a player, optionally purging messages.
func (c *APIClient) ArchiveAll(ctx context.Context, playerID int64, hardDelete bool) (chat.ArchiveResult, error) {
	path := "/players/" + strconv.FormatInt(playerID, 10) + "/conversations:archiveAll"
	out, _, err := c.doJSON(ctx, fasthttp.MethodPost, path, nil, wire.Record{"hardDelete": hardDelete})
	if err != nil {
		return chat.ArchiveResult{}, err
	}
	var res chat.ArchiveResult
	if res.Archived, err = wire.Int64(out, "archived"); err != nil {
		return chat.ArchiveResult{}, err
	}
	if res.PurgedMessages, err = wire.Int64(out, "purgedMessages"); err != nil {
		return chat.ArchiveResult{}, err
	}
	return res, nil
}

// doJSON performs one request. The body is sent in the client convention and
// the answer is returned with canonical field names at the top level.
func (c *APIClient) doJSON(ctx context.Context, method, path string, query url.Values, in wire.Record) (wire.Record, int, error) {
	uri := c.baseURL + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	req.Header.SetContentType("application/json")
	req.Header.Set(ConventionHeader, string(c.conv))

	if in != nil {
		payload, err := json.Marshal(wire.Rename(in, c.conv))
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if err := c.http.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	body := resp.Body()

	if status < 200 || status >= 300 {
		apiErr := &APIError{Status: status}
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil {
			apiErr.Code, apiErr.Message = e.Error.Code, e.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = truncate(string(body), 512)
		}
		return nil, status, apiErr
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out wire.Record
	if err := dec.Decode(&out); err != nil {
		return nil, status, &wire.FormatError{Field: "response", Reason: err.Error()}
	}
	out, err := wire.Canonical(out)
	if err != nil {
		return nil, status, err
	}
	return out, status, nil
}

func (c *APIClient) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(c.timeout)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		return ctxDL
	}
	return dl
}

func nested(r wire.Record, key string) (wire.Record, error) {
	switch v := r[key].(type) {
	case map[string]any:
		return wire.Record(v), nil
	case wire.Record:
		return v, nil
	default:
		return nil, &wire.FormatError{Field: key, Reason: "expected object"}
	}
}

func messageField(r wire.Record, key string) (chat.Message, error) {
	rec, err := nested(r, key)
	if err != nil {
		return chat.Message{}, err
	}
	return wire.MessageFromWire(rec)
}

func conversationField(r wire.Record, key string) (chat.Conversation, error) {
	rec, err := nested(r, key)
	if err != nil {
		return chat.Conversation{}, err
	}
	return wire.ConversationFromWire(rec)
}

func recordList(r wire.Record, key string) ([]wire.Record, error) {
	raw, ok := r[key].([]any)
	if !ok {
		return nil, &wire.FormatError{Field: key, Reason: "expected array"}
	}
	out := make([]wire.Record, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, &wire.FormatError{Field: key, Reason: "expected array of objects"}
		}
		out = append(out, wire.Record(m))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
