// Package api exposes the chat engine over HTTP. Every route accepts request
// bodies and query strings in either field convention and answers in the
// convention named by the X-Field-Convention header (camel by default).
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/wire"
)

// ConventionHeader selects the field convention of a response.
const ConventionHeader = "X-Field-Convention"

const maxBodyBytes = 64 << 10

// Handler wires HTTP chat endpoints to the engine.
type Handler struct {
	log    *slog.Logger
	engine *chat.Engine
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, engine *chat.Engine) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("api: nil engine")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, engine: engine}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /conversations:getOrCreate", h.handleGetOrCreate)
	mux.HandleFunc("GET /conversations", h.handleListConversations)
	mux.HandleFunc("GET /conversations/{id}", h.handleGetConversation)
	mux.HandleFunc("POST /conversations/{target}", h.handleConversationAction)
	mux.HandleFunc("POST /messages:send", h.handleSend)
	mux.HandleFunc("GET /messages", h.handleListMessages)
	mux.HandleFunc("POST /players/{playerId}/conversations:archiveAll", h.handleArchiveAll)
}

// ---- handlers ----

func (h *Handler) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.convention(w, r)
	if !ok {
		return
	}
	req, err := decodeRecord(w, r, maxBodyBytes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	playerID, err := wire.RequiredInt64(req, "playerId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	displayName, err := wire.String(req, "displayName")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, created, err := h.engine.Sessions.GetOrCreateActiveConversation(r.Context(), playerID, displayName)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rec, err := wire.ToWireFormat(c, conv)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.convention(w, r)
	if !ok {
		return
	}
	c, err := h.engine.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := wire.ToWireFormat(c, conv)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleConversationAction serves POST /conversations/{id}:{action}.
func (h *Handler) handleConversationAction(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	i := strings.LastIndexByte(target, ':')
	if i <= 0 || i == len(target)-1 {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	id, action := target[:i], target[i+1:]

	switch action {
	case "transition":
		h.handleTransition(w, r, id)
	case "archive":
		h.handleArchive(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action: "+action)
	}
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, id string) {
	conv, ok := h.convention(w, r)
	if !ok {
		return
	}
	req, err := decodeRecord(w, r, maxBodyBytes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	newStatus, err := wire.RequiredString(req, "newStatus")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor, err := actorFrom(req, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.engine.Sessions.TransitionStatus(r.Context(), id, chat.Status(newStatus), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := wire.ToWireFormat(c, conv)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request, id string) {
	conv, ok := h.convention(w, r)
	if !ok {
		return
	}
	req, err := decodeRecord(w, r, maxBodyBytes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor, err := actorFrom(req, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.engine.Sessions.Archive(r.Context(), id, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := wire.ToWireFormat(c, conv)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.Rename(wire.Record{"archived": true, "conversation": rec}, conv))
}

func (h *Handler) handleArchiveAll(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.convention(w, r)
	if !ok {
		return
	}
	playerID, err := strconv.ParseInt(r.PathValue("playerId"), 10, 64)
	if err != nil {
		h.fail(w, r, &wire.FormatError{Field: "playerId", Reason: "expected integer"})
		return
	}
	req, err := decodeRecord(w, r, maxBodyBytes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hardDelete, err := wire.Bool(req, "hardDelete")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.engine.Sessions.ArchiveAll(r.Context(), playerID, hardDelete)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.Rename(wire.Record{
		"archived":       res.Archived,
		"purgedMessages": res.PurgedMessages,
	}, conv))
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.convention(w, r)
	if !ok {
		return
	}
	req, err := decodeRecord(w, r, maxBodyBytes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := sendInputFrom(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.engine.SendMessage(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	msg, err := wire.ToWireFormat(res.Message, conv)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := wire.ToWireFormat(res.Conversation, conv)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, wire.Rename(wire.Record{
		"message":      msg,
		"conversation": c,
		"deliveryId":   res.DeliveryID,
		"duplicated":   res.Duplicated,
	}, conv))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.convention(w, r)
	if !ok {
		return
	}
	q, err := queryRecord(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	convID, err := wire.RequiredString(q, "conversationId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	afterID, err := wire.String(q, "afterId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := wire.Int64(q, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.engine.Messages.FetchMessages(r.Context(), chat.FetchMessagesInput{
		ConversationID: convID,
		AfterID:        afterID,
		Limit:          int(limit),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]wire.Record, 0, len(res.Messages))
	for _, m := range res.Messages {
		rec, err := wire.ToWireFormat(m, conv)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, wire.Rename(wire.Record{"messages": out, "hasMore": res.HasMore}, conv))
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.convention(w, r)
	if !ok {
		return
	}
	q, err := queryRecord(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	in := chat.FetchConversationsInput{}
	if _, set := q["playerId"]; set {
		playerID, err := wire.Int64(q, "playerId")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in.PlayerID = &playerID
	}
	status, err := wire.String(q, "status")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in.Status = chat.Status(status)
	if in.AfterID, err = wire.String(q, "afterId"); err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := wire.Int64(q, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in.Limit = int(limit)

	res, err := h.engine.Messages.FetchConversations(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]wire.Record, 0, len(res.Conversations))
	for _, c := range res.Conversations {
		rec, err := wire.ToWireFormat(c, conv)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, wire.Rename(wire.Record{"conversations": out, "hasMore": res.HasMore}, conv))
}

// ---- helpers ----

func (h *Handler) convention(w http.ResponseWriter, r *http.Request) (wire.Convention, bool) {
	conv, err := wire.ParseConvention(r.Header.Get(ConventionHeader))
	if err != nil {
		writeError(w, http.StatusBadRequest, "format_error", err.Error())
		return "", false
	}
	return conv, true
}

func actorFrom(req wire.Record, roleRequired bool) (chat.Actor, error) {
	role, err := wire.String(req, "actorRole")
	if err != nil {
		return chat.Actor{}, err
	}
	if role == "" {
		if roleRequired {
			return chat.Actor{}, &wire.FormatError{Field: "actorRole", Reason: "missing required field"}
		}
		role = string(chat.RolePlayer)
	}
	if !chat.Role(role).Valid() {
		return chat.Actor{}, &wire.FormatError{Field: "actorRole", Reason: "unknown role"}
	}
	id, err := wire.String(req, "actorId")
	if err != nil {
		return chat.Actor{}, err
	}
	return chat.Actor{Role: chat.Role(role), ID: strings.TrimSpace(id)}, nil
}

func sendInputFrom(req wire.Record) (chat.SendInput, error) {
	var (
		in  chat.SendInput
		err error
	)
	if in.ConversationID, err = wire.String(req, "conversationId"); err != nil {
		return in, err
	}
	if in.PlayerID, err = wire.Int64(req, "playerId"); err != nil {
		return in, err
	}
	if in.DisplayName, err = wire.String(req, "displayName"); err != nil {
		return in, err
	}
	role, err := wire.RequiredString(req, "senderRole")
	if err != nil {
		return in, err
	}
	in.SenderRole = chat.Role(role)
	if in.SenderID, err = wire.String(req, "senderId"); err != nil {
		return in, err
	}
	if in.Body, err = wire.RequiredString(req, "body"); err != nil {
		return in, err
	}
	if in.ClientMsgID, err = wire.String(req, "clientMsgId"); err != nil {
		return in, err
	}
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	return in, nil
}

// fail maps an error to its HTTP status and code. Store failures are logged;
// client errors are not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("chat.api.fail", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func classify(err error) (int, string) {
	if errors.Is(err, wire.ErrFormat) {
		return http.StatusBadRequest, "format_error"
	}
	code := chat.Code(err)
	switch code {
	case "invalid_input":
		return http.StatusBadRequest, code
	case "not_found":
		return http.StatusNotFound, code
	case "conversation_archived", "invalid_transition":
		return http.StatusConflict, code
	case "store_unavailable":
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
