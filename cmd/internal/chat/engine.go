package chat

import (
	"context"
	"strings"
)

// Engine is the send path: resolve conversation, append, record delivery, fan out.
type Engine struct {
	Sessions *SessionManager
	Messages *MessageLog

	d Deps
}

// NewEngine wires a SessionManager and a MessageLog over the same deps.
func NewEngine(d Deps) (*Engine, error) {
	d, err := d.normalize()
	if err != nil {
		return nil, err
	}
	return &Engine{
		Sessions: &SessionManager{d: d},
		Messages: &MessageLog{d: d},
		d:        d,
	}, nil
}

// SendInput is a send request from either portal.
// With ConversationID empty the player's open conversation is resolved or created.
type SendInput struct {
	ConversationID string
	PlayerID       int64
	DisplayName    string
	SenderRole     Role
	SenderID       string // staff id; empty marks a queue-side staff message
	Body           string
	ClientMsgID    string
}

// SendResult is what the sender gets back once the message is durable.
type SendResult struct {
	Message      Message
	Conversation Conversation
	DeliveryID   string
	Duplicated   bool
}

// SendMessage accepts a message. Only durable-write failures are returned;
// fan-out and delivery bookkeeping failures are logged and counted.
func (e *Engine) SendMessage(ctx context.Context, in SendInput) (SendResult, error) {
	const op = "chat.SendMessage"

	if !in.SenderRole.Valid() {
		return SendResult{}, invalidInput(op, "unknown sender role")
	}
	// Reject bad bodies before a conversation is created for them.
	if _, err := cleanBody(op, in.Body); err != nil {
		return SendResult{}, err
	}

	conv, err := e.resolve(ctx, op, in)
	if err != nil {
		return SendResult{}, err
	}

	res, err := e.Messages.append(ctx, AppendInput{
		ConversationID:    conv.ID,
		ClientMsgID:       in.ClientMsgID,
		SenderRole:        in.SenderRole,
		SenderDisplayName: in.DisplayName,
		Body:              in.Body,
	})
	if err != nil {
		return SendResult{}, err
	}
	msg, conv := res.Stored, res.Conversation

	if !res.Duplicated && in.SenderRole == RoleStaff {
		conv = e.followStaffReply(ctx, conv, strings.TrimSpace(in.SenderID))
	}

	deliveryID := ""
	if e.d.Deliveries != nil {
		deliveryID, err = e.d.Deliveries.RecordSend(msg)
		if err != nil {
			e.d.Logger.Warn("chat.delivery.record.fail", "message_id", msg.ID, "err", err)
		} else {
			msg.DeliveryState = DeliveryFannedOut
		}
	}

	// A deduplicated retry was already fanned out by the first attempt.
	if !res.Duplicated {
		e.d.publish(ctx, Event{
			Type:         EventMessageCreated,
			Conversation: conv,
			Message:      &msg,
			DeliveryID:   deliveryID,
		})
	}

	return SendResult{
		Message:      msg,
		Conversation: conv,
		DeliveryID:   deliveryID,
		Duplicated:   res.Duplicated,
	}, nil
}

// followStaffReply applies the status edge a staff message implies. A reply
// from a named staff member claims a waiting conversation. A message with no
// staff id is queue-side: it puts an unassigned active conversation back in
// the waiting queue. Failures are logged and leave conv as stored.
func (e *Engine) followStaffReply(ctx context.Context, conv Conversation, staffID string) Conversation {
	var to Status
	switch {
	case conv.Status == StatusWaiting && staffID != "":
		to = StatusActive
	case conv.Status == StatusActive && staffID == "" && conv.CounterpartyID == "":
		to = StatusWaiting
	default:
		return conv
	}

	updated, err := e.Sessions.TransitionStatus(context.WithoutCancel(ctx), conv.ID, to, Actor{Role: RoleStaff, ID: staffID})
	if err != nil {
		e.d.Logger.Warn("chat.conversation.follow.fail",
			"conversation_id", conv.ID,
			"to", string(to),
			"err", err,
		)
		return conv
	}
	return updated
}

func (e *Engine) resolve(ctx context.Context, op string, in SendInput) (Conversation, error) {
	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		if in.PlayerID <= 0 {
			return Conversation{}, invalidInput(op, "conversation_id or player_id required")
		}
		c, _, err := e.Sessions.GetOrCreateActiveConversation(ctx, in.PlayerID, playerNameFor(in))
		return c, err
	}

	c, err := e.Sessions.get(ctx, op, id)
	if err != nil {
		return Conversation{}, err
	}
	if in.PlayerID > 0 && c.PlayerID != in.PlayerID {
		return Conversation{}, invalidInput(op, "conversation belongs to another player")
	}
	return c, nil
}

// playerNameFor keeps staff names out of the conversation's player display name.
func playerNameFor(in SendInput) string {
	if in.SenderRole == RolePlayer {
		return in.DisplayName
	}
	return ""
}
