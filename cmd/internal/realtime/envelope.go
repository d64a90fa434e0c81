package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/wire"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

// EventEnvelope encodes a chat event the way it travels on the bus:
// snake_case records inside a v1 envelope.
func EventEnvelope(ev chat.Event, now time.Time) (v1.Envelope, error) {
	convRec, err := wire.ToWireFormat(ev.Conversation, wire.Snake)
	if err != nil {
		return v1.Envelope{}, err
	}
	convRaw, err := json.Marshal(convRec)
	if err != nil {
		return v1.Envelope{}, err
	}

	var payload any
	switch ev.Type {
	case chat.EventMessageCreated:
		if ev.Message == nil {
			return v1.Envelope{}, errors.New("realtime: message event without message")
		}
		msgRec, err := wire.ToWireFormat(*ev.Message, wire.Snake)
		if err != nil {
			return v1.Envelope{}, err
		}
		msgRaw, err := json.Marshal(msgRec)
		if err != nil {
			return v1.Envelope{}, err
		}
		payload = v1.MessageCreatedPayload{DeliveryID: ev.DeliveryID, Message: msgRaw, Conversation: convRaw}
	case chat.EventStatusChanged:
		payload = v1.StatusChangedPayload{PreviousStatus: string(ev.PreviousStatus), Conversation: convRaw}
	default:
		return v1.Envelope{}, fmt.Errorf("realtime: unknown event type %q", ev.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(string(ev.Type), raw, now), nil
}

// DecodePayload parses a payload sent in either convention into canonical
// field names.
func DecodePayload(raw json.RawMessage) (wire.Record, error) {
	if len(raw) == 0 {
		return wire.Record{}, nil
	}
	var rec wire.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &wire.FormatError{Field: "payload", Reason: err.Error()}
	}
	return wire.Canonical(rec)
}

// RenderPayload re-keys a payload for a peer using conv. Payloads are
// produced in snake_case, so Snake is returned untouched.
func RenderPayload(raw json.RawMessage, conv wire.Convention) (json.RawMessage, error) {
	if conv == wire.Snake || len(raw) == 0 {
		return raw, nil
	}
	var rec wire.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return json.Marshal(wire.Rename(rec, conv))
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "invalid JSON: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }
