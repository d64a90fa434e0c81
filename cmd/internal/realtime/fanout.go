package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/metrics"
)

const defaultNotifyTimeout = 5 * time.Second

// Notification is sent to the push webhook when a staff reply reaches a
// player who has no live connection.
type Notification struct {
	Event          string `json:"event"`
	PlayerID       int64  `json:"player_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// Notifier delivers out-of-band notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Fanout publishes chat events on the bus. It implements chat.Publisher.
//
// Every event goes to the owning player's private channel and to the staff
// broadcast channel. Delivery to connections is best effort; durability is
// the store's job.
type Fanout struct {
	bus      Bus
	notifier Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	notifyTimeout time.Duration
	inflight      sync.WaitGroup
}

// NewFanout constructs a Fanout. notifier may be nil.
func NewFanout(bus Bus, notifier Notifier, log *slog.Logger, m *metrics.Metrics) *Fanout {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Fanout{
		bus:           bus,
		notifier:      notifier,
		log:           log,
		metrics:       m,
		now:           time.Now,
		notifyTimeout: defaultNotifyTimeout,
	}
}

// Channels returns the bus channels an event is published on.
func Channels(ev chat.Event) []string {
	return []string{chat.PlayerChannel(ev.Conversation.PlayerID), chat.BroadcastChannel}
}

// Publish encodes ev and publishes it on every channel it belongs to. All
// channels are attempted even when one fails.
func (f *Fanout) Publish(ctx context.Context, ev chat.Event) error {
	env, err := EventEnvelope(ev, f.now().UTC())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range Channels(ev) {
		if err := f.bus.Publish(ctx, ch, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}

	if ev.Type == chat.EventMessageCreated && ev.Message != nil && ev.Message.SenderRole == chat.RoleStaff {
		f.notifyIfOffline(ctx, ev)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", chat.ErrTransportUnavailable, errors.Join(errs...))
	}
	return nil
}

// notifyIfOffline hands a push notification to the notifier when the
// player's channel has no subscribers. The notification runs in the
// background and never affects the send.
func (f *Fanout) notifyIfOffline(ctx context.Context, ev chat.Event) {
	if f.notifier == nil {
		return
	}

	n, err := f.bus.Subscribers(ctx, chat.PlayerChannel(ev.Conversation.PlayerID))
	if err != nil {
		f.log.Warn("chat.notify.presence.fail", "player_id", ev.Conversation.PlayerID, "err", err)
		return
	}
	if n > 0 {
		return
	}

	note := Notification{
		Event:          string(chat.EventMessageCreated),
		PlayerID:       ev.Conversation.PlayerID,
		ConversationID: ev.Conversation.ID,
		MessageID:      ev.Message.ID,
	}

	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.notifyTimeout)
		defer cancel()

		if err := f.notifier.Notify(nctx, note); err != nil {
			f.metrics.Notification("failed")
			f.log.Warn("chat.notify.fail",
				"player_id", note.PlayerID,
				"conversation_id", note.ConversationID,
				"message_id", note.MessageID,
				"err", err,
			)
			return
		}
		f.metrics.Notification("sent")
		f.log.Info("chat.notify.sent", "player_id", note.PlayerID, "message_id", note.MessageID)
	}()
}

// Wait blocks until in-flight notifications finish.
func (f *Fanout) Wait() {
	f.inflight.Wait()
}
