package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/metrics"
)

// DefaultOpTimeout bounds every blocking store call.
const DefaultOpTimeout = 5 * time.Second

// Publisher fans an event out after a durable write. Failures are logged and
// counted by the caller but never turn a successful write into an error.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// DeliveryRecorder assigns the delivery correlation id of an accepted message.
type DeliveryRecorder interface {
	RecordSend(m Message) (string, error)
}

// Deps are the collaborators shared by SessionManager, MessageLog and Engine.
type Deps struct {
	Store      Store
	Publisher  Publisher
	Deliveries DeliveryRecorder
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// OpTimeout bounds store calls (default 5s).
	OpTimeout time.Duration

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func(time.Time) (string, error)
}

func (d Deps) normalize() (Deps, error) {
	if d.Store == nil {
		return Deps{}, errors.New("chat: nil store")
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.OpTimeout <= 0 {
		d.OpTimeout = DefaultOpTimeout
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = ids.NewULID
	}
	return d, nil
}

// bounded derives a store-call context limited by OpTimeout.
func (d Deps) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.OpTimeout)
}

// detached is used once a durable write has started: the caller going away
// must not abort it halfway.
func (d Deps) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.OpTimeout)
}

func (d Deps) publish(ctx context.Context, ev Event) {
	if d.Publisher == nil {
		return
	}
	pctx, cancel := d.detached(ctx)
	defer cancel()

	if err := d.Publisher.Publish(pctx, ev); err != nil {
		d.Metrics.FanoutFailed()
		d.Logger.Warn("chat.fanout.fail",
			"event", string(ev.Type),
			"conversation_id", ev.Conversation.ID,
			"err", err,
		)
	}
}
