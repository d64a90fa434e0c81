package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/metrics"
)

const defaultSubscriptionBuffer = 256

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("realtime: bus closed")

// Bus is the pub/sub fabric fan-out is built on. Payloads are encoded
// envelopes; a bus never inspects them.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	// Subscribers reports how many live subscriptions a channel has.
	Subscribers(ctx context.Context, channel string) (int64, error)
	Close() error
}

// Subscription delivers payloads published on its channels until closed.
// C is never closed by the bus; select on Done as well.
type Subscription interface {
	C() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// LocalBus is the in-process Bus used by single-instance deployments and tests.
//
// Concurrency guarantees:
//   - Subscribe and Close are safe under concurrent Publish.
//   - Publish never blocks; a full subscriber queue drops the payload.
type LocalBus struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	buffer  int

	mu       sync.RWMutex
	closed   bool
	channels map[string]map[string]*localSub
}

// NewLocalBus constructs a LocalBus. buffer <= 0 selects the default queue size.
func NewLocalBus(log *slog.Logger, m *metrics.Metrics, buffer int) *LocalBus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &LocalBus{
		log:      log,
		metrics:  m,
		buffer:   buffer,
		channels: make(map[string]map[string]*localSub),
	}
}

type localSub struct {
	id       string
	bus      *LocalBus
	channels []string
	ch       chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (s *localSub) C() <-chan []byte      { return s.ch }
func (s *localSub) Done() <-chan struct{} { return s.done }

// Close removes the subscription from every channel before signalling done,
// so a publisher never holds a subscription that is being torn down.
func (s *localSub) Close() error {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
	return nil
}

// Publish delivers payload to every subscriber of channel.
func (b *LocalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, s := range b.channels[channel] {
		select {
		case <-s.done:
			continue
		default:
		}

		select {
		case s.ch <- payload:
		default:
			b.metrics.PushDropped()
			b.log.Warn("realtime.bus.drop", "channel", channel, "subscription_id", s.id)
		}
	}
	return nil
}

// Subscribe registers a subscription on the given channels.
func (b *LocalBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, errors.New("realtime: subscribe without channels")
	}
	for _, c := range channels {
		if strings.TrimSpace(c) == "" {
			return nil, errors.New("realtime: empty channel name")
		}
	}

	s := &localSub{
		id:       ids.NewToken(),
		bus:      b,
		channels: append([]string(nil), channels...),
		ch:       make(chan []byte, b.buffer),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	for _, c := range s.channels {
		members := b.channels[c]
		if members == nil {
			members = make(map[string]*localSub)
			b.channels[c] = members
		}
		members[s.id] = s
	}

	b.log.Debug("realtime.bus.subscribe", "subscription_id", s.id, "channels", s.channels)
	return s, nil
}

// Subscribers reports the number of live subscriptions on channel.
func (b *LocalBus) Subscribers(ctx context.Context, channel string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrBusClosed
	}
	return int64(len(b.channels[channel])), nil
}

// Close closes every subscription. It is idempotent.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*localSub
	for _, members := range b.channels {
		for _, s := range members {
			subs = append(subs, s)
		}
	}
	b.channels = make(map[string]map[string]*localSub)
	b.mu.Unlock()

	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.done) })
	}
	return nil
}

func (b *LocalBus) remove(s *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range s.channels {
		members := b.channels[c]
		delete(members, s.id)
		if len(members) == 0 {
			delete(b.channels, c)
		}
	}
	b.log.Debug("realtime.bus.unsubscribe", "subscription_id", s.id)
}
