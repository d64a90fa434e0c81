package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans out over Redis pub/sub so several server instances share
// one set of channels. Redis keeps nothing: a payload published while
// nobody is subscribed is gone, which is what the pull path is for.
type RedisBus struct {
	rdb     *redis.Client
	log     *slog.Logger
	metrics *metrics.Metrics
	buffer  int
	owned   bool
}

// OpenRedisBus parses a redis:// URL, connects and pings.
func OpenRedisBus(ctx context.Context, url string, log *slog.Logger, m *metrics.Metrics) (*RedisBus, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("realtime: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("realtime: ping redis: %w", err)
	}
	b := NewRedisBus(rdb, log, m)
	b.owned = true
	return b, nil
}

// NewRedisBus wraps an existing client. The caller keeps ownership of rdb.
func NewRedisBus(rdb *redis.Client, log *slog.Logger, m *metrics.Metrics) *RedisBus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RedisBus{rdb: rdb, log: log, metrics: m, buffer: defaultSubscriptionBuffer}
}

// Publish publishes payload on channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to channels and waits for Redis to confirm each one,
// so a publish issued after Subscribe returns is never missed.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("realtime: subscribe without channels")
	}

	ps := b.rdb.Subscribe(ctx, channels...)
	for range channels {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("realtime: subscribe: %w", err)
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			_ = ps.Close()
			return nil, fmt.Errorf("realtime: subscribe: unexpected reply %T", msg)
		}
	}

	s := &redisSub{
		id:   ids.NewToken(),
		ps:   ps,
		ch:   make(chan []byte, b.buffer),
		done: make(chan struct{}),
	}
	go b.forward(s, ps.Channel())

	b.log.Debug("realtime.bus.subscribe", "subscription_id", s.id, "channels", channels)
	return s, nil
}

func (b *RedisBus) forward(s *redisSub, in <-chan *redis.Message) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				_ = s.Close()
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			default:
				b.metrics.PushDropped()
				b.log.Warn("realtime.bus.drop", "channel", msg.Channel, "subscription_id", s.id)
			}
		}
	}
}

// Subscribers asks Redis for the subscriber count of channel across all instances.
func (b *RedisBus) Subscribers(ctx context.Context, channel string) (int64, error) {
	counts, err := b.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, err
	}
	return counts[channel], nil
}

// Ping checks connectivity, used by readiness probes.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the client when the bus opened it.
func (b *RedisBus) Close() error {
	if !b.owned {
		return nil
	}
	return b.rdb.Close()
}

type redisSub struct {
	id string
	ps *redis.PubSub
	ch chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSub) C() <-chan []byte      { return s.ch }
func (s *redisSub) Done() <-chan struct{} { return s.done }

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
