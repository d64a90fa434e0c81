package delivery

import (
	"container/heap"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/wire"
)

const (
	// DefaultWindow is how long an observed message is held for reordering.
	DefaultWindow = 250 * time.Millisecond
	// DefaultMaxPending forces a release once a conversation buffers this many messages.
	DefaultMaxPending = 256

	defaultMaxSeen = 50_000
)

// Source names the path an observation came from.
type Source string

const (
	SourcePush Source = "push"
	SourcePull Source = "pull"
	SourceEcho Source = "echo"
)

// RawEvent is whatever an entry point received. Exactly one of Record and
// Message is set: Record for wire payloads (either convention), Message for
// values that are already typed (optimistic echo).
type RawEvent struct {
	Source  Source
	Record  wire.Record
	Message *chat.Message
}

// Observation is the result of Observe.
type Observation struct {
	Message chat.Message
	// Duplicate means the message was already observed; render nothing.
	Duplicate bool
	// Provisional is an optimistic entry without a server id, shown immediately.
	Provisional bool
	// Replaces is the client token of the provisional entry this server copy replaces.
	Replaces string
}

// Release is one message leaving the reorder buffer.
type Release struct {
	Message chat.Message
	// Replaces is the client token of a provisional entry to swap in place.
	Replaces string
	// Late means an ordered successor was already released; insert in position.
	Late bool
}

// Options tunes a Reconciler.
type Options struct {
	Window     time.Duration
	MaxPending int
	MaxSeen    int
	Now        func() time.Time
}

// Reconciler deduplicates and orders observations for one receiver. Each
// portal session owns its own instance.
type Reconciler struct {
	window     time.Duration
	maxPending int
	maxSeen    int
	now        func() time.Time

	mu          sync.Mutex
	seen        map[string]struct{}
	seenOrder   []seenEntry
	provisional map[string]chat.Message // client token -> optimistic entry
	confirmed   map[string]string       // client token -> server id
	buffers     map[string]*convBuffer
}

// seenEntry remembers the client token confirmed by id so both age out together.
type seenEntry struct {
	id    string
	token string
}

type convBuffer struct {
	pending   pendingHeap
	watermark *chat.Message
}

type pendingItem struct {
	msg      chat.Message
	replaces string
	arrived  time.Time
}

// pendingHeap is a min-heap by (SentAt, ID).
type pendingHeap []pendingItem

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return h[i].msg.Before(h[j].msg) }
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(pendingItem)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// NewReconciler constructs a Reconciler with defaults for zero options.
func NewReconciler(opts Options) *Reconciler {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.MaxSeen <= 0 {
		opts.MaxSeen = defaultMaxSeen
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		window:      opts.Window,
		maxPending:  opts.MaxPending,
		maxSeen:     opts.MaxSeen,
		now:         opts.Now,
		seen:        make(map[string]struct{}),
		provisional: make(map[string]chat.Message),
		confirmed:   make(map[string]string),
		buffers:     make(map[string]*convBuffer),
	}
}

// Observe registers one observation. Server-assigned messages are deduplicated
// by id and buffered for ordered release by Flush; provisional entries are
// returned immediately and later replaced by their server copy.
func (r *Reconciler) Observe(ev RawEvent) (Observation, error) {
	m, err := normalize(ev)
	if err != nil {
		return Observation{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == "" {
		if _, done := r.confirmed[m.ClientMsgID]; done {
			return Observation{Message: m, Duplicate: true, Provisional: true}, nil
		}
		if _, ok := r.provisional[m.ClientMsgID]; ok {
			return Observation{Message: m, Duplicate: true, Provisional: true}, nil
		}
		r.provisional[m.ClientMsgID] = m
		return Observation{Message: m, Provisional: true}, nil
	}

	if _, ok := r.seen[m.ID]; ok {
		return Observation{Message: m, Duplicate: true}, nil
	}
	r.markSeen(m.ID, m.ClientMsgID)

	m.DeliveryState = chat.DeliveryObserved

	replaces := ""
	if m.ClientMsgID != "" {
		if _, ok := r.provisional[m.ClientMsgID]; ok {
			delete(r.provisional, m.ClientMsgID)
			replaces = m.ClientMsgID
		}
		r.confirmed[m.ClientMsgID] = m.ID
	}

	b := r.buffers[m.ConversationID]
	if b == nil {
		b = &convBuffer{}
		r.buffers[m.ConversationID] = b
	}
	heap.Push(&b.pending, pendingItem{msg: m, replaces: replaces, arrived: r.now()})

	return Observation{Message: m, Replaces: replaces}, nil
}

// Echo builds and observes the optimistic entry for a message about to be
// sent. An empty ClientMsgID gets a fresh token.
func (r *Reconciler) Echo(m chat.Message) (Observation, error) {
	m.ID = ""
	if m.ClientMsgID == "" {
		m.ClientMsgID = ids.NewToken()
	}
	if m.SentAt.IsZero() {
		m.SentAt = r.now().UTC()
	}
	m.DeliveryState = chat.DeliveryAccepted
	return r.Observe(RawEvent{Source: SourceEcho, Message: &m})
}

// Flush releases, per conversation in (SentAt, ID) order, every buffered
// message whose hold window has elapsed, plus any overflow beyond MaxPending.
func (r *Reconciler) Flush(now time.Time) []Release {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.buffers))
	for k := range r.buffers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var out []Release
	for _, k := range keys {
		b := r.buffers[k]
		for b.pending.Len() > 0 {
			top := b.pending[0]
			if b.pending.Len() <= r.maxPending && now.Sub(top.arrived) < r.window {
				break
			}
			heap.Pop(&b.pending)
			out = append(out, b.release(top))
		}
		if b.pending.Len() == 0 && b.watermark == nil {
			delete(r.buffers, k)
		}
	}
	return out
}

// Drain releases everything buffered regardless of the window.
func (r *Reconciler) Drain() []Release {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.buffers))
	for k := range r.buffers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var out []Release
	for _, k := range keys {
		b := r.buffers[k]
		for b.pending.Len() > 0 {
			it := heap.Pop(&b.pending).(pendingItem)
			out = append(out, b.release(it))
		}
	}
	return out
}

// Pending reports how many messages are buffered.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, b := range r.buffers {
		n += b.pending.Len()
	}
	return n
}

// Watermark returns the last in-order released message id of a conversation.
func (r *Reconciler) Watermark(conversationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.buffers[conversationID]
	if b == nil || b.watermark == nil {
		return "", false
	}
	return b.watermark.ID, true
}

func (b *convBuffer) release(it pendingItem) Release {
	rel := Release{Message: it.msg, Replaces: it.replaces}
	if b.watermark != nil && it.msg.Before(*b.watermark) {
		rel.Late = true
		return rel
	}
	m := it.msg
	b.watermark = &m
	return rel
}

func (r *Reconciler) markSeen(id, token string) {
	if len(r.seenOrder) >= r.maxSeen {
		oldest := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, oldest.id)
		if oldest.token != "" && r.confirmed[oldest.token] == oldest.id {
			delete(r.confirmed, oldest.token)
		}
	}
	r.seen[id] = struct{}{}
	r.seenOrder = append(r.seenOrder, seenEntry{id: id, token: token})
}

func normalize(ev RawEvent) (chat.Message, error) {
	switch {
	case ev.Message != nil && ev.Record != nil:
		return chat.Message{}, errors.New("delivery: event carries both record and message")
	case ev.Message != nil:
		m := *ev.Message
		if m.ID == "" && strings.TrimSpace(m.ClientMsgID) == "" {
			return chat.Message{}, errors.New("delivery: provisional message without client token")
		}
		if strings.TrimSpace(m.ConversationID) == "" {
			return chat.Message{}, errors.New("delivery: message without conversation")
		}
		return m, nil
	case ev.Record != nil:
		return wire.MessageFromWire(ev.Record)
	default:
		return chat.Message{}, errors.New("delivery: empty event")
	}
}
