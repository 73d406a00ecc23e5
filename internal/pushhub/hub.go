// Package pushhub implements the Push Hub: fans out snapshot/append/partial/
// repair/gap events to WS and SSE subscribers with per-connection epoch/seq
// sequencing, heartbeats, and bounded-queue backpressure. Grounded on the
// teacher's gateway hub (subscriber registry keyed by channel+filter,
// broadcast-to-matching-set dispatch), rebuilt here for the OHLCV envelope
// instead of the teacher's tick/signal payloads. The finalized-tail snapshot
// is read from the Canonical Store on each subscribe.
package pushhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ohlcv-continuity/internal/bus"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
)

// Config controls heartbeat cadence, queue sizing, and the snapshot tail length.
type Config struct {
	HeartbeatInterval time.Duration
	SubscriberQueue   int
	SnapshotTailBars  int
	PartialCoalesce   bool
}

// Hub is the Push Hub.
type Hub struct {
	cfg   Config
	store *sqlite.Store
	b     *bus.RedisBus
	log   *slog.Logger

	startNano int64
	seqCtr    int64

	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscriber // channelKey -> subscriber id -> Subscriber
	latestPartial map[string]model.Candle

	counters *Counters
}

// Counters is the narrow surface Metrics & Health needs to observe push
// activity; wired by the composition root.
type Counters struct {
	PushEvents  func(eventType string)
	PushDropped func(reason string)
	Coalesced   func()
}

// New constructs a Hub. startEpochSeed should be a process-start timestamp
// (nanoseconds) so epoch is monotone and opaque across restarts without
// being parsed by clients, per the Open Question resolved in the project's
// design notes.
func New(cfg Config, store *sqlite.Store, b *bus.RedisBus, startEpochSeed int64, log *slog.Logger, counters *Counters) *Hub {
	if counters == nil {
		counters = &Counters{PushEvents: func(string) {}, PushDropped: func(string) {}, Coalesced: func() {}}
	}
	return &Hub{
		cfg: cfg, store: store, b: b, log: log, startNano: startEpochSeed,
		subscribers:   make(map[string]map[string]*Subscriber),
		latestPartial: make(map[string]model.Candle),
		counters:      counters,
	}
}

func (h *Hub) nextEpoch() string {
	n := atomic.AddInt64(&h.seqCtr, 1)
	return fmt.Sprintf("%d-%d", h.startNano, n)
}

// Subscribe registers tx under a fresh epoch for (symbol, interval),
// performs the snapshot handshake, and returns the Subscriber. Subscribe
// itself starts the subscriber's single sender goroutine and its heartbeat
// goroutine, both bound to ctx.
func (h *Hub) Subscribe(ctx context.Context, symbol, interval string, includeOpen bool, tx sender) (*Subscriber, error) {
	key := subscriberKey(symbol, interval)
	id := fmt.Sprintf("%s-%d", key, time.Now().UnixNano())
	epoch := h.nextEpoch()

	sub := newSubscriber(id, "ohlcv", epoch, symbol, interval, h.cfg.SubscriberQueue, tx, h.log, h.counters.PushDropped)

	h.mu.Lock()
	if h.subscribers[key] == nil {
		h.subscribers[key] = make(map[string]*Subscriber)
	}
	h.subscribers[key][id] = sub
	h.mu.Unlock()

	go sub.runSender(ctx)
	go h.heartbeatLoop(ctx, sub)

	if err := h.sendSnapshot(ctx, sub, symbol, interval, includeOpen); err != nil {
		h.Unsubscribe(key, id)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes and closes a subscriber.
func (h *Hub) Unsubscribe(channelKey, id string) {
	h.mu.Lock()
	set, ok := h.subscribers[channelKey]
	if ok {
		if sub, ok := set[id]; ok {
			sub.Close()
		}
		delete(set, id)
	}
	h.mu.Unlock()
}

func (h *Hub) sendSnapshot(ctx context.Context, sub *Subscriber, symbol, interval string, includeOpen bool) error {
	ot, hasLast, err := h.store.GetLastClosed(ctx, symbol, interval)
	var candles []model.Candle
	if err == nil && hasLast {
		from := ot - int64(h.cfg.SnapshotTailBars-1)*model.IntervalMs[interval]
		candles, err = h.store.GetRange(ctx, symbol, interval, from, ot, h.cfg.SnapshotTailBars)
	}
	if err != nil {
		return fmt.Errorf("pushhub: snapshot: %w", err)
	}

	payload := struct {
		Candles []model.Candle `json:"candles"`
		Partial *model.Candle  `json:"partial,omitempty"`
	}{Candles: candles}

	if includeOpen {
		h.mu.RLock()
		if p, ok := h.latestPartial[subscriberKey(symbol, interval)]; ok {
			payload.Partial = &p
		}
		h.mu.RUnlock()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pushhub: marshal snapshot: %w", err)
	}
	sub.enqueue(model.EventSnapshot, data, "other", 0)
	h.counters.PushEvents("snapshot")
	return nil
}

// heartbeatLoop enqueues a heartbeat every HeartbeatInterval until ctx is
// cancelled or the subscriber closes. It is unconditional: a heartbeat is
// not skipped after a recent real event (the teacher's own tick loops are
// similarly unconditional, and a redundant heartbeat is harmless).
func (h *Hub) heartbeatLoop(ctx context.Context, sub *Subscriber) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sub.isClosed() {
				return
			}
			data, _ := json.Marshal(struct {
				ServerTime int64 `json:"server_time"`
			}{ServerTime: time.Now().UnixMilli()})
			sub.enqueue(model.EventHeartbeat, data, "other", 0)
			h.counters.PushEvents("heartbeat")
		}
	}
}

// RunChannel consumes the bus for (symbol, interval) and fans each Event out
// to every subscriber on that channel, until ctx is cancelled. One RunChannel
// goroutine per tracked (symbol, interval) pair is started by the
// composition root.
func (h *Hub) RunChannel(ctx context.Context, symbol, interval string) {
	sub := h.b.Subscribe(ctx, symbol, interval)
	defer sub.Close()

	for ev := range sub.Events(h.log) {
		h.dispatch(symbol, interval, ev)
	}
}

func (h *Hub) dispatch(symbol, interval string, ev bus.Event) {
	key := subscriberKey(symbol, interval)

	if ev.Type == model.EventPartialUpd && ev.Candle != nil {
		h.mu.Lock()
		h.latestPartial[key] = *ev.Candle
		h.mu.Unlock()
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers[key]))
	for _, s := range h.subscribers[key] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("pushhub: marshal event failed", "err", err)
		return
	}

	kind := eventKind(ev.Type)
	for _, s := range subs {
		s.enqueue(ev.Type, data, kind, ev.OpenTime)
	}
	h.counters.PushEvents(string(ev.Type))
}

func eventKind(t model.EventType) string {
	switch t {
	case model.EventAppend:
		return "append"
	case model.EventRepair:
		return "repair"
	case model.EventPartialUpd:
		return "partial_update"
	case model.EventGapDetected, model.EventGapRepaired:
		return "gap"
	default:
		return "other"
	}
}

// Shutdown sends a terminal server_shutdown error to every subscriber and
// closes them, per the orderly-termination policy in spec.md §7.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subscribers {
		for _, sub := range set {
			sub.terminal("server_shutdown")
		}
	}
}
