package pushhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ohlcv-continuity/internal/model"
)

// sender is the write-side transport a Subscriber delivers envelopes to; WS
// and SSE connections each implement it.
type sender interface {
	Send(data []byte) error
	Close() error
}

// Subscriber owns one connection's epoch/seq sequencing and outbound queue.
// A single goroutine (its own sender task, per spec.md §5) drains the queue
// and writes to the transport, guaranteeing seq is assigned immediately
// before the write barrier.
type Subscriber struct {
	id       string
	channel  string
	epoch    string
	symbol   string
	interval string

	mu      sync.Mutex
	seq     int64
	closed  bool
	queue   *outboundQueue
	sendCh  chan struct{}
	tx      sender
	log     *slog.Logger

	onDrop func(reason string)
}

func newSubscriber(id, channel, epoch, symbol, interval string, queueSize int, tx sender, log *slog.Logger, onDrop func(string)) *Subscriber {
	s := &Subscriber{
		id: id, channel: channel, epoch: epoch, symbol: symbol, interval: interval,
		tx: tx, log: log, sendCh: make(chan struct{}, 1), onDrop: onDrop,
	}
	s.queue = newOutboundQueue(queueSize, func(reason string) {
		if s.onDrop != nil {
			s.onDrop(reason)
		}
	}, func() {})
	return s
}

// runSender drains the queue and writes to the transport until ctx is
// cancelled or the subscriber is closed; it is the single sender task for
// this connection.
func (s *Subscriber) runSender(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sendCh:
		}
		for _, env := range s.queue.drain() {
			s.mu.Lock()
			s.seq++
			env.Seq = s.seq
			s.mu.Unlock()
			if err := s.tx.Send(env.JSON()); err != nil {
				s.log.Debug("subscriber send failed, closing", "id", s.id, "err", err)
				s.Close()
				return
			}
		}
	}
}

// enqueue builds the envelope and pushes it onto the outbound queue, applying
// the per-event-type backpressure policy. Seq is left unassigned here: a
// queued partial_update can still be replaced by coalescing before it is
// ever sent, so stamping seq at enqueue time would let a later partial with a
// higher seq ride in the same queue slot as an earlier one and broadcast out
// of order. runSender assigns seq immediately before the write instead, once
// coalescing has settled.
func (s *Subscriber) enqueue(eventType model.EventType, data json.RawMessage, kind string, openTime int64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	env := model.Envelope{
		Type: eventType, Epoch: s.epoch,
		ServerTime: time.Now().UnixMilli(), Channel: s.channel, Data: data,
	}
	s.mu.Unlock()

	_, mustDisconnect := s.queue.push(env, kind, openTime)
	if mustDisconnect {
		s.terminal("backpressure_drop")
		return
	}
	select {
	case s.sendCh <- struct{}{}:
	default:
	}
}

// terminal sends a terminal error envelope directly on the transport,
// bypassing the queue, best-effort, then closes the subscriber.
func (s *Subscriber) terminal(reason string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	data, _ := json.Marshal(model.ErrorEvent{Code: "backpressure", Reason: reason})
	_ = s.tx.Send(model.Envelope{
		Type: model.EventError, Seq: -1, Epoch: s.epoch,
		ServerTime: time.Now().UnixMilli(), Channel: s.channel, Data: data,
	}.JSON())
	s.Close()
}

// Close marks the subscriber closed and releases its transport.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.queue.close()
	_ = s.tx.Close()
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func subscriberKey(symbol, interval string) string {
	return fmt.Sprintf("%s:%s", symbol, interval)
}
