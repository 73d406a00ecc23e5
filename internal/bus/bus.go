// Package bus decouples the Stream Consumer and Backfill Worker (event
// producers) from the Push Hub (event consumer) via Redis Pub/Sub, breaking
// the cyclic reference a direct SC->GO->PH call chain would otherwise
// require. Grounded on the teacher's store/redis Writer/Reader connection
// handling, adapted from Redis Streams consumer groups to plain Pub/Sub
// since push fanout has no replay/ack requirement of its own (Push Hub
// does not replay missed events; a subscriber gets a fresh snapshot when
// it connects).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"ohlcv-continuity/internal/model"
)

// Event is the bus-internal representation of anything SC/BW/CSn publish;
// pushhub adapts it into the wire Envelope with per-connection seq/epoch.
type Event struct {
	Type        model.EventType `json:"type"`
	Symbol      string          `json:"symbol"`
	Interval    string          `json:"interval"`
	ServerTime  int64           `json:"server_time"`
	Candle      *model.Candle   `json:"candle,omitempty"`
	OpenTime    int64           `json:"open_time,omitempty"`
	LatencyMs   int64           `json:"latency_ms,omitempty"`
	Gap         *model.GapEvent `json:"gap,omitempty"`
	RepairedAt  int64           `json:"repaired_at,omitempty"`
}

// Publisher is the producer-facing interface used by streamconsumer and
// backfill so neither holds a concrete dependency on the bus transport.
type Publisher interface {
	PublishAppend(ctx context.Context, symbol, interval string, candle model.Candle) error
	PublishPartialUpdate(ctx context.Context, symbol, interval string, candle model.Candle) error
	PublishPartialClose(ctx context.Context, symbol, interval string, openTime int64, latency time.Duration) error
	PublishRepair(ctx context.Context, symbol, interval string, openTime int64, candle model.Candle) error
	PublishGapDetected(ctx context.Context, symbol, interval string, seg model.GapSegment) error
	PublishGapRepaired(ctx context.Context, symbol, interval string, gapID int64) error
}

// channelFor returns the Redis Pub/Sub channel name for (symbol, interval),
// matching the wire protocol's channel field (§4.9).
func channelFor(symbol, interval string) string {
	return fmt.Sprintf("ohlcv:%s:%s", symbol, interval)
}

// RedisBus implements Publisher over a github.com/go-redis/redis/v8 client.
type RedisBus struct {
	client *goredis.Client
	log    *slog.Logger
}

// Config configures the Redis connection backing the bus.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis and pings it, matching the teacher's connect-and-verify
// pattern for both its Writer and Reader.
func New(cfg Config, log *slog.Logger) (*RedisBus, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}
	return &RedisBus{client: client, log: log}, nil
}

// Close releases the underlying Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) publish(ctx context.Context, symbol, interval string, ev Event) error {
	ev.ServerTime = time.Now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(symbol, interval), data).Err(); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

func (b *RedisBus) PublishAppend(ctx context.Context, symbol, interval string, candle model.Candle) error {
	return b.publish(ctx, symbol, interval, Event{Type: model.EventAppend, Symbol: symbol, Interval: interval, Candle: &candle, OpenTime: candle.OpenTime})
}

func (b *RedisBus) PublishPartialUpdate(ctx context.Context, symbol, interval string, candle model.Candle) error {
	return b.publish(ctx, symbol, interval, Event{Type: model.EventPartialUpd, Symbol: symbol, Interval: interval, Candle: &candle, OpenTime: candle.OpenTime})
}

func (b *RedisBus) PublishPartialClose(ctx context.Context, symbol, interval string, openTime int64, latency time.Duration) error {
	return b.publish(ctx, symbol, interval, Event{Type: model.EventPartialClose, Symbol: symbol, Interval: interval, OpenTime: openTime, LatencyMs: latency.Milliseconds()})
}

func (b *RedisBus) PublishRepair(ctx context.Context, symbol, interval string, openTime int64, candle model.Candle) error {
	return b.publish(ctx, symbol, interval, Event{Type: model.EventRepair, Symbol: symbol, Interval: interval, Candle: &candle, OpenTime: openTime, RepairedAt: time.Now().Unix()})
}

func (b *RedisBus) PublishGapDetected(ctx context.Context, symbol, interval string, seg model.GapSegment) error {
	gap := &model.GapEvent{
		GapID: seg.ID, Symbol: symbol, Interval: interval,
		FromOpenTime: seg.FromOpenTime, ToOpenTime: seg.ToOpenTime, MissingBars: seg.MissingBars,
	}
	return b.publish(ctx, symbol, interval, Event{Type: model.EventGapDetected, Symbol: symbol, Interval: interval, Gap: gap})
}

func (b *RedisBus) PublishGapRepaired(ctx context.Context, symbol, interval string, gapID int64) error {
	gap := &model.GapEvent{GapID: gapID, Symbol: symbol, Interval: interval}
	return b.publish(ctx, symbol, interval, Event{Type: model.EventGapRepaired, Symbol: symbol, Interval: interval, Gap: gap})
}

// Subscription wraps a Redis Pub/Sub subscription delivering bus Events for
// one (symbol, interval) channel to the Push Hub.
type Subscription struct {
	pubsub *goredis.PubSub
}

// Subscribe opens a Pub/Sub subscription for (symbol, interval), consumed
// by the Push Hub's per-channel fanout goroutine.
func (b *RedisBus) Subscribe(ctx context.Context, symbol, interval string) *Subscription {
	return &Subscription{pubsub: b.client.Subscribe(ctx, channelFor(symbol, interval))}
}

// Events returns a channel of decoded bus Events; malformed payloads are
// dropped with a log line rather than propagated, matching the teacher's
// reader policy of ACKing poison messages instead of stalling the stream.
func (s *Subscription) Events(log *slog.Logger) <-chan Event {
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		ch := s.pubsub.Channel()
		for msg := range ch {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("bus: malformed event payload dropped", "err", err)
				continue
			}
			out <- ev
		}
	}()
	return out
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
