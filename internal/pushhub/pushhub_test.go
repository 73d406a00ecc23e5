package pushhub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ohlcv-continuity/internal/bus"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/store/sqlite"
)

const minute = int64(60_000)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}
func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeSender) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func newTestHub(t *testing.T, counters *Counters) (*Hub, *sqlite.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := sqlite.Open(sqlite.Config{DBPath: dbPath}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(Config{HeartbeatInterval: time.Hour, SubscriberQueue: 8, SnapshotTailBars: 10, PartialCoalesce: false}, st, nil, 1, log, counters)
	return h, st
}

func TestSubscribeSendsSnapshotWithTail(t *testing.T) {
	h, st := newTestHub(t, nil)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		ot := i * minute
		if _, err := st.UpsertCandles(ctx, []model.Candle{{Symbol: "BTCUSDT", Interval: "1m", OpenTime: ot, CloseTime: ot + minute - 1}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	tx := &fakeSender{}
	sub, err := h.Subscribe(ctx, "BTCUSDT", "1m", false, tx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	deadline := time.Now().Add(time.Second)
	for len(tx.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	frames := tx.snapshot()
	if len(frames) != 1 {
		t.Fatalf("frames sent = %d, want 1 (snapshot)", len(frames))
	}

	var env model.Envelope
	if err := json.Unmarshal(frames[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != model.EventSnapshot {
		t.Fatalf("envelope type = %q, want snapshot", env.Type)
	}
	if env.Seq != 1 {
		t.Fatalf("seq = %d, want 1 for the first envelope on a fresh epoch", env.Seq)
	}
}

func TestDispatchFansOutToAllSubscribersOnChannel(t *testing.T) {
	var pushEvents []string
	var mu sync.Mutex
	counters := &Counters{
		PushEvents:  func(t string) { mu.Lock(); pushEvents = append(pushEvents, t); mu.Unlock() },
		PushDropped: func(string) {},
		Coalesced:   func() {},
	}
	h, _ := newTestHub(t, counters)
	ctx := context.Background()

	txA, txB := &fakeSender{}, &fakeSender{}
	subA, err := h.Subscribe(ctx, "BTCUSDT", "1m", false, txA)
	if err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	defer subA.Close()
	subB, err := h.Subscribe(ctx, "BTCUSDT", "1m", false, txB)
	if err != nil {
		t.Fatalf("subscribe B: %v", err)
	}
	defer subB.Close()

	candle := model.Candle{Symbol: "BTCUSDT", Interval: "1m", OpenTime: 0, CloseTime: minute - 1}
	h.dispatch("BTCUSDT", "1m", bus.Event{Type: model.EventAppend, Symbol: "BTCUSDT", Interval: "1m", Candle: &candle})

	deadline := time.Now().Add(time.Second)
	for (len(txA.snapshot()) < 2 || len(txB.snapshot()) < 2) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if len(txA.snapshot()) != 2 {
		t.Fatalf("subscriber A frames = %d, want 2 (snapshot + append)", len(txA.snapshot()))
	}
	if len(txB.snapshot()) != 2 {
		t.Fatalf("subscriber B frames = %d, want 2 (snapshot + append)", len(txB.snapshot()))
	}

	mu.Lock()
	defer mu.Unlock()
	var sawAppend bool
	for _, e := range pushEvents {
		if e == string(model.EventAppend) {
			sawAppend = true
		}
	}
	if !sawAppend {
		t.Fatalf("expected an append push-events counter increment, got %v", pushEvents)
	}
}

func TestSeqStaysMonotonicAcrossPartialCoalescing(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tx := &fakeSender{}
	sub := newSubscriber("sub-1", "ohlcv", "epoch-1", "BTCUSDT", "1m", 8, tx, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A partial queued first, then a non-partial event queued after it —
	// both land in the queue before the sender goroutine drains anything.
	sub.enqueue(model.EventPartialUpd, json.RawMessage(`{"v":1}`), "partial_update", minute)
	sub.enqueue(model.EventAppend, json.RawMessage(`{"v":2}`), "append", 2*minute)
	// A second partial for the same open_time coalesces in place, replacing
	// the first partial's queue slot ahead of the already-queued append.
	sub.enqueue(model.EventPartialUpd, json.RawMessage(`{"v":3}`), "partial_update", minute)
	go sub.runSender(ctx)

	deadline := time.Now().Add(time.Second)
	for len(tx.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	frames := tx.snapshot()
	if len(frames) != 2 {
		t.Fatalf("frames sent = %d, want 2 (coalesced partial + append)", len(frames))
	}

	var envs []model.Envelope
	for _, f := range frames {
		var e model.Envelope
		if err := json.Unmarshal(f, &e); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		envs = append(envs, e)
	}
	if envs[0].Type != model.EventPartialUpd {
		t.Fatalf("first sent envelope type = %q, want partial_update (queue position wins, not enqueue order)", envs[0].Type)
	}
	if envs[0].Seq >= envs[1].Seq {
		t.Fatalf("seq not monotonic with send order: first=%d second=%d", envs[0].Seq, envs[1].Seq)
	}
	if envs[0].Seq != 1 || envs[1].Seq != 2 {
		t.Fatalf("seqs = %d,%d, want 1,2 assigned at send time regardless of enqueue order", envs[0].Seq, envs[1].Seq)
	}
}

func TestShutdownSendsTerminalAndClosesSubscribers(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	tx := &fakeSender{}
	sub, err := h.Subscribe(ctx, "ETHUSDT", "1m", false, tx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.Shutdown()

	deadline := time.Now().Add(time.Second)
	for !tx.closed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !tx.closed {
		t.Fatalf("expected the transport to be closed after Shutdown")
	}
	if !sub.isClosed() {
		t.Fatalf("expected the subscriber to be marked closed after Shutdown")
	}
}
