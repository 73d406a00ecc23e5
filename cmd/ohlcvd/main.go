// Command ohlcvd is the continuity engine daemon: it wires the Canonical
// Store, Upstream Adapter, Stream Consumer, Gap Repository, Backfill Worker
// Pool, Gap Orchestrator, Continuity Scanner, Delta API, Push Hub, and
// Metrics & Health together and runs them until SIGINT/SIGTERM, grounded on
// the teacher's cmd/mdengine signal-handling and graceful-shutdown idiom.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"ohlcv-continuity/config"
	"ohlcv-continuity/internal/adminbackfill"
	"ohlcv-continuity/internal/backfill"
	"ohlcv-continuity/internal/bus"
	"ohlcv-continuity/internal/circuitbreaker"
	"ohlcv-continuity/internal/deltaapi"
	"ohlcv-continuity/internal/gaprepo"
	"ohlcv-continuity/internal/logger"
	"ohlcv-continuity/internal/metrics"
	"ohlcv-continuity/internal/model"
	"ohlcv-continuity/internal/notification"
	"ohlcv-continuity/internal/orchestrator"
	"ohlcv-continuity/internal/pushhub"
	"ohlcv-continuity/internal/ratelimit"
	"ohlcv-continuity/internal/scanner"
	"ohlcv-continuity/internal/store/sqlite"
	"ohlcv-continuity/internal/streamconsumer"
	"ohlcv-continuity/internal/upstream"
	"ohlcv-continuity/internal/upstream/binance"
	"ohlcv-continuity/internal/upstream/okx"
)

func main() {
	cfg := config.Load()
	log := logger.Init("ohlcvd", slog.LevelInfo)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := sqlite.Open(sqlite.Config{DBPath: cfg.SQLitePath}, log)
	if err != nil {
		log.Error("open store failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	redisBus, err := bus.New(bus.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
	if err != nil {
		log.Error("open bus failed", "err", err)
		os.Exit(1)
	}
	defer redisBus.Close()

	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	symbols := cfg.ParseSymbols()
	intervals := cfg.ParseIntervals()
	intervalMs := model.IntervalMs

	notifier := buildNotifier(cfg)

	adapter := buildAdapter(cfg, log)
	breaker := circuitbreaker.New(5, 30*time.Second)
	gaps := gaprepo.New(store)

	// One Backfill Worker per interval, shared across symbols — the
	// orchestrator hands out disjoint (symbol, interval) segments so a
	// single worker per interval never fetches overlapping ranges.
	backfillWorkers := make(map[string]*backfill.Worker)
	orchestratorWorkers := make(map[orchestrator.SegKey]*backfill.Worker)
	for _, interval := range intervals {
		w := backfill.New(backfill.Config{
			PageSize:       cfg.BackfillPageSize,
			MaxPages:       cfg.BackfillMaxPages,
			RetryMax:       cfg.BackfillRetryMax,
			RetryBackoffMs: cfg.BackfillRetryBackoffMs,
		}, adapter, store, gaps, breaker, redisBus, log, m.ObserveGapMTTR, func(symbol, iv string) {
			m.GapsRepairedTotal.WithLabelValues(symbol, iv).Inc()
		})
		backfillWorkers[interval] = w
		for _, symbol := range symbols {
			orchestratorWorkers[orchestrator.SegKey{Symbol: symbol, Interval: interval}] = w
		}
	}

	var wg sync.WaitGroup

	// Stream Consumers: one per (symbol, interval).
	for _, symbol := range symbols {
		for _, interval := range intervals {
			im, ok := intervalMs[interval]
			if !ok {
				log.Warn("skipping unknown interval", "interval", interval)
				continue
			}
			obs := streamconsumer.Observers{
				OnMessage:   func(s, i string) { m.StreamMessagesTotal.WithLabelValues(s, i).Inc() },
				OnFinalized: func(s, i string) { m.CandlesFinalizedTotal.WithLabelValues(s, i).Inc() },
				OnLateFill:  func(s, i string) { m.LateFillsTotal.WithLabelValues(s, i).Inc() },
				OnReconnect: func(s, i string) { m.ReconnectsTotal.WithLabelValues(s, i).Inc() },
				OnGapDetected: func(s, i string) {
					m.GapsDetectedTotal.WithLabelValues(s, i).Inc()
					notifier.notifyGap(ctx, s, i)
				},
				OnPartialClose: m.ObservePartialClose,
				OnMessageTime: func(s, i string, t time.Time) {
					m.StreamLag.WithLabelValues(s, i).Set(time.Since(t).Seconds())
					health.SetLastMessageTime(t)
					health.SetStreamConnected(true)
				},
			}
			consumer := streamconsumer.New(symbol, interval, im, adapter, store, gaps, redisBus, log, obs)

			wg.Add(1)
			go func(symbol, interval string) {
				defer wg.Done()
				for {
					err := consumer.Run(ctx)
					if ctx.Err() != nil {
						return
					}
					log.Error("stream consumer exited, restarting", "symbol", symbol, "interval", interval, "err", err)
					notifier.notifyFault(ctx, symbol, interval, err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
					}
				}
			}(symbol, interval)
		}
	}

	// Gap Orchestrator: fleet-wide singleton via DB advisory lock.
	holderID := fmt.Sprintf("ohlcvd-%d", os.Getpid())
	orch := orchestrator.New(orchestrator.Config{
		PollInterval: time.Duration(cfg.OrchestratorPollIntervalMs) * time.Millisecond,
		Concurrency:  cfg.BackfillConcurrency,
		LockKey:      cfg.StoreLockKey,
		LockTTL:      30 * time.Second,
	}, holderID, store, gaps, orchestratorWorkers, intervalMs, log).WithGauges(
		func(n int) { m.OrchestratorQueueDepth.Set(float64(n)) },
		func(n int) { m.OpenGapCount.Set(float64(n)) },
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("orchestrator exited", "err", err)
		}
	}()

	// Continuity Scanner.
	scn := scanner.New(scanner.Config{
		HorizonDays: cfg.ScannerHorizonDays,
		PageSize:    1000,
	}, store, gaps, intervalMs, log).
		WithCompletenessGauge(func(s, i string, ratio float64) { m.CompletenessRatio.WithLabelValues(s, i).Set(ratio) }).
		WithGapObserver(func(s, i string) { m.GapsDetectedTotal.WithLabelValues(s, i).Inc() })

	var pairs [][2]string
	for _, s := range symbols {
		for _, i := range intervals {
			pairs = append(pairs, [2]string{s, i})
		}
	}
	scanMinutes, _ := strconv.Atoi(cfg.ScannerSchedule)
	if scanMinutes <= 0 {
		scanMinutes = 60
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scn.RunSchedule(ctx, pairs, time.Duration(scanMinutes)*time.Minute); err != nil && ctx.Err() == nil {
			log.Error("scanner exited", "err", err)
		}
	}()

	// Push Hub: one RunChannel goroutine per (symbol, interval), plus HTTP
	// mounts for WS and SSE transports.
	hub := pushhub.New(pushhub.Config{
		HeartbeatInterval: time.Duration(cfg.PushHeartbeatMs) * time.Millisecond,
		SubscriberQueue:   cfg.PushSubscriberQueueSize,
		SnapshotTailBars:  200,
		PartialCoalesce:   cfg.PushPartialCoalesce,
	}, store, redisBus, time.Now().UnixNano(), log, &pushhub.Counters{
		PushEvents:  func(t string) { m.PushEventsTotal.WithLabelValues(t).Inc() },
		PushDropped: func(r string) { m.PushDroppedTotal.WithLabelValues(r).Inc() },
	})
	for _, s := range symbols {
		for _, i := range intervals {
			wg.Add(1)
			go func(symbol, interval string) {
				defer wg.Done()
				hub.RunChannel(ctx, symbol, interval)
			}(s, i)
		}
	}

	adminStarter := adminbackfill.New(store, gaps, backfillWorkers, intervalMs, log)
	api := deltaapi.New(deltaapi.Config{
		LimitMax:            cfg.DeltaLimitMax,
		BackfillHorizonDays: 365,
	}, store, gaps, adminStarter, intervalMs, deltaapi.Observers{
		RequestObserved: func(route string, d time.Duration, truncated bool) {
			m.DeltaHandlerLatency.WithLabelValues(route).Observe(d.Seconds())
			m.DeltaRequestsTotal.WithLabelValues(route, strconv.FormatBool(truncated)).Inc()
		},
	})

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("/ws/ohlcv", hub.ServeWS)
	mux.HandleFunc("/stream/signals", hub.ServeSSE)
	apiSrv := &http.Server{Addr: cfg.APIAddr, Handler: mux}

	health.SetTrackedPairs(pairStrings(pairs))
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)

	go func() {
		log.Info("delta api listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("delta api server error", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	hub.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	apiSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	wg.Wait()
	log.Info("shutdown complete")
}

func buildAdapter(cfg *config.Config, log *slog.Logger) upstream.Adapter {
	limiter := ratelimit.NewBucket(20, 10)
	switch cfg.Exchange {
	case "okx":
		return okx.New(limiter, log)
	default:
		return binance.New(limiter, log)
	}
}

type alerter struct {
	notifier notification.Notifier
	log      *slog.Logger
}

func buildNotifier(cfg *config.Config) *alerter {
	var n notification.Notifier
	if cfg.WebhookURL != "" {
		n = notification.NewWebhookNotifier(cfg.WebhookURL)
	} else {
		n = notification.NewLogNotifier()
	}
	return &alerter{notifier: n}
}

func (a *alerter) notifyFault(ctx context.Context, symbol, interval string, err error) {
	_ = a.notifier.Send(ctx, notification.Alert{
		Level: notification.AlertCritical, Title: "stream consumer faulted",
		Message: fmt.Sprintf("%s/%s: %v", symbol, interval, err),
	})
}

func (a *alerter) notifyGap(ctx context.Context, symbol, interval string) {
	_ = a.notifier.Send(ctx, notification.Alert{
		Level: notification.AlertWarning, Title: "gap detected",
		Message: fmt.Sprintf("%s/%s", symbol, interval),
	})
}

func pairStrings(pairs [][2]string) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p[0]+"/"+p[1])
	}
	return out
}
