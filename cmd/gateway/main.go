// Command gateway is the process bootstrap for the relay-to-AI gateway.
// Process bootstrap (configuration loading, logging setup, signal
// handling) is explicitly out of core scope, but a real process needs
// one: this wires every core-scope component together the way the
// teacher's cmd/server/main.go wires its container, router, and HTTP
// server, then runs until an OS signal asks it to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miladsoft/zapai-dvm/internal/conversation"
	"github.com/miladsoft/zapai-dvm/internal/dedup"
	"github.com/miladsoft/zapai-dvm/internal/dispatcher"
	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/internal/ledger"
	"github.com/miladsoft/zapai-dvm/internal/oracle"
	"github.com/miladsoft/zapai-dvm/internal/processor"
	"github.com/miladsoft/zapai-dvm/internal/queue"
	"github.com/miladsoft/zapai-dvm/internal/relay"
	"github.com/miladsoft/zapai-dvm/internal/signer"
	"github.com/miladsoft/zapai-dvm/internal/stats"
	"github.com/miladsoft/zapai-dvm/internal/store"
	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
	"github.com/miladsoft/zapai-dvm/pkg/config"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
	"github.com/miladsoft/zapai-dvm/pkg/metrics"
	"github.com/miladsoft/zapai-dvm/pkg/ratelimit"
	"github.com/miladsoft/zapai-dvm/pkg/resilience"
)

func main() {
	logConfig := logger.DefaultConfig()
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		logConfig.Level = level
	}
	logConfig.JSON = os.Getenv("LOG_FORMAT") != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	log.Info("starting zapai gateway")

	cfg, err := config.Load()
	if err != nil {
		log.LogError(err, "configuration failed to load")
		os.Exit(1)
	}
	log.Info("configuration loaded", "summary", cfg.String())

	m := metrics.New()

	kv, closeStore := buildStore(cfg, log)
	if closeStore != nil {
		defer closeStore()
	}

	sign, err := signer.NewDevSigner(cfg.PrivateKey)
	if err != nil {
		log.LogError(err, "failed to build signer")
		os.Exit(1)
	}
	log.Info("signer ready", "public_identity", sign.PublicIdentity())

	conv := conversation.New(kv, log)
	led := ledger.New(kv, log, m)

	rl := ratelimit.New(ratelimit.Config{
		MaxTokens:    cfg.RateLimit.MaxTokens,
		RefillPerSec: cfg.RateLimit.RefillPerSec,
		Window:       cfg.RateLimit.WindowDuration,
	}, log)
	defer rl.Stop()

	evtSet := dedup.NewEventSet(1000)
	fingerprints := dedup.NewFingerprintCache(5 * time.Minute)
	defer fingerprints.Stop()

	pool := relay.NewPool(log, m)

	oc := oracle.New(oracle.Config{
		APIKey:  cfg.AIAPIKey,
		BotName: cfg.BotName,
	})
	breaker := resilience.New(resilience.Config{
		Name:             "ai_oracle",
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		CallTimeout:      cfg.Circuit.CallTimeout,
		ResetTimeout:     cfg.Circuit.ResetTimeout,
	}, log)

	proc := processor.New(processor.Config{
		DMCost:        cfg.DMCost,
		PublicCost:    cfg.PublicCost,
		ResponseDelay: cfg.ResponseDelay,
		HistoryLimit:  50,
		MaxTurns:      40,
	}, sign, pool, conv, led, breaker, oc, fingerprints, log, m)

	wq := queue.New(queue.Config{
		MaxQueueSize:  cfg.MaxQueueSize,
		MaxConcurrent: cfg.MaxConcurrent,
		TaskTimeout:   cfg.QueueTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryBaseDelay,
	}, log, m)

	disp := dispatcher.New(sign.PublicIdentity(), evtSet, rl, wq, proc, pool, sign, led, log, m)

	supCfg := relay.Config{
		ReconnectBase:    cfg.ReconnectBase,
		ReconnectCeiling: cfg.ReconnectCeil,
		CeilingAttempts:  cfg.ReconnectCeilN,
		Filters:          watchFilters(),
	}
	sup := relay.New(supCfg, nil, disp.Handle, pool, log, m)

	// statsProvider is the narrow read-only surface a dashboard process
	// (out of core scope) would mount; absent that surface, this process
	// still exercises it itself via a periodic log line, mirroring the
	// teacher's own cleanup-goroutine shape (pkg/ratelimit.sweepLoop).
	statsProvider := stats.New(sup, wq, disp, breaker, rl, evtSet, fingerprints, conv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx, cfg.Relays)
	go logStatsLoop(ctx, statsProvider, log)

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	connected := sup.AwaitFirstConnect(connectCtx)
	connectCancel()
	if !connected {
		log.Error("no relay connected within startup window")
		cancel()
		os.Exit(1)
	}
	log.Info("at least one relay connected, gateway is live")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received, draining work queue")

	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := wq.Stop(drainCtx); err != nil {
		log.LogError(err, "work queue did not drain within shutdown window")
	}

	log.Info("gateway exited gracefully")
}

// buildStore wires a Redis store at cfg.RedisURL (config defaults it to
// localhost:6379), falling back to an in-memory store when the address is
// empty or the Redis ping fails.
func buildStore(cfg *config.Config, log *logger.Logger) (store.Store, func()) {
	if cfg.RedisURL == "" {
		log.Warn("no REDIS_URL configured, using in-memory store (not durable)")
		return store.NewMemStore(), nil
	}
	rs := store.NewRedisStore(cfg.RedisURL, "zapai:index")
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		log.LogError(apperrors.Wrap(apperrors.StorageError, "redis unreachable, falling back to memory", err), "store init")
		return store.NewMemStore(), nil
	}
	return rs, func() { _ = rs.Close() }
}

// logStatsLoop periodically logs a StatsProvider snapshot, giving the
// gateway an observable heartbeat even without a dashboard process
// mounted on it (spec §9 redesign note). It stops when ctx is canceled.
func logStatsLoop(ctx context.Context, provider stats.Provider, log *logger.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := provider.Snapshot(ctx)
			connectedRelays := 0
			for _, st := range snap.Relays {
				if st.Connected {
					connectedRelays++
				}
			}
			log.Info("stats snapshot",
				"queue_processed", snap.Queue.Processed,
				"queue_failed", snap.Queue.Failed,
				"queue_processing", snap.Queue.Processing,
				"dispatcher_enqueued", snap.Dispatcher.Enqueued,
				"dispatcher_dropped", snap.Dispatcher.Dropped,
				"dispatcher_rate_limited", snap.Dispatcher.RateLimited,
				"circuit_state", snap.Circuit["state"],
				"relays_connected", connectedRelays,
				"tracked_users", len(snap.Summaries),
			)
		case <-ctx.Done():
			return
		}
	}
}

func watchFilters() []relay.Filter {
	return []relay.Filter{
		{
			Kinds: events.WatchedKinds,
			Since: time.Now().Unix(),
		},
	}
}
