// Package stats assembles the narrow, read-only StatsProvider capability
// spec §9 calls for: "the dashboard must be a read-only consumer of a
// narrow StatsProvider + ReadOnlyStore capability surface, not a
// back-pointer [to the bot]." The dashboard HTTP surface itself is out
// of core scope (spec §1); this package only builds the snapshot a
// bootstrap process could mount behind such a surface.
package stats

import (
	"context"

	"github.com/miladsoft/zapai-dvm/internal/conversation"
	"github.com/miladsoft/zapai-dvm/internal/dedup"
	"github.com/miladsoft/zapai-dvm/internal/dispatcher"
	"github.com/miladsoft/zapai-dvm/internal/queue"
	"github.com/miladsoft/zapai-dvm/internal/relay"
	"github.com/miladsoft/zapai-dvm/pkg/resilience"
)

// Snapshot is a point-in-time view across every owner's observable
// state (spec §3 ownership table — one read-only field per owner).
type Snapshot struct {
	Relays       []relay.State
	Queue        queue.Stats
	Dispatcher   dispatcher.Stats
	Circuit      map[string]any
	RateLimit    map[string]any
	ProcessedIDs int
	Fingerprints int
	Summaries    []conversation.UserSummary
}

// Provider builds Snapshots on demand. A dashboard process depends only
// on this interface, never on the bot's internal types.
type Provider interface {
	Snapshot(ctx context.Context) Snapshot
}

// Gateway implements Provider by reading every component it was handed
// at construction time.
type Gateway struct {
	supervisor  *relay.Supervisor
	wq          *queue.Queue
	dispatcher  *dispatcher.Dispatcher
	breaker     *resilience.Breaker
	rateLimiter RateLimitMetrics
	events      *dedup.EventSet
	fingerprint *dedup.FingerprintCache
	conv        *conversation.Store
}

// RateLimitMetrics is the narrow metrics surface pkg/ratelimit.Limiter
// exposes, named here to avoid a direct dependency on its concrete type
// leaking into the Provider's construction signature unnecessarily.
type RateLimitMetrics interface {
	Metrics() map[string]any
}

// New assembles a Gateway StatsProvider from the pipeline's owners.
func New(supervisor *relay.Supervisor, wq *queue.Queue, disp *dispatcher.Dispatcher, breaker *resilience.Breaker, rl RateLimitMetrics, evtSet *dedup.EventSet, fp *dedup.FingerprintCache, conv *conversation.Store) *Gateway {
	return &Gateway{
		supervisor:  supervisor,
		wq:          wq,
		dispatcher:  disp,
		breaker:     breaker,
		rateLimiter: rl,
		events:      evtSet,
		fingerprint: fp,
		conv:        conv,
	}
}

// Snapshot implements Provider.
func (g *Gateway) Snapshot(ctx context.Context) Snapshot {
	summaries, _ := g.conv.SummaryAll(ctx)
	return Snapshot{
		Relays:       g.supervisor.States(),
		Queue:        g.wq.Stats(),
		Dispatcher:   g.dispatcher.Stats(),
		Circuit:      g.breaker.Metrics(),
		RateLimit:    g.rateLimiter.Metrics(),
		ProcessedIDs: g.events.Len(),
		Fingerprints: g.fingerprint.Len(),
		Summaries:    summaries,
	}
}

var _ Provider = (*Gateway)(nil)
