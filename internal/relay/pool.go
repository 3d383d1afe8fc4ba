package relay

import (
	"context"
	"sync"

	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
	"github.com/miladsoft/zapai-dvm/pkg/metrics"
)

// Pool fans a single publish out to every currently connected relay in
// parallel, exactly mirroring the teacher's Hub.broadcast loop
// (internal/ws/handler.go: iterate clients, send to each, drop broken
// ones) but driving N outbound relay connections instead of N inbound
// dashboard clients (spec §4.7 step 10: "Publish to all relays in
// parallel; successful if at least one relay accepts").
type Pool struct {
	mu      sync.RWMutex
	clients map[string]Client
	log     *logger.Logger
	m       *metrics.Registry
}

// NewPool creates an empty Pool.
func NewPool(log *logger.Logger, m *metrics.Registry) *Pool {
	return &Pool{clients: make(map[string]Client), log: log.WithComponent("relay_pool"), m: m}
}

// Register adds or replaces the active Client for a relay URL.
func (p *Pool) Register(url string, c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[url] = c
}

// Unregister removes a relay's Client, e.g. once it disconnects.
func (p *Pool) Unregister(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, url)
}

// PublishAll publishes e to every registered relay concurrently,
// reporting ok=true if at least one relay accepted the write (spec
// §4.7 step 10, §1 non-goals: "at-least-once publish across N relays
// is sufficient").
func (p *Pool) PublishAll(ctx context.Context, e *events.Event) bool {
	p.mu.RLock()
	clients := make([]Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	if len(clients) == 0 {
		p.log.Warn("publish attempted with no connected relays", "event_id", e.ID)
		return false
	}

	var wg sync.WaitGroup
	results := make([]bool, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c Client) {
			defer wg.Done()
			if err := c.Publish(ctx, e); err != nil {
				p.log.LogError(err, "publish failed", "relay", c.URL(), "event_id", e.ID)
				if p.m != nil {
					p.m.EventsDropped.WithLabelValues("publish_failed").Inc()
				}
				return
			}
			results[i] = true
		}(i, c)
	}
	wg.Wait()

	for _, ok := range results {
		if ok {
			return true
		}
	}
	return false
}
