// Package dispatcher implements spec §4.2: classify, deduplicate,
// rate-limit, and admit inbound events without ever blocking the Relay
// Supervisor's read loop. It is the seam between the teacher's
// connection-handling layer (internal/ws.Hub's non-blocking broadcast
// select) and the Processor — every branch here either returns quickly
// or hands off to the Work Queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miladsoft/zapai-dvm/internal/dedup"
	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/internal/ledger"
	"github.com/miladsoft/zapai-dvm/internal/queue"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
	"github.com/miladsoft/zapai-dvm/pkg/metrics"
	"github.com/miladsoft/zapai-dvm/pkg/ratelimit"
)

// Processor is the narrow capability the Dispatcher hands direct_message
// and public_note events to. Implemented by internal/processor.Processor;
// declared here to avoid a cyclic package dependency.
type Processor interface {
	Process(ctx context.Context, e *events.Event, relayURL string) error
}

// Publisher is the narrow publish-to-all-relays capability the
// Dispatcher needs for one-shot notices (rate-limit decline, overload)
// and for balance responses/receipt acknowledgements.
type Publisher interface {
	PublishAll(ctx context.Context, e *events.Event) (ok bool)
}

// Signer is the narrow signing capability for one-shot notices and
// balance responses.
type Signer interface {
	PublicIdentity() string
	Sign(t events.Template) (*events.Event, error)
	Encrypt(peerKey, plaintext string) (string, error)
}

// Stats counts the Dispatcher's observable outcomes (spec §4.2
// "Observable side effects").
type Stats struct {
	RateLimited uint64
	Dropped     uint64
	Enqueued    uint64
	Receipts    uint64
	BalanceReqs uint64
}

// Dispatcher classifies, deduplicates, and admits events (spec §4.2).
type Dispatcher struct {
	selfKey string

	events      *dedup.EventSet
	rateLimiter *ratelimit.Limiter
	wq          *queue.Queue
	processor   Processor
	publisher   Publisher
	signer      Signer
	ledger      *ledger.Ledger
	log         *logger.Logger
	m           *metrics.Registry

	// A single Dispatcher is shared across every relay's read-loop
	// goroutine (spec §5, one task per subscription, all concurrent) and
	// Stats() is read from yet another goroutine (internal/stats), so
	// these need the same guarded-counter discipline internal/queue.Queue
	// uses for its own counters, here via atomic.Uint64.
	rateLimited atomic.Uint64
	dropped     atomic.Uint64
	enqueued    atomic.Uint64
	receipts    atomic.Uint64
	balanceReqs atomic.Uint64
}

// New creates a Dispatcher.
func New(selfKey string, evtSet *dedup.EventSet, rl *ratelimit.Limiter, wq *queue.Queue, proc Processor, pub Publisher, signer Signer, led *ledger.Ledger, log *logger.Logger, m *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		selfKey:     selfKey,
		events:      evtSet,
		rateLimiter: rl,
		wq:          wq,
		processor:   proc,
		publisher:   pub,
		signer:      signer,
		ledger:      led,
		log:         log.WithComponent("dispatcher"),
		m:           m,
	}
}

// Handle is the relay.Handler callback: it is invoked on the
// Supervisor's read path and must never block (spec §4.1 step 2, §4.2
// "never blocks the Supervisor loop").
func (d *Dispatcher) Handle(e *events.Event, relayURL string) {
	if d.events.SeenOrAdd(e.ID) {
		d.log.Debug("duplicate event dropped", "event_id", e.ID)
		return
	}
	if e.AuthorKey == d.selfKey {
		return
	}

	switch events.Classify(e.Kind) {
	case events.ClassPaymentReceipt:
		d.handleReceipt(e)
	case events.ClassBalanceRequest:
		d.handleBalanceRequest(e)
	case events.ClassDirectMessage, events.ClassPublicNote:
		d.admit(e, relayURL)
	default:
		d.log.Debug("unknown kind ignored", "kind", int(e.Kind))
	}
}

// admit applies the rate limiter and enqueues direct_message/public_note
// events onto the Work Queue (spec §4.2 steps 4-5).
func (d *Dispatcher) admit(e *events.Event, relayURL string) {
	result := d.rateLimiter.Check(e.AuthorKey)
	if !result.Allowed {
		d.rateLimited.Add(1)
		if d.m != nil {
			d.m.EventsDropped.WithLabelValues("rate_limited").Inc()
		}
		if events.Classify(e.Kind) == events.ClassDirectMessage {
			d.sendOneShot(e.AuthorKey, fmt.Sprintf("Rate limited. Retry in %d seconds.", int(result.RetryAfter.Seconds())+1))
		}
		// Public mentions get no signal by design (spec §9 open
		// question 5): suppressed here, not merely unimplemented.
		return
	}

	label := fmt.Sprintf("process:%s", e.ID)
	err := d.wq.Enqueue(e.ID, label, func(ctx context.Context) error {
		return d.processor.Process(ctx, e, relayURL)
	})
	if err != nil {
		d.dropped.Add(1)
		if d.m != nil {
			d.m.EventsDropped.WithLabelValues("queue_full").Inc()
		}
		if events.Classify(e.Kind) == events.ClassDirectMessage {
			d.sendOneShot(e.AuthorKey, "System is overloaded right now, please try again shortly.")
		}
		return
	}
	d.enqueued.Add(1)
}

// handleReceipt applies a payment receipt synchronously (spec §4.2 step
// 3: "not rate-limited, not enqueued to Work Queue").
func (d *Dispatcher) handleReceipt(e *events.Event) {
	receipt, ok := ledger.ParseReceipt(e)
	if !ok {
		d.log.Debug("receipt dropped: no usable amount", "event_id", e.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	applied, balance, err := d.ledger.ApplyReceipt(ctx, receipt)
	if err != nil {
		d.log.LogError(err, "receipt application failed", "event_id", e.ID)
		return
	}
	if !applied {
		return
	}
	d.receipts.Add(1)

	ack := fmt.Sprintf("Payment received, thank you! New balance: %d units.", balance)
	d.publishBalanceAck(receipt.SenderKey, ack, balance)
}

// handleBalanceRequest answers synchronously (spec §4.2 step 3, §4.6
// "Balance query").
func (d *Dispatcher) handleBalanceRequest(e *events.Event) {
	d.balanceReqs.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bal, err := d.ledger.Get(ctx, e.AuthorKey)
	if err != nil {
		d.log.LogError(err, "balance lookup failed", "user_key", e.AuthorKey)
		return
	}
	d.publishBalanceAck(e.AuthorKey, "", bal)
}

func (d *Dispatcher) publishBalanceAck(userKey, noteText string, balance int64) {
	now := time.Now()
	content := ledger.EncodeSnapshot(balance, now.UnixMilli())
	tmpl := events.Template{
		Kind:      events.KindBalanceResp,
		CreatedAt: now.Unix(),
		Content:   content,
		Tags: []events.Tag{
			{"p", userKey},
			{"balance", fmt.Sprintf("%d", balance)},
		},
	}
	signed, err := d.signer.Sign(tmpl)
	if err != nil {
		d.log.LogError(err, "sign balance response failed")
		return
	}
	d.publisher.PublishAll(context.Background(), signed)

	if noteText != "" {
		noteTmpl := events.Template{
			Kind:      events.KindPublicNote,
			CreatedAt: now.Unix(),
			Content:   noteText,
			Tags:      []events.Tag{{"p", userKey}},
		}
		if noteSigned, err := d.signer.Sign(noteTmpl); err == nil {
			d.publisher.PublishAll(context.Background(), noteSigned)
		}
	}
}

// sendOneShot publishes a single DM decline/overload notice (spec §4.2
// steps 4-5, §7 "RateLimited"/"QueueFull").
func (d *Dispatcher) sendOneShot(peerKey, text string) {
	now := time.Now()
	cipher, err := d.signer.Encrypt(peerKey, text)
	if err != nil {
		d.log.LogError(err, "encrypt one-shot notice failed")
		return
	}
	tmpl := events.Template{
		Kind:      events.KindDirectMessage,
		CreatedAt: now.Unix(),
		Content:   cipher,
		Tags:      []events.Tag{{"p", peerKey}},
	}
	signed, err := d.signer.Sign(tmpl)
	if err != nil {
		d.log.LogError(err, "sign one-shot notice failed")
		return
	}
	d.publisher.PublishAll(context.Background(), signed)
}

// Stats returns a snapshot of the Dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		RateLimited: d.rateLimited.Load(),
		Dropped:     d.dropped.Load(),
		Enqueued:    d.enqueued.Load(),
		Receipts:    d.receipts.Load(),
		BalanceReqs: d.balanceReqs.Load(),
	}
}
