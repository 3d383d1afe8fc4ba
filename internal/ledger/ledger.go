// Package ledger implements the per-user payment-unit balance and
// payment-receipt handling of spec §3 and §4.6: an integer balance with
// atomic debit/credit, and idempotent application of payment_receipt
// events. It is grounded on the teacher's cache-style compare-and-swap
// discipline (pkg/cache/cache.go locking pattern) layered over
// internal/store.Store's CAS primitive rather than an in-process map,
// since the ledger must survive process restarts.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/internal/store"
	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
	"github.com/miladsoft/zapai-dvm/pkg/metrics"
)

// Ledger owns Balance and Receipt-applied state (spec §3 ownership
// table).
type Ledger struct {
	kv  store.Store
	log *logger.Logger
	m   *metrics.Registry
}

// New creates a Ledger over kv. m may be nil in tests.
func New(kv store.Store, log *logger.Logger, m *metrics.Registry) *Ledger {
	return &Ledger{kv: kv, log: log.WithComponent("ledger"), m: m}
}

func balanceKey(user string) string  { return "balance:" + user }
func receiptKey(id string) string    { return "receipt:" + id }

// Get returns user's current balance, defaulting to 0 if never credited.
func (l *Ledger) Get(ctx context.Context, user string) (int64, error) {
	raw, ok, err := l.kv.Get(ctx, balanceKey(user))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.StorageError, "get balance", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.StorageError, "parse balance", err)
	}
	return n, nil
}

const maxCASRetries = 8

// casAdjust atomically applies delta to user's balance via
// read-current/CAS-write, retrying on contention, mirroring the spec's
// "compare-and-swap retry" option for single-writer-per-key (spec §4.6,
// §5).
func (l *Ledger) casAdjust(ctx context.Context, user string, delta int64, allowNegative bool) (int64, error) {
	key := balanceKey(user)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, ok, err := l.kv.Get(ctx, key)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.StorageError, "get balance", err)
		}
		var cur int64
		if ok {
			cur, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return 0, apperrors.Wrap(apperrors.StorageError, "parse balance", err)
			}
		}

		next := cur + delta
		if !allowNegative && next < 0 {
			return cur, apperrors.New(apperrors.InsufficientFunds, "balance would go negative")
		}

		var expected []byte
		if ok {
			expected = raw
		}
		swapped, err := l.kv.CAS(ctx, key, expected, []byte(strconv.FormatInt(next, 10)))
		if err != nil {
			return 0, apperrors.Wrap(apperrors.StorageError, "cas balance", err)
		}
		if swapped {
			return next, nil
		}
		// Lost the race against a concurrent writer; retry (spec §8
		// invariant 3: no debit may ever observe a stale balance).
	}
	return 0, apperrors.New(apperrors.DebitRace, "balance CAS did not converge")
}

// Credit increases user's balance by amount (must be positive).
func (l *Ledger) Credit(ctx context.Context, user string, amount int64) (int64, error) {
	if amount <= 0 {
		return l.Get(ctx, user)
	}
	bal, err := l.casAdjust(ctx, user, amount, true)
	if err != nil {
		return 0, err
	}
	if l.m != nil {
		l.m.LedgerCredits.Inc()
	}
	l.log.Debug("balance credited", "user_key", user, "amount", amount, "new_balance", bal)
	return bal, nil
}

// Debit atomically decreases user's balance by cost, never allowing it
// to go negative (spec §3 Balance invariant, §4.6, §8 invariant 3). On
// insufficient funds the balance is left unchanged and an
// InsufficientFunds AppError is returned; on lost-race exhaustion a
// DebitRace AppError is returned and the balance is also left unchanged.
func (l *Ledger) Debit(ctx context.Context, user string, cost int64) (int64, error) {
	bal, err := l.casAdjust(ctx, user, -cost, false)
	if err != nil {
		if l.m != nil {
			l.m.LedgerDebitFails.Inc()
		}
		return 0, err
	}
	if l.m != nil {
		l.m.LedgerDebits.Inc()
	}
	l.log.Debug("balance debited", "user_key", user, "cost", cost, "new_balance", bal)
	return bal, nil
}

// Receipt is the parsed payment_receipt event (spec §3).
type Receipt struct {
	SenderKey      string
	Amount         int64
	ReceiptEventID string
	RequestEventID string
	BoltInvoice    string
	Description    string
}

// innerRequest models the structured payment request carried inside a
// receipt's "description" tag (spec §4.6 step 2-3).
type innerRequest struct {
	AuthorKey string      `json:"pubkey"`
	Tags      []events.Tag `json:"tags"`
	ID        string      `json:"id"`
}

func (r innerRequest) amountMillis() (int64, bool) {
	for _, t := range r.Tags {
		if t.Key() == "amount" {
			n, err := strconv.ParseInt(t.Value(), 10, 64)
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// ParseReceipt extracts a Receipt from a payment_receipt event (spec
// §4.6 steps 1-3). It returns ok=false (not an error) when the event
// carries no usable amount, per "if still zero or unparsable, drop."
func ParseReceipt(e *events.Event) (Receipt, bool) {
	invoice, _ := e.Tag("bolt11")
	description, _ := e.Tag("description")

	r := Receipt{
		ReceiptEventID: e.ID,
		BoltInvoice:    invoice,
		Description:    description,
		SenderKey:      e.AuthorKey,
	}
	if rid, ok := e.Tag("e"); ok {
		r.RequestEventID = rid
	}

	if description != "" {
		var inner innerRequest
		if err := json.Unmarshal([]byte(description), &inner); err == nil {
			r.SenderKey = sanitizeAuthor(inner.AuthorKey, e.AuthorKey)
			if inner.ID != "" {
				r.RequestEventID = inner.ID
			}
			if millis, ok := inner.amountMillis(); ok && millis > 0 {
				r.Amount = millis / 1000
			}
		}
	}

	if r.Amount == 0 {
		if amt, ok := e.Tag("amount"); ok {
			if n, err := strconv.ParseInt(amt, 10, 64); err == nil && n > 0 {
				r.Amount = n / 1000
			}
		}
	}

	if r.Amount <= 0 {
		return Receipt{}, false
	}
	return r, true
}

// ApplyReceipt credits r.Amount to r.SenderKey exactly once, keyed by
// ReceiptEventID (spec §4.6 step 4-5, §8 invariant 5). applied is false
// if the receipt had already been processed; no error in that case.
func (l *Ledger) ApplyReceipt(ctx context.Context, r Receipt) (applied bool, newBalance int64, err error) {
	rk := receiptKey(r.ReceiptEventID)
	swapped, err := l.kv.CAS(ctx, rk, nil, []byte(strconv.FormatInt(r.Amount, 10)))
	if err != nil {
		return false, 0, apperrors.Wrap(apperrors.StorageError, "cas receipt marker", err)
	}
	if !swapped {
		l.log.Debug("receipt already applied", "receipt_event_id", r.ReceiptEventID)
		bal, gerr := l.Get(ctx, r.SenderKey)
		return false, bal, gerr
	}

	bal, err := l.Credit(ctx, r.SenderKey, r.Amount)
	if err != nil {
		return false, 0, err
	}
	l.log.Info("receipt applied", "receipt_event_id", r.ReceiptEventID, "user_key", r.SenderKey, "amount", r.Amount, "new_balance", bal)
	return true, bal, nil
}

// BalanceSnapshot is the structured payload of a balance_response event
// (spec §4.6 "Balance query", §6).
type BalanceSnapshot struct {
	Balance     int64  `json:"balance"`
	Currency    string `json:"currency"`
	TimestampMS int64  `json:"timestamp"`
}

// EncodeSnapshot renders a BalanceSnapshot as the JSON content of a
// balance_response event.
func EncodeSnapshot(balance, timestampMS int64) string {
	b, _ := json.Marshal(BalanceSnapshot{Balance: balance, Currency: "units", TimestampMS: timestampMS})
	return string(b)
}

// InsufficientBalanceText renders the user-facing decline message (spec
// §4.6 charging policy, S3 scenario).
func InsufficientBalanceText(balance, cost int64) string {
	return fmt.Sprintf("Insufficient balance. Current: %d. Required: %d.", balance, cost)
}

// sanitizeAuthor defends against an inner-request author that is empty
// or whitespace-only, falling back to the outer event's author (spec
// open question 3: inner-request-author wins when present).
func sanitizeAuthor(inner, outer string) string {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return outer
	}
	return inner
}
