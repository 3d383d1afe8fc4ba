package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/internal/store"
	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
)

func testLedger() *Ledger {
	return New(store.NewMemStore(), logger.New(logger.Config{Level: "error"}), nil)
}

func TestGetDefaultsToZero(t *testing.T) {
	l := testLedger()
	bal, err := l.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestCreditThenDebit(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	bal, err := l.Credit(ctx, "u1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	bal, err = l.Debit(ctx, "u1", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(80), bal)
}

// TestDebitNeverGoesNegative mirrors spec §3/§8 invariant 3: a failing
// debit leaves the balance unchanged and never produces a negative one.
func TestDebitNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	_, err := l.Credit(ctx, "u1", 10)
	require.NoError(t, err)

	_, err = l.Debit(ctx, "u1", 20)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.InsufficientFunds))

	bal, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal, "balance must be unchanged after a failed debit")
}

// TestConcurrentDebitsAreAtomic mirrors spec §8 invariant 3: concurrent
// debits against the same user never oversubscribe the balance.
func TestConcurrentDebitsAreAtomic(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	_, err := l.Credit(ctx, "u1", 100)
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	var succeeded int64
	var mu sync.Mutex

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "u1", 10); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), succeeded, "exactly 10 of 20 debits of 10 units against a balance of 100 may succeed")

	bal, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func receiptEvent(id, author, description string) *events.Event {
	return &events.Event{
		ID:        id,
		AuthorKey: author,
		Kind:      events.KindPaymentReceipt,
		Tags: []events.Tag{
			{"bolt11", "lnbc..."},
			{"description", description},
		},
	}
}

// TestParseReceiptConvertsMillisatsToUnits mirrors spec §8 scenario S5:
// an inner request amount of 2500 (millipayment-units) becomes 2 units.
func TestParseReceiptConvertsMillisatsToUnits(t *testing.T) {
	inner, err := json.Marshal(map[string]any{
		"pubkey": "U1",
		"tags":   [][]string{{"amount", "2500"}},
	})
	require.NoError(t, err)

	e := receiptEvent("r1", "relay-signer", string(inner))
	r, ok := ParseReceipt(e)
	require.True(t, ok)
	assert.Equal(t, "U1", r.SenderKey)
	assert.Equal(t, int64(2), r.Amount)
}

func TestParseReceiptFallsBackToOuterAuthor(t *testing.T) {
	inner, err := json.Marshal(map[string]any{
		"tags": [][]string{{"amount", "1000"}},
	})
	require.NoError(t, err)

	e := receiptEvent("r1", "outer-author", string(inner))
	r, ok := ParseReceipt(e)
	require.True(t, ok)
	assert.Equal(t, "outer-author", r.SenderKey, "empty inner author must fall back to the outer event author")
}

func TestParseReceiptDropsUnparsableAmount(t *testing.T) {
	e := receiptEvent("r1", "u1", "{not json")
	_, ok := ParseReceipt(e)
	assert.False(t, ok)
}

// TestApplyReceiptIsIdempotent mirrors spec §8 invariant 5: replaying the
// same receipt id yields a single credit.
func TestApplyReceiptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := testLedger()

	r := Receipt{SenderKey: "u1", Amount: 2, ReceiptEventID: "r1"}

	applied, bal, err := l.ApplyReceipt(ctx, r)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(2), bal)

	applied, bal, err = l.ApplyReceipt(ctx, r)
	require.NoError(t, err)
	assert.False(t, applied, "a replayed receipt must not be applied twice")
	assert.Equal(t, int64(2), bal)

	final, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), final)
}
