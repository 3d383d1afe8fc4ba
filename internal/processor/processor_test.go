package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoft/zapai-dvm/internal/conversation"
	"github.com/miladsoft/zapai-dvm/internal/dedup"
	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/internal/ledger"
	"github.com/miladsoft/zapai-dvm/internal/oracle"
	"github.com/miladsoft/zapai-dvm/internal/store"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
)

func testLogger() *logger.Logger { return logger.New(logger.Config{Level: "error"}) }

// fakeSigner passes plaintext straight through as "cipher" so tests can
// assert on published content without a real crypto round trip.
type fakeSigner struct{ decryptErr error }

func (fakeSigner) PublicIdentity() string { return "self-key" }
func (f fakeSigner) Sign(t events.Template) (*events.Event, error) {
	return &events.Event{ID: "signed-" + t.Content, AuthorKey: "self-key", Kind: t.Kind, Content: t.Content, Tags: t.Tags}, nil
}
func (fakeSigner) Encrypt(peerKey, plaintext string) (string, error) { return plaintext, nil }
func (f fakeSigner) Decrypt(peerKey, ciphertext string) (string, error) {
	if f.decryptErr != nil {
		return "", f.decryptErr
	}
	return ciphertext, nil
}

type fakePublisher struct {
	published []*events.Event
	fail      bool
}

func (f *fakePublisher) PublishAll(ctx context.Context, e *events.Event) bool {
	if f.fail {
		return false
	}
	f.published = append(f.published, e)
	return true
}

type fakeOracle struct {
	response string
	err      error
}

func (f fakeOracle) Generate(ctx context.Context, prompt string, history []oracle.Turn) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

// passthroughBreaker simulates a closed circuit: it always invokes fn.
type passthroughBreaker struct{}

func (passthroughBreaker) Execute(ctx context.Context, fn func(context.Context) (string, error), fallback func() string) (string, error) {
	return fn(ctx)
}

func newTestProcessor(t *testing.T, signer Signer, oc oracle.Oracle, pub *fakePublisher) (*Processor, *conversation.Store, *ledger.Ledger) {
	t.Helper()
	kv := store.NewMemStore()
	conv := conversation.New(kv, testLogger())
	led := ledger.New(kv, testLogger(), nil)
	fp := dedup.NewFingerprintCache(time.Minute)
	p := New(DefaultConfig(), signer, pub, conv, led, passthroughBreaker{}, oc, fp, testLogger(), nil)
	return p, conv, led
}

func dmEvent(id, author, content string) *events.Event {
	return &events.Event{ID: id, AuthorKey: author, Kind: events.KindDirectMessage, Content: content}
}

// TestProcessHappyDirectMessage mirrors spec §8 scenario S1: a funded
// user's DM is decrypted, persisted, debited, answered, and the reply
// plus a balance snapshot are published.
func TestProcessHappyDirectMessage(t *testing.T) {
	pub := &fakePublisher{}
	p, conv, led := newTestProcessor(t, fakeSigner{}, fakeOracle{response: "hello back"}, pub)

	ctx := context.Background()
	_, err := led.Credit(ctx, "alice", 100)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ResponseDelay = 0
	p.cfg = cfg

	err = p.Process(ctx, dmEvent("e1", "alice", "hi there"), "wss://relay")
	require.NoError(t, err)

	require.Len(t, pub.published, 2, "one reply event plus one balance snapshot")
	assert.Equal(t, events.KindDirectMessage, pub.published[0].Kind)
	assert.Contains(t, pub.published[0].Content, "hello back")

	bal, err := led.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(80), bal, "DM cost of 20 must be debited")

	hist, err := conv.HistoryByUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, conversation.DirectionUser, hist[0].Direction)
	assert.Equal(t, conversation.DirectionBot, hist[1].Direction)
}

// TestProcessInsufficientBalanceDeclinesWithoutCharging mirrors spec §8
// scenario S3: the user is not charged and no oracle call is made.
func TestProcessInsufficientBalanceDeclinesWithoutCharging(t *testing.T) {
	pub := &fakePublisher{}
	called := false
	oc := fakeOracle{}
	p, _, led := newTestProcessor(t, fakeSigner{}, oc, pub)
	// wrap the breaker to detect any oracle invocation.
	p.breaker = breakerFunc(func(ctx context.Context, fn func(context.Context) (string, error), fallback func() string) (string, error) {
		called = true
		return fn(ctx)
	})

	ctx := context.Background()
	_, err := led.Credit(ctx, "alice", 5) // below the DM cost of 20

	require.NoError(t, err)
	err = p.Process(ctx, dmEvent("e1", "alice", "hi"), "wss://relay")
	require.NoError(t, err)

	assert.False(t, called, "an insufficient balance must short-circuit before the oracle is invoked")
	require.Len(t, pub.published, 1, "a decline notice must be published")

	bal, err := led.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal, "balance must be unchanged on decline")
}

type breakerFunc func(ctx context.Context, fn func(context.Context) (string, error), fallback func() string) (string, error)

func (f breakerFunc) Execute(ctx context.Context, fn func(context.Context) (string, error), fallback func() string) (string, error) {
	return f(ctx, fn, fallback)
}

func TestProcessDropsUndecryptableMessage(t *testing.T) {
	pub := &fakePublisher{}
	p, _, _ := newTestProcessor(t, fakeSigner{decryptErr: errors.New("bad mac")}, fakeOracle{}, pub)

	err := p.Process(context.Background(), dmEvent("e1", "alice", "garbled"), "wss://relay")
	require.NoError(t, err, "an undecryptable message is dropped, not retried")
	assert.Empty(t, pub.published)
}

func TestProcessDropsEmptyContent(t *testing.T) {
	pub := &fakePublisher{}
	p, _, _ := newTestProcessor(t, fakeSigner{}, fakeOracle{}, pub)

	err := p.Process(context.Background(), dmEvent("e1", "alice", "   "), "wss://relay")
	require.NoError(t, err)
	assert.Empty(t, pub.published)
}

func TestProcessDropsDuplicateContentFingerprint(t *testing.T) {
	pub := &fakePublisher{}
	p, _, led := newTestProcessor(t, fakeSigner{}, fakeOracle{response: "reply"}, pub)

	ctx := context.Background()
	_, err := led.Credit(ctx, "alice", 100)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ResponseDelay = 0
	p.cfg = cfg

	require.NoError(t, p.Process(ctx, dmEvent("e1", "alice", "same text"), "wss://relay"))
	published := len(pub.published)

	require.NoError(t, p.Process(ctx, dmEvent("e2", "alice", "same text"), "wss://relay"))
	assert.Len(t, pub.published, published, "repeated content fingerprint within TTL must be dropped")
}

// TestProcessOracleFailureReturnsErrorForRetry: with a breaker that passes
// the oracle error through (no fallback text), Process returns that error
// so the Work Queue can retry the task.
func TestProcessOracleFailureReturnsErrorForRetry(t *testing.T) {
	pub := &fakePublisher{}
	p, _, led := newTestProcessor(t, fakeSigner{}, fakeOracle{err: errors.New("oracle down")}, pub)

	ctx := context.Background()
	_, err := led.Credit(ctx, "alice", 100)
	require.NoError(t, err)

	err = p.Process(ctx, dmEvent("e1", "alice", "hi"), "wss://relay")
	assert.Error(t, err, "an oracle error must propagate for Work Queue retry")
}
