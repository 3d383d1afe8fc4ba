// Package processor implements the worker body of spec §4.7: decrypt or
// read plaintext, suppress content-duplicate work, persist the incoming
// message, gate on balance, generate a response through the circuit
// breaker, publish it, and persist the bot's reply. It is grounded on
// the teacher's internal/ws.Client.handleChatMessage (decode -> persist
// -> generate -> persist -> send) generalized from a single WebSocket
// client to the relay-addressed, payment-gated pipeline the spec calls
// for.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miladsoft/zapai-dvm/internal/conversation"
	"github.com/miladsoft/zapai-dvm/internal/dedup"
	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/internal/ledger"
	"github.com/miladsoft/zapai-dvm/internal/oracle"
	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
	"github.com/miladsoft/zapai-dvm/pkg/metrics"
)

// Signer is the narrow capability the Processor needs: decrypt inbound
// DMs, encrypt outbound DMs, and sign outbound events of either kind.
type Signer interface {
	PublicIdentity() string
	Sign(t events.Template) (*events.Event, error)
	Encrypt(peerKey, plaintext string) (string, error)
	Decrypt(peerKey, ciphertext string) (string, error)
}

// Publisher fans a signed event out to every connected relay.
type Publisher interface {
	PublishAll(ctx context.Context, e *events.Event) bool
}

// Breaker is the circuit-breaker capability wrapping the AI Oracle
// (spec §4.5, §4.7 step 8).
type Breaker interface {
	Execute(ctx context.Context, fn func(context.Context) (string, error), fallback func() string) (string, error)
}

// Config holds the Processor's tunables (spec §4.6 charging policy,
// §4.7 steps 7-9).
type Config struct {
	DMCost        int64
	PublicCost    int64
	ResponseDelay time.Duration
	HistoryLimit  int
	MaxTurns      int
}

// DefaultConfig returns the spec §4.6/§4.7 defaults.
func DefaultConfig() Config {
	return Config{
		DMCost:        20,
		PublicCost:    50,
		ResponseDelay: 2 * time.Second,
		HistoryLimit:  50,
		MaxTurns:      40,
	}
}

// Processor is the worker body the Work Queue invokes once per admitted
// event (spec §4.7).
type Processor struct {
	cfg Config

	signer       Signer
	publisher    Publisher
	conv         *conversation.Store
	ledger       *ledger.Ledger
	breaker      Breaker
	oracle       oracle.Oracle
	fingerprints *dedup.FingerprintCache

	log *logger.Logger
	m   *metrics.Registry
}

// New creates a Processor.
func New(cfg Config, signer Signer, pub Publisher, conv *conversation.Store, led *ledger.Ledger, breaker Breaker, oc oracle.Oracle, fp *dedup.FingerprintCache, log *logger.Logger, m *metrics.Registry) *Processor {
	return &Processor{
		cfg:          cfg,
		signer:       signer,
		publisher:    pub,
		conv:         conv,
		ledger:       led,
		breaker:      breaker,
		oracle:       oc,
		fingerprints: fp,
		log:          log.WithComponent("processor"),
		m:            m,
	}
}

func isDM(k events.Kind) bool { return k == events.KindDirectMessage }

// Process runs the full pipeline for one admitted event (spec §4.7
// steps 1-12). Errors returned after step 5 (the user message is
// already persisted) are retried by the Work Queue per spec §4.3; a
// best-effort DM error notice is attempted first for DM origin.
func (p *Processor) Process(ctx context.Context, e *events.Event, relayURL string) error {
	log := p.log.WithEventID(e.ID).WithUser(e.AuthorKey)

	dm := isDM(e.Kind)

	// Step 1: extract the requested session (DM only; public notes
	// synthesize/resolve via EnsureSession during SaveMessage).
	requestedSession := ""
	if dm {
		requestedSession, _ = e.Tag("session")
	}

	// Step 2: plaintext.
	var plaintext string
	var err error
	switch {
	case dm:
		plaintext, err = p.signer.Decrypt(e.AuthorKey, e.Content)
		if err != nil {
			log.Debug("decrypt failed, dropping", "error", err.Error())
			return nil
		}
	case e.Kind == events.KindPublicNote:
		plaintext = e.Content
	default:
		log.Debug("unsupported kind reached processor, dropping")
		return nil
	}

	// Step 3: reject empty content.
	if strings.TrimSpace(plaintext) == "" {
		log.Debug("empty content, dropping")
		return nil
	}

	// Step 4: content-fingerprint dedup.
	if p.fingerprints.SeenOrAdd(e.AuthorKey, plaintext) {
		log.Debug("content fingerprint already seen, dropping")
		return nil
	}

	origin := conversation.OriginPublic
	if dm {
		origin = conversation.OriginDM
	}

	// Step 5: persist the user message.
	saveRes, err := p.conv.SaveMessage(ctx, e.AuthorKey, plaintext, false, conversation.SaveOptions{
		SessionID:       requestedSession,
		SourceEventID:   e.ID,
		SourceEventKind: e.Kind,
		Origin:          origin,
	})
	if err != nil {
		return err // StorageError: retry per spec §4.3.
	}
	if saveRes.Duplicate {
		log.Debug("duplicate message, dropping")
		return nil
	}
	sessionID := saveRes.SessionID

	// From here on, any error gets a best-effort DM notice before being
	// returned for retry (spec §4.7 "On exception anywhere after step 5").

	// Step 6: balance gate (spec §4.6 charging policy).
	cost := p.cfg.PublicCost
	if dm {
		cost = p.cfg.DMCost
	}

	balance, err := p.ledger.Get(ctx, e.AuthorKey)
	if err != nil {
		return p.failAfterPersist(ctx, e, dm, sessionID, saveRes.MessageID, err)
	}
	if balance < cost {
		text := ledger.InsufficientBalanceText(balance, cost)
		p.publishDeclineAndPersist(ctx, e, dm, sessionID, saveRes.MessageID, text)
		return nil
	}

	newBalance, err := p.ledger.Debit(ctx, e.AuthorKey, cost)
	if err != nil {
		text := "A transient error prevented processing your request; you have not been charged."
		if apperrors.Is(err, apperrors.InsufficientFunds) {
			text = ledger.InsufficientBalanceText(balance, cost)
		}
		p.publishDeclineAndPersist(ctx, e, dm, sessionID, saveRes.MessageID, text)
		return nil
	}

	// Step 7: bounded history.
	var history []conversation.MessageRecord
	if requestedSession != "" {
		history, err = p.conv.HistoryBySession(ctx, e.AuthorKey, sessionID, p.cfg.HistoryLimit)
	} else {
		history, err = p.conv.HistoryByUser(ctx, e.AuthorKey, p.cfg.HistoryLimit)
	}
	if err != nil {
		log.LogError(err, "history load failed, continuing with empty history")
		history = nil
	}
	turns := oracle.HistoryFromRecords(history, p.cfg.MaxTurns)

	// Step 8: invoke the oracle through the circuit breaker.
	if p.m != nil {
		p.m.OracleCalls.Inc()
	}
	responseText, err := p.breaker.Execute(ctx, func(callCtx context.Context) (string, error) {
		return p.oracle.Generate(callCtx, plaintext, turns)
	}, func() string {
		if p.m != nil {
			p.m.OracleFailures.Inc()
		}
		return "I'm having trouble reaching my reasoning engine right now. Please try again shortly."
	})
	if err != nil {
		return p.failAfterPersist(ctx, e, dm, sessionID, saveRes.MessageID, err)
	}
	responseText = fmt.Sprintf("%s\n\nBalance: %d (charged %d)", responseText, newBalance, cost)

	// Step 9: pace responses.
	if p.cfg.ResponseDelay > 0 {
		select {
		case <-time.After(p.cfg.ResponseDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Step 10: publish the response.
	responseEvent, err := p.buildResponseEvent(e, dm, sessionID, responseText)
	if err != nil {
		return p.failAfterPersist(ctx, e, dm, sessionID, saveRes.MessageID, err)
	}
	if ok := p.publisher.PublishAll(ctx, responseEvent); !ok {
		return apperrors.New(apperrors.PublishFailed, "no relay accepted the response")
	}

	// Step 11: persist the bot response, strictly after the user message so
	// history keeps them in order even within one millisecond.
	botTS := time.Now().UnixMilli()
	if botTS <= saveRes.TimestampMS {
		botTS = saveRes.TimestampMS + 1
	}
	_, err = p.conv.SaveMessage(ctx, e.AuthorKey, responseText, true, conversation.SaveOptions{
		TimestampMS:     botTS,
		SessionID:       sessionID,
		ReplyTo:         saveRes.MessageID,
		SourceEventID:   responseEvent.ID,
		SourceEventKind: responseEvent.Kind,
		RequestedKind:   conversation.MessageTypeResponse,
		Origin:          origin,
	})
	if err != nil {
		log.LogError(err, "failed to persist bot response")
	}

	// Step 12: DM gets a balance snapshot.
	if dm {
		p.publishBalanceSnapshot(ctx, e.AuthorKey, newBalance)
	}

	return nil
}

func (p *Processor) buildResponseEvent(e *events.Event, dm bool, sessionID, text string) (*events.Event, error) {
	now := time.Now()
	if dm {
		cipher, err := p.signer.Encrypt(e.AuthorKey, text)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.OracleError, "encrypt response", err)
		}
		tmpl := events.Template{
			Kind:      events.KindDirectMessage,
			CreatedAt: now.Unix(),
			Content:   cipher,
			Tags: []events.Tag{
				{"p", e.AuthorKey},
				{"session", sessionID},
			},
		}
		return p.signer.Sign(tmpl)
	}

	tmpl := events.Template{
		Kind:      events.KindPublicNote,
		CreatedAt: now.Unix(),
		Content:   text,
		Tags: []events.Tag{
			{"e", e.ID, "", "reply"},
			{"p", e.AuthorKey},
		},
	}
	return p.signer.Sign(tmpl)
}

// failAfterPersist returns err unchanged for the Work Queue's retry
// logic, attempting a best-effort DM notice first (spec §4.7 "On
// exception anywhere after step 5... rethrow so the Work Queue can
// retry").
func (p *Processor) failAfterPersist(ctx context.Context, e *events.Event, dm bool, sessionID, userMsgID string, err error) error {
	if dm {
		p.notifyDM(ctx, e.AuthorKey, "An error occurred generating your response; this will be retried automatically.")
	}
	return err
}

// publishDeclineAndPersist handles the InsufficientFunds/DebitRace
// paths: publish a user-facing decline and persist it as a system
// message, then stop (spec §4.6 charging policy, §4.7 step 6).
func (p *Processor) publishDeclineAndPersist(ctx context.Context, e *events.Event, dm bool, sessionID, userMsgID, text string) {
	declineEvent, err := p.buildResponseEvent(e, dm, sessionID, text)
	if err != nil {
		p.log.LogError(err, "failed to build decline event")
		return
	}
	p.publisher.PublishAll(ctx, declineEvent)

	origin := conversation.OriginPublic
	if dm {
		origin = conversation.OriginDM
	}
	_, err = p.conv.SaveMessage(ctx, e.AuthorKey, text, true, conversation.SaveOptions{
		SessionID:       sessionID,
		ReplyTo:         userMsgID,
		SourceEventID:   declineEvent.ID,
		SourceEventKind: declineEvent.Kind,
		RequestedKind:   conversation.MessageTypeSystem,
		Origin:          origin,
	})
	if err != nil {
		p.log.LogError(err, "failed to persist decline message")
	}
}

func (p *Processor) notifyDM(ctx context.Context, peerKey, text string) {
	cipher, err := p.signer.Encrypt(peerKey, text)
	if err != nil {
		return
	}
	tmpl := events.Template{
		Kind:      events.KindDirectMessage,
		CreatedAt: time.Now().Unix(),
		Content:   cipher,
		Tags:      []events.Tag{{"p", peerKey}},
	}
	signed, err := p.signer.Sign(tmpl)
	if err != nil {
		return
	}
	p.publisher.PublishAll(ctx, signed)
}

func (p *Processor) publishBalanceSnapshot(ctx context.Context, userKey string, balance int64) {
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
	signed, err := p.signer.Sign(tmpl)
	if err != nil {
		p.log.LogError(err, "sign balance snapshot failed")
		return
	}
	p.publisher.PublishAll(ctx, signed)
}
