package relay

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
	"github.com/miladsoft/zapai-dvm/pkg/metrics"
)

// State is the per-URL relay connection state (spec §3 "Relay State").
type State struct {
	URL               string
	Connected         bool
	LastSeen          time.Time
	MessagesIn        uint64
	MessagesOut       uint64
	Errors            uint64
	LastError         string
	ReconnectAttempts int
	PermanentlyFailed bool
}

// Dialer opens a Client for a relay URL; swappable for tests.
type Dialer func(ctx context.Context, url string) (Client, error)

// DefaultDialer dials a real websocket connection.
func DefaultDialer(ctx context.Context, url string) (Client, error) {
	return Dial(ctx, url)
}

// Config controls the Supervisor's reconnect policy (spec §4.1).
type Config struct {
	ReconnectBase    time.Duration
	ReconnectCeiling time.Duration
	CeilingAttempts  int
	Filters          []Filter
}

// DefaultConfig returns the spec §4.1 defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:    5 * time.Second,
		ReconnectCeiling: 60 * time.Second,
		CeilingAttempts:  5,
	}
}

// Handler is invoked for every EVENT frame received from any relay.
// It must not block the Supervisor's read loop (spec §4.1 step 2).
type Handler func(e *events.Event, relayURL string)

// Registrar is the narrow capability the Supervisor uses to keep the
// outbound Pool's client set in sync with which relays are actually
// connected right now (spec §4.7 step 10 depends on the Pool only ever
// holding live connections). Implemented by *Pool; declared narrowly
// here so the Supervisor does not depend on Pool's full surface.
type Registrar interface {
	Register(url string, c Client)
	Unregister(url string)
}

// Supervisor owns one subscription loop per configured relay URL,
// reconnecting with exponential backoff and retiring a relay once it
// exhausts its reconnect budget (spec §4.1, §3 "Relay State" lifecycle).
type Supervisor struct {
	cfg    Config
	dialer Dialer
	log    *logger.Logger
	m      *metrics.Registry
	onEvt  Handler
	pool   Registrar

	mu     sync.Mutex
	states map[string]*State

	connectedCh chan string
}

// New creates a Supervisor. dialer may be nil to use DefaultDialer. pool
// may be nil, in which case connected clients are never registered for
// outbound publish (useful for tests that only exercise ingress).
func New(cfg Config, dialer Dialer, onEvt Handler, pool Registrar, log *logger.Logger, m *metrics.Registry) *Supervisor {
	if dialer == nil {
		dialer = DefaultDialer
	}
	return &Supervisor{
		cfg:         cfg,
		dialer:      dialer,
		log:         log.WithComponent("supervisor"),
		m:           m,
		onEvt:       onEvt,
		pool:        pool,
		states:      make(map[string]*State),
		connectedCh: make(chan string, 1),
	}
}

func (s *Supervisor) state(url string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[url]
	if !ok {
		st = &State{URL: url}
		s.states[url] = st
	}
	return st
}

// States returns a snapshot of every relay's state, for the
// StatsProvider surface.
func (s *Supervisor) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	return out
}

// Run starts one reconnecting loop per relay URL; on ctx cancellation
// all loops exit promptly (spec §4.1 step 7). A loop also returns when
// its relay fails permanently. Run returns once every loop has returned,
// so it can return before ctx is cancelled if every relay has failed.
func (s *Supervisor) Run(ctx context.Context, urls []string) {
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			s.loop(ctx, u)
		}(url)
	}
	wg.Wait()
}

// AwaitFirstConnect blocks until at least one relay connects, or ctx is
// cancelled, mirroring spec §4.1 "startup requires at least one relay
// to have connected."
func (s *Supervisor) AwaitFirstConnect(ctx context.Context) bool {
	select {
	case <-s.connectedCh:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) signalConnected(url string) {
	select {
	case s.connectedCh <- url:
	default:
	}
}

func (s *Supervisor) loop(ctx context.Context, url string) {
	st := s.state(url)
	log := s.log.WithRelay(url)

	for {
		if ctx.Err() != nil {
			return
		}

		client, err := s.dialer(ctx, url)
		if err != nil {
			s.recordError(st, err.Error())
			if !s.backoffOrRetire(ctx, st, log) {
				return
			}
			continue
		}

		if !s.runConnected(ctx, client, st, log) {
			return
		}
	}
}

// runConnected drives one connection's subscription until it ends,
// then decides whether to reconnect or retire (spec §4.1 steps 1-6).
// It returns false when the loop should stop entirely (shutdown or
// permanent failure).
func (s *Supervisor) runConnected(ctx context.Context, client Client, st *State, log *logger.Logger) bool {
	frames, err := client.Subscribe(ctx, s.cfg.Filters)
	if err != nil {
		_ = client.Close()
		s.recordError(st, err.Error())
		return s.backoffOrRetire(ctx, st, log)
	}

	s.mu.Lock()
	st.Connected = true
	s.mu.Unlock()
	log.Info("relay connected")
	s.signalConnected(st.URL)
	if s.pool != nil {
		s.pool.Register(st.URL, client)
	}

	receivedAny := false
	for {
		select {
		case <-ctx.Done():
			if s.pool != nil {
				s.pool.Unregister(st.URL)
			}
			_ = client.Close()
			return false
		case frame, ok := <-frames:
			if !ok {
				if s.pool != nil {
					s.pool.Unregister(st.URL)
				}
				_ = client.Close()
				s.mu.Lock()
				st.Connected = false
				s.mu.Unlock()
				if receivedAny {
					s.resetAttempts(st)
				}
				return s.backoffOrRetire(ctx, st, log)
			}
			s.handleFrame(frame, st, log)
			if frame.Type == FrameEvent {
				receivedAny = true
				s.resetAttempts(st)
			}
			if frame.Type == FrameClosed {
				if s.pool != nil {
					s.pool.Unregister(st.URL)
				}
				_ = client.Close()
				s.mu.Lock()
				st.Connected = false
				s.mu.Unlock()
				return s.backoffOrRetire(ctx, st, log)
			}
		}
	}
}

func (s *Supervisor) handleFrame(frame Frame, st *State, log *logger.Logger) {
	switch frame.Type {
	case FrameEvent:
		s.mu.Lock()
		st.MessagesIn++
		st.LastSeen = time.Now()
		s.mu.Unlock()
		if s.m != nil {
			s.m.EventsReceived.WithLabelValues(frame.Event.Kind.String()).Inc()
		}
		// Hand off without blocking the read loop (spec §4.1 step 2).
		s.onEvt(frame.Event, st.URL)
	case FrameEOSE:
		log.Debug("end of stored events")
	case FrameClosed:
		log.Warn("subscription closed by relay", "message", frame.Message)
	}
}

func (s *Supervisor) recordError(st *State, msg string) {
	s.mu.Lock()
	st.Errors++
	st.LastError = msg
	s.mu.Unlock()
}

func (s *Supervisor) resetAttempts(st *State) {
	s.mu.Lock()
	st.ReconnectAttempts = 0
	s.mu.Unlock()
}

// backoffOrRetire sleeps for the exponential backoff delay, or marks
// the relay permanently failed and returns false once the reconnect
// ceiling is reached (spec §4.1 steps 5-6).
func (s *Supervisor) backoffOrRetire(ctx context.Context, st *State, log *logger.Logger) bool {
	s.mu.Lock()
	st.ReconnectAttempts++
	attempts := st.ReconnectAttempts
	s.mu.Unlock()

	if attempts >= s.cfg.CeilingAttempts {
		s.mu.Lock()
		st.PermanentlyFailed = true
		s.mu.Unlock()
		if s.m != nil {
			s.m.RelayPermFailed.WithLabelValues(st.URL).Inc()
		}
		log.Error("relay permanently failed", "attempts", attempts)
		return false
	}

	delay := time.Duration(float64(s.cfg.ReconnectBase) * math.Pow(2, float64(attempts-1)))
	if delay > s.cfg.ReconnectCeiling {
		delay = s.cfg.ReconnectCeiling
	}
	if s.m != nil {
		s.m.RelayReconnects.WithLabelValues(st.URL).Inc()
	}
	log.Warn("reconnecting", "attempt", attempts, "delay_ms", delay.Milliseconds())

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
