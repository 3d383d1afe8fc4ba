package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoft/zapai-dvm/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

// TestCircuitOpensAfterThreshold mirrors spec §8 scenario S6: after
// failure_threshold consecutive failures, the next call short-circuits to
// the fallback without invoking the wrapped function, then recovers to
// Closed after reset_timeout and one successful probe.
func TestCircuitOpensAfterThreshold(t *testing.T) {
	b := New(Config{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		CallTimeout:      time.Second,
		ResetTimeout:     40 * time.Millisecond,
	}, testLogger())

	failing := func(context.Context) (string, error) { return "", errors.New("boom") }
	fallback := func() string { return "fallback" }

	_, err := b.Execute(context.Background(), failing, nil)
	require.Error(t, err)
	assert.Equal(t, StateClosed, b.State())

	_, err = b.Execute(context.Background(), failing, nil)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State(), "second consecutive failure must open the circuit")

	calls := 0
	countingFail := func(context.Context) (string, error) {
		calls++
		return "", errors.New("boom")
	}
	text, err := b.Execute(context.Background(), countingFail, fallback)
	require.NoError(t, err)
	assert.Equal(t, "fallback", text)
	assert.Equal(t, 0, calls, "an open circuit must not invoke the wrapped function")

	time.Sleep(60 * time.Millisecond)

	succeed := func(context.Context) (string, error) { return "ok", nil }
	text, err = b.Execute(context.Background(), succeed, fallback)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, StateClosed, b.State(), "a successful half-open probe must close the circuit")
}

func TestCircuitReopensOnHalfOpenFailure(t *testing.T) {
	b := New(Config{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		CallTimeout:      time.Second,
		ResetTimeout:     20 * time.Millisecond,
	}, testLogger())

	failing := func(context.Context) (string, error) { return "", errors.New("boom") }

	_, _ = b.Execute(context.Background(), failing, nil)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	_, err := b.Execute(context.Background(), failing, nil)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State(), "a failed half-open probe must reopen the circuit")
}

// TestHalfOpenAdmitsOnlyOneProbeAtATime mirrors spec §4.5: "HalfOpen: a
// single probe call is allowed." A burst of concurrent callers arriving
// the instant the circuit transitions to HalfOpen must not all reach the
// wrapped function — only one probe may be in flight per open->half-open
// cycle, the rest short-circuit to the fallback.
func TestHalfOpenAdmitsOnlyOneProbeAtATime(t *testing.T) {
	b := New(Config{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		CallTimeout:      time.Second,
		ResetTimeout:     10 * time.Millisecond,
	}, testLogger())

	failing := func(context.Context) (string, error) { return "", errors.New("boom") }
	_, _ = b.Execute(context.Background(), failing, nil)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	var probesRun int32
	release := make(chan struct{})
	blockingProbe := func(context.Context) (string, error) {
		atomic.AddInt32(&probesRun, 1)
		<-release
		return "ok", nil
	}
	fallback := func() string { return "fallback" }

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := b.Execute(context.Background(), blockingProbe, fallback)
			require.NoError(t, err)
			results[i] = text
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&probesRun), "only one caller may reach the wrapped function while half-open")
	close(release)
	wg.Wait()

	var fallbackCount, probeCount int
	for _, r := range results {
		if r == "fallback" {
			fallbackCount++
		} else {
			probeCount++
		}
	}
	assert.Equal(t, 1, probeCount, "exactly one caller runs the actual probe")
	assert.Equal(t, callers-1, fallbackCount, "every other concurrent caller is short-circuited")
}

func TestCircuitCallTimeoutCountsAsFailure(t *testing.T) {
	b := New(Config{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		CallTimeout:      10 * time.Millisecond,
		ResetTimeout:     time.Second,
	}, testLogger())

	slow := func(ctx context.Context) (string, error) {
		select {
		case <-time.After(time.Second):
			return "too slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	_, err := b.Execute(context.Background(), slow, nil)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State(), "a timed-out call must count as a failure")
}
