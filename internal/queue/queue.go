// Package queue implements the bounded, concurrent Work Queue of spec
// §4.3: fixed worker concurrency, per-task timeout, and retry with
// backoff where retries preempt new work. It is grounded on the
// teacher's goroutine-plus-done-channel lifecycle shape (seen across
// internal/ws.Hub's register/unregister/broadcast select loop and the
// adapter services' cleanup routines) generalized into a worker pool
// pulling from a retry-priority deque instead of a single channel.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
	"github.com/miladsoft/zapai-dvm/pkg/metrics"
)

// TaskFunc is the work a task performs. It must respect ctx's deadline
// (spec §4.3 "per-task timeout").
type TaskFunc func(ctx context.Context) error

// Task is one unit of queued work.
type Task struct {
	ID       string
	Fn       TaskFunc
	Attempts int
	Label    string // for logging, e.g. "process:<event_id>"
}

// Config holds the Work Queue's bounds and retry policy (spec §4.3).
type Config struct {
	MaxQueueSize  int
	MaxConcurrent int
	TaskTimeout   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns the spec §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:  10000,
		MaxConcurrent: 10,
		TaskTimeout:   55 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    2 * time.Second,
	}
}

// Stats is a snapshot of the queue's counters (spec §4.3 "Statistics").
type Stats struct {
	QueueSize        int
	Processing       int
	Processed        uint64
	Failed           uint64
	Retried          uint64
	Dropped          uint64
	AvgProcessTimeMs float64
	SuccessRate      float64
}

// Queue is the bounded FIFO task executor of spec §4.3.
type Queue struct {
	cfg Config
	log *logger.Logger
	m   *metrics.Registry

	mu         sync.Mutex
	deque      *list.List // front = next to run; retries pushed to front
	notEmpty   *sync.Cond
	stopping   bool
	stopped    chan struct{}
	stoppedOne sync.Once

	processing     int
	pendingRetries int
	processed      uint64
	failed         uint64
	retried        uint64
	dropped        uint64
	totalMs        int64
}

// New creates a Queue and starts its worker pool.
func New(cfg Config, log *logger.Logger, m *metrics.Registry) *Queue {
	q := &Queue{
		cfg:     cfg,
		log:     log.WithComponent("queue"),
		m:       m,
		deque:   list.New(),
		stopped: make(chan struct{}),
	}
	q.notEmpty = sync.NewCond(&q.mu)

	for i := 0; i < cfg.MaxConcurrent; i++ {
		go q.worker(i)
	}
	return q
}

// Enqueue admits a new task at the back of the deque, failing with
// QueueFull if depth is at capacity (spec §4.3 "enqueue(task)").
func (q *Queue) Enqueue(id string, label string, fn TaskFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return apperrors.New(apperrors.QueueFull, "queue is stopping")
	}
	if q.deque.Len() >= q.cfg.MaxQueueSize {
		q.dropped++
		return apperrors.New(apperrors.QueueFull, "work queue at capacity")
	}

	q.deque.PushBack(&Task{ID: id, Label: label, Fn: fn})
	q.notEmpty.Signal()
	return nil
}

// pushFront re-admits a retried task at the head of the deque, so
// retries preempt newly enqueued work (spec §4.3 "retries jump the
// head").
func (q *Queue) pushFront(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deque.PushFront(t)
	q.notEmpty.Signal()
}

func (q *Queue) popFront() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A worker may only give up and exit once stopping AND there is no
	// retry still asleep in backoff that will land in the deque later
	// (spec §4.3 "stop() ... drain in-flight"; retries preempt new work,
	// so a pending retry counts as in-flight for drain purposes too).
	for q.deque.Len() == 0 && !(q.stopping && q.pendingRetries == 0) {
		q.notEmpty.Wait()
	}
	if q.deque.Len() == 0 {
		return nil
	}
	el := q.deque.Front()
	q.deque.Remove(el)
	return el.Value.(*Task)
}

func (q *Queue) worker(idx int) {
	for {
		task := q.popFront()
		if task == nil {
			return // queue stopped and drained
		}
		q.runTask(task)
	}
}

func (q *Queue) runTask(t *Task) {
	q.mu.Lock()
	q.processing++
	q.mu.Unlock()
	if q.m != nil {
		q.m.QueueProcessing.Set(float64(q.currentProcessing()))
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.TaskTimeout)
	err := t.Fn(ctx)
	cancel()
	elapsed := time.Since(start)

	willRetry := false
	if err != nil {
		t.Attempts++
		willRetry = t.Attempts < q.cfg.RetryAttempts
	}

	// processing-- and the resulting-state counter (processed/retried+
	// pendingRetries/failed) must land in the same critical section: a
	// window where processing has already dropped to 0 but pendingRetries
	// has not yet been incremented would let a concurrent Stop() observe
	// a false "drained" state for a task that is about to retry.
	q.mu.Lock()
	q.processing--
	q.totalMs += elapsed.Milliseconds()
	switch {
	case err == nil:
		q.processed++
	case willRetry:
		q.retried++
		q.pendingRetries++
	default:
		q.failed++
	}
	q.mu.Unlock()
	if q.m != nil {
		q.m.QueueProcessing.Set(float64(q.currentProcessing()))
	}

	if err == nil {
		if q.m != nil {
			q.m.TasksProcessed.Inc()
		}
		if q.stoppingAndDrained() {
			q.stoppedOne.Do(func() { close(q.stopped) })
		}
		return
	}

	if willRetry {
		if q.m != nil {
			q.m.TasksRetried.Inc()
		}
		q.log.Warn("task failed, retrying", "task", t.Label, "attempt", t.Attempts, "error", err.Error())

		delay := time.Duration(t.Attempts) * q.cfg.RetryDelay
		go func() {
			time.Sleep(delay)
			q.pushFront(t)
			q.retryLanded()
		}()
		return
	}

	if q.m != nil {
		q.m.TasksFailed.Inc()
	}
	q.log.LogError(err, "task permanently failed", "task", t.Label, "attempts", t.Attempts)

	if q.stoppingAndDrained() {
		q.stoppedOne.Do(func() { close(q.stopped) })
	}
}

func (q *Queue) currentProcessing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// retryLanded marks a backed-off retry as having rejoined the deque (or
// been abandoned because the queue never got a chance to run it), and
// wakes any worker parked in popFront so it can re-check whether it is
// now safe to exit. If this was the last outstanding work after Stop, it
// also completes the Stop.
func (q *Queue) retryLanded() {
	q.mu.Lock()
	q.pendingRetries--
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	if q.stoppingAndDrained() {
		q.stoppedOne.Do(func() { close(q.stopped) })
	}
}

func (q *Queue) stoppingAndDrained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping && q.processing == 0 && q.deque.Len() == 0 && q.pendingRetries == 0
}

// Stop refuses new enqueues and blocks until every in-flight task,
// including a task currently asleep in retry backoff, has completed
// (spec §4.3 "stop() ... drain in-flight"), or ctx expires first.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopping = true
	alreadyDrained := q.processing == 0 && q.deque.Len() == 0 && q.pendingRetries == 0
	q.notEmpty.Broadcast()
	q.mu.Unlock()

	if alreadyDrained {
		q.stoppedOne.Do(func() { close(q.stopped) })
		return nil
	}

	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the queue's counters (spec §4.3).
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avg, rate float64
	if q.processed+q.failed > 0 {
		rate = float64(q.processed) / float64(q.processed+q.failed)
	}
	if q.processed > 0 {
		avg = float64(q.totalMs) / float64(q.processed)
	}
	return Stats{
		QueueSize:        q.deque.Len(),
		Processing:       q.processing,
		Processed:        q.processed,
		Failed:           q.failed,
		Retried:          q.retried,
		Dropped:          q.dropped,
		AvgProcessTimeMs: avg,
		SuccessRate:      rate,
	}
}
