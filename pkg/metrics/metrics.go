// Package metrics instruments the gateway with Prometheus counters and
// gauges, the same client library the teacher wires in
// shared/observability/observability.go. The dashboard HTTP surface that
// would expose /metrics is out of core scope (spec §1); this package only
// builds the registry and exposes it, so the bootstrap process can mount
// it wherever it likes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/gauge the core pipeline touches.
type Registry struct {
	Reg *prometheus.Registry

	EventsReceived   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	RelayReconnects  *prometheus.CounterVec
	RelayPermFailed  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	QueueProcessing  prometheus.Gauge
	TasksProcessed   prometheus.Counter
	TasksFailed      prometheus.Counter
	TasksRetried     prometheus.Counter
	LedgerDebits     prometheus.Counter
	LedgerCredits    prometheus.Counter
	LedgerDebitFails prometheus.Counter
	OracleCalls      prometheus.Counter
	OracleFailures   prometheus.Counter
	CircuitOpens     prometheus.Counter
}

// New builds and registers all metrics against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Reg: reg,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapai_events_received_total",
			Help: "Events received from relays, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapai_events_dropped_total",
			Help: "Events dropped before processing, by reason.",
		}, []string{"reason"}),
		RelayReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapai_relay_reconnects_total",
			Help: "Reconnect attempts, by relay URL.",
		}, []string{"relay"}),
		RelayPermFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapai_relay_permanently_failed_total",
			Help: "Relays that exhausted their reconnect budget.",
		}, []string{"relay"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zapai_queue_depth",
			Help: "Current work queue depth.",
		}),
		QueueProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zapai_queue_processing",
			Help: "Tasks currently being processed.",
		}),
		TasksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_tasks_processed_total",
			Help: "Tasks that completed successfully.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_tasks_failed_total",
			Help: "Tasks that exhausted their retry budget.",
		}),
		TasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_tasks_retried_total",
			Help: "Task retry attempts.",
		}),
		LedgerDebits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_ledger_debits_total",
			Help: "Successful balance debits.",
		}),
		LedgerCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_ledger_credits_total",
			Help: "Successful balance credits from payment receipts.",
		}),
		LedgerDebitFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_ledger_debit_failures_total",
			Help: "Debits rejected for insufficient funds or races.",
		}),
		OracleCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_oracle_calls_total",
			Help: "Calls made to the AI oracle.",
		}),
		OracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_oracle_failures_total",
			Help: "AI oracle calls that errored or timed out.",
		}),
		CircuitOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapai_circuit_opens_total",
			Help: "Times the oracle circuit breaker tripped open.",
		}),
	}

	reg.MustRegister(
		r.EventsReceived, r.EventsDropped, r.RelayReconnects, r.RelayPermFailed,
		r.QueueDepth, r.QueueProcessing, r.TasksProcessed, r.TasksFailed, r.TasksRetried,
		r.LedgerDebits, r.LedgerCredits, r.LedgerDebitFails,
		r.OracleCalls, r.OracleFailures, r.CircuitOpens,
	)

	return r
}
