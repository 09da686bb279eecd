package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CustodyLedger.
type Metrics struct {
	// --- Ledger ---
	EntriesPosted   *prometheus.CounterVec // by entry_type
	EntriesRejected *prometheus.CounterVec // by entry_type, reason
	BalanceQueryDur prometheus.Histogram

	// --- Holds ---
	HoldsCreated  prometheus.Counter
	HoldsReleased prometheus.Counter
	HoldsConsumed prometheus.Counter

	// --- Withdrawals ---
	WithdrawalTransitions *prometheus.CounterVec // by from, to
	BroadcastDuration     prometheus.Histogram
	BroadcastLost         prometheus.Counter // conditional update matched zero rows

	// --- Deposit addresses / sweeping ---
	AddressesIssued *prometheus.CounterVec   // by chain
	SweepRuns       *prometheus.CounterVec   // by chain, mode
	SweepActions    *prometheus.CounterVec   // by chain, action
	SweepErrors     *prometheus.CounterVec   // by chain, step
	SweepDuration   *prometheus.HistogramVec // by chain

	// --- Outbox ---
	OutboxEnqueued     *prometheus.CounterVec // by topic
	OutboxClaimed      prometheus.Counter
	OutboxAcked        prometheus.Counter
	OutboxFailed       prometheus.Counter
	OutboxDeadLettered prometheus.Counter
	OutboxDispatchDur  prometheus.Histogram
	OutboxBacklog      prometheus.Gauge

	// --- Job locks ---
	LockAcquired *prometheus.CounterVec // by key
	LockLost     *prometheus.CounterVec // by key

	// --- Chain RPC pool ---
	RPCCalls         *prometheus.CounterVec // by endpoint, outcome
	RPCEndpointScore *prometheus.GaugeVec   // by endpoint
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EntriesPosted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_ledger_entries_posted_total",
			Help: "Journal entries posted, by entry type",
		}, []string{"entry_type"}),
		EntriesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_ledger_entries_rejected_total",
			Help: "Journal entries rejected before insert, by entry type and reason",
		}, []string{"entry_type", "reason"}),
		BalanceQueryDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_ledger_balance_query_seconds",
			Help:    "Latency of derived available-balance reads",
			Buckets: prometheus.DefBuckets,
		}),

		HoldsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_holds_created_total",
			Help: "Balance holds created",
		}),
		HoldsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_holds_released_total",
			Help: "Balance holds released",
		}),
		HoldsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_holds_consumed_total",
			Help: "Balance holds consumed",
		}),

		WithdrawalTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_withdrawal_transitions_total",
			Help: "Withdrawal state transitions, by from and to state",
		}, []string{"from", "to"}),
		BroadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_withdrawal_broadcast_seconds",
			Help:    "End-to-end broadcast operation latency including chain send",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		BroadcastLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_withdrawal_broadcast_lost_total",
			Help: "Broadcast invocations that lost the conditional transition race",
		}),

		AddressesIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_deposit_addresses_issued_total",
			Help: "Deposit addresses issued, by chain",
		}, []string{"chain"}),
		SweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_sweep_runs_total",
			Help: "Sweep job runs, by chain and mode",
		}, []string{"chain", "mode"}),
		SweepActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_sweep_actions_total",
			Help: "Sweep actions planned or executed, by chain and action kind",
		}, []string{"chain", "action"}),
		SweepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_sweep_errors_total",
			Help: "Per-step sweep failures that were logged and skipped",
		}, []string{"chain", "step"}),
		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_sweep_run_seconds",
			Help:    "Duration of a full sweep pass",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"chain"}),

		OutboxEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_outbox_enqueued_total",
			Help: "Outbox events enqueued, by topic",
		}, []string{"topic"}),
		OutboxClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_outbox_claimed_total",
			Help: "Outbox events claimed by dispatchers",
		}),
		OutboxAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_outbox_acked_total",
			Help: "Outbox events dispatched and acknowledged",
		}),
		OutboxFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_outbox_failed_total",
			Help: "Outbox dispatch attempts that failed and were rescheduled",
		}),
		OutboxDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_outbox_dead_lettered_total",
			Help: "Outbox events parked after exhausting attempts",
		}),
		OutboxDispatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_outbox_dispatch_seconds",
			Help:    "Latency of publishing one claimed event",
			Buckets: prometheus.DefBuckets,
		}),
		OutboxBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "custody_outbox_backlog",
			Help: "Unprocessed, non-dead-lettered outbox events at last poll",
		}),

		LockAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_job_lock_acquired_total",
			Help: "Successful job lock acquisitions, by key",
		}, []string{"key"}),
		LockLost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_job_lock_contended_total",
			Help: "Acquisition attempts that found the lock held elsewhere",
		}, []string{"key"}),

		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_chain_rpc_calls_total",
			Help: "Chain RPC calls through the endpoint pool, by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		RPCEndpointScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_chain_rpc_endpoint_score",
			Help: "Current health score of each RPC endpoint",
		}, []string{"endpoint"}),
	}
}
