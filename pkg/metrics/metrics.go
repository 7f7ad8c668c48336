package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Action dispatch metrics
var (
	SieveActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_actions_total",
			Help: "Sieve actions executed, by action kind and outcome",
		},
		[]string{"action", "outcome"},
	)

	SieveScriptRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_script_runs_total",
			Help: "Sieve script executions, by result",
		},
		[]string{"result"},
	)

	SieveRedirectsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sora_sieve_redirects_suppressed_total",
			Help: "Redirects skipped because the message was already forwarded to the target",
		},
	)

	SieveRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_rejects_total",
			Help: "Rejects by mode (protocol, mdn, silent)",
		},
		[]string{"mode"},
	)

	SieveVacation = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_vacation_total",
			Help: "Vacation responses by result (sent, throttled, failed)",
		},
		[]string{"result"},
	)

	SieveAutocreate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_autocreate_total",
			Help: "Folders auto-provisioned for fileinto and fcc",
		},
		[]string{"result"},
	)

	SieveActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sora_sieve_action_duration_seconds",
			Help:    "Duration of sieve action execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
)

// Message staging metrics
var (
	Respools = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_respools_total",
			Help: "Messages respooled after header edits",
		},
		[]string{"result"},
	)
)

// Ledger metrics
var (
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_ledger_operations_total",
			Help: "Suppression ledger operations",
		},
		[]string{"driver", "op", "result"},
	)

	LedgerPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_ledger_pruned_total",
			Help: "Expired ledger records removed",
		},
		[]string{"driver"},
	)
)

// Outbound metrics
var (
	Relay = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_relay_total",
			Help: "Outbound relay attempts by transport and result",
		},
		[]string{"transport", "result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_notifications_total",
			Help: "Notifications dispatched by result",
		},
		[]string{"result"},
	)
)

// Storage metrics
var (
	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sora_sieve_storage_operations_total",
			Help: "Mail store operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sora_sieve_storage_operation_duration_seconds",
			Help:    "Duration of mail store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
