package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GroupIsLeader = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "replication",
		Name:      "is_leader",
		Help:      "Whether this node leads the replication group (1=leader, 0=follower)",
	}, []string{"group"})

	GroupTerm = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "replication",
		Name:      "term",
		Help:      "Current term of the replication group",
	}, []string{"group"})

	GroupCommitIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "replication",
		Name:      "commit_index",
		Help:      "Current commit index of the replication group",
	}, []string{"group"})

	GroupAppliedIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "replication",
		Name:      "applied_index",
		Help:      "Last log index applied to the state machine",
	}, []string{"group"})

	GroupsFaulted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "replication",
		Name:      "groups_faulted",
		Help:      "Replication groups stopped after a state machine apply failure",
	})

	ApplyTasksQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "fsm",
		Name:      "apply_tasks_queued",
		Help:      "Apply tasks waiting in the per-group pipeline",
	}, []string{"group"})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quartzdb",
		Subsystem: "fsm",
		Name:      "apply_duration_seconds",
		Help:      "State machine apply duration per entry",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	})

	AppliedEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "fsm",
		Name:      "applied_entries_total",
		Help:      "Total log entries applied to state machines",
	}, []string{"status"})

	ClosuresFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "fsm",
		Name:      "closures_fired_total",
		Help:      "Total completion closures fired",
	})

	RPCInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "rpc",
		Name:      "invocations_total",
		Help:      "Total RPC invocations by outcome",
	}, []string{"outcome"})

	RPCInvokeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quartzdb",
		Subsystem: "rpc",
		Name:      "invoke_duration_seconds",
		Help:      "RPC invoke duration until resolution",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	})

	RPCBlockedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "rpc",
		Name:      "blocked_messages",
		Help:      "Messages currently held by a block predicate",
	})

	ExchangeBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "exchange",
		Name:      "batches_total",
		Help:      "Total exchange batches by direction",
	}, []string{"direction"})

	ExchangeRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "exchange",
		Name:      "rows_total",
		Help:      "Total rows delivered downstream by inboxes",
	})

	ExchangeAcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "exchange",
		Name:      "acks_total",
		Help:      "Total batch acknowledgements sent to sources",
	})

	ExchangeBufferedBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "exchange",
		Name:      "buffered_batches",
		Help:      "Batches buffered across all inboxes",
	})

	CursorCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "cursor",
		Name:      "commands_total",
		Help:      "Total remote cursor commands by kind",
	}, []string{"kind"})

	SnapshotsOutgoing = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quartzdb",
		Subsystem: "snapshot",
		Name:      "outgoing",
		Help:      "Outgoing snapshot transfers in flight",
	})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quartzdb",
		Subsystem: "snapshot",
		Name:      "duration_seconds",
		Help:      "Time to create a log snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	WALWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "wal",
		Name:      "writes_total",
		Help:      "Total WAL writes",
	})

	WALWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quartzdb",
		Subsystem: "wal",
		Name:      "write_duration_seconds",
		Help:      "WAL write duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	MessagingRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartzdb",
		Subsystem: "messaging",
		Name:      "requests_total",
		Help:      "Inbound messaging requests by envelope type and grpc code",
	}, []string{"type", "code"})

	MessagingRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quartzdb",
		Subsystem: "messaging",
		Name:      "request_duration_seconds",
		Help:      "Inbound messaging request duration by envelope type",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"type"})
)
