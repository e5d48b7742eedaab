// Package metrics declares the Prometheus collectors shared across the
// bus. Everything registers on the default registry; the API server
// exposes it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Fanout
	FanoutEventsRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fanout_events_read_total",
		Help: "The total number of events read off the master partitions",
	}, []string{"partition"})

	FanoutEventsMatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fanout_events_matched_total",
		Help: "The total number of (event, subscription) matches written out",
	}, []string{"partition"})

	FanoutSubscriptionsEvaluated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fanout_subscriptions_evaluated_total",
		Help: "The total number of (event, subscription) evaluations performed",
	}, []string{"partition"})

	FanoutCycleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "relay_fanout_cycle_latency_seconds",
		Help: "The latency of one fanout drain cycle",
	}, []string{"partition"})

	FanoutLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_fanout_lag_seconds",
		Help: "Age of the oldest event in the last batch when it was read",
	}, []string{"partition"})

	FanoutSubscriptionSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fanout_subscription_skips_total",
		Help: "The total number of subscriptions skipped during fanout cycles",
	}, []string{"reason"})

	// Canary
	CanaryLatency = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_canary_latency_seconds",
		Help: "End-to-end latency of the last canary event through the pipeline",
	})

	CanaryHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_canary_healthy",
		Help: "Whether the canary currently considers fanout healthy (0 or 1)",
	})

	CanaryMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_canary_misses_total",
		Help: "The total number of canary probes that never arrived in time",
	})

	// Dedup
	DedupCollapsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dedup_collapsed_total",
		Help: "The total number of pending events superseded by a newer offer",
	}, []string{"channel"})

	DedupPendingKeys = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_dedup_pending_keys",
		Help: "The current number of document keys pending per channel",
	}, []string{"channel"})

	// Replication
	ReplicationPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_replication_events_pushed_total",
		Help: "The total number of events pushed to a peer",
	}, []string{"peer"})

	ReplicationPushErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_replication_push_errors_total",
		Help: "The total number of failed pushes to a peer",
	}, []string{"peer"})

	ReplicationApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_replication_events_applied_total",
		Help: "The total number of peer events applied by the local sink",
	}, []string{"peer"})

	ReplicationLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_replication_lag_events",
		Help: "Entries retained past the replication cursor for a (peer, channel)",
	}, []string{"peer", "channel"})

	ReplicationCursor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_replication_cursor_seq",
		Help: "The last sequence acknowledged by a peer for a channel",
	}, []string{"peer", "channel"})

	// Channels
	ChannelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_channel_depth",
		Help: "Estimated unconsumed entries per watched channel",
	}, []string{"channel"})

	// Directory
	DirectoryMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_directory_malformed_conditions_total",
		Help: "The total number of stored subscriptions skipped as unparseable",
	})

	// Leadership
	LeaderAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_leader_acquired_total",
		Help: "The total number of times this process won a singleton role",
	}, []string{"role"})

	LeaderActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_leader_active",
		Help: "Whether this process currently leads the role (0 or 1)",
	}, []string{"role"})
)

func init() {
	prometheus.MustRegister(FanoutEventsRead)
	prometheus.MustRegister(FanoutEventsMatched)
	prometheus.MustRegister(FanoutSubscriptionsEvaluated)
	prometheus.MustRegister(FanoutCycleLatency)
	prometheus.MustRegister(FanoutLag)
	prometheus.MustRegister(FanoutSubscriptionSkips)
	prometheus.MustRegister(CanaryLatency)
	prometheus.MustRegister(CanaryHealthy)
	prometheus.MustRegister(CanaryMisses)
	prometheus.MustRegister(DedupCollapsed)
	prometheus.MustRegister(DedupPendingKeys)
	prometheus.MustRegister(ReplicationPushed)
	prometheus.MustRegister(ReplicationPushErrors)
	prometheus.MustRegister(ReplicationApplied)
	prometheus.MustRegister(ReplicationLag)
	prometheus.MustRegister(ReplicationCursor)
	prometheus.MustRegister(ChannelDepth)
	prometheus.MustRegister(DirectoryMalformed)
	prometheus.MustRegister(LeaderAcquired)
	prometheus.MustRegister(LeaderActive)
}
