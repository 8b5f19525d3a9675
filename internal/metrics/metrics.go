// Package metrics holds the Prometheus instrumentation for a cluster node.
// This is ambient infrastructure, not a spec feature: every subsystem
// increments a counter here the same way alertmanager's gossip cluster
// package tracks peer join/leave/reconnection counts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Node bundles every counter/gauge a single node's subsystems update.
type Node struct {
	MessagesDelivered prometheus.Counter
	MessagesDropped   *prometheus.CounterVec
	ElectionsStarted  prometheus.Counter
	ElectionsWon      prometheus.Counter
	HeartbeatsSent    prometheus.Counter
	HeartbeatsMissed  prometheus.Counter
	CatchupRecords    prometheus.Counter
	CurrentTerm       prometheus.Gauge
	CurrentRole       prometheus.Gauge
}

// NewNode creates and registers the node's counters against reg. Passing a
// nil registerer is valid: the counters are still created and usable, just
// not exposed anywhere.
func NewNode(reg prometheus.Registerer) *Node {
	n := &Node{
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcluster",
			Name:      "messages_delivered_total",
			Help:      "Total SEQ_CHAT messages delivered in order.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcluster",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by reason (stale_term, duplicate, gap_stale).",
		}, []string{"reason"}),
		ElectionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcluster",
			Name:      "elections_started_total",
			Help:      "Elections this node has initiated.",
		}),
		ElectionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcluster",
			Name:      "elections_won_total",
			Help:      "Elections this node has won.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcluster",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats broadcast while leader.",
		}),
		HeartbeatsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcluster",
			Name:      "heartbeats_missed_total",
			Help:      "Times the follower watchdog raised SuspectLeader.",
		}),
		CatchupRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcluster",
			Name:      "catchup_records_total",
			Help:      "Records shipped in CATCHUP_RESP frames.",
		}),
		CurrentTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcluster",
			Name:      "current_term",
			Help:      "Current term as observed by this node.",
		}),
		CurrentRole: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcluster",
			Name:      "current_role",
			Help:      "Current role: 0=follower, 1=candidate, 2=leader.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			n.MessagesDelivered,
			n.MessagesDropped,
			n.ElectionsStarted,
			n.ElectionsWon,
			n.HeartbeatsSent,
			n.HeartbeatsMissed,
			n.CatchupRecords,
			n.CurrentTerm,
			n.CurrentRole,
		)
	}
	return n
}
