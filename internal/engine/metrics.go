package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// messagesReceived counts inbound messages.
	// Labels: action
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cojson",
		Subsystem: "sync",
		Name:      "messages_received_total",
		Help:      "Sync messages received from peers",
	}, []string{"action"})

	// messagesSent counts outbound messages as they hit the wire.
	// Labels: action, priority
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cojson",
		Subsystem: "sync",
		Name:      "messages_sent_total",
		Help:      "Sync messages sent to peers",
	}, []string{"action", "priority"})

	// transactionsReceived counts transactions newly applied from peers.
	transactionsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cojson",
		Subsystem: "sync",
		Name:      "transactions_applied_total",
		Help:      "Transactions received from peers and applied",
	})

	// corrections counts correction messages.
	// Labels: direction (sent, received)
	corrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cojson",
		Subsystem: "sync",
		Name:      "corrections_total",
		Help:      "Known-state corrections exchanged with peers",
	}, []string{"direction"})

	// syncErrors counts handled sync errors.
	// Labels: code
	syncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cojson",
		Subsystem: "sync",
		Name:      "errors_total",
		Help:      "Sync errors by code",
	}, []string{"code"})

	// recoveries counts session recoveries.
	// Labels: result (ok, failed)
	recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cojson",
		Subsystem: "sync",
		Name:      "recoveries_total",
		Help:      "Owned-session recoveries after a signature mismatch",
	}, []string{"result"})

	// connectedPeers tracks live peers.
	// Labels: role
	connectedPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cojson",
		Subsystem: "sync",
		Name:      "peers",
		Help:      "Connected peers",
	}, []string{"role"})

	// outboxDepth tracks queued outbound messages across peers.
	// Labels: priority
	outboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cojson",
		Subsystem: "sync",
		Name:      "outbox_depth",
		Help:      "Outbound messages waiting in peer queues",
	}, []string{"priority"})
)
