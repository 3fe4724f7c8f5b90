package freelanmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "freelan"
	subsystem = "fscp"
)

// Label names for FreeLAN metrics.
const (
	labelPeerAddr  = "peer_addr"
	labelLocalAddr = "local_addr"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// Collector holds all FreeLAN Prometheus metrics.
//
// Metrics track overlay health for production monitoring:
//   - Sessions gauges currently established peer sessions.
//   - Data/contact counters track per-peer message volumes.
//   - State transition counters record FSM changes for alerting.
//   - Replay/proxy counters flag protocol-level anomalies.
type Collector struct {
	// Sessions tracks the number of currently established FSCP sessions.
	Sessions *prometheus.GaugeVec

	// DataSent/DataReceived count DATA messages per peer.
	DataSent     *prometheus.CounterVec
	DataReceived *prometheus.CounterVec

	// ReplayDropped counts DATA messages dropped by the replay window.
	ReplayDropped *prometheus.CounterVec

	// StateTransitions counts FSM state transitions, labeled old->new.
	StateTransitions *prometheus.CounterVec

	// ARPRepliesSent counts synthesized ARP proxy replies.
	ARPRepliesSent prometheus.Counter

	// DHCPRepliesSent counts synthesized DHCP proxy replies.
	DHCPRepliesSent prometheus.Counter
}

// NewCollector creates a Collector with all FreeLAN metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.DataSent,
		c.DataReceived,
		c.ReplayDropped,
		c.StateTransitions,
		c.ARPRepliesSent,
		c.DHCPRepliesSent,
	)

	return c
}

func newMetrics() *Collector {
	peerLabels := []string{labelPeerAddr, labelLocalAddr}
	transitionLabels := []string{labelPeerAddr, labelLocalAddr, labelFromState, labelToState}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently established FSCP sessions.",
		}, peerLabels),

		DataSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "data_sent_total",
			Help:      "Total FSCP DATA messages transmitted.",
		}, peerLabels),

		DataReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "data_received_total",
			Help:      "Total FSCP DATA messages received.",
		}, peerLabels),

		ReplayDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replay_dropped_total",
			Help:      "Total FSCP DATA messages dropped by the replay window.",
		}, peerLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total FSCP peer FSM state transitions.",
		}, transitionLabels),

		ARPRepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arpproxy",
			Name:      "replies_sent_total",
			Help:      "Total ARP replies synthesized by the ARP proxy.",
		}),

		DHCPRepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dhcpproxy",
			Name:      "replies_sent_total",
			Help:      "Total DHCP offers/acks synthesized by the DHCP proxy.",
		}),
	}
}

// RegisterSession increments the active sessions gauge for the given peer.
func (c *Collector) RegisterSession(peer, local netip.Addr) {
	c.Sessions.WithLabelValues(peer.String(), local.String()).Inc()
}

// UnregisterSession decrements the active sessions gauge for the given peer.
func (c *Collector) UnregisterSession(peer, local netip.Addr) {
	c.Sessions.WithLabelValues(peer.String(), local.String()).Dec()
}

// IncDataSent increments the transmitted DATA counter for the given peer.
func (c *Collector) IncDataSent(peer, local netip.Addr) {
	c.DataSent.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncDataReceived increments the received DATA counter for the given peer.
func (c *Collector) IncDataReceived(peer, local netip.Addr) {
	c.DataReceived.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncReplayDropped increments the replay-window-drop counter for the peer.
func (c *Collector) IncReplayDropped(peer, local netip.Addr) {
	c.ReplayDropped.WithLabelValues(peer.String(), local.String()).Inc()
}

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on session flaps.
func (c *Collector) RecordStateTransition(peer, local netip.Addr, from, to string) {
	c.StateTransitions.WithLabelValues(peer.String(), local.String(), from, to).Inc()
}
