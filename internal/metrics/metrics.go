package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "courier"

// Routing outcomes.
const (
	RouteDelivered        = "delivered"
	RouteQueued           = "queued"
	RouteUnknownRecipient = "unknown_recipient"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	logins      *prometheus.CounterVec
	routed      *prometheus.CounterVec
	written     prometheus.Counter
	transitions *prometheus.CounterVec
	renames     *prometheus.CounterVec
	connections *prometheus.GaugeVec
	malformed   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login handshakes by result.",
		}, []string{"result"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Direct messages routed by outcome.",
		}, []string{"outcome"}),
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_written_total",
			Help:      "Queued messages written to recipient sockets.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"to"}),
		renames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renames_total",
			Help:      "Username change requests by result.",
		}, []string{"result"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered connections by state.",
		}, []string{"state"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Frames rejected because they could not be parsed.",
		}),
	}

	reg.MustRegister(m.logins, m.routed, m.written, m.transitions, m.renames, m.connections, m.malformed)
	return m
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Routed(outcome string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Written() {
	if m == nil {
		return
	}
	m.written.Inc()
}

func (m *Metrics) Rename(result string) {
	if m == nil {
		return
	}
	m.renames.WithLabelValues(result).Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// Registered counts a brand-new awake connection.
func (m *Metrics) Registered() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("awake").Inc()
}

// Slept moves one connection from awake to asleep.
func (m *Metrics) Slept() {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("asleep").Inc()
	m.connections.WithLabelValues("awake").Dec()
	m.connections.WithLabelValues("asleep").Inc()
}

// Woke moves one connection from asleep to awake.
func (m *Metrics) Woke() {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("awake").Inc()
	m.connections.WithLabelValues("asleep").Dec()
	m.connections.WithLabelValues("awake").Inc()
}
