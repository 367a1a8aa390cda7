// Package metrics records connection supervision and poller activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "mmate"

// Poller outcomes reported through MessageProcessed
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"
)

// Recorder receives supervision events
type Recorder interface {
	// ConnectionReset is called when a connection is torn down after a failure
	ConnectionReset(connection string)
	// ReconnectAttempt is called after every rebuild attempt, err is nil on success
	ReconnectAttempt(connection string, err error)
	// ConnectionReady reports whether the connection has a live underlying connection
	ConnectionReady(connection string, ready bool)
	// PollerRestart is called when a poll loop is relaunched
	PollerRestart(poller string)
	// MessageProcessed is called once per message handled by a poller
	MessageProcessed(poller, outcome string)
}

// Nop is a Recorder that discards everything
type Nop struct{}

func (Nop) ConnectionReset(string)          {}
func (Nop) ReconnectAttempt(string, error)  {}
func (Nop) ConnectionReady(string, bool)    {}
func (Nop) PollerRestart(string)            {}
func (Nop) MessageProcessed(string, string) {}

// Prometheus is a Recorder backed by Prometheus collectors
type Prometheus struct {
	resets            *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	ready             *prometheus.GaugeVec
	pollerRestarts    *prometheus.CounterVec
	messages          *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		resets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_resets_total",
				Help:      "Total number of connection resets after a transport failure",
			},
			[]string{"connection"},
		),
		reconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
			[]string{"connection", "result"},
		),
		ready: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_ready",
				Help:      "Whether the connection currently has a live underlying connection",
			},
			[]string{"connection"},
		),
		pollerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poller_restarts_total",
				Help:      "Total number of poll loop restarts",
			},
			[]string{"poller"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poller_messages_total",
				Help:      "Total number of messages handled by pollers",
			},
			[]string{"poller", "outcome"},
		),
	}

	for _, c := range []prometheus.Collector{p.resets, p.reconnectAttempts, p.ready, p.pollerRestarts, p.messages} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// NewRegistry returns a registry with the Go and process collectors installed
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (p *Prometheus) ConnectionReset(connection string) {
	p.resets.WithLabelValues(connection).Inc()
}

func (p *Prometheus) ReconnectAttempt(connection string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	p.reconnectAttempts.WithLabelValues(connection, result).Inc()
}

func (p *Prometheus) ConnectionReady(connection string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	p.ready.WithLabelValues(connection).Set(v)
}

func (p *Prometheus) PollerRestart(poller string) {
	p.pollerRestarts.WithLabelValues(poller).Inc()
}

func (p *Prometheus) MessageProcessed(poller, outcome string) {
	p.messages.WithLabelValues(poller, outcome).Inc()
}
