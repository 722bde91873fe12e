// Package metrics exports Wayland connection traffic as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bnema/wlproto"
	"github.com/bnema/wlproto/objtable"
)

// Collector counts traffic on every connection it observes. It implements
// wlproto.Observer and is safe for use by several connections at once.
type Collector struct {
	received *prometheus.CounterVec // By side, interface and message
	sent     *prometheus.CounterVec // By side, interface and message
	flushed  *prometheus.CounterVec // By side
	failures *prometheus.CounterVec // By side and kind
}

var _ wlproto.Observer = (*Collector)(nil)

// New creates the collector and registers its metrics with reg. A nil reg
// disables metrics and returns a nil collector, which ignores everything.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		return nil, nil
	}

	c := &Collector{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wlproto",
			Name:      "messages_received_total",
			Help:      "Total number of messages dispatched from the peer",
		}, []string{"side", "interface", "message"}),

		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wlproto",
			Name:      "messages_sent_total",
			Help:      "Total number of messages queued for the peer",
		}, []string{"side", "interface", "message"}),

		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wlproto",
			Name:      "flushed_bytes_total",
			Help:      "Total number of bytes written to sockets",
		}, []string{"side"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wlproto",
			Name:      "connection_failures_total",
			Help:      "Total number of connections torn down by an error",
		}, []string{"side", "kind"}), // kind: protocol, transport, application, remote
	}

	for _, col := range []prometheus.Collector{c.received, c.sent, c.flushed, c.failures} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MessageReceived implements wlproto.Observer.
func (c *Collector) MessageReceived(side objtable.Side, iface, message string) {
	if c == nil {
		return
	}
	c.received.WithLabelValues(side.String(), iface, message).Inc()
}

// MessageSent implements wlproto.Observer.
func (c *Collector) MessageSent(side objtable.Side, iface, message string) {
	if c == nil {
		return
	}
	c.sent.WithLabelValues(side.String(), iface, message).Inc()
}

// Flushed implements wlproto.Observer.
func (c *Collector) Flushed(side objtable.Side, bytes int) {
	if c == nil {
		return
	}
	c.flushed.WithLabelValues(side.String()).Add(float64(bytes))
}

// ConnectionFailed implements wlproto.Observer.
func (c *Collector) ConnectionFailed(side objtable.Side, kind wlproto.ErrorKind) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(side.String(), kind.String()).Inc()
}
