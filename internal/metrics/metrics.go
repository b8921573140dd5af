// Package metrics holds the Prometheus instruments exported by the bridge.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the CEC bridge
type Metrics struct {
	// Receive path
	FramesReceived  prometheus.Counter
	MalformedFrames prometheus.Counter
	FramesFiltered  prometheus.Counter

	// Transmit path
	TransmitAttempts *prometheus.CounterVec
	Sends            *prometheus.CounterVec
	SendDuration     prometheus.Histogram
	QueueDepth       prometheus.Gauge

	// Dispatcher
	ListenerInvocations prometheus.Counter
	ListenerFailures    prometheus.Counter
	RegisteredListeners prometheus.Gauge

	// HTTP API
	HTTPRequests *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "cec_frames_received_total",
			Help: "Total number of frames received from the bus",
		}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "cec_frames_malformed_total",
			Help: "Total number of received frames that failed to decode",
		}),
		FramesFiltered: f.NewCounter(prometheus.CounterOpts{
			Name: "cec_frames_filtered_total",
			Help: "Frames not dispatched because they were addressed to another device",
		}),
		TransmitAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cec_transmit_attempts_total",
			Help: "Transmit attempts by adapter result",
		}, []string{"result"}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cec_sends_total",
			Help: "Completed send operations by outcome",
		}, []string{"outcome"}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cec_send_duration_seconds",
			Help:    "Time from send request to final outcome, including queueing",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "cec_send_queue_depth",
			Help: "Number of sends waiting for or holding the bus",
		}),
		ListenerInvocations: f.NewCounter(prometheus.CounterOpts{
			Name: "cec_listener_invocations_total",
			Help: "Total number of listener invocations",
		}),
		ListenerFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "cec_listener_failures_total",
			Help: "Listener invocations that returned an error or panicked",
		}),
		RegisteredListeners: f.NewGauge(prometheus.GaugeOpts{
			Name: "cec_listeners_registered",
			Help: "Number of nodes in the dispatch tree",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cec_http_requests_total",
			Help: "HTTP API requests by path and status class",
		}, []string{"path", "status"}),
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) FrameMalformed() {
	if m != nil {
		m.MalformedFrames.Inc()
	}
}

func (m *Metrics) FrameFiltered() {
	if m != nil {
		m.FramesFiltered.Inc()
	}
}

// Attempt records one transmit attempt and its adapter result.
func (m *Metrics) Attempt(result string) {
	if m != nil {
		m.TransmitAttempts.WithLabelValues(result).Inc()
	}
}

// SendDone records a finished send.
func (m *Metrics) SendDone(outcome string, d time.Duration) {
	if m != nil {
		m.Sends.WithLabelValues(outcome).Inc()
		m.SendDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) QueueAdd(delta float64) {
	if m != nil {
		m.QueueDepth.Add(delta)
	}
}

// Invocation records a listener call; failed is true for errors and panics.
func (m *Metrics) Invocation(failed bool) {
	if m == nil {
		return
	}
	m.ListenerInvocations.Inc()
	if failed {
		m.ListenerFailures.Inc()
	}
}

func (m *Metrics) SetListeners(n int) {
	if m != nil {
		m.RegisteredListeners.Set(float64(n))
	}
}

// HTTPRequest records an API request by its status class (2xx, 4xx, 5xx).
func (m *Metrics) HTTPRequest(path string, status int) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.HTTPRequests.WithLabelValues(path, class).Inc()
}
