package monitoring

import (
	"context"

	"proxcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector turns domain events into Prometheus metrics. It is registered
// on the event dispatcher next to the websocket hub.
type Collector struct {
	factory promauto.Factory

	proximityEvents *prometheus.CounterVec
	positionFanout  prometheus.Histogram

	callsStarted  *prometheus.CounterVec
	callsAccepted prometheus.Counter
	callsEnded    *prometheus.CounterVec
	callSetup     prometheus.Histogram
	callDuration  prometheus.Histogram

	signalsRelayed *prometheus.CounterVec
	signalsDropped *prometheus.CounterVec
}

// NewCollector registers the proxcall metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		factory: f,

		proximityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxcall_proximity_events_total",
			Help: "Range transitions seen by observers",
		}, []string{"event"}),

		positionFanout: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxcall_position_broadcast_recipients",
			Help:    "Number of recipients per position broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),

		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxcall_calls_started_total",
			Help: "Calls placed, by origin",
		}, []string{"origin"}),

		callsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "proxcall_calls_accepted_total",
			Help: "Calls accepted by the receiver",
		}),

		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxcall_calls_ended_total",
			Help: "Calls ended, by reason",
		}, []string{"reason"}),

		callSetup: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxcall_call_setup_seconds",
			Help:    "Time from call request to connected media",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxcall_call_duration_seconds",
			Help:    "Duration of calls that reached active media",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		signalsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxcall_signals_relayed_total",
			Help: "Signaling envelopes forwarded, by type",
		}, []string{"type"}),

		signalsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxcall_signals_dropped_total",
			Help: "Signaling envelopes dropped, by type",
		}, []string{"type"}),
	}
}

// RegisterGauges exposes live counts read at scrape time.
func (c *Collector) RegisterGauges(trackedUsers, liveCalls, connections func() int) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "proxcall_tracked_users",
		Help: "Users currently tracked by the proximity service",
	}, func() float64 { return float64(trackedUsers()) })

	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "proxcall_live_calls",
		Help: "Calls that have not ended",
	}, func() float64 { return float64(liveCalls()) })

	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "proxcall_websocket_connections",
		Help: "Open websocket connections",
	}, func() float64 { return float64(connections()) })
}

// HandleEvent counts domain events.
func (c *Collector) HandleEvent(ctx context.Context, event domain.Event) {
	switch e := event.(type) {
	case domain.UserEnteredRange:
		c.proximityEvents.WithLabelValues("entered").Inc()
	case domain.UserLeftRange:
		c.proximityEvents.WithLabelValues("left").Inc()
	case domain.PositionBroadcast:
		c.positionFanout.Observe(float64(len(e.Recipients)))
	case domain.CallRequested:
		c.callsStarted.WithLabelValues(string(e.Call.Origin)).Inc()
	case domain.CallAccepted:
		c.callsAccepted.Inc()
	case domain.CallActivated:
		if e.Call.ConnectedAt != nil {
			c.callSetup.Observe(e.Call.ConnectedAt.Sub(e.Call.CreatedAt).Seconds())
		}
	case domain.CallEnded:
		c.callsEnded.WithLabelValues(string(e.Reason)).Inc()
		if e.Call.ConnectedAt != nil && e.Call.EndedAt != nil {
			c.callDuration.Observe(e.Call.EndedAt.Sub(*e.Call.ConnectedAt).Seconds())
		}
	case domain.SignalRelayed:
		c.signalsRelayed.WithLabelValues(string(e.Envelope.Type)).Inc()
	case domain.SignalDropped:
		c.signalsDropped.WithLabelValues(string(e.Envelope.Type)).Inc()
	}
}
