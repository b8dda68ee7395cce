// Package metrics registers the engine's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the engine updates. Tests pass a private
// registry; main passes prometheus.DefaultRegisterer.
type Metrics struct {
	TicksTotal        prometheus.Counter
	TickDuration      prometheus.Histogram
	ModeSwitchesTotal *prometheus.CounterVec // labels: from, to
	DecisionsTotal    *prometheus.CounterVec // labels: decision, reason
	CardsEmittedTotal *prometheus.CounterVec // labels: strategy
	SinkFailuresTotal *prometheus.CounterVec // labels: sink
	SinkLatency       *prometheus.HistogramVec

	ClockSkewMS     prometheus.Gauge
	SourceMode      prometheus.Gauge     // 0=rest, 1=ws
	PriceBufferSize *prometheus.GaugeVec // labels: symbol
	KlineBufferSize *prometheus.GaugeVec // labels: symbol
}

// New registers and returns the engine metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigengine_ticks_total",
			Help: "Driver loop ticks completed",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigengine_tick_duration_seconds",
			Help:    "Wall time of one driver tick",
			Buckets: prometheus.DefBuckets,
		}),
		ModeSwitchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_mode_switches_total",
			Help: "Ingestion mode switches",
		}, []string{"from", "to"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_decisions_total",
			Help: "Per-symbol evaluation decisions",
		}, []string{"decision", "reason"}),
		CardsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_cards_emitted_total",
			Help: "Proposal cards delivered to sinks",
		}, []string{"strategy"}),
		SinkFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigengine_sink_failures_total",
			Help: "Failed deliveries per sink",
		}, []string{"sink"}),
		SinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigengine_sink_latency_seconds",
			Help:    "Delivery latency per sink",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		ClockSkewMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigengine_clock_skew_ms",
			Help: "Server-local clock skew in milliseconds",
		}),
		SourceMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigengine_source_mode",
			Help: "Current ingestion mode (0=rest, 1=ws)",
		}),
		PriceBufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigengine_price_buffer_size",
			Help: "Price points buffered per symbol",
		}, []string{"symbol"}),
		KlineBufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigengine_kline_buffer_size",
			Help: "1m candles buffered per symbol",
		}, []string{"symbol"}),
	}
	reg.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.ModeSwitchesTotal,
		m.DecisionsTotal,
		m.CardsEmittedTotal,
		m.SinkFailuresTotal,
		m.SinkLatency,
		m.ClockSkewMS,
		m.SourceMode,
		m.PriceBufferSize,
		m.KlineBufferSize,
	)
	return m
}

// SetSourceMode maps the mode string onto the gauge.
func (m *Metrics) SetSourceMode(mode string) {
	if mode == "ws" {
		m.SourceMode.Set(1)
		return
	}
	m.SourceMode.Set(0)
}
