package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyclerun/cyclerun/internal/domain"
)

// Collector owns the Prometheus registry and every stable metric name the
// platform publishes.
type Collector struct {
	registry *prometheus.Registry

	CyclesTotal      *prometheus.CounterVec
	CycleTime        *prometheus.HistogramVec
	PnL              *prometheus.GaugeVec
	TradesTotal      *prometheus.CounterVec
	ExchangeErrors   *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	StreamReconnects *prometheus.CounterVec
	SyncQuality      *prometheus.GaugeVec
}

// NewCollector builds and registers the metric set on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execution_cycles_total",
				Help: "Total number of executed cycles",
			},
			[]string{"symbol", "timeframe"},
		),

		CycleTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execution_cycle_time_seconds",
				Help:    "Cycle execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"symbol", "timeframe"},
		),

		PnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "execution_pnl",
				Help: "Cumulative simulated PnL per symbol and timeframe",
			},
			[]string{"symbol", "timeframe"},
		),

		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execution_trades_total",
				Help: "Total number of simulated trades",
			},
			[]string{"symbol", "timeframe"},
		),

		ExchangeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_errors_total",
				Help: "Exchange call failures by operation and error kind",
			},
			[]string{"op", "kind"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_errors_total",
				Help: "Storage failures by operation",
			},
			[]string{"op"},
		),

		StreamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_reconnects_total",
				Help: "Candle stream reconnects per symbol",
			},
			[]string{"symbol"},
		),

		SyncQuality: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cyclerun_sync_quality",
				Help: "Latest synchronization quality score per timeframe",
			},
			[]string{"timeframe"},
		),
	}

	c.registry.MustRegister(
		c.CyclesTotal,
		c.CycleTime,
		c.PnL,
		c.TradesTotal,
		c.ExchangeErrors,
		c.StoreErrors,
		c.StreamReconnects,
		c.SyncQuality,
	)
	return c
}

// ObserveCycle publishes one cycle result.
func (c *Collector) ObserveCycle(result domain.CycleResult) {
	symbol, tf := string(result.Symbol), string(result.Timeframe)
	c.CyclesTotal.WithLabelValues(symbol, tf).Inc()
	c.CycleTime.WithLabelValues(symbol, tf).Observe(float64(result.ExecutionTimeMS) / 1000)
	c.PnL.WithLabelValues(symbol, tf).Add(result.PnL)
	if result.TradesCount > 0 {
		c.TradesTotal.WithLabelValues(symbol, tf).Add(float64(result.TradesCount))
	}
}

// RecordExchangeError counts one venue failure.
func (c *Collector) RecordExchangeError(op, kind string) {
	c.ExchangeErrors.WithLabelValues(op, kind).Inc()
}

// RecordStoreError counts one storage failure.
func (c *Collector) RecordStoreError(op string) {
	c.StoreErrors.WithLabelValues(op).Inc()
}

// RecordStreamReconnect counts one candle stream reconnect.
func (c *Collector) RecordStreamReconnect(symbol domain.Symbol) {
	c.StreamReconnects.WithLabelValues(string(symbol)).Inc()
}

// SetSyncQuality publishes the latest sync quality score for a timeframe.
func (c *Collector) SetSyncQuality(tf domain.Timeframe, quality float64) {
	c.SyncQuality.WithLabelValues(string(tf)).Set(quality)
}

// Registry exposes the private registry for scraping and tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the scrape endpoint for this registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
