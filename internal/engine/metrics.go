package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the engine. A nil *Metrics is a no-op so tests and
// tools can run without a registry.
type Metrics struct {
	OffersPosted     *prometheus.CounterVec
	OffersCancelled  *prometheus.CounterVec
	OrdersExecuted   *prometheus.CounterVec
	TradesSettled    *prometheus.CounterVec
	FillsPerTrade    prometheus.Histogram
	MatchingDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		OffersPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_offers_posted_total",
			Help: "Offers accepted into the book, by currency.",
		}, []string{"currency"}),
		OffersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_offers_cancelled_total",
			Help: "Offers withdrawn by their owner, by currency.",
		}, []string{"currency"}),
		OrdersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_executed_total",
			Help: "Market orders completed, by execution status.",
		}, []string{"status"}),
		TradesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trades_settled_total",
			Help: "Matched trades settled through the ledger, by currency.",
		}, []string{"currency"}),
		FillsPerTrade: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_fills_per_trade",
			Help:    "Resting offers consumed per settled trade.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		MatchingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exchange_matching_duration_seconds",
			Help:    "Time spent matching a market order against the book.",
			Buckets: prometheus.DefBuckets,
		}, []string{"currency"}),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	if m == nil || registry == nil {
		return
	}
	registry.MustRegister(
		m.OffersPosted,
		m.OffersCancelled,
		m.OrdersExecuted,
		m.TradesSettled,
		m.FillsPerTrade,
		m.MatchingDuration,
	)
}

func (m *Metrics) ObserveOfferPosted(currency string) {
	if m == nil {
		return
	}
	m.OffersPosted.WithLabelValues(currency).Inc()
}

func (m *Metrics) ObserveOfferCancelled(currency string) {
	if m == nil {
		return
	}
	m.OffersCancelled.WithLabelValues(currency).Inc()
}

func (m *Metrics) ObserveOrderExecuted(status string) {
	if m == nil {
		return
	}
	m.OrdersExecuted.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTradeSettled(currency string, fills int) {
	if m == nil {
		return
	}
	m.TradesSettled.WithLabelValues(currency).Inc()
	m.FillsPerTrade.Observe(float64(fills))
}

func (m *Metrics) ObserveMatchingLatency(currency string, d time.Duration) {
	if m == nil {
		return
	}
	m.MatchingDuration.WithLabelValues(currency).Observe(d.Seconds())
}
