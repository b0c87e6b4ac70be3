// Package metrics exposes the book-depth, sequence-number, trade-count,
// and fanout-subscriber gauges/counters named in the ambient stack,
// grounded on the prometheus.Gauge/Counter struct-with-constructor pattern
// used throughout abdoElHodaky-tradSys's internal/metrics package, adapted
// from its WebSocket/PeerJS connection metrics to book/trade metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"clob/internal/clob"
)

// Metrics collects the Prometheus series for one running deployment. A
// multi-market deployment shares one Metrics across its engines, labelling
// each series by market.
type Metrics struct {
	bookDepth         *prometheus.GaugeVec
	sequenceNumber    *prometheus.GaugeVec
	tradesTotal       *prometheus.CounterVec
	fanoutSubscribers prometheus.Gauge
}

// New builds the metric series and registers them against registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clob_book_depth",
			Help: "Aggregate resting quantity per market and side.",
		}, []string{"market", "side"}),
		sequenceNumber: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clob_sequence_number",
			Help: "Current order book sequence number per market.",
		}, []string{"market"}),
		tradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_trades_total",
			Help: "Trades executed per market.",
		}, []string{"market"}),
		fanoutSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clob_fanout_subscribers",
			Help: "Live market-data subscribers across all markets.",
		}),
	}
	registry.MustRegister(m.bookDepth, m.sequenceNumber, m.tradesTotal, m.fanoutSubscribers)
	return m
}

// ObserveSnapshot records depth and sequence number from a fresh snapshot.
func (m *Metrics) ObserveSnapshot(market string, snap clob.Snapshot) {
	var bidQty, askQty uint64
	for _, pq := range snap.Bids {
		bidQty += pq[1]
	}
	for _, pq := range snap.Asks {
		askQty += pq[1]
	}
	m.bookDepth.WithLabelValues(market, "bid").Set(float64(bidQty))
	m.bookDepth.WithLabelValues(market, "ask").Set(float64(askQty))
	m.sequenceNumber.WithLabelValues(market).Set(float64(snap.SequenceNumber))
}

// AddTrades increments market's trade counter by n.
func (m *Metrics) AddTrades(market string, n int) {
	if n <= 0 {
		return
	}
	m.tradesTotal.WithLabelValues(market).Add(float64(n))
}

// SetFanoutSubscribers sets the live subscriber gauge.
func (m *Metrics) SetFanoutSubscribers(n int) {
	m.fanoutSubscribers.Set(float64(n))
}
