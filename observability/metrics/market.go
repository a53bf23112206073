// Package metrics exposes Prometheus instrumentation for the market host.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics aggregates the counters tracking marketplace activity. The
// node increments them as lifecycle events commit, so a failed call leaves
// every counter untouched.
type MarketMetrics struct {
	OffersCreated    prometheus.Counter
	BidsPlaced       prometheus.Counter
	BuyersSelected   prometheus.Counter
	Deposits         prometheus.Counter
	Settlements      prometheus.Counter
	DisputesRaised   prometheus.Counter
	DisputesResolved prometheus.Counter
	CallFailures     *prometheus.CounterVec
}

var (
	marketOnce    sync.Once
	marketMetrics *MarketMetrics
)

// Market returns the process-wide market metrics, registering them with the
// default Prometheus registry on first use.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketMetrics = &MarketMetrics{
			OffersCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gridmarket_offers_created_total",
				Help: "Number of offers listed on the market.",
			}),
			BidsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gridmarket_bids_placed_total",
				Help: "Number of bids recorded or replaced.",
			}),
			BuyersSelected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gridmarket_buyers_selected_total",
				Help: "Number of offers that reached the selected state.",
			}),
			Deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gridmarket_deposits_total",
				Help: "Number of escrow deposits accepted.",
			}),
			Settlements: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gridmarket_settlements_total",
				Help: "Number of offers settled to the provider.",
			}),
			DisputesRaised: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gridmarket_disputes_raised_total",
				Help: "Number of complaints raised against selected offers.",
			}),
			DisputesResolved: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gridmarket_disputes_resolved_total",
				Help: "Number of complaints consumed by an admin ruling.",
			}),
			CallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gridmarket_call_failures_total",
				Help: "Number of market calls rejected, by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			marketMetrics.OffersCreated,
			marketMetrics.BidsPlaced,
			marketMetrics.BuyersSelected,
			marketMetrics.Deposits,
			marketMetrics.Settlements,
			marketMetrics.DisputesRaised,
			marketMetrics.DisputesResolved,
			marketMetrics.CallFailures,
		)
	})
	return marketMetrics
}

// ObserveEvent maps a committed market event type to its counter.
func (m *MarketMetrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	switch eventType {
	case "market.offer.created":
		m.OffersCreated.Inc()
	case "market.bid.placed":
		m.BidsPlaced.Inc()
	case "market.buyer.selected":
		m.BuyersSelected.Inc()
	case "market.payment.deposited":
		m.Deposits.Inc()
	case "market.energy.confirmed":
		m.Settlements.Inc()
	case "market.complaint.raised":
		m.DisputesRaised.Inc()
	case "market.dispute.resolved":
		m.DisputesResolved.Inc()
	}
}

// ObserveFailure records a rejected call for the named operation.
func (m *MarketMetrics) ObserveFailure(operation string) {
	if m == nil {
		return
	}
	m.CallFailures.WithLabelValues(operation).Inc()
}
