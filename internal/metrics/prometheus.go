package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "basis_sentry"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

// promGauge backs the net USD totals. Gauges, not counters: funding paid and
// losing closes move these down.
type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Add(v float64) {
	p.gauge.Add(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	ordersPlaced := counter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := counter("orders_failed_total", "Total number of order placement failures.")
	corrections := counter("corrections_issued_total", "Total number of corrective orders issued.")
	opened := counter("positions_opened_total", "Total number of positions that reached HEDGED.")
	closed := counter("positions_closed_total", "Total number of positions closed cleanly.")
	failedOpens := counter("failed_opens_total", "Total number of open attempts flattened as FAILED_OPEN.")
	stuck := counter("stuck_positions_total", "Total number of positions escalated as STUCK.")
	rebalances := counter("rebalances_total", "Total number of completed rebalances.")
	riskRejections := counter("risk_rejections_total", "Total number of risk controller rejections.")

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	fundingCollected := gauge("funding_collected_usd", "Net funding collected across all positions, USD.")
	realizedPnL := gauge("realized_pnl_usd", "Net realized P&L on closed positions, USD.")

	m := &Metrics{
		OrdersPlaced:      promCounter{ordersPlaced},
		OrdersFailed:      promCounter{ordersFailed},
		CorrectionsIssued: promCounter{corrections},
		PositionsOpened:   promCounter{opened},
		PositionsClosed:   promCounter{closed},
		FailedOpens:       promCounter{failedOpens},
		StuckPositions:    promCounter{stuck},
		Rebalances:        promCounter{rebalances},
		RiskRejections:    promCounter{riskRejections},
		FundingCollected:  promGauge{fundingCollected},
		RealizedPnL:       promGauge{realizedPnL},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
