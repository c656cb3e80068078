package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tradingdesk",
		Subsystem: "execution",
		Name:      "orders_submitted_total",
		Help:      "Orders accepted by the broker or fill simulator.",
	})

	ordersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradingdesk",
		Subsystem: "execution",
		Name:      "orders_rejected_total",
		Help:      "Orders rejected before or at submission, by cause.",
	}, []string{"cause"})

	fillsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tradingdesk",
		Subsystem: "execution",
		Name:      "fills_applied_total",
		Help:      "Fill events applied to the portfolio.",
	})
)
