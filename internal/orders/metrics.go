package orders

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "orders",
		Name:      "created_total",
		Help:      "Orders created.",
	})

	approvalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "orders",
		Name:      "approvals_total",
		Help:      "Orders approved, by resolver (admin id, auto, sweep).",
	}, []string{"resolved_by"})

	rejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "orders",
		Name:      "rejections_total",
		Help:      "Orders rejected.",
	})

	cancellationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "orders",
		Name:      "cancellations_total",
		Help:      "Orders cancelled.",
	})

	screenshotsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "orders",
		Name:      "screenshots_rejected_total",
		Help:      "Screenshot submissions rejected as duplicates.",
	})

	provisionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "orders",
		Name:      "provision_failures_total",
		Help:      "Approved orders whose key provisioning failed.",
	})
)

func init() {
	prometheus.MustRegister(
		ordersCreated,
		approvalsTotal,
		rejectionsTotal,
		cancellationsTotal,
		screenshotsRejected,
		provisionFailures,
	)
}
