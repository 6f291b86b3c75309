package approval

import "github.com/prometheus/client_golang/prometheus"

var (
	schedulerArmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "approval",
		Name:      "armed_total",
		Help:      "Orders armed for deferred auto-approval.",
	})

	schedulerCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "approval",
		Name:      "cancelled_total",
		Help:      "Armed auto-approvals cancelled before firing.",
	})

	schedulerFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "approval",
		Name:      "fired_total",
		Help:      "Auto-approvals fired at their deadline.",
	})
)

func init() {
	prometheus.MustRegister(schedulerArmed, schedulerCancelled, schedulerFired)
}
