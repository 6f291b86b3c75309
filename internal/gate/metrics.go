package gate

import "github.com/prometheus/client_golang/prometheus"

var (
	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "gate",
		Name:      "checks_total",
		Help:      "Admission checks by action type and result.",
	}, []string{"action", "result"})

	rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "gate",
		Name:      "rejections_total",
		Help:      "Rejected requests by reason.",
	}, []string{"reason"})

	bansIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "gate",
		Name:      "bans_issued_total",
		Help:      "Bans issued by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(checksTotal, rejectionsTotal, bansIssuedTotal)
}
