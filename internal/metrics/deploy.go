package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_scans_total",
			Help: "Archive security scans by result (passed, warnings, rejected)",
		},
		[]string{"result"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_rate_limited_total",
			Help: "Requests denied by the rate limiter per endpoint class",
		},
		[]string{"class"},
	)

	SubdomainReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_subdomain_reservations_total",
			Help: "Subdomain reservation attempts by result",
		},
		[]string{"result"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_transitions_total",
			Help: "Application status transitions by target status",
		},
		[]string{"to"},
	)

	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_compensations_total",
			Help: "Compensation steps run after a failed deploy, by step and result",
		},
		[]string{"step", "result"},
	)
)

// ScanResultLabel maps a scan verdict to the deploy_scans_total label.
func ScanResultLabel(passed, hasWarnings bool) string {
	switch {
	case !passed:
		return "rejected"
	case hasWarnings:
		return "warnings"
	default:
		return "passed"
	}
}
