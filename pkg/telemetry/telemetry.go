// Package telemetry holds the process's own Prometheus instrumentation.
// Both binaries expose these on GET /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts sessions created by start requests.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockhand_sessions_started_total",
		Help: "Sessions started.",
	})

	// SessionsEnded counts sessions ended, by reason.
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_sessions_ended_total",
		Help: "Sessions ended, partitioned by reason.",
	}, []string{"reason"})

	// GradesRun counts grading invocations, by outcome.
	GradesRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_grades_total",
		Help: "Grading runs, partitioned by outcome.",
	}, []string{"outcome"})

	// BuildsTotal counts image builds dispatched to workers.
	BuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockhand_builds_total",
		Help: "Image builds dispatched to workers.",
	})

	// WorkersLive tracks the number of registered workers.
	WorkersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockhand_workers_live",
		Help: "Workers currently registered with the supervisor.",
	})

	// WorkersReaped counts workers terminated by the TTL reaper.
	WorkersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockhand_workers_reaped_total",
		Help: "Workers terminated by the supervisor TTL reaper.",
	})

	// AgentRequests counts agent adapter calls, by kind and admission.
	AgentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_agent_requests_total",
		Help: "Agent requests, partitioned by kind and admission result.",
	}, []string{"kind", "result"})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
