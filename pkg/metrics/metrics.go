package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Site metrics
	SitesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_sites_total",
			Help: "Total number of registered sites by status",
		},
		[]string{"status"},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_active",
			Help: "Number of editing sessions currently active",
		},
	)

	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_sessions_started_total",
			Help: "Total number of editing sessions started",
		},
	)

	SessionsCleaned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_sessions_cleaned_total",
			Help: "Total number of sessions cleaned up by reason",
		},
		[]string{"reason"},
	)

	// Build metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_builds_total",
			Help: "Total number of builds by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_build_duration_seconds",
			Help:    "Build duration in seconds by strategy",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"strategy"},
	)

	// Container metrics
	ContainersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_containers_running",
			Help: "Number of running containers by role",
		},
		[]string{"role"},
	)

	// Proxy metrics
	ProxyReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_proxy_reloads_total",
			Help: "Total number of proxy config reloads by result",
		},
		[]string{"result"},
	)

	ProxyRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_proxy_routes",
			Help: "Number of dynamic routes currently configured",
		},
	)

	// Sweeper metrics
	SweeperRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_sweeper_runs_total",
			Help: "Total number of expiry sweeper runs",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SitesTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsStarted)
	prometheus.MustRegister(SessionsCleaned)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(ContainersRunning)
	prometheus.MustRegister(ProxyReloads)
	prometheus.MustRegister(ProxyRoutes)
	prometheus.MustRegister(SweeperRuns)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
