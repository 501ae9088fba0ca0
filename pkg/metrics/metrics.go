package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ownprem_servers_total",
			Help: "Total number of servers by agent status",
		},
		[]string{"status"},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ownprem_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ownprem_services_total",
			Help: "Total number of registered service records",
		},
	)

	RoutesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ownprem_routes_total",
			Help: "Total number of proxy routes by type",
		},
		[]string{"type"},
	)

	// Agent session metrics
	AgentSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ownprem_agent_sessions",
			Help: "Number of currently connected agent sessions",
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ownprem_commands_total",
			Help: "Total number of agent commands by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ownprem_command_duration_seconds",
			Help:    "Agent command round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Proxy metrics
	ProxyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ownprem_proxy_reloads_total",
			Help: "Total number of proxy reload attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(RoutesTotal)
	prometheus.MustRegister(AgentSessions)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(ProxyReloadsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one operation for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}
