package metrics

import (
	"context"
	"time"

	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

const collectInterval = 15 * time.Second

// SessionCounter reports the number of live agent sessions.
type SessionCounter interface {
	SessionCount() int
}

// Collector periodically snapshots fleet state from the store into the
// registered gauges.
type Collector struct {
	store    storage.Store
	sessions SessionCounter
}

// NewCollector creates a collector. sessions may be nil before the hub
// starts.
func NewCollector(store storage.Store, sessions SessionCounter) *Collector {
	return &Collector{store: store, sessions: sessions}
}

// Run collects immediately and then on a fixed interval until ctx ends.
func (c *Collector) Run(ctx context.Context) {
	c.Collect()

	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one snapshot. Store errors leave the previous values in
// place; gauges describe the last known state.
func (c *Collector) Collect() {
	c.collectServers()
	c.collectDeployments()
	c.collectServices()
	c.collectRoutes()
	if c.sessions != nil {
		AgentSessions.Set(float64(c.sessions.SessionCount()))
	}
}

func (c *Collector) collectServers() {
	servers, err := c.store.ListServers()
	if err != nil {
		return
	}
	counts := map[types.AgentStatus]int{
		types.AgentOnline:  0,
		types.AgentOffline: 0,
	}
	for _, server := range servers {
		counts[server.AgentStatus]++
	}
	for status, count := range counts {
		ServersTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectDeployments() {
	deployments, err := c.store.ListDeployments()
	if err != nil {
		return
	}
	counts := map[types.DeploymentStatus]int{
		types.StatusRunning: 0,
		types.StatusStopped: 0,
		types.StatusError:   0,
	}
	for _, d := range deployments {
		counts[d.Status]++
	}
	for status, count := range counts {
		DeploymentsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectServices() {
	services, err := c.store.ListServices()
	if err != nil {
		return
	}
	ServicesTotal.Set(float64(len(services)))
}

func (c *Collector) collectRoutes() {
	webui, err := c.store.ListProxyRoutes()
	if err != nil {
		return
	}
	serviceRoutes, err := c.store.ListServiceRoutes()
	if err != nil {
		return
	}

	counts := map[string]int{"webui": len(webui), "http": 0, "tcp": 0}
	for _, route := range serviceRoutes {
		counts[string(route.RouteType)]++
	}
	for typ, count := range counts {
		RoutesTotal.WithLabelValues(typ).Set(float64(count))
	}
}
