package registry

import (
	"fmt"

	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/google/uuid"
)

// RegisterWebUIRoute creates (or replaces) the web UI route for a
// deployment. The upstream targets the app's UI port on its host.
func (r *Registry) RegisterWebUIRoute(d *types.Deployment, webui *types.WebUI) (*types.ProxyRoute, error) {
	if webui == nil || !webui.Enabled {
		return nil, types.E(types.KindValidation, "app %s has no web UI", d.AppName)
	}

	server, err := r.store.GetServer(d.ServerID)
	if err != nil {
		return nil, err
	}
	host := server.Host
	if server.IsCore || host == "" {
		host = Loopback
	}

	route := &types.ProxyRoute{
		ID:           uuid.New().String(),
		DeploymentID: d.ID,
		Path:         webui.BasePath,
		Upstream:     fmt.Sprintf("http://%s:%d", host, webui.Port),
		Active:       true,
	}
	if err := r.store.UpsertProxyRoute(route); err != nil {
		return nil, fmt.Errorf("failed to register web UI route: %w", err)
	}
	return route, nil
}

// UnregisterWebUIRoute removes the deployment's web UI route if present.
func (r *Registry) UnregisterWebUIRoute(deploymentID string) error {
	route, err := r.store.GetProxyRouteByDeployment(deploymentID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil
		}
		return err
	}
	return r.store.DeleteProxyRoute(route.ID)
}

// RegisterServiceRoute exposes one service record externally. HTTP routes
// get a path under /services/<name>; TCP routes get a port from the
// configured range, preferring the upstream port when it is free and in
// range.
func (r *Registry) RegisterServiceRoute(rec *types.ServiceRecord, protocol string) (*types.ServiceRoute, error) {
	route := &types.ServiceRoute{
		ID:           uuid.New().String(),
		ServiceID:    rec.ID,
		UpstreamHost: rec.Host,
		UpstreamPort: rec.Port,
		Active:       true,
	}

	switch protocol {
	case string(types.RouteTCP):
		r.mu.Lock()
		port, err := r.allocateTCPPortLocked(rec.Port)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		route.RouteType = types.RouteTCP
		route.ExternalPort = port
		// Persist inside the allocation lock so a concurrent allocation
		// cannot pick the same port.
		err = r.store.UpsertServiceRoute(route)
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return route, nil
	default:
		route.RouteType = types.RouteHTTP
		route.ExternalPath = "/services/" + rec.ServiceName
		if err := r.store.UpsertServiceRoute(route); err != nil {
			return nil, err
		}
		return route, nil
	}
}

// UnregisterServiceRoutes removes all routes of a service record.
func (r *Registry) UnregisterServiceRoutes(serviceID string) error {
	routes, err := r.store.ListServiceRoutesByService(serviceID)
	if err != nil {
		return err
	}
	for _, route := range routes {
		if err := r.store.DeleteServiceRoute(route.ID); err != nil {
			return err
		}
	}
	return nil
}

// SetRoutesActive toggles the web UI route and every service route of a
// deployment, as done by start and stop.
func (r *Registry) SetRoutesActive(deploymentID string, active bool) error {
	if route, err := r.store.GetProxyRouteByDeployment(deploymentID); err == nil {
		route.Active = active
		if err := r.store.UpsertProxyRoute(route); err != nil {
			return err
		}
	} else if !types.IsKind(err, types.KindNotFound) {
		return err
	}

	records, err := r.store.ListServicesByDeployment(deploymentID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		routes, err := r.store.ListServiceRoutesByService(rec.ID)
		if err != nil {
			return err
		}
		for _, route := range routes {
			route.Active = active
			if err := r.store.UpsertServiceRoute(route); err != nil {
				return err
			}
		}
	}
	return nil
}

// allocateTCPPortLocked returns preferred when it lies in range and is
// unused, otherwise the smallest free port in range. Exhaustion fails.
// Caller holds r.mu.
func (r *Registry) allocateTCPPortLocked(preferred int) (int, error) {
	used, err := r.usedTCPPorts()
	if err != nil {
		return 0, err
	}

	inRange := func(p int) bool { return p >= r.cfg.TCPPortMin && p <= r.cfg.TCPPortMax }

	if inRange(preferred) && !used[preferred] {
		return preferred, nil
	}
	for p := r.cfg.TCPPortMin; p <= r.cfg.TCPPortMax; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, types.E(types.KindConflict, "no-ports-available: tcp range %d-%d exhausted", r.cfg.TCPPortMin, r.cfg.TCPPortMax)
}

func (r *Registry) usedTCPPorts() (map[int]bool, error) {
	routes, err := r.store.ListServiceRoutes()
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(routes))
	for _, route := range routes {
		if route.RouteType == types.RouteTCP {
			used[route.ExternalPort] = true
		}
	}
	return used, nil
}
