package registry

import (
	"fmt"
	"sync"

	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/google/uuid"
)

// Loopback is recorded as the service host whenever the consumer shares a
// host with the provider.
const Loopback = "127.0.0.1"

// Config bounds the TCP port range handed to service routes.
type Config struct {
	TCPPortMin int
	TCPPortMax int
}

// DefaultConfig matches the installer defaults.
func DefaultConfig() Config {
	return Config{TCPPortMin: 9000, TCPPortMax: 9999}
}

// Registry stores service records and proxy/service routes, and allocates
// external TCP ports. Port allocation runs under the registry lock; the
// range is a shared finite resource.
type Registry struct {
	store storage.Store
	cfg   Config

	mu sync.Mutex // guards port allocation
}

// New creates a registry over the store.
func New(store storage.Store, cfg Config) *Registry {
	if cfg.TCPPortMin == 0 && cfg.TCPPortMax == 0 {
		cfg = DefaultConfig()
	}
	return &Registry{store: store, cfg: cfg}
}

// RegisterService upserts the record keyed by (deploymentID, name). The
// recorded host is loopback when the provider runs on the core server,
// else the server's reachable address.
func (r *Registry) RegisterService(deploymentID, name, serverID string, port int) (*types.ServiceRecord, error) {
	server, err := r.store.GetServer(serverID)
	if err != nil {
		return nil, err
	}

	host := server.Host
	if server.IsCore || host == "" {
		host = Loopback
	}

	rec := &types.ServiceRecord{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		ServiceName:  name,
		ServerID:     serverID,
		Host:         host,
		Port:         port,
		Status:       types.ServiceAvailable,
	}
	if err := r.store.UpsertService(rec); err != nil {
		return nil, fmt.Errorf("failed to register service %s: %w", name, err)
	}
	return rec, nil
}

// UnregisterServices removes every service record of a deployment along
// with their service routes.
func (r *Registry) UnregisterServices(deploymentID string) error {
	records, err := r.store.ListServicesByDeployment(deploymentID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := r.UnregisterServiceRoutes(rec.ID); err != nil {
			return err
		}
		if err := r.store.DeleteService(rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// FindService returns any available provider of the named service.
func (r *Registry) FindService(name string) (*types.ServiceRecord, error) {
	records, err := r.store.ListServicesByName(name)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Status == types.ServiceAvailable {
			return rec, nil
		}
	}
	return nil, types.E(types.KindNotFound, "no available provider for service %s", name)
}

// FindAllServices returns every record of the named service.
func (r *Registry) FindAllServices(name string) ([]*types.ServiceRecord, error) {
	return r.store.ListServicesByName(name)
}

// FindServiceOnServer is the locality-restricted lookup.
func (r *Registry) FindServiceOnServer(name, serverID string) (*types.ServiceRecord, error) {
	records, err := r.store.ListServicesByName(name)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ServerID == serverID && rec.Status == types.ServiceAvailable {
			return rec, nil
		}
	}
	return nil, types.E(types.KindNotFound, "no provider for service %s on server %s", name, serverID)
}

// GetConnection returns the address a consumer on fromServerID should use
// to reach the named service: loopback when a same-host provider exists
// and preferSameServer is set, else the first available provider's host.
func (r *Registry) GetConnection(name, fromServerID string, preferSameServer bool) (host string, port int, err error) {
	if preferSameServer {
		if rec, err := r.FindServiceOnServer(name, fromServerID); err == nil {
			return Loopback, rec.Port, nil
		}
	}
	rec, err := r.FindService(name)
	if err != nil {
		return "", 0, err
	}
	return rec.Host, rec.Port, nil
}

// SetServiceStatus flips the availability of every service of a deployment.
func (r *Registry) SetServiceStatus(deploymentID string, status types.ServiceStatus) error {
	records, err := r.store.ListServicesByDeployment(deploymentID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		rec.Status = status
		if err := r.store.UpsertService(rec); err != nil {
			return err
		}
	}
	return nil
}
