package storage

import (
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Store defines the interface for orchestrator state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Servers
	CreateServer(server *types.Server) error
	GetServer(id string) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	UpdateServer(server *types.Server) error
	DeleteServer(id string) error
	CoreServer() (*types.Server, error)

	// App registry (immutable manifests)
	PutManifest(m *types.Manifest) error
	GetManifest(name string) (*types.Manifest, error)
	ListManifests() ([]*types.Manifest, error)

	// Deployments
	CreateDeployment(d *types.Deployment, secret *types.SecretBlob) error
	GetDeployment(id string) (*types.Deployment, error)
	GetDeploymentByServerApp(serverID, appName string) (*types.Deployment, error)
	ListDeployments() ([]*types.Deployment, error)
	ListDeploymentsByServer(serverID string) ([]*types.Deployment, error)
	UpdateDeployment(d *types.Deployment) error
	DeleteDeploymentCascade(id string) error

	// Service records
	UpsertService(s *types.ServiceRecord) error
	GetService(id string) (*types.ServiceRecord, error)
	ListServices() ([]*types.ServiceRecord, error)
	ListServicesByDeployment(deploymentID string) ([]*types.ServiceRecord, error)
	ListServicesByName(name string) ([]*types.ServiceRecord, error)
	DeleteService(id string) error

	// Routes
	UpsertProxyRoute(r *types.ProxyRoute) error
	GetProxyRouteByDeployment(deploymentID string) (*types.ProxyRoute, error)
	ListProxyRoutes() ([]*types.ProxyRoute, error)
	DeleteProxyRoute(id string) error
	UpsertServiceRoute(r *types.ServiceRoute) error
	ListServiceRoutes() ([]*types.ServiceRoute, error)
	ListServiceRoutesByService(serviceID string) ([]*types.ServiceRoute, error)
	DeleteServiceRoute(id string) error

	// Secrets (one encrypted blob per deployment)
	PutSecret(blob *types.SecretBlob) error
	GetSecret(deploymentID string) (*types.SecretBlob, error)
	DeleteSecret(deploymentID string) error

	// Audit
	AppendAudit(rec *types.AuditRecord) error
	ListAudit(limit int) ([]*types.AuditRecord, error)

	// Operator users
	CreateUser(u *types.User) error
	GetUserByName(name string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	// Agent tokens
	CreateAgentToken(t *types.AgentToken) error
	GetAgentToken(id string) (*types.AgentToken, error)
	ListAgentTokens() ([]*types.AgentToken, error)
	UpdateAgentToken(t *types.AgentToken) error

	// Utility
	Close() error
}
