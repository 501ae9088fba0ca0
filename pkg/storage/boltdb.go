package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/PKell33/ownprem-sub002/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServers       = []byte("servers")
	bucketManifests     = []byte("manifests")
	bucketDeployments   = []byte("deployments")
	bucketServices      = []byte("services")
	bucketProxyRoutes   = []byte("proxy_routes")
	bucketServiceRoutes = []byte("service_routes")
	bucketSecrets       = []byte("secrets")
	bucketAudit         = []byte("audit")
	bucketUsers         = []byte("users")
	bucketAgentTokens   = []byte("agent_tokens")
	bucketMeta          = []byte("meta")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir and runs any
// pending schema migrations.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ownprem.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// update runs fn inside a write transaction with bounded busy retries.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	return withRetry(func() error {
		return s.db.Update(fn)
	})
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// --- Servers ---

func (s *BoltStore) CreateServer(server *types.Server) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketServers, server.ID, server)
	})
}

func (s *BoltStore) GetServer(id string) (*types.Server, error) {
	var server types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServers).Get([]byte(id))
		if data == nil {
			return types.E(types.KindNotFound, "server not found: %s", id)
		}
		return json.Unmarshal(data, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
			var server types.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) UpdateServer(server *types.Server) error {
	return s.CreateServer(server) // upsert
}

// DeleteServer removes a server row. The core server is never deletable.
func (s *BoltStore) DeleteServer(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		data := b.Get([]byte(id))
		if data == nil {
			return types.E(types.KindNotFound, "server not found: %s", id)
		}
		var server types.Server
		if err := json.Unmarshal(data, &server); err != nil {
			return err
		}
		if server.IsCore {
			return types.E(types.KindConflict, "core server cannot be deleted")
		}
		return b.Delete([]byte(id))
	})
}

// CoreServer returns the single server marked isCore.
func (s *BoltStore) CoreServer() (*types.Server, error) {
	servers, err := s.ListServers()
	if err != nil {
		return nil, err
	}
	for _, server := range servers {
		if server.IsCore {
			return server, nil
		}
	}
	return nil, types.E(types.KindNotFound, "no core server registered")
}

// --- App registry ---

func (s *BoltStore) PutManifest(m *types.Manifest) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketManifests, m.Name, m)
	})
}

func (s *BoltStore) GetManifest(name string) (*types.Manifest, error) {
	var m types.Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get([]byte(name))
		if data == nil {
			return types.E(types.KindNotFound, "app not found in registry: %s", name)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListManifests() ([]*types.Manifest, error) {
	var manifests []*types.Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(k, v []byte) error {
			var m types.Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			manifests = append(manifests, &m)
			return nil
		})
	})
	return manifests, err
}

// --- Deployments ---

// CreateDeployment writes the deployment row and, when non-nil, its
// encrypted secret blob inside one transaction.
func (s *BoltStore) CreateDeployment(d *types.Deployment, secret *types.SecretBlob) error {
	return s.update(func(tx *bolt.Tx) error {
		existing, err := findDeploymentByServerApp(tx, d.ServerID, d.AppName)
		if err != nil {
			return err
		}
		if existing != nil {
			return types.E(types.KindConflict, "app %s already deployed on server %s", d.AppName, d.ServerID)
		}
		if err := putJSON(tx, bucketDeployments, d.ID, d); err != nil {
			return err
		}
		if secret != nil {
			return putJSON(tx, bucketSecrets, secret.DeploymentID, secret)
		}
		return nil
	})
}

func findDeploymentByServerApp(tx *bolt.Tx, serverID, appName string) (*types.Deployment, error) {
	var found *types.Deployment
	err := tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
		var d types.Deployment
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		if d.ServerID == serverID && d.AppName == appName {
			found = &d
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) GetDeployment(id string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(id))
		if data == nil {
			return types.E(types.KindNotFound, "deployment not found: %s", id)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) GetDeploymentByServerApp(serverID, appName string) (*types.Deployment, error) {
	var found *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		d, err := findDeploymentByServerApp(tx, serverID, appName)
		if err != nil {
			return err
		}
		found = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.E(types.KindNotFound, "no deployment of %s on server %s", appName, serverID)
	}
	return found, nil
}

func (s *BoltStore) ListDeployments() ([]*types.Deployment, error) {
	var deployments []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			deployments = append(deployments, &d)
			return nil
		})
	})
	return deployments, err
}

func (s *BoltStore) ListDeploymentsByServer(serverID string) ([]*types.Deployment, error) {
	deployments, err := s.ListDeployments()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Deployment
	for _, d := range deployments {
		if d.ServerID == serverID {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateDeployment(d *types.Deployment) error {
	d.UpdatedAt = time.Now().UTC()
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDeployments, d.ID, d)
	})
}

// DeleteDeploymentCascade removes the deployment row together with its
// services, service routes, web UI route, and secret blob, all in one
// transaction.
func (s *BoltStore) DeleteDeploymentCascade(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		services := tx.Bucket(bucketServices)
		var serviceIDs []string
		err := services.ForEach(func(k, v []byte) error {
			var rec types.ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.DeploymentID == id {
				serviceIDs = append(serviceIDs, rec.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		serviceRoutes := tx.Bucket(bucketServiceRoutes)
		var routeIDs []string
		err = serviceRoutes.ForEach(func(k, v []byte) error {
			var r types.ServiceRoute
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			for _, sid := range serviceIDs {
				if r.ServiceID == sid {
					routeIDs = append(routeIDs, r.ID)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rid := range routeIDs {
			if err := serviceRoutes.Delete([]byte(rid)); err != nil {
				return err
			}
		}
		for _, sid := range serviceIDs {
			if err := services.Delete([]byte(sid)); err != nil {
				return err
			}
		}

		proxyRoutes := tx.Bucket(bucketProxyRoutes)
		var proxyRouteIDs []string
		err = proxyRoutes.ForEach(func(k, v []byte) error {
			var r types.ProxyRoute
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.DeploymentID == id {
				proxyRouteIDs = append(proxyRouteIDs, r.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rid := range proxyRouteIDs {
			if err := proxyRoutes.Delete([]byte(rid)); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketSecrets).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketDeployments).Delete([]byte(id))
	})
}

// --- Service records ---

// UpsertService inserts or replaces the record keyed by (deployment, name).
func (s *BoltStore) UpsertService(rec *types.ServiceRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		// Replace any existing record for the same (deployment, name).
		var staleID string
		err := b.ForEach(func(k, v []byte) error {
			var existing types.ServiceRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.DeploymentID == rec.DeploymentID && existing.ServiceName == rec.ServiceName && existing.ID != rec.ID {
				staleID = existing.ID
			}
			return nil
		})
		if err != nil {
			return err
		}
		if staleID != "" {
			if err := b.Delete([]byte(staleID)); err != nil {
				return err
			}
		}
		return putJSON(tx, bucketServices, rec.ID, rec)
	})
}

func (s *BoltStore) GetService(id string) (*types.ServiceRecord, error) {
	var rec types.ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(id))
		if data == nil {
			return types.E(types.KindNotFound, "service not found: %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListServices() ([]*types.ServiceRecord, error) {
	var records []*types.ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var rec types.ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) ListServicesByDeployment(deploymentID string) ([]*types.ServiceRecord, error) {
	records, err := s.ListServices()
	if err != nil {
		return nil, err
	}
	var filtered []*types.ServiceRecord
	for _, rec := range records {
		if rec.DeploymentID == deploymentID {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListServicesByName(name string) ([]*types.ServiceRecord, error) {
	records, err := s.ListServices()
	if err != nil {
		return nil, err
	}
	var filtered []*types.ServiceRecord
	for _, rec := range records {
		if rec.ServiceName == name {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteService(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete([]byte(id))
	})
}

// --- Routes ---

// UpsertProxyRoute keeps at most one web UI route per deployment.
func (s *BoltStore) UpsertProxyRoute(r *types.ProxyRoute) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProxyRoutes)
		var staleID string
		err := b.ForEach(func(k, v []byte) error {
			var existing types.ProxyRoute
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.DeploymentID == r.DeploymentID && existing.ID != r.ID {
				staleID = existing.ID
			}
			return nil
		})
		if err != nil {
			return err
		}
		if staleID != "" {
			if err := b.Delete([]byte(staleID)); err != nil {
				return err
			}
		}
		return putJSON(tx, bucketProxyRoutes, r.ID, r)
	})
}

func (s *BoltStore) GetProxyRouteByDeployment(deploymentID string) (*types.ProxyRoute, error) {
	var found *types.ProxyRoute
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxyRoutes).ForEach(func(k, v []byte) error {
			var r types.ProxyRoute
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.DeploymentID == deploymentID {
				found = &r
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.E(types.KindNotFound, "no proxy route for deployment %s", deploymentID)
	}
	return found, nil
}

func (s *BoltStore) ListProxyRoutes() ([]*types.ProxyRoute, error) {
	var routes []*types.ProxyRoute
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxyRoutes).ForEach(func(k, v []byte) error {
			var r types.ProxyRoute
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			routes = append(routes, &r)
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) DeleteProxyRoute(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxyRoutes).Delete([]byte(id))
	})
}

func (s *BoltStore) UpsertServiceRoute(r *types.ServiceRoute) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketServiceRoutes, r.ID, r)
	})
}

func (s *BoltStore) ListServiceRoutes() ([]*types.ServiceRoute, error) {
	var routes []*types.ServiceRoute
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceRoutes).ForEach(func(k, v []byte) error {
			var r types.ServiceRoute
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			routes = append(routes, &r)
			return nil
		})
	})
	return routes, err
}

func (s *BoltStore) ListServiceRoutesByService(serviceID string) ([]*types.ServiceRoute, error) {
	routes, err := s.ListServiceRoutes()
	if err != nil {
		return nil, err
	}
	var filtered []*types.ServiceRoute
	for _, r := range routes {
		if r.ServiceID == serviceID {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteServiceRoute(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceRoutes).Delete([]byte(id))
	})
}

// --- Secrets ---

func (s *BoltStore) PutSecret(blob *types.SecretBlob) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketSecrets, blob.DeploymentID, blob)
	})
}

func (s *BoltStore) GetSecret(deploymentID string) (*types.SecretBlob, error) {
	var blob types.SecretBlob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get([]byte(deploymentID))
		if data == nil {
			return types.E(types.KindNotFound, "no secrets for deployment %s", deploymentID)
		}
		return json.Unmarshal(data, &blob)
	})
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

func (s *BoltStore) DeleteSecret(deploymentID string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(deploymentID))
	})
}

// --- Audit ---

// AppendAudit stores the record under a monotonically increasing sequence
// so ListAudit returns records in emission order.
func (s *BoltStore) AppendAudit(rec *types.AuditRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListAudit returns up to limit most recent records, newest first.
func (s *BoltStore) ListAudit(limit int) ([]*types.AuditRecord, error) {
	var records []*types.AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec types.AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

// --- Operator users ---

func (s *BoltStore) CreateUser(u *types.User) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(u.Name)) != nil {
			return types.E(types.KindConflict, "user already exists: %s", u.Name)
		}
		return putJSON(tx, bucketUsers, u.Name, u)
	})
}

func (s *BoltStore) GetUserByName(name string) (*types.User, error) {
	var u types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(name))
		if data == nil {
			return types.E(types.KindNotFound, "user not found: %s", name)
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

// --- Agent tokens ---

func (s *BoltStore) CreateAgentToken(t *types.AgentToken) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAgentTokens, t.ID, t)
	})
}

func (s *BoltStore) GetAgentToken(id string) (*types.AgentToken, error) {
	var t types.AgentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgentTokens).Get([]byte(id))
		if data == nil {
			return types.E(types.KindNotFound, "agent token not found: %s", id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListAgentTokens() ([]*types.AgentToken, error) {
	var tokens []*types.AgentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentTokens).ForEach(func(k, v []byte) error {
			var t types.AgentToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tokens = append(tokens, &t)
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) UpdateAgentToken(t *types.AgentToken) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAgentTokens, t.ID, t)
	})
}
