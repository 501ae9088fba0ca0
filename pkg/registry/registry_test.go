package registry

import (
	"testing"

	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateServer(&types.Server{ID: "core", Name: "core", IsCore: true}))
	require.NoError(t, store.CreateServer(&types.Server{ID: "nodeA", Name: "nodeA", Host: "10.0.0.5"}))

	return New(store, cfg), store
}

func TestRegisterServiceHost(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	rec, err := r.RegisterService("dep-core", "postgres", "core", 5432)
	require.NoError(t, err)
	assert.Equal(t, Loopback, rec.Host, "core provider records loopback")

	rec, err = r.RegisterService("dep-a", "postgres", "nodeA", 5432)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", rec.Host)
}

func TestRegisterServiceUpsert(t *testing.T) {
	r, store := newTestRegistry(t, DefaultConfig())

	_, err := r.RegisterService("dep-1", "api", "core", 8080)
	require.NoError(t, err)
	_, err = r.RegisterService("dep-1", "api", "core", 8081)
	require.NoError(t, err)

	records, err := store.ListServicesByDeployment("dep-1")
	require.NoError(t, err)
	require.Len(t, records, 1, "upsert keeps one record per (deployment, name)")
	assert.Equal(t, 8081, records[0].Port)
}

func TestGetConnection(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	_, err := r.RegisterService("dep-a", "postgres", "nodeA", 5432)
	require.NoError(t, err)

	// Consumer on nodeA gets loopback.
	host, port, err := r.GetConnection("postgres", "nodeA", true)
	require.NoError(t, err)
	assert.Equal(t, Loopback, host)
	assert.Equal(t, 5432, port)

	// Consumer elsewhere gets the provider's actual host.
	host, _, err = r.GetConnection("postgres", "core", true)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", host)

	_, _, err = r.GetConnection("missing", "core", true)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestFindServiceOnServer(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	_, err := r.RegisterService("dep-a", "cache", "nodeA", 6379)
	require.NoError(t, err)

	rec, err := r.FindServiceOnServer("cache", "nodeA")
	require.NoError(t, err)
	assert.Equal(t, "nodeA", rec.ServerID)

	_, err = r.FindServiceOnServer("cache", "core")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestTCPPortAllocation(t *testing.T) {
	r, _ := newTestRegistry(t, Config{TCPPortMin: 9000, TCPPortMax: 9002})

	rec1, err := r.RegisterService("dep-1", "svc1", "core", 9001)
	require.NoError(t, err)
	route, err := r.RegisterServiceRoute(rec1, "tcp")
	require.NoError(t, err)
	assert.Equal(t, 9001, route.ExternalPort, "preferred in-range port is honored")

	// Preferred port taken: smallest free port wins.
	rec2, err := r.RegisterService("dep-2", "svc2", "core", 9001)
	require.NoError(t, err)
	route, err = r.RegisterServiceRoute(rec2, "tcp")
	require.NoError(t, err)
	assert.Equal(t, 9000, route.ExternalPort)

	// Preferred out of range: smallest free port wins.
	rec3, err := r.RegisterService("dep-3", "svc3", "core", 5432)
	require.NoError(t, err)
	route, err = r.RegisterServiceRoute(rec3, "tcp")
	require.NoError(t, err)
	assert.Equal(t, 9002, route.ExternalPort)

	// Exhaustion fails.
	rec4, err := r.RegisterService("dep-4", "svc4", "core", 5433)
	require.NoError(t, err)
	_, err = r.RegisterServiceRoute(rec4, "tcp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-ports-available")
}

func TestHTTPServiceRoutePath(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	rec, err := r.RegisterService("dep-1", "metrics", "core", 9100)
	require.NoError(t, err)
	route, err := r.RegisterServiceRoute(rec, "http")
	require.NoError(t, err)
	assert.Equal(t, "/services/metrics", route.ExternalPath)
	assert.Equal(t, types.RouteHTTP, route.RouteType)
}

func TestSetRoutesActive(t *testing.T) {
	r, store := newTestRegistry(t, DefaultConfig())

	d := &types.Deployment{ID: "dep-ui", ServerID: "core", AppName: "demo"}
	_, err := r.RegisterWebUIRoute(d, &types.WebUI{Enabled: true, BasePath: "/demo", Port: 8080})
	require.NoError(t, err)

	require.NoError(t, r.SetRoutesActive("dep-ui", false))
	route, err := store.GetProxyRouteByDeployment("dep-ui")
	require.NoError(t, err)
	assert.False(t, route.Active)

	require.NoError(t, r.SetRoutesActive("dep-ui", true))
	route, err = store.GetProxyRouteByDeployment("dep-ui")
	require.NoError(t, err)
	assert.True(t, route.Active)
}
