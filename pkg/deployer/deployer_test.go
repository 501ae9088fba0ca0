package deployer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/audit"
	"github.com/PKell33/ownprem-sub002/pkg/registry"
	"github.com/PKell33/ownprem-sub002/pkg/resolver"
	"github.com/PKell33/ownprem-sub002/pkg/security"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

type fakeCommander struct {
	mu        sync.Mutex
	connected map[string]bool
	commands  []*types.Command
	fail      map[types.CommandAction]string
	data      map[string]string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		connected: map[string]bool{"nodeA": true},
		fail:      make(map[types.CommandAction]string),
	}
}

func (f *fakeCommander) Connected(serverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[serverID]
}

func (f *fakeCommander) SendCommand(_ context.Context, _ string, cmd *types.Command) (*types.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if msg, ok := f.fail[cmd.Action]; ok {
		return &types.CommandResult{CommandID: cmd.ID, Status: types.ResultError, Message: msg}, nil
	}
	return &types.CommandResult{CommandID: cmd.ID, Status: types.ResultSuccess, Data: f.data}, nil
}

func (f *fakeCommander) sent(action types.CommandAction) *types.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.commands {
		if cmd.Action == action {
			return cmd
		}
	}
	return nil
}

type fakeProxy struct {
	mu        sync.Mutex
	reloads   int
	scheduled int
	failErr   error
}

func (f *fakeProxy) UpdateAndReload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.reloads++
	return nil
}

func (f *fakeProxy) ScheduleReload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled++
}

type testEnv struct {
	deployer *Deployer
	store    storage.Store
	hub      *fakeCommander
	proxy    *fakeProxy
	secrets  *security.SecretsManager
}

func demoManifest() *types.Manifest {
	return &types.Manifest{
		Name:         "demo",
		DisplayName:  "Demo",
		Version:      "1.2.0",
		Category:     "app",
		ServiceUser:  "svc-demo",
		ServiceGroup: "svc-shared",
		ConfigSchema: []types.ConfigField{
			{Name: "port", Type: types.FieldNumber, Default: 8080},
			{Name: "db_password", Type: types.FieldPassword, Generated: true, Secret: true},
		},
		Provides: []types.ServiceDef{{Name: "demo-api", Port: 8080, Protocol: "http"}},
		WebUI:    &types.WebUI{Enabled: true, BasePath: "/demo", Port: 8080},
	}
}

func writeAppTemplates(t *testing.T, appsDir string) {
	t.Helper()
	dir := filepath.Join(appsDir, "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "app.conf"),
		[]byte("port={{.Config.port}}\npassword={{.Config.db_password}}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "install.sh"),
		[]byte("#!/bin/sh\nmkdir -p {{.DataDir}}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "systemd.service"),
		[]byte("[Service]\nUser={{.ServiceUser}}\nGroup={{.ServiceGroup}}\nExecStart={{.AppDir}}/bin/{{.App}}\n"), 0o644))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateServer(&types.Server{ID: "nodeA", Name: "nodeA", Host: "10.0.0.5"}))
	require.NoError(t, store.CreateServer(&types.Server{ID: "nodeB", Name: "nodeB", Host: "10.0.0.6"}))
	require.NoError(t, store.PutManifest(demoManifest()))
	require.NoError(t, store.PutManifest(proxyManifest()))

	secrets, err := security.NewSecretsManagerFromPassword("unit-test-master-key")
	require.NoError(t, err)

	appsDir := t.TempDir()
	writeAppTemplates(t, appsDir)
	writeProxyTemplates(t, appsDir)

	reg := registry.New(store, registry.DefaultConfig())
	hub := newFakeCommander()
	proxy := &fakeProxy{}

	dep := New(store, hub, reg, resolver.New(reg), proxy, secrets,
		NewRenderer(appsDir, ""), audit.NewService(store), nil)

	return &testEnv{deployer: dep, store: store, hub: hub, proxy: proxy, secrets: secrets}
}

func TestInstallHappyPath(t *testing.T) {
	env := newTestEnv(t)

	deployment, err := env.deployer.Install(context.Background(), InstallRequest{
		ServerID: "nodeA",
		AppName:  "demo",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, deployment.Status)
	assert.Equal(t, "1.2.0", deployment.Version)

	// The stored config carries the resolved default but never the secret.
	stored, err := env.store.GetDeployment(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, 8080, asInt(t, stored.Config["port"]))
	assert.NotContains(t, stored.Config, "db_password")

	// The generated password lives only in the sealed blob.
	blob, err := env.store.GetSecret(deployment.ID)
	require.NoError(t, err)
	values, err := env.secrets.OpenSecrets(blob)
	require.NoError(t, err)
	assert.NotEmpty(t, values["db_password"])

	// The agent received rendered files including the secret value.
	cmd := env.hub.sent(types.ActionInstall)
	require.NotNil(t, cmd)
	conf := fileByPath(t, cmd.Payload.Files, "/etc/ownprem/demo/app.conf")
	assert.Contains(t, conf.Content, "port=8080")
	assert.Contains(t, conf.Content, "password="+values["db_password"])
	unit := fileByPath(t, cmd.Payload.Files, "/etc/systemd/system/demo.service")
	assert.Contains(t, unit.Content, "User=svc-demo")
	assert.Contains(t, unit.Content, "Group=svc-shared")
	assert.Equal(t, "demo", cmd.Payload.Service)
	assert.Equal(t, "svc-demo", cmd.Payload.ServiceUser)
	assert.Equal(t, "svc-shared", cmd.Payload.ServiceGroup)

	// Service record plus routes exist and the proxy reloaded.
	services, err := env.store.ListServicesByDeployment(deployment.ID)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "demo-api", services[0].ServiceName)

	route, err := env.store.GetProxyRouteByDeployment(deployment.ID)
	require.NoError(t, err)
	assert.True(t, route.Active)
	assert.Equal(t, 1, env.proxy.reloads)
}

func TestInstallRollbackLeavesNoState(t *testing.T) {
	env := newTestEnv(t)
	env.proxy.failErr = types.E(types.KindProxyUpdateFailed, "admin api unreachable")

	_, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindProxyUpdateFailed))

	deployments, err := env.store.ListDeployments()
	require.NoError(t, err)
	assert.Empty(t, deployments)

	services, err := env.store.ListServices()
	require.NoError(t, err)
	assert.Empty(t, services)

	routes, err := env.store.ListProxyRoutes()
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestInstallAgentInstallFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.hub.fail[types.ActionInstall] = "install.sh exited 1"

	_, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindCommandFailed))
	assert.Contains(t, err.Error(), "install.sh exited 1")

	deployments, err := env.store.ListDeployments()
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestInstallDuplicateRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.NoError(t, err)

	_, err = env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestInstallSingletonOccupied(t *testing.T) {
	env := newTestEnv(t)

	m := demoManifest()
	m.Singleton = true
	require.NoError(t, env.store.PutManifest(m))
	env.hub.connected["nodeB"] = true

	_, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.NoError(t, err)

	_, err = env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeB", AppName: "demo"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConflict))
	assert.Contains(t, err.Error(), "nodeA")
}

func TestInstallAgentDisconnected(t *testing.T) {
	env := newTestEnv(t)
	env.hub.connected["nodeA"] = false

	_, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAgentDisconnected))
}

func TestStopAndStartToggleRoutes(t *testing.T) {
	env := newTestEnv(t)

	deployment, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.NoError(t, err)

	require.NoError(t, env.deployer.Stop(context.Background(), deployment.ID))
	stored, err := env.store.GetDeployment(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, stored.Status)
	route, err := env.store.GetProxyRouteByDeployment(deployment.ID)
	require.NoError(t, err)
	assert.False(t, route.Active)

	require.NoError(t, env.deployer.Start(context.Background(), deployment.ID))
	stored, err = env.store.GetDeployment(deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, stored.Status)
	route, err = env.store.GetProxyRouteByDeployment(deployment.ID)
	require.NoError(t, err)
	assert.True(t, route.Active)

	assert.Equal(t, 2, env.proxy.scheduled)
}

func TestConfigureReRendersWithSecrets(t *testing.T) {
	env := newTestEnv(t)

	deployment, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.NoError(t, err)

	blob, err := env.store.GetSecret(deployment.ID)
	require.NoError(t, err)
	values, err := env.secrets.OpenSecrets(blob)
	require.NoError(t, err)

	updated, err := env.deployer.Configure(context.Background(), deployment.ID, map[string]any{"port": 9090})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, updated.Status)
	assert.Equal(t, 9090, asInt(t, updated.Config["port"]))

	cmd := env.hub.sent(types.ActionConfigure)
	require.NotNil(t, cmd)
	conf := fileByPath(t, cmd.Payload.Files, "/etc/ownprem/demo/app.conf")
	assert.Contains(t, conf.Content, "port=9090")
	assert.Contains(t, conf.Content, "password="+values["db_password"])
}

func TestUninstallRemovesEverything(t *testing.T) {
	env := newTestEnv(t)

	deployment, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "nodeA", AppName: "demo"})
	require.NoError(t, err)

	require.NoError(t, env.deployer.Uninstall(context.Background(), deployment.ID))

	_, err = env.store.GetDeployment(deployment.ID)
	require.Error(t, err)
	services, err := env.store.ListServices()
	require.NoError(t, err)
	assert.Empty(t, services)
	_, err = env.store.GetSecret(deployment.ID)
	require.Error(t, err)
}

func TestUninstallMandatoryOnCoreBlocked(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.CreateServer(&types.Server{ID: "core", Name: "core", IsCore: true}))
	env.hub.connected["core"] = true
	m := demoManifest()
	m.Mandatory = true
	require.NoError(t, env.store.PutManifest(m))

	deployment, err := env.deployer.Install(context.Background(), InstallRequest{ServerID: "core", AppName: "demo"})
	require.NoError(t, err)

	err = env.deployer.Uninstall(context.Background(), deployment.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
	assert.Contains(t, strings.ToLower(err.Error()), "mandatory")
}

func fileByPath(t *testing.T, files []types.ConfigFile, path string) types.ConfigFile {
	t.Helper()
	for _, f := range files {
		if f.Path == path {
			return f
		}
	}
	t.Fatalf("no file at %s", path)
	return types.ConfigFile{}
}

// asInt normalizes the int/float64 split that JSON round trips introduce.
func asInt(t *testing.T, v any) int {
	t.Helper()
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	t.Fatalf("not a number: %T", v)
	return 0
}
