package resolver

import (
	"testing"

	"github.com/PKell33/ownprem-sub002/pkg/registry"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, *registry.Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateServer(&types.Server{ID: "core", Name: "core", IsCore: true}))
	require.NoError(t, store.CreateServer(&types.Server{ID: "nodeA", Name: "nodeA", Host: "10.0.0.5"}))

	reg := registry.New(store, registry.DefaultConfig())
	return New(reg), reg
}

func TestValidateRequires(t *testing.T) {
	r, reg := newTestResolver(t)
	_, err := reg.RegisterService("dep-db", "postgres", "core", 5432)
	require.NoError(t, err)

	tests := []struct {
		name      string
		requires  []types.ServiceReq
		serverID  string
		valid     bool
		warnings  int
	}{
		{
			name:     "satisfied requirement",
			requires: []types.ServiceReq{{Service: "postgres"}},
			serverID: "nodeA",
			valid:    true,
		},
		{
			name:     "missing required",
			requires: []types.ServiceReq{{Service: "redis"}},
			serverID: "nodeA",
			valid:    false,
		},
		{
			name:     "missing optional is a warning",
			requires: []types.ServiceReq{{Service: "redis", Optional: true}},
			serverID: "nodeA",
			valid:    true,
			warnings: 1,
		},
		{
			name:     "same-host satisfied on core",
			requires: []types.ServiceReq{{Service: "postgres", Locality: types.LocalitySameHost}},
			serverID: "core",
			valid:    true,
		},
		{
			name:     "same-host unsatisfied elsewhere",
			requires: []types.ServiceReq{{Service: "postgres", Locality: types.LocalitySameHost}},
			serverID: "nodeA",
			valid:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &types.Manifest{Name: "app", Requires: tt.requires}
			res := r.Validate(m, tt.serverID)
			assert.Equal(t, tt.valid, res.Valid)
			assert.Len(t, res.Warnings, tt.warnings)
		})
	}
}

func TestResolveMergeOrder(t *testing.T) {
	r, reg := newTestResolver(t)
	_, err := reg.RegisterService("dep-db", "postgres", "core", 5432)
	require.NoError(t, err)

	m := &types.Manifest{
		Name: "app",
		ConfigSchema: []types.ConfigField{
			{Name: "workers", Type: types.FieldNumber, Default: 4},
			{Name: "db_host", Type: types.FieldString, InheritFrom: "postgres.host"},
			{Name: "db_port", Type: types.FieldNumber, InheritFrom: "postgres.port"},
			{Name: "log_level", Type: types.FieldSelect, Options: []string{"info", "debug"}, Default: "info"},
		},
	}

	cfg, err := r.Resolve(m, "core", map[string]any{"workers": 8})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg["workers"], "userConfig overrides defaults")
	assert.Equal(t, registry.Loopback, cfg["db_host"], "inherited host collapses to loopback on core")
	assert.Equal(t, 5432, cfg["db_port"])
	assert.Equal(t, "info", cfg["log_level"])
}

func TestResolveValidation(t *testing.T) {
	r, _ := newTestResolver(t)

	m := &types.Manifest{
		Name: "app",
		ConfigSchema: []types.ConfigField{
			{Name: "workers", Type: types.FieldNumber},
			{Name: "mode", Type: types.FieldSelect, Options: []string{"fast", "safe"}},
			{Name: "token", Type: types.FieldPassword, Required: true, Generated: true, Secret: true},
			{Name: "name", Type: types.FieldString, Required: true},
		},
	}

	_, err := r.Resolve(m, "core", map[string]any{"unknown": 1})
	assert.True(t, types.IsKind(err, types.KindValidation), "unknown key rejected")

	_, err = r.Resolve(m, "core", map[string]any{"workers": "many", "name": "x"})
	assert.True(t, types.IsKind(err, types.KindValidation), "type mismatch rejected")

	_, err = r.Resolve(m, "core", map[string]any{"mode": "slow", "name": "x"})
	assert.True(t, types.IsKind(err, types.KindValidation), "select option enforced")

	_, err = r.Resolve(m, "core", map[string]any{})
	assert.True(t, types.IsKind(err, types.KindValidation), "missing required non-generated field rejected")

	// Generated required fields are the deployer's job, not the resolver's.
	cfg, err := r.Resolve(m, "core", map[string]any{"name": "x"})
	require.NoError(t, err)
	_, hasToken := cfg["token"]
	assert.False(t, hasToken)
}
