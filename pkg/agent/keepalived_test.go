package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/helper"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

func keepalivedExecutor(t *testing.T) (*Executor, *fakePriv) {
	t.Helper()
	e, priv, _ := testExecutor(t)
	e.paths.Extra = []string{"/etc/keepalived"}
	return e, priv
}

func TestConfigureKeepalivedWritesAndRestarts(t *testing.T) {
	e, priv := keepalivedExecutor(t)

	out, err := e.ConfigureKeepalived(context.Background(), []types.ConfigFile{
		{Path: "/etc/keepalived/keepalived.conf", Content: "vrrp_instance VI_1 {}", Mode: "0600"},
	})
	require.NoError(t, err)
	assert.Empty(t, out)

	require.Len(t, priv.calls, 3)
	assert.Equal(t, helper.ActionWriteFile, priv.calls[0].Action)
	assert.Equal(t, "/etc/keepalived/keepalived.conf", priv.calls[0].Path)
	assert.Equal(t, helper.ActionSystemctl, priv.calls[1].Action)
	assert.Equal(t, "enable", priv.calls[1].Command)
	assert.Equal(t, helper.ActionSystemctl, priv.calls[2].Action)
	assert.Equal(t, "restart", priv.calls[2].Command)
	assert.Equal(t, "keepalived", priv.calls[2].Service)
}

func TestConfigureKeepalivedRejectsOutsideConfigDir(t *testing.T) {
	e, priv := keepalivedExecutor(t)

	_, err := e.ConfigureKeepalived(context.Background(), []types.ConfigFile{
		{Path: "/etc/passwd", Content: "x"},
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
	assert.Empty(t, priv.calls)
}

func TestConfigureKeepalivedRequiresFiles(t *testing.T) {
	e, _ := keepalivedExecutor(t)

	_, err := e.ConfigureKeepalived(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestConfigureKeepalivedRestartFailure(t *testing.T) {
	e, priv := keepalivedExecutor(t)
	priv.fail = map[helper.Action]error{helper.ActionSystemctl: fmt.Errorf("unit not found")}

	_, err := e.ConfigureKeepalived(context.Background(), []types.ConfigFile{
		{Path: "/etc/keepalived/keepalived.conf", Content: "vrrp_instance VI_1 {}"},
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindCommandFailed))
}

func TestCheckKeepalived(t *testing.T) {
	e, priv := keepalivedExecutor(t)

	data, err := e.CheckKeepalived(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "true", data["active"])

	priv.fail = map[helper.Action]error{helper.ActionSystemctl: fmt.Errorf("inactive")}
	data, err = e.CheckKeepalived(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "false", data["active"])
	assert.Equal(t, "inactive", data["state"])
}
