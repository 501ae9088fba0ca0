package helper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

func testRules(t *testing.T) (*Rules, string) {
	t.Helper()
	root := t.TempDir()
	rules := &Rules{
		DirPrefixes:    []string{root + "/opt/", root + "/var/"},
		WritePrefixes:  []string{root + "/opt/", root + "/etc/systemd/system/"},
		MountPrefixes:  []string{root + "/mnt/"},
		SystemServices: map[string]bool{"caddy": true},
		RegistryDir:    filepath.Join(root, "services.d"),
		RunAsCommands: map[string][]string{
			"postgres": {"/usr/bin/pg_dump"},
		},
	}
	return rules, root
}

func TestValidateWritePath(t *testing.T) {
	rules, root := testRules(t)

	tests := []struct {
		name string
		req  Request
		deny string
	}{
		{
			name: "allowed path",
			req:  Request{Action: ActionWriteFile, Path: root + "/opt/app/config.yml"},
		},
		{
			name: "system file rejected",
			req:  Request{Action: ActionWriteFile, Path: "/etc/passwd"},
			deny: "Write path not allowed",
		},
		{
			name: "traversal rejected",
			req:  Request{Action: ActionWriteFile, Path: root + "/opt/../../../etc/passwd"},
			deny: "Write path not allowed",
		},
		{
			name: "relative path rejected",
			req:  Request{Action: ActionWriteFile, Path: "opt/app/x"},
			deny: "Write path not allowed",
		},
		{
			name: "bad mode rejected",
			req:  Request{Action: ActionWriteFile, Path: root + "/opt/app/x", Mode: "rwx"},
			deny: "Mode not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rules.Validate(&tt.req)
			if tt.deny == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.deny, err.Error())
			}
		})
	}
}

func TestValidateSymlinkEscape(t *testing.T) {
	rules, root := testRules(t)

	// A symlink inside the allowed tree pointing outside must be caught.
	require.NoError(t, os.MkdirAll(root+"/opt/app", 0o755))
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, root+"/opt/app/escape"))

	err := rules.Validate(&Request{Action: ActionWriteFile, Path: root + "/opt/app/escape/creds"})
	require.Error(t, err)
	assert.Equal(t, "Write path not allowed", err.Error())

	// The same leaf name under a real directory is fine.
	require.NoError(t, os.MkdirAll(root+"/opt/app/data", 0o755))
	assert.NoError(t, rules.Validate(&Request{Action: ActionWriteFile, Path: root + "/opt/app/data/creds"}))
}

func TestValidateSystemctlGate(t *testing.T) {
	rules, _ := testRules(t)

	// System service passes without registration.
	assert.NoError(t, rules.Validate(&Request{Action: ActionSystemctl, Command: "restart", Service: "caddy"}))

	// Unregistered app service is rejected.
	err := rules.Validate(&Request{Action: ActionSystemctl, Command: "start", Service: "myapp"})
	require.Error(t, err)
	assert.Equal(t, "Service not registered", err.Error())

	// A registration marker opens the gate.
	require.NoError(t, os.MkdirAll(rules.RegistryDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rules.RegistryDir, "myapp"), []byte("x"), 0o644))
	assert.NoError(t, rules.Validate(&Request{Action: ActionSystemctl, Command: "start", Service: "myapp"}))

	// A symlink marker does not.
	require.NoError(t, os.Symlink(filepath.Join(rules.RegistryDir, "myapp"), filepath.Join(rules.RegistryDir, "linked")))
	err = rules.Validate(&Request{Action: ActionSystemctl, Command: "start", Service: "linked"})
	require.Error(t, err)

	// Unknown verbs never pass.
	err = rules.Validate(&Request{Action: ActionSystemctl, Command: "mask", Service: "caddy"})
	require.Error(t, err)
	assert.Equal(t, "Systemctl action not allowed", err.Error())
}

func TestValidateRunAsUser(t *testing.T) {
	rules, _ := testRules(t)

	assert.NoError(t, rules.Validate(&Request{
		Action: ActionRunAsUser, Username: "postgres",
		Command: "/usr/bin/pg_dump", Args: []string{"--format=custom", "mydb"},
	}))

	err := rules.Validate(&Request{
		Action: ActionRunAsUser, Username: "postgres", Command: "/bin/sh",
	})
	require.Error(t, err)
	assert.Equal(t, "Command not allowed for user", err.Error())

	err = rules.Validate(&Request{
		Action: ActionRunAsUser, Username: "postgres",
		Command: "/usr/bin/pg_dump", Args: []string{"mydb; rm -rf /"},
	})
	require.Error(t, err)
	assert.Equal(t, "Argument contains unsafe characters", err.Error())
}

func TestValidateMount(t *testing.T) {
	rules, root := testRules(t)

	ok := &types.MountOptions{
		Type: "nfs", Source: "nas.local:/export/data",
		MountPoint: root + "/mnt/data",
		OptionSet:  []string{"ro", "vers=4.1", "rsize=1048576"},
	}
	assert.NoError(t, rules.Validate(&Request{Action: ActionMount, Mount: ok}))

	bad := *ok
	bad.OptionSet = []string{"ro", "exec"}
	err := rules.Validate(&Request{Action: ActionMount, Mount: &bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Mount option")

	bad = *ok
	bad.MountPoint = "/mnt/other"
	require.Error(t, rules.Validate(&Request{Action: ActionMount, Mount: &bad}))

	bad = *ok
	bad.Source = "nas.local:/export; rm -rf /"
	require.Error(t, rules.Validate(&Request{Action: ActionMount, Mount: &bad}))

	cifs := &types.MountOptions{
		Type: "cifs", Source: "//nas.local/share",
		MountPoint: root + "/mnt/share",
		OptionSet:  []string{"file_mode=0640", "dir_mode=0750", "uid=999"},
	}
	assert.NoError(t, rules.Validate(&Request{Action: ActionMount, Mount: cifs}))
}

func TestValidateMisc(t *testing.T) {
	rules, root := testRules(t)

	require.Error(t, rules.Validate(&Request{Action: "reboot"}))
	require.Error(t, rules.Validate(&Request{Action: ActionCreateServiceUser, Username: "Bad User"}))
	assert.NoError(t, rules.Validate(&Request{Action: ActionCreateServiceUser, Username: "svc_app"}))

	require.Error(t, rules.Validate(&Request{Action: ActionAptInstall, Packages: []string{"curl", "x;y"}}))
	assert.NoError(t, rules.Validate(&Request{Action: ActionAptInstall, Packages: []string{"postgresql-16"}}))

	assert.NoError(t, rules.Validate(&Request{
		Action: ActionSetCapability, Capability: "cap_net_bind_service=+ep", Path: root + "/opt/app/bin/server",
	}))
	require.Error(t, rules.Validate(&Request{
		Action: ActionSetCapability, Capability: "all=+ep", Path: root + "/opt/app/bin/server",
	}))

	assert.NoError(t, rules.Validate(&Request{Action: ActionSystemctl, Command: "daemon-reload"}))
	require.Error(t, rules.Validate(&Request{Action: ActionSystemctl, Command: "daemon-reload", Service: "caddy"}))
}
