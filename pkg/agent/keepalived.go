package agent

import (
	"context"
	"strings"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

const keepalivedConfDir = "/etc/keepalived/"

// ConfigureKeepalived writes the rendered VRRP configuration through the
// helper and restarts keepalived. Every file must target the keepalived
// config directory.
func (e *Executor) ConfigureKeepalived(ctx context.Context, files []types.ConfigFile) (string, error) {
	if len(files) == 0 {
		return "", types.E(types.KindValidation, "configureKeepalived without config files")
	}
	for _, f := range files {
		if !strings.HasPrefix(f.Path, keepalivedConfDir) {
			return "", types.E(types.KindValidation, "keepalived config %s outside %s", f.Path, keepalivedConfDir)
		}
		if err := e.WriteFile(ctx, f); err != nil {
			return "", err
		}
	}

	// Enable may fail on hosts that never ran keepalived before the
	// package install finished; the restart below reports the real state.
	if _, err := e.Systemctl(ctx, "enable", "keepalived"); err != nil {
		e.log.Warn().Err(err).Msg("Enable keepalived failed")
	}
	out, err := e.Systemctl(ctx, "restart", "keepalived")
	if err != nil {
		return "", types.Wrap(types.KindCommandFailed, err, "restart keepalived")
	}
	e.log.Info().Int("files", len(files)).Msg("Keepalived reconfigured")
	return out, nil
}

// CheckKeepalived probes the VRRP daemon. A stopped daemon is a valid
// answer, not an error.
func (e *Executor) CheckKeepalived(ctx context.Context) (map[string]string, error) {
	data := map[string]string{"active": "false"}
	out, err := e.Systemctl(ctx, "is-active", "keepalived")
	if err != nil {
		data["state"] = "inactive"
		return data, nil
	}
	data["active"] = "true"
	data["state"] = "active"
	if out != "" {
		data["state"] = out
	}
	return data, nil
}
