package deployer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/PKell33/ownprem-sub002/pkg/audit"
	"github.com/PKell33/ownprem-sub002/pkg/events"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Configure pushes a changed configuration to a running deployment. The
// call is synchronous: it returns after the agent has applied the new
// files and restarted the app, or with the agent's error.
func (d *Deployer) Configure(ctx context.Context, deploymentID string, config map[string]any) (*types.Deployment, error) {
	d.deployLocks.Lock(deploymentID)
	defer d.deployLocks.Unlock(deploymentID)

	deployment, err := d.store.GetDeployment(deploymentID)
	if err != nil {
		return nil, err
	}
	manifest, err := d.store.GetManifest(deployment.AppName)
	if err != nil {
		return nil, err
	}
	if !d.hub.Connected(deployment.ServerID) {
		return nil, types.E(types.KindAgentDisconnected, "agent for server %s is not connected", deployment.ServerID)
	}

	merged := mergedAnyConfig(deployment.Config, config)
	if _, err := d.resolver.Resolve(manifest, deployment.ServerID, merged); err != nil {
		return nil, err
	}

	blob, err := d.store.GetSecret(deploymentID)
	if err != nil {
		return nil, err
	}
	secrets, err := d.secrets.OpenSecrets(blob)
	if err != nil {
		return nil, err
	}

	files, err := d.renderer.Render(manifest, mergedConfig(merged, secrets))
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "render %s", manifest.Name)
	}

	prev := deployment.Status
	if err := d.setStatus(deployment, types.StatusConfiguring, ""); err != nil {
		return nil, err
	}

	result, err := d.hub.SendCommand(ctx, deployment.ServerID, &types.Command{
		ID:      uuid.New().String(),
		Action:  types.ActionConfigure,
		AppName: deployment.AppName,
		Payload: &types.CommandPayload{
			Version: manifest.Version,
			Files:   files,
			Service: serviceName(manifest),
		},
	})
	if err == nil && result.Status != types.ResultSuccess {
		err = types.E(types.KindCommandFailed, "configure on agent failed: %s", result.Message)
	}
	if err != nil {
		d.setStatus(deployment, types.StatusError, err.Error())
		return nil, err
	}

	deployment.Config = merged
	if err := d.setStatus(deployment, prev, ""); err != nil {
		return nil, err
	}

	d.audit.Emit(audit.EventDeploymentConfigured, deployment.ServerID, deployment.AppName, nil)
	return deployment, nil
}

// Start starts a stopped deployment and re-activates its proxy routes.
func (d *Deployer) Start(ctx context.Context, deploymentID string) error {
	return d.transition(ctx, deploymentID, types.ActionStart, types.StatusRunning, true,
		audit.EventDeploymentStarted, events.EventDeploymentStarted)
}

// Stop stops a deployment and deactivates its proxy routes. Dependents
// are left running; they surface their own connection errors.
func (d *Deployer) Stop(ctx context.Context, deploymentID string) error {
	return d.transition(ctx, deploymentID, types.ActionStop, types.StatusStopped, false,
		audit.EventDeploymentStopped, events.EventDeploymentStopped)
}

// Restart restarts a deployment in place. Routes stay active.
func (d *Deployer) Restart(ctx context.Context, deploymentID string) error {
	return d.transition(ctx, deploymentID, types.ActionRestart, types.StatusRunning, true,
		audit.EventDeploymentStarted, events.EventDeploymentStarted)
}

func (d *Deployer) transition(
	ctx context.Context,
	deploymentID string,
	action types.CommandAction,
	target types.DeploymentStatus,
	routesActive bool,
	auditEvent string,
	eventType events.EventType,
) error {
	d.deployLocks.Lock(deploymentID)
	defer d.deployLocks.Unlock(deploymentID)

	deployment, err := d.store.GetDeployment(deploymentID)
	if err != nil {
		return err
	}
	if !d.hub.Connected(deployment.ServerID) {
		return types.E(types.KindAgentDisconnected, "agent for server %s is not connected", deployment.ServerID)
	}
	manifest, err := d.store.GetManifest(deployment.AppName)
	if err != nil {
		return err
	}

	result, err := d.hub.SendCommand(ctx, deployment.ServerID, &types.Command{
		ID:      uuid.New().String(),
		Action:  action,
		AppName: deployment.AppName,
		Payload: &types.CommandPayload{Service: serviceName(manifest)},
	})
	if err == nil && result.Status != types.ResultSuccess {
		err = types.E(types.KindCommandFailed, "%s on agent failed: %s", action, result.Message)
	}
	if err != nil {
		d.setStatus(deployment, types.StatusError, err.Error())
		return err
	}

	if err := d.setStatus(deployment, target, ""); err != nil {
		return err
	}
	if err := d.registry.SetRoutesActive(deploymentID, routesActive); err != nil {
		return err
	}
	d.proxy.ScheduleReload()

	d.audit.Emit(auditEvent, deployment.ServerID, deployment.AppName, nil)
	d.publish(eventType, deploymentMeta(deployment.ServerID, deployment.AppName))
	return nil
}

// Uninstall removes a deployment. Agent-side cleanup is best-effort:
// step failures are collected but do not stop teardown, so a partially
// broken host can still be cleaned up. Orchestrator state is removed in
// one cascade only after the agent finishes.
func (d *Deployer) Uninstall(ctx context.Context, deploymentID string) error {
	d.deployLocks.Lock(deploymentID)

	deployment, err := d.store.GetDeployment(deploymentID)
	if err != nil {
		d.deployLocks.Unlock(deploymentID)
		return err
	}
	manifest, err := d.store.GetManifest(deployment.AppName)
	if err != nil {
		d.deployLocks.Unlock(deploymentID)
		return err
	}
	server, err := d.store.GetServer(deployment.ServerID)
	if err != nil {
		d.deployLocks.Unlock(deploymentID)
		return err
	}

	if manifest.Mandatory && server.IsCore {
		d.deployLocks.Unlock(deploymentID)
		return types.E(types.KindValidation, "%s is mandatory on the core server and cannot be uninstalled", manifest.Name)
	}
	if !d.hub.Connected(deployment.ServerID) {
		d.deployLocks.Unlock(deploymentID)
		return types.E(types.KindAgentDisconnected, "agent for server %s is not connected", deployment.ServerID)
	}

	if err := d.setStatus(deployment, types.StatusUninstalling, ""); err != nil {
		d.deployLocks.Unlock(deploymentID)
		return err
	}

	result, err := d.hub.SendCommand(ctx, deployment.ServerID, &types.Command{
		ID:      uuid.New().String(),
		Action:  types.ActionUninstall,
		AppName: deployment.AppName,
		Payload: &types.CommandPayload{Service: serviceName(manifest)},
	})
	if err == nil && result.Status != types.ResultSuccess {
		err = types.E(types.KindCommandFailed, "uninstall on agent failed: %s", result.Message)
	}
	if err != nil {
		d.setStatus(deployment, types.StatusError, err.Error())
		d.deployLocks.Unlock(deploymentID)
		return err
	}

	if err := d.registry.UnregisterServices(deploymentID); err != nil {
		d.log.Error().Err(err).Str("deployment_id", deploymentID).Msg("Failed to unregister services")
	}
	if err := d.registry.UnregisterWebUIRoute(deploymentID); err != nil {
		d.log.Error().Err(err).Str("deployment_id", deploymentID).Msg("Failed to unregister web UI route")
	}
	if err := d.store.DeleteDeploymentCascade(deploymentID); err != nil {
		d.deployLocks.Unlock(deploymentID)
		return err
	}

	d.deployLocks.Unlock(deploymentID)
	d.deployLocks.Forget(deploymentID)

	if err := d.proxy.UpdateAndReload(ctx); err != nil {
		d.log.Error().Err(err).Msg("Proxy reload after uninstall failed")
	}

	d.audit.Emit(audit.EventDeploymentUninstalled, deployment.ServerID, deployment.AppName, nil)
	d.publish(events.EventDeploymentRemoved, deploymentMeta(deployment.ServerID, deployment.AppName))
	d.log.Info().Str("deployment_id", deploymentID).Str("app", deployment.AppName).Msg("App uninstalled")
	return nil
}

// GetDeployment returns one deployment by id.
func (d *Deployer) GetDeployment(id string) (*types.Deployment, error) {
	return d.store.GetDeployment(id)
}

// ListDeployments returns all deployments.
func (d *Deployer) ListDeployments() ([]*types.Deployment, error) {
	return d.store.ListDeployments()
}

func (d *Deployer) setStatus(deployment *types.Deployment, status types.DeploymentStatus, message string) error {
	deployment.Status = status
	deployment.StatusMessage = message
	deployment.UpdatedAt = time.Now().UTC()
	return d.store.UpdateDeployment(deployment)
}

// serviceName returns the systemd unit base name, empty for apps that
// ship no unit of their own.
func serviceName(m *types.Manifest) string {
	if m.System {
		return ""
	}
	return m.Name
}

func mergedAnyConfig(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
