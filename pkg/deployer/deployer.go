package deployer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PKell33/ownprem-sub002/pkg/audit"
	"github.com/PKell33/ownprem-sub002/pkg/events"
	"github.com/PKell33/ownprem-sub002/pkg/log"
	"github.com/PKell33/ownprem-sub002/pkg/mutex"
	"github.com/PKell33/ownprem-sub002/pkg/registry"
	"github.com/PKell33/ownprem-sub002/pkg/resolver"
	"github.com/PKell33/ownprem-sub002/pkg/security"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Commander dispatches commands to connected agents.
type Commander interface {
	Connected(serverID string) bool
	SendCommand(ctx context.Context, serverID string, cmd *types.Command) (*types.CommandResult, error)
}

// ProxyReloader pushes route changes to the reverse proxy.
type ProxyReloader interface {
	UpdateAndReload(ctx context.Context) error
	ScheduleReload()
}

// Deployer executes deployment lifecycle operations transactionally:
// every install step pushes a compensation, and any failure unwinds the
// stack in reverse. All state-changing operations serialize per server.
type Deployer struct {
	store    storage.Store
	hub      Commander
	registry *registry.Registry
	resolver *resolver.Resolver
	proxy    ProxyReloader
	secrets  *security.SecretsManager
	renderer *Renderer
	audit    *audit.Service
	broker   *events.Broker
	log      zerolog.Logger

	serverLocks *mutex.Keyed
	deployLocks *mutex.Keyed
}

// New creates a deployer. broker may be nil.
func New(
	store storage.Store,
	hub Commander,
	reg *registry.Registry,
	res *resolver.Resolver,
	proxy ProxyReloader,
	secrets *security.SecretsManager,
	renderer *Renderer,
	auditSvc *audit.Service,
	broker *events.Broker,
) *Deployer {
	return &Deployer{
		store:       store,
		hub:         hub,
		registry:    reg,
		resolver:    res,
		proxy:       proxy,
		secrets:     secrets,
		renderer:    renderer,
		audit:       auditSvc,
		broker:      broker,
		log:         log.WithComponent("deployer"),
		serverLocks: mutex.NewKeyed(),
		deployLocks: mutex.NewKeyed(),
	}
}

// InstallRequest names what to install where.
type InstallRequest struct {
	ServerID string
	AppName  string
	Config   map[string]any
}

// Install places an app on a server. The step chain (pre-checks, secret
// generation, row+secrets transaction, rendering, agent install,
// service/route registration, proxy reload, audit) unwinds through the
// compensation stack on any failure and returns the original error.
func (d *Deployer) Install(ctx context.Context, req InstallRequest) (*types.Deployment, error) {
	d.serverLocks.Lock(req.ServerID)
	defer d.serverLocks.Unlock(req.ServerID)

	server, err := d.store.GetServer(req.ServerID)
	if err != nil {
		return nil, err
	}
	manifest, err := d.store.GetManifest(req.AppName)
	if err != nil {
		return nil, err
	}

	if err := d.preChecks(server, manifest); err != nil {
		return nil, err
	}

	resolved, err := d.resolver.Resolve(manifest, req.ServerID, req.Config)
	if err != nil {
		return nil, err
	}

	secretValues, err := generateSecrets(manifest, resolved)
	if err != nil {
		return nil, err
	}

	comps := &compensations{}
	deployment, err := d.installSteps(ctx, server, manifest, resolved, secretValues, comps)
	if err != nil {
		d.log.Error().Err(err).Str("server_id", req.ServerID).Str("app", req.AppName).
			Msg("Install failed, compensating")
		comps.run(d.log)
		d.audit.Emit(audit.EventDeploymentFailed, req.ServerID, req.AppName, map[string]string{"error": err.Error()})
		d.publish(events.EventDeploymentFailed, deploymentMeta(req.ServerID, req.AppName))
		return nil, err
	}
	return deployment, nil
}

func (d *Deployer) preChecks(server *types.Server, m *types.Manifest) error {
	if !d.hub.Connected(server.ID) {
		return types.E(types.KindAgentDisconnected, "agent for server %s is not connected", server.ID)
	}

	if existing, err := d.store.GetDeploymentByServerApp(server.ID, m.Name); err == nil && existing != nil {
		return types.E(types.KindConflict, "%s is already deployed on server %s", m.Name, server.Name)
	}

	deployments, err := d.store.ListDeployments()
	if err != nil {
		return err
	}

	if m.Singleton {
		for _, other := range deployments {
			if other.AppName == m.Name {
				occupying := other.ServerID
				if s, err := d.store.GetServer(other.ServerID); err == nil {
					occupying = s.Name
				}
				return types.E(types.KindConflict, "%s is a singleton and already runs on server %s", m.Name, occupying)
			}
		}
	}

	for _, conflict := range m.Conflicts {
		for _, other := range deployments {
			if other.ServerID == server.ID && other.AppName == conflict {
				return types.E(types.KindConflict, "%s conflicts with %s already deployed on this server", m.Name, conflict)
			}
		}
	}

	res := d.resolver.Validate(m, server.ID)
	if !res.Valid {
		return types.E(types.KindValidation, "dependency validation failed: %s", strings.Join(res.Errors, "; "))
	}
	for _, warning := range res.Warnings {
		d.log.Warn().Str("app", m.Name).Str("server_id", server.ID).Msg(warning)
	}
	return nil
}

func (d *Deployer) installSteps(
	ctx context.Context,
	server *types.Server,
	m *types.Manifest,
	resolved map[string]any,
	secretValues map[string]string,
	comps *compensations,
) (*types.Deployment, error) {
	now := time.Now().UTC()
	deployment := &types.Deployment{
		ID:          uuid.New().String(),
		ServerID:    server.ID,
		AppName:     m.Name,
		Version:     m.Version,
		Config:      resolved,
		Status:      types.StatusInstalling,
		InstalledAt: now,
		UpdatedAt:   now,
	}

	blob, err := d.secrets.SealSecrets(deployment.ID, secretValues)
	if err != nil {
		return nil, err
	}
	if err := d.store.CreateDeployment(deployment, blob); err != nil {
		return nil, err
	}
	comps.push("delete deployment row and secrets", func() error {
		return d.store.DeleteDeploymentCascade(deployment.ID)
	})

	renderConfig := mergedConfig(resolved, secretValues)
	files, err := d.renderer.Render(m, renderConfig)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "render %s", m.Name)
	}

	payload := buildPayload(m, files, renderConfig)
	result, err := d.hub.SendCommand(ctx, server.ID, &types.Command{
		ID:      uuid.New().String(),
		Action:  types.ActionInstall,
		AppName: m.Name,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	if result.Status != types.ResultSuccess {
		return nil, types.E(types.KindCommandFailed, "install on agent failed: %s", result.Message)
	}

	for _, svc := range m.Provides {
		record, err := d.registry.RegisterService(deployment.ID, svc.Name, server.ID, svc.Port)
		if err != nil {
			return nil, err
		}
		if _, err := d.registry.RegisterServiceRoute(record, svc.Protocol); err != nil {
			return nil, err
		}
	}
	if len(m.Provides) > 0 {
		comps.push("unregister services and routes", func() error {
			return d.registry.UnregisterServices(deployment.ID)
		})
	}

	if m.WebUI != nil && m.WebUI.Enabled {
		if _, err := d.registry.RegisterWebUIRoute(deployment, m.WebUI); err != nil {
			return nil, err
		}
		comps.push("unregister web UI route", func() error {
			return d.registry.UnregisterWebUIRoute(deployment.ID)
		})
	}

	if err := d.proxy.UpdateAndReload(ctx); err != nil {
		return nil, err
	}

	deployment.Status = types.StatusRunning
	deployment.UpdatedAt = time.Now().UTC()
	if err := d.store.UpdateDeployment(deployment); err != nil {
		return nil, err
	}

	d.audit.Emit(audit.EventDeploymentInstalled, server.ID, m.Name, map[string]string{"version": m.Version})
	d.publish(events.EventDeploymentInstalled, deploymentMeta(server.ID, m.Name))
	d.log.Info().Str("deployment_id", deployment.ID).Str("app", m.Name).Str("server_id", server.ID).
		Msg("App deployed")

	if m.Category == "proxy" {
		d.registerHA(ctx, server.ID, m, renderConfig)
	}
	return deployment, nil
}

// registerHA pushes the proxy app's VRRP configuration to the host so it
// joins the failover pair. Best effort: a host without keepalived still
// serves traffic, it just cannot take over the virtual IP.
func (d *Deployer) registerHA(ctx context.Context, serverID string, m *types.Manifest, config map[string]any) {
	files, err := d.renderer.RenderKeepalived(m, config)
	if err != nil {
		d.log.Warn().Err(err).Str("app", m.Name).Msg("Keepalived config render failed")
		return
	}
	if len(files) == 0 {
		return
	}

	result, err := d.hub.SendCommand(ctx, serverID, &types.Command{
		ID:      uuid.New().String(),
		Action:  types.ActionConfigureKeepalive,
		AppName: m.Name,
		Payload: &types.CommandPayload{Files: files},
	})
	if err != nil {
		d.log.Warn().Err(err).Str("server_id", serverID).Msg("Keepalived registration failed")
		return
	}
	if result.Status != types.ResultSuccess {
		d.log.Warn().Str("server_id", serverID).Str("message", result.Message).
			Msg("Keepalived registration rejected by agent")
		return
	}
	d.log.Info().Str("server_id", serverID).Msg("Host registered with the failover pair")
}

// CheckHA asks a host whether its VRRP daemon is active.
func (d *Deployer) CheckHA(ctx context.Context, serverID string) (map[string]string, error) {
	if !d.hub.Connected(serverID) {
		return nil, types.E(types.KindAgentDisconnected, "agent for server %s is not connected", serverID)
	}
	result, err := d.hub.SendCommand(ctx, serverID, &types.Command{
		ID:     uuid.New().String(),
		Action: types.ActionCheckKeepalive,
	})
	if err != nil {
		return nil, err
	}
	if result.Status != types.ResultSuccess {
		return nil, types.E(types.KindCommandFailed, "keepalived check failed: %s", result.Message)
	}
	return result.Data, nil
}

// generateSecrets fills every generated+secret schema field: passwords
// for password-looking fields, stem-plus-digits usernames for
// user-looking fields, a short secret otherwise. Values never land in
// the deployment row, only in the sealed blob.
func generateSecrets(m *types.Manifest, resolved map[string]any) (map[string]string, error) {
	secrets := make(map[string]string)
	for _, field := range m.ConfigSchema {
		if !field.Generated || !field.Secret {
			continue
		}
		if _, exists := resolved[field.Name]; exists {
			continue
		}

		var (
			value string
			err   error
		)
		switch {
		case security.LooksLikeUserField(field.Name):
			value, err = security.GenerateUsername(m.Name)
		case security.LooksLikePasswordField(field.Name):
			value, err = security.GeneratePassword()
		default:
			value, err = security.GenerateSecret()
		}
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "generate secret for field %s", field.Name)
		}
		secrets[field.Name] = value
	}
	return secrets, nil
}

func mergedConfig(resolved map[string]any, secrets map[string]string) map[string]any {
	merged := make(map[string]any, len(resolved)+len(secrets))
	for k, v := range resolved {
		merged[k] = v
	}
	for k, v := range secrets {
		merged[k] = v
	}
	return merged
}

func buildPayload(m *types.Manifest, files []types.ConfigFile, config map[string]any) *types.CommandPayload {
	env := make(map[string]string, len(config))
	for k, v := range config {
		env[strings.ToUpper(k)] = fmt.Sprint(v)
	}

	service := ""
	if hasUnitFile(files, m.Name) {
		service = m.Name
	}

	return &types.CommandPayload{
		Version:      m.Version,
		Files:        files,
		Env:          env,
		Service:      service,
		ServiceUser:  m.ServiceUser,
		ServiceGroup: m.ServiceGroup,
		DataDirs:     dataDirs(m),
		Caps:         capabilities(m),
	}
}

func hasUnitFile(files []types.ConfigFile, app string) bool {
	unit := "/etc/systemd/system/" + app + ".service"
	for _, f := range files {
		if f.Path == unit {
			return true
		}
	}
	return false
}

func dataDirs(m *types.Manifest) []string {
	if len(m.DataDirectories) > 0 {
		return m.DataDirectories
	}
	return []string{dataRoot + "/" + m.Name}
}

// capabilities maps manifest capability strings onto the binary the
// unit runs, conventionally <appDir>/bin/<app>.
func capabilities(m *types.Manifest) []string {
	caps := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		caps = append(caps, c+" "+appRoot+"/"+m.Name+"/bin/"+m.Name)
	}
	return caps
}

func deploymentMeta(serverID, app string) map[string]string {
	return map[string]string{"serverId": serverID, "app": app}
}

func (d *Deployer) publish(typ events.EventType, meta map[string]string) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{Type: typ, Metadata: meta})
}
