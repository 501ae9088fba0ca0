package bootstrap

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/PKell33/ownprem-sub002/pkg/deployer"
	"github.com/PKell33/ownprem-sub002/pkg/events"
	"github.com/PKell33/ownprem-sub002/pkg/log"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

const defaultInterval = 10 * time.Second

// Bootstrapper installs every mandatory system app on the core server.
// It runs a polling loop so installs blocked on the core agent's first
// connect are retried until the fleet baseline is complete; an agent
// connecting wakes the loop immediately instead of waiting for the tick.
type Bootstrapper struct {
	store    storage.Store
	deployer *deployer.Deployer
	broker   *events.Broker
	interval time.Duration
	log      zerolog.Logger

	installing bool
}

// New creates a bootstrapper. interval <= 0 selects the default; a nil
// broker disables the connect wake-up and leaves only the ticker.
func New(store storage.Store, dep *deployer.Deployer, broker *events.Broker, interval time.Duration) *Bootstrapper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Bootstrapper{
		store:    store,
		deployer: dep,
		broker:   broker,
		interval: interval,
		log:      log.WithComponent("bootstrap"),
	}
}

// Run polls until every mandatory system app is deployed on the core
// server, then returns. A tick that overlaps a still-running install
// pass is skipped.
func (b *Bootstrapper) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var wake events.Subscriber
	if b.broker != nil {
		wake = b.broker.Subscribe()
		defer b.broker.Unsubscribe(wake)
	}

	for {
		done, err := b.pass(ctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("Bootstrap pass failed")
		}
		if done {
			b.log.Info().Msg("All mandatory apps deployed")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case event, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if event.Type != events.EventAgentConnected {
				continue
			}
			b.log.Debug().Str("server_id", event.Metadata["serverId"]).Msg("Agent connected, running bootstrap pass")
		}
	}
}

// pass installs missing mandatory apps and reports whether none remain.
func (b *Bootstrapper) pass(ctx context.Context) (bool, error) {
	if b.installing {
		return false, nil
	}
	b.installing = true
	defer func() { b.installing = false }()

	missing, core, err := b.missing()
	if err != nil {
		return false, err
	}
	if len(missing) == 0 {
		return true, nil
	}

	for _, m := range missing {
		b.log.Info().Str("app", m.Name).Msg("Installing mandatory app")
		if _, err := b.deployer.Install(ctx, deployer.InstallRequest{
			ServerID: core.ID,
			AppName:  m.Name,
		}); err != nil {
			// Dependencies may not be ready yet; the next tick retries
			// remaining apps.
			b.log.Warn().Err(err).Str("app", m.Name).Msg("Mandatory install failed, will retry")
		}
	}

	missing, _, err = b.missing()
	return err == nil && len(missing) == 0, err
}

// missing returns the mandatory system manifests with no deployment on
// the core server, sorted by name for a deterministic install order.
// Mandatory without the system flag is a catalog error and is skipped;
// user-facing apps are never auto-installed.
func (b *Bootstrapper) missing() ([]*types.Manifest, *types.Server, error) {
	core, err := b.store.CoreServer()
	if err != nil {
		return nil, nil, err
	}

	manifests, err := b.store.ListManifests()
	if err != nil {
		return nil, nil, err
	}
	deployments, err := b.store.ListDeploymentsByServer(core.ID)
	if err != nil {
		return nil, nil, err
	}

	deployed := make(map[string]bool, len(deployments))
	for _, d := range deployments {
		deployed[d.AppName] = true
	}

	var missing []*types.Manifest
	for _, m := range manifests {
		if m.Mandatory && m.System && !deployed[m.Name] {
			missing = append(missing, m)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Name < missing[j].Name })
	return missing, core, nil
}
