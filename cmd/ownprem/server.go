package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/PKell33/ownprem-sub002/pkg/audit"
	"github.com/PKell33/ownprem-sub002/pkg/bootstrap"
	"github.com/PKell33/ownprem-sub002/pkg/config"
	"github.com/PKell33/ownprem-sub002/pkg/deployer"
	"github.com/PKell33/ownprem-sub002/pkg/events"
	"github.com/PKell33/ownprem-sub002/pkg/log"
	"github.com/PKell33/ownprem-sub002/pkg/metrics"
	"github.com/PKell33/ownprem-sub002/pkg/proxy"
	"github.com/PKell33/ownprem-sub002/pkg/registry"
	"github.com/PKell33/ownprem-sub002/pkg/resolver"
	"github.com/PKell33/ownprem-sub002/pkg/security"
	"github.com/PKell33/ownprem-sub002/pkg/session"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.ServerDefaults()
		cfg.Environment, _ = cmd.Flags().GetString("env")
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
		cfg.AppsDir, _ = cmd.Flags().GetString("apps-dir")
		cfg.SessionAddr, _ = cmd.Flags().GetString("session-addr")
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		if domain, _ := cmd.Flags().GetString("domain"); domain != "" {
			cfg.Domain = domain
		}
		if adminURL, _ := cmd.Flags().GetString("proxy-admin-url"); adminURL != "" {
			cfg.AdminURL = adminURL
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	defaults := config.ServerDefaults()
	serverCmd.Flags().String("env", defaults.Environment, "Environment (production or development)")
	serverCmd.Flags().String("data-dir", defaults.DataDir, "Orchestrator state directory")
	serverCmd.Flags().String("apps-dir", defaults.AppsDir, "App manifest and template directory")
	serverCmd.Flags().String("session-addr", defaults.SessionAddr, "Agent session listen address")
	serverCmd.Flags().String("metrics-addr", defaults.MetricsAddr, "Metrics and health listen address")
	serverCmd.Flags().String("domain", "", "Public domain served by the proxy")
	serverCmd.Flags().String("proxy-admin-url", "", "Reverse proxy admin API URL")
}

func runServer(ctx context.Context, cfg config.Server) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := log.WithComponent("server")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	metrics.SetComponent("storage", true, "")

	manifests, err := deployer.LoadManifests(cfg.AppsDir)
	if err != nil {
		return err
	}
	for _, m := range manifests {
		if err := store.PutManifest(m); err != nil {
			return err
		}
	}
	logger.Info().Int("count", len(manifests)).Msg("App manifests loaded")

	secrets, err := newSecretsManager(cfg)
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg := registry.New(store, registry.Config{TCPPortMin: cfg.TCPPortMin, TCPPortMax: cfg.TCPPortMax})
	res := resolver.New(reg)

	caRootPath := ""
	if cfg.Environment == config.EnvProduction {
		caRootPath = "/var/lib/caddy/.local/share/caddy/pki/authorities/local/root.crt"
	}
	proxyMgr := proxy.NewManager(store, broker, proxy.Config{
		AdminURL:     cfg.AdminURL,
		Domain:       cfg.Domain,
		Environment:  cfg.Environment,
		StaticUIDir:  cfg.StaticUIDir,
		DevServerURL: cfg.DevServer,
		CARootPath:   caRootPath,
	})
	defer proxyMgr.Close()

	hub := session.NewHub(store, broker, session.Config{Address: cfg.SessionAddr})
	auditor := audit.NewService(store)
	dep := deployer.New(store, hub, reg, res, proxyMgr, secrets,
		deployer.NewRenderer(cfg.AppsDir, caRootPath), auditor, broker)
	boot := bootstrap.New(store, dep, broker, 0)
	collector := metrics.NewCollector(store, hub)

	// Apply whatever routes survived the restart before anything changes.
	if err := proxyMgr.UpdateAndReload(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial proxy sync failed, continuing")
		metrics.SetComponent("proxy", false, err.Error())
	} else {
		metrics.SetComponent("proxy", true, "")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		metrics.SetComponent("sessions", true, "")
		return hub.Run(ctx)
	})
	group.Go(func() error {
		return boot.Run(ctx)
	})
	group.Go(func() error {
		return auditor.Watch(ctx, broker)
	})
	group.Go(func() error {
		collector.Run(ctx)
		return nil
	})
	group.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr)
	})

	logger.Info().
		Str("session_addr", cfg.SessionAddr).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("env", cfg.Environment).
		Msg("Orchestrator running")

	err = group.Wait()
	hub.Shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Orchestrator stopped")
	return nil
}

func newSecretsManager(cfg config.Server) (*security.SecretsManager, error) {
	if cfg.MasterKey != "" {
		return security.NewSecretsManagerFromPassword(cfg.MasterKey)
	}
	// Development only; Validate rejects a production config without a key.
	return security.NewSecretsManagerFromPassword("ownprem-development-key")
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
