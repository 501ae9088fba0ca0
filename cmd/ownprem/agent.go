package main

import (
	"crypto/tls"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PKell33/ownprem-sub002/pkg/agent"
	"github.com/PKell33/ownprem-sub002/pkg/config"
	"github.com/PKell33/ownprem-sub002/pkg/helper"
	"github.com/PKell33/ownprem-sub002/pkg/log"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the per-host agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.AgentDefaults()
		if url, _ := cmd.Flags().GetString("orchestrator-url"); url != "" {
			cfg.OrchestratorURL = url
		}
		if id, _ := cmd.Flags().GetString("server-id"); id != "" {
			cfg.ServerID = id
		}
		if token, _ := cmd.Flags().GetString("auth-token"); token != "" {
			cfg.AuthToken = token
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		socketPath, _ := cmd.Flags().GetString("helper-socket")
		insecure, _ := cmd.Flags().GetBool("insecure")
		skipVerify, _ := cmd.Flags().GetBool("tls-skip-verify")

		devMode := cfg.Environment != config.EnvProduction
		exec := agent.NewExecutor(agent.DefaultPaths(), helper.NewClient(socketPath), devMode)

		var tlsCfg *tls.Config
		if !insecure {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipVerify}
		}

		sess := agent.NewSession(agent.SessionConfig{
			Address:  cfg.OrchestratorURL,
			ServerID: cfg.ServerID,
			Token:    cfg.AuthToken,
			TLS:      tlsCfg,
		}, exec)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := log.WithComponent("agent")
		logger.Info().
			Str("server_id", cfg.ServerID).
			Str("orchestrator", cfg.OrchestratorURL).
			Msg("Agent starting")

		go func() {
			<-ctx.Done()
			sess.Shutdown()
		}()
		return sess.Run(ctx)
	},
}

func init() {
	agentCmd.Flags().String("orchestrator-url", "", "Orchestrator session address (host:port)")
	agentCmd.Flags().String("server-id", "", "This server's id")
	agentCmd.Flags().String("auth-token", "", "Agent auth token")
	agentCmd.Flags().String("helper-socket", helper.SocketPath, "Privileged helper socket path")
	agentCmd.Flags().Bool("insecure", false, "Connect without TLS (development only)")
	agentCmd.Flags().Bool("tls-skip-verify", false, "Skip TLS certificate verification")
}
