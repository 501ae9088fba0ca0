package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PKell33/ownprem-sub002/pkg/helper"
	"github.com/PKell33/ownprem-sub002/pkg/log"
)

var helperCmd = &cobra.Command{
	Use:   "helper",
	Short: "Run the privileged helper daemon (root)",
	Long: `The helper executes the small closed set of root-only operations the
agent needs: service users, system paths, systemd units, mounts and
package installs. Every request is checked against layered allow-lists
before anything runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		socketPath, _ := cmd.Flags().GetString("socket")

		srv := helper.NewServer(socketPath, helper.DefaultRules())
		if err := srv.Listen(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := log.WithComponent("helper")
		logger.Info().Str("socket", socketPath).Msg("Helper listening")
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		return srv.Serve(ctx)
	},
}

func init() {
	helperCmd.Flags().String("socket", helper.SocketPath, "Unix socket path")
}
