package main

import (
	"github.com/spf13/cobra"

	"github.com/PKell33/ownprem-sub002/pkg/config"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
)

// Operator commands run against the state store directly; they are used
// on the orchestrator host, typically while the server is stopped or
// during initial setup.

func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return storage.NewBoltStore(dataDir)
}

func addDataDirFlag(cmds ...*cobra.Command) {
	defaults := config.ServerDefaults()
	for _, c := range cmds {
		c.Flags().String("data-dir", defaults.DataDir, "Orchestrator state directory")
	}
}
