package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

var serverAdminCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage fleet servers",
}

var serverAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		host, _ := cmd.Flags().GetString("host")
		core, _ := cmd.Flags().GetBool("core")

		server := &types.Server{
			ID:     uuid.New().String(),
			Name:   args[0],
			Host:   host,
			IsCore: core,
		}
		if err := store.CreateServer(server); err != nil {
			return err
		}
		fmt.Printf("Server %s registered with id %s\n", server.Name, server.ID)
		fmt.Println("Issue an agent token with: ownprem tokens create --server-id " + server.ID)
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		servers, err := store.ListServers()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-20s  %-15s  %-7s  %s\n", "ID", "NAME", "HOST", "CORE", "AGENT")
		for _, s := range servers {
			fmt.Printf("%-36s  %-20s  %-15s  %-7t  %s\n", s.ID, s.Name, s.Host, s.IsCore, s.AgentStatus)
		}
		return nil
	},
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove SERVER_ID",
	Short: "Remove a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		server, err := store.GetServer(args[0])
		if err != nil {
			return err
		}
		if server.IsCore {
			return fmt.Errorf("the core server cannot be removed")
		}
		deployments, err := store.ListDeploymentsByServer(server.ID)
		if err != nil {
			return err
		}
		if len(deployments) > 0 {
			return fmt.Errorf("server %s still has %d deployments; uninstall them first", server.Name, len(deployments))
		}
		if err := store.DeleteServer(server.ID); err != nil {
			return err
		}
		fmt.Printf("Server %s removed; a still-connected agent is evicted on its next report\n", server.Name)
		return nil
	},
}

func init() {
	serverAdminCmd.AddCommand(serverAddCmd)
	serverAdminCmd.AddCommand(serverListCmd)
	serverAdminCmd.AddCommand(serverRemoveCmd)

	serverAddCmd.Flags().String("host", "", "Reachable address of the server")
	serverAddCmd.Flags().Bool("core", false, "Mark as the core server")
	addDataDirFlag(serverAddCmd, serverListCmd, serverRemoveCmd)
}
