package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PKell33/ownprem-sub002/pkg/security"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

var tokenCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage agent tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an agent token for a server",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		serverID, _ := cmd.Flags().GetString("server-id")
		if _, err := store.GetServer(serverID); err != nil {
			return err
		}

		token, err := security.GenerateAgentToken()
		if err != nil {
			return err
		}
		rec := &types.AgentToken{
			ID:        uuid.New().String(),
			ServerID:  serverID,
			TokenHash: security.HashToken(token),
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateAgentToken(rec); err != nil {
			return err
		}

		// The token is shown exactly once; only its hash is stored.
		fmt.Printf("Token id: %s\n", rec.ID)
		fmt.Printf("Agent token (save it now, it is not retrievable):\n%s\n", token)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		tokens, err := store.ListAgentTokens()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-36s  %-25s  %s\n", "ID", "SERVER", "CREATED", "STATUS")
		for _, t := range tokens {
			status := "active"
			if t.Revoked() {
				status = "revoked " + t.RevokedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s  %-36s  %-25s  %s\n", t.ID, t.ServerID, t.CreatedAt.Format(time.RFC3339), status)
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_ID",
	Short: "Revoke an agent token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		token, err := store.GetAgentToken(args[0])
		if err != nil {
			return err
		}
		if token.Revoked() {
			fmt.Println("Token already revoked")
			return nil
		}
		token.RevokedAt = time.Now().UTC()
		if err := store.UpdateAgentToken(token); err != nil {
			return err
		}
		fmt.Printf("Token %s revoked; the agent's next reconnect will be rejected\n", token.ID)
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)

	tokenCreateCmd.Flags().String("server-id", "", "Server the token authenticates")
	tokenCreateCmd.MarkFlagRequired("server-id")
	addDataDirFlag(tokenCreateCmd, tokenListCmd, tokenRevokeCmd)
}
