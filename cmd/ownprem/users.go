package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/PKell33/ownprem-sub002/pkg/security"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

var userCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage operator users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create NAME [PASSWORD]",
	Short: "Create an operator user",
	Long: `Create an operator user. When PASSWORD is omitted a random one is
generated and printed exactly once; only the bcrypt hash is stored.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		role, _ := cmd.Flags().GetString("role")
		if role != "admin" && role != "viewer" {
			return fmt.Errorf("role must be admin or viewer")
		}

		password := ""
		generated := false
		if len(args) == 2 {
			password = args[1]
		} else {
			password, err = security.GeneratePassword()
			if err != nil {
				return err
			}
			generated = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		user := &types.User{
			ID:           uuid.New().String(),
			Name:         args[0],
			PasswordHash: hash,
			Role:         role,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.CreateUser(user); err != nil {
			return err
		}

		fmt.Printf("User %s created with role %s\n", user.Name, user.Role)
		if generated {
			fmt.Printf("Password (save it now, it is not retrievable):\n%s\n", password)
		}
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operator users",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		users, err := store.ListUsers()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-20s  %-8s  %s\n", "ID", "NAME", "ROLE", "CREATED")
		for _, u := range users {
			fmt.Printf("%-36s  %-20s  %-8s  %s\n", u.ID, u.Name, u.Role, u.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)

	userCreateCmd.Flags().String("role", "admin", "Role (admin or viewer)")
	addDataDirFlag(userCreateCmd, userListCmd)
}
