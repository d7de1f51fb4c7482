package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/secretmgr/internal/coordinator"
)

func (a *app) vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Vault file operations",
	}
	cmd.AddCommand(a.vaultCreateCmd())
	return cmd
}

func (a *app) vaultCreateCmd() *cobra.Command {
	var req coordinator.CreateVaultRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new empty vault file",
		Long: `Create a new vault file protected by a master password.

When --password is omitted the password is prompted for twice.`,
		Example: `  secretmgr vault create --db v.kdbx`,
		Args:    cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command) error {
			if err := a.coord.CreateVault(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Vault created at %s\n", req.DB)
			return nil
		}),
	}

	cmd.Flags().StringVar(&req.DB, "db", "", "Vault file to create")
	cmd.Flags().StringVar(&req.Password, "password", "", "Master password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}
