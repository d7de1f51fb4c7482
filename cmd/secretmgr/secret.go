package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/secretmgr/internal/coordinator"
	"github.com/forest6511/secretmgr/internal/envfile"
)

func (a *app) secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Add, read and delete secrets in a vault",
	}
	cmd.AddCommand(a.secretAddCmd(), a.secretGetCmd(), a.secretDeleteCmd())
	return cmd
}

func (a *app) secretAddCmd() *cobra.Command {
	var req coordinator.AddRequest

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a secret and record its metadata",
		Example: `  secretmgr secret add --db v.kdbx --group databases --title db-prod \
    --username admin --secret_password s3cr3t`,
		Args: cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command) error {
			if err := a.coord.Add(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Secret %s added to group %s\n", req.Title, req.Group)
			return nil
		}),
	}

	flags := cmd.Flags()
	flags.StringVar(&req.DB, "db", "", "Vault file")
	flags.StringVar(&req.Password, "password", "", "Master password (prompted when omitted)")
	flags.StringVar(&req.Group, "group", "", "Group to store the secret in, created when missing")
	flags.StringVar(&req.Title, "title", "", "Secret title")
	flags.StringVar(&req.Username, "username", "", "Username stored with the secret")
	flags.StringVar(&req.Secret, "secret_password", "", "Secret value")
	for _, name := range []string{"db", "group", "title", "username", "secret_password"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) secretGetCmd() *cobra.Command {
	var req coordinator.GetRequest

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Read a secret into the env file",
		Long: `Read a secret and write its password to the env file as SECRET_<title>.

Characters of the title outside [A-Za-z0-9_] become underscores in the key.
The password itself is never printed.`,
		Example: `  secretmgr secret get --db v.kdbx --title db-prod`,
		Args:    cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command) error {
			if _, err := a.coord.Get(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Secret %s written to %s as %s\n",
				req.Title, a.cfg.EnvFile.Path, envfile.SecretKey(req.Title))
			return nil
		}),
	}

	cmd.Flags().StringVar(&req.DB, "db", "", "Vault file")
	cmd.Flags().StringVar(&req.Password, "password", "", "Master password (prompted when omitted)")
	cmd.Flags().StringVar(&req.Title, "title", "", "Secret title")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (a *app) secretDeleteCmd() *cobra.Command {
	var req coordinator.DeleteRequest

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a secret from the vault",
		Long: `Delete the first secret with the given title from the vault.

Metadata records are kept for audit unless --purge-metadata is given.`,
		Example: `  secretmgr secret delete --db v.kdbx --delete db-prod`,
		Args:    cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command) error {
			if err := a.coord.Delete(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Secret %s deleted\n", req.Title)
			return nil
		}),
	}

	cmd.Flags().StringVar(&req.DB, "db", "", "Vault file")
	cmd.Flags().StringVar(&req.Password, "password", "", "Master password (prompted when omitted)")
	cmd.Flags().StringVar(&req.Title, "delete", "", "Title of the secret to delete")
	cmd.Flags().BoolVar(&req.PurgeMetadata, "purge-metadata", false, "Also delete the metadata records of the secret")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("delete")
	return cmd
}
