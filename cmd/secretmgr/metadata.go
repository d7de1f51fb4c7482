package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/secretmgr/internal/coordinator"
	"github.com/forest6511/secretmgr/internal/metadata"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func (a *app) metadataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Query and prune the metadata store",
	}
	cmd.AddCommand(a.metadataGetCmd(), a.metadataDeleteCmd())
	return cmd
}

func (a *app) metadataGetCmd() *cobra.Command {
	var (
		db, query, output string
		params            []string
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Run a read-only query against a metadata store",
		Long: `Run a read-only SQL query against a metadata store and print the rows.

Positional ? placeholders are bound to --param values in order. The store is
opened read-only, so statements that modify it fail.`,
		Example: `  secretmgr metadata get --db metadata.db --query "SELECT name FROM secrets WHERE name=?" --param db-prod
  secretmgr metadata get --db metadata.db --query "SELECT * FROM secrets" --output json`,
		Args: cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command) error {
			output = strings.ToLower(output)
			if output != outputTable && output != outputJSON && output != outputYAML {
				return fmt.Errorf("%w: invalid output format %q (must be table, json or yaml)",
					coordinator.ErrInvalidRequest, output)
			}

			rs, err := a.coord.QueryMetadata(cmd.Context(), coordinator.MetadataQuery{
				DB: db, Query: query, Args: toArgs(params),
			})
			if err != nil {
				return err
			}
			return writeResultSet(a.stdout, rs, output)
		}),
	}

	flags := cmd.Flags()
	flags.StringVar(&db, "db", "", "Metadata store")
	flags.StringVar(&query, "query", "", "SQL query")
	flags.StringArrayVar(&params, "param", nil, "Query parameter (repeatable, bound in order)")
	flags.StringVarP(&output, "output", "o", outputTable, "Output format: table, json, yaml")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func (a *app) metadataDeleteCmd() *cobra.Command {
	var (
		db, query string
		params    []string
	)

	cmd := &cobra.Command{
		Use:     "delete",
		Short:   "Run a DELETE statement against a metadata store",
		Example: `  secretmgr metadata delete --db metadata.db --query "DELETE FROM secrets WHERE name=?" --param db-prod`,
		Args:    cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command) error {
			n, err := a.coord.DeleteMetadata(cmd.Context(), coordinator.MetadataQuery{
				DB: db, Query: query, Args: toArgs(params),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Rows deleted: %d\n", n)
			return nil
		}),
	}

	flags := cmd.Flags()
	flags.StringVar(&db, "db", "", "Metadata store")
	flags.StringVar(&query, "query", "", "DELETE statement")
	flags.StringArrayVar(&params, "param", nil, "Query parameter (repeatable, bound in order)")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func toArgs(params []string) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	return args
}

func writeResultSet(w io.Writer, rs *metadata.ResultSet, format string) error {
	switch format {
	case outputJSON:
		data, err := json.MarshalIndent(rs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case outputYAML:
		data, err := yaml.Marshal(rs)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return writeTable(w, rs)
	}
}

func writeTable(w io.Writer, rs *metadata.ResultSet) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(rs.Columns, "\t"))
	for _, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", rs.Len())
	return err
}

func formatCell(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(v)
}
