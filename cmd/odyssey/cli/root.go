// Package cli holds the odyssey command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-posting/internal/app"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// NewRootCommand builds the odyssey command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "odyssey",
		Short: "Procurement workflow and ledger posting service",
		Long: `odyssey runs the procurement HTTP API and offers operator commands for the
accounting event log, GL event configuration and the ledger queues.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("output", "o", formatTable, "Output format: table, json or yaml")
	root.AddCommand(newServeCommand(), newEventsCommand(), newGLConfigCommand(), newJobsCommand())
	return root
}

// withRuntime opens the shared runtime for the duration of fn.
func withRuntime(ctx context.Context, fn func(*app.Runtime) error) error {
	rt, err := app.Open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case formatTable, formatJSON, formatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

// encode writes v as json or yaml. Table output is rendered by the caller.
func encode(out io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
