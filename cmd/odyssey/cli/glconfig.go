package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/glconfig"
	"github.com/odyssey-erp/odyssey-posting/internal/app"
)

type configImporter interface {
	Import(ctx context.Context, configs []glconfig.Configuration) ([]int64, error)
}

func newGLConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "glconfig",
		Short: "Manage GL event configurations",
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert GL event configurations from a TOML file",
		Long: `Upsert GL event configurations from a TOML file. Each [[configuration]]
table is keyed by event code, company and optional branch. Cached
configurations of the affected companies are dropped after the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				return importConfigurations(cmd.Context(), f, nil, cmd.OutOrStdout())
			}
			return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				repo := glconfig.NewRepository(rt.Pool)
				cache := glconfig.NewCachedResolver(glconfig.NewFallbackResolver(repo), rt.Redis, rt.Config.LedgerConfigCacheTTL, rt.Logger)
				return importConfigurations(cmd.Context(), f, glconfig.NewImporter(repo, cache), cmd.OutOrStdout())
			})
		},
	}
	importCmd.Flags().Bool("dry-run", false, "Parse and validate the file without writing")

	cmd.AddCommand(importCmd)
	return cmd
}

// importConfigurations parses r and hands the result to importer. A nil
// importer only validates.
func importConfigurations(ctx context.Context, r io.Reader, importer configImporter, out io.Writer) error {
	configs, err := glconfig.ParseTOML(r)
	if err != nil {
		return err
	}
	if importer == nil {
		fmt.Fprintf(out, "%d configurations valid\n", len(configs))
		return nil
	}
	ids, err := importer.Import(ctx, configs)
	for i, id := range ids {
		fmt.Fprintf(out, "%s company=%d%s -> id %d\n", configs[i].EventCode, configs[i].CompanyID, branchLabel(configs[i].BranchID), id)
	}
	if err != nil {
		return fmt.Errorf("import stopped after %d of %d configurations: %w", len(ids), len(configs), err)
	}
	fmt.Fprintf(out, "%d configurations imported\n", len(ids))
	return nil
}

func branchLabel(branchID *int64) string {
	if branchID == nil {
		return ""
	}
	return fmt.Sprintf(" branch=%d", *branchID)
}
