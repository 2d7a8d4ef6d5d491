package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/logging"
)

// offlineRuntime builds the compiler stack without listeners and with logs
// limited to errors, for the document tooling commands.
func offlineRuntime(cmd *cobra.Command) (*runtimeDeps, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(logging.Config{Level: "error", Format: "text", Output: cmd.ErrOrStderr()})
	return buildRuntime(cfg, logger)
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>...",
		Short: "Compile aggregation documents and report errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := offlineRuntime(cmd)
			if err != nil {
				return err
			}
			defer deps.builtins.Close()

			out := cmd.OutOrStdout()
			failed := 0
			for _, file := range args {
				if err := checkFile(cmd.Context(), deps, file); err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s\n  %v\n", file, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s\n", file)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
}

func checkFile(ctx context.Context, deps *runtimeDeps, file string) error {
	// #nosec G304 -- paths come from the operator's command line
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	docs, err := config.ParseDocuments(data)
	if err != nil {
		return err
	}
	var errs []error
	for _, doc := range docs {
		if _, err := deps.registry.Compile(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the configs a document directory would publish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return fmt.Errorf("failed to get dir flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			deps, err := offlineRuntime(cmd)
			if err != nil {
				return err
			}
			defer deps.builtins.Close()

			provider, err := config.NewDirectoryProvider(dir, slog.Default())
			if err != nil {
				return err
			}
			docs, err := provider.Load()
			if err != nil {
				return err
			}
			if err := deps.registry.ReplaceAll(cmd.Context(), docs); err != nil {
				return err
			}

			configs := deps.registry.List()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(configs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSERVICE\tMETHOD\tPATH\tVERSION")
			for _, c := range configs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Service, c.Method, c.Path, c.Version)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringP("dir", "d", ".", "Directory of aggregation documents")
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}
