package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/engine"
	"github.com/mmdatafocus/vendsync/health"
	"github.com/mmdatafocus/vendsync/internal/bootstrap"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "vendsync-ctl",
		Short:         "Operate the vending inventory sync engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(syncLogCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withEngine connects using the environment and runs fn with the engine.
func withEngine(cmd *cobra.Command, migrate bool, fn func(ctx context.Context, e *engine.Engine) error) error {
	settings, err := config.LoadSyncSettings()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, closeAll, err := bootstrap.Connect(ctx, config.NewLogger(), settings, bootstrap.Options{Migrate: migrate})
	defer closeAll()
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the sync tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, true, func(ctx context.Context, e *engine.Engine) error {
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var businessId string
	var all bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the batch reconciliation for one business or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if businessId == "" && !all {
				return fmt.Errorf("either --business or --all is required")
			}
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				if all {
					summaries, err := e.Scheduler.RunAll(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, summaries)
				}
				summary, err := e.Scheduler.RunDailyBatchSync(ctx, businessId)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
	cmd.Flags().StringVarP(&businessId, "business", "b", "", "Business id")
	cmd.Flags().BoolVar(&all, "all", false, "Reconcile every business with catalog items")
	return cmd
}

func suggestCmd() *cobra.Command {
	var businessId string
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "List mapping suggestions for unmapped items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Suggest.Suggest(ctx, businessId)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVarP(&businessId, "business", "b", "", "Business id")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

func healthCmd() *cobra.Command {
	var businessId, xlsxPath string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print the sync health report, optionally exporting it as xlsx",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Health.Report(ctx, businessId)
				if err != nil {
					return err
				}
				if xlsxPath == "" {
					return printJSON(cmd, report)
				}
				f, err := os.Create(xlsxPath)
				if err != nil {
					return err
				}
				if err := health.ExportXLSX(report, f); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, written to %s\n", businessId, report.Label, xlsxPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&businessId, "business", "b", "", "Business id")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Write the report to this xlsx file")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}
