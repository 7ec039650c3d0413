package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"callsync_backend/internal/bootstrap"
	"callsync_backend/internal/inbox"
	"callsync_backend/internal/reconcile"
	"callsync_backend/internal/scheduler"
	"callsync_backend/platform/config"
	"callsync_backend/platform/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "reconcile",
	Short:         "Run one reconciliation tier against the provider",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("enqueue", false, "hand the run to the scheduler workers instead of running it here")
	rootCmd.PersistentFlags().Bool("json", false, "print the run report as JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
}

// execute runs scope inline, or enqueues it when --enqueue is set.
func execute(cmd *cobra.Command, scope reconcile.Scope) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Env)
	ctx := cmd.Context()

	if enqueue, _ := cmd.Flags().GetBool("enqueue"); enqueue {
		client, err := scheduler.NewClient(cfg)
		if err != nil {
			return fmt.Errorf("scheduler client: %w", err)
		}
		defer func() { _ = client.Close() }()

		id, err := client.EnqueueReconcile(ctx, scope)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", scope.Job(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s as task %s.\n", scope.Job(), id)
		return nil
	}

	stores, err := bootstrap.OpenStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := inbox.NewService(stores.Inbox, log)
	runner := bootstrap.NewRunner(cfg, stores, svc, bootstrap.NewProvider(cfg, log), log)

	report, runErr := runner.Run(ctx, scope)
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(cmd, report)
	}
	return runErr
}

func printReport(cmd *cobra.Command, r reconcile.RunReport) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tRUN\tSCANNED\tDRIFTED\tENQUEUED\tDUPLICATES\tPAGES\tDONE\tSKIPPED\tELAPSED")
	fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%t\t%t\t%s\n",
		r.Job, r.RunID, r.Scanned, r.Drifted, r.Enqueued, r.Duplicates, r.Pages, r.Done, r.Skipped,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	_ = w.Flush()
}
