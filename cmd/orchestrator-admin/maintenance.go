package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/target/mmk-orchestrator/internal/bootstrap"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/migrate"
	"github.com/target/mmk-orchestrator/internal/service"
)

const defaultMigrationTimeout = 5 * time.Minute

const (
	flagStatus = "status"
	flagTimeout = "timeout"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetBool(flagStatus)
			timeout, _ := cmd.Flags().GetDuration(flagTimeout)

			db, err := a.database()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if !status {
				return bootstrap.RunMigrations(ctx, db, a.logger)
			}
			migrations, err := migrate.Status(ctx, db)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tAPPLIED AT")
			for _, m := range migrations {
				applied := "pending"
				if m.Applied() {
					applied = m.AppliedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\n", m.Version, applied)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool(flagStatus, false, "List migrations and whether they are applied instead of running them")
	cmd.Flags().Duration(flagTimeout, defaultMigrationTimeout, "Overall migration timeout")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Advance in-flight jobs once by polling their providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := cmd.Flags().GetStringSlice(flagQueue)
			if err != nil {
				return fmt.Errorf("error getting queue flag: %w", err)
			}
			svc, err := a.container()
			if err != nil {
				return err
			}

			queues := svc.Sweeper.Queues()
			if len(names) > 0 {
				queues = queues[:0:0]
				for _, n := range names {
					q := model.QueueType(n)
					if !svc.Registry.Supports(q) {
						return fmt.Errorf("queue %q has no enabled provider", n)
					}
					queues = append(queues, q)
				}
			}

			results := make([]service.SweepResult, 0, len(queues))
			for _, q := range queues {
				res, err := svc.Sweeper.SweepOnce(cmd.Context(), q)
				if err != nil {
					return fmt.Errorf("sweep %s: %w", q, err)
				}
				results = append(results, res)
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringSliceP(flagQueue, "q", nil, "Queue types to sweep (default: every swept queue)")
	return cmd
}

func newReapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one reaper pass: fail stuck jobs and delete expired records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.container()
			if err != nil {
				return err
			}
			runner, err := bootstrap.NewReaperRunner(bootstrap.ReaperConfig{
				Repo:      svc.ReaperRepo,
				Callbacks: svc.Callbacks,
				Logger:    a.logger,
				Config:    a.cfg.Reaper,
				Metrics:   svc.Observability.MetricsSink,
			})
			if err != nil {
				return err
			}
			res, err := runner.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("reap: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
