package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.close()

	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		if a.logger != nil {
			a.logger.ErrorContext(ctx, "command failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		a.close()
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

// newRootCmd builds the command tree around a.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrator-admin",
		Short: "Administer the job orchestrator",
		Long: `orchestrator-admin runs maintenance tasks against the orchestrator store:
schema migrations, one-off job submission and inspection, sweeps and reaper passes.
Configuration is read from the same environment variables as the service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
	}

	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newJobsCmd(a))
	root.AddCommand(newSweepCmd(a))
	root.AddCommand(newReapCmd(a))
	return root
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
