package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/cmd/cadence/commands"
	"github.com/teranos/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "cadence - Outreach email sequence engine",
	Long: `cadence - Outreach email sequence engine.

cadence moves contacts through multi-step email sequences: it schedules each
step inside business hours, enforces layered send limits, sends through the
user's mailbox and watches threads for bounces and replies.

Available commands:
  serve     - Run the engine (workers, schedulers, HTTP control surface)
  sequence  - Import, inspect, pause, resume and reset sequences
  jobs      - Inspect the job queue
  db        - Manage the database
  am        - Manage configuration ("I am")

Examples:
  cadence sequence import intro.yaml
  cadence serve
  cadence jobs ls --queue email-send --status failed`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am' must work with a broken config, so it keeps the defaults
		jsonOut, level := false, "info"
		if cmd.Parent() == nil || cmd.Parent().Name() != "am" {
			if cfg, err := am.Load(); err == nil {
				jsonOut, level = cfg.Log.JSON, cfg.Log.Level
			}
		}
		if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 {
			level = "debug"
		}
		if err := logger.Initialize(jsonOut, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.SequenceCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
