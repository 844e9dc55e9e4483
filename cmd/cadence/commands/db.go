package commands

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the cadence database",
	Long: sym.DB + ` db — Manage the cadence database

Examples:
  cadence db migrate               # Apply pending migrations
  cadence db stats                 # Row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := databasePath(cfg)
		database, err := db.Open(path, logger.Logger)
		if err != nil {
			return errors.Wrapf(err, "failed to open database at %s", path)
		}
		defer database.Close()

		return runMigrate(cmd.Context(), cmd.OutOrStdout(), database)
	},
}

func runMigrate(ctx context.Context, out io.Writer, database *sql.DB) error {
	pending, err := db.Pending(ctx, database)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintf(out, "%s Database schema is up to date\n", sym.DB)
		return nil
	}
	for _, m := range pending {
		fmt.Fprintf(out, "  pending %s\n", m.Name)
	}
	n, err := db.MigrateContext(ctx, database, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "applied %d of %d migrations", n, len(pending))
	}
	fmt.Fprintf(out, "%s Applied %d migrations\n", sym.DB, n)
	return nil
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	RunE:  runDbStats,
}

// Tables reported by db stats, in schema order
var statTables = []string{
	"pulse_jobs",
	"pulse_schedulers",
	"pulse_executions",
	"mail_accounts",
	"sequences",
	"sequence_steps",
	"contacts",
	"sequence_contacts",
	"email_tracking",
	"email_events",
	"sequence_stats",
}

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (overrides database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Database statistics\n\n", sym.DB)
	for _, table := range statTables {
		var n int
		if err := database.QueryRowContext(cmd.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		fmt.Fprintf(out, "  %-28s %d\n", table, n)
	}
	return nil
}
