package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/recovery"
	"github.com/teranos/cadence/sequence"
	"github.com/teranos/cadence/sym"
)

// SequenceCmd manages sequences from the command line
var SequenceCmd = &cobra.Command{
	Use:     "sequence",
	Aliases: []string{"seq"},
	Short:   sym.Mail + " Manage outreach sequences",
	Long: sym.Mail + ` sequence — Manage outreach sequences

Examples:
  cadence sequence import intro.yaml   # Create a sequence and enroll its contacts
  cadence sequence ls                  # List sequences
  cadence sequence stats seq-1         # Sent, bounced, replied, failed, completed
  cadence sequence pause seq-1
  cadence sequence resume seq-1
  cadence sequence reset seq-1         # Cancel pending jobs and restart every contact
  cadence sequence opt-out seq-1 c-1   # Stop all further sends to one contact`,
}

var seqImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a sequence definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeqImport,
}

var seqLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sequences",
	RunE:  runSeqLs,
}

var seqStatsCmd = &cobra.Command{
	Use:   "stats <sequence-id>",
	Short: "Show delivery counters for a sequence",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeqStats,
}

var seqPauseCmd = &cobra.Command{
	Use:   "pause <sequence-id>",
	Short: "Pause a sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(d *dispatch.Dispatcher, _ *sequence.Store) error {
			if err := d.Pause(cmd.Context(), args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("Paused %s", args[0])
			return nil
		})
	},
}

var seqResumeCmd = &cobra.Command{
	Use:   "resume <sequence-id>",
	Short: "Resume a paused sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(d *dispatch.Dispatcher, _ *sequence.Store) error {
			if err := d.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("Resumed %s", args[0])
			return nil
		})
	},
}

var seqResetCmd = &cobra.Command{
	Use:   "reset <sequence-id>",
	Short: "Cancel pending jobs and return every contact to NOT_STARTED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(d *dispatch.Dispatcher, _ *sequence.Store) error {
			res, err := d.ResetSequence(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Reset %s: %d contacts restarted, %d pending jobs cancelled",
				args[0], res.Contacts, res.CancelledJobs)
			return nil
		})
	},
}

var seqOptOutCmd = &cobra.Command{
	Use:   "opt-out <sequence-id> <contact-id>",
	Short: "Stop all further sends to a contact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(d *dispatch.Dispatcher, _ *sequence.Store) error {
			changed, err := d.OptOut(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !changed {
				pterm.Info.Printfln("%s had already left %s", args[1], args[0])
				return nil
			}
			pterm.Success.Printfln("Opted %s out of %s", args[1], args[0])
			return nil
		})
	},
}

var seqJSONFlag bool

func init() {
	SequenceCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (overrides database.path)")
	seqStatsCmd.Flags().BoolVarP(&seqJSONFlag, "json", "j", false, "Output stats as JSON")

	SequenceCmd.AddCommand(seqImportCmd)
	SequenceCmd.AddCommand(seqLsCmd)
	SequenceCmd.AddCommand(seqStatsCmd)
	SequenceCmd.AddCommand(seqPauseCmd)
	SequenceCmd.AddCommand(seqResumeCmd)
	SequenceCmd.AddCommand(seqResetCmd)
	SequenceCmd.AddCommand(seqOptOutCmd)
}

// withAdmin opens the database and runs fn with a dispatcher on the
// configured queue namespace, so resets cancel the engine's pending jobs.
func withAdmin(fn func(*dispatch.Dispatcher, *sequence.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	d, store := newAdmin(cfg, database)
	return fn(d, store)
}

func newAdmin(cfg *am.Config, database *sql.DB) (*dispatch.Dispatcher, *sequence.Store) {
	clk := clock.Real()
	store := sequence.NewStore(sqlx.NewDb(database, "sqlite3"), clk)
	q := async.NewQueue(database, cfg.Pulse.QueuePrefix, clk)
	enq := jobs.NewEnqueuer(q, recovery.PolicyFrom(cfg.Retry).EnqueueOptions())
	// Admin commands never send, so limits held in memory are never consulted
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clk), ratelimit.LimitsFromConfig(cfg.Limits), true, logger.Logger)
	return dispatch.New(store, enq, limiter, dispatch.ConfigFrom(cfg), clk, logger.Logger), store
}

func runSeqImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", args[0])
	}
	defer f.Close()

	return withAdmin(func(_ *dispatch.Dispatcher, store *sequence.Store) error {
		res, err := store.ImportYAML(cmd.Context(), f)
		if err != nil {
			return errors.Wrapf(err, "failed to import %s", args[0])
		}
		pterm.Success.Printfln("Imported %s (%s): %d steps, %d contacts, %d enrolled",
			res.Sequence.ID, res.Sequence.Name, len(res.Sequence.Steps), res.Contacts, res.Enrolled)
		if res.Sequence.Status != sequence.StatusActive {
			pterm.Info.Printfln("Sequence is %s; run 'cadence sequence resume %s' to start sending",
				res.Sequence.Status, res.Sequence.ID)
		}
		return nil
	})
}

func runSeqLs(cmd *cobra.Command, args []string) error {
	return withAdmin(func(_ *dispatch.Dispatcher, store *sequence.Store) error {
		list, err := store.ListSequences(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			pterm.Info.Println("No sequences")
			return nil
		}
		return renderSequences(cmd.OutOrStdout(), list)
	})
}

func renderSequences(out io.Writer, list []*sequence.Sequence) error {
	data := pterm.TableData{{"ID", "NAME", "USER", "STATUS", "UPDATED"}}
	for _, s := range list {
		data = append(data, []string{s.ID, s.Name, s.UserID, string(s.Status), s.UpdatedAt.Local().Format("2006-01-02 15:04")})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func runSeqStats(cmd *cobra.Command, args []string) error {
	return withAdmin(func(_ *dispatch.Dispatcher, store *sequence.Store) error {
		if _, err := store.GetSequence(cmd.Context(), args[0]); err != nil {
			return err
		}
		st, err := store.GetStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if seqJSONFlag {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to marshal stats")
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(pterm.TableData{
			{"SENT", "BOUNCED", "REPLIED", "FAILED", "COMPLETED"},
			{strconv.Itoa(st.Sent), strconv.Itoa(st.Bounced), strconv.Itoa(st.Replied), strconv.Itoa(st.Failed), strconv.Itoa(st.Completed)},
		}).Render()
	})
}
