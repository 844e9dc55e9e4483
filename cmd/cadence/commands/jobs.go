package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/sym"
)

// JobsCmd inspects the job queue
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect queued and finished jobs",
	Long: sym.Pulse + ` jobs — Inspect the job queue

Examples:
  cadence jobs ls                          # Most recent jobs across every queue
  cadence jobs ls --queue email-send --status failed
  cadence jobs show <job-id>               # Full job record as JSON
  cadence jobs queues                      # Per-queue counts`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsQueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show per-queue job counts",
	RunE:  runJobsQueues,
}

var (
	jobsQueueFlag  string
	jobsStatusFlag string
	jobsLimitFlag  int
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsQueueFlag, "queue", "", "Only jobs on this queue")
	jobsLsCmd.Flags().StringVar(&jobsStatusFlag, "status", "", "Only jobs with this status (queued, running, completed, failed, cancelled)")
	jobsLsCmd.Flags().IntVar(&jobsLimitFlag, "limit", 20, "Maximum jobs to list")
	JobsCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (overrides database.path)")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsQueuesCmd)
}

// openQueue opens the configured queue namespace for read-only inspection
func openQueue() (*async.Queue, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return async.NewQueue(database, cfg.Pulse.QueuePrefix, clock.Real()), func() { database.Close() }, nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	var status *async.JobStatus
	if jobsStatusFlag != "" {
		if !async.IsValidStatus(jobsStatusFlag) {
			return errors.Newf("unknown job status %q", jobsStatusFlag)
		}
		status = util.Ptr(async.JobStatus(jobsStatusFlag))
	}

	q, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	list, err := q.ListJobs(cmd.Context(), jobsQueueFlag, status, jobsLimitFlag)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	if len(list) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}
	return renderJobs(cmd.OutOrStdout(), list)
}

func renderJobs(out io.Writer, list []*async.Job) error {
	data := pterm.TableData{{"ID", "QUEUE", "STATUS", "ATTEMPTS", "RUN AT", "SOURCE", "ERROR"}}
	for _, j := range list {
		data = append(data, []string{
			shortID(j.ID),
			j.Queue,
			colorStatus(j.Status),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			j.RunAt.Local().Format(time.DateTime),
			j.Source,
			truncate(j.Error, 60),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	q, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := q.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runJobsQueues(cmd *cobra.Command, args []string) error {
	q, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := q.Stats(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "failed to read queue counts")
	}
	return renderQueueCounts(cmd.OutOrStdout(), stats)
}

func renderQueueCounts(out io.Writer, stats map[string]*async.QueueCounts) error {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	data := pterm.TableData{{"QUEUE", "QUEUED", "DELAYED", "RUNNING", "COMPLETED", "FAILED", "CANCELLED"}}
	for _, name := range names {
		c := stats[name]
		data = append(data, []string{
			name,
			strconv.Itoa(c.Queued),
			strconv.Itoa(c.Delayed),
			strconv.Itoa(c.Running),
			strconv.Itoa(c.Completed),
			strconv.Itoa(c.Failed),
			strconv.Itoa(c.Cancelled),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func colorStatus(s async.JobStatus) string {
	switch s {
	case async.JobStatusCompleted:
		return pterm.Green(string(s))
	case async.JobStatusFailed:
		return pterm.Red(string(s))
	case async.JobStatusRunning:
		return pterm.LightCyan(string(s))
	case async.JobStatusCancelled:
		return pterm.Gray(string(s))
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
