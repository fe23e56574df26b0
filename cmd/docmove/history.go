package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franksops/docmover/store"
)

var historyLimit int

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [JOB-ID-PREFIX]",
		Short: "Show recorded jobs",
		Long: `Show jobs recorded in the history database, most recent first. Given a
job id or a unique prefix of one, show that job in detail including every
document that failed.`,
		Example: `  docmove history
  docmove history --limit 5
  docmove history 3f2a9c`,
		Args: cobra.MaximumNArgs(1),
		RunE: historyRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of jobs to list (0 lists all)")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	path := globalCfg.History.Path
	if path == "" {
		return fmt.Errorf("job history is disabled (history.path is empty)")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs recorded.")
		return nil
	}

	st, err := store.NewBoltStore(path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		job, err := st.GetJobByPrefix(args[0])
		if err != nil {
			return err
		}
		printJob(out, job)
		return nil
	}

	jobs, err := st.ListJobs(historyLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs recorded.")
		return nil
	}

	fmt.Fprintf(out, "%-8s  %-9s  %-4s  %-10s  %-8s  %-12s  %s\n", "ID", "STATE", "OP", "COPIED", "FAILED", "STARTED", "DESTINATION")
	for _, j := range jobs {
		fmt.Fprintf(out, "%-8s  %-9s  %-4s  %-10s  %-8d  %-12s  %s\n",
			shortID(j.ID), j.State, j.Operation, humanize.IBytes(uint64(j.BytesCopied)),
			len(j.Failed), humanize.Time(j.StartedAt), j.Destination)
	}
	return nil
}

func printJob(out io.Writer, j *store.JobRecord) {
	fmt.Fprintf(out, "Job:         %s\n", j.ID)
	fmt.Fprintf(out, "Operation:   %s\n", j.Operation)
	fmt.Fprintf(out, "State:       %s\n", j.State)
	fmt.Fprintf(out, "Sources:     %s\n", strings.Join(j.Sources, "\n             "))
	fmt.Fprintf(out, "Destination: %s\n", j.Destination)
	fmt.Fprintf(out, "Progress:    %s (%s)\n", progressLine(j), j.Tracker)
	fmt.Fprintf(out, "Started:     %s\n", j.StartedAt.Format(time.RFC3339))
	if !j.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Finished:    %s (%s)\n", j.FinishedAt.Format(time.RFC3339), j.FinishedAt.Sub(j.StartedAt).Round(time.Millisecond))
	}
	if j.Error != "" {
		fmt.Fprintf(out, "Error:       %s\n", j.Error)
	}
	if len(j.Failed) > 0 {
		fmt.Fprintf(out, "Failed documents (%d):\n", len(j.Failed))
		for _, f := range j.Failed {
			fmt.Fprintf(out, "  %s: %s\n", f.URI, f.Error)
		}
	}
	if len(j.Converted) > 0 {
		fmt.Fprintf(out, "Converted documents (%d):\n", len(j.Converted))
		for _, uri := range j.Converted {
			fmt.Fprintf(out, "  %s\n", uri)
		}
	}
}

func progressLine(j *store.JobRecord) string {
	copied := humanize.IBytes(uint64(j.BytesCopied))
	if j.RequiredBytes < 0 {
		return copied
	}
	return copied + " of " + humanize.IBytes(uint64(j.RequiredBytes))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
