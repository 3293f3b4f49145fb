package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show queued and running embedding tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client().Queue(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue failed: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), snap)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Processing: %v\n", snap.ProcessingTasks)
			if len(snap.QueuedTasks) == 0 {
				fmt.Fprintln(out, "Queue is empty.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOCUMENT\tPRIORITY\tENQUEUED\tATTEMPTS\tDEFERRED")
			for _, q := range snap.QueuedTasks {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%t\n", q.DocumentID, q.Priority, q.EnqueuedAt.Format("15:04:05"), q.Attempts, q.Deferred)
			}
			return tw.Flush()
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters and documents per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats failed: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}

			out := cmd.OutOrStdout()
			q := st.Queue
			fmt.Fprintf(out, "Queued: %d  Processing: %d  Concurrency: %d\n", q.Queued, q.Processing, q.Concurrency)
			fmt.Fprintf(out, "Completed: %d  Failed: %d\n", q.Completed, q.Failed)
			if st.Chunks != nil {
				fmt.Fprintf(out, "Chunks: %d\n", *st.Chunks)
			} else {
				fmt.Fprintln(out, "Chunks: unavailable")
			}

			statuses := make([]string, 0, len(st.Documents))
			for s := range st.Documents {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(out, "  %-10s %d\n", s, st.Documents[s])
			}
			return nil
		},
	}
}
