package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"scriptorium/backend/features/document"
)

func newReprocessCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <document-id>",
		Short: "Re-embed a document at manual priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := opts.client().Reprocess(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("reprocess failed: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Document %d queued for embedding.\n", id)
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show the embedding status of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := opts.client().Status(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newFailedCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List documents whose last embedding run failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := opts.client().Failed(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("listing failed documents: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), docs)
			}
			out := cmd.OutOrStdout()
			if len(docs) == 0 {
				fmt.Fprintln(out, "No failed documents.")
				return nil
			}
			for _, d := range docs {
				fmt.Fprintf(out, "%d\t%s\t%s\n", d.ID, d.Title, deref(d.RAGError))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of documents (server default 100)")
	return cmd
}

func printStatus(w io.Writer, st *document.EmbedStatus) {
	status := "never embedded"
	if st.Status != nil {
		status = *st.Status
	}
	fmt.Fprintf(w, "Document:   %d\n", st.DocumentID)
	fmt.Fprintf(w, "Status:     %s\n", status)
	if st.Error != nil {
		fmt.Fprintf(w, "Error:      %s\n", *st.Error)
	}
	if st.UpdatedAt != nil {
		fmt.Fprintf(w, "Updated:    %s\n", st.UpdatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Queued:     %t\n", st.Queued)
	fmt.Fprintf(w, "Processing: %t\n", st.Processing)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
