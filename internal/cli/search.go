package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSearchCommand(opts *rootOptions) *cobra.Command {
	var (
		query string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search articles by meaning",
		Long: `Run the search_articles tool the assistant uses and print its answer.

Examples:
  scriptoriumctl search -q "how does replication work"
  scriptoriumctl search -q "backups" -k 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := opts.client().Search(cmd.Context(), query, limit)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), map[string]string{"query": query, "result": text})
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "search query (required)")
	cmd.Flags().IntVarP(&limit, "limit", "k", 0, "number of articles, 1-20 (default 5)")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}
