package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8081"

type rootOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

// NewRootCommand builds the scriptoriumctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "scriptoriumctl",
		Short: "Operate the article embedding service",
		Long: `scriptoriumctl inspects and drives the embedding queue of a running
embedding service, and runs article searches the way the assistant does.

Example usage:
  scriptoriumctl status 42                 # Embedding status of one article
  scriptoriumctl reprocess 42              # Force a re-embed at manual priority
  scriptoriumctl search -q "vector index"  # Search articles
  scriptoriumctl publish upsert 42         # Emit a document.changed event`,
		SilenceUsage: true,
	}

	server := os.Getenv("SCRIPTORIUM_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "embedding service base URL (env SCRIPTORIUM_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output as JSON")

	root.AddCommand(
		newReprocessCommand(opts),
		newStatusCommand(opts),
		newFailedCommand(opts),
		newSearchCommand(opts),
		newQueueCommand(opts),
		newStatsCommand(opts),
		newPublishCommand(opts),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *rootOptions) client() *Client {
	return NewClient(o.server, o.timeout)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q: must be a positive integer", arg)
	}
	return id, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
