package cli

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"scriptorium/backend/internal/config"
	"scriptorium/backend/internal/worker"
)

// Publisher is the part of nsq.Producer the publish command uses.
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// newPublisher is replaced in tests.
var newPublisher = func(addr string) (Publisher, error) {
	return nsq.NewProducer(addr, nsq.NewConfig())
}

func newPublishCommand(opts *rootOptions) *cobra.Command {
	var nsqd string
	cmd := &cobra.Command{
		Use:   "publish <upsert|delete> <document-id>",
		Short: "Publish a document.changed event",
		Long: `Publish the event the content store emits after a write. Useful to
re-index a document without the content store, or to test the consumer.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType := args[0]
			if eventType != worker.EventUpsert && eventType != worker.EventDelete {
				return fmt.Errorf("unknown event type %q: want %s or %s", eventType, worker.EventUpsert, worker.EventDelete)
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}

			evt := worker.DocumentEvent{Type: eventType, DocumentID: id, CorrelationID: uuid.NewString()}
			body, err := json.Marshal(evt)
			if err != nil {
				return err
			}

			producer, err := newPublisher(nsqd)
			if err != nil {
				return fmt.Errorf("failed to create NSQ producer: %w", err)
			}
			defer producer.Stop()

			if err := producer.Publish(config.TopicDocumentChanged, body); err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), evt)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s for document %d (correlation %s).\n", eventType, id, evt.CorrelationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&nsqd, "nsqd", "localhost:4150", "nsqd TCP address")
	return cmd
}
