package worker

// Event types published on config.TopicDocumentChanged.
const (
	EventUpsert = "upsert"
	EventDelete = "delete"
)

// DocumentEvent is published by the content store after a write. It only
// names the document; the current row is loaded when the event is handled.
type DocumentEvent struct {
	Type          string `json:"type"`
	DocumentID    int64  `json:"document_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
