package config

const (
	// TopicDocumentChanged carries create/update/delete events from the document service.
	TopicDocumentChanged = "document.changed"

	// ChannelEmbedder is the NSQ channel the embedding service consumes document events on.
	ChannelEmbedder = "embedder"
)
