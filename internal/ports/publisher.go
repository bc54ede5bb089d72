package ports

import "context"

// Publisher delivers device lifecycle notifications to an external topic.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, payload []byte) error
}
