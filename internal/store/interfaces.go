package store

import "context"

// InboxRepository defines chat history operations.
type InboxRepository interface {
	Save(ctx context.Context, msg *InboxMessage) error
	Recent(ctx context.Context, limit int) ([]InboxMessage, error)
}
