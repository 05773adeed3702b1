package ports

import (
	"context"

	"github.com/layer-3/warden/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishLogout(ctx context.Context, identifier string, tokenID string) error
	PublishTransaction(ctx context.Context, event core.TransactionEvent) error
}
