package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

const (
	// LogoutTopic carries revoked session tokens.
	LogoutTopic = "warden.logout"

	// MetadataEventType names the event carried by a message.
	MetadataEventType = "event_type"
)

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Identifier string `json:"identifier"`
	TokenID    string `json:"token_id"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher        message.Publisher
	logoutTopic      string
	transactionTopic string
}

// NewWatermillPublisher creates a new Watermill publisher. Transaction
// outcomes go to transactionTopic.
func NewWatermillPublisher(publisher message.Publisher, transactionTopic string) ports.EventPublisher {
	return &WatermillPublisher{
		publisher:        publisher,
		logoutTopic:      LogoutTopic,
		transactionTopic: transactionTopic,
	}
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, identifier string, tokenID string) error {
	event := LogoutEvent{
		Identifier: identifier,
		TokenID:    tokenID,
	}

	return p.publish(ctx, p.logoutTopic, tokenID, "session.logout", event)
}

// PublishTransaction publishes the terminal outcome of a submission.
func (p *WatermillPublisher) PublishTransaction(ctx context.Context, event core.TransactionEvent) error {
	return p.publish(ctx, p.transactionTopic, watermill.NewUUID(), "transaction."+string(event.Status), event)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, id, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(MetadataEventType, eventType)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
