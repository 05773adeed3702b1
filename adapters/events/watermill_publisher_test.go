package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishTransaction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(ctx, "warden.transactions")
	require.NoError(t, err)

	publisher := NewWatermillPublisher(pubSub, "warden.transactions")
	event := core.TransactionEvent{
		Hash:       common.HexToHash("0x01"),
		TxHash:     common.HexToHash("0x02"),
		Status:     core.StatusConfirmed,
		Kind:       core.OperationTransfer,
		Wallet:     common.HexToAddress("0x03"),
		RPID:       "example.com",
		Identifier: "alice",
		At:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, publisher.PublishTransaction(ctx, event))

	msg := receive(t, messages)
	assert.Equal(t, "transaction.confirmed", msg.Metadata.Get(MetadataEventType))

	var got core.TransactionEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, event.Hash, got.Hash)
	assert.Equal(t, event.TxHash, got.TxHash)
	assert.Equal(t, event.Identifier, got.Identifier)
	assert.True(t, event.At.Equal(got.At))
}

func TestPublishLogout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(ctx, LogoutTopic)
	require.NoError(t, err)

	publisher := NewWatermillPublisher(pubSub, "warden.transactions")
	require.NoError(t, publisher.PublishLogout(ctx, "alice", "token-1"))

	msg := receive(t, messages)
	assert.Equal(t, "token-1", msg.UUID)
	assert.Equal(t, "session.logout", msg.Metadata.Get(MetadataEventType))

	var got LogoutEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, LogoutEvent{Identifier: "alice", TokenID: "token-1"}, got)
}
