package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpsplit/internal/domain"
	"erpsplit/internal/enforcer"
	opsmemory "erpsplit/internal/enforcer/store/memory"
	"erpsplit/internal/platform/kafka/consumer"
	"erpsplit/internal/registry"
	"erpsplit/internal/store"
	"erpsplit/internal/store/memory"
)

type recordingProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
	err     error
}

func (p *recordingProducer) PublishWithHeaders(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return p.err
}

func TestTransportSend(t *testing.T) {
	p := &recordingProducer{}
	cmd := enforcer.Command{
		DedupToken:  "tok-1",
		OperationID: "op-1",
		Origin:      "orders",
		Target:      "inventory",
		Name:        "reserveStock",
	}
	require.NoError(t, NewTransport(p).Send(context.Background(), cmd))
	assert.Equal(t, "xb.inventory", p.topic)
	assert.Equal(t, "tok-1", string(p.key))
	assert.Equal(t, "reserveStock", p.headers["command"])

	var decoded enforcer.Command
	require.NoError(t, json.Unmarshal(p.value, &decoded))
	assert.Equal(t, cmd.DedupToken, decoded.DedupToken)

	p.err = errors.New("broker down")
	assert.Error(t, NewTransport(p).Send(context.Background(), cmd))
}

func TestReceiver(t *testing.T) {
	inventory := memory.New()
	reg, err := registry.New([]registry.Boundary{
		{Name: "orders", Service: "order-service", EntityTypes: []domain.EntityType{"Order"}},
		{Name: "inventory", Service: "inventory-service", EntityTypes: []domain.EntityType{"InventoryLevel"}},
	})
	require.NoError(t, err)
	router, err := registry.NewRouter(reg, registry.Stores{"order-service": memory.New(), "inventory-service": inventory})
	require.NoError(t, err)

	inbox, err := enforcer.NewInbox("inventory", router)
	require.NoError(t, err)
	applied := 0
	inbox.Register("restock", func(_ context.Context, _ store.EntityReader, cmd enforcer.Command) ([]store.Mutation, error) {
		applied++
		return []store.Mutation{{Op: store.OpEnsure, Entity: domain.Entity{ID: domain.EntityID(cmd.DedupToken), Type: "InventoryLevel"}}}, nil
	})
	rejections := opsmemory.New()
	r := NewReceiver(inbox, rejections, nil)

	value, err := json.Marshal(enforcer.Command{DedupToken: "tok-1", Target: "inventory", Name: "restock"})
	require.NoError(t, err)
	msg := &consumer.Message{Topic: "xb.inventory", Key: []byte("tok-1"), Value: value}

	require.NoError(t, r.Handle(context.Background(), msg))
	require.NoError(t, r.Handle(context.Background(), msg), "redelivery is acknowledged")
	_, err = inventory.Find(context.Background(), "InventoryLevel", "tok-1")
	assert.NoError(t, err)

	t.Run("undecodable record is skipped", func(t *testing.T) {
		assert.NoError(t, r.Handle(context.Background(), &consumer.Message{Value: []byte("{")}))
	})

	t.Run("rejected command is recorded and skipped", func(t *testing.T) {
		bad, _ := json.Marshal(enforcer.Command{DedupToken: "tok-2", OperationID: "op-2", Target: "inventory", Name: "unknown"})
		msg := &consumer.Message{Value: bad}
		assert.NoError(t, r.Handle(context.Background(), msg))
		assert.NoError(t, r.Handle(context.Background(), msg), "redelivered rejection is recorded once")

		got, err := rejections.List(context.Background(), "op-2")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "tok-2", got[0].Command.DedupToken)
		assert.NotEmpty(t, got[0].Reason)
	})

	t.Run("rejection is retried when it cannot be recorded", func(t *testing.T) {
		failing := NewReceiver(inbox, failingLog{}, nil)
		bad, _ := json.Marshal(enforcer.Command{DedupToken: "tok-3", OperationID: "op-3", Target: "inventory", Name: "unknown"})
		assert.Error(t, failing.Handle(context.Background(), &consumer.Message{Value: bad}))
	})
}

type failingLog struct{}

func (failingLog) Record(context.Context, enforcer.Compensation) error {
	return errors.New("database unavailable")
}

func (failingLog) List(context.Context, string) ([]enforcer.Compensation, error) { return nil, nil }
