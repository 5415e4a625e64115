package consumer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestToMessage(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := toMessage(&kgo.Record{
		Topic:     "xb.users",
		Key:       []byte("token-1"),
		Value:     []byte(`{}`),
		Partition: 2,
		Offset:    41,
		Timestamp: ts,
		Headers:   []kgo.RecordHeader{{Key: "command", Value: []byte("reserveStock")}},
	})
	assert.Equal(t, "xb.users", msg.Topic)
	assert.Equal(t, "token-1", string(msg.Key))
	assert.Equal(t, int32(2), msg.Partition)
	assert.Equal(t, int64(41), msg.Offset)
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, "reserveStock", msg.Headers["command"])
}

func TestNewRequiresGroupAndTopics(t *testing.T) {
	_, err := New(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
