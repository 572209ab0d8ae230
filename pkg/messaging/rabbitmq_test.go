package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage("alert.critical", map[string]string{"rule_id": "r1"})

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alert.critical", msg.Type)
	assert.NotNil(t, msg.Data)
	assert.NotNil(t, msg.Metadata)
	assert.WithinDuration(t, time.Now(), msg.Timestamp, time.Second)
}

func TestNewMessage_UniqueIDs(t *testing.T) {
	ids := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		ids[NewMessage("t", nil).ID] = struct{}{}
	}
	assert.Len(t, ids, 100)
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	msg := NewMessage("alert.warning", map[string]interface{}{"value": 150.0})
	msg.Metadata["rule_name"] = "too many signups"

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, "too many signups", decoded.Metadata["rule_name"])
}

func TestPublish_UnserializableMessage(t *testing.T) {
	r := &RabbitMQ{}

	err := r.Publish(EventsExchange, "signup", make(chan int))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)
}

func TestPublish_NotConnected(t *testing.T) {
	r := &RabbitMQ{}

	err := r.Publish(EventsExchange, "signup", map[string]string{"k": "v"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, r.IsConnected())
}

func TestRabbitMQ_ImplementsPublisher(t *testing.T) {
	var _ Publisher = (*RabbitMQ)(nil)
}
