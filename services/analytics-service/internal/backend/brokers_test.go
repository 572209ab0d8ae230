package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/pkg/messaging"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Publish(exchange, routingKey string, message interface{}) error {
	args := m.Called(exchange, routingKey, message)
	return args.Error(0)
}

func (m *mockBroker) IsConnected() bool {
	return m.Called().Bool(0)
}

type mockNATSConn struct {
	mock.Mock
}

func (m *mockNATSConn) Publish(subject string, data []byte) error {
	return m.Called(subject, data).Error(0)
}

func (m *mockNATSConn) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockNATSConn) FlushWithContext(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestAMQPAdapter(t *testing.T) {
	ctx := context.Background()
	broker := new(mockBroker)
	a := NewAMQPAdapter("amqp", broker, "")
	ev := models.Event{ID: "e1", Type: "signup"}

	broker.On("Publish", messaging.EventsExchange, "signup", ev).Return(nil).Once()
	require.NoError(t, a.Record(ctx, ev))

	broker.On("Publish", messaging.EventsExchange, "signup", ev).Return(messaging.ErrNotConnected).Once()
	assert.ErrorIs(t, a.Record(ctx, ev), messaging.ErrNotConnected)

	_, err := a.Query(ctx, models.EventFilter{})
	assert.ErrorIs(t, err, ErrNotSupported)

	broker.On("IsConnected").Return(false).Once()
	assert.ErrorIs(t, a.HealthCheck(ctx), messaging.ErrNotConnected)

	broker.On("IsConnected").Return(true).Once()
	assert.NoError(t, a.HealthCheck(ctx))
	broker.AssertExpectations(t)
}

func TestNATSAdapter(t *testing.T) {
	ctx := context.Background()
	conn := new(mockNATSConn)
	a := NewNATSAdapter("nats", conn, "")
	ev := models.Event{ID: "e1", Type: "purchase", Timestamp: time.Now().UTC()}

	conn.On("Publish", "analytics.events.purchase", mock.MatchedBy(func(data []byte) bool {
		var decoded models.Event
		return json.Unmarshal(data, &decoded) == nil && decoded.ID == "e1"
	})).Return(nil).Once()
	require.NoError(t, a.Record(ctx, ev))

	_, err := a.Query(ctx, models.EventFilter{})
	assert.ErrorIs(t, err, ErrNotSupported)

	conn.On("IsConnected").Return(true).Once()
	conn.On("FlushWithContext", mock.Anything).Return(errors.New("timeout")).Once()
	assert.Error(t, a.HealthCheck(ctx))

	conn.On("IsConnected").Return(false).Once()
	assert.Error(t, a.HealthCheck(ctx))
	conn.AssertExpectations(t)
}

func TestRedisStreamAdapter_Keys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	a := NewRedisStreamAdapter("redis", client, RedisStreamOptions{}, logger.Discard())

	assert.Equal(t, "analytics:events", a.streamKey())
	assert.Equal(t, "analytics:events:login", a.ChannelName("login"))
	assert.Equal(t, []string{"analytics:idx:actor:u1"}, a.indexFor(models.EventFilter{ActorID: "u1", EventTypes: []string{"login"}}))
	assert.Equal(t, []string{"analytics:idx:type:a", "analytics:idx:type:b"}, a.indexFor(models.EventFilter{EventTypes: []string{"a", "b"}}))
	assert.Equal(t, []string{"analytics:idx:all"}, a.indexFor(models.EventFilter{}))

	from := time.UnixMilli(1000)
	rng := scoreRange(models.EventFilter{From: from})
	assert.Equal(t, "1000", rng.Min)
	assert.Equal(t, "+inf", rng.Max)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, a.HealthCheck(ctx))
	assert.Error(t, a.Record(ctx, models.Event{ID: "e1", Type: "login", Timestamp: time.Now()}))
}

func TestMongoFilter(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f := mongoFilter(models.EventFilter{EventTypes: []string{"login"}, From: from})
	assert.Equal(t, "login", f["type"])
	assert.Equal(t, bson.M{"$gte": from}, f["timestamp"])

	f = mongoFilter(models.EventFilter{EventTypes: []string{"a", "b"}, ActorID: "u1"})
	assert.Equal(t, bson.M{"$in": []string{"a", "b"}}, f["type"])
	assert.Len(t, f["$or"], 2)
	assert.NotContains(t, f, "timestamp")
}

func TestClose_FlushesBufferedAdapters(t *testing.T) {
	w := &recordingWriter{}
	pg := &PostgresAdapter{name: "pg"}
	pg.batcher = newBatcher("pg", 10, time.Hour, w.write, logger.Discard())
	require.NoError(t, pg.Record(context.Background(), models.Event{ID: "e1", Type: "t"}))

	require.NoError(t, Close(context.Background(), NewMemoryAdapter("m", 1), pg))
	assert.Equal(t, 1, w.count())
}
