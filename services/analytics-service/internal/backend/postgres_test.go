package backend

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

func TestBuildInsert(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []models.Event{
		{ID: "a", Type: "login", Timestamp: ts, Attributes: map[string]interface{}{"user_id": "u1"}},
		{ID: "b", Type: "click", Timestamp: ts, CorrelationID: "c1"},
	}

	query, args, err := buildInsert(events)
	require.NoError(t, err)

	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6), ($7, $8, $9, $10, $11, $12)")
	assert.Contains(t, query, "ON CONFLICT (id) DO NOTHING")
	require.Len(t, args, 12)
	assert.Equal(t, "a", args[0])
	assert.Equal(t, nullString("u1"), args[4])
	assert.JSONEq(t, `{"user_id":"u1"}`, string(args[5].([]byte)))
	assert.Equal(t, nullString("c1"), args[9])
}

func TestBuildInsert_UnmarshalableAttributes(t *testing.T) {
	_, _, err := buildInsert([]models.Event{{ID: "a", Type: "t", Attributes: map[string]interface{}{"ch": make(chan int)}}})
	assert.Error(t, err)
}

func TestBuildSelect(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildSelect(models.EventFilter{
		EventTypes: []string{"login", "signup"},
		ActorID:    "u1",
		From:       from,
		Limit:      50,
	})

	assert.Equal(t,
		"SELECT id, type, ts, correlation_id, attributes FROM analytics_events WHERE type = ANY($1) AND actor_id = $2 AND ts >= $3 ORDER BY ts LIMIT $4",
		query)
	require.Len(t, args, 4)
	assert.Equal(t, pq.Array([]string{"login", "signup"}), args[0])
	assert.Equal(t, "u1", args[1])
	assert.Equal(t, from, args[2])
	assert.Equal(t, 50, args[3])

	query, args = buildSelect(models.EventFilter{})
	assert.Equal(t, "SELECT id, type, ts, correlation_id, attributes FROM analytics_events ORDER BY ts", query)
	assert.Empty(t, args)
}
