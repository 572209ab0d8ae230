package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

func newEvent(t *testing.T, eventType string, ts time.Time, attrs map[string]interface{}) models.Event {
	t.Helper()
	ev, err := models.NewEvent(eventType, attrs, models.WithTimestamp(ts))
	require.NoError(t, err)
	return ev
}

func TestMemoryAdapter_RecordAndQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter("memory", 10)
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, m.Record(ctx, newEvent(t, "login", base, map[string]interface{}{"user_id": "u1"})))
	require.NoError(t, m.Record(ctx, newEvent(t, "click", base.Add(time.Minute), nil)))
	require.NoError(t, m.Record(ctx, newEvent(t, "login", base.Add(2*time.Minute), map[string]interface{}{"user_id": "u2"})))

	all, err := m.Query(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	logins, err := m.Query(ctx, models.EventFilter{EventTypes: []string{"login"}})
	require.NoError(t, err)
	require.Len(t, logins, 2)
	assert.Equal(t, "u1", logins[0].ActorID())

	byActor, err := m.Query(ctx, models.EventFilter{ActorID: "u2"})
	require.NoError(t, err)
	assert.Len(t, byActor, 1)

	limited, err := m.Query(ctx, models.EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryAdapter_RingBufferOverwritesOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter("memory", 3)
	base := time.Now().UTC()

	var ids []string
	for i := 0; i < 5; i++ {
		ev := newEvent(t, "tick", base.Add(time.Duration(i)*time.Second), nil)
		ids = append(ids, ev.ID)
		require.NoError(t, m.Record(ctx, ev))
	}

	assert.Equal(t, 3, m.Len())
	got, err := m.Query(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[4], got[2].ID)
}

func TestMemoryAdapter_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemoryAdapter("memory", 0)
	assert.ErrorIs(t, m.Record(ctx, models.Event{ID: "x", Type: "t"}), context.Canceled)
	assert.ErrorIs(t, m.HealthCheck(ctx), context.Canceled)
}
