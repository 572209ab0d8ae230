package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigta/eventpulse/pkg/logger"
)

func TestHealthTracker_UnknownBackendIsUnhealthy(t *testing.T) {
	h := NewHealthTracker(0, logger.Discard())

	assert.False(t, h.IsHealthy("mongo"))
	_, known := h.Get("mongo")
	assert.False(t, known)
	assert.True(t, h.Stale("mongo", time.Minute))
	assert.Empty(t, h.Snapshot())
	assert.Equal(t, DefaultHealthCheckInterval, h.Interval())
}

func TestHealthTracker_MarkAndListeners(t *testing.T) {
	clock := newTestClock()
	h := NewHealthTracker(time.Minute, logger.Discard(), WithHealthClock(clock.Now))

	var (
		mu     sync.Mutex
		events []bool
	)
	h.Subscribe(func(name string, healthy bool) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "redis", name)
		events = append(events, healthy)
	})

	h.MarkHealthy("redis")
	h.MarkHealthy("redis")
	h.MarkUnhealthy("redis", errors.New("timeout"))
	h.MarkHealthy("redis")

	assert.Equal(t, []bool{true, false, true}, events, "listeners fire only on changes")
	state, known := h.Get("redis")
	require.True(t, known)
	assert.True(t, state.Healthy)
	assert.Equal(t, clock.Now(), state.LastCheckedAt)
}

func TestHealthTracker_ProbeIfStaleSkipsFreshEntries(t *testing.T) {
	clock := newTestClock()
	h := NewHealthTracker(5*time.Minute, logger.Discard(), WithHealthClock(clock.Now))
	a := newStub("mongo")
	ctx := context.Background()

	healthy, probed := h.ProbeIfStale(ctx, a, 0)
	assert.True(t, healthy)
	assert.True(t, probed)

	clock.Advance(time.Minute)
	healthy, probed = h.ProbeIfStale(ctx, a, 0)
	assert.True(t, healthy)
	assert.False(t, probed)
	assert.Equal(t, int32(1), a.probes.Load())

	clock.Advance(5 * time.Minute)
	_, probed = h.ProbeIfStale(ctx, a, 0)
	assert.True(t, probed)
	assert.Equal(t, int32(2), a.probes.Load())
}

func TestHealthTracker_ProbeRecoversUnhealthyBackend(t *testing.T) {
	clock := newTestClock()
	h := NewHealthTracker(time.Minute, logger.Discard(), WithHealthClock(clock.Now))
	a := newStub("postgres")
	ctx := context.Background()

	h.MarkUnhealthy("postgres", errors.New("write failed"))
	assert.False(t, h.IsHealthy("postgres"))

	clock.Advance(time.Minute)
	healthy, probed := h.ProbeIfStale(ctx, a, time.Minute)
	assert.True(t, probed)
	assert.True(t, healthy)
	assert.True(t, h.IsHealthy("postgres"))

	a.setHealthErr(errors.New("down"))
	clock.Advance(time.Minute)
	healthy, _ = h.ProbeIfStale(ctx, a, time.Minute)
	assert.False(t, healthy)
	assert.False(t, h.IsHealthy("postgres"))
}

type panickingAdapter struct{ *stubAdapter }

func (p panickingAdapter) HealthCheck(context.Context) error { panic("probe exploded") }

func TestHealthTracker_ProbePanicIsUnhealthy(t *testing.T) {
	h := NewHealthTracker(time.Minute, logger.Discard())
	healthy, probed := h.ProbeIfStale(context.Background(), panickingAdapter{newStub("bad")}, 0)
	assert.True(t, probed)
	assert.False(t, healthy)
}

func TestHealthTracker_ConcurrentUpdates(t *testing.T) {
	h := NewHealthTracker(time.Minute, logger.Discard())
	adapters := []*stubAdapter{newStub("a"), newStub("b"), newStub("c")}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := adapters[i%len(adapters)]
			if i%2 == 0 {
				h.MarkUnhealthy(a.Name(), errors.New("flaky"))
			} else {
				h.MarkHealthy(a.Name())
			}
			h.ProbeIfStale(context.Background(), a, time.Nanosecond)
			_ = h.Snapshot()
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.Snapshot(), 3)
}

func TestHealthTracker_ProbeAll(t *testing.T) {
	h := NewHealthTracker(time.Minute, logger.Discard())
	good, bad := newStub("good"), newStub("bad")
	bad.setHealthErr(errors.New("refused"))

	h.ProbeAll(context.Background(), toAdapters(good, bad))

	assert.True(t, h.IsHealthy("good"))
	assert.False(t, h.IsHealthy("bad"))
	_, known := h.Get("bad")
	assert.True(t, known)
}
