package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/backend"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

type DispatcherTestSuite struct {
	suite.Suite
	ctx    context.Context
	health *HealthTracker
	mongo  *stubAdapter
	redis  *stubAdapter
	amqp   *stubAdapter
	event  models.Event
	log    logger.Logger
}

func (s *DispatcherTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.log = logger.Discard()
	s.health = NewHealthTracker(time.Hour, s.log)
	s.mongo = newStub("mongo")
	s.redis = newStub("redis")
	s.amqp = newStub("amqp")
	s.event = mustEvent("page_view", time.Now().UTC(), map[string]interface{}{"user_id": "u1"})
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func (s *DispatcherTestSuite) newDispatcher(cfg DispatcherConfig) *Dispatcher {
	d, err := NewDispatcher(cfg, toAdapters(s.mongo, s.redis, s.amqp), s.health, s.log)
	s.Require().NoError(err)
	return d
}

func (s *DispatcherTestSuite) TestParallelAllSucceed() {
	d := s.newDispatcher(DispatcherConfig{})

	res := d.Record(s.ctx, s.event)

	s.False(res.AllFailed)
	s.Equal(s.event.ID, res.EventID)
	s.Equal([]string{"mongo", "redis", "amqp"}, res.Succeeded)
	s.Empty(res.Failed)
	s.Equal(1, s.mongo.recordedCount())
	s.Equal(1, s.amqp.recordedCount())
}

func (s *DispatcherTestSuite) TestParallelIsolatesFailure() {
	d := s.newDispatcher(DispatcherConfig{})
	s.redis.setRecordErr(errors.New("connection reset"))

	res := d.Record(s.ctx, s.event)

	s.False(res.AllFailed)
	s.ElementsMatch([]string{"mongo", "amqp"}, res.Succeeded)
	s.Contains(res.Failed["redis"], "connection reset")
	s.False(s.health.IsHealthy("redis"))
	s.True(s.health.IsHealthy("mongo"))

	// нездоровый бэкенд исключается до следующей проверки
	res = d.Record(s.ctx, s.event)
	s.Equal([]string{"redis"}, res.Skipped)
	s.Empty(res.Failed)
}

func (s *DispatcherTestSuite) TestAllFailed() {
	d := s.newDispatcher(DispatcherConfig{})
	for _, a := range []*stubAdapter{s.mongo, s.redis, s.amqp} {
		a.setRecordErr(errors.New("down"))
	}

	var res models.DispatchResult
	s.NotPanics(func() { res = d.Record(s.ctx, s.event) })

	s.True(res.AllFailed)
	s.Empty(res.Succeeded)
	s.Len(res.Failed, 3)
}

func (s *DispatcherTestSuite) TestNoHealthyBackends() {
	for _, a := range []*stubAdapter{s.mongo, s.redis, s.amqp} {
		a.setHealthErr(errors.New("refused"))
	}
	d := s.newDispatcher(DispatcherConfig{})

	res := d.Record(s.ctx, s.event)

	s.True(res.AllFailed)
	s.ElementsMatch([]string{"mongo", "redis", "amqp"}, res.Skipped)
	s.Equal(0, s.mongo.recordedCount())
}

func (s *DispatcherTestSuite) TestTimeoutMarksUnhealthy() {
	d := s.newDispatcher(DispatcherConfig{RecordTimeout: 30 * time.Millisecond})
	s.redis.delay = time.Second

	start := time.Now()
	res := d.Record(s.ctx, s.event)

	s.Less(time.Since(start), 500*time.Millisecond)
	s.False(res.AllFailed)
	s.Contains(res.Failed, "redis")
	s.False(s.health.IsHealthy("redis"))
}

func (s *DispatcherTestSuite) TestCallerCancellationKeepsHealth() {
	d := s.newDispatcher(DispatcherConfig{RecordTimeout: time.Second})
	s.Require().False(d.Record(s.ctx, s.event).AllFailed)
	s.redis.delay = time.Second

	ctx, cancel := context.WithCancel(s.ctx)
	time.AfterFunc(20*time.Millisecond, cancel)
	res := d.Record(ctx, s.event)

	s.Contains(res.Failed["redis"], ErrCallerCanceled.Error())
	s.True(s.health.IsHealthy("redis"), "client going away is not a backend fault")

	s.redis.delay = 0
	res = d.Record(s.ctx, s.event)
	s.Contains(res.Succeeded, "redis")
	s.Empty(res.Skipped)
}

func (s *DispatcherTestSuite) TestCanceledCallerLeavesHealthUnknown() {
	d := s.newDispatcher(DispatcherConfig{})
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	res := d.Record(ctx, s.event)

	s.True(res.AllFailed)
	for _, name := range []string{"mongo", "redis", "amqp"} {
		s.True(s.health.Stale(name, time.Hour), name)
	}
	s.False(d.Record(s.ctx, s.event).AllFailed)
}

func (s *DispatcherTestSuite) TestFallbackStopsWhenCallerCancels() {
	d := s.newDispatcher(DispatcherConfig{Mode: ModeFallback, Primary: "redis", RecordTimeout: time.Second})
	s.Require().False(d.Record(s.ctx, s.event).AllFailed)
	s.redis.delay = time.Second

	ctx, cancel := context.WithCancel(s.ctx)
	time.AfterFunc(20*time.Millisecond, cancel)
	res := d.Record(ctx, s.event)

	s.Len(res.Failed, 1)
	s.Equal(0, s.mongo.recordedCount(), "no fallback after the caller left")
	s.True(s.health.IsHealthy("redis"))
}

func (s *DispatcherTestSuite) TestWorkerSlotTimeoutKeepsHealth() {
	a, b := newStub("a"), newStub("b")
	a.delay, b.delay = 200*time.Millisecond, 200*time.Millisecond
	d, err := NewDispatcher(DispatcherConfig{Workers: 1, RecordTimeout: time.Second, SlotTimeout: 20 * time.Millisecond},
		toAdapters(a, b), s.health, s.log)
	s.Require().NoError(err)

	res := d.Record(s.ctx, s.event)

	s.Len(res.Succeeded, 1)
	s.Require().Len(res.Failed, 1)
	for _, msg := range res.Failed {
		s.Contains(msg, ErrWorkersBusy.Error())
	}
	s.True(s.health.IsHealthy("a"))
	s.True(s.health.IsHealthy("b"))
}

func (s *DispatcherTestSuite) TestRecordTimeoutStartsAfterSlot() {
	a, b := newStub("a"), newStub("b")
	a.delay, b.delay = 60*time.Millisecond, 60*time.Millisecond
	d, err := NewDispatcher(DispatcherConfig{Workers: 1, RecordTimeout: 100 * time.Millisecond, SlotTimeout: time.Second},
		toAdapters(a, b), s.health, s.log)
	s.Require().NoError(err)

	res := d.Record(s.ctx, s.event)

	s.ElementsMatch([]string{"a", "b"}, res.Succeeded, "queueing does not eat the call budget")
	s.Empty(res.Failed)
}

func (s *DispatcherTestSuite) TestPanickingBackendIsContained() {
	d := s.newDispatcher(DispatcherConfig{})
	s.amqp.panicOn = true

	res := d.Record(s.ctx, s.event)

	s.False(res.AllFailed)
	s.Contains(res.Failed["amqp"], "panicked")
	s.False(s.health.IsHealthy("amqp"))
}

func (s *DispatcherTestSuite) TestFallbackUsesPrimaryOnly() {
	d := s.newDispatcher(DispatcherConfig{Mode: ModeFallback, Primary: "redis"})

	res := d.Record(s.ctx, s.event)

	s.Equal([]string{"redis"}, res.Succeeded)
	s.Equal(0, s.mongo.recordedCount())
	s.Equal(0, s.amqp.recordedCount())
}

func (s *DispatcherTestSuite) TestFallbackTriesNextInDeclarationOrder() {
	d := s.newDispatcher(DispatcherConfig{Mode: ModeFallback, Primary: "redis"})
	s.redis.setRecordErr(errors.New("oom"))
	s.mongo.setRecordErr(errors.New("write concern"))

	res := d.Record(s.ctx, s.event)

	s.False(res.AllFailed)
	s.Equal([]string{"amqp"}, res.Succeeded)
	s.Len(res.Failed, 2)
}

func (s *DispatcherTestSuite) TestWorkerPoolBoundsConcurrency() {
	gauge := &concurrencyGauge{}
	stubs := make([]*stubAdapter, 6)
	for i := range stubs {
		stubs[i] = newStub(string(rune('a' + i)))
		stubs[i].delay = 20 * time.Millisecond
		stubs[i].gauge = gauge
	}
	d, err := NewDispatcher(DispatcherConfig{Workers: 2}, toAdapters(stubs...), s.health, s.log)
	s.Require().NoError(err)

	res := d.Record(s.ctx, s.event)

	s.Len(res.Succeeded, 6)
	s.LessOrEqual(gauge.peak.Load(), int32(2))
	s.GreaterOrEqual(gauge.peak.Load(), int32(1))
}

func (s *DispatcherTestSuite) TestQuerySkipsUnsupportedBackends() {
	s.amqp.queryErr = backend.ErrNotSupported
	s.mongo.queryErr = errors.New("cursor killed")
	s.redis.stored = []models.Event{s.event}
	d := s.newDispatcher(DispatcherConfig{Primary: "amqp"})
	d.health.MarkHealthy("mongo")
	d.health.MarkHealthy("redis")
	d.health.MarkHealthy("amqp")

	events, err := d.Query(s.ctx, models.EventFilter{})
	s.Require().NoError(err)
	s.Len(events, 1)
	s.False(s.health.IsHealthy("mongo"))
	s.True(s.health.IsHealthy("amqp"), "unsupported query is not a failure")
}

func (s *DispatcherTestSuite) TestQueryWithoutQueryableBackend() {
	s.amqp.queryErr = backend.ErrNotSupported
	d, err := NewDispatcher(DispatcherConfig{}, toAdapters(s.amqp), s.health, s.log)
	s.Require().NoError(err)
	s.health.MarkHealthy("amqp")

	_, err = d.Query(s.ctx, models.EventFilter{})
	s.ErrorIs(err, ErrNoQueryableBackend)
}

func (s *DispatcherTestSuite) TestStatus() {
	d := s.newDispatcher(DispatcherConfig{Primary: "redis"})
	s.health.MarkHealthy("redis")
	s.health.MarkUnhealthy("mongo", errors.New("x"))

	status := d.Status()

	s.Len(status, 3)
	s.True(status["redis"].IsPrimary)
	s.True(status["redis"].Healthy)
	s.False(status["mongo"].Healthy)
	s.False(status["mongo"].LastChecked.IsZero())
	s.False(status["amqp"].Healthy)
	s.True(status["amqp"].LastChecked.IsZero())
	s.True(d.AnyHealthy())
}

func (s *DispatcherTestSuite) TestRecordAsync() {
	d := s.newDispatcher(DispatcherConfig{})
	d.RecordAsync(s.event)
	d.Wait()
	s.Equal(1, s.mongo.recordedCount())
}

func TestNewDispatcher_Validation(t *testing.T) {
	h := NewHealthTracker(0, logger.Discard())
	log := logger.Discard()

	_, err := NewDispatcher(DispatcherConfig{}, nil, h, log)
	assert.ErrorIs(t, err, ErrNoBackends)

	_, err = NewDispatcher(DispatcherConfig{}, toAdapters(newStub("a"), newStub("a")), h, log)
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewDispatcher(DispatcherConfig{Primary: "b"}, toAdapters(newStub("a")), h, log)
	assert.ErrorContains(t, err, "primary")

	_, err = NewDispatcher(DispatcherConfig{Mode: "broadcast"}, toAdapters(newStub("a")), h, log)
	assert.ErrorContains(t, err, "mode")

	d, err := NewDispatcher(DispatcherConfig{}, toAdapters(newStub("a"), newStub("b")), h, log)
	require.NoError(t, err)
	assert.Equal(t, "a", d.Primary())
	assert.Equal(t, DefaultWorkers, cap(d.slots))
}
