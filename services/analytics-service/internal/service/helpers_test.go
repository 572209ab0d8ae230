package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/grigta/eventpulse/services/analytics-service/internal/backend"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubAdapter управляемый бэкенд для тестов
type stubAdapter struct {
	name string

	mu        sync.Mutex
	recordErr error
	healthErr error
	queryErr  error
	delay     time.Duration
	panicOn   bool
	recorded  []models.Event
	stored    []models.Event

	probes atomic.Int32
	gauge  *concurrencyGauge
}

// concurrencyGauge пиковое число одновременных вызовов
type concurrencyGauge struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (g *concurrencyGauge) enter() {
	n := g.current.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *concurrencyGauge) leave() {
	g.current.Add(-1)
}

var _ backend.Adapter = (*stubAdapter)(nil)

func newStub(name string) *stubAdapter {
	return &stubAdapter{name: name}
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) setRecordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordErr = err
}

func (s *stubAdapter) setHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

func (s *stubAdapter) Record(ctx context.Context, event models.Event) error {
	if s.gauge != nil {
		s.gauge.enter()
		defer s.gauge.leave()
	}

	s.mu.Lock()
	delay, err, panicOn := s.delay, s.recordErr, s.panicOn
	s.mu.Unlock()

	if panicOn {
		panic("boom")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.recorded = append(s.recorded, event)
	s.mu.Unlock()
	return nil
}

func (s *stubAdapter) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []models.Event
	for _, ev := range s.stored {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *stubAdapter) HealthCheck(ctx context.Context) error {
	s.probes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

func (s *stubAdapter) recordedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recorded)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Route(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) map[string]bool {
	args := m.Called(ctx, rule, nctx)
	if res, ok := args.Get(0).(map[string]bool); ok {
		return res
	}
	return nil
}

type mockMetricSource struct {
	mock.Mock
}

func (m *mockMetricSource) Evaluate(ctx context.Context, metric models.MetricType, eventType string, windowMinutes int) (float64, error) {
	args := m.Called(ctx, metric, eventType, windowMinutes)
	return args.Get(0).(float64), args.Error(1)
}

type mockEventQuerier struct {
	mock.Mock
}

func (m *mockEventQuerier) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	args := m.Called(ctx, filter)
	events, _ := args.Get(0).([]models.Event)
	return events, args.Error(1)
}

func mustEvent(eventType string, ts time.Time, attrs map[string]interface{}) models.Event {
	ev, err := models.NewEvent(eventType, attrs, models.WithTimestamp(ts))
	if err != nil {
		panic(err)
	}
	return ev
}

func toAdapters(stubs ...*stubAdapter) []backend.Adapter {
	out := make([]backend.Adapter, len(stubs))
	for i, s := range stubs {
		out[i] = s
	}
	return out
}
