package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
	"github.com/grigta/eventpulse/services/analytics-service/internal/repository"
)

type monitoringFixture struct {
	clock     *testClock
	metrics   *mockMetricSource
	rules     *repository.MemoryRuleRepository
	alerts    *repository.MemoryAlertRepository
	snapshots *repository.MemorySnapshotRepository
	engine    *MonitoringEngine
}

func newMonitoringFixture(rules ...models.AlertRule) *monitoringFixture {
	f := &monitoringFixture{
		clock:     newTestClock(),
		metrics:   new(mockMetricSource),
		rules:     repository.NewMemoryRuleRepository(rules...),
		alerts:    repository.NewMemoryAlertRepository(),
		snapshots: repository.NewMemorySnapshotRepository(),
	}
	log := logger.Discard()
	detector := NewAnomalyDetector(f.snapshots, DefaultSensitivity, nil, f.clock.Now, log)
	sm := NewAlertStateMachine(f.alerts, f.clock.Now, log)
	re := NewRuleEngine(f.metrics, detector, sm, f.rules, nil, f.clock.Now, log)
	f.engine = NewMonitoringEngine(f.rules, re, f.metrics, detector, f.clock.Now, log)
	return f
}

func (f *monitoringFixture) seedHistory(t *testing.T, n int) {
	for i := 1; i <= n; i++ {
		snap := hourlySnapshot(f.clock.Now().Add(-time.Duration(i)*time.Hour), map[string]int64{"login": 10}, 1)
		require.NoError(t, f.snapshots.Save(context.Background(), &snap))
	}
}

func monitoredRule(id string, eventType string, condition models.ConditionType, threshold float64) models.AlertRule {
	return models.AlertRule{
		ID:                id,
		Name:              id,
		EventTypeFilter:   eventType,
		Metric:            models.MetricCount,
		ConditionType:     condition,
		Threshold:         threshold,
		TimeWindowMinutes: 60,
		Severity:          models.SeverityWarning,
		CooldownMinutes:   30,
		IsActive:          true,
	}
}

func TestMonitoringEngine_RunCycleIsolatesFailures(t *testing.T) {
	inactive := monitoredRule("off", "signup", models.ConditionGreaterThan, 0)
	inactive.IsActive = false
	f := newMonitoringFixture(
		monitoredRule("hot", "login", models.ConditionGreaterThan, 100),
		monitoredRule("cold", "purchase", models.ConditionGreaterThan, 100),
		monitoredRule("broken", "search", models.ConditionGreaterThan, 100),
		monitoredRule("panics", "logout", models.ConditionGreaterThan, 100),
		inactive,
	)
	f.metrics.On("Evaluate", mock.Anything, models.MetricCount, "login", 60).Return(150.0, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricCount, "purchase", 60).Return(5.0, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricCount, "search", 60).Return(0.0, errors.New("query timeout"))
	f.metrics.On("Evaluate", mock.Anything, models.MetricCount, "logout", 60).
		Run(func(mock.Arguments) { panic("corrupt metric") }).Return(0.0, nil)

	res := f.engine.RunCycle(context.Background())

	assert.Equal(t, 4, res.RulesEvaluated)
	assert.Equal(t, 1, res.AlertsTriggered)
	assert.Zero(t, res.AnomaliesDetected)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0]+res.Errors[1], "query timeout")
	assert.Contains(t, res.Errors[0]+res.Errors[1], "panicked")
	assert.Equal(t, f.clock.Now(), res.StartedAt)

	alerts, err := f.alerts.List(context.Background(), models.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "hot", alerts[0].RuleID)
}

type failingRuleRepository struct {
	*repository.MemoryRuleRepository
}

func (failingRuleRepository) ListActiveRules(context.Context) ([]models.AlertRule, error) {
	return nil, errors.New("mongo unavailable")
}

func TestMonitoringEngine_RunCycleListFailure(t *testing.T) {
	f := newMonitoringFixture()
	engine := NewMonitoringEngine(failingRuleRepository{f.rules}, nil, f.metrics, nil, f.clock.Now, logger.Discard())

	res := engine.RunCycle(context.Background())

	assert.Zero(t, res.RulesEvaluated)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "mongo unavailable")
}

func TestMonitoringEngine_DetectAnomalies(t *testing.T) {
	f := newMonitoringFixture()
	f.seedHistory(t, 10)
	f.metrics.On("Evaluate", mock.Anything, models.MetricCount, "", 60).Return(50.0, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricUniqueActors, "", 60).Return(1.0, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricRate, "", 60).Return(10.0/60, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricErrorRatio, "", 60).Return(0.0, ErrNoData)
	f.metrics.On("Evaluate", mock.Anything, models.MetricCount, "login", 60).Return(10.0, nil)

	findings, err := f.engine.DetectAnomalies(context.Background())

	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.MetricCount, findings[0].Metric)
	assert.Empty(t, findings[0].EventType)
	assert.Equal(t, models.SeverityCritical, findings[0].Severity)
	f.metrics.AssertNumberOfCalls(t, "Evaluate", 5)

	alerts, err := f.alerts.List(context.Background(), models.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts, "scan findings never create alerts")
}

func TestMonitoringEngine_DetectAnomaliesNeedsHistory(t *testing.T) {
	f := newMonitoringFixture()
	f.seedHistory(t, 9)

	findings, err := f.engine.DetectAnomalies(context.Background())

	require.NoError(t, err)
	assert.Empty(t, findings)
	f.metrics.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMonitoringEngine_AnomalyRuleNotDoubleCounted(t *testing.T) {
	f := newMonitoringFixture(monitoredRule("spike", "", models.ConditionAnomaly, 50))
	f.seedHistory(t, 10)
	f.metrics.On("Evaluate", mock.Anything, models.MetricCount, "", 60).Return(50.0, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricUniqueActors, "", 60).Return(1.0, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricRate, "", 60).Return(10.0/60, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricErrorRatio, "", 60).Return(0.0, nil)
	f.metrics.On("Evaluate", mock.Anything, models.MetricCount, "login", 60).Return(10.0, nil)

	res := f.engine.RunCycle(context.Background())

	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.AlertsTriggered)
	assert.Equal(t, 1, res.AnomaliesDetected)
}

func TestMonitoringEngine_RunStopsOnCancel(t *testing.T) {
	f := newMonitoringFixture()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		f.engine.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitoring loop did not stop")
	}
}
