package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"pgregory.net/rapid"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
	"github.com/grigta/eventpulse/services/analytics-service/internal/repository"
)

// genBackends набор заглушек, часть из которых отказывает при записи
func genBackends(t *rapid.T) ([]*stubAdapter, map[string]bool) {
	n := rapid.IntRange(1, 6).Draw(t, "backends")
	stubs := make([]*stubAdapter, n)
	failing := make(map[string]bool)
	for i := range stubs {
		stubs[i] = newStub(fmt.Sprintf("backend-%d", i))
		if rapid.Bool().Draw(t, fmt.Sprintf("fails_%d", i)) {
			stubs[i].setRecordErr(errors.New("write refused"))
			failing[stubs[i].name] = true
		}
	}
	return stubs, failing
}

func TestProperty_DispatchSucceedsWithAnyHealthyBackend(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stubs, failing := genBackends(t)
		mode := rapid.SampledFrom([]DispatchMode{ModeParallel, ModeFallback}).Draw(t, "mode")

		d, err := NewDispatcher(DispatcherConfig{Mode: mode}, toAdapters(stubs...), NewHealthTracker(time.Hour, logger.Discard()), logger.Discard())
		if err != nil {
			t.Fatalf("new dispatcher: %v", err)
		}
		ev := mustEvent("click", time.Now().UTC(), nil)

		res := d.Record(context.Background(), ev)

		if len(failing) == len(stubs) {
			if !res.AllFailed || len(res.Succeeded) != 0 {
				t.Fatalf("all backends fail but result is %+v", res)
			}
			return
		}
		if res.AllFailed || len(res.Succeeded) == 0 {
			t.Fatalf("healthy backend available but result is %+v", res)
		}
		for _, name := range res.Succeeded {
			if failing[name] {
				t.Fatalf("failing backend %s reported as succeeded", name)
			}
		}
		for name := range res.Failed {
			if !failing[name] {
				t.Fatalf("healthy backend %s reported as failed", name)
			}
		}
		if mode == ModeParallel && len(res.Succeeded)+len(res.Failed) != len(stubs) {
			t.Fatalf("parallel dispatch must attempt every backend: %+v", res)
		}
		if mode == ModeFallback && len(res.Succeeded) != 1 {
			t.Fatalf("fallback stops at first success: %+v", res)
		}
	})
}

func TestProperty_ShortHistoryNeverAnomalous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		history := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), 0, MinHistoryPoints-1).Draw(t, "history")
		current := rapid.Float64Range(-1e9, 1e9).Draw(t, "current")
		sensitivity := rapid.Float64Range(0.1, 5).Draw(t, "sensitivity")

		res := Detect(history, current, sensitivity)
		if res.IsAnomaly || res.Confidence != 0 {
			t.Fatalf("history of %d points produced %+v", len(history), res)
		}
	})
}

func TestProperty_ConfidenceBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		history := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), MinHistoryPoints, 50).Draw(t, "history")
		current := rapid.Float64Range(-1e9, 1e9).Draw(t, "current")

		res := Detect(history, current, DefaultSensitivity)
		if res.Confidence < 0 || res.Confidence > 1 {
			t.Fatalf("confidence out of range: %v", res.Confidence)
		}
		if res.ExpectedMin > res.ExpectedMax {
			t.Fatalf("inverted range: %v", res.ExpectedRange())
		}
	})
}

func TestProperty_CooldownAllowsOneAlertPerWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cooldown := rapid.IntRange(1, 120).Draw(t, "cooldown")
		steps := rapid.SliceOfN(rapid.IntRange(0, 90), 1, 20).Draw(t, "steps")

		clock := newTestClock()
		metrics := new(mockMetricSource)
		metrics.On("Evaluate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(500.0, nil)
		rules := repository.NewMemoryRuleRepository()
		alerts := repository.NewMemoryAlertRepository()
		log := logger.Discard()
		engine := NewRuleEngine(metrics, NewAnomalyDetector(repository.NewMemorySnapshotRepository(), 0, nil, clock.Now, log),
			NewAlertStateMachine(alerts, clock.Now, log), rules, nil, clock.Now, log)

		stale := models.AlertRule{
			ID: "r", Name: "r", Metric: models.MetricCount, ConditionType: models.ConditionGreaterThan,
			Threshold: 1, TimeWindowMinutes: 5, Severity: models.SeverityInfo, CooldownMinutes: cooldown, IsActive: true,
		}
		ctx := context.Background()
		for _, step := range steps {
			clock.Advance(time.Duration(step) * time.Minute)
			// старая копия правила без LastTriggeredAt
			if _, err := engine.EvaluateRule(ctx, stale); err != nil {
				t.Fatalf("evaluate: %v", err)
			}
		}

		list, err := alerts.List(ctx, models.AlertFilter{Limit: 1000})
		if err != nil {
			t.Fatal(err)
		}
		times := make([]time.Time, len(list))
		for i, a := range list {
			times[i] = a.CreatedAt
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := 1; i < len(times); i++ {
			if gap := times[i].Sub(times[i-1]); gap < time.Duration(cooldown)*time.Minute {
				t.Fatalf("alerts %v apart with cooldown %dm", gap, cooldown)
			}
		}
		if len(times) == 0 {
			t.Fatal("first evaluation must trigger")
		}
	})
}
