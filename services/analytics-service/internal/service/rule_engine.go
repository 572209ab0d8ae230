package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const equalsTolerance = 1e-3

// TriggerDecision итог оценки одного правила
type TriggerDecision struct {
	RuleID     string                `json:"rule_id"`
	Triggered  bool                  `json:"triggered"`
	Suppressed bool                  `json:"suppressed"`
	Reason     string                `json:"reason,omitempty"`
	Value      float64               `json:"value"`
	NoData     bool                  `json:"no_data,omitempty"`
	Anomaly    *AnomalyResult        `json:"anomaly,omitempty"`
	Instance   *models.AlertInstance `json:"instance,omitempty"`
	Deliveries map[string]bool       `json:"deliveries,omitempty"`
}

// RuleEngine оценивает правила и запускает алерты
type RuleEngine struct {
	metrics   MetricSource
	anomalies *AnomalyDetector
	alerts    *AlertStateMachine
	rules     RuleRepository
	notifier  Notifier
	clock     Clock
	logger    logger.Logger

	// время последнего срабатывания по правилу; защищает кулдаун
	// от устаревших копий правил и пересекающихся циклов
	mu            sync.Mutex
	lastTriggered map[string]time.Time
}

func NewRuleEngine(
	metrics MetricSource,
	anomalies *AnomalyDetector,
	alerts *AlertStateMachine,
	rules RuleRepository,
	notifier Notifier,
	clock Clock,
	log logger.Logger,
) *RuleEngine {
	if clock == nil {
		clock = systemClock
	}
	return &RuleEngine{
		metrics:       metrics,
		anomalies:     anomalies,
		alerts:        alerts,
		rules:         rules,
		notifier:      notifier,
		clock:         clock,
		logger:        log.WithField("component", "rule_engine"),
		lastTriggered: make(map[string]time.Time),
	}
}

func (e *RuleEngine) cooldownUntil(rule models.AlertRule) time.Time {
	until := rule.CooldownUntil()
	e.mu.Lock()
	last, ok := e.lastTriggered[rule.ID]
	e.mu.Unlock()
	if ok {
		if t := last.Add(time.Duration(rule.CooldownMinutes) * time.Minute); t.After(until) {
			until = t
		}
	}
	return until
}

// claim атомарно занимает срабатывание правила; false, если кулдаун еще идет
func (e *RuleEngine) claim(rule models.AlertRule, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
	if last, ok := e.lastTriggered[rule.ID]; ok && now.Before(last.Add(cooldown)) {
		return false
	}
	if now.Before(rule.CooldownUntil()) {
		return false
	}
	e.lastTriggered[rule.ID] = now
	return true
}

func (e *RuleEngine) release(ruleID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastTriggered[ruleID].Equal(at) {
		delete(e.lastTriggered, ruleID)
	}
}

// EvaluateRule оценивает правило и при срабатывании создает алерт,
// обновляет правило и рассылает уведомления
func (e *RuleEngine) EvaluateRule(ctx context.Context, rule models.AlertRule) (TriggerDecision, error) {
	decision := TriggerDecision{RuleID: rule.ID}
	log := e.logger.WithFields(logger.Fields{"rule_id": rule.ID, "rule": rule.Name})

	if !rule.IsActive {
		decision.Reason = "rule is inactive"
		return decision, nil
	}
	now := e.clock()
	if now.Before(e.cooldownUntil(rule)) {
		decision.Suppressed = true
		decision.Reason = "cooldown"
		return decision, nil
	}
	rulesEvaluated.Inc()

	value, err := e.metrics.Evaluate(ctx, rule.Metric, rule.EventTypeFilter, rule.TimeWindowMinutes)
	switch {
	case errors.Is(err, ErrNoData):
		decision.NoData = true
		value = 0
	case err != nil:
		return decision, fmt.Errorf("evaluate metric for rule %s: %w", rule.ID, err)
	}
	decision.Value = value

	severity := rule.Severity
	details := map[string]interface{}{
		"metric":         rule.Metric,
		"condition":      rule.ConditionType,
		"window_minutes": rule.TimeWindowMinutes,
	}
	if rule.EventTypeFilter != "" {
		details["event_type"] = rule.EventTypeFilter
	}

	var triggered bool
	switch rule.ConditionType {
	case models.ConditionGreaterThan:
		triggered = value > rule.Threshold
	case models.ConditionLessThan:
		triggered = value < rule.Threshold
	case models.ConditionEquals:
		triggered = math.Abs(value-rule.Threshold) <= equalsTolerance
	case models.ConditionNotEquals:
		triggered = math.Abs(value-rule.Threshold) > equalsTolerance
	case models.ConditionMissingData:
		triggered = decision.NoData
	case models.ConditionPercentageChange:
		baseline, ok, err := e.anomalies.Baseline(ctx, rule.Metric, rule.EventTypeFilter, rule.TimeWindowMinutes)
		if err != nil {
			return decision, fmt.Errorf("baseline for rule %s: %w", rule.ID, err)
		}
		if !ok || baseline == 0 {
			log.Info("No baseline for percentage change rule, skipping", logger.Field{Key: "baseline", Value: baseline})
			decision.Reason = "no baseline"
			return decision, nil
		}
		change := math.Abs((value-baseline)/baseline) * 100
		details["baseline"] = baseline
		details["percentage_change"] = change
		triggered = change > rule.Threshold
	case models.ConditionAnomaly:
		history, err := e.anomalies.HistoricalValues(ctx, rule.Metric, rule.EventTypeFilter, rule.TimeWindowMinutes)
		if err != nil {
			return decision, fmt.Errorf("history for rule %s: %w", rule.ID, err)
		}
		res := e.anomalies.Detect(history, value, 0)
		decision.Anomaly = &res
		details["confidence"] = res.Confidence
		details["expected_range"] = []float64{res.ExpectedMin, res.ExpectedMax}
		triggered = res.IsAnomaly && res.Confidence > rule.Threshold/100
		if triggered {
			severity = severity.Max(ClassifySeverity(res.Confidence))
		}
	default:
		return decision, fmt.Errorf("%w: unknown condition %q", models.ErrInvalidRule, rule.ConditionType)
	}

	if !triggered {
		return decision, nil
	}

	// второе срабатывание в пределах кулдауна молча подавляется
	if !e.claim(rule, now) {
		decision.Suppressed = true
		decision.Reason = "cooldown"
		return decision, nil
	}

	alert, err := e.alerts.create(ctx, rule, value, severity, details)
	if err != nil {
		e.release(rule.ID, now)
		return decision, err
	}
	decision.Triggered = true
	decision.Instance = alert
	alertsTriggered.WithLabelValues(string(alert.Severity), string(rule.ConditionType)).Inc()

	log.Warn("Alert rule triggered",
		logger.Field{Key: "alert_id", Value: alert.ID},
		logger.Field{Key: "value", Value: value},
		logger.Field{Key: "threshold", Value: rule.Threshold},
		logger.Field{Key: "severity", Value: alert.Severity},
	)

	rule.LastTriggeredAt = &now
	rule.TriggerCount++
	var saveErr error
	if err := e.rules.RecordTrigger(ctx, rule.ID, now); err != nil {
		if errors.Is(err, models.ErrRuleNotFound) {
			// правило удалили во время цикла, не восстанавливаем его
			log.Warn("Rule was deleted during evaluation")
		} else {
			saveErr = fmt.Errorf("record trigger of rule %s: %w", rule.ID, err)
			log.WithError(err).Error("Failed to update rule after trigger")
		}
	}

	if e.notifier != nil && len(rule.NotificationChannels) > 0 {
		decision.Deliveries = e.notifier.Route(ctx, rule, models.NewNotificationContext(*alert))
		for channel, ok := range decision.Deliveries {
			if !ok {
				log.Warn("Notification not delivered", logger.Field{Key: "channel", Value: channel})
			}
		}
	}

	return decision, saveErr
}
