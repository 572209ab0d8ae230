package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const (
	DefaultCycleInterval = 5 * time.Minute
	anomalyScanWindow    = 60
)

// CycleResult итог одного цикла мониторинга
type CycleResult struct {
	StartedAt         time.Time     `json:"started_at"`
	RulesEvaluated    int           `json:"rules_evaluated"`
	AlertsTriggered   int           `json:"alerts_triggered"`
	AnomaliesDetected int           `json:"anomalies_detected"`
	Errors            []string      `json:"errors"`
	Duration          time.Duration `json:"duration"`
}

// AnomalyFinding аномалия, найденная сканированием стандартных метрик
type AnomalyFinding struct {
	Metric    models.MetricType `json:"metric"`
	EventType string            `json:"event_type,omitempty"`
	Value     float64           `json:"value"`
	Severity  models.Severity   `json:"severity"`
	Result    AnomalyResult     `json:"result"`
}

type metricTarget struct {
	metric    models.MetricType
	eventType string
}

// MonitoringEngine оценивает все активные правила за цикл
type MonitoringEngine struct {
	rules     RuleRepository
	engine    *RuleEngine
	metrics   MetricSource
	anomalies *AnomalyDetector
	clock     Clock
	logger    logger.Logger
}

func NewMonitoringEngine(rules RuleRepository, engine *RuleEngine, metrics MetricSource, anomalies *AnomalyDetector, clock Clock, log logger.Logger) *MonitoringEngine {
	if clock == nil {
		clock = systemClock
	}
	return &MonitoringEngine{
		rules:     rules,
		engine:    engine,
		metrics:   metrics,
		anomalies: anomalies,
		clock:     clock,
		logger:    log.WithField("component", "monitoring_engine"),
	}
}

// RunCycle ошибки отдельных правил собираются и не прерывают цикл
func (m *MonitoringEngine) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	result := CycleResult{StartedAt: m.clock(), Errors: make([]string, 0)}
	defer func() {
		result.Duration = time.Since(start)
		monitoringCycleDuration.Observe(result.Duration.Seconds())
	}()

	rules, err := m.rules.ListActiveRules(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list active rules: %v", err))
		m.logger.WithError(err).Error("Failed to list active rules")
		return result
	}

	covered := make(map[metricTarget]bool)
	for _, rule := range rules {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			return result
		}

		decision, err := m.evaluate(ctx, rule)
		result.RulesEvaluated++
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rule %s: %v", rule.ID, err))
			m.logger.WithError(err).WithField("rule_id", rule.ID).Error("Rule evaluation failed")
		}
		if !decision.Triggered {
			continue
		}
		result.AlertsTriggered++
		if rule.ConditionType == models.ConditionAnomaly {
			result.AnomaliesDetected++
			covered[metricTarget{rule.Metric, rule.EventTypeFilter}] = true
			anomaliesDetected.WithLabelValues(string(rule.Metric)).Inc()
		}
	}

	findings, err := m.DetectAnomalies(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("anomaly scan: %v", err))
	}
	for _, f := range findings {
		if !covered[metricTarget{f.Metric, f.EventType}] {
			result.AnomaliesDetected++
		}
	}

	m.logger.Info("Monitoring cycle completed",
		logger.Field{Key: "rules_evaluated", Value: result.RulesEvaluated},
		logger.Field{Key: "alerts_triggered", Value: result.AlertsTriggered},
		logger.Field{Key: "anomalies_detected", Value: result.AnomaliesDetected},
		logger.Field{Key: "errors", Value: len(result.Errors)},
	)
	return result
}

func (m *MonitoringEngine) evaluate(ctx context.Context, rule models.AlertRule) (decision TriggerDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule evaluation panicked: %v", r)
		}
	}()
	return m.engine.EvaluateRule(ctx, rule)
}

// DetectAnomalies проверяет стандартные метрики по типам событий из последнего снапшота.
// Находки только логируются; алерт создается лишь правилом.
func (m *MonitoringEngine) DetectAnomalies(ctx context.Context) ([]AnomalyFinding, error) {
	snapshots, err := m.anomalies.RecentSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if len(snapshots) < MinHistoryPoints {
		return nil, nil
	}

	targets := make([]metricTarget, 0)
	for _, metric := range models.StandardMetrics {
		targets = append(targets, metricTarget{metric: metric})
	}
	latest := snapshots[len(snapshots)-1]
	types := make([]string, 0, len(latest.EventCountsByType))
	for t := range latest.EventCountsByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		targets = append(targets, metricTarget{metric: models.MetricCount, eventType: t})
	}

	var (
		findings []AnomalyFinding
		errs     []error
	)
	for _, target := range targets {
		value, err := m.metrics.Evaluate(ctx, target.metric, target.eventType, anomalyScanWindow)
		if err != nil && !errors.Is(err, ErrNoData) {
			errs = append(errs, err)
			continue
		}

		history := m.anomalies.Project(snapshots, target.metric, target.eventType, anomalyScanWindow)
		res := m.anomalies.Detect(history, value, 0)
		if !res.IsAnomaly {
			continue
		}

		finding := AnomalyFinding{
			Metric:    target.metric,
			EventType: target.eventType,
			Value:     value,
			Severity:  ClassifySeverity(res.Confidence),
			Result:    res,
		}
		findings = append(findings, finding)
		m.logger.Warn("Anomaly detected",
			logger.Field{Key: "metric", Value: target.metric},
			logger.Field{Key: "event_type", Value: target.eventType},
			logger.Field{Key: "value", Value: value},
			logger.Field{Key: "confidence", Value: res.Confidence},
			logger.Field{Key: "severity", Value: finding.Severity},
		)
	}
	return findings, errors.Join(errs...)
}

// Run запускает циклы мониторинга по таймеру
func (m *MonitoringEngine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCycleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			RecordWorkerRun("monitoring_engine")
			if res := m.RunCycle(ctx); len(res.Errors) > 0 {
				RecordWorkerError("monitoring_engine")
			}
		case <-ctx.Done():
			m.logger.Info("Stopping monitoring engine")
			return
		}
	}
}
