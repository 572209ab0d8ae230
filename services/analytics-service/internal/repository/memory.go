package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// MemoryRuleRepository правила в памяти процесса
type MemoryRuleRepository struct {
	mu    sync.RWMutex
	rules map[string]models.AlertRule
}

func NewMemoryRuleRepository(seed ...models.AlertRule) *MemoryRuleRepository {
	r := &MemoryRuleRepository{rules: make(map[string]models.AlertRule)}
	for i := range seed {
		_ = r.Save(context.Background(), &seed[i])
	}
	return r
}

func (r *MemoryRuleRepository) ListActiveRules(ctx context.Context) ([]models.AlertRule, error) {
	return r.list(func(rule models.AlertRule) bool { return rule.IsActive }), nil
}

func (r *MemoryRuleRepository) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	return r.list(func(models.AlertRule) bool { return true }), nil
}

func (r *MemoryRuleRepository) list(keep func(models.AlertRule) bool) []models.AlertRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]models.AlertRule, 0, len(r.rules))
	for _, rule := range r.rules {
		if keep(rule) {
			rules = append(rules, copyRule(rule))
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules
}

func (r *MemoryRuleRepository) GetRule(ctx context.Context, id string) (*models.AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, models.ErrRuleNotFound
	}
	c := copyRule(rule)
	return &c, nil
}

func (r *MemoryRuleRepository) Save(ctx context.Context, rule *models.AlertRule) error {
	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.ID] = copyRule(*rule)
	return nil
}

func (r *MemoryRuleRepository) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return models.ErrRuleNotFound
	}
	at = at.UTC()
	rule.LastTriggeredAt = &at
	rule.TriggerCount++
	rule.UpdatedAt = time.Now().UTC()
	r.rules[id] = rule
	return nil
}

func (r *MemoryRuleRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return models.ErrRuleNotFound
	}
	delete(r.rules, id)
	return nil
}

func copyRule(rule models.AlertRule) models.AlertRule {
	rule.NotificationChannels = append([]string(nil), rule.NotificationChannels...)
	if rule.LastTriggeredAt != nil {
		t := *rule.LastTriggeredAt
		rule.LastTriggeredAt = &t
	}
	return rule
}

// MemoryAlertRepository алерты в памяти процесса
type MemoryAlertRepository struct {
	mu     sync.RWMutex
	alerts map[string]models.AlertInstance
}

func NewMemoryAlertRepository() *MemoryAlertRepository {
	return &MemoryAlertRepository{alerts: make(map[string]models.AlertInstance)}
}

func (r *MemoryAlertRepository) Save(ctx context.Context, alert *models.AlertInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[alert.ID] = *alert
	return nil
}

func (r *MemoryAlertRepository) Get(ctx context.Context, id string) (*models.AlertInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, models.ErrAlertNotFound
	}
	return &alert, nil
}

func (r *MemoryAlertRepository) List(ctx context.Context, filter models.AlertFilter) ([]models.AlertInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alerts := make([]models.AlertInstance, 0)
	for _, a := range r.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.RuleID != "" && a.RuleID != filter.RuleID {
			continue
		}
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAlertLimit
	}
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (r *MemoryAlertRepository) Summary(ctx context.Context) (*models.AlertSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := newSummary()
	for _, a := range r.alerts {
		summary.Total++
		summary.ByStatus[a.Status]++
		summary.BySeverity[a.Severity]++
	}
	return summary, nil
}

// MemorySnapshotRepository снапшоты в памяти процесса
type MemorySnapshotRepository struct {
	mu        sync.RWMutex
	snapshots map[snapshotKey]models.MetricSnapshot
}

type snapshotKey struct {
	aggregation models.AggregationType
	start       int64
}

func NewMemorySnapshotRepository() *MemorySnapshotRepository {
	return &MemorySnapshotRepository{snapshots: make(map[snapshotKey]models.MetricSnapshot)}
}

func (r *MemorySnapshotRepository) QuerySnapshots(ctx context.Context, aggregation models.AggregationType, from, to time.Time) ([]models.MetricSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.MetricSnapshot, 0)
	for key, s := range r.snapshots {
		if key.aggregation != aggregation {
			continue
		}
		if s.PeriodStart.Before(from) || s.PeriodStart.After(to) {
			continue
		}
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PeriodStart.Before(result[j].PeriodStart) })
	return result, nil
}

func (r *MemorySnapshotRepository) Save(ctx context.Context, snapshot *models.MetricSnapshot) error {
	key := snapshotKey{aggregation: snapshot.AggregationType, start: snapshot.PeriodStart.UnixNano()}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.snapshots[key]; ok {
		snapshot.ID = existing.ID
	} else if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	r.snapshots[key] = *snapshot
	return nil
}
