package models

import (
	"fmt"
	"strings"
	"time"
)

// MetricType метрика, по которой оценивается правило
type MetricType string

const (
	MetricCount        MetricType = "count"
	MetricUniqueActors MetricType = "unique_actors"
	MetricRate         MetricType = "rate"
	MetricErrorRatio   MetricType = "error_ratio"
)

// StandardMetrics метрики, которые проверяются при поиске аномалий
var StandardMetrics = []MetricType{MetricCount, MetricUniqueActors, MetricRate, MetricErrorRatio}

func (m MetricType) Valid() bool {
	switch m {
	case MetricCount, MetricUniqueActors, MetricRate, MetricErrorRatio:
		return true
	}
	return false
}

// ConditionType тип условия правила
type ConditionType string

const (
	ConditionGreaterThan      ConditionType = "greater_than"
	ConditionLessThan         ConditionType = "less_than"
	ConditionEquals           ConditionType = "equals"
	ConditionNotEquals        ConditionType = "not_equals"
	ConditionPercentageChange ConditionType = "percentage_change"
	ConditionAnomaly          ConditionType = "anomaly_detection"
	ConditionMissingData      ConditionType = "missing_data"
)

func (c ConditionType) Valid() bool {
	switch c {
	case ConditionGreaterThan, ConditionLessThan, ConditionEquals, ConditionNotEquals,
		ConditionPercentageChange, ConditionAnomaly, ConditionMissingData:
		return true
	}
	return false
}

// Severity важность алерта
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank порядок важности, -1 для неизвестной
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// Max возвращает более важную из двух
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// AlertStatus статус экземпляра алерта
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusDismissed    AlertStatus = "dismissed"
)

// IsTerminal resolved и dismissed не допускают переходов
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved || s == AlertStatusDismissed
}

// AlertRule правило для генерации алертов
type AlertRule struct {
	ID                   string        `json:"id" bson:"_id" yaml:"id"`
	Name                 string        `json:"name" bson:"name" yaml:"name"`
	EventTypeFilter      string        `json:"event_type_filter,omitempty" bson:"event_type_filter,omitempty" yaml:"event_type_filter"`
	Metric               MetricType    `json:"metric" bson:"metric" yaml:"metric"`
	ConditionType        ConditionType `json:"condition_type" bson:"condition_type" yaml:"condition_type"`
	Threshold            float64       `json:"threshold" bson:"threshold" yaml:"threshold"`
	TimeWindowMinutes    int           `json:"time_window_minutes" bson:"time_window_minutes" yaml:"time_window_minutes"`
	Severity             Severity      `json:"severity" bson:"severity" yaml:"severity"`
	NotificationChannels []string      `json:"notification_channels" bson:"notification_channels" yaml:"notification_channels"`
	CooldownMinutes      int           `json:"cooldown_minutes" bson:"cooldown_minutes" yaml:"cooldown_minutes"`
	IsActive             bool          `json:"is_active" bson:"is_active" yaml:"is_active"`
	LastTriggeredAt      *time.Time    `json:"last_triggered_at,omitempty" bson:"last_triggered_at,omitempty" yaml:"-"`
	TriggerCount         int64         `json:"trigger_count" bson:"trigger_count" yaml:"-"`
	CreatedAt            time.Time     `json:"created_at" bson:"created_at" yaml:"-"`
	UpdatedAt            time.Time     `json:"updated_at" bson:"updated_at" yaml:"-"`
}

// Validate проверяет обязательные поля правила
func (r AlertRule) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !r.Metric.Valid() {
		problems = append(problems, fmt.Sprintf("unknown metric %q", r.Metric))
	}
	if !r.ConditionType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown condition %q", r.ConditionType))
	}
	if r.Severity.Rank() < 0 {
		problems = append(problems, fmt.Sprintf("unknown severity %q", r.Severity))
	}
	if r.TimeWindowMinutes <= 0 {
		problems = append(problems, "time_window_minutes must be positive")
	}
	if r.CooldownMinutes < 0 {
		problems = append(problems, "cooldown_minutes must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(problems, "; "))
	}
	return nil
}

// CooldownUntil момент, до которого правило не может сработать повторно
func (r AlertRule) CooldownUntil() time.Time {
	if r.LastTriggeredAt == nil {
		return time.Time{}
	}
	return r.LastTriggeredAt.Add(time.Duration(r.CooldownMinutes) * time.Minute)
}

// Window окно оценки правила
func (r AlertRule) Window() time.Duration {
	return time.Duration(r.TimeWindowMinutes) * time.Minute
}

// AlertInstance сработавший алерт
type AlertInstance struct {
	ID             string                 `json:"id" bson:"_id"`
	RuleID         string                 `json:"rule_id" bson:"rule_id"`
	RuleName       string                 `json:"rule_name" bson:"rule_name"`
	TriggeredValue float64                `json:"triggered_value" bson:"triggered_value"`
	ThresholdValue float64                `json:"threshold_value" bson:"threshold_value"`
	Severity       Severity               `json:"severity" bson:"severity"`
	Context        map[string]interface{} `json:"context,omitempty" bson:"context,omitempty"`
	Status         AlertStatus            `json:"status" bson:"status"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty" bson:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty" bson:"acknowledged_at,omitempty"`
	ResolvedBy     string                 `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	DismissedBy    string                 `json:"dismissed_by,omitempty" bson:"dismissed_by,omitempty"`
	DismissedAt    *time.Time             `json:"dismissed_at,omitempty" bson:"dismissed_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at" bson:"created_at"`
}

// AlertFilter фильтр списка алертов
type AlertFilter struct {
	Status   AlertStatus
	Severity Severity
	RuleID   string
	Limit    int
}

// AlertSummary сводка по алертам
type AlertSummary struct {
	Total      int64                 `json:"total"`
	ByStatus   map[AlertStatus]int64 `json:"by_status"`
	BySeverity map[Severity]int64    `json:"by_severity"`
}

// NotificationContext данные алерта для каналов уведомлений
type NotificationContext struct {
	AlertID     string                 `json:"alert_id"`
	Value       float64                `json:"value"`
	Threshold   float64                `json:"threshold"`
	Severity    Severity               `json:"severity"`
	TriggeredAt time.Time              `json:"triggered_at"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// NewNotificationContext собирает контекст уведомления из экземпляра алерта
func NewNotificationContext(a AlertInstance) NotificationContext {
	return NotificationContext{
		AlertID:     a.ID,
		Value:       a.TriggeredValue,
		Threshold:   a.ThresholdValue,
		Severity:    a.Severity,
		TriggeredAt: a.CreatedAt,
		Details:     a.Context,
	}
}
