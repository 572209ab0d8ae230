package service

import (
	"context"
	"time"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// RuleRepository хранилище правил
type RuleRepository interface {
	ListActiveRules(ctx context.Context) ([]models.AlertRule, error)
	ListRules(ctx context.Context) ([]models.AlertRule, error)
	GetRule(ctx context.Context, id string) (*models.AlertRule, error)
	Save(ctx context.Context, rule *models.AlertRule) error
	// RecordTrigger обновляет только счетчики срабатывания; удаленное правило дает ErrRuleNotFound
	RecordTrigger(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// AlertRepository хранилище экземпляров алертов
type AlertRepository interface {
	Save(ctx context.Context, alert *models.AlertInstance) error
	Get(ctx context.Context, id string) (*models.AlertInstance, error)
	List(ctx context.Context, filter models.AlertFilter) ([]models.AlertInstance, error)
	Summary(ctx context.Context) (*models.AlertSummary, error)
}

// SnapshotRepository хранилище снапшотов метрик
type SnapshotRepository interface {
	QuerySnapshots(ctx context.Context, aggregation models.AggregationType, from, to time.Time) ([]models.MetricSnapshot, error)
	Save(ctx context.Context, snapshot *models.MetricSnapshot) error
}

// EventQuerier источник событий для расчета метрик
type EventQuerier interface {
	Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
}

// Notifier доставляет сработавший алерт по каналам правила
type Notifier interface {
	Route(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) map[string]bool
}

// Clock источник текущего времени
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
