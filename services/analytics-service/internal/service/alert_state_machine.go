package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// переходы вперед; resolved и dismissed конечные
var allowedTransitions = map[models.AlertStatus][]models.AlertStatus{
	models.AlertStatusActive:       {models.AlertStatusAcknowledged, models.AlertStatusResolved, models.AlertStatusDismissed},
	models.AlertStatusAcknowledged: {models.AlertStatusResolved},
}

// CanTransition допустим ли переход from -> to
func CanTransition(from, to models.AlertStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AlertStateMachine единственный владелец переходов состояния алертов
type AlertStateMachine struct {
	repo   AlertRepository
	clock  Clock
	logger logger.Logger

	mu sync.Mutex
}

func NewAlertStateMachine(repo AlertRepository, clock Clock, log logger.Logger) *AlertStateMachine {
	if clock == nil {
		clock = systemClock
	}
	return &AlertStateMachine{
		repo:   repo,
		clock:  clock,
		logger: log.WithField("component", "alert_state_machine"),
	}
}

// Create создает и сохраняет активный алерт по правилу
func (m *AlertStateMachine) Create(ctx context.Context, rule models.AlertRule, value float64, details map[string]interface{}) (*models.AlertInstance, error) {
	return m.create(ctx, rule, value, rule.Severity, details)
}

func (m *AlertStateMachine) create(ctx context.Context, rule models.AlertRule, value float64, severity models.Severity, details map[string]interface{}) (*models.AlertInstance, error) {
	ctxCopy := make(map[string]interface{}, len(details))
	for k, v := range details {
		ctxCopy[k] = v
	}

	alert := &models.AlertInstance{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		TriggeredValue: value,
		ThresholdValue: rule.Threshold,
		Severity:       severity,
		Context:        ctxCopy,
		Status:         models.AlertStatusActive,
		CreatedAt:      m.clock(),
	}
	if err := m.repo.Save(ctx, alert); err != nil {
		return nil, fmt.Errorf("save alert for rule %s: %w", rule.ID, err)
	}
	recordTransition(models.AlertStatusActive)
	return alert, nil
}

func (m *AlertStateMachine) transition(alert *models.AlertInstance, to models.AlertStatus) error {
	if !CanTransition(alert.Status, to) {
		return &models.TransitionError{AlertID: alert.ID, From: alert.Status, To: to}
	}
	alert.Status = to
	return nil
}

// Acknowledge допустим только из active
func (m *AlertStateMachine) Acknowledge(alert *models.AlertInstance, actor string) error {
	if err := m.transition(alert, models.AlertStatusAcknowledged); err != nil {
		return err
	}
	now := m.clock()
	alert.AcknowledgedBy = actor
	alert.AcknowledgedAt = &now
	return nil
}

// Resolve допустим из active и acknowledged
func (m *AlertStateMachine) Resolve(alert *models.AlertInstance, actor string) error {
	if err := m.transition(alert, models.AlertStatusResolved); err != nil {
		return err
	}
	now := m.clock()
	alert.ResolvedBy = actor
	alert.ResolvedAt = &now
	return nil
}

// Dismiss допустим только из active
func (m *AlertStateMachine) Dismiss(alert *models.AlertInstance, actor string) error {
	if err := m.transition(alert, models.AlertStatusDismissed); err != nil {
		return err
	}
	now := m.clock()
	alert.DismissedBy = actor
	alert.DismissedAt = &now
	return nil
}

func (m *AlertStateMachine) AcknowledgeByID(ctx context.Context, id, actor string) (*models.AlertInstance, error) {
	return m.applyByID(ctx, id, actor, models.AlertStatusAcknowledged, m.Acknowledge)
}

func (m *AlertStateMachine) ResolveByID(ctx context.Context, id, actor string) (*models.AlertInstance, error) {
	return m.applyByID(ctx, id, actor, models.AlertStatusResolved, m.Resolve)
}

func (m *AlertStateMachine) DismissByID(ctx context.Context, id, actor string) (*models.AlertInstance, error) {
	return m.applyByID(ctx, id, actor, models.AlertStatusDismissed, m.Dismiss)
}

// applyByID загружает алерт, применяет переход и сохраняет.
// Сохраненный алерт не меняется, если переход недопустим.
func (m *AlertStateMachine) applyByID(ctx context.Context, id, actor string, to models.AlertStatus, apply func(*models.AlertInstance, string) error) (*models.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(alert, actor); err != nil {
		return nil, err
	}
	if err := m.repo.Save(ctx, alert); err != nil {
		return nil, fmt.Errorf("save alert %s: %w", id, err)
	}

	recordTransition(to)
	m.logger.Info("Alert state changed",
		logger.Field{Key: "alert_id", Value: id},
		logger.Field{Key: "status", Value: to},
		logger.Field{Key: "actor", Value: actor},
	)
	return alert, nil
}
