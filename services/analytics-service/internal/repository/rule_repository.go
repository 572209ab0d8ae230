package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/eventpulse/pkg/database"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// RuleRepository хранилище правил алертов в MongoDB
type RuleRepository struct {
	collection *mongo.Collection
}

// NewRuleRepository создает репозиторий правил
func NewRuleRepository(db *mongo.Database) *RuleRepository {
	return &RuleRepository{collection: db.Collection("alert_rules")}
}

// EnsureIndexes создает индексы коллекции правил
func (r *RuleRepository) EnsureIndexes(ctx context.Context) error {
	return database.CreateIndexes(ctx, r.collection, []mongo.IndexModel{
		{Keys: bson.D{{Key: "is_active", Value: 1}}},
		{Keys: bson.D{{Key: "name", Value: 1}}},
	})
}

// ListActiveRules возвращает активные правила
func (r *RuleRepository) ListActiveRules(ctx context.Context) ([]models.AlertRule, error) {
	return r.find(ctx, bson.M{"is_active": true})
}

// ListRules возвращает все правила
func (r *RuleRepository) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	return r.find(ctx, bson.M{})
}

func (r *RuleRepository) find(ctx context.Context, filter bson.M) ([]models.AlertRule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find rules: %w", err)
	}
	defer cursor.Close(ctx)

	rules := make([]models.AlertRule, 0)
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return rules, nil
}

// GetRule получает правило по ID
func (r *RuleRepository) GetRule(ctx context.Context, id string) (*models.AlertRule, error) {
	var rule models.AlertRule
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rule)
	if err != nil {
		if errors.Is(database.TranslateError(err), database.ErrNotFound) {
			return nil, models.ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// Save создает или заменяет правило
func (r *RuleRepository) Save(ctx context.Context, rule *models.AlertRule) error {
	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": rule.ID}, rule, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// RecordTrigger атомарно сдвигает last_triggered_at и увеличивает trigger_count, не трогая остальные поля
func (r *RuleRepository) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"last_triggered_at": at.UTC(), "updated_at": time.Now().UTC()},
		"$inc": bson.M{"trigger_count": 1},
	})
	if err != nil {
		return fmt.Errorf("failed to record rule trigger: %w", err)
	}
	if res.MatchedCount == 0 {
		return models.ErrRuleNotFound
	}
	return nil
}

// Delete удаляет правило
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if res.DeletedCount == 0 {
		return models.ErrRuleNotFound
	}
	return nil
}
