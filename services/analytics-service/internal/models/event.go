package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ключи атрибутов, по которым определяется актор события (в порядке приоритета)
var ActorAttributeKeys = []string{"actor_id", "user_id"}

// Event неизменяемое событие аналитики.
// После создания через NewEvent ни одно поле, включая Attributes, не изменяется.
type Event struct {
	ID            string                 `json:"id" bson:"_id"`
	Type          string                 `json:"type" bson:"type"`
	Timestamp     time.Time              `json:"timestamp" bson:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty" bson:"attributes,omitempty"`
}

// EventOption дополнительный параметр события
type EventOption func(*Event)

// WithTimestamp задает время события (по умолчанию текущее)
func WithTimestamp(ts time.Time) EventOption {
	return func(e *Event) {
		if !ts.IsZero() {
			e.Timestamp = ts.UTC()
		}
	}
}

// WithCorrelationID задает correlation id
func WithCorrelationID(id string) EventOption {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// NewEvent создает событие с новым ID и копией атрибутов
func NewEvent(eventType string, attributes map[string]interface{}, opts ...EventOption) (Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Event{}, ErrEmptyEventType
	}

	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
	if len(attributes) > 0 {
		e.Attributes = make(map[string]interface{}, len(attributes))
		for k, v := range attributes {
			e.Attributes[k] = v
		}
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// Attribute возвращает значение атрибута
func (e Event) Attribute(key string) (interface{}, bool) {
	v, ok := e.Attributes[key]
	return v, ok
}

// ActorID возвращает идентификатор актора или пустую строку
func (e Event) ActorID() string {
	for _, key := range ActorAttributeKeys {
		v, ok := e.Attributes[key]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s
		}
	}
	return ""
}

// EventFilter фильтр выборки событий из бэкенда
type EventFilter struct {
	EventTypes []string
	ActorID    string
	From       time.Time
	To         time.Time
	Limit      int
}

// Matches проверяет событие на соответствие фильтру
func (f EventFilter) Matches(e Event) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.ActorID != "" && e.ActorID() != f.ActorID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.Type {
			return true
		}
	}
	return false
}
