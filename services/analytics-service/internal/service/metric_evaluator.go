package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const DefaultMetricCacheTTL = 300 * time.Second

// ErrNoData в окне метрики нет ни одного события
var ErrNoData = errors.New("no data for metric window")

// DefaultErrorPatterns подстроки типа события, по которым оно считается ошибкой
var DefaultErrorPatterns = []string{"error", "failed", "exception"}

// MetricKey ключ кэша метрики
type MetricKey struct {
	Metric        models.MetricType
	EventType     string
	WindowMinutes int
}

func (k MetricKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.Metric, k.WindowMinutes, k.EventType)
}

// MetricSource вычисляет текущее значение метрики
type MetricSource interface {
	Evaluate(ctx context.Context, metric models.MetricType, eventType string, windowMinutes int) (float64, error)
}

// SharedCache второй уровень кэша, общий для реплик сервиса
type SharedCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type metricValue struct {
	Value  float64 `json:"v"`
	NoData bool    `json:"n,omitempty"`
}

type cachedMetric struct {
	metricValue
	expiresAt time.Time
}

// MetricEvaluator считает метрики по событиям из бэкендов
type MetricEvaluator struct {
	events        EventQuerier
	shared        SharedCache
	ttl           time.Duration
	errorPatterns []string
	clock         Clock
	logger        logger.Logger

	mu    sync.Mutex
	cache map[MetricKey]cachedMetric
}

type MetricEvaluatorConfig struct {
	CacheTTL      time.Duration
	ErrorPatterns []string
	Shared        SharedCache
	Clock         Clock
}

func NewMetricEvaluator(events EventQuerier, cfg MetricEvaluatorConfig, log logger.Logger) *MetricEvaluator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultMetricCacheTTL
	}
	if len(cfg.ErrorPatterns) == 0 {
		cfg.ErrorPatterns = DefaultErrorPatterns
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock
	}
	patterns := make([]string, len(cfg.ErrorPatterns))
	for i, p := range cfg.ErrorPatterns {
		patterns[i] = strings.ToLower(p)
	}
	return &MetricEvaluator{
		events:        events,
		shared:        cfg.Shared,
		ttl:           cfg.CacheTTL,
		errorPatterns: patterns,
		clock:         cfg.Clock,
		logger:        log.WithField("component", "metric_evaluator"),
		cache:         make(map[MetricKey]cachedMetric),
	}
}

// Evaluate возвращает значение метрики за последние windowMinutes минут.
// Пустое окно дает (0, ErrNoData).
func (e *MetricEvaluator) Evaluate(ctx context.Context, metric models.MetricType, eventType string, windowMinutes int) (float64, error) {
	if !metric.Valid() {
		return 0, fmt.Errorf("unknown metric %q", metric)
	}
	if windowMinutes <= 0 {
		return 0, fmt.Errorf("time window must be positive, got %d", windowMinutes)
	}

	key := MetricKey{Metric: metric, EventType: eventType, WindowMinutes: windowMinutes}
	if v, ok := e.cached(ctx, key); ok {
		metricCacheHits.Inc()
		return v.result()
	}
	metricCacheMisses.Inc()

	now := e.clock()
	filter := models.EventFilter{From: now.Add(-time.Duration(windowMinutes) * time.Minute), To: now}
	if eventType != "" {
		filter.EventTypes = []string{eventType}
	}
	events, err := e.events.Query(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("query events for %s: %w", key, err)
	}

	v := metricValue{NoData: len(events) == 0}
	if !v.NoData {
		v.Value = e.compute(metric, events, windowMinutes)
	}
	e.store(ctx, key, v)
	return v.result()
}

func (v metricValue) result() (float64, error) {
	if v.NoData {
		return 0, ErrNoData
	}
	return v.Value, nil
}

func (e *MetricEvaluator) compute(metric models.MetricType, events []models.Event, windowMinutes int) float64 {
	switch metric {
	case models.MetricCount:
		return float64(len(events))
	case models.MetricRate:
		return float64(len(events)) / float64(windowMinutes)
	case models.MetricUniqueActors:
		return float64(countUniqueActors(events))
	case models.MetricErrorRatio:
		if len(events) == 0 {
			return 0
		}
		errs := 0
		for _, ev := range events {
			if e.IsErrorType(ev.Type) {
				errs++
			}
		}
		return float64(errs) / float64(len(events))
	}
	return 0
}

// IsErrorType проверяет тип события на совпадение с шаблонами ошибок
func (e *MetricEvaluator) IsErrorType(eventType string) bool {
	t := strings.ToLower(eventType)
	for _, p := range e.errorPatterns {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

func countUniqueActors(events []models.Event) int {
	actors := make(map[string]struct{})
	for _, ev := range events {
		if id := ev.ActorID(); id != "" {
			actors[id] = struct{}{}
		}
	}
	return len(actors)
}

func (e *MetricEvaluator) cached(ctx context.Context, key MetricKey) (metricValue, bool) {
	now := e.clock()

	e.mu.Lock()
	entry, ok := e.cache[key]
	e.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.metricValue, true
	}

	if e.shared == nil {
		return metricValue{}, false
	}
	var v metricValue
	if err := e.shared.GetJSON(ctx, key.String(), &v); err != nil {
		return metricValue{}, false
	}
	e.storeLocal(key, v, now)
	return v, true
}

func (e *MetricEvaluator) store(ctx context.Context, key MetricKey, v metricValue) {
	e.storeLocal(key, v, e.clock())
	if e.shared == nil {
		return
	}
	if err := e.shared.Set(ctx, key.String(), v, e.ttl); err != nil {
		e.logger.WithError(err).Debug("Failed to write shared metric cache", logger.Field{Key: "key", Value: key.String()})
	}
}

func (e *MetricEvaluator) storeLocal(key MetricKey, v metricValue, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.cache) > 1024 {
		for k, entry := range e.cache {
			if !now.Before(entry.expiresAt) {
				delete(e.cache, k)
			}
		}
	}
	e.cache[key] = cachedMetric{metricValue: v, expiresAt: now.Add(e.ttl)}
}

// Invalidate очищает локальный кэш
func (e *MetricEvaluator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[MetricKey]cachedMetric)
}
