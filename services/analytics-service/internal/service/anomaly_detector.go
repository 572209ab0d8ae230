package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const (
	MinHistoryPoints   = 10
	DefaultSensitivity = 2.0
	BaselineLookback   = 7 * 24 * time.Hour
)

// AnomalyResult результат проверки значения на аномальность
type AnomalyResult struct {
	IsAnomaly   bool    `json:"is_anomaly"`
	Confidence  float64 `json:"confidence"`
	ExpectedMin float64 `json:"expected_min"`
	ExpectedMax float64 `json:"expected_max"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	Points      int     `json:"points"`
}

// ExpectedRange ожидаемый диапазон [min, max]
func (r AnomalyResult) ExpectedRange() [2]float64 {
	return [2]float64{r.ExpectedMin, r.ExpectedMax}
}

// AnomalyDetector ищет аномалии относительно истории снапшотов
type AnomalyDetector struct {
	snapshots   SnapshotRepository
	sensitivity float64
	isError     func(eventType string) bool
	clock       Clock
	logger      logger.Logger
}

func NewAnomalyDetector(snapshots SnapshotRepository, sensitivity float64, isError func(string) bool, clock Clock, log logger.Logger) *AnomalyDetector {
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}
	if clock == nil {
		clock = systemClock
	}
	if isError == nil {
		isError = func(string) bool { return false }
	}
	return &AnomalyDetector{
		snapshots:   snapshots,
		sensitivity: sensitivity,
		isError:     isError,
		clock:       clock,
		logger:      log.WithField("component", "anomaly_detector"),
	}
}

// Detect проверяет current по истории; sensitivity <= 0 берется из настроек детектора
func (d *AnomalyDetector) Detect(history []float64, current, sensitivity float64) AnomalyResult {
	if sensitivity <= 0 {
		sensitivity = d.sensitivity
	}
	return Detect(history, current, sensitivity)
}

// Detect z-score проверка: аномалия, если current вне [μ-s·σ, μ+s·σ].
// Меньше MinHistoryPoints точек никогда не дают аномалию.
func Detect(history []float64, current, sensitivity float64) AnomalyResult {
	values := finite(history)
	result := AnomalyResult{Points: len(values)}
	if len(values) < MinHistoryPoints || math.IsNaN(current) || math.IsInf(current, 0) {
		return result
	}
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}

	mean, std := stat.MeanStdDev(values, nil)
	result.Mean = mean
	result.StdDev = std
	result.ExpectedMin = mean - sensitivity*std
	result.ExpectedMax = mean + sensitivity*std

	deviation := math.Abs(current - mean)
	if std == 0 {
		result.IsAnomaly = deviation > 0
		if result.IsAnomaly {
			result.Confidence = 1.0
		}
		return result
	}

	result.IsAnomaly = current < result.ExpectedMin || current > result.ExpectedMax
	result.Confidence = math.Min(deviation/(std*sensitivity), 1.0)
	return result
}

func finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// ClassifySeverity важность аномалии по уверенности
func ClassifySeverity(confidence float64) models.Severity {
	switch {
	case confidence > 0.8:
		return models.SeverityCritical
	case confidence > 0.6:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

// Median медиана; для четного числа точек среднее двух средних
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// RecentSnapshots часовые снапшоты за последние 7 дней
func (d *AnomalyDetector) RecentSnapshots(ctx context.Context) ([]models.MetricSnapshot, error) {
	now := d.clock()
	snapshots, err := d.snapshots.QuerySnapshots(ctx, models.AggregationHourly, now.Add(-BaselineLookback), now)
	if err != nil {
		return nil, fmt.Errorf("load hourly snapshots: %w", err)
	}
	return snapshots, nil
}

// HistoricalValues проекция последних часовых снапшотов на метрику правила
func (d *AnomalyDetector) HistoricalValues(ctx context.Context, metric models.MetricType, eventType string, windowMinutes int) ([]float64, error) {
	snapshots, err := d.RecentSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	return d.Project(snapshots, metric, eventType, windowMinutes), nil
}

// Project переводит снапшоты в значения метрики.
// Счетчики масштабируются на окно правила, чтобы час истории сравнивался с окном любой длины.
func (d *AnomalyDetector) Project(snapshots []models.MetricSnapshot, metric models.MetricType, eventType string, windowMinutes int) []float64 {
	values := make([]float64, 0, len(snapshots))
	for _, s := range snapshots {
		period := s.PeriodMinutes()
		if period <= 0 {
			continue
		}

		count := float64(s.TotalEvents)
		if eventType != "" {
			count = float64(s.EventCountsByType[eventType])
		}

		switch metric {
		case models.MetricCount:
			if windowMinutes > 0 {
				count = count * float64(windowMinutes) / period
			}
			values = append(values, count)
		case models.MetricRate:
			values = append(values, count/period)
		case models.MetricUniqueActors:
			values = append(values, float64(s.UniqueActorCount))
		case models.MetricErrorRatio:
			values = append(values, d.errorRatio(s, eventType))
		}
	}
	return values
}

func (d *AnomalyDetector) errorRatio(s models.MetricSnapshot, eventType string) float64 {
	var total, errs int64
	for t, n := range s.EventCountsByType {
		if eventType != "" && t != eventType {
			continue
		}
		total += n
		if d.isError(t) {
			errs += n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(errs) / float64(total)
}

// Baseline медиана истории метрики; false, если истории нет
func (d *AnomalyDetector) Baseline(ctx context.Context, metric models.MetricType, eventType string, windowMinutes int) (float64, bool, error) {
	values, err := d.HistoricalValues(ctx, metric, eventType, windowMinutes)
	if err != nil {
		return 0, false, err
	}
	if len(values) == 0 {
		return 0, false, nil
	}
	return Median(values), true, nil
}
