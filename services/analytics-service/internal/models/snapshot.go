package models

import (
	"fmt"
	"time"
)

// AggregationType период агрегации снапшота
type AggregationType string

const (
	AggregationHourly  AggregationType = "hourly"
	AggregationDaily   AggregationType = "daily"
	AggregationWeekly  AggregationType = "weekly"
	AggregationMonthly AggregationType = "monthly"
)

// Period возвращает границы периода, заканчивающегося в end (end выравнивается по началу периода)
func (a AggregationType) Period(end time.Time) (time.Time, time.Time, error) {
	end = end.UTC()
	switch a {
	case AggregationHourly:
		end = end.Truncate(time.Hour)
		return end.Add(-time.Hour), end, nil
	case AggregationDaily:
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
		return end.AddDate(0, 0, -1), end, nil
	case AggregationWeekly:
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
		return end.AddDate(0, 0, -7), end, nil
	case AggregationMonthly:
		end = time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
		return end.AddDate(0, -1, 0), end, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownAggregation, a)
	}
}

// MetricSnapshot периодический агрегат событий
type MetricSnapshot struct {
	ID                string           `json:"id" bson:"_id"`
	AggregationType   AggregationType  `json:"aggregation_type" bson:"aggregation_type"`
	PeriodStart       time.Time        `json:"period_start" bson:"period_start"`
	PeriodEnd         time.Time        `json:"period_end" bson:"period_end"`
	EventCountsByType map[string]int64 `json:"event_counts_by_type" bson:"event_counts_by_type"`
	UniqueActorCount  int64            `json:"unique_actor_count" bson:"unique_actor_count"`
	TotalEvents       int64            `json:"total_events" bson:"total_events"`
	CreatedAt         time.Time        `json:"created_at" bson:"created_at"`
}

// PeriodMinutes длительность периода в минутах
func (s MetricSnapshot) PeriodMinutes() float64 {
	return s.PeriodEnd.Sub(s.PeriodStart).Minutes()
}
