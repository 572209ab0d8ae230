package service

import (
	"context"
	"fmt"
	"time"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// SnapshotGenerator агрегирует события за период в MetricSnapshot
type SnapshotGenerator struct {
	events    EventQuerier
	snapshots SnapshotRepository
	clock     Clock
	logger    logger.Logger
}

func NewSnapshotGenerator(events EventQuerier, snapshots SnapshotRepository, clock Clock, log logger.Logger) *SnapshotGenerator {
	if clock == nil {
		clock = systemClock
	}
	return &SnapshotGenerator{
		events:    events,
		snapshots: snapshots,
		clock:     clock,
		logger:    log.WithField("component", "snapshot_generator"),
	}
}

// Generate считает снапшот за последний полный период, заканчивающийся не позже periodEnd
func (g *SnapshotGenerator) Generate(ctx context.Context, aggregation models.AggregationType, periodEnd time.Time) (*models.MetricSnapshot, error) {
	from, to, err := aggregation.Period(periodEnd)
	if err != nil {
		return nil, err
	}

	events, err := g.events.Query(ctx, models.EventFilter{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("query events for %s snapshot: %w", aggregation, err)
	}

	snapshot := &models.MetricSnapshot{
		AggregationType:   aggregation,
		PeriodStart:       from,
		PeriodEnd:         to,
		EventCountsByType: make(map[string]int64),
	}
	actors := make(map[string]struct{})
	for _, ev := range events {
		// конец периода принадлежит следующему периоду
		if !ev.Timestamp.Before(to) {
			continue
		}
		snapshot.EventCountsByType[ev.Type]++
		snapshot.TotalEvents++
		if id := ev.ActorID(); id != "" {
			actors[id] = struct{}{}
		}
	}
	snapshot.UniqueActorCount = int64(len(actors))

	if err := g.snapshots.Save(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("save %s snapshot: %w", aggregation, err)
	}
	snapshotsGenerated.WithLabelValues(string(aggregation)).Inc()

	g.logger.Info("Metric snapshot generated",
		logger.Field{Key: "aggregation", Value: aggregation},
		logger.Field{Key: "period_start", Value: from},
		logger.Field{Key: "total_events", Value: snapshot.TotalEvents},
	)
	return snapshot, nil
}

// Run генерирует снапшоты по таймеру
func (g *SnapshotGenerator) Run(ctx context.Context, aggregation models.AggregationType, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	worker := "snapshot_" + string(aggregation)
	for {
		select {
		case <-ticker.C:
			RecordWorkerRun(worker)
			if _, err := g.Generate(ctx, aggregation, g.clock()); err != nil {
				g.logger.WithError(err).Error("Failed to generate snapshot")
				RecordWorkerError(worker)
			}
		case <-ctx.Done():
			g.logger.Info("Stopping snapshot generator", logger.Field{Key: "aggregation", Value: aggregation})
			return
		}
	}
}
