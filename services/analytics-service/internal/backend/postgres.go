package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const eventsTable = "analytics_events"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS analytics_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		correlation_id TEXT,
		actor_id TEXT,
		attributes JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS analytics_events_type_ts_idx ON analytics_events (type, ts)`,
	`CREATE INDEX IF NOT EXISTS analytics_events_actor_ts_idx ON analytics_events (actor_id, ts)`,
	`CREATE INDEX IF NOT EXISTS analytics_events_ts_idx ON analytics_events (ts)`,
}

// PostgresAdapter реляционное хранилище событий, атрибуты в JSONB
type PostgresAdapter struct {
	name    string
	db      *sql.DB
	batcher *batcher
}

type PostgresOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func NewPostgresAdapter(name string, db *sql.DB, opts PostgresOptions, log logger.Logger) *PostgresAdapter {
	a := &PostgresAdapter{name: name, db: db}
	a.batcher = newBatcher(name, opts.BatchSize, opts.FlushInterval, a.insertBatch, log)
	return a
}

func (a *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure postgres schema: %w", err)
		}
	}
	return nil
}

func (a *PostgresAdapter) Name() string {
	return a.name
}

func (a *PostgresAdapter) Record(ctx context.Context, event models.Event) error {
	return a.batcher.add(ctx, event)
}

func (a *PostgresAdapter) insertBatch(ctx context.Context, events []models.Event) error {
	query, args, err := buildInsert(events)
	if err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert postgres events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres events: %w", err)
	}
	return nil
}

func buildInsert(events []models.Event) (string, []interface{}, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO " + eventsTable + " (id, type, ts, correlation_id, actor_id, attributes) VALUES ")

	const cols = 6
	args := make([]interface{}, 0, len(events)*cols)
	for i, ev := range events {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return "", nil, fmt.Errorf("marshal attributes of event %s: %w", ev.ID, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, ev.ID, ev.Type, ev.Timestamp, nullString(ev.CorrelationID), nullString(ev.ActorID()), attrs)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	return sb.String(), args, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func buildSelect(filter models.EventFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(filter.EventTypes) > 0 {
		add("type = ANY($%d)", pq.Array(filter.EventTypes))
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if !filter.From.IsZero() {
		add("ts >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("ts <= $%d", filter.To)
	}

	query := "SELECT id, type, ts, correlation_id, attributes FROM " + eventsTable
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (a *PostgresAdapter) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	query, args := buildSelect(filter)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query postgres events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var (
			ev            models.Event
			correlationID sql.NullString
			attrs         []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Timestamp, &correlationID, &attrs); err != nil {
			return nil, fmt.Errorf("scan postgres event: %w", err)
		}
		ev.CorrelationID = correlationID.String
		ev.Timestamp = ev.Timestamp.UTC()
		if len(attrs) > 0 && string(attrs) != "null" {
			if err := json.Unmarshal(attrs, &ev.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes of event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate postgres events: %w", err)
	}
	return events, nil
}

func (a *PostgresAdapter) HealthCheck(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) Flush(ctx context.Context) error {
	return a.batcher.Flush(ctx)
}

func (a *PostgresAdapter) Close(ctx context.Context) error {
	return a.batcher.Close(ctx)
}
