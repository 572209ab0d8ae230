package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const DefaultNATSSubjectPrefix = "analytics.events"

// NATSConn часть *nats.Conn, которой пользуется адаптер
type NATSConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	FlushWithContext(ctx context.Context) error
}

var _ NATSConn = (*nats.Conn)(nil)

// NATSAdapter публикует события в subject <prefix>.<type>; чтение не поддерживается
type NATSAdapter struct {
	name   string
	conn   NATSConn
	prefix string
}

func ConnectNATS(url, clientName string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func NewNATSAdapter(name string, conn NATSConn, subjectPrefix string) *NATSAdapter {
	if subjectPrefix == "" {
		subjectPrefix = DefaultNATSSubjectPrefix
	}
	return &NATSAdapter{name: name, conn: conn, prefix: subjectPrefix}
}

func (a *NATSAdapter) Name() string {
	return a.name
}

func (a *NATSAdapter) Subject(eventType string) string {
	return a.prefix + "." + eventType
}

func (a *NATSAdapter) Record(ctx context.Context, event models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := a.conn.Publish(a.Subject(event.Type), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (a *NATSAdapter) Query(context.Context, models.EventFilter) ([]models.Event, error) {
	return nil, ErrNotSupported
}

func (a *NATSAdapter) HealthCheck(ctx context.Context) error {
	if !a.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return a.conn.FlushWithContext(ctx)
}
