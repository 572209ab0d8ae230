package backend

import (
	"context"

	"github.com/grigta/eventpulse/pkg/messaging"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// Broker издатель сообщений RabbitMQ
type Broker interface {
	messaging.Publisher
	IsConnected() bool
}

// AMQPAdapter публикует события в обменник; чтение не поддерживается
type AMQPAdapter struct {
	name     string
	broker   Broker
	exchange string
}

func NewAMQPAdapter(name string, broker Broker, exchange string) *AMQPAdapter {
	if exchange == "" {
		exchange = messaging.EventsExchange
	}
	return &AMQPAdapter{name: name, broker: broker, exchange: exchange}
}

func (a *AMQPAdapter) Name() string {
	return a.name
}

// Record публикует событие с routing key = тип события
func (a *AMQPAdapter) Record(ctx context.Context, event models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.broker.Publish(a.exchange, event.Type, event)
}

func (a *AMQPAdapter) Query(context.Context, models.EventFilter) ([]models.Event, error) {
	return nil, ErrNotSupported
}

func (a *AMQPAdapter) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.broker.IsConnected() {
		return messaging.ErrNotConnected
	}
	return nil
}
