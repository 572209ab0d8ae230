package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/streadway/amqp"
)

const (
	EventsExchange        = "analytics.events"
	NotificationsExchange = "analytics.notifications"
	DeadLetterExchange    = "analytics.dead-letter"
)

var ErrNotConnected = errors.New("rabbitmq connection is closed")

type RabbitMQ struct {
	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	url       string
	consumers []ConsumerRegistration
	stopCh    chan struct{}
	closeOnce sync.Once
}

type ConsumerRegistration struct {
	QueueName    string
	ConsumerName string
	Handler      func([]byte) error
	Context      context.Context
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	logger.Info("Connected to RabbitMQ")

	rabbitmq := &RabbitMQ{
		conn:      conn,
		channel:   ch,
		url:       url,
		consumers: make([]ConsumerRegistration, 0),
		stopCh:    make(chan struct{}),
	}

	go rabbitmq.monitorConnection()

	return rabbitmq, nil
}

func (r *RabbitMQ) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		defer r.mu.Unlock()

		if err := r.channel.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close channel: %w", err)
			return
		}
		if err := r.conn.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close connection: %w", err)
		}
	})
	return closeErr
}

// IsConnected reports whether the underlying AMQP connection is open.
func (r *RabbitMQ) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil && !r.conn.IsClosed()
}

func (r *RabbitMQ) DeclareExchange(name, kind string, durable, autoDelete bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel.ExchangeDeclare(name, kind, durable, autoDelete, false, false, nil)
}

func (r *RabbitMQ) DeclareQueue(name string, durable, autoDelete, exclusive bool) (amqp.Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel.QueueDeclare(name, durable, autoDelete, exclusive, false, nil)
}

func (r *RabbitMQ) BindQueue(queueName, routingKey, exchangeName string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel.QueueBind(queueName, routingKey, exchangeName, false, nil)
}

func (r *RabbitMQ) Publish(exchange, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.conn == nil || r.conn.IsClosed() {
		return ErrNotConnected
	}

	return r.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

func (r *RabbitMQ) Consume(queueName, consumerName string, autoAck bool) (<-chan amqp.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel.Consume(queueName, consumerName, autoAck, false, false, false, nil)
}

func (r *RabbitMQ) ConsumeWithHandler(ctx context.Context, queueName, consumerName string, handler func([]byte) error) error {
	r.mu.Lock()
	r.consumers = append(r.consumers, ConsumerRegistration{
		QueueName:    queueName,
		ConsumerName: consumerName,
		Handler:      handler,
		Context:      ctx,
	})
	r.mu.Unlock()

	return r.startConsumer(ctx, queueName, consumerName, handler)
}

func (r *RabbitMQ) startConsumer(ctx context.Context, queueName, consumerName string, handler func([]byte) error) error {
	msgs, err := r.Consume(queueName, consumerName, false)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping consumer", logger.Field{Key: "queue", Value: queueName})
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Warn("Consumer channel closed", logger.Field{Key: "queue", Value: queueName})
					return
				}

				if err := handler(msg.Body); err != nil {
					logger.Error("Failed to process message",
						logger.Field{Key: "queue", Value: queueName},
						logger.Field{Key: "error", Value: err.Error()},
					)
					msg.Nack(false, false)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	logger.Info("Started consuming messages", logger.Field{Key: "queue", Value: queueName})
	return nil
}

func (r *RabbitMQ) Reconnect() error {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to reopen channel: %w", err)
	}

	r.mu.Lock()
	if r.conn != nil && !r.conn.IsClosed() {
		r.conn.Close()
	}
	r.conn = conn
	r.channel = ch
	consumers := append([]ConsumerRegistration(nil), r.consumers...)
	r.mu.Unlock()

	logger.Info("Reconnected to RabbitMQ")

	if err := r.SetupTopology(); err != nil {
		logger.Error("Failed to setup topology after reconnect", logger.Field{Key: "error", Value: err.Error()})
	}

	for _, consumer := range consumers {
		if consumer.Context.Err() != nil {
			continue
		}
		if err := r.startConsumer(consumer.Context, consumer.QueueName, consumer.ConsumerName, consumer.Handler); err != nil {
			logger.Error("Failed to restart consumer after reconnect",
				logger.Field{Key: "queue", Value: consumer.QueueName},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	return nil
}

func (r *RabbitMQ) monitorConnection() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.IsConnected() {
				continue
			}
			logger.Warn("RabbitMQ connection lost, attempting to reconnect...")
			for i := 0; i < 5; i++ {
				if err := r.Reconnect(); err != nil {
					logger.Error("Failed to reconnect to RabbitMQ",
						logger.Field{Key: "attempt", Value: i + 1},
						logger.Field{Key: "error", Value: err.Error()},
					)
					select {
					case <-r.stopCh:
						return
					case <-time.After(time.Duration(i+1) * time.Second):
					}
				} else {
					break
				}
			}
		}
	}
}

type Message struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func NewMessage(msgType string, data interface{}) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Metadata:  make(map[string]interface{}),
	}
}

type Publisher interface {
	Publish(exchange, routingKey string, message interface{}) error
}

// SetupTopology declares the exchanges used by the analytics pipeline.
func (r *RabbitMQ) SetupTopology() error {
	exchanges := []struct {
		name string
		kind string
	}{
		{EventsExchange, "topic"},
		{NotificationsExchange, "topic"},
		{DeadLetterExchange, "topic"},
	}

	for _, ex := range exchanges {
		if err := r.DeclareExchange(ex.name, ex.kind, true, false); err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", ex.name, err)
		}
	}

	return nil
}

// CreateQueueWithDLQ declares a durable queue bound to exchange by routingKey,
// with rejected messages routed to the dead-letter exchange.
func (r *RabbitMQ) CreateQueueWithDLQ(queueName, exchange, routingKey string) error {
	r.mu.RLock()
	_, err := r.channel.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": queueName,
	})
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	if err := r.BindQueue(queueName, routingKey, exchange); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}

	dlqName := fmt.Sprintf("%s.dlq", queueName)
	r.mu.RLock()
	_, err = r.channel.QueueDeclare(dlqName, true, false, false, false, amqp.Table{
		"x-message-ttl": int32(86400000),
	})
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	return r.BindQueue(dlqName, queueName, DeadLetterExchange)
}
