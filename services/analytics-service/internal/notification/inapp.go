package notification

import (
	"context"
	"encoding/json"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/pkg/messaging"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const (
	DefaultFeedKey  = "notifications:feed"
	DefaultFeedSize = 200

	AlertMessageType = "alert.triggered"
)

// FeedStore список последних уведомлений; *cache.RedisCache подходит
type FeedStore interface {
	PushCapped(ctx context.Context, key string, maxLen int64, values ...interface{}) error
}

type InAppConfig struct {
	Enabled  bool   `yaml:"enabled" split_words:"true"`
	FeedKey  string `yaml:"feed_key" split_words:"true"`
	FeedSize int64  `yaml:"feed_size" split_words:"true"`
}

// InAppChannel публикует алерт в брокер и в ленту последних уведомлений
type InAppChannel struct {
	cfg       InAppConfig
	publisher messaging.Publisher
	feed      FeedStore
	logger    logger.Logger
}

func NewInAppChannel(cfg InAppConfig, publisher messaging.Publisher, feed FeedStore, log logger.Logger) *InAppChannel {
	if cfg.FeedKey == "" {
		cfg.FeedKey = DefaultFeedKey
	}
	if cfg.FeedSize <= 0 {
		cfg.FeedSize = DefaultFeedSize
	}
	return &InAppChannel{cfg: cfg, publisher: publisher, feed: feed, logger: log.WithField("channel", "in_app")}
}

func (c *InAppChannel) Name() string { return "in_app" }

func (c *InAppChannel) IsConfigured() bool {
	return c.cfg.Enabled && (c.publisher != nil || c.feed != nil)
}

// Deliver успешна, если все подключенные приемники приняли сообщение
func (c *InAppChannel) Deliver(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) bool {
	msg := messaging.NewMessage(AlertMessageType, NewWebhookPayload(rule, nctx))
	ok := true

	if c.publisher != nil {
		if err := c.publisher.Publish(messaging.NotificationsExchange, "alert."+string(nctx.Severity), msg); err != nil {
			c.logger.WithError(err).Warn("Failed to publish in-app notification", logger.Field{Key: "alert_id", Value: nctx.AlertID})
			ok = false
		}
	}

	if c.feed != nil {
		data, err := json.Marshal(msg)
		if err == nil {
			err = c.feed.PushCapped(ctx, c.cfg.FeedKey, c.cfg.FeedSize, data)
		}
		if err != nil {
			c.logger.WithError(err).Warn("Failed to store in-app notification", logger.Field{Key: "alert_id", Value: nctx.AlertID})
			ok = false
		}
	}
	return ok
}
