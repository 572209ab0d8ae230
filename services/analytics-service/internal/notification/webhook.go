package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const SignatureHeader = "X-Signature-256"

type WebhookConfig struct {
	URL     string            `yaml:"url" split_words:"true"`
	Secret  string            `yaml:"secret" split_words:"true"`
	Headers map[string]string `yaml:"headers" split_words:"true"`
}

// WebhookPayload тело запроса webhook-канала
type WebhookPayload struct {
	AlertID     string                 `json:"alert_id"`
	RuleID      string                 `json:"rule_id"`
	RuleName    string                 `json:"rule_name"`
	Metric      models.MetricType      `json:"metric"`
	Condition   models.ConditionType   `json:"condition"`
	Value       float64                `json:"value"`
	Threshold   float64                `json:"threshold"`
	Severity    models.Severity        `json:"severity"`
	TriggeredAt time.Time              `json:"triggered_at"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

func NewWebhookPayload(rule models.AlertRule, nctx models.NotificationContext) WebhookPayload {
	return WebhookPayload{
		AlertID:     nctx.AlertID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Metric:      rule.Metric,
		Condition:   rule.ConditionType,
		Value:       nctx.Value,
		Threshold:   nctx.Threshold,
		Severity:    nctx.Severity,
		TriggeredAt: nctx.TriggeredAt,
		Message:     Format(rule, nctx),
		Details:     nctx.Details,
	}
}

// Sign подпись тела в формате sha256=<hex>
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookChannel JSON POST на произвольный URL
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
	logger logger.Logger
}

func NewWebhookChannel(cfg WebhookConfig, client *http.Client, log logger.Logger) *WebhookChannel {
	return &WebhookChannel{cfg: cfg, client: httpClient(client), logger: log.WithField("channel", "webhook")}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) IsConfigured() bool { return c.cfg.URL != "" }

func (c *WebhookChannel) Deliver(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) bool {
	body, err := json.Marshal(NewWebhookPayload(rule, nctx))
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal webhook payload")
		return false
	}

	headers := make(map[string]string, len(c.cfg.Headers)+1)
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	if c.cfg.Secret != "" {
		headers[SignatureHeader] = Sign(c.cfg.Secret, body)
	}

	if err := post(ctx, c.client, c.cfg.URL, body, headers); err != nil {
		c.logger.WithError(err).Warn("Webhook delivery failed", logger.Field{Key: "alert_id", Value: nctx.AlertID})
		return false
	}
	return true
}
