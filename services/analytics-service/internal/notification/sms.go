package notification

import (
	"context"
	"net/http"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// смс обрезается до одного сегмента с запасом на юникод
const maxSMSLength = 320

type SMSConfig struct {
	GatewayURL string   `yaml:"gateway_url" split_words:"true"`
	APIKey     string   `yaml:"api_key" split_words:"true"`
	Sender     string   `yaml:"sender" split_words:"true"`
	Recipients []string `yaml:"recipients" split_words:"true"`
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// SMSChannel HTTP-шлюз, по запросу на получателя
type SMSChannel struct {
	cfg    SMSConfig
	client *http.Client
	logger logger.Logger
}

func NewSMSChannel(cfg SMSConfig, client *http.Client, log logger.Logger) *SMSChannel {
	return &SMSChannel{cfg: cfg, client: httpClient(client), logger: log.WithField("channel", "sms")}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) IsConfigured() bool {
	return c.cfg.GatewayURL != "" && len(c.cfg.Recipients) > 0
}

// Deliver успешна, только если доставлено всем получателям
func (c *SMSChannel) Deliver(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) bool {
	text := Format(rule, nctx)
	if r := []rune(text); len(r) > maxSMSLength {
		text = string(r[:maxSMSLength])
	}

	var headers map[string]string
	if c.cfg.APIKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	}

	ok := true
	for _, to := range c.cfg.Recipients {
		req := smsRequest{To: to, From: c.cfg.Sender, Message: text}
		if err := postJSON(ctx, c.client, c.cfg.GatewayURL, req, headers); err != nil {
			c.logger.WithError(err).Warn("SMS delivery failed",
				logger.Field{Key: "recipient", Value: to},
				logger.Field{Key: "alert_id", Value: nctx.AlertID},
			)
			ok = false
		}
	}
	return ok
}
