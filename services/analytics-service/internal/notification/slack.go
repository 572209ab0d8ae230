package notification

import (
	"context"
	"fmt"
	"net/http"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" split_words:"true"`
	Channel    string `yaml:"channel" split_words:"true"`
	Username   string `yaml:"username" split_words:"true"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackChannel incoming webhook чата
type SlackChannel struct {
	cfg    SlackConfig
	client *http.Client
	logger logger.Logger
}

func NewSlackChannel(cfg SlackConfig, client *http.Client, log logger.Logger) *SlackChannel {
	if cfg.Username == "" {
		cfg.Username = "Analytics Monitor"
	}
	return &SlackChannel{cfg: cfg, client: httpClient(client), logger: log.WithField("channel", "slack")}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) IsConfigured() bool { return c.cfg.WebhookURL != "" }

func (c *SlackChannel) Deliver(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) bool {
	msg := slackMessage{
		Channel:  c.cfg.Channel,
		Username: c.cfg.Username,
		Text:     Format(rule, nctx),
		Attachments: []slackAttachment{{
			Color: severityColor(nctx.Severity),
			Title: rule.Name,
			Fields: []slackField{
				{Title: "Severity", Value: string(nctx.Severity), Short: true},
				{Title: "Metric", Value: string(rule.Metric), Short: true},
				{Title: "Value", Value: formatValue(nctx.Value), Short: true},
				{Title: "Threshold", Value: formatValue(nctx.Threshold), Short: true},
				{Title: "Window", Value: fmt.Sprintf("%dm", rule.TimeWindowMinutes), Short: true},
			},
			Ts: nctx.TriggeredAt.Unix(),
		}},
	}
	if err := postJSON(ctx, c.client, c.cfg.WebhookURL, msg, nil); err != nil {
		c.logger.WithError(err).Warn("Slack delivery failed", logger.Field{Key: "alert_id", Value: nctx.AlertID})
		return false
	}
	return true
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "danger"
	case models.SeverityError:
		return "#ff6600"
	case models.SeverityWarning:
		return "warning"
	default:
		return "#36a64f"
	}
}
