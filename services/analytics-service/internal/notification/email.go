package notification

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

type EmailConfig struct {
	Host     string   `yaml:"host" split_words:"true"`
	Port     int      `yaml:"port" split_words:"true"`
	Username string   `yaml:"username" split_words:"true"`
	Password string   `yaml:"password" split_words:"true"`
	From     string   `yaml:"from" split_words:"true"`
	To       []string `yaml:"to" split_words:"true"`
}

// SendMailFunc сигнатура smtp.SendMail
type SendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel отправка через SMTP
type EmailChannel struct {
	cfg    EmailConfig
	send   SendMailFunc
	logger logger.Logger
}

func NewEmailChannel(cfg EmailConfig, send SendMailFunc, log logger.Logger) *EmailChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if send == nil {
		send = smtp.SendMail
	}
	return &EmailChannel{cfg: cfg, send: send, logger: log.WithField("channel", "email")}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) IsConfigured() bool {
	return c.cfg.Host != "" && c.cfg.From != "" && len(c.cfg.To) > 0
}

func (c *EmailChannel) Deliver(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) bool {
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	msg := c.message(rule, nctx)

	// smtp.SendMail не принимает контекст
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.send(addr, auth, c.cfg.From, c.cfg.To, msg)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			c.logger.WithError(err).Warn("Email delivery failed", logger.Field{Key: "alert_id", Value: nctx.AlertID})
			return false
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *EmailChannel) message(rule models.AlertRule, nctx models.NotificationContext) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", Subject(rule, nctx)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(Format(rule, nctx))
	b.WriteString("\r\n")
	if nctx.AlertID != "" {
		fmt.Fprintf(&b, "\r\nAlert ID: %s\r\n", nctx.AlertID)
	}
	return []byte(b.String())
}
