package notification

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

type TelegramConfig struct {
	BotToken string `yaml:"bot_token" split_words:"true"`
	ChatID   string `yaml:"chat_id" split_words:"true"`
	APIBase  string `yaml:"api_base" split_words:"true"`
}

// MessageSender часть *tgbot.Bot, нужная каналу
type MessageSender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*tgmodels.Message, error)
}

// TelegramChannel сообщение в чат через Bot API
type TelegramChannel struct {
	sender  MessageSender
	chatID  any
	initErr error
	logger  logger.Logger
}

// NewTelegramChannel создает бота без getMe, чтобы старт сервиса не зависел от Telegram
func NewTelegramChannel(cfg TelegramConfig, log logger.Logger) *TelegramChannel {
	c := &TelegramChannel{chatID: chatID(cfg.ChatID), logger: log.WithField("channel", "telegram")}
	if cfg.BotToken == "" {
		return c
	}
	opts := []tgbot.Option{tgbot.WithSkipGetMe()}
	if cfg.APIBase != "" {
		opts = append(opts, tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	b, err := tgbot.New(cfg.BotToken, opts...)
	if err != nil {
		c.initErr = fmt.Errorf("init telegram bot: %w", err)
		c.logger.WithError(err).Error("Failed to init telegram bot")
		return c
	}
	c.sender = b
	return c
}

// NewTelegramChannelWithSender канал поверх готового отправителя
func NewTelegramChannelWithSender(sender MessageSender, chat string, log logger.Logger) *TelegramChannel {
	return &TelegramChannel{sender: sender, chatID: chatID(chat), logger: log.WithField("channel", "telegram")}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) IsConfigured() bool {
	return c.sender != nil && c.initErr == nil && c.chatID != ""
}

func (c *TelegramChannel) Deliver(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) bool {
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(Subject(rule, nctx)), html.EscapeString(Format(rule, nctx)))
	_, err := c.sender.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    c.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		c.logger.WithError(err).Warn("Telegram delivery failed", logger.Field{Key: "alert_id", Value: nctx.AlertID})
		return false
	}
	return true
}

// chatID числовой id или @username
func chatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return id
	}
	return trimmed
}
