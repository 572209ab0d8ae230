package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
	"github.com/grigta/eventpulse/services/analytics-service/internal/notification"
)

// EnvPrefix префикс переменных окружения, переопределяющих YAML
const EnvPrefix = "ANALYTICS"

// Имена бэкендов, которые умеет собирать cmd
const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
	BackendNATS     = "nats"
	BackendMemory   = "memory"
)

var knownBackends = map[string]bool{
	BackendMongo: true, BackendPostgres: true, BackendRedis: true,
	BackendRabbitMQ: true, BackendNATS: true, BackendMemory: true,
}

// Config конфигурация analytics-service.
// Адреса инфраструктуры берутся из pkg/config, здесь только доменные настройки.
type Config struct {
	Service       ServiceConfig      `yaml:"service" envconfig:"SERVICE"`
	Dispatcher    DispatcherConfig   `yaml:"dispatcher" envconfig:"DISPATCHER"`
	Storage       StorageConfig      `yaml:"storage" envconfig:"STORAGE"`
	Monitoring    MonitoringConfig   `yaml:"monitoring" envconfig:"MONITORING"`
	Notifications NotificationConfig `yaml:"notifications" envconfig:"NOTIFICATIONS"`
	Rules         []AlertRuleConfig  `yaml:"rules" ignored:"true"`
}

// ServiceConfig конфигурация сервиса
type ServiceConfig struct {
	Name             string        `yaml:"name" split_words:"true"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	AllowOrigins     []string      `yaml:"allow_origins" split_words:"true"`
	// IntakeRateLimit запросов приема событий на клиента за IntakeRateWindow; 0 отключает лимит
	IntakeRateLimit  int           `yaml:"intake_rate_limit" split_words:"true"`
	IntakeRateWindow time.Duration `yaml:"intake_rate_window" split_words:"true"`
}

// DispatcherConfig набор бэкендов и режим рассылки событий
type DispatcherConfig struct {
	Mode                string        `yaml:"mode" split_words:"true"`
	Primary             string        `yaml:"primary" split_words:"true"`
	Backends            []string      `yaml:"backends" split_words:"true"`
	Workers             int           `yaml:"workers" split_words:"true"`
	RecordTimeout       time.Duration `yaml:"record_timeout" split_words:"true"`
	SlotTimeout         time.Duration `yaml:"slot_timeout" split_words:"true"`
	QueryTimeout        time.Duration `yaml:"query_timeout" split_words:"true"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" split_words:"true"`
	BatchSize           int           `yaml:"batch_size" split_words:"true"`
	FlushInterval       time.Duration `yaml:"flush_interval" split_words:"true"`
}

// StorageConfig имена коллекций, таблиц и ключей бэкендов
type StorageConfig struct {
	MongoCollection   string        `yaml:"mongo_collection" split_words:"true"`
	RedisPrefix       string        `yaml:"redis_prefix" split_words:"true"`
	RedisStreamMaxLen int64         `yaml:"redis_stream_max_len" split_words:"true"`
	RedisEventTTL     time.Duration `yaml:"redis_event_ttl" split_words:"true"`
	AMQPExchange      string        `yaml:"amqp_exchange" split_words:"true"`
	NATSSubjectPrefix string        `yaml:"nats_subject_prefix" split_words:"true"`
	MemoryCapacity    int           `yaml:"memory_capacity" split_words:"true"`
}

// MonitoringConfig цикл правил, метрики и снапшоты
type MonitoringConfig struct {
	CycleInterval          time.Duration `yaml:"cycle_interval" split_words:"true"`
	MetricCacheTTL         time.Duration `yaml:"metric_cache_ttl" split_words:"true"`
	AnomalySensitivity     float64       `yaml:"anomaly_sensitivity" split_words:"true"`
	ErrorPatterns          []string      `yaml:"error_patterns" split_words:"true"`
	DefaultCooldownMinutes int           `yaml:"default_cooldown_minutes" split_words:"true"`
}

// NotificationConfig настройки каналов доставки алертов
type NotificationConfig struct {
	DeliveryTimeout time.Duration               `yaml:"delivery_timeout" split_words:"true"`
	Email           notification.EmailConfig    `yaml:"email" envconfig:"EMAIL"`
	Slack           notification.SlackConfig    `yaml:"slack" envconfig:"SLACK"`
	Telegram        notification.TelegramConfig `yaml:"telegram" envconfig:"TELEGRAM"`
	Webhook         notification.WebhookConfig  `yaml:"webhook" envconfig:"WEBHOOK"`
	SMS             notification.SMSConfig      `yaml:"sms" envconfig:"SMS"`
	InApp           notification.InAppConfig    `yaml:"in_app" envconfig:"IN_APP"`
}

// AlertRuleConfig правило, создаваемое при старте, если его еще нет
type AlertRuleConfig struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	EventTypeFilter string   `yaml:"event_type_filter"`
	Metric          string   `yaml:"metric"`
	Condition       string   `yaml:"condition"`
	Threshold       float64  `yaml:"threshold"`
	WindowMinutes   int      `yaml:"window_minutes"`
	Severity        string   `yaml:"severity"`
	Channels        []string `yaml:"channels"`
	CooldownMinutes *int     `yaml:"cooldown_minutes"`
	Active          *bool    `yaml:"active"`
}

// ToRule собирает доменное правило; cooldown по умолчанию берется из мониторинга
func (r AlertRuleConfig) ToRule(defaultCooldown int) models.AlertRule {
	rule := models.AlertRule{
		ID:                   r.ID,
		Name:                 r.Name,
		EventTypeFilter:      r.EventTypeFilter,
		Metric:               models.MetricType(r.Metric),
		ConditionType:        models.ConditionType(r.Condition),
		Threshold:            r.Threshold,
		TimeWindowMinutes:    r.WindowMinutes,
		Severity:             models.Severity(r.Severity),
		NotificationChannels: r.Channels,
		CooldownMinutes:      defaultCooldown,
		IsActive:             true,
	}
	if r.CooldownMinutes != nil {
		rule.CooldownMinutes = *r.CooldownMinutes
	}
	if r.Active != nil {
		rule.IsActive = *r.Active
	}
	return rule
}

// Load читает YAML (если путь задан), применяет ANALYTICS_* переменные и значения по умолчанию
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "analytics-service"
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Service.IntakeRateWindow == 0 {
		cfg.Service.IntakeRateWindow = time.Second
	}

	d := &cfg.Dispatcher
	if d.Mode == "" {
		d.Mode = "parallel"
	}
	if len(d.Backends) == 0 {
		d.Backends = []string{BackendMemory}
	}
	for i, name := range d.Backends {
		d.Backends[i] = strings.ToLower(strings.TrimSpace(name))
	}
	if d.Primary == "" {
		d.Primary = d.Backends[0]
	}
	if d.Workers <= 0 {
		d.Workers = 3
	}
	if d.RecordTimeout == 0 {
		d.RecordTimeout = 5 * time.Second
	}
	if d.SlotTimeout == 0 {
		d.SlotTimeout = d.RecordTimeout
	}
	if d.QueryTimeout == 0 {
		d.QueryTimeout = 10 * time.Second
	}
	if d.HealthCheckInterval == 0 {
		d.HealthCheckInterval = 300 * time.Second
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	if d.FlushInterval == 0 {
		d.FlushInterval = time.Second
	}

	s := &cfg.Storage
	if s.MongoCollection == "" {
		s.MongoCollection = "analytics_events"
	}
	if s.MemoryCapacity <= 0 {
		s.MemoryCapacity = 10000
	}

	m := &cfg.Monitoring
	if m.CycleInterval == 0 {
		m.CycleInterval = 5 * time.Minute
	}
	if m.MetricCacheTTL == 0 {
		m.MetricCacheTTL = 300 * time.Second
	}
	if m.AnomalySensitivity <= 0 {
		m.AnomalySensitivity = 2.0
	}
	if len(m.ErrorPatterns) == 0 {
		m.ErrorPatterns = []string{"error", "failed", "exception"}
	}
	if m.DefaultCooldownMinutes <= 0 {
		m.DefaultCooldownMinutes = 60
	}

	if cfg.Notifications.DeliveryTimeout == 0 {
		cfg.Notifications.DeliveryTimeout = notification.DefaultDeliveryTimeout
	}
}

// Validate проверяет согласованность набора бэкендов и сид-правил
func (c *Config) Validate() error {
	var problems []string

	if c.Service.IntakeRateLimit < 0 {
		problems = append(problems, "service.intake_rate_limit must not be negative")
	}
	if c.Dispatcher.Mode != "parallel" && c.Dispatcher.Mode != "fallback" {
		problems = append(problems, fmt.Sprintf("dispatcher.mode must be parallel or fallback, got %q", c.Dispatcher.Mode))
	}
	seen := make(map[string]bool, len(c.Dispatcher.Backends))
	for _, name := range c.Dispatcher.Backends {
		if !knownBackends[name] {
			problems = append(problems, fmt.Sprintf("unknown backend %q", name))
		}
		if seen[name] {
			problems = append(problems, fmt.Sprintf("backend %q listed twice", name))
		}
		seen[name] = true
	}
	if !seen[c.Dispatcher.Primary] {
		problems = append(problems, fmt.Sprintf("primary backend %q is not in dispatcher.backends", c.Dispatcher.Primary))
	}

	ids := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			problems = append(problems, fmt.Sprintf("rules[%d]: id is required", i))
		} else if ids[r.ID] {
			problems = append(problems, fmt.Sprintf("rules[%d]: duplicate id %q", i, r.ID))
		}
		ids[r.ID] = true
		if err := r.ToRule(c.Monitoring.DefaultCooldownMinutes).Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("rules[%d]: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}
