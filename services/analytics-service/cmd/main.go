package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/grigta/eventpulse/pkg/cache"
	infraconfig "github.com/grigta/eventpulse/pkg/config"
	"github.com/grigta/eventpulse/pkg/database"
	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/pkg/messaging"
	"github.com/grigta/eventpulse/pkg/middleware"
	"github.com/grigta/eventpulse/services/analytics-service/internal/backend"
	"github.com/grigta/eventpulse/services/analytics-service/internal/config"
	"github.com/grigta/eventpulse/services/analytics-service/internal/handlers"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
	"github.com/grigta/eventpulse/services/analytics-service/internal/notification"
	"github.com/grigta/eventpulse/services/analytics-service/internal/repository"
	"github.com/grigta/eventpulse/services/analytics-service/internal/service"
)

// infra соединения, которые нужно закрыть при остановке
type infra struct {
	mongo    *database.MongoDB
	cache    *cache.RedisCache
	redis    *redis.Client
	rabbit   *messaging.RabbitMQ
	postgres *sql.DB
	nats     *nats.Conn
}

func (i *infra) close(log logger.Logger) {
	if i.nats != nil {
		i.nats.Close()
	}
	if i.rabbit != nil {
		if err := i.rabbit.Close(); err != nil {
			log.WithError(err).Warn("Failed to close RabbitMQ")
		}
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.cache != nil {
		_ = i.cache.Close()
	}
	if i.postgres != nil {
		_ = i.postgres.Close()
	}
	if i.mongo != nil {
		if err := i.mongo.Close(); err != nil {
			log.WithError(err).Warn("Failed to disconnect MongoDB")
		}
	}
}

func main() {
	infraCfg, err := infraconfig.LoadConfig(infraconfig.GetEnv("CONFIG_DIR", "./config"))
	if err != nil {
		logger.Default().WithError(err).Fatal("Failed to load infrastructure config")
	}

	log := logger.New(infraCfg.App.LogLevel, infraCfg.App.LogFormat).WithField("service", "analytics-service")
	logger.SetDefault(log)

	cfg, err := config.Load(os.Getenv("ANALYTICS_CONFIG_PATH"))
	if err != nil {
		log.WithError(err).Fatal("Failed to load analytics config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := &infra{}
	defer conns.close(log)

	var (
		ruleRepo     service.RuleRepository
		alertRepo    service.AlertRepository
		snapshotRepo service.SnapshotRepository
	)
	conns.mongo, err = database.NewMongoDB(infraCfg.Mongo.URI, infraCfg.Mongo.DBName, infraCfg.Mongo.Timeout)
	switch {
	case err == nil:
		ruleRepo, alertRepo, snapshotRepo = mongoRepositories(ctx, conns.mongo, log)
	case slices.Contains(cfg.Dispatcher.Backends, config.BackendMongo):
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	default:
		// без Mongo правила, алерты и снапшоты живут до перезапуска
		log.WithError(err).Warn("MongoDB unavailable, using in-memory repositories")
		conns.mongo = nil
		ruleRepo = repository.NewMemoryRuleRepository()
		alertRepo = repository.NewMemoryAlertRepository()
		snapshotRepo = repository.NewMemorySnapshotRepository()
	}

	// Redis v8 общий кэш метрик и лента in-app уведомлений; без него сервис работает
	conns.cache, err = cache.NewRedisCache(infraCfg.Redis.Addr, infraCfg.Redis.Password, infraCfg.Redis.DB)
	if err != nil {
		log.WithError(err).Warn("Redis cache unavailable, metric cache is process-local")
		conns.cache = nil
	}

	adapters, err := buildBackends(ctx, cfg, infraCfg, conns, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to build backends")
	}

	tracker := service.NewHealthTracker(cfg.Dispatcher.HealthCheckInterval, log)
	dispatcher, err := service.NewDispatcher(service.DispatcherConfig{
		Mode:                service.DispatchMode(cfg.Dispatcher.Mode),
		Primary:             cfg.Dispatcher.Primary,
		Workers:             cfg.Dispatcher.Workers,
		RecordTimeout:       cfg.Dispatcher.RecordTimeout,
		SlotTimeout:         cfg.Dispatcher.SlotTimeout,
		QueryTimeout:        cfg.Dispatcher.QueryTimeout,
		HealthCheckInterval: cfg.Dispatcher.HealthCheckInterval,
	}, adapters, tracker, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create dispatcher")
	}
	tracker.ProbeAll(ctx, adapters)

	evaluatorCfg := service.MetricEvaluatorConfig{
		CacheTTL:      cfg.Monitoring.MetricCacheTTL,
		ErrorPatterns: cfg.Monitoring.ErrorPatterns,
	}
	if conns.cache != nil {
		evaluatorCfg.Shared = conns.cache.WithPrefix("analytics:metric:")
	}
	metrics := service.NewMetricEvaluator(dispatcher, evaluatorCfg, log)
	detector := service.NewAnomalyDetector(snapshotRepo, cfg.Monitoring.AnomalySensitivity, metrics.IsErrorType, nil, log)
	alerts := service.NewAlertStateMachine(alertRepo, nil, log)
	router := notification.NewRouter(cfg.Notifications.DeliveryTimeout, log, buildChannels(cfg.Notifications, conns, infraCfg.RabbitMQ.URL, log)...)
	engine := service.NewRuleEngine(metrics, detector, alerts, ruleRepo, router, nil, log)
	monitoring := service.NewMonitoringEngine(ruleRepo, engine, metrics, detector, nil, log)
	snapshots := service.NewSnapshotGenerator(dispatcher, snapshotRepo, nil, log)

	if err := seedRules(ctx, ruleRepo, cfg); err != nil {
		log.WithError(err).Error("Failed to seed alert rules")
	}

	log.Info("Notification channels configured", logger.Field{Key: "channels", Value: router.Channels()})

	go tracker.Run(ctx, adapters)
	go monitoring.Run(ctx, cfg.Monitoring.CycleInterval)
	go snapshots.Run(ctx, models.AggregationHourly, time.Hour)
	go snapshots.Run(ctx, models.AggregationDaily, 24*time.Hour)

	healthServer := handlers.NewHealthServer(tracker, backendNames(adapters), log)
	grpcServer := grpc.NewServer()
	healthServer.Register(grpcServer)
	go startGRPCServer(grpcServer, infraCfg.App.GRPCPort, log)

	auth := middleware.NewAuthMiddleware(infraCfg.JWT.Secret, infraCfg.JWT.ExpiresIn)
	httpHandler := handlers.NewHTTPHandler(handlers.Deps{
		Dispatcher:             dispatcher,
		Alerts:                 alerts,
		AlertRepository:        alertRepo,
		RuleRepository:         ruleRepo,
		Monitoring:             monitoring,
		DefaultCooldownMinutes: cfg.Monitoring.DefaultCooldownMinutes,
		IntakeLimit:            intakeLimiter(ctx, cfg.Service),
	}, log)
	cors := middleware.CORS(middleware.DefaultCORSConfig(cfg.Service.AllowOrigins...))
	httpServer := startHTTPServer(infraCfg.App.Env, infraCfg.App.HTTPPort, httpHandler, auth, cors, log)

	log.Info("Analytics service started",
		logger.Field{Key: "backends", Value: backendNames(adapters)},
		logger.Field{Key: "mode", Value: cfg.Dispatcher.Mode},
		logger.Field{Key: "primary", Value: dispatcher.Primary()},
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down analytics service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown failed")
	}
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	// асинхронные записи должны попасть в буферы до финального сброса
	dispatcher.Wait()
	if err := backend.Close(shutdownCtx, adapters...); err != nil {
		log.WithError(err).Error("Failed to flush buffered events")
	}
}

func mongoRepositories(ctx context.Context, mongo *database.MongoDB, log logger.Logger) (service.RuleRepository, service.AlertRepository, service.SnapshotRepository) {
	db := mongo.GetDatabase()
	rules := repository.NewRuleRepository(db)
	alerts := repository.NewAlertRepository(db)
	snapshots := repository.NewSnapshotRepository(db)
	for name, ensure := range map[string]func(context.Context) error{
		"rules":     rules.EnsureIndexes,
		"alerts":    alerts.EnsureIndexes,
		"snapshots": snapshots.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			log.WithError(err).Warn("Failed to create indexes", logger.Field{Key: "collection", Value: name})
		}
	}
	return rules, alerts, snapshots
}

func buildBackends(ctx context.Context, cfg *config.Config, infraCfg *infraconfig.Config, conns *infra, log logger.Logger) ([]backend.Adapter, error) {
	adapters := make([]backend.Adapter, 0, len(cfg.Dispatcher.Backends))

	for _, name := range cfg.Dispatcher.Backends {
		switch name {
		case config.BackendMongo:
			a := backend.NewMongoAdapter(name, conns.mongo.GetCollection(cfg.Storage.MongoCollection), backend.MongoOptions{
				BatchSize:     cfg.Dispatcher.BatchSize,
				FlushInterval: cfg.Dispatcher.FlushInterval,
			}, log)
			if err := a.EnsureIndexes(ctx); err != nil {
				log.WithError(err).Warn("Failed to create event indexes")
			}
			adapters = append(adapters, a)

		case config.BackendPostgres:
			db, err := backend.OpenPostgres(infraCfg.Postgres.DSN)
			if err != nil {
				return nil, err
			}
			conns.postgres = db
			a := backend.NewPostgresAdapter(name, db, backend.PostgresOptions{
				BatchSize:     cfg.Dispatcher.BatchSize,
				FlushInterval: cfg.Dispatcher.FlushInterval,
			}, log)
			if err := a.EnsureSchema(ctx); err != nil {
				// недоступный Postgres отметит HealthTracker; схема создастся при следующем старте
				log.WithError(err).Warn("Failed to ensure analytics_events schema")
			}
			adapters = append(adapters, a)

		case config.BackendRedis:
			conns.redis = redis.NewClient(&redis.Options{
				Addr:     infraCfg.Redis.Addr,
				Password: infraCfg.Redis.Password,
				DB:       infraCfg.Redis.DB,
			})
			adapters = append(adapters, backend.NewRedisStreamAdapter(name, conns.redis, backend.RedisStreamOptions{
				Prefix:   cfg.Storage.RedisPrefix,
				MaxLen:   cfg.Storage.RedisStreamMaxLen,
				EventTTL: cfg.Storage.RedisEventTTL,
			}, log))

		case config.BackendRabbitMQ:
			rabbit, err := connectRabbit(conns, infraCfg.RabbitMQ.URL)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, backend.NewAMQPAdapter(name, rabbit, cfg.Storage.AMQPExchange))

		case config.BackendNATS:
			conn, err := backend.ConnectNATS(infraCfg.NATS.URL, cfg.Service.Name)
			if err != nil {
				return nil, err
			}
			conns.nats = conn
			adapters = append(adapters, backend.NewNATSAdapter(name, conn, cfg.Storage.NATSSubjectPrefix))

		case config.BackendMemory:
			adapters = append(adapters, backend.NewMemoryAdapter(name, cfg.Storage.MemoryCapacity))

		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
	}
	return adapters, nil
}

func connectRabbit(conns *infra, url string) (*messaging.RabbitMQ, error) {
	if conns.rabbit != nil {
		return conns.rabbit, nil
	}
	rabbit, err := messaging.NewRabbitMQ(url)
	if err != nil {
		return nil, err
	}
	if err := rabbit.SetupTopology(); err != nil {
		_ = rabbit.Close()
		return nil, fmt.Errorf("setup rabbitmq topology: %w", err)
	}
	conns.rabbit = rabbit
	return rabbit, nil
}

func buildChannels(cfg config.NotificationConfig, conns *infra, rabbitURL string, log logger.Logger) []notification.Channel {
	client := &http.Client{Timeout: cfg.DeliveryTimeout}

	channels := []notification.Channel{
		notification.NewEmailChannel(cfg.Email, nil, log),
		notification.NewSlackChannel(cfg.Slack, client, log),
		notification.NewTelegramChannel(cfg.Telegram, log),
		notification.NewWebhookChannel(cfg.Webhook, client, log),
		notification.NewSMSChannel(cfg.SMS, client, log),
	}

	if cfg.InApp.Enabled {
		var publisher messaging.Publisher
		if rabbit, err := connectRabbit(conns, rabbitURL); err == nil {
			publisher = rabbit
		} else {
			log.WithError(err).Warn("RabbitMQ unavailable, in-app notifications are stored in the feed only")
		}
		var feed notification.FeedStore
		if conns.cache != nil {
			feed = conns.cache
		}
		channels = append(channels, notification.NewInAppChannel(cfg.InApp, publisher, feed, log))
	}
	return channels
}

// seedRules создает правила из конфигурации, которых еще нет в хранилище
func seedRules(ctx context.Context, rules service.RuleRepository, cfg *config.Config) error {
	var errs []error
	for _, rc := range cfg.Rules {
		_, err := rules.GetRule(ctx, rc.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrRuleNotFound) {
			errs = append(errs, err)
			continue
		}
		rule := rc.ToRule(cfg.Monitoring.DefaultCooldownMinutes)
		if err := rules.Save(ctx, &rule); err != nil {
			errs = append(errs, fmt.Errorf("seed rule %s: %w", rc.ID, err))
		}
	}
	return errors.Join(errs...)
}

func backendNames(adapters []backend.Adapter) []string {
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = a.Name()
	}
	return names
}

func startGRPCServer(server *grpc.Server, port int, log logger.Logger) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.WithError(err).Fatal("Failed to listen on gRPC port")
	}

	log.Info("Starting gRPC server", logger.Field{Key: "port", Value: port})
	if err := server.Serve(lis); err != nil {
		log.WithError(err).Error("gRPC server stopped")
	}
}

// intakeLimiter возвращает nil, если лимит приема событий выключен
func intakeLimiter(ctx context.Context, cfg config.ServiceConfig) gin.HandlerFunc {
	if cfg.IntakeRateLimit == 0 {
		return nil
	}
	limiter := middleware.NewClientRateLimiter(cfg.IntakeRateLimit, cfg.IntakeRateWindow)
	go limiter.Run(ctx, time.Minute)
	return limiter.Middleware()
}

func startHTTPServer(env string, port int, handler *handlers.HTTPHandler, auth *middleware.AuthMiddleware, cors gin.HandlerFunc, log logger.Logger) *http.Server {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log), cors)
	handler.Register(router, auth)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.Field{Key: "port", Value: port})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to serve HTTP")
		}
	}()
	return srv
}
