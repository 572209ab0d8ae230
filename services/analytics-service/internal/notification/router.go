package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const DefaultDeliveryTimeout = 10 * time.Second

var deliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "analytics_notification_deliveries_total",
		Help: "Notification deliveries by channel and outcome",
	},
	[]string{"channel", "outcome"},
)

// Channel транспорт доставки уведомлений
type Channel interface {
	Name() string
	IsConfigured() bool
	Deliver(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) bool
}

// Router рассылает алерт во все каналы правила независимо друг от друга
type Router struct {
	channels map[string]Channel
	timeout  time.Duration
	logger   logger.Logger
}

func NewRouter(timeout time.Duration, log logger.Logger, channels ...Channel) *Router {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	r := &Router{
		channels: make(map[string]Channel, len(channels)),
		timeout:  timeout,
		logger:   log.WithField("component", "notification_router"),
	}
	for _, ch := range channels {
		if ch != nil {
			r.channels[ch.Name()] = ch
		}
	}
	return r
}

// Channels имена зарегистрированных и настроенных каналов
func (r *Router) Channels() []string {
	names := make([]string, 0, len(r.channels))
	for name, ch := range r.channels {
		if ch.IsConfigured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Route доставляет уведомление в каждый канал правила.
// Ненастроенный или упавший канал дает false и не мешает остальным; повторов нет.
func (r *Router) Route(ctx context.Context, rule models.AlertRule, nctx models.NotificationContext) map[string]bool {
	result := make(map[string]bool, len(rule.NotificationChannels))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range rule.NotificationChannels {
		if _, seen := result[name]; seen {
			continue
		}
		result[name] = false

		ch, ok := r.channels[name]
		if !ok || !ch.IsConfigured() {
			deliveries.WithLabelValues(name, "unconfigured").Inc()
			r.logger.Warn("Notification channel is not configured",
				logger.Field{Key: "channel", Value: name},
				logger.Field{Key: "rule_id", Value: rule.ID},
			)
			continue
		}

		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			ok := r.deliver(ctx, ch, rule, nctx)
			mu.Lock()
			result[name] = ok
			mu.Unlock()
		}(name, ch)
	}
	wg.Wait()
	return result
}

func (r *Router) deliver(ctx context.Context, ch Channel, rule models.AlertRule, nctx models.NotificationContext) bool {
	log := r.logger.WithFields(logger.Fields{"channel": ch.Name(), "rule_id": rule.ID, "alert_id": nctx.AlertID})

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// буфер 1: зависший канал не держит горутину после таймаута
	done := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("Notification channel panicked", logger.Field{Key: "panic", Value: fmt.Sprint(rec)})
				done <- false
			}
		}()
		done <- ch.Deliver(ctx, rule, nctx)
	}()

	var ok bool
	select {
	case ok = <-done:
		if !ok {
			log.Warn("Notification delivery failed")
		}
	case <-ctx.Done():
		log.Warn("Notification delivery timed out", logger.Field{Key: "timeout", Value: r.timeout})
	}

	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	deliveries.WithLabelValues(ch.Name(), outcome).Inc()
	return ok
}
