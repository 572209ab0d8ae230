package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/backend"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// DispatchMode режим рассылки событий по бэкендам
type DispatchMode string

const (
	ModeParallel DispatchMode = "parallel"
	ModeFallback DispatchMode = "fallback"
)

const (
	DefaultWorkers       = 3
	DefaultRecordTimeout = 5 * time.Second
	DefaultQueryTimeout  = 30 * time.Second
)

var (
	ErrNoBackends         = errors.New("no backends configured")
	ErrRecordTimeout      = errors.New("backend call timed out")
	ErrWorkersBusy        = errors.New("no dispatch worker available")
	ErrCallerCanceled     = errors.New("dispatch canceled by caller")
	ErrNoQueryableBackend = errors.New("no healthy backend supports queries")
	errBackendPanicked    = errors.New("backend panicked")
)

// DispatcherConfig настройки рассылки, задаются при создании
type DispatcherConfig struct {
	Mode                DispatchMode
	Primary             string
	Workers             int
	RecordTimeout       time.Duration
	// SlotTimeout ожидание свободного воркера; по умолчанию равно RecordTimeout
	SlotTimeout         time.Duration
	QueryTimeout        time.Duration
	HealthCheckInterval time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeParallel
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = DefaultRecordTimeout
	}
	if c.SlotTimeout <= 0 {
		c.SlotTimeout = c.RecordTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
}

// Dispatcher рассылает события по бэкендам и изолирует их отказы
type Dispatcher struct {
	cfg      DispatcherConfig
	adapters []backend.Adapter
	health   *HealthTracker
	slots    chan struct{}
	logger   logger.Logger

	async sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, adapters []backend.Adapter, health *HealthTracker, log logger.Logger) (*Dispatcher, error) {
	cfg.applyDefaults()
	if len(adapters) == 0 {
		return nil, ErrNoBackends
	}
	if cfg.Mode != ModeParallel && cfg.Mode != ModeFallback {
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Mode)
	}

	seen := make(map[string]struct{}, len(adapters))
	for _, a := range adapters {
		if _, dup := seen[a.Name()]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", a.Name())
		}
		seen[a.Name()] = struct{}{}
	}
	if cfg.Primary == "" {
		cfg.Primary = adapters[0].Name()
	}
	if _, ok := seen[cfg.Primary]; !ok {
		return nil, fmt.Errorf("primary backend %q is not configured", cfg.Primary)
	}

	return &Dispatcher{
		cfg:      cfg,
		adapters: append([]backend.Adapter(nil), adapters...),
		health:   health,
		slots:    make(chan struct{}, cfg.Workers),
		logger:   log.WithField("component", "dispatcher"),
	}, nil
}

func (d *Dispatcher) Adapters() []backend.Adapter {
	return append([]backend.Adapter(nil), d.adapters...)
}

func (d *Dispatcher) Primary() string {
	return d.cfg.Primary
}

// ordered возвращает бэкенды: основной первым, остальные в порядке объявления
func (d *Dispatcher) ordered() []backend.Adapter {
	out := make([]backend.Adapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		if a.Name() == d.cfg.Primary {
			out = append(out, a)
		}
	}
	for _, a := range d.adapters {
		if a.Name() != d.cfg.Primary {
			out = append(out, a)
		}
	}
	return out
}

// eligible делит бэкенды на здоровые и пропущенные.
// Устаревшие и неизвестные бэкенды сначала проверяются.
func (d *Dispatcher) eligible(ctx context.Context, adapters []backend.Adapter) ([]backend.Adapter, []string) {
	healthy := make([]bool, len(adapters))

	var wg sync.WaitGroup
	for i, a := range adapters {
		if !d.health.Stale(a.Name(), d.cfg.HealthCheckInterval) {
			healthy[i] = d.health.IsHealthy(a.Name())
			continue
		}
		wg.Add(1)
		go func(i int, a backend.Adapter) {
			defer wg.Done()
			healthy[i], _ = d.health.ProbeIfStale(ctx, a, d.cfg.HealthCheckInterval)
		}(i, a)
	}
	wg.Wait()

	var (
		ok      []backend.Adapter
		skipped []string
	)
	for i, a := range adapters {
		if healthy[i] {
			ok = append(ok, a)
		} else {
			skipped = append(skipped, a.Name())
		}
	}
	return ok, skipped
}

// Record отправляет событие в бэкенды согласно режиму.
// Ошибки бэкендов не возвращаются, а попадают в результат.
func (d *Dispatcher) Record(ctx context.Context, event models.Event) models.DispatchResult {
	start := time.Now()
	defer func() {
		dispatchDuration.WithLabelValues(string(d.cfg.Mode)).Observe(time.Since(start).Seconds())
	}()

	result := models.DispatchResult{
		EventID:   event.ID,
		Succeeded: make([]string, 0),
		Failed:    make(map[string]string),
	}

	candidates, skipped := d.eligible(ctx, d.ordered())
	result.Skipped = skipped

	if d.cfg.Mode == ModeFallback {
		d.recordFallback(ctx, event, candidates, &result)
	} else {
		d.recordParallel(ctx, event, candidates, &result)
	}

	result.AllFailed = len(result.Succeeded) == 0
	if result.AllFailed {
		dispatchTotalFailures.Inc()
		d.logger.Error("Event was not accepted by any backend",
			logger.Field{Key: "event_id", Value: event.ID},
			logger.Field{Key: "event_type", Value: event.Type},
			logger.Field{Key: "failed", Value: result.Failed},
			logger.Field{Key: "skipped", Value: skipped},
		)
	}
	return result
}

type backendResult struct {
	name string
	err  error
}

func (d *Dispatcher) recordParallel(ctx context.Context, event models.Event, candidates []backend.Adapter, result *models.DispatchResult) {
	results := make(chan backendResult, len(candidates))
	for _, a := range candidates {
		go func(a backend.Adapter) {
			results <- backendResult{name: a.Name(), err: d.recordOne(ctx, a, event)}
		}(a)
	}

	byName := make(map[string]error, len(candidates))
	for range candidates {
		r := <-results
		byName[r.name] = r.err
	}
	// порядок объявления, а не порядок завершения
	for _, a := range candidates {
		d.collect(result, a.Name(), byName[a.Name()])
	}
}

func (d *Dispatcher) recordFallback(ctx context.Context, event models.Event, candidates []backend.Adapter, result *models.DispatchResult) {
	for _, a := range candidates {
		err := d.recordOne(ctx, a, event)
		d.collect(result, a.Name(), err)
		if err == nil || errors.Is(err, ErrCallerCanceled) {
			return
		}
	}
}

func (d *Dispatcher) collect(result *models.DispatchResult, name string, err error) {
	eventsDispatched.WithLabelValues(name, outcome(err == nil)).Inc()
	if err == nil {
		result.Succeeded = append(result.Succeeded, name)
		return
	}
	result.Failed[name] = err.Error()
}

// recordOne пишет событие в один бэкенд с таймаутом.
// Таймаут вызова отсчитывается после получения слота воркера.
// Просроченный вызов бросается, но продолжает занимать слот до завершения.
// Здоровье меняет только отказ бэкенда, а не отмена со стороны вызывающего.
func (d *Dispatcher) recordOne(ctx context.Context, a backend.Adapter, event models.Event) error {
	slotTimer := time.NewTimer(d.cfg.SlotTimeout)
	select {
	case d.slots <- struct{}{}:
		slotTimer.Stop()
	case <-slotTimer.C:
		return fmt.Errorf("%w: waited %s", ErrWorkersBusy, d.cfg.SlotTimeout)
	case <-ctx.Done():
		slotTimer.Stop()
		return fmt.Errorf("%w: %v", ErrCallerCanceled, ctx.Err())
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RecordTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() { <-d.slots }()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", errBackendPanicked, r)
			}
		}()
		done <- a.Record(callCtx, event)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = fmt.Errorf("%w: %v", ErrRecordTimeout, callCtx.Err())
	}

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCallerCanceled, ctx.Err())
		}
		d.health.MarkUnhealthy(a.Name(), err)
		return err
	}
	d.health.MarkHealthy(a.Name())
	return nil
}

// RecordAsync рассылает событие в фоне и только логирует итог
func (d *Dispatcher) RecordAsync(event models.Event) {
	d.async.Add(1)
	go func() {
		defer d.async.Done()
		result := d.Record(context.Background(), event)
		if !result.AllFailed && len(result.Failed) > 0 {
			d.logger.Warn("Event partially dispatched",
				logger.Field{Key: "event_id", Value: event.ID},
				logger.Field{Key: "failed", Value: result.Failed},
			)
		}
	}()
}

// Wait дожидается завершения фоновых рассылок
func (d *Dispatcher) Wait() {
	d.async.Wait()
}

// Query читает события из первого здорового бэкенда, который умеет выборки
func (d *Dispatcher) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	var lastErr error
	for _, a := range d.ordered() {
		if !d.health.IsHealthy(a.Name()) {
			continue
		}

		events, err := d.queryOne(ctx, a, filter)
		if err == nil {
			return events, nil
		}
		if errors.Is(err, backend.ErrNotSupported) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.health.MarkUnhealthy(a.Name(), err)
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoQueryableBackend, lastErr)
	}
	return nil, ErrNoQueryableBackend
}

func (d *Dispatcher) queryOne(ctx context.Context, a backend.Adapter, filter models.EventFilter) (events []models.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errBackendPanicked, r)
		}
	}()
	queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	defer cancel()
	return a.Query(queryCtx, filter)
}

// Status состояние бэкендов для внешних потребителей
func (d *Dispatcher) Status() map[string]models.BackendStatus {
	out := make(map[string]models.BackendStatus, len(d.adapters))
	for _, a := range d.adapters {
		h, known := d.health.Get(a.Name())
		out[a.Name()] = models.BackendStatus{
			Name:        a.Name(),
			Healthy:     known && h.Healthy,
			LastChecked: h.LastCheckedAt,
			IsPrimary:   a.Name() == d.cfg.Primary,
		}
	}
	return out
}

// AnyHealthy true, если хотя бы один бэкенд здоров
func (d *Dispatcher) AnyHealthy() bool {
	for _, a := range d.adapters {
		if d.health.IsHealthy(a.Name()) {
			return true
		}
	}
	return false
}
