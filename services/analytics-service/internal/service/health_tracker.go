package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/backend"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const (
	DefaultHealthCheckInterval = 300 * time.Second
	DefaultProbeTimeout        = 5 * time.Second

	maxConcurrentProbes = 10
)

// HealthListener вызывается при каждом изменении здоровья бэкенда
type HealthListener func(name string, healthy bool)

type healthEntry struct {
	mu      sync.Mutex
	state   models.BackendHealth
	known   bool
	probing bool
}

// HealthTracker хранит здоровье бэкендов.
// Бэкенд без записи считается нездоровым до первой проверки.
type HealthTracker struct {
	mu        sync.RWMutex
	entries   map[string]*healthEntry
	listeners []HealthListener

	interval     time.Duration
	probeTimeout time.Duration
	clock        Clock
	logger       logger.Logger
}

type HealthTrackerOption func(*HealthTracker)

func WithProbeTimeout(d time.Duration) HealthTrackerOption {
	return func(h *HealthTracker) {
		if d > 0 {
			h.probeTimeout = d
		}
	}
}

func WithHealthClock(clock Clock) HealthTrackerOption {
	return func(h *HealthTracker) {
		h.clock = clock
	}
}

func NewHealthTracker(interval time.Duration, log logger.Logger, opts ...HealthTrackerOption) *HealthTracker {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	h := &HealthTracker{
		entries:      make(map[string]*healthEntry),
		interval:     interval,
		probeTimeout: DefaultProbeTimeout,
		clock:        systemClock,
		logger:       log.WithField("component", "health_tracker"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HealthTracker) Interval() time.Duration {
	return h.interval
}

func (h *HealthTracker) entry(name string) *healthEntry {
	h.mu.RLock()
	e, ok := h.entries[name]
	h.mu.RUnlock()
	if ok {
		return e
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok = h.entries[name]; !ok {
		e = &healthEntry{}
		h.entries[name] = e
	}
	return e
}

// Subscribe добавляет слушателя изменений здоровья
func (h *HealthTracker) Subscribe(l HealthListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *HealthTracker) IsHealthy(name string) bool {
	h.mu.RLock()
	e, ok := h.entries[name]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.known && e.state.Healthy
}

// Get возвращает состояние бэкенда и признак наличия записи
func (h *HealthTracker) Get(name string) (models.BackendHealth, bool) {
	h.mu.RLock()
	e, ok := h.entries[name]
	h.mu.RUnlock()
	if !ok {
		return models.BackendHealth{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.known
}

func (h *HealthTracker) MarkHealthy(name string) {
	h.set(name, true, nil)
}

func (h *HealthTracker) MarkUnhealthy(name string, reason error) {
	h.set(name, false, reason)
}

func (h *HealthTracker) set(name string, healthy bool, reason error) {
	e := h.entry(name)

	e.mu.Lock()
	wasKnown := e.known
	was := e.state.Healthy
	e.state = models.BackendHealth{Healthy: healthy, LastCheckedAt: h.clock()}
	e.known = true
	e.mu.Unlock()

	recordBackendHealth(name, healthy)
	if wasKnown && was == healthy {
		return
	}

	log := h.logger.WithField("backend", name)
	switch {
	case healthy && wasKnown:
		log.Info("Backend recovered")
	case healthy:
		log.Debug("Backend is healthy")
	case reason != nil:
		log.WithError(reason).Warn("Backend became unhealthy")
	default:
		log.Warn("Backend became unhealthy")
	}

	h.mu.RLock()
	listeners := append([]HealthListener(nil), h.listeners...)
	h.mu.RUnlock()
	for _, l := range listeners {
		l(name, healthy)
	}
}

// Stale true, если бэкенд не проверялся последние interval
func (h *HealthTracker) Stale(name string, interval time.Duration) bool {
	if interval <= 0 {
		interval = h.interval
	}
	h.mu.RLock()
	e, ok := h.entries[name]
	h.mu.RUnlock()
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.known || h.clock().Sub(e.state.LastCheckedAt) >= interval
}

// ProbeIfStale проверяет бэкенд, если последняя проверка старше interval.
// Возвращает текущее здоровье и признак того, что проверка выполнялась.
func (h *HealthTracker) ProbeIfStale(ctx context.Context, adapter backend.Adapter, interval time.Duration) (bool, bool) {
	if interval <= 0 {
		interval = h.interval
	}
	name := adapter.Name()
	e := h.entry(name)

	e.mu.Lock()
	fresh := e.known && h.clock().Sub(e.state.LastCheckedAt) < interval
	if fresh || e.probing {
		healthy := e.known && e.state.Healthy
		e.mu.Unlock()
		return healthy, false
	}
	e.probing = true
	e.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	err := safeHealthCheck(probeCtx, adapter)
	cancel()

	e.mu.Lock()
	e.probing = false
	healthy := e.known && e.state.Healthy
	e.mu.Unlock()

	// проверка, отмененная вызывающим, ничего не говорит о бэкенде
	if ctx.Err() != nil {
		return healthy, false
	}

	backendProbes.WithLabelValues(name, outcome(err == nil)).Inc()
	h.set(name, err == nil, err)
	return err == nil, true
}

func safeHealthCheck(ctx context.Context, adapter backend.Adapter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return adapter.HealthCheck(ctx)
}

// Snapshot копия состояния всех проверенных бэкендов
func (h *HealthTracker) Snapshot() map[string]models.BackendHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]models.BackendHealth, len(h.entries))
	for name, e := range h.entries {
		e.mu.Lock()
		if e.known {
			out[name] = e.state
		}
		e.mu.Unlock()
	}
	return out
}

// ProbeAll проверяет все устаревшие бэкенды параллельно
func (h *HealthTracker) ProbeAll(ctx context.Context, adapters []backend.Adapter) {
	// запас на дрожание тикера, иначе каждая вторая проверка пропускается
	staleness := h.interval - h.interval/10
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, maxConcurrentProbes)

	for _, a := range adapters {
		wg.Add(1)
		go func(a backend.Adapter) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-semaphore }()
			h.ProbeIfStale(ctx, a, staleness)
		}(a)
	}
	wg.Wait()
}

// Run периодически перепроверяет бэкенды, в том числе исключенные из рассылки
func (h *HealthTracker) Run(ctx context.Context, adapters []backend.Adapter) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.ProbeAll(ctx, adapters)

	for {
		select {
		case <-ticker.C:
			RecordWorkerRun("health_tracker")
			h.ProbeAll(ctx, adapters)
		case <-ctx.Done():
			h.logger.Info("Stopping health tracker")
			return
		}
	}
}
