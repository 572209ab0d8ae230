package backend

import (
	"context"
	"errors"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

var (
	// ErrNotSupported возвращается бэкендом, который не умеет выполнять операцию
	ErrNotSupported = errors.New("operation not supported by backend")
	ErrClosed       = errors.New("backend is closed")
	ErrUnhealthy    = errors.New("backend is unhealthy")
)

// Adapter хранилище или поток, в который пишутся события.
// HealthCheck возвращает nil, если бэкенд доступен.
type Adapter interface {
	Name() string
	Record(ctx context.Context, event models.Event) error
	Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
	HealthCheck(ctx context.Context) error
}

// Flusher бэкенд с буферизованной записью
type Flusher interface {
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Close закрывает все бэкенды, которые это поддерживают
func Close(ctx context.Context, adapters ...Adapter) error {
	var errs []error
	for _, a := range adapters {
		if f, ok := a.(Flusher); ok {
			if err := f.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
