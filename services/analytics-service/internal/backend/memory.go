package backend

import (
	"context"
	"sync"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const DefaultMemoryCapacity = 100000

// MemoryAdapter кольцевой буфер событий в памяти процесса
type MemoryAdapter struct {
	name     string
	capacity int

	mu     sync.RWMutex
	events []models.Event
	next   int
	full   bool
}

func NewMemoryAdapter(name string, capacity int) *MemoryAdapter {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryAdapter{
		name:     name,
		capacity: capacity,
		events:   make([]models.Event, 0, min(capacity, 1024)),
	}
}

func (m *MemoryAdapter) Name() string {
	return m.name
}

func (m *MemoryAdapter) Record(ctx context.Context, event models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full && len(m.events) < m.capacity {
		m.events = append(m.events, event)
		if len(m.events) == m.capacity {
			m.full = true
		}
		return nil
	}
	m.events[m.next] = event
	m.next = (m.next + 1) % m.capacity
	return nil
}

// Query возвращает события в порядке записи
func (m *MemoryAdapter) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.Event, 0)
	n := len(m.events)
	for i := 0; i < n; i++ {
		idx := i
		if m.full {
			idx = (m.next + i) % n
		}
		ev := m.events[idx]
		if !filter.Matches(ev) {
			continue
		}
		result = append(result, ev)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryAdapter) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
