package triplog

import (
	"context"
	"sync"

	"github.com/example/ambu-dispatch/internal/models"
)

// Log defines persistence for completed trips. The journal is append-only
// from the agent's perspective; earnings reconciliation reads it elsewhere.
type Log interface {
	Record(ctx context.Context, t models.TripRecord) error
	Recent(ctx context.Context, limit int) ([]models.TripRecord, error)
}

type MemoryLog struct {
	mu    sync.RWMutex
	trips []models.TripRecord
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Record(ctx context.Context, t models.TripRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips = append(m.trips, t)
	return nil
}

// Recent returns the newest trips first.
func (m *MemoryLog) Recent(ctx context.Context, limit int) ([]models.TripRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.trips)
	if limit > n {
		limit = n
	}
	out := make([]models.TripRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.trips[i])
	}
	return out, nil
}
