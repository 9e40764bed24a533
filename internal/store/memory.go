package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civitas/resilience-engine/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	events      []models.MarginEvent
	utilization []models.MarginUtilization
	stress      []models.StressEvent
	adaptations []models.AdaptationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendMarginEvent(ctx context.Context, ev models.MarginEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) ListMarginEvents(ctx context.Context, limit int) ([]models.MarginEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lastN(m.events, limit), nil
}

func (m *MemoryStore) AppendUtilization(ctx context.Context, u models.MarginUtilization) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utilization = append(m.utilization, u)
	return nil
}

func (m *MemoryStore) ListUtilization(ctx context.Context, marginType models.ResourceCategory, limit int) ([]models.MarginUtilization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var filtered []models.MarginUtilization
	for _, u := range m.utilization {
		if marginType == "" || u.MarginType == marginType {
			filtered = append(filtered, u)
		}
	}
	return lastN(filtered, limit), nil
}

func (m *MemoryStore) AppendStressEvent(ctx context.Context, ev models.StressEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stress = append(m.stress, ev)
	return nil
}

func (m *MemoryStore) ListStressEvents(ctx context.Context, limit int) ([]models.StressEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lastN(m.stress, limit), nil
}

func (m *MemoryStore) AppendAdaptationRecord(ctx context.Context, rec models.AdaptationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adaptations = append(m.adaptations, rec)
	return nil
}

func (m *MemoryStore) ListAdaptationRecords(ctx context.Context, since time.Time) ([]models.AdaptationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AdaptationRecord
	for _, rec := range m.adaptations {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) PruneAdaptationRecords(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.adaptations[:0]
	var pruned int64
	for _, rec := range m.adaptations {
		if rec.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	m.adaptations = kept
	return pruned, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// lastN returns the newest n entries of s, newest first.
func lastN[T any](s []T, n int) []T {
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	out := make([]T, 0, n)
	for i := len(s) - 1; i >= len(s)-n; i-- {
		out = append(out, s[i])
	}
	return out
}
