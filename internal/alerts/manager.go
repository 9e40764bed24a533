// Package alerts owns the alert lifecycle: creation with signature-based
// deduplication, acknowledgement and resolution.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civitas/resilience-engine/internal/models"
)

var ErrAlertNotFound = errors.New("alert not found")

// Manager keeps active alerts and a bounded history. A new alert with the
// same (type, title) as an active alert created within the dedup window is
// suppressed.
type Manager struct {
	mu      sync.RWMutex
	active  map[uuid.UUID]*models.Alert
	history []models.Alert

	dedupWindow time.Duration
	keepHistory int
	logger      *slog.Logger
}

type Config struct {
	// DedupWindow suppresses same-signature alerts. Defaults to 5 minutes.
	DedupWindow time.Duration

	// KeepHistory bounds the resolved-alert history. Defaults to 1000.
	KeepHistory int
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.KeepHistory <= 0 {
		cfg.KeepHistory = 1000
	}
	return &Manager{
		active:      make(map[uuid.UUID]*models.Alert),
		dedupWindow: cfg.DedupWindow,
		keepHistory: cfg.KeepHistory,
		logger:      logger,
	}
}

type CreateInput struct {
	Type        string
	Severity    models.Severity
	Title       string
	Description string
	Source      string
}

// Create raises a new alert unless an active alert with the same signature
// was created within the dedup window. The bool reports whether a new alert
// was created.
func (m *Manager) Create(ctx context.Context, in CreateInput, now time.Time) (*models.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.active {
		if a.Type == in.Type && a.Title == in.Title && now.Sub(a.Timestamp) < m.dedupWindow {
			return a, false
		}
	}

	alert := &models.Alert{
		ID:          uuid.New(),
		Type:        in.Type,
		Severity:    in.Severity,
		Title:       in.Title,
		Description: in.Description,
		Source:      in.Source,
		Timestamp:   now,
		Status:      models.AlertActive,
	}
	m.active[alert.ID] = alert
	m.logger.Info("alert raised", "alert", alert.ID, "type", alert.Type, "severity", alert.Severity, "title", alert.Title)
	return alert, true
}

// Acknowledge marks an active alert as acknowledged.
func (m *Manager) Acknowledge(id uuid.UUID, by string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.Status = models.AlertAcknowledged
	a.AcknowledgedBy = by
	return nil
}

// Resolve closes an alert and moves it into the history.
func (m *Manager) Resolve(id uuid.UUID, by, resolution string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.Status = models.AlertResolved
	a.ResolvedBy = by
	a.Resolution = resolution
	delete(m.active, id)
	m.history = append(m.history, *a)
	if len(m.history) > m.keepHistory {
		m.history = m.history[len(m.history)-m.keepHistory:]
	}
	return nil
}

// Active returns a copy of every unresolved alert, newest first.
func (m *Manager) Active() []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// History returns up to limit resolved alerts, newest first.
func (m *Manager) History(limit int) []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Alert, 0, n)
	for i := len(m.history) - 1; i >= len(m.history)-n; i-- {
		out = append(out, m.history[i])
	}
	return out
}
