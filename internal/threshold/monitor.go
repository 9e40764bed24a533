// Package threshold periodically classifies pool state against the
// configured margin bands and raises breach events, reorder recommendations
// and auto-deployments.
package threshold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/civitas/resilience-engine/internal/alerts"
	"github.com/civitas/resilience-engine/internal/ledger"
	"github.com/civitas/resilience-engine/internal/models"
)

// Breach is one classification outcome for a pool on one tick. Level is the
// band name: EMERGENCY, CRITICAL or WARNING.
type Breach struct {
	PoolID string
	Level  string
	Ratio  float64
}

// Monitor classifies each pool once per tick. Classification is ordered most
// severe first and at most one breach event is emitted per pool per tick.
type Monitor struct {
	ledger *ledger.Ledger
	alerts *alerts.Manager
	sink   ledger.EventSink
	logger *slog.Logger

	mu         sync.RWMutex
	thresholds map[models.ResourceCategory]models.MarginThreshold
}

func NewMonitor(l *ledger.Ledger, am *alerts.Manager, sink ledger.EventSink, thresholds []models.MarginThreshold, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		ledger:     l,
		alerts:     am,
		sink:       sink,
		logger:     logger,
		thresholds: make(map[models.ResourceCategory]models.MarginThreshold),
	}
	m.SetThresholds(thresholds)
	return m
}

// SetThresholds replaces the configured bands.
func (m *Monitor) SetThresholds(thresholds []models.MarginThreshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = make(map[models.ResourceCategory]models.MarginThreshold, len(thresholds))
	for _, t := range thresholds {
		m.thresholds[t.MarginType] = t
	}
}

// Thresholds returns the configured bands.
func (m *Monitor) Thresholds() []models.MarginThreshold {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MarginThreshold, 0, len(m.thresholds))
	for _, t := range m.thresholds {
		out = append(out, t)
	}
	return out
}

// Tick inspects every pool once and returns the breaches found. Reorder
// recommendations are evaluated independently of the breach classification.
func (m *Monitor) Tick(ctx context.Context, now time.Time) []Breach {
	var breaches []Breach
	for _, p := range m.ledger.Pools() {
		t, ok := m.threshold(p.Category)
		if !ok {
			continue
		}
		ratio := marginRatio(p)

		// First match wins; no cascading events for lower bands.
		switch {
		case ratio <= t.EmergencyThreshold:
			breaches = append(breaches, m.breach(ctx, p, models.SeverityCritical, "EMERGENCY", ratio, now))
		case ratio <= t.CriticalThreshold:
			breaches = append(breaches, m.breach(ctx, p, models.SeverityHigh, "CRITICAL", ratio, now))
		case ratio <= t.WarningThreshold:
			breaches = append(breaches, m.breach(ctx, p, models.SeverityMedium, "WARNING", ratio, now))
		}

		if ratio <= t.AutoDeployThreshold {
			m.autoDeploy(ctx, p, ratio)
		}

		if p.Available <= p.ReorderPoint {
			m.recommendReorder(ctx, p, now)
		}
	}
	return breaches
}

func (m *Monitor) threshold(category models.ResourceCategory) (models.MarginThreshold, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.thresholds[category]
	return t, ok
}

func (m *Monitor) breach(ctx context.Context, p models.ResourcePool, severity models.Severity, band string, ratio float64, now time.Time) Breach {
	description := fmt.Sprintf("%s margin breach on pool %s: ratio %.3f (available=%.2f)", band, p.ID, ratio, p.Available)
	if m.sink != nil {
		m.sink.Record(ctx, models.MarginEvent{
			Type:        models.EventThresholdBreach,
			MarginType:  p.Category,
			Timestamp:   now,
			Description: description,
			Impact:      1 - ratio,
		})
	}
	if m.alerts != nil {
		m.alerts.Create(ctx, alerts.CreateInput{
			Type:        "THRESHOLD_BREACH",
			Severity:    severity,
			Title:       fmt.Sprintf("%s margin breach: %s", band, p.ID),
			Description: description,
			Source:      "threshold-monitor",
		}, now)
	}
	return Breach{PoolID: p.ID, Level: band, Ratio: ratio}
}

// autoDeploy spends from the newest live allocation of the pool when the
// ratio falls to the auto-deploy band. Best effort; failures are logged.
func (m *Monitor) autoDeploy(ctx context.Context, p models.ResourcePool, ratio float64) {
	alloc, ok := m.ledger.LatestAllocationForPool(p.ID)
	if !ok {
		return
	}
	if _, err := m.ledger.DeployRemaining(ctx, alloc.ID, "auto-deploy"); err != nil {
		// A fully deployed allocation is not a failure; it will recur on
		// every tick until the allocation is recovered.
		if !errors.Is(err, ledger.ErrQuantityExceedsAllocation) {
			m.logger.Warn("auto-deploy failed", "pool", p.ID, "allocation", alloc.ID, "error", err)
		}
		return
	}
	m.logger.Info("auto-deployed margin", "pool", p.ID, "allocation", alloc.ID, "ratio", ratio)
}

func (m *Monitor) recommendReorder(ctx context.Context, p models.ResourcePool, now time.Time) {
	if m.sink == nil {
		return
	}
	m.sink.Record(ctx, models.MarginEvent{
		Type:        models.EventOptimization,
		MarginType:  p.Category,
		Timestamp:   now,
		Description: fmt.Sprintf("reorder recommended for pool %s: available %.2f at or below reorder point %.2f", p.ID, p.Available, p.ReorderPoint),
		Impact:      0.3,
	})
}

// marginRatio is available/minimumStock when a minimum stock is configured,
// otherwise available/total.
func marginRatio(p models.ResourcePool) float64 {
	switch {
	case p.MinimumStock > 0:
		return p.Available / p.MinimumStock
	case p.Total > 0:
		return p.Available / p.Total
	default:
		return 0
	}
}
