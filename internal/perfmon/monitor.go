// Package perfmon tracks per-key exponential baselines for signal processing
// and workflow execution, raises degradation alerts and aggregates rolling
// metric snapshots.
package perfmon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civitas/resilience-engine/internal/alerts"
	"github.com/civitas/resilience-engine/internal/models"
)

const (
	// alpha is the EMA smoothing factor: baseline' = alpha*sample + (1-alpha)*baseline.
	alpha = 0.1

	// signalSlowFactor and workflowSlowFactor are the baseline multiples past
	// which a response-time alert is raised.
	signalSlowFactor   = 2.0
	workflowSlowFactor = 1.5
)

type sampleKind int

const (
	kindSignal sampleKind = iota
	kindWorkflow
)

type sample struct {
	key     string
	kind    sampleKind
	at      time.Time
	durMs   float64
	success bool
}

// Config sizes the rolling window and snapshot retention.
type Config struct {
	// Window is the rolling aggregation window. Defaults to 5 minutes.
	Window time.Duration

	// Retention bounds how long snapshots are kept. Defaults to 24 hours.
	Retention time.Duration
}

// Monitor owns the performance baselines; nothing else writes them.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	baselines map[string]float64
	samples   []sample
	snapshots []models.PerformanceMetricsSnapshot

	utilization func() float64
	alerts      *alerts.Manager
	logger      *slog.Logger
}

// NewMonitor creates a Monitor. utilization may be nil when no ledger is
// attached; utilization figures then stay zero.
func NewMonitor(cfg Config, am *alerts.Manager, utilization func() float64, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Monitor{
		cfg:         cfg,
		baselines:   make(map[string]float64),
		utilization: utilization,
		alerts:      am,
		logger:      logger,
	}
}

// RecordSignalProcessing records one signal-processing execution.
func (m *Monitor) RecordSignalProcessing(ctx context.Context, signalType string, d time.Duration, success bool, now time.Time) {
	m.record(ctx, sample{key: signalType, kind: kindSignal, at: now, durMs: millis(d), success: success})
}

// RecordWorkflowExecution records one workflow execution.
func (m *Monitor) RecordWorkflowExecution(ctx context.Context, workflowID string, d time.Duration, success bool, now time.Time) {
	m.record(ctx, sample{key: workflowID, kind: kindWorkflow, at: now, durMs: millis(d), success: success})
}

// millis keeps sub-millisecond precision; in-process signal evaluation
// routinely finishes in microseconds and must not quantize to zero.
func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (m *Monitor) record(ctx context.Context, s sample) {
	baselineKey := s.key + "-responseTime"

	m.mu.Lock()
	baseline, seeded := m.baselines[baselineKey]
	if !seeded {
		m.baselines[baselineKey] = s.durMs
	} else {
		m.baselines[baselineKey] = alpha*s.durMs + (1-alpha)*baseline
	}
	m.samples = append(m.samples, s)
	m.mu.Unlock()

	if m.alerts == nil {
		return
	}

	factor := signalSlowFactor
	source := "signal-processing"
	if s.kind == kindWorkflow {
		factor = workflowSlowFactor
		source = "workflow-execution"
	}
	if seeded && baseline > 0 && s.durMs > factor*baseline {
		m.alerts.Create(ctx, alerts.CreateInput{
			Type:        "PERFORMANCE_DEGRADATION",
			Severity:    models.SeverityHigh,
			Title:       fmt.Sprintf("Slow %s: %s", source, s.key),
			Description: fmt.Sprintf("%.0fms against a %.0fms baseline (threshold %.1fx)", s.durMs, baseline, factor),
			Source:      source,
		}, s.at)
	}
	if !s.success {
		m.alerts.Create(ctx, alerts.CreateInput{
			Type:        "EXECUTION_FAILURE",
			Severity:    models.SeverityMedium,
			Title:       fmt.Sprintf("Failed %s: %s", source, s.key),
			Description: fmt.Sprintf("execution of %s reported failure", s.key),
			Source:      source,
		}, s.at)
	}
}

// Baseline returns the current EMA baseline for a key's response time.
func (m *Monitor) Baseline(key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.baselines[key+"-responseTime"]
	return v, ok
}

// Tick aggregates the rolling window into a snapshot, purges expired
// snapshots and samples, and returns the new snapshot.
func (m *Monitor) Tick(now time.Time) models.PerformanceMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	windowStart := now.Add(-m.cfg.Window)

	// Drop samples older than the window; they are fully represented by the
	// snapshots they were aggregated into.
	kept := m.samples[:0]
	var window []sample
	for _, s := range m.samples {
		if s.at.Before(windowStart) {
			continue
		}
		kept = append(kept, s)
		window = append(window, s)
	}
	m.samples = kept

	snap := m.aggregate(window, now, windowStart)
	m.snapshots = append(m.snapshots, snap)

	cutoff := now.Add(-m.cfg.Retention)
	idx := 0
	for idx < len(m.snapshots) && m.snapshots[idx].Timestamp.Before(cutoff) {
		idx++
	}
	m.snapshots = m.snapshots[idx:]

	return snap
}

// Snapshots returns the snapshots recorded inside the given window (all
// retained snapshots when window <= 0), oldest first.
func (m *Monitor) Snapshots(window time.Duration, now time.Time) []models.PerformanceMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PerformanceMetricsSnapshot
	for _, s := range m.snapshots {
		if window > 0 && s.Timestamp.Before(now.Add(-window)) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (m *Monitor) aggregate(window []sample, now, windowStart time.Time) models.PerformanceMetricsSnapshot {
	snap := models.PerformanceMetricsSnapshot{
		ID:          uuid.New(),
		Timestamp:   now,
		WindowStart: windowStart,
		Trend:       models.TrendStable,
	}

	if len(window) > 0 {
		durations := make([]float64, 0, len(window))
		var sum float64
		successes := 0
		successByKey := map[string][2]int{} // key -> [success, total]
		errorsByKey := map[string]int{}
		for _, s := range window {
			durations = append(durations, s.durMs)
			sum += s.durMs
			counts := successByKey[s.key]
			counts[1]++
			if s.success {
				successes++
				counts[0]++
			} else {
				errorsByKey[s.key]++
			}
			successByKey[s.key] = counts
		}
		sort.Float64s(durations)

		snap.AvgResponseMs = sum / float64(len(durations))
		snap.MedianResponseMs = percentile(durations, 0.5)
		snap.P95ResponseMs = percentile(durations, 0.95)
		snap.P99ResponseMs = percentile(durations, 0.99)
		snap.MinResponseMs = durations[0]
		snap.MaxResponseMs = durations[len(durations)-1]
		snap.SuccessRate = float64(successes) / float64(len(window))
		snap.ThroughputPerMinute = float64(len(window)) / m.cfg.Window.Minutes()

		snap.SuccessRateByKey = make(map[string]float64, len(successByKey))
		for key, counts := range successByKey {
			snap.SuccessRateByKey[key] = float64(counts[0]) / float64(counts[1])
		}
		if len(errorsByKey) > 0 {
			snap.ErrorsByKey = errorsByKey
		}
	}

	if m.utilization != nil {
		u := m.utilization()
		snap.UtilizationAvg = u
		snap.UtilizationPeak = u
		for _, prev := range m.snapshots {
			if !prev.Timestamp.Before(windowStart) && prev.UtilizationPeak > snap.UtilizationPeak {
				snap.UtilizationPeak = prev.UtilizationPeak
			}
		}
		if n := m.countSince(windowStart); n > 0 {
			var total float64
			for _, prev := range m.snapshots {
				if !prev.Timestamp.Before(windowStart) {
					total += prev.UtilizationAvg
				}
			}
			snap.UtilizationAvg = (total + u) / float64(n+1)
		}
	}

	snap.Trend = m.classifyTrend(snap)
	return snap
}

func (m *Monitor) countSince(t time.Time) int {
	n := 0
	for _, s := range m.snapshots {
		if !s.Timestamp.Before(t) {
			n++
		}
	}
	return n
}

// classifyTrend compares the mean of the last 5 snapshots (including the one
// being built) against the previous 5. Response time and throughput use a
// ±10% band, success rate a ±5 percentage-point band.
func (m *Monitor) classifyTrend(current models.PerformanceMetricsSnapshot) models.TrendDirection {
	history := append(append([]models.PerformanceMetricsSnapshot{}, m.snapshots...), current)
	if len(history) < 10 {
		return models.TrendStable
	}
	recent := history[len(history)-5:]
	previous := history[len(history)-10 : len(history)-5]

	recentResp, recentTput, recentSucc := meanMetrics(recent)
	prevResp, prevTput, prevSucc := meanMetrics(previous)

	degrading := 0
	improving := 0

	if prevResp > 0 {
		switch {
		case recentResp > prevResp*1.10:
			degrading++
		case recentResp < prevResp*0.90:
			improving++
		}
	}
	if prevTput > 0 {
		switch {
		case recentTput < prevTput*0.90:
			degrading++
		case recentTput > prevTput*1.10:
			improving++
		}
	}
	switch {
	case recentSucc < prevSucc-0.05:
		degrading++
	case recentSucc > prevSucc+0.05:
		improving++
	}

	switch {
	case degrading > improving:
		return models.TrendDegrading
	case improving > degrading:
		return models.TrendImproving
	default:
		return models.TrendStable
	}
}

func meanMetrics(snaps []models.PerformanceMetricsSnapshot) (resp, tput, succ float64) {
	for _, s := range snaps {
		resp += s.AvgResponseMs
		tput += s.ThroughputPerMinute
		succ += s.SuccessRate
	}
	n := float64(len(snaps))
	return resp / n, tput / n, succ / n
}

// percentile takes a sorted slice and returns the value at pct using
// nearest-rank interpolation.
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := pct * float64(len(sorted)-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
