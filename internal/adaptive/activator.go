// Package adaptive detects repeated stress from signal batches and activates
// bounded behavioural adaptations under a per-pattern cooldown and a learned
// success-rate gate.
package adaptive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civitas/resilience-engine/internal/ledger"
	"github.com/civitas/resilience-engine/internal/models"
	"github.com/civitas/resilience-engine/internal/store"
)

// Config gates activation and bounds the reported improvements.
type Config struct {
	// ActivationCooldown is the minimum gap between activations of the same
	// pattern. Defaults to 5 minutes.
	ActivationCooldown time.Duration

	// MinSuccessRate is the historical success-rate floor below which a
	// pattern is no longer activated.
	MinSuccessRate float64

	// StressAdaptationThreshold is the number of HIGH/CRITICAL signals a
	// batch needs before any pattern is considered. Defaults to 3.
	StressAdaptationThreshold int

	// EnabledAdaptations restricts which adaptation types execute. Empty
	// means all types are enabled.
	EnabledAdaptations []models.StressAdaptationType

	// MinImprovement, TargetImprovement and MaxImprovement bound the
	// improvement factor reported by executed adaptations.
	MinImprovement    float64
	TargetImprovement float64
	MaxImprovement    float64

	// Retention bounds the adaptation history. Defaults to 30 days.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.ActivationCooldown <= 0 {
		c.ActivationCooldown = 5 * time.Minute
	}
	if c.StressAdaptationThreshold <= 0 {
		c.StressAdaptationThreshold = 3
	}
	if c.MinImprovement <= 0 {
		c.MinImprovement = 1.05
	}
	if c.TargetImprovement <= 0 {
		c.TargetImprovement = 1.25
	}
	if c.MaxImprovement <= 0 {
		c.MaxImprovement = 1.5
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
}

// Activator holds the pattern set and processes stress events. There is no
// persistent active state between calls: each ProcessStressEvent performs one
// evaluation pass.
type Activator struct {
	mu       sync.RWMutex
	cfg      Config
	patterns map[string]*models.AntifragilePattern

	ledger *ledger.Ledger
	store  store.Store
	logger *slog.Logger
}

func New(l *ledger.Ledger, st store.Store, cfg Config, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Activator{
		cfg:      cfg,
		patterns: make(map[string]*models.AntifragilePattern),
		ledger:   l,
		store:    st,
		logger:   logger,
	}
}

// SetPatterns replaces the pattern set. Patterns keep their configured
// success rate as the starting point of the running average.
func (a *Activator) SetPatterns(patterns []models.AntifragilePattern) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.patterns = make(map[string]*models.AntifragilePattern, len(patterns))
	for _, p := range patterns {
		cp := p
		a.patterns[p.ID] = &cp
	}
}

// UpdateConfig replaces the activation gates at runtime.
func (a *Activator) UpdateConfig(cfg Config) {
	cfg.applyDefaults()
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Patterns returns a copy of every pattern with its current learned state.
func (a *Activator) Patterns() []models.AntifragilePattern {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.AntifragilePattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		out = append(out, *p)
	}
	return out
}

// ProcessStressEvent evaluates one signal batch. The stress event is always
// recorded, even when the batch activates nothing.
func (a *Activator) ProcessStressEvent(ctx context.Context, signals []models.Signal, now time.Time) (models.StressResult, error) {
	result := models.StressResult{}
	event := models.StressEvent{
		ID:        uuid.New(),
		Timestamp: now,
	}
	for _, s := range signals {
		event.TriggerSignals = append(event.TriggerSignals, s.ID)
	}

	a.mu.Lock()
	cfg := a.cfg
	severe := severeCount(signals)
	if severe >= cfg.StressAdaptationThreshold {
		for _, p := range a.patterns {
			matched := matchCount(p.Trigger, signals)
			minSignals := p.Trigger.MinSignals
			if minSignals <= 0 {
				minSignals = 1
			}
			if matched < minSignals {
				continue
			}
			if p.LastActivated != nil && now.Sub(*p.LastActivated) < cfg.ActivationCooldown {
				continue
			}
			if p.SuccessRate < cfg.MinSuccessRate {
				continue
			}
			a.activate(ctx, p, matched, minSignals, now, cfg, &result)
		}
	}
	a.mu.Unlock()

	event.ActivatedPatterns = result.ActivatedPatterns
	event.Adaptations = result.Adaptations
	event.PerformanceImprovements = result.PerformanceImprovements
	if err := a.store.AppendStressEvent(ctx, event); err != nil {
		a.logger.Warn("append stress event failed", "event", event.ID, "error", err)
	}
	return result, nil
}

// activate runs every enabled adaptation of the pattern and updates its
// learned state. Caller holds a.mu.
func (a *Activator) activate(ctx context.Context, p *models.AntifragilePattern, matched, minSignals int, now time.Time, cfg Config, result *models.StressResult) {
	activatedAt := now
	p.LastActivated = &activatedAt
	p.ActivationCount++
	result.ActivatedPatterns = append(result.ActivatedPatterns, p.ID)

	// Intensity above the trigger floor widens the improvement, bounded by
	// the configured band.
	factor := cfg.TargetImprovement * (1 + 0.05*float64(matched-minSignals))
	if factor < cfg.MinImprovement {
		factor = cfg.MinImprovement
	}
	if factor > cfg.MaxImprovement {
		factor = cfg.MaxImprovement
	}

	outcome := 1.0
	for _, adaptation := range p.Adaptations {
		if !enabled(cfg.EnabledAdaptations, adaptation) {
			continue
		}
		improvement, err := a.execute(ctx, adaptation, factor, matched)
		success := err == nil
		if !success {
			outcome = 0
			a.logger.Warn("adaptation failed", "pattern", p.ID, "adaptation", adaptation, "error", err)
		} else {
			result.Adaptations = append(result.Adaptations, adaptation)
			result.PerformanceImprovements = append(result.PerformanceImprovements, improvement)
		}
		rec := models.AdaptationRecord{
			Timestamp:         now,
			AdaptationType:    adaptation,
			PerformanceImpact: factor - 1,
			Success:           success,
		}
		if err := a.store.AppendAdaptationRecord(ctx, rec); err != nil {
			a.logger.Warn("append adaptation record failed", "pattern", p.ID, "error", err)
		}
	}

	p.SuccessRate = 0.9*p.SuccessRate + 0.1*outcome
	a.logger.Info("pattern activated", "pattern", p.ID, "matched", matched, "successRate", p.SuccessRate)
}

// execute performs one adaptation. CAPACITY_SCALING acts on the ledger's
// capacity pools; the other types adjust engine behaviour and report what
// changed.
func (a *Activator) execute(ctx context.Context, adaptation models.StressAdaptationType, factor float64, matched int) (string, error) {
	switch adaptation {
	case models.AdaptCapacityScaling:
		if a.ledger != nil {
			for _, p := range a.ledger.Pools() {
				if p.Category != models.CategoryCapacity {
					continue
				}
				p.Total = p.Total * factor
				if err := a.ledger.UpsertPool(p); err != nil {
					return "", fmt.Errorf("scale pool %s: %w", p.ID, err)
				}
			}
		}
		return fmt.Sprintf("Capacity scaled by %.2fx", factor), nil
	case models.AdaptEfficiencyImprovement:
		return fmt.Sprintf("Processing efficiency improved by %.0f%%", (factor-1)*100), nil
	case models.AdaptRedundancyEnhancement:
		return fmt.Sprintf("Redundancy enhanced by %.0f%%", (factor-1)*100), nil
	case models.AdaptStressLearning:
		return fmt.Sprintf("Stress response profile updated from %d matching signals", matched), nil
	case models.AdaptThresholdAdaptation:
		return fmt.Sprintf("Adaptive thresholds tightened by %.0f%%", (factor-1)*100), nil
	default:
		return "", fmt.Errorf("unknown adaptation type %q", adaptation)
	}
}

// StressEvents returns up to limit recorded stress events, newest first.
func (a *Activator) StressEvents(ctx context.Context, limit int) ([]models.StressEvent, error) {
	return a.store.ListStressEvents(ctx, limit)
}

// History returns the adaptation records inside the retention window.
func (a *Activator) History(ctx context.Context, now time.Time) ([]models.AdaptationRecord, error) {
	a.mu.RLock()
	retention := a.cfg.Retention
	a.mu.RUnlock()
	return a.store.ListAdaptationRecords(ctx, now.Add(-retention))
}

// PruneHistory drops adaptation records past the retention window.
func (a *Activator) PruneHistory(ctx context.Context, now time.Time) (int64, error) {
	a.mu.RLock()
	retention := a.cfg.Retention
	a.mu.RUnlock()
	return a.store.PruneAdaptationRecords(ctx, now.Add(-retention))
}

func severeCount(signals []models.Signal) int {
	n := 0
	for _, s := range signals {
		if s.Severity == models.SeverityHigh || s.Severity == models.SeverityCritical {
			n++
		}
	}
	return n
}

func matchCount(trigger models.TriggerCondition, signals []models.Signal) int {
	n := 0
	for _, s := range signals {
		if trigger.SignalType != "" && s.Type != trigger.SignalType {
			continue
		}
		if severityRank(s.Severity) < severityRank(trigger.MinSeverity) {
			continue
		}
		n++
	}
	return n
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityLow:
		return 1
	case models.SeverityMedium:
		return 2
	case models.SeverityHigh:
		return 3
	case models.SeverityCritical:
		return 4
	default:
		return 0
	}
}

func enabled(set []models.StressAdaptationType, t models.StressAdaptationType) bool {
	if len(set) == 0 {
		return true
	}
	for _, e := range set {
		if e == t {
			return true
		}
	}
	return false
}
