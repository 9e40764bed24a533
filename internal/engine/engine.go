// Package engine composes the resilience components behind the single
// command/query surface consumed by the HTTP layer and by embedding services.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/civitas/resilience-engine/internal/adaptive"
	"github.com/civitas/resilience-engine/internal/alerts"
	"github.com/civitas/resilience-engine/internal/events"
	"github.com/civitas/resilience-engine/internal/ledger"
	"github.com/civitas/resilience-engine/internal/models"
	"github.com/civitas/resilience-engine/internal/perfmon"
	"github.com/civitas/resilience-engine/internal/policy"
	"github.com/civitas/resilience-engine/internal/store"
	"github.com/civitas/resilience-engine/internal/threshold"
)

// Config holds the periodic task intervals.
type Config struct {
	ThresholdInterval time.Duration
	MetricsInterval   time.Duration
	LedgerInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.ThresholdInterval <= 0 {
		c.ThresholdInterval = 30 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Minute
	}
	if c.LedgerInterval <= 0 {
		c.LedgerInterval = time.Minute
	}
}

// Engine is the in-process resilience margin and adaptation engine.
type Engine struct {
	cfg Config

	ledger    *ledger.Ledger
	policies  *policy.Engine
	threshold *threshold.Monitor
	adaptive  *adaptive.Activator
	perf      *perfmon.Monitor
	alerts    *alerts.Manager
	recorder  *events.Recorder
	store     store.Store
	logger    *slog.Logger
}

// Deps carries the wired components. All fields are required except Recorder.
type Deps struct {
	Ledger    *ledger.Ledger
	Policies  *policy.Engine
	Threshold *threshold.Monitor
	Adaptive  *adaptive.Activator
	Perf      *perfmon.Monitor
	Alerts    *alerts.Manager
	Recorder  *events.Recorder
	Store     store.Store
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		ledger:    deps.Ledger,
		policies:  deps.Policies,
		threshold: deps.Threshold,
		adaptive:  deps.Adaptive,
		perf:      deps.Perf,
		alerts:    deps.Alerts,
		recorder:  deps.Recorder,
		store:     deps.Store,
		logger:    logger,
	}
}

// ProcessResult reports what one signal batch triggered.
type ProcessResult struct {
	FiredPolicies []policy.FiredPolicy `json:"firedPolicies"`
	Stress        models.StressResult  `json:"stress"`
}

// ProcessSignals runs the batch through the policy engine and the adaptive
// activator, recording per-signal processing performance.
func (e *Engine) ProcessSignals(ctx context.Context, signals []models.Signal) (ProcessResult, error) {
	now := time.Now().UTC()
	var result ProcessResult

	for _, s := range signals {
		started := time.Now()
		fired := e.policies.EvaluateAll(ctx, s, now)
		result.FiredPolicies = append(result.FiredPolicies, fired...)
		e.perf.RecordSignalProcessing(ctx, s.Type, time.Since(started), actionsSucceeded(fired), now)
	}

	stress, err := e.adaptive.ProcessStressEvent(ctx, signals, now)
	if err != nil {
		return result, err
	}
	result.Stress = stress
	return result, nil
}

// actionsSucceeded reports whether every action of every fired policy ran
// without error. A signal that fired nothing counts as a success.
func actionsSucceeded(fired []policy.FiredPolicy) bool {
	for _, f := range fired {
		for _, a := range f.Actions {
			if a.Err != "" {
				return false
			}
		}
	}
	return true
}

// RecordWorkflowExecution feeds one workflow execution into the performance
// monitor; the surrounding service calls this for its own workflows.
func (e *Engine) RecordWorkflowExecution(ctx context.Context, workflowID string, d time.Duration, success bool) {
	e.perf.RecordWorkflowExecution(ctx, workflowID, d, success, time.Now().UTC())
}

func (e *Engine) AllocateMargin(ctx context.Context, req ledger.AllocateRequest) (models.MarginAllocation, error) {
	return e.ledger.Allocate(ctx, req)
}

func (e *Engine) DeployMargin(ctx context.Context, allocationID uuid.UUID, quantity float64, reason string) (models.MarginDeployment, error) {
	return e.ledger.Deploy(ctx, allocationID, quantity, reason)
}

func (e *Engine) RecoverMargin(ctx context.Context, allocationID uuid.UUID, reason string) bool {
	return e.ledger.Recover(ctx, allocationID, reason)
}

func (e *Engine) AcknowledgeAlert(id uuid.UUID, by string) error {
	return e.alerts.Acknowledge(id, by, time.Now().UTC())
}

func (e *Engine) ResolveAlert(id uuid.UUID, by, resolution string) error {
	return e.alerts.Resolve(id, by, resolution, time.Now().UTC())
}

// ConfigUpdate is a partial live-configuration change; nil fields are left
// untouched.
type ConfigUpdate struct {
	Policies   *[]models.MarginPolicy       `json:"policies,omitempty"`
	Thresholds *[]models.MarginThreshold    `json:"thresholds,omitempty"`
	Patterns   *[]models.AntifragilePattern `json:"patterns,omitempty"`
	Adaptive   *adaptive.Config             `json:"adaptive,omitempty"`
}

func (e *Engine) UpdateConfig(update ConfigUpdate) {
	if update.Policies != nil {
		e.policies.SetPolicies(*update.Policies)
	}
	if update.Thresholds != nil {
		e.threshold.SetThresholds(*update.Thresholds)
	}
	if update.Patterns != nil {
		e.adaptive.SetPatterns(*update.Patterns)
	}
	if update.Adaptive != nil {
		e.adaptive.UpdateConfig(*update.Adaptive)
	}
}

// Status is the engine's externally visible state summary.
type Status struct {
	Pools              []models.ResourcePool `json:"pools"`
	OverallUtilization float64               `json:"overallUtilization"`
	LiveAllocations    int                   `json:"liveAllocations"`
	ActiveAlerts       int                   `json:"activeAlerts"`
	Patterns           int                   `json:"patterns"`
}

func (e *Engine) GetStatus() Status {
	return Status{
		Pools:              e.ledger.Pools(),
		OverallUtilization: e.ledger.OverallUtilization(),
		LiveAllocations:    len(e.ledger.Allocations()),
		ActiveAlerts:       len(e.alerts.Active()),
		Patterns:           len(e.adaptive.Patterns()),
	}
}

func (e *Engine) GetPatterns() []models.AntifragilePattern {
	return e.adaptive.Patterns()
}

func (e *Engine) GetStressEvents(ctx context.Context, limit int) ([]models.StressEvent, error) {
	return e.adaptive.StressEvents(ctx, limit)
}

func (e *Engine) GetAdaptationHistory(ctx context.Context) ([]models.AdaptationRecord, error) {
	return e.adaptive.History(ctx, time.Now().UTC())
}

func (e *Engine) GetActiveAlerts() []models.Alert {
	return e.alerts.Active()
}

func (e *Engine) GetAlertHistory(limit int) []models.Alert {
	return e.alerts.History(limit)
}

func (e *Engine) GetMetricsHistory(window time.Duration) []models.PerformanceMetricsSnapshot {
	return e.perf.Snapshots(window, time.Now().UTC())
}

func (e *Engine) GetOverallUtilization() float64 {
	return e.ledger.OverallUtilization()
}

func (e *Engine) GetPools() []models.ResourcePool {
	return e.ledger.Pools()
}

func (e *Engine) UpsertPool(p models.ResourcePool) error {
	return e.ledger.UpsertPool(p)
}

func (e *Engine) GetEvents(ctx context.Context, limit int) ([]models.MarginEvent, error) {
	return e.store.ListMarginEvents(ctx, limit)
}

// Run drives the periodic tasks until ctx is cancelled: threshold
// classification, metrics aggregation, and the ledger sweep (allocation
// expiry plus adaptation-history pruning). The event recorder's publish loop
// runs alongside when sinks are attached.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("resilience engine running",
		"thresholdInterval", e.cfg.ThresholdInterval,
		"metricsInterval", e.cfg.MetricsInterval,
		"ledgerInterval", e.cfg.LedgerInterval)
	defer e.logger.Info("resilience engine stopped")

	if e.recorder != nil {
		go func() {
			if err := e.recorder.Run(ctx); err != nil && err != context.Canceled {
				e.logger.Warn("event recorder exited", "error", err)
			}
		}()
	}

	thresholdTicker := time.NewTicker(e.cfg.ThresholdInterval)
	metricsTicker := time.NewTicker(e.cfg.MetricsInterval)
	ledgerTicker := time.NewTicker(e.cfg.LedgerInterval)
	defer thresholdTicker.Stop()
	defer metricsTicker.Stop()
	defer ledgerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-thresholdTicker.C:
			e.threshold.Tick(ctx, time.Now().UTC())
		case <-metricsTicker.C:
			e.perf.Tick(time.Now().UTC())
		case <-ledgerTicker.C:
			now := time.Now().UTC()
			if n := e.ledger.SweepExpired(ctx, now); n > 0 {
				e.logger.Info("recovered expired allocations", "count", n)
			}
			if _, err := e.adaptive.PruneHistory(ctx, now); err != nil {
				e.logger.Warn("prune adaptation history failed", "error", err)
			}
		}
	}
}
