// Package policy evaluates declarative margin policies against incoming
// signals and executes their actions through the ledger.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/civitas/resilience-engine/internal/ledger"
	"github.com/civitas/resilience-engine/internal/models"
)

// Engine holds the active policy set. Policies are evaluated in ascending
// priority order against every incoming signal; every matching policy fires.
type Engine struct {
	mu       sync.RWMutex
	policies []models.MarginPolicy

	ledger *ledger.Ledger
	sink   ledger.EventSink
	logger *slog.Logger
}

func New(l *ledger.Ledger, sink ledger.EventSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ledger: l, sink: sink, logger: logger}
}

// SetPolicies replaces the active policy set.
func (e *Engine) SetPolicies(policies []models.MarginPolicy) {
	cp := make([]models.MarginPolicy, len(policies))
	copy(cp, policies)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Priority < cp[j].Priority })
	for _, p := range cp {
		if p.Active && len(p.Conditions) == 0 {
			e.logger.Warn("policy has no conditions and will match every signal", "policy", p.ID)
		}
	}
	e.mu.Lock()
	e.policies = cp
	e.mu.Unlock()
}

// Policies returns a copy of the active policy set in evaluation order.
func (e *Engine) Policies() []models.MarginPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.MarginPolicy, len(e.policies))
	copy(out, e.policies)
	return out
}

// ActionResult records the outcome of one executed action. Actions are
// best-effort: a later action still runs when an earlier one failed.
type ActionResult struct {
	Action models.Action `json:"action"`
	Err    string        `json:"error,omitempty"`
}

// FiredPolicy reports one policy whose conditions all matched a signal.
type FiredPolicy struct {
	PolicyID string         `json:"policyId"`
	Actions  []ActionResult `json:"actions"`
}

// EvaluateAll runs every active policy against the signal. There is no
// short-circuit: all matching policies fire, in priority order.
func (e *Engine) EvaluateAll(ctx context.Context, signal models.Signal, now time.Time) []FiredPolicy {
	var fired []FiredPolicy
	for _, p := range e.Policies() {
		if !p.Active {
			continue
		}
		if !e.Evaluate(p, signal, now) {
			continue
		}
		result := FiredPolicy{PolicyID: p.ID}
		for _, action := range p.Actions {
			res := ActionResult{Action: action}
			if err := e.execute(ctx, action, signal); err != nil {
				res.Err = err.Error()
				e.logger.Warn("policy action failed", "policy", p.ID, "action", action.Type, "error", err)
			}
			result.Actions = append(result.Actions, res)
		}
		fired = append(fired, result)

		if e.sink != nil {
			e.sink.Record(ctx, models.MarginEvent{
				Type:        models.EventPolicyTrigger,
				Timestamp:   now,
				Description: fmt.Sprintf("policy %s fired on signal %s (type=%s severity=%s)", p.ID, signal.ID, signal.Type, signal.Severity),
				Impact:      signal.Severity.RiskScore(),
			})
		}
	}
	return fired
}

// Evaluate is the conjunction of all conditions. A policy with zero
// conditions is vacuously true.
func (e *Engine) Evaluate(p models.MarginPolicy, signal models.Signal, now time.Time) bool {
	for _, c := range p.Conditions {
		if !e.evaluateCondition(c, signal, now) {
			return false
		}
	}
	return true
}

func (e *Engine) evaluateCondition(c models.Condition, signal models.Signal, now time.Time) bool {
	switch c.Type {
	case models.ConditionSignal:
		switch c.Operator {
		case models.OpEQ:
			return signal.Type == c.Value
		case models.OpNE:
			return signal.Type != c.Value
		default:
			return false
		}
	case models.ConditionUtilization:
		target, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false
		}
		return compare(c.Operator, e.ledger.OverallUtilization(), target)
	case models.ConditionTime:
		instant, err := time.Parse(time.RFC3339, c.Value)
		if err != nil {
			return false
		}
		return compareTime(c.Operator, now, instant)
	case models.ConditionRisk:
		target, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false
		}
		return compare(c.Operator, signal.Severity.RiskScore(), target)
	default:
		return false
	}
}

func (e *Engine) execute(ctx context.Context, action models.Action, signal models.Signal) error {
	switch action.Type {
	case models.ActionAllocate:
		quantity, err := strconv.ParseFloat(action.Parameters["quantity"], 64)
		if err != nil {
			return fmt.Errorf("allocate action: invalid quantity %q", action.Parameters["quantity"])
		}
		_, err = e.ledger.Allocate(ctx, ledger.AllocateRequest{
			Category:  models.ResourceCategory(action.Parameters["category"]),
			Quantity:  quantity,
			RequestID: signal.ID.String(),
			Reason:    fmt.Sprintf("policy:%s", action.Parameters["reason"]),
		})
		return err
	case models.ActionDeploy:
		quantity, err := strconv.ParseFloat(action.Parameters["quantity"], 64)
		if err != nil {
			return fmt.Errorf("deploy action: invalid quantity %q", action.Parameters["quantity"])
		}
		alloc, ok := e.ledger.LatestAllocationForRequest(signal.ID.String())
		if !ok {
			return ledger.ErrAllocationNotFound
		}
		_, err = e.ledger.Deploy(ctx, alloc.ID, quantity, action.Parameters["reason"])
		return err
	case models.ActionAlert, models.ActionEscalate:
		impact := 0.5
		if action.Type == models.ActionEscalate {
			impact = 0.8
		}
		if e.sink != nil {
			e.sink.Record(ctx, models.MarginEvent{
				Type:        models.EventPolicyTrigger,
				Timestamp:   time.Now().UTC(),
				Description: fmt.Sprintf("%s: %s (signal=%s)", action.Type, action.Parameters["message"], signal.ID),
				Impact:      impact,
			})
		}
		return nil
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func compare(op models.Operator, a, b float64) bool {
	switch op {
	case models.OpEQ:
		return a == b
	case models.OpNE:
		return a != b
	case models.OpGT:
		return a > b
	case models.OpLT:
		return a < b
	case models.OpGTE:
		return a >= b
	case models.OpLTE:
		return a <= b
	default:
		return false
	}
}

func compareTime(op models.Operator, now, instant time.Time) bool {
	switch op {
	case models.OpEQ:
		return now.Equal(instant)
	case models.OpNE:
		return !now.Equal(instant)
	case models.OpGT:
		return now.After(instant)
	case models.OpLT:
		return now.Before(instant)
	case models.OpGTE:
		return !now.Before(instant)
	case models.OpLTE:
		return !now.After(instant)
	default:
		return false
	}
}
