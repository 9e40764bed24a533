package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity grades an incoming signal.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RiskScore maps a severity onto the scalar used by RISK policy conditions.
func (s Severity) RiskScore() float64 {
	switch s {
	case SeverityLow:
		return 0.2
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.8
	case SeverityCritical:
		return 1.0
	default:
		return 0
	}
}

// Signal is the canonical event description consumed by the engine.
// Signals are produced by external collaborators and never mutated here.
type Signal struct {
	ID             uuid.UUID       `json:"id"`
	Source         string          `json:"source"`
	Type           string          `json:"type"`
	Severity       Severity        `json:"severity"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	OrganisationID string          `json:"organisationId,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// ResourceCategory tags a pool with the kind of margin it holds.
type ResourceCategory string

const (
	CategoryTime      ResourceCategory = "TIME"
	CategoryCapacity  ResourceCategory = "CAPACITY"
	CategoryMaterial  ResourceCategory = "MATERIAL"
	CategoryFinancial ResourceCategory = "FINANCIAL"
)

// ResourcePool tracks the quantities of one margin pool.
// Invariant: Allocated + Available == Total and Available >= 0.
type ResourcePool struct {
	ID           string           `json:"id"`
	Category     ResourceCategory `json:"category"`
	Total        float64          `json:"totalQuantity"`
	Allocated    float64          `json:"allocatedQuantity"`
	Available    float64          `json:"availableQuantity"`
	MinimumStock float64          `json:"minimumStock"`
	ReorderPoint float64          `json:"reorderPoint"`
	Criticality  string           `json:"criticality,omitempty"`
	Status       string           `json:"status,omitempty"`
}

// MarginAllocation is a live reservation of pool quantity.
type MarginAllocation struct {
	ID          uuid.UUID        `json:"id"`
	PoolID      string           `json:"poolId"`
	Category    ResourceCategory `json:"category"`
	Amount      float64          `json:"amount"`
	AllocatedAt time.Time        `json:"allocatedAt"`
	ExpiresAt   *time.Time       `json:"expiresAt,omitempty"`
	RequestID   string           `json:"requestId,omitempty"`
	ItemID      string           `json:"itemId,omitempty"`
	Priority    int              `json:"priority,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// DeploymentStatus tracks a deployment's lifecycle.
type DeploymentStatus string

const (
	DeploymentActive   DeploymentStatus = "ACTIVE"
	DeploymentReleased DeploymentStatus = "RELEASED"
)

// MarginDeployment records consumption of part of an allocation.
type MarginDeployment struct {
	ID           uuid.UUID        `json:"id"`
	AllocationID uuid.UUID        `json:"allocationId"`
	DeployedAt   time.Time        `json:"deployedAt"`
	Amount       float64          `json:"amount"`
	Reason       string           `json:"reason"`
	Status       DeploymentStatus `json:"status"`
}

// MarginUtilization is the immutable record appended when an allocation is recovered.
type MarginUtilization struct {
	ID              uuid.UUID        `json:"id"`
	MarginType      ResourceCategory `json:"marginType"`
	UtilizationRate float64          `json:"utilizationRate"`
	PeakUtilization float64          `json:"peakUtilization"`
	Timestamp       time.Time        `json:"timestamp"`
	Duration        time.Duration    `json:"duration"`
}

// MarginThreshold holds the banded ratios for one margin type.
// Ratios live in [0,1], ordered emergency <= critical <= warning.
type MarginThreshold struct {
	ID                  string           `json:"id"`
	MarginType          ResourceCategory `json:"marginType"`
	WarningThreshold    float64          `json:"warningThreshold"`
	CriticalThreshold   float64          `json:"criticalThreshold"`
	EmergencyThreshold  float64          `json:"emergencyThreshold"`
	AutoDeployThreshold float64          `json:"autoDeployThreshold"`
}

// ConditionType selects how a policy condition is evaluated.
type ConditionType string

const (
	ConditionSignal      ConditionType = "SIGNAL"
	ConditionUtilization ConditionType = "UTILIZATION"
	ConditionTime        ConditionType = "TIME"
	ConditionRisk        ConditionType = "RISK"
)

// Operator is the comparator used by a policy condition.
type Operator string

const (
	OpEQ  Operator = "EQ"
	OpNE  Operator = "NE"
	OpGT  Operator = "GT"
	OpLT  Operator = "LT"
	OpGTE Operator = "GTE"
	OpLTE Operator = "LTE"
)

// Condition is one clause of a policy; all clauses must hold for the policy to fire.
type Condition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator"`
	Value    string        `json:"value"`
}

// ActionType selects what a fired policy does.
type ActionType string

const (
	ActionAllocate ActionType = "ALLOCATE"
	ActionDeploy   ActionType = "DEPLOY"
	ActionAlert    ActionType = "ALERT"
	ActionEscalate ActionType = "ESCALATE"
)

// Action is one step executed when a policy fires. Parameters are
// action-specific (category, quantity, message, ...).
type Action struct {
	Type       ActionType        `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// MarginPolicy is a declarative rule evaluated against every incoming signal.
// Lower Priority evaluates first.
type MarginPolicy struct {
	ID         string      `json:"id"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	Priority   int         `json:"priority"`
	Active     bool        `json:"active"`
}

// MarginEventType classifies an audit event.
type MarginEventType string

const (
	EventAllocation      MarginEventType = "ALLOCATION"
	EventDeployment      MarginEventType = "DEPLOYMENT"
	EventRecovery        MarginEventType = "RECOVERY"
	EventThresholdBreach MarginEventType = "THRESHOLD_BREACH"
	EventPolicyTrigger   MarginEventType = "POLICY_TRIGGER"
	EventOptimization    MarginEventType = "OPTIMIZATION"
	EventExhaustion      MarginEventType = "EXHAUSTION"
)

// MarginEvent is the append-only audit record emitted by every component.
type MarginEvent struct {
	ID          uuid.UUID        `json:"id"`
	Type        MarginEventType  `json:"type"`
	MarginType  ResourceCategory `json:"marginType,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Description string           `json:"description"`
	Impact      float64          `json:"impact"`
}

// StressAdaptationType enumerates the behavioural adaptations a pattern may carry.
type StressAdaptationType string

const (
	AdaptCapacityScaling       StressAdaptationType = "CAPACITY_SCALING"
	AdaptEfficiencyImprovement StressAdaptationType = "EFFICIENCY_IMPROVEMENT"
	AdaptRedundancyEnhancement StressAdaptationType = "REDUNDANCY_ENHANCEMENT"
	AdaptStressLearning        StressAdaptationType = "STRESS_LEARNING"
	AdaptThresholdAdaptation   StressAdaptationType = "THRESHOLD_ADAPTATION"
)

// TriggerCondition describes when an antifragile pattern is a candidate for
// activation: at least MinSignals signals of SignalType at or above MinSeverity
// in a single batch.
type TriggerCondition struct {
	SignalType  string   `json:"signalType"`
	MinSeverity Severity `json:"minSeverity"`
	MinSignals  int      `json:"minSignals"`
}

// AntifragilePattern is a learned adaptive behaviour. SuccessRate is a running
// average updated on every activation attempt.
type AntifragilePattern struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Trigger         TriggerCondition       `json:"triggerCondition"`
	Adaptations     []StressAdaptationType `json:"adaptations"`
	SuccessRate     float64                `json:"successRate"`
	LastActivated   *time.Time             `json:"lastActivated,omitempty"`
	ActivationCount int                    `json:"activationCount"`
}

// StressEvent logs one ProcessStressEvent call, whether or not anything activated.
type StressEvent struct {
	ID                      uuid.UUID              `json:"id"`
	TriggerSignals          []uuid.UUID            `json:"triggerSignals"`
	Timestamp               time.Time              `json:"timestamp"`
	ActivatedPatterns       []string               `json:"activatedPatterns"`
	Adaptations             []StressAdaptationType `json:"adaptations"`
	PerformanceImprovements []string               `json:"performanceImprovements"`
}

// StressResult is returned from one ProcessStressEvent pass.
type StressResult struct {
	ActivatedPatterns       []string               `json:"activatedPatterns"`
	Adaptations             []StressAdaptationType `json:"adaptations"`
	PerformanceImprovements []string               `json:"performanceImprovements"`
}

// AdaptationRecord is one entry of the bounded adaptation history.
type AdaptationRecord struct {
	Timestamp         time.Time            `json:"timestamp"`
	AdaptationType    StressAdaptationType `json:"adaptationType"`
	PerformanceImpact float64              `json:"performanceImpact"`
	Success           bool                 `json:"success"`
}

// AlertStatus tracks an alert's lifecycle.
type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// Alert is raised by the performance monitor and threshold monitor.
type Alert struct {
	ID             uuid.UUID   `json:"id"`
	Type           string      `json:"type"`
	Severity       Severity    `json:"severity"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Source         string      `json:"source"`
	Timestamp      time.Time   `json:"timestamp"`
	Status         AlertStatus `json:"status"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
	Resolution     string      `json:"resolution,omitempty"`
}

// TrendDirection classifies recent performance movement.
type TrendDirection string

const (
	TrendImproving TrendDirection = "IMPROVING"
	TrendDegrading TrendDirection = "DEGRADING"
	TrendStable    TrendDirection = "STABLE"
)

// PerformanceMetricsSnapshot aggregates one rolling window of recorded activity.
type PerformanceMetricsSnapshot struct {
	ID                  uuid.UUID          `json:"id"`
	Timestamp           time.Time          `json:"timestamp"`
	WindowStart         time.Time          `json:"windowStart"`
	AvgResponseMs       float64            `json:"avgResponseMs"`
	MedianResponseMs    float64            `json:"medianResponseMs"`
	P95ResponseMs       float64            `json:"p95ResponseMs"`
	P99ResponseMs       float64            `json:"p99ResponseMs"`
	MinResponseMs       float64            `json:"minResponseMs"`
	MaxResponseMs       float64            `json:"maxResponseMs"`
	SuccessRate         float64            `json:"successRate"`
	SuccessRateByKey    map[string]float64 `json:"successRateByKey,omitempty"`
	UtilizationAvg      float64            `json:"utilizationAvg"`
	UtilizationPeak     float64            `json:"utilizationPeak"`
	ThroughputPerMinute float64            `json:"throughputPerMinute"`
	ErrorsByKey         map[string]int     `json:"errorsByKey,omitempty"`
	Trend               TrendDirection     `json:"trend"`
}
