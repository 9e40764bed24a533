// Package ledger owns the margin allocation lifecycle for a set of resource
// pools. All quantity mutations go through here; other components hold
// allocation ids only and call back in to change state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civitas/resilience-engine/internal/models"
	"github.com/civitas/resilience-engine/internal/store"
)

var (
	ErrPoolNotFound              = errors.New("pool not found")
	ErrInsufficientResource      = errors.New("insufficient resource")
	ErrConcurrencyLimitExceeded  = errors.New("concurrent allocation limit exceeded")
	ErrAllocationNotFound        = errors.New("allocation not found")
	ErrQuantityExceedsAllocation = errors.New("quantity exceeds allocation")
)

// EventSink receives audit events. Implementations must not block the caller
// for long; failures are logged and swallowed here.
type EventSink interface {
	Record(ctx context.Context, ev models.MarginEvent)
}

// Ledger serializes all mutations per pool. Cross-pool reads lock each pool
// in turn; there is no global lock.
type Ledger struct {
	mu    sync.RWMutex // guards pool map membership only
	pools map[string]*pool

	liveMu        sync.Mutex
	liveCount     int
	maxConcurrent int

	// reqMu serializes allocations that carry a request id, making the
	// idempotency lookup atomic with the insert. At most one live
	// allocation exists per request id.
	reqMu sync.Mutex

	store  store.Store
	sink   EventSink
	logger *slog.Logger
}

type pool struct {
	mu          sync.Mutex
	state       models.ResourcePool
	allocations map[uuid.UUID]*allocationState
}

type allocationState struct {
	alloc       models.MarginAllocation
	deployments []models.MarginDeployment
}

func (a *allocationState) deployed() float64 {
	var sum float64
	for _, d := range a.deployments {
		sum += d.Amount
	}
	return sum
}

type Config struct {
	MaxConcurrentAllocations int
}

func New(st store.Store, sink EventSink, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentAllocations <= 0 {
		cfg.MaxConcurrentAllocations = 100
	}
	return &Ledger{
		pools:         make(map[string]*pool),
		maxConcurrent: cfg.MaxConcurrentAllocations,
		store:         st,
		sink:          sink,
		logger:        logger,
	}
}

// UpsertPool installs or resizes a pool. Shrinking below the currently
// allocated quantity is rejected to preserve allocated+available==total.
func (l *Ledger) UpsertPool(p models.ResourcePool) error {
	if p.ID == "" {
		return fmt.Errorf("pool id required")
	}
	if p.Total < 0 {
		return fmt.Errorf("pool total must be non-negative")
	}
	l.mu.Lock()
	existing, ok := l.pools[p.ID]
	if !ok {
		p.Allocated = 0
		p.Available = p.Total
		l.pools[p.ID] = &pool{state: p, allocations: make(map[uuid.UUID]*allocationState)}
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	existing.mu.Lock()
	defer existing.mu.Unlock()
	if p.Total < existing.state.Allocated {
		return fmt.Errorf("pool %s: total %.2f below allocated %.2f", p.ID, p.Total, existing.state.Allocated)
	}
	existing.state.Total = p.Total
	existing.state.Available = p.Total - existing.state.Allocated
	existing.state.Category = p.Category
	existing.state.MinimumStock = p.MinimumStock
	existing.state.ReorderPoint = p.ReorderPoint
	existing.state.Criticality = p.Criticality
	existing.state.Status = p.Status
	return nil
}

// AllocateRequest asks for quantity from a specific pool, or first-fit within
// a category when PoolID is empty.
type AllocateRequest struct {
	PoolID    string
	Category  models.ResourceCategory
	Quantity  float64
	RequestID string
	Priority  int
	Reason    string
	TTL       time.Duration
}

// Allocate reserves quantity, moving it from available to allocated. The
// request id is idempotent: a live allocation with the same request id is
// returned unchanged rather than doubled.
func (l *Ledger) Allocate(ctx context.Context, req AllocateRequest) (models.MarginAllocation, error) {
	if req.Quantity <= 0 {
		return models.MarginAllocation{}, fmt.Errorf("quantity must be positive")
	}

	if req.RequestID != "" {
		// Held through the insert below so a concurrent call with the
		// same request id cannot also pass this check.
		l.reqMu.Lock()
		defer l.reqMu.Unlock()
		if existing, ok := l.LatestAllocationForRequest(req.RequestID); ok {
			return existing, nil
		}
	}

	p := l.selectPool(req)
	if p == nil {
		l.record(ctx, models.MarginEvent{
			Type:        models.EventExhaustion,
			MarginType:  req.Category,
			Timestamp:   time.Now().UTC(),
			Description: fmt.Sprintf("no pool can satisfy %.2f units (pool=%q category=%s)", req.Quantity, req.PoolID, req.Category),
			Impact:      0.5,
		})
		if req.PoolID != "" {
			if _, ok := l.getPool(req.PoolID); !ok {
				return models.MarginAllocation{}, ErrPoolNotFound
			}
			return models.MarginAllocation{}, ErrInsufficientResource
		}
		return models.MarginAllocation{}, ErrInsufficientResource
	}

	l.liveMu.Lock()
	if l.liveCount >= l.maxConcurrent {
		l.liveMu.Unlock()
		return models.MarginAllocation{}, ErrConcurrencyLimitExceeded
	}
	l.liveCount++
	l.liveMu.Unlock()

	p.mu.Lock()
	if req.Quantity > p.state.Available {
		p.mu.Unlock()
		l.decLive()
		l.record(ctx, models.MarginEvent{
			Type:        models.EventExhaustion,
			MarginType:  p.state.Category,
			Timestamp:   time.Now().UTC(),
			Description: fmt.Sprintf("pool %s exhausted: requested %.2f, available %.2f", p.state.ID, req.Quantity, p.state.Available),
			Impact:      0.5,
		})
		return models.MarginAllocation{}, ErrInsufficientResource
	}

	now := time.Now().UTC()
	alloc := models.MarginAllocation{
		ID:          uuid.New(),
		PoolID:      p.state.ID,
		Category:    p.state.Category,
		Amount:      req.Quantity,
		AllocatedAt: now,
		RequestID:   req.RequestID,
		Priority:    req.Priority,
		Reason:      req.Reason,
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		alloc.ExpiresAt = &expires
	}
	p.state.Available -= req.Quantity
	p.state.Allocated += req.Quantity
	p.allocations[alloc.ID] = &allocationState{alloc: alloc}
	p.mu.Unlock()

	l.record(ctx, models.MarginEvent{
		Type:        models.EventAllocation,
		MarginType:  alloc.Category,
		Timestamp:   now,
		Description: fmt.Sprintf("allocated %.2f from pool %s (request=%s reason=%s)", alloc.Amount, alloc.PoolID, alloc.RequestID, alloc.Reason),
		Impact:      impactOf(req.Quantity, p),
	})
	return alloc, nil
}

// Deploy records consumption against an allocation. Deployments never change
// pool totals; they spend already-reserved quantity for traceability.
func (l *Ledger) Deploy(ctx context.Context, allocationID uuid.UUID, quantity float64, reason string) (models.MarginDeployment, error) {
	if quantity <= 0 {
		return models.MarginDeployment{}, fmt.Errorf("quantity must be positive")
	}
	p, _ := l.findAllocation(allocationID)
	if p == nil {
		return models.MarginDeployment{}, ErrAllocationNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under the pool lock; the allocation may have been recovered.
	st, ok := p.allocations[allocationID]
	if !ok {
		return models.MarginDeployment{}, ErrAllocationNotFound
	}
	if st.deployed()+quantity > st.alloc.Amount {
		return models.MarginDeployment{}, ErrQuantityExceedsAllocation
	}
	dep := models.MarginDeployment{
		ID:           uuid.New(),
		AllocationID: allocationID,
		DeployedAt:   time.Now().UTC(),
		Amount:       quantity,
		Reason:       reason,
		Status:       models.DeploymentActive,
	}
	st.deployments = append(st.deployments, dep)

	l.record(ctx, models.MarginEvent{
		Type:        models.EventDeployment,
		MarginType:  st.alloc.Category,
		Timestamp:   dep.DeployedAt,
		Description: fmt.Sprintf("deployed %.2f of allocation %s (%s)", quantity, allocationID, reason),
		Impact:      quantity / st.alloc.Amount,
	})
	return dep, nil
}

// DeployRemaining deploys whatever quantity of the allocation is still
// undeployed. ErrQuantityExceedsAllocation is returned when nothing remains.
func (l *Ledger) DeployRemaining(ctx context.Context, allocationID uuid.UUID, reason string) (models.MarginDeployment, error) {
	p, _ := l.findAllocation(allocationID)
	if p == nil {
		return models.MarginDeployment{}, ErrAllocationNotFound
	}
	p.mu.Lock()
	st, ok := p.allocations[allocationID]
	if !ok {
		p.mu.Unlock()
		return models.MarginDeployment{}, ErrAllocationNotFound
	}
	remaining := st.alloc.Amount - st.deployed()
	p.mu.Unlock()
	if remaining <= 0 {
		return models.MarginDeployment{}, ErrQuantityExceedsAllocation
	}
	return l.Deploy(ctx, allocationID, remaining, reason)
}

// Recover closes an allocation: records its utilization, returns unused
// quantity to the pool and removes it from the live set. Recovering an
// unknown id is a no-op returning false.
func (l *Ledger) Recover(ctx context.Context, allocationID uuid.UUID, reason string) bool {
	p, _ := l.findAllocation(allocationID)
	if p == nil {
		return false
	}

	p.mu.Lock()
	st, ok := p.allocations[allocationID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	utilization := 0.0
	if st.alloc.Amount > 0 {
		utilization = st.deployed() / st.alloc.Amount
	}
	record := models.MarginUtilization{
		ID:              uuid.New(),
		MarginType:      st.alloc.Category,
		UtilizationRate: utilization,
		PeakUtilization: utilization,
		Timestamp:       now,
		Duration:        now.Sub(st.alloc.AllocatedAt),
	}
	p.state.Allocated -= st.alloc.Amount
	p.state.Available += st.alloc.Amount
	delete(p.allocations, allocationID)
	p.mu.Unlock()

	l.decLive()
	if err := l.store.AppendUtilization(ctx, record); err != nil {
		l.logger.Warn("append utilization failed", "allocation", allocationID, "error", err)
	}
	l.record(ctx, models.MarginEvent{
		Type:        models.EventRecovery,
		MarginType:  record.MarginType,
		Timestamp:   now,
		Description: fmt.Sprintf("recovered allocation %s (utilization=%.2f reason=%s)", allocationID, utilization, reason),
		Impact:      utilization,
	})
	return true
}

// SweepExpired recovers every live allocation whose expiry has passed.
// Returns the number of allocations recovered.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time) int {
	var expired []uuid.UUID
	for _, p := range l.snapshotPools() {
		p.mu.Lock()
		for id, st := range p.allocations {
			if st.alloc.ExpiresAt != nil && st.alloc.ExpiresAt.Before(now) {
				expired = append(expired, id)
			}
		}
		p.mu.Unlock()
	}
	recovered := 0
	for _, id := range expired {
		if l.Recover(ctx, id, "expired") {
			recovered++
		}
	}
	return recovered
}

// OverallUtilization is allocated/total summed across all pools, 0 when no
// pools exist.
func (l *Ledger) OverallUtilization() float64 {
	var allocated, total float64
	for _, p := range l.snapshotPools() {
		p.mu.Lock()
		allocated += p.state.Allocated
		total += p.state.Total
		p.mu.Unlock()
	}
	if total == 0 {
		return 0
	}
	return allocated / total
}

// Pools returns a copy of every pool's current state, ordered by id.
func (l *Ledger) Pools() []models.ResourcePool {
	snapshot := l.snapshotPools()
	out := make([]models.ResourcePool, 0, len(snapshot))
	for _, p := range snapshot {
		p.mu.Lock()
		out = append(out, p.state)
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pool returns a copy of one pool's state.
func (l *Ledger) Pool(id string) (models.ResourcePool, bool) {
	p, ok := l.getPool(id)
	if !ok {
		return models.ResourcePool{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, true
}

// Allocations returns a copy of every live allocation, newest first.
func (l *Ledger) Allocations() []models.MarginAllocation {
	var out []models.MarginAllocation
	for _, p := range l.snapshotPools() {
		p.mu.Lock()
		for _, st := range p.allocations {
			out = append(out, st.alloc)
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedAt.After(out[j].AllocatedAt) })
	return out
}

// LatestAllocationForRequest returns the most recent live allocation tagged
// with the given request id.
func (l *Ledger) LatestAllocationForRequest(requestID string) (models.MarginAllocation, bool) {
	var best models.MarginAllocation
	found := false
	for _, p := range l.snapshotPools() {
		p.mu.Lock()
		for _, st := range p.allocations {
			if st.alloc.RequestID == requestID && (!found || st.alloc.AllocatedAt.After(best.AllocatedAt)) {
				best = st.alloc
				found = true
			}
		}
		p.mu.Unlock()
	}
	return best, found
}

// LatestAllocationForPool returns the most recent live allocation of a pool.
func (l *Ledger) LatestAllocationForPool(poolID string) (models.MarginAllocation, bool) {
	p, ok := l.getPool(poolID)
	if !ok {
		return models.MarginAllocation{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var best models.MarginAllocation
	found := false
	for _, st := range p.allocations {
		if !found || st.alloc.AllocatedAt.After(best.AllocatedAt) {
			best = st.alloc
			found = true
		}
	}
	return best, found
}

// selectPool picks the requested pool, or first-fit within the category: the
// first pool (by id order) with enough availability. First-fit is deliberate;
// the source behavior is preserved over best-fit.
func (l *Ledger) selectPool(req AllocateRequest) *pool {
	if req.PoolID != "" {
		p, ok := l.getPool(req.PoolID)
		if !ok {
			return nil
		}
		return p
	}
	l.mu.RLock()
	ids := make([]string, 0, len(l.pools))
	for id := range l.pools {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		p, ok := l.getPool(id)
		if !ok {
			continue
		}
		p.mu.Lock()
		fits := (req.Category == "" || p.state.Category == req.Category) && p.state.Available >= req.Quantity
		p.mu.Unlock()
		if fits {
			return p
		}
	}
	return nil
}

func (l *Ledger) getPool(id string) (*pool, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pools[id]
	return p, ok
}

func (l *Ledger) snapshotPools() []*pool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*pool, 0, len(l.pools))
	for _, p := range l.pools {
		out = append(out, p)
	}
	return out
}

func (l *Ledger) findAllocation(id uuid.UUID) (*pool, *allocationState) {
	for _, p := range l.snapshotPools() {
		p.mu.Lock()
		st, ok := p.allocations[id]
		p.mu.Unlock()
		if ok {
			return p, st
		}
	}
	return nil, nil
}

func (l *Ledger) decLive() {
	l.liveMu.Lock()
	if l.liveCount > 0 {
		l.liveCount--
	}
	l.liveMu.Unlock()
}

func (l *Ledger) record(ctx context.Context, ev models.MarginEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if l.sink != nil {
		l.sink.Record(ctx, ev)
	}
}

func impactOf(quantity float64, p *pool) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Total == 0 {
		return 0
	}
	impact := quantity / p.state.Total
	if impact > 1 {
		impact = 1
	}
	return impact
}
