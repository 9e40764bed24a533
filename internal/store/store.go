package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/civitas/resilience-engine/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store persists the engine's append-only streams: margin events, utilization
// history, stress events and adaptation records. The live ledger state stays
// in memory under the ledger's pool locks; only closed records land here.
type Store interface {
	AppendMarginEvent(ctx context.Context, ev models.MarginEvent) error
	ListMarginEvents(ctx context.Context, limit int) ([]models.MarginEvent, error)

	AppendUtilization(ctx context.Context, u models.MarginUtilization) error
	ListUtilization(ctx context.Context, marginType models.ResourceCategory, limit int) ([]models.MarginUtilization, error)

	AppendStressEvent(ctx context.Context, ev models.StressEvent) error
	ListStressEvents(ctx context.Context, limit int) ([]models.StressEvent, error)

	AppendAdaptationRecord(ctx context.Context, rec models.AdaptationRecord) error
	ListAdaptationRecords(ctx context.Context, since time.Time) ([]models.AdaptationRecord, error)
	PruneAdaptationRecords(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) AppendMarginEvent(ctx context.Context, ev models.MarginEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	query := `
		INSERT INTO margin_events (id, type, margin_type, ts, description, impact)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := s.db.ExecContext(ctx, query, ev.ID, string(ev.Type), string(ev.MarginType), ev.Timestamp, ev.Description, ev.Impact); err != nil {
		return fmt.Errorf("insert margin event: %w", err)
	}
	return nil
}

func (s *PGStore) ListMarginEvents(ctx context.Context, limit int) ([]models.MarginEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, type, margin_type, ts, description, impact
		FROM margin_events
		ORDER BY ts DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list margin events: %w", err)
	}
	defer rows.Close()

	var out []models.MarginEvent
	for rows.Next() {
		var ev models.MarginEvent
		var evType, marginType string
		if err := rows.Scan(&ev.ID, &evType, &marginType, &ev.Timestamp, &ev.Description, &ev.Impact); err != nil {
			return nil, fmt.Errorf("scan margin event: %w", err)
		}
		ev.Type = models.MarginEventType(evType)
		ev.MarginType = models.ResourceCategory(marginType)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendUtilization(ctx context.Context, u models.MarginUtilization) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	query := `
		INSERT INTO margin_utilization (id, margin_type, utilization_rate, peak_utilization, ts, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := s.db.ExecContext(ctx, query, u.ID, string(u.MarginType), u.UtilizationRate, u.PeakUtilization, u.Timestamp, u.Duration.Milliseconds()); err != nil {
		return fmt.Errorf("insert utilization: %w", err)
	}
	return nil
}

func (s *PGStore) ListUtilization(ctx context.Context, marginType models.ResourceCategory, limit int) ([]models.MarginUtilization, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, margin_type, utilization_rate, peak_utilization, ts, duration_ms
		FROM margin_utilization
		WHERE ($1 = '' OR margin_type = $1)
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, string(marginType), limit)
	if err != nil {
		return nil, fmt.Errorf("list utilization: %w", err)
	}
	defer rows.Close()

	var out []models.MarginUtilization
	for rows.Next() {
		var u models.MarginUtilization
		var mt string
		var durationMs int64
		if err := rows.Scan(&u.ID, &mt, &u.UtilizationRate, &u.PeakUtilization, &u.Timestamp, &durationMs); err != nil {
			return nil, fmt.Errorf("scan utilization: %w", err)
		}
		u.MarginType = models.ResourceCategory(mt)
		u.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendStressEvent(ctx context.Context, ev models.StressEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	query := `
		INSERT INTO stress_events (id, trigger_signals, ts, activated_patterns, adaptations, improvements)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	signals := make([]string, 0, len(ev.TriggerSignals))
	for _, id := range ev.TriggerSignals {
		signals = append(signals, id.String())
	}
	adaptations := make([]string, 0, len(ev.Adaptations))
	for _, a := range ev.Adaptations {
		adaptations = append(adaptations, string(a))
	}
	_, err := s.db.ExecContext(ctx, query, ev.ID,
		pq.StringArray(signals), ev.Timestamp,
		pq.StringArray(ev.ActivatedPatterns), pq.StringArray(adaptations),
		pq.StringArray(ev.PerformanceImprovements))
	if err != nil {
		return fmt.Errorf("insert stress event: %w", err)
	}
	return nil
}

func (s *PGStore) ListStressEvents(ctx context.Context, limit int) ([]models.StressEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, trigger_signals, ts, activated_patterns, adaptations, improvements
		FROM stress_events
		ORDER BY ts DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list stress events: %w", err)
	}
	defer rows.Close()

	var out []models.StressEvent
	for rows.Next() {
		var ev models.StressEvent
		var signals, patterns, adaptations, improvements pq.StringArray
		if err := rows.Scan(&ev.ID, &signals, &ev.Timestamp, &patterns, &adaptations, &improvements); err != nil {
			return nil, fmt.Errorf("scan stress event: %w", err)
		}
		for _, raw := range signals {
			if id, err := uuid.Parse(raw); err == nil {
				ev.TriggerSignals = append(ev.TriggerSignals, id)
			}
		}
		ev.ActivatedPatterns = []string(patterns)
		for _, a := range adaptations {
			ev.Adaptations = append(ev.Adaptations, models.StressAdaptationType(a))
		}
		ev.PerformanceImprovements = []string(improvements)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendAdaptationRecord(ctx context.Context, rec models.AdaptationRecord) error {
	query := `
		INSERT INTO adaptation_records (ts, adaptation_type, performance_impact, success)
		VALUES ($1,$2,$3,$4)
	`
	if _, err := s.db.ExecContext(ctx, query, rec.Timestamp, string(rec.AdaptationType), rec.PerformanceImpact, rec.Success); err != nil {
		return fmt.Errorf("insert adaptation record: %w", err)
	}
	return nil
}

func (s *PGStore) ListAdaptationRecords(ctx context.Context, since time.Time) ([]models.AdaptationRecord, error) {
	const query = `
		SELECT ts, adaptation_type, performance_impact, success
		FROM adaptation_records
		WHERE ts >= $1
		ORDER BY ts ASC
	`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list adaptation records: %w", err)
	}
	defer rows.Close()

	var out []models.AdaptationRecord
	for rows.Next() {
		var rec models.AdaptationRecord
		var at string
		if err := rows.Scan(&rec.Timestamp, &at, &rec.PerformanceImpact, &rec.Success); err != nil {
			return nil, fmt.Errorf("scan adaptation record: %w", err)
		}
		rec.AdaptationType = models.StressAdaptationType(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) PruneAdaptationRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM adaptation_records WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune adaptation records: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
