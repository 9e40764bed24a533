package alerts_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas/resilience-engine/internal/alerts"
	"github.com/civitas/resilience-engine/internal/models"
)

func TestCreateDeduplicatesWithinWindow(t *testing.T) {
	ctx := context.Background()
	m := alerts.NewManager(alerts.Config{DedupWindow: 5 * time.Minute}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := alerts.CreateInput{
		Type:     "PERFORMANCE_DEGRADATION",
		Severity: models.SeverityHigh,
		Title:    "slow signal processing",
		Source:   "perfmon",
	}

	first, created := m.Create(ctx, in, now)
	require.True(t, created)

	dup, created := m.Create(ctx, in, now.Add(2*time.Minute))
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	// Same signature outside the window raises a fresh alert.
	again, created := m.Create(ctx, in, now.Add(6*time.Minute))
	assert.True(t, created)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestCreateDifferentTitleIsNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	m := alerts.NewManager(alerts.Config{}, nil)
	now := time.Now().UTC()

	_, created := m.Create(ctx, alerts.CreateInput{Type: "EXECUTION_FAILURE", Title: "workflow a"}, now)
	require.True(t, created)
	_, created = m.Create(ctx, alerts.CreateInput{Type: "EXECUTION_FAILURE", Title: "workflow b"}, now)
	assert.True(t, created)
	assert.Len(t, m.Active(), 2)
}

func TestAcknowledgeAndResolveLifecycle(t *testing.T) {
	ctx := context.Background()
	m := alerts.NewManager(alerts.Config{}, nil)
	now := time.Now().UTC()

	a, _ := m.Create(ctx, alerts.CreateInput{Type: "THRESHOLD_BREACH", Title: "pool low"}, now)

	require.NoError(t, m.Acknowledge(a.ID, "operator", now))
	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, models.AlertAcknowledged, active[0].Status)
	assert.Equal(t, "operator", active[0].AcknowledgedBy)

	require.NoError(t, m.Resolve(a.ID, "operator", "restocked", now))
	assert.Empty(t, m.Active())

	history := m.History(10)
	require.Len(t, history, 1)
	assert.Equal(t, models.AlertResolved, history[0].Status)
	assert.Equal(t, "restocked", history[0].Resolution)
}

func TestResolveUnknownAlert(t *testing.T) {
	m := alerts.NewManager(alerts.Config{}, nil)
	err := m.Resolve(uuid.New(), "nobody", "", time.Now().UTC())
	assert.ErrorIs(t, err, alerts.ErrAlertNotFound)
	assert.ErrorIs(t, m.Acknowledge(uuid.New(), "nobody", time.Now().UTC()), alerts.ErrAlertNotFound)
}

func TestActiveNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := alerts.NewManager(alerts.Config{}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m.Create(ctx, alerts.CreateInput{Type: "A", Title: "old"}, base)
	m.Create(ctx, alerts.CreateInput{Type: "B", Title: "new"}, base.Add(time.Minute))

	active := m.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "new", active[0].Title)
}

func TestHistoryBounded(t *testing.T) {
	ctx := context.Background()
	m := alerts.NewManager(alerts.Config{KeepHistory: 3}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		a, created := m.Create(ctx, alerts.CreateInput{Type: "T", Title: string(rune('a' + i))}, base.Add(time.Duration(i)*time.Second))
		require.True(t, created)
		require.NoError(t, m.Resolve(a.ID, "op", "", base))
	}

	history := m.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "e", history[0].Title)
}
