package perfmon_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas/resilience-engine/internal/alerts"
	"github.com/civitas/resilience-engine/internal/models"
	"github.com/civitas/resilience-engine/internal/perfmon"
)

func TestBaselineSeedsAndConverges(t *testing.T) {
	ctx := context.Background()
	m := perfmon.NewMonitor(perfmon.Config{}, nil, nil, nil)
	now := time.Now().UTC()

	m.RecordSignalProcessing(ctx, "overload", 100*time.Millisecond, true, now)
	baseline, ok := m.Baseline("overload")
	require.True(t, ok)
	assert.Equal(t, 100.0, baseline)

	// Feed a constant 200ms; the EMA converges toward it.
	for i := 0; i < 200; i++ {
		m.RecordSignalProcessing(ctx, "overload", 200*time.Millisecond, true, now)
	}
	baseline, _ = m.Baseline("overload")
	assert.Less(t, math.Abs(baseline-200), 0.1)
}

func TestBaselineSingleStepEMA(t *testing.T) {
	ctx := context.Background()
	m := perfmon.NewMonitor(perfmon.Config{}, nil, nil, nil)
	now := time.Now().UTC()

	m.RecordSignalProcessing(ctx, "k", 100*time.Millisecond, true, now)
	m.RecordSignalProcessing(ctx, "k", 150*time.Millisecond, true, now)

	// 0.1*150 + 0.9*100
	baseline, _ := m.Baseline("k")
	assert.InDelta(t, 105.0, baseline, 1e-9)
}

func TestSubMillisecondSamplesKeepPrecision(t *testing.T) {
	ctx := context.Background()
	am := alerts.NewManager(alerts.Config{}, nil)
	m := perfmon.NewMonitor(perfmon.Config{}, am, nil, nil)
	now := time.Now().UTC()

	// Sub-millisecond samples must not quantize to a zero baseline.
	for i := 0; i < 20; i++ {
		m.RecordSignalProcessing(ctx, "overload", 500*time.Microsecond, true, now)
	}
	baseline, ok := m.Baseline("overload")
	require.True(t, ok)
	assert.InDelta(t, 0.5, baseline, 1e-9)

	// A 20x spike over that baseline still trips the degradation alert.
	m.RecordSignalProcessing(ctx, "overload", 10*time.Millisecond, true, now.Add(time.Second))
	active := am.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "PERFORMANCE_DEGRADATION", active[0].Type)
}

func TestSlowSignalRaisesDegradationAlertOnce(t *testing.T) {
	ctx := context.Background()
	am := alerts.NewManager(alerts.Config{DedupWindow: 5 * time.Minute}, nil)
	m := perfmon.NewMonitor(perfmon.Config{}, am, nil, nil)
	now := time.Now().UTC()

	m.RecordSignalProcessing(ctx, "overload", 100*time.Millisecond, true, now)
	// 3x the baseline breaches the 2x signal threshold.
	m.RecordSignalProcessing(ctx, "overload", 300*time.Millisecond, true, now.Add(time.Second))
	// A repeat inside the dedup window is suppressed.
	m.RecordSignalProcessing(ctx, "overload", 900*time.Millisecond, true, now.Add(2*time.Second))

	active := am.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "PERFORMANCE_DEGRADATION", active[0].Type)
}

func TestFirstSampleNeverAlerts(t *testing.T) {
	ctx := context.Background()
	am := alerts.NewManager(alerts.Config{}, nil)
	m := perfmon.NewMonitor(perfmon.Config{}, am, nil, nil)

	m.RecordSignalProcessing(ctx, "fresh", 10*time.Second, true, time.Now().UTC())
	assert.Empty(t, am.Active())
}

func TestWorkflowUsesTighterSlowFactor(t *testing.T) {
	ctx := context.Background()
	am := alerts.NewManager(alerts.Config{}, nil)
	m := perfmon.NewMonitor(perfmon.Config{}, am, nil, nil)
	now := time.Now().UTC()

	m.RecordWorkflowExecution(ctx, "dispatch", 100*time.Millisecond, true, now)
	// 1.6x the baseline: over the 1.5x workflow threshold, under the 2x
	// signal threshold.
	m.RecordWorkflowExecution(ctx, "dispatch", 160*time.Millisecond, true, now.Add(time.Second))

	active := am.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "PERFORMANCE_DEGRADATION", active[0].Type)
}

func TestFailureRaisesExecutionFailureAlert(t *testing.T) {
	ctx := context.Background()
	am := alerts.NewManager(alerts.Config{}, nil)
	m := perfmon.NewMonitor(perfmon.Config{}, am, nil, nil)

	m.RecordWorkflowExecution(ctx, "dispatch", 50*time.Millisecond, false, time.Now().UTC())

	active := am.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "EXECUTION_FAILURE", active[0].Type)
}

func TestTickAggregatesWindow(t *testing.T) {
	ctx := context.Background()
	m := perfmon.NewMonitor(perfmon.Config{Window: time.Minute}, nil, func() float64 { return 0.25 }, nil)
	now := time.Now().UTC()

	durations := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
	}
	for i, d := range durations {
		m.RecordSignalProcessing(ctx, "s", d, i != 3, now)
	}

	snap := m.Tick(now)
	assert.InDelta(t, 25.0, snap.AvgResponseMs, 1e-9)
	assert.InDelta(t, 25.0, snap.MedianResponseMs, 1e-9)
	assert.Equal(t, 10.0, snap.MinResponseMs)
	assert.Equal(t, 40.0, snap.MaxResponseMs)
	assert.InDelta(t, 0.75, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 4.0, snap.ThroughputPerMinute, 1e-9)
	assert.InDelta(t, 0.25, snap.UtilizationAvg, 1e-9)
	require.NotNil(t, snap.ErrorsByKey)
	assert.Equal(t, 1, snap.ErrorsByKey["s"])
	assert.InDelta(t, 0.75, snap.SuccessRateByKey["s"], 1e-9)
}

func TestTickDropsSamplesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	m := perfmon.NewMonitor(perfmon.Config{Window: time.Minute}, nil, nil, nil)
	now := time.Now().UTC()

	m.RecordSignalProcessing(ctx, "old", 10*time.Millisecond, true, now.Add(-2*time.Minute))
	m.RecordSignalProcessing(ctx, "fresh", 30*time.Millisecond, true, now)

	snap := m.Tick(now)
	assert.InDelta(t, 30.0, snap.AvgResponseMs, 1e-9)
	assert.InDelta(t, 1.0, snap.ThroughputPerMinute, 1e-9)
}

func TestSnapshotsWindowFilter(t *testing.T) {
	m := perfmon.NewMonitor(perfmon.Config{Window: time.Minute, Retention: time.Hour}, nil, nil, nil)
	base := time.Now().UTC()

	m.Tick(base.Add(-30 * time.Minute))
	m.Tick(base)

	assert.Len(t, m.Snapshots(0, base), 2)
	assert.Len(t, m.Snapshots(10*time.Minute, base), 1)
}

func TestTrendDegradingOnRisingResponseTimes(t *testing.T) {
	ctx := context.Background()
	m := perfmon.NewMonitor(perfmon.Config{Window: time.Minute}, nil, nil, nil)
	base := time.Now().UTC()

	// Five stable windows then five windows of doubled response times and
	// halved throughput.
	tick := base
	for i := 0; i < 5; i++ {
		m.RecordSignalProcessing(ctx, "s", 100*time.Millisecond, true, tick)
		m.RecordSignalProcessing(ctx, "s", 100*time.Millisecond, true, tick)
		m.Tick(tick)
		tick = tick.Add(time.Minute)
	}
	var last models.PerformanceMetricsSnapshot
	for i := 0; i < 5; i++ {
		m.RecordSignalProcessing(ctx, "s", 200*time.Millisecond, true, tick)
		last = m.Tick(tick)
		tick = tick.Add(time.Minute)
	}

	assert.Equal(t, models.TrendDegrading, last.Trend)
}

func TestTrendStableWithShortHistory(t *testing.T) {
	m := perfmon.NewMonitor(perfmon.Config{Window: time.Minute}, nil, nil, nil)
	snap := m.Tick(time.Now().UTC())
	assert.Equal(t, models.TrendStable, snap.Trend)
}
