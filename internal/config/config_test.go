package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas/resilience-engine/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8061", cfg.Addr)
	assert.Equal(t, 100, cfg.MaxConcurrentAllocations)
	assert.Equal(t, 30*time.Second, cfg.ThresholdInterval)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, models.CategoryMaterial, cfg.Pools[0].Category)
	require.Len(t, cfg.Thresholds, 1)
	assert.Equal(t, 0.05, cfg.Thresholds[0].EmergencyThreshold)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RESILIENCE_ADDR", ":9000")
	t.Setenv("RESILIENCE_MAX_ALLOCATIONS", "7")
	t.Setenv("RESILIENCE_THRESHOLD_INTERVAL", "10s")
	t.Setenv("RESILIENCE_POOLS", "crew-time:time:40:5:8,ops-material:MATERIAL:100:20:30")
	t.Setenv("RESILIENCE_KAFKA_BROKERS", "broker-1:9092, broker-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 7, cfg.MaxConcurrentAllocations)
	assert.Equal(t, 10*time.Second, cfg.ThresholdInterval)
	require.Len(t, cfg.Pools, 2)
	assert.Equal(t, models.CategoryTime, cfg.Pools[0].Category)
	assert.Equal(t, 40.0, cfg.Pools[0].Total)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}

func TestLoadRejectsBadPoolSpec(t *testing.T) {
	t.Setenv("RESILIENCE_POOLS", "broken:MATERIAL:100")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnorderedThresholds(t *testing.T) {
	// Emergency above critical.
	t.Setenv("RESILIENCE_THRESHOLDS", "MATERIAL:0.3:0.05:0.1:0.02")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateIntervals(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.MetricsInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateSuccessRateRange(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.MinSuccessRate = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateThresholdRatioRange(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Thresholds[0].WarningThreshold = 1.2
	assert.Error(t, cfg.Validate())
}

func TestParseThresholdFields(t *testing.T) {
	out, err := parseThresholds("time:0.4:0.2:0.1:0.05")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, models.CategoryTime, out[0].MarginType)
	assert.Equal(t, "time-threshold", out[0].ID)
	assert.Equal(t, 0.4, out[0].WarningThreshold)
	assert.Equal(t, 0.05, out[0].AutoDeployThreshold)
}
