package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/civitas/resilience-engine/internal/models"
)

// Config holds everything the resilience service needs at startup. Invalid
// monitoring intervals, retention windows or threshold bands are fatal.
type Config struct {
	Addr        string
	DatabaseURL string

	Pools      []PoolConfig
	Thresholds []models.MarginThreshold

	MaxConcurrentAllocations int
	AllocationTTL            time.Duration

	ThresholdInterval time.Duration
	MetricsInterval   time.Duration
	LedgerInterval    time.Duration

	MetricsWindow    time.Duration
	MetricsRetention time.Duration

	ActivationCooldown        time.Duration
	MinSuccessRate            float64
	StressAdaptationThreshold int
	AdaptationRetention       time.Duration
	EnabledAdaptations        []string
	MinImprovement            float64
	TargetImprovement         float64
	MaxImprovement            float64

	AlertDedupWindow time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	AuthHS256Secret string
}

type PoolConfig struct {
	ID           string
	Category     models.ResourceCategory
	Total        float64
	MinimumStock float64
	ReorderPoint float64
}

const (
	defaultAddr     = ":8061"
	defaultMaxAlloc = 100
)

// Load reads the service configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("RESILIENCE_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("RESILIENCE_DATABASE_URL"), os.Getenv("DATABASE_URL")),

		MaxConcurrentAllocations: getInt("RESILIENCE_MAX_ALLOCATIONS", defaultMaxAlloc),
		AllocationTTL:            getDuration("RESILIENCE_ALLOCATION_TTL", time.Hour),

		ThresholdInterval: getDuration("RESILIENCE_THRESHOLD_INTERVAL", 30*time.Second),
		MetricsInterval:   getDuration("RESILIENCE_METRICS_INTERVAL", time.Minute),
		LedgerInterval:    getDuration("RESILIENCE_LEDGER_INTERVAL", time.Minute),

		MetricsWindow:    getDuration("RESILIENCE_METRICS_WINDOW", 5*time.Minute),
		MetricsRetention: getDuration("RESILIENCE_METRICS_RETENTION", 24*time.Hour),

		ActivationCooldown:        getDuration("RESILIENCE_ACTIVATION_COOLDOWN", 5*time.Minute),
		MinSuccessRate:            getFloat("RESILIENCE_MIN_SUCCESS_RATE", 0.3),
		StressAdaptationThreshold: getInt("RESILIENCE_STRESS_THRESHOLD", 3),
		AdaptationRetention:       getDuration("RESILIENCE_ADAPTATION_RETENTION", 30*24*time.Hour),
		EnabledAdaptations:        parseCSV(getEnv("RESILIENCE_ADAPTATIONS", "CAPACITY_SCALING,EFFICIENCY_IMPROVEMENT,REDUNDANCY_ENHANCEMENT,STRESS_LEARNING,THRESHOLD_ADAPTATION")),
		MinImprovement:            getFloat("RESILIENCE_MIN_IMPROVEMENT", 1.05),
		TargetImprovement:         getFloat("RESILIENCE_TARGET_IMPROVEMENT", 1.25),
		MaxImprovement:            getFloat("RESILIENCE_MAX_IMPROVEMENT", 1.5),

		AlertDedupWindow: getDuration("RESILIENCE_ALERT_DEDUP_WINDOW", 5*time.Minute),

		KafkaBrokers: parseCSV(os.Getenv("RESILIENCE_KAFKA_BROKERS")),
		KafkaTopic:   getEnv("RESILIENCE_KAFKA_TOPIC", "resilience.margin-events"),
		S3Bucket:     os.Getenv("RESILIENCE_S3_BUCKET"),
		S3Prefix:     getEnv("RESILIENCE_S3_PREFIX", "resilience"),

		AuthHS256Secret: os.Getenv("RESILIENCE_AUTH_HS256_SECRET"),
	}

	pools, err := parsePools(getEnv("RESILIENCE_POOLS", "ops-material:MATERIAL:100:20:30"))
	if err != nil {
		return Config{}, err
	}
	cfg.Pools = pools

	thresholds, err := parseThresholds(getEnv("RESILIENCE_THRESHOLDS", "MATERIAL:0.3:0.1:0.05:0.02"))
	if err != nil {
		return Config{}, err
	}
	cfg.Thresholds = thresholds

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. Violations are configuration
// errors and must abort initialization.
func (c Config) Validate() error {
	if c.ThresholdInterval <= 0 || c.MetricsInterval <= 0 || c.LedgerInterval <= 0 {
		return fmt.Errorf("config: monitoring intervals must be positive")
	}
	if c.MetricsWindow <= 0 || c.MetricsRetention <= 0 || c.AdaptationRetention <= 0 {
		return fmt.Errorf("config: retention windows must be positive")
	}
	if c.MaxConcurrentAllocations <= 0 {
		return fmt.Errorf("config: RESILIENCE_MAX_ALLOCATIONS must be positive")
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("config: RESILIENCE_MIN_SUCCESS_RATE must be in [0,1]")
	}
	for _, t := range c.Thresholds {
		if err := validateThreshold(t); err != nil {
			return err
		}
	}
	for _, p := range c.Pools {
		if p.Total < 0 || p.MinimumStock < 0 || p.ReorderPoint < 0 {
			return fmt.Errorf("config: pool %q quantities must be non-negative", p.ID)
		}
	}
	return nil
}

func validateThreshold(t models.MarginThreshold) error {
	for _, v := range []float64{t.WarningThreshold, t.CriticalThreshold, t.EmergencyThreshold, t.AutoDeployThreshold} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: threshold ratios for %s must be in [0,1]", t.MarginType)
		}
	}
	if t.EmergencyThreshold > t.CriticalThreshold || t.CriticalThreshold > t.WarningThreshold {
		return fmt.Errorf("config: thresholds for %s must be ordered emergency <= critical <= warning", t.MarginType)
	}
	return nil
}

// parsePools parses "id:category:total:minStock:reorder,..." pool specs.
func parsePools(raw string) ([]PoolConfig, error) {
	chunks := strings.Split(raw, ",")
	pools := make([]PoolConfig, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts := strings.Split(chunk, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("config: pool spec %q must be id:category:total:minStock:reorder", chunk)
		}
		total, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("config: pool %q total: %w", parts[0], err)
		}
		minStock, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return nil, fmt.Errorf("config: pool %q minStock: %w", parts[0], err)
		}
		reorder, err := strconv.ParseFloat(parts[4], 64)
		if err != nil {
			return nil, fmt.Errorf("config: pool %q reorder: %w", parts[0], err)
		}
		pools = append(pools, PoolConfig{
			ID:           parts[0],
			Category:     models.ResourceCategory(strings.ToUpper(parts[1])),
			Total:        total,
			MinimumStock: minStock,
			ReorderPoint: reorder,
		})
	}
	return pools, nil
}

// parseThresholds parses "category:warning:critical:emergency:autoDeploy,..." specs.
func parseThresholds(raw string) ([]models.MarginThreshold, error) {
	chunks := strings.Split(raw, ",")
	out := make([]models.MarginThreshold, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts := strings.Split(chunk, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("config: threshold spec %q must be category:warning:critical:emergency:autoDeploy", chunk)
		}
		vals := make([]float64, 4)
		for i, p := range parts[1:] {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("config: threshold %q: %w", chunk, err)
			}
			vals[i] = v
		}
		out = append(out, models.MarginThreshold{
			ID:                  strings.ToLower(parts[0]) + "-threshold",
			MarginType:          models.ResourceCategory(strings.ToUpper(parts[0])),
			WarningThreshold:    vals[0],
			CriticalThreshold:   vals[1],
			EmergencyThreshold:  vals[2],
			AutoDeployThreshold: vals[3],
		})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
