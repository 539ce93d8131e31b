// Package config loads node configuration from environment variables, with
// an optional YAML overlay file for the structured knobs (diversity caps,
// bounty caps by class) that don't fit comfortably in a single env var.
// Unset options fall back to protocol defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BootstrapConfig controls the bootstrap-mode transition:
// K_effective = min(K_target, max(K_min, floor(active_staked_verifiers * alpha))).
type BootstrapConfig struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	KPlanMin           int     `yaml:"k_plan_min" json:"k_plan_min"`
	KResultMin         int     `yaml:"k_result_min" json:"k_result_min"`
	VerifierThresholdM int     `yaml:"verifier_threshold_m" json:"verifier_threshold_m"`
	StabilityHoursD    int     `yaml:"stability_hours_d" json:"stability_hours_d"`
	Alpha              float64 `yaml:"alpha" json:"alpha"`
	ExitFinalizedJobsN int     `yaml:"exit_finalized_jobs_n" json:"exit_finalized_jobs_n"`
}

// DiversityCaps bounds committee composition per entity.
type DiversityCaps struct {
	PerOrg    int `yaml:"per_org" json:"per_org"`
	PerASN    int `yaml:"per_asn" json:"per_asn"`
	PerRegion int `yaml:"per_region" json:"per_region"`
}

// Config holds every recognized configuration option, plus the
// ambient node-wiring knobs (storage backends, observability endpoint).
type Config struct {
	// Node identity & storage
	NodeID      string
	DataDir     string
	LogLevel    string
	DatabaseURL string

	// Protocol tunables
	KPlan                   int
	KResult                 int
	TChallenge              time.Duration
	LeaseTTL                time.Duration
	BidWindow               time.Duration
	HeartbeatInterval       time.Duration
	GasLimit                int64
	CheckpointEpochInterval int64

	Bootstrap         BootstrapConfig
	DiversityCaps     DiversityCaps
	BountyCapsByClass map[string]int64

	// Backend selection: persistence, CAS, rate limiting
	CASBackend   string // "fs" | "s3" | "gcs"
	LedgerDriver string // "memory" | "postgres" | "sqlite"
	RedisAddr    string // empty disables Redis-backed rate limiting

	// Observability
	OTLPEndpoint string
	ServiceName  string
}

// configOverlay is the subset of Config expressible in a YAML file,
// for the structured knobs operators tend to template rather than export.
type configOverlay struct {
	Bootstrap         BootstrapConfig  `yaml:"bootstrap"`
	DiversityCaps     DiversityCaps    `yaml:"diversity_caps"`
	BountyCapsByClass map[string]int64 `yaml:"bounty_caps_by_class"`
}

// Load loads configuration from environment variables, then applies a YAML
// overlay file if CONCORD_CONFIG_FILE is set.
func Load() (*Config, error) {
	cfg := &Config{
		NodeID:      envOr("CONCORD_NODE_ID", ""),
		DataDir:     envOr("CONCORD_DATA_DIR", "./data"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		DatabaseURL: envOr("DATABASE_URL", "postgres://concord@localhost:5433/concord?sslmode=disable"),

		KPlan:                   envInt("CONCORD_K_PLAN", 3),
		KResult:                 envInt("CONCORD_K_RESULT", 3),
		TChallenge:              envDuration("CONCORD_T_CHALLENGE", 5*time.Minute),
		LeaseTTL:                envDuration("CONCORD_LEASE_TTL", 30*time.Second),
		BidWindow:               envDuration("CONCORD_BID_WINDOW", 10*time.Second),
		HeartbeatInterval:       envDuration("CONCORD_HEARTBEAT_INTERVAL", 5*time.Second),
		GasLimit:                envInt64("CONCORD_GAS_LIMIT", 1_000_000),
		CheckpointEpochInterval: envInt64("CONCORD_CHECKPOINT_EPOCH_INTERVAL", 1000),

		Bootstrap: BootstrapConfig{
			Enabled:            envBool("CONCORD_BOOTSTRAP_ENABLED", true),
			KPlanMin:           envInt("CONCORD_BOOTSTRAP_K_PLAN_MIN", 1),
			KResultMin:         envInt("CONCORD_BOOTSTRAP_K_RESULT_MIN", 1),
			VerifierThresholdM: envInt("CONCORD_BOOTSTRAP_VERIFIER_THRESHOLD_M", 7),
			StabilityHoursD:    envInt("CONCORD_BOOTSTRAP_STABILITY_HOURS_D", 24),
			Alpha:              envFloat("CONCORD_BOOTSTRAP_ALPHA", 0.3),
			ExitFinalizedJobsN: envInt("CONCORD_BOOTSTRAP_EXIT_FINALIZED_JOBS_N", 100),
		},
		DiversityCaps: DiversityCaps{
			PerOrg:    envInt("CONCORD_DIVERSITY_PER_ORG", 2),
			PerASN:    envInt("CONCORD_DIVERSITY_PER_ASN", 2),
			PerRegion: envInt("CONCORD_DIVERSITY_PER_REGION", 3),
		},
		BountyCapsByClass: map[string]int64{},

		CASBackend:   envOr("CONCORD_CAS_BACKEND", "fs"),
		LedgerDriver: envOr("CONCORD_LEDGER_DRIVER", "memory"),
		RedisAddr:    os.Getenv("CONCORD_REDIS_ADDR"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  envOr("CONCORD_SERVICE_NAME", "concord-node"),
	}

	if path := os.Getenv("CONCORD_CONFIG_FILE"); path != "" {
		if err := applyOverlay(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func applyOverlay(cfg *Config, path string) error {
	//nolint:gosec // G304: operator-provided config path
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %q: %w", path, err)
	}

	var overlay configOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse overlay %q: %w", path, err)
	}

	if overlay.Bootstrap != (BootstrapConfig{}) {
		cfg.Bootstrap = overlay.Bootstrap
	}
	if overlay.DiversityCaps != (DiversityCaps{}) {
		cfg.DiversityCaps = overlay.DiversityCaps
	}
	if len(overlay.BountyCapsByClass) > 0 {
		cfg.BountyCapsByClass = overlay.BountyCapsByClass
	}

	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
