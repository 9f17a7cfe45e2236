// Package config assembles runtime settings from REQUIEM_* environment
// variables. Load never fails: a malformed value falls back to its default
// so a bad variable cannot keep the process from starting.
package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Environment variable names recognized by the core. The tenant resolver,
// CAS factory, and LLM provider read their own REQUIEM_* variables directly;
// everything else funnels through Load.
const (
	EnvLogLevel       = "REQUIEM_LOG_LEVEL"
	EnvEnvironment    = "REQUIEM_ENV"
	EnvToolOutputMax  = "REQUIEM_TOOL_OUTPUT_MAX_BYTES"
	EnvTriggerDataMax = "REQUIEM_TRIGGER_DATA_MAX_BYTES"
	EnvEnterprise     = "REQUIEM_ENTERPRISE"
	EnvAssertions     = "REQUIEM_ASSERTIONS"
	EnvMaxCallDepth   = "REQUIEM_MAX_CALL_DEPTH"
	EnvLedgerBackend  = "REQUIEM_LEDGER_BACKEND"
	EnvLedgerPath     = "REQUIEM_LEDGER_PATH"
	EnvDatabaseURL    = "REQUIEM_DATABASE_URL"
	EnvTierProfiles   = "REQUIEM_TIER_PROFILES"
	EnvPolicyPath     = "REQUIEM_POLICY_PATH"
	EnvRateRPS        = "REQUIEM_RATE_RPS"
	EnvRateBurst      = "REQUIEM_RATE_BURST"
	EnvRedisAddr      = "REQUIEM_REDIS_ADDR"
	EnvRedisPassword  = "REQUIEM_REDIS_PASSWORD"
	EnvRedisDB        = "REQUIEM_REDIS_DB"
	EnvMetrics        = "REQUIEM_METRICS"
	EnvOTLPEndpoint   = "REQUIEM_OTLP_ENDPOINT"
)

// Ledger backend names accepted by REQUIEM_LEDGER_BACKEND.
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Config holds everything the composition root needs to build a runtime.
type Config struct {
	LogLevel    string
	Environment string

	// Size caps. Zero keeps the package defaults (1 MiB output, 256 KiB
	// trigger data).
	ToolOutputMaxBytes  int
	TriggerDataMaxBytes int

	// Enterprise lifts every budget limit to unlimited.
	Enterprise bool
	// Assertions enables post-call invariant verification.
	Assertions bool
	// MaxCallDepth bounds recursion through skills and nested tools.
	// Zero keeps the gate default.
	MaxCallDepth int

	LedgerBackend string
	LedgerPath    string
	DatabaseURL   string

	TierProfilePath string
	PolicyPath      string

	// Admission control in front of tools/call. RedisAddr empty keeps
	// buckets in process memory.
	RateRPS       float64
	RateBurst     int
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MetricsEnabled bool
	OTLPEndpoint   string
}

// Load reads the environment.
func Load() *Config {
	return &Config{
		LogLevel:            envString(EnvLogLevel, "info"),
		Environment:         envString(EnvEnvironment, "development"),
		ToolOutputMaxBytes:  envInt(EnvToolOutputMax, 0),
		TriggerDataMaxBytes: envInt(EnvTriggerDataMax, 0),
		Enterprise:          envBool(EnvEnterprise),
		Assertions:          envBool(EnvAssertions),
		MaxCallDepth:        envInt(EnvMaxCallDepth, 0),
		LedgerBackend:       envString(EnvLedgerBackend, LedgerMemory),
		LedgerPath:          envString(EnvLedgerPath, "data/ledger.db"),
		DatabaseURL:         os.Getenv(EnvDatabaseURL),
		TierProfilePath:     os.Getenv(EnvTierProfiles),
		PolicyPath:          os.Getenv(EnvPolicyPath),
		RateRPS:             envFloat(EnvRateRPS, 0),
		RateBurst:           envInt(EnvRateBurst, 0),
		RedisAddr:           os.Getenv(EnvRedisAddr),
		RedisPassword:       os.Getenv(EnvRedisPassword),
		RedisDB:             envInt(EnvRedisDB, 0),
		MetricsEnabled:      envBool(EnvMetrics),
		OTLPEndpoint:        os.Getenv(EnvOTLPEndpoint),
	}
}

// Level parses the configured log level, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string) bool {
	return os.Getenv(name) == "true"
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("config value not an integer, using default", "var", name, "value", raw)
		return def
	}
	return v
}

func envFloat(name string, def float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("config value not a number, using default", "var", name, "value", raw)
		return def
	}
	return v
}
