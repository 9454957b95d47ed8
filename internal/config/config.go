// Package config loads the control plane's environment-variable
// configuration with safe defaults, following the 12-factor pattern used
// throughout this codebase.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven setting the control plane needs.
type Config struct {
	AuthorityBaseURL string
	IdentityBaseURL  string
	IdentityRealm    string
	GatewayUsername  string
	GatewayPassword  string

	BundleName       string
	DistributionPort int
	EvaluatorPort    int

	ReconcileInterval   time.Duration
	StalenessThreshold  time.Duration
	ConstraintCacheTTL  time.Duration

	ReplayEnabled      bool
	ReplayPollInterval time.Duration
	BackendMap         map[string]string

	LogLevel string

	// Optional ambient surfaces. Empty disables the feature they gate.
	BundleJWTPublicKey     string
	EvaluatorJWTPublicKey  string
	ConstraintCacheRedisAddr string
	OTLPEndpoint           string
}

// Load reads configuration from the environment, applying safe defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AuthorityBaseURL: getenv("AUTHORITY_BASE_URL", "http://localhost:12000"),
		IdentityBaseURL:  getenv("IDENTITY_BASE_URL", "http://localhost:11000"),
		IdentityRealm:    getenv("IDENTITY_REALM", "noumena"),
		GatewayUsername:  getenv("GATEWAY_USERNAME", "gateway"),
		GatewayPassword:  getenv("GATEWAY_PASSWORD", ""),
		BundleName:       getenv("BUNDLE_NAME", "mcp"),

		LogLevel: getenv("LOG_LEVEL", "INFO"),

		BundleJWTPublicKey:       os.Getenv("BUNDLE_JWT_PUBLIC_KEY"),
		EvaluatorJWTPublicKey:    os.Getenv("EVALUATOR_JWT_PUBLIC_KEY"),
		ConstraintCacheRedisAddr: os.Getenv("CONSTRAINT_CACHE_REDIS_ADDR"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.DistributionPort, err = getenvInt("DISTRIBUTION_PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.EvaluatorPort, err = getenvInt("EVALUATOR_PORT", 8081); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getenvSeconds("RECONCILE_INTERVAL_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.StalenessThreshold, err = getenvSeconds("STALENESS_THRESHOLD_SECONDS", 120); err != nil {
		return nil, err
	}
	if cfg.ConstraintCacheTTL, err = getenvSeconds("CONSTRAINT_CACHE_REFRESH_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.ReplayPollInterval, err = getenvSeconds("REPLAY_POLL_INTERVAL_SECONDS", 5); err != nil {
		return nil, err
	}

	cfg.ReplayEnabled = os.Getenv("REPLAY_ENABLED") == "true"

	backendMapJSON := getenv("BACKEND_MAP", "{}")
	if err := json.Unmarshal([]byte(backendMapJSON), &cfg.BackendMap); err != nil {
		return nil, &ConfigError{Var: "BACKEND_MAP", Err: err}
	}

	return cfg, nil
}

// ConfigError wraps a configuration parse failure with the offending
// variable name; startup treats these as fatal.
type ConfigError struct {
	Var string
	Err error
}

func (e *ConfigError) Error() string {
	return "config: " + e.Var + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Var: key, Err: err}
	}
	return n, nil
}

func getenvSeconds(key string, defSeconds int) (time.Duration, error) {
	n, err := getenvInt(key, defSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
