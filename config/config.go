package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bitagent/bitagent/agent"
	"github.com/bitagent/bitagent/orchestrator"
	"github.com/bitagent/bitagent/retry"
	"github.com/bitagent/bitagent/store"
)

// EnvPrefix is the prefix of environment overrides (BITAGENT_POOL_MAX_SIZE
// overrides pool.max_size, and so on).
const EnvPrefix = "BITAGENT"

// Config is the complete engine configuration.
// Precedence: defaults, then YAML file, then environment variables.
type Config struct {
	// Pool configures the agent pool
	Pool agent.PoolConfig `yaml:"pool" env:"POOL"`
	// Retry is the engine-wide default retry policy
	Retry retry.Policy `yaml:"retry" env:"RETRY"`
	// Store selects and configures the state store backend
	Store store.Config `yaml:"store" env:"STORE"`
	// Orchestrator tunes the scheduling loop
	Orchestrator orchestrator.Config `yaml:"orchestrator" env:"ORCHESTRATOR"`
	// Log configures logging
	Log LogConfig `yaml:"log" env:"LOG"`
	// Metrics configures the Prometheus namespace
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures metrics exposure.
type MetricsConfig struct {
	// Enabled toggles metric registration
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Namespace prefixes every metric name
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Pool:         agent.DefaultPoolConfig(),
		Retry:        retry.DefaultPolicy(),
		Store:        store.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Log:          LogConfig{Level: "info", Format: "json"},
		Metrics:      MetricsConfig{Enabled: true, Namespace: "bitagent"},
	}
}

// Load reads configuration with the standard precedence. path may be
// empty to use defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	return nil
}

// applyEnv walks the struct and overrides fields from environment
// variables named by joining the env tags with underscores under the
// given prefix.
func applyEnv(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		if tag == "" {
			// Fall back to the upper-cased yaml key for embedded configs
			// declared in other packages, which carry no env tags.
			tag = envKeyFromYAML(field)
		}
		if tag == "" {
			continue
		}
		key := prefix + "_" + tag
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Time{}) {
			applyEnv(fv, key)
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok || !fv.CanSet() {
			continue
		}
		setField(fv, raw)
	}
}

func envKeyFromYAML(field reflect.StructField) string {
	tag := field.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return ""
	}
	return strings.ToUpper(name)
}

func setField(fv reflect.Value, raw string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(raw); err == nil {
				fv.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			fv.SetFloat(f)
		}
	}
}
