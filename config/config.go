package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Sandbox       SandboxConfig       `mapstructure:"sandbox"`
	Limits        LimitsConfig        `mapstructure:"limits"`
	Pool          PoolConfig          `mapstructure:"pool"`
	Reaper        ReaperConfig        `mapstructure:"reaper"`
	Languages     map[string]Language `mapstructure:"languages"`
	LanguagesFile string              `mapstructure:"languages_file"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig selects and tunes the container runtime
type SandboxConfig struct {
	Backend          string `mapstructure:"backend"`
	Binary           string `mapstructure:"binary"`
	PullImages       bool   `mapstructure:"pull_images"`
	WorkDir          string `mapstructure:"workdir"`
	User             string `mapstructure:"user"`
	SampleIntervalMs int    `mapstructure:"sample_interval_ms"`
	KillGraceMs      int    `mapstructure:"kill_grace_ms"`
}

// LimitsSpec is one set of resource limits. Zero fields are unset.
type LimitsSpec struct {
	CPU          float64 `mapstructure:"cpu" yaml:"cpu"`
	MemoryMB     int64   `mapstructure:"memory_mb" yaml:"memory_mb"`
	TimeoutMs    int64   `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	MaxProcesses int64   `mapstructure:"max_processes" yaml:"max_processes"`
	MaxOutputKB  int64   `mapstructure:"max_output_kb" yaml:"max_output_kb"`
	Network      bool    `mapstructure:"network" yaml:"network"`
}

// LimitsConfig holds the administrator limit policy
type LimitsConfig struct {
	Defaults            LimitsSpec `mapstructure:"defaults"`
	Maxima              LimitsSpec `mapstructure:"maxima"`
	CompileTimeoutSec   int        `mapstructure:"compile_timeout_sec"`
	CompileOutputKB     int64      `mapstructure:"compile_output_kb"`
	CompileMemoryMB     int64      `mapstructure:"compile_memory_mb"`
	CompileMaxProcesses int64      `mapstructure:"compile_max_processes"`
	AllowNetwork        bool       `mapstructure:"allow_network"`
	MaxSourceKB         int        `mapstructure:"max_source_kb"`
	MaxStdinKB          int        `mapstructure:"max_stdin_kb"`
	MaxTestCases        int        `mapstructure:"max_test_cases"`
}

// PoolConfig holds admission and provisioning configuration
type PoolConfig struct {
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	Admission          string `mapstructure:"admission"`
	MaxQueue           int    `mapstructure:"max_queue"`
	WarmPerLanguage    int    `mapstructure:"warm_per_language"`
	ProvisionAttempts  int    `mapstructure:"provision_attempts"`
	ProvisionBackoffMs int    `mapstructure:"provision_backoff_ms"`
}

// ReaperConfig holds background sweep configuration
type ReaperConfig struct {
	IntervalSec int `mapstructure:"interval_sec"`
	IdleTTLSec  int `mapstructure:"idle_ttl_sec"`
	MaxAgeSec   int `mapstructure:"max_age_sec"`
}

// Language overrides or adds one language profile
type Language struct {
	Name       string            `mapstructure:"name" yaml:"name"`
	Image      string            `mapstructure:"image" yaml:"image"`
	SourceFile string            `mapstructure:"source_file" yaml:"source_file"`
	Build      string            `mapstructure:"build" yaml:"build"`
	Clean      string            `mapstructure:"clean" yaml:"clean"`
	Run        string            `mapstructure:"run" yaml:"run"`
	Env        map[string]string `mapstructure:"env" yaml:"env"`
	Limits     LimitsSpec        `mapstructure:"limits" yaml:"limits"`
	// BlockedPatterns are case-insensitive regular expressions. Sources
	// matching any of them are refused before a sandbox is created.
	BlockedPatterns []string `mapstructure:"blocked_patterns" yaml:"blocked_patterns"`
}

// Admission modes
const (
	AdmissionQueue  = "queue"
	AdmissionReject = "reject"
)

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("RUNBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.metrics_port", 9090)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.binary", "")
	viper.SetDefault("sandbox.pull_images", false)
	viper.SetDefault("sandbox.workdir", "/workspace")
	viper.SetDefault("sandbox.user", "65534:65534")
	viper.SetDefault("sandbox.sample_interval_ms", 100)
	viper.SetDefault("sandbox.kill_grace_ms", 2000)

	// Run-stage defaults follow the original service: 0.5 CPU, 128MB, 5s
	viper.SetDefault("limits.defaults.cpu", 0.5)
	viper.SetDefault("limits.defaults.memory_mb", 128)
	viper.SetDefault("limits.defaults.timeout_ms", 5000)
	viper.SetDefault("limits.defaults.max_processes", 32)
	viper.SetDefault("limits.defaults.max_output_kb", 64)
	viper.SetDefault("limits.defaults.network", false)

	viper.SetDefault("limits.maxima.cpu", 2.0)
	viper.SetDefault("limits.maxima.memory_mb", 512)
	viper.SetDefault("limits.maxima.timeout_ms", 30000)
	viper.SetDefault("limits.maxima.max_processes", 128)
	viper.SetDefault("limits.maxima.max_output_kb", 1024)

	viper.SetDefault("limits.compile_timeout_sec", 30)
	viper.SetDefault("limits.compile_output_kb", 64)
	viper.SetDefault("limits.compile_memory_mb", 512)
	viper.SetDefault("limits.compile_max_processes", 64)
	viper.SetDefault("limits.allow_network", false)
	viper.SetDefault("limits.max_source_kb", 64)
	viper.SetDefault("limits.max_stdin_kb", 1024)
	viper.SetDefault("limits.max_test_cases", 100)

	viper.SetDefault("pool.max_concurrent", 4)
	viper.SetDefault("pool.admission", AdmissionQueue)
	viper.SetDefault("pool.max_queue", 64)
	viper.SetDefault("pool.warm_per_language", 0)
	viper.SetDefault("pool.provision_attempts", 3)
	viper.SetDefault("pool.provision_backoff_ms", 200)

	viper.SetDefault("reaper.interval_sec", 30)
	viper.SetDefault("reaper.idle_ttl_sec", 600)
	viper.SetDefault("reaper.max_age_sec", 3600)

	viper.SetDefault("languages_file", "")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"docker-cli": true,
		"podman":     true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if !strings.HasPrefix(c.Sandbox.WorkDir, "/") {
		return fmt.Errorf("sandbox.workdir must be an absolute path, got: %q", c.Sandbox.WorkDir)
	}

	if c.Sandbox.User == "" || c.Sandbox.User == "0" || strings.HasPrefix(c.Sandbox.User, "0:") || c.Sandbox.User == "root" {
		return fmt.Errorf("sandbox.user must be a non-root identity, got: %q", c.Sandbox.User)
	}

	if err := c.Limits.Defaults.validate("limits.defaults"); err != nil {
		return err
	}

	if err := c.Limits.Maxima.validate("limits.maxima"); err != nil {
		return err
	}

	if err := c.Limits.Defaults.within(c.Limits.Maxima); err != nil {
		return err
	}

	if c.Limits.CompileTimeoutSec <= 0 {
		return fmt.Errorf("limits.compile_timeout_sec must be positive, got: %d", c.Limits.CompileTimeoutSec)
	}

	if c.Limits.CompileMemoryMB <= 0 {
		return fmt.Errorf("limits.compile_memory_mb must be positive, got: %d", c.Limits.CompileMemoryMB)
	}

	if c.Limits.CompileMaxProcesses <= 0 {
		return fmt.Errorf("limits.compile_max_processes must be positive, got: %d", c.Limits.CompileMaxProcesses)
	}

	if c.Limits.MaxTestCases <= 0 {
		return fmt.Errorf("limits.max_test_cases must be positive, got: %d", c.Limits.MaxTestCases)
	}

	if c.Limits.Defaults.Network && !c.Limits.AllowNetwork {
		return fmt.Errorf("limits.defaults.network requires limits.allow_network")
	}

	if c.Pool.MaxConcurrent <= 0 {
		return fmt.Errorf("pool.max_concurrent must be positive, got: %d", c.Pool.MaxConcurrent)
	}

	if c.Pool.Admission != AdmissionQueue && c.Pool.Admission != AdmissionReject {
		return fmt.Errorf("invalid pool.admission: %s, must be 'queue' or 'reject'", c.Pool.Admission)
	}

	if c.Pool.ProvisionAttempts <= 0 {
		return fmt.Errorf("pool.provision_attempts must be positive, got: %d", c.Pool.ProvisionAttempts)
	}

	if c.Reaper.IntervalSec <= 0 {
		return fmt.Errorf("reaper.interval_sec must be positive, got: %d", c.Reaper.IntervalSec)
	}

	if c.Reaper.MaxAgeSec*1000 <= int(c.Limits.Maxima.TimeoutMs)+c.Limits.CompileTimeoutSec*1000 {
		return fmt.Errorf("reaper.max_age_sec must exceed the longest possible compile and run")
	}

	return nil
}

func (s LimitsSpec) validate(prefix string) error {
	if s.CPU <= 0 {
		return fmt.Errorf("%s.cpu must be positive, got: %v", prefix, s.CPU)
	}
	if s.MemoryMB <= 0 {
		return fmt.Errorf("%s.memory_mb must be positive, got: %d", prefix, s.MemoryMB)
	}
	if s.TimeoutMs <= 0 {
		return fmt.Errorf("%s.timeout_ms must be positive, got: %d", prefix, s.TimeoutMs)
	}
	if s.MaxProcesses <= 0 {
		return fmt.Errorf("%s.max_processes must be positive, got: %d", prefix, s.MaxProcesses)
	}
	if s.MaxOutputKB <= 0 {
		return fmt.Errorf("%s.max_output_kb must be positive, got: %d", prefix, s.MaxOutputKB)
	}
	return nil
}

// within checks that no default exceeds its hard maximum.
func (s LimitsSpec) within(maxima LimitsSpec) error {
	switch {
	case s.CPU > maxima.CPU:
		return fmt.Errorf("limits.defaults.cpu %v exceeds limits.maxima.cpu %v", s.CPU, maxima.CPU)
	case s.MemoryMB > maxima.MemoryMB:
		return fmt.Errorf("limits.defaults.memory_mb %d exceeds limits.maxima.memory_mb %d", s.MemoryMB, maxima.MemoryMB)
	case s.TimeoutMs > maxima.TimeoutMs:
		return fmt.Errorf("limits.defaults.timeout_ms %d exceeds limits.maxima.timeout_ms %d", s.TimeoutMs, maxima.TimeoutMs)
	case s.MaxProcesses > maxima.MaxProcesses:
		return fmt.Errorf("limits.defaults.max_processes %d exceeds limits.maxima.max_processes %d", s.MaxProcesses, maxima.MaxProcesses)
	case s.MaxOutputKB > maxima.MaxOutputKB:
		return fmt.Errorf("limits.defaults.max_output_kb %d exceeds limits.maxima.max_output_kb %d", s.MaxOutputKB, maxima.MaxOutputKB)
	}
	return nil
}

// GetReaperInterval returns the reaper sweep interval as a duration
func (c *Config) GetReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSec) * time.Second
}

// GetKillGrace returns how long the pipeline waits for a killed sandbox's
// streams to drain
func (c *Config) GetKillGrace() time.Duration {
	return time.Duration(c.Sandbox.KillGraceMs) * time.Millisecond
}
