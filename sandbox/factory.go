package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/metrics"
)

// NewRuntime creates the container runtime selected by sandbox.backend
func NewRuntime(cfg *config.Config, log *zap.Logger) (Runtime, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerRuntime(log)
	case "docker-cli":
		return NewCLIRuntime(log, binaryOr(cfg.Sandbox.Binary, "docker")), nil
	case "podman":
		return NewCLIRuntime(log, binaryOr(cfg.Sandbox.Binary, "podman")), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

func binaryOr(binary, fallback string) string {
	if binary != "" {
		return binary
	}
	return fallback
}

// NewPoolFromConfig creates the pool for the configured sandbox settings
func NewPoolFromConfig(cfg *config.Config, rt Runtime, log *zap.Logger, m *metrics.Metrics) *Pool {
	return NewPool(rt, log, PoolOptions{
		WorkDir:    cfg.Sandbox.WorkDir,
		User:       cfg.Sandbox.User,
		PullImages: cfg.Sandbox.PullImages,
		Metrics:    m,
	})
}

// NewReaperFromConfig creates the reaper for the configured schedule
func NewReaperFromConfig(cfg *config.Config, pool *Pool, log *zap.Logger, m *metrics.Metrics) *Reaper {
	return NewReaper(pool, ReaperConfig{
		Interval: cfg.GetReaperInterval(),
		IdleTTL:  time.Duration(cfg.Reaper.IdleTTLSec) * time.Second,
		MaxAge:   time.Duration(cfg.Reaper.MaxAgeSec) * time.Second,
	}, log, m)
}
