package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/metrics"
)

// Reap reasons
const (
	ReasonIdle     = "idle"
	ReasonOrphan   = "orphan"
	ReasonMaxAge   = "max_age"
	ReasonLeftover = "leftover"
)

// ReaperConfig configures the sweep.
type ReaperConfig struct {
	Interval time.Duration
	IdleTTL  time.Duration
	MaxAge   time.Duration
}

// Reaper periodically destroys sandboxes that outlived their purpose.
type Reaper struct {
	pool    *Pool
	cfg     ReaperConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	kick    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper for pool.
func NewReaper(pool *Pool, cfg ReaperConfig, log *zap.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{
		pool:    pool,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		now:     time.Now,
		kick:    make(chan struct{}, 1),
	}
}

// Start runs the sweep every interval until Stop.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			case <-r.kick:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Trigger asks the running loop for a sweep ahead of schedule. It never
// blocks; requests made while one is pending are coalesced.
func (r *Reaper) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Sweep runs one reaping pass and returns the number of destroyed sandboxes.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()
	reaped := 0
	tracked := make(map[string]struct{})

	for _, inst := range r.pool.Instances() {
		if h := inst.Handle(); h != "" {
			tracked[h] = struct{}{}
		}

		reason := r.verdict(ctx, inst, now)
		if reason == "" {
			continue
		}
		if err := r.pool.destroy(ctx, inst); err != nil {
			r.logger.Warn("failed to reap sandbox",
				zap.String(logger.KeyInstance, inst.ID),
				zap.String("reason", reason),
				zap.Error(err))
			continue
		}
		r.logger.Info("reaped sandbox",
			zap.String(logger.KeyInstance, inst.ID),
			zap.String(logger.KeyLanguage, inst.ProfileID),
			zap.String("reason", reason))
		r.metrics.Reaped(reason)
		reaped++
	}

	reaped += r.sweepLeftovers(ctx, now, tracked)

	if err := r.pool.Replenish(ctx); err != nil {
		r.logger.Warn("failed to replenish warm sandboxes", zap.Error(err))
	}
	return reaped
}

func (r *Reaper) verdict(ctx context.Context, inst *Instance, now time.Time) string {
	if r.cfg.MaxAge > 0 && now.Sub(inst.CreatedAt) > r.cfg.MaxAge {
		return ReasonMaxAge
	}

	switch inst.State() {
	case StateIdle:
		if r.cfg.IdleTTL > 0 && now.Sub(inst.LastActivity()) > r.cfg.IdleTTL {
			return ReasonIdle
		}
	case StateBusy:
		handle := inst.Handle()
		state, err := r.pool.rt.Inspect(ctx, handle)
		if errors.Is(err, ErrNotFound) || (err == nil && !state.Running) {
			return ReasonOrphan
		}
		if err != nil {
			r.logger.Debug("failed to inspect sandbox", zap.String(logger.KeyHandle, handle), zap.Error(err))
		}
	}
	return ""
}

// sweepLeftovers removes labelled containers the pool does not track, such
// as those left behind by a crashed process, once they exceed MaxAge.
func (r *Reaper) sweepLeftovers(ctx context.Context, now time.Time, tracked map[string]struct{}) int {
	if r.cfg.MaxAge <= 0 {
		return 0
	}
	managed, err := r.pool.rt.List(ctx)
	if err != nil {
		r.logger.Warn("failed to list sandboxes", zap.Error(err))
		return 0
	}

	removed := 0
	for _, m := range managed {
		if _, ok := tracked[m.Handle]; ok {
			continue
		}
		if m.CreatedAt.IsZero() || now.Sub(m.CreatedAt) <= r.cfg.MaxAge {
			continue
		}
		// the pool may have adopted it since the snapshot
		if r.isTracked(m.Handle) {
			continue
		}
		if err := r.pool.rt.Remove(ctx, m.Handle); err != nil {
			r.logger.Warn("failed to remove leftover sandbox", zap.String(logger.KeyHandle, m.Handle), zap.Error(err))
			continue
		}
		r.logger.Info("removed leftover sandbox", zap.String(logger.KeyHandle, m.Handle))
		r.metrics.Reaped(ReasonLeftover)
		removed++
	}
	return removed
}

func (r *Reaper) isTracked(handle string) bool {
	for _, inst := range r.pool.Instances() {
		if inst.Handle() == handle {
			return true
		}
	}
	return false
}
