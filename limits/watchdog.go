package limits

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Violation names the budget dimension that caused a forced termination.
type Violation string

// Violation constants
const (
	ViolationNone      Violation = ""
	ViolationTimeout   Violation = "timeout"
	ViolationMemory    Violation = "memory"
	ViolationProcesses Violation = "processes"
	ViolationOutput    Violation = "output"
	ViolationCPU       Violation = "cpu"
)

// DefaultSampleInterval is how often the watchdog polls sandbox usage.
const DefaultSampleInterval = 100 * time.Millisecond

// Usage is a point-in-time resource reading of a sandbox.
type Usage struct {
	MemoryBytes int64
	Processes   int64
}

// SampleFunc reads the current usage of the supervised sandbox.
type SampleFunc func(ctx context.Context) (Usage, error)

// KillFunc forcibly terminates the supervised sandbox.
type KillFunc func(v Violation)

// Watchdog supervises one run stage. It owns the wall-clock timer, polls
// usage, and records the first violation. Only the first trip kills.
type Watchdog struct {
	limits   Limits
	sample   SampleFunc
	kill     KillFunc
	interval time.Duration

	violation atomic.Value // Violation
	tripped   atomic.Bool
	peak      atomic.Int64
	started   atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatchdog creates a watchdog. sample may be nil when the runtime cannot
// report usage; the timer and output caps still apply.
func NewWatchdog(lim Limits, sample SampleFunc, kill KillFunc, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	w := &Watchdog{
		limits:   lim,
		sample:   sample,
		kill:     kill,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.violation.Store(ViolationNone)
	return w
}

// Start arms the timer and the sampler.
func (w *Watchdog) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.loop(ctx)
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.limits.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			w.Trip(ViolationTimeout)
			return
		case <-ticker.C:
			if w.sample == nil {
				continue
			}
			usage, err := w.sample(ctx)
			if err != nil {
				continue
			}
			w.observe(usage)
		}
	}
}

func (w *Watchdog) observe(u Usage) {
	w.recordPeak(u.MemoryBytes)
	switch {
	case w.limits.MemoryBytes > 0 && u.MemoryBytes > w.limits.MemoryBytes:
		w.Trip(ViolationMemory)
	case w.limits.MaxProcesses > 0 && u.Processes > w.limits.ProcessCeiling():
		w.Trip(ViolationProcesses)
	}
}

// Trip records v and kills the sandbox if no violation was recorded before.
// It reports whether this call won.
func (w *Watchdog) Trip(v Violation) bool {
	if !w.tripped.CompareAndSwap(false, true) {
		return false
	}
	w.violation.Store(v)
	if w.kill != nil {
		w.kill(v)
	}
	return true
}

// Stop disarms the watchdog and waits for the loop to exit.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// Violation returns the recorded violation, if any.
func (w *Watchdog) Violation() Violation {
	return w.violation.Load().(Violation)
}

// PeakMemory returns the highest sampled memory usage in bytes.
func (w *Watchdog) PeakMemory() int64 {
	return w.peak.Load()
}

func (w *Watchdog) recordPeak(memoryBytes int64) {
	for {
		cur := w.peak.Load()
		if memoryBytes <= cur || w.peak.CompareAndSwap(cur, memoryBytes) {
			return
		}
	}
}
