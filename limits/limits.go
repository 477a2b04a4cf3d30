package limits

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/docker/go-units"

	"github.com/isdmx/runbox/config"
)

// ErrInvalidLimits is returned when a requested budget falls outside the
// administrator-set hard maxima.
var ErrInvalidLimits = errors.New("invalid resource limits")

// Size and process constants
const (
	BytesPerKB = 1024
	BytesPerMB = 1024 * 1024

	// ReservedProcesses covers the container init, the keep-alive process and
	// the shell wrapper around the run command.
	ReservedProcesses = 3
	// PidsHeadroom is the pids cgroup slack above the process cap. The
	// overrun itself is reported by the watchdog.
	PidsHeadroom = 1

	DefaultTmpfsBytes    = 64 * BytesPerMB
	DefaultFileSizeBytes = 64 * BytesPerMB
	DefaultOpenFiles     = 256
)

// Limits is the fully resolved budget for one submission's run stage.
type Limits struct {
	CPUShare       float64
	MemoryBytes    int64
	Timeout        time.Duration
	MaxProcesses   int64
	MaxOutputBytes int64
	NetworkEnabled bool
}

// Overrides is a partial budget. Zero values mean "not set".
type Overrides struct {
	CPUShare       float64
	MemoryBytes    int64
	Timeout        time.Duration
	MaxProcesses   int64
	MaxOutputBytes int64
	Network        *bool
}

// IsZero reports whether no field is set.
func (o Overrides) IsZero() bool {
	return o.CPUShare <= 0 && o.MemoryBytes <= 0 && o.Timeout <= 0 &&
		o.MaxProcesses <= 0 && o.MaxOutputBytes <= 0 && o.Network == nil
}

// OverridesFromSpec converts a configuration limits block into Overrides.
func OverridesFromSpec(spec config.LimitsSpec) Overrides {
	o := Overrides{
		CPUShare:       spec.CPU,
		MemoryBytes:    spec.MemoryMB * BytesPerMB,
		Timeout:        time.Duration(spec.TimeoutMs) * time.Millisecond,
		MaxProcesses:   spec.MaxProcesses,
		MaxOutputBytes: spec.MaxOutputKB * BytesPerKB,
	}
	if spec.Network {
		enabled := true
		o.Network = &enabled
	}
	return o
}

// Policy holds the administrator configuration applied to every submission.
type Policy struct {
	Defaults           Limits
	Maxima             Limits
	CompileTimeout     time.Duration
	CompileOutputBytes int64
	// CompileMemoryBytes and CompileMaxProcesses are the ceilings in force
	// while the build command runs.
	CompileMemoryBytes  int64
	CompileMaxProcesses int64
	AllowNetwork        bool
	MaxSourceBytes      int
	MaxStdinBytes       int
	MaxTestCases        int
}

// NewPolicy builds the policy from the application configuration.
func NewPolicy(cfg *config.Config) Policy {
	l := cfg.Limits
	return Policy{
		Defaults:            limitsFromSpec(l.Defaults),
		Maxima:              limitsFromSpec(l.Maxima),
		CompileTimeout:      time.Duration(l.CompileTimeoutSec) * time.Second,
		CompileOutputBytes:  l.CompileOutputKB * BytesPerKB,
		CompileMemoryBytes:  l.CompileMemoryMB * BytesPerMB,
		CompileMaxProcesses: l.CompileMaxProcesses,
		AllowNetwork:        l.AllowNetwork,
		MaxSourceBytes:      l.MaxSourceKB * BytesPerKB,
		MaxStdinBytes:       l.MaxStdinKB * BytesPerKB,
		MaxTestCases:        l.MaxTestCases,
	}
}

func limitsFromSpec(spec config.LimitsSpec) Limits {
	return Limits{
		CPUShare:       spec.CPU,
		MemoryBytes:    spec.MemoryMB * BytesPerMB,
		Timeout:        time.Duration(spec.TimeoutMs) * time.Millisecond,
		MaxProcesses:   spec.MaxProcesses,
		MaxOutputBytes: spec.MaxOutputKB * BytesPerKB,
		NetworkEnabled: spec.Network,
	}
}

// Resolve layers the given overrides on top of the policy defaults, in order,
// and checks the result against the hard maxima. Non-positive override values
// are ignored so a limit can never be unset.
func (p Policy) Resolve(layers ...Overrides) (Limits, error) {
	lim := p.Defaults
	for _, o := range layers {
		if o.CPUShare > 0 {
			lim.CPUShare = o.CPUShare
		}
		if o.MemoryBytes > 0 {
			lim.MemoryBytes = o.MemoryBytes
		}
		if o.Timeout > 0 {
			lim.Timeout = o.Timeout
		}
		if o.MaxProcesses > 0 {
			lim.MaxProcesses = o.MaxProcesses
		}
		if o.MaxOutputBytes > 0 {
			lim.MaxOutputBytes = o.MaxOutputBytes
		}
		if o.Network != nil {
			lim.NetworkEnabled = *o.Network
		}
	}

	if err := p.check(lim); err != nil {
		return Limits{}, err
	}
	return lim, nil
}

func (p Policy) check(lim Limits) error {
	switch {
	case p.Maxima.CPUShare > 0 && lim.CPUShare > p.Maxima.CPUShare:
		return fmt.Errorf("%w: cpu share %.2f exceeds maximum %.2f", ErrInvalidLimits, lim.CPUShare, p.Maxima.CPUShare)
	case p.Maxima.MemoryBytes > 0 && lim.MemoryBytes > p.Maxima.MemoryBytes:
		return fmt.Errorf("%w: memory %s exceeds maximum %s", ErrInvalidLimits,
			units.BytesSize(float64(lim.MemoryBytes)), units.BytesSize(float64(p.Maxima.MemoryBytes)))
	case p.Maxima.Timeout > 0 && lim.Timeout > p.Maxima.Timeout:
		return fmt.Errorf("%w: timeout %s exceeds maximum %s", ErrInvalidLimits, lim.Timeout, p.Maxima.Timeout)
	case p.Maxima.MaxProcesses > 0 && lim.MaxProcesses > p.Maxima.MaxProcesses:
		return fmt.Errorf("%w: process cap %d exceeds maximum %d", ErrInvalidLimits, lim.MaxProcesses, p.Maxima.MaxProcesses)
	case p.Maxima.MaxOutputBytes > 0 && lim.MaxOutputBytes > p.Maxima.MaxOutputBytes:
		return fmt.Errorf("%w: output cap %d bytes exceeds maximum %d", ErrInvalidLimits, lim.MaxOutputBytes, p.Maxima.MaxOutputBytes)
	case lim.NetworkEnabled && !p.AllowNetwork:
		return fmt.Errorf("%w: network access is disabled by policy", ErrInvalidLimits)
	}

	if lim.CPUShare <= 0 || lim.MemoryBytes <= 0 || lim.Timeout <= 0 || lim.MaxProcesses <= 0 || lim.MaxOutputBytes <= 0 {
		return fmt.Errorf("%w: every limit must be positive, got %+v", ErrInvalidLimits, lim)
	}
	return nil
}

// Constraints are the container-level settings a runtime applies when it
// creates a sandbox.
type Constraints struct {
	MemoryBytes     int64
	NanoCPUs        int64
	PidsLimit       int64
	FileSizeBytes   int64
	OpenFiles       int64
	TmpfsBytes      int64
	NetworkDisabled bool
	// CPUSeconds is applied to the run command only, so the compiler is not
	// charged against it.
	CPUSeconds int64
}

// Constraints translates the budget into sandbox constraints.
func (l Limits) Constraints() Constraints {
	cpu := l.CPUShare
	if cpu < 1 {
		cpu = 1
	}
	return Constraints{
		MemoryBytes:     l.MemoryBytes,
		NanoCPUs:        int64(l.CPUShare * 1e9),
		PidsLimit:       l.ProcessCeiling() + PidsHeadroom,
		FileSizeBytes:   DefaultFileSizeBytes,
		OpenFiles:       DefaultOpenFiles,
		TmpfsBytes:      DefaultTmpfsBytes,
		NetworkDisabled: !l.NetworkEnabled,
		CPUSeconds:      int64(math.Ceil(l.Timeout.Seconds()*cpu)) + 1,
	}
}

// Compile returns the constraints for the build stage: the run constraints
// with memory and pids raised to at least the given ceilings.
func (c Constraints) Compile(memoryBytes, maxProcesses int64) Constraints {
	if memoryBytes > c.MemoryBytes {
		c.MemoryBytes = memoryBytes
	}
	if pids := maxProcesses + ReservedProcesses + PidsHeadroom; pids > c.PidsLimit {
		c.PidsLimit = pids
	}
	return c
}

// ProcessCeiling is the highest sampled task count that stays within the
// process cap.
func (l Limits) ProcessCeiling() int64 {
	return l.MaxProcesses + ReservedProcesses
}

// Ulimits returns the rlimits applied container-wide.
func (c Constraints) Ulimits() []*units.Ulimit {
	return []*units.Ulimit{
		{Name: "fsize", Soft: c.FileSizeBytes, Hard: c.FileSizeBytes},
		{Name: "nofile", Soft: c.OpenFiles, Hard: c.OpenFiles},
	}
}
