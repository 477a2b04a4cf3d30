package sandboxtest

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/isdmx/runbox/limits"
)

// Echo copies stdin to stdout.
func Echo() Program {
	return func(_ context.Context, p *Process) int {
		if _, err := io.Copy(p.Stdout, p.Stdin); err != nil {
			return 1
		}
		return 0
	}
}

// Exit writes the given output and exits with code.
func Exit(code int, stdout, stderr string) Program {
	return func(_ context.Context, p *Process) int {
		_, _ = io.WriteString(p.Stdout, stdout)
		_, _ = io.WriteString(p.Stderr, stderr)
		return code
	}
}

// Hang blocks until the container is killed or the exec is abandoned.
func Hang() Program {
	return func(ctx context.Context, p *Process) int {
		select {
		case <-p.Killed:
		case <-ctx.Done():
		}
		return ExitKilled
	}
}

// Allocate reports memoryBytes of usage and then hangs.
func Allocate(memoryBytes int64) Program {
	return func(ctx context.Context, p *Process) int {
		p.Container.SetUsage(limits.Usage{MemoryBytes: memoryBytes, Processes: 4})
		return Hang()(ctx, p)
	}
}

// Fork reports processes running and then hangs.
func Fork(processes int64) Program {
	return func(ctx context.Context, p *Process) int {
		p.Container.SetUsage(limits.Usage{MemoryBytes: 1 << 20, Processes: processes})
		return Hang()(ctx, p)
	}
}

// Spawn reports processes running for d and then exits cleanly.
func Spawn(processes int64, d time.Duration) Program {
	return func(ctx context.Context, p *Process) int {
		p.Container.SetUsage(limits.Usage{MemoryBytes: 1 << 20, Processes: processes})
		select {
		case <-time.After(d):
			return 0
		case <-p.Killed:
		case <-ctx.Done():
		}
		return ExitKilled
	}
}

// OOM simulates the kernel OOM killer ending the program.
func OOM() Program {
	return func(_ context.Context, p *Process) int {
		p.Container.SetOOMKilled()
		return ExitKilled
	}
}

// Flood writes chunk to stdout until the container is killed.
func Flood(chunk string) Program {
	return func(ctx context.Context, p *Process) int {
		for {
			select {
			case <-p.Killed:
				return ExitKilled
			case <-ctx.Done():
				return ExitKilled
			default:
			}
			_, _ = io.WriteString(p.Stdout, chunk)
		}
	}
}

// ListFiles prints every path in the container filesystem, one per line.
func ListFiles() Program {
	return func(_ context.Context, p *Process) int {
		_, _ = io.WriteString(p.Stdout, strings.Join(p.Container.FileNames(), "\n"))
		return 0
	}
}

// Touch leaves a file behind in the container.
func Touch(name string) Program {
	return func(_ context.Context, p *Process) int {
		p.Container.WriteFile(name, []byte("residue"))
		return 0
	}
}
