package execution

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/isdmx/runbox/limits"
)

// Status is the terminal classification of a submission.
type Status string

// Status values
const (
	StatusSuccess          Status = "success"
	StatusCompileError     Status = "compile_error"
	StatusRuntimeError     Status = "runtime_error"
	StatusTimeout          Status = "timeout"
	StatusResourceExceeded Status = "resource_exceeded"
	StatusCancelled        Status = "cancelled"
	StatusInternalError    Status = "internal_error"
)

// Exit statuses of processes killed by a signal are 128 plus the signal.
const signalExitBase = 128

// Result is the outcome of one submission.
type Result struct {
	SubmissionID    string
	Language        string
	Status          Status
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        int
	// Signal is set when the program was terminated by a signal.
	Signal          string
	Violation       limits.Violation
	Duration        time.Duration
	PeakMemoryBytes int64
	CompileOutput   string
	CompileDuration time.Duration
	Error           string
	// TestResults is set for submissions with test cases. The top-level
	// output is then the first case's, the status and error those of the
	// first case that did not succeed, and Duration the sum of all runs.
	TestResults []TestResult
	PassedTests int
}

// TestResult is the outcome of one test case.
type TestResult struct {
	Passed          bool
	Status          Status
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	ExitCode        int
	Violation       limits.Violation
	Duration        time.Duration
	PeakMemoryBytes int64
	Error           string
	// Skipped is set when an earlier case ended the sandbox.
	Skipped bool
}

func newTestResult(run Result, expected string) TestResult {
	return TestResult{
		Passed:          run.Status == StatusSuccess && strings.TrimSpace(run.Stdout) == strings.TrimSpace(expected),
		Status:          run.Status,
		Stdout:          run.Stdout,
		Stderr:          run.Stderr,
		StdoutTruncated: run.StdoutTruncated,
		ExitCode:        run.ExitCode,
		Violation:       run.Violation,
		Duration:        run.Duration,
		PeakMemoryBytes: run.PeakMemoryBytes,
		Error:           run.Error,
	}
}

// survivable reports whether the sandbox can take another run after a run
// ended with s.
func (s Status) survivable() bool {
	return s == StatusSuccess || s == StatusRuntimeError
}

// Outcome is what the pipeline observed about a finished run stage.
type Outcome struct {
	ExitCode    int
	Err         error
	Violation   limits.Violation
	OOMKilled   bool
	Cancelled   bool
	PeakMemory  int64
	MemoryLimit int64
	Duration    time.Duration
	Stdout      *limits.CappedBuffer
	Stderr      *limits.CappedBuffer
}

// Collect classifies a run stage. Partial output is always kept.
func Collect(o Outcome) Result {
	r := Result{
		ExitCode:        o.ExitCode,
		Duration:        o.Duration,
		PeakMemoryBytes: o.PeakMemory,
	}
	if o.Stdout != nil {
		r.Stdout = o.Stdout.String()
		r.StdoutTruncated = o.Stdout.Truncated()
	}
	if o.Stderr != nil {
		r.Stderr = o.Stderr.String()
		r.StderrTruncated = o.Stderr.Truncated()
	}

	switch {
	case o.Cancelled:
		r.Status = StatusCancelled
		r.Error = ErrCancelled.Error()
	case o.Violation == limits.ViolationTimeout:
		r.Status = StatusTimeout
		r.Violation = o.Violation
		r.Error = "wall-clock time limit exceeded"
	case o.Violation != limits.ViolationNone:
		r.Status = StatusResourceExceeded
		r.Violation = o.Violation
		r.Error = fmt.Sprintf("%s limit exceeded", o.Violation)
	case o.Err != nil:
		r.Status = StatusInternalError
		r.Error = o.Err.Error()
	case o.ExitCode == 0:
		r.Status = StatusSuccess
	case o.ExitCode == signalExitBase+int(syscall.SIGKILL) && oomKilled(o):
		r.Status = StatusResourceExceeded
		r.Violation = limits.ViolationMemory
		r.Signal = signalName(o.ExitCode)
		r.Error = "memory limit exceeded"
	case o.ExitCode == signalExitBase+int(syscall.SIGXCPU):
		r.Status = StatusResourceExceeded
		r.Violation = limits.ViolationCPU
		r.Signal = signalName(o.ExitCode)
		r.Error = "cpu time limit exceeded"
	case o.ExitCode > signalExitBase:
		r.Status = StatusRuntimeError
		r.Signal = signalName(o.ExitCode)
		r.Error = "terminated by " + r.Signal
	default:
		r.Status = StatusRuntimeError
		r.Error = fmt.Sprintf("exited with code %d", o.ExitCode)
	}
	return r
}

// oomKilled trusts the runtime's OOM flag, or a sampled peak within 10% of
// the ceiling when the kernel killed a child rather than the container.
func oomKilled(o Outcome) bool {
	if o.OOMKilled {
		return true
	}
	return o.MemoryLimit > 0 && o.PeakMemory >= o.MemoryLimit-o.MemoryLimit/10
}

func signalName(exitCode int) string {
	sig := syscall.Signal(exitCode - signalExitBase)
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}
