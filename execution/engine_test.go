package execution

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/limits"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/sandbox/sandboxtest"
)

const testWorkDir = "/workspace"

func testProfiles() []language.Profile {
	return []language.Profile{
		{ID: "interp", Image: "img/interp:1", SourceFile: "main.src", Run: "run-it {source}", Blocked: []string{`forbidden\s*\(`}},
		{ID: "compiled", Image: "img/compiled:1", SourceFile: "main.c", Build: "build-it {source}", Clean: "clean-it", Run: "run-it {binary}"},
	}
}

func testPolicy() limits.Policy {
	return limits.Policy{
		Defaults: limits.Limits{
			CPUShare:       1,
			MemoryBytes:    64 * limits.BytesPerMB,
			Timeout:        2 * time.Second,
			MaxProcesses:   8,
			MaxOutputBytes: limits.BytesPerKB,
		},
		Maxima: limits.Limits{
			CPUShare:       2,
			MemoryBytes:    256 * limits.BytesPerMB,
			Timeout:        10 * time.Second,
			MaxProcesses:   64,
			MaxOutputBytes: 64 * limits.BytesPerKB,
		},
		CompileTimeout:      300 * time.Millisecond,
		CompileOutputBytes:  limits.BytesPerKB,
		CompileMemoryBytes:  128 * limits.BytesPerMB,
		CompileMaxProcesses: 32,
		MaxSourceBytes:      limits.BytesPerKB,
		MaxStdinBytes:       limits.BytesPerKB,
		MaxTestCases:        3,
	}
}

func newTestEngine(t *testing.T, rt *sandboxtest.Runtime, opts Options) *Engine {
	t.Helper()

	reg, err := language.NewRegistry(testProfiles()...)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())
	policy := testPolicy()
	pool := sandbox.NewPool(rt, log, sandbox.PoolOptions{WorkDir: testWorkDir, User: "65534:65534", Metrics: m})
	pipeline := NewPipeline(pool, PipelineConfig{
		WorkDir:             testWorkDir,
		User:                "65534:65534",
		CompileTimeout:      policy.CompileTimeout,
		CompileOutputBytes:  policy.CompileOutputBytes,
		CompileMemoryBytes:  policy.CompileMemoryBytes,
		CompileMaxProcesses: policy.CompileMaxProcesses,
		SampleInterval:      5 * time.Millisecond,
		KillGrace:           200 * time.Millisecond,
	}, log, m)

	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxQueue == 0 {
		opts.MaxQueue = 8
	}
	e := NewEngine(reg, policy, pool, pipeline, log, m, opts)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

// byStdin dispatches on the submission's stdin: "hang" blocks until killed,
// anything else is echoed back.
func byStdin() sandboxtest.Program {
	return func(ctx context.Context, p *sandboxtest.Process) int {
		data, _ := io.ReadAll(p.Stdin)
		if string(data) == "hang" {
			return sandboxtest.Hang()(ctx, p)
		}
		_, _ = p.Stdout.Write(data)
		return 0
	}
}

func ranCommand(rt *sandboxtest.Runtime, match string) bool {
	for _, line := range rt.Execs() {
		if strings.Contains(line, match) {
			return true
		}
	}
	return false
}

type submitted struct {
	res Result
	err error
}

func submitAsync(e *Engine, sub Submission) <-chan submitted {
	ch := make(chan submitted, 1)
	go func() {
		res, err := e.Submit(context.Background(), sub)
		ch <- submitted{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan submitted) submitted {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("submission did not finish")
		return submitted{}
	}
}

func TestEngineEcho(t *testing.T) {
	rt := sandboxtest.New()
	rt.Handle("run-it", sandboxtest.Echo())
	e := newTestEngine(t, rt, Options{})

	inputs := []string{"", "hello", "line one\nline two\n", "unicode: héllo ✓", strings.Repeat("z", 512)}
	for _, in := range inputs {
		res, err := e.Submit(context.Background(), Submission{Language: "interp", Source: "cat", Stdin: in})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, in, res.Stdout)
		assert.Empty(t, res.Stderr)
		assert.False(t, res.StdoutTruncated)
		assert.NotEmpty(t, res.SubmissionID)
		assert.Equal(t, "interp", res.Language)
	}
	assert.Equal(t, 0, rt.Live(), "every sandbox is destroyed after use")
}

func TestEngineMaterializesSource(t *testing.T) {
	rt := sandboxtest.New()
	var source atomic.Value
	rt.Handle("run-it", func(_ context.Context, p *sandboxtest.Process) int {
		data, _ := p.Container.File(testWorkDir + "/main.src")
		source.Store(string(data))
		return 0
	})
	e := newTestEngine(t, rt, Options{})

	res, err := e.Submit(context.Background(), Submission{Language: "interp", Source: "print('hi')"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "print('hi')", source.Load())

	execs := rt.Execs()
	require.Len(t, execs, 1)
	assert.Equal(t, "sh -c ulimit -t 3; run-it /workspace/main.src", execs[0])
}

func TestEngineIsolation(t *testing.T) {
	rt := sandboxtest.New()
	rt.Handle("run-it", func(ctx context.Context, p *sandboxtest.Process) int {
		data, _ := io.ReadAll(p.Stdin)
		if string(data) == "dirty" {
			return sandboxtest.Touch(testWorkDir + "/residue")(ctx, p)
		}
		return sandboxtest.ListFiles()(ctx, p)
	})
	e := newTestEngine(t, rt, Options{})

	first, err := e.Submit(context.Background(), Submission{Language: "interp", Source: "a", Stdin: "dirty"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, first.Status)

	second, err := e.Submit(context.Background(), Submission{Language: "interp", Source: "b"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, second.Status)
	assert.Equal(t, testWorkDir+"/main.src", second.Stdout)

	created := rt.Created()
	require.Len(t, created, 2)
	assert.NotEqual(t, created[0].Handle, created[1].Handle)
	assert.True(t, created[0].Removed())
	assert.True(t, created[1].Removed())
}

func TestEngineAppliesConstraints(t *testing.T) {
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, Options{})

	res, err := e.Submit(context.Background(), Submission{
		Language:  "interp",
		Overrides: &limits.Overrides{MemoryBytes: 32 * limits.BytesPerMB, MaxProcesses: 4},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	created := rt.Created()
	require.Len(t, created, 1)
	spec := created[0].Spec
	assert.Equal(t, "img/interp:1", spec.Image)
	assert.Equal(t, int64(32*limits.BytesPerMB), spec.Constraints.MemoryBytes)
	assert.Equal(t, int64(4+limits.ReservedProcesses+limits.PidsHeadroom), spec.Constraints.PidsLimit)
	assert.True(t, spec.Constraints.NetworkDisabled)
}

func TestEngineTimeout(t *testing.T) {
	rt := sandboxtest.New()
	rt.Handle("run-it", sandboxtest.Hang())
	e := newTestEngine(t, rt, Options{})

	started := time.Now()
	res, err := e.Submit(context.Background(), Submission{
		Language:  "interp",
		Overrides: &limits.Overrides{Timeout: 100 * time.Millisecond},
	})
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, limits.ViolationTimeout, res.Violation)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, rt.Kills(), 1)
	assert.Equal(t, 0, rt.Live())
}

func TestEngineResourceLimits(t *testing.T) {
	tests := []struct {
		name      string
		prog      sandboxtest.Program
		violation limits.Violation
	}{
		{"MemorySampled", sandboxtest.Allocate(65 * limits.BytesPerMB), limits.ViolationMemory},
		{"KernelOOMKill", sandboxtest.OOM(), limits.ViolationMemory},
		{"Processes", sandboxtest.Fork(8 + limits.ReservedProcesses + 1), limits.ViolationProcesses},
		{"Output", sandboxtest.Flood("0123456789abcdef"), limits.ViolationOutput},
		{"CPUTime", sandboxtest.Exit(152, "partial", ""), limits.ViolationCPU},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			rt.Handle("run-it", tt.prog)
			e := newTestEngine(t, rt, Options{})

			res, err := e.Submit(context.Background(), Submission{Language: "interp"})
			require.NoError(t, err)
			assert.Equal(t, StatusResourceExceeded, res.Status)
			assert.Equal(t, tt.violation, res.Violation)
		})
	}
}

func TestEngineProcessCapBoundary(t *testing.T) {
	rt := sandboxtest.New()
	rt.Handle("run-it", sandboxtest.Spawn(8+limits.ReservedProcesses, 50*time.Millisecond))
	e := newTestEngine(t, rt, Options{})

	res, err := e.Submit(context.Background(), Submission{Language: "interp"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, limits.ViolationNone, res.Violation)
}

func TestEngineOutputTruncation(t *testing.T) {
	rt := sandboxtest.New()
	rt.Handle("run-it", sandboxtest.Flood("x"))
	e := newTestEngine(t, rt, Options{})

	res, err := e.Submit(context.Background(), Submission{
		Language:  "interp",
		Overrides: &limits.Overrides{MaxOutputBytes: 64},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusResourceExceeded, res.Status)
	assert.True(t, res.StdoutTruncated)
	assert.Equal(t, strings.Repeat("x", 64)+limits.TruncationMarker, res.Stdout)
}

func TestEngineRuntimeErrors(t *testing.T) {
	tests := []struct {
		name   string
		prog   sandboxtest.Program
		exit   int
		signal string
	}{
		{"NonZeroExit", sandboxtest.Exit(3, "partial", "boom"), 3, ""},
		{"Segfault", sandboxtest.Exit(139, "", ""), 139, "SIGSEGV"},
		{"KilledWithoutOOM", sandboxtest.Exit(137, "", ""), 137, "SIGKILL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			rt.Handle("run-it", tt.prog)
			e := newTestEngine(t, rt, Options{})

			res, err := e.Submit(context.Background(), Submission{Language: "interp"})
			require.NoError(t, err)
			assert.Equal(t, StatusRuntimeError, res.Status)
			assert.Equal(t, tt.exit, res.ExitCode)
			assert.Equal(t, tt.signal, res.Signal)
		})
	}

	t.Run("PartialOutputKept", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", sandboxtest.Exit(1, "partial", "boom"))
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{Language: "interp"})
		require.NoError(t, err)
		assert.Equal(t, "partial", res.Stdout)
		assert.Equal(t, "boom", res.Stderr)
	})
}

func TestEngineCompile(t *testing.T) {
	t.Run("CompileErrorNeverRuns", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("build-it", sandboxtest.Exit(1, "", "main.c:1: syntax error"))
		rt.Handle("run-it", func(context.Context, *sandboxtest.Process) int {
			t.Error("run stage must not be entered")
			return 0
		})
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{Language: "compiled", Source: "int main("})
		require.NoError(t, err)
		assert.Equal(t, StatusCompileError, res.Status)
		assert.Contains(t, res.CompileOutput, "syntax error")
		assert.False(t, ranCommand(rt, "run-it"))
		assert.Equal(t, 0, rt.Live())
	})

	t.Run("CompileTimeout", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("build-it", sandboxtest.Hang())
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{Language: "compiled"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompileError, res.Status)
		assert.Contains(t, res.Error, "timed out")
		assert.False(t, ranCommand(rt, "run-it"))
	})

	t.Run("CompileThenRun", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("build-it", sandboxtest.Exit(0, "", "warning: unused variable"))
		rt.Handle("run-it", sandboxtest.Exit(0, "42\n", ""))
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{Language: "compiled"})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, "42\n", res.Stdout)
		assert.Equal(t, "warning: unused variable", res.CompileOutput)

		execs := rt.Execs()
		require.Len(t, execs, 3)
		assert.Equal(t, "sh -c build-it /workspace/main.c", execs[0])
		assert.Equal(t, "sh -c clean-it", execs[1])
		assert.Equal(t, "sh -c ulimit -t 3; run-it /workspace/solution", execs[2])
	})

	t.Run("CompileRunsUnderItsOwnCeilings", func(t *testing.T) {
		var buildCons, cleanCons, runCons limits.Constraints
		record := func(into *limits.Constraints) sandboxtest.Program {
			return func(_ context.Context, p *sandboxtest.Process) int {
				*into = p.Container.Constraints()
				return 0
			}
		}
		rt := sandboxtest.New()
		rt.Handle("build-it", record(&buildCons))
		rt.Handle("clean-it", record(&cleanCons))
		rt.Handle("run-it", record(&runCons))
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{Language: "compiled"})
		require.NoError(t, err)
		require.Equal(t, StatusSuccess, res.Status)

		assert.Equal(t, int64(128*limits.BytesPerMB), buildCons.MemoryBytes)
		assert.Equal(t, int64(32+limits.ReservedProcesses+limits.PidsHeadroom), buildCons.PidsLimit)
		assert.Equal(t, buildCons, cleanCons, "caches are dropped before the ceilings come down")
		assert.Equal(t, int64(64*limits.BytesPerMB), runCons.MemoryBytes)
		assert.Equal(t, int64(8+limits.ReservedProcesses+limits.PidsHeadroom), runCons.PidsLimit)
		assert.Equal(t, 2, rt.Updates())
	})

	t.Run("CompileErrorSkipsCleanup", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("build-it", sandboxtest.Exit(2, "", "error"))
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{Language: "compiled"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompileError, res.Status)
		assert.False(t, ranCommand(rt, "clean-it"))
	})

	t.Run("CeilingUpdateFailure", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.SetUpdateError(errors.New("cgroup update rejected"))
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{Language: "compiled"})
		require.ErrorIs(t, err, ErrInternal)
		assert.Equal(t, StatusInternalError, res.Status)
		assert.Contains(t, res.Error, "cgroup update rejected")
		assert.False(t, ranCommand(rt, "build-it"))
	})

	t.Run("InterpretedLanguageKeepsCreationCeilings", func(t *testing.T) {
		rt := sandboxtest.New()
		e := newTestEngine(t, rt, Options{})

		_, err := e.Submit(context.Background(), Submission{Language: "interp"})
		require.NoError(t, err)
		assert.Zero(t, rt.Updates())
	})
}

// upper prints stdin upper-cased, fails on "crash" and blocks on "hang".
func upper() sandboxtest.Program {
	return func(ctx context.Context, p *sandboxtest.Process) int {
		data, _ := io.ReadAll(p.Stdin)
		switch string(data) {
		case "hang":
			return sandboxtest.Hang()(ctx, p)
		case "crash":
			_, _ = io.WriteString(p.Stderr, "panic: crash")
			return 2
		}
		_, _ = io.WriteString(p.Stdout, strings.ToUpper(string(data))+"\n")
		return 0
	}
}

func countCommand(rt *sandboxtest.Runtime, match string) int {
	n := 0
	for _, line := range rt.Execs() {
		if strings.Contains(line, match) {
			n++
		}
	}
	return n
}

func TestEngineTestCases(t *testing.T) {
	t.Run("AllPass", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", upper())
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{
			Language:  "interp",
			TestCases: []TestCase{{Stdin: "abc", ExpectedOutput: "ABC"}, {Stdin: "x y", ExpectedOutput: "  X Y \n"}},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 2, res.PassedTests)
		require.Len(t, res.TestResults, 2)
		assert.True(t, res.TestResults[0].Passed)
		assert.True(t, res.TestResults[1].Passed)
		assert.Equal(t, "ABC\n", res.Stdout, "top-level output is the first case's")
		assert.Equal(t, "X Y\n", res.TestResults[1].Stdout)
		assert.Equal(t, 2, countCommand(rt, "run-it"))
		assert.Len(t, rt.Created(), 1, "every case runs in the same sandbox")
	})

	t.Run("WrongAnswer", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", upper())
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{
			Language:  "interp",
			TestCases: []TestCase{{Stdin: "abc", ExpectedOutput: "ABC"}, {Stdin: "abc", ExpectedOutput: "abc"}},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status, "a wrong answer is not an execution failure")
		assert.Equal(t, 1, res.PassedTests)
		assert.False(t, res.TestResults[1].Passed)
		assert.Equal(t, StatusSuccess, res.TestResults[1].Status)
	})

	t.Run("RuntimeErrorKeepsJudging", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", upper())
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{
			Language:  "interp",
			TestCases: []TestCase{{Stdin: "crash"}, {Stdin: "ok", ExpectedOutput: "OK"}},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusRuntimeError, res.Status)
		assert.Equal(t, 2, res.ExitCode)
		assert.Contains(t, res.Error, "test case 0")
		assert.Equal(t, "panic: crash", res.TestResults[0].Stderr)
		assert.False(t, res.TestResults[0].Passed)
		assert.True(t, res.TestResults[1].Passed)
		assert.Equal(t, 1, res.PassedTests)
	})

	t.Run("TimeoutSkipsRemainingCases", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", upper())
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{
			Language:  "interp",
			Overrides: &limits.Overrides{Timeout: 100 * time.Millisecond},
			TestCases: []TestCase{{Stdin: "a", ExpectedOutput: "A"}, {Stdin: "hang"}, {Stdin: "b", ExpectedOutput: "B"}},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusTimeout, res.Status)
		assert.Equal(t, limits.ViolationTimeout, res.Violation)
		require.Len(t, res.TestResults, 3)
		assert.True(t, res.TestResults[0].Passed)
		assert.Equal(t, StatusTimeout, res.TestResults[1].Status)
		assert.True(t, res.TestResults[2].Skipped)
		assert.False(t, res.TestResults[2].Passed)
		assert.Equal(t, 1, res.PassedTests)
		assert.Equal(t, 2, countCommand(rt, "run-it"))
		assert.Equal(t, 0, rt.Live())
	})

	t.Run("CompiledOnce", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", upper())
		e := newTestEngine(t, rt, Options{})

		res, err := e.Submit(context.Background(), Submission{
			Language:  "compiled",
			TestCases: []TestCase{{Stdin: "a", ExpectedOutput: "A"}, {Stdin: "b", ExpectedOutput: "B"}, {Stdin: "c", ExpectedOutput: "C"}},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 3, res.PassedTests)
		assert.Equal(t, 1, countCommand(rt, "build-it"))
		assert.Equal(t, 3, countCommand(rt, "run-it"))
	})
}

func TestEngineRejectsInvalidSubmissions(t *testing.T) {
	tests := []struct {
		name string
		sub  Submission
		err  error
	}{
		{"UnknownLanguage", Submission{Language: "cobol"}, language.ErrUnknownLanguage},
		{"MissingLanguage", Submission{}, ErrInvalidSubmission},
		{"SourceTooLarge", Submission{Language: "interp", Source: strings.Repeat("a", limits.BytesPerKB+1)}, ErrInvalidSubmission},
		{"StdinTooLarge", Submission{Language: "interp", Stdin: strings.Repeat("a", limits.BytesPerKB+1)}, ErrInvalidSubmission},
		{"BlockedSource", Submission{Language: "interp", Source: "x = Forbidden ()"}, language.ErrBlockedSource},
		{"StdinWithTestCases", Submission{Language: "interp", Stdin: "a", TestCases: []TestCase{{Stdin: "b"}}}, ErrInvalidSubmission},
		{"TooManyTestCases", Submission{Language: "interp", TestCases: make([]TestCase, 4)}, ErrInvalidSubmission},
		{"TestCaseStdinTooLarge", Submission{Language: "interp", TestCases: []TestCase{{Stdin: strings.Repeat("a", limits.BytesPerKB+1)}}}, ErrInvalidSubmission},
		{"ExpectedOutputTooLarge", Submission{Language: "interp", TestCases: []TestCase{{ExpectedOutput: strings.Repeat("a", limits.BytesPerKB+1)}}}, ErrInvalidSubmission},
		{"ExpectedOutputNotUTF8", Submission{Language: "interp", TestCases: []TestCase{{ExpectedOutput: "\xff\xfe"}}}, ErrInvalidSubmission},
		{"MemoryAboveMaximum", Submission{Language: "interp", Overrides: &limits.Overrides{MemoryBytes: limits.BytesPerKB * limits.BytesPerMB}}, limits.ErrInvalidLimits},
	}

	rt := sandboxtest.New()
	e := newTestEngine(t, rt, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Submit(context.Background(), tt.sub)
			require.ErrorIs(t, err, tt.err)
		})
	}
	assert.Empty(t, rt.Created(), "rejected submissions never provision a sandbox")
}

func TestEngineAdmission(t *testing.T) {
	t.Run("RejectMode", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", byStdin())
		e := newTestEngine(t, rt, Options{MaxConcurrent: 1, Admission: config.AdmissionReject})

		running := submitAsync(e, Submission{ID: "first", Language: "interp", Stdin: "hang"})
		require.Eventually(t, func() bool { return ranCommand(rt, "run-it") }, 2*time.Second, 5*time.Millisecond)

		_, err := e.Submit(context.Background(), Submission{Language: "interp", Stdin: "x"})
		require.ErrorIs(t, err, ErrBusy)

		require.NoError(t, e.Cancel("first"))
		assert.Equal(t, StatusCancelled, await(t, running).res.Status)

		res, err := e.Submit(context.Background(), Submission{Language: "interp", Stdin: "x"})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
	})

	t.Run("QueueMode", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", byStdin())
		e := newTestEngine(t, rt, Options{MaxConcurrent: 1, Admission: config.AdmissionQueue, MaxQueue: 1})

		running := submitAsync(e, Submission{ID: "first", Language: "interp", Stdin: "hang"})
		require.Eventually(t, func() bool { return ranCommand(rt, "run-it") }, 2*time.Second, 5*time.Millisecond)

		queued := submitAsync(e, Submission{ID: "second", Language: "interp", Stdin: "queued"})
		require.Eventually(t, func() bool { return e.Stats().Queued == 1 }, 2*time.Second, 5*time.Millisecond)

		_, err := e.Submit(context.Background(), Submission{Language: "interp", Stdin: "x"})
		require.ErrorIs(t, err, ErrBusy, "queue is full")

		require.NoError(t, e.Cancel("first"))
		assert.Equal(t, StatusCancelled, await(t, running).res.Status)

		got := await(t, queued)
		require.NoError(t, got.err)
		assert.Equal(t, StatusSuccess, got.res.Status)
		assert.Equal(t, "queued", got.res.Stdout)
	})

	t.Run("CeilingHolds", func(t *testing.T) {
		rt := sandboxtest.New()
		var cur, peak atomic.Int32
		rt.Handle("run-it", func(context.Context, *sandboxtest.Process) int {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			cur.Add(-1)
			return 0
		})
		e := newTestEngine(t, rt, Options{MaxConcurrent: 2, MaxQueue: 32})

		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := e.Submit(context.Background(), Submission{Language: "interp"})
				assert.NoError(t, err)
				assert.Equal(t, StatusSuccess, res.Status)
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})
}

func TestEngineCancel(t *testing.T) {
	t.Run("WhileRunning", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", sandboxtest.Hang())
		e := newTestEngine(t, rt, Options{})

		ch := submitAsync(e, Submission{ID: "c1", Language: "interp"})
		require.Eventually(t, func() bool { return ranCommand(rt, "run-it") }, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, e.Cancel("c1"))
		got := await(t, ch)
		require.NoError(t, got.err)
		assert.Equal(t, StatusCancelled, got.res.Status)
		assert.Equal(t, 0, rt.Live())

		require.ErrorIs(t, e.Cancel("c1"), ErrUnknownSubmission)
	})

	t.Run("WhileQueued", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", byStdin())
		e := newTestEngine(t, rt, Options{MaxConcurrent: 1})

		running := submitAsync(e, Submission{ID: "first", Language: "interp", Stdin: "hang"})
		require.Eventually(t, func() bool { return ranCommand(rt, "run-it") }, 2*time.Second, 5*time.Millisecond)

		queued := submitAsync(e, Submission{ID: "waiting", Language: "interp", Stdin: "x"})
		require.Eventually(t, func() bool { return e.Stats().Queued == 1 }, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, e.Cancel("waiting"))
		got := await(t, queued)
		require.NoError(t, got.err)
		assert.Equal(t, StatusCancelled, got.res.Status)
		assert.Len(t, rt.Created(), 1, "a cancelled waiter never gets a sandbox")

		require.NoError(t, e.Cancel("first"))
		await(t, running)
	})

	t.Run("UnknownSubmission", func(t *testing.T) {
		e := newTestEngine(t, sandboxtest.New(), Options{})
		require.ErrorIs(t, e.Cancel("nope"), ErrUnknownSubmission)
	})

	t.Run("RacesWithCompletion", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", sandboxtest.Exit(0, "done", ""))
		e := newTestEngine(t, rt, Options{})

		for i := 0; i < 20; i++ {
			ch := submitAsync(e, Submission{ID: "race", Language: "interp"})
			err := e.Cancel("race")
			if err != nil {
				require.ErrorIs(t, err, ErrUnknownSubmission)
			}
			got := await(t, ch)
			require.NoError(t, got.err)
			assert.Contains(t, []Status{StatusSuccess, StatusCancelled}, got.res.Status)
		}
		assert.Equal(t, 0, rt.Live())
	})

	t.Run("CallerContext", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.Handle("run-it", sandboxtest.Hang())
		e := newTestEngine(t, rt, Options{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		res, err := e.Submit(ctx, Submission{Language: "interp"})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, res.Status)
	})
}

func TestEngineDuplicateSubmission(t *testing.T) {
	rt := sandboxtest.New()
	rt.Handle("run-it", sandboxtest.Hang())
	e := newTestEngine(t, rt, Options{})

	ch := submitAsync(e, Submission{ID: "dup", Language: "interp"})
	require.Eventually(t, func() bool { return ranCommand(rt, "run-it") }, 2*time.Second, 5*time.Millisecond)

	_, err := e.Submit(context.Background(), Submission{ID: "dup", Language: "interp"})
	require.ErrorIs(t, err, ErrDuplicateSubmission)

	require.NoError(t, e.Cancel("dup"))
	await(t, ch)
}

func TestEngineProvisioning(t *testing.T) {
	t.Run("RetriesTransientFailures", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.FailCreates(2, errors.New("daemon hiccup"))
		rt.Handle("run-it", sandboxtest.Exit(0, "ok", ""))
		e := newTestEngine(t, rt, Options{ProvisionAttempts: 3, ProvisionBackoff: time.Millisecond})

		res, err := e.Submit(context.Background(), Submission{Language: "interp"})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Len(t, rt.Created(), 1)
	})

	t.Run("AttemptsExhausted", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.FailCreates(5, errors.New("no space left on device"))
		e := newTestEngine(t, rt, Options{ProvisionAttempts: 2, ProvisionBackoff: time.Millisecond})

		res, err := e.Submit(context.Background(), Submission{Language: "interp"})
		require.ErrorIs(t, err, sandbox.ErrProvision)
		assert.Equal(t, StatusInternalError, res.Status)
		assert.Contains(t, res.Error, "no space left on device")
		assert.NoError(t, e.Health(context.Background()), "provisioning failures do not degrade the engine")
	})
}

func TestEngineInternalError(t *testing.T) {
	rt := sandboxtest.New()
	rt.SetExecError(errors.New("exec attach failed"))

	var degraded atomic.Int32
	e := newTestEngine(t, rt, Options{OnDegraded: func(error) { degraded.Add(1) }})

	res, err := e.Submit(context.Background(), Submission{Language: "interp"})
	require.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, StatusInternalError, res.Status)
	assert.Equal(t, int32(1), degraded.Load())
	require.ErrorIs(t, e.Health(context.Background()), ErrDegraded)
	assert.True(t, e.Stats().Degraded)

	rt.SetExecError(nil)
	res, err = e.Submit(context.Background(), Submission{Language: "interp"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.NoError(t, e.Health(context.Background()))
}

func TestEngineHealth(t *testing.T) {
	rt := sandboxtest.New()
	e := newTestEngine(t, rt, Options{})
	require.NoError(t, e.Health(context.Background()))

	rt.SetPingError(errors.New("connection refused"))
	err := e.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")

	stats := e.Stats()
	assert.Equal(t, "fake", stats.Runtime)
	assert.Zero(t, stats.Active)
}

func TestEngineWarmPool(t *testing.T) {
	rt := sandboxtest.New()
	rt.Handle("run-it", sandboxtest.Exit(0, "warm", ""))
	e := newTestEngine(t, rt, Options{WarmPerLanguage: 1})

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool {
		return e.Stats().Instances[sandbox.StateIdle.String()] == len(testProfiles())
	}, 2*time.Second, 5*time.Millisecond)
	warm := len(rt.Created())

	res, err := e.Submit(context.Background(), Submission{Language: "interp"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	require.Eventually(t, func() bool {
		return e.Stats().Instances[sandbox.StateIdle.String()] == len(testProfiles())
	}, 2*time.Second, 5*time.Millisecond, "warm target is replenished")
	assert.Equal(t, warm+1, len(rt.Created()), "the warm sandbox was used instead of a fresh one")

	res, err = e.Submit(context.Background(), Submission{
		Language:  "interp",
		Overrides: &limits.Overrides{MemoryBytes: 32 * limits.BytesPerMB},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestEngineClose(t *testing.T) {
	rt := sandboxtest.New()
	rt.Handle("run-it", sandboxtest.Hang())
	e := newTestEngine(t, rt, Options{})

	ch := submitAsync(e, Submission{ID: "inflight", Language: "interp"})
	require.Eventually(t, func() bool { return ranCommand(rt, "run-it") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Close(context.Background()))
	got := await(t, ch)
	assert.Equal(t, StatusCancelled, got.res.Status)
	assert.Equal(t, 0, rt.Live())

	_, err := e.Submit(context.Background(), Submission{Language: "interp"})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, e.Health(context.Background()), ErrClosed)
}
