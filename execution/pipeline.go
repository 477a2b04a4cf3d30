package execution

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/limits"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

// PipelineConfig holds the settings shared by every submission.
type PipelineConfig struct {
	WorkDir            string
	User               string
	CompileTimeout      time.Duration
	CompileOutputBytes  int64
	CompileMemoryBytes  int64
	CompileMaxProcesses int64
	SampleInterval      time.Duration
	// KillGrace bounds how long a killed stage may take to return.
	KillGrace time.Duration
}

// NewPipelineConfig derives the pipeline settings from the configuration.
func NewPipelineConfig(cfg *config.Config, policy limits.Policy) PipelineConfig {
	return PipelineConfig{
		WorkDir:             cfg.Sandbox.WorkDir,
		User:                cfg.Sandbox.User,
		CompileTimeout:      policy.CompileTimeout,
		CompileOutputBytes:  policy.CompileOutputBytes,
		CompileMemoryBytes:  policy.CompileMemoryBytes,
		CompileMaxProcesses: policy.CompileMaxProcesses,
		SampleInterval:      time.Duration(cfg.Sandbox.SampleIntervalMs) * time.Millisecond,
		KillGrace:           cfg.GetKillGrace(),
	}
}

// Pipeline drives one submission through materialize, compile and run inside
// a borrowed sandbox.
type Pipeline struct {
	pool    *sandbox.Pool
	rt      sandbox.Runtime
	cfg     PipelineConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a pipeline running in sandboxes borrowed from pool.
func NewPipeline(pool *sandbox.Pool, cfg PipelineConfig, log *zap.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &Pipeline{pool: pool, rt: pool.Runtime(), cfg: cfg, logger: log, metrics: m}
}

// Execute runs sub in inst. It always returns a result with a terminal status.
func (p *Pipeline) Execute(ctx context.Context, inst *sandbox.Instance, prof language.Profile, lim limits.Limits, sub Submission) Result {
	log := logger.ForSubmission(p.logger, sub.ID, prof.ID).With(zap.String(logger.KeyInstance, inst.ID))
	handle := inst.Handle()
	res := Result{SubmissionID: sub.ID, Language: prof.ID}

	err := p.rt.CopyFiles(ctx, handle, p.cfg.WorkDir, p.cfg.User, []sandbox.File{
		{Name: prof.SourceFile, Content: []byte(sub.Source)},
	})
	if err != nil {
		return failed(ctx, res, "failed to materialize source", err)
	}
	inst.Touch()

	if prof.Compiled() {
		var ok bool
		if res, ok = p.build(ctx, inst, prof, lim, res, log); !ok {
			return res
		}
		inst.Touch()
	}

	if len(sub.TestCases) > 0 {
		return p.judge(ctx, inst, prof, lim, sub.TestCases, res, log)
	}

	run := p.run(ctx, inst, prof, lim, sub.Stdin, log)
	inst.Touch()

	run.SubmissionID = res.SubmissionID
	run.Language = res.Language
	run.CompileOutput = res.CompileOutput
	run.CompileDuration = res.CompileDuration
	return run
}

// judge runs the program once per test case in the same sandbox. A case
// that kills or wedges the sandbox marks the remaining cases skipped.
func (p *Pipeline) judge(ctx context.Context, inst *sandbox.Instance, prof language.Profile, lim limits.Limits, cases []TestCase, res Result, log *zap.Logger) Result {
	out := res
	out.Status = StatusSuccess
	out.TestResults = make([]TestResult, 0, len(cases))

	var halted Status
	for i, tc := range cases {
		if halted != "" {
			out.TestResults = append(out.TestResults, TestResult{
				Skipped: true,
				Error:   fmt.Sprintf("not run: an earlier test case ended with %s", halted),
			})
			continue
		}

		run := p.run(ctx, inst, prof, lim, tc.Stdin, log)
		inst.Touch()

		tr := newTestResult(run, tc.ExpectedOutput)
		out.TestResults = append(out.TestResults, tr)
		if tr.Passed {
			out.PassedTests++
		}
		out.Duration += run.Duration
		out.PeakMemoryBytes = max(out.PeakMemoryBytes, run.PeakMemoryBytes)

		if i == 0 {
			out.Stdout, out.Stderr = run.Stdout, run.Stderr
			out.StdoutTruncated, out.StderrTruncated = run.StdoutTruncated, run.StderrTruncated
			out.ExitCode = run.ExitCode
		}
		if out.Status == StatusSuccess && run.Status != StatusSuccess {
			out.Status = run.Status
			out.Violation = run.Violation
			out.Signal = run.Signal
			out.ExitCode = run.ExitCode
			out.Error = fmt.Sprintf("test case %d: %s", i, run.Error)
		}
		if !run.Status.survivable() {
			halted = run.Status
		}
	}

	log.Debug("test cases judged", zap.Int("passed", out.PassedTests), zap.Int("total", len(cases)))
	return out
}

func withStatus(res Result, status Status, msg string) Result {
	res.Status = status
	res.Error = msg
	return res
}

// failed reports a backend error, or Cancelled when ctx ended first.
func failed(ctx context.Context, res Result, what string, err error) Result {
	if ctx.Err() != nil {
		return withStatus(res, StatusCancelled, ErrCancelled.Error())
	}
	return withStatus(res, StatusInternalError, fmt.Sprintf("%s: %v", what, err))
}

func shell(script string) []string {
	return []string{"sh", "-c", script}
}

// build runs the compile stage under the compile ceilings, drops the
// profile's build caches and restores the run ceilings. It reports false
// when the run stage must not be entered.
func (p *Pipeline) build(ctx context.Context, inst *sandbox.Instance, prof language.Profile, lim limits.Limits, res Result, log *zap.Logger) (Result, bool) {
	handle := inst.Handle()
	runCons := lim.Constraints()
	compileCons := runCons.Compile(p.cfg.CompileMemoryBytes, p.cfg.CompileMaxProcesses)
	widened := compileCons != runCons

	if widened {
		if err := p.rt.Update(ctx, handle, compileCons); err != nil {
			return failed(ctx, res, "failed to apply compile ceilings", err), false
		}
	}

	res, ok := p.compile(ctx, inst, prof, res, log)
	if !ok {
		return res, false
	}

	if prof.Clean != "" {
		p.clean(ctx, handle, prof, log)
	}

	if widened {
		if err := p.rt.Update(ctx, handle, runCons); err != nil {
			return failed(ctx, res, "failed to restore run ceilings", err), false
		}
	}
	return res, true
}

// clean removes build caches so they are not charged to the run stage's
// memory. A failed cleanup is logged and the run goes ahead.
func (p *Pipeline) clean(ctx context.Context, handle string, prof language.Profile, log *zap.Logger) {
	cleanCtx, cancel := context.WithTimeout(ctx, p.cfg.CompileTimeout)
	defer cancel()

	execRes, err := p.rt.Exec(cleanCtx, handle, sandbox.ExecRequest{
		Cmd:     shell(prof.CleanCommand(p.cfg.WorkDir)),
		WorkDir: p.cfg.WorkDir,
		User:    p.cfg.User,
		Env:     prof.EnvList(),
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	})
	if err != nil || execRes.ExitCode != 0 {
		log.Warn("build cleanup failed", zap.Int("exit_code", execRes.ExitCode), zap.Error(err))
	}
}

// compile runs the build command. It reports false when the run stage must
// not be entered.
func (p *Pipeline) compile(ctx context.Context, inst *sandbox.Instance, prof language.Profile, res Result, log *zap.Logger) (Result, bool) {
	handle := inst.Handle()
	output := limits.NewCappedBuffer(p.cfg.CompileOutputBytes, nil)
	execCtx, abandon := context.WithCancel(ctx)
	defer abandon()

	wd := limits.NewWatchdog(limits.Limits{Timeout: p.cfg.CompileTimeout}, nil, p.killer(inst, abandon, log), p.cfg.SampleInterval)
	started := time.Now()
	wd.Start(execCtx)
	execRes, err := p.rt.Exec(execCtx, handle, sandbox.ExecRequest{
		Cmd:     shell(prof.BuildCommand(p.cfg.WorkDir)),
		WorkDir: p.cfg.WorkDir,
		User:    p.cfg.User,
		Env:     prof.EnvList(),
		Stdout:  output,
		Stderr:  output,
	})
	wd.Stop()

	res.CompileDuration = time.Since(started)
	res.CompileOutput = output.String()
	p.metrics.ObserveStage(prof.ID, metrics.StageCompile, res.CompileDuration)

	switch {
	case ctx.Err() != nil:
		return withStatus(res, StatusCancelled, ErrCancelled.Error()), false
	case wd.Violation() == limits.ViolationTimeout:
		log.Info("compilation timed out", zap.Duration("timeout", p.cfg.CompileTimeout))
		return withStatus(res, StatusCompileError, fmt.Sprintf("compilation timed out after %s", p.cfg.CompileTimeout)), false
	case err != nil:
		return withStatus(res, StatusInternalError, fmt.Sprintf("compile stage failed: %v", err)), false
	case execRes.ExitCode != 0:
		res.ExitCode = execRes.ExitCode
		return withStatus(res, StatusCompileError, fmt.Sprintf("compilation failed with exit code %d", execRes.ExitCode)), false
	}
	return res, true
}

func (p *Pipeline) run(ctx context.Context, inst *sandbox.Instance, prof language.Profile, lim limits.Limits, stdin string, log *zap.Logger) Result {
	handle := inst.Handle()
	execCtx, abandon := context.WithCancel(ctx)
	defer abandon()

	var wd *limits.Watchdog
	overflow := func() { wd.Trip(limits.ViolationOutput) }
	stdout := limits.NewCappedBuffer(lim.MaxOutputBytes, overflow)
	stderr := limits.NewCappedBuffer(lim.MaxOutputBytes, overflow)

	sample := func(ctx context.Context) (limits.Usage, error) {
		return p.rt.Usage(ctx, handle)
	}
	wd = limits.NewWatchdog(lim, sample, p.killer(inst, abandon, log), p.cfg.SampleInterval)

	// the CPU rlimit applies to the run command only
	script := fmt.Sprintf("ulimit -t %d; %s", lim.Constraints().CPUSeconds, prof.RunCommand(p.cfg.WorkDir))

	started := time.Now()
	wd.Start(execCtx)
	execRes, err := p.rt.Exec(execCtx, handle, sandbox.ExecRequest{
		Cmd:     shell(script),
		WorkDir: p.cfg.WorkDir,
		User:    p.cfg.User,
		Env:     prof.EnvList(),
		Stdin:   strings.NewReader(stdin),
		Stdout:  stdout,
		Stderr:  stderr,
	})
	duration := time.Since(started)
	wd.Stop()

	outcome := Outcome{
		ExitCode:    execRes.ExitCode,
		Err:         err,
		Violation:   wd.Violation(),
		Cancelled:   ctx.Err() != nil,
		PeakMemory:  wd.PeakMemory(),
		MemoryLimit: lim.MemoryBytes,
		Duration:    duration,
		Stdout:      stdout,
		Stderr:      stderr,
	}
	if err == nil && outcome.Violation == limits.ViolationNone && execRes.ExitCode > signalExitBase {
		if state, inspectErr := p.rt.Inspect(context.WithoutCancel(ctx), handle); inspectErr == nil {
			outcome.OOMKilled = state.OOMKilled
		}
	}

	p.metrics.ObserveStage(prof.ID, metrics.StageRun, duration)
	p.metrics.ObservePeakMemory(prof.ID, outcome.PeakMemory)
	return Collect(outcome)
}

// killer returns the watchdog's forced-termination path. The stage's exec
// is abandoned if it has not returned within the kill grace period.
func (p *Pipeline) killer(inst *sandbox.Instance, abandon context.CancelFunc, log *zap.Logger) limits.KillFunc {
	return func(v limits.Violation) {
		log.Info("terminating sandbox", zap.String("violation", string(v)))
		time.AfterFunc(p.cfg.KillGrace, abandon)

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.KillGrace)
		defer cancel()
		if err := p.pool.Kill(ctx, inst); err != nil {
			log.Warn("failed to kill sandbox", zap.String(logger.KeyHandle, inst.Handle()), zap.Error(err))
		}
	}
}
