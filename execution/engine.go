package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/limits"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
)

// Submission is one request to compile and run a program.
type Submission struct {
	// ID is generated when empty.
	ID        string
	Language  string
	Source    string
	Stdin     string
	Overrides *limits.Overrides
	// TestCases, when set, replace Stdin: the program is built once and
	// run against each case in turn.
	TestCases []TestCase
}

// TestCase is one stdin and the output the program must print for it.
// Leading and trailing whitespace is ignored in the comparison.
type TestCase struct {
	Stdin          string
	ExpectedOutput string
}

// Options tunes admission control and provisioning.
type Options struct {
	MaxConcurrent int
	// Admission is config.AdmissionQueue or config.AdmissionReject.
	Admission         string
	MaxQueue          int
	ProvisionAttempts int
	ProvisionBackoff  time.Duration
	WarmPerLanguage   int
	// OnDegraded is called for every InternalError result.
	OnDegraded DegradedHook
}

// DegradedHook reacts to an internal error after the engine has logged it
// and marked itself degraded.
type DegradedHook func(err error)

// Stats is a point-in-time view of the engine.
type Stats struct {
	Runtime   string
	Active    int64
	Queued    int64
	Instances map[string]int
	Degraded  bool
	LastError string
}

const (
	trackPending int32 = iota
	trackCompleted
	trackCancelled
)

// tracker is the outcome slot of one in-flight submission. Exactly one of
// completion and cancellation wins the compare-and-swap.
type tracker struct {
	state  atomic.Int32
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	inst *sandbox.Instance
}

func (t *tracker) setInstance(inst *sandbox.Instance) {
	t.mu.Lock()
	t.inst = inst
	t.mu.Unlock()
}

func (t *tracker) instance() *sandbox.Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inst
}

// Engine admits submissions, gives each a fresh sandbox and drives it through
// the pipeline.
type Engine struct {
	registry *language.Registry
	policy   limits.Policy
	pool     *sandbox.Pool
	pipeline *Pipeline
	logger   *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	sem     *semaphore.Weighted
	waiting atomic.Int64
	active  atomic.Int64

	inflight sync.Map // submission id -> *tracker

	degraded  atomic.Bool
	lastError atomic.Value // string
	closed    atomic.Bool
}

// NewEngine creates an engine.
func NewEngine(reg *language.Registry, policy limits.Policy, pool *sandbox.Pool, pipeline *Pipeline, log *zap.Logger, m *metrics.Metrics, opts Options) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.ProvisionAttempts <= 0 {
		opts.ProvisionAttempts = 1
	}
	if opts.Admission == "" {
		opts.Admission = config.AdmissionQueue
	}
	e := &Engine{
		registry: reg,
		policy:   policy,
		pool:     pool,
		pipeline: pipeline,
		logger:   log,
		metrics:  m,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
	e.lastError.Store("")
	return e
}

// NewFromConfig wires an engine from the application configuration.
// onDegraded may be nil.
func NewFromConfig(cfg *config.Config, reg *language.Registry, pool *sandbox.Pool, log *zap.Logger, m *metrics.Metrics, onDegraded DegradedHook) *Engine {
	policy := limits.NewPolicy(cfg)
	pipeline := NewPipeline(pool, NewPipelineConfig(cfg, policy), log, m)
	return NewEngine(reg, policy, pool, pipeline, log, m, Options{
		MaxConcurrent:     cfg.Pool.MaxConcurrent,
		Admission:         cfg.Pool.Admission,
		MaxQueue:          cfg.Pool.MaxQueue,
		ProvisionAttempts: cfg.Pool.ProvisionAttempts,
		ProvisionBackoff:  time.Duration(cfg.Pool.ProvisionBackoffMs) * time.Millisecond,
		WarmPerLanguage:   cfg.Pool.WarmPerLanguage,
		OnDegraded:        onDegraded,
	})
}

// Languages returns the supported language profiles ordered by ID.
func (e *Engine) Languages() []language.Profile {
	return e.registry.List()
}

// Submit runs sub to completion and returns its result. Submissions turned
// away before they reach a sandbox return a zero Result with the error.
// An InternalError result is returned together with an error wrapping
// ErrInternal, or sandbox.ErrProvision when no sandbox could be created.
func (e *Engine) Submit(ctx context.Context, sub Submission) (Result, error) {
	if e.closed.Load() {
		return Result{}, ErrClosed
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := e.validate(sub); err != nil {
		return Result{}, err
	}

	prof, err := e.registry.Resolve(sub.Language)
	if err != nil {
		return Result{}, err
	}
	if err := prof.Screen(sub.Source); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	var overrides limits.Overrides
	if sub.Overrides != nil {
		overrides = *sub.Overrides
	}
	lim, err := e.policy.Resolve(prof.Limits, overrides)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	t := &tracker{cancel: cancel}
	if _, loaded := e.inflight.LoadOrStore(sub.ID, t); loaded {
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.ID)
	}
	defer e.inflight.Delete(sub.ID)

	log := logger.ForSubmission(e.logger, sub.ID, prof.ID)
	started := time.Now()
	base := Result{SubmissionID: sub.ID, Language: prof.ID}

	if err := e.admit(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			return Result{}, err
		}
		return e.finish(t, withStatus(base, StatusCancelled, ErrCancelled.Error()), started, log)
	}
	defer e.sem.Release(1)
	e.active.Add(1)
	e.metrics.ActiveDelta(1)
	defer func() {
		e.active.Add(-1)
		e.metrics.ActiveDelta(-1)
	}()

	log.Debug("submission admitted", zap.Duration("timeout", lim.Timeout), zap.Int64("memory_bytes", lim.MemoryBytes))

	inst, err := e.acquire(ctx, prof, lim.Constraints(), sub.ID, log)
	if err != nil {
		if ctx.Err() != nil {
			return e.finish(t, withStatus(base, StatusCancelled, ErrCancelled.Error()), started, log)
		}
		// provisioning failures are reported as such, not as degradation
		res := e.settle(t, withStatus(base, StatusInternalError, err.Error()), started, log)
		if res.Status == StatusCancelled {
			return res, nil
		}
		return res, err
	}
	t.setInstance(inst)
	defer e.release(inst, log)

	if t.state.Load() == trackCancelled {
		return e.finish(t, withStatus(base, StatusCancelled, ErrCancelled.Error()), started, log)
	}

	res := e.pipeline.Execute(ctx, inst, prof, lim, sub)
	return e.finish(t, res, started, log)
}

func (e *Engine) validate(sub Submission) error {
	if sub.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidSubmission)
	}
	if e.policy.MaxSourceBytes > 0 && len(sub.Source) > e.policy.MaxSourceBytes {
		return fmt.Errorf("%w: source is %d bytes, maximum is %d", ErrInvalidSubmission, len(sub.Source), e.policy.MaxSourceBytes)
	}
	if e.policy.MaxStdinBytes > 0 && len(sub.Stdin) > e.policy.MaxStdinBytes {
		return fmt.Errorf("%w: stdin is %d bytes, maximum is %d", ErrInvalidSubmission, len(sub.Stdin), e.policy.MaxStdinBytes)
	}
	return e.validateTestCases(sub)
}

func (e *Engine) validateTestCases(sub Submission) error {
	if len(sub.TestCases) == 0 {
		return nil
	}
	if sub.Stdin != "" {
		return fmt.Errorf("%w: stdin and test cases are mutually exclusive", ErrInvalidSubmission)
	}
	if e.policy.MaxTestCases > 0 && len(sub.TestCases) > e.policy.MaxTestCases {
		return fmt.Errorf("%w: %d test cases, maximum is %d", ErrInvalidSubmission, len(sub.TestCases), e.policy.MaxTestCases)
	}
	limit := e.policy.MaxStdinBytes
	for i, tc := range sub.TestCases {
		switch {
		case limit > 0 && len(tc.Stdin) > limit:
			return fmt.Errorf("%w: test case %d stdin is %d bytes, maximum is %d", ErrInvalidSubmission, i, len(tc.Stdin), limit)
		case limit > 0 && len(tc.ExpectedOutput) > limit:
			return fmt.Errorf("%w: test case %d expected output is %d bytes, maximum is %d", ErrInvalidSubmission, i, len(tc.ExpectedOutput), limit)
		case !utf8.ValidString(tc.ExpectedOutput):
			return fmt.Errorf("%w: test case %d expected output is not valid UTF-8", ErrInvalidSubmission, i)
		}
	}
	return nil
}

// admit takes a slot under the concurrency ceiling. Waiters are served in
// FIFO order by the semaphore.
func (e *Engine) admit(ctx context.Context) error {
	if e.sem.TryAcquire(1) {
		return nil
	}
	if e.opts.Admission == config.AdmissionReject {
		e.metrics.Rejected()
		return fmt.Errorf("%w: %d submissions running", ErrBusy, e.opts.MaxConcurrent)
	}

	if e.waiting.Add(1) > int64(e.opts.MaxQueue) {
		e.waiting.Add(-1)
		e.metrics.Rejected()
		return fmt.Errorf("%w: admission queue is full", ErrBusy)
	}
	e.metrics.QueueDelta(1)
	defer func() {
		e.waiting.Add(-1)
		e.metrics.QueueDelta(-1)
	}()
	return e.sem.Acquire(ctx, 1)
}

func (e *Engine) acquire(ctx context.Context, prof language.Profile, cons limits.Constraints, id string, log *zap.Logger) (*sandbox.Instance, error) {
	exp := backoff.NewExponentialBackOff()
	if e.opts.ProvisionBackoff > 0 {
		exp.InitialInterval = e.opts.ProvisionBackoff
	}
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(e.opts.ProvisionAttempts-1)), ctx)

	op := func() (*sandbox.Instance, error) {
		inst, err := e.pool.Acquire(ctx, prof, cons, id)
		if err != nil && (errors.Is(err, sandbox.ErrClosed) || ctx.Err() != nil) {
			return nil, backoff.Permanent(err)
		}
		return inst, err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("sandbox provisioning failed, retrying", zap.Error(err), zap.Duration("backoff", next))
	}
	return backoff.RetryNotifyWithData(op, b, notify)
}

func (e *Engine) release(inst *sandbox.Instance, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.pool.Release(ctx, inst); err != nil {
		log.Warn("failed to release sandbox", zap.String(logger.KeyInstance, inst.ID), zap.Error(err))
	}
}

// finish settles the outcome slot. A Cancel that won the race turns the
// result into Cancelled.
func (e *Engine) finish(t *tracker, res Result, started time.Time, log *zap.Logger) (Result, error) {
	res = e.settle(t, res, started, log)
	if res.Status != StatusInternalError {
		if e.degraded.CompareAndSwap(true, false) {
			log.Info("engine recovered")
		}
		return res, nil
	}

	err := fmt.Errorf("%w: %s", ErrInternal, res.Error)
	e.escalate(err, log)
	return res, err
}

func (e *Engine) settle(t *tracker, res Result, started time.Time, log *zap.Logger) Result {
	if !t.state.CompareAndSwap(trackPending, trackCompleted) {
		res.Status = StatusCancelled
		res.Violation = limits.ViolationNone
		res.Error = ErrCancelled.Error()
	}

	total := time.Since(started)
	e.metrics.ObserveSubmission(res.Language, string(res.Status), total)
	log.Info("submission finished",
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", total))
	return res
}

func (e *Engine) escalate(err error, log *zap.Logger) {
	log.Error("submission failed with an internal error", zap.Error(err))
	e.degraded.Store(true)
	e.lastError.Store(err.Error())
	e.metrics.InternalError()
	if e.opts.OnDegraded != nil {
		e.opts.OnDegraded(err)
	}
}

// Cancel stops an in-flight submission. Cancelling a submission that has
// already completed is acknowledged with nil.
func (e *Engine) Cancel(id string) error {
	v, ok := e.inflight.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubmission, id)
	}
	t := v.(*tracker)
	if !t.state.CompareAndSwap(trackPending, trackCancelled) {
		return nil
	}
	t.cancel(ErrCancelled)

	if inst := t.instance(); inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.pool.Release(ctx, inst); err != nil {
			e.logger.Warn("failed to destroy cancelled sandbox",
				zap.String(logger.KeySubmission, id), zap.Error(err))
		}
	}
	e.logger.Info("submission cancelled", zap.String(logger.KeySubmission, id))
	return nil
}

// Health reports whether the runtime is reachable and no internal error is
// outstanding.
func (e *Engine) Health(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.pool.Runtime().Ping(ctx); err != nil {
		return fmt.Errorf("container runtime %s unreachable: %w", e.pool.Runtime().Name(), err)
	}
	if e.degraded.Load() {
		return fmt.Errorf("%w: %s", ErrDegraded, e.lastError.Load().(string))
	}
	return nil
}

// Stats returns a snapshot of the engine and its pool.
func (e *Engine) Stats() Stats {
	counts := e.pool.Counts()
	instances := make(map[string]int, len(counts))
	for state, n := range counts {
		instances[state.String()] = n
	}
	return Stats{
		Runtime:   e.pool.Runtime().Name(),
		Active:    e.active.Load(),
		Queued:    e.waiting.Load(),
		Instances: instances,
		Degraded:  e.degraded.Load(),
		LastError: e.lastError.Load().(string),
	}
}

// Start registers a warm target for every language whose default limits
// resolve, and starts filling them.
func (e *Engine) Start(context.Context) error {
	if e.opts.WarmPerLanguage <= 0 {
		return nil
	}
	for _, prof := range e.registry.List() {
		lim, err := e.policy.Resolve(prof.Limits)
		if err != nil {
			e.logger.Warn("no warm sandboxes for language", zap.String(logger.KeyLanguage, prof.ID), zap.Error(err))
			continue
		}
		e.pool.SetWarm(prof, lim.Constraints(), e.opts.WarmPerLanguage)
	}
	e.pool.ReplenishAsync()
	return nil
}

// Close stops admitting submissions, cancels those in flight and destroys
// every sandbox.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.inflight.Range(func(_, v any) bool {
		v.(*tracker).cancel(ErrClosed)
		return true
	})
	if err := e.pool.Drain(ctx); err != nil {
		return fmt.Errorf("failed to drain sandbox pool: %w", err)
	}
	return nil
}
