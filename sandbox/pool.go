package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/limits"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/metrics"
)

// State is the lifecycle state of a sandbox instance.
type State int32

// Instance states. Destroyed is terminal.
const (
	StateIdle State = iota
	StateProvisioning
	StateBusy
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioning:
		return "provisioning"
	case StateBusy:
		return "busy"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Instance is one sandbox tracked by the pool. Identity fields are fixed at
// creation; the rest is guarded by the instance's own mutex.
type Instance struct {
	ID          string
	ProfileID   string
	Image       string
	Constraints limits.Constraints
	CreatedAt   time.Time

	mu           sync.Mutex
	handle       string
	state        State
	submissionID string
	lastActivity time.Time
}

// Handle returns the runtime handle, empty while provisioning.
func (i *Instance) Handle() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handle
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SubmissionID returns the assigned submission, if any.
func (i *Instance) SubmissionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.submissionID
}

// LastActivity returns when the instance last changed hands or ran a stage.
func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// Touch records activity on the instance.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastActivity = time.Now()
	i.mu.Unlock()
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	WorkDir    string
	User       string
	PullImages bool
	Metrics    *metrics.Metrics
}

type warmTarget struct {
	profile language.Profile
	cons    limits.Constraints
	size    int
}

// Pool provisions, tracks and destroys sandboxes. The registry is a sync.Map
// keyed by instance id and every state change takes only that instance's
// lock, so unrelated submissions never serialize on the pool.
type Pool struct {
	rt      Runtime
	logger  *zap.Logger
	opts    PoolOptions
	metrics *metrics.Metrics

	instances sync.Map // id -> *Instance

	warmMu sync.Mutex
	warm   map[string]warmTarget
	fillMu sync.Mutex

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool on rt.
func NewPool(rt Runtime, log *zap.Logger, opts PoolOptions) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		rt:      rt,
		logger:  log,
		opts:    opts,
		metrics: opts.Metrics,
		warm:    make(map[string]warmTarget),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Runtime returns the underlying container runtime.
func (p *Pool) Runtime() Runtime {
	return p.rt
}

// Acquire hands out a sandbox for one submission: a matching pristine warm
// instance when available, otherwise a freshly provisioned one. Failures wrap
// ErrProvision.
func (p *Pool) Acquire(ctx context.Context, prof language.Profile, cons limits.Constraints, submissionID string) (*Instance, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrProvision, ErrClosed)
	}

	if inst := p.takeWarm(prof, cons, submissionID); inst != nil {
		p.logger.Debug("acquired warm sandbox",
			zap.String(logger.KeyInstance, inst.ID),
			zap.String(logger.KeySubmission, submissionID))
		p.ReplenishAsync()
		return inst, nil
	}

	inst, err := p.provision(ctx, prof, cons)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	if inst.state == StateDestroyed {
		inst.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrProvision, ErrClosed)
	}
	p.setState(inst, StateBusy)
	inst.submissionID = submissionID
	inst.lastActivity = time.Now()
	inst.mu.Unlock()

	p.logger.Debug("provisioned sandbox",
		zap.String(logger.KeyInstance, inst.ID),
		zap.String(logger.KeySubmission, submissionID),
		zap.String(logger.KeyLanguage, prof.ID))
	return inst, nil
}

func (p *Pool) takeWarm(prof language.Profile, cons limits.Constraints, submissionID string) *Instance {
	var found *Instance
	p.instances.Range(func(_, v any) bool {
		inst := v.(*Instance)
		if inst.ProfileID != prof.ID || inst.Image != prof.Image || inst.Constraints != cons {
			return true
		}
		inst.mu.Lock()
		defer inst.mu.Unlock()
		if inst.state != StateIdle {
			return true
		}
		p.setState(inst, StateBusy)
		inst.submissionID = submissionID
		inst.lastActivity = time.Now()
		found = inst
		return false
	})
	return found
}

// provision creates a sandbox in the Provisioning state. The instance is
// registered before the runtime call so Drain and the reaper can see it.
func (p *Pool) provision(ctx context.Context, prof language.Profile, cons limits.Constraints) (*Instance, error) {
	now := time.Now()
	inst := &Instance{
		ID:           uuid.NewString(),
		ProfileID:    prof.ID,
		Image:        prof.Image,
		Constraints:  cons,
		CreatedAt:    now,
		state:        StateProvisioning,
		lastActivity: now,
	}
	p.instances.Store(inst.ID, inst)
	p.metrics.InstanceTransition("", StateProvisioning.String())

	handle, err := p.create(ctx, inst)
	p.metrics.ObserveProvision(time.Since(now), err)
	if err != nil {
		p.forget(inst)
		return nil, fmt.Errorf("%w: %s: %w", ErrProvision, prof.ID, err)
	}

	inst.mu.Lock()
	if inst.state == StateDestroyed {
		inst.mu.Unlock()
		// drained while the runtime was creating it
		if rmErr := p.rt.Remove(context.WithoutCancel(ctx), handle); rmErr != nil {
			p.logger.Warn("failed to remove sandbox created during drain", zap.String(logger.KeyHandle, handle), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("%w: %w", ErrProvision, ErrClosed)
	}
	inst.handle = handle
	inst.mu.Unlock()
	return inst, nil
}

func (p *Pool) create(ctx context.Context, inst *Instance) (string, error) {
	if p.opts.PullImages {
		if err := p.rt.EnsureImage(ctx, inst.Image); err != nil {
			return "", err
		}
	}
	return p.rt.Create(ctx, CreateSpec{
		Name:        "runbox-" + inst.ID,
		Image:       inst.Image,
		WorkDir:     p.opts.WorkDir,
		User:        p.opts.User,
		Constraints: inst.Constraints,
		Labels: map[string]string{
			LabelCreated:  strconv.FormatInt(inst.CreatedAt.Unix(), 10),
			LabelLanguage: inst.ProfileID,
			LabelInstance: inst.ID,
		},
	})
}

// forget marks an instance without a container as destroyed.
func (p *Pool) forget(inst *Instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateDestroyed {
		p.setState(inst, StateDestroyed)
	}
	p.instances.Delete(inst.ID)
}

// setState must be called with inst.mu held.
func (p *Pool) setState(inst *Instance, s State) {
	from := inst.state.String()
	to := s.String()
	if s == StateDestroyed {
		to = ""
	}
	inst.state = s
	p.metrics.InstanceTransition(from, to)
}

// Release destroys the instance: the container is force-removed, taking its
// process tree and writable layer with it. Releasing an instance that is
// already destroyed, or whose container is gone, succeeds.
func (p *Pool) Release(ctx context.Context, inst *Instance) error {
	return p.destroy(ctx, inst)
}

func (p *Pool) destroy(ctx context.Context, inst *Instance) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state == StateDestroyed {
		return nil
	}
	p.setState(inst, StateDestroyed)
	inst.submissionID = ""
	p.instances.Delete(inst.ID)

	if inst.handle == "" {
		return nil
	}
	if err := p.rt.Remove(ctx, inst.handle); err != nil {
		return fmt.Errorf("failed to destroy sandbox %s: %w", inst.ID, err)
	}
	return nil
}

// Kill forcibly terminates everything running in the instance without
// unregistering it. Release still has to be called.
func (p *Pool) Kill(ctx context.Context, inst *Instance) error {
	handle := inst.Handle()
	if handle == "" {
		return nil
	}
	return p.rt.Kill(ctx, handle)
}

// Get returns a tracked instance.
func (p *Pool) Get(id string) (*Instance, bool) {
	v, ok := p.instances.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Instance), true
}

// Instances returns a snapshot of the tracked instances.
func (p *Pool) Instances() []*Instance {
	var out []*Instance
	p.instances.Range(func(_, v any) bool {
		out = append(out, v.(*Instance))
		return true
	})
	return out
}

// Counts returns the number of tracked instances per state.
func (p *Pool) Counts() map[State]int {
	counts := make(map[State]int)
	for _, inst := range p.Instances() {
		counts[inst.State()]++
	}
	return counts
}

// SetWarm keeps size pristine idle instances of prof with constraints cons.
// A size of zero removes the target.
func (p *Pool) SetWarm(prof language.Profile, cons limits.Constraints, size int) {
	p.warmMu.Lock()
	defer p.warmMu.Unlock()
	if size <= 0 {
		delete(p.warm, prof.ID)
		return
	}
	p.warm[prof.ID] = warmTarget{profile: prof, cons: cons, size: size}
}

// Replenish provisions idle instances until every warm target is met. Fills
// are serialized so concurrent callers never overshoot a target.
func (p *Pool) Replenish(ctx context.Context) error {
	p.fillMu.Lock()
	defer p.fillMu.Unlock()

	p.warmMu.Lock()
	targets := make([]warmTarget, 0, len(p.warm))
	for _, t := range p.warm {
		targets = append(targets, t)
	}
	p.warmMu.Unlock()

	idle := make(map[string]int)
	for _, inst := range p.Instances() {
		if inst.State() == StateIdle {
			idle[inst.ProfileID]++
		}
	}

	var errs []error
	for _, t := range targets {
		for n := idle[t.profile.ID]; n < t.size; n++ {
			if p.closed.Load() || ctx.Err() != nil {
				return errors.Join(errs...)
			}
			inst, err := p.provision(ctx, t.profile, t.cons)
			if err != nil {
				errs = append(errs, err)
				break
			}
			inst.mu.Lock()
			if inst.state == StateProvisioning {
				p.setState(inst, StateIdle)
				inst.lastActivity = time.Now()
			}
			inst.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// ReplenishAsync tops up the warm targets in the background. Drain waits for it.
func (p *Pool) ReplenishAsync() {
	p.warmMu.Lock()
	defer p.warmMu.Unlock()
	if p.closed.Load() || len(p.warm) == 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Replenish(p.ctx); err != nil {
			p.logger.Warn("failed to replenish warm sandboxes", zap.Error(err))
		}
	}()
}

// Drain stops warm replenishment and destroys every tracked instance.
// Acquire fails with ErrClosed afterwards.
func (p *Pool) Drain(ctx context.Context) error {
	p.warmMu.Lock()
	p.closed.Store(true)
	p.warmMu.Unlock()
	p.cancel()
	p.wg.Wait()

	var errs []error
	for _, inst := range p.Instances() {
		if err := p.destroy(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
