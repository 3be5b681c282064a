// Package pool implements the Instance Pool component: one bounded pool
// of ready sandbox instances per component identity, with async
// acquire/release, fair first-come-first-served waiter ordering, resize,
// and drain. Modeled on the warm-VM pool pattern of a Firecracker-backed
// function host (sync.RWMutex + sync.Cond + atomic counters), adapted
// from one pool per function configuration to one pool per component_id
// and from VMs to sandboxed WASM instances.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/wasmbus-host/pkg/metrics"
	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// Outcome tells Release whether the instance just finished its call
// cleanly or must be discarded.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeDiscard
)

// BuildRecipe is what a Pool instantiates new instances from. Update
// swaps this atomically: existing in-flight calls keep running on
// instances built from the old recipe, new acquires get the new one.
type BuildRecipe struct {
	Ref        *sandbox.CompiledRef
	Generation uint64
	Handlers   sandbox.HandlerSet
}

// Guard is a handle to an acquired instance. The caller must Release it
// exactly once.
type Guard struct {
	instance *sandbox.Instance
}

// Instance exposes the underlying sandbox instance for invocation.
func (g *Guard) Instance() *sandbox.Instance {
	return g.instance
}

// waiter is a FIFO ticket in the acquire queue; identity (pointer
// equality), not contents, is what matters.
type waiter struct{}

// Pool is one component's bounded set of ready sandbox instances.
type Pool struct {
	componentID string
	engine      *sandbox.Engine

	mu   sync.Mutex
	cond *sync.Cond

	recipe atomic.Value // *BuildRecipe

	idle  []*sandbox.Instance
	inUse map[*sandbox.Instance]struct{}

	maxInstances uint32
	draining     bool

	waiters []*waiter
}

// New constructs an empty Pool for componentID. Call Resize to set its
// initial target and SetRecipe before the first Acquire.
func New(componentID string, engine *sandbox.Engine) *Pool {
	p := &Pool{
		componentID: componentID,
		engine:      engine,
		inUse:       make(map[*sandbox.Instance]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetRecipe installs the build recipe new instances are instantiated
// from. Swapping the recipe does not touch in-use instances; idle
// instances of an older generation are destroyed when an Acquire reaches
// them instead of being handed out.
func (p *Pool) SetRecipe(recipe BuildRecipe) {
	p.recipe.Store(&recipe)
}

func (p *Pool) currentRecipe() *BuildRecipe {
	v := p.recipe.Load()
	if v == nil {
		return nil
	}
	return v.(*BuildRecipe)
}

// Resize sets the pool's target capacity. Shrinking destroys idle
// instances beyond the new target immediately; in-use instances beyond
// the target are destroyed when released. n == 0 does not itself drain
// the pool (the caller drives Stop semantics via Drain).
func (p *Pool) Resize(n uint32) {
	p.mu.Lock()
	p.maxInstances = n

	for uint32(len(p.idle))+uint32(len(p.inUse)) > n && len(p.idle) > 0 {
		victim := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.destroyLocked(victim)
	}

	p.cond.Broadcast()
	p.mu.Unlock()
	p.updateGauges()
}

// MaxInstances returns the pool's current configured ceiling.
func (p *Pool) MaxInstances() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInstances
}

// Acquire blocks until an idle instance is available or deadline
// elapses, serving waiters in first-come-first-served order. Below
// max_instances, a new instance is instantiated lazily rather than
// waiting for one to free up.
func (p *Pool) Acquire(ctx context.Context, deadline time.Time) (*Guard, error) {
	start := time.Now()
	defer func() {
		metrics.PoolWaitDuration.WithLabelValues(p.componentID).Observe(time.Since(start).Seconds())
	}()

	if !deadline.IsZero() && !time.Now().Before(deadline) {
		metrics.PoolExhaustedTotal.WithLabelValues(p.componentID).Inc()
		return nil, types.NewError(types.KindTimeout, "pool.acquire", types.ErrPoolExhausted)
	}

	me := &waiter{}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, types.NewError(types.KindTimeout, "pool.acquire", types.ErrPoolDraining)
	}
	p.waiters = append(p.waiters, me)
	p.mu.Unlock()

	timer := deadlineTimer(deadline, p.cond)
	defer timer.Stop()

	p.mu.Lock()
	for {
		if p.draining {
			p.removeWaiterLocked(me)
			p.mu.Unlock()
			return nil, types.NewError(types.KindTimeout, "pool.acquire", types.ErrPoolDraining)
		}
		if p.isHeadLocked(me) {
			if inst, ok := p.tryTakeLocked(); ok {
				p.removeWaiterLocked(me)
				p.cond.Broadcast()
				p.mu.Unlock()
				p.updateGauges()
				return &Guard{instance: inst}, nil
			}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			p.removeWaiterLocked(me)
			p.mu.Unlock()
			metrics.PoolExhaustedTotal.WithLabelValues(p.componentID).Inc()
			return nil, types.NewError(types.KindTimeout, "pool.acquire", types.ErrPoolExhausted)
		}
		select {
		case <-ctx.Done():
			p.removeWaiterLocked(me)
			p.mu.Unlock()
			return nil, types.NewError(types.KindTimeout, "pool.acquire", ctx.Err())
		default:
		}
		p.cond.Wait()
	}
}

// isHeadLocked reports whether me is at the front of the waiter queue.
func (p *Pool) isHeadLocked(me *waiter) bool {
	return len(p.waiters) > 0 && p.waiters[0] == me
}

func (p *Pool) removeWaiterLocked(me *waiter) {
	for i, w := range p.waiters {
		if w == me {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// tryTakeLocked returns an idle instance of the current generation
// (destroying any older-generation idle instances it passes over), or
// lazily instantiates one if below max_instances, or reports false if
// neither is possible right now. Must be called with p.mu held.
func (p *Pool) tryTakeLocked() (*sandbox.Instance, bool) {
	recipe := p.currentRecipe()

	for len(p.idle) > 0 {
		inst := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if recipe != nil && inst.Generation < recipe.Generation {
			p.destroyLocked(inst)
			continue
		}
		p.inUse[inst] = struct{}{}
		return inst, true
	}

	if uint32(len(p.inUse)) >= p.maxInstances {
		return nil, false
	}

	if recipe == nil {
		return nil, false
	}

	p.mu.Unlock()
	inst, err := p.engine.Instantiate(context.Background(), recipe.Ref, p.componentID, recipe.Generation, recipe.Handlers)
	p.mu.Lock()
	if err != nil {
		return nil, false
	}

	p.inUse[inst] = struct{}{}
	return inst, true
}

// Release returns an acquired instance to the pool. outcome ==
// OutcomeDiscard destroys the instance instead of returning it to idle,
// used when the call left the instance in an unrecoverable state.
func (p *Pool) Release(guard *Guard, outcome Outcome) {
	p.mu.Lock()
	delete(p.inUse, guard.instance)

	switch {
	case outcome == OutcomeDiscard:
		p.destroyLocked(guard.instance)
	case p.draining:
		p.destroyLocked(guard.instance)
	case uint32(len(p.idle))+uint32(len(p.inUse)) >= p.maxInstances:
		p.destroyLocked(guard.instance)
	default:
		p.idle = append(p.idle, guard.instance)
	}

	p.cond.Broadcast()
	p.mu.Unlock()
	p.updateGauges()
}

// Drain refuses new acquires, waits for all outstanding releases, then
// destroys every instance.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	for len(p.idle) > 0 {
		inst := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.destroyLocked(inst)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for len(p.inUse) > 0 {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.updateGauges()
	return nil
}

func (p *Pool) destroyLocked(inst *sandbox.Instance) {
	_ = inst.Close(context.Background())
}

// Snapshot returns the count of instances in each state, for inventory
// and metrics collection.
func (p *Pool) Snapshot() map[types.InstanceState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[types.InstanceState]int{
		types.InstanceIdle:  len(p.idle),
		types.InstanceInUse: len(p.inUse),
	}
}

func (p *Pool) updateGauges() {
	snap := p.Snapshot()
	metrics.InstancesByState.WithLabelValues(p.componentID, string(types.InstanceIdle)).Set(float64(snap[types.InstanceIdle]))
	metrics.InstancesByState.WithLabelValues(p.componentID, string(types.InstanceInUse)).Set(float64(snap[types.InstanceInUse]))
}

// deadlineTimer wakes every waiter on cond once deadline elapses, so a
// blocked Acquire re-checks time.Now() instead of waiting forever. A
// zero deadline means no timeout; the returned timer is already stopped.
func deadlineTimer(deadline time.Time, cond *sync.Cond) *time.Timer {
	if deadline.IsZero() {
		t := time.NewTimer(0)
		t.Stop()
		return t
	}
	return time.AfterFunc(time.Until(deadline), func() {
		cond.Broadcast()
	})
}
