// Package sandbox implements the Sandbox Engine component: compiling a
// WebAssembly artifact once and instantiating it cheaply, using
// tetratelabs/wazero as the pure-Go runtime. The only way guest code
// reaches outside its own linear memory is through the host functions
// wired here, each of which forwards to a HandlerSet.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/wasmbus-host/pkg/metrics"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// HandlerSet is the capability dispatch surface a sandboxed Instance can
// reach through its host-function imports. pkg/capability implements
// this; pkg/sandbox depends only on the interface to avoid an import
// cycle.
type HandlerSet interface {
	Handle(ctx context.Context, witInterface, operation string, payload []byte) ([]byte, error)
}

// Digest returns the hex SHA-256 digest of artifact bytes.
func Digest(artifactBytes []byte) string {
	sum := sha256.Sum256(artifactBytes)
	return hex.EncodeToString(sum[:])
}

// CompiledRef is a reusable compiled module, keyed by artifact digest
// and shared across every component that references that digest.
type CompiledRef struct {
	Digest   string
	compiled wazero.CompiledModule
}

// Engine owns the wazero runtime and the compile cache shared by every
// hosted component.
type Engine struct {
	runtime wazero.Runtime

	mu    sync.Mutex
	cache map[string]*CompiledRef
	group singleflight.Group
}

// NewEngine constructs an Engine with a fresh wazero runtime.
func NewEngine(ctx context.Context) *Engine {
	return &Engine{
		runtime: wazero.NewRuntime(ctx),
		cache:   make(map[string]*CompiledRef),
	}
}

// Close releases the underlying wazero runtime and every module it
// compiled.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Compile returns the CompiledRef for artifactBytes, compiling it at
// most once per distinct digest even under concurrent callers.
func (e *Engine) Compile(ctx context.Context, artifactBytes []byte) (*CompiledRef, error) {
	digest := Digest(artifactBytes)

	e.mu.Lock()
	if ref, ok := e.cache[digest]; ok {
		e.mu.Unlock()
		metrics.CompileCacheHitsTotal.Inc()
		return ref, nil
	}
	e.mu.Unlock()

	result, err, _ := e.group.Do(digest, func() (any, error) {
		timer := metrics.NewTimer()
		compiled, err := e.runtime.CompileModule(ctx, artifactBytes)
		if err != nil {
			return nil, types.NewError(types.KindArtifactError, "sandbox.compile", err)
		}
		timer.ObserveDuration(metrics.CompileDuration)

		ref := &CompiledRef{Digest: digest, compiled: compiled}

		e.mu.Lock()
		e.cache[digest] = ref
		e.mu.Unlock()

		return ref, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*CompiledRef), nil
}

// Evict drops a compiled module from the cache and closes it, used when
// an artifact digest is no longer referenced by any component.
func (e *Engine) Evict(ctx context.Context, digest string) {
	e.mu.Lock()
	ref, ok := e.cache[digest]
	delete(e.cache, digest)
	e.mu.Unlock()

	if ok {
		_ = ref.compiled.Close(ctx)
	}
}

// Instance is one ready-to-invoke sandboxed realization of a
// CompiledRef.
type Instance struct {
	ComponentID string
	Generation  uint64
	CreatedAt   time.Time
	LastUsedAt  time.Time

	module api.Module
	digest string
}

// Info returns a read-only snapshot of the instance's bookkeeping
// fields.
func (inst *Instance) Info(state types.InstanceState) types.InstanceInfo {
	return types.InstanceInfo{
		ComponentID: inst.ComponentID,
		Generation:  inst.Generation,
		State:       state,
		CreatedAt:   inst.CreatedAt,
		LastUsedAt:  inst.LastUsedAt,
	}
}

// Close tears down the instance's module, releasing its linear memory.
func (inst *Instance) Close(ctx context.Context) error {
	return inst.module.Close(ctx)
}

// Instantiate builds a new Instance bound to ref, with handlers wired as
// the module's host-function imports. The "wasmbus" host module is
// instantiated once per Engine, on the first call, bound to that call's
// handlers; later calls reuse it, so every Instance of an Engine reaches
// the same HandlerSet. Instantiation itself never touches the
// filesystem, network, clock, or randomness; those are only reachable by
// the guest calling back into handlers once running.
func (e *Engine) Instantiate(ctx context.Context, ref *CompiledRef, componentID string, generation uint64, handlers HandlerSet) (*Instance, error) {
	e.mu.Lock()
	if e.runtime.Module(hostModuleName) == nil {
		hostModule, err := buildHostModule(ctx, e.runtime, handlers)
		if err != nil {
			e.mu.Unlock()
			return nil, types.NewError(types.KindArtifactError, "sandbox.instantiate", err)
		}
		if _, err := hostModule.Instantiate(ctx); err != nil {
			e.mu.Unlock()
			return nil, types.NewError(types.KindArtifactError, "sandbox.instantiate_host_module", err)
		}
	}
	e.mu.Unlock()

	cfg := wazero.NewModuleConfig().
		WithStdin(nil).
		WithStdout(nil).
		WithStderr(nil).
		WithStartFunctions() // guest instantiation performs no implicit start; first boundary call happens under Invoke.

	module, err := e.runtime.InstantiateModule(ctx, ref.compiled, cfg)
	if err != nil {
		return nil, types.NewError(types.KindArtifactError, "sandbox.instantiate_module", err)
	}

	now := time.Now()
	return &Instance{
		ComponentID: componentID,
		Generation:  generation,
		CreatedAt:   now,
		LastUsedAt:  now,
		module:      module,
		digest:      ref.Digest,
	}, nil
}

// Invoke runs one exported call on inst, with cx attached to ctx for the
// host-function trampolines. cx.Deadline is not enforced here: once
// started, a guest call runs until it returns or traps. A guest trap is
// translated into a KindSandboxTrap error; the caller is responsible for
// discarding the instance afterward.
func (e *Engine) Invoke(ctx context.Context, inst *Instance, witInterface, operation string, payload []byte, cx CallContext) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.KindSandboxTrap, "sandbox.invoke", fmt.Errorf("guest panic: %v", r))
		}
	}()

	inst.LastUsedAt = time.Now()

	exportName := exportFuncName(witInterface, operation)
	fn := inst.module.ExportedFunction(exportName)
	if fn == nil {
		return nil, types.NewError(types.KindValidationError, "sandbox.invoke",
			fmt.Errorf("no exported function %s", exportName))
	}

	ctx = WithCallContext(ctx, cx)

	ptr, length, err := writeGuestPayload(ctx, inst.module, payload)
	if err != nil {
		return nil, types.NewError(types.KindSandboxTrap, "sandbox.invoke", err)
	}

	results, err := fn.Call(ctx, ptr, length)
	if err != nil {
		return nil, types.NewError(types.KindSandboxTrap, "sandbox.invoke", err)
	}

	return readGuestResult(inst.module, results)
}

// CallContext is the per-call context passed to a running instance: the
// trace context, deadline, named-config snapshot, and the identity of
// the call's source. It is attached to ctx.Context under an internal
// key so host-function trampolines can recover it.
type CallContext struct {
	TraceContext types.TraceContext
	Deadline     time.Time
	Source       string
	ConfigValues map[string]string

	// Idempotent carries forward the originating Invocation's
	// read-only-or-idempotent marking, so any outbound call chain
	// stemming from it is eligible for the router's at-most-one retry
	// on a transient transport failure.
	Idempotent bool

	// LinkOverrides holds any link-name overrides set by the guest via
	// set_link_name during this invocation, keyed by WIT interface
	// identity. Shared by reference for the life of the invocation, so a
	// mid-call override affects subsequent outbound calls from the same
	// invocation only.
	LinkOverrides *sync.Map
}

// NewCallContext builds a CallContext with a fresh, empty set of
// link-name overrides.
func NewCallContext(tc types.TraceContext, deadline time.Time, source string, configValues map[string]string) CallContext {
	return CallContext{
		TraceContext:  tc,
		Deadline:      deadline,
		Source:        source,
		ConfigValues:  configValues,
		LinkOverrides: &sync.Map{},
	}
}

// WithIdempotent returns a copy of cx marked idempotent, sharing the
// same LinkOverrides map.
func (cx CallContext) WithIdempotent(idempotent bool) CallContext {
	cx.Idempotent = idempotent
	return cx
}

type callContextKey struct{}

// WithCallContext attaches cx to ctx so a host-function trampoline
// running on the same call stack can recover it via CallContextFrom.
func WithCallContext(ctx context.Context, cx CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cx)
}

// CallContextFrom recovers the CallContext attached by Invoke, for use
// inside host-function trampolines and capability handlers.
func CallContextFrom(ctx context.Context) (CallContext, bool) {
	cx, ok := ctx.Value(callContextKey{}).(CallContext)
	return cx, ok
}
