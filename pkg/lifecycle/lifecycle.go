// Package lifecycle implements the Component Lifecycle Manager: Scale,
// Update, and Stop operations over per-component Instance Pools, each
// serialized through a small one-goroutine actor so commands for the
// same component never race while commands for different components
// run fully in parallel.
package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/wasmbus-host/pkg/events"
	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/pool"
	"github.com/cuemby/wasmbus-host/pkg/provider"
	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// commandInbox is sized to let a short burst of control-plane commands
// for one component be enqueued without waiting on the actor; each
// sender still blocks until its own command's reply arrives.
const commandInbox = 8

type actorCommand struct {
	kind  string
	scale scaleRequest
	update string
	reply  chan error
}

type scaleRequest struct {
	artifactRef  string
	maxInstances uint32
	annotations  map[string]string
	configRefs   []string
}

// componentActor serializes every command issued against one
// component_id. Its identity/digest/generation fields are touched only
// from within run, so no further locking is needed around them.
type componentActor struct {
	inbox    chan actorCommand
	identity types.ComponentIdentity
	digest   string
	generation uint64
}

// Manager owns every hosted component's Instance Pool and command
// actor, plus the capability provider processes started alongside them.
type Manager struct {
	engine   *sandbox.Engine
	handlers sandbox.HandlerSet
	fetcher  ArtifactFetcher
	events   *events.Broker
	providers *provider.Supervisor

	hostID  string
	lattice string

	mu     sync.RWMutex
	pools  map[string]*pool.Pool
	actors map[string]*componentActor

	providersMu      sync.Mutex
	runningProviders map[string]types.ProviderIdentity
}

// Config configures a new Manager.
type Config struct {
	HostID    string
	Lattice   string
	Engine    *sandbox.Engine
	Handlers  sandbox.HandlerSet
	Fetcher   ArtifactFetcher
	Events    *events.Broker
	Providers *provider.Supervisor
}

// New constructs a Manager. Providers may be nil when this host does
// not supervise capability provider processes.
func New(cfg Config) *Manager {
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = FileHTTPFetcher{}
	}
	return &Manager{
		engine:           cfg.Engine,
		handlers:         cfg.Handlers,
		fetcher:          fetcher,
		events:           cfg.Events,
		providers:        cfg.Providers,
		hostID:           cfg.HostID,
		lattice:          cfg.Lattice,
		pools:            make(map[string]*pool.Pool),
		actors:           make(map[string]*componentActor),
		runningProviders: make(map[string]types.ProviderIdentity),
	}
}

// PoolFor implements pkg/router.PoolProvider: it is read-only and safe
// for concurrent use while Scale/Update/Stop run for other components.
func (m *Manager) PoolFor(componentID string) (*pool.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[componentID]
	return p, ok
}

func (m *Manager) getOrCreateActor(componentID string) *componentActor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if actor, ok := m.actors[componentID]; ok {
		return actor
	}
	actor := &componentActor{inbox: make(chan actorCommand, commandInbox)}
	m.actors[componentID] = actor
	go m.run(componentID, actor)
	return actor
}

func (m *Manager) run(componentID string, actor *componentActor) {
	for cmd := range actor.inbox {
		switch cmd.kind {
		case "scale":
			cmd.reply <- m.applyScale(componentID, actor, cmd.scale)
		case "update":
			cmd.reply <- m.applyUpdate(componentID, actor, cmd.update)
		case "stop":
			cmd.reply <- m.applyStop(componentID, actor)
			return
		}
	}
}

func (m *Manager) send(ctx context.Context, componentID string, cmd actorCommand) error {
	actor := m.getOrCreateActor(componentID)
	select {
	case actor.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scale is idempotent: a request with the same artifact reference, max
// instances, annotations, and config refs as the component's current
// state is a no-op. A request naming a different artifact reference for
// an existing component is rejected — callers must use Update.
func (m *Manager) Scale(ctx context.Context, componentID, artifactRef string, maxInstances uint32, annotations map[string]string, configRefs []string) error {
	reply := make(chan error, 1)
	return m.send(ctx, componentID, actorCommand{
		kind: "scale",
		scale: scaleRequest{
			artifactRef:  artifactRef,
			maxInstances: maxInstances,
			annotations:  annotations,
			configRefs:   configRefs,
		},
		reply: reply,
	})
}

func (m *Manager) applyScale(componentID string, actor *componentActor, req scaleRequest) error {
	ctx := context.Background()

	if actor.identity.ID == "" {
		artifactBytes, err := m.fetcher.Fetch(ctx, req.artifactRef)
		if err != nil {
			return types.NewError(types.KindArtifactError, "lifecycle.scale", err)
		}
		ref, err := m.engine.Compile(ctx, artifactBytes)
		if err != nil {
			return err
		}

		p := pool.New(componentID, m.engine)
		p.SetRecipe(pool.BuildRecipe{Ref: ref, Generation: 1, Handlers: m.handlers})
		p.Resize(req.maxInstances)

		m.mu.Lock()
		m.pools[componentID] = p
		m.mu.Unlock()

		actor.identity = types.ComponentIdentity{
			ID:                componentID,
			ArtifactReference: req.artifactRef,
			MaxInstances:      req.maxInstances,
			Annotations:       req.annotations,
			ConfigRefs:        req.configRefs,
		}
		actor.digest = ref.Digest
		actor.generation = 1

		m.publish(events.EventComponentScaled, fmt.Sprintf("scaled to %d instances", req.maxInstances),
			events.ComponentScaledPayload{ComponentID: componentID, MaxInstances: req.maxInstances})
		return nil
	}

	if actor.identity.ArtifactReference != req.artifactRef {
		return types.NewError(types.KindValidationError, "lifecycle.scale",
			fmt.Errorf("component %s is running artifact %s, not %s: use Update", componentID, actor.identity.ArtifactReference, req.artifactRef))
	}

	if actor.identity.MaxInstances == req.maxInstances &&
		maps.Equal(actor.identity.Annotations, req.annotations) &&
		slices.Equal(actor.identity.ConfigRefs, req.configRefs) {
		return nil
	}

	p, ok := m.PoolFor(componentID)
	if !ok {
		return types.NewError(types.KindValidationError, "lifecycle.scale", types.ErrTargetNotRunning)
	}
	p.Resize(req.maxInstances)

	actor.identity.MaxInstances = req.maxInstances
	actor.identity.Annotations = req.annotations
	actor.identity.ConfigRefs = req.configRefs

	m.publish(events.EventComponentScaled, fmt.Sprintf("scaled to %d instances", req.maxInstances),
		events.ComponentScaledPayload{ComponentID: componentID, MaxInstances: req.maxInstances})
	return nil
}

// Update compiles newArtifactRef and atomically swaps the component's
// pool build recipe. In-flight calls on instances of the old generation
// run to completion; every subsequent acquire yields an instance of the
// new generation.
func (m *Manager) Update(ctx context.Context, componentID, newArtifactRef string) error {
	reply := make(chan error, 1)
	return m.send(ctx, componentID, actorCommand{kind: "update", update: newArtifactRef, reply: reply})
}

func (m *Manager) applyUpdate(componentID string, actor *componentActor, newArtifactRef string) error {
	if actor.identity.ID == "" {
		return types.NewError(types.KindValidationError, "lifecycle.update", types.ErrTargetNotRunning)
	}

	ctx := context.Background()
	artifactBytes, err := m.fetcher.Fetch(ctx, newArtifactRef)
	if err != nil {
		return types.NewError(types.KindArtifactError, "lifecycle.update", err)
	}
	ref, err := m.engine.Compile(ctx, artifactBytes)
	if err != nil {
		return err
	}

	p, ok := m.PoolFor(componentID)
	if !ok {
		return types.NewError(types.KindValidationError, "lifecycle.update", types.ErrTargetNotRunning)
	}

	actor.generation++
	p.SetRecipe(pool.BuildRecipe{Ref: ref, Generation: actor.generation, Handlers: m.handlers})

	actor.identity.ArtifactReference = newArtifactRef
	actor.digest = ref.Digest

	m.publish(events.EventComponentUpdated, "artifact updated",
		events.ComponentUpdatedPayload{ComponentID: componentID, ArtifactRef: newArtifactRef})
	return nil
}

// Stop resizes the component's pool to zero, drains it, and removes the
// component. Stopping a component that is not running is a no-op.
func (m *Manager) Stop(ctx context.Context, componentID string) error {
	m.mu.RLock()
	_, exists := m.actors[componentID]
	m.mu.RUnlock()
	if !exists {
		return nil
	}

	reply := make(chan error, 1)
	return m.send(ctx, componentID, actorCommand{kind: "stop", reply: reply})
}

func (m *Manager) applyStop(componentID string, actor *componentActor) error {
	if actor.identity.ID == "" {
		m.removeComponent(componentID)
		return nil
	}

	p, ok := m.PoolFor(componentID)
	if ok {
		p.Resize(0)
		if err := p.Drain(context.Background()); err != nil {
			log.Logger.Warn().Err(err).Str("component_id", componentID).Msg("lifecycle: drain did not complete cleanly on stop")
		}
	}

	m.removeComponent(componentID)
	m.publish(events.EventComponentStopped, "stopped", events.ComponentStoppedPayload{ComponentID: componentID})
	return nil
}

func (m *Manager) removeComponent(componentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, componentID)
	delete(m.actors, componentID)
}

func (m *Manager) publish(eventType events.EventType, message string, payload interface{}) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:    eventType,
		Message: message,
		Payload: payload,
	})
}

// StartedComponents returns an inventory snapshot of every component
// this manager currently hosts.
func (m *Manager) StartedComponents() []types.StartedComponent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.StartedComponent, 0, len(m.actors))
	for id, actor := range m.actors {
		if actor.identity.ID == "" {
			continue
		}
		instanceCount := 0
		if p, ok := m.pools[id]; ok {
			snap := p.Snapshot()
			instanceCount = snap[types.InstanceIdle] + snap[types.InstanceInUse]
		}
		out = append(out, types.StartedComponent{
			ID:            actor.identity.ID,
			ArtifactRef:   actor.identity.ArtifactReference,
			MaxInstances:  actor.identity.MaxInstances,
			InstanceCount: uint32(instanceCount),
			Annotations:   actor.identity.Annotations,
		})
	}
	return out
}

// ConfigRefsFor returns the named-config keys a running component was
// scaled with, for callers (pkg/router's ConfigProvider adapter) that
// need to resolve a target's own config rather than a link's.
func (m *Manager) ConfigRefsFor(componentID string) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actor, ok := m.actors[componentID]
	if !ok || actor.identity.ID == "" {
		return nil, false
	}
	return actor.identity.ConfigRefs, true
}

// PoolSnapshots returns each hosted component's per-state instance
// counts, keyed by component_id, for pkg/metrics.InventorySource.
func (m *Manager) PoolSnapshots() map[string]map[types.InstanceState]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[types.InstanceState]int, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.Snapshot()
	}
	return out
}

// StartProvider launches identity as a supervised process. Starting a
// provider id that is already running is a no-op.
func (m *Manager) StartProvider(ctx context.Context, identity types.ProviderIdentity) error {
	if m.providers == nil {
		return types.NewError(types.KindValidationError, "lifecycle.start_provider", fmt.Errorf("no provider supervisor configured"))
	}

	m.providersMu.Lock()
	defer m.providersMu.Unlock()

	if _, ok := m.runningProviders[identity.ID]; ok {
		return nil
	}
	if err := m.providers.Start(ctx, m.hostID, m.lattice, identity); err != nil {
		return types.NewError(types.KindArtifactError, "lifecycle.start_provider", err)
	}
	identity.StartedAt = time.Now()
	m.runningProviders[identity.ID] = identity
	m.publish(events.EventProviderStarted, "provider started", events.ProviderStartedPayload{ProviderID: identity.ID})
	return nil
}

// StopProvider tears down a running provider process. Stopping a
// provider id that is not running is a no-op.
func (m *Manager) StopProvider(ctx context.Context, providerID string) error {
	if m.providers == nil {
		return nil
	}

	m.providersMu.Lock()
	defer m.providersMu.Unlock()

	if _, ok := m.runningProviders[providerID]; !ok {
		return nil
	}
	if err := m.providers.Stop(ctx, providerID, provider.DefaultStopTimeout); err != nil {
		return types.NewError(types.KindArtifactError, "lifecycle.stop_provider", err)
	}
	delete(m.runningProviders, providerID)
	m.publish(events.EventProviderStopped, "provider stopped", events.ProviderStoppedPayload{ProviderID: providerID})
	return nil
}

// RunningProviders returns an inventory snapshot of every provider
// process this manager currently supervises.
func (m *Manager) RunningProviders() []types.ProviderIdentity {
	m.providersMu.Lock()
	defer m.providersMu.Unlock()

	out := make([]types.ProviderIdentity, 0, len(m.runningProviders))
	for _, identity := range m.runningProviders {
		out = append(out, identity)
	}
	return out
}
