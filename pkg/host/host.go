// Package host wires the Transport, Chunk Store, Sandbox Engine,
// Capability Handler Set, Link & Config Registry, Invocation Router,
// Instance Pool, Component Lifecycle Manager, Control Plane, and Policy
// Gate components into one running process, bootstrapped from a
// types.HostData document.
package host

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/wasmbus-host/pkg/capability"
	"github.com/cuemby/wasmbus-host/pkg/chunkstore"
	"github.com/cuemby/wasmbus-host/pkg/control"
	"github.com/cuemby/wasmbus-host/pkg/events"
	"github.com/cuemby/wasmbus-host/pkg/hostid"
	"github.com/cuemby/wasmbus-host/pkg/lifecycle"
	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/metrics"
	"github.com/cuemby/wasmbus-host/pkg/policy"
	"github.com/cuemby/wasmbus-host/pkg/provider"
	"github.com/cuemby/wasmbus-host/pkg/registry"
	"github.com/cuemby/wasmbus-host/pkg/router"
	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/security"
	"github.com/cuemby/wasmbus-host/pkg/transport"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// Config bundles the bootstrap document with process-level knobs that
// do not belong in host-data because they describe this machine, not
// this lattice membership.
type Config struct {
	HostData types.HostData

	// DataDir holds this host's local persistence: hostid.db and
	// registry.db.
	DataDir string

	// ContainerdSocket, when non-empty, starts a pkg/provider.Supervisor
	// so this host can serve Start/Stop Provider commands. A host that
	// never hosts capability providers of its own can leave this empty.
	ContainerdSocket string

	Version string
}

// Host owns every component for one running process and satisfies the
// interfaces pkg/router, pkg/control, and pkg/metrics depend on rather
// than importing each other directly.
type Host struct {
	id      string
	lattice string
	labels  map[string]string
	version string

	startedAt time.Time

	idStore   *hostid.Store
	transport *transport.Transport
	registry  *registry.Registry
	engine    *sandbox.Engine
	chunks    *chunkstore.Store
	providers *provider.Supervisor
	lifecycle *lifecycle.Manager
	policy    *policy.Gate
	router    *router.Router
	capSet    *capability.Set
	control   *control.Plane
	collector *metrics.Collector
	broker    *events.Broker

	servedMu sync.Mutex
	served   map[string]*transport.Subscription

	stopOnce      sync.Once
	stopRequested chan struct{}
}

// New bootstraps every component in dependency order: identity,
// transport, persistence, the sandbox engine, the capability dispatch
// loop, and finally the control plane. The returned Host is not yet
// serving; Start makes the control plane's subscriptions.
func New(ctx context.Context, cfg Config) (*Host, error) {
	data := cfg.HostData
	if data.Lattice == "" {
		return nil, fmt.Errorf("host: host-data missing lattice")
	}
	if data.TransportURL == "" {
		return nil, fmt.Errorf("host: host-data missing transport_url")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("host: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("host: create data dir: %w", err)
	}

	idStore, err := hostid.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("host: open identity store: %w", err)
	}
	hostID, err := idStore.LoadOrCreate(data.HostID)
	if err != nil {
		idStore.Close()
		return nil, fmt.Errorf("host: resolve host id: %w", err)
	}

	tp, err := connectTransport(data, hostID)
	if err != nil {
		idStore.Close()
		return nil, err
	}

	cache, err := registry.OpenWarmCache(cfg.DataDir)
	if err != nil {
		tp.Close()
		idStore.Close()
		return nil, fmt.Errorf("host: open registry warm cache: %w", err)
	}
	reg := registry.New(cache)
	seedRegistry(reg, data)

	engine := sandbox.NewEngine(ctx)
	chunks := chunkstore.New(tp.Conn(), data.Lattice)
	broker := events.NewBroker()
	broker.Start()

	var providers *provider.Supervisor
	if cfg.ContainerdSocket != "" {
		providers, err = provider.New(provider.Config{SocketPath: cfg.ContainerdSocket})
		if err != nil {
			reg.Close()
			tp.Close()
			idStore.Close()
			broker.Stop()
			return nil, fmt.Errorf("host: connect provider supervisor: %w", err)
		}
	}

	h := &Host{
		id:            hostID,
		lattice:       data.Lattice,
		labels:        data.Labels,
		version:       cfg.Version,
		startedAt:     time.Now(),
		idStore:       idStore,
		transport:     tp,
		registry:      reg,
		engine:        engine,
		chunks:        chunks,
		providers:     providers,
		broker:        broker,
		served:        make(map[string]*transport.Subscription),
		stopRequested: make(chan struct{}),
	}

	// capability.NewSet needs the Router as its outbound Dispatcher, and
	// the Router needs the lifecycle Manager as its PoolProvider, but the
	// lifecycle Manager needs the capability Set as its HandlerSet: a
	// three-way cycle. handlerSetRef breaks it by giving the Manager a
	// HandlerSet whose backing Set is bound once both halves exist.
	handlers := &handlerSetRef{}

	h.lifecycle = lifecycle.New(lifecycle.Config{
		HostID:    hostID,
		Lattice:   data.Lattice,
		Engine:    engine,
		Handlers:  handlers,
		Events:    broker,
		Providers: providers,
	})

	if data.PolicySubject != "" {
		gate, err := policy.New(policy.Config{
			Transport: tp,
			Subject:   data.PolicySubject,
		})
		if err != nil {
			h.closePartial(ctx)
			return nil, fmt.Errorf("host: construct policy gate: %w", err)
		}
		h.policy = gate
	}

	defaultTimeout := time.Duration(data.DefaultRPCTimeoutMS) * time.Millisecond

	h.router = router.New(router.Config{
		Lattice:        data.Lattice,
		HostID:         hostID,
		Transport:      tp,
		Chunks:         chunks,
		Engine:         engine,
		Registry:       reg,
		Pools:          h.lifecycle,
		Config:         h,
		Policy:         h.policyGate(),
		DefaultTimeout: defaultTimeout,
	})

	h.capSet = capability.NewSet(h.router)
	handlers.bind(h.capSet)

	h.control = control.New(control.Config{
		Transport:         tp,
		Registry:          reg,
		Lifecycle:         h,
		Events:            broker,
		Lattice:           data.Lattice,
		HostID:            hostID,
		CtlPrefix:         data.CtlPrefix,
		Labels:            data.Labels,
		Version:           cfg.Version,
		HeartbeatInterval: time.Duration(data.HeartbeatIntervalS) * time.Second,
	})
	h.control.OnStopHost = func(context.Context) { h.RequestStop() }

	h.collector = metrics.NewCollector(h)

	return h, nil
}

func connectTransport(data types.HostData, hostID string) (*transport.Transport, error) {
	opts, err := security.Options(security.TransportCreds{CredsFile: data.TransportCredsFile})
	if err != nil {
		return nil, fmt.Errorf("host: build transport credentials: %w", err)
	}
	tp, err := transport.Connect(transport.Config{
		URL:  data.TransportURL,
		Name: "wasmbus-host-" + hostID,
		Opts: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("host: connect transport: %w", err)
	}
	return tp, nil
}

func seedRegistry(reg *registry.Registry, data types.HostData) {
	for _, l := range data.Links {
		reg.PutLink(types.Link{
			SourceID:         l.SourceID,
			WITNamespace:     l.WITNamespace,
			WITPackage:       l.WITPackage,
			WITInterface:     l.WITInterface,
			LinkName:         l.LinkName,
			TargetID:         l.TargetID,
			SourceConfigRefs: l.SourceConfigRefs,
			TargetConfigRefs: l.TargetConfigRefs,
		})
	}
	for _, c := range data.Config {
		reg.PutConfig(c.Name, c.Values)
	}
}

func (h *Host) policyGate() router.PolicyGate {
	if h.policy == nil {
		return nil
	}
	return h.policy
}

// closePartial tears down whatever was constructed before a mid-bootstrap
// failure in New.
func (h *Host) closePartial(ctx context.Context) {
	h.engine.Close(ctx)
	h.registry.Close()
	h.transport.Close()
	h.idStore.Close()
	h.broker.Stop()
	if h.providers != nil {
		h.providers.Close()
	}
}

// Start begins serving the control plane's subscriptions and the
// periodic metrics collector.
func (h *Host) Start(ctx context.Context) error {
	if err := h.control.Start(ctx); err != nil {
		return fmt.Errorf("host: start control plane: %w", err)
	}
	h.collector.Start()
	h.broker.Publish(&events.Event{Type: events.EventHostStarted, Message: "host started", Payload: events.HostStartedPayload{HostID: h.id}})
	log.Logger.Info().Str("host_id", h.id).Str("lattice", h.lattice).Msg("host started")
	return nil
}

// StopRequested returns a channel closed when a Stop Host command
// addressed to this host arrives, so a process's main loop can select on
// it alongside OS signals.
func (h *Host) StopRequested() <-chan struct{} {
	return h.stopRequested
}

// RequestStop signals StopRequested. Safe to call more than once or
// concurrently with Close.
func (h *Host) RequestStop() {
	h.stopOnce.Do(func() { close(h.stopRequested) })
}

// Close drains every hosted component, then tears down every wired
// component in reverse construction order.
func (h *Host) Close(ctx context.Context) error {
	h.broker.Publish(&events.Event{Type: events.EventHostStopped, Message: "host stopping", Payload: events.HostStoppedPayload{HostID: h.id}})

	for _, c := range h.lifecycle.StartedComponents() {
		if err := h.Stop(ctx, c.ID); err != nil {
			log.Logger.Warn().Err(err).Str("component_id", c.ID).Msg("host: component did not stop cleanly on shutdown")
		}
	}
	for _, p := range h.lifecycle.RunningProviders() {
		if err := h.lifecycle.StopProvider(ctx, p.ID); err != nil {
			log.Logger.Warn().Err(err).Str("provider_id", p.ID).Msg("host: provider did not stop cleanly on shutdown")
		}
	}

	h.collector.Stop()
	h.control.Close()
	if h.policy != nil {
		if err := h.policy.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("host: policy gate close failed")
		}
	}
	if h.providers != nil {
		if err := h.providers.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("host: provider supervisor close failed")
		}
	}
	if err := h.engine.Close(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("host: sandbox engine close failed")
	}
	if err := h.registry.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("host: registry close failed")
	}
	h.broker.Stop()
	h.transport.Close()
	if err := h.idStore.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("host: identity store close failed")
	}
	return nil
}

// Scale implements pkg/control.ComponentManager. On a component's first
// successful scale it also begins serving that component's inbound RPC
// subject, which pkg/lifecycle has no reason to know about.
func (h *Host) Scale(ctx context.Context, componentID, artifactRef string, maxInstances uint32, annotations map[string]string, configRefs []string) error {
	if err := h.lifecycle.Scale(ctx, componentID, artifactRef, maxInstances, annotations, configRefs); err != nil {
		return err
	}
	return h.ensureServing(componentID)
}

func (h *Host) ensureServing(componentID string) error {
	h.servedMu.Lock()
	defer h.servedMu.Unlock()
	if _, ok := h.served[componentID]; ok {
		return nil
	}
	sub, err := h.router.ServeComponent(componentID)
	if err != nil {
		return fmt.Errorf("host: serve component %s: %w", componentID, err)
	}
	h.served[componentID] = sub
	return nil
}

// Update implements pkg/control.ComponentManager.
func (h *Host) Update(ctx context.Context, componentID, newArtifactRef string) error {
	return h.lifecycle.Update(ctx, componentID, newArtifactRef)
}

// Stop implements pkg/control.ComponentManager: it stops the component's
// instance pool and unsubscribes its inbound RPC subject.
func (h *Host) Stop(ctx context.Context, componentID string) error {
	if err := h.lifecycle.Stop(ctx, componentID); err != nil {
		return err
	}
	h.servedMu.Lock()
	sub, ok := h.served[componentID]
	delete(h.served, componentID)
	h.servedMu.Unlock()
	if ok {
		if err := sub.Unsubscribe(); err != nil {
			log.Logger.Warn().Err(err).Str("component_id", componentID).Msg("host: unsubscribe component RPC subject failed")
		}
	}
	return nil
}

// StartProvider implements pkg/control.ComponentManager.
func (h *Host) StartProvider(ctx context.Context, identity types.ProviderIdentity) error {
	return h.lifecycle.StartProvider(ctx, identity)
}

// StopProvider implements pkg/control.ComponentManager.
func (h *Host) StopProvider(ctx context.Context, providerID string) error {
	return h.lifecycle.StopProvider(ctx, providerID)
}

// StartedComponents implements pkg/control.ComponentManager.
func (h *Host) StartedComponents() []types.StartedComponent {
	return h.lifecycle.StartedComponents()
}

// RunningProviders implements pkg/control.ComponentManager.
func (h *Host) RunningProviders() []types.ProviderIdentity {
	return h.lifecycle.RunningProviders()
}

// ConfigValuesFor implements pkg/router.ConfigProvider: a component's own
// named-config refs, merged in declaration order so a later ref's keys
// win on overlap.
func (h *Host) ConfigValuesFor(componentID string) map[string]string {
	refs, ok := h.lifecycle.ConfigRefsFor(componentID)
	if !ok {
		return map[string]string{}
	}
	merged := map[string]string{}
	for _, ref := range refs {
		values, ok := h.registry.GetConfig(ref)
		if !ok {
			continue
		}
		for k, v := range values {
			merged[k] = v
		}
	}
	return merged
}

// Inventory implements pkg/metrics.InventorySource.
func (h *Host) Inventory() types.HostInventory {
	return types.HostInventory{
		HostID:     h.id,
		Labels:     h.labels,
		Components: h.lifecycle.StartedComponents(),
		Providers:  h.lifecycle.RunningProviders(),
		Uptime:     time.Since(h.startedAt),
		Version:    h.version,
	}
}

// PoolSnapshot implements pkg/metrics.InventorySource.
func (h *Host) PoolSnapshot() map[string]map[types.InstanceState]int {
	return h.lifecycle.PoolSnapshots()
}

// ID returns this host's stable identity.
func (h *Host) ID() string { return h.id }

// handlerSetRef is a sandbox.HandlerSet whose backing capability.Set is
// bound after construction, breaking the lifecycle/router/capability
// wiring cycle.
type handlerSetRef struct {
	mu  sync.RWMutex
	set sandbox.HandlerSet
}

func (h *handlerSetRef) bind(set sandbox.HandlerSet) {
	h.mu.Lock()
	h.set = set
	h.mu.Unlock()
}

func (h *handlerSetRef) Handle(ctx context.Context, witInterface, operation string, payload []byte) ([]byte, error) {
	h.mu.RLock()
	set := h.set
	h.mu.RUnlock()
	if set == nil {
		return nil, types.NewError(types.KindValidationError, "host.handle", fmt.Errorf("capability handler set not yet bound"))
	}
	return set.Handle(ctx, witInterface, operation, payload)
}
