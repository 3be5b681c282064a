// Package control implements the Control Plane component: subject
// subscriptions for every lifecycle, link, config, and inventory
// command in the external interface table, the ack envelope every
// command reply shares, host heartbeats, and forwarding of internal
// pkg/events onto the lattice as typed JSON events.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cuemby/wasmbus-host/pkg/events"
	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/metrics"
	"github.com/cuemby/wasmbus-host/pkg/registry"
	"github.com/cuemby/wasmbus-host/pkg/transport"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// DefaultHeartbeatInterval is used when a host's bootstrap document
// does not override it.
const DefaultHeartbeatInterval = 30 * time.Second

// ComponentManager is the subset of pkg/lifecycle.Manager the Control
// Plane drives. Declared locally so this package depends only on the
// interface, avoiding an import-cycle constraint on the Host's wiring.
type ComponentManager interface {
	Scale(ctx context.Context, componentID, artifactRef string, maxInstances uint32, annotations map[string]string, configRefs []string) error
	Update(ctx context.Context, componentID, newArtifactRef string) error
	Stop(ctx context.Context, componentID string) error
	StartProvider(ctx context.Context, identity types.ProviderIdentity) error
	StopProvider(ctx context.Context, providerID string) error
	StartedComponents() []types.StartedComponent
	RunningProviders() []types.ProviderIdentity
}

// Ack is the envelope every control-plane command reply shares: the
// Success flag is authoritative, Message is for human operators only,
// and Response carries the operation's typed result, if any.
type Ack struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Response any    `json:"response,omitempty"`
}

// Plane wires the Control Plane's subject subscriptions to the
// Component Lifecycle Manager and the Link & Config Registry, and
// forwards internal events onto the lattice.
type Plane struct {
	transport *transport.Transport
	registry  *registry.Registry
	lifecycle ComponentManager
	broker    *events.Broker

	lattice   string
	hostID    string
	ctlPrefix string
	labels    map[string]string
	version   string

	heartbeatInterval time.Duration
	startedAt         time.Time

	// OnStopHost is invoked on its own goroutine when a Stop Host command
	// addressed to this host arrives; the ack is published without
	// waiting for it. A nil value makes Stop Host a no-op beyond
	// acknowledging the command.
	OnStopHost func(ctx context.Context)

	mu     sync.Mutex
	subs   []*transport.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a new Plane.
type Config struct {
	Transport         *transport.Transport
	Registry          *registry.Registry
	Lifecycle         ComponentManager
	Events            *events.Broker
	Lattice           string
	HostID            string
	CtlPrefix         string
	Labels            map[string]string
	Version           string
	HeartbeatInterval time.Duration
}

// New constructs a Plane from cfg. Call Start to begin serving.
func New(cfg Config) *Plane {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Plane{
		transport:         cfg.Transport,
		registry:          cfg.Registry,
		lifecycle:         cfg.Lifecycle,
		broker:            cfg.Events,
		lattice:           cfg.Lattice,
		hostID:            cfg.HostID,
		ctlPrefix:         cfg.CtlPrefix,
		labels:            cfg.Labels,
		version:           cfg.Version,
		heartbeatInterval: interval,
		startedAt:         time.Now(),
	}
}

// Start subscribes to every subject this host serves and begins the
// heartbeat loop and event-forwarding goroutine.
func (p *Plane) Start(ctx context.Context) error {
	subscriptions := []struct {
		subject string
		group   string // empty means broadcast Subscribe, not QueueSubscribe
		handler transport.Handler
	}{
		{AuctionComponentSubject(p.ctlPrefix, p.lattice), "", p.handleAuctionComponent},
		{AuctionProviderSubject(p.ctlPrefix, p.lattice), "", p.handleAuctionProvider},
		{ScaleSubject(p.ctlPrefix, p.lattice, p.hostID), QueueGroup(p.hostID), p.wrapCommand("scale", p.handleScale)},
		{StartProviderSubject(p.ctlPrefix, p.lattice, p.hostID), QueueGroup(p.hostID), p.wrapCommand("lp", p.handleStartProvider)},
		{StopProviderSubject(p.ctlPrefix, p.lattice, p.hostID), QueueGroup(p.hostID), p.wrapCommand("sp", p.handleStopProvider)},
		{UpdateComponentSubject(p.ctlPrefix, p.lattice, p.hostID), QueueGroup(p.hostID), p.wrapCommand("upd", p.handleUpdateComponent)},
		{StopHostSubject(p.ctlPrefix, p.lattice, p.hostID), QueueGroup(p.hostID), p.wrapCommand("stop", p.handleStopHost)},
		{PutLinkSubject(p.ctlPrefix, p.lattice), "", p.wrapCommand("linkdefs.put", p.handlePutLink)},
		{DelLinkSubject(p.ctlPrefix, p.lattice), "", p.wrapCommand("linkdefs.del", p.handleDelLink)},
		{ConfigPutPattern(p.ctlPrefix, p.lattice), "", p.wrapCommand("config.put", p.handlePutConfig)},
		{ConfigDelKeyPattern(p.ctlPrefix, p.lattice), "", p.wrapCommand("config.del.key", p.handleDelConfigKey)},
		{ConfigDelAllPattern(p.ctlPrefix, p.lattice), "", p.wrapCommand("config.del.all", p.handleDelConfigAll)},
		{GetLinksSubject(p.ctlPrefix, p.lattice), "", p.handleGetLinks},
		{HostInventorySubject(p.ctlPrefix, p.lattice, p.hostID), QueueGroup(p.hostID), p.handleInventory},
		{PingHostsSubject(p.ctlPrefix, p.lattice), "", p.handlePing},
	}

	for _, s := range subscriptions {
		var sub *transport.Subscription
		var err error
		if s.group == "" {
			sub, err = p.transport.Subscribe(s.subject, s.handler)
		} else {
			sub, err = p.transport.QueueSubscribe(s.subject, s.group, s.handler)
		}
		if err != nil {
			p.unsubscribeAll()
			return fmt.Errorf("control: subscribe %s: %w", s.subject, err)
		}
		p.mu.Lock()
		p.subs = append(p.subs, sub)
		p.mu.Unlock()
	}

	p.stopCh = make(chan struct{})
	p.wg.Add(2)
	go p.heartbeatLoop()
	go p.forwardEvents()

	return nil
}

// Close unsubscribes from every subject and stops the heartbeat and
// event-forwarding goroutines.
func (p *Plane) Close() {
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.wg.Wait()
	p.unsubscribeAll()
}

func (p *Plane) unsubscribeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Logger.Warn().Err(err).Msg("control: unsubscribe failed")
		}
	}
	p.subs = nil
}

func (p *Plane) reply(msg *transport.Message, ack Ack) {
	if msg.Reply == "" {
		return
	}
	body, err := json.Marshal(ack)
	if err != nil {
		log.Logger.Error().Err(err).Msg("control: marshal ack failed")
		return
	}
	if err := p.transport.Publish(msg.Reply, body, nats.Header{}); err != nil {
		log.Logger.Warn().Err(err).Str("subject", msg.Reply).Msg("control: ack publish failed")
	}
}

func errorAck(err error) Ack {
	return Ack{Success: false, Message: err.Error()}
}

func successAck(response any) Ack {
	return Ack{Success: true, Response: response}
}

// wrapCommand times command handling and records the outcome metric,
// ensuring every handler below focuses purely on its own decode/act/ack
// logic.
func (p *Plane) wrapCommand(label string, handler func(ctx context.Context, msg *transport.Message) Ack) transport.Handler {
	return func(msg *transport.Message) {
		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.ControlCommandDuration, label)

		ack := handler(context.Background(), msg)

		outcome := "ok"
		if !ack.Success {
			outcome = "error"
		}
		metrics.ControlCommandsTotal.WithLabelValues(label, outcome).Inc()
		p.reply(msg, ack)
	}
}

type scaleCommand struct {
	ComponentID  string            `json:"component_id"`
	ArtifactRef  string            `json:"artifact_ref"`
	MaxInstances uint32            `json:"max_instances"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	ConfigRefs   []string          `json:"config_refs,omitempty"`
}

func (p *Plane) handleScale(ctx context.Context, msg *transport.Message) Ack {
	var cmd scaleCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return errorAck(types.NewError(types.KindValidationError, "control.scale", err))
	}
	if err := p.lifecycle.Scale(ctx, cmd.ComponentID, cmd.ArtifactRef, cmd.MaxInstances, cmd.Annotations, cmd.ConfigRefs); err != nil {
		return errorAck(err)
	}
	return successAck(nil)
}

type updateCommand struct {
	ComponentID    string `json:"component_id"`
	NewArtifactRef string `json:"new_artifact_ref"`
}

func (p *Plane) handleUpdateComponent(ctx context.Context, msg *transport.Message) Ack {
	var cmd updateCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return errorAck(types.NewError(types.KindValidationError, "control.update", err))
	}
	if err := p.lifecycle.Update(ctx, cmd.ComponentID, cmd.NewArtifactRef); err != nil {
		return errorAck(err)
	}
	return successAck(nil)
}

type startProviderCommand struct {
	ProviderID  string            `json:"provider_id"`
	LinkName    string            `json:"link_name"`
	ArtifactRef string            `json:"artifact_ref"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func (p *Plane) handleStartProvider(ctx context.Context, msg *transport.Message) Ack {
	var cmd startProviderCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return errorAck(types.NewError(types.KindValidationError, "control.start_provider", err))
	}
	identity := types.ProviderIdentity{
		ID:                cmd.ProviderID,
		LinkName:          cmd.LinkName,
		ArtifactReference: cmd.ArtifactRef,
		Annotations:       cmd.Annotations,
	}
	if err := p.lifecycle.StartProvider(ctx, identity); err != nil {
		return errorAck(err)
	}
	return successAck(nil)
}

type stopProviderCommand struct {
	ProviderID string `json:"provider_id"`
}

func (p *Plane) handleStopProvider(ctx context.Context, msg *transport.Message) Ack {
	var cmd stopProviderCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return errorAck(types.NewError(types.KindValidationError, "control.stop_provider", err))
	}
	if err := p.lifecycle.StopProvider(ctx, cmd.ProviderID); err != nil {
		return errorAck(err)
	}
	return successAck(nil)
}

func (p *Plane) handleStopHost(ctx context.Context, _ *transport.Message) Ack {
	if p.OnStopHost != nil {
		// Run asynchronously so the handler returns, and wrapCommand
		// publishes the ack, without waiting for teardown.
		go p.OnStopHost(ctx)
	}
	return successAck(nil)
}

func (p *Plane) handlePutLink(_ context.Context, msg *transport.Message) Ack {
	var link types.Link
	if err := json.Unmarshal(msg.Data, &link); err != nil {
		return errorAck(types.NewError(types.KindValidationError, "control.put_link", err))
	}
	p.registry.PutLink(link)
	p.publishEvent(events.EventLinkPut, "link put", events.LinkPutPayload{SourceID: link.SourceID, TargetID: link.TargetID})
	return successAck(nil)
}

func (p *Plane) handleDelLink(_ context.Context, msg *transport.Message) Ack {
	var key types.LinkKey
	if err := json.Unmarshal(msg.Data, &key); err != nil {
		return errorAck(types.NewError(types.KindValidationError, "control.del_link", err))
	}
	p.registry.DelLink(key)
	p.publishEvent(events.EventLinkDel, "link deleted", events.LinkDelPayload{SourceID: key.SourceID})
	return successAck(nil)
}

type configValue struct {
	Value string `json:"value"`
}

func (p *Plane) handlePutConfig(_ context.Context, msg *transport.Message) Ack {
	tail := splitConfigSubject(msg.Subject)
	if len(tail) != 2 {
		return errorAck(types.NewError(types.KindValidationError, "control.config_put", fmt.Errorf("malformed config subject %q", msg.Subject)))
	}
	entity, key := tail[0], tail[1]

	var v configValue
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return errorAck(types.NewError(types.KindValidationError, "control.config_put", err))
	}

	merged := map[string]string{}
	if existing, ok := p.registry.GetConfig(entity); ok {
		for k, val := range existing {
			merged[k] = val
		}
	}
	merged[key] = v.Value
	p.registry.PutConfig(entity, merged)
	p.publishEvent(events.EventConfigPut, "config key set", events.ConfigPutPayload{Entity: entity, Key: key})
	return successAck(nil)
}

func (p *Plane) handleDelConfigKey(_ context.Context, msg *transport.Message) Ack {
	tail := splitConfigSubject(msg.Subject)
	if len(tail) != 2 {
		return errorAck(types.NewError(types.KindValidationError, "control.config_del_key", fmt.Errorf("malformed config subject %q", msg.Subject)))
	}
	entity, key := tail[0], tail[1]

	existing, ok := p.registry.GetConfig(entity)
	if !ok {
		return successAck(nil)
	}
	merged := map[string]string{}
	for k, v := range existing {
		if k != key {
			merged[k] = v
		}
	}
	p.registry.PutConfig(entity, merged)
	p.publishEvent(events.EventConfigDel, "config key deleted", events.ConfigDelPayload{Entity: entity, Key: key})
	return successAck(nil)
}

func (p *Plane) handleDelConfigAll(_ context.Context, msg *transport.Message) Ack {
	tail := splitConfigSubject(msg.Subject)
	if len(tail) != 1 {
		return errorAck(types.NewError(types.KindValidationError, "control.config_del_all", fmt.Errorf("malformed config subject %q", msg.Subject)))
	}
	entity := tail[0]
	p.registry.DelConfig(entity)
	p.publishEvent(events.EventConfigDel, "config cleared", events.ConfigDelPayload{Entity: entity})
	return successAck(nil)
}

func (p *Plane) handleGetLinks(msg *transport.Message) {
	p.reply(msg, successAck(p.registry.AllLinks()))
}

type auctionRequest struct {
	ComponentID string            `json:"component_id,omitempty"`
	ProviderID  string            `json:"provider_id,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

type auctionBid struct {
	HostID      string            `json:"host_id"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// bid always accepts: this host carries no label-based placement
// constraints of its own, so every auction it sees is one it can serve.
func (p *Plane) bid(msg *transport.Message) {
	var req auctionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Logger.Warn().Err(err).Str("subject", msg.Subject).Msg("control: malformed auction request")
		return
	}
	p.reply(msg, successAck(auctionBid{HostID: p.hostID, Constraints: req.Constraints}))
}

func (p *Plane) handleAuctionComponent(msg *transport.Message) { p.bid(msg) }
func (p *Plane) handleAuctionProvider(msg *transport.Message)  { p.bid(msg) }

func (p *Plane) inventory() types.HostInventory {
	return types.HostInventory{
		HostID:     p.hostID,
		Labels:     p.labels,
		Components: p.lifecycle.StartedComponents(),
		Providers:  p.lifecycle.RunningProviders(),
		Uptime:     time.Since(p.startedAt),
		Version:    p.version,
	}
}

func (p *Plane) handleInventory(msg *transport.Message) {
	p.reply(msg, successAck(p.inventory()))
}

func (p *Plane) handlePing(msg *transport.Message) {
	metrics.HeartbeatsSentTotal.Inc()
	p.reply(msg, successAck(p.inventory()))
}

func (p *Plane) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			body, err := json.Marshal(p.inventory())
			if err != nil {
				log.Logger.Error().Err(err).Msg("control: marshal heartbeat failed")
				continue
			}
			if err := p.transport.Publish(EventSubject(p.lattice, "host_heartbeat"), body, nats.Header{}); err != nil {
				log.Logger.Warn().Err(err).Msg("control: heartbeat publish failed")
				continue
			}
			metrics.HeartbeatsSentTotal.Inc()
		}
	}
}

func (p *Plane) publishEvent(eventType events.EventType, message string, payload interface{}) {
	if p.broker != nil {
		p.broker.Publish(&events.Event{Type: eventType, Message: message, Payload: payload})
		return
	}
	p.publishExternalEvent(&events.Event{Type: eventType, Message: message, Payload: payload})
}

// forwardEvents relays every event this host's internal broker sees
// onto the lattice as JSON, so remote observers learn of link/config/
// lifecycle transitions the same way local subscribers do.
func (p *Plane) forwardEvents() {
	defer p.wg.Done()
	if p.broker == nil {
		return
	}

	sub := p.broker.Subscribe()
	defer p.broker.Unsubscribe(sub)

	for {
		select {
		case <-p.stopCh:
			return
		case ev := <-sub:
			p.publishExternalEvent(ev)
		}
	}
}

func (p *Plane) publishExternalEvent(ev *events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Logger.Error().Err(err).Msg("control: marshal event failed")
		return
	}
	if err := p.transport.Publish(EventSubject(p.lattice, string(ev.Type)), body, nats.Header{}); err != nil {
		log.Logger.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("control: event publish failed")
	}
}
