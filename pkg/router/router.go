// Package router implements the Invocation Router component: the
// inbound path that decodes an RPC message into a local invocation, and
// the outbound path (implementing pkg/capability's Dispatcher) that
// resolves a capability call to a local or remote target and carries it
// out, chunking oversized payloads and propagating trace context and
// deadlines throughout.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/cuemby/wasmbus-host/pkg/chunkstore"
	"github.com/cuemby/wasmbus-host/pkg/metrics"
	"github.com/cuemby/wasmbus-host/pkg/pool"
	"github.com/cuemby/wasmbus-host/pkg/registry"
	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/tracecontext"
	"github.com/cuemby/wasmbus-host/pkg/transport"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// Headers beyond the four universal ones pkg/transport defines; these
// carry invocation framing the router itself owns.
const (
	HeaderWITInterface = "wit-interface"
	HeaderOperation    = "operation"
	HeaderSource       = "invocation-source"
	HeaderIdempotent   = "idempotent"
)

// ChunkingGrace is added to the effective deadline when a request was
// chunked, since the extra object-store round trip takes real time.
const ChunkingGrace = 13 * time.Second

// DefaultRPCTimeout is used for outbound calls when the caller supplied
// no deadline of its own.
const DefaultRPCTimeout = 2 * time.Second

// PoolProvider resolves a component id to its live Instance Pool. The
// Host implements this; pkg/router depends only on the interface to
// avoid an import cycle.
type PoolProvider interface {
	PoolFor(componentID string) (*pool.Pool, bool)
}

// ConfigProvider resolves a component id to its merged named-config
// snapshot, used to populate the CallContext a freshly acquired
// instance sees.
type ConfigProvider interface {
	ConfigValuesFor(componentID string) map[string]string
}

// PolicyGate is consulted before an outbound dispatch is carried out.
// A nil PolicyGate (the zero value of Router.policy) skips the check
// entirely.
type PolicyGate interface {
	Evaluate(ctx context.Context, action, subject string) error
}

// Router wires the Invocation Router's inbound and outbound paths over
// Transport, Chunk Store, the Sandbox Engine, the Link & Config
// Registry, and per-component Instance Pools.
type Router struct {
	lattice   string
	hostID    string
	transport *transport.Transport
	chunks    *chunkstore.Store
	engine    *sandbox.Engine
	registry  *registry.Registry
	pools     PoolProvider
	config    ConfigProvider
	policy    PolicyGate

	defaultTimeout time.Duration
}

// Config configures a new Router.
type Config struct {
	Lattice        string
	HostID         string
	Transport      *transport.Transport
	Chunks         *chunkstore.Store
	Engine         *sandbox.Engine
	Registry       *registry.Registry
	Pools          PoolProvider
	Config         ConfigProvider
	Policy         PolicyGate
	DefaultTimeout time.Duration
}

// New constructs a Router from cfg.
func New(cfg Config) *Router {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = DefaultRPCTimeout
	}
	return &Router{
		lattice:        cfg.Lattice,
		hostID:         cfg.HostID,
		transport:      cfg.Transport,
		chunks:         cfg.Chunks,
		engine:         cfg.Engine,
		registry:       cfg.Registry,
		pools:          cfg.Pools,
		config:         cfg.Config,
		policy:         cfg.Policy,
		defaultTimeout: timeout,
	}
}

// componentRPCSubject is the subject a component's inbound RPC messages
// arrive on.
func componentRPCSubject(lattice, componentID string) string {
	return fmt.Sprintf("wasmbus.rpc.%s.%s", lattice, componentID)
}

// providerRPCSubject is the subject a provider's inbound RPC messages
// arrive on, scoped additionally by link name since one provider
// process may serve several links.
func providerRPCSubject(lattice, providerID, linkName string) string {
	return fmt.Sprintf("wasmbus.rpc.%s.%s.%s", lattice, providerID, linkName)
}

// splitWIT parses "namespace:package/interface" into its three parts.
func splitWIT(witInterface string) (namespace, pkg, iface string, err error) {
	nsRest := strings.SplitN(witInterface, ":", 2)
	if len(nsRest) != 2 {
		return "", "", "", fmt.Errorf("malformed WIT interface %q: missing namespace", witInterface)
	}
	pkgIface := strings.SplitN(nsRest[1], "/", 2)
	if len(pkgIface) != 2 {
		return "", "", "", fmt.Errorf("malformed WIT interface %q: missing interface", witInterface)
	}
	return nsRest[0], pkgIface[0], pkgIface[1], nil
}

// linkNameFor returns the link name the caller's invocation should
// resolve under: an override set via set_link_name on this invocation,
// or the default.
func linkNameFor(cx sandbox.CallContext, witInterface string) string {
	if cx.LinkOverrides != nil {
		if v, ok := cx.LinkOverrides.Load(witInterface); ok {
			if name, ok := v.(string); ok {
				return name
			}
		}
	}
	return types.DefaultLinkName
}

// Dispatch implements pkg/capability.Dispatcher: it is the outbound
// path invoked on behalf of a running instance's imported call.
func (r *Router) Dispatch(ctx context.Context, cx sandbox.CallContext, witInterface, operation string, payload []byte) ([]byte, error) {
	namespace, pkg, iface, err := splitWIT(witInterface)
	if err != nil {
		return nil, types.NewError(types.KindValidationError, "router.dispatch", err)
	}

	linkName := linkNameFor(cx, witInterface)

	binding, ok := r.registry.SnapshotFor(cx.Source, namespace, pkg, iface, linkName)
	if !ok {
		metrics.RouterInvocationsTotal.WithLabelValues("outbound", "no_link").Inc()
		return nil, types.NewError(types.KindNoLink, "router.dispatch",
			fmt.Errorf("%w: no link for source=%s interface=%s link_name=%s", types.ErrNoLink, cx.Source, witInterface, linkName))
	}

	if r.policy != nil {
		if err := r.policy.Evaluate(ctx, "invoke", binding.Link.TargetID); err != nil {
			metrics.RouterInvocationsTotal.WithLabelValues("outbound", "policy_denied").Inc()
			return nil, types.NewError(types.KindPolicyDenied, "router.dispatch", err)
		}
	}

	result, err := r.dispatchToTarget(ctx, binding, cx, witInterface, operation, payload)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RouterInvocationsTotal.WithLabelValues("outbound", outcome).Inc()
	return result, err
}

func (r *Router) dispatchToTarget(ctx context.Context, binding registry.ResolvedBinding, cx sandbox.CallContext, witInterface, operation string, payload []byte) ([]byte, error) {
	targetID := binding.Link.TargetID

	if targetPool, ok := r.pools.PoolFor(targetID); ok {
		return r.invokeLocal(ctx, targetPool, targetID, binding, cx, witInterface, operation, payload)
	}

	result, err := r.invokeRemote(ctx, targetID, binding.Link.LinkName, cx, witInterface, operation, payload, cx.Idempotent)
	if err != nil && types.IsKind(err, types.KindTransientTransport) && cx.Idempotent {
		metrics.RouterRetriesTotal.Inc()
		result, err = r.invokeRemote(ctx, targetID, binding.Link.LinkName, cx, witInterface, operation, payload, false)
	}
	return result, err
}

func (r *Router) invokeLocal(ctx context.Context, targetPool *pool.Pool, targetID string, binding registry.ResolvedBinding, cx sandbox.CallContext, witInterface, operation string, payload []byte) ([]byte, error) {
	guard, err := targetPool.Acquire(ctx, cx.Deadline)
	if err != nil {
		return nil, types.NewError(types.KindTimeout, "router.invoke_local", err)
	}

	targetConfig := binding.ConfigValues
	if r.config != nil {
		merged := r.config.ConfigValuesFor(targetID)
		for k, v := range targetConfig {
			merged[k] = v
		}
		targetConfig = merged
	}

	targetCx := sandbox.NewCallContext(tracecontext.Child(cx.TraceContext), cx.Deadline, cx.Source, targetConfig).WithIdempotent(cx.Idempotent)

	result, err := r.engine.Invoke(ctx, guard.Instance(), witInterface, operation, payload, targetCx)
	if err != nil {
		targetPool.Release(guard, pool.OutcomeDiscard)
		return nil, err
	}
	targetPool.Release(guard, pool.OutcomeOK)
	return result, nil
}

func (r *Router) invokeRemote(ctx context.Context, targetID, linkName string, cx sandbox.CallContext, witInterface, operation string, payload []byte, idempotent bool) ([]byte, error) {
	invocationID := newInvocationID()
	subject := providerRPCSubject(r.lattice, targetID, linkName)

	header, body, err := r.encodeOutbound(ctx, invocationID, cx, witInterface, operation, payload, idempotent)
	if err != nil {
		return nil, types.NewError(types.KindChunkError, "router.invoke_remote", err)
	}

	deadline := cx.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(r.defaultTimeout)
	}
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	reply, err := r.transport.Request(reqCtx, subject, body, header)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, types.NewError(types.KindTimeout, "router.invoke_remote", err)
		}
		return nil, types.NewError(types.KindTransientTransport, "router.invoke_remote", err)
	}

	if kind := reply.Header.Get(headerError); kind != "" {
		return nil, types.NewError(types.ErrorKind(kind), "router.invoke_remote", fmt.Errorf("remote error: %s", reply.Data))
	}

	return r.decodeInboundPayload(ctx, reply, invocationID, true)
}

func (r *Router) encodeOutbound(ctx context.Context, invocationID string, cx sandbox.CallContext, witInterface, operation string, payload []byte, idempotent bool) (nats.Header, []byte, error) {
	header := nats.Header{}
	header.Set(transport.HeaderInvocationID, invocationID)
	header.Set(transport.HeaderTraceContext, tracecontext.Encode(cx.TraceContext))
	header.Set(HeaderWITInterface, witInterface)
	header.Set(HeaderOperation, operation)
	header.Set(HeaderSource, cx.Source)
	if idempotent {
		header.Set(HeaderIdempotent, "true")
	}
	if !cx.Deadline.IsZero() {
		header.Set(headerDeadline, cx.Deadline.Format(time.RFC3339Nano))
	}

	if len(payload) >= chunkstore.ChunkThreshold {
		header.Set(transport.HeaderChunked, "true")
		if err := r.chunks.Put(ctx, chunkstore.RequestKey(invocationID), payload); err != nil {
			return nil, nil, err
		}
		return header, nil, nil
	}

	header.Set(transport.HeaderContentLength, fmt.Sprintf("%d", len(payload)))
	return header, payload, nil
}

// decodeInboundPayload reads the payload for a received message,
// de-chunking via the chunk store if the chunked header is set.
// isResponse selects the response-keyed or request-keyed chunk object.
func (r *Router) decodeInboundPayload(ctx context.Context, msg *transport.Message, invocationID string, isResponse bool) ([]byte, error) {
	if msg.Header.Get(transport.HeaderChunked) != "true" {
		return msg.Data, nil
	}

	key := chunkstore.RequestKey(invocationID)
	if isResponse {
		key = chunkstore.ResponseKey(invocationID)
	}
	return r.chunks.Get(ctx, key)
}

func newInvocationID() string {
	return uuid.NewString()
}
