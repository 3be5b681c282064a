package router

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cuemby/wasmbus-host/pkg/chunkstore"
	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/metrics"
	"github.com/cuemby/wasmbus-host/pkg/pool"
	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/tracecontext"
	"github.com/cuemby/wasmbus-host/pkg/transport"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// ServeComponent subscribes to componentID's RPC subject. Delivery is
// queue-grouped by componentID so exactly one of this host's handlers
// (there is normally only one) answers each request.
func (r *Router) ServeComponent(componentID string) (*transport.Subscription, error) {
	subject := componentRPCSubject(r.lattice, componentID)
	return r.transport.QueueSubscribe(subject, componentID, func(msg *transport.Message) {
		r.handleInbound(componentID, msg)
	})
}

func (r *Router) handleInbound(componentID string, msg *transport.Message) {
	ctx := context.Background()
	invocationID := msg.Header.Get(transport.HeaderInvocationID)
	traceCtx := tracecontext.Decode(msg.Header.Get(transport.HeaderTraceContext))
	witInterface := msg.Header.Get(HeaderWITInterface)
	operation := msg.Header.Get(HeaderOperation)
	source := msg.Header.Get(HeaderSource)
	idempotent := msg.Header.Get(HeaderIdempotent) == "true"
	chunked := msg.Header.Get(transport.HeaderChunked) == "true"

	deadline := r.inboundDeadline(msg, chunked)

	timer := metrics.NewTimer()
	result, invokeErr := r.runInbound(ctx, componentID, invocationID, traceCtx, deadline, source, witInterface, operation, idempotent, chunked, msg.Data)
	timer.ObserveDurationVec(metrics.InvocationDuration, witInterface, outcomeLabel(invokeErr))

	if msg.Reply == "" {
		return
	}
	r.publishReply(ctx, msg.Reply, invocationID, traceCtx, result, invokeErr)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// inboundDeadline computes the effective deadline for an inbound call:
// the header-supplied absolute deadline if present, else now plus the
// router's default timeout, plus a chunking grace period if the
// message was chunked.
func (r *Router) inboundDeadline(msg *transport.Message, chunked bool) time.Time {
	deadline := time.Now().Add(r.defaultTimeout)
	if raw := msg.Header.Get(headerDeadline); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			deadline = parsed
		}
	}
	if chunked {
		deadline = deadline.Add(ChunkingGrace)
	}
	return deadline
}

const headerDeadline = "deadline"

func (r *Router) runInbound(ctx context.Context, componentID, invocationID string, traceCtx types.TraceContext, deadline time.Time, source, witInterface, operation string, idempotent, chunked bool, inlinePayload []byte) ([]byte, error) {
	payload := inlinePayload
	if chunked {
		data, err := r.chunks.Get(ctx, chunkstore.RequestKey(invocationID))
		if err != nil {
			return nil, types.NewError(types.KindChunkError, "router.inbound", err)
		}
		payload = data
	}

	targetPool, ok := r.pools.PoolFor(componentID)
	if !ok {
		return nil, types.NewError(types.KindValidationError, "router.inbound",
			fmt.Errorf("%w: %s", types.ErrTargetNotRunning, componentID))
	}

	guard, err := targetPool.Acquire(ctx, deadline)
	if err != nil {
		return nil, types.NewError(types.KindTimeout, "router.inbound", err)
	}

	configValues := map[string]string{}
	if r.config != nil {
		configValues = r.config.ConfigValuesFor(componentID)
	}

	cx := sandbox.NewCallContext(traceCtx, deadline, source, configValues).WithIdempotent(idempotent)

	result, invokeErr := r.engine.Invoke(ctx, guard.Instance(), witInterface, operation, payload, cx)
	if invokeErr != nil {
		targetPool.Release(guard, pool.OutcomeDiscard)
		if types.IsKind(invokeErr, types.KindSandboxTrap) {
			metrics.SandboxTrapsTotal.WithLabelValues(componentID).Inc()
		}
		return nil, invokeErr
	}
	targetPool.Release(guard, pool.OutcomeOK)
	return result, nil
}

func (r *Router) publishReply(ctx context.Context, replySubject, invocationID string, traceCtx types.TraceContext, result []byte, invokeErr error) {
	header := nats.Header{}
	header.Set(transport.HeaderInvocationID, invocationID)
	header.Set(transport.HeaderTraceContext, tracecontext.Encode(traceCtx))

	body := result
	if invokeErr != nil {
		kind, _ := types.KindOf(invokeErr)
		if kind == "" {
			kind = types.KindValidationError
		}
		body = []byte((&types.InvocationError{Kind: kind, Message: invokeErr.Error()}).Error())
		header.Set(headerError, string(kind))
	}

	if len(body) >= chunkstore.ChunkThreshold {
		header.Set(transport.HeaderChunked, "true")
		if err := r.chunks.Put(ctx, chunkstore.ResponseKey(invocationID), body); err != nil {
			log.Logger.Warn().Err(err).Str("invocation_id", invocationID).Msg("router: failed to chunk reply, publishing error instead")
			header.Del(transport.HeaderChunked)
			body = []byte("chunk store unavailable")
			header.Set(headerError, string(types.KindChunkError))
		} else {
			body = nil
		}
	}

	if err := r.transport.Publish(replySubject, body, header); err != nil {
		log.Logger.Warn().Err(err).Str("invocation_id", invocationID).Msg("router: failed to publish reply")
	}
}

const headerError = "error-kind"
