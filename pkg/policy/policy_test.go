package policy

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasmbus-host/pkg/transport"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

type fakeRequester struct {
	calls    int32
	response decisionResponse
	err      error
}

func (f *fakeRequester) Request(_ context.Context, _ string, payload []byte, _ nats.Header) (*transport.Message, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	body, err := json.Marshal(f.response)
	if err != nil {
		return nil, err
	}
	return &transport.Message{Data: body}, nil
}

func (f *fakeRequester) Subscribe(string, transport.Handler) (*transport.Subscription, error) {
	return nil, nil
}

func newTestGate(requester Requester) *Gate {
	return &Gate{
		requester: requester,
		subject:   "wasmbus.policy",
		timeout:   time.Second,
		ttl:       time.Minute,
	}
}

func TestEvaluateAllowsWhenDecisionAllows(t *testing.T) {
	fake := &fakeRequester{response: decisionResponse{Allow: true}}
	g := newTestGate(fake)

	err := g.Evaluate(context.Background(), "invoke", "redis-provider")
	assert.NoError(t, err)
	assert.EqualValues(t, 1, fake.calls)
}

func TestEvaluateDeniesWithPolicyDeniedKind(t *testing.T) {
	fake := &fakeRequester{response: decisionResponse{Allow: false, Reason: "not in allowlist"}}
	g := newTestGate(fake)

	err := g.Evaluate(context.Background(), "invoke", "redis-provider")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPolicyDenied))
	assert.Contains(t, err.Error(), "not in allowlist")
}

func TestEvaluateCachesDecisionUntilTTLExpires(t *testing.T) {
	fake := &fakeRequester{response: decisionResponse{Allow: true}}
	g := newTestGate(fake)
	g.ttl = 50 * time.Millisecond

	require.NoError(t, g.Evaluate(context.Background(), "invoke", "redis-provider"))
	require.NoError(t, g.Evaluate(context.Background(), "invoke", "redis-provider"))
	assert.EqualValues(t, 1, fake.calls, "second call within TTL should be served from cache")

	time.Sleep(75 * time.Millisecond)
	require.NoError(t, g.Evaluate(context.Background(), "invoke", "redis-provider"))
	assert.EqualValues(t, 2, fake.calls, "call after TTL expiry should re-request")
}

func TestEvaluateDistinguishesActionAndSubject(t *testing.T) {
	fake := &fakeRequester{response: decisionResponse{Allow: true}}
	g := newTestGate(fake)

	require.NoError(t, g.Evaluate(context.Background(), "invoke", "redis-provider"))
	require.NoError(t, g.Evaluate(context.Background(), "invoke", "postgres-provider"))
	assert.EqualValues(t, 2, fake.calls)
}

func TestEvaluateSurfacesTransientTransportFailure(t *testing.T) {
	fake := &fakeRequester{err: errors.New("dial timeout")}
	g := newTestGate(fake)

	err := g.Evaluate(context.Background(), "invoke", "redis-provider")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransientTransport))
}

func TestClearedCacheForcesFreshRequest(t *testing.T) {
	fake := &fakeRequester{response: decisionResponse{Allow: true}}
	g := newTestGate(fake)

	require.NoError(t, g.Evaluate(context.Background(), "invoke", "redis-provider"))
	assert.EqualValues(t, 1, fake.calls)

	g.cache.Range(func(key, _ any) bool {
		g.cache.Delete(key)
		return true
	})

	require.NoError(t, g.Evaluate(context.Background(), "invoke", "redis-provider"))
	assert.EqualValues(t, 2, fake.calls)
}

func TestChangesSubjectAppendsSuffix(t *testing.T) {
	assert.Equal(t, "wasmbus.policy.changes", changesSubject("wasmbus.policy"))
}
