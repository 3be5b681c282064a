package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasmbus-host/pkg/events"
	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type echoHandlers struct{}

func (echoHandlers) Handle(_ context.Context, _, _ string, payload []byte) ([]byte, error) {
	return payload, nil
}

// stubFetcher hands back whatever bytes were registered for a ref,
// instead of touching disk or the network.
type stubFetcher struct {
	artifacts map[string][]byte
}

func (s *stubFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	b, ok := s.artifacts[ref]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func newTestManager(t *testing.T) (*Manager, *events.Broker) {
	t.Helper()
	ctx := context.Background()
	engine := sandbox.NewEngine(ctx)
	t.Cleanup(func() { engine.Close(ctx) })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	fetcher := &stubFetcher{artifacts: map[string][]byte{
		"mem://v1": emptyModule,
		"mem://v2": emptyModule,
	}}

	m := New(Config{
		HostID:   "host1",
		Lattice:  "test",
		Engine:   engine,
		Handlers: echoHandlers{},
		Fetcher:  fetcher,
		Events:   broker,
	})
	return m, broker
}

func TestScaleCreatesPoolOnFirstCall(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.Scale(context.Background(), "comp-1", "mem://v1", 3, nil, nil)
	require.NoError(t, err)

	p, ok := m.PoolFor("comp-1")
	require.True(t, ok)
	assert.NotNil(t, p)

	started := m.StartedComponents()
	require.Len(t, started, 1)
	assert.Equal(t, "comp-1", started[0].ID)
	assert.Equal(t, uint32(3), started[0].MaxInstances)
}

func TestScaleIsIdempotentForIdenticalRequest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Scale(ctx, "comp-1", "mem://v1", 2, map[string]string{"env": "dev"}, []string{"cfg-a"}))
	require.NoError(t, m.Scale(ctx, "comp-1", "mem://v1", 2, map[string]string{"env": "dev"}, []string{"cfg-a"}))

	started := m.StartedComponents()
	require.Len(t, started, 1)
	assert.Equal(t, uint32(2), started[0].MaxInstances)
}

func TestScaleWithDifferentArtifactIsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Scale(ctx, "comp-1", "mem://v1", 1, nil, nil))

	err := m.Scale(ctx, "comp-1", "mem://v2", 1, nil, nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidationError))
}

func TestScaleChangingMaxInstancesResizesPool(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Scale(ctx, "comp-1", "mem://v1", 1, nil, nil))
	require.NoError(t, m.Scale(ctx, "comp-1", "mem://v1", 5, nil, nil))

	started := m.StartedComponents()
	require.Len(t, started, 1)
	assert.Equal(t, uint32(5), started[0].MaxInstances)
}

func TestUpdateSwapsRecipeWithoutDroppingPool(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Scale(ctx, "comp-1", "mem://v1", 2, nil, nil))
	p, ok := m.PoolFor("comp-1")
	require.True(t, ok)

	require.NoError(t, m.Update(ctx, "comp-1", "mem://v2"))

	samePool, ok := m.PoolFor("comp-1")
	require.True(t, ok)
	assert.Same(t, p, samePool)

	started := m.StartedComponents()
	require.Len(t, started, 1)
	assert.Equal(t, "mem://v2", started[0].ArtifactRef)
}

func TestUpdateOnUnknownComponentFails(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.Update(context.Background(), "ghost", "mem://v1")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidationError))
}

func TestStopDrainsAndRemovesComponent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Scale(ctx, "comp-1", "mem://v1", 1, nil, nil))
	require.NoError(t, m.Stop(ctx, "comp-1"))

	_, ok := m.PoolFor("comp-1")
	assert.False(t, ok)
	assert.Empty(t, m.StartedComponents())
}

func TestStopOnUnknownComponentIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	assert.NoError(t, m.Stop(context.Background(), "ghost"))
}

func TestStartProviderWithoutSupervisorConfiguredFails(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.StartProvider(context.Background(), types.ProviderIdentity{ID: "redis-provider"})
	require.Error(t, err)
	assert.Empty(t, m.RunningProviders())
}

func TestStopProviderWithoutSupervisorConfiguredIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	assert.NoError(t, m.StopProvider(context.Background(), "redis-provider"))
}

func TestScalePublishesComponentScaledEvent(t *testing.T) {
	m, broker := newTestManager(t)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	require.NoError(t, m.Scale(context.Background(), "comp-1", "mem://v1", 1, nil, nil))

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventComponentScaled, ev.Type)
		payload, ok := ev.Payload.(events.ComponentScaledPayload)
		require.True(t, ok)
		assert.Equal(t, "comp-1", payload.ComponentID)
		assert.Equal(t, uint32(1), payload.MaxInstances)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for component_scaled event")
	}
}
