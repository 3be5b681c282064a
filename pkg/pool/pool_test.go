package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type noopHandlers struct{}

func (noopHandlers) Handle(_ context.Context, _, _ string, payload []byte) ([]byte, error) {
	return payload, nil
}

func newTestPool(t *testing.T, maxInstances uint32) (*Pool, *sandbox.Engine) {
	t.Helper()
	ctx := context.Background()
	engine := sandbox.NewEngine(ctx)
	t.Cleanup(func() { engine.Close(ctx) })

	ref, err := engine.Compile(ctx, emptyModule)
	require.NoError(t, err)

	p := New("hello", engine)
	p.SetRecipe(BuildRecipe{Ref: ref, Generation: 1, Handlers: noopHandlers{}})
	p.Resize(maxInstances)
	return p, engine
}

func TestAcquireInstantiatesLazilyUpToMax(t *testing.T) {
	p, _ := newTestPool(t, 2)

	g1, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	g2, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)

	assert.NotSame(t, g1.Instance(), g2.Instance())

	snap := p.Snapshot()
	assert.Equal(t, 2, snap["in_use"])
}

func TestAcquireWithElapsedDeadlineReturnsTimeoutWithoutInstantiating(t *testing.T) {
	p, _ := newTestPool(t, 1)

	_, err := p.Acquire(context.Background(), time.Now().Add(-time.Second))
	require.Error(t, err)

	snap := p.Snapshot()
	assert.Equal(t, 0, snap["idle"])
	assert.Equal(t, 0, snap["in_use"])
}

func TestAcquireBlocksUntilReleaseWhenPoolExhausted(t *testing.T) {
	p, _ := newTestPool(t, 1)

	g1, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)

	var released int32
	go func() {
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&released, 1)
		p.Release(g1, OutcomeOK)
	}()

	g2, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&released))
	p.Release(g2, OutcomeOK)
}

func TestAcquireServesWaitersFIFO(t *testing.T) {
	p, _ := newTestPool(t, 1)

	g1, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(idx) * 10 * time.Millisecond)
			g, err := p.Acquire(context.Background(), time.Now().Add(2*time.Second))
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			p.Release(g, OutcomeOK)
		}()
	}

	time.Sleep(60 * time.Millisecond)
	p.Release(g1, OutcomeOK)
	wg.Wait()

	require.Len(t, order, 3)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestReleaseDiscardDestroysInstance(t *testing.T) {
	p, _ := newTestPool(t, 1)

	g, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	p.Release(g, OutcomeDiscard)

	snap := p.Snapshot()
	assert.Equal(t, 0, snap["idle"])
}

func TestResizeShrinkDestroysIdleInstancesBeyondTarget(t *testing.T) {
	p, _ := newTestPool(t, 3)

	g1, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	g2, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	p.Release(g1, OutcomeOK)
	p.Release(g2, OutcomeOK)

	p.Resize(1)

	snap := p.Snapshot()
	assert.LessOrEqual(t, snap["idle"], 1)
}

func TestDrainRefusesNewAcquires(t *testing.T) {
	p, _ := newTestPool(t, 1)

	g, err := p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	p.Release(g, OutcomeOK)

	require.NoError(t, p.Drain(context.Background()))

	_, err = p.Acquire(context.Background(), time.Now().Add(time.Second))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTimeout))
	assert.ErrorIs(t, err, types.ErrPoolDraining)
}
