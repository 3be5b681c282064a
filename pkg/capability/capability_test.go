package capability

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

type fakeDispatcher struct {
	calls []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, cx sandbox.CallContext, witInterface, operation string, payload []byte) ([]byte, error) {
	f.calls = append(f.calls, witInterface+"#"+operation)
	return []byte("ok"), nil
}

func newTestContext(source string, config map[string]string) (context.Context, sandbox.CallContext) {
	cx := sandbox.NewCallContext(types.TraceContext{}, time.Now().Add(time.Minute), source, config)
	return sandbox.WithCallContext(context.Background(), cx), cx
}

func TestGuestConfigGetReturnsValue(t *testing.T) {
	set := NewSet(&fakeDispatcher{})
	ctx, _ := newTestContext("app", map[string]string{"foo": "bar"})

	result, err := set.Handle(ctx, ifaceConfig, "get", []byte("foo"))
	require.NoError(t, err)
	assert.Equal(t, "bar", string(result))
}

func TestGuestConfigGetAllReturnsJSON(t *testing.T) {
	set := NewSet(&fakeDispatcher{})
	ctx, _ := newTestContext("app", map[string]string{"foo": "bar"})

	result, err := set.Handle(ctx, ifaceConfig, "get_all", nil)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "bar", decoded["foo"])
}

func TestRandomGUIDIsUnique(t *testing.T) {
	set := NewSet(&fakeDispatcher{})
	ctx, _ := newTestContext("app", nil)

	a, err := set.Handle(ctx, ifaceRandom, "guid", nil)
	require.NoError(t, err)
	b, err := set.Handle(ctx, ifaceRandom, "guid", nil)
	require.NoError(t, err)

	assert.NotEqual(t, string(a), string(b))
}

func TestRandomBytesRespectsRequestedLength(t *testing.T) {
	set := NewSet(&fakeDispatcher{})
	ctx, _ := newTestContext("app", nil)

	result, err := set.Handle(ctx, ifaceRandom, "bytes", []byte{16})
	require.NoError(t, err)
	assert.Len(t, result, 16)
}

func TestRandomIntsReturnsEightBytesPerRequestedInt(t *testing.T) {
	set := NewSet(&fakeDispatcher{})
	ctx, _ := newTestContext("app", nil)

	result, err := set.Handle(ctx, ifaceRandom, "ints", []byte{4})
	require.NoError(t, err)
	assert.Len(t, result, 32)
}

func TestRandomUnknownOperationIsRejected(t *testing.T) {
	set := NewSet(&fakeDispatcher{})
	ctx, _ := newTestContext("app", nil)

	_, err := set.Handle(ctx, ifaceRandom, "shuffle", nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidationError))
}

func TestSetLinkNameStoresOverrideForInvocation(t *testing.T) {
	set := NewSet(&fakeDispatcher{})
	ctx, cx := newTestContext("app", nil)

	req, _ := json.Marshal(map[string]any{
		"link_name":  "vault",
		"interfaces": []string{"wasi:keyvalue/store"},
	})
	_, err := set.Handle(ctx, ifaceLattice, "set_link_name", req)
	require.NoError(t, err)

	value, ok := cx.LinkOverrides.Load("wasi:keyvalue/store")
	require.True(t, ok)
	assert.Equal(t, "vault", value)
}

func TestUnknownInterfaceForwardsToDispatcher(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	set := NewSet(dispatcher)
	ctx, _ := newTestContext("app", nil)

	result, err := set.Handle(ctx, "wasi:keyvalue/store", "get", []byte("foo"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result))
	assert.Contains(t, dispatcher.calls, "wasi:keyvalue/store#get")
}
