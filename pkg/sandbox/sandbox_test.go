package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyModule is the minimal valid WASM binary: just the magic number
// and version, no sections.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestDigestIsStableAndContentAddressed(t *testing.T) {
	d1 := Digest(emptyModule)
	d2 := Digest(emptyModule)
	assert.Equal(t, d1, d2)

	other := Digest([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x01})
	assert.NotEqual(t, d1, other)
}

func TestCompileCachesByDigest(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(ctx)
	defer engine.Close(ctx)

	ref1, err := engine.Compile(ctx, emptyModule)
	require.NoError(t, err)

	ref2, err := engine.Compile(ctx, emptyModule)
	require.NoError(t, err)

	assert.Same(t, ref1, ref2, "compiling the same digest twice must return the cached ref")
}

func TestEvictRemovesFromCache(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(ctx)
	defer engine.Close(ctx)

	ref1, err := engine.Compile(ctx, emptyModule)
	require.NoError(t, err)

	engine.Evict(ctx, ref1.Digest)

	ref2, err := engine.Compile(ctx, emptyModule)
	require.NoError(t, err)

	assert.NotSame(t, ref1, ref2)
}
