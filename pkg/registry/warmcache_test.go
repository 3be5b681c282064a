package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasmbus-host/pkg/types"
)

func TestWarmCacheSaveThenLoadRoundTrips(t *testing.T) {
	cache, err := OpenWarmCache(t.TempDir())
	require.NoError(t, err)
	defer cache.close()

	reg := New(cache)
	reg.PutLink(testLink(types.DefaultLinkName, "redis-provider"))
	reg.PutConfig("app-cfg", map[string]string{"host": "redis.local"})

	loaded, err := cache.load()
	require.NoError(t, err)
	assert.Len(t, loaded.links, 1)
	assert.Equal(t, "redis.local", loaded.configs["app-cfg"]["host"])
}

func TestNewWarmStartsFromExistingCache(t *testing.T) {
	dir := t.TempDir()

	cache1, err := OpenWarmCache(dir)
	require.NoError(t, err)
	reg1 := New(cache1)
	reg1.PutLink(testLink(types.DefaultLinkName, "redis-provider"))
	require.NoError(t, cache1.close())

	cache2, err := OpenWarmCache(dir)
	require.NoError(t, err)
	defer cache2.close()

	reg2 := New(cache2)
	got, ok := reg2.GetLink("app", "wasi", "keyvalue", "store", types.DefaultLinkName)
	require.True(t, ok)
	assert.Equal(t, "redis-provider", got.TargetID)
}
