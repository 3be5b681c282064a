package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasmbus-host/pkg/types"
)

func testLink(linkName, targetID string) types.Link {
	return types.Link{
		SourceID:         "app",
		WITNamespace:     "wasi",
		WITPackage:       "keyvalue",
		WITInterface:     "store",
		LinkName:         linkName,
		TargetID:         targetID,
		TargetConfigRefs: []string{"app-cfg"},
	}
}

func TestPutLinkThenGetLinkRoundTrips(t *testing.T) {
	reg := New(nil)
	link := testLink(types.DefaultLinkName, "redis-provider")

	reg.PutLink(link)

	got, ok := reg.GetLink("app", "wasi", "keyvalue", "store", types.DefaultLinkName)
	require.True(t, ok)
	assert.Equal(t, "redis-provider", got.TargetID)
}

func TestDelLinkRemovesEntry(t *testing.T) {
	reg := New(nil)
	link := testLink(types.DefaultLinkName, "redis-provider")
	reg.PutLink(link)

	reg.DelLink(link.Key())

	_, ok := reg.GetLink("app", "wasi", "keyvalue", "store", types.DefaultLinkName)
	assert.False(t, ok)
}

func TestDelLinkOnAbsentKeyIsNoOp(t *testing.T) {
	reg := New(nil)
	reg.DelLink(types.LinkKey{SourceID: "nope"})
	// no panic, no error: a no-op delete
}

func TestLinkNameOverrideResolvesDistinctTargets(t *testing.T) {
	reg := New(nil)
	reg.PutLink(testLink(types.DefaultLinkName, "redis-provider"))
	reg.PutLink(testLink("vault", "vault-provider"))

	defaultLink, ok := reg.GetLink("app", "wasi", "keyvalue", "store", types.DefaultLinkName)
	require.True(t, ok)
	assert.Equal(t, "redis-provider", defaultLink.TargetID)

	vaultLink, ok := reg.GetLink("app", "wasi", "keyvalue", "store", "vault")
	require.True(t, ok)
	assert.Equal(t, "vault-provider", vaultLink.TargetID)
}

func TestSnapshotForMergesConfigLayers(t *testing.T) {
	reg := New(nil)
	reg.PutLink(testLink(types.DefaultLinkName, "redis-provider"))
	reg.PutConfig("app-cfg", map[string]string{"host": "redis.local", "port": "6379"})

	binding, ok := reg.SnapshotFor("app", "wasi", "keyvalue", "store", types.DefaultLinkName)
	require.True(t, ok)
	assert.Equal(t, "redis.local", binding.ConfigValues["host"])
	assert.Equal(t, "6379", binding.ConfigValues["port"])
}

func TestSnapshotForSecretTakesPrecedenceOverConfig(t *testing.T) {
	reg := New(nil)
	reg.PutLink(testLink(types.DefaultLinkName, "redis-provider"))
	reg.PutConfig("app-cfg", map[string]string{"password": "plaintext-should-not-win"})
	reg.PutSecret("app-cfg", "password", types.SecretRef{Name: "password", Ref: "vault://secret/redis"})

	binding, ok := reg.SnapshotFor("app", "wasi", "keyvalue", "store", types.DefaultLinkName)
	require.True(t, ok)
	_, present := binding.ConfigValues["password"]
	assert.False(t, present, "a secret-shadowed key must not appear in the merged config map")
}

func TestSnapshotForUnknownLinkReturnsFalse(t *testing.T) {
	reg := New(nil)
	_, ok := reg.SnapshotFor("app", "wasi", "keyvalue", "store", types.DefaultLinkName)
	assert.False(t, ok)
}

func TestPutLinkIsIdempotent(t *testing.T) {
	reg := New(nil)
	link := testLink(types.DefaultLinkName, "redis-provider")

	reg.PutLink(link)
	reg.PutLink(link)

	got, ok := reg.GetLink("app", "wasi", "keyvalue", "store", types.DefaultLinkName)
	require.True(t, ok)
	assert.Equal(t, link, got)
}
