package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasmbus-host/pkg/types"
)

func TestEnvAssemblesWasmcloudVariables(t *testing.T) {
	vars := env("host-1", "default", types.ProviderIdentity{ID: "redis-provider", LinkName: "default"})
	assert.Contains(t, vars, "WASMCLOUD_HOST_ID=host-1")
	assert.Contains(t, vars, "WASMCLOUD_LATTICE=default")
	assert.Contains(t, vars, "WASMCLOUD_PROVIDER_ID=redis-provider")
	assert.Contains(t, vars, "WASMCLOUD_LINK_NAME=default")
}

// TestSupervisorBasicWorkflow exercises the pull-create-start-stop
// sequence against a real containerd daemon. Skipped when none is
// reachable, matching the corpus's own containerd integration test.
func TestSupervisorBasicWorkflow(t *testing.T) {
	sup, err := New(Config{})
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	defer sup.Close()

	ctx := context.Background()
	identity := types.ProviderIdentity{
		ID:                "wasmbus-test-provider",
		LinkName:          "default",
		ArtifactReference: "docker.io/library/busybox:latest",
	}

	require.NoError(t, sup.Start(ctx, "host-1", "default", identity))
	defer sup.Stop(ctx, identity.ID, 5*time.Second)

	assert.True(t, sup.IsRunning(ctx, identity.ID))
	require.NoError(t, sup.Stop(ctx, identity.ID, 5*time.Second))
	assert.False(t, sup.IsRunning(ctx, identity.ID))
}
