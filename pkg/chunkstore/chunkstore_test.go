package chunkstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThresholdIsSingleSourceOfTruth(t *testing.T) {
	assert.Equal(t, 900*1024, ChunkThreshold)
}

func TestRequestAndResponseKeysDeriveFromInvocationID(t *testing.T) {
	assert.Equal(t, "inv-123", RequestKey("inv-123"))
	assert.Equal(t, "inv-123-r", ResponseKey("inv-123"))
	assert.NotEqual(t, RequestKey("inv-123"), ResponseKey("inv-123"))
}
