// Package tracecontext implements a minimal W3C traceparent-shaped
// context carried on every Invocation. It depends only on the trace ID
// and span ID types from go.opentelemetry.io/otel/trace; no SDK,
// sampler, or exporter is wired in, since those are out of scope for
// this host.
package tracecontext

import (
	"crypto/rand"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/cuemby/wasmbus-host/pkg/types"
)

const version = "00"

// New creates a freshly rooted context: a random trace ID, a random
// root span ID, sampled.
func New() types.TraceContext {
	var tc types.TraceContext
	_, _ = rand.Read(tc.TraceID[:])
	_, _ = rand.Read(tc.SpanID[:])
	tc.Sampled = true
	return tc
}

// Child derives a child context from parent: same trace ID, a fresh
// span ID, inherited sampling decision.
func Child(parent types.TraceContext) types.TraceContext {
	child := parent
	_, _ = rand.Read(child.SpanID[:])
	return child
}

// Encode renders tc as a W3C traceparent header value:
// "00-<32 hex trace id>-<16 hex span id>-<2 hex flags>".
func Encode(tc types.TraceContext) string {
	flags := byte(0)
	if tc.Sampled {
		flags = 1
	}
	return fmt.Sprintf("%s-%s-%s-%02x",
		version,
		trace.TraceID(tc.TraceID).String(),
		trace.SpanID(tc.SpanID).String(),
		flags,
	)
}

// Decode parses a W3C traceparent header value. An empty or malformed
// header yields a freshly rooted context rather than an error, since a
// missing trace-context header is a normal, valid case for the first
// hop into the lattice.
func Decode(header string) types.TraceContext {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return New()
	}

	traceID, err := trace.TraceIDFromHex(parts[1])
	if err != nil {
		return New()
	}
	spanID, err := trace.SpanIDFromHex(parts[2])
	if err != nil {
		return New()
	}

	var tc types.TraceContext
	tc.TraceID = traceID
	tc.SpanID = spanID
	tc.Sampled = len(parts[3]) == 2 && parts[3] != "00"
	return tc
}
