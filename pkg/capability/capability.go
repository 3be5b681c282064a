// Package capability implements the Capability Handler Set component: a
// table of handlers keyed by WIT interface identity, dispatched to from
// the Sandbox Engine's host-function imports. Each handler either
// serves the call locally (logging, random, guest-config, bus/lattice)
// or forwards it to the Invocation Router's outbound path.
package capability

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/sandbox"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

// Dispatcher is the outbound half of the Invocation Router: it resolves
// (source, interface, link name) to a target and carries out the call,
// local or remote.
type Dispatcher interface {
	Dispatch(ctx context.Context, cx sandbox.CallContext, witInterface, operation string, payload []byte) ([]byte, error)
}

// Handler implements one WIT interface's imported operations.
type Handler func(ctx context.Context, cx sandbox.CallContext, operation string, payload []byte) ([]byte, error)

const (
	ifaceLogging = "wasi:logging/logging"
	ifaceRandom  = "wasi:random/random"
	ifaceConfig  = "wasmcloud:bus/guest-config"
	ifaceLattice = "wasmcloud:bus/lattice"
)

// Set is the host's registered handler table. It satisfies
// sandbox.HandlerSet.
type Set struct {
	dispatcher Dispatcher
	handlers   map[string]Handler
}

// NewSet builds the built-in handler table over dispatcher, used for
// any outbound call not served by a local handler.
func NewSet(dispatcher Dispatcher) *Set {
	s := &Set{
		dispatcher: dispatcher,
		handlers:   make(map[string]Handler),
	}

	s.handlers[ifaceLogging] = s.handleLogging
	s.handlers[ifaceRandom] = s.handleRandom
	s.handlers[ifaceConfig] = s.handleGuestConfig
	s.handlers[ifaceLattice] = s.handleLattice

	return s
}

// Handle implements sandbox.HandlerSet. A registered local handler
// takes priority; anything else is forwarded as an outbound dispatch so
// new imported interfaces never require a capability package change to
// route correctly.
func (s *Set) Handle(ctx context.Context, witInterface, operation string, payload []byte) ([]byte, error) {
	cx, ok := sandbox.CallContextFrom(ctx)
	if !ok {
		return nil, types.NewError(types.KindValidationError, "capability.handle",
			fmt.Errorf("no call context for interface %s", witInterface))
	}

	if handler, ok := s.handlers[witInterface]; ok {
		return handler(ctx, cx, operation, payload)
	}

	return s.outboundDispatch(ctx, cx, witInterface, operation, payload)
}

func (s *Set) outboundDispatch(ctx context.Context, cx sandbox.CallContext, witInterface, operation string, payload []byte) ([]byte, error) {
	result, err := s.dispatcher.Dispatch(ctx, cx, witInterface, operation, payload)
	if err != nil {
		return nil, fmt.Errorf("outbound dispatch %s#%s: %w", witInterface, operation, err)
	}
	return result, nil
}

func (s *Set) handleLogging(_ context.Context, cx sandbox.CallContext, operation string, payload []byte) ([]byte, error) {
	entry := log.Logger.Info()
	if operation == "error" {
		entry = log.Logger.Error()
	} else if operation == "warn" {
		entry = log.Logger.Warn()
	}
	entry.Str("source", cx.Source).Str("interface", ifaceLogging).Msg(string(payload))
	return nil, nil
}

func (s *Set) handleRandom(_ context.Context, _ sandbox.CallContext, operation string, payload []byte) ([]byte, error) {
	switch operation {
	case "guid":
		return []byte(uuid.NewString()), nil
	case "bytes":
		n := 32
		if len(payload) == 1 {
			n = int(payload[0])
		}
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return nil, types.NewError(types.KindSandboxTrap, "capability.random", err)
		}
		return buf, nil
	case "ints":
		n := 1
		if len(payload) == 1 {
			n = int(payload[0])
		}
		buf := make([]byte, n*8)
		if _, err := rand.Read(buf); err != nil {
			return nil, types.NewError(types.KindSandboxTrap, "capability.random", err)
		}
		return buf, nil
	default:
		return nil, types.NewError(types.KindValidationError, "capability.random",
			fmt.Errorf("unknown random operation %q", operation))
	}
}

func (s *Set) handleGuestConfig(_ context.Context, cx sandbox.CallContext, operation string, payload []byte) ([]byte, error) {
	switch operation {
	case "get":
		key := string(payload)
		value, ok := cx.ConfigValues[key]
		if !ok {
			return nil, nil
		}
		return []byte(value), nil
	case "get_all":
		return encodeConfigMap(cx.ConfigValues), nil
	default:
		return nil, types.NewError(types.KindValidationError, "capability.guest_config",
			fmt.Errorf("unknown guest-config operation %q", operation))
	}
}

func (s *Set) handleLattice(_ context.Context, cx sandbox.CallContext, operation string, payload []byte) ([]byte, error) {
	if operation != "set_link_name" {
		return nil, types.NewError(types.KindValidationError, "capability.lattice",
			fmt.Errorf("unknown bus/lattice operation %q", operation))
	}
	if cx.LinkOverrides == nil {
		return nil, types.NewError(types.KindValidationError, "capability.lattice",
			fmt.Errorf("call context has no override map"))
	}

	name, interfaces, err := decodeSetLinkName(payload)
	if err != nil {
		return nil, types.NewError(types.KindValidationError, "capability.lattice", err)
	}

	for _, iface := range interfaces {
		cx.LinkOverrides.Store(iface, name)
	}
	return nil, nil
}
