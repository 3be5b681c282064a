package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Guest ABI: every exported call function has the shape
// func(ptr, len uint32) uint64, where the argument is the request
// payload written into guest memory by the host beforehand, and the
// return value packs a result pointer/length pair as (ptr<<32 | len).
// The guest exports "wasmbus_alloc(size uint32) uint32" so the host can
// request a scratch buffer sized to the outbound payload.

const hostModuleName = "wasmbus"

// buildHostModule registers the host functions a guest can import under
// the "wasmbus" module name: "log", and "dispatch", the general
// trampoline through which every other capability interface (random,
// guest-config, bus/lattice, outbound calls) is reached. Each trampoline
// forwards to handlers with the call's ctx, which carries the in-flight
// CallContext.
func buildHostModule(ctx context.Context, runtime wazero.Runtime, handlers HandlerSet) (wazero.HostModuleBuilder, error) {
	builder := runtime.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ifacePtr, ifaceLen, opPtr, opLen, payloadPtr, payloadLen uint32) uint64 {
			return hostDispatch(ctx, mod, handlers, ifacePtr, ifaceLen, opPtr, opLen, payloadPtr, payloadLen)
		}).
		Export("dispatch")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, msgPtr, msgLen uint32) {
			hostLog(ctx, mod, handlers, msgPtr, msgLen)
		}).
		Export("log")

	return builder, nil
}

func readString(mod api.Module, ptr, length uint32) (string, error) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", fmt.Errorf("out of bounds memory read at %d/%d", ptr, length)
	}
	return string(buf), nil
}

// writeGuestPayload allocates length(payload) bytes in the guest via its
// exported wasmbus_alloc, copies payload in, and returns the (ptr, len)
// pair to pass as call arguments.
func writeGuestPayload(ctx context.Context, mod api.Module, payload []byte) (uint64, uint64, error) {
	if len(payload) == 0 {
		return 0, 0, nil
	}

	alloc := mod.ExportedFunction("wasmbus_alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("guest does not export wasmbus_alloc")
	}

	results, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return 0, 0, fmt.Errorf("guest alloc failed: %w", err)
	}
	ptr := uint32(results[0])

	if !mod.Memory().Write(ptr, payload) {
		return 0, 0, fmt.Errorf("out of bounds memory write at %d/%d", ptr, len(payload))
	}

	return uint64(ptr), uint64(len(payload)), nil
}

// readGuestResult unpacks a single packed (ptr<<32|len) uint64 result
// and copies the referenced guest memory out.
func readGuestResult(mod api.Module, results []uint64) ([]byte, error) {
	if len(results) == 0 {
		return nil, nil
	}

	packed := results[0]
	ptr := uint32(packed >> 32)
	length := uint32(packed)

	if length == 0 {
		return nil, nil
	}

	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("out of bounds memory read at %d/%d", ptr, length)
	}

	out := make([]byte, length)
	copy(out, buf)
	return out, nil
}

func hostDispatch(ctx context.Context, mod api.Module, handlers HandlerSet, ifacePtr, ifaceLen, opPtr, opLen, payloadPtr, payloadLen uint32) uint64 {
	iface, err := readString(mod, ifacePtr, ifaceLen)
	if err != nil {
		return 0
	}
	operation, err := readString(mod, opPtr, opLen)
	if err != nil {
		return 0
	}
	payload, ok := mod.Memory().Read(payloadPtr, payloadLen)
	if !ok {
		return 0
	}

	result, err := handlers.Handle(ctx, iface, operation, payload)
	if err != nil || len(result) == 0 {
		return 0
	}

	ptr, length, err := writeGuestPayload(ctx, mod, result)
	if err != nil {
		return 0
	}
	return (ptr << 32) | length
}

func hostLog(ctx context.Context, mod api.Module, handlers HandlerSet, msgPtr, msgLen uint32) {
	msg, err := readString(mod, msgPtr, msgLen)
	if err != nil {
		return
	}
	_, _ = handlers.Handle(ctx, "wasi:logging/logging", "log", []byte(msg))
}

func exportFuncName(witInterface, operation string) string {
	return fmt.Sprintf("%s#%s", witInterface, operation)
}
