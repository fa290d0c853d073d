// Package wasihttp is the host-side binding of the WASI HTTP
// incoming-handler shape over wazero core modules. The guest exports a
// handle function; the host exposes request accessors, response
// writers, and body streams as host functions that operate on the
// current invocation's state, carried in the context. Handlers get no
// other capability: no sockets, no filesystem, no environment, and a
// wall clock frozen when the instance is created.
package wasihttp

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostModule is the import namespace handlers link against.
const HostModule = "wasi:http/host"

// Guest export names accepted for the handler entry point. Component
// tooling emits the interface-qualified form; flat core modules export
// the bare name.
var handleExports = []string{"wasi:http/incoming-handler#handle", "handle"}

var (
	// ErrNoHandle is returned when the guest exports no handler entry point.
	ErrNoHandle = errors.New("module exports no incoming-handler entry point")
	// ErrBodyTooLarge is returned when the guest writes past the response cap.
	ErrBodyTooLarge = errors.New("response body exceeds configured cap")
)

type stateKey struct{}

// withState attaches the invocation state for host functions.
func withState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

func stateFrom(ctx context.Context) *State {
	s, _ := ctx.Value(stateKey{}).(*State)
	return s
}

// Instantiate registers the host module on rt. Call once per wazero
// runtime, before any handler module is instantiated.
func Instantiate(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(HostModule)

	b.NewFunctionBuilder().WithFunc(requestMethod).Export("request-method")
	b.NewFunctionBuilder().WithFunc(requestPath).Export("request-path")
	b.NewFunctionBuilder().WithFunc(requestHeaderNames).Export("request-header-names")
	b.NewFunctionBuilder().WithFunc(requestHeaderGet).Export("request-header-get")
	b.NewFunctionBuilder().WithFunc(requestBodyRead).Export("request-body-read")
	b.NewFunctionBuilder().WithFunc(responseSetStatus).Export("response-set-status")
	b.NewFunctionBuilder().WithFunc(responseHeaderSet).Export("response-header-set")
	b.NewFunctionBuilder().WithFunc(responseBodyWrite).Export("response-body-write")

	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate %s: %w", HostModule, err)
	}
	return nil
}

// Handle invokes the guest's handler entry point for one request. The
// module must already be instantiated; state carries the request and
// collects the response.
func Handle(ctx context.Context, mod api.Module, s *State) error {
	var fn api.Function
	for _, name := range handleExports {
		if fn = mod.ExportedFunction(name); fn != nil {
			break
		}
	}
	if fn == nil {
		return ErrNoHandle
	}
	_, err := fn.Call(withState(ctx, s))
	if err != nil {
		return err
	}
	return s.err
}

// readGuestString copies a guest buffer into host memory.
func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// writeResult copies s into the guest buffer at ptr (truncating at
// limit) and returns the full length so the guest can retry with a
// larger buffer.
func writeResult(mod api.Module, ptr, limit uint32, s []byte) uint32 {
	n := uint32(len(s))
	if n > limit {
		n = limit
	}
	if n > 0 {
		mod.Memory().Write(ptr, s[:n])
	}
	return uint32(len(s))
}

// --- host functions ---
// Each takes the invocation state from ctx. A missing state means the
// guest called outside a request, which is a guest bug; the functions
// return zero values rather than trapping so a confused module cannot
// crash the host.

func requestMethod(ctx context.Context, mod api.Module, buf, limit uint32) uint32 {
	s := stateFrom(ctx)
	if s == nil {
		return 0
	}
	return writeResult(mod, buf, limit, []byte(s.req.Method))
}

func requestPath(ctx context.Context, mod api.Module, buf, limit uint32) uint32 {
	s := stateFrom(ctx)
	if s == nil {
		return 0
	}
	return writeResult(mod, buf, limit, []byte(s.req.Path))
}

// requestHeaderNames writes all header names NUL-joined.
func requestHeaderNames(ctx context.Context, mod api.Module, buf, limit uint32) uint32 {
	s := stateFrom(ctx)
	if s == nil {
		return 0
	}
	return writeResult(mod, buf, limit, s.headerNames())
}

// requestHeaderGet writes the first value of the named header. Returns
// the value length, or 0 when absent.
func requestHeaderGet(ctx context.Context, mod api.Module, namePtr, nameLen, buf, limit uint32) uint32 {
	s := stateFrom(ctx)
	if s == nil {
		return 0
	}
	name, ok := readGuestString(mod, namePtr, nameLen)
	if !ok {
		return 0
	}
	v, ok := s.headerValue(name)
	if !ok {
		return 0
	}
	return writeResult(mod, buf, limit, []byte(v))
}

// requestBodyRead streams request body bytes into the guest buffer.
// Returns the number of bytes written; 0 signals end of stream.
func requestBodyRead(ctx context.Context, mod api.Module, buf, limit uint32) uint32 {
	s := stateFrom(ctx)
	if s == nil {
		return 0
	}
	return s.readBody(mod, buf, limit)
}

func responseSetStatus(ctx context.Context, status uint32) {
	s := stateFrom(ctx)
	if s == nil {
		return
	}
	s.setStatus(int(status))
}

func responseHeaderSet(ctx context.Context, mod api.Module, namePtr, nameLen, valPtr, valLen uint32) {
	s := stateFrom(ctx)
	if s == nil {
		return
	}
	name, ok := readGuestString(mod, namePtr, nameLen)
	if !ok {
		return
	}
	val, ok := readGuestString(mod, valPtr, valLen)
	if !ok {
		return
	}
	s.setHeader(name, val)
}

// responseBodyWrite appends guest bytes to the response body. Returns
// the bytes consumed; 0 signals the cap was hit and the guest should
// stop.
func responseBodyWrite(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
	s := stateFrom(ctx)
	if s == nil {
		return 0
	}
	return s.writeBody(mod, ptr, length)
}
