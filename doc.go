// Package wasmgate is a host runtime for sandboxed HTTP handler
// modules.
//
// # Overview
//
// wasmgate accepts HTTP requests and dispatches them to WebAssembly
// handlers implementing the WASI HTTP incoming-handler shape, loaded
// from a local module directory. Handlers run with zero ambient
// capability: no network, no filesystem, no environment, a frozen
// clock, and hard per-invocation limits on wall time, fuel, body size,
// and headers.
//
// # Basic Usage
//
//	cfg := runtime.DefaultConfig()
//	cfg.ModulesDir = "modules"
//
//	rt, _ := runtime.New(cfg, nil)
//	defer rt.Close()
//
//	resp, err := rt.Invoke(ctx, "echo", &wasihttp.Request{
//	    Method: "POST", Path: "/", Body: []byte(`{"x":1}`),
//	})
//
// # Orchestration
//
// Several handlers can be composed server-side with a single-file
// script. A script sees exactly two globals, input and host.call:
//
//	var a = host.call("echo", { body: input });
//	var b = host.call("echo", { body: a.body });
//	({ calls: 2, final: b.body })
//
// # Protection
//
// Each module is isolated behind admission control (global and
// per-module in-flight caps), a circuit breaker, and a byte-budgeted
// LRU of compiled artifacts. A failing handler never prevents the
// runtime from serving other modules.
//
// See the [runtime], [script], [security], [modcache], [reliability],
// and [wasihttp] packages for detailed API documentation.
package wasmgate
