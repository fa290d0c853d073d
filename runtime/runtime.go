// Package runtime wires the sanitizer, admission control, circuit
// breaker, module cache, worker pool, and script engine into the
// invocation pipeline that turns an inbound request into a handler
// response.
package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wasmgate/wasmgate/bufpool"
	"github.com/wasmgate/wasmgate/metrics"
	"github.com/wasmgate/wasmgate/modcache"
	"github.com/wasmgate/wasmgate/reliability"
	"github.com/wasmgate/wasmgate/script"
	"github.com/wasmgate/wasmgate/wasihttp"
)

// Runtime hosts sandboxed HTTP handler modules. It owns the wazero
// engine, all shared state, and the invocation pipeline. Create one
// per process with New and release it with Close.
type Runtime struct {
	cfg Config
	log *logrus.Logger

	wazero    wazero.Runtime
	compCache wazero.CompilationCache

	cache   *modcache.Cache
	breaker *reliability.Breaker
	sink    *metrics.Sink
	bufs    *bufpool.Pool
	pools   *poolSet
	scripts *script.Engine

	inflight sync.WaitGroup
	started  time.Time

	closeOnce sync.Once
}

// New builds a Runtime from cfg. The configuration must already be
// validated.
func New(cfg Config, log *logrus.Logger) (*Runtime, error) {
	if log == nil {
		log = logrus.New()
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx := context.Background()

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)

	var compCache wazero.CompilationCache
	if cfg.CacheDir != "" {
		var err error
		compCache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
		rtConfig = rtConfig.WithCompilationCache(compCache)
	}

	wrt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, wrt); err != nil {
		wrt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if err := wasihttp.Instantiate(ctx, wrt); err != nil {
		wrt.Close(ctx)
		return nil, err
	}

	sink := metrics.New(metrics.Config{
		MaxGlobalInflight:    int64(cfg.MaxGlobalInflight),
		MaxPerModuleInflight: int64(cfg.MaxPerModuleInflight),
	})

	rt := &Runtime{
		cfg:       cfg,
		log:       log,
		wazero:    wrt,
		compCache: compCache,
		breaker: reliability.New(reliability.Config{
			FailThreshold: cfg.BreakerFailThreshold,
			Cooldown:      cfg.BreakerCooldown(),
			ProbeBudget:   cfg.BreakerProbeBudget,
		}, log),
		sink:    sink,
		bufs:    bufpool.New(bufpool.DefaultPoolSize, bufpool.DefaultBufferSize),
		pools:   newPoolSet(),
		started: time.Now(),
	}

	rt.cache = modcache.New(modcache.Config{
		ModulesDir: cfg.ModulesDir,
		MaxEntries: cfg.CacheMaxEntries,
		MaxBytes:   cfg.CacheMaxBytes,
		OnCompile:  sink.RecordCompile,
	}, compilerFunc(rt.compile), log, sink.SetCacheStats)

	if cfg.ScriptsDir != "" {
		rt.scripts = script.NewEngine(script.Config{
			ScriptsDir:   cfg.ScriptsDir,
			MaxCallDepth: script.DefaultMaxCallDepth,
		}, rt, log)
	}

	return rt, nil
}

type compilerFunc func(ctx context.Context, wasm []byte) (wazero.CompiledModule, error)

func (f compilerFunc) Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	return f(ctx, wasm)
}

// compile attaches the fuel listener factory so every guest function
// entry in the compiled module reports to the per-invocation budget.
func (r *Runtime) compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	ctx = experimental.WithFunctionListenerFactory(ctx, fuelListenerFactory{})
	return r.wazero.CompileModule(ctx, wasm)
}

// instantiate creates one sandboxed instance of a compiled artifact.
// The module sees no arguments, no environment, no filesystem, no
// stdio, and a wall clock frozen at instantiation time.
func (r *Runtime) instantiate(ctx context.Context, art *modcache.Artifact) (api.Module, error) {
	frozenSec := time.Now().Unix()
	walltime := func() (int64, int32) { return frozenSec, 0 }
	nanotime := func() int64 { return 0 }

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStdout(io.Discard).
		WithStderr(io.Discard).
		WithWalltime(walltime, sys.ClockResolution(time.Millisecond.Nanoseconds())).
		WithNanotime(nanotime, sys.ClockResolution(time.Millisecond.Nanoseconds())).
		WithStartFunctions("_initialize")

	mod, err := r.wazero.InstantiateModule(ctx, art.Compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", art.Name.String(), err)
	}
	return mod, nil
}

// poolFor returns the instance pool serving the artifact, creating or
// replacing it when the module changed on disk.
func (r *Runtime) poolFor(art *modcache.Artifact) *instancePool {
	return r.pools.forArtifact(art.Name.String(), art, func() *instancePool {
		return newInstancePool(art, r.cfg.WorkerPoolSize, func(ctx context.Context) (api.Module, error) {
			return r.instantiate(ctx, art)
		})
	})
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() Config { return r.cfg }

// Metrics returns the runtime's metrics sink.
func (r *Runtime) Metrics() *metrics.Sink { return r.sink }

// Breaker returns the circuit breaker, mainly for operational tooling.
func (r *Runtime) Breaker() *reliability.Breaker { return r.breaker }

// Cache returns the module cache, mainly for operational tooling.
func (r *Runtime) Cache() *modcache.Cache { return r.cache }

// Scripts returns the orchestration engine, or nil when scripts are
// disabled.
func (r *Runtime) Scripts() *script.Engine { return r.scripts }

// Uptime reports how long the runtime has been serving.
func (r *Runtime) Uptime() time.Duration { return time.Since(r.started) }

// Shutdown stops admission, waits for in-flight invocations up to
// grace, then interrupts whatever is still running.
func (r *Runtime) Shutdown(grace time.Duration) {
	r.sink.SetDraining()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		r.log.Warn("shutdown grace expired, interrupting in-flight invocations")
		r.pools.interruptAll()
		<-done
	}
}

// Close releases every resource. Safe to call more than once.
func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		ctx := context.Background()
		if r.scripts != nil {
			r.scripts.Close()
		}
		r.pools.close()
		r.cache.Flush()
		if cerr := r.wazero.Close(ctx); cerr != nil {
			err = cerr
		}
		if r.compCache != nil {
			if cerr := r.compCache.Close(ctx); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
