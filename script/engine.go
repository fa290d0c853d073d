// Package script executes user-authored orchestration scripts in a
// strict sandbox. A script sees exactly two globals: input, the
// decoded request body, and host.call, a synchronous operation that
// re-enters the invocation pipeline through a message-passing bridge.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/quickjs"

	"github.com/wasmgate/wasmgate/security"
)

// DefaultMaxCallDepth bounds script re-entrancy: a script whose
// handler calls wind back into the script engine fails with a depth
// error instead of recursing without bound.
const DefaultMaxCallDepth = 4

var (
	// ErrDepthExceeded is returned when script re-entrancy hits the cap.
	ErrDepthExceeded = errors.New("script call depth exceeded")
	// ErrFault is returned for any script-internal failure.
	ErrFault = errors.New("script fault")
)

// Config tunes the engine.
type Config struct {
	ScriptsDir   string
	MaxCallDepth int
}

// Result is a completed script invocation.
type Result struct {
	// Value is the script's result as JSON.
	Value json.RawMessage
	// CallsExecuted counts the host.call operations performed.
	CallsExecuted int
}

// Engine loads and runs orchestration scripts. Safe for concurrent
// use; each invocation gets its own VM pinned to one OS thread.
type Engine struct {
	cfg     Config
	invoker Invoker
	log     *logrus.Logger
	loader  *loader
	closed  atomic.Bool
}

// NewEngine creates an Engine serving scripts from cfg.ScriptsDir.
func NewEngine(cfg Config, invoker Invoker, log *logrus.Logger) *Engine {
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultMaxCallDepth
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		cfg:     cfg,
		invoker: invoker,
		log:     log,
		loader:  newLoader(cfg.ScriptsDir),
	}
}

// Close marks the engine as shut down: later Run and RunSource calls
// fail with ErrFault. Scripts already running are not interrupted;
// their host calls are still serviced until they finish.
func (e *Engine) Close() { e.closed.Store(true) }

type scriptOutcome struct {
	value json.RawMessage
	err   error
}

// Run executes the named script with input as its global input value.
// It blocks until the script finishes, servicing host.call operations
// along the way, and returns the script's result as JSON.
func (e *Engine) Run(ctx context.Context, rawName string, input []byte) (*Result, error) {
	name, err := security.SanitizeModuleName(rawName)
	if err != nil {
		return nil, fmt.Errorf("invalid script name: %w", err)
	}
	if e.closed.Load() {
		return nil, fmt.Errorf("%w: engine closed", ErrFault)
	}

	depth := DepthFrom(ctx)
	if depth >= e.cfg.MaxCallDepth {
		return nil, ErrDepthExceeded
	}
	ctx = withDepth(ctx, depth+1)

	cs, err := e.loader.load(name)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, name.String(), cs, input)
}

// RunSource executes an inline script, bypassing the on-disk loader.
// Used by the REPL and tests; the sandbox is identical.
func (e *Engine) RunSource(ctx context.Context, source string, input []byte) (*Result, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("%w: engine closed", ErrFault)
	}
	depth := DepthFrom(ctx)
	if depth >= e.cfg.MaxCallDepth {
		return nil, ErrDepthExceeded
	}
	ctx = withDepth(ctx, depth+1)

	program, err := transform(source)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, "(inline)", &compiledScript{program: program, hash: "inline-source"}, input)
}

func (e *Engine) run(ctx context.Context, label string, cs *compiledScript, input []byte) (*Result, error) {
	log := e.log.WithFields(logrus.Fields{"script": label, "hash": cs.hash[:12]})
	start := time.Now()

	var cancelled atomic.Bool
	callCh := make(chan *callMsg)
	resultCh := make(chan scriptOutcome, 1)

	go runScriptThread(cs.program, input, callCh, resultCh, &cancelled)

	calls := 0
	ctxDone := ctx.Done()
	for {
		select {
		case out := <-resultCh:
			if out.err != nil {
				log.WithField("error", out.err).Warn("script failed")
				return nil, fmt.Errorf("%w: %v", ErrFault, out.err)
			}
			log.WithFields(logrus.Fields{
				"calls":    calls,
				"duration": time.Since(start).Round(time.Millisecond),
			}).Info("script completed")
			return &Result{Value: out.value, CallsExecuted: calls}, nil

		case msg := <-callCh:
			calls++
			msg.resp <- e.serviceCall(ctx, msg.req)

		case <-ctxDone:
			// The script observes cancellation at its next host.call;
			// the in-flight sub-invocation is interrupted through the
			// context it inherited.
			cancelled.Store(true)
			ctxDone = nil
		}
	}
}

// serviceCall performs one bridged handler invocation, propagating the
// script's remaining deadline and turning every host fault into a
// typed value.
func (e *Engine) serviceCall(ctx context.Context, req *CallRequest) *CallResult {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return faultResult("deadline_exceeded", "script deadline expired")
		}
		return faultResult("cancelled", "request cancelled")
	}
	if d, ok := ctx.Deadline(); ok && time.Until(d) <= 0 {
		return faultResult("deadline_exceeded", "script deadline expired")
	}
	return e.invoker.HandlerCall(ctx, req)
}

// runScriptThread owns the VM for one invocation. The evaluator is
// cooperative and single-threaded; locking the goroutine to its OS
// thread keeps the VM's thread-local state coherent while host.call
// blocks.
func runScriptThread(program string, input []byte, callCh chan<- *callMsg, resultCh chan<- scriptOutcome, cancelled *atomic.Bool) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if p := recover(); p != nil {
			resultCh <- scriptOutcome{err: fmt.Errorf("script runtime panic: %v", p)}
		}
	}()

	vm, err := quickjs.NewVM()
	if err != nil {
		resultCh <- scriptOutcome{err: fmt.Errorf("create VM: %w", err)}
		return
	}
	defer vm.Close()

	hostCall := func(payload string) (string, error) {
		if cancelled.Load() {
			return resultJSON(faultResult("cancelled", "request cancelled")), nil
		}
		req, err := parseCallPayload(payload)
		if err != nil {
			return "", err
		}
		msg := &callMsg{req: req, resp: make(chan *CallResult, 1)}
		callCh <- msg
		// Parked, not busy-waiting: the host loop owns the other end.
		return resultJSON(<-msg.resp), nil
	}
	if err := vm.RegisterFunc("__host_call_raw", hostCall, false); err != nil {
		resultCh <- scriptOutcome{err: fmt.Errorf("register host call: %w", err)}
		return
	}

	if _, err := vm.Eval(sandboxPrelude, quickjs.EvalGlobal); err != nil {
		resultCh <- scriptOutcome{err: fmt.Errorf("install sandbox: %w", err)}
		return
	}

	inputJS, err := inputAssignment(input)
	if err != nil {
		resultCh <- scriptOutcome{err: err}
		return
	}
	if _, err := vm.Eval(inputJS, quickjs.EvalGlobal); err != nil {
		resultCh <- scriptOutcome{err: fmt.Errorf("set input: %w", err)}
		return
	}

	// Indirect eval keeps the program's completion value while running
	// it in the global scope.
	programLit, _ := json.Marshal(program)
	if _, err := vm.Eval("globalThis.__result = (0, eval)("+string(programLit)+");", quickjs.EvalGlobal); err != nil {
		resultCh <- scriptOutcome{err: fmt.Errorf("script error: %v", err)}
		return
	}

	thenable, err := vm.Eval(`(globalThis.__result !== null && typeof globalThis.__result === "object" && typeof globalThis.__result.then === "function") ? 1 : 0`, quickjs.EvalGlobal)
	if err == nil {
		if n, ok := toInt(thenable); ok && n == 1 {
			resultCh <- scriptOutcome{err: errors.New("script returned a promise; host.call is synchronous")}
			return
		}
	}

	out, err := vm.Eval(`JSON.stringify(globalThis.__result === undefined ? null : globalThis.__result)`, quickjs.EvalGlobal)
	if err != nil {
		resultCh <- scriptOutcome{err: fmt.Errorf("serialize result: %v", err)}
		return
	}
	s, ok := out.(string)
	if !ok || s == "" {
		s = "null"
	}
	resultCh <- scriptOutcome{value: json.RawMessage(s)}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// parseCallPayload decodes the JSON the glue assembled from the
// script's host.call arguments.
func parseCallPayload(payload string) (*CallRequest, error) {
	var raw struct {
		Module  string            `json:"module"`
		Method  string            `json:"method"`
		Path    string            `json:"path"`
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("malformed host.call payload: %w", err)
	}
	req := &CallRequest{
		Module:  raw.Module,
		Method:  raw.Method,
		Path:    raw.Path,
		Headers: raw.Headers,
	}
	if req.Method == "" {
		req.Method = "POST"
	}
	if req.Path == "" {
		req.Path = "/"
	}
	if string(raw.Body) != "" && string(raw.Body) != "null" {
		req.Body = []byte(raw.Body)
	}
	return req, nil
}

// inputAssignment renders the input value into the global scope. JSON
// bodies become values; anything else becomes a string of the raw
// bytes. An empty body is null.
func inputAssignment(input []byte) (string, error) {
	var lit []byte
	switch {
	case len(input) == 0:
		lit = []byte("null")
	case json.Valid(input):
		lit = input
	default:
		var err error
		lit, err = json.Marshal(string(input))
		if err != nil {
			return "", fmt.Errorf("encode input: %w", err)
		}
	}
	return "globalThis.input = " + string(lit) + ";", nil
}

// sandboxPrelude wires the host.call glue and pins down the global
// surface. The raw registered function returns (value, error) pairs as
// a two-element array, so the glue unwraps and rethrows.
const sandboxPrelude = `
(function() {
	var raw = globalThis["__host_call_raw"];
	delete globalThis["__host_call_raw"];

	var call = function(name, options) {
		options = options || {};
		var payload = JSON.stringify({
			module: String(name),
			method: options.method === undefined ? "POST" : String(options.method),
			path: options.path === undefined ? "/" : String(options.path),
			headers: options.headers || {},
			body: options.body === undefined ? null : options.body
		});
		var r = raw(payload);
		if (Array.isArray(r)) {
			if (r[1] !== null && r[1] !== undefined) throw new Error("host.call: " + r[1]);
			r = r[0];
		}
		return JSON.parse(r);
	};

	globalThis.host = Object.freeze({ call: call });
})();
`
