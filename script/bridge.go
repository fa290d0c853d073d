package script

import (
	"context"
	"encoding/json"
)

// CallRequest is one host.call issued by a script, re-entering the
// invocation pipeline as a child of the script's own record.
type CallRequest struct {
	Module  string
	Method  string
	Path    string
	Headers map[string]string
	// Body is the JSON encoding of the script's body value; empty for
	// a null body.
	Body []byte
}

// CallResult is what host.call hands back to the script. A host fault
// is a typed value, not an exception, so scripts can implement their
// own retry and fallback logic.
type CallResult struct {
	Status  int
	Headers map[string]string
	// Body is the handler's raw response body.
	Body []byte

	// Kind is empty on success, otherwise the boundary error label
	// (circuit_open, timeout, not_found, ...).
	Kind    string
	Message string
}

// Invoker re-enters the host's invocation pipeline on behalf of a
// script. Implemented by the runtime; the interface keeps the
// dependency acyclic.
type Invoker interface {
	HandlerCall(ctx context.Context, req *CallRequest) *CallResult
}

// callMsg crosses the bridge from the script thread to the host loop.
// resp is buffered so the host can reply even if the script died
// between posting and receiving.
type callMsg struct {
	req  *CallRequest
	resp chan *CallResult
}

// depthKey tracks script re-entrancy through the context so a handler
// chain that winds back into the script engine cannot recurse without
// bound.
type depthKey struct{}

// DepthFrom returns the script call depth recorded in ctx.
func DepthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// faultResult encodes the typed failure value handed to scripts.
func faultResult(kind, message string) *CallResult {
	return &CallResult{Kind: kind, Message: message}
}

// resultJSON renders a CallResult the way the script-side glue expects
// it: {status, headers, body} on success, {ok:false, kind, message} on
// a host fault. A JSON response body is inlined as a value; anything
// else becomes a string.
func resultJSON(r *CallResult) string {
	if r.Kind != "" {
		out, _ := json.Marshal(map[string]any{
			"ok":      false,
			"kind":    r.Kind,
			"message": r.Message,
		})
		return string(out)
	}

	var body any
	if len(r.Body) == 0 {
		body = nil
	} else if json.Valid(r.Body) {
		body = json.RawMessage(r.Body)
	} else {
		body = string(r.Body)
	}

	out, err := json.Marshal(map[string]any{
		"status":  r.Status,
		"headers": r.Headers,
		"body":    body,
	})
	if err != nil {
		out, _ = json.Marshal(map[string]any{
			"ok":      false,
			"kind":    "script_fault",
			"message": "response not serializable",
		})
	}
	return string(out)
}
