package runtime

import (
	"context"
	"net/http"

	"github.com/wasmgate/wasmgate/script"
	"github.com/wasmgate/wasmgate/wasihttp"
)

// HandlerCall implements script.Invoker: each host.call issued by a
// script re-enters the invocation pipeline as its own invocation, with
// the script's remaining deadline and full admission, breaker, and
// limit checks. Host faults come back as typed values for the script.
func (r *Runtime) HandlerCall(ctx context.Context, call *script.CallRequest) *script.CallResult {
	headers := make(http.Header, len(call.Headers)+1)
	for k, v := range call.Headers {
		headers.Set(k, v)
	}
	if len(call.Body) > 0 && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}

	req := &wasihttp.Request{
		Method:  call.Method,
		Path:    call.Path,
		Headers: headers,
		Body:    call.Body,
	}

	resp, ierr := r.Invoke(ctx, call.Module, req)
	if ierr != nil {
		return &script.CallResult{
			Kind:    ierr.Kind.String(),
			Message: ierr.Message,
		}
	}

	flat := make(map[string]string, len(resp.Headers))
	for k := range resp.Headers {
		flat[k] = resp.Headers.Get(k)
	}
	return &script.CallResult{
		Status:  resp.Status,
		Headers: flat,
		Body:    resp.Body,
	}
}
