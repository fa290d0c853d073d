package runtime

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wasmgate/wasmgate/metrics"
	"github.com/wasmgate/wasmgate/modcache"
	"github.com/wasmgate/wasmgate/security"
	"github.com/wasmgate/wasmgate/wasihttp"
)

// Invoke dispatches one request to the named handler module. It is the
// pipeline's only public operation: admission, breaker check, artifact
// lookup, instance acquisition, timed and fueled execution, and outcome
// recording all happen here, and every claimed resource is released on
// every exit path.
func (r *Runtime) Invoke(ctx context.Context, rawName string, req *wasihttp.Request) (*wasihttp.Response, *Error) {
	name, err := security.SanitizeModuleName(rawName)
	if err != nil {
		return nil, Wrap(KindBadRequest, err, "invalid module name")
	}
	if verr := r.validateRequest(req); verr != nil {
		return nil, verr
	}

	if err := r.sink.TryAcquire(name); err != nil {
		r.sink.RecordOutcome(name, metrics.OutcomeRejectedAdmission)
		if errors.Is(err, metrics.ErrShuttingDown) {
			return nil, Wrap(KindShuttingDown, err, "runtime is draining")
		}
		return nil, Wrap(KindOverloaded, err, "too many in-flight requests")
	}
	defer r.sink.Release(name)

	r.inflight.Add(1)
	defer r.inflight.Done()
	r.sink.RecordStarted(name)

	if !r.breaker.Check(name) {
		r.sink.RecordOutcome(name, metrics.OutcomeRejectedBreaker)
		return nil, Errf(KindCircuitOpen, "circuit open for module %s", name.String())
	}

	art, err := r.cache.GetOrCompile(ctx, name)
	if err != nil {
		switch {
		case errors.Is(err, modcache.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return nil, Wrap(KindNotFound, err, "module not found")
		case errors.Is(err, security.ErrEscape):
			return nil, Wrap(KindBadRequest, err, "invalid module path")
		default:
			// Compile failures are never cached but do count against
			// the breaker so a corrupt artifact cannot burn CPU forever.
			r.breaker.Record(name, false)
			r.sink.RecordOutcome(name, metrics.OutcomeFailure)
			return nil, Wrap(KindModuleInvalid, err, "module failed to compile")
		}
	}
	defer art.Release()

	pool := r.poolFor(art)
	s, err := pool.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSlot) {
			r.sink.RecordOutcome(name, metrics.OutcomeRejectedAdmission)
			return nil, Wrap(KindOverloaded, err, "instance pool saturated")
		}
		r.breaker.Record(name, false)
		r.sink.RecordOutcome(name, metrics.OutcomeFailure)
		return nil, Wrap(KindModuleInvalid, err, "module failed to instantiate")
	}

	resp, ierr := r.execute(ctx, name, s, req)

	ok := ierr == nil
	pool.release(ctx, s, ok)
	r.breaker.Record(name, ok)
	return resp, ierr
}

// validateRequest enforces the body and header caps before any slot is
// claimed.
func (r *Runtime) validateRequest(req *wasihttp.Request) *Error {
	if int64(len(req.Body)) > r.cfg.MaxBodyBytes {
		return Errf(KindPayloadTooLarge, "request body exceeds %d bytes", r.cfg.MaxBodyBytes)
	}
	if len(req.Headers) > r.cfg.MaxHeaders {
		return Errf(KindBadRequest, "more than %d request headers", r.cfg.MaxHeaders)
	}
	limits := r.limits()
	for name, values := range req.Headers {
		if len(name) > limits.MaxHeaderName {
			return Errf(KindBadRequest, "header name exceeds %d bytes", limits.MaxHeaderName)
		}
		for _, v := range values {
			if len(v) > limits.MaxHeaderValue {
				return Errf(KindBadRequest, "header value exceeds %d bytes", limits.MaxHeaderValue)
			}
		}
	}
	return nil
}

func (r *Runtime) limits() wasihttp.Limits {
	l := wasihttp.DefaultLimits()
	l.MaxBodyBytes = r.cfg.MaxBodyBytes
	l.MaxHeaders = r.cfg.MaxHeaders
	return l
}

// execute runs the guest under the invocation deadline and fuel
// budget and records the metrics outcome and latency. The returned
// error, if any, already carries the boundary kind; the caller
// releases the slot and records breaker state.
func (r *Runtime) execute(ctx context.Context, name security.Name, s *slot, req *wasihttp.Request) (resp *wasihttp.Response, ierr *Error) {
	start := time.Now()

	deadline := r.cfg.RequestTimeout()
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}
	if deadline <= 0 {
		r.sink.RecordOutcome(name, metrics.OutcomeTimeout)
		return nil, Errf(KindTimeout, "deadline already expired")
	}

	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	s.interrupt.Store(&cancel)
	defer s.interrupt.Store(nil)

	fuel := newFuelState(r.cfg.FuelPerRequest, cancel)
	execCtx = withFuel(execCtx, fuel)

	state := wasihttp.NewState(req, r.limits(), r.bufs)

	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{"module": name.String(), "panic": p}).Error("handler panicked")
			r.sink.RecordOutcome(name, metrics.OutcomeFailure)
			r.sink.ObserveLatency(name, time.Since(start))
			resp, ierr = nil, Errf(KindHandlerTrap, "handler panicked")
		}
	}()

	err := wasihttp.Handle(execCtx, s.module, state)
	elapsed := time.Since(start)
	r.sink.ObserveLatency(name, elapsed)

	switch {
	case fuel.Exhausted():
		r.sink.RecordOutcome(name, metrics.OutcomeFuelExhausted)
		return nil, Errf(KindFuelExhausted, "fuel budget exhausted after %s", elapsed.Round(time.Millisecond))
	case err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		r.sink.RecordOutcome(name, metrics.OutcomeTimeout)
		return nil, Errf(KindTimeout, "handler exceeded %s deadline", deadline.Round(time.Millisecond))
	case err != nil && errors.Is(execCtx.Err(), context.Canceled):
		// Client disconnect or shutdown interrupt: surfaced as timeout,
		// the caller is usually no longer listening.
		r.sink.RecordOutcome(name, metrics.OutcomeTimeout)
		return nil, Wrap(KindTimeout, err, "invocation cancelled")
	case err != nil:
		r.log.WithFields(logrus.Fields{"module": name.String(), "error": err}).Warn("handler trapped")
		r.sink.RecordOutcome(name, metrics.OutcomeFailure)
		return nil, Wrap(KindHandlerTrap, err, "handler trapped")
	}

	// A handler's own 4xx/5xx is an expected outcome: the breaker only
	// counts host-level faults.
	r.sink.RecordOutcome(name, metrics.OutcomeSuccess)
	return state.Response(), nil
}
