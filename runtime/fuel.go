package runtime

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// Fuel approximates an instruction budget by charging one unit per
// guest function entry. A handler that burns CPU inside a single
// function without calling anything is caught by the epoch deadline
// instead; together the two bound every invocation.

type fuelKey struct{}

type fuelState struct {
	remaining atomic.Int64
	exhausted atomic.Bool
	interrupt func()
}

func newFuelState(budget int64, interrupt func()) *fuelState {
	f := &fuelState{interrupt: interrupt}
	f.remaining.Store(budget)
	return f
}

// withFuel attaches the invocation's budget for the listener.
func withFuel(ctx context.Context, f *fuelState) context.Context {
	return context.WithValue(ctx, fuelKey{}, f)
}

func (f *fuelState) burn() {
	if f.remaining.Add(-1) >= 0 {
		return
	}
	if f.exhausted.CompareAndSwap(false, true) {
		f.interrupt()
	}
}

// Exhausted reports whether the budget ran out during the call.
func (f *fuelState) Exhausted() bool { return f.exhausted.Load() }

type fuelListenerFactory struct{}

func (fuelListenerFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return fuelListener{}
}

type fuelListener struct{}

func (fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if f, ok := ctx.Value(fuelKey{}).(*fuelState); ok {
		f.burn()
	}
}

func (fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (fuelListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
