package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmgate/wasmgate/modcache"
)

// ErrNoSlot is returned when a module's instance pool is saturated.
var ErrNoSlot = errors.New("no instance slot available")

// slot is one pre-initialized execution context, lent exclusively for
// the duration of a single invocation.
type slot struct {
	module api.Module

	// interrupt trips the in-flight call's context so wazero's
	// close-on-context-done support traps the guest at the next safe
	// point. Nil outside an invocation.
	interrupt atomic.Pointer[context.CancelFunc]
}

// Interrupt cancels the invocation currently running on the slot, if
// any. Safe from any goroutine.
func (s *slot) Interrupt() {
	if cancel := s.interrupt.Load(); cancel != nil {
		(*cancel)()
	}
}

func (s *slot) close() {
	if s.module != nil {
		s.module.Close(context.Background())
	}
}

// instancePool holds ready instances for one compiled artifact. Slots
// grow lazily up to the cap; a slot that finished a successful call is
// replaced by a fresh instantiation so no handler state survives
// between invocations.
type instancePool struct {
	newModule   func(ctx context.Context) (api.Module, error)
	art         *modcache.Artifact
	fingerprint string

	mu     sync.Mutex
	idle   []*slot
	active map[*slot]struct{}
	total  int
	cap    int
	closed bool
}

// newInstancePool takes its own reference on art, released when the
// pool closes, so eviction from the module cache cannot free a
// compiled module that still backs live instances.
func newInstancePool(art *modcache.Artifact, capacity int, newModule func(ctx context.Context) (api.Module, error)) *instancePool {
	art.Acquire()
	return &instancePool{
		newModule:   newModule,
		art:         art,
		fingerprint: art.Fingerprint,
		active:      make(map[*slot]struct{}),
		cap:         capacity,
	}
}

// acquire returns an idle slot, instantiates a new one when below cap,
// or fails with ErrNoSlot.
func (p *instancePool) acquire(ctx context.Context) (*slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("instance pool closed")
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active[s] = struct{}{}
		p.mu.Unlock()
		return s, nil
	}
	if p.total >= p.cap {
		p.mu.Unlock()
		return nil, ErrNoSlot
	}
	p.total++
	p.mu.Unlock()

	mod, err := p.newModule(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, err
	}
	s := &slot{module: mod}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.close()
		return nil, fmt.Errorf("instance pool closed")
	}
	p.active[s] = struct{}{}
	p.mu.Unlock()
	return s, nil
}

// release returns a slot after an invocation. The used instance is
// always discarded; on success a fresh instance is instantiated in its
// place so the pool stays warm, while a failed slot just shrinks the
// pool (the next acquire regrows it lazily).
func (p *instancePool) release(ctx context.Context, s *slot, ok bool) {
	s.interrupt.Store(nil)
	s.close()

	p.mu.Lock()
	delete(p.active, s)
	if p.closed || !ok {
		p.total--
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	mod, err := p.newModule(context.WithoutCancel(ctx))
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}
	fresh := &slot{module: mod}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fresh.close()
		return
	}
	p.idle = append(p.idle, fresh)
	p.mu.Unlock()
}

// interruptAll trips every in-flight invocation on this pool. Used
// when the shutdown grace period expires.
func (p *instancePool) interruptAll() {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.active))
	for s := range p.active {
		slots = append(slots, s)
	}
	p.mu.Unlock()
	for _, s := range slots {
		s.Interrupt()
	}
}

func (p *instancePool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, s := range idle {
		s.close()
	}
	p.art.Release()
}

// poolSet tracks one instancePool per module name, replacing the pool
// whenever the module's artifact fingerprint changes.
type poolSet struct {
	mu    sync.Mutex
	pools map[string]*instancePool
}

func newPoolSet() *poolSet {
	return &poolSet{pools: make(map[string]*instancePool)}
}

func (ps *poolSet) forArtifact(name string, art *modcache.Artifact, build func() *instancePool) *instancePool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.pools[name]; ok {
		if p.fingerprint == art.Fingerprint {
			return p
		}
		// Artifact changed on disk: retire the stale pool.
		go p.close()
	}
	p := build()
	ps.pools[name] = p
	return p
}

func (ps *poolSet) interruptAll() {
	ps.mu.Lock()
	pools := make([]*instancePool, 0, len(ps.pools))
	for _, p := range ps.pools {
		pools = append(pools, p)
	}
	ps.mu.Unlock()
	for _, p := range pools {
		p.interruptAll()
	}
}

func (ps *poolSet) close() {
	ps.mu.Lock()
	pools := ps.pools
	ps.pools = make(map[string]*instancePool)
	ps.mu.Unlock()
	for _, p := range pools {
		p.close()
	}
}
