// Package modcache caches compiled WASM artifacts keyed by module
// name. The cache is a byte-aware LRU bounded by entry count and total
// estimated bytes, with at-most-one concurrent compilation per name.
package modcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"

	"github.com/wasmgate/wasmgate/security"
)

// ErrNotFound is returned when no artifact exists for the module.
var ErrNotFound = errors.New("module not found")

// Compiler turns raw module bytes into an executable artifact. The
// indirection keeps the cache testable without real WASM.
type Compiler interface {
	Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error)
}

// Artifact is the compiled form of one module. Immutable once created;
// shared by reference between the cache and in-flight invocations and
// freed when the last holder releases it.
type Artifact struct {
	Name        security.Name
	Compiled    wazero.CompiledModule
	Fingerprint string
	Size        int64
	Created     time.Time

	refs atomic.Int64
}

// Acquire adds a reference for an in-flight invocation.
func (a *Artifact) Acquire() { a.refs.Add(1) }

// Release drops one reference and closes the compiled module when the
// last holder is gone.
func (a *Artifact) Release() {
	if a.refs.Add(-1) == 0 && a.Compiled != nil {
		a.Compiled.Close(context.Background())
	}
}

// Config bounds the cache.
type Config struct {
	ModulesDir string
	MaxEntries int
	MaxBytes   int64

	// OnCompile, when set, observes every compilation attempt.
	OnCompile func(name security.Name, ok bool)
}

// DefaultConfig mirrors the runtime defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 64,
		MaxBytes:   256 << 20,
	}
}

type cacheEntry struct {
	artifact *Artifact
	lastUsed time.Time
	elem     *list.Element
}

// StatsFunc receives occupancy updates after every mutation.
type StatsFunc func(entries int, bytes int64)

// Cache maps Name -> Artifact under LRU bookkeeping.
type Cache struct {
	cfg      Config
	compiler Compiler
	log      *logrus.Logger
	onStats  StatsFunc

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used; values are name strings
	bytes   int64

	flight singleflight.Group

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Cache. onStats may be nil.
func New(cfg Config, compiler Compiler, log *logrus.Logger, onStats StatsFunc) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if log == nil {
		log = logrus.New()
	}
	return &Cache{
		cfg:      cfg,
		compiler: compiler,
		log:      log,
		onStats:  onStats,
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
		now:      time.Now,
	}
}

// GetOrCompile returns the artifact for name, compiling it if missing.
// Concurrent callers for the same name share one compilation; distinct
// names compile in parallel. The returned artifact carries a reference
// for the caller, who must Release it after the invocation.
func (c *Cache) GetOrCompile(ctx context.Context, name security.Name) (*Artifact, error) {
	path, err := security.ResolveModulePath(c.cfg.ModulesDir, name)
	if err != nil {
		return nil, err
	}

	if art := c.lookupFresh(name, path); art != nil {
		return art, nil
	}

	leader := false
	v, err, _ := c.flight.Do(name.String(), func() (any, error) {
		leader = true
		// A racing caller may have filled the entry while we queued.
		if art := c.lookupFresh(name, path); art != nil {
			return art, nil
		}
		return c.compile(ctx, name, path)
	})
	if err != nil {
		return nil, err
	}
	art := v.(*Artifact)
	if !leader {
		// The reference taken inside the flight belongs to the caller
		// that ran it; callers sharing its result take their own.
		art.Acquire()
	}
	return art, nil
}

// lookupFresh returns the cached artifact if its fingerprint still
// matches the bytes on disk, acquiring a reference for the caller.
// A stale entry is invalidated and nil returned.
func (c *Cache) lookupFresh(name security.Name, path string) *Artifact {
	c.mu.Lock()
	e, ok := c.entries[name.String()]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	art := e.artifact
	c.mu.Unlock()

	fp, err := fingerprintFile(path)
	if err != nil || fp != art.Fingerprint {
		c.Invalidate(name)
		return nil
	}

	c.mu.Lock()
	if e2, ok := c.entries[name.String()]; ok && e2.artifact == art {
		e2.lastUsed = c.now()
		c.lru.MoveToFront(e2.elem)
		art.Acquire()
		c.mu.Unlock()
		return art
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) compile(ctx context.Context, name security.Name, path string) (*Artifact, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name.String())
		}
		return nil, fmt.Errorf("read module %s: %w", name.String(), err)
	}

	sum := sha256.Sum256(wasm)
	compiled, err := c.compiler.Compile(ctx, wasm)
	if c.cfg.OnCompile != nil {
		c.cfg.OnCompile(name, err == nil)
	}
	if err != nil {
		// Compile failures are never cached; the next request retries.
		return nil, fmt.Errorf("compile module %s: %w", name.String(), err)
	}

	art := &Artifact{
		Name:        name,
		Compiled:    compiled,
		Fingerprint: hex.EncodeToString(sum[:]),
		Size:        int64(len(wasm)),
		Created:     c.now(),
	}
	art.refs.Store(1) // caller's reference

	if art.Size > c.cfg.MaxBytes {
		// One-shot path: too large to ever cache. The caller's release
		// closes it.
		c.log.WithFields(logrus.Fields{
			"module": name.String(),
			"bytes":  art.Size,
		}).Warn("artifact exceeds cache byte cap, serving uncached")
		return art, nil
	}

	c.insert(name, art)
	return art, nil
}

// insert stores art under LRU bookkeeping, evicting least-recently-used
// entries until both constraints hold. The cache takes its own
// reference.
func (c *Cache) insert(name security.Name, art *Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := name.String()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}

	for len(c.entries) >= c.cfg.MaxEntries || c.bytes+art.Size > c.cfg.MaxBytes {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(string)
		c.removeLocked(victim, c.entries[victim])
		c.log.WithField("module", victim).Debug("evicted from module cache")
	}

	art.Acquire()
	e := &cacheEntry{artifact: art, lastUsed: c.now()}
	e.elem = c.lru.PushFront(key)
	c.entries[key] = e
	c.bytes += art.Size
	c.publishStatsLocked()
}

// removeLocked detaches an entry and releases the cache's reference.
func (c *Cache) removeLocked(key string, e *cacheEntry) {
	delete(c.entries, key)
	c.lru.Remove(e.elem)
	c.bytes -= e.artifact.Size
	e.artifact.Release()
	c.publishStatsLocked()
}

func (c *Cache) publishStatsLocked() {
	if c.onStats != nil {
		c.onStats(len(c.entries), c.bytes)
	}
}

// Invalidate drops the cached artifact for name, if any.
func (c *Cache) Invalidate(name security.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name.String()]; ok {
		c.removeLocked(name.String(), e)
	}
}

// Flush drops every cached artifact.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		c.removeLocked(key, e)
	}
}

// Stats returns current occupancy.
func (c *Cache) Stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.bytes
}

// Names returns the cached module names, most recently used first.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		names = append(names, e.Value.(string))
	}
	return names
}

func fingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
