package modcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/wasmgate/wasmgate/security"
)

// countingCompiler counts invocations and never produces a real module;
// the cache only moves compiled artifacts around, it never calls into
// them.
type countingCompiler struct {
	calls atomic.Int64
	err   error
}

func (c *countingCompiler) Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return nil, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func name(t *testing.T, raw string) security.Name {
	t.Helper()
	n, err := security.SanitizeModuleName(raw)
	if err != nil {
		t.Fatalf("SanitizeModuleName(%q): %v", raw, err)
	}
	return n
}

func writeModule(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".wasm"), content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestCache(t *testing.T, cfg Config, comp Compiler) *Cache {
	t.Helper()
	if comp == nil {
		comp = &countingCompiler{}
	}
	return New(cfg, comp, quietLogger(), nil)
}

func TestCompileOnMissThenHit(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "echo", []byte("aaaa"))
	comp := &countingCompiler{}
	c := newTestCache(t, Config{ModulesDir: dir, MaxEntries: 4, MaxBytes: 1 << 20}, comp)

	a1, err := c.GetOrCompile(context.Background(), name(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}
	a2, err := c.GetOrCompile(context.Background(), name(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}
	if comp.calls.Load() != 1 {
		t.Errorf("compiles = %d, want 1", comp.calls.Load())
	}
	if a1 != a2 {
		t.Error("hit returned a different artifact identity")
	}
	a1.Release()
	a2.Release()
}

func TestNotFound(t *testing.T) {
	c := newTestCache(t, Config{ModulesDir: t.TempDir(), MaxEntries: 4, MaxBytes: 1 << 20}, nil)
	_, err := c.GetOrCompile(context.Background(), name(t, "ghost"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSingleFlight(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "big", []byte("bbbb"))
	comp := &countingCompiler{}
	c := newTestCache(t, Config{ModulesDir: dir, MaxEntries: 4, MaxBytes: 1 << 20}, comp)

	const n = 100
	var wg sync.WaitGroup
	arts := make([]*Artifact, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arts[i], errs[i] = c.GetOrCompile(context.Background(), name(t, "big"))
		}(i)
	}
	wg.Wait()

	if got := comp.calls.Load(); got != 1 {
		t.Errorf("compiles = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if arts[i] != arts[0] {
			t.Fatalf("caller %d observed a different artifact identity", i)
		}
		arts[i].Release()
	}
}

func TestCompileErrorNotCached(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "broken", []byte("zzzz"))
	comp := &countingCompiler{err: errors.New("bad wasm")}
	c := newTestCache(t, Config{ModulesDir: dir, MaxEntries: 4, MaxBytes: 1 << 20}, comp)

	for i := 0; i < 3; i++ {
		if _, err := c.GetOrCompile(context.Background(), name(t, "broken")); err == nil {
			t.Fatal("expected compile error")
		}
	}
	// Negative results are not cached: every request retried.
	if got := comp.calls.Load(); got != 3 {
		t.Errorf("compiles = %d, want 3", got)
	}
	if entries, _ := c.Stats(); entries != 0 {
		t.Errorf("entries = %d, want 0", entries)
	}
}

func TestByteCapEviction(t *testing.T) {
	dir := t.TempDir()
	for _, m := range []string{"a", "b", "c"} {
		writeModule(t, dir, m, make([]byte, 100))
	}
	c := newTestCache(t, Config{ModulesDir: dir, MaxEntries: 10, MaxBytes: 250}, nil)
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c"} {
		art, err := c.GetOrCompile(ctx, name(t, m))
		if err != nil {
			t.Fatal(err)
		}
		art.Release()
	}

	entries, bytes := c.Stats()
	if bytes > 250 {
		t.Errorf("bytes = %d, want <= 250", bytes)
	}
	if entries != 2 {
		t.Errorf("entries = %d, want 2", entries)
	}
	// "a" was least recently used and must be the eviction victim.
	for _, n := range c.Names() {
		if n == "a" {
			t.Error("LRU entry survived eviction")
		}
	}
}

func TestEntryCapEviction(t *testing.T) {
	dir := t.TempDir()
	for _, m := range []string{"a", "b", "c"} {
		writeModule(t, dir, m, []byte{1})
	}
	c := newTestCache(t, Config{ModulesDir: dir, MaxEntries: 2, MaxBytes: 1 << 20}, nil)
	ctx := context.Background()

	for _, m := range []string{"a", "b"} {
		art, _ := c.GetOrCompile(ctx, name(t, m))
		art.Release()
	}
	// Touch "a" so "b" becomes the LRU victim.
	art, _ := c.GetOrCompile(ctx, name(t, "a"))
	art.Release()
	art, _ = c.GetOrCompile(ctx, name(t, "c"))
	art.Release()

	names := c.Names()
	if len(names) != 2 {
		t.Fatalf("entries = %d, want 2", len(names))
	}
	for _, n := range names {
		if n == "b" {
			t.Errorf("expected b to be evicted, cache holds %v", names)
		}
	}
}

func TestOversizedArtifactUncached(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "huge", make([]byte, 1000))
	comp := &countingCompiler{}
	c := newTestCache(t, Config{ModulesDir: dir, MaxEntries: 4, MaxBytes: 500}, comp)
	ctx := context.Background()

	a1, err := c.GetOrCompile(ctx, name(t, "huge"))
	if err != nil {
		t.Fatal(err)
	}
	a1.Release()
	if entries, _ := c.Stats(); entries != 0 {
		t.Errorf("oversized artifact was cached, entries = %d", entries)
	}

	// Each request takes the one-shot compile path.
	a2, err := c.GetOrCompile(ctx, name(t, "huge"))
	if err != nil {
		t.Fatal(err)
	}
	a2.Release()
	if got := comp.calls.Load(); got != 2 {
		t.Errorf("compiles = %d, want 2", got)
	}
}

func TestDiskChangeInvalidates(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "mut", []byte("v1"))
	comp := &countingCompiler{}
	c := newTestCache(t, Config{ModulesDir: dir, MaxEntries: 4, MaxBytes: 1 << 20}, comp)
	ctx := context.Background()

	a1, err := c.GetOrCompile(ctx, name(t, "mut"))
	if err != nil {
		t.Fatal(err)
	}
	fp1 := a1.Fingerprint
	a1.Release()

	writeModule(t, dir, "mut", []byte("v2"))

	a2, err := c.GetOrCompile(ctx, name(t, "mut"))
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Release()
	if a2.Fingerprint == fp1 {
		t.Error("stale artifact served after on-disk change")
	}
	if got := comp.calls.Load(); got != 2 {
		t.Errorf("compiles = %d, want 2", got)
	}
}

func TestExplicitInvalidate(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "inv", []byte("x"))
	comp := &countingCompiler{}
	c := newTestCache(t, Config{ModulesDir: dir, MaxEntries: 4, MaxBytes: 1 << 20}, comp)
	ctx := context.Background()

	a, _ := c.GetOrCompile(ctx, name(t, "inv"))
	a.Release()
	c.Invalidate(name(t, "inv"))

	a, _ = c.GetOrCompile(ctx, name(t, "inv"))
	a.Release()
	if got := comp.calls.Load(); got != 2 {
		t.Errorf("compiles = %d, want 2", got)
	}
}

func TestTraversalNeverTouchesDisk(t *testing.T) {
	c := newTestCache(t, Config{ModulesDir: t.TempDir(), MaxEntries: 4, MaxBytes: 1 << 20}, nil)
	var zero security.Name
	if _, err := c.GetOrCompile(context.Background(), zero); err == nil {
		t.Fatal("zero-value name accepted")
	}
}
