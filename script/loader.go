package script

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/wasmgate/wasmgate/security"
)

var (
	// ErrScriptNotFound is returned when no script file exists.
	ErrScriptNotFound = errors.New("script not found")
	// ErrInvalidScript is returned when a script fails to parse.
	ErrInvalidScript = errors.New("script failed to parse")
)

// compiledScript is a loaded, validated, transformed program keyed by
// the content hash of its source.
type compiledScript struct {
	program string
	hash    string
}

// loader reads scripts from disk, validates them with esbuild, rewrites
// `export default` entry points into a callable form, and caches the
// result by content hash so an unchanged file is transformed once.
type loader struct {
	dir string

	mu    sync.Mutex
	cache map[string]*compiledScript
}

func newLoader(dir string) *loader {
	return &loader{dir: dir, cache: make(map[string]*compiledScript)}
}

func (l *loader) load(name security.Name) (*compiledScript, error) {
	path, err := security.ResolveScriptPath(l.dir, name)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, name.String())
		}
		return nil, fmt.Errorf("read script %s: %w", name.String(), err)
	}

	sum := sha256.Sum256(src)
	hash := hex.EncodeToString(sum[:])

	l.mu.Lock()
	if cached, ok := l.cache[hash]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	program, err := transform(string(src))
	if err != nil {
		return nil, err
	}

	cs := &compiledScript{program: program, hash: hash}
	l.mu.Lock()
	l.cache[hash] = cs
	l.mu.Unlock()
	return cs, nil
}

// transform validates the source and produces a program whose
// completion value is the script's result. A script with an
// `export default` entry point is lowered to an IIFE and the default
// export is applied to the global input; a plain script keeps its own
// completion value.
func transform(src string) (string, error) {
	isModule := strings.Contains(src, "export default")

	opts := esbuild.TransformOptions{
		Loader:   esbuild.LoaderJS,
		Target:   esbuild.ES2020,
		LogLevel: esbuild.LogLevelSilent,
	}
	if isModule {
		opts.Format = esbuild.FormatIIFE
		opts.GlobalName = "__entry"
	}

	result := esbuild.Transform(src, opts)
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		return "", fmt.Errorf("%w: %s (line %d)", ErrInvalidScript, msg.Text, location(msg))
	}

	program := string(result.Code)
	if isModule {
		program += "\n;(typeof __entry.default === \"function\" ? __entry.default(globalThis.input) : __entry.default);"
	}
	return program, nil
}

func location(msg esbuild.Message) int {
	if msg.Location != nil {
		return msg.Location.Line
	}
	return 0
}
