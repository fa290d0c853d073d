// Package reliability isolates failing handler modules behind a
// per-module circuit breaker so one bad module cannot take the whole
// runtime down with it.
package reliability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wasmgate/wasmgate/security"
)

// Breaker states.
const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// Config tunes the per-module state machine.
type Config struct {
	// FailThreshold is the number of consecutive failures that opens
	// the circuit. 1 is valid and opens on the first failure.
	FailThreshold int
	// Cooldown is how long an open circuit rejects before admitting a
	// probe.
	Cooldown time.Duration
	// ProbeBudget is the number of concurrent probes admitted while
	// half-open.
	ProbeBudget int
	// SuccessThreshold is the number of consecutive probe successes
	// required to close the circuit again.
	SuccessThreshold int
}

// DefaultConfig mirrors the runtime defaults.
func DefaultConfig() Config {
	return Config{
		FailThreshold:    5,
		Cooldown:         30 * time.Second,
		ProbeBudget:      1,
		SuccessThreshold: 1,
	}
}

func (c *Config) normalize() {
	if c.FailThreshold < 1 {
		c.FailThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeBudget < 1 {
		c.ProbeBudget = 1
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 1
	}
}

type entry struct {
	// state is read lock-free on the Check fast path and only written
	// while mu is held.
	state atomic.Int32

	mu       sync.Mutex
	failures int
	until    time.Time
	probes   int
	streak   int
}

// Breaker tracks one state machine per module name. Entries are
// created on first reference and removed only by Flush.
type Breaker struct {
	cfg     Config
	log     *logrus.Logger
	entries sync.Map // string -> *entry

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Breaker with the given configuration.
func New(cfg Config, log *logrus.Logger) *Breaker {
	cfg.normalize()
	if log == nil {
		log = logrus.New()
	}
	return &Breaker{cfg: cfg, log: log, now: time.Now}
}

func (b *Breaker) entryFor(name security.Name) *entry {
	key := name.String()
	if v, ok := b.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := b.entries.LoadOrStore(key, &entry{})
	return v.(*entry)
}

// Check reports whether a request for the module may proceed. The
// common Closed path takes no lock. In the half-open state each Allow
// consumes one probe from the budget.
func (b *Breaker) Check(name security.Name) bool {
	e := b.entryFor(name)
	if e.state.Load() == stateClosed {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.Load() {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Before(e.until) {
			return false
		}
		// Cooldown elapsed: this caller becomes the first probe.
		e.state.Store(stateHalfOpen)
		e.probes = b.cfg.ProbeBudget - 1
		e.streak = 0
		b.log.WithField("module", name.String()).Info("circuit half-open, probing")
		return true
	default: // half-open
		if e.probes <= 0 {
			return false
		}
		e.probes--
		return true
	}
}

// Record feeds an invocation outcome into the module's state machine.
// Timeouts and fuel exhaustion are failures; admission rejections must
// never be recorded.
func (b *Breaker) Record(name security.Name, ok bool) {
	e := b.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.Load() {
	case stateClosed:
		if ok {
			e.failures = 0
			return
		}
		e.failures++
		if e.failures >= b.cfg.FailThreshold {
			b.open(name, e)
		}
	case stateHalfOpen:
		if !ok {
			b.open(name, e)
			return
		}
		e.streak++
		if e.streak >= b.cfg.SuccessThreshold {
			e.state.Store(stateClosed)
			e.failures = 0
			e.streak = 0
			b.log.WithField("module", name.String()).Info("circuit closed")
		} else if e.probes < b.cfg.ProbeBudget {
			// The finished probe frees its slot for the next one.
			e.probes++
		}
	case stateOpen:
		// A straggler from before the circuit opened; the cooldown
		// clock is not restarted for successes.
		if !ok {
			e.until = b.now().Add(b.cfg.Cooldown)
		}
	}
}

// open transitions to Open. Caller holds e.mu.
func (b *Breaker) open(name security.Name, e *entry) {
	e.state.Store(stateOpen)
	e.until = b.now().Add(b.cfg.Cooldown)
	e.probes = 0
	e.streak = 0
	b.log.WithFields(logrus.Fields{
		"module":   name.String(),
		"failures": e.failures,
		"cooldown": b.cfg.Cooldown,
	}).Warn("circuit opened")
}

// State returns a snapshot label for observability: "closed", "open"
// or "half-open".
func (b *Breaker) State(name security.Name) string {
	e := b.entryFor(name)
	switch e.state.Load() {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Flush drops all tracked entries, resetting every module to Closed.
func (b *Breaker) Flush() {
	b.entries.Range(func(key, _ any) bool {
		b.entries.Delete(key)
		return true
	})
}
