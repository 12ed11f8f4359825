// Package connwatch tracks whether the configured inference providers
// are reachable. Each provider gets a Watcher that probes it with
// exponential backoff while it is down and polls it at a fixed interval
// while it is up. Transitions are reported through a callback so the
// agent can tell the user before a turn fails.
package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ProbeFunc checks whether a provider answers. Return nil if healthy.
// [llm.Client.Ping] has this shape.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	Initial  time.Duration // first retry delay while down (default 2s)
	Max      time.Duration // retry delay ceiling (default 60s)
	Factor   float64       // growth per failed probe (default 2)
	Interval time.Duration // poll interval while up (default 60s)
	Timeout  time.Duration // per-probe bound (default 10s)
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at 60s, polling once a
// minute while healthy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  2 * time.Second,
		Max:      60 * time.Second,
		Factor:   2,
		Interval: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Interval <= 0 {
		b.Interval = d.Interval
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// next grows delay by the factor, capped at Max.
func (b Backoff) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Factor)
	return min(delay, b.Max)
}

// Status is a provider's health as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single provider.
type Watcher struct {
	name     string
	probe    ProbeFunc
	backoff  Backoff
	onChange func(name string, ready bool, err error)
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	checked   bool
	failures  int
	lastErr   error
	lastCheck time.Time
}

// Status returns the provider's current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.name,
		Ready:     w.ready,
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.Initial
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := w.backoff.Interval
		if err != nil {
			wait = delay
			delay = w.backoff.next(delay)
		} else {
			delay = w.backoff.Initial
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the result, reporting transitions.
// The first probe always reports.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err := w.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	ready := err == nil
	changed := !w.checked || ready != w.ready
	w.checked = true
	w.ready = ready
	w.lastErr = err
	w.lastCheck = time.Now()
	if ready {
		w.failures = 0
	} else {
		w.failures++
	}
	failures := w.failures
	w.mu.Unlock()

	switch {
	case changed && ready:
		w.logger.Info("provider reachable", "provider", w.name)
	case changed:
		w.logger.Warn("provider unreachable", "provider", w.name, "error", err)
	default:
		if !ready {
			w.logger.Debug("provider still unreachable", "provider", w.name, "failures", failures, "error", err)
		}
	}
	if changed && w.onChange != nil {
		w.onChange(w.name, ready, err)
	}
	return err
}

// Manager owns the watchers for every provider.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
	onChange func(name string, ready bool, err error)
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		watchers: make(map[string]*Watcher),
	}
}

// OnChange registers fn to hear about readiness transitions, including
// each provider's first probe. fn runs on the watcher's goroutine and
// must not block. Register it before calling Watch.
func (m *Manager) OnChange(fn func(name string, ready bool, err error)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Watch starts probing a provider until ctx ends or Stop is called.
// Watching a name twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) *Watcher {
	wctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	old := m.watchers[name]
	w := &Watcher{
		name:     name,
		probe:    probe,
		backoff:  b.withDefaults(),
		onChange: m.onChange,
		logger:   m.logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.watchers[name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go w.run(wctx)
	return w
}

// Status returns the health of every watched provider, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Status) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Ready reports whether the named provider answered its last probe.
// Unknown providers are not ready.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return ok && w.Ready()
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
