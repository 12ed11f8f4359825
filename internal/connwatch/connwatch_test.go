package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() Backoff {
	return Backoff{
		Initial:  time.Millisecond,
		Max:      4 * time.Millisecond,
		Factor:   2,
		Interval: 5 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type transition struct {
	name  string
	ready bool
}

type recorder struct {
	mu  sync.Mutex
	got []transition
}

func (r *recorder) record(name string, ready bool, _ error) {
	r.mu.Lock()
	r.got = append(r.got, transition{name, ready})
	r.mu.Unlock()
}

func (r *recorder) list() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.got...)
}

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()
	if b.Initial != 2*time.Second || b.Max != 60*time.Second || b.Interval != 60*time.Second {
		t.Errorf("DefaultBackoff() = %+v", b)
	}
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Factor: 2, Max: 10 * time.Second}
	tests := []struct {
		in, want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{4 * time.Second, 8 * time.Second},
		{8 * time.Second, 10 * time.Second},
		{10 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.next(tt.in); got != tt.want {
			t.Errorf("next(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBackoffWithDefaults(t *testing.T) {
	got := Backoff{Initial: time.Second}.withDefaults()
	if got.Initial != time.Second {
		t.Errorf("Initial = %v, want 1s", got.Initial)
	}
	if got.Max != 60*time.Second || got.Factor != 2 || got.Timeout != 10*time.Second {
		t.Errorf("withDefaults() = %+v", got)
	}
}

func TestWatchHealthyProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	m := NewManager(quietLogger())
	m.OnChange(rec.record)
	defer m.Stop()

	m.Watch(ctx, "nvidia", func(context.Context) error { return nil }, fastBackoff())

	waitFor(t, "ready", func() bool { return m.Ready("nvidia") })
	if got := rec.list(); len(got) != 1 || got[0] != (transition{"nvidia", true}) {
		t.Errorf("transitions = %v, want one ready", got)
	}
}

func TestWatchRecovers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	rec := &recorder{}
	m := NewManager(quietLogger())
	m.OnChange(rec.record)
	defer m.Stop()

	w := m.Watch(ctx, "nvidia", probe, fastBackoff())
	waitFor(t, "recovery", w.Ready)

	got := rec.list()
	want := []transition{{"nvidia", false}, {"nvidia", true}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if s := w.Status(); s.Failures != 0 || s.LastError != "" {
		t.Errorf("status after recovery = %+v", s)
	}
}

func TestWatchGoesDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var down atomic.Bool
	probe := func(context.Context) error {
		if down.Load() {
			return errors.New("503")
		}
		return nil
	}

	m := NewManager(quietLogger())
	defer m.Stop()
	w := m.Watch(ctx, "nvidia", probe, fastBackoff())

	waitFor(t, "ready", w.Ready)
	down.Store(true)
	waitFor(t, "down", func() bool { return !w.Ready() })

	s := w.Status()
	if s.LastError != "503" || s.Failures == 0 {
		t.Errorf("status = %+v, want error 503 and failures", s)
	}
}

func TestProbeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := fastBackoff()
	b.Timeout = 5 * time.Millisecond
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	m := NewManager(quietLogger())
	defer m.Stop()
	w := m.Watch(ctx, "slow", probe, b)

	waitFor(t, "failure", func() bool { return w.Status().Failures > 0 })
	if w.Ready() {
		t.Error("Ready() = true for a provider that never answers")
	}
}

func TestStatusSortedAndUnknown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(quietLogger())
	defer m.Stop()
	ok := func(context.Context) error { return nil }
	m.Watch(ctx, "zeta", ok, fastBackoff())
	m.Watch(ctx, "alpha", ok, fastBackoff())

	st := m.Status()
	if len(st) != 2 || st[0].Name != "alpha" || st[1].Name != "zeta" {
		t.Errorf("Status() = %+v, want alpha then zeta", st)
	}
	if m.Ready("missing") {
		t.Error("Ready(missing) = true, want false")
	}
}

func TestStopEndsWatchers(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(quietLogger())
	m.Watch(context.Background(), "nvidia", func(context.Context) error {
		calls.Add(1)
		return nil
	}, fastBackoff())

	waitFor(t, "first probe", func() bool { return calls.Load() > 0 })
	m.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Errorf("probes continued after Stop: %d -> %d", after, calls.Load())
	}
	if len(m.Status()) != 0 {
		t.Error("Status() not empty after Stop")
	}
}

func TestWatchReplaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(quietLogger())
	defer m.Stop()

	var first atomic.Int32
	w1 := m.Watch(ctx, "nvidia", func(context.Context) error { first.Add(1); return nil }, fastBackoff())
	waitFor(t, "first watcher", w1.Ready)
	m.Watch(ctx, "nvidia", func(context.Context) error { return nil }, fastBackoff())

	after := first.Load()
	time.Sleep(20 * time.Millisecond)
	if first.Load() != after {
		t.Error("replaced watcher kept probing")
	}
	if len(m.Status()) != 1 {
		t.Errorf("Status() has %d entries, want 1", len(m.Status()))
	}
}
