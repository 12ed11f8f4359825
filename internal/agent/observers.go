package agent

import (
	"runtime/debug"
	"time"

	"github.com/bonzainsights/mragent/internal/events"
)

// Observer receives agent events as they happen. Observers run on the
// turn's goroutine and should return quickly; a panicking observer is
// recovered and logged, and the turn continues.
type Observer func(events.Event)

// Observe registers fn for every following event.
func (l *Loop) Observe(fn Observer) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// emit stamps e with the time and current chat and delivers it to the
// observers, then the bus.
func (l *Loop) emit(e events.Event) {
	l.mu.RLock()
	if e.ChatID == "" {
		e.ChatID = l.chatID
	}
	observers := l.observers
	l.mu.RUnlock()

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, fn := range observers {
		l.deliver(fn, e)
	}
	l.bus.Publish(e)
}

func (l *Loop) deliver(fn Observer, e events.Event) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("observer panicked",
				"kind", e.Kind,
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(e)
}
