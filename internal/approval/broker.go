package approval

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoSuchRequest is returned when resolving an unknown or already
// answered request.
var ErrNoSuchRequest = errors.New("no such approval request")

// Pending is an approval waiting for an answer.
type Pending struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
}

// Broker parks approval requests until an out-of-band answer arrives,
// such as a button press in the web UI. Its Request method has the
// [Approver] signature.
type Broker struct {
	mu        sync.Mutex
	pending   map[string]*waiter
	onRequest func(Pending)
}

type waiter struct {
	Pending
	answer chan bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{pending: make(map[string]*waiter)}
}

// OnRequest registers fn to be told about each new request. fn runs
// synchronously and must not block.
func (b *Broker) OnRequest(fn func(Pending)) {
	b.mu.Lock()
	b.onRequest = fn
	b.mu.Unlock()
}

// Request registers a pending approval and waits for [Broker.Resolve]
// or ctx to end. An ended context counts as a rejection.
func (b *Broker) Request(ctx context.Context, description string) bool {
	w := &waiter{
		Pending: Pending{
			ID:          newID(),
			Description: description,
			Created:     time.Now(),
		},
		answer: make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[w.ID] = w
	notify := b.onRequest
	b.mu.Unlock()

	if notify != nil {
		notify(w.Pending)
	}

	select {
	case ok := <-w.answer:
		return ok
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, w.ID)
		b.mu.Unlock()
		return false
	}
}

// Resolve answers the request with the given id.
func (b *Broker) Resolve(id string, approved bool) error {
	b.mu.Lock()
	w, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()

	if !ok {
		return ErrNoSuchRequest
	}
	w.answer <- approved
	return nil
}

// Pending returns the outstanding requests, oldest first.
func (b *Broker) Pending() []Pending {
	b.mu.Lock()
	out := make([]Pending, 0, len(b.pending))
	for _, w := range b.pending {
		out = append(out, w.Pending)
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(a, b Pending) int { return a.Created.Compare(b.Created) })
	return out
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
