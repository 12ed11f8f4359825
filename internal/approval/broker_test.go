package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBroker_Resolve(t *testing.T) {
	b := NewBroker()
	requested := make(chan Pending, 1)
	b.OnRequest(func(p Pending) { requested <- p })

	result := make(chan bool, 1)
	go func() { result <- b.Request(context.Background(), "make install") }()

	var p Pending
	select {
	case p = <-requested:
	case <-time.After(time.Second):
		t.Fatal("request never registered")
	}
	if p.Description != "make install" || p.ID == "" {
		t.Errorf("pending = %+v", p)
	}
	if got := b.Pending(); len(got) != 1 || got[0].ID != p.ID {
		t.Errorf("Pending() = %+v", got)
	}

	if err := b.Resolve(p.ID, true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !<-result {
		t.Error("approved request returned false")
	}
	if err := b.Resolve(p.ID, true); !errors.Is(err, ErrNoSuchRequest) {
		t.Errorf("second Resolve err = %v", err)
	}
	if len(b.Pending()) != 0 {
		t.Error("resolved request still pending")
	}
}

func TestBroker_ContextEndRejects(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if b.Request(ctx, "rm build") {
		t.Error("expired request approved")
	}
	if len(b.Pending()) != 0 {
		t.Error("expired request left pending")
	}
}

func TestBroker_AsGateApprover(t *testing.T) {
	b := NewBroker()
	g := newTestGate(t, Policy{TrustLevel: Cautious})
	g.SetApprover(b.Request)
	b.OnRequest(func(p Pending) {
		go func() { _ = b.Resolve(p.ID, false) }()
	})

	v := g.Authorize(context.Background(), "execute_terminal", cmd("make"))
	if v.Outcome != OutcomeRejected {
		t.Errorf("outcome = %s, want rejected", v.Outcome)
	}
}
