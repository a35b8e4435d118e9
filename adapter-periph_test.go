//go:build !tinygo

package sx9310

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// fakeEdgePin implements the gpio.PinIO subset realPin uses. An edge is
// broadcast to every parked WaitForEdge caller, the way a shared interrupt
// line wakes every waiter. fire waits until the expected number of callers
// are parked so an edge is never lost to a watch goroutine that has not
// reached WaitForEdge yet.
type fakeEdgePin struct {
	gpio.PinIO
	mu      sync.Mutex
	edge    chan struct{}
	waiters int
}

func newFakeEdgePin() *fakeEdgePin {
	return &fakeEdgePin{edge: make(chan struct{})}
}

func (p *fakeEdgePin) In(pull gpio.Pull, edge gpio.Edge) error { return nil }

func (p *fakeEdgePin) WaitForEdge(timeout time.Duration) bool {
	p.mu.Lock()
	p.waiters++
	c := p.edge
	p.mu.Unlock()
	<-c
	return true
}

func (p *fakeEdgePin) fire(parked int) {
	for {
		p.mu.Lock()
		if p.waiters >= parked {
			p.waiters = 0
			close(p.edge)
			p.edge = make(chan struct{})
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func TestRealPinRewatchNoDuplicateHandler(t *testing.T) {
	pin := newFakeEdgePin()
	rp := &realPin{PinIO: pin}

	var calls atomic.Int32
	handler := func() { calls.Add(1) }

	waitCalls := func(want int32) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for calls.Load() < want {
			if time.Now().After(deadline) {
				t.Fatalf("expected %d handler calls, got %d", want, calls.Load())
			}
			time.Sleep(time.Millisecond)
		}
	}

	if err := rp.Watch(FallingEdge, handler); err != nil {
		t.Fatal(err)
	}
	pin.fire(1)
	waitCalls(1)

	// Unwatch then watch again, as a suspend/resume cycle does. The first
	// watch goroutine is still parked in WaitForEdge; after the next edge
	// it must exit instead of invoking the handler a second time.
	if err := rp.Unwatch(); err != nil {
		t.Fatal(err)
	}
	if err := rp.Watch(FallingEdge, handler); err != nil {
		t.Fatal(err)
	}

	// Both the stale goroutine and the new one must be parked before the edge.
	pin.fire(2)
	waitCalls(2)
	time.Sleep(10 * time.Millisecond)
	if n := calls.Load(); n != 2 {
		t.Errorf("stale watch goroutine still firing: %d handler calls", n)
	}

	// Release the current goroutine too.
	if err := rp.Unwatch(); err != nil {
		t.Fatal(err)
	}
	pin.fire(1)
}
