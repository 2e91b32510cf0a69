package dapclient

import (
	"sync"
	"time"

	"github.com/google/go-dap"
)

// eventName extracts the DAP event name for the subset of event types this
// broker needs to correlate against (initFlow/waitForStop only ever wait on
// these five).
func eventName(msg dap.Message) (string, bool) {
	switch msg.(type) {
	case *dap.InitializedEvent:
		return "initialized", true
	case *dap.StoppedEvent:
		return "stopped", true
	case *dap.TerminatedEvent:
		return "terminated", true
	case *dap.ExitedEvent:
		return "exited", true
	case *dap.OutputEvent:
		return "output", true
	default:
		return "", false
	}
}

// eventQueue is an unbounded, thread-safe FIFO of DAP events with blocking
// wait-for-name and non-blocking drain-by-name operations. It never drops
// an event: WaitForEvent removes only the matching event it returns, and
// DrainEvents removes only the events matching its filter.
type eventQueue struct {
	mu    sync.Mutex
	items []dap.Message
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{})}
}

func (q *eventQueue) push(msg dap.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	old := q.wake
	q.wake = make(chan struct{})
	q.mu.Unlock()
	close(old)
}

// waitFor returns the first queued event matching name, removing it. If
// none is queued it blocks until one arrives or timeout elapses, in which
// case it returns (nil, false) — absence, not failure.
func (q *eventQueue) waitFor(name string, timeout time.Duration) (dap.Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		for i, m := range q.items {
			if n, ok := eventName(m); ok && n == name {
				q.items = append(q.items[:i:i], q.items[i+1:]...)
				q.mu.Unlock()
				return m, true
			}
		}
		wake := q.wake
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, false
		}
	}
}

// drain atomically removes and returns every queued event whose name is in
// names. An empty names list drains everything.
func (q *eventQueue) drain(names ...string) []dap.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(names) == 0 {
		out := q.items
		q.items = nil
		return out
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var kept, out []dap.Message
	for _, m := range q.items {
		if n, ok := eventName(m); ok && want[n] {
			out = append(out, m)
		} else {
			kept = append(kept, m)
		}
	}
	q.items = kept
	return out
}

// rejectAll drops every queued event; used by Disconnect, purely for
// memory hygiene since nobody will ever wait on them again.
func (q *eventQueue) rejectAll() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
