// Package dapclient implements the DAP transport client: a framed message
// codec plus a request/response/event dispatcher over a TCP connection to
// a debug adapter. It is intentionally adapter-agnostic; the shared
// handshake lives in the adapter package, which is the only caller that
// knows what "initialize", "launch", and friends should carry.
package dapclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/xhd2015/agent-debugger/internal/log"
)

// ErrClosed is returned by send primitives once the connection has gone
// away, matching the spec's "connection closed" failure mode.
var ErrClosed = fmt.Errorf("dap: connection closed")

// Client is a single connection to one debug adapter. It is safe for
// concurrent use by the waiters (Request/WaitForResponse/WaitForEvent);
// the caller is responsible for never issuing two requests concurrently
// per verb, per the spec's single-outstanding-request contract.
type Client struct {
	logger log.Logger

	conn net.Conn

	writeMu sync.Mutex
	seqMu   sync.Mutex
	seq     int

	mu       sync.Mutex
	pending  map[int]chan dap.Message // Request() waiters
	deferred map[int]chan dap.Message // RequestAsync()+WaitForResponse() waiters
	closed   bool
	closeErr error

	events *eventQueue
}

// NewClient creates a disconnected client. Call Connect before use.
func NewClient(logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewStderrLogger()
	}
	return &Client{
		logger:   logger,
		pending:  make(map[int]chan dap.Message),
		deferred: make(map[int]chan dap.Message),
		events:   newEventQueue(),
	}
}

// NewConnectedClient wires a Client directly onto an already-established
// connection, skipping the dial loop. Used by callers that obtain their
// connection some other way (a PID-injected listener, a test harness).
func NewConnectedClient(logger log.Logger, conn net.Conn) *Client {
	c := NewClient(logger)
	c.conn = conn
	go c.readLoop(bufio.NewReader(conn))
	return c
}

// Connect dials host:port, retrying with a 100ms backoff until deadline
// elapses. Adapters often need time after spawn before their listener is
// ready, so a single dial attempt is not sufficient.
func (c *Client) Connect(ctx context.Context, host string, port int, deadline time.Duration) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var lastErr error
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			c.conn = conn
			go c.readLoop(bufio.NewReader(conn))
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("dap: connect to %s: %w (last dial error: %v)", addr, ctx.Err(), lastErr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// NextSeq allocates the next monotonically increasing protocol seq.
func (c *Client) NextSeq() int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// readLoop is the transport's single consumer: all framing, dispatch, and
// correlation happen here. Request/WaitFor* callers only ever suspend on
// channels this goroutine signals.
func (c *Client) readLoop(r *bufio.Reader) {
	for {
		msg, err := dap.ReadProtocolMessage(r)
		if err != nil {
			if err != io.EOF {
				c.logger.Warnf("dap transport: read error: %v", err)
			}
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg dap.Message) {
	if name, ok := eventName(msg); ok {
		c.logger.Debugf("dap event: %s", name)
		c.events.push(msg)
		return
	}

	seq, ok := responseSeq(msg)
	if !ok {
		c.logger.Warnf("dap transport: unrecognized message %T", msg)
		return
	}

	c.mu.Lock()
	ch, isPending := c.pending[seq]
	if isPending {
		delete(c.pending, seq)
	}
	dch, isDeferred := c.deferred[seq]
	if isDeferred {
		delete(c.deferred, seq)
	}
	c.mu.Unlock()

	// Spec: both maps are consulted on every inbound response; only one
	// will have the entry.
	switch {
	case isPending:
		ch <- msg
	case isDeferred:
		dch <- msg
	default:
		c.logger.Debugf("dap transport: response for seq %d has no waiter (timed out?)", seq)
	}
}

// fail rejects every outstanding pending/deferred slot with err and marks
// the client closed. Called once, from readLoop on EOF/error or from
// Disconnect. Queued events are kept, so a terminated/exited event that
// arrived just before the adapter hung up can still be observed.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	deferred := c.deferred
	c.pending = make(map[int]chan dap.Message)
	c.deferred = make(map[int]chan dap.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range deferred {
		close(ch)
	}
}

func (c *Client) send(msg dap.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := dap.WriteProtocolMessage(c.conn, msg); err != nil {
		return fmt.Errorf("dap: write: %w", err)
	}
	return nil
}

// Request sends req (with seq freshly assigned) and suspends the caller
// until a correlated response arrives or timeout elapses. On timeout the
// pending slot is dropped; a later-arriving response for that seq is then
// silently discarded by dispatch.
func (c *Client) Request(req dap.Message, timeout time.Duration) (dap.Message, error) {
	seq := c.NextSeq()
	setSeq(req, seq)

	ch := make(chan dap.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closeErrOr(ErrClosed)
		}
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, fmt.Errorf("dap: request %T (seq %d) timed out after %s", req, seq, timeout)
	}
}

// RequestAsync sends req and returns its seq immediately without waiting
// for a response. Use WaitForResponse to collect it later — the pattern
// debugpy's launch/attach deferral requires, since the adapter won't
// answer until after configurationDone.
func (c *Client) RequestAsync(req dap.Message) (int, error) {
	seq := c.NextSeq()
	setSeq(req, seq)

	ch := make(chan dap.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.deferred[seq] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.deferred, seq)
		c.mu.Unlock()
		return 0, err
	}
	return seq, nil
}

// WaitForResponse suspends until the deferred slot for seq resolves or
// timeout elapses. An unknown seq (never registered by RequestAsync, or
// already collected) is an error.
func (c *Client) WaitForResponse(seq int, timeout time.Duration) (dap.Message, error) {
	c.mu.Lock()
	ch, ok := c.deferred[seq]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dap: no pending deferred request for seq %d", seq)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closeErrOr(ErrClosed)
		}
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.deferred, seq)
		c.mu.Unlock()
		return nil, fmt.Errorf("dap: deferred response for seq %d timed out after %s", seq, timeout)
	}
}

// WaitForEvent returns immediately if a matching event is already queued
// (removing it); otherwise it blocks until one arrives or times out. A
// timeout returns (nil, false) — callers interpret absence, not failure.
func (c *Client) WaitForEvent(name string, timeout time.Duration) (dap.Message, bool) {
	return c.events.waitFor(name, timeout)
}

// DrainEvents atomically removes and returns all queued events matching
// any of names (or everything, if names is empty) without suspending.
func (c *Client) DrainEvents(names ...string) []dap.Message {
	return c.events.drain(names...)
}

// IsClosed reports whether the connection has gone away.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Disconnect sends a best-effort DAP disconnect request, then closes the
// socket, rejects all outstanding slots and drops any queued events.
func (c *Client) Disconnect(terminate bool) error {
	if !c.IsClosed() {
		req := &dap.DisconnectRequest{
			Request: newRequest("disconnect"),
			Arguments: &dap.DisconnectArguments{
				TerminateDebuggee: terminate,
			},
		}
		// Best-effort: a non-responsive adapter must not block shutdown.
		_, _ = c.Request(req, 2*time.Second)
	}

	c.fail(ErrClosed)
	c.events.rejectAll()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) closeErrOr(fallback error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return fallback
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}
