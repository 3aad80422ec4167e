package server

import (
	"fmt"
	"sync"

	"github.com/mveland/goftpd/internal/pipe"
)

// adapter is a duplex transformer inserted between the socket and the
// command parser. Bytes flow through the chain in order outbound
// (parser -> socket) and in reverse inbound (socket -> parser). An
// adapter never closes the pipes it is given — the owning connection
// closes the underlying socket and, transitively, the pipes.
type adapter interface {
	// start begins pumping bytes between the outer pair (facing the
	// socket, or the adapter it replaces) and the inner pair (facing the
	// parser, or the next adapter pushed on top). start must not block
	// waiting for traffic; any blocking I/O (e.g. a TLS handshake)
	// happens on goroutines start spawns.
	start(outerIn, outerOut, innerIn, innerOut *pipe.Pipe) error

	// stop cancels the adapter's pending reads, waits for its goroutines
	// to exit, and performs any orderly shutdown (e.g. TLS close_notify).
	// It does not close the pipes themselves.
	stop() error

	// pauseReceiver cancels a pending read on the adapter's inbound side
	// without waiting for it to drain. stopAll calls it ahead of stop()
	// at teardown.
	pauseReceiver()
}

// layer records one adapter's position in the chain along with the four
// pipes it was started with, so a hot upgrade can retire it and migrate
// any bytes it had already decoded but the parser had not yet consumed.
type layer struct {
	adapter  adapter
	outerIn  *pipe.Pipe
	outerOut *pipe.Pipe
	innerIn  *pipe.Pipe
	innerOut *pipe.Pipe
}

// adapterChain is the connection's ordered stack of duplex adapters.
// It is always of length 1 (raw, or TLS for implicit FTPS) or 2 (raw
// followed by a hot-upgraded TLS adapter after AUTH TLS).
type adapterChain struct {
	mu    sync.Mutex
	links []*layer
}

// push attaches a new adapter at the bottom of the chain, directly on
// the socket pipes if the chain is empty, or on top of the current tail
// otherwise. Used once at connection setup (raw, or TLS for implicit
// FTPS); later upgrades use hotSwapTail instead so the replaced adapter
// does not keep pumping bytes nobody reads. It returns the new adapter's
// inner-out pipe (inbound bytes, for the parser to read) and its inner-in
// pipe (outbound bytes, written by the parser), in that order.
func (c *adapterChain) push(a adapter, socketIn, socketOut *pipe.Pipe) (readPipe, writePipe *pipe.Pipe, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outerIn, outerOut := socketIn, socketOut
	if len(c.links) > 0 {
		tail := c.links[len(c.links)-1]
		outerIn, outerOut = tail.innerOut, tail.innerIn
	}

	innerIn := pipe.New(pipe.DefaultCapacity)
	innerOut := pipe.New(pipe.DefaultCapacity)
	if err := a.start(outerIn, outerOut, innerIn, innerOut); err != nil {
		return nil, nil, err
	}
	c.links = append(c.links, &layer{adapter: a, outerIn: outerIn, outerOut: outerOut, innerIn: innerIn, innerOut: innerOut})
	return innerOut, innerIn, nil
}

// hotSwapTail retires the current tail adapter and attaches a new one
// directly on the tail's own outer pipes (the real socket pipes, for the
// one-adapter chains this implementation ever builds), rather than
// nesting the new adapter behind the old one. Nesting would be wrong
// here: once the old tail stops, nothing would pump fresh socket bytes
// into its former inner pipe for the new adapter to read.
//
// Per the hot-upgrade protocol, the old tail is stopped (which cancels
// its pending reads) before the new adapter starts. If the old tail is a
// rawAdapter, replies the parser had written but it had not yet pumped
// out (such as the 234 to AUTH TLS) are written to the socket first. Any
// bytes it had already decoded but the parser had not yet consumed
// are migrated onto the new adapter's outer-in pipe so they are not
// lost even if the client pipelined past the AUTH TLS boundary.
//
// If the new adapter's start fails (e.g. an AUTH TLS handshake that
// times out or is rejected), the old tail is already stopped and gone,
// so a plain rawAdapter is started on the same outer pipes to keep the
// control channel alive in cleartext. The returned error is non-nil in
// that case so the caller can still report the failure (e.g. reply 431),
// but the returned pipes are the fallback adapter's and remain usable.
// As with push, the read pipe (inner-out) comes first, then the write
// pipe (inner-in).
func (c *adapterChain) hotSwapTail(a adapter) (readPipe, writePipe *pipe.Pipe, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.links) == 0 {
		return nil, nil, errNoAdapter
	}
	tail := c.links[len(c.links)-1]

	if err := tail.adapter.stop(); err != nil {
		return nil, nil, err
	}

	outerIn, outerOut := tail.outerIn, tail.outerOut
	if _, ok := tail.adapter.(*rawAdapter); ok {
		if pending := tail.innerIn.Drain(); len(pending) > 0 {
			if _, err := outerOut.Write(pending); err != nil {
				return nil, nil, err
			}
		}
	}
	leftover := tail.innerOut.Drain()
	if len(leftover) > 0 {
		outerIn.Prepend(leftover)
	}

	innerIn := pipe.New(pipe.DefaultCapacity)
	innerOut := pipe.New(pipe.DefaultCapacity)
	if startErr := a.start(outerIn, outerOut, innerIn, innerOut); startErr != nil {
		fallback := newRawAdapter()
		fbIn := pipe.New(pipe.DefaultCapacity)
		fbOut := pipe.New(pipe.DefaultCapacity)
		if fbErr := fallback.start(outerIn, outerOut, fbIn, fbOut); fbErr != nil {
			return nil, nil, fmt.Errorf("adapter start failed (%w) and cleartext fallback failed (%v)", startErr, fbErr)
		}
		c.links = append(c.links, &layer{adapter: fallback, outerIn: outerIn, outerOut: outerOut, innerIn: fbIn, innerOut: fbOut})
		return fbOut, fbIn, startErr
	}
	c.links = append(c.links, &layer{adapter: a, outerIn: outerIn, outerOut: outerOut, innerIn: innerIn, innerOut: innerOut})
	return innerOut, innerIn, nil
}

// prependTailInner pushes b back to the front of the current tail's
// inner-out pipe — the pipe the session reads commands from. It exists so
// that bytes a session-level bufio layer has already pulled out of that
// pipe, but not yet consumed, can be pushed back before a hot upgrade
// retires the tail: hotSwapTail's own drain only recovers what is still
// sitting in the pipe itself, not what upper layers already took from it.
func (c *adapterChain) prependTailInner(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.links) == 0 {
		return errNoAdapter
	}
	tail := c.links[len(c.links)-1]
	tail.innerOut.Prepend(b)
	return nil
}

// stopAll retires every adapter in the chain, innermost first, typically
// called when the connection is torn down.
func (c *adapterChain) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.links) - 1; i >= 0; i-- {
		c.links[i].adapter.pauseReceiver()
		_ = c.links[i].adapter.stop()
	}
}
