package server

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/mveland/goftpd/internal/pipe"
)

var errNoAdapter = errors.New("ftpd: adapter chain is empty")

// pipeConn presents a pipe pair as the net.Conn the stdlib crypto/tls
// package expects to drive a handshake and subsequent record traffic
// over. Deadlines are no-ops: pipes carry no network timeout of their
// own; the adapter enforces its handshake timeout by cancelling the
// pending read on its outer-in pipe.
type pipeConn struct {
	in, out               *pipe.Pipe
	localAddr, remoteAddr net.Addr
}

func (c *pipeConn) Read(b []byte) (int, error)  { return c.in.Read(b) }
func (c *pipeConn) Write(b []byte) (int, error) { return c.out.Write(b) }

// Close is a no-op: the adapter chain owns the pipes' lifecycle, not the
// TLS engine driving this shim.
func (c *pipeConn) Close() error                       { return nil }
func (c *pipeConn) LocalAddr() net.Addr                { return c.localAddr }
func (c *pipeConn) RemoteAddr() net.Addr                { return c.remoteAddr }
func (c *pipeConn) SetDeadline(time.Time) error         { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error     { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error    { return nil }

// tlsAdapter wraps a pipe pair with a server-side TLS engine. It is used
// both for a cold start (implicit FTPS, the chain's only adapter) and
// for a hot upgrade (explicit AUTH TLS, pushed in place of the raw
// adapter by adapterChain.hotSwapTail).
type tlsAdapter struct {
	cfg  *tls.Config
	conn *tls.Conn

	wg       sync.WaitGroup
	outerIn  *pipe.Pipe
	innerIn  *pipe.Pipe
	stopOnce sync.Once
}

func newTLSAdapter(cfg *tls.Config) *tlsAdapter {
	return &tlsAdapter{cfg: cfg}
}

// handshakeTimeout bounds how long the TLS handshake goroutine waits for
// a peer before the adapter declares the upgrade failed.
const handshakeTimeout = 15 * time.Second

func (a *tlsAdapter) start(outerIn, outerOut, innerIn, innerOut *pipe.Pipe) error {
	a.outerIn = outerIn
	a.innerIn = innerIn

	shim := &pipeConn{in: outerIn, out: outerOut}
	tlsConn := tls.Server(shim, a.cfg)

	handshakeDone := make(chan error, 1)
	timer := time.AfterFunc(handshakeTimeout, func() {
		outerIn.CancelRead()
	})
	go func() {
		handshakeDone <- tlsConn.Handshake()
	}()

	err := <-handshakeDone
	timer.Stop()
	if err != nil {
		return err
	}

	a.conn = tlsConn
	a.wg.Add(2)
	go a.receive(tlsConn, innerOut, &a.wg)
	go a.transmit(innerIn, tlsConn, &a.wg)
	return nil
}

func (a *tlsAdapter) receive(src *tls.Conn, dst *pipe.Pipe, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			dst.Close(err)
			return
		}
	}
}

func (a *tlsAdapter) transmit(src *pipe.Pipe, dst *tls.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *tlsAdapter) pauseReceiver() {
	if a.outerIn != nil {
		a.outerIn.CancelRead()
	}
}

func (a *tlsAdapter) stop() error {
	a.stopOnce.Do(func() {
		if a.outerIn != nil {
			a.outerIn.CancelRead()
		}
		if a.innerIn != nil {
			a.innerIn.CancelRead()
		}
		a.wg.Wait()
		if a.conn != nil {
			_ = a.conn.Close() // flushes close_notify
		}
	})
	return nil
}

// ConnectionState exposes the negotiated TLS state, or the zero value
// before a handshake has completed.
func (a *tlsAdapter) ConnectionState() tls.ConnectionState {
	if a.conn == nil {
		return tls.ConnectionState{}
	}
	return a.conn.ConnectionState()
}
