package server

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/mveland/goftpd/internal/pipe"
)

// Connection owns a control socket and the adapter chain sitting between
// it and the command parser. It is the thing AUTH TLS upgrades: the raw
// socket and its reader/writer goroutines never change, only which
// adapter sits on top of them.
type Connection struct {
	id         string
	raw        net.Conn
	remoteAddr net.Addr

	chain adapterChain

	socketIn  *pipe.Pipe
	socketOut *pipe.Pipe

	mu      sync.Mutex
	readIn  *pipe.Pipe // current chain tail's inner-out, the session's read source
	writeIn *pipe.Pipe // current chain tail's inner-in, the session's write sink

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newConnection wires raw into a fresh adapter chain. If tlsConfig is
// non-nil and implicit is true, the chain starts with a tlsAdapter
// (implicit FTPS); otherwise it starts with a rawAdapter and AUTH TLS
// later hot-swaps it.
func newConnection(id string, raw net.Conn, tlsConfig *tls.Config, implicit bool) (*Connection, error) {
	c := &Connection{
		id:         id,
		raw:        raw,
		remoteAddr: raw.RemoteAddr(),
		socketIn:   pipe.New(pipe.DefaultCapacity),
		socketOut:  pipe.New(pipe.DefaultCapacity),
	}

	c.wg.Add(2)
	go c.socketReader()
	go c.socketWriter()

	var a adapter
	if implicit {
		a = newTLSAdapter(tlsConfig)
	} else {
		a = newRawAdapter()
	}

	in, out, err := c.chain.push(a, c.socketIn, c.socketOut)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.readIn, c.writeIn = in, out
	return c, nil
}

func (c *Connection) socketReader() {
	defer c.wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			if _, werr := c.socketIn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			c.socketIn.Close(err)
			return
		}
	}
}

func (c *Connection) socketWriter() {
	defer c.wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.socketOut.Read(buf)
		if n > 0 {
			if _, werr := c.raw.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Reader returns the pipe the session should currently read commands
// from. It changes identity after UpgradeTLS.
func (c *Connection) Reader() *pipe.Pipe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readIn
}

// Writer returns the pipe the session should currently write replies to.
func (c *Connection) Writer() *pipe.Pipe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeIn
}

// PrependUnread pushes bytes the caller has already pulled out of
// Reader(), but not yet consumed, back onto the current tail's read
// source. AUTH TLS uses this to carry bytes buffered in the session's
// telnet/bufio layers across a hot upgrade before calling UpgradeTLS:
// UpgradeTLS's own pipe-level drain only sees what is still sitting in
// the pipe, not what those upper layers already took from it.
func (c *Connection) PrependUnread(b []byte) error {
	return c.chain.prependTailInner(b)
}

// UpgradeTLS hot-swaps the chain's tail adapter for a TLS adapter
// performing the server-side handshake (RFC 4217 AUTH TLS). The raw
// socket and its pump goroutines are untouched; only the adapter between
// the socket and the parser changes.
// UpgradeTLS's handshake can fail (timeout, rejected cert, protocol
// mismatch); hotSwapTail falls back to a fresh cleartext adapter on the
// same socket pipes in that case, so the control channel keeps working
// even though err is non-nil. The new pipes — cleartext fallback or TLS
// — always replace c.readIn/c.writeIn when non-nil, so callers must
// re-fetch Reader()/Writer() after calling this regardless of error.
func (c *Connection) UpgradeTLS(cfg *tls.Config) error {
	in, out, err := c.chain.hotSwapTail(newTLSAdapter(cfg))
	if in != nil && out != nil {
		c.mu.Lock()
		c.readIn, c.writeIn = in, out
		c.mu.Unlock()
	}
	return err
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.chain.stopAll()
		c.socketIn.Close(nil)
		c.socketOut.Close(nil)
		_ = c.raw.Close()
		c.wg.Wait()
	})
	return nil
}
