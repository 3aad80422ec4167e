package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mveland/goftpd/internal/ratelimit"
)

// Server is the FTP server.
//
// It handles listening for incoming connections and dispatching them to
// client sessions. Each connection runs in its own goroutine.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe(), ListenAndServeImplicitTLS(), or Serve()
//  3. Server runs until an error occurs or the listener is closed
//  4. For graceful shutdown, close the listener from another goroutine
//
// Basic example:
//
//	driver, _ := server.NewFSDriver("/tmp/ftp")
//	s, err := server.NewServer(":21", server.WithDriver(driver))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	addr string

	driver Driver

	logger *slog.Logger

	// tlsConfig is the TLS configuration for FTPS. If nil, TLS is
	// disabled for both AUTH TLS and implicit FTPS listeners.
	tlsConfig *tls.Config

	disableMLSD bool

	welcomeMessage string
	serverName     string

	maxIdleTime  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	maxConnections      int
	maxConnectionsPerIP int

	activeConns atomic.Int32

	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	// enableDirMessage, if true, surfaces the contents of a ".message"
	// file in the target directory on CWD.
	enableDirMessage bool

	// bandwidthLimitPerUser caps a single session's transfer rate, in
	// bytes per second. 0 disables the per-user limit.
	bandwidthLimitPerUser int64

	// globalLimiter caps aggregate transfer rate across all sessions.
	globalLimiter *ratelimit.Limiter

	// transferLog, if set, receives one xferlog-format line per
	// completed transfer.
	transferLog io.Writer

	// metricsCollector, if set, receives command/transfer/connection/
	// authentication events.
	metricsCollector MetricsCollector

	// pathRedactor, if set, redacts file paths before they reach logs.
	pathRedactor PathRedactor

	// redactIPs, if true, masks the last octet of logged client IPs.
	redactIPs bool

	// allowPromiscuousDataPeer disables the bounce-attack check that
	// otherwise requires a PASV/EPSV-accepted data connection to
	// originate from the same address as the control connection.
	allowPromiscuousDataPeer bool

	// passiveAcceptTimeout bounds how long a PASV/EPSV listener waits
	// for the client to connect. 0 uses defaultPassiveAcceptTimeout.
	passiveAcceptTimeout time.Duration

	// enableUTF8 advertises and accepts UTF8 via FEAT/OPTS.
	enableUTF8 bool

	// nextPassivePort is a round-robin cursor into the driver's
	// configured passive port range.
	nextPassivePort int32

	// disabledCommands lists verbs rejected with 502 regardless of
	// whether a handler exists for them. Populated via
	// WithDisableCommands(LegacyCommands...), etc.
	disabledCommands map[string]bool

	// feed, if non-nil, broadcasts session lifecycle and transfer events
	// to connected admin/status WebSocket subscribers.
	feed *adminFeed

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by the Server's Serve, ListenAndServe, and
// ListenAndServeImplicitTLS methods after a call to Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// The driver must be provided via the WithDriver option.
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		logger:         slog.Default(),
		welcomeMessage: "220 FTP Server Ready",
		serverName:     "UNIX Type: L8",
		maxIdleTime:    5 * time.Minute,
		conns:          make(map[net.Conn]struct{}),
		connsByIP:      make(map[string]int32),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.driver == nil {
		return nil, fmt.Errorf("driver is required (use WithDriver option)")
	}

	return s, nil
}

// ListenAndServe starts the FTP server on the configured address using
// Explicit FTPS semantics (plaintext control channel, AUTH TLS optional).
// It blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("FTP server listening", "addr", s.addr)
	return s.serve(ln, false)
}

// ListenAndServeImplicitTLS starts the FTP server with Implicit FTPS:
// every control connection begins the TLS handshake immediately, with no
// AUTH TLS command exchanged. WithTLS must have been used to configure a
// *tls.Config.
func (s *Server) ListenAndServeImplicitTLS() error {
	if s.tlsConfig == nil {
		return fmt.Errorf("implicit TLS requires WithTLS")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("FTP server listening (implicit TLS)", "addr", s.addr)
	return s.serve(ln, true)
}

// Shutdown stops the server, closing the listener and all active
// connections (control and data).
func (s *Server) Shutdown() error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	for conn := range maps.Keys(conns) {
		conn.Close()
	}

	if s.feed != nil {
		s.feed.close()
	}

	return err
}

// Serve accepts incoming connections on the listener l as plaintext
// control connections (Explicit FTPS mode). For graceful shutdown, close
// l from another goroutine.
func (s *Server) Serve(l net.Listener) error {
	return s.serve(l, false)
}

func (s *Server) serve(l net.Listener, implicitTLS bool) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		go s.handleConnection(conn, implicitTLS)
	}
}

func (s *Server) handleConnection(conn net.Conn, implicitTLS bool) {
	if !s.trackConnection(conn, true) {
		conn.Close()
		return
	}
	defer s.trackConnection(conn, false)

	s.handleSession(conn, implicitTLS)
}

// trackConnection returns false if we're shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inShutdown.Load() {
		conn.Close()
		return false
	}

	if add {
		s.conns[conn] = struct{}{}
		if s.maxConnectionsPerIP > 0 {
			ip := hostOf(conn.RemoteAddr())
			s.connsByIPMu.Lock()
			s.connsByIP[ip]++
			s.connsByIPMu.Unlock()
		}
		return true
	}

	delete(s.conns, conn)
	if s.maxConnectionsPerIP > 0 {
		ip := hostOf(conn.RemoteAddr())
		s.connsByIPMu.Lock()
		s.connsByIP[ip]--
		if s.connsByIP[ip] <= 0 {
			delete(s.connsByIP, ip)
		}
		s.connsByIPMu.Unlock()
	}
	return true
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// trackingConn wraps a net.Conn to track its lifetime in the server.
type trackingConn struct {
	net.Conn
	server *Server
}

func (c *trackingConn) Close() error {
	c.server.trackConnection(c.Conn, false)
	return c.Conn.Close()
}

// handleSession enforces connection limits, builds the adapter-chain
// Connection for conn, and runs a session loop on top of it.
func (s *Server) handleSession(conn net.Conn, implicitTLS bool) {
	if s.maxConnections > 0 && s.activeConns.Load() >= int32(s.maxConnections) {
		ip := hostOf(conn.RemoteAddr())
		s.logger.Warn("connection_rejected",
			"remote_ip", ip,
			"reason", "global_limit_reached",
			"limit", s.maxConnections,
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, "global_limit_reached")
		}
		fmt.Fprintf(conn, "421 Too many users, sorry.\r\n")
		conn.Close()
		return
	}

	if s.maxConnectionsPerIP > 0 {
		ip := hostOf(conn.RemoteAddr())
		s.connsByIPMu.Lock()
		currentCount := s.connsByIP[ip]
		// handleConnection has already counted conn itself.
		if currentCount > int32(s.maxConnectionsPerIP) {
			s.connsByIPMu.Unlock()
			s.logger.Warn("connection_rejected",
				"remote_ip", ip,
				"reason", "per_ip_limit_reached",
				"limit", s.maxConnectionsPerIP,
			)
			if s.metricsCollector != nil {
				s.metricsCollector.RecordConnection(false, "per_ip_limit_reached")
			}
			fmt.Fprintf(conn, "421 Too many connections from your IP address.\r\n")
			conn.Close()
			return
		}
		s.connsByIPMu.Unlock()
	}

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	pconn, err := newConnection(generateSessionID(), conn, s.tlsConfig, implicitTLS)
	if err != nil {
		s.logger.Error("connection setup failed", "error", err)
		conn.Close()
		return
	}

	if s.feed != nil {
		s.feed.publish(feedEvent{Type: "connect", RemoteIP: s.redactIP(hostOf(conn.RemoteAddr()))})
		defer s.feed.publish(feedEvent{Type: "disconnect", RemoteIP: s.redactIP(hostOf(conn.RemoteAddr()))})
	}

	sess := newSession(s, conn, pconn)
	sess.serve()
}

// redactPath returns the path with redaction applied if configured.
func (s *Server) redactPath(path string) string {
	if s.pathRedactor != nil {
		return s.pathRedactor(path)
	}
	return path
}

// redactIP returns the IP with its last octet masked if redaction is
// enabled, following the same intent as redactPath: keep enough of the
// value to correlate log lines without retaining the full address.
func (s *Server) redactIP(ip string) string {
	if !s.redactIPs {
		return ip
	}
	if i := strings.LastIndex(ip, "."); i >= 0 {
		return ip[:i] + ".xxx"
	}
	if i := strings.LastIndex(ip, ":"); i >= 0 {
		return ip[:i] + ":xxxx"
	}
	return ip
}
