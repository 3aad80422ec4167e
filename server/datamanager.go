package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// defaultPassiveAcceptTimeout bounds how long a PASV/EPSV listener waits
// for the client to connect before the session gives up on the transfer.
const defaultPassiveAcceptTimeout = 10 * time.Second

func (s *session) connData() (net.Conn, error) {
	if s.pasvList != nil {
		return s.connPassive()
	}

	if s.activeIP != "" {
		return s.connActive()
	}

	return nil, newError(KindDataConn, "connData", fmt.Errorf("no data connection setup; send PORT/EPRT or PASV/EPSV first"))
}

func (s *session) connPassive() (net.Conn, error) {
	s.server.logger.Debug("waiting for passive connection",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
	)

	timeout := s.server.passiveAcceptTimeout
	if timeout <= 0 {
		timeout = defaultPassiveAcceptTimeout
	}
	if t, ok := s.pasvList.(*net.TCPListener); ok {
		_ = t.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := s.pasvList.Accept()
	if err != nil {
		return nil, newError(KindDataConn, "connPassive", err)
	}
	s.pasvList.Close()
	s.pasvList = nil

	if !s.server.allowPromiscuousDataPeer {
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			conn.Close()
			return nil, newError(KindDataConn, "connPassive", fmt.Errorf("could not parse peer address"))
		}
		peerIP := net.ParseIP(host)
		if peerIP == nil || !s.validateActiveIP(peerIP) {
			s.server.logger.Warn("data_connection_rejected",
				"session_id", s.sessionID,
				"remote_ip", s.redactIP(s.remoteIP),
				"peer", s.redactIP(host),
				"reason", "peer_mismatch",
			)
			conn.Close()
			return nil, newError(KindDataConn, "connPassive", fmt.Errorf("data connection peer does not match control connection peer"))
		}
	}

	return s.wrapDataConn(conn)
}

func (s *session) connActive() (net.Conn, error) {
	addr := net.JoinHostPort(s.activeIP, strconv.Itoa(s.activePort))
	s.server.logger.Debug("dialing active connection",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"addr", addr,
	)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, newError(KindDataConn, "connActive", err)
	}
	s.activeIP = "" // Reset after use

	return s.wrapDataConn(conn)
}

// wrapDataConn applies PROT-required TLS and connection timeouts, and
// registers the connection with the server's tracking so Shutdown can
// close it. When the control connection is already protected, the data
// TLS handshake reuses the server's shared *tls.Config, so its session
// ticket cache lets data connections resume the control connection's
// TLS session instead of performing a full handshake each time.
func (s *session) wrapDataConn(conn net.Conn) (net.Conn, error) {
	if s.prot == "P" {
		if s.server.tlsConfig == nil {
			conn.Close()
			return nil, newError(KindDataConn, "wrapDataConn", fmt.Errorf("TLS configuration missing"))
		}
		// RFC 4217: The FTP server MUST act as the TLS server.
		tlsConn := tls.Server(conn, s.server.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, newError(KindDataConn, "wrapDataConn", err)
		}
		conn = tlsConn
	}

	if s.server.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
	}
	if s.server.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	}

	s.server.trackConnection(conn, true)

	s.mu.Lock()
	s.dataConn = conn
	s.mu.Unlock()

	return &trackingConn{Conn: conn, server: s.server}, nil
}
