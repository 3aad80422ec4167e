package server

import (
	"net"
	"testing"
	"time"
)

// newTestSession builds a session over a real loopback TCP control
// connection (rather than net.Pipe) so RemoteAddr carries a genuine
// host:port, which validateActiveIP and the passive-peer check depend on.
func newTestSession(t *testing.T) (*session, net.Conn, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		ln.Close()
		t.Fatalf("dial: %v", err)
	}

	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	ln.Close()

	root := t.TempDir()
	driver, err := NewFSDriver(root, WithDisableAnonymous(true), WithAuthenticator(
		func(user, pass, host string) (string, bool, error) { return root, false, nil },
	))
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	srv, err := NewServer("127.0.0.1:0", WithDriver(driver))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	pconn, err := newConnection("test", serverConn, nil, false)
	if err != nil {
		t.Fatalf("newConnection: %v", err)
	}

	s := newSession(srv, serverConn, pconn)

	cleanup := func() {
		pconn.Close()
		clientConn.Close()
	}
	return s, clientConn, cleanup
}

func TestConnPassiveAcceptsMatchingLoopbackPeer(t *testing.T) {
	s, _, cleanup := newTestSession(t)
	defer cleanup()

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.pasvList = dataLn

	dialDone := make(chan error, 1)
	go func() {
		_, err := net.DialTimeout("tcp", dataLn.Addr().String(), 2*time.Second)
		dialDone <- err
	}()

	conn, err := s.connPassive()
	if err != nil {
		t.Fatalf("connPassive: %v", err)
	}
	defer conn.Close()

	if err := <-dialDone; err != nil {
		t.Fatalf("client dial: %v", err)
	}

	s.mu.Lock()
	got := s.dataConn
	s.mu.Unlock()
	if got == nil {
		t.Fatal("expected wrapDataConn to record the data connection")
	}
}

func TestValidateActiveIPRejectsMismatchedPeer(t *testing.T) {
	s, _, cleanup := newTestSession(t)
	defer cleanup()

	if s.validateActiveIP(net.ParseIP("203.0.113.9")) {
		t.Fatal("expected mismatched peer to be rejected")
	}
	if !s.validateActiveIP(net.ParseIP("127.0.0.1")) {
		t.Fatal("expected loopback peer to match the loopback control connection")
	}
}

func TestWrapDataConnWithoutProtLeavesConnectionClear(t *testing.T) {
	s, _, cleanup := newTestSession(t)
	defer cleanup()

	a, b := net.Pipe()
	defer b.Close()
	s.prot = "C"

	wrapped, err := s.wrapDataConn(a)
	if err != nil {
		t.Fatalf("wrapDataConn: %v", err)
	}
	defer wrapped.Close()

	if _, ok := wrapped.(*trackingConn); !ok {
		t.Fatalf("expected *trackingConn, got %T", wrapped)
	}
}
