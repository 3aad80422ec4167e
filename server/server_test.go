package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mveland/goftpd/internal/ftptest"
)

func startTestServer(t *testing.T, opts ...Option) (addr string, root string) {
	t.Helper()
	root = t.TempDir()
	driver, err := NewFSDriver(root, WithDisableAnonymous(true), WithAuthenticator(
		func(user, pass, host string) (string, bool, error) { return root, false, nil },
	))
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = ln.Addr().String()

	allOpts := append([]Option{WithDriver(driver)}, opts...)
	srv, err := NewServer(addr, allOpts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("serve stopped: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Shutdown() })

	return addr, root
}

// readResponseWithDeadline reads one single-line FTP reply off c's
// control connection, bounded by deadline, without going through
// Client.Command (which would send a request first). Used for tests
// that expect the server to speak without a preceding client command,
// e.g. an idle timeout or a failed TLS handshake reply.
func readResponseWithDeadline(t *testing.T, c *ftptest.Client, deadline time.Duration) (*ftptest.Response, error) {
	t.Helper()
	_ = c.Conn().SetReadDeadline(time.Now().Add(deadline))
	line, err := c.Reader().ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		return nil, fmt.Errorf("invalid response line: %q", line)
	}
	code, err := strconv.Atoi(line[0:3])
	if err != nil {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}
	return &ftptest.Response{Code: code, Message: line[4:]}, nil
}

func dialAndLogin(t *testing.T, addr string) *ftptest.Client {
	t.Helper()
	c, err := ftptest.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Login("user", "pass"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerStoreAndRetrieveRoundTrip(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialAndLogin(t, addr)

	payload := []byte("hello from the test suite")
	if err := c.Store("greeting.txt", payload); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := c.Retrieve("greeting.txt")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestServerRNFRRNTOPairingInvariant(t *testing.T) {
	addr, root := startTestServer(t)
	c := dialAndLogin(t, addr)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Expect(350, "RNFR", "a.txt"); err != nil {
		t.Fatal(err)
	}

	// Any command other than RNTO must clear the pending rename path.
	if _, err := c.Expect(200, "NOOP"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Expect(503, "RNTO", "b.txt"); err != nil {
		t.Fatalf("expected RNTO without a preceding RNFR to fail with 503: %v", err)
	}
}

func TestServerRNFRRNTOSucceedsWhenPaired(t *testing.T) {
	addr, root := startTestServer(t)
	c := dialAndLogin(t, addr)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Expect(350, "RNFR", "a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Expect(250, "RNTO", "b.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "b.txt")); err != nil {
		t.Fatalf("expected renamed file to exist: %v", err)
	}
}

func TestServerDisabledCommandsRejected(t *testing.T) {
	addr, _ := startTestServer(t, WithDisableCommands("DELE"))
	c := dialAndLogin(t, addr)

	if _, err := c.Expect(502, "DELE", "anything"); err != nil {
		t.Fatalf("expected DELE to be rejected: %v", err)
	}
}

func TestServerACCTDrivenByDriver(t *testing.T) {
	root := t.TempDir()
	driver, err := NewFSDriver(root, WithDisableAnonymous(true),
		WithAuthenticator(func(user, pass, host string) (string, bool, error) { return root, false, nil }),
		WithAccountRequired("user"),
	)
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(ln.Addr().String(), WithDriver(driver))
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown() })

	c, err := ftptest.Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	// A user the driver requires an account for does not complete login
	// on PASS alone: the server replies 332 and stays logged out until
	// ACCT follows (RFC 959's Needs(ACCT) outcome).
	if _, err := c.Expect(331, "USER", "user"); err != nil {
		t.Fatalf("USER: %v", err)
	}
	if _, err := c.Expect(332, "PASS", "pass"); err != nil {
		t.Fatalf("expected PASS to require ACCT: %v", err)
	}
	if _, err := c.Expect(530, "PWD"); err != nil {
		t.Fatalf("expected PWD to be rejected before ACCT: %v", err)
	}

	if _, err := c.Expect(501, "ACCT"); err != nil {
		t.Fatalf("expected ACCT with no argument to fail 501: %v", err)
	}
	if _, err := c.Expect(230, "ACCT", "myaccount"); err != nil {
		t.Fatalf("expected ACCT with an argument to succeed: %v", err)
	}
	if _, err := c.Expect(257, "PWD"); err != nil {
		t.Fatalf("expected PWD to succeed once ACCT completes login: %v", err)
	}
}

func TestServerRESTOffsetDoesNotLeakAcrossAPPEIntoNextSTOR(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialAndLogin(t, addr)

	if err := c.Store("g.txt", []byte("AAAAAAAAAA")); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	if _, err := c.Expect(350, "REST", "100"); err != nil {
		t.Fatalf("REST: %v", err)
	}

	dc, err := c.OpenPassive()
	if err != nil {
		t.Fatalf("OpenPassive: %v", err)
	}
	if _, err := c.Expect(150, "APPE", "new.txt"); err != nil {
		dc.Close()
		t.Fatalf("APPE: %v", err)
	}
	if _, err := dc.Write([]byte("hello")); err != nil {
		t.Fatalf("write APPE data: %v", err)
	}
	dc.Close()
	resp, err := readResponseWithDeadline(t, c, 2*time.Second)
	if err != nil {
		t.Fatalf("expected APPE final reply: %v", err)
	}
	if resp.Code != 226 {
		t.Fatalf("expected 226 after APPE, got %d %s", resp.Code, resp.Message)
	}

	// A REST that APPE neither applies nor clears would leave 100 stuck on
	// the session, corrupting the next, unrelated STOR: it would skip the
	// truncate and seek 100 bytes into g.txt before writing, instead of
	// overwriting it cleanly.
	if err := c.Store("g.txt", []byte("BBBBBBBBBB")); err != nil {
		t.Fatalf("Store after APPE: %v", err)
	}
	got, err := c.Retrieve("g.txt")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != "BBBBBBBBBB" {
		t.Fatalf("got %q, want g.txt fully overwritten with no leaked REST offset", got)
	}
}

func TestServerPBSZAndPROTStrictValidation(t *testing.T) {
	cfg := generateTestTLSConfig(t)
	addr, _ := startTestServer(t, WithTLS(cfg))
	c, err := ftptest.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Expect(234, "AUTH", "TLS"); err != nil {
		t.Fatalf("AUTH TLS: %v", err)
	}

	tlsConn := tls.Client(c.Conn(), &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	c.SetConn(tlsConn)

	if _, err := c.Expect(501, "PBSZ", "1024"); err != nil {
		t.Fatalf("expected non-zero PBSZ to be rejected: %v", err)
	}
	if _, err := c.Expect(200, "PBSZ", "0"); err != nil {
		t.Fatalf("PBSZ 0: %v", err)
	}
	if _, err := c.Expect(536, "PROT", "X"); err != nil {
		t.Fatalf("expected invalid PROT argument to reply 536: %v", err)
	}
	if _, err := c.Expect(200, "PROT", "P"); err != nil {
		t.Fatalf("PROT P: %v", err)
	}

	if err := c.Login("user", "pass"); err != nil {
		t.Fatalf("Login over TLS: %v", err)
	}
}

func TestServerMaxConnectionsPerIP(t *testing.T) {
	addr, _ := startTestServer(t, WithMaxConnections(0, 1))

	first, err := ftptest.Dial(addr)
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	defer first.Close()

	_, err = ftptest.Dial(addr)
	if err == nil {
		t.Fatal("expected second connection from the same IP to be rejected")
	}
	time.Sleep(10 * time.Millisecond)
}

func TestServerREINResetsAuthStateWithoutClosingControlChannel(t *testing.T) {
	addr, _ := startTestServer(t)
	c := dialAndLogin(t, addr)

	if _, err := c.Expect(257, "PWD"); err != nil {
		t.Fatalf("expected PWD to succeed while logged in: %v", err)
	}

	if _, err := c.Expect(220, "REIN"); err != nil {
		t.Fatalf("expected REIN to reply 220: %v", err)
	}

	// The control channel stays open and the session is logged out again.
	if _, err := c.Expect(530, "PWD"); err != nil {
		t.Fatalf("expected PWD to be rejected after REIN: %v", err)
	}

	// The channel still works for a fresh login.
	if err := c.Login("user", "pass"); err != nil {
		t.Fatalf("re-login after REIN: %v", err)
	}
	if _, err := c.Expect(257, "PWD"); err != nil {
		t.Fatalf("expected PWD to succeed after re-login: %v", err)
	}
}

func TestServerIdleControlConnectionTimesOut(t *testing.T) {
	addr, _ := startTestServer(t, WithMaxIdleTime(50*time.Millisecond))

	c, err := ftptest.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := readResponseWithDeadline(t, c, time.Second)
	if err != nil {
		t.Fatalf("expected a reply before the connection closed: %v", err)
	}
	if resp.Code != 421 {
		t.Fatalf("expected 421 idle timeout, got %d %s", resp.Code, resp.Message)
	}
}

func TestServerAUTHTLSHandshakeFailureFallsBackToCleartext(t *testing.T) {
	cfg := generateTestTLSConfig(t)
	addr, _ := startTestServer(t, WithTLS(cfg))

	c, err := ftptest.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Expect(234, "AUTH", "TLS"); err != nil {
		t.Fatalf("AUTH TLS: %v", err)
	}

	// A well-behaved client would now drive a TLS handshake over the raw
	// connection. Instead, send a plaintext command: the server's
	// tls.Server.Handshake() fails parsing it as a TLS record, exercising
	// the explicit-upgrade failure path (spec.md §4.9).
	if _, err := c.Conn().Write([]byte("NOOP\r\n")); err != nil {
		t.Fatalf("write garbage handshake: %v", err)
	}

	resp, err := readResponseWithDeadline(t, c, 2*time.Second)
	if err != nil {
		t.Fatalf("expected 431 after failed handshake: %v", err)
	}
	if resp.Code != 431 {
		t.Fatalf("expected 431 TLS handshake failure, got %d %s", resp.Code, resp.Message)
	}

	// The control channel must still be alive in cleartext afterward.
	if _, err := c.Expect(200, "NOOP"); err != nil {
		t.Fatalf("expected control channel to survive the failed handshake: %v", err)
	}
}
