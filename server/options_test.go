package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newOptionsTestDriver(t *testing.T) Driver {
	t.Helper()
	root := t.TempDir()
	driver, err := NewFSDriver(root)
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	return driver
}

func TestWithDriverRejectsSecondCall(t *testing.T) {
	d1 := newOptionsTestDriver(t)
	d2 := newOptionsTestDriver(t)

	_, err := NewServer("127.0.0.1:0", WithDriver(d1), WithDriver(d2))
	if err == nil {
		t.Fatal("expected setting the driver twice to fail")
	}
}

func TestWithMaxConnectionsAppliesBothLimits(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", WithDriver(newOptionsTestDriver(t)), WithMaxConnections(5, 2))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s.maxConnections != 5 || s.maxConnectionsPerIP != 2 {
		t.Fatalf("got maxConnections=%d maxConnectionsPerIP=%d", s.maxConnections, s.maxConnectionsPerIP)
	}
}

func TestWithDisableCommandsUppercasesAndAccumulates(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", WithDriver(newOptionsTestDriver(t)),
		WithDisableCommands("dele", "RMD"),
		WithDisableCommands("site"),
	)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	for _, cmd := range []string{"DELE", "RMD", "SITE"} {
		if !s.disabledCommands[cmd] {
			t.Errorf("expected %s to be disabled", cmd)
		}
	}
}

func TestWithPassiveAcceptTimeout(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", WithDriver(newOptionsTestDriver(t)), WithPassiveAcceptTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s.passiveAcceptTimeout != 2*time.Second {
		t.Fatalf("got %v", s.passiveAcceptTimeout)
	}
}

func TestWithAdminFeedMountsHandlerAndSetsFeed(t *testing.T) {
	mux := http.NewServeMux()
	s, err := NewServer("127.0.0.1:0", WithDriver(newOptionsTestDriver(t)), WithAdminFeed(mux, "/feed"))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s.feed == nil {
		t.Fatal("expected feed to be set")
	}
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	h, pattern := mux.Handler(req)
	if h == nil {
		t.Fatal("expected /feed to be mounted")
	}
	if pattern == "" {
		t.Fatal("expected a non-empty matched pattern")
	}
}

func TestWithRedactIPsAndPromiscuousDataPeer(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", WithDriver(newOptionsTestDriver(t)),
		WithRedactIPs(true), WithPromiscuousDataPeer(true))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if !s.redactIPs {
		t.Error("expected redactIPs to be true")
	}
	if !s.allowPromiscuousDataPeer {
		t.Error("expected allowPromiscuousDataPeer to be true")
	}
}
