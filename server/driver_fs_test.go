package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFSDriverRequiresAccount(t *testing.T) {
	driver, err := NewFSDriver(t.TempDir(), WithAccountRequired("alice", "bob"))
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	if !driver.RequiresAccount("alice") {
		t.Error("expected alice to require an account")
	}
	if !driver.RequiresAccount("bob") {
		t.Error("expected bob to require an account")
	}
	if driver.RequiresAccount("carol") {
		t.Error("expected carol not to require an account")
	}
}

func TestFSDriverAuthenticateAnonymousDisabled(t *testing.T) {
	driver, err := NewFSDriver(t.TempDir(), WithDisableAnonymous(true))
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	if _, err := driver.Authenticate("anonymous", "", ""); err == nil {
		t.Fatal("expected anonymous login to be rejected")
	}
}

func TestFSDriverAuthenticateAnonymousAllowed(t *testing.T) {
	root := t.TempDir()
	driver, err := NewFSDriver(root)
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	ctx, err := driver.Authenticate("anonymous", "guest@example.com", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	defer ctx.Close()

	if wd, err := ctx.GetWd(); err != nil || wd != "/" {
		t.Fatalf("GetWd = %q, %v", wd, err)
	}

	if err := ctx.MakeDir("denied"); err == nil {
		t.Fatal("expected anonymous read-only login to reject MakeDir")
	}
}

func TestFSDriverAuthenticateWithCustomAuthenticator(t *testing.T) {
	root := t.TempDir()
	driver, err := NewFSDriver(t.TempDir(), WithAuthenticator(
		func(user, pass, host string) (string, bool, error) {
			if user != "carol" || pass != "secret" {
				return "", false, errors.New("bad credentials")
			}
			return root, false, nil
		},
	))
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}

	if _, err := driver.Authenticate("carol", "wrong", ""); err == nil {
		t.Fatal("expected bad credentials to be rejected")
	}

	ctx, err := driver.Authenticate("carol", "secret", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	defer ctx.Close()

	if err := ctx.MakeDir("uploads"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "uploads")); err != nil {
		t.Fatalf("expected directory to be created under root: %v", err)
	}
}
