package server

import (
	"errors"
	"io/fs"
	"testing"
)

func TestClassifyVfsError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{fs.ErrNotExist, KindVfsNotFound},
		{fs.ErrPermission, KindVfsPermission},
		{fs.ErrExist, KindVfsExists},
		{errors.New("boom"), KindOther},
	}
	for _, tc := range cases {
		if got := classifyVfsError(tc.err); got != tc.want {
			t.Errorf("classifyVfsError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestReplyForClassifiedError(t *testing.T) {
	cases := []struct {
		err      error
		wantCode int
	}{
		{newError(KindVfsNotFound, "RETR", fs.ErrNotExist), 550},
		{newError(KindVfsPermission, "STOR", fs.ErrPermission), 550},
		{newError(KindVfsBusy, "DELE", errors.New("busy")), 450},
		{newError(KindAuth, "USER", errors.New("bad creds")), 530},
		{newError(KindTLS, "AUTH", errors.New("handshake failed")), 425},
		{newError(KindDataConn, "connData", errors.New("no data connection setup")), 425},
		{newError(KindProviderUnavailable, "STOR", errors.New("disk full")), 451},
		{newError(KindProtocol, "XYZ", errors.New("bad syntax")), 500},
		{newError(KindFatal, "SERVE", errors.New("panic recovered")), 421},
	}
	for _, tc := range cases {
		code, msg := replyFor(tc.err)
		if code != tc.wantCode {
			t.Errorf("replyFor(%v) code = %d, want %d", tc.err, code, tc.wantCode)
		}
		if msg == "" {
			t.Errorf("replyFor(%v) returned empty message", tc.err)
		}
	}
}

func TestReplyForUnclassifiedVfsError(t *testing.T) {
	code, _ := replyFor(fs.ErrNotExist)
	if code != 550 {
		t.Errorf("got %d, want 550 for a raw fs.ErrNotExist", code)
	}
}

func TestOpErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	wrapped := newError(KindTransfer, "RETR", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected errors.Is to unwrap to the cause")
	}
	if wrapped.Error() != "RETR: underlying" {
		t.Errorf("got %q", wrapped.Error())
	}
}
