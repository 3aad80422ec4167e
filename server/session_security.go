package server

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// handleAUTH handles authentication mechanisms, specifically TLS (RFC 4217).
// The hot upgrade is delegated to the Connection's adapter chain: the raw
// adapter is paused, drained, and stopped, and a tlsAdapter takes its
// place on the same socket pipes, so the reader goroutine (parked on
// cmdReqChan at this point) picks up a new bufio.Reader/Writer pair
// without losing any bytes the client may have pipelined — including
// bytes a single bufio fill already pulled past the telnet filter and
// into s.reader, which UpgradeTLS's own pipe-level drain cannot see.
func (s *session) handleAUTH(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	if strings.ToUpper(arg) != "TLS" {
		s.reply(504, "Only AUTH TLS is supported.")
		return
	}

	s.reply(234, "AUTH TLS successful.")

	// The client's ClientHello can arrive pipelined behind "AUTH TLS\r\n"
	// in the same socket read. A single fill of s.reader's bufio pulls
	// such bytes straight through the telnet filter into s.reader's own
	// buffer, and a single fill of the telnetReader's inner bufio can
	// leave a tail still unfiltered — neither is visible to the pipe-level
	// drain UpgradeTLS performs. Drain both layers now, before the
	// handshake starts: the unfiltered tail goes back onto the pipe so
	// hotSwapTail's drain carries it across in order; the already-filtered
	// bytes are replayed directly ahead of the new telnetReader below.
	s.mu.Lock()
	decoded := drainBufio(s.reader)
	raw := s.tnet.drainUnfiltered()
	s.mu.Unlock()

	if err := s.pconn.PrependUnread(raw); err != nil {
		s.server.logger.Warn("tls_upgrade_prepend_failed",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"error", err,
		)
	}

	err := s.pconn.UpgradeTLS(s.server.tlsConfig)

	// Whether the handshake succeeded or hotSwapTail fell back to a
	// fresh cleartext adapter, the chain's pipes changed identity and
	// the reader/writer must be rebound to them before anything else
	// tries to use the control channel. Bytes drained above bypass the
	// telnet filter a second time since they were already filtered.
	s.mu.Lock()
	s.tnet = newTelnetReader(s.pconn.Reader())
	if len(decoded) > 0 {
		s.reader.Reset(io.MultiReader(bytes.NewReader(decoded), s.tnet))
	} else {
		s.reader.Reset(s.tnet)
	}
	s.writer.Reset(s.pconn.Writer())
	s.mu.Unlock()

	if err != nil {
		s.server.logger.Warn("tls_upgrade_failed",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"error", err,
		)
		s.prot = "C"
		s.reply(431, "TLS handshake failed; control connection remains in cleartext.")
		return
	}

	s.prot = "P" // RFC 4217: protection level defaults to Private once secured.
}

func (s *session) handlePROT(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	// RFC 4217
	// P - Private (TLS)
	// C - Clear (No TLS)
	switch strings.ToUpper(arg) {
	case "P":
		s.prot = "P"
		s.reply(200, "PROT P OK.")
	case "C":
		s.prot = "C"
		s.reply(200, "PROT C OK.")
	default:
		s.reply(536, "Protection level not supported by security mechanism.")
	}
}

func (s *session) handlePBSZ(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	// RFC 4217 mandates PBSZ precede PROT over TLS, but this server only
	// ever uses streaming TLS records, so the only buffer size it can
	// honor is zero.
	if strings.TrimSpace(arg) != "0" {
		s.reply(501, "PBSZ only supports a value of 0.")
		return
	}
	s.reply(200, "PBSZ=0")
}

// drainBufio returns and discards r's currently buffered bytes without
// blocking, leaving r otherwise intact for reuse against a new source.
func drainBufio(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := r.Peek(n)
	out := append([]byte(nil), b...)
	_, _ = r.Discard(n)
	return out
}
