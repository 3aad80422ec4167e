package server

import (
	"context"
	"io"
	"time"
)

// abortWait bounds how long ABOR waits for a running transfer to notice
// its cancellation and send its own reply before ABOR sends its own 226.
const abortWait = 5 * time.Second

// runTransfer executes fn on its own goroutine and tracks the session's
// busy state so ABOR and STAT remain responsive while a transfer runs.
// fn does not send the final reply: runTransfer sends 226 when fn returns
// nil and 426 when fn returns an error. conn is closed when fn
// returns, which is also how an ABOR-triggered cancellation unblocks a
// transfer goroutine parked in an io.Copy.
func (s *session) runTransfer(conn io.Closer, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.busy = true
	s.transferCtx = ctx
	s.transferCancel = cancel
	s.transferDone = done
	s.mu.Unlock()

	s.transferWG.Add(1)
	go func() {
		defer s.transferWG.Done()
		defer close(done)
		defer conn.Close()
		defer cancel()

		err := fn(ctx)

		s.mu.Lock()
		s.busy = false
		s.transferCtx = nil
		s.transferCancel = nil
		s.transferDone = nil
		s.dataConn = nil
		s.mu.Unlock()

		if err != nil {
			if s.server.feed != nil {
				s.server.feed.publish(feedEvent{Type: "transfer_abort", User: s.user, RemoteIP: s.server.redactIP(s.remoteIP)})
			}
			s.reply(426, "Connection closed; transfer aborted.")
			return
		}
		if s.server.feed != nil {
			s.server.feed.publish(feedEvent{Type: "transfer_complete", User: s.user, RemoteIP: s.server.redactIP(s.remoteIP)})
		}
		s.reply(226, "Transfer complete.")
	}()
}

// abortTransfer interrupts the in-flight transfer, if any, and waits
// (briefly) for its goroutine to send the 426 reply RFC 959 requires
// before ABOR's own 226 is sent, so the two replies reach the client in
// the correct order.
func (s *session) abortTransfer() {
	s.mu.Lock()
	busy := s.busy
	dataConn := s.dataConn
	cancel := s.transferCancel
	done := s.transferDone
	s.mu.Unlock()

	if !busy {
		s.reply(226, "ABOR command successful; no transfer in progress.")
		return
	}

	s.server.logger.Info("transfer_abort_requested", "session_id", s.sessionID)

	if dataConn != nil {
		dataConn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(abortWait):
		}
	}

	s.reply(226, "ABOR command successful; transfer aborted.")
}
