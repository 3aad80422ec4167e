package server

func (s *session) handleUSER(user string) error {
	s.user = user
	s.reply(331, "User name okay, need password.")
	return nil
}

func (s *session) handlePASS(pass string) error {
	ctx, err := s.server.driver.Authenticate(s.user, pass, s.host)
	if err != nil {
		// Security audit: failed authentication
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"reason", err.Error(),
		)
		// Metrics collection
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, s.user)
		}
		if s.server.feed != nil {
			s.server.feed.publish(feedEvent{Type: "auth_failed", User: s.user, RemoteIP: s.server.redactIP(s.remoteIP)})
		}
		s.reply(530, "Login incorrect.")
		return nil
	}
	s.fs = ctx
	// Security audit: successful authentication
	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
	// Metrics collection
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, s.user)
	}
	if s.server.feed != nil {
		s.server.feed.publish(feedEvent{Type: "auth_success", User: s.user, RemoteIP: s.server.redactIP(s.remoteIP)})
	}

	if s.server.driver.RequiresAccount(s.user) {
		// RFC 959: PASS succeeded but this user's login is not complete
		// until ACCT follows; file operations stay gated on isLoggedIn.
		s.acctPending = true
		s.reply(332, "Need account for login.")
		return nil
	}

	s.isLoggedIn = true
	s.reply(230, "User logged in, proceed.")
	return nil
}

// handleREIN resets the session's auth state back to Unauth without
// closing the control connection, per RFC 959: "This command terminates
// a USER, flushing all I/O and account information, except to leave any
// already open transfer parameters intact." Negotiated transfer
// parameters (TYPE, PROT, selected hash algorithm) are left as-is; only
// login identity and the previous user's file context are cleared.
func (s *session) handleREIN() {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy {
		s.reply(450, "Transfer in progress; data channel busy.")
		return
	}

	if s.fs != nil {
		s.fs.Close()
		s.fs = nil
	}
	s.isLoggedIn = false
	s.acctPending = false
	s.user = ""
	s.renameFrom = ""
	s.restartOffset = 0

	s.reply(220, "Service ready for new user.")
}
