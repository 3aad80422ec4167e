package server

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mveland/goftpd/internal/ratelimit"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithDriver sets the backend driver for authentication and file operations.
// This option is required and can only be set once.
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		if s.driver != nil {
			return fmt.Errorf("driver already set")
		}
		s.driver = driver
		return nil
	}
}

// WithTLS enables TLS (FTPS) with the provided configuration. Supports
// both Explicit FTPS (AUTH TLS, via ListenAndServe) and Implicit FTPS
// (via ListenAndServeImplicitTLS).
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithLogger sets a custom logger for the server. If not specified,
// slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can be idle before
// being closed. Defaults to 5 minutes.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithTimeouts sets read/write deadlines applied around each command and
// data transfer. A zero value disables the corresponding deadline.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) error {
		s.readTimeout = read
		s.writeTimeout = write
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous connections
// (global) and, optionally, per client IP. A value of 0 means unlimited.
func WithMaxConnections(maxTotal, maxPerIP int) Option {
	return func(s *Server) error {
		s.maxConnections = maxTotal
		s.maxConnectionsPerIP = maxPerIP
		return nil
	}
}

// WithDisableMLSD disables the MLSD command, primarily for compatibility
// testing with legacy clients.
func WithDisableMLSD(disable bool) Option {
	return func(s *Server) error {
		s.disableMLSD = disable
		return nil
	}
}

// WithWelcomeMessage overrides the banner sent to clients on connection.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithDirMessage enables surfacing the contents of a ".message" file in
// the target directory on CWD.
func WithDirMessage(enable bool) Option {
	return func(s *Server) error {
		s.enableDirMessage = enable
		return nil
	}
}

// WithUTF8 advertises and accepts the UTF8 FEAT/OPTS extension. Disabled
// by default, matching the conservative ASCII/Image-only baseline.
func WithUTF8(enable bool) Option {
	return func(s *Server) error {
		s.enableUTF8 = enable
		return nil
	}
}

// WithBandwidthLimit sets a per-session transfer rate cap, in bytes per
// second. 0 disables the per-user limit.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Server) error {
		s.bandwidthLimitPerUser = bytesPerSecond
		return nil
	}
}

// WithGlobalBandwidthLimit sets an aggregate transfer rate cap shared by
// all sessions, in bytes per second.
func WithGlobalBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Server) error {
		s.globalLimiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithTransferLog directs completed-transfer log lines, in xferlog
// format, to w.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithMetricsCollector registers a MetricsCollector to receive command,
// transfer, connection, and authentication events.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = mc
		return nil
	}
}

// WithPathRedactor registers a function used to redact file paths before
// they reach logs.
func WithPathRedactor(fn PathRedactor) Option {
	return func(s *Server) error {
		s.pathRedactor = fn
		return nil
	}
}

// WithRedactIPs masks the last octet of client IPs in logs.
func WithRedactIPs(enable bool) Option {
	return func(s *Server) error {
		s.redactIPs = enable
		return nil
	}
}

// WithPromiscuousDataPeer disables the bounce-attack check that
// otherwise requires a PASV/EPSV-accepted data connection to originate
// from the control connection's own peer address. Off by default; only
// disable this for clients behind address-translating middleboxes that
// genuinely connect data channels from a different address.
func WithPromiscuousDataPeer(allow bool) Option {
	return func(s *Server) error {
		s.allowPromiscuousDataPeer = allow
		return nil
	}
}

// WithPassiveAcceptTimeout bounds how long a PASV/EPSV listener waits for
// the client to connect before the transfer fails.
func WithPassiveAcceptTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.passiveAcceptTimeout = d
		return nil
	}
}

// WithDisableCommands rejects each named verb with 502 regardless of
// whether a handler exists for it. Combine with the predefined groups in
// commands.go (LegacyCommands, ActiveModeCommands, WriteCommands,
// SiteCommands) to harden or simplify a deployment.
func WithDisableCommands(cmds ...string) Option {
	return func(s *Server) error {
		if s.disabledCommands == nil {
			s.disabledCommands = make(map[string]bool, len(cmds))
		}
		for _, c := range cmds {
			s.disabledCommands[strings.ToUpper(c)] = true
		}
		return nil
	}
}

// WithAdminFeed enables a push-only WebSocket feed of session and
// transfer lifecycle events, and mounts it at path on mux for operator
// dashboards to subscribe to. The feed never blocks the control or data
// path; events are dropped for a subscriber whose queue is full.
func WithAdminFeed(mux *http.ServeMux, path string) Option {
	return func(s *Server) error {
		s.feed = newAdminFeed()
		mux.Handle(path, s.feed)
		return nil
	}
}
