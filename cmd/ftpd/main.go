// Command ftpd runs the FTP server with its backend and TLS posture
// selected from flags, suitable for a systemd unit or container
// entrypoint. It is a thin wrapper around package server; all protocol
// behavior lives there.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mveland/goftpd/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ftpd", flag.ContinueOnError)

	addr := fs.String("addr", ":21", "address to listen on")
	root := fs.String("root", "", "root directory served to clients (required)")
	anonWrite := fs.Bool("anon-write", false, "allow anonymous users to write")
	disableAnon := fs.Bool("disable-anon", false, "disable anonymous login")

	certFile := fs.String("cert", "", "TLS certificate path (enables FTPS)")
	keyFile := fs.String("key", "", "TLS key path (enables FTPS)")
	implicit := fs.Bool("implicit-tls", false, "run implicit FTPS instead of explicit AUTH TLS (requires -cert/-key)")

	pasvMin := fs.Int("pasv-min-port", 0, "minimum passive port (0 = OS-assigned)")
	pasvMax := fs.Int("pasv-max-port", 0, "maximum passive port (0 = OS-assigned)")
	publicHost := fs.String("public-host", "", "public host/IP advertised in PASV replies")

	utf8 := fs.Bool("utf8", false, "advertise and accept UTF8 via FEAT/OPTS")
	maxConns := fs.Int("max-connections", 0, "maximum simultaneous connections (0 = unlimited)")
	maxConnsPerIP := fs.Int("max-connections-per-ip", 0, "maximum simultaneous connections per client IP (0 = unlimited)")
	disableMLSD := fs.Bool("disable-mlsd", false, "disable the MLSD command")

	adminAddr := fs.String("admin-addr", "", "address for the admin WebSocket feed (empty disables it)")
	adminPath := fs.String("admin-path", "/feed", "HTTP path for the admin WebSocket feed")

	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelInfo
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *root == "" {
		logger.Error("startup_failed", "reason", "-root is required")
		return 1
	}

	driverOpts := []server.FSDriverOption{}
	if *anonWrite {
		driverOpts = append(driverOpts, server.WithAnonWrite(true))
	}
	if *disableAnon {
		driverOpts = append(driverOpts, server.WithDisableAnonymous(true))
	}
	if *pasvMin != 0 || *pasvMax != 0 || *publicHost != "" {
		driverOpts = append(driverOpts, server.WithSettings(&server.Settings{
			PublicHost:  *publicHost,
			PasvMinPort: *pasvMin,
			PasvMaxPort: *pasvMax,
		}))
	}

	driver, err := server.NewFSDriver(*root, driverOpts...)
	if err != nil {
		logger.Error("startup_failed", "reason", err.Error())
		return 1
	}

	opts := []server.Option{
		server.WithDriver(driver),
		server.WithLogger(logger),
		server.WithUTF8(*utf8),
		server.WithMaxConnections(*maxConns, *maxConnsPerIP),
		server.WithDisableMLSD(*disableMLSD),
	}

	var tlsConfig *tls.Config
	if *certFile != "" || *keyFile != "" {
		if *certFile == "" || *keyFile == "" {
			logger.Error("startup_failed", "reason", "-cert and -key must both be set")
			return 1
		}
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			logger.Error("startup_failed", "reason", err.Error())
			return 1
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		opts = append(opts, server.WithTLS(tlsConfig))
	}

	if *implicit && tlsConfig == nil {
		logger.Error("startup_failed", "reason", "-implicit-tls requires -cert/-key")
		return 1
	}

	var mux *http.ServeMux
	if *adminAddr != "" {
		mux = http.NewServeMux()
		opts = append(opts, server.WithAdminFeed(mux, *adminPath))
	}

	srv, err := server.NewServer(*addr, opts...)
	if err != nil {
		logger.Error("startup_failed", "reason", err.Error())
		return 1
	}

	if mux != nil {
		go func() {
			logger.Info("admin feed listening", "addr", *adminAddr, "path", *adminPath)
			if err := http.ListenAndServe(*adminAddr, mux); err != nil {
				logger.Error("admin_feed_failed", "error", err.Error())
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		if *implicit {
			serveErr <- srv.ListenAndServeImplicitTLS()
			return
		}
		serveErr <- srv.ListenAndServe()
	}()

	if err := <-serveErr; err != nil && err != server.ErrServerClosed {
		logger.Error("serve_failed", "error", err.Error())
		return 1
	}

	fmt.Fprintln(os.Stderr, "ftpd: shut down cleanly")
	return 0
}
