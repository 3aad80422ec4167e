package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mveland/goftpd/internal/ratelimit"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// session represents an FTP client session. The control socket itself is
// owned by a Connection; session holds the protocol and authentication
// state layered on top of it.
type session struct {
	server *Server
	conn   net.Conn // raw control socket, for RemoteAddr/deadlines only
	pconn  *Connection
	reader *bufio.Reader
	writer *bufio.Writer
	tnet   *telnetReader
	mu     sync.Mutex // Protects writer and state

	// Session tracking
	sessionID string
	remoteIP  string

	// State
	isLoggedIn    bool
	acctPending   bool // PASS ok but driver.RequiresAccount(user) awaiting ACCT
	user          string
	renameFrom    string // For RNFR/RNTO
	fs            ClientContext
	restartOffset int64  // For REST command
	host          string // From HOST command
	selectedHash  string // Default SHA-256
	transferType  string // Transfer type (A=ASCII, I=Binary), default I

	// Background transfer state
	busy           bool
	transferCtx    context.Context
	transferCancel context.CancelFunc
	transferDone   chan struct{}
	transferWG     sync.WaitGroup

	// Reader synchronization
	cmdReqChan chan struct{}

	// Data connection state
	dataConn   net.Conn
	pasvList   net.Listener
	activeIP   string
	activePort int
	prot       string // PROT P or C

	// Cache for PASV IP resolution
	lastPublicHost string
	resolvedIP     net.IP
}

// commandHandlers maps FTP commands to their handler functions.
// All handlers have the signature: func(s *session, arg string)
// Note: USER, PASS, QUIT, and NOOP are handled specially in handleCommand
var commandHandlers = map[string]func(*session, string){
	// File Management
	"CWD":  (*session).handleCWD,
	"XCWD": (*session).handleCWD,
	"CDUP": func(s *session, _ string) { s.handleCDUP() },
	"XCUP": func(s *session, _ string) { s.handleCDUP() },
	"UP":   func(s *session, _ string) { s.handleCDUP() },
	"PWD":  func(s *session, _ string) { s.handlePWD() },
	"XPWD": func(s *session, _ string) { s.handlePWD() },
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"MKD":  (*session).handleMKD,
	"XMKD": (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"XRMD": (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,

	// File Transfer
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,
	"STOU": func(s *session, _ string) { s.handleSTOU() },

	// Transfer Parameters
	"TYPE": (*session).handleTYPE,
	"PORT": (*session).handlePORT,
	"PASV": func(s *session, _ string) { s.handlePASV() },
	"EPSV": func(s *session, _ string) { s.handleEPSV() },
	"EPRT": (*session).handleEPRT,
	"REST": (*session).handleREST,

	// Information
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,
	"FEAT": (*session).handleFEAT,
	"OPTS": (*session).handleOPTS,
	"MLSD": (*session).handleMLSD,
	"MLST": (*session).handleMLST,

	// Security
	"AUTH": (*session).handleAUTH,
	"PROT": (*session).handlePROT,
	"PBSZ": (*session).handlePBSZ,

	// RFC 1123 Compliance
	"ACCT": (*session).handleACCT,
	"MODE": (*session).handleMODE,
	"STRU": (*session).handleSTRU,
	"SYST": func(s *session, _ string) { s.handleSYST() },
	"STAT": (*session).handleSTAT,
	"HELP": (*session).handleHELP,
	"SITE": (*session).handleSITE,

	// Extensions
	"HOST": (*session).handleHOST,
	"HASH": (*session).handleHASH,
	"MFMT": (*session).handleMFMT,

	// Special
	"ABOR": func(s *session, _ string) { s.abortTransfer() },
	"REIN": func(s *session, _ string) { s.handleREIN() },
}

// dataChannelCommands are the commands that open or use the data
// connection. While a transfer is busy, only these are rejected
// (425/450); every other command (PWD, NOOP, SYST, FEAT, TYPE, ...) is
// still answered normally, since it never touches the data channel.
var dataChannelCommands = map[string]bool{
	"RETR": true,
	"STOR": true,
	"APPE": true,
	"STOU": true,
	"LIST": true,
	"NLST": true,
	"MLSD": true,
	"PORT": true,
	"PASV": true,
	"EPSV": true,
	"EPRT": true,
}

// commandsPreservingRenameFrom is every command that, per the pending-RNFR
// invariant, does NOT clear a pending RNFR path. Every other command
// clears it, including a failed RNTO and a second RNFR.
var commandsPreservingRenameFrom = map[string]bool{
	"RNTO": true,
}

// validateActiveIP ensures a data connection peer matches the control
// connection's peer, preventing FTP bounce attacks. It is applied to
// PORT/EPRT targets and, unless promiscuous data peers are allowed, to
// PASV/EPSV accepted connections too.
func (s *session) validateActiveIP(ip net.IP) bool {
	remoteAddr := s.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr // Fallback
	}

	remoteIP := net.ParseIP(host)
	if remoteIP == nil {
		return false
	}

	return ip.Equal(remoteIP)
}

// generateSessionID generates a unique 8-character session ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

// redactPath returns the path with redaction applied if enabled.
func (s *session) redactPath(path string) string {
	return s.server.redactPath(path)
}

// redactIP returns the IP with redaction applied if enabled.
func (s *session) redactIP(ip string) string {
	return s.server.redactIP(ip)
}

// rateLimitReader wraps a reader with bandwidth limiting if configured.
// Applies both global and per-user limits (most restrictive wins).
func (s *session) rateLimitReader(r io.Reader) io.Reader {
	if s.server.bandwidthLimitPerUser > 0 {
		limiter := ratelimit.New(s.server.bandwidthLimitPerUser)
		r = ratelimit.NewReader(r, limiter)
	}
	if s.server.globalLimiter != nil {
		r = ratelimit.NewReader(r, s.server.globalLimiter)
	}
	return r
}

// rateLimitWriter wraps a writer with bandwidth limiting if configured.
// Applies both global and per-user limits (most restrictive wins).
func (s *session) rateLimitWriter(w io.Writer) io.Writer {
	if s.server.bandwidthLimitPerUser > 0 {
		limiter := ratelimit.New(s.server.bandwidthLimitPerUser)
		w = ratelimit.NewWriter(w, limiter)
	}
	if s.server.globalLimiter != nil {
		w = ratelimit.NewWriter(w, s.server.globalLimiter)
	}
	return w
}

// newSession creates a new session on top of an already-established
// Connection (raw or implicit-TLS adapter chain already running).
func newSession(server *Server, conn net.Conn, pconn *Connection) *session {
	sessionID := generateSessionID()

	remoteAddr := conn.RemoteAddr().String()
	remoteIP, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		remoteIP = remoteAddr
	}

	tr := newTelnetReader(pconn.Reader())
	reader := bufio.NewReader(tr)
	writer := bufio.NewWriter(pconn.Writer())

	s := &session{
		server:       server,
		conn:         conn,
		pconn:        pconn,
		reader:       reader,
		writer:       writer,
		tnet:         tr,
		sessionID:    sessionID,
		remoteIP:     remoteIP,
		prot:         "C", // Default to clear
		selectedHash: "SHA-256",
		transferType: "I",
		cmdReqChan:   make(chan struct{}),
	}

	return s
}

type command struct {
	line string
	err  error
}

// serve handles the FTP session. It uses a concurrent architecture to
// handle commands and data transfers, enabling support for commands like
// ABOR.
//
// Concurrency model:
//
//  1. Reader goroutine: a dedicated goroutine reads command lines from
//     the telnet/bufio stack sitting on the connection's current adapter
//     chain tail, and sends each to the main serve loop via cmdChan.
//
//  2. Main loop (serve): receives commands from cmdChan and dispatches
//     them to handlers. It is the single point of control for session
//     state.
//
//  3. Synchronization (cmdReqChan): the reader goroutine waits for a
//     signal on cmdReqChan before reading the next command, sent only
//     after the current handler returns. This keeps AUTH TLS's hot swap
//     of the reader/writer pipes from racing a concurrent read.
//
//  4. Asynchronous transfers: RETR/STOR/APPE/STOU hand their copy loop to
//     runTransfer, which runs it on its own goroutine, sets busy, and
//     lets the main loop keep answering ABOR/STAT while data moves.
//
//  5. Aborting transfers (ABOR): abortTransfer closes the data connection
//     and cancels the transfer context, then waits for the transfer
//     goroutine's 426 reply before sending ABOR's own 226, preserving the
//     reply ordering RFC 959 requires.
func (s *session) serve() {
	defer s.close()

	s.sendWelcome()

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
	)

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		cmd, ok := <-cmdChan
		if !ok {
			return
		}

		if cmd.err != nil {
			if cmd.err != io.EOF && cmd.err.Error() != "command too long" {
				s.server.logger.Warn("read error",
					"session_id", s.sessionID,
					"remote_ip", s.redactIP(s.remoteIP),
					"user", s.user,
					"error", cmd.err,
				)
			}
			if cmd.err.Error() == "command too long" {
				s.reply(500, "Command line too long.")
			}
			if ne, ok := cmd.err.(net.Error); ok && ne.Timeout() {
				s.reply(421, "Idle timeout; closing control connection.")
			}
			return
		}

		s.handleCommand(cmd.line)

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-time.After(1 * time.Second):
		}
	}
}

func (s *session) sendWelcome() {
	if strings.HasPrefix(s.server.welcomeMessage, "220 ") {
		s.mu.Lock()
		fmt.Fprintf(s.writer, "%s\r\n", s.server.welcomeMessage)
		s.writer.Flush()
		s.mu.Unlock()
	} else if strings.HasPrefix(s.server.welcomeMessage, "220") {
		s.mu.Lock()
		fmt.Fprintf(s.writer, "220 %s\r\n", s.server.welcomeMessage[3:])
		s.writer.Flush()
		s.mu.Unlock()
	} else {
		s.reply(220, s.server.welcomeMessage)
	}
}

func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			if s.server.readTimeout > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.server.readTimeout))
			} else if s.server.maxIdleTime > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := s.readCommand()

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// readCommand reads a line from the reader with a limit. The reader may
// be swapped out from under this goroutine by AUTH TLS, but only while
// this goroutine is parked waiting on cmdReqChan, never mid-read.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		s.mu.Lock()
		r := s.reader
		s.mu.Unlock()

		b, err := r.ReadByte()
		if err != nil {
			return string(line), err
		}

		if len(line) >= MaxCommandLength {
			return "", fmt.Errorf("command too long")
		}

		if b == '\n' {
			return string(line), nil
		}
		line = append(line, b)
	}
}

// close closes the session and underlying connection.
func (s *session) close() {
	s.mu.Lock()
	if s.transferCancel != nil {
		s.transferCancel()
	}
	s.mu.Unlock()

	if s.fs != nil {
		s.fs.Close()
	}
	if s.pasvList != nil {
		s.pasvList.Close()
	}
	if s.dataConn != nil {
		s.dataConn.Close()
	}
	s.pconn.Close()

	// Wait for all background transfers to finish.
	s.transferWG.Wait()

	s.server.logger.Debug("session closed",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
	)
}

// handleCommand parses and dispatches a command.
func (s *session) handleCommand(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}

	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.sessionID,
		"remote_ip", s.redactIP(s.remoteIP),
		"user", s.user,
		"cmd", cmd,
		"arg", logArg,
	)

	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()

	if busy && dataChannelCommands[cmd] {
		s.reply(450, "Transfer in progress; data channel busy.")
		return
	}

	if !commandsPreservingRenameFrom[cmd] {
		s.renameFrom = ""
	}

	if s.server.disabledCommands[cmd] {
		s.reply(502, "Command not implemented.")
		return
	}

	start := time.Now()
	var err error
	switch cmd {
	case "USER":
		err = s.handleUSER(arg)
	case "PASS":
		err = s.handlePASS(arg)
	case "QUIT":
		s.reply(221, "Service closing control connection.")
	case "NOOP":
		s.reply(200, "OK.")
	default:
		if handler, ok := commandHandlers[cmd]; ok {
			handler(s, arg)
		} else {
			s.reply(502, "Command not implemented.")
		}
	}

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(cmd, err == nil, time.Since(start))
	}

	if err != nil {
		s.server.logger.Error("command handling error",
			"session_id", s.sessionID,
			"remote_ip", s.redactIP(s.remoteIP),
			"user", s.user,
			"cmd", cmd,
			"error", err,
		)
	}
}

// replyError sends a standard error response based on the error's kind.
func (s *session) replyError(err error) {
	code, msg := replyFor(err)
	s.reply(code, msg)
}

// reply sends a response to the client.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// logTransfer logs a file transfer in standard xferlog format.
// Format: current-time transfer-time remote-host file-size filename transfer-type special-action-flag direction access-mode username service-name authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration) {
	if s.server.transferLog == nil {
		return
	}

	now := time.Now()
	transferTime := int64(duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}

	remoteHost := s.remoteIP

	tType := "b"
	if s.transferType == "A" {
		tType = "a"
	}

	actionFlag := "_"

	direction := "o"
	if cmd == "STOR" || cmd == "APPE" || cmd == "STOU" {
		direction = "i"
	}

	accessMode := "r"
	if s.user == "anonymous" || s.user == "ftp" {
		accessMode = "a"
	}

	authMethod := "0"
	authUserID := "*"
	completionStatus := "c"

	line := fmt.Sprintf("%s %d %s %d %s %s %s %s %s %s %s %s %s %s\n",
		now.Format("Mon Jan 02 15:04:05 2006"),
		transferTime,
		remoteHost,
		bytes,
		filename,
		tType,
		actionFlag,
		direction,
		accessMode,
		s.user,
		"ftp",
		authMethod,
		authUserID,
		completionStatus,
	)

	_, _ = s.server.transferLog.Write([]byte(line))
}
