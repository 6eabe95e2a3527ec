// Package client implements the interactive chat client: a receive flow that
// reacts to server packets and a command flow that turns operator input into
// requests, sharing one lock.
package client

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/aeolun/peerchat/pkg/logging"
	"github.com/aeolun/peerchat/pkg/peer"
	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

const (
	promptUsername = "Please enter your username:"
	promptPassword = "Please enter your password:"
)

var loginReplies = map[protocol.LoginStatus]string{
	protocol.StatusSuccess:  "Welcome to the greatest messaging application ever!",
	protocol.StatusBlock:    "Invalid Password. Your account has been blocked. Please try again later",
	protocol.StatusBlocked:  "Your account is blocked due to multiple login failures. Please try again later",
	protocol.StatusUsername: "Invalid username. Please try again",
	protocol.StatusPassword: "Invalid password. Please try again",
	protocol.StatusOnline:   "This user is already online, please try another account",
}

// Session is one client process's connection to the server.
type Session struct {
	conn       *protocol.Conn
	hub        *peer.Hub
	out        *Printer
	in         *bufio.Reader
	ttyFd      int // -1 unless input is a terminal
	serverHost string

	mu       sync.Mutex
	cond     *sync.Cond
	loggedIn bool
	awaiting bool // a LOGIN, LOGOUT or EXIT reply is outstanding
	finished bool
	username string

	done     chan struct{}
	doneOnce sync.Once
}

// NewSession wraps an established server connection. It starts the peer hub
// on an ephemeral port.
func NewSession(nc net.Conn, in io.Reader, out *Printer) (*Session, error) {
	hub, err := peer.Listen(out)
	if err != nil {
		return nil, errors.Wrap(err, "start peer hub")
	}

	s := &Session{
		conn:  protocol.NewConn(nc),
		hub:   hub,
		out:   out,
		in:    bufio.NewReader(in),
		ttyFd: -1,
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s.ttyFd = int(f.Fd())
	}
	if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
		s.serverHost = host
	}
	return s, nil
}

// PeerPort is the port announced to the server after login.
func (s *Session) PeerPort() int { return s.hub.Port() }

// Run drives both flows until the user exits, input ends before login, or
// the server goes away.
func (s *Session) Run() error {
	s.out.Line(promptUsername)

	go s.receiveLoop()
	go s.commandLoop()

	<-s.done
	s.hub.CloseConnections()
	s.hub.Close()
	return s.conn.Close()
}

func (s *Session) finish() {
	s.mu.Lock()
	s.finished = true
	s.awaiting = false
	s.cond.Broadcast()
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) send(p protocol.Packet) {
	logger.WithFields(logging.PacketFields(p)).Debug("send")
	if err := s.conn.WritePacket(p); err != nil {
		logger.WithError(err).Debug("write to server failed")
		s.out.Error("Connection to server lost")
	}
}

// waitLocked blocks until the outstanding reply arrives.
func (s *Session) waitLocked() {
	for s.awaiting && !s.finished {
		s.cond.Wait()
	}
}

// ---------------------------------------------------------------------------
// Receive flow
// ---------------------------------------------------------------------------

func (s *Session) receiveLoop() {
	defer s.finish()

	for {
		p, err := s.conn.ReadPacket()
		if err != nil {
			var malformed *protocol.MalformedPacketError
			if errors.As(err, &malformed) {
				logger.WithError(err).Warn("dropping malformed packet from server")
				continue
			}
			s.mu.Lock()
			finished := s.finished
			s.mu.Unlock()
			if !finished {
				logger.WithError(err).Debug("server read failed")
				s.out.Error("Connection to server lost")
			}
			return
		}
		logger.WithFields(logging.PacketFields(p)).Debug("receive")

		if p.Type == protocol.TypeStartPrivate {
			s.startPrivate(p)
			continue
		}

		s.mu.Lock()
		exit := s.handleLocked(p)
		s.mu.Unlock()
		if exit {
			return
		}
	}
}

// handleLocked applies one server packet. It reports whether the session is
// over.
func (s *Session) handleLocked(p protocol.Packet) bool {
	// Only the login handshake and its teardown matter before login.
	if !s.loggedIn && p.Type != protocol.TypeLogin && p.Type != protocol.TypeLogout && p.Type != protocol.TypeExit {
		return false
	}

	switch p.Type {
	case protocol.TypeLogin:
		s.handleLoginReply(protocol.LoginStatus(p.Payload))
	case protocol.TypeMessage, protocol.TypeBroadcast:
		s.out.Message(p.Sender, p.Payload)
	case protocol.TypeServer:
		s.out.Notice(p.Payload)
	case protocol.TypeError:
		s.out.Error("Request rejected by server")
	case protocol.TypeLogout:
		s.out.Line("You have been logged out")
		s.loggedOutLocked()
	case protocol.TypeTimeout:
		s.out.Line("You timed out due to inactivity, please log back in again")
		s.loggedOutLocked()
	case protocol.TypeExit:
		s.out.Line("You have been logged out")
		s.out.Line("Goodbye")
		s.loggedIn = false
		s.hub.CloseConnections()
		return true
	default:
		logger.WithField("type", p.Type).Debug("ignoring unexpected packet")
	}
	return false
}

func (s *Session) handleLoginReply(status protocol.LoginStatus) {
	text, ok := loginReplies[status]
	if !ok {
		text = "Something went wrong, please try again"
	}
	s.out.Line(text)

	s.awaiting = false
	s.cond.Broadcast()

	if status != protocol.StatusSuccess {
		s.out.Line(promptUsername)
		return
	}
	s.loggedIn = true
	s.send(protocol.NewPacket(protocol.TypeWelcomePort, strconv.Itoa(s.hub.Port())))
}

func (s *Session) loggedOutLocked() {
	s.loggedIn = false
	s.hub.CloseConnections()
	s.awaiting = false
	s.cond.Broadcast()
	s.out.Line(promptUsername)
}

// startPrivate dials the peer named in a STARTPRIVATE reply. The dial runs
// outside the session lock.
func (s *Session) startPrivate(p protocol.Packet) {
	s.mu.Lock()
	loggedIn := s.loggedIn
	s.mu.Unlock()
	if !loggedIn {
		return
	}

	fields := strings.Fields(p.Payload)
	if len(fields) < 3 {
		logger.WithField("payload", p.Payload).Warn("malformed startprivate reply")
		return
	}
	source, target, port := fields[0], fields[1], fields[2]
	host := s.serverHost
	if len(fields) > 3 {
		host = fields[3]
	}

	if s.hub.MakeConnection(source, target, net.JoinHostPort(host, port)) {
		s.out.Notice("Start private messaging with " + target)
	} else {
		s.out.Error("Failed to make private connection with " + target)
	}
}

// ---------------------------------------------------------------------------
// Command flow
// ---------------------------------------------------------------------------

func (s *Session) readLine() (string, error) {
	line, err := s.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) readPassword() (string, error) {
	s.out.Line(promptPassword)
	if s.ttyFd >= 0 {
		b, err := term.ReadPassword(s.ttyFd)
		if err != nil {
			return "", errors.Wrap(err, "read password")
		}
		return string(b), nil
	}
	return s.readLine()
}

func (s *Session) commandLoop() {
	for {
		line, err := s.readLine()

		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.mu.Unlock()
			s.inputClosed(err)
			return
		}
		if !s.loggedIn {
			s.mu.Unlock()
			if !s.login(line) {
				return
			}
			continue
		}
		s.executeLocked(line)
		s.waitLocked()
		finished := s.finished
		s.mu.Unlock()
		if finished {
			return
		}
	}
}

// inputClosed ends the session when operator input runs out. A logged in
// user exits cleanly.
func (s *Session) inputClosed(err error) {
	if !errors.Is(err, io.EOF) {
		logger.WithError(err).Warn("reading input failed")
	}

	s.mu.Lock()
	loggedIn := s.loggedIn
	if loggedIn {
		s.awaiting = true
		s.send(protocol.NewPacket(protocol.TypeExit, ""))
		s.waitLocked()
	}
	s.mu.Unlock()

	if !loggedIn {
		s.finish()
	}
}

// login reads the password for username and waits for the server's verdict.
// It returns false when input ended.
func (s *Session) login(username string) bool {
	password, err := s.readPassword()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.WithError(err).Warn("reading password failed")
		}
		s.finish()
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.username = strings.TrimSpace(username)
	s.awaiting = true
	s.send(protocol.NewPacket(protocol.TypeLogin, s.username+" "+password))
	s.waitLocked()
	return !s.finished
}

func (s *Session) executeLocked(line string) {
	cmd, err := ParseCommand(line)
	if err != nil {
		var usage *UsageError
		if errors.As(err, &usage) {
			s.out.Error(usage.Error())
		} else {
			s.out.Error("Invalid command")
		}
		return
	}

	switch cmd.Name {
	case "message":
		if cmd.Target == s.username {
			s.out.Error("Cannot message yourself")
			return
		}
		s.send(protocol.Packet{Type: protocol.TypeMessage, Payload: cmd.Text, Dest: cmd.Target})
	case "broadcast":
		s.send(protocol.NewPacket(protocol.TypeBroadcast, cmd.Text))
	case "whoelse":
		s.send(protocol.NewPacket(protocol.TypeWhoElse, ""))
	case "whoelsesince":
		s.send(protocol.NewPacket(protocol.TypeWhoElseSince, strconv.Itoa(cmd.Seconds)))
	case "block":
		if cmd.Target == s.username {
			s.out.Error("Cannot block yourself")
			return
		}
		s.send(protocol.NewPacket(protocol.TypeBlock, cmd.Target))
		if s.hub.IsConnectedTo(cmd.Target) {
			s.stopLink(cmd.Target)
		}
	case "unblock":
		if cmd.Target == s.username {
			s.out.Error("Cannot unblock yourself")
			return
		}
		s.send(protocol.NewPacket(protocol.TypeUnblock, cmd.Target))
	case "startprivate":
		if cmd.Target == s.username {
			s.out.Error("Cannot start private messaging self")
			return
		}
		s.send(protocol.NewPacket(protocol.TypeStartPrivate, cmd.Target))
	case "private":
		s.sendPrivate(cmd)
	case "stopprivate":
		if cmd.Target == s.username {
			s.out.Error("Cannot stop private messaging self")
			return
		}
		if !s.hub.IsConnectedTo(cmd.Target) {
			s.out.Error("No private connection with " + cmd.Target + " yet")
			return
		}
		s.stopLink(cmd.Target)
	case "logout":
		s.out.Line("Logging out...")
		s.awaiting = true
		s.send(protocol.NewPacket(protocol.TypeLogout, ""))
	case "exit":
		s.out.Line("Exiting the system...")
		s.out.Line("Logging out...")
		s.awaiting = true
		s.send(protocol.NewPacket(protocol.TypeExit, ""))
	}
}

func (s *Session) sendPrivate(cmd Command) {
	switch {
	case cmd.Target == s.username:
		s.out.Error("Cannot private message self")
		return
	case cmd.Text == protocol.StopPrivate:
		s.out.Error("Use stopprivate " + cmd.Target + " to end private messaging")
		return
	}

	err := s.hub.SendMessage(cmd.Target, cmd.Text)
	switch {
	case errors.Is(err, peer.ErrNoLink):
		s.out.Error("Private messaging to " + cmd.Target + " not enabled")
	case err != nil:
		logger.WithError(err).Debug("private send failed")
		s.out.Error("Private message to " + cmd.Target + " could not be sent")
	}
}

func (s *Session) stopLink(user string) {
	if err := s.hub.Stop(user); err != nil {
		logger.WithError(err).Debug("stop private link")
	}
}
