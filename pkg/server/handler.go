package server

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/peerchat/pkg/account"
	"github.com/aeolun/peerchat/pkg/logging"
	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler runs the server side of one client connection.
type Handler struct {
	id   uuid.UUID
	srv  *Server
	conn *protocol.Conn
	log  logrus.FieldLogger

	// Guarded by srv.sessions.mu.
	account *account.Account // nil while unauthenticated
	port    int              // peer listening port, 0 until announced
	live    bool

	// Outbound packets in the order they were queued. writeLoop owns the
	// connection's write side.
	sendMu  sync.Mutex
	sendCnd *sync.Cond
	queue   []protocol.Packet
	closing bool
	written chan struct{}
}

func newHandler(srv *Server, conn net.Conn, transport string) *Handler {
	id := uuid.New()
	h := &Handler{
		id:      id,
		srv:     srv,
		conn:    protocol.NewConn(conn),
		written: make(chan struct{}),
		log: logger.WithFields(logrus.Fields{
			"session":   id.String(),
			"remote":    conn.RemoteAddr().String(),
			"transport": transport,
		}),
	}
	h.sendCnd = sync.NewCond(&h.sendMu)
	return h
}

// send queues one packet for writeLoop. It never blocks on the network.
func (h *Handler) send(p protocol.Packet) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if h.closing {
		return
	}
	h.queue = append(h.queue, p)
	h.sendCnd.Signal()
}

// writeLoop writes queued packets until closeQueue is called and the queue
// is empty. Errors are logged only: the read side notices a dead connection.
func (h *Handler) writeLoop() {
	defer close(h.written)

	for {
		h.sendMu.Lock()
		for len(h.queue) == 0 && !h.closing {
			h.sendCnd.Wait()
		}
		batch := h.queue
		h.queue = nil
		h.sendMu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, p := range batch {
			if err := h.conn.WritePacket(p); err != nil {
				h.log.WithError(err).WithFields(logging.PacketFields(p)).Debug("send failed")
				continue
			}
			h.srv.metrics.RecordPacketSent(p.Type)
		}
	}
}

func (h *Handler) closeQueue() {
	h.sendMu.Lock()
	h.closing = true
	h.sendCnd.Broadcast()
	h.sendMu.Unlock()
}

// run reads packets until the connection fails or the client exits.
func (h *Handler) run() {
	go h.writeLoop()
	defer h.finish()

	for {
		h.srv.sessions.mu.Lock()
		armed := h.account != nil && h.srv.config.Timeout > 0
		h.srv.sessions.mu.Unlock()

		var deadline time.Time
		if armed {
			deadline = time.Now().Add(h.srv.config.Timeout)
		}
		if err := h.conn.SetReadDeadline(deadline); err != nil {
			h.disconnect("deadline", err)
			return
		}

		before := h.conn.BytesRead()
		pkt, err := h.conn.ReadPacket()
		if err != nil {
			var malformed *protocol.MalformedPacketError
			switch {
			case errors.As(err, &malformed):
				h.log.WithError(err).Debug("malformed packet")
				h.send(protocol.NewPacket(protocol.TypeError, ""))
				continue
			case armed && isTimeout(err) && h.conn.BytesRead() == before:
				h.idleTimeout()
				continue
			default:
				h.disconnect("read", err)
				return
			}
		}

		h.srv.metrics.RecordPacketReceived(pkt.Type)
		h.log.WithFields(logging.PacketFields(pkt)).Debug("recv")
		if !h.process(pkt) {
			h.srv.metrics.RecordSessionDisconnected("exit")
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// drainTimeout bounds how long finish waits for queued writes, such as the
// EXIT ack, before closing the connection under them.
const drainTimeout = 5 * time.Second

// finish deregisters the handler, drains its send queue and closes its
// connection.
func (h *Handler) finish() {
	reg := h.srv.sessions
	reg.mu.Lock()
	reg.removeLocked(h)
	reg.mu.Unlock()

	h.closeQueue()
	select {
	case <-h.written:
	case <-time.After(drainTimeout):
		h.log.Debug("gave up draining send queue")
	}
	h.conn.Close()
}

// process handles one packet under the registry lock. The writes it produced
// are queued before the lock is released, so each recipient sees packets in
// the order the lock was taken. It returns false when the connection should
// close.
func (h *Handler) process(p protocol.Packet) bool {
	start := time.Now()
	var out outbox

	h.srv.sessions.mu.Lock()
	keep := h.dispatchLocked(&out, p)
	out.flush()
	h.srv.metrics.RecordOnlineUsers(h.srv.sessions.onlineCountLocked())
	h.srv.sessions.mu.Unlock()

	h.srv.metrics.RecordProcessDuration(time.Since(start))
	return keep
}

// requiresLogin lists the packet types only an authenticated session may send.
var requiresLogin = map[protocol.PacketType]bool{
	protocol.TypeWelcomePort:  true,
	protocol.TypeMessage:      true,
	protocol.TypeBroadcast:    true,
	protocol.TypeWhoElse:      true,
	protocol.TypeWhoElseSince: true,
	protocol.TypeBlock:        true,
	protocol.TypeUnblock:      true,
	protocol.TypeStartPrivate: true,
	protocol.TypeLogout:       true,
	protocol.TypeExit:         true,
}

func (h *Handler) dispatchLocked(out *outbox, p protocol.Packet) bool {
	if requiresLogin[p.Type] && h.account == nil {
		out.add(h, protocol.NewPacket(protocol.TypeError, ""))
		return true
	}

	switch p.Type {
	case protocol.TypeLogin:
		h.handleLogin(out, p)
	case protocol.TypeWelcomePort:
		h.handleWelcomePort(p)
	case protocol.TypeMessage:
		h.handleMessage(out, p)
	case protocol.TypeBroadcast:
		h.srv.sessions.broadcastLocked(out, h.username(), p.Payload, protocol.TypeMessage)
	case protocol.TypeWhoElse:
		h.handleWhoElse(out)
	case protocol.TypeWhoElseSince:
		h.handleWhoElseSince(out, p)
	case protocol.TypeBlock:
		h.handleBlock(out, p)
	case protocol.TypeUnblock:
		h.handleUnblock(out, p)
	case protocol.TypeStartPrivate:
		h.handleStartPrivate(out, p)
	case protocol.TypeLogout:
		h.logoutLocked(out, protocol.TypeLogout)
	case protocol.TypeExit:
		h.logoutLocked(out, protocol.TypeExit)
		return false
	default:
		h.log.WithField("type", p.Type.String()).Debug("unrecognised packet")
		out.add(h, protocol.NewPacket(protocol.TypeError, ""))
	}
	return true
}

func (h *Handler) username() string {
	if h.account == nil {
		return ""
	}
	return h.account.Username()
}

func (h *Handler) notice(out *outbox, text string) {
	out.add(h, protocol.NewPacket(protocol.TypeServer, text))
}

func (h *Handler) handleLogin(out *outbox, p protocol.Packet) {
	if h.account != nil {
		out.add(h, protocol.NewPacket(protocol.TypeLogin, string(protocol.StatusOnline)))
		return
	}

	username, password, _ := strings.Cut(p.Payload, " ")
	status := h.srv.accounts.CheckCredentials(username, password, h.srv.now())
	h.srv.metrics.RecordLogin(status)
	h.log.WithFields(logrus.Fields{"user": username, "status": status}).Info("login attempt")

	out.add(h, protocol.NewPacket(protocol.TypeLogin, string(status)))
	if status != protocol.StatusSuccess {
		return
	}

	acc, _ := h.srv.accounts.Lookup(username)
	h.account = acc

	for _, queued := range acc.Drain() {
		out.add(h, queued)
	}
	h.srv.sessions.broadcastLocked(out, username, username+" logged in", protocol.TypeServer)
}

func (h *Handler) handleWelcomePort(p protocol.Packet) {
	port, err := strconv.Atoi(strings.TrimSpace(p.Payload))
	if err != nil || port <= 0 || port > 65535 {
		h.log.WithField("payload", p.Payload).Debug("ignoring invalid peer port")
		return
	}
	h.port = port
}

func (h *Handler) handleMessage(out *outbox, p protocol.Packet) {
	self := h.username()
	dest := p.Dest

	if dest == self {
		h.notice(out, "Error: Cannot message yourself")
		return
	}
	target, ok := h.srv.accounts.Lookup(dest)
	if !ok {
		h.notice(out, "Error: Invalid User")
		return
	}

	msg := protocol.Packet{Type: protocol.TypeMessage, Payload: p.Payload, Sender: self, Dest: dest}

	// Queued before the block check: an offline recipient gets the message
	// even if they blocked the sender.
	if !target.Online() {
		target.Enqueue(msg)
		h.srv.metrics.RecordOfflineQueued()
		return
	}
	if target.HasBlocked(self) {
		h.notice(out, "Your message could not be delivered as the recipient has blocked you")
		return
	}

	recipient, ok := h.srv.sessions.lookupHandlerLocked(dest)
	if !ok {
		// Online flag without a live handler only happens mid-teardown.
		target.Enqueue(msg)
		h.srv.metrics.RecordOfflineQueued()
		return
	}
	out.add(recipient, msg)
}

// othersLocked lists accounts other than the requester that satisfy keep, in
// registration order.
func (h *Handler) othersLocked(keep func(*account.Account) bool) []string {
	self := h.username()
	var names []string
	for _, a := range h.srv.accounts.Accounts() {
		if a.Username() != self && keep(a) {
			names = append(names, a.Username())
		}
	}
	return names
}

func (h *Handler) handleWhoElse(out *outbox) {
	names := h.othersLocked((*account.Account).Online)
	if len(names) == 0 {
		h.notice(out, "No other users online")
		return
	}
	h.notice(out, strings.Join(names, "\n"))
}

func (h *Handler) handleWhoElseSince(out *outbox, p protocol.Packet) {
	secs, err := strconv.ParseInt(strings.TrimSpace(p.Payload), 10, 64)
	if err != nil || secs < 0 {
		h.notice(out, "Error: Invalid time")
		return
	}

	now := h.srv.now()
	since := h.srv.startTime
	if uptime := int64(now.Sub(since) / time.Second); secs < uptime {
		since = now.Add(-time.Duration(secs) * time.Second)
	}

	names := h.othersLocked(func(a *account.Account) bool { return a.WasOnline(since) })
	if len(names) == 0 {
		h.notice(out, "No other users online since then")
		return
	}
	h.notice(out, strings.Join(names, "\n"))
}

func (h *Handler) handleBlock(out *outbox, p protocol.Packet) {
	target := p.Payload
	switch {
	case !h.srv.accounts.Exists(target):
		h.notice(out, "Error: Invalid User")
	case target == h.username():
		h.notice(out, "Error: Cannot block/unblock self")
	case !h.account.Block(target):
		h.notice(out, fmt.Sprintf("Error: %s is already blocked", target))
	default:
		h.notice(out, target+" is blocked")
	}
}

func (h *Handler) handleUnblock(out *outbox, p protocol.Packet) {
	target := p.Payload
	switch {
	case !h.srv.accounts.Exists(target):
		h.notice(out, "Error: Invalid User")
	case target == h.username():
		h.notice(out, "Error: Cannot block/unblock self")
	case !h.account.Unblock(target):
		h.notice(out, fmt.Sprintf("Error: %s was not blocked", target))
	default:
		h.notice(out, target+" is unblocked")
	}
}

func (h *Handler) handleStartPrivate(out *outbox, p protocol.Packet) {
	self := h.username()
	target := p.Payload
	reg := h.srv.sessions

	switch {
	case target == self:
		h.notice(out, "Error: Cannot private message self")
		return
	case !h.srv.accounts.Exists(target):
		h.notice(out, "Error: Invalid User")
		return
	case reg.hasBlockedLocked(target, self):
		h.notice(out, fmt.Sprintf("Error: %s has blocked you. Cannot start private messaging", target))
		return
	}

	port, ok := reg.portOfLocked(target)
	if !ok {
		h.notice(out, fmt.Sprintf("Error: %s is not online", target))
		return
	}
	th, _ := reg.lookupHandlerLocked(target)
	host := remoteHost(th.conn.RemoteAddr())

	out.add(h, protocol.Packet{
		Type:    protocol.TypeStartPrivate,
		Payload: strings.TrimSpace(fmt.Sprintf("%s %s %d %s", self, target, port, host)),
		Sender:  self,
		Dest:    target,
	})
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

// logoutLocked acknowledges with ack, marks the account offline and tells
// everyone else.
func (h *Handler) logoutLocked(out *outbox, ack protocol.PacketType) {
	username := h.username()
	h.account.GoOffline(h.srv.now())
	h.account = nil
	h.log.WithField("user", username).Info(strings.ToLower(ack.String()))
	h.srv.metrics.RecordLogout(strings.ToLower(ack.String()))

	out.add(h, protocol.NewPacket(ack, ""))
	h.srv.sessions.broadcastLocked(out, username, username+" logged out", protocol.TypeServer)
}

// idleTimeout logs the session out after its read deadline expired.
func (h *Handler) idleTimeout() {
	var out outbox

	h.srv.sessions.mu.Lock()
	if h.account != nil {
		username := h.username()
		h.account.GoOffline(h.srv.now())
		h.account = nil
		out.add(h, protocol.NewPacket(protocol.TypeTimeout, ""))
		h.srv.sessions.broadcastLocked(&out, username, username+" logged out", protocol.TypeServer)
		h.log.WithField("user", username).Info("idle timeout")
		h.srv.metrics.RecordLogout("timeout")
	}
	out.flush()
	h.srv.metrics.RecordOnlineUsers(h.srv.sessions.onlineCountLocked())
	h.srv.sessions.mu.Unlock()
}

// disconnect handles an abrupt connection loss. Nobody is told: the account
// just goes offline.
func (h *Handler) disconnect(reason string, err error) {
	h.srv.sessions.mu.Lock()
	if h.account != nil {
		h.account.GoOffline(h.srv.now())
		h.account = nil
	}
	h.srv.metrics.RecordOnlineUsers(h.srv.sessions.onlineCountLocked())
	h.srv.sessions.mu.Unlock()

	h.srv.metrics.RecordSessionDisconnected(reason)
	if errors.Is(err, io.EOF) {
		h.log.Debug("client disconnected")
	} else {
		h.log.WithError(err).Debug("connection error")
	}
}
