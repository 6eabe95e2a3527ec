// Package peer runs direct client-to-client links used for private messages.
//
// Every client listens on an ephemeral port. After the server brokers a
// private session, the requester dials the target's port and introduces
// itself with one hello frame; both sides then exchange text frames until one
// of them sends the stop sentinel and the other echoes it.
package peer

import (
	"net"
	"sync"

	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ErrNoLink is returned when no live private link exists for a user.
var ErrNoLink = errors.New("no private link")

// Output receives what arrives on private links.
type Output interface {
	Private(from, text string)
	Notice(text string)
}

// Hub owns the peer listener and every live link.
type Hub struct {
	listener net.Listener
	out      Output

	mu     sync.Mutex
	links  []*Link
	closed bool
	wg     sync.WaitGroup
}

// Listen binds an ephemeral port on all interfaces and starts accepting.
func Listen(out Output) (*Hub, error) {
	return ListenOn(":0", out)
}

// ListenOn binds addr and starts accepting.
func ListenOn(addr string, out Output) (*Hub, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "peer listen")
	}
	h := &Hub{listener: l, out: out}
	h.wg.Add(1)
	go h.acceptLoop()
	return h, nil
}

// Port returns the listening port to announce to the server.
func (h *Hub) Port() int {
	return h.listener.Addr().(*net.TCPAddr).Port
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithError(err).Warn("peer accept error")
			continue
		}
		go h.handshake(conn)
	}
}

// handshake reads the dialer's hello frame and starts the inbound link.
func (h *Hub) handshake(nc net.Conn) {
	conn := protocol.NewConn(nc)
	p, err := conn.ReadPacket()
	if err != nil || p.Type != protocol.TypePeerHello || p.Payload == "" {
		logger.WithError(err).WithField("remote", nc.RemoteAddr().String()).Debug("bad peer hello")
		conn.Close()
		return
	}

	l := newLink(p.Payload, conn)
	if !h.add(l) {
		conn.Close()
		return
	}
	h.out.Notice("Start private messaging with " + l.remote)
	l.run(h)
}

// MakeConnection dials dest at addr ("host:port") on behalf of source. It
// reports whether a link to dest is live afterwards.
func (h *Hub) MakeConnection(source, dest, addr string) bool {
	if h.IsConnectedTo(dest) {
		return true
	}

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{"peer": dest, "addr": addr}).Debug("peer dial failed")
		return false
	}
	conn := protocol.NewConn(nc)
	if err := conn.WritePacket(protocol.NewPacket(protocol.TypePeerHello, source)); err != nil {
		logger.WithError(err).WithField("peer", dest).Debug("peer hello failed")
		conn.Close()
		return false
	}

	l := newLink(dest, conn)
	if !h.add(l) {
		conn.Close()
		return false
	}
	go l.run(h)
	return true
}

// SendMessage sends text over the live link to dest.
func (h *Hub) SendMessage(dest, text string) error {
	l, ok := h.lookup(dest)
	if !ok {
		return errors.Wrap(ErrNoLink, dest)
	}
	if err := l.send(text); err != nil {
		l.close()
		return errors.Wrapf(err, "send to %s", dest)
	}
	return nil
}

// Stop starts the teardown handshake with dest.
func (h *Hub) Stop(dest string) error {
	l, ok := h.lookup(dest)
	if !ok {
		return errors.Wrap(ErrNoLink, dest)
	}
	return l.stop()
}

// CloseConnections starts the teardown handshake on every live link.
func (h *Hub) CloseConnections() {
	for _, l := range h.snapshot() {
		if err := l.stop(); err != nil {
			logger.WithError(err).Debug("close private link")
		}
	}
}

// IsConnectedTo reports whether a live link to user exists.
func (h *Hub) IsConnectedTo(user string) bool {
	_, ok := h.lookup(user)
	return ok
}

// Connected lists the users with a live link.
func (h *Hub) Connected() []string {
	var names []string
	for _, l := range h.snapshot() {
		if l.Alive() {
			names = append(names, l.remote)
		}
	}
	return names
}

// Close stops the listener and drops every link without a handshake.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	links := h.links
	h.links = nil
	h.mu.Unlock()

	err := h.listener.Close()
	for _, l := range links {
		l.close()
	}
	h.wg.Wait()
	return err
}

func (h *Hub) add(l *Link) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.links = append(h.links, l)
	return true
}

// remove prunes a finished link.
func (h *Hub) remove(l *Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.links {
		if other == l {
			h.links = append(h.links[:i], h.links[i+1:]...)
			return
		}
	}
}

func (h *Hub) lookup(user string) (*Link, bool) {
	for _, l := range h.snapshot() {
		if l.remote == user && l.Alive() {
			return l, true
		}
	}
	return nil, false
}

func (h *Hub) snapshot() []*Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Link, len(h.links))
	copy(out, h.links)
	return out
}
