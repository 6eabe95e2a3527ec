package server

import (
	"sync"

	"github.com/aeolun/peerchat/pkg/account"
	"github.com/aeolun/peerchat/pkg/protocol"
)

// Notice sent to a MESSAGE broadcaster when at least one recipient blocked them.
const partialDeliveryNotice = "Your message could not be delivered to some recipients"

// SessionRegistry tracks live handlers and guards all account state.
//
// mu is held for the whole handling of one inbound packet. Methods with the
// Locked suffix expect the caller to hold it. Writes to connections never
// happen under mu: replies are collected on an outbox and handed to each
// recipient's send queue before unlock.
type SessionRegistry struct {
	mu       sync.Mutex
	accounts *account.Registry
	handlers []*Handler
	metrics  *Metrics
}

// NewSessionRegistry creates an empty registry over accounts.
func NewSessionRegistry(accounts *account.Registry, metrics *Metrics) *SessionRegistry {
	return &SessionRegistry{
		accounts: accounts,
		metrics:  metrics,
	}
}

// delivery is one packet bound for one handler.
type delivery struct {
	to  *Handler
	pkt protocol.Packet
}

// outbox collects the writes produced while mu is held.
type outbox []delivery

func (o *outbox) add(to *Handler, pkt protocol.Packet) {
	*o = append(*o, delivery{to: to, pkt: pkt})
}

// flush queues everything on the recipients' send queues, in order. The
// caller holds mu.
func (o outbox) flush() {
	for _, d := range o {
		d.to.send(d.pkt)
	}
}

func (r *SessionRegistry) add(h *Handler) {
	r.mu.Lock()
	h.live = true
	r.handlers = append(r.handlers, h)
	n := len(r.handlers)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(n)
}

// removeLocked clears the liveness flag and drops h from the list.
func (r *SessionRegistry) removeLocked(h *Handler) {
	h.live = false
	for i, other := range r.handlers {
		if other == h {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			break
		}
	}
	r.metrics.RecordActiveSessions(len(r.handlers))
}

// Len returns the number of registered handlers.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// OnlineCount returns the number of accounts currently logged in.
func (r *SessionRegistry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineCountLocked()
}

func (r *SessionRegistry) onlineCountLocked() int {
	n := 0
	for _, a := range r.accounts.Accounts() {
		if a.Online() {
			n++
		}
	}
	return n
}

// snapshot returns the registered handlers.
func (r *SessionRegistry) snapshot() []*Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// lookupHandlerLocked returns the live handler authenticated as username.
func (r *SessionRegistry) lookupHandlerLocked(username string) (*Handler, bool) {
	for _, h := range r.handlers {
		if h.live && h.account != nil && h.account.Username() == username {
			return h, true
		}
	}
	return nil, false
}

// portOfLocked returns the peer port username's client announced.
func (r *SessionRegistry) portOfLocked(username string) (int, bool) {
	h, ok := r.lookupHandlerLocked(username)
	if !ok || h.port == 0 {
		return 0, false
	}
	return h.port, true
}

// hasBlockedLocked reports whether target refuses traffic from source. Both
// accounts must exist.
func (r *SessionRegistry) hasBlockedLocked(target, source string) bool {
	t, ok := r.accounts.Lookup(target)
	if !ok || !r.accounts.Exists(source) {
		return false
	}
	return t.HasBlocked(source)
}

// broadcastLocked queues message as a kind packet from sender to every other
// live, authenticated handler that has not blocked sender. A MESSAGE broadcast
// with at least one blocked recipient earns the sender one partial-delivery
// notice. It returns the number of recipients reached.
func (r *SessionRegistry) broadcastLocked(out *outbox, sender, message string, kind protocol.PacketType) int {
	pkt := protocol.Packet{Type: kind, Payload: message, Sender: sender}

	var from *Handler
	delivered, blocked := 0, 0
	for _, h := range r.handlers {
		if !h.live || h.account == nil {
			continue
		}
		name := h.account.Username()
		if name == sender {
			from = h
			continue
		}
		if h.account.HasBlocked(sender) {
			blocked++
			continue
		}
		out.add(h, pkt)
		delivered++
	}

	if blocked > 0 && kind == protocol.TypeMessage && from != nil {
		out.add(from, protocol.NewPacket(protocol.TypeServer, partialDeliveryNotice))
	}
	r.metrics.RecordBroadcastFanout(delivered, blocked)
	return delivered
}

// closeAll closes every registered connection. Handler loops notice and clean
// up after themselves.
func (r *SessionRegistry) closeAll() {
	for _, h := range r.snapshot() {
		h.conn.Close()
	}
}
