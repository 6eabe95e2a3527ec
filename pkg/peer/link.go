package peer

import (
	"io"
	"sync"

	"github.com/aeolun/peerchat/pkg/protocol"
	"github.com/pkg/errors"
)

// Link is one direct connection to another client.
type Link struct {
	remote string
	conn   *protocol.Conn

	mu       sync.Mutex
	alive    bool
	stopping bool // we sent the stop sentinel and wait for its echo
}

func newLink(remote string, conn *protocol.Conn) *Link {
	return &Link{remote: remote, conn: conn, alive: true}
}

// Remote returns the username at the other end.
func (l *Link) Remote() string { return l.remote }

// Alive reports whether the link can still carry messages.
func (l *Link) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive && !l.stopping
}

func (l *Link) send(text string) error {
	return l.conn.WritePacket(protocol.NewPacket(protocol.TypePeerText, text))
}

// stop starts the teardown handshake. The link closes when the echo arrives.
func (l *Link) stop() error {
	l.mu.Lock()
	if !l.alive || l.stopping {
		l.mu.Unlock()
		return nil
	}
	l.stopping = true
	l.mu.Unlock()

	if err := l.send(protocol.StopPrivate); err != nil {
		l.close()
		return errors.Wrapf(err, "stop link to %s", l.remote)
	}
	return nil
}

func (l *Link) close() {
	l.mu.Lock()
	l.alive = false
	l.mu.Unlock()
	l.conn.Close()
}

// run reads frames until the handshake completes or the connection fails.
func (l *Link) run(h *Hub) {
	defer h.remove(l)
	defer l.close()

	for {
		p, err := l.conn.ReadPacket()
		if err != nil {
			l.mu.Lock()
			stopping := l.stopping
			l.mu.Unlock()
			if !stopping && !errors.Is(err, io.EOF) {
				logger.WithError(err).WithField("peer", l.remote).Debug("private link read failed")
			}
			if !stopping {
				h.out.Notice("Private messaging with " + l.remote + " ended")
			}
			return
		}
		if p.Type != protocol.TypePeerText {
			continue
		}

		if p.Payload == protocol.StopPrivate {
			l.mu.Lock()
			initiated := l.stopping
			l.stopping = true
			l.mu.Unlock()
			if !initiated {
				// Echo once so the other side can close too.
				if err := l.send(protocol.StopPrivate); err != nil {
					logger.WithError(err).WithField("peer", l.remote).Debug("stop echo failed")
				}
			}
			h.out.Notice("Stopped private messaging with " + l.remote)
			return
		}

		h.out.Private(l.remote, p.Payload)
	}
}
