package protocol

import (
	"net"
	"sync"
	"time"
)

// MalformedPacketError reports a frame that arrived intact but whose packet
// could not be decoded. The stream is still in sync after one of these.
type MalformedPacketError struct {
	Err error
}

func (e *MalformedPacketError) Error() string {
	return "malformed packet: " + e.Err.Error()
}

func (e *MalformedPacketError) Unwrap() error {
	return e.Err
}

// Conn wraps a net.Conn with write synchronization so that frames written by
// different goroutines (a handler replying, another handler broadcasting)
// never interleave on the wire.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn

	// Bytes consumed by reads. Only the reading goroutine touches it.
	bytesRead uint64
}

// NewConn wraps a net.Conn with write synchronization
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	c.bytesRead += uint64(n)
	return n, err
}

// WriteFrame encodes and sends a frame.
func (c *Conn) WriteFrame(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return EncodeFrame(c.conn, f)
}

// WritePacket encodes and sends a packet.
func (c *Conn) WritePacket(p Packet) error {
	f, err := p.Frame()
	if err != nil {
		return err
	}
	return c.WriteFrame(f)
}

// ReadFrame reads the next frame. Reads don't need write synchronization.
func (c *Conn) ReadFrame() (*Frame, error) {
	return DecodeFrame(c)
}

// ReadPacket reads the next frame and decodes its packet. A decode failure is
// returned as *MalformedPacketError.
func (c *Conn) ReadPacket() (Packet, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return Packet{}, err
	}
	p, err := DecodePacket(f)
	if err != nil {
		return Packet{}, &MalformedPacketError{Err: err}
	}
	return p, nil
}

// BytesRead returns the number of bytes consumed from the connection so far.
func (c *Conn) BytesRead() uint64 {
	return c.bytesRead
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
