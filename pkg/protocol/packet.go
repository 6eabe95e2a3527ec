package protocol

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// PacketType selects how the other Packet fields are interpreted.
type PacketType uint8

// Packet types exchanged between client and server.
const (
	TypeLogin        PacketType = 0x01 // "user pass" outbound, LoginStatus inbound
	TypeWelcomePort  PacketType = 0x02 // peer listening port as text
	TypeMessage      PacketType = 0x03 // body, with Sender/Dest set
	TypeBroadcast    PacketType = 0x04 // body
	TypeWhoElse      PacketType = 0x05
	TypeWhoElseSince PacketType = 0x06 // seconds as text
	TypeBlock        PacketType = 0x07 // target username
	TypeUnblock      PacketType = 0x08 // target username
	TypeStartPrivate PacketType = 0x09 // target outbound, "source dest port host" inbound
	TypeLogout       PacketType = 0x0A
	TypeExit         PacketType = 0x0B
	TypeTimeout      PacketType = 0x0C
	TypeServer       PacketType = 0x0D // free-text notice
	TypeError        PacketType = 0x0E
)

// Peer link frame types. They travel on client-to-client connections only.
const (
	TypePeerHello PacketType = 0x40 // identifying frame carrying the dialer's username
	TypePeerText  PacketType = 0x41 // one private message, or the stop sentinel
)

// StopPrivate is the reserved peer link teardown sentinel.
const StopPrivate = "stopprivate"

var packetTypeNames = map[PacketType]string{
	TypeLogin:        "LOGIN",
	TypeWelcomePort:  "WELCOMEPORT",
	TypeMessage:      "MESSAGE",
	TypeBroadcast:    "BROADCAST",
	TypeWhoElse:      "WHOELSE",
	TypeWhoElseSince: "WHOELSESINCE",
	TypeBlock:        "BLOCK",
	TypeUnblock:      "UNBLOCK",
	TypeStartPrivate: "STARTPRIVATE",
	TypeLogout:       "LOGOUT",
	TypeExit:         "EXIT",
	TypeTimeout:      "TIMEOUT",
	TypeServer:       "SERVER",
	TypeError:        "ERROR",
	TypePeerHello:    "PEERHELLO",
	TypePeerText:     "PEERTEXT",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
}

// LoginStatus is the payload of a LOGIN reply.
type LoginStatus string

const (
	StatusSuccess  LoginStatus = "SUCCESS"  // password matched
	StatusBlock    LoginStatus = "BLOCK"    // third consecutive failure, account now locked
	StatusBlocked  LoginStatus = "BLOCKED"  // account is locked out
	StatusUsername LoginStatus = "USERNAME" // no such account
	StatusPassword LoginStatus = "PASSWORD" // wrong password
	StatusOnline   LoginStatus = "ONLINE"   // already logged in elsewhere
)

// Packet is the envelope carried by every client/server frame.
// An empty string stands for an absent field.
type Packet struct {
	Type    PacketType
	Payload string
	Sender  string
	Dest    string
}

// NewPacket builds a packet with only a payload set.
func NewPacket(t PacketType, payload string) Packet {
	return Packet{Type: t, Payload: payload}
}

// Encode serialises the packet fields into a frame payload.
func (p Packet) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, s := range []string{p.Payload, p.Sender, p.Dest} {
		if err := WriteString(buf, s); err != nil {
			return nil, errors.Wrapf(err, "encode %s packet", p.Type)
		}
	}
	return buf.Bytes(), nil
}

// Frame wraps the encoded packet in a frame of the current version.
func (p Packet) Frame() (*Frame, error) {
	payload, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    uint8(p.Type),
		Payload: payload,
	}, nil
}

// DecodePacket reads the packet carried by a frame.
func DecodePacket(f *Frame) (Packet, error) {
	if f.Version != ProtocolVersion {
		return Packet{}, errors.Wrapf(ErrInvalidVersion, "version %d", f.Version)
	}

	p := Packet{Type: PacketType(f.Type)}
	r := bytes.NewReader(f.Payload)
	fields := []*string{&p.Payload, &p.Sender, &p.Dest}
	for _, field := range fields {
		s, err := ReadString(r)
		if err != nil {
			return Packet{}, errors.Wrapf(err, "decode %s packet", p.Type)
		}
		*field = s
	}
	return p, nil
}
