package ipoverdns

import (
	"fmt"
	"net"
	"net/netip"
)

// DefaultRawFrameLen is the largest frame sent over raw UDP, it keeps the
// datagram under a typical path MTU.
const DefaultRawFrameLen = 1400

// PacketWriter sends a datagram to an address, it is satisfied by net.PacketConn.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (n int, err error)
}

// Inbound is a frame decoded from the transport, along with the information
// needed to reply to it.
type Inbound struct {
	Frame []byte
	// From is the address of the client or resolver that sent the frame.
	From netip.AddrPort
	// Destination is the local address the frame was sent to.
	Destination netip.Addr
	// Key identifies the DNS query that carried the frame, it is empty for
	// transports without queries.
	Key QueryKey
}

// Transport carries frames between the engine and tunnel clients.
type Transport interface {
	// Mode returns the connection mode of sessions using the transport.
	Mode() ConnectionMode
	// MaxFrameLen returns the largest frame, header included, sent to the session's client.
	MaxFrameLen(sess *Session) int
	// Send delivers a frame to the session's client without waiting for an acknowledgement.
	Send(sess *Session, frame []byte) error
	// Receive decodes a frame from the raw transport bytes. It returns false if
	// the input should not be processed.
	Receive(raw []byte, from netip.AddrPort, dst netip.Addr) (Inbound, bool)
	// Reply is called once the engine has processed an inbound frame, with an
	// optional frame to send back to its sender. A nil frame lets the transport
	// decide whether and how to answer, an empty frame asks for an immediate
	// answer without data where the transport must answer at all.
	Reply(in Inbound, frame []byte) error
	// Close releases the transport resources held for a session.
	Close(sess *Session)
}

// RawUDPTransport carries each frame directly in a UDP datagram.
type RawUDPTransport struct {
	Conn     PacketWriter
	FrameLen int
}

func (tr *RawUDPTransport) Mode() ConnectionMode {
	return ModeRawUDP
}

func (tr *RawUDPTransport) MaxFrameLen(*Session) int {
	if tr.FrameLen <= 0 {
		return DefaultRawFrameLen
	}
	return tr.FrameLen
}

func (tr *RawUDPTransport) Send(sess *Session, frame []byte) error {
	return tr.writeTo(frame, sess.Remote)
}

func (tr *RawUDPTransport) Receive(raw []byte, from netip.AddrPort, dst netip.Addr) (Inbound, bool) {
	return Inbound{Frame: raw, From: from, Destination: dst}, len(raw) > 0
}

func (tr *RawUDPTransport) Reply(in Inbound, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	return tr.writeTo(frame, in.From)
}

func (tr *RawUDPTransport) Close(*Session) {
}

func (tr *RawUDPTransport) writeTo(frame []byte, to netip.AddrPort) error {
	if !to.IsValid() {
		return fmt.Errorf("RawUDPTransport: invalid destination address %v", to)
	}
	_, err := tr.Conn.WriteTo(frame, net.UDPAddrFromAddrPort(to))
	return err
}
