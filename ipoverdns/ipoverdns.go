// Package ipoverdns implements the transport engine of an IP-over-DNS tunnel.
// Frames carry a small raw header followed by a fragment of a tunneled IP
// packet, and ride either directly over UDP or inside DNS NULL record queries
// and responses.
package ipoverdns

import "errors"

var (
	ErrPacketTooLarge    = errors.New("packet exceeds the maximum length")
	ErrPacketInFlight    = errors.New("the previous packet has not been fully sent")
	ErrNothingToSend     = errors.New("there is no packet to send")
	ErrFragmentTooSmall  = errors.New("transport frame is too small to carry a fragment")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrUserIndexRange    = errors.New("user index is out of range")
	ErrNoSession         = errors.New("session does not exist")
	ErrNoPendingQuery    = errors.New("there is no pending query")
	ErrDownstreamFull    = errors.New("downstream queue is full")
	ErrTransport         = errors.New("transport failure")
	ErrLoginFailed       = errors.New("login verification failed")
)
