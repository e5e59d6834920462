package ipoverdns

import "fmt"

const (
	// HeaderLen is the length of the raw header that begins every frame.
	HeaderLen = 4
	// IdentifierLen is the length of the opaque identifier inside the header.
	IdentifierLen = 3
	// MaxUsers is the number of distinct user indices the header can address.
	MaxUsers = 16
)

// Command is carried in the high nibble of the header's last byte.
type Command uint8

const (
	CommandLogin = Command(0x10)
	CommandData  = Command(0x20)
	CommandPing  = Command(0x30)
	// CommandUnrecognised is the decoding result of an unknown command nibble,
	// it is never encoded.
	CommandUnrecognised = Command(0xff)
)

// Valid returns true only for the commands that can be encoded.
func (cmd Command) Valid() bool {
	return cmd == CommandLogin || cmd == CommandData || cmd == CommandPing
}

func (cmd Command) String() string {
	switch cmd {
	case CommandLogin:
		return "LOGIN"
	case CommandData:
		return "DATA"
	case CommandPing:
		return "PING"
	default:
		return "UNRECOGNISED"
	}
}

// UserIndex identifies a session, it is carried in the low nibble of the
// header's last byte.
type UserIndex uint8

// Valid returns true only if the index fits into the header.
func (user UserIndex) Valid() bool {
	return user < MaxUsers
}

// Identifier is the opaque tag carried by every frame.
type Identifier [IdentifierLen]byte

// DefaultIdentifier is used when the configuration does not specify one.
var DefaultIdentifier = Identifier{0x10, 0xd1, 0x9e}

// Header is the decoded form of a frame's raw header.
type Header struct {
	ID      Identifier
	Command Command
	User    UserIndex
}

func (hdr Header) String() string {
	return fmt.Sprintf("[ID=%x Cmd=%v User=%d]", hdr.ID[:], hdr.Command, hdr.User)
}

// EncodeHeader returns the raw header for the identifier, command, and user.
func EncodeHeader(id Identifier, cmd Command, user UserIndex) (ret [HeaderLen]byte, err error) {
	if !cmd.Valid() {
		return ret, fmt.Errorf("EncodeHeader: %w - %#x", ErrUnknownCommand, uint8(cmd))
	}
	if !user.Valid() {
		return ret, fmt.Errorf("EncodeHeader: %w - %d", ErrUserIndexRange, user)
	}
	copy(ret[:IdentifierLen], id[:])
	ret[IdentifierLen] = uint8(cmd) | uint8(user)
	return ret, nil
}

// DecodeHeader decodes the raw header at the beginning of the buffer. A buffer
// too short to hold a header, or an unknown command nibble, results in
// CommandUnrecognised.
func DecodeHeader(buf []byte) (hdr Header) {
	if len(buf) < HeaderLen {
		hdr.Command = CommandUnrecognised
		return
	}
	copy(hdr.ID[:], buf[:IdentifierLen])
	hdr.Command = Command(buf[IdentifierLen] & 0xf0)
	hdr.User = UserIndex(buf[IdentifierLen] & 0x0f)
	if !hdr.Command.Valid() {
		hdr.Command = CommandUnrecognised
	}
	return
}
