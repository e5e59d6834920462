package ipoverdns

import (
	"encoding/binary"
	"fmt"

	"github.com/HouzuoGuo/ipoverdns/lalog"
)

const (
	// MaxPacketLen is the largest tunneled packet accepted for sending or reassembly.
	MaxPacketLen = 64 * 1024
	// FragmentHeaderLen is the length of the fragment header that follows the
	// raw header of a DATA frame.
	FragmentHeaderLen = 1 + 1 + 4 + 4
)

// MaxFragmentLen returns the largest fragment payload that fits into a frame of
// the length.
func MaxFragmentLen(frameLen int) int {
	return frameLen - HeaderLen - FragmentHeaderLen
}

// FragmentHeader describes the position of a fragment in its packet.
type FragmentHeader struct {
	SeqNum   byte
	Fragment byte
	Offset   uint32
	TotalLen uint32
}

// Encode appends the binary representation of the header to the buffer.
func (fh FragmentHeader) Encode(buf []byte) []byte {
	var hdr [FragmentHeaderLen]byte
	hdr[0] = fh.SeqNum
	hdr[1] = fh.Fragment
	binary.BigEndian.PutUint32(hdr[2:6], fh.Offset)
	binary.BigEndian.PutUint32(hdr[6:10], fh.TotalLen)
	return append(buf, hdr[:]...)
}

func (fh FragmentHeader) String() string {
	return fmt.Sprintf("[Seq=%d Frag=%d Offset=%d Total=%d]", fh.SeqNum, fh.Fragment, fh.Offset, fh.TotalLen)
}

// DecodeFragment decodes the fragment header at the beginning of a DATA frame's
// body, and returns the fragment payload that follows it.
func DecodeFragment(body []byte) (fh FragmentHeader, data []byte, err error) {
	if len(body) < FragmentHeaderLen {
		return fh, nil, fmt.Errorf("DecodeFragment: %w - fragment is only %d bytes long", ErrProtocolViolation, len(body))
	}
	fh.SeqNum = body[0]
	fh.Fragment = body[1]
	fh.Offset = binary.BigEndian.Uint32(body[2:6])
	fh.TotalLen = binary.BigEndian.Uint32(body[6:10])
	data = body[FragmentHeaderLen:]
	if fh.TotalLen > MaxPacketLen {
		return fh, nil, fmt.Errorf("DecodeFragment: %w - declared total length %d exceeds %d", ErrProtocolViolation, fh.TotalLen, MaxPacketLen)
	}
	if uint64(fh.Offset)+uint64(len(data)) > uint64(fh.TotalLen) {
		return fh, nil, fmt.Errorf("DecodeFragment: %w - fragment %v with %d bytes ends past the total length", ErrProtocolViolation, fh, len(data))
	}
	if len(data) == 0 && fh.TotalLen > 0 {
		return fh, nil, fmt.Errorf("DecodeFragment: %w - empty fragment %v of a non-empty packet", ErrProtocolViolation, fh)
	}
	return fh, data, nil
}

// Packet is the staging area of one tunneled packet being sent or reassembled.
// Offset <= Progress <= TotalLen <= MaxPacketLen holds at all times.
type Packet struct {
	// TotalLen is the declared length of the entire packet.
	TotalLen int
	// Progress is the number of bytes sent or received so far.
	Progress int
	// Offset is the position of the next fragment to send, or the length of
	// the contiguous prefix received so far.
	Offset int
	// SeqNum identifies the packet among its predecessors and successors.
	SeqNum byte
	// Fragment is the index of the next fragment to send, or of the latest
	// fragment received.
	Fragment byte

	data   []byte
	loaded bool
	// pieces maps the offset of each received fragment to its length.
	pieces map[int]int
}

// Load places a payload into the packet for sending.
func (pkt *Packet) Load(payload []byte) error {
	if len(payload) > MaxPacketLen {
		return fmt.Errorf("Packet.Load: %w - %d bytes", ErrPacketTooLarge, len(payload))
	}
	if pkt.loaded {
		return fmt.Errorf("Packet.Load: %w - seq %d is at %d/%d", ErrPacketInFlight, pkt.SeqNum, pkt.Offset, pkt.TotalLen)
	}
	pkt.data = make([]byte, len(payload))
	copy(pkt.data, payload)
	pkt.TotalLen = len(payload)
	pkt.Progress = 0
	pkt.Offset = 0
	pkt.Fragment = 0
	pkt.loaded = true
	return nil
}

// Loaded returns true if the packet holds a payload that is being sent or
// received.
func (pkt *Packet) Loaded() bool {
	return pkt.loaded
}

// Complete returns true only if all bytes of a loaded packet have been sent or
// received.
func (pkt *Packet) Complete() bool {
	return pkt.loaded && pkt.Progress == pkt.TotalLen
}

// Reset discards the payload and progress, the sequence number is kept.
func (pkt *Packet) Reset() {
	pkt.TotalLen = 0
	pkt.Progress = 0
	pkt.Offset = 0
	pkt.Fragment = 0
	pkt.data = nil
	pkt.loaded = false
	pkt.pieces = nil
}

func (pkt *Packet) String() string {
	return fmt.Sprintf("[Seq=%d Frag=%d Offset=%d Progress=%d Total=%d Loaded=%v]", pkt.SeqNum, pkt.Fragment, pkt.Offset, pkt.Progress, pkt.TotalLen, pkt.loaded)
}

// NextFragment cuts the next fragment from the loaded packet and returns the
// complete DATA frame carrying it. When the last fragment has been cut, done
// becomes true, the sequence number advances, and the packet is reset.
// An empty payload is sent as a single empty fragment.
func (pkt *Packet) NextFragment(id Identifier, user UserIndex, maxFragmentLen int) (frame []byte, done bool, err error) {
	if maxFragmentLen <= 0 {
		return nil, false, fmt.Errorf("Packet.NextFragment: %w - %d", ErrFragmentTooSmall, maxFragmentLen)
	}
	if !pkt.loaded {
		return nil, false, ErrNothingToSend
	}
	hdr, err := EncodeHeader(id, CommandData, user)
	if err != nil {
		return nil, false, err
	}
	length := pkt.TotalLen - pkt.Offset
	if length > maxFragmentLen {
		length = maxFragmentLen
	}
	frame = make([]byte, 0, HeaderLen+FragmentHeaderLen+length)
	frame = append(frame, hdr[:]...)
	frame = FragmentHeader{
		SeqNum:   pkt.SeqNum,
		Fragment: pkt.Fragment,
		Offset:   uint32(pkt.Offset),
		TotalLen: uint32(pkt.TotalLen),
	}.Encode(frame)
	frame = append(frame, pkt.data[pkt.Offset:pkt.Offset+length]...)
	pkt.Offset += length
	pkt.Progress = pkt.Offset
	pkt.Fragment++
	if pkt.Offset == pkt.TotalLen {
		pkt.SeqNum++
		pkt.Reset()
		done = true
	}
	return
}

// AcceptResult is the outcome of accepting a fragment for reassembly.
type AcceptResult int

const (
	// ResultPartial means the fragment was placed and the packet is not yet complete.
	ResultPartial = AcceptResult(iota)
	// ResultComplete means the fragment completed its packet.
	ResultComplete
	// ResultStale means the fragment belongs to a packet that is not newer
	// than the last accepted one, and was discarded.
	ResultStale
	// ResultDuplicate means the fragment had already been placed.
	ResultDuplicate
)

func (result AcceptResult) String() string {
	switch result {
	case ResultPartial:
		return "partial"
	case ResultComplete:
		return "complete"
	case ResultStale:
		return "stale"
	case ResultDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Reassembler puts inbound fragments back together into packets.
type Reassembler struct {
	Packet Packet
	Window RecencyWindow
	// Abandoned counts the incomplete packets given up on for a newer one.
	Abandoned int
}

// Accept places the fragment carried by a DATA frame body (the frame without
// its raw header). Once the packet is complete, its bytes are returned and the
// reassembler gets ready for the next packet. Fragments that are malformed or
// inconsistent with the packet in progress result in an error wrapping
// ErrProtocolViolation. A rejected fragment never changes the state.
func (re *Reassembler) Accept(body []byte) (AcceptResult, []byte, error) {
	fh, data, err := DecodeFragment(body)
	if err != nil {
		return ResultPartial, nil, err
	}
	pkt := &re.Packet
	offset := int(fh.Offset)
	continuing := pkt.loaded && !pkt.Complete() && fh.SeqNum == pkt.SeqNum
	if continuing {
		if int(fh.TotalLen) != pkt.TotalLen {
			return ResultPartial, nil, fmt.Errorf("Reassembler.Accept: %w - fragment %v disagrees with total length %d", ErrProtocolViolation, fh, pkt.TotalLen)
		}
		if placedLen, placed := pkt.pieces[offset]; placed && placedLen == len(data) {
			return ResultDuplicate, nil, nil
		}
		for placedOffset, placedLen := range pkt.pieces {
			if offset < placedOffset+placedLen && placedOffset < offset+len(data) {
				return ResultPartial, nil, fmt.Errorf("Reassembler.Accept: %w - fragment %v overlaps with %d bytes at offset %d", ErrProtocolViolation, fh, placedLen, placedOffset)
			}
		}
	} else {
		if re.Window.Check(fh.SeqNum) == VerdictStale {
			return ResultStale, nil, nil
		}
		if pkt.loaded && !pkt.Complete() {
			re.Abandoned++
		}
		re.Window.Commit(fh.SeqNum)
		pkt.Reset()
		pkt.SeqNum = fh.SeqNum
		pkt.TotalLen = int(fh.TotalLen)
		pkt.data = make([]byte, pkt.TotalLen)
		pkt.pieces = make(map[int]int)
		pkt.loaded = true
	}
	copy(pkt.data[offset:], data)
	pkt.pieces[offset] = len(data)
	pkt.Progress += len(data)
	pkt.Fragment = fh.Fragment
	for {
		pieceLen, exists := pkt.pieces[pkt.Offset]
		if !exists || pieceLen == 0 {
			break
		}
		pkt.Offset += pieceLen
	}
	if pkt.Complete() {
		ret := pkt.data
		pkt.Reset()
		return ResultComplete, ret, nil
	}
	return ResultPartial, nil, nil
}

// fragmentLogString describes a DATA frame body for debug logging.
func fragmentLogString(body []byte) string {
	fh, data, err := DecodeFragment(body)
	if err != nil {
		return lalog.ByteArrayLogString(body)
	}
	return fmt.Sprintf("%v %s", fh, lalog.ByteArrayLogString(data))
}
