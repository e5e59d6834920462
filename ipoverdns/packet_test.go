package ipoverdns

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

// fragmentAll cuts the payload into DATA frames and returns the frame bodies
// following the raw header.
func fragmentAll(t *testing.T, pkt *Packet, payload []byte, maxFragmentLen int) (bodies [][]byte) {
	t.Helper()
	if err := pkt.Load(payload); err != nil {
		t.Fatal(err)
	}
	for {
		frame, done, err := pkt.NextFragment(DefaultIdentifier, 3, maxFragmentLen)
		if err != nil {
			t.Fatal(err)
		}
		if hdr := DecodeHeader(frame); hdr.Command != CommandData || hdr.User != 3 || hdr.ID != DefaultIdentifier {
			t.Fatalf("%+v", hdr)
		}
		if len(frame) > HeaderLen+FragmentHeaderLen+maxFragmentLen {
			t.Fatalf("frame is too long: %d", len(frame))
		}
		bodies = append(bodies, frame[HeaderLen:])
		if done {
			return
		}
	}
}

func TestPacket_RoundTrip(t *testing.T) {
	random := rand.New(rand.NewSource(1))
	for _, totalLen := range []int{0, 1, 2, 99, 100, 101, 1000, 12345, MaxPacketLen} {
		for _, maxFragmentLen := range []int{1, 7, 100, 900, 1400, MaxPacketLen} {
			if totalLen/maxFragmentLen > 2000 {
				continue
			}
			payload := make([]byte, totalLen)
			random.Read(payload)
			var send Packet
			var recv Reassembler
			bodies := fragmentAll(t, &send, payload, maxFragmentLen)
			if send.SeqNum != 1 || send.Loaded() {
				t.Fatalf("%+v", send.String())
			}
			for i, body := range bodies {
				result, got, err := recv.Accept(body)
				if err != nil {
					t.Fatal(err)
				}
				if i < len(bodies)-1 {
					if result != ResultPartial || got != nil {
						t.Fatalf("fragment %d: %v", i, result)
					}
					continue
				}
				if result != ResultComplete || !bytes.Equal(got, payload) {
					t.Fatalf("total %d max fragment %d: %v, got %d bytes", totalLen, maxFragmentLen, result, len(got))
				}
			}
			if recv.Packet.Loaded() || recv.Abandoned != 0 {
				t.Fatalf("%+v", recv)
			}
		}
	}
}

func TestPacket_OutOfOrderAndDuplicates(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 50)
	var send Packet
	var recv Reassembler
	bodies := fragmentAll(t, &send, payload, 64)
	if len(bodies) != 8 {
		t.Fatal(len(bodies))
	}
	// Deliver in reverse with each fragment duplicated.
	for i := len(bodies) - 1; i > 0; i-- {
		for dup := 0; dup < 2; dup++ {
			result, got, err := recv.Accept(bodies[i])
			if err != nil || got != nil {
				t.Fatal(err, got)
			}
			if want := []AcceptResult{ResultPartial, ResultDuplicate}[dup]; result != want {
				t.Fatalf("fragment %d dup %d: got %v, want %v", i, dup, result, want)
			}
		}
	}
	if recv.Packet.Offset != 0 || recv.Packet.Progress != len(payload)-64 {
		t.Fatal(recv.Packet.String())
	}
	result, got, err := recv.Accept(bodies[0])
	if err != nil || result != ResultComplete || !bytes.Equal(got, payload) {
		t.Fatal(err, result)
	}
	// Duplicates arriving after completion are stale.
	for _, body := range bodies {
		if result, got, err := recv.Accept(body); err != nil || result != ResultStale || got != nil {
			t.Fatal(err, result)
		}
	}
}

func TestPacket_AcceptEachPacketOnce(t *testing.T) {
	var send Packet
	send.SeqNum = 200
	var recv Reassembler
	var frames [][][]byte
	// 60 packets take the sequence number from 200 across the wrap to 3.
	for i := 0; i < 60; i++ {
		frames = append(frames, fragmentAll(t, &send, []byte{byte(i), byte(i), byte(i)}, 2))
	}
	if send.SeqNum != 4 {
		t.Fatal(send.SeqNum)
	}
	completed := 0
	for i, bodies := range frames {
		for _, body := range bodies {
			result, got, err := recv.Accept(body)
			if err != nil {
				t.Fatal(err)
			}
			if result == ResultComplete {
				completed++
				if !bytes.Equal(got, []byte{byte(i), byte(i), byte(i)}) {
					t.Fatal(i, got)
				}
			}
			// Replay all earlier packets, none of them may be accepted again.
			for j := 0; j < i; j++ {
				for _, old := range frames[j] {
					result, got, err := recv.Accept(old)
					if err != nil || result == ResultComplete || got != nil {
						t.Fatalf("packet %d replayed during packet %d: %v %v", j, i, result, err)
					}
				}
			}
		}
	}
	if completed != 60 {
		t.Fatal(completed)
	}
}

func TestPacket_LoadTooLarge(t *testing.T) {
	var pkt Packet
	if err := pkt.Load(make([]byte, 70000)); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatal(err)
	}
	if pkt.Loaded() || pkt.TotalLen != 0 || pkt.SeqNum != 0 {
		t.Fatal(pkt.String())
	}
	if _, _, err := pkt.NextFragment(DefaultIdentifier, 0, 100); !errors.Is(err, ErrNothingToSend) {
		t.Fatal(err)
	}
	if err := pkt.Load(make([]byte, MaxPacketLen)); err != nil {
		t.Fatal(err)
	}
	if err := pkt.Load([]byte{1}); !errors.Is(err, ErrPacketInFlight) {
		t.Fatal(err)
	}
	if _, _, err := pkt.NextFragment(DefaultIdentifier, 0, 0); !errors.Is(err, ErrFragmentTooSmall) {
		t.Fatal(err)
	}
	if _, _, err := pkt.NextFragment(DefaultIdentifier, 16, 100); !errors.Is(err, ErrUserIndexRange) {
		t.Fatal(err)
	}
	if pkt.Offset != 0 || pkt.Fragment != 0 {
		t.Fatal(pkt.String())
	}
}

func TestReassembler_Violations(t *testing.T) {
	var send Packet
	var recv Reassembler
	bodies := fragmentAll(t, &send, bytes.Repeat([]byte{7}, 100), 40)
	if result, _, err := recv.Accept(bodies[0]); err != nil || result != ResultPartial {
		t.Fatal(err, result)
	}
	before := recv
	encode := func(fh FragmentHeader, dataLen int) []byte {
		return append(fh.Encode(nil), make([]byte, dataLen)...)
	}
	violations := [][]byte{
		nil,
		{0, 0, 0},
		// Offset past the total length.
		encode(FragmentHeader{SeqNum: 0, Offset: 90, TotalLen: 100}, 20),
		encode(FragmentHeader{SeqNum: 0, Offset: 0xffffffff, TotalLen: 100}, 1),
		// Declared length exceeds the maximum.
		encode(FragmentHeader{SeqNum: 1, Offset: 0, TotalLen: MaxPacketLen + 1}, 10),
		// Total length changed midway.
		encode(FragmentHeader{SeqNum: 0, Offset: 40, TotalLen: 200}, 40),
		// Overlaps with the placed fragment.
		encode(FragmentHeader{SeqNum: 0, Offset: 20, TotalLen: 100}, 40),
		encode(FragmentHeader{SeqNum: 0, Offset: 0, TotalLen: 100}, 20),
		// Empty fragment of a non-empty packet.
		encode(FragmentHeader{SeqNum: 0, Offset: 50, TotalLen: 100}, 0),
	}
	for i, body := range violations {
		if _, got, err := recv.Accept(body); !errors.Is(err, ErrProtocolViolation) || got != nil {
			t.Fatalf("violation %d: %v", i, err)
		}
		if recv.Packet.Progress != before.Packet.Progress || recv.Packet.Offset != before.Packet.Offset ||
			recv.Packet.TotalLen != before.Packet.TotalLen || recv.Packet.SeqNum != before.Packet.SeqNum ||
			recv.Window != before.Window || recv.Abandoned != before.Abandoned {
			t.Fatalf("violation %d changed the state: %v", i, recv.Packet.String())
		}
	}
	// The packet in progress still completes.
	for _, body := range bodies[1:] {
		if _, _, err := recv.Accept(body); err != nil {
			t.Fatal(err)
		}
	}
	if recv.Packet.Loaded() {
		t.Fatal(recv.Packet.String())
	}
}

func TestReassembler_Abandon(t *testing.T) {
	var send Packet
	var recv Reassembler
	first := fragmentAll(t, &send, bytes.Repeat([]byte{1}, 30), 10)
	second := fragmentAll(t, &send, bytes.Repeat([]byte{2}, 30), 10)
	if result, _, err := recv.Accept(first[0]); err != nil || result != ResultPartial {
		t.Fatal(err, result)
	}
	if result, _, err := recv.Accept(second[1]); err != nil || result != ResultPartial {
		t.Fatal(err, result)
	}
	if recv.Abandoned != 1 || recv.Packet.SeqNum != 1 {
		t.Fatal(recv.Abandoned, recv.Packet.String())
	}
	// The rest of the abandoned packet is now stale.
	if result, _, err := recv.Accept(first[1]); err != nil || result != ResultStale {
		t.Fatal(err, result)
	}
	recv.Accept(second[0])
	result, got, err := recv.Accept(second[2])
	if err != nil || result != ResultComplete || !bytes.Equal(got, bytes.Repeat([]byte{2}, 30)) {
		t.Fatal(err, result, got)
	}
}

func TestPacket_EmptyPayload(t *testing.T) {
	var send Packet
	var recv Reassembler
	bodies := fragmentAll(t, &send, nil, 100)
	if len(bodies) != 1 || len(bodies[0]) != FragmentHeaderLen {
		t.Fatal(bodies)
	}
	result, got, err := recv.Accept(bodies[0])
	if err != nil || result != ResultComplete || len(got) != 0 {
		t.Fatal(err, result, got)
	}
	if result, _, _ := recv.Accept(bodies[0]); result != ResultStale {
		t.Fatal(result)
	}
}
