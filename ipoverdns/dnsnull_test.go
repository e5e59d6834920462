package ipoverdns

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestCheckTopDomain(t *testing.T) {
	for _, good := range []string{"t.example.com", "t.example.com.", "a.b", "tun-1.example.org"} {
		if err := CheckTopDomain(good); err != nil {
			t.Fatal(good, err)
		}
	}
	for _, bad := range []string{"", ".", "example", "a..b", "-a.example.com", "t.-example.com", strings.Repeat("a", 64) + ".com"} {
		if err := CheckTopDomain(bad); err == nil {
			t.Fatal(bad)
		}
	}
}

func TestQueryName(t *testing.T) {
	maxLen := MaxUpstreamFrameLen(testTopDomain)
	if maxLen != 147 {
		t.Fatal(maxLen)
	}
	for _, frameLen := range []int{1, 4, 37, 38, 100, maxLen} {
		frame := bytes.Repeat([]byte{0xfe}, frameLen)
		name, err := EncodeQueryName(frame, testTopDomain)
		if err != nil {
			t.Fatal(err)
		}
		if len(name)-1 > MaxNameLen || !strings.HasSuffix(name, ".t.example.com.") {
			t.Fatal(name)
		}
		for _, label := range strings.Split(strings.TrimSuffix(name, "."), ".") {
			if len(label) > MaxLabelLen {
				t.Fatal(label)
			}
		}
		if _, ok := dns.IsDomainName(name); !ok {
			t.Fatal(name)
		}
		got, err := DecodeQueryName(strings.ToUpper(name), "T.Example.com")
		if err != nil || !bytes.Equal(got, frame) {
			t.Fatal(err, got)
		}
	}
	if _, err := EncodeQueryName(make([]byte, maxLen+1), testTopDomain); err == nil {
		t.Fatal("should have been too long")
	}
	if _, err := EncodeQueryName(nil, testTopDomain); err == nil {
		t.Fatal("should not have encoded an empty frame")
	}
	if _, err := DecodeQueryName("aaaa.other.example.com.", testTopDomain); err == nil {
		t.Fatal("should not have decoded a name of another domain")
	}
	if _, err := DecodeQueryName("a1.t.example.com.", testTopDomain); err == nil {
		t.Fatal("should not have decoded invalid base32")
	}
	if MaxUpstreamFrameLen(strings.Repeat("a.", 127)) != 0 {
		t.Fatal("there should be no room left")
	}
}

// plainQuery returns a NULL record query carrying the frame, without an OPT record.
func plainQuery(t *testing.T, id uint16, frame []byte) []byte {
	t.Helper()
	name, err := EncodeQueryName(frame, testTopDomain)
	if err != nil {
		t.Fatal(err)
	}
	msg := new(dns.Msg).SetQuestion(name, dns.TypeNULL)
	msg.Id = id
	raw, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestBuildResponse_Size(t *testing.T) {
	longest, err := EncodeQueryName(make([]byte, MaxUpstreamFrameLen(testTopDomain)), testTopDomain)
	if err != nil {
		t.Fatal(err)
	}
	plain := QueryPath{ID: 1, Question: longest}
	edns := QueryPath{ID: 2, Question: longest, MaxSize: 1232, EDNS: true}
	// The frame that fits into the smallest response fits regardless of the question.
	for _, path := range []QueryPath{plain, edns} {
		raw, err := BuildResponse(path, make([]byte, path.maxSize()-ResponseOverhead))
		if err != nil {
			t.Fatal(err)
		}
		if len(raw) > path.maxSize() {
			t.Fatal(len(raw))
		}
		resp := new(dns.Msg)
		if err := resp.Unpack(raw); err != nil {
			t.Fatal(err)
		}
		if resp.Truncated || len(resp.Answer) != 1 || (resp.IsEdns0() != nil) != path.EDNS {
			t.Fatalf("%+v", resp)
		}
	}
	// An answer too large for the requester is left out.
	raw, err := BuildResponse(plain, make([]byte, DefaultDownstreamFrameLen))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) > MinResponseSize {
		t.Fatal(len(raw))
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(raw); err != nil {
		t.Fatal(err)
	}
	if !resp.Truncated || len(resp.Answer) != 0 || resp.Id != 1 {
		t.Fatalf("%+v", resp)
	}
	if _, _, err := DecodeResponse(raw); err == nil {
		t.Fatal("should not have decoded a truncated response")
	}
}

func TestDNSNullTransport_EDNS(t *testing.T) {
	writer := &recordingWriter{}
	tr := &DNSNullTransport{TopDomain: testTopDomain, Conn: writer}
	if err := tr.Initialise(); err != nil {
		t.Fatal(err)
	}
	sess := &Session{User: 6}
	if tr.MaxFrameLen(sess) != DefaultDownstreamFrameLen {
		t.Fatal(tr.MaxFrameLen(sess))
	}
	// The EDNS0 query is answered with a large frame and its OPT record echoed.
	raw, _ := EncodeQuery(1, frameWithHeader(CommandPing, 6, []byte{1}), testTopDomain)
	in, ok := tr.Receive(raw, testResolverA, netip.Addr{})
	if !ok || tr.MaxFrameLen(sess) != DefaultDownstreamFrameLen {
		t.Fatal(ok, tr.MaxFrameLen(sess))
	}
	if err := tr.Reply(in, make([]byte, DefaultDownstreamFrameLen)); err != nil {
		t.Fatal(err)
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(writer.take()[0].data); err != nil {
		t.Fatal(err)
	}
	if opt := resp.IsEdns0(); opt == nil || opt.UDPSize() != EDNSPayloadSize || len(resp.Answer) != 1 {
		t.Fatalf("%+v", resp)
	}

	// A query without EDNS0 limits the user's frames to what fits into 512 bytes.
	in, ok = tr.Receive(plainQuery(t, 2, frameWithHeader(CommandPing, 6, []byte{2})), testResolverB, netip.Addr{})
	if !ok || tr.MaxFrameLen(sess) != MinResponseSize-ResponseOverhead {
		t.Fatal(ok, tr.MaxFrameLen(sess))
	}
	// A larger EDNS0 query later does not widen the limit.
	raw, _ = EncodeQuery(3, frameWithHeader(CommandPing, 6, []byte{3}), testTopDomain)
	if _, ok := tr.Receive(raw, testResolverA, netip.Addr{}); !ok || tr.MaxFrameLen(sess) != MinResponseSize-ResponseOverhead {
		t.Fatal(ok, tr.MaxFrameLen(sess))
	}
	if err := tr.Reply(in, make([]byte, tr.MaxFrameLen(sess))); err != nil {
		t.Fatal(err)
	}
	sent := writer.take()
	if len(sent) != 1 || len(sent[0].data) > MinResponseSize {
		t.Fatalf("%+v", sent)
	}
	resp = new(dns.Msg)
	if err := resp.Unpack(sent[0].data); err != nil {
		t.Fatal(err)
	}
	if resp.IsEdns0() != nil || resp.Truncated || len(resp.Answer) != 1 {
		t.Fatalf("%+v", resp)
	}
	// A LOGIN starts over.
	tr.Receive(plainQuery(t, 4, frameWithHeader(CommandLogin, 6, []byte{4})), testResolverB, netip.Addr{})
	raw, _ = EncodeQuery(5, frameWithHeader(CommandLogin, 6, []byte{5}), testTopDomain)
	tr.Receive(raw, testResolverA, netip.Addr{})
	if tr.MaxFrameLen(sess) != DefaultDownstreamFrameLen {
		t.Fatal(tr.MaxFrameLen(sess))
	}
}

func TestDNSNullTransport_ReplayAnswer(t *testing.T) {
	writer := &recordingWriter{}
	tr := &DNSNullTransport{TopDomain: testTopDomain, Conn: writer, Metrics: NewMetrics()}
	if err := tr.Initialise(); err != nil {
		t.Fatal(err)
	}
	frame := frameWithHeader(CommandPing, 1, []byte("poll"))
	rawA, _ := EncodeQuery(10, frame, testTopDomain)
	in, ok := tr.Receive(rawA, testResolverA, netip.Addr{})
	if !ok {
		t.Fatal("should have accepted the query")
	}
	if err := tr.Reply(in, []byte("answer")); err != nil {
		t.Fatal(err)
	}
	// The copy from another resolver, without EDNS0, is answered from the cache.
	if _, ok := tr.Receive(plainQuery(t, 20, frame), testResolverB, netip.Addr{}); ok {
		t.Fatal("the late copy must not be processed")
	}
	sent := writer.take()
	if len(sent) != 2 || sent[1].to != testResolverB.String() {
		t.Fatalf("%+v", sent)
	}
	for i, dgram := range sent {
		id, got, err := DecodeResponse(dgram.data)
		if err != nil || id != []uint16{10, 20}[i] || string(got) != "answer" {
			t.Fatal(err, id, got)
		}
	}
}

func TestBuildResponse(t *testing.T) {
	path := QueryPath{ID: 1234, Question: "AbC.t.example.com."}
	raw, err := BuildResponse(path, []byte{0, 1, 2, 0xff})
	if err != nil {
		t.Fatal(err)
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(raw); err != nil {
		t.Fatal(err)
	}
	if !resp.Response || !resp.Authoritative || resp.Id != 1234 || resp.Question[0].Name != path.Question || resp.Question[0].Qtype != dns.TypeNULL {
		t.Fatalf("%+v", resp)
	}
	id, frame, err := DecodeResponse(raw)
	if err != nil || id != 1234 || !bytes.Equal(frame, []byte{0, 1, 2, 0xff}) {
		t.Fatal(err, id, frame)
	}
	raw, err = BuildResponse(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, frame, err := DecodeResponse(raw); err != nil || frame == nil || len(frame) != 0 {
		t.Fatal(err, frame)
	}
	if _, _, err := DecodeResponse([]byte{1, 2, 3}); err == nil {
		t.Fatal("should have failed")
	}
}

func TestDNSNullTransport_Receive(t *testing.T) {
	writer := &recordingWriter{}
	tr := &DNSNullTransport{TopDomain: "T.Example.COM.", Conn: writer}
	if err := tr.Initialise(); err != nil {
		t.Fatal(err)
	}
	if tr.TopDomain != testTopDomain || tr.DownstreamFrameLen != DefaultDownstreamFrameLen ||
		tr.DownstreamQueueLen != DefaultDownstreamQueueLen || tr.Tracker.TTL != DefaultQueryTTL || tr.MaxFrameLen(&Session{User: 9}) != DefaultDownstreamFrameLen {
		t.Fatalf("%+v", tr)
	}
	frame := frameWithHeader(CommandPing, 9, []byte("poll"))
	name, _ := EncodeQueryName(frame, testTopDomain)
	dst := netip.MustParseAddr("2001:db8::53")

	ignored := []*dns.Msg{
		new(dns.Msg).SetQuestion(name, dns.TypeA),
		new(dns.Msg).SetQuestion("aaaa.elsewhere.example.com.", dns.TypeNULL),
		// Too short to carry a header.
		new(dns.Msg).SetQuestion("aaaa.t.example.com.", dns.TypeNULL),
	}
	reply := new(dns.Msg).SetQuestion(name, dns.TypeNULL)
	reply.Response = true
	ignored = append(ignored, reply)
	for _, msg := range ignored {
		raw, err := msg.Pack()
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := tr.Receive(raw, testResolverA, dst); ok {
			t.Fatalf("%+v", msg)
		}
	}
	if _, ok := tr.Receive([]byte{0, 1}, testResolverA, dst); ok {
		t.Fatal("should not have accepted garbage")
	}

	raw, _ := EncodeQuery(77, frame, testTopDomain)
	in, ok := tr.Receive(raw, testResolverA, dst)
	if !ok || !bytes.Equal(in.Frame, frame) || in.From != testResolverA || in.Destination != dst {
		t.Fatalf("%+v", in)
	}
	if in.Key != NewQueryKey(name, dns.TypeNULL, 9) {
		t.Fatalf("%+v", in.Key)
	}
	if _, ok := tr.Receive(raw, testResolverB, dst); ok {
		t.Fatal("the second copy should have been suppressed")
	}
	// Answer the query, the IPv6 resolver shares the IPv4 connection.
	tr.Lazy = true
	if err := tr.Reply(in, nil); err != nil || len(writer.sent) != 0 {
		t.Fatal(err, writer.sent)
	}
	sess := &Session{User: 9}
	if err := tr.Send(sess, []byte("frame")); err != nil {
		t.Fatal(err)
	}
	if len(writer.sent) != 2 || tr.QueueLen(9) != 0 {
		t.Fatalf("%+v", writer.sent)
	}
	// Nothing is pending, the next frame is queued and then discarded with the session.
	if err := tr.Send(sess, []byte("queued")); err != nil || tr.QueueLen(9) != 1 {
		t.Fatal(err)
	}
	tr.Close(sess)
	if tr.QueueLen(9) != 0 {
		t.Fatal(tr.QueueLen(9))
	}
	if expired := tr.Expire(time.Now()); len(expired) != 0 {
		t.Fatalf("%+v", expired)
	}
}

func TestDNSNullTransport_Conn6(t *testing.T) {
	conn, conn6 := &recordingWriter{}, &recordingWriter{}
	tr := &DNSNullTransport{TopDomain: testTopDomain, Conn: conn, Conn6: conn6}
	if err := tr.Initialise(); err != nil {
		t.Fatal(err)
	}
	for i, from := range []netip.AddrPort{testResolverA, netip.MustParseAddrPort("[2001:db8::1]:5353"), netip.MustParseAddrPort("[::ffff:203.0.113.5]:53")} {
		raw, _ := EncodeQuery(1, frameWithHeader(CommandPing, 0, []byte{byte(i)}), testTopDomain)
		in, ok := tr.Receive(raw, from, netip.Addr{})
		if !ok {
			t.Fatal(from)
		}
		if err := tr.Reply(in, nil); err != nil {
			t.Fatal(err)
		}
	}
	if len(conn.sent) != 2 || len(conn6.sent) != 1 || conn6.sent[0].to != "[2001:db8::1]:5353" {
		t.Fatalf("%+v %+v", conn.sent, conn6.sent)
	}
}

func TestDNSNullTransport_Initialise(t *testing.T) {
	if err := (&DNSNullTransport{TopDomain: "example", Conn: &recordingWriter{}}).Initialise(); err == nil {
		t.Fatal("should have rejected the top domain")
	}
	if err := (&DNSNullTransport{TopDomain: testTopDomain}).Initialise(); err == nil {
		t.Fatal("should have required a connection")
	}
}
