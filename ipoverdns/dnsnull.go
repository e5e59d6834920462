package ipoverdns

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/HouzuoGuo/ipoverdns/lalog"
	"github.com/miekg/dns"
)

const (
	// DefaultDownstreamFrameLen is the largest frame carried by a NULL record
	// answer. Together with the echoed question it keeps the response within
	// what most resolver chains forward.
	DefaultDownstreamFrameLen = 900
	// DefaultDownstreamQueueLen is the number of downstream frames queued for a
	// client while none of its queries is pending.
	DefaultDownstreamQueueLen = 64
	// MaxLabelLen is the length of each label carrying encoded frame data. The
	// DNS protocol allows 63, but many recursive resolvers dislike long labels.
	MaxLabelLen = 60
	// MaxNameLen is the maximum length of a domain name in presentation format.
	MaxNameLen = 253
	// MinResponseSize is the response size every requester accepts, including
	// those without EDNS0.
	MinResponseSize = 512
	// EDNSPayloadSize is the UDP payload size advertised in the OPT record of
	// queries and responses.
	EDNSPayloadSize = 4096
	// ResponseOverhead is the size of a NULL record response without its data,
	// for the longest question: header 12, question 255+4, compressed answer
	// record 12, OPT record 11.
	ResponseOverhead = 12 + 255 + 4 + 12 + 11
)

var base32EncodingNoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// MaxUpstreamFrameLen returns the largest frame a client can encode into a
// query name under the top domain.
func MaxUpstreamFrameLen(topDomain string) int {
	available := MaxNameLen - len(strings.Trim(topDomain, ".")) - 1
	if available <= 0 {
		return 0
	}
	// Labels of encoded data are separated by full-stops.
	labels := (available + 1) / (MaxLabelLen + 1)
	encodedChars := available - labels
	if fullLabels := labels * MaxLabelLen; fullLabels > encodedChars {
		encodedChars = fullLabels
	}
	return encodedChars * 5 / 8
}

// EncodeQueryName encodes the frame into a query name under the top domain.
func EncodeQueryName(frame []byte, topDomain string) (string, error) {
	if len(frame) == 0 {
		return "", errors.New("EncodeQueryName: frame must not be empty")
	}
	encoded := strings.ToLower(base32EncodingNoPadding.EncodeToString(frame))
	labels := make([]string, 0, len(encoded)/MaxLabelLen+1)
	for len(encoded) > MaxLabelLen {
		labels = append(labels, encoded[:MaxLabelLen])
		encoded = encoded[MaxLabelLen:]
	}
	labels = append(labels, encoded)
	name := dns.Fqdn(strings.Join(labels, ".") + "." + strings.Trim(topDomain, "."))
	if len(name)-1 > MaxNameLen {
		return "", fmt.Errorf("EncodeQueryName: frame of %d bytes does not fit into a query name under %s", len(frame), topDomain)
	}
	return name, nil
}

// DecodeQueryName recovers the frame from a query name under the top domain.
func DecodeQueryName(name, topDomain string) ([]byte, error) {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	suffix := "." + strings.ToLower(strings.Trim(topDomain, "."))
	if !strings.HasSuffix(name, suffix) {
		return nil, fmt.Errorf("DecodeQueryName: %s is not under %s", name, topDomain)
	}
	encoded := strings.ReplaceAll(strings.TrimSuffix(name, suffix), ".", "")
	frame, err := base32EncodingNoPadding.DecodeString(strings.ToUpper(encoded))
	if err != nil {
		return nil, fmt.Errorf("DecodeQueryName: %w", err)
	}
	return frame, nil
}

// EncodeQuery returns a NULL record query carrying the frame, it is used by
// tunnel clients.
func EncodeQuery(id uint16, frame []byte, topDomain string) ([]byte, error) {
	name, err := EncodeQueryName(frame, topDomain)
	if err != nil {
		return nil, err
	}
	query := new(dns.Msg)
	query.SetQuestion(name, dns.TypeNULL)
	query.Id = id
	query.SetEdns0(EDNSPayloadSize, false)
	return query.Pack()
}

// DecodeResponse returns the frame carried by the NULL record answer of a
// response, or an empty frame if the response has no answer.
func DecodeResponse(raw []byte) (id uint16, frame []byte, err error) {
	resp := new(dns.Msg)
	if err := resp.Unpack(raw); err != nil {
		return 0, nil, fmt.Errorf("DecodeResponse: %w", err)
	}
	if !resp.Response || resp.Rcode != dns.RcodeSuccess {
		return resp.Id, nil, fmt.Errorf("DecodeResponse: unexpected response header %s", dns.RcodeToString[resp.Rcode])
	}
	if resp.Truncated {
		return resp.Id, nil, errors.New("DecodeResponse: response is truncated")
	}
	for _, answer := range resp.Answer {
		if null, ok := answer.(*dns.NULL); ok {
			return resp.Id, []byte(null.Data), nil
		}
	}
	return resp.Id, []byte{}, nil
}

// DNSNullTransport carries frames inside DNS queries and their NULL record
// answers. Upstream frames are encoded into the queried name, downstream frames
// are the data of the answer.
type DNSNullTransport struct {
	// TopDomain is the zone delegated to the tunnel server.
	TopDomain string
	// Lazy holds processed queries unanswered until downstream data is ready or
	// the query expires. Otherwise every processed query is answered right away.
	Lazy bool
	// DownstreamFrameLen is the largest frame carried by an answer.
	DownstreamFrameLen int
	// DownstreamQueueLen is the number of downstream frames queued for each client.
	DownstreamQueueLen int
	// Tracker correlates the copies of each query.
	Tracker *QueryTracker
	// Conn and Conn6 send responses to IPv4 and IPv6 resolvers respectively.
	// Conn6 may be left nil to use Conn for both.
	Conn  PacketWriter
	Conn6 PacketWriter
	// Metrics may be nil.
	Metrics *Metrics

	queues [MaxUsers][][]byte
	// frameLens is the largest downstream frame the resolvers of each user can
	// carry, zero if unknown.
	frameLens [MaxUsers]int
	logger    *lalog.Logger
}

// Initialise validates the configuration and sets default values.
func (tr *DNSNullTransport) Initialise() error {
	if err := CheckTopDomain(tr.TopDomain); err != nil {
		return err
	}
	tr.TopDomain = strings.ToLower(strings.Trim(tr.TopDomain, "."))
	if tr.DownstreamFrameLen <= 0 {
		tr.DownstreamFrameLen = DefaultDownstreamFrameLen
	}
	if tr.DownstreamQueueLen <= 0 {
		tr.DownstreamQueueLen = DefaultDownstreamQueueLen
	}
	if tr.Tracker == nil {
		tr.Tracker = NewQueryTracker(DefaultQueryTTL)
	}
	if tr.Conn == nil {
		return errors.New("DNSNullTransport.Initialise: Conn must not be nil")
	}
	tr.logger = &lalog.Logger{
		ComponentName: "DNSNullTransport",
		ComponentID:   []lalog.LoggerIDField{{Key: "TopDomain", Value: tr.TopDomain}},
	}
	return nil
}

func (tr *DNSNullTransport) Mode() ConnectionMode {
	return ModeDNSNull
}

// MaxFrameLen returns the largest frame that fits into the responses accepted by
// every resolver the session's queries came through.
func (tr *DNSNullTransport) MaxFrameLen(sess *Session) int {
	if frameLen := tr.frameLens[sess.User]; frameLen > 0 {
		return frameLen
	}
	return tr.DownstreamFrameLen
}

// learnFrameLen narrows down the frame length of the user to what the query
// path can carry. A LOGIN starts the estimate afresh.
func (tr *DNSNullTransport) learnFrameLen(hdr Header, path QueryPath) {
	frameLen := path.maxSize() - ResponseOverhead
	if frameLen > tr.DownstreamFrameLen {
		frameLen = tr.DownstreamFrameLen
	}
	if current := tr.frameLens[hdr.User]; hdr.Command == CommandLogin || current == 0 || frameLen < current {
		tr.frameLens[hdr.User] = frameLen
	}
}

// Send answers the oldest pending query of the session with the frame, or
// queues the frame until the client's next query arrives.
func (tr *DNSNullTransport) Send(sess *Session, frame []byte) error {
	if key, found := tr.Tracker.OldestFor(sess.User); found {
		if err := tr.answer(key, frame); !errors.Is(err, ErrNoPendingQuery) {
			return err
		}
	}
	if len(tr.queues[sess.User]) >= tr.DownstreamQueueLen {
		return fmt.Errorf("DNSNullTransport.Send: %w - user %d has %d frames waiting", ErrDownstreamFull, sess.User, len(tr.queues[sess.User]))
	}
	tr.queues[sess.User] = append(tr.queues[sess.User], frame)
	return nil
}

// Receive decodes the frame carried by a tunnel query. Copies of a query that
// is already pending are remembered for the answer but not returned, copies of
// an answered query receive the same answer right away.
func (tr *DNSNullTransport) Receive(raw []byte, from netip.AddrPort, dst netip.Addr) (Inbound, bool) {
	query := new(dns.Msg)
	if err := query.Unpack(raw); err != nil {
		return Inbound{}, false
	}
	if query.Response || query.Opcode != dns.OpcodeQuery || len(query.Question) != 1 {
		return Inbound{}, false
	}
	question := query.Question[0]
	if question.Qtype != dns.TypeNULL {
		return Inbound{}, false
	}
	frame, err := tr.DecodeName(question.Name)
	if err != nil || len(frame) < HeaderLen {
		tr.logger.Info("Receive", from.Addr().String(), err, "ignored query of %s", lalog.TruncateString(question.Name, 80))
		return Inbound{}, false
	}
	path := QueryPath{ID: query.Id, From: from, Question: question.Name, MaxSize: MinResponseSize}
	if opt := query.IsEdns0(); opt != nil {
		path.EDNS = true
		if size := opt.UDPSize(); size > path.MaxSize {
			path.MaxSize = size
		}
	}
	hdr := DecodeHeader(frame)
	tr.learnFrameLen(hdr, path)
	key := NewQueryKey(question.Name, question.Qtype, hdr.User)
	verdict := tr.Tracker.Observe(key, path, dst)
	tr.Metrics.query(verdict)
	switch verdict {
	case CorrelationProcess:
		return Inbound{Frame: frame, From: from, Destination: dst, Key: key}, true
	case CorrelationReplay:
		if err := tr.replay(key, path); err != nil {
			tr.logger.Warning("Receive", from.Addr().String(), err, "failed to replay the answer of %s", lalog.TruncateString(question.Name, 80))
		}
	}
	return Inbound{}, false
}

// DecodeName recovers the frame from a query name under the top domain.
func (tr *DNSNullTransport) DecodeName(name string) ([]byte, error) {
	return DecodeQueryName(name, tr.TopDomain)
}

// Reply answers the query that carried the inbound frame. In lazy mode a query
// without anything to answer with is held for later.
func (tr *DNSNullTransport) Reply(in Inbound, frame []byte) error {
	user := in.Key.User
	if frame == nil && len(tr.queues[user]) > 0 {
		frame = tr.queues[user][0]
		tr.queues[user] = tr.queues[user][1:]
	}
	if frame == nil && tr.Lazy {
		return nil
	}
	err := tr.answer(in.Key, frame)
	if errors.Is(err, ErrNoPendingQuery) {
		// Already answered by a frame sent during processing.
		if len(frame) > 0 {
			tr.queues[user] = append([][]byte{frame}, tr.queues[user]...)
		}
		return nil
	}
	return err
}

// Close discards the queued frames of the session. Its pending queries are
// left to be answered by the next session of the user, or to expire.
func (tr *DNSNullTransport) Close(sess *Session) {
	tr.queues[sess.User] = nil
}

// Expire removes the queries that waited too long for their answer, and
// returns them.
func (tr *DNSNullTransport) Expire(now time.Time) []Query {
	expired := tr.Tracker.Expire(now)
	tr.Metrics.lostQueries(len(expired))
	return expired
}

// QueueLen returns the number of downstream frames waiting for the user.
func (tr *DNSNullTransport) QueueLen(user UserIndex) int {
	return len(tr.queues[user])
}

// answer sends the frame to every path of the pending query. A nil frame
// results in an answer without records.
func (tr *DNSNullTransport) answer(key QueryKey, frame []byte) error {
	_, err := tr.Tracker.Answer(key, frame, func(_ Query, path QueryPath) error {
		return tr.writeResponse(path, frame)
	})
	return err
}

// replay sends the remembered answer of the query to another copy of it.
func (tr *DNSNullTransport) replay(key QueryKey, path QueryPath) error {
	query, found := tr.Tracker.Answered(key)
	if !found {
		return fmt.Errorf("DNSNullTransport.replay: %w - %s", ErrNoPendingQuery, key.Name)
	}
	return tr.writeResponse(path, query.Frame)
}

func (tr *DNSNullTransport) writeResponse(path QueryPath, frame []byte) error {
	resp, err := BuildResponse(path, frame)
	if err != nil {
		return err
	}
	conn := tr.Conn
	if tr.Conn6 != nil && !path.From.Addr().Unmap().Is4() {
		conn = tr.Conn6
	}
	_, err = conn.WriteTo(resp, net.UDPAddrFromAddrPort(path.From))
	return err
}

// maxSize returns the largest response the path accepts, never less than
// MinResponseSize.
func (path QueryPath) maxSize() int {
	if path.MaxSize < MinResponseSize {
		return MinResponseSize
	}
	return int(path.MaxSize)
}

// BuildResponse returns the response to one copy of a query, carrying the
// frame in a NULL record answer. The OPT record is echoed to EDNS0 queries. A
// response that exceeds what the query path accepts loses its answer and is
// marked truncated.
func BuildResponse(path QueryPath, frame []byte) ([]byte, error) {
	query := &dns.Msg{
		MsgHdr:   dns.MsgHdr{Id: path.ID, Opcode: dns.OpcodeQuery, RecursionDesired: true},
		Question: []dns.Question{{Name: path.Question, Qtype: dns.TypeNULL, Qclass: dns.ClassINET}},
	}
	resp := new(dns.Msg).SetReply(query)
	resp.Authoritative = true
	resp.Compress = true
	if path.EDNS {
		resp.SetEdns0(EDNSPayloadSize, false)
	}
	if len(frame) > 0 {
		resp.Answer = []dns.RR{&dns.NULL{
			Hdr:  dns.RR_Header{Name: path.Question, Rrtype: dns.TypeNULL, Class: dns.ClassINET, Ttl: 0},
			Data: string(frame),
		}}
	}
	raw, err := resp.Pack()
	if err != nil || len(raw) <= path.maxSize() {
		return raw, err
	}
	resp.Answer = nil
	resp.Truncated = true
	return resp.Pack()
}

// CheckTopDomain returns an error if the top domain cannot be delegated to the
// tunnel server.
func CheckTopDomain(topDomain string) error {
	trimmed := strings.Trim(topDomain, ".")
	if trimmed == "" {
		return errors.New("CheckTopDomain: top domain must not be empty")
	}
	if _, ok := dns.IsDomainName(trimmed); !ok {
		return fmt.Errorf("CheckTopDomain: %s is not a valid domain name", topDomain)
	}
	labels := strings.Split(trimmed, ".")
	if len(labels) < 2 {
		return fmt.Errorf("CheckTopDomain: %s must have at least two labels", topDomain)
	}
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("CheckTopDomain: %s has an empty label", topDomain)
		}
		if strings.HasPrefix(label, "-") {
			return fmt.Errorf("CheckTopDomain: label %s of %s begins with a hyphen", label, topDomain)
		}
	}
	return nil
}
