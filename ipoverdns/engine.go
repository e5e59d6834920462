package ipoverdns

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/HouzuoGuo/ipoverdns/lalog"
)

// DefaultMaxViolations is the number of protocol violations a session may
// commit before it is torn down.
const DefaultMaxViolations = 16

// Engine sends tunneled packets to sessions and processes the frames they send,
// over the transport of each session's connection mode. The engine is not safe
// for concurrent use, its caller should confine it to a single goroutine.
type Engine struct {
	// Identifier is carried by every frame.
	Identifier Identifier
	// Transports map each connection mode to its transport.
	Transports map[ConnectionMode]Transport
	// Sessions holds the logged-in clients.
	Sessions *SessionTable
	// Login authenticates LOGIN requests.
	Login *LoginVerifier
	// RecencyTolerance is given to each new session's recency window.
	RecencyTolerance int
	// MaxViolations is the number of protocol violations that tear down a session.
	MaxViolations int
	// OnLogin is called for a newly opened session before the LOGIN reply is
	// made. It may assign the session's tunnel addresses. An error refuses the login.
	OnLogin func(*Session) error
	// OnPacket receives each completely reassembled packet.
	OnPacket func(*Session, []byte)
	// Metrics may be nil.
	Metrics *Metrics
	// Debug enables verbose logging of frames.
	Debug bool

	logger *lalog.Logger
}

// Initialise validates the configuration and sets default values.
func (engine *Engine) Initialise() error {
	if len(engine.Transports) == 0 {
		return errors.New("Engine.Initialise: there must be at least one transport")
	}
	for mode, transport := range engine.Transports {
		if transport.Mode() != mode {
			return fmt.Errorf("Engine.Initialise: transport of mode %v is registered as %v", transport.Mode(), mode)
		}
	}
	if engine.Login == nil {
		return errors.New("Engine.Initialise: login verifier must not be nil")
	}
	if engine.Identifier == (Identifier{}) {
		engine.Identifier = DefaultIdentifier
	}
	if engine.Sessions == nil {
		engine.Sessions = NewSessionTable()
	}
	if engine.RecencyTolerance < 1 || engine.RecencyTolerance > 255 {
		engine.RecencyTolerance = DefaultRecencyTolerance
	}
	if engine.MaxViolations < 1 {
		engine.MaxViolations = DefaultMaxViolations
	}
	engine.logger = &lalog.Logger{
		ComponentName: "Engine",
		ComponentID:   []lalog.LoggerIDField{{Key: "ID", Value: fmt.Sprintf("%x", engine.Identifier[:])}},
	}
	return nil
}

// Send fragments the payload and sends every fragment to the session's client.
// A transport failure does not stop the remaining fragments from being sent,
// the first of such failures is returned as an error wrapping ErrTransport.
func (engine *Engine) Send(sess *Session, payload []byte) error {
	transport, exists := engine.Transports[sess.Mode()]
	if !exists {
		return fmt.Errorf("Engine.Send: no transport for mode %v", sess.Mode())
	}
	maxFrameLen := transport.MaxFrameLen(sess)
	maxFragmentLen := MaxFragmentLen(maxFrameLen)
	if maxFragmentLen <= 0 {
		return fmt.Errorf("Engine.Send: %w - %v carries frames of %d bytes", ErrFragmentTooSmall, sess.Mode(), maxFrameLen)
	}
	if err := sess.Outbound.Load(payload); err != nil {
		return err
	}
	var transportErr error
	for {
		frame, done, err := sess.Outbound.NextFragment(engine.Identifier, sess.User, maxFragmentLen)
		if err != nil {
			sess.Outbound.Reset()
			return err
		}
		if engine.Debug {
			engine.logger.Info("Send", sess.Remote.String(), nil, "user %d: %s", sess.User, fragmentLogString(frame[HeaderLen:]))
		}
		if err := transport.Send(sess, frame); err != nil && transportErr == nil {
			transportErr = fmt.Errorf("Engine.Send: %w - %s", ErrTransport, err.Error())
		}
		if done {
			break
		}
	}
	engine.Metrics.packet("out")
	return transportErr
}

// Deliver processes one inbound event of the transport to completion. Stale
// and duplicated frames are discarded without an error. Protocol violations
// are discarded and returned as errors wrapping ErrProtocolViolation.
func (engine *Engine) Deliver(mode ConnectionMode, raw []byte, from netip.AddrPort, dst netip.Addr) error {
	transport, exists := engine.Transports[mode]
	if !exists {
		return fmt.Errorf("Engine.Deliver: no transport for mode %v", mode)
	}
	in, ok := transport.Receive(raw, from, dst)
	if !ok {
		engine.Metrics.frame("ignored")
		return nil
	}
	reply, err := engine.process(transport, in)
	if err != nil && reply == nil {
		// Do not hold on to the query of a discarded frame.
		reply = []byte{}
	}
	if replyErr := transport.Reply(in, reply); replyErr != nil && err == nil {
		err = fmt.Errorf("Engine.Deliver: %w - %s", ErrTransport, replyErr.Error())
	}
	return err
}

// process handles the inbound frame and returns the frame to reply with, if any.
func (engine *Engine) process(transport Transport, in Inbound) ([]byte, error) {
	hdr := DecodeHeader(in.Frame)
	if hdr.Command == CommandUnrecognised {
		return nil, engine.violation(transport, engine.sessionOf(transport, hdr, in), in, fmt.Errorf("Engine.Deliver: %w - unrecognised command in %s", ErrProtocolViolation, lalog.ByteArrayLogString(in.Frame)))
	}
	if hdr.ID != engine.Identifier {
		return nil, engine.violation(transport, engine.sessionOf(transport, hdr, in), in, fmt.Errorf("Engine.Deliver: %w - unexpected identifier in %v", ErrProtocolViolation, hdr))
	}
	body := in.Frame[HeaderLen:]
	if hdr.Command == CommandLogin {
		return engine.login(transport, in, hdr, body)
	}
	sess := engine.Sessions.Get(hdr.User)
	if sess == nil {
		engine.Metrics.frame("nosession")
		return nil, fmt.Errorf("Engine.Deliver: %w - user %d", ErrNoSession, hdr.User)
	}
	if sess.Mode() != transport.Mode() {
		return nil, engine.violation(transport, nil, in, fmt.Errorf("Engine.Deliver: %w - user %d logged in over %v, not %v", ErrProtocolViolation, hdr.User, sess.Mode(), transport.Mode()))
	}
	if sess.Mode() == ModeRawUDP && in.From != sess.Remote {
		return nil, engine.violation(transport, nil, in, fmt.Errorf("Engine.Deliver: %w - user %d logged in from %v, not %v", ErrProtocolViolation, hdr.User, sess.Remote, in.From))
	}
	sess.lastActive = time.Now()
	switch hdr.Command {
	case CommandPing:
		engine.Metrics.frame("ping")
		return nil, nil
	case CommandData:
		if engine.Debug {
			engine.logger.Info("Deliver", in.From.String(), nil, "user %d: %s", hdr.User, fragmentLogString(body))
		}
		result, packet, err := sess.Inbound.Accept(body)
		if err != nil {
			return nil, engine.violation(transport, sess, in, err)
		}
		engine.Metrics.frame(result.String())
		if result == ResultComplete {
			engine.Metrics.packet("in")
			if engine.OnPacket != nil {
				engine.OnPacket(sess, packet)
			}
		}
	}
	return nil, nil
}

// sessionOf returns the session a malformed frame claims to come from, as long
// as the frame carries the identifier and arrived over the session's transport.
// Anyone can name a user index in a DNS query, the identifier at least has to
// be known before a frame counts against the session.
func (engine *Engine) sessionOf(transport Transport, hdr Header, in Inbound) *Session {
	if len(in.Frame) < HeaderLen || hdr.ID != engine.Identifier {
		return nil
	}
	sess := engine.Sessions.Get(hdr.User)
	if sess == nil || sess.Mode() != transport.Mode() {
		return nil
	}
	if sess.Mode() == ModeRawUDP && in.From != sess.Remote {
		return nil
	}
	return sess
}

// login authenticates a LOGIN request, opens the session, and returns the
// LOGIN reply frame.
func (engine *Engine) login(transport Transport, in Inbound, hdr Header, body []byte) ([]byte, error) {
	if err := engine.Login.Verify(hdr.User, body); err != nil {
		engine.Metrics.frame("loginfailure")
		engine.logger.Warning("login", in.From.String(), err, "user %d failed to login", hdr.User)
		return nil, err
	}
	if prev := engine.Sessions.Get(hdr.User); prev != nil {
		engine.closeSession(prev)
	}
	sess, err := engine.Sessions.Open(hdr.User, transport.Mode(), in.From)
	if err != nil {
		return nil, err
	}
	sess.Inbound.Window.Tolerance = engine.RecencyTolerance
	if engine.OnLogin != nil {
		if err := engine.OnLogin(sess); err != nil {
			engine.Sessions.Close(hdr.User)
			engine.logger.Warning("login", in.From.String(), err, "refused login of user %d", hdr.User)
			return nil, err
		}
	}
	replyHdr, err := EncodeHeader(engine.Identifier, CommandLogin, hdr.User)
	if err != nil {
		return nil, err
	}
	engine.Metrics.frame("login")
	engine.logger.Info("login", in.From.String(), nil, "user %d logged in over %v, tunnel addresses %v and %v", hdr.User, sess.Mode(), sess.TunnelAddr, sess.TunnelAddr6)
	return append(replyHdr[:], EncodeLoginReply(sess)...), nil
}

// violation counts the protocol violation against the session, if there is
// one, and tears the session down once it has committed too many.
func (engine *Engine) violation(transport Transport, sess *Session, in Inbound, err error) error {
	engine.Metrics.frame("violation")
	if sess == nil {
		if engine.Debug {
			engine.logger.Info("Deliver", in.From.String(), err, "discarded frame")
		}
		return err
	}
	sess.violations++
	if engine.Debug {
		engine.logger.Info("Deliver", in.From.String(), err, "user %d committed violation %d/%d", sess.User, sess.violations, engine.MaxViolations)
	}
	if sess.violations >= engine.MaxViolations {
		engine.logger.Warning("Deliver", in.From.String(), err, "tearing down user %d after %d violations", sess.User, sess.violations)
		engine.closeSession(sess)
		engine.Metrics.teardown()
	}
	return err
}

// closeSession removes the session and releases its transport resources.
func (engine *Engine) closeSession(sess *Session) {
	if transport, exists := engine.Transports[sess.Mode()]; exists {
		transport.Close(sess)
	}
	if engine.Sessions.Get(sess.User) == sess {
		engine.Sessions.Close(sess.User)
	}
}

// Close tears down the session of the user.
func (engine *Engine) Close(user UserIndex) error {
	sess := engine.Sessions.Get(user)
	if sess == nil {
		return fmt.Errorf("Engine.Close: %w - user %d", ErrNoSession, user)
	}
	engine.closeSession(sess)
	return nil
}

// ReapIdle tears down the sessions that have been inactive for longer than
// maxIdle, and returns them.
func (engine *Engine) ReapIdle(maxIdle time.Duration) []*Session {
	idle := engine.Sessions.IdleSince(time.Now().Add(-maxIdle))
	for _, sess := range idle {
		engine.logger.Info("ReapIdle", sess.Remote.String(), nil, "user %d has been idle since %s", sess.User, sess.lastActive.Format(time.RFC3339))
		engine.closeSession(sess)
	}
	return idle
}
