package ipoverdns

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/HouzuoGuo/ipoverdns/inet"
)

// ConnectionMode is the transport a session's frames ride on.
type ConnectionMode int

const (
	ModeRawUDP = ConnectionMode(iota)
	ModeDNSNull
)

func (mode ConnectionMode) String() string {
	switch mode {
	case ModeRawUDP:
		return "raw-udp"
	case ModeDNSNull:
		return "dns-null"
	}
	return fmt.Sprintf("mode-%d", int(mode))
}

// Session is a logged-in tunnel client.
type Session struct {
	User UserIndex
	// Remote is the address the client logged in from.
	Remote netip.AddrPort
	// TunnelAddr and TunnelAddr6 are the client's addresses inside the tunnel.
	TunnelAddr    netip.Addr
	TunnelPrefix  int
	TunnelAddr6   netip.Addr
	TunnelPrefix6 int
	// Outbound holds the packet being sent to the client.
	Outbound Packet
	// Inbound reassembles the packets sent by the client.
	Inbound Reassembler

	mode       ConnectionMode
	violations int
	lastActive time.Time
}

// Mode returns the connection mode fixed at login.
func (sess *Session) Mode() ConnectionMode {
	return sess.mode
}

// Violations returns the number of protocol violations committed so far.
func (sess *Session) Violations() int {
	return sess.violations
}

// LastActive returns the time of the latest frame received from the client.
func (sess *Session) LastActive() time.Time {
	return sess.lastActive
}

// OwnsAddr returns true if the address is one of the session's tunnel addresses.
func (sess *Session) OwnsAddr(addr netip.Addr) bool {
	return (sess.TunnelAddr.IsValid() && inet.EqualIPv6(sess.TunnelAddr, addr)) ||
		(sess.TunnelAddr6.IsValid() && inet.EqualIPv6(sess.TunnelAddr6, addr))
}

func (sess *Session) String() string {
	return fmt.Sprintf("[User=%d Mode=%v Remote=%v Addr=%v Addr6=%v]", sess.User, sess.mode, sess.Remote, sess.TunnelAddr, sess.TunnelAddr6)
}

// SessionTable holds a session for each user index.
type SessionTable struct {
	sessions [MaxUsers]*Session
	mutex    *sync.RWMutex
}

// NewSessionTable returns an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{mutex: new(sync.RWMutex)}
}

// Open creates a new session for the user, replacing the previous one if any.
func (table *SessionTable) Open(user UserIndex, mode ConnectionMode, remote netip.AddrPort) (*Session, error) {
	if !user.Valid() {
		return nil, fmt.Errorf("SessionTable.Open: %w - %d", ErrUserIndexRange, user)
	}
	table.mutex.Lock()
	defer table.mutex.Unlock()
	sess := &Session{
		User:       user,
		Remote:     remote,
		mode:       mode,
		lastActive: time.Now(),
	}
	table.sessions[user] = sess
	return sess, nil
}

// Get returns the session of the user, or nil if there is none.
func (table *SessionTable) Get(user UserIndex) *Session {
	if !user.Valid() {
		return nil
	}
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	return table.sessions[user]
}

// Close removes the session of the user.
func (table *SessionTable) Close(user UserIndex) {
	if !user.Valid() {
		return
	}
	table.mutex.Lock()
	defer table.mutex.Unlock()
	table.sessions[user] = nil
}

// FindByAddr returns the session that owns the tunnel address, or nil.
func (table *SessionTable) FindByAddr(addr netip.Addr) *Session {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	for _, sess := range table.sessions {
		if sess != nil && sess.OwnsAddr(addr) {
			return sess
		}
	}
	return nil
}

// IdleSince returns the sessions that have not been active since the cutoff.
func (table *SessionTable) IdleSince(cutoff time.Time) (ret []*Session) {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	for _, sess := range table.sessions {
		if sess != nil && sess.lastActive.Before(cutoff) {
			ret = append(ret, sess)
		}
	}
	return
}

// Len returns the number of open sessions.
func (table *SessionTable) Len() (count int) {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	for _, sess := range table.sessions {
		if sess != nil {
			count++
		}
	}
	return
}
