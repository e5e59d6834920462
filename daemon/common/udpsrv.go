package common

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/HouzuoGuo/ipoverdns/lalog"
	"github.com/HouzuoGuo/ipoverdns/misc"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// MaxUDPPacketSize is the maximum acceptable size for a single UDP packet.
	MaxUDPPacketSize = 9038
	// ServerRateLimitIntervalSec is the interval at which client rate limit counter operates, i.e. maximum N packets per interval of X.
	ServerRateLimitIntervalSec = 1
	// ServerDefaultWriteTimeoutSec is the write deadline applied to each outgoing datagram.
	ServerDefaultWriteTimeoutSec = 10
)

/*
UDPHandler processes a datagram received by UDP server. The packet buffer belongs to the handler.
The destination address is the local address the client sent the datagram to, it is the zero value
if the operating system does not support reporting it.
*/
type UDPHandler func(packet []byte, from netip.AddrPort, dst netip.Addr)

// UDPServer reads datagrams one at a time and hands them to the handler in the order of arrival, while applying a rate limit.
type UDPServer struct {
	// ListenAddr is the IP address to listen on. Use 0.0.0.0 or :: to listen on all network interfaces.
	ListenAddr string
	// ListenPort is the port number to listen on.
	ListenPort int
	// AppName is a human readable name that identifies the server application in log entries.
	AppName string
	// Handler is invoked for each datagram that passes the rate limit.
	Handler UDPHandler
	// Stats counts and times the handler invocations. It is optional.
	Stats *misc.Stats
	// LimitPerSec is the maximum number of datagrams acceptable from a single IP per second.
	LimitPerSec int

	mutex     *sync.Mutex
	logger    *lalog.Logger
	rateLimit *lalog.RateLimit
	udpServer *net.UDPConn
	reader    func([]byte) (int, net.Addr, net.IP, error)
	// stopped is set by Stop, a stopped server does not start until it is initialised again.
	stopped bool
}

// Initialise initialises the internal structures of UDP server, preparing it for processing clients.
func (srv *UDPServer) Initialise() error {
	if srv.Handler == nil {
		return fmt.Errorf("UDPServer.Initialise(%s): handler must not be nil", srv.AppName)
	}
	if srv.ListenPort < 1 || srv.ListenPort > 65535 {
		return fmt.Errorf("UDPServer.Initialise(%s): invalid listen port %d", srv.AppName, srv.ListenPort)
	}
	if srv.LimitPerSec < 1 {
		return fmt.Errorf("UDPServer.Initialise(%s): LimitPerSec must be greater than 0", srv.AppName)
	}
	srv.mutex = new(sync.Mutex)
	srv.stopped = false
	srv.logger = &lalog.Logger{
		ComponentName: srv.AppName,
		ComponentID:   []lalog.LoggerIDField{{Key: "Addr", Value: srv.ListenAddr}, {Key: "UDPPort", Value: srv.ListenPort}},
	}
	srv.rateLimit = lalog.NewRateLimit(ServerRateLimitIntervalSec, srv.LimitPerSec, srv.logger)
	return nil
}

/*
StartAndBlock starts UDP listener to process clients and blocks until the server is told to stop.
Call this function after having initialised the UDP server. If the server has already been told
to stop, the function returns right away.
*/
func (srv *UDPServer) StartAndBlock() error {
	srv.mutex.Lock()
	if srv.stopped {
		srv.mutex.Unlock()
		return nil
	}
	if srv.udpServer != nil {
		srv.mutex.Unlock()
		return fmt.Errorf("UDPServer.StartAndBlock(%s): listener on port %d must not be started a second time", srv.AppName, srv.ListenPort)
	}
	listenUDPAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(srv.ListenAddr, strconv.Itoa(srv.ListenPort)))
	if err != nil {
		srv.mutex.Unlock()
		return fmt.Errorf("UDPServer.StartAndBlock(%s): failed to resolve listening address %s - %w", srv.AppName, srv.ListenAddr, err)
	}
	udpServer, err := net.ListenUDP("udp", listenUDPAddr)
	if err != nil {
		srv.mutex.Unlock()
		return fmt.Errorf("UDPServer.StartAndBlock(%s): failed to listen on port %d - %w", srv.AppName, srv.ListenPort, err)
	}
	srv.udpServer = udpServer
	srv.reader = srv.destinationReader(udpServer, listenUDPAddr.IP)
	srv.mutex.Unlock()
	srv.logger.Info("StartAndBlock", "", nil, "starting UDP listener")
	defer srv.Stop()

	packet := make([]byte, MaxUDPPacketSize)
	for {
		packetLen, clientAddr, dstIP, err := srv.reader(packet)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("UDPServer.StartAndBlock(%s): failed to read from next client - %w", srv.AppName, err)
		}
		if packetLen == 0 {
			continue
		}
		from, ok := addrPortOf(clientAddr)
		if !ok {
			continue
		}
		if !srv.rateLimit.Add(from.Addr().String(), true) {
			continue
		}
		dst, _ := netip.AddrFromSlice(dstIP)
		packetCopy := make([]byte, packetLen)
		copy(packetCopy, packet[:packetLen])
		srv.handleClient(packetCopy, from, dst.Unmap())
	}
}

/*
destinationReader returns a function that reads the next datagram along with its destination IP.
The destination is reported by the control message of the IP layer, falling back to the
listen address when the operating system refuses to supply it.
*/
func (srv *UDPServer) destinationReader(conn *net.UDPConn, listenIP net.IP) func([]byte) (int, net.Addr, net.IP, error) {
	plain := func(buf []byte) (int, net.Addr, net.IP, error) {
		n, addr, err := conn.ReadFrom(buf)
		if listenIP.IsUnspecified() {
			return n, addr, nil, err
		}
		return n, addr, listenIP, err
	}
	if listenIP == nil || listenIP.To4() != nil {
		pconn := ipv4.NewPacketConn(conn)
		if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
			srv.logger.Info("destinationReader", "", err, "the system does not report destination of IPv4 datagrams")
			return plain
		}
		return func(buf []byte) (int, net.Addr, net.IP, error) {
			n, cm, addr, err := pconn.ReadFrom(buf)
			if cm == nil {
				return n, addr, nil, err
			}
			return n, addr, cm.Dst, err
		}
	}
	pconn := ipv6.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv6.FlagDst, true); err != nil {
		srv.logger.Info("destinationReader", "", err, "the system does not report destination of IPv6 datagrams")
		return plain
	}
	return func(buf []byte) (int, net.Addr, net.IP, error) {
		n, cm, addr, err := pconn.ReadFrom(buf)
		if cm == nil {
			return n, addr, nil, err
		}
		return n, addr, cm.Dst, err
	}
}

// handleClient invokes the handler and puts the processing duration into statistics.
func (srv *UDPServer) handleClient(packet []byte, from netip.AddrPort, dst netip.Addr) {
	beginTimeNano := time.Now().UnixNano()
	defer func() {
		if srv.Stats != nil {
			srv.Stats.Trigger(float64(time.Now().UnixNano() - beginTimeNano))
		}
	}()
	srv.Handler(packet, from, dst)
}

// WriteTo sends a datagram to the client via the listener.
func (srv *UDPServer) WriteTo(packet []byte, addr net.Addr) (int, error) {
	srv.mutex.Lock()
	udpServer := srv.udpServer
	srv.mutex.Unlock()
	if udpServer == nil {
		return 0, fmt.Errorf("UDPServer.WriteTo(%s): server is not running", srv.AppName)
	}
	if err := udpServer.SetWriteDeadline(time.Now().Add(ServerDefaultWriteTimeoutSec * time.Second)); err != nil {
		return 0, err
	}
	return udpServer.WriteTo(packet, addr)
}

// LocalAddr returns the address the listener is bound to, or nil if the server is not running.
func (srv *UDPServer) LocalAddr() net.Addr {
	srv.mutex.Lock()
	defer srv.mutex.Unlock()
	if srv.udpServer == nil {
		return nil
	}
	return srv.udpServer.LocalAddr()
}

// IsRunning returns true only if the server has started and has not been told to stop.
func (srv *UDPServer) IsRunning() bool {
	srv.mutex.Lock()
	defer srv.mutex.Unlock()
	return srv.udpServer != nil
}

// Stop the UDP server. It is safe to call Stop more than once, and before the server starts.
func (srv *UDPServer) Stop() {
	srv.mutex.Lock()
	defer srv.mutex.Unlock()
	srv.stopped = true
	if srv.udpServer != nil {
		if err := srv.udpServer.Close(); err != nil {
			srv.logger.Warning("Stop", srv.AppName, err, "failed to stop UDP server listener")
		}
		srv.udpServer = nil
		srv.logger.Info("Stop", "", nil, "UDP server has shut down successfully")
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := udpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
}
