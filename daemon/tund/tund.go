// Package tund runs the tunnel server: it listens for DNS queries and raw UDP frames from tunnel
// clients, hands them to the transport engine, and exchanges the tunneled IP packets with a TUN device.
package tund

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/HouzuoGuo/ipoverdns/daemon/common"
	"github.com/HouzuoGuo/ipoverdns/ipoverdns"
	"github.com/HouzuoGuo/ipoverdns/lalog"
	"github.com/HouzuoGuo/ipoverdns/misc"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultDNSPort       = 53
	DefaultTunnelNetwork = "192.168.99.0/27"
	DefaultTunDeviceName = "dns0"
	DefaultMaxIdleSec    = 10 * 60
	DefaultPerIPLimit    = 500
	// SweepIntervalSec is the interval of expiring unanswered queries and reaping idle sessions.
	SweepIntervalSec = 1
	// EventQueueLen is the number of events that may wait for the reactor.
	EventQueueLen = 256
)

// Daemon is the tunnel server.
type Daemon struct {
	// Address is the IPv4 address to listen on for DNS queries and raw UDP frames.
	Address string `json:"Address"`
	// Address6 is the optional IPv6 address to listen on for DNS queries.
	Address6 string `json:"Address6"`
	// DNSPort is the port number of the DNS listeners.
	DNSPort int `json:"DNSPort"`
	// RawPort is the port number of the raw UDP listener. Raw UDP mode is disabled when it is 0.
	RawPort int `json:"RawPort"`
	// TopDomain is the zone delegated to this server, queries for its sub-domains carry the tunnel.
	TopDomain string `json:"TopDomain"`
	// Password authenticates tunnel clients.
	Password string `json:"Password"`
	// TunnelNetwork is the IPv4 network in CIDR notation shared by the server and its clients.
	TunnelNetwork string `json:"TunnelNetwork"`
	// TunnelNetwork6 is the optional IPv6 network in CIDR notation shared by the server and its clients.
	TunnelNetwork6 string `json:"TunnelNetwork6"`
	// Lazy holds DNS queries unanswered until there is data for the client.
	Lazy bool `json:"Lazy"`
	// QueryTTLSec is the number of seconds an unanswered DNS query is held for.
	QueryTTLSec int `json:"QueryTTLSec"`
	// MaxViolations is the number of protocol violations that tear down a session.
	MaxViolations int `json:"MaxViolations"`
	// RecencyTolerance is the number of sequence numbers ahead of the last one that are accepted as new packets.
	RecencyTolerance int `json:"RecencyTolerance"`
	// DownstreamFrameLen is the largest frame carried by a DNS answer.
	DownstreamFrameLen int `json:"DownstreamFrameLen"`
	// MaxIdleSec is the number of seconds after which an inactive session is torn down.
	MaxIdleSec int `json:"MaxIdleSec"`
	// PerIPLimit is the maximum number of datagrams acceptable from a single IP per second.
	PerIPLimit int `json:"PerIPLimit"`
	// TunDeviceName is the name of the TUN device created at start.
	TunDeviceName string `json:"TunDeviceName"`
	// Debug logs every discarded frame.
	Debug bool `json:"Debug"`

	// Device replaces the TUN device when it is assigned before start.
	Device PacketDevice `json:"-"`
	// Metrics is created upon initialisation if prometheus integration is enabled.
	Metrics *ipoverdns.Metrics `json:"-"`

	engine       *ipoverdns.Engine
	dnsTransport *ipoverdns.DNSNullTransport
	pool         *AddressPool
	dnsServer    *common.UDPServer
	dnsServer6   *common.UDPServer
	rawServer    *common.UDPServer
	sweep        *misc.Periodic
	events       chan func()

	mutex      *sync.Mutex
	ctx        context.Context
	cancelFunc context.CancelFunc
	device     PacketDevice
	logger     *lalog.Logger
}

// Initialise validates configuration and initialises the internal states.
func (daemon *Daemon) Initialise() error {
	if daemon.Address == "" {
		daemon.Address = "0.0.0.0"
	}
	if daemon.DNSPort < 1 {
		daemon.DNSPort = DefaultDNSPort
	}
	if daemon.TunnelNetwork == "" {
		daemon.TunnelNetwork = DefaultTunnelNetwork
	}
	if daemon.TunDeviceName == "" {
		daemon.TunDeviceName = DefaultTunDeviceName
	}
	if daemon.QueryTTLSec < 1 {
		daemon.QueryTTLSec = int(ipoverdns.DefaultQueryTTL / time.Second)
	}
	if daemon.MaxIdleSec < 1 {
		daemon.MaxIdleSec = DefaultMaxIdleSec
	}
	if daemon.PerIPLimit < 1 {
		daemon.PerIPLimit = DefaultPerIPLimit
	}
	daemon.logger = &lalog.Logger{
		ComponentName: "tund",
		ComponentID:   []lalog.LoggerIDField{{Key: "TopDomain", Value: daemon.TopDomain}},
	}
	if err := ipoverdns.CheckTopDomain(daemon.TopDomain); err != nil {
		return fmt.Errorf("tund.Initialise: %w", err)
	}
	if daemon.Address6 != "" {
		if addr, err := netip.ParseAddr(daemon.Address6); err != nil || !addr.Is6() {
			return fmt.Errorf("tund.Initialise: Address6 \"%s\" is not an IPv6 address", daemon.Address6)
		}
	}
	var err error
	if daemon.pool, err = NewAddressPool(daemon.TunnelNetwork, daemon.TunnelNetwork6); err != nil {
		return fmt.Errorf("tund.Initialise: %w", err)
	}
	login, err := ipoverdns.NewLoginVerifier(daemon.Password, ipoverdns.DefaultIdentifier)
	if err != nil {
		return fmt.Errorf("tund.Initialise: %w", err)
	}
	if daemon.Metrics == nil && misc.EnablePrometheusIntegration {
		daemon.Metrics = ipoverdns.NewMetrics()
		if err := daemon.Metrics.Register(prometheus.DefaultRegisterer); err != nil {
			daemon.logger.Warning("Initialise", "", err, "failed to register prometheus metrics collectors")
		}
	}

	// Listeners
	daemon.dnsServer = &common.UDPServer{
		ListenAddr:  daemon.Address,
		ListenPort:  daemon.DNSPort,
		AppName:     "tund-dns",
		Handler:     daemon.datagramHandler(ipoverdns.ModeDNSNull),
		Stats:       misc.TunnelDNSStats,
		LimitPerSec: daemon.PerIPLimit,
	}
	servers := []*common.UDPServer{daemon.dnsServer}
	if daemon.Address6 != "" {
		daemon.dnsServer6 = &common.UDPServer{
			ListenAddr:  daemon.Address6,
			ListenPort:  daemon.DNSPort,
			AppName:     "tund-dns6",
			Handler:     daemon.datagramHandler(ipoverdns.ModeDNSNull),
			Stats:       misc.TunnelDNSStats,
			LimitPerSec: daemon.PerIPLimit,
		}
		servers = append(servers, daemon.dnsServer6)
	}
	if daemon.RawPort > 0 {
		daemon.rawServer = &common.UDPServer{
			ListenAddr:  daemon.Address,
			ListenPort:  daemon.RawPort,
			AppName:     "tund-raw",
			Handler:     daemon.datagramHandler(ipoverdns.ModeRawUDP),
			Stats:       misc.TunnelRawStats,
			LimitPerSec: daemon.PerIPLimit,
		}
		servers = append(servers, daemon.rawServer)
	}
	for _, srv := range servers {
		if err := srv.Initialise(); err != nil {
			return fmt.Errorf("tund.Initialise: %w", err)
		}
	}

	// Transports and engine
	daemon.dnsTransport = &ipoverdns.DNSNullTransport{
		TopDomain:          daemon.TopDomain,
		Lazy:               daemon.Lazy,
		DownstreamFrameLen: daemon.DownstreamFrameLen,
		Tracker:            ipoverdns.NewQueryTracker(time.Duration(daemon.QueryTTLSec) * time.Second),
		Conn:               daemon.dnsServer,
		Metrics:            daemon.Metrics,
	}
	if daemon.dnsServer6 != nil {
		daemon.dnsTransport.Conn6 = daemon.dnsServer6
	}
	if err := daemon.dnsTransport.Initialise(); err != nil {
		return fmt.Errorf("tund.Initialise: %w", err)
	}
	transports := map[ipoverdns.ConnectionMode]ipoverdns.Transport{ipoverdns.ModeDNSNull: daemon.dnsTransport}
	if daemon.rawServer != nil {
		transports[ipoverdns.ModeRawUDP] = &ipoverdns.RawUDPTransport{Conn: daemon.rawServer}
	}
	daemon.engine = &ipoverdns.Engine{
		Transports:       transports,
		Login:            login,
		RecencyTolerance: daemon.RecencyTolerance,
		MaxViolations:    daemon.MaxViolations,
		OnLogin:          daemon.pool.Assign,
		OnPacket:         daemon.writeToDevice,
		Metrics:          daemon.Metrics,
		Debug:            daemon.Debug,
	}
	if err := daemon.engine.Initialise(); err != nil {
		return fmt.Errorf("tund.Initialise: %w", err)
	}

	daemon.sweep = &misc.Periodic{
		Interval: SweepIntervalSec * time.Second,
		MaxInt:   1,
		Func: func(ctx context.Context, _, _ int) error {
			daemon.submit(ctx, daemon.sweepOnce)
			return nil
		},
	}
	daemon.events = make(chan func(), EventQueueLen)
	daemon.mutex = new(sync.Mutex)
	return nil
}

/*
StartAndBlock creates the TUN device, starts the listeners, and processes their events one at a time
until the daemon is told to stop. A listener failure stops the daemon and the error is returned.
*/
func (daemon *Daemon) StartAndBlock() error {
	daemon.mutex.Lock()
	if daemon.cancelFunc != nil {
		daemon.mutex.Unlock()
		return errors.New("tund.StartAndBlock: the daemon must not be started a second time")
	}
	device := daemon.Device
	if device == nil {
		var err error
		device, err = OpenTunDevice(daemon.TunDeviceName,
			netip.PrefixFrom(daemon.pool.ServerAddr(), daemon.pool.Network.Bits()),
			netip.PrefixFrom(daemon.pool.ServerAddr6(), daemon.pool.Network6.Bits()))
		if err != nil {
			daemon.mutex.Unlock()
			return fmt.Errorf("tund.StartAndBlock: %w", err)
		}
	}
	daemon.device = device
	daemon.ctx, daemon.cancelFunc = context.WithCancel(context.Background())
	ctx := daemon.ctx
	daemon.mutex.Unlock()
	defer daemon.Stop()

	daemon.logger.Info("StartAndBlock", "", nil, "starting tunnel on device %s, server address %v and %v",
		device.Name(), daemon.pool.ServerAddr(), daemon.pool.ServerAddr6())
	go daemon.reactor(ctx)
	go daemon.readDevice(ctx, device)
	if err := daemon.sweep.Start(ctx); err != nil {
		return fmt.Errorf("tund.StartAndBlock: %w", err)
	}

	// A Stop that came in during the start leaves the listeners stopped.
	if ctx.Err() != nil {
		return nil
	}
	servers := daemon.servers()
	serverErrs := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *common.UDPServer) {
			serverErrs <- srv.StartAndBlock()
		}(srv)
	}
	for range servers {
		if err := <-serverErrs; err != nil {
			return fmt.Errorf("tund.StartAndBlock: %w", err)
		}
	}
	return nil
}

func (daemon *Daemon) servers() []*common.UDPServer {
	ret := make([]*common.UDPServer, 0, 3)
	for _, srv := range []*common.UDPServer{daemon.dnsServer, daemon.dnsServer6, daemon.rawServer} {
		if srv != nil {
			ret = append(ret, srv)
		}
	}
	return ret
}

// datagramHandler returns the listener handler that passes datagrams of the connection mode to the reactor,
// and waits for the reactor to process them so that the listener's stats cover the processing.
func (daemon *Daemon) datagramHandler(mode ipoverdns.ConnectionMode) common.UDPHandler {
	return func(packet []byte, from netip.AddrPort, dst netip.Addr) {
		daemon.mutex.Lock()
		ctx := daemon.ctx
		daemon.mutex.Unlock()
		if ctx == nil {
			return
		}
		done := make(chan struct{})
		daemon.submit(ctx, func() {
			defer close(done)
			if err := daemon.engine.Deliver(mode, packet, from, dst); err != nil && daemon.Debug {
				daemon.logger.Info("datagramHandler", from.String(), err, "failed to process %v frame", mode)
			}
		})
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

// submit passes the event to the reactor, or drops it if the daemon is stopping.
func (daemon *Daemon) submit(ctx context.Context, event func()) {
	select {
	case daemon.events <- event:
	case <-ctx.Done():
	}
}

// reactor runs the events one at a time, it is the only goroutine that touches the engine.
func (daemon *Daemon) reactor(ctx context.Context) {
	for {
		select {
		case event := <-daemon.events:
			event()
		case <-ctx.Done():
			return
		}
	}
}

// readDevice reads packets from the tunnel device and passes them to the reactor for routing.
func (daemon *Daemon) readDevice(ctx context.Context, device PacketDevice) {
	buf := make([]byte, MaxDevicePacketLen)
	for {
		n, err := device.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				daemon.logger.Warning("readDevice", device.Name(), err, "failed to read from tunnel device, stopping the daemon")
				daemon.Stop()
			}
			return
		}
		if n == 0 {
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		daemon.submit(ctx, func() {
			daemon.routePacket(packet)
		})
	}
}

// routePacket sends the packet read from tunnel device to the session owning its destination address.
func (daemon *Daemon) routePacket(packet []byte) {
	beginTimeNano := time.Now().UnixNano()
	defer func() {
		misc.TunnelDeviceStats.Trigger(float64(time.Now().UnixNano() - beginTimeNano))
	}()
	dst, err := DestinationOf(packet)
	if err != nil {
		if daemon.Debug {
			daemon.logger.Info("routePacket", "", err, "discarded %d bytes read from tunnel device", len(packet))
		}
		return
	}
	sess := daemon.engine.Sessions.FindByAddr(dst)
	if sess == nil {
		if daemon.Debug {
			daemon.logger.Info("routePacket", dst.String(), nil, "no session owns the destination")
		}
		return
	}
	if err := daemon.engine.Send(sess, packet); err != nil {
		daemon.logger.Info("routePacket", sess.Remote.String(), err, "failed to send %d bytes to user %d", len(packet), sess.User)
	}
}

// writeToDevice writes a packet reassembled from a session into the tunnel device.
func (daemon *Daemon) writeToDevice(sess *ipoverdns.Session, packet []byte) {
	daemon.mutex.Lock()
	device := daemon.device
	daemon.mutex.Unlock()
	if device == nil {
		return
	}
	if _, err := device.Write(packet); err != nil {
		daemon.logger.Warning("writeToDevice", sess.Remote.String(), err, "failed to write %d bytes from user %d", len(packet), sess.User)
	}
}

// sweepOnce expires unanswered queries and tears down idle sessions.
func (daemon *Daemon) sweepOnce() {
	beginTimeNano := time.Now().UnixNano()
	defer func() {
		misc.TunnelSweepStats.Trigger(float64(time.Now().UnixNano() - beginTimeNano))
	}()
	if expired := daemon.dnsTransport.Expire(time.Now()); len(expired) > 0 {
		names := make([]string, 0, len(expired))
		for _, query := range expired {
			names = append(names, query.Key.Name)
		}
		daemon.logger.Info("sweepOnce", "", nil, "%d queries expired unanswered: %s",
			len(expired), lalog.TruncateString(strings.Join(names, ", "), 200))
	}
	for _, sess := range daemon.engine.ReapIdle(time.Duration(daemon.MaxIdleSec) * time.Second) {
		daemon.logger.Info("sweepOnce", sess.Remote.String(), nil, "reaped idle user %d", sess.User)
	}
}

// Stop the listeners and the reactor, then close the tunnel device. It is safe to call Stop more than once.
func (daemon *Daemon) Stop() {
	daemon.mutex.Lock()
	if daemon.cancelFunc != nil {
		daemon.cancelFunc()
		daemon.cancelFunc = nil
	}
	device := daemon.device
	daemon.device = nil
	daemon.mutex.Unlock()
	for _, srv := range daemon.servers() {
		srv.Stop()
	}
	daemon.sweep.Stop()
	if device != nil {
		if err := device.Close(); err != nil {
			daemon.logger.Warning("Stop", device.Name(), err, "failed to close tunnel device")
		}
	}
}
