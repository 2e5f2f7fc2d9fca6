// Package gvnat is a user-mode NAT engine built on the gVisor netstack.
// Guest frames are injected into a channel link endpoint; guest-initiated
// TCP and UDP flows are intercepted by forwarders and re-originated from
// the host's own sockets. The engine satisfies the single-threaded engine
// contract: background readers never call back into the driver directly,
// they buffer frames and nudge the poll loop instead.
package gvnat

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/tinyrange/natdrv/internal/slirp"
)

const nicID tcpip.NICID = 1

const frameBacklog = 4096

// Engine is a gVisor-backed NAT engine instance.
type Engine struct {
	log *slog.Logger
	cfg *slirp.Config
	cb  slirp.Callbacks

	gs *stack.Stack
	ch *channel.Endpoint

	mac tcpip.LinkAddress

	ctx    context.Context
	cancel context.CancelFunc

	// pending holds guest-bound frames produced off the poll goroutine;
	// PollFdsPoll flushes them through the driver's send-packet callback.
	pendingMu sync.Mutex
	pending   [][]byte

	flows     *flowTable
	neighbors *neighborTable

	fwdMu    sync.Mutex
	forwards map[fwdKey]*hostForward

	dns  *dnsServer
	icmp *icmpProxy

	sweep *slirp.Timer

	closeOnce sync.Once
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// New builds the engine. It must run before the driver's poll goroutine
// starts, because it arms the flow-sweep timer through the callback table.
func New(cfg *slirp.Config, cb slirp.Callbacks, opts ...Option) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:       slog.Default(),
		cfg:       cfg,
		cb:        cb,
		ctx:       ctx,
		cancel:    cancel,
		flows:     newFlowTable(),
		neighbors: newNeighborTable(),
		forwards:  make(map[fwdKey]*hostForward),
	}
	for _, opt := range opts {
		opt(e)
	}

	host4 := cfg.HostAddr.As4()
	e.mac = tcpip.LinkAddress([]byte{0x52, 0x54, 0x00, host4[1], host4[2], 0x02})

	// The channel endpoint MTU is the L2 MTU; the ethernet wrapper
	// subtracts the header to get the L3 MTU the stack sees.
	e.ch = channel.New(frameBacklog, uint32(cfg.MTU)+header.EthernetMinimumSize, e.mac)
	netProtos := []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol}
	if cfg.IPv6Enabled {
		netProtos = append(netProtos, ipv6.NewProtocol)
	}
	e.gs = stack.New(stack.Options{
		NetworkProtocols:   netProtos,
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	if err := e.gs.CreateNIC(nicID, ethernet.New(e.ch)); err != nil {
		cancel()
		return nil, fmt.Errorf("gvnat: create nic: %s", err)
	}
	if err := e.gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(host4),
			PrefixLen: cfg.Network.Bits(),
		},
	}, stack.AddressProperties{}); err != nil {
		cancel()
		return nil, fmt.Errorf("gvnat: add address: %s", err)
	}
	routes := []tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: nicID}}
	if cfg.IPv6Enabled {
		if err := e.gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
			Protocol: ipv6.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpip.AddrFrom16(cfg.HostAddr6.As16()),
				PrefixLen: cfg.Prefix6.Bits(),
			},
		}, stack.AddressProperties{}); err != nil {
			cancel()
			return nil, fmt.Errorf("gvnat: add v6 address: %s", err)
		}
		routes = append(routes, tcpip.Route{Destination: header.IPv6EmptySubnet, NIC: nicID})
	}
	e.gs.SetRouteTable(routes)

	// Flows target arbitrary external addresses, so the NIC must accept
	// packets for addresses it does not own and answer from them.
	if err := e.gs.SetPromiscuousMode(nicID, true); err != nil {
		cancel()
		return nil, fmt.Errorf("gvnat: promiscuous mode: %s", err)
	}
	if err := e.gs.SetSpoofing(nicID, true); err != nil {
		cancel()
		return nil, fmt.Errorf("gvnat: spoofing: %s", err)
	}

	e.startForwarders()

	var err error
	e.dns, err = newDNSServer(e)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gvnat: dns: %w", err)
	}
	e.dns.start()

	e.icmp = newICMPProxy(e)

	if cfg.TFTPPrefix != "" || cfg.BootFile != "" || cfg.NextServer != "" {
		e.log.Warn("boot services are not provided by this engine",
			"tftpPrefix", cfg.TFTPPrefix, "bootFile", cfg.BootFile)
	}

	e.sweep = cb.TimerNew(e.sweepFlows)
	cb.TimerMod(e.sweep, cb.ClockNs()/1e6+sweepIntervalMs)

	go e.readLoop()

	return e, nil
}

// readLoop drains guest-bound frames off the channel endpoint and parks
// them for the next poll cycle.
func (e *Engine) readLoop() {
	for {
		pkt := e.ch.ReadContext(e.ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		e.deliverToGuest(frame)
	}
}

// deliverToGuest parks one frame for the poll goroutine and wakes it.
func (e *Engine) deliverToGuest(frame []byte) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, frame)
	e.pendingMu.Unlock()
	e.cb.Notify()
}

// Input injects one guest frame into the stack. Externally-bound ICMP
// echoes are peeled off and proxied; everything else goes through the
// netstack.
func (e *Engine) Input(frame []byte) {
	e.neighbors.observe(frame)

	if e.icmp.maybeProxy(frame) {
		return
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the L2 header itself, so the
	// protocol argument is unused.
	e.ch.InjectInbound(0, pkt)
}

// PollFdsFill asks for an immediate poll turnaround while frames are
// parked; the engine multiplexes no host fds of its own.
func (e *Engine) PollFdsFill(timeoutMs *uint32, addPoll func(fd int, events slirp.PollEvents) int) {
	e.pendingMu.Lock()
	queued := len(e.pending)
	e.pendingMu.Unlock()
	if queued > 0 {
		*timeoutMs = 0
	}
}

// PollFdsPoll flushes parked frames through the driver. Frames the driver
// refuses are dropped; it only refuses while tearing down.
func (e *Engine) PollFdsPoll(selectErr bool, getREvents func(idx int) slirp.PollEvents) {
	e.pendingMu.Lock()
	batch := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	for _, frame := range batch {
		if e.cb.SendPacket(frame) < 0 {
			e.log.Debug("driver refused frame", "len", len(frame))
		}
	}
}

// Version identifies the engine for the info surface.
func (e *Engine) Version() string {
	return "gvnat 1.0 (gVisor netstack)"
}

// Close cancels the reader, stops the embedded services and tears down
// every forward and flow.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.dns.stop()

		e.fwdMu.Lock()
		for key, fwd := range e.forwards {
			fwd.close()
			delete(e.forwards, key)
		}
		e.fwdMu.Unlock()

		e.flows.closeAll()
		e.ch.Close()
	})
	return nil
}

func netipToTcpip(a netip.Addr) tcpip.Address {
	if a.Is4() {
		return tcpip.AddrFrom4(a.As4())
	}
	return tcpip.AddrFrom16(a.As16())
}

func tcpipToNetip(a tcpip.Address) netip.Addr {
	addr, _ := netip.AddrFromSlice(a.AsSlice())
	return addr
}
