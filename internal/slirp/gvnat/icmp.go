package gvnat

import (
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	netipv4 "golang.org/x/net/ipv4"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
)

const icmpProbeTimeout = 4 * time.Second

// icmpProxy answers guest pings to external hosts with real unprivileged
// probes. Echoes addressed to the gateway or anything inside the virtual
// network stay in the netstack. In-flight probes are capped; excess echo
// requests are dropped, which a pinging guest treats as ordinary loss.
type icmpProxy struct {
	engine *Engine
	slots  chan struct{}
}

func newICMPProxy(e *Engine) *icmpProxy {
	limit := e.cfg.ICMPCacheLimit
	if limit <= 0 {
		limit = 1
	}
	return &icmpProxy{
		engine: e,
		slots:  make(chan struct{}, limit),
	}
}

// echoRequest is the part of a guest echo the probe goroutine needs after
// the frame buffer is recycled.
type echoRequest struct {
	guestMAC net.HardwareAddr
	guestIP  netip.Addr
	dst      netip.Addr
	ident    uint16
	seq      uint16
	data     []byte
}

// maybeProxy claims externally-bound IPv4 echo requests. It reports whether
// the frame was consumed; anything it declines flows into the netstack.
func (p *icmpProxy) maybeProxy(frame []byte) bool {
	if len(frame) < header.EthernetMinimumSize {
		return false
	}
	eth := header.Ethernet(frame)
	if eth.Type() != ipv4.ProtocolNumber {
		return false
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) || ip.TransportProtocol() != header.ICMPv4ProtocolNumber {
		return false
	}
	pkt := header.ICMPv4(ip.Payload())
	if len(pkt) < header.ICMPv4MinimumSize || pkt.Type() != header.ICMPv4Echo {
		return false
	}

	dst := tcpipToNetip(ip.DestinationAddress())
	cfg := p.engine.cfg
	if dst == cfg.HostAddr || cfg.Network.Contains(dst) {
		return false
	}

	select {
	case p.slots <- struct{}{}:
	default:
		// At the in-flight cap. The request is consumed and dropped.
		return true
	}

	req := echoRequest{
		guestMAC: net.HardwareAddr(append([]byte(nil), frame[6:12]...)),
		guestIP:  tcpipToNetip(ip.SourceAddress()),
		dst:      dst,
		ident:    pkt.Ident(),
		seq:      pkt.Sequence(),
		data:     append([]byte(nil), pkt.Payload()...),
	}
	go p.probe(req)
	return true
}

// probe sends one unprivileged echo to the real destination and, when a
// reply arrives in time, feeds a synthesized reply frame back to the guest.
func (p *icmpProxy) probe(req echoRequest) {
	defer func() { <-p.slots }()

	bind := "0.0.0.0"
	if ip := p.engine.bindIP(); ip != nil {
		bind = ip.String()
	}
	conn, err := icmp.ListenPacket("udp4", bind)
	if err != nil {
		p.engine.log.Debug("icmp: open probe socket", "err", err)
		return
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: netipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   int(req.ident),
			Seq:  int(req.seq),
			Data: req.data,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		p.engine.log.Debug("icmp: marshal echo", "err", err)
		return
	}
	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: req.dst.AsSlice()}); err != nil {
		p.engine.log.Debug("icmp: probe write", "dst", req.dst, "err", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(icmpProbeTimeout))
	buf := make([]byte, maxProbeReply)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || reply.Type != netipv4.ICMPTypeEchoReply {
			continue
		}
		p.deliverReply(req, echo.Data)
		return
	}
}

const (
	protocolICMP  = 1
	maxProbeReply = 64 * 1024
)

// deliverReply builds the guest-facing echo reply frame. The kernel rewrote
// the probe's ident to a local port, so the guest's original ident and
// sequence go back on the wire instead of the reply's.
func (p *icmpProxy) deliverReply(req echoRequest, data []byte) {
	e := p.engine

	icmpLen := header.ICMPv4MinimumSize + len(data)
	frame := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+icmpLen)

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: e.mac,
		DstAddr: tcpip.LinkAddress(req.guestMAC),
		Type:    ipv4.ProtocolNumber,
	})

	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + icmpLen),
		TTL:         64,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     netipToTcpip(req.dst),
		DstAddr:     netipToTcpip(req.guestIP),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	pkt := header.ICMPv4(ip.Payload())
	pkt.SetType(header.ICMPv4EchoReply)
	pkt.SetCode(0)
	pkt.SetIdent(req.ident)
	pkt.SetSequence(req.seq)
	copy(pkt.Payload(), data)
	pkt.SetChecksum(0)
	pkt.SetChecksum(header.ICMPv4Checksum(pkt, 0))

	select {
	case <-e.ctx.Done():
	default:
		e.deliverToGuest(frame)
	}
}
