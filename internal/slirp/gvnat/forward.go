package gvnat

import (
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tinyrange/natdrv/internal/slirp"
)

const dialTimeout = 10 * time.Second

// startForwarders intercepts guest-initiated TCP and UDP flows so they can
// be re-originated from host sockets.
func (e *Engine) startForwarders() {
	// SoMaxConn bounds the pending-handshake backlog the way it bounds
	// listen backlogs in the classic engine.
	maxInFlight := e.cfg.SoMaxConn * 64
	if maxInFlight < 64 {
		maxInFlight = 64
	}
	tcpFwd := tcp.NewForwarder(e.gs, 0, maxInFlight, e.handleTCP)
	e.gs.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(e.gs, e.handleUDP)
	e.gs.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)
}

// hostDest maps a guest-chosen destination onto the address the host
// should dial. Destinations inside the virtual network are refused except
// for the gateway, which maps to the host loopback when that is allowed.
func (e *Engine) hostDest(dst netip.Addr) (netip.Addr, bool) {
	if dst == e.cfg.HostAddr {
		if !e.cfg.LocalhostReachable {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte{127, 0, 0, 1}), true
	}
	if e.cfg.IPv6Enabled && dst == e.cfg.HostAddr6 {
		if !e.cfg.LocalhostReachable {
			return netip.Addr{}, false
		}
		return netip.IPv6Loopback(), true
	}
	if dst.Is4() && e.cfg.Network.Contains(dst) {
		return netip.Addr{}, false
	}
	if e.cfg.IPv6Enabled && dst.Is6() && e.cfg.Prefix6.Contains(dst) {
		return netip.Addr{}, false
	}
	return dst, true
}

func (e *Engine) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	dst, ok := e.hostDest(tcpipToNetip(id.LocalAddress))
	if !ok {
		r.Complete(true)
		return
	}

	hostConn, err := e.dialTCP(dst, int(id.LocalPort), int(id.RemotePort))
	if err != nil {
		e.log.Debug("outbound dial failed", "dst", dst, "port", id.LocalPort, "err", err)
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, terr := r.CreateEndpoint(&wq)
	if terr != nil {
		hostConn.Close()
		r.Complete(true)
		return
	}
	r.Complete(false)
	guestConn := gonet.NewTCPConn(&wq, ep)

	fl := e.flows.add("tcp", flowAddr(id.RemoteAddress, id.RemotePort), hostConn.RemoteAddr().String(), false, func() {
		guestConn.Close()
		hostConn.Close()
	})
	if e.cfg.AliasMode&slirp.AliasLog != 0 {
		e.log.Info("new flow", "proto", "tcp", "guest", fl.guest, "host", fl.host)
	}
	go e.proxyStreams(guestConn, hostConn, fl)
}

func (e *Engine) handleUDP(r *udp.ForwarderRequest) bool {
	id := r.ID()
	dst, ok := e.hostDest(tcpipToNetip(id.LocalAddress))
	if !ok {
		return false
	}

	var wq waiter.Queue
	ep, terr := r.CreateEndpoint(&wq)
	if terr != nil {
		return false
	}
	guestConn := gonet.NewUDPConn(&wq, ep)

	go func() {
		hostConn, err := e.dialUDP(dst, int(id.LocalPort), int(id.RemotePort))
		if err != nil {
			e.log.Debug("outbound udp dial failed", "dst", dst, "port", id.LocalPort, "err", err)
			guestConn.Close()
			return
		}
		fl := e.flows.add("udp", flowAddr(id.RemoteAddress, id.RemotePort), hostConn.RemoteAddr().String(), true, func() {
			guestConn.Close()
			hostConn.Close()
		})
		if e.cfg.AliasMode&slirp.AliasLog != 0 {
			e.log.Info("new flow", "proto", "udp", "guest", fl.guest, "host", fl.host)
		}
		e.relayPackets(guestConn, hostConn, fl)
	}()
	return true
}

// dialTCP opens the host-side socket for a guest flow, honoring the
// configured bind address, the same-port alias mode and the TCP buffer
// sizes.
func (e *Engine) dialTCP(dst netip.Addr, dstPort, guestPort int) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	if bind := e.bindIP(); bind != nil {
		local := &net.TCPAddr{IP: bind}
		if e.cfg.AliasMode&slirp.AliasSamePorts != 0 {
			local.Port = guestPort
		}
		d.LocalAddr = local
	} else if e.cfg.AliasMode&slirp.AliasSamePorts != 0 {
		d.LocalAddr = &net.TCPAddr{Port: guestPort}
	}

	conn, err := d.DialContext(e.ctx, "tcp", net.JoinHostPort(dst.String(), strconv.Itoa(dstPort)))
	if err != nil && d.LocalAddr != nil && e.cfg.AliasMode&slirp.AliasSamePorts != 0 {
		// Same-port preservation is best effort.
		d.LocalAddr = nil
		if bind := e.bindIP(); bind != nil {
			d.LocalAddr = &net.TCPAddr{IP: bind}
		}
		conn, err = d.DialContext(e.ctx, "tcp", net.JoinHostPort(dst.String(), strconv.Itoa(dstPort)))
	}
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if e.cfg.TCPRcv > 0 {
			_ = tc.SetReadBuffer(e.cfg.TCPRcv)
		}
		if e.cfg.TCPSnd > 0 {
			_ = tc.SetWriteBuffer(e.cfg.TCPSnd)
		}
	}
	return conn, nil
}

func (e *Engine) dialUDP(dst netip.Addr, dstPort, guestPort int) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	if bind := e.bindIP(); bind != nil {
		local := &net.UDPAddr{IP: bind}
		if e.cfg.AliasMode&slirp.AliasSamePorts != 0 {
			local.Port = guestPort
		}
		d.LocalAddr = local
	}

	conn, err := d.DialContext(e.ctx, "udp", net.JoinHostPort(dst.String(), strconv.Itoa(dstPort)))
	if err != nil && d.LocalAddr != nil {
		d.LocalAddr = nil
		conn, err = d.DialContext(e.ctx, "udp", net.JoinHostPort(dst.String(), strconv.Itoa(dstPort)))
	}
	if err != nil {
		return nil, err
	}

	if uc, ok := conn.(*net.UDPConn); ok {
		if e.cfg.SockRcv > 0 {
			_ = uc.SetReadBuffer(e.cfg.SockRcv)
		}
		if e.cfg.SockSnd > 0 {
			_ = uc.SetWriteBuffer(e.cfg.SockSnd)
		}
	}
	return conn, nil
}

func (e *Engine) bindIP() net.IP {
	if !e.cfg.BindIP.IsValid() || e.cfg.BindIP.IsUnspecified() {
		return nil
	}
	return e.cfg.BindIP.AsSlice()
}

// proxyStreams shuttles a TCP flow until both directions finish, then
// unregisters it.
func (e *Engine) proxyStreams(a, b net.Conn, fl *flow) {
	g := new(errgroup.Group)
	g.Go(func() error { return copyHalf(b, a, fl) })
	g.Go(func() error { return copyHalf(a, b, fl) })
	_ = g.Wait()
	a.Close()
	b.Close()
	e.flows.remove(fl)
}

func copyHalf(dst, src net.Conn, fl *flow) error {
	_, err := io.Copy(dst, src)
	fl.touch()
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
	return err
}

// relayPackets shuttles datagrams for a UDP flow until either socket is
// closed, which the idle sweep does for quiet flows.
func (e *Engine) relayPackets(a, b net.Conn, fl *flow) {
	g := new(errgroup.Group)
	g.Go(func() error { return relayHalf(b, a, fl) })
	g.Go(func() error { return relayHalf(a, b, fl) })
	_ = g.Wait()
	a.Close()
	b.Close()
	e.flows.remove(fl)
}

func relayHalf(dst, src net.Conn, fl *flow) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := src.Read(buf)
		if err != nil {
			return err
		}
		fl.touch()
		if _, err := dst.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func flowAddr(addr tcpip.Address, port uint16) string {
	return net.JoinHostPort(tcpipToNetip(addr).String(), strconv.Itoa(int(port)))
}
