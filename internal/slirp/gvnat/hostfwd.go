package gvnat

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
)

type fwdKey struct {
	udp  bool
	addr netip.Addr
	port int
}

func (k fwdKey) String() string {
	proto := "tcp"
	if k.udp {
		proto = "udp"
	}
	return fmt.Sprintf("%s/%s", proto, net.JoinHostPort(k.addr.String(), strconv.Itoa(k.port)))
}

// hostForward is one host-side listener feeding a guest service.
type hostForward struct {
	key       fwdKey
	guest     netip.Addr
	guestPort int

	listener net.Listener
	packet   net.PacketConn

	mu    sync.Mutex
	peers map[string]*gonet.UDPConn

	closed chan struct{}
}

func (f *hostForward) close() {
	select {
	case <-f.closed:
		return
	default:
		close(f.closed)
	}
	if f.listener != nil {
		f.listener.Close()
	}
	if f.packet != nil {
		f.packet.Close()
	}
	f.mu.Lock()
	for _, c := range f.peers {
		c.Close()
	}
	f.mu.Unlock()
}

// AddHostFwd opens a host listener that forwards into the guest. An
// unspecified guest address targets the default guest lease.
func (e *Engine) AddHostFwd(udp bool, hostAddr netip.Addr, hostPort int, guestAddr netip.Addr, guestPort int) error {
	if !hostAddr.IsValid() {
		hostAddr = netip.IPv4Unspecified()
	}
	if !guestAddr.IsValid() || guestAddr.IsUnspecified() {
		guestAddr = e.cfg.DHCPStart
	}

	key := fwdKey{udp: udp, addr: hostAddr, port: hostPort}

	e.fwdMu.Lock()
	defer e.fwdMu.Unlock()
	if _, ok := e.forwards[key]; ok {
		return fmt.Errorf("forward %s already exists", key)
	}

	fwd := &hostForward{
		key:       key,
		guest:     guestAddr,
		guestPort: guestPort,
		closed:    make(chan struct{}),
	}
	bind := net.JoinHostPort(hostAddr.String(), strconv.Itoa(hostPort))
	if udp {
		pc, err := net.ListenPacket("udp", bind)
		if err != nil {
			return fmt.Errorf("listen %s: %w", key, err)
		}
		fwd.packet = pc
		fwd.peers = make(map[string]*gonet.UDPConn)
		go e.serveUDPForward(fwd)
	} else {
		ln, err := net.Listen("tcp", bind)
		if err != nil {
			return fmt.Errorf("listen %s: %w", key, err)
		}
		fwd.listener = ln
		go e.serveTCPForward(fwd)
	}

	e.forwards[key] = fwd
	e.log.Info("host forward added", "forward", key.String(), "guest", guestAddr, "guestPort", guestPort)
	return nil
}

// RemoveHostFwd tears down a forward added with the same key.
func (e *Engine) RemoveHostFwd(udp bool, hostAddr netip.Addr, hostPort int) error {
	if !hostAddr.IsValid() {
		hostAddr = netip.IPv4Unspecified()
	}
	key := fwdKey{udp: udp, addr: hostAddr, port: hostPort}

	e.fwdMu.Lock()
	fwd, ok := e.forwards[key]
	if ok {
		delete(e.forwards, key)
	}
	e.fwdMu.Unlock()

	if !ok {
		return fmt.Errorf("forward %s not found", key)
	}
	fwd.close()
	e.log.Info("host forward removed", "forward", key.String())
	return nil
}

func (e *Engine) guestProto(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is6() {
		return ipv6.ProtocolNumber
	}
	return ipv4.ProtocolNumber
}

func (e *Engine) serveTCPForward(fwd *hostForward) {
	for {
		hostConn, err := fwd.listener.Accept()
		if err != nil {
			select {
			case <-fwd.closed:
			default:
				if !errors.Is(err, net.ErrClosed) {
					e.log.Error("forward accept failed", "forward", fwd.key.String(), "err", err)
				}
			}
			return
		}
		go func() {
			guestConn, err := gonet.DialContextTCP(e.ctx, e.gs, tcpip.FullAddress{
				NIC:  nicID,
				Addr: netipToTcpip(fwd.guest),
				Port: uint16(fwd.guestPort),
			}, e.guestProto(fwd.guest))
			if err != nil {
				e.log.Debug("guest dial failed", "forward", fwd.key.String(), "err", err)
				hostConn.Close()
				return
			}
			fl := e.flows.add("tcp", guestConn.RemoteAddr().String(), hostConn.RemoteAddr().String(), false, func() {
				guestConn.Close()
				hostConn.Close()
			})
			e.proxyStreams(guestConn, hostConn, fl)
		}()
	}
}

// serveUDPForward relays datagrams from host peers into the guest,
// keeping one guest-side socket per peer so replies find their way back.
func (e *Engine) serveUDPForward(fwd *hostForward) {
	buf := make([]byte, 64*1024)
	for {
		n, peer, err := fwd.packet.ReadFrom(buf)
		if err != nil {
			select {
			case <-fwd.closed:
			default:
				if !errors.Is(err, net.ErrClosed) {
					e.log.Error("forward read failed", "forward", fwd.key.String(), "err", err)
				}
			}
			return
		}

		guestConn, err := e.udpPeerConn(fwd, peer)
		if err != nil {
			e.log.Debug("guest udp dial failed", "forward", fwd.key.String(), "err", err)
			continue
		}
		if _, err := guestConn.Write(buf[:n]); err != nil {
			e.log.Debug("guest udp write failed", "forward", fwd.key.String(), "err", err)
		}
	}
}

func (e *Engine) udpPeerConn(fwd *hostForward, peer net.Addr) (*gonet.UDPConn, error) {
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	if c, ok := fwd.peers[peer.String()]; ok {
		return c, nil
	}

	guestConn, err := gonet.DialUDP(e.gs, nil, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: netipToTcpip(fwd.guest),
		Port: uint16(fwd.guestPort),
	}, e.guestProto(fwd.guest))
	if err != nil {
		return nil, err
	}
	fwd.peers[peer.String()] = guestConn

	fl := e.flows.add("udp", guestConn.RemoteAddr().String(), peer.String(), true, func() {
		guestConn.Close()
	})

	// Reply pump: guest responses travel back to this specific peer.
	go func() {
		defer func() {
			fwd.mu.Lock()
			delete(fwd.peers, peer.String())
			fwd.mu.Unlock()
			guestConn.Close()
			e.flows.remove(fl)
		}()
		buf := make([]byte, 64*1024)
		for {
			n, err := guestConn.Read(buf)
			if err != nil {
				return
			}
			fl.touch()
			if _, err := fwd.packet.WriteTo(buf[:n], peer); err != nil {
				return
			}
		}
	}()

	return guestConn, nil
}
