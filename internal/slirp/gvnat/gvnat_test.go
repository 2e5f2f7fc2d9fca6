package gvnat

import (
	"encoding/binary"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/natdrv/internal/slirp"
)

func testEngineConfig() *slirp.Config {
	return &slirp.Config{
		Network:    netip.MustParsePrefix("10.0.2.0/24"),
		HostAddr:   netip.MustParseAddr("10.0.2.2"),
		DHCPStart:  netip.MustParseAddr("10.0.2.15"),
		Nameserver: netip.MustParseAddr("10.0.2.3"),

		IPv6Enabled: true,
		Prefix6:     netip.MustParsePrefix("fd17:625c:f037:2::/64"),
		HostAddr6:   netip.MustParseAddr("fd17:625c:f037:2::2"),
		Nameserver6: netip.MustParseAddr("fd17:625c:f037:2::3"),

		Hostname: "vbox",
		MTU:      1500,
	}
}

func TestFwdKeyString(t *testing.T) {
	cases := []struct {
		key  fwdKey
		want string
	}{
		{fwdKey{addr: netip.MustParseAddr("0.0.0.0"), port: 8080}, "tcp/0.0.0.0:8080"},
		{fwdKey{udp: true, addr: netip.MustParseAddr("127.0.0.1"), port: 53}, "udp/127.0.0.1:53"},
		{fwdKey{addr: netip.MustParseAddr("::1"), port: 80}, "tcp/[::1]:80"},
	}
	for _, tc := range cases {
		if got := tc.key.String(); got != tc.want {
			t.Errorf("key %+v: %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestHostDest(t *testing.T) {
	e := &Engine{cfg: testEngineConfig()}

	// Anything inside the virtual network is refused.
	if _, ok := e.hostDest(netip.MustParseAddr("10.0.2.15")); ok {
		t.Fatalf("in-network destination accepted")
	}
	if _, ok := e.hostDest(netip.MustParseAddr("fd17:625c:f037:2::9")); ok {
		t.Fatalf("in-prefix v6 destination accepted")
	}

	// The gateway is refused unless localhost is reachable.
	if _, ok := e.hostDest(e.cfg.HostAddr); ok {
		t.Fatalf("gateway accepted without LocalhostReachable")
	}
	e.cfg.LocalhostReachable = true
	dst, ok := e.hostDest(e.cfg.HostAddr)
	if !ok || dst != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("gateway mapped to %v (%v)", dst, ok)
	}
	dst, ok = e.hostDest(e.cfg.HostAddr6)
	if !ok || dst != netip.IPv6Loopback() {
		t.Fatalf("v6 gateway mapped to %v (%v)", dst, ok)
	}

	// External addresses pass through unchanged.
	ext := netip.MustParseAddr("93.184.216.34")
	dst, ok = e.hostDest(ext)
	if !ok || dst != ext {
		t.Fatalf("external destination mangled: %v (%v)", dst, ok)
	}
}

func TestFlowTable(t *testing.T) {
	ft := newFlowTable()

	closedA := false
	a := ft.add("tcp", "10.0.2.15:5000", "1.2.3.4:80", false, func() { closedA = true })
	closedB := false
	b := ft.add("udp", "10.0.2.15:5001", "8.8.8.8:53", true, func() { closedB = true })

	if a.id == b.id {
		t.Fatalf("flow ids collide: %d", a.id)
	}

	lines := ft.snapshot()
	if len(lines) != 2 {
		t.Fatalf("snapshot has %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "tcp") || !strings.Contains(lines[0], "1.2.3.4:80") {
		t.Fatalf("first snapshot line: %q", lines[0])
	}

	ft.remove(a)
	if len(ft.snapshot()) != 1 {
		t.Fatalf("remove did not shrink the table")
	}

	ft.closeAll()
	if closedA || !closedB {
		t.Fatalf("closeAll ran wrong closers: a=%v b=%v", closedA, closedB)
	}
}

func TestSweepIdleClosesOnlyStaleUDP(t *testing.T) {
	ft := newFlowTable()

	staleClosed := false
	stale := ft.add("udp", "g", "h", true, func() { staleClosed = true })
	stale.lastActive.Store(time.Now().Add(-5 * time.Minute).UnixMilli())

	freshClosed := false
	ft.add("udp", "g", "h", true, func() { freshClosed = true })

	tcpClosed := false
	old := ft.add("tcp", "g", "h", false, func() { tcpClosed = true })
	old.lastActive.Store(time.Now().Add(-5 * time.Minute).UnixMilli())

	ft.sweepIdle(time.Now().UnixMilli(), udpFlowIdleMs)
	if !staleClosed {
		t.Fatalf("stale udp flow survived the sweep")
	}
	if freshClosed {
		t.Fatalf("fresh udp flow swept")
	}
	if tcpClosed {
		t.Fatalf("tcp flow swept")
	}
}

func buildNeighborFrame(etherType uint16, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[14:], payload)
	return frame
}

func TestNeighborTableObserve(t *testing.T) {
	nt := newNeighborTable()

	// ARP request: sender IP sits at payload offset 14.
	arp := make([]byte, 28)
	copy(arp[8:14], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	copy(arp[14:18], []byte{10, 0, 2, 15})
	nt.observe(buildNeighborFrame(0x0806, arp))

	// IPv4: source address at payload offset 12.
	ip := make([]byte, 20)
	ip[0] = 0x45
	copy(ip[12:16], []byte{10, 0, 2, 16})
	nt.observe(buildNeighborFrame(0x0800, ip))

	// Unspecified sources are not learned.
	zero := make([]byte, 20)
	nt.observe(buildNeighborFrame(0x0800, zero))

	// Runts are ignored.
	nt.observe([]byte{1, 2, 3})

	lines := nt.snapshot()
	if len(lines) != 2 {
		t.Fatalf("learned %d entries, want 2: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "10.0.2.15") || !strings.Contains(lines[0], "52:54:00:12:34:56") {
		t.Fatalf("first entry: %q", lines[0])
	}
}

func testCallbacks() slirp.Callbacks {
	return slirp.Callbacks{
		SendPacket:       func(pkt []byte) int { return len(pkt) },
		GuestError:       func(msg string) {},
		ClockNs:          func() int64 { return time.Now().UnixNano() },
		TimerNew:         func(fire func()) *slirp.Timer { return &slirp.Timer{Fire: fire} },
		TimerFree:        func(t *slirp.Timer) {},
		TimerMod:         func(t *slirp.Timer, expireMs int64) {},
		RegisterPollFd:   func(fd int) {},
		UnregisterPollFd: func(fd int) {},
		Notify:           func() {},
	}
}

func newTestEngine(tb testing.TB) *Engine {
	tb.Helper()
	e, err := New(testEngineConfig(), testCallbacks())
	if err != nil {
		tb.Fatalf("new engine: %v", err)
	}
	tb.Cleanup(func() { e.Close() })
	return e
}

func TestEngineLifecycle(t *testing.T) {
	e := newTestEngine(t)

	if v := e.Version(); !strings.Contains(v, "gvnat") {
		t.Fatalf("version = %q", v)
	}

	bind := netip.MustParseAddr("127.0.0.1")
	if err := e.AddHostFwd(false, bind, 0, netip.Addr{}, 8080); err != nil {
		t.Fatalf("add forward: %v", err)
	}
	if err := e.AddHostFwd(false, bind, 0, netip.Addr{}, 8080); err == nil {
		t.Fatalf("duplicate forward accepted")
	}
	if err := e.RemoveHostFwd(false, bind, 0); err != nil {
		t.Fatalf("remove forward: %v", err)
	}
	if err := e.RemoveHostFwd(false, bind, 0); err == nil {
		t.Fatalf("removing a missing forward succeeded")
	}

	e.SetDomainName("corp.example")
	e.SetSearchDomains([]string{"corp.example"})

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestEngineLearnsNeighborsFromInput(t *testing.T) {
	e := newTestEngine(t)

	arp := make([]byte, 28)
	copy(arp[8:14], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	copy(arp[14:18], []byte{10, 0, 2, 15})
	e.Input(buildNeighborFrame(0x0806, arp))

	info := e.NeighborInfo()
	if !strings.Contains(info, "10.0.2.15") {
		t.Fatalf("neighbor info missing learned address:\n%s", info)
	}
}

func TestLookupMapping(t *testing.T) {
	cfg := testEngineConfig()
	cfg.HostResolverMappings = map[string]string{
		"Dev.Local":    "10.1.2.3",
		"broken.local": "not-an-address",
	}
	s := &dnsServer{log: slog.Default(), engine: &Engine{cfg: cfg}}

	addr, ok := s.lookupMapping("dev.local.")
	if !ok || addr != netip.MustParseAddr("10.1.2.3") {
		t.Fatalf("mapping lookup: %v (%v)", addr, ok)
	}
	if _, ok := s.lookupMapping("other.local."); ok {
		t.Fatalf("unmapped name resolved")
	}
	if _, ok := s.lookupMapping("broken.local."); ok {
		t.Fatalf("unparseable target resolved")
	}
}
