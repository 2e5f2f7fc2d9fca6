package gvnat

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	sweepIntervalMs = 30_000
	udpFlowIdleMs   = 90_000
)

// flow is one active translated connection.
type flow struct {
	id      uint64
	proto   string
	guest   string
	host    string
	udp     bool
	created time.Time

	lastActive atomic.Int64 // unix milliseconds

	closer func()
}

func (f *flow) touch() {
	f.lastActive.Store(time.Now().UnixMilli())
}

type flowTable struct {
	mu    sync.Mutex
	next  uint64
	flows map[uint64]*flow
}

func newFlowTable() *flowTable {
	return &flowTable{flows: make(map[uint64]*flow)}
}

func (t *flowTable) add(proto, guest, host string, udp bool, closer func()) *flow {
	f := &flow{
		proto:   proto,
		guest:   guest,
		host:    host,
		udp:     udp,
		created: time.Now(),
		closer:  closer,
	}
	f.touch()
	t.mu.Lock()
	t.next++
	f.id = t.next
	t.flows[f.id] = f
	t.mu.Unlock()
	return f
}

func (t *flowTable) remove(f *flow) {
	t.mu.Lock()
	delete(t.flows, f.id)
	t.mu.Unlock()
}

func (t *flowTable) closeAll() {
	t.mu.Lock()
	flows := make([]*flow, 0, len(t.flows))
	for _, f := range t.flows {
		flows = append(flows, f)
	}
	t.mu.Unlock()
	for _, f := range flows {
		f.closer()
	}
}

// sweepIdle closes UDP flows that have seen no traffic for idleMs. The
// relay goroutines observe the closed sockets and unregister themselves.
func (t *flowTable) sweepIdle(nowMs int64, idleMs int64) {
	t.mu.Lock()
	var idle []*flow
	for _, f := range t.flows {
		if f.udp && nowMs-f.lastActive.Load() > idleMs {
			idle = append(idle, f)
		}
	}
	t.mu.Unlock()
	for _, f := range idle {
		f.closer()
	}
}

func (t *flowTable) snapshot() []string {
	t.mu.Lock()
	flows := make([]*flow, 0, len(t.flows))
	for _, f := range t.flows {
		flows = append(flows, f)
	}
	t.mu.Unlock()

	sort.Slice(flows, func(i, j int) bool { return flows[i].id < flows[j].id })

	lines := make([]string, 0, len(flows))
	now := time.Now().UnixMilli()
	for _, f := range flows {
		idle := time.Duration(now-f.lastActive.Load()) * time.Millisecond
		lines = append(lines, fmt.Sprintf("  %-4s %s -> %s (idle %s)",
			f.proto, f.guest, f.host, idle.Round(time.Second)))
	}
	return lines
}

// sweepFlows runs on the poll goroutine and re-arms itself.
func (e *Engine) sweepFlows() {
	nowMs := e.cb.ClockNs() / 1e6
	e.flows.sweepIdle(nowMs, udpFlowIdleMs)
	e.cb.TimerMod(e.sweep, nowMs+sweepIntervalMs)
}

// ConnectionInfo lists the active flows.
func (e *Engine) ConnectionInfo() string {
	lines := e.flows.snapshot()
	if len(lines) == 0 {
		return ""
	}
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

// neighborTable records the L2/L3 bindings the guest side reveals in its
// own traffic.
type neighborTable struct {
	mu      sync.Mutex
	entries map[netip.Addr]net.HardwareAddr
}

func newNeighborTable() *neighborTable {
	return &neighborTable{entries: make(map[netip.Addr]net.HardwareAddr)}
}

// observe learns from one guest frame: ARP sender bindings and IPv4/IPv6
// source addresses.
func (t *neighborTable) observe(frame []byte) {
	if len(frame) < 14 {
		return
	}
	src := net.HardwareAddr(append([]byte(nil), frame[6:12]...))
	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[14:]

	var addr netip.Addr
	switch etherType {
	case 0x0806: // ARP: sender IP at offset 14
		if len(payload) < 28 {
			return
		}
		addr = netip.AddrFrom4([4]byte(payload[14:18]))
	case 0x0800:
		if len(payload) < 20 {
			return
		}
		addr = netip.AddrFrom4([4]byte(payload[12:16]))
	case 0x86dd:
		if len(payload) < 40 {
			return
		}
		addr = netip.AddrFrom16([16]byte(payload[8:24]))
	default:
		return
	}
	if !addr.IsValid() || addr.IsUnspecified() {
		return
	}

	t.mu.Lock()
	t.entries[addr] = src
	t.mu.Unlock()
}

func (t *neighborTable) snapshot() []string {
	t.mu.Lock()
	addrs := make([]netip.Addr, 0, len(t.entries))
	for a := range t.entries {
		addrs = append(addrs, a)
	}
	lines := make([]string, 0, len(addrs))
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	for _, a := range addrs {
		lines = append(lines, fmt.Sprintf("  %s at %s", a, t.entries[a]))
	}
	t.mu.Unlock()
	return lines
}

// NeighborInfo lists the learned guest bindings.
func (e *Engine) NeighborInfo() string {
	lines := e.neighbors.snapshot()
	if len(lines) == 0 {
		return ""
	}
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
