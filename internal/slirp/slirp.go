// Package slirp defines the contract between the NAT driver core and a
// user-mode network engine. The engine owns all NAT state. Its frame and
// poll methods are called only from the driver's poll goroutine; Engine
// lists the methods that are also called from other goroutines.
package slirp

import "net/netip"

// Timer is an engine-requested timer. The driver owns the list linkage and
// the deadline; the engine only holds the pointer it got from TimerNew.
// A DeadlineMs of zero means disarmed.
type Timer struct {
	Next       *Timer
	DeadlineMs uint64
	Fire       func()
}

// Callbacks are the services the driver provides to the engine. All of them
// may only be invoked from the poll goroutine, except Notify and SendPacket
// which engines built on background readers route through the driver's
// wakeup channel and receive queue respectively.
type Callbacks struct {
	// SendPacket delivers an engine-originated frame towards the guest.
	// It returns the number of bytes accepted, or -1 if the frame was
	// refused (driver shutting down or allocation failure).
	SendPacket func(pkt []byte) int

	// GuestError reports a fatal engine-side condition.
	GuestError func(msg string)

	// ClockNs returns wall-clock time in nanoseconds.
	ClockNs func() int64

	TimerNew  func(fire func()) *Timer
	TimerFree func(t *Timer)
	// TimerMod arms t to fire at expireMs on the driver's ClockNs/1e6
	// timescale. Zero disarms.
	TimerMod func(t *Timer, expireMs int64)

	RegisterPollFd   func(fd int)
	UnregisterPollFd func(fd int)

	// Notify wakes the driver's poll loop.
	Notify func()
}

// Config carries the network layout handed to the engine at construction.
type Config struct {
	// Network is the IPv4 guest network, e.g. 10.0.2.0/24.
	Network netip.Prefix
	// HostAddr is the engine's own address on Network (the guest's
	// default gateway).
	HostAddr netip.Addr
	// DHCPStart is the first address handed out to guests.
	DHCPStart netip.Addr
	// Nameserver is the address the engine answers DNS on.
	Nameserver netip.Addr

	IPv6Enabled bool
	Prefix6     netip.Prefix
	HostAddr6   netip.Addr
	Nameserver6 netip.Addr

	Hostname   string
	DomainName string

	MTU int

	// DNSProxy makes the engine proxy guest DNS queries to the host
	// resolver instead of handing out the host's nameservers.
	DNSProxy bool
	// PassDomain passes the host's DNS domain to the guest via DHCP.
	PassDomain bool
	// LocalhostReachable maps guest traffic to HostAddr onto the host
	// loopback.
	LocalhostReachable bool

	SoMaxConn      int
	ICMPCacheLimit int
	AliasMode      AliasMode

	// BindIP, when valid, pins the source address of host-side sockets
	// the engine opens for outbound flows.
	BindIP netip.Addr

	// UseHostResolver answers guest DNS via the host's resolver library
	// instead of forwarding raw queries.
	UseHostResolver bool
	// HostResolverMappings are name-to-address overrides consulted
	// before the host resolver.
	HostResolverMappings map[string]string

	// Socket buffer sizing for host-side flow sockets. Zero leaves the
	// host default.
	SockRcv int
	SockSnd int
	TCPRcv  int
	TCPSnd  int

	// Boot service settings handed out over DHCP.
	TFTPPrefix string
	BootFile   string
	NextServer string
}

// AliasMode tunes source-port preservation in the translator.
type AliasMode int

const (
	AliasLog         AliasMode = 0x1
	AliasSamePorts   AliasMode = 0x4
	AliasProxyOnly   AliasMode = 0x40
)

// Engine is a user-mode NAT engine instance. Input, PollFdsFill and
// PollFdsPoll follow the driver's poll-cycle contract. The host-forward and
// info methods run on the poll goroutine via the driver's request queue
// while that goroutine is running, and inline on the caller's goroutine
// while it is not. SetDomainName and SetSearchDomains are called on the
// caller's goroutine.
type Engine interface {
	// Input injects one guest-originated Ethernet frame.
	Input(frame []byte)

	// PollFdsFill registers every fd the engine wants polled this cycle
	// via addPoll, which returns the slot index the engine must remember
	// for PollFdsPoll. The engine lowers *timeoutMs if it needs an
	// earlier wakeup.
	PollFdsFill(timeoutMs *uint32, addPoll func(fd int, events PollEvents) int)

	// PollFdsPoll dispatches poll results. getREvents reports the ready
	// events for a slot index handed out by addPoll. selectErr is set
	// when the poll call itself failed and no slot carries valid events.
	PollFdsPoll(selectErr bool, getREvents func(idx int) PollEvents)

	// AddHostFwd opens a host-side listener forwarding to a guest
	// address. A zero hostAddr binds the wildcard address; a zero
	// guestAddr targets the default guest.
	AddHostFwd(udp bool, hostAddr netip.Addr, hostPort int, guestAddr netip.Addr, guestPort int) error
	// RemoveHostFwd tears down a forward previously added with the same
	// key.
	RemoveHostFwd(udp bool, hostAddr netip.Addr, hostPort int) error

	// SetDomainName updates the DNS domain handed to guests. Empty
	// clears it.
	SetDomainName(name string)
	// SetSearchDomains replaces the DNS search list handed to guests.
	SetSearchDomains(domains []string)

	ConnectionInfo() string
	NeighborInfo() string
	Version() string

	// Close releases the engine. Unlike every other method it may be
	// called from the driver's teardown path after the poll goroutine
	// has exited.
	Close() error
}
