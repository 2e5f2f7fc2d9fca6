package natdrv

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/natdrv/internal/slirp"
)

// Config is the driver's construction-time settings block. Field names are
// the accepted configuration keys; anything else is rejected.
type Config struct {
	PassDomain           *bool             `yaml:"PassDomain"`
	TFTPPrefix           string            `yaml:"TFTPPrefix"`
	BootFile             string            `yaml:"BootFile"`
	Network              string            `yaml:"Network"`
	NextServer           string            `yaml:"NextServer"`
	DNSProxy             int32             `yaml:"DNSProxy"`
	BindIP               string            `yaml:"BindIP"`
	UseHostResolver      bool              `yaml:"UseHostResolver"`
	SlirpMTU             int32             `yaml:"SlirpMTU"`
	AliasMode            int32             `yaml:"AliasMode"`
	SockRcv              int32             `yaml:"SockRcv"`
	SockSnd              int32             `yaml:"SockSnd"`
	TcpRcv               int32             `yaml:"TcpRcv"`
	TcpSnd               int32             `yaml:"TcpSnd"`
	ICMPCacheLimit       *int32            `yaml:"ICMPCacheLimit"`
	SoMaxConnection      *int32            `yaml:"SoMaxConnection"`
	LocalhostReachable   bool              `yaml:"LocalhostReachable"`
	HostResolverMappings map[string]string `yaml:"HostResolverMappings"`
	PortForwarding       []PortForward     `yaml:"PortForwarding"`
}

// PortForward is one construction-time forwarding rule.
type PortForward struct {
	Name      string `yaml:"Name"`
	Protocol  string `yaml:"Protocol"`
	UDP       bool   `yaml:"UDP"`
	HostPort  *int32 `yaml:"HostPort"`
	GuestPort *int32 `yaml:"GuestPort"`
	GuestIP   string `yaml:"GuestIP"`
	BindIP    string `yaml:"BindIP"`
}

// ParseConfig reads a YAML settings block, rejecting unknown keys. An
// empty document yields the defaults (apart from the mandatory Network).
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) passDomain() bool {
	if c.PassDomain == nil {
		return true
	}
	return *c.PassDomain
}

func (c *Config) mtu() int {
	if c.SlirpMTU == 0 {
		return 1500
	}
	return int(c.SlirpMTU)
}

func (c *Config) icmpCacheLimit() int {
	if c.ICMPCacheLimit == nil {
		return 100
	}
	return int(*c.ICMPCacheLimit)
}

func (c *Config) soMaxConn() int {
	if c.SoMaxConnection == nil {
		return 10
	}
	return int(*c.SoMaxConnection)
}

// aliasMode remaps the three settings bits onto the engine's flag values.
func (c *Config) aliasMode() slirp.AliasMode {
	var mode slirp.AliasMode
	if c.AliasMode&0x1 != 0 {
		mode |= slirp.AliasLog
	}
	if c.AliasMode&0x2 != 0 {
		mode |= slirp.AliasProxyOnly
	}
	if c.AliasMode&0x4 != 0 {
		mode |= slirp.AliasSamePorts
	}
	return mode
}

// v6PrefixBase is the fixed ULA prefix guests see when IPv6 is enabled.
var v6PrefixBase = [16]byte{0xfd, 0x17, 0x62, 0x5c, 0xf0, 0x37}

// engineConfig derives the engine's network layout from the settings
// block. The guest network hosts .2 (gateway), .3 (nameserver) and .15
// (first DHCP lease). The IPv6 addresses embed the middle bytes of their
// IPv4 counterparts in bytes 6 and 7.
func (c *Config) engineConfig() (*slirp.Config, error) {
	if c.Network == "" {
		return nil, fmt.Errorf("%w: Network is required", ErrInvalidParameter)
	}
	prefix, err := netip.ParsePrefix(c.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: Network %q: %v", ErrInvalidParameter, c.Network, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: Network %q: IPv4 CIDR required", ErrInvalidParameter, c.Network)
	}
	prefix = prefix.Masked()

	host := hostAddr(prefix, 2)
	nameserver := hostAddr(prefix, 3)
	dhcpStart := hostAddr(prefix, 15)

	host4 := host.As4()
	ns4 := nameserver.As4()

	host6 := v6PrefixBase
	host6[6], host6[7] = host4[1], host4[2]
	prefix6 := netip.PrefixFrom(netip.AddrFrom16(host6), 64)
	host6[15] = 2

	ns6 := v6PrefixBase
	ns6[6], ns6[7] = ns4[1], ns4[2]
	ns6[15] = 3

	ec := &slirp.Config{
		Network:    prefix,
		HostAddr:   host,
		DHCPStart:  dhcpStart,
		Nameserver: nameserver,

		IPv6Enabled: true,
		Prefix6:     prefix6,
		HostAddr6:   netip.AddrFrom16(host6),
		Nameserver6: netip.AddrFrom16(ns6),

		Hostname: "vbox",

		MTU: c.mtu(),

		DNSProxy:           c.DNSProxy != 0,
		PassDomain:         c.passDomain(),
		LocalhostReachable: c.LocalhostReachable,

		SoMaxConn:      c.soMaxConn(),
		ICMPCacheLimit: c.icmpCacheLimit(),
		AliasMode:      c.aliasMode(),

		UseHostResolver:      c.UseHostResolver,
		HostResolverMappings: c.HostResolverMappings,

		SockRcv: int(c.SockRcv),
		SockSnd: int(c.SockSnd),
		TCPRcv:  int(c.TcpRcv),
		TCPSnd:  int(c.TcpSnd),

		TFTPPrefix: c.TFTPPrefix,
		BootFile:   c.BootFile,
		NextServer: c.NextServer,
	}
	if c.BindIP != "" {
		addr, err := netip.ParseAddr(c.BindIP)
		if err != nil {
			return nil, fmt.Errorf("%w: BindIP %q: %v", ErrInvalidParameter, c.BindIP, err)
		}
		ec.BindIP = addr
	}
	return ec, nil
}

// hostAddr returns the network base address with the low bits set to n.
func hostAddr(prefix netip.Prefix, n uint32) netip.Addr {
	a4 := prefix.Addr().As4()
	v := be.Uint32(a4[:]) | n
	be.PutUint32(a4[:], v)
	return netip.AddrFrom4(a4)
}

// resolve validates one construction-time rule and produces the engine's
// add-hostfwd arguments. Protocol wins over the UDP flag when present;
// missing or unparseable addresses bind the wildcard.
func (p *PortForward) resolve() (udp bool, hostIP netip.Addr, hostPort int, guestIP netip.Addr, guestPort int, err error) {
	udp = p.UDP
	if p.Protocol != "" {
		switch strings.ToUpper(p.Protocol) {
		case "TCP":
			udp = false
		case "UDP":
			udp = true
		default:
			err = fmt.Errorf("%w: protocol %q", ErrInvalidParameter, p.Protocol)
			return
		}
	}
	if p.HostPort == nil || p.GuestPort == nil {
		err = fmt.Errorf("%w: HostPort and GuestPort are required", ErrInvalidParameter)
		return
	}
	hostPort = int(*p.HostPort)
	guestPort = int(*p.GuestPort)
	hostIP = parseAddrOrAny(p.BindIP)
	guestIP = parseAddrOrAny(p.GuestIP)
	return
}

func parseAddrOrAny(s string) netip.Addr {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.IPv4Unspecified()
	}
	return addr
}
