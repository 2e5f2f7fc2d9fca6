package gvnat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
)

const dnsExchangeTimeout = 5 * time.Second

// dnsServer answers guest queries on the virtual nameserver address.
// Static mappings win, then either the host's resolver library or a raw
// relay to the host's configured nameservers, depending on configuration.
type dnsServer struct {
	log    *slog.Logger
	engine *Engine
	server *dns.Server
	client *dns.Client

	mu        sync.Mutex
	domain    string
	search    []string
	upstreams []string
}

func newDNSServer(e *Engine) (*dnsServer, error) {
	pc, err := gonet.DialUDP(e.gs, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: netipToTcpip(e.cfg.Nameserver),
		Port: 53,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("bind nameserver: %w", err)
	}

	srv := &dnsServer{
		log:    e.log,
		engine: e,
		client: &dns.Client{Timeout: dnsExchangeTimeout},
	}
	if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range cc.Servers {
			srv.upstreams = append(srv.upstreams, net.JoinHostPort(s, cc.Port))
		}
		if e.cfg.PassDomain {
			srv.search = cc.Search
		}
	} else {
		srv.log.Debug("dns: no host resolver config", "err", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: pc,
	}
	return srv, nil
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

func (s *dnsServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = s.server.ShutdownContext(ctx)
	if s.server.PacketConn != nil {
		_ = s.server.PacketConn.Close()
	}
}

func (s *dnsServer) setDomain(name string) {
	s.mu.Lock()
	s.domain = name
	s.mu.Unlock()
}

func (s *dnsServer) setSearch(domains []string) {
	s.mu.Lock()
	s.search = append([]string(nil), domains...)
	s.mu.Unlock()
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	answered := false
	for _, q := range r.Question {
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
			continue
		}
		addr, ok := s.lookupMapping(q.Name)
		if !ok && s.engine.cfg.UseHostResolver {
			addr, ok = s.lookupHost(q.Name, q.Qtype)
		}
		if !ok {
			continue
		}
		if (q.Qtype == dns.TypeA) != addr.Is4() {
			// Mapped to the other family; answer empty.
			answered = true
			continue
		}
		rrType := "A"
		if q.Qtype == dns.TypeAAAA {
			rrType = "AAAA"
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s %s %s", q.Name, rrType, addr))
		if err != nil {
			s.log.Debug("dns: create rr", "err", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
		answered = true
	}

	if !answered && !s.engine.cfg.UseHostResolver {
		if resp := s.relay(r); resp != nil {
			_ = w.WriteMsg(resp)
			return
		}
	}
	if !answered && len(m.Answer) == 0 {
		m.SetRcode(r, dns.RcodeNameError)
	}

	_ = w.WriteMsg(m)
}

// lookupMapping consults the static host-resolver overrides.
func (s *dnsServer) lookupMapping(name string) (netip.Addr, bool) {
	mappings := s.engine.cfg.HostResolverMappings
	if len(mappings) == 0 {
		return netip.Addr{}, false
	}
	trimmed := strings.ToLower(strings.TrimSuffix(name, "."))
	for host, target := range mappings {
		if strings.ToLower(strings.TrimSuffix(host, ".")) != trimmed {
			continue
		}
		addr, err := netip.ParseAddr(target)
		if err != nil {
			s.log.Debug("dns: bad mapping target", "name", host, "target", target)
			return netip.Addr{}, false
		}
		return addr, true
	}
	return netip.Addr{}, false
}

// lookupHost resolves through the host's resolver library, qualifying
// single-label names with the search list.
func (s *dnsServer) lookupHost(name string, qtype uint16) (netip.Addr, bool) {
	network := "ip4"
	if qtype == dns.TypeAAAA {
		network = "ip6"
	}

	candidates := []string{strings.TrimSuffix(name, ".")}
	if !strings.Contains(candidates[0], ".") {
		s.mu.Lock()
		for _, suffix := range s.search {
			candidates = append(candidates, candidates[0]+"."+suffix)
		}
		s.mu.Unlock()
	}

	for _, candidate := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), dnsExchangeTimeout)
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, candidate)
		cancel()
		if err == nil && len(addrs) > 0 {
			return addrs[0].Unmap(), true
		}
	}
	return netip.Addr{}, false
}

// relay forwards the raw query to the host's nameservers and returns the
// first answer.
func (s *dnsServer) relay(r *dns.Msg) *dns.Msg {
	s.mu.Lock()
	upstreams := append([]string(nil), s.upstreams...)
	s.mu.Unlock()

	for _, upstream := range upstreams {
		resp, _, err := s.client.Exchange(r, upstream)
		if err != nil {
			s.log.Debug("dns: upstream exchange failed", "upstream", upstream, "err", err)
			continue
		}
		return resp
	}
	return nil
}

// SetDomainName records the host's DNS domain. Any goroutine may call
// this. The recorded name is not used when answering guest queries.
func (e *Engine) SetDomainName(name string) {
	e.dns.setDomain(name)
}

// SetSearchDomains replaces the search list used to qualify bare names.
func (e *Engine) SetSearchDomains(domains []string) {
	e.dns.setSearch(domains)
}
