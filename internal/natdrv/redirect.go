package natdrv

import (
	"fmt"
	"net/netip"
)

// Redirect is a runtime port-forward command. Zero (invalid) addresses
// select the defaults: the wildcard bind address on the host side and the
// configured guest address on the guest side.
type Redirect struct {
	Remove    bool
	UDP       bool
	HostIP    netip.Addr
	HostPort  int
	GuestIP   netip.Addr
	GuestPort int
}

func (r Redirect) proto() string {
	if r.UDP {
		return "udp"
	}
	return "tcp"
}

// RedirectRule applies a runtime port-forward command. While the poll
// goroutine is stopped the engine is driven inline on the calling
// goroutine; otherwise the command trampolines through the request queue
// and the caller waits for the engine's verdict.
func (d *Driver) RedirectRule(r Redirect) error {
	worker := func() error { return d.redirectWorker(r) }
	if !d.running() {
		return worker()
	}
	return d.callEngine(worker)
}

func (d *Driver) redirectWorker(r Redirect) error {
	hostIP := r.HostIP
	if !hostIP.IsValid() {
		hostIP = netip.IPv4Unspecified()
	}
	guestIP := r.GuestIP
	if !guestIP.IsValid() {
		guestIP = d.defaultGuestIP
	}

	var err error
	if r.Remove {
		err = d.engine.RemoveHostFwd(r.UDP, hostIP, r.HostPort)
	} else {
		err = d.engine.AddHostFwd(r.UDP, hostIP, r.HostPort, guestIP, r.GuestPort)
	}
	if err != nil {
		d.log.Error("redirect rule failed",
			"remove", r.Remove, "proto", r.proto(),
			"host", hostIP, "hostPort", r.HostPort,
			"guest", guestIP, "guestPort", r.GuestPort,
			"err", err)
		return fmt.Errorf("%w: %v", ErrRedirSetup, err)
	}

	d.log.Info("redirect rule applied",
		"remove", r.Remove, "proto", r.proto(),
		"host", hostIP, "hostPort", r.HostPort,
		"guest", guestIP, "guestPort", r.GuestPort)
	return nil
}
