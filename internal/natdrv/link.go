package natdrv

// NotifyLinkChanged applies a link-state change. While the poll goroutine
// is stopped the request is parked in the pending state and picked up at
// the next loop entry; otherwise it is executed on the poll goroutine and
// the caller waits for completion.
func (d *Driver) NotifyLinkChanged(state LinkState) error {
	if !d.running() {
		d.linkStateWant.Store(int32(state))
		return nil
	}
	return d.callEngine(func() error {
		d.linkChangedWorker(state)
		return nil
	})
}

// linkChangedWorker runs on the poll goroutine. It settles both the
// current and pending fields so a cold-start reconciliation never replays
// an already-applied change.
func (d *Driver) linkChangedWorker(state LinkState) {
	d.linkState.Store(int32(state))
	d.linkStateWant.Store(int32(state))
	d.trace.Eventf("link", "state %s", state)

	switch state {
	case LinkUp:
		d.log.Info("link up")
	case LinkDown:
		d.log.Info("link down")
	case LinkDownResume:
		// Momentary bounce; the engine keeps its flows, the guest
		// re-arms its stack.
		d.log.Info("link bounced", "state", state)
	default:
		d.log.Warn("unknown link state", "state", state)
	}
}
