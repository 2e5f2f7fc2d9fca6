package natdrv

import "github.com/tinyrange/natdrv/internal/slirp"

// engineCallbacks is the service table the driver hands to the engine at
// construction. Timer calls run on the poll goroutine only; SendPacket and
// Notify are safe from the engine's own helpers.
func (d *Driver) engineCallbacks() slirp.Callbacks {
	return slirp.Callbacks{
		SendPacket: d.sendPacketCb,
		GuestError: func(msg string) {
			d.log.Error("engine reported guest error", "msg", msg)
		},
		ClockNs: clockNs,

		TimerNew:  d.timers.add,
		TimerFree: d.timers.remove,
		TimerMod:  d.timers.mod,

		RegisterPollFd: func(fd int) {
			d.log.Debug("engine registered poll fd", "fd", fd)
		},
		UnregisterPollFd: func(fd int) {
			d.log.Debug("engine unregistered poll fd", "fd", fd)
		},

		Notify: d.wakeup.signal,
	}
}

// sendPacketCb accepts an engine-originated frame for delivery to the
// guest. Runs on the poll goroutine; the frame is copied before the engine
// reuses its buffer. Returns the accepted byte count or -1 when the driver
// is shutting down.
func (d *Driver) sendPacketCb(pkt []byte) int {
	if !d.running() {
		d.counters.DroppedPkts.Add(1)
		return -1
	}

	buf := getFrameBuf(len(pkt))
	copy(buf, pkt)

	d.capturePacket(buf)
	d.trace.Frame("recv", buf)

	d.recvPending.Add(1)
	d.recvQ.post(func() error {
		d.recvWorker(buf)
		return nil
	})
	d.signalRecvEvent()
	d.wakeup.signal()

	return len(pkt)
}
