package natdrv

import "errors"

// recvLoop delivers engine-originated frames to the guest device without
// blocking the poll goroutine. It sleeps on the receive event whenever no
// packets are in flight, and drains the queue once more after leaving the
// running state so shutdown never strands a queued frame.
func (d *Driver) recvLoop() {
	defer d.done.Done()
	<-d.start

	for d.running() {
		d.recvQ.process()
		if d.recvPending.Load() == 0 && d.running() {
			<-d.recvEvent
		}
	}

	d.recvQ.process()
}

// recvWorker hands one frame to the device. The wait-for-credit and the
// delivery run as a pair under the device lock. Expired or interrupted
// waits drop the frame silently; anything else is reported.
func (d *Driver) recvWorker(frame []byte) {
	d.devMu.Lock()
	err := d.guest.WaitReceiveAvail(-1)
	if err == nil {
		if rerr := d.guest.Receive(frame); rerr != nil {
			d.log.Debug("device refused frame", "len", len(frame), "err", rerr)
			d.counters.DroppedPkts.Add(1)
		} else {
			d.counters.RecvPkts.Add(1)
			d.counters.RecvBytes.Add(uint64(len(frame)))
		}
	} else if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrInterrupted) {
		d.log.Error("wait for receive credit failed", "err", err)
	} else {
		d.counters.DroppedPkts.Add(1)
	}
	d.devMu.Unlock()

	putFrameBuf(frame)
	d.recvPending.Add(-1)
	d.wakeup.signal()
}
