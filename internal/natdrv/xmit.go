package natdrv

import "fmt"

// BeginXmit claims the transmit path without blocking. A busy lock means
// another sender is mid-burst; the device retries later.
func (d *Driver) BeginXmit() error {
	if !d.xmitMu.TryLock() {
		return ErrTryAgain
	}
	return nil
}

// EndXmit releases the transmit path claimed by BeginXmit.
func (d *Driver) EndXmit() {
	d.xmitMu.Unlock()
}

// AllocBuf hands out a transmit buffer for the device to fill. Callers
// hold the transmit lock. Normal buffers are capped below maxFrameSize;
// GSO buffers are capped on the size of their carved segments instead, so
// the linear super-frame may be larger.
func (d *Driver) AllocBuf(minBytes int, gso *GSO) (*SGBuf, error) {
	if !d.running() {
		return nil, ErrNetDown
	}

	if gso == nil {
		if minBytes >= maxFrameSize {
			return nil, ErrInvalidParameter
		}
		return &SGBuf{data: getFrameBuf(alignUp(minBytes, segAlign))}, nil
	}

	if int(gso.HdrsTotal)+int(gso.MaxSeg) >= maxFrameSize {
		return nil, ErrInvalidParameter
	}
	if !gso.valid() {
		return nil, ErrInvalidParameter
	}

	size := alignUp(minBytes, segAlign)
	if size < maxFrameSize {
		size = maxFrameSize
	}
	g := *gso
	return &SGBuf{data: getFrameBuf(size), gso: &g}, nil
}

// FreeBuf releases a buffer that was never sent.
func (d *Driver) FreeBuf(buf *SGBuf) {
	buf.release()
}

// SendBuf queues a filled buffer for the engine. Ownership transfers on
// success; on any failure the buffer is released here so the device never
// has to.
func (d *Driver) SendBuf(buf *SGBuf) error {
	if !d.running() || d.link() != LinkUp {
		buf.release()
		return ErrNetDown
	}
	if err := d.enqueueEngine(func() error {
		d.sendWorker(buf)
		return nil
	}); err != nil {
		buf.release()
		return fmt.Errorf("%w: %v", ErrNoBufferSpace, err)
	}
	d.wakeup.signal()
	return nil
}

// sendWorker injects one queued buffer into the engine on the poll
// goroutine, expanding GSO super-frames into wire-sized segments first.
// Frames are dropped while the link is down.
func (d *Driver) sendWorker(buf *SGBuf) {
	defer buf.release()

	if d.link() != LinkUp {
		d.counters.DroppedPkts.Add(1)
		return
	}

	if buf.gso == nil {
		frame := buf.data[:buf.Used]
		d.capturePacket(frame)
		d.trace.Frame("xmit", frame)
		d.engine.Input(frame)
		d.counters.SentPkts.Add(1)
		d.counters.SentBytes.Add(uint64(len(frame)))
		return
	}

	g := buf.gso
	n := g.segmentCount(buf.Used)
	seg := getFrameBuf(maxFrameSize)
	for i := 0; i < n; i++ {
		segLen := g.carveSegment(buf.data[:buf.Used], i, n, seg)
		frame := seg[:segLen]
		d.capturePacket(frame)
		d.trace.Frame("xmit", frame)
		d.engine.Input(frame)
		d.counters.SentPkts.Add(1)
		d.counters.SentBytes.Add(uint64(segLen))
	}
	putFrameBuf(seg)
}
