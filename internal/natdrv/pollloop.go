package natdrv

// pollLoop is the goroutine that owns the engine. It reconciles a pending
// link-state change on entry, then alternates between the host poll
// primitive and the queued engine work until the driver terminates, and
// finally drains whatever the queue still holds.
func (d *Driver) pollLoop() {
	defer d.done.Done()
	<-d.start

	if d.running() {
		if want := d.linkWant(); want != d.link() {
			d.linkChangedWorker(want)
		}
	}

	var negRet uint32
	for d.running() {
		d.pollOnce(&negRet)
	}

	d.engineQ.process()
}

func (d *Driver) pollOnce(negRet *uint32) {
	d.poller.reset(d.wakeup.pollFD())

	timeout := uint32(defaultPollTimeoutMs)
	d.engine.PollFdsFill(&timeout, d.poller.add)
	d.timers.updateTimeout(&timeout, clockMs())

	changed, err := d.poller.poll(timeout)
	if err != nil {
		if pollInterrupted(err) {
			changed = 0
		} else {
			changed = -1
			if pollLogsEachError {
				d.log.Error("poll failed", "err", err)
			} else {
				*negRet++
				if *negRet >= 128 {
					d.log.Warn("poll failing repeatedly", "err", err, "count", *negRet)
					*negRet = 0
				}
			}
		}
	}

	d.engine.PollFdsPoll(changed < 0, d.poller.revents)

	if d.poller.wakeupReadable() {
		d.wakeup.drain()
	}

	d.engineQ.process()
	d.timers.checkTimeout(clockMs())
}
