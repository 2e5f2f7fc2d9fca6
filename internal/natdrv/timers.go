package natdrv

import (
	"time"

	"github.com/tinyrange/natdrv/internal/slirp"
)

// timerList is the driver's intrusive list of engine timers. It is owned by
// the poll goroutine apart from construction-time setup, so it carries no
// lock. Deadlines are milliseconds on the clockMs timescale; zero means
// disarmed.
type timerList struct {
	head *slirp.Timer
}

func clockNs() int64 {
	return time.Now().UnixNano()
}

func clockMs() uint64 {
	return uint64(clockNs() / int64(time.Millisecond))
}

func (tl *timerList) add(fire func()) *slirp.Timer {
	t := &slirp.Timer{Fire: fire}
	t.Next = tl.head
	tl.head = t
	return t
}

// remove unlinks t by identity. Unknown timers are ignored.
func (tl *timerList) remove(t *slirp.Timer) {
	if t == nil {
		return
	}
	for pp := &tl.head; *pp != nil; pp = &(*pp).Next {
		if *pp == t {
			*pp = t.Next
			t.Next = nil
			return
		}
	}
}

func (tl *timerList) mod(t *slirp.Timer, expireMs int64) {
	if t == nil {
		return
	}
	if expireMs < 0 {
		expireMs = 0
	}
	t.DeadlineMs = uint64(expireMs)
}

// updateTimeout lowers *timeoutMs so the next poll wakes no later than the
// earliest armed deadline. Already-expired deadlines clamp to zero.
func (tl *timerList) updateTimeout(timeoutMs *uint32, nowMs uint64) {
	for t := tl.head; t != nil; t = t.Next {
		if t.DeadlineMs == 0 {
			continue
		}
		var diff uint64
		if t.DeadlineMs > nowMs {
			diff = t.DeadlineMs - nowMs
		}
		if diff < uint64(*timeoutMs) {
			*timeoutMs = uint32(diff)
		}
	}
}

// checkTimeout fires every armed timer whose deadline has passed. The
// deadline is cleared before the handler runs so a handler re-arming its
// own timer is not immediately re-fired.
func (tl *timerList) checkTimeout(nowMs uint64) {
	for t := tl.head; t != nil; t = t.Next {
		if t.DeadlineMs == 0 || t.DeadlineMs > nowMs {
			continue
		}
		t.DeadlineMs = 0
		if t.Fire != nil {
			t.Fire()
		}
	}
}
