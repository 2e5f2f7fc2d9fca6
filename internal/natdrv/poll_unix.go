//go:build !windows

package natdrv

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/natdrv/internal/slirp"
)

type pollFD = unix.PollFd

// POLLRDNORM and POLLRDBAND are not exposed by x/sys/unix on this platform;
// these match the standard POSIX poll.h bit values.
const (
	pollRDNORM = 0x040
	pollRDBAND = 0x080
)

// wakeupPollEvents arms the wakeup slot for any flavour of readable.
const wakeupPollEvents = pollRDNORM | unix.POLLPRI | pollRDBAND

// pollLogsEachError selects rate-limited suppression for poll failures.
const pollLogsEachError = false

func newPollFD(fd int, events int16) pollFD {
	return unix.PollFd{Fd: int32(fd), Events: events}
}

func pollFDRevents(p *pollFD) int16 { return p.Revents }

func hostPoll(fds []pollFD, timeoutMs int) (int, error) {
	return unix.Poll(fds, timeoutMs)
}

func pollInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

func eventsToHost(ev slirp.PollEvents) int16 {
	var out int16
	if ev&slirp.PollIn != 0 {
		out |= unix.POLLIN
	}
	if ev&slirp.PollOut != 0 {
		out |= unix.POLLOUT
	}
	if ev&slirp.PollPri != 0 {
		out |= unix.POLLPRI
	}
	if ev&slirp.PollErr != 0 {
		out |= unix.POLLERR
	}
	if ev&slirp.PollHup != 0 {
		out |= unix.POLLHUP
	}
	return out
}

func eventsFromHost(re int16) slirp.PollEvents {
	var ev slirp.PollEvents
	if re&unix.POLLIN != 0 {
		ev |= slirp.PollIn
	}
	if re&unix.POLLOUT != 0 {
		ev |= slirp.PollOut
	}
	if re&unix.POLLPRI != 0 {
		ev |= slirp.PollPri
	}
	if re&unix.POLLERR != 0 {
		ev |= slirp.PollErr
	}
	if re&unix.POLLHUP != 0 {
		ev |= slirp.PollHup
	}
	return ev
}
