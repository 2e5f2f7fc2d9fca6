//go:build windows

package natdrv

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/tinyrange/natdrv/internal/slirp"
)

// WSAPoll event bits (winsock2.h).
const (
	pollRDNORM = 0x0100
	pollRDBAND = 0x0200
	pollIN     = pollRDNORM | pollRDBAND
	pollPRI    = 0x0400
	pollWRNORM = 0x0010
)

// pollFD matches WSAPOLLFD.
type pollFD struct {
	fd      uintptr
	events  int16
	revents int16
}

const wakeupPollEvents = pollRDNORM | pollPRI | pollRDBAND

// pollLogsEachError: WSAPoll failures are rare enough to log unsuppressed.
const pollLogsEachError = true

func newPollFD(fd int, events int16) pollFD {
	return pollFD{fd: uintptr(fd), events: events}
}

func pollFDRevents(p *pollFD) int16 { return p.revents }

var procWSAPoll = windows.NewLazySystemDLL("ws2_32.dll").NewProc("WSAPoll")

func hostPoll(fds []pollFD, timeoutMs int) (int, error) {
	r, _, errno := procWSAPoll.Call(
		uintptr(unsafe.Pointer(&fds[0])),
		uintptr(len(fds)),
		uintptr(timeoutMs),
	)
	n := int(int32(r))
	if n < 0 {
		return n, errno
	}
	return n, nil
}

func pollInterrupted(err error) bool {
	return err == windows.WSAEINTR
}

// eventsToHost maps engine events onto what WSAPoll accepts: no PRI, ERR
// or HUP on the request side.
func eventsToHost(ev slirp.PollEvents) int16 {
	var out int16
	if ev&slirp.PollIn != 0 {
		out |= pollRDNORM | pollRDBAND
	}
	if ev&slirp.PollOut != 0 {
		out |= pollWRNORM
	}
	if ev&slirp.PollPri != 0 {
		out |= pollIN
	}
	return out
}

func eventsFromHost(re int16) slirp.PollEvents {
	var ev slirp.PollEvents
	if re&(pollRDNORM|pollRDBAND) != 0 {
		ev |= slirp.PollIn
	}
	if re&pollWRNORM != 0 {
		ev |= slirp.PollOut
	}
	if re&pollPRI != 0 {
		ev |= slirp.PollPri
	}
	return ev
}
