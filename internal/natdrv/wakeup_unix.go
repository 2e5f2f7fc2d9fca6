//go:build !windows

package natdrv

import (
	"golang.org/x/sys/unix"
)

// wakeupPipe is a non-blocking pipe pair. The read end is armed as the
// poll multiplexer's reserved slot zero; writers hit the write end.
type wakeupPipe struct {
	readFD  int
	writeFD int
}

func (p *wakeupPipe) open() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	p.readFD = fds[0]
	p.writeFD = fds[1]
	return nil
}

func (p *wakeupPipe) write1() (int, error) {
	return unix.Write(p.writeFD, []byte{0})
}

func (p *wakeupPipe) read(max int) (int, error) {
	buf := make([]byte, max)
	n, err := unix.Read(p.readFD, buf)
	if err == unix.EAGAIN {
		return 0, nil
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (p *wakeupPipe) pollFD() int { return p.readFD }

func (p *wakeupPipe) closePipe() {
	_ = unix.Close(p.readFD)
	_ = unix.Close(p.writeFD)
}
