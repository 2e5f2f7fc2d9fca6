//go:build windows

package natdrv

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// wakeupPipe on Windows is a pair of connected loopback UDP sockets. Pipes
// are not pollable with WSAPoll, so slot zero carries the receiving socket
// instead.
type wakeupPipe struct {
	send windows.Handle
	recv windows.Handle
}

func (p *wakeupPipe) open() error {
	recvSock, recvAddr, err := boundLoopbackUDP()
	if err != nil {
		return err
	}
	sendSock, sendAddr, err := boundLoopbackUDP()
	if err != nil {
		windows.Closesocket(recvSock)
		return err
	}
	if err := windows.Connect(sendSock, recvAddr); err == nil {
		err = windows.Connect(recvSock, sendAddr)
	}
	if err != nil {
		windows.Closesocket(recvSock)
		windows.Closesocket(sendSock)
		return err
	}
	if err := setNonblocking(recvSock); err != nil {
		windows.Closesocket(recvSock)
		windows.Closesocket(sendSock)
		return err
	}
	p.send = sendSock
	p.recv = recvSock
	return nil
}

func boundLoopbackUDP() (windows.Handle, windows.Sockaddr, error) {
	s, err := windows.Socket(windows.AF_INET, windows.SOCK_DGRAM, windows.IPPROTO_UDP)
	if err != nil {
		return windows.InvalidHandle, nil, err
	}
	sa := &windows.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	if err := windows.Bind(s, sa); err != nil {
		windows.Closesocket(s)
		return windows.InvalidHandle, nil, err
	}
	bound, err := windows.Getsockname(s)
	if err != nil {
		windows.Closesocket(s)
		return windows.InvalidHandle, nil, err
	}
	return s, bound, nil
}

var procIoctlsocket = windows.NewLazySystemDLL("ws2_32.dll").NewProc("ioctlsocket")

func setNonblocking(s windows.Handle) error {
	const fionbio = 0x8004667e
	arg := uint32(1)
	r, _, errno := procIoctlsocket.Call(uintptr(s), fionbio, uintptr(unsafe.Pointer(&arg)))
	if r != 0 {
		return errno
	}
	return nil
}

func (p *wakeupPipe) write1() (int, error) {
	var buf [1]byte
	var sent uint32
	wsaBuf := windows.WSABuf{Len: 1, Buf: &buf[0]}
	if err := windows.WSASend(p.send, &wsaBuf, 1, &sent, 0, nil, nil); err != nil {
		return 0, err
	}
	return int(sent), nil
}

func (p *wakeupPipe) read(max int) (int, error) {
	// Each notification byte is its own datagram; one recv per byte.
	var buf [1]byte
	wsaBuf := windows.WSABuf{Len: 1, Buf: &buf[0]}
	total := 0
	for total < max {
		var got, flags uint32
		err := windows.WSARecv(p.recv, &wsaBuf, 1, &got, &flags, nil, nil)
		if err != nil {
			if err == windows.WSAEWOULDBLOCK {
				return total, nil
			}
			return total, err
		}
		total++
	}
	return total, nil
}

func (p *wakeupPipe) pollFD() int { return int(p.recv) }

func (p *wakeupPipe) closePipe() {
	_ = windows.Closesocket(p.recv)
	_ = windows.Closesocket(p.send)
}
