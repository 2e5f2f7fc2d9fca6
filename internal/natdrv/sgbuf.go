package natdrv

import "sync"

// maxFrameSize is the largest single frame the driver accepts from or
// hands to the engine. GSO super-frames may be larger; their carved
// segments must stay under this bound.
const maxFrameSize = 16 * 1024

const segAlign = 128

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

var framePool = sync.Pool{
	New: func() any {
		b := make([]byte, maxFrameSize)
		return &b
	},
}

// getFrameBuf returns a frame buffer of the requested length. Sizes up to
// maxFrameSize come from the pool; anything larger is a one-off
// allocation.
func getFrameBuf(size int) []byte {
	if size > maxFrameSize {
		return make([]byte, size)
	}
	b := framePool.Get().(*[]byte)
	return (*b)[:size]
}

func putFrameBuf(b []byte) {
	if cap(b) != maxFrameSize {
		return
	}
	b = b[:maxFrameSize]
	framePool.Put(&b)
}

// SGBuf is a transmit buffer handed to the guest device to fill. A normal
// buffer carries one linear segment; a GSO buffer additionally carries the
// segmentation descriptor and its segment holds the whole super-frame.
type SGBuf struct {
	// Used is set by the device to the number of valid bytes in Bytes
	// before SendBuf.
	Used int

	data []byte
	gso  *GSO
}

// Bytes exposes the writable segment.
func (b *SGBuf) Bytes() []byte { return b.data }

// GSO returns the segmentation descriptor, or nil for a normal buffer.
func (b *SGBuf) GSO() *GSO { return b.gso }

func (b *SGBuf) release() {
	if b.data != nil {
		putFrameBuf(b.data)
		b.data = nil
	}
	b.gso = nil
	b.Used = 0
}
