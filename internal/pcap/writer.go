// Package pcap emits classic libpcap capture streams. The NAT driver uses
// it to record the Ethernet frames crossing the guest boundary.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// Link-layer (DLT) identifiers for the global header. Values match the
// tcpdump/libpcap definitions.
const (
	LinkTypeEthernet uint32 = 1
)

// DefaultSnapLen captures whole frames for any sane MTU, GSO segments
// included.
const DefaultSnapLen uint32 = 65535

// Writer appends libpcap records to an underlying stream. It is not safe
// for concurrent use; callers serialize.
type Writer struct {
	w       io.Writer
	snapLen uint32
}

// NewWriter emits the 24-byte global header onto out and returns a writer
// for subsequent packet records. A snapLen of zero selects DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32, linkType uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // Major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // Minor version
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen}, nil
}

// WritePacket records frame with the current wall-clock timestamp,
// truncating the stored bytes to the snap length.
func (w *Writer) WritePacket(frame []byte) error {
	return w.WritePacketAt(time.Now(), frame)
}

// WritePacketAt records frame with an explicit timestamp.
func (w *Writer) WritePacketAt(ts time.Time, frame []byte) error {
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame length %d overflows uint32", len(frame))
	}

	captured := frame
	if uint32(len(captured)) > w.snapLen {
		captured = captured[:w.snapLen]
	}

	var tsSec, tsUsec uint32
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if len(captured) == 0 {
		return nil
	}
	if _, err := w.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}
