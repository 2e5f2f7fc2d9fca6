package natdrv

import (
	"bytes"
	"testing"
)

const (
	testEthLen  = 14
	testIPv4Len = 20
	testTCPLen  = 20
	testUDPLen  = 8
)

// buildTCPv4Super assembles an Ethernet+IPv4+TCP super-frame carrying
// payload, with plausible header fields and the FIN|PSH|ACK flags set.
func buildTCPv4Super(tb testing.TB, payload []byte) []byte {
	tb.Helper()

	frame := make([]byte, testEthLen+testIPv4Len+testTCPLen+len(payload))

	copy(frame[0:6], []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
	copy(frame[6:12], []byte{0x52, 0x54, 0x00, 0x65, 0x43, 0x21})
	be.PutUint16(frame[12:14], 0x0800)

	ip := frame[testEthLen:]
	ip[0] = 0x45
	be.PutUint16(ip[2:4], uint16(testIPv4Len+testTCPLen+len(payload)))
	be.PutUint16(ip[4:6], 0x1000)
	ip[8] = 64
	ip[9] = protoTCP
	copy(ip[12:16], []byte{192, 168, 15, 15})
	copy(ip[16:20], []byte{1, 2, 3, 4})

	tcp := ip[testIPv4Len:]
	be.PutUint16(tcp[0:2], 49152)
	be.PutUint16(tcp[2:4], 443)
	be.PutUint32(tcp[4:8], 1000)
	tcp[12] = 5 << 4
	tcp[13] = 0x19 // FIN|PSH|ACK

	copy(frame[testEthLen+testIPv4Len+testTCPLen:], payload)
	return frame
}

func tcpv4Descriptor(maxSeg uint16) *GSO {
	return &GSO{
		Type:      GSOTCPv4,
		HdrsTotal: testEthLen + testIPv4Len + testTCPLen,
		MaxSeg:    maxSeg,
		L3Off:     testEthLen,
		L4Off:     testEthLen + testIPv4Len,
	}
}

func TestSegmentCount(t *testing.T) {
	cases := []struct {
		name   string
		hdrs   uint16
		maxSeg uint16
		used   int
		want   int
	}{
		{"exact multiple", 54, 1446, 54 + 10*1446, 10},
		{"remainder adds a segment", 54, 1446, 14600, 11},
		{"single short segment", 54, 1446, 54 + 1, 1},
		{"headers only", 54, 1446, 54, 1},
		{"payload equals one segment", 42, 1000, 42 + 1000, 1},
	}
	for _, tc := range cases {
		g := &GSO{Type: GSOTCPv4, HdrsTotal: tc.hdrs, MaxSeg: tc.maxSeg, L3Off: 14, L4Off: 34}
		if got := g.segmentCount(tc.used); got != tc.want {
			t.Errorf("%s: segmentCount(%d) = %d, want %d", tc.name, tc.used, got, tc.want)
		}
	}
}

func TestGSOValidation(t *testing.T) {
	base := GSO{Type: GSOTCPv4, HdrsTotal: 54, MaxSeg: 1446, L3Off: 14, L4Off: 34}
	if !base.valid() {
		t.Fatalf("expected base descriptor to validate")
	}

	cases := []struct {
		name   string
		mutate func(*GSO)
	}{
		{"no type", func(g *GSO) { g.Type = GSONone }},
		{"zero segment size", func(g *GSO) { g.MaxSeg = 0 }},
		{"l3 past l4", func(g *GSO) { g.L3Off = 40 }},
		{"l4 past headers", func(g *GSO) { g.L4Off = 60 }},
	}
	for _, tc := range cases {
		g := base
		tc.mutate(&g)
		if g.valid() {
			t.Errorf("%s: expected invalid", tc.name)
		}
	}
}

func TestCarveTCPv4Segments(t *testing.T) {
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(0xa0 + i)
	}
	frame := buildTCPv4Super(t, payload)
	g := tcpv4Descriptor(4)

	n := g.segmentCount(len(frame))
	if n != 3 {
		t.Fatalf("expected 3 segments, got %d", n)
	}

	wantPayloads := [][]byte{payload[0:4], payload[4:8], payload[8:10]}
	dst := make([]byte, int(g.HdrsTotal)+int(g.MaxSeg))

	for i := 0; i < n; i++ {
		segLen := g.carveSegment(frame, i, n, dst)
		wantLen := int(g.HdrsTotal) + len(wantPayloads[i])
		if segLen != wantLen {
			t.Fatalf("segment %d: length %d, want %d", i, segLen, wantLen)
		}
		seg := dst[:segLen]

		if !bytes.Equal(seg[g.HdrsTotal:], wantPayloads[i]) {
			t.Fatalf("segment %d: payload %x, want %x", i, seg[g.HdrsTotal:], wantPayloads[i])
		}

		ip := seg[g.L3Off:g.L4Off]
		if got := be.Uint16(ip[2:4]); got != uint16(segLen-int(g.L3Off)) {
			t.Fatalf("segment %d: ip total length %d, want %d", i, got, segLen-int(g.L3Off))
		}
		if got := be.Uint16(ip[4:6]); got != 0x1000+uint16(i) {
			t.Fatalf("segment %d: ip id %#x, want %#x", i, got, 0x1000+uint16(i))
		}
		if folded := checksumFold(checksumAdd(ip, 0)); folded != 0 {
			t.Fatalf("segment %d: ip checksum does not verify (%#x)", i, folded)
		}

		tcp := seg[g.L4Off:segLen]
		if got := be.Uint32(tcp[4:8]); got != 1000+uint32(i)*uint32(g.MaxSeg) {
			t.Fatalf("segment %d: sequence %d, want %d", i, got, 1000+uint32(i)*uint32(g.MaxSeg))
		}
		wantFlags := byte(0x10)
		if i == n-1 {
			wantFlags = 0x19
		}
		if tcp[13] != wantFlags {
			t.Fatalf("segment %d: flags %#x, want %#x", i, tcp[13], wantFlags)
		}
		pseudo := g.pseudoSumV4(seg, segLen, protoTCP)
		if folded := checksumFold(checksumAdd(tcp, pseudo)); folded != 0 {
			t.Fatalf("segment %d: tcp checksum does not verify (%#x)", i, folded)
		}
	}
}

func TestCarveUDPv4Segments(t *testing.T) {
	const hdrs = testEthLen + testIPv4Len + testUDPLen
	payload := []byte{1, 2, 3, 4, 5}

	frame := make([]byte, hdrs+len(payload))
	be.PutUint16(frame[12:14], 0x0800)
	ip := frame[testEthLen:]
	ip[0] = 0x45
	be.PutUint16(ip[2:4], uint16(testIPv4Len+testUDPLen+len(payload)))
	ip[8] = 64
	ip[9] = protoUDP
	copy(ip[12:16], []byte{192, 168, 15, 15})
	copy(ip[16:20], []byte{8, 8, 8, 8})
	udp := ip[testIPv4Len:]
	be.PutUint16(udp[0:2], 40000)
	be.PutUint16(udp[2:4], 53)

	copy(frame[hdrs:], payload)

	g := &GSO{
		Type:      GSOUDPv4,
		HdrsTotal: hdrs,
		MaxSeg:    3,
		L3Off:     testEthLen,
		L4Off:     testEthLen + testIPv4Len,
	}
	n := g.segmentCount(len(frame))
	if n != 2 {
		t.Fatalf("expected 2 segments, got %d", n)
	}

	dst := make([]byte, int(g.HdrsTotal)+int(g.MaxSeg))
	wantPayloads := [][]byte{payload[0:3], payload[3:5]}
	for i := 0; i < n; i++ {
		segLen := g.carveSegment(frame, i, n, dst)
		seg := dst[:segLen]

		if !bytes.Equal(seg[hdrs:], wantPayloads[i]) {
			t.Fatalf("segment %d: payload %x, want %x", i, seg[hdrs:], wantPayloads[i])
		}

		udpSeg := seg[g.L4Off:segLen]
		if got := be.Uint16(udpSeg[4:6]); got != uint16(len(udpSeg)) {
			t.Fatalf("segment %d: udp length %d, want %d", i, got, len(udpSeg))
		}
		pseudo := g.pseudoSumV4(seg, segLen, protoUDP)
		if folded := checksumFold(checksumAdd(udpSeg, pseudo)); folded != 0 {
			t.Fatalf("segment %d: udp checksum does not verify (%#x)", i, folded)
		}
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want int }{
		{0, 128, 0},
		{1, 128, 128},
		{128, 128, 128},
		{129, 128, 256},
		{16383, 128, 16384},
	}
	for _, tc := range cases {
		if got := alignUp(tc.n, tc.align); got != tc.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tc.n, tc.align, got, tc.want)
		}
	}
}

func TestFrameBufPoolSizing(t *testing.T) {
	small := getFrameBuf(100)
	if len(small) != 100 || cap(small) != maxFrameSize {
		t.Fatalf("small buffer: len=%d cap=%d", len(small), cap(small))
	}
	putFrameBuf(small)

	big := getFrameBuf(maxFrameSize + 1)
	if len(big) != maxFrameSize+1 {
		t.Fatalf("big buffer: len=%d", len(big))
	}
	putFrameBuf(big)
}
