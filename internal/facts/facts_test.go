package facts

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClassifier struct {
	baselineNet, attackNet uint32
}

func (c testClassifier) Classify(ip uint32) (bool, bool) {
	return ip&0xffffff00 == c.baselineNet, ip&0xffffff00 == c.attackNet
}

func ipToUint32(a, b, c, d byte) uint32 {
	return binary.BigEndian.Uint32([]byte{a, b, c, d})
}

// buildEthIPv4 builds a minimal Ethernet+IPv4 frame with the given
// protocol byte and L4 payload, no IP options.
func buildEthIPv4(proto byte, srcIP, dstIP uint32, flagsFrag uint16, l4 []byte) []byte {
	frame := make([]byte, 14+20+len(l4))
	// dst/src MAC left zero, EtherType = IPv4
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)

	ip := frame[14:34]
	ip[0] = 0x45 // version 4, IHL 5
	totalLen := 20 + len(l4)
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(ip[6:8], flagsFrag)
	ip[9] = proto
	binary.BigEndian.PutUint32(ip[12:16], srcIP)
	binary.BigEndian.PutUint32(ip[16:20], dstIP)

	copy(frame[34:], l4)
	return frame
}

func buildTCP(srcPort, dstPort uint16, flags byte, payload []byte) []byte {
	hdr := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	hdr[12] = 5 << 4 // data offset 5, no options
	hdr[13] = flags
	copy(hdr[20:], payload)
	return hdr
}

func buildUDP(srcPort, dstPort uint16, payload []byte) []byte {
	hdr := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(8+len(payload)))
	copy(hdr[8:], payload)
	return hdr
}

func TestParse_ShortFrameIsNonIPv4(t *testing.T) {
	var out PacketFacts
	err := Parse([]byte{1, 2, 3}, nil, &out)
	assert.ErrorIs(t, err, ErrNonIPv4)
	assert.False(t, out.IsIPv4)
}

func TestParse_NonIPv4EtherType(t *testing.T) {
	frame := make([]byte, 14)
	binary.BigEndian.PutUint16(frame[12:14], 0x86DD) // IPv6
	var out PacketFacts
	err := Parse(frame, nil, &out)
	assert.ErrorIs(t, err, ErrNonIPv4)
}

func TestParse_TruncatedIPHeader(t *testing.T) {
	frame := make([]byte, 14+10)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	var out PacketFacts
	err := Parse(frame, nil, &out)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParse_TCP_SYN(t *testing.T) {
	srcIP := ipToUint32(10, 10, 2, 5)
	dstIP := ipToUint32(10, 10, 1, 1)
	tcp := buildTCP(55000, 443, TCPFlagSYN, nil)
	frame := buildEthIPv4(6, srcIP, dstIP, 0, tcp)

	classifier := testClassifier{baselineNet: ipToUint32(10, 10, 1, 0), attackNet: ipToUint32(10, 10, 2, 0)}

	var out PacketFacts
	require.NoError(t, Parse(frame, classifier, &out))
	assert.True(t, out.IsIPv4)
	assert.Equal(t, ProtoTCP, out.L4Proto)
	assert.Equal(t, srcIP, out.SrcIP)
	assert.Equal(t, dstIP, out.DstIP)
	assert.NotZero(t, out.TCPFlags&TCPFlagSYN)
	assert.True(t, out.IsAttack)
	assert.False(t, out.IsBaseline)
	assert.False(t, out.FragmentFlag())
}

func TestParse_FragmentedPacket(t *testing.T) {
	tcp := buildTCP(1234, 80, 0, nil)
	frame := buildEthIPv4(6, ipToUint32(1, 2, 3, 4), ipToUint32(5, 6, 7, 8), 0x2000, tcp)

	var out PacketFacts
	require.NoError(t, Parse(frame, nil, &out))
	assert.True(t, out.FragmentFlag())

	frameNoFrag := buildEthIPv4(6, ipToUint32(1, 2, 3, 4), ipToUint32(5, 6, 7, 8), 0, tcp)
	var out2 PacketFacts
	require.NoError(t, Parse(frameNoFrag, nil, &out2))
	assert.False(t, out2.FragmentFlag())
}

func TestParse_HTTPRequestLine(t *testing.T) {
	payload := []byte("GET /foo/bar?x=1 HTTP/1.1\r\nHost: example\r\n\r\n")
	tcp := buildTCP(44321, 80, TCPFlagACK, payload)
	frame := buildEthIPv4(6, ipToUint32(1, 1, 1, 1), ipToUint32(2, 2, 2, 2), 0, tcp)

	var out PacketFacts
	require.NoError(t, Parse(frame, nil, &out))
	assert.True(t, out.HasHTTP)
	assert.Equal(t, HTTPMethodGET, out.HTTPMethod)
	assert.NotZero(t, out.HTTPPathHash)
}

func TestParse_UDP_QUICShortHeader(t *testing.T) {
	// Short header: fixed bit set, long-header bit clear.
	quicPayload := []byte{0x40, 0x02, 0x05} // fixed bit, then an ACK frame type + varint largest=5
	udp := buildUDP(51000, 443, quicPayload)
	frame := buildEthIPv4(17, ipToUint32(9, 9, 9, 9), ipToUint32(8, 8, 8, 8), 0, udp)

	var out PacketFacts
	require.NoError(t, Parse(frame, nil, &out))
	assert.Equal(t, ProtoUDP, out.L4Proto)
	assert.True(t, out.HasQUIC)
	assert.Equal(t, 1, out.QUICAckCount)
	assert.Equal(t, uint64(5), out.QUICLargestPN)
}

func TestParse_ICMP(t *testing.T) {
	frame := buildEthIPv4(1, ipToUint32(1, 1, 1, 1), ipToUint32(2, 2, 2, 2), 0, []byte{8, 0, 0, 0})
	var out PacketFacts
	require.NoError(t, Parse(frame, nil, &out))
	assert.Equal(t, ProtoICMP, out.L4Proto)
}

func TestScanACKFrames_BoundedOnMalformedInput(t *testing.T) {
	// All bytes are a frame type that is never ACK, so the scan must
	// terminate via the iteration bound, not a length check.
	garbage := make([]byte, 1000)
	count, largest := scanACKFrames(garbage)
	assert.Equal(t, 0, count)
	assert.Equal(t, uint64(0), largest)
}

func TestDecodeVarint(t *testing.T) {
	// 1-byte form: top two bits 00.
	v, n := decodeVarint([]byte{0x25})
	assert.Equal(t, uint64(0x25), v)
	assert.Equal(t, 1, n)

	// 2-byte form: top two bits 01.
	v, n = decodeVarint([]byte{0x7b, 0xbd})
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(0x3bbd), v)

	// Too short for the declared length.
	_, n = decodeVarint([]byte{0xC0})
	assert.Equal(t, 0, n)
}
