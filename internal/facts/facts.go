// Package facts implements the line-rate packet parser (component C1):
// given one Ethernet frame it produces a PacketFacts value describing
// just enough of the L2-L4 headers, and a QUIC/HTTP heuristic, for the
// detector's rule engine. It never allocates on the happy path and
// never reads past the supplied slice.
//
// Field layout and protocol constants are grounded on
// github.com/google/gopacket/layers (EtherType, IPProtocol) even
// though the hot path below decodes headers by hand at fixed offsets
// instead of building gopacket's full layer objects, since an
// allocating layer decode is too slow for every packet on the wire.
package facts

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket/layers"
)

// Sentinel errors returned by Parse. The caller drops the packet and
// increments no counters beyond total_packets in all three cases.
var (
	ErrTruncated = errors.New("facts: truncated frame")
	ErrNonIPv4   = errors.New("facts: non-ipv4 frame")
	ErrMalformed = errors.New("facts: malformed frame")
)

// L4Proto classifies the IPv4 payload protocol actually used by the
// rule engine; everything else collapses to ProtoOther.
type L4Proto uint8

const (
	ProtoOther L4Proto = iota
	ProtoTCP
	ProtoUDP
	ProtoICMP
)

// TCP flag bits, as laid out in the TCP header's 13th byte.
const (
	TCPFlagFIN = 1 << 0
	TCPFlagSYN = 1 << 1
	TCPFlagRST = 1 << 2
	TCPFlagACK = 1 << 4
)

// HTTP method indices used by the first-line prefix match below.
type HTTPMethod uint8

const (
	HTTPMethodNone HTTPMethod = iota
	HTTPMethodGET
	HTTPMethodPOST
	HTTPMethodHEAD
	HTTPMethodPUT
	HTTPMethodDelete
	HTTPMethodOptions
)

var httpPrefixes = []struct {
	prefix []byte
	method HTTPMethod
}{
	{[]byte("GET "), HTTPMethodGET},
	{[]byte("POST "), HTTPMethodPOST},
	{[]byte("HEAD "), HTTPMethodHEAD},
	{[]byte("PUT "), HTTPMethodPUT},
	{[]byte("DELETE "), HTTPMethodDelete},
	{[]byte("OPTIONS "), HTTPMethodOptions},
}

const (
	httpPathHashCap = 256
	quicVersion1    = 0x00000001
	quicDraftMask   = 0xff000000
	quicFixedBit    = 0x40
	quicLongHeader  = 0x80
	quicMaxFrameLen = 64 // bound on the tolerant ACK-frame scan below, so a malformed frame stream can't spin forever
)

// PacketFacts is produced fresh for every packet and never escapes the
// worker's stack: it is safe to reuse a single PacketFacts value across
// calls to Parse by passing its address.
type PacketFacts struct {
	LenBytes uint16
	IsIPv4   bool

	// Decoded IPv4 addresses, in the conventional dotted-decimal
	// integer form (i.e. produced by decoding the wire's big-endian
	// bytes as a single uint32 — "host order" per the data model).
	SrcIP uint32
	DstIP uint32

	L4Proto  L4Proto
	TCPFlags uint8
	SrcPort  uint16
	DstPort  uint16

	FragMoreFragments bool
	FragOffsetNonzero bool

	IsBaseline bool
	IsAttack   bool

	HTTPMethod     HTTPMethod
	HTTPPathHash   uint32
	HasHTTP        bool
	QUICAckCount   int
	QUICLargestPN  uint64
	HasQUIC        bool
}

// Reset clears a PacketFacts for reuse, avoiding a fresh allocation per
// packet in the worker's hot loop.
func (f *PacketFacts) Reset() {
	*f = PacketFacts{}
}

// Classifier decides is_baseline / is_attack from a source IP, per the
// configurable set of baseline/attack source-network masks.
type Classifier interface {
	Classify(srcIP uint32) (isBaseline, isAttack bool)
}

const (
	ethHeaderLen  = 14
	etherTypeIPv4 = uint16(layers.EthernetTypeIPv4)
	minIPv4Header = 20
)

// Parse decodes one Ethernet frame starting at data[0]. It writes the
// decoded fields into out and returns nil on success, one of the three
// sentinels above otherwise (out may then be partly filled).
// Parse never reads past len(data).
func Parse(data []byte, classifier Classifier, out *PacketFacts) error {
	out.Reset()
	out.LenBytes = uint16(clampLen(len(data)))

	if len(data) < ethHeaderLen {
		return ErrNonIPv4
	}

	etherType := binary.BigEndian.Uint16(data[12:14])
	if etherType != etherTypeIPv4 {
		return ErrNonIPv4
	}

	ipStart := ethHeaderLen
	if len(data) < ipStart+minIPv4Header {
		return ErrTruncated
	}

	verIHL := data[ipStart]
	version := verIHL >> 4
	if version != 4 {
		return ErrNonIPv4
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < minIPv4Header {
		return ErrMalformed
	}
	if len(data) < ipStart+ihl {
		return ErrTruncated
	}

	out.IsIPv4 = true

	totalLen := int(binary.BigEndian.Uint16(data[ipStart+2 : ipStart+4]))
	if totalLen > 0 && ipStart+totalLen > len(data) {
		// Declared length exceeds what we actually captured; truncated
		// capture, not a malformed packet.
		totalLen = len(data) - ipStart
	}

	flagsFrag := binary.BigEndian.Uint16(data[ipStart+6 : ipStart+8])
	moreFragments := flagsFrag&0x2000 != 0
	fragOffset := flagsFrag & 0x1fff
	out.FragMoreFragments = moreFragments
	out.FragOffsetNonzero = fragOffset != 0

	protocol := data[ipStart+9]
	out.SrcIP = binary.BigEndian.Uint32(data[ipStart+12 : ipStart+16])
	out.DstIP = binary.BigEndian.Uint32(data[ipStart+16 : ipStart+20])

	if classifier != nil {
		out.IsBaseline, out.IsAttack = classifier.Classify(out.SrcIP)
	}

	l4Start := ipStart + ihl
	l4Len := len(data) - l4Start

	switch layers.IPProtocol(protocol) {
	case layers.IPProtocolTCP:
		out.L4Proto = ProtoTCP
		if l4Len < 20 {
			return ErrTruncated
		}
		out.SrcPort = binary.BigEndian.Uint16(data[l4Start : l4Start+2])
		out.DstPort = binary.BigEndian.Uint16(data[l4Start+2 : l4Start+4])
		out.TCPFlags = data[l4Start+13]

		dataOffset := int(data[l4Start+12]>>4) * 4
		if dataOffset < 20 {
			return ErrMalformed
		}
		payloadStart := l4Start + dataOffset
		if out.DstPort == 80 && payloadStart <= len(data) {
			parseHTTP(data[payloadStart:], out)
		}
	case layers.IPProtocolUDP:
		out.L4Proto = ProtoUDP
		if l4Len < 8 {
			return ErrTruncated
		}
		out.SrcPort = binary.BigEndian.Uint16(data[l4Start : l4Start+2])
		out.DstPort = binary.BigEndian.Uint16(data[l4Start+2 : l4Start+4])

		payload := data[l4Start+8:]
		if (out.SrcPort == 443 || out.DstPort == 443 || out.SrcPort == 8443 || out.DstPort == 8443) && len(payload) >= 1 {
			parseQUIC(payload, out)
		}
	case layers.IPProtocolICMPv4:
		out.L4Proto = ProtoICMP
	default:
		out.L4Proto = ProtoOther
	}

	return nil
}

func clampLen(n int) int {
	if n > 0xffff {
		return 0xffff
	}
	return n
}

// parseHTTP matches the first <=8 bytes of the TCP payload against the
// method prefixes and hashes the path up to the first space/CRLF,
// capped at 256 bytes so a pathological URL can't grow the hash cost.
func parseHTTP(payload []byte, out *PacketFacts) {
	for _, m := range httpPrefixes {
		if len(payload) < len(m.prefix) {
			continue
		}
		if string(payload[:len(m.prefix)]) != string(m.prefix) {
			continue
		}
		out.HasHTTP = true
		out.HTTPMethod = m.method

		rest := payload[len(m.prefix):]
		end := len(rest)
		if end > httpPathHashCap {
			end = httpPathHashCap
		}
		for i := 0; i < end; i++ {
			if rest[i] == ' ' || rest[i] == '\r' || rest[i] == '\n' {
				end = i
				break
			}
		}
		out.HTTPPathHash = fnv32(rest[:end])
		return
	}
}

func fnv32(b []byte) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for _, c := range b {
		h ^= uint32(c)
		h *= prime32
	}
	return h
}

// parseQUIC applies a tolerant heuristic rather than a full decode: fixed-bit check,
// long-header version sniff, and a bounded linear scan for ACK frames.
func parseQUIC(payload []byte, out *PacketFacts) {
	firstByte := payload[0]
	if firstByte&quicFixedBit == 0 {
		return
	}

	isLongHeader := firstByte&quicLongHeader != 0
	cursor := 1
	if isLongHeader {
		if len(payload) < 5 {
			return
		}
		version := binary.BigEndian.Uint32(payload[1:5])
		if version != quicVersion1 && version&quicDraftMask != 0xff000000 {
			return
		}
		cursor = 5
		// The DCID/SCID length-prefixed fields are not skipped: the
		// tolerant frame scan below walks over them like any other bytes.
		if cursor >= len(payload) {
			return
		}
	}

	out.HasQUIC = true
	out.QUICAckCount, out.QUICLargestPN = scanACKFrames(payload[cursor:])
}

// scanACKFrames walks the frame stream looking for ACK frames (type
// 0x02 or 0x03). It is deliberately tolerant of malformed input: every
// iteration advances by at least one byte, and the total iteration
// count is bounded at quicMaxFrameLen so a corrupt frame stream cannot
// spin forever.
func scanACKFrames(b []byte) (count int, largestAcked uint64) {
	pos := 0
	for iter := 0; iter < quicMaxFrameLen && pos < len(b); iter++ {
		frameType := b[pos]
		pos++

		if frameType != 0x02 && frameType != 0x03 {
			continue
		}

		largest, n := decodeVarint(b[pos:])
		if n == 0 {
			continue
		}
		pos += n
		count++
		if largest > largestAcked {
			largestAcked = largest
		}
	}
	return count, largestAcked
}

// decodeVarint decodes a QUIC variable-length integer (RFC 9000 §16).
// The two most significant bits of the first byte give the encoded
// length: 1, 2, 4, or 8 bytes. Returns (0, 0) if b is too short.
func decodeVarint(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	prefix := b[0] >> 6
	length := 1 << prefix
	if len(b) < length {
		return 0, 0
	}

	v := uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, length
}

// FragmentFlag reports the fragmentation classification used by the
// detector's fragmentation-attack rule: (more_fragments |
// offset_nonzero): either one means the packet is part of a fragmented datagram.
func (f *PacketFacts) FragmentFlag() bool {
	return f.FragMoreFragments || f.FragOffsetNonzero
}
