// Package replay implements the Replayer and its
// PcapRecord/PhaseDescriptor data model: a capture is loaded
// once into a contiguous slice, then transmitted indefinitely under
// one of three pacing modes.
package replay

import (
	"os"

	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// ProtoTag classifies a loaded record for phase-weighted sampling.
type ProtoTag uint8

const (
	ProtoHTTP ProtoTag = iota
	ProtoDNS
	ProtoSSH
	ProtoUDPOther
)

// MaxRecords bounds how many records BulkLoad keeps in memory; the
// spec notes the included systems tolerate up to 10^7.
const MaxRecords = 10_000_000

// Record is one immutable captured packet, owned by the Replayer for
// the process's lifetime after load.
type Record struct {
	Data     []byte
	TSMicros int64
	Tag      ProtoTag
}

// Capture is the in-memory form of a loaded pcap: the flat record
// slice plus a per-tag index enabling weighted sampling in phase mode.
type Capture struct {
	Records   []Record
	byTag     [4][]int
}

// ByTag returns the index of record positions carrying tag.
func (c *Capture) ByTag(tag ProtoTag) []int {
	return c.byTag[tag]
}

// classifyRecord applies a coarse, port-based protocol tag to a raw
// Ethernet frame, good enough for phase-weighted sampling: it does not
// need Parser's full accuracy, only a stable bucket.
func classifyRecord(data []byte) ProtoTag {
	if len(data) < 14+20 {
		return ProtoUDPOther
	}
	ipStart := 14
	if len(data) < ipStart+20 {
		return ProtoUDPOther
	}
	proto := data[ipStart+9]
	ihl := int(data[ipStart]&0x0f) * 4
	l4Start := ipStart + ihl
	if l4Start+4 > len(data) {
		return ProtoUDPOther
	}

	switch proto {
	case 6: // TCP
		dstPort := int(data[l4Start+2])<<8 | int(data[l4Start+3])
		srcPort := int(data[l4Start])<<8 | int(data[l4Start+1])
		if dstPort == 80 || dstPort == 443 || srcPort == 80 || srcPort == 443 {
			return ProtoHTTP
		}
		if dstPort == 22 || srcPort == 22 {
			return ProtoSSH
		}
		return ProtoUDPOther
	case 17: // UDP
		dstPort := int(data[l4Start+2])<<8 | int(data[l4Start+3])
		srcPort := int(data[l4Start])<<8 | int(data[l4Start+1])
		if dstPort == 53 || srcPort == 53 {
			return ProtoDNS
		}
		return ProtoUDPOther
	default:
		return ProtoUDPOther
	}
}

// BulkLoad reads every packet in path into memory once, bounded at
// maxRecords, building the per-tag index as it goes. Grounded on the
// teacher's pcap reading idiom (pcap/pcap.go's OpenLive/packet-source
// sequencing), adapted here to pcapgo's offline Reader since replay
// sources are files, not a live interface.
func BulkLoad(path string, maxRecords int) (*Capture, error) {
	if maxRecords <= 0 || maxRecords > MaxRecords {
		maxRecords = MaxRecords
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open capture file %s", path)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pcap header")
	}

	capture := &Capture{}
	for len(capture.Records) < maxRecords {
		data, ci, err := reader.ZeroCopyReadPacketData()
		if err != nil {
			break // EOF or truncated trailer; replay what loaded so far.
		}
		frame := make([]byte, len(data))
		copy(frame, data)

		tag := classifyRecord(frame)
		rec := Record{
			Data:     frame,
			TSMicros: ci.Timestamp.UnixMicro(),
			Tag:      tag,
		}
		idx := len(capture.Records)
		capture.Records = append(capture.Records, rec)
		capture.byTag[tag] = append(capture.byTag[tag], idx)
	}

	if len(capture.Records) == 0 {
		return nil, errors.New("capture file contained no readable records")
	}
	return capture, nil
}
