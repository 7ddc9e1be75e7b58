package channel

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zeusync/netsync/pkg/sequence"
)

const (
	// Encoded size bounds used to pack frames under the packet budget.
	headerOverhead = 24
	frameOverhead  = 32
	ackWindow      = 32
)

type frame struct {
	_msgpack struct{} `msgpack:",as_array"`

	Channel   ID
	ID        uint32
	Stream    uint64
	FragIndex uint16
	FragCount uint16
	Payload   []byte
}

func (f *frame) size() int {
	return frameOverhead + len(f.Payload)
}

// packet is what one transport datagram carries. Seq starts at 1; Ack 0 means nothing acked yet.
type packet struct {
	_msgpack struct{} `msgpack:",as_array"`

	Seq     uint32
	Ack     uint32
	AckBits uint32
	Frames  []frame
}

func encodePacket(p *packet) ([]byte, error) {
	return msgpack.Marshal(p)
}

func decodePacket(data []byte) (*packet, error) {
	var p packet
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ackTracker remembers which remote packet sequences arrived recently.
type ackTracker struct {
	latest uint32
	bits   uint32
}

// record notes seq and reports whether it was already seen or is too old to tell.
func (a *ackTracker) record(seq uint32) bool {
	if a.latest == 0 {
		a.latest = seq
		return false
	}
	d := sequence.Distance(a.latest, seq)
	switch {
	case d == 0:
		return true
	case d > 0:
		shift := uint32(d)
		if shift > ackWindow {
			a.bits = 0
		} else {
			a.bits = a.bits<<shift | 1<<(shift-1)
		}
		a.latest = seq
		return false
	default:
		diff := uint32(-d)
		if diff > ackWindow {
			return true
		}
		bit := uint32(1) << (diff - 1)
		if a.bits&bit != 0 {
			return true
		}
		a.bits |= bit
		return false
	}
}

// acked expands an Ack/AckBits pair into the sequences it covers.
func acked(ack, bits uint32) []uint32 {
	if ack == 0 {
		return nil
	}
	out := []uint32{ack}
	for i := uint32(0); i < ackWindow; i++ {
		// sequence 0 is never sent
		if seq := ack - 1 - i; bits&(1<<i) != 0 && seq != 0 {
			out = append(out, seq)
		}
	}
	return out
}
