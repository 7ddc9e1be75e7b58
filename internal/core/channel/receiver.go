package channel

import "github.com/zeusync/netsync/pkg/sequence"

// reassembly collects the fragments of one reliable message.
type reassembly struct {
	parts [][]byte
	got   int
	size  int
}

func (r *reassembly) add(index uint16, payload []byte) bool {
	if r.parts[index] != nil {
		return false
	}
	r.parts[index] = payload
	r.got++
	r.size += len(payload)
	return r.got == len(r.parts)
}

func (r *reassembly) join() []byte {
	out := make([]byte, 0, r.size)
	for _, p := range r.parts {
		out = append(out, p...)
	}
	return out
}

// receiver turns frames of one channel into delivered messages.
type receiver interface {
	receive(f *frame) [][]byte
}

type orderedReceiver struct {
	next      uint32
	pending   map[uint32][]byte
	fragments map[uint32]*reassembly
	maxFrags  int
}

func newOrderedReceiver(maxFrags int) *orderedReceiver {
	return &orderedReceiver{
		pending:   make(map[uint32][]byte),
		fragments: make(map[uint32]*reassembly),
		maxFrags:  maxFrags,
	}
}

func (r *orderedReceiver) receive(f *frame) [][]byte {
	if sequence.Before(f.ID, r.next) {
		return nil
	}
	if _, ok := r.pending[f.ID]; ok {
		return nil
	}
	payload, ok := assemble(r.fragments, f, r.maxFrags)
	if !ok {
		return nil
	}
	r.pending[f.ID] = payload

	var out [][]byte
	for {
		p, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		out = append(out, p)
		r.next++
	}
	return out
}

type unorderedReceiver struct {
	// every id below base was delivered; seen holds delivered ids at or above it
	base      uint32
	seen      map[uint32]struct{}
	fragments map[uint32]*reassembly
	maxFrags  int
}

func newUnorderedReceiver(maxFrags int) *unorderedReceiver {
	return &unorderedReceiver{
		seen:      make(map[uint32]struct{}),
		fragments: make(map[uint32]*reassembly),
		maxFrags:  maxFrags,
	}
}

func (r *unorderedReceiver) receive(f *frame) [][]byte {
	if sequence.Before(f.ID, r.base) {
		return nil
	}
	if _, ok := r.seen[f.ID]; ok {
		return nil
	}
	payload, ok := assemble(r.fragments, f, r.maxFrags)
	if !ok {
		return nil
	}
	r.seen[f.ID] = struct{}{}
	for {
		if _, ok := r.seen[r.base]; !ok {
			break
		}
		delete(r.seen, r.base)
		r.base++
	}
	return [][]byte{payload}
}

type sequencedReceiver struct {
	// last delivered id plus one, per stream
	next map[uint64]uint32
}

func newSequencedReceiver() *sequencedReceiver {
	return &sequencedReceiver{next: make(map[uint64]uint32)}
}

func (r *sequencedReceiver) receive(f *frame) [][]byte {
	if next, ok := r.next[f.Stream]; ok && sequence.Before(f.ID, next) {
		return nil
	}
	r.next[f.Stream] = f.ID + 1
	return [][]byte{f.Payload}
}

type unreliableReceiver struct{}

func (unreliableReceiver) receive(f *frame) [][]byte {
	return [][]byte{f.Payload}
}

// assemble returns the full payload once every fragment of f's message arrived.
func assemble(buf map[uint32]*reassembly, f *frame, maxFrags int) ([]byte, bool) {
	if f.FragCount <= 1 {
		return f.Payload, true
	}
	if int(f.FragCount) > maxFrags || f.FragIndex >= f.FragCount {
		return nil, false
	}
	r, ok := buf[f.ID]
	if !ok {
		r = &reassembly{parts: make([][]byte, f.FragCount)}
		buf[f.ID] = r
	}
	if len(r.parts) != int(f.FragCount) {
		return nil, false
	}
	if !r.add(f.FragIndex, f.Payload) {
		return nil, false
	}
	delete(buf, f.ID)
	return r.join(), true
}
