package udpproto

import "sort"

// DefaultMaxPending bounds how many incomplete frames a Reassembler keeps.
const DefaultMaxPending = 8

// Frame is a frame rebuilt from its chunks.
type Frame struct {
	FrameHeader
	Payload []byte
}

type partial struct {
	header   FrameHeader
	chunks   [][]byte
	received int
}

// Reassembler rebuilds frames from chunk datagrams of a single stream.
// Incomplete frames are evicted oldest-first once more than maxPending are
// outstanding, and chunks of frames older than the last completed one are
// ignored. It is not safe for concurrent use.
type Reassembler struct {
	codec      Codec
	maxPending int

	pending  map[uint32]*partial
	last     uint32
	haveLast bool
	dropped  int
}

func NewReassembler(codec Codec, maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reassembler{
		codec:      codec,
		maxPending: maxPending,
		pending:    make(map[uint32]*partial),
	}
}

// Dropped returns the number of frames discarded as incomplete.
func (r *Reassembler) Dropped() int {
	return r.dropped
}

// Push feeds one datagram. It returns a frame when the datagram completed one.
func (r *Reassembler) Push(datagram []byte) (Frame, bool, error) {
	ch, err := r.codec.DecodeChunk(datagram)
	if err != nil {
		return Frame{}, false, err
	}
	if r.haveLast && int32(ch.Seq-r.last) <= 0 {
		return Frame{}, false, nil
	}

	p, ok := r.pending[ch.Seq]
	if !ok {
		p = &partial{header: ch.FrameHeader, chunks: make([][]byte, ch.Count)}
		r.pending[ch.Seq] = p
		r.evict()
	}
	if int(ch.Index) >= len(p.chunks) || p.chunks[ch.Index] != nil {
		return Frame{}, false, nil
	}
	p.chunks[ch.Index] = append([]byte{}, ch.Payload...)
	p.received++
	if p.received < len(p.chunks) {
		return Frame{}, false, nil
	}

	delete(r.pending, ch.Seq)
	// Anything older than a completed frame can no longer be emitted in order.
	for seq := range r.pending {
		if int32(seq-ch.Seq) < 0 {
			delete(r.pending, seq)
			r.dropped++
		}
	}
	r.last, r.haveLast = ch.Seq, true

	var n int
	for _, c := range p.chunks {
		n += len(c)
	}
	payload := make([]byte, 0, n)
	for _, c := range p.chunks {
		payload = append(payload, c...)
	}
	return Frame{FrameHeader: p.header, Payload: payload}, true, nil
}

func (r *Reassembler) evict() {
	if len(r.pending) <= r.maxPending {
		return
	}
	seqs := make([]uint32, 0, len(r.pending))
	for seq := range r.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return int32(seqs[i]-seqs[j]) < 0 })
	for _, seq := range seqs[:len(seqs)-r.maxPending] {
		delete(r.pending, seq)
		r.dropped++
	}
}
