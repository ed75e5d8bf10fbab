package media

import (
	"time"

	"github.com/pion/rtp"
)

// released is a packet leaving the reorder buffer in sequence order.
// gapBefore is set when one or more sequence numbers before it were given up
// on.
type released struct {
	pkt       *rtp.Packet
	gapBefore bool
}

type pushResult int

const (
	pushAccepted pushResult = iota
	pushLate
	pushDuplicate
)

type heldPacket struct {
	pkt *rtp.Packet
	at  time.Time
}

// reorderBuffer restores RTP sequence order within a bounded window of
// sequence numbers and a bounded holding time. Packets behind the release
// point are rejected; a gap that is not filled within maxDelay, or that would
// push the buffer past its window, is skipped.
type reorderBuffer struct {
	window   int
	maxDelay time.Duration

	held    map[uint16]heldPacket
	next    uint16
	started bool
	gap     bool

	// consecutiveLate counts back-to-back late packets; a long run means the
	// sender restarted its sequence space and the buffer resynchronises.
	consecutiveLate int
}

func newReorderBuffer(window int, maxDelay time.Duration) *reorderBuffer {
	if window <= 0 {
		window = 1
	}
	return &reorderBuffer{
		window:   window,
		maxDelay: maxDelay,
		held:     make(map[uint16]heldPacket, window),
	}
}

func (r *reorderBuffer) push(pkt *rtp.Packet, now time.Time) (pushResult, []released, int) {
	seq := pkt.SequenceNumber
	if !r.started {
		r.started = true
		r.next = seq
	}

	diff := seqDiff(r.next, seq)
	if diff < 0 {
		r.consecutiveLate++
		if r.consecutiveLate <= r.window {
			return pushLate, nil, 0
		}
		out, skipped := r.resync(seq)
		r.held[seq] = heldPacket{pkt: pkt, at: now}
		return pushAccepted, append(out, r.drain()...), skipped
	}
	r.consecutiveLate = 0

	if _, ok := r.held[seq]; ok {
		return pushDuplicate, nil, 0
	}

	var out []released
	skipped := 0
	if diff >= r.window {
		out, skipped = r.advanceTo(seq - uint16(r.window-1))
	}
	r.held[seq] = heldPacket{pkt: pkt, at: now}
	return pushAccepted, append(out, r.drain()...), skipped
}

// expire gives up on gaps in front of any packet that has been held for
// maxDelay. It returns the packets released and the number of sequence
// numbers skipped.
func (r *reorderBuffer) expire(now time.Time) ([]released, int) {
	target, found, farthest := uint16(0), false, -1
	for seq, h := range r.held {
		if now.Sub(h.at) < r.maxDelay {
			continue
		}
		if d := seqDiff(r.next, seq); d > farthest {
			target, found, farthest = seq, true, d
		}
	}
	if !found {
		return nil, 0
	}
	out, skipped := r.advanceTo(target)
	return append(out, r.drain()...), skipped
}

// flush releases everything still held, marking gaps.
func (r *reorderBuffer) flush() []released {
	var out []released
	for len(r.held) > 0 {
		seq := r.closest()
		rel, _ := r.advanceTo(seq)
		out = append(out, rel...)
		out = append(out, r.drain()...)
	}
	return out
}

func (r *reorderBuffer) pending() int {
	return len(r.held)
}

// closest returns the held sequence number nearest the release point.
func (r *reorderBuffer) closest() uint16 {
	var (
		best     uint16
		bestDist = -1
	)
	for seq := range r.held {
		if d := seqDiff(r.next, seq); bestDist < 0 || d < bestDist {
			best, bestDist = seq, d
		}
	}
	return best
}

// advanceTo moves the release point forward to target, releasing held
// packets on the way and marking skipped sequence numbers as a gap.
func (r *reorderBuffer) advanceTo(target uint16) ([]released, int) {
	var out []released
	skipped := 0
	for seqDiff(r.next, target) > 0 {
		if h, ok := r.held[r.next]; ok {
			delete(r.held, r.next)
			out = append(out, released{pkt: h.pkt, gapBefore: r.gap})
			r.gap = false
		} else {
			r.gap = true
			skipped++
		}
		r.next++
	}
	return out, skipped
}

func (r *reorderBuffer) drain() []released {
	var out []released
	for {
		h, ok := r.held[r.next]
		if !ok {
			return out
		}
		delete(r.held, r.next)
		out = append(out, released{pkt: h.pkt, gapBefore: r.gap})
		r.gap = false
		r.next++
	}
}

func (r *reorderBuffer) resync(seq uint16) ([]released, int) {
	out := r.flush()
	r.next = seq
	r.gap = true
	r.consecutiveLate = 0
	return out, 0
}
