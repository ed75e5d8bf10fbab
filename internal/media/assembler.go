package media

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

type dropReason string

const (
	dropGap        dropReason = "sequence gap"
	dropIncomplete dropReason = "missing end of frame"
	dropTimeout    dropReason = "frame timeout"
	dropNoStart    dropReason = "missing start of frame"
	dropStale      dropReason = "timestamp older than last frame"
	dropDecode     dropReason = "depacketization error"
)

// drop records a discarded frame.
type drop struct {
	timestamp uint32
	packets   int
	err       error
}

func newDrop(ts uint32, packets int, reason dropReason, cause error) drop {
	err := fmt.Errorf("%w: ts=%d: %s", ErrFrameReassembly, ts, reason)
	if cause != nil {
		err = fmt.Errorf("%w: ts=%d: %s: %v", ErrFrameReassembly, ts, reason, cause)
	}
	return drop{timestamp: ts, packets: packets, err: err}
}

type pendingFrame struct {
	ts      uint32
	pkts    []*rtp.Packet
	started time.Time
	broken  dropReason
}

// assembler groups in-order packets into frames by RTP timestamp. A frame is
// emitted only when every packet from its first to its marker arrived
// without a gap, and frames are emitted in non-decreasing timestamp order.
type assembler struct {
	kind    Kind
	dp      depacketizer
	timeout time.Duration

	cur *pendingFrame

	// skipTS discards the rest of a frame that was already dropped.
	skipTS   uint32
	skipping bool

	lastTS   uint32
	haveLast bool
}

func newAssembler(kind Kind, dp depacketizer, timeout time.Duration) *assembler {
	return &assembler{kind: kind, dp: dp, timeout: timeout}
}

func (a *assembler) push(r released, now time.Time) ([]Frame, []drop) {
	var (
		frames []Frame
		drops  []drop
	)
	pkt := r.pkt

	if r.gapBefore && a.cur != nil {
		drops = append(drops, a.discard(dropGap))
	}
	if a.skipping {
		if pkt.Timestamp == a.skipTS {
			return frames, drops
		}
		a.skipping = false
	}

	if a.dp.perPacket() {
		f, d, ok := a.complete(&pendingFrame{ts: pkt.Timestamp, pkts: []*rtp.Packet{pkt}, started: now}, now)
		if ok {
			frames = append(frames, f)
		} else {
			drops = append(drops, d)
		}
		return frames, drops
	}

	if a.cur != nil && a.cur.ts != pkt.Timestamp {
		drops = append(drops, a.discard(dropIncomplete))
		a.skipping = false
	}
	if a.cur == nil {
		a.cur = &pendingFrame{ts: pkt.Timestamp, started: now}
		switch {
		case r.gapBefore:
			// The missing packets may have been the start of this frame.
			a.cur.broken = dropGap
		case !a.dp.isFrameStart(pkt.Payload):
			a.cur.broken = dropNoStart
		}
	}
	a.cur.pkts = append(a.cur.pkts, pkt)

	if !pkt.Marker {
		return frames, drops
	}
	cur := a.cur
	a.cur = nil
	if cur.broken != "" {
		drops = append(drops, newDrop(cur.ts, len(cur.pkts), cur.broken, nil))
		return frames, drops
	}
	f, d, ok := a.complete(cur, now)
	if ok {
		frames = append(frames, f)
	} else {
		drops = append(drops, d)
	}
	return frames, drops
}

// expire drops the frame in progress if it has been open for longer than the
// frame timeout.
func (a *assembler) expire(now time.Time) []drop {
	if a.cur == nil || now.Sub(a.cur.started) < a.timeout {
		return nil
	}
	return []drop{a.discard(dropTimeout)}
}

func (a *assembler) discard(reason dropReason) drop {
	cur := a.cur
	a.cur = nil
	a.skipTS, a.skipping = cur.ts, true
	return newDrop(cur.ts, len(cur.pkts), reason, nil)
}

func (a *assembler) complete(p *pendingFrame, now time.Time) (Frame, drop, bool) {
	if a.haveLast && tsBefore(p.ts, a.lastTS) {
		return Frame{}, newDrop(p.ts, len(p.pkts), dropStale, nil), false
	}
	payload, keyframe, err := a.dp.depacketize(p.pkts)
	if err != nil {
		return Frame{}, newDrop(p.ts, len(p.pkts), dropDecode, err), false
	}
	a.lastTS, a.haveLast = p.ts, true
	return Frame{
		Kind:       a.kind,
		Timestamp:  p.ts,
		Keyframe:   keyframe,
		Payload:    payload,
		Packets:    p.pkts,
		ReceivedAt: now,
	}, drop{}, true
}
