// Package jitter implements the per-source jitter buffer of spec §4.4:
// wrap-aware sequence ordering, packet-loss concealment, FEC recovery, and
// adaptive target occupancy. One Buffer exists per source session and is
// single-writer (the receive loop)/single-reader (the forwarder), matching
// the spec's "no locks" concurrency note — callers are responsible for not
// sharing a Buffer across goroutines without their own synchronization.
package jitter

import (
	"speakeasy/internal/media/packet"
)

// Config bounds one Buffer's behavior.
type Config struct {
	FrameMs      int  // nominal frame cadence, e.g. 20ms
	MinBufferMs  int  // floor
	MaxBufferMs  int  // capacity ceiling
	Adaptive     bool // grow on loss, shrink slowly when comfortably ahead
}

// DefaultConfig matches the spec's worked example (§8.5).
func DefaultConfig() Config {
	return Config{FrameMs: 20, MinBufferMs: 60, MaxBufferMs: 200, Adaptive: true}
}

const marginFrames = 3   // M: frames of slack beyond target before shrinking
const shrinkWindow = 100 // W: consecutive comfortable pulls before shrinking

// Buffer reorders, conceals loss in, and recovers via FEC one source
// session's frame stream.
type Buffer struct {
	cfg Config

	slots      map[uint16]packet.Frame
	fecPending map[uint16]packet.Frame // keyed by CoversSeq, awaiting a slot to fill

	nextSeq      uint16
	started      bool
	targetFrames int // current target occupancy, in frames
	comfortable  int // consecutive pulls at/above target+margin, for shrink-slow
}

// New constructs a Buffer at the configured minimum occupancy.
func New(cfg Config) *Buffer {
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}
	target := cfg.MinBufferMs / cfg.FrameMs
	if target < 1 {
		target = 1
	}
	return &Buffer{
		cfg:          cfg,
		slots:        make(map[uint16]packet.Frame),
		fecPending:   make(map[uint16]packet.Frame),
		targetFrames: target,
	}
}

func (b *Buffer) maxFrames() int {
	m := b.cfg.MaxBufferMs / b.cfg.FrameMs
	if m < 1 {
		m = 1
	}
	return m
}

// Push inserts an arriving frame. Arrivals older than the current window
// (behind nextSeq by more than maxFrames) are discarded as too-late.
func (b *Buffer) Push(f packet.Frame) {
	if !b.started {
		b.nextSeq = f.SequenceNumber
		b.started = true
	}

	if packet.SeqDistance(b.nextSeq, f.SequenceNumber) > b.maxFrames() {
		// Arrived so late the window has moved past it; drop.
		return
	}

	b.slots[f.SequenceNumber] = f
	delete(b.fecPending, f.SequenceNumber)

	if f.FEC != nil {
		if _, have := b.slots[f.FEC.CoversSeq]; !have && packet.SeqGreater(f.SequenceNumber, f.FEC.CoversSeq) {
			recovered := packet.Frame{
				PeerID:         f.PeerID,
				SequenceNumber: f.FEC.CoversSeq,
				Timestamp:      f.Timestamp,
				Mode:           f.Mode,
				Payload:        f.FEC.Payload,
			}
			b.fecPending[f.FEC.CoversSeq] = recovered
		}
	}

	if b.adaptive() && len(b.slots) > b.targetFrames {
		b.growTarget()
	}
}

func (b *Buffer) adaptive() bool { return b.cfg.Adaptive }

func (b *Buffer) growTarget() {
	if b.targetFrames < b.maxFrames() {
		b.targetFrames++
	}
	b.comfortable = 0
}

// Pull returns the next frame in sequence order. If the frame for nextSeq
// is missing, it is either recovered from a pending FEC block or
// synthesized as a PLC frame; either way Pull always advances nextSeq by
// exactly one frame per call, preserving cadence.
func (b *Buffer) Pull() packet.Frame {
	seq := b.nextSeq
	b.nextSeq++

	if f, ok := b.slots[seq]; ok {
		delete(b.slots, seq)
		b.trackShrink()
		return f
	}
	if f, ok := b.fecPending[seq]; ok {
		delete(b.fecPending, seq)
		return f
	}
	if b.adaptive() {
		b.growTarget()
	}
	return packet.Frame{SequenceNumber: seq, Synthesized: true}
}

// trackShrink implements the "shrink slowly when the buffer consistently
// exceeds target by margin M over window W" rule.
func (b *Buffer) trackShrink() {
	if !b.adaptive() {
		return
	}
	if len(b.slots) >= b.targetFrames+marginFrames {
		b.comfortable++
		if b.comfortable >= shrinkWindow {
			floor := b.cfg.MinBufferMs / b.cfg.FrameMs
			if floor < 1 {
				floor = 1
			}
			if b.targetFrames > floor {
				b.targetFrames--
			}
			b.comfortable = 0
		}
		return
	}
	b.comfortable = 0
}

// Occupancy returns the number of frames currently buffered, for metrics.
func (b *Buffer) Occupancy() int { return len(b.slots) }

// TargetFrames returns the current adaptive target occupancy, for tests
// and metrics.
func (b *Buffer) TargetFrames() int { return b.targetFrames }
