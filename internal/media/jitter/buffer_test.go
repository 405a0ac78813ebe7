package jitter

import (
	"testing"

	"speakeasy/internal/media/packet"
)

func frame(seq uint16) packet.Frame {
	return packet.Frame{SequenceNumber: seq, Payload: []byte{byte(seq)}}
}

// TestLossConcealmentMatchesWorkedExample mirrors the spec's own worked
// example: sequence numbers 100..110 with 103 and 104 dropped must be
// delivered as 100,101,102,PLC,PLC,105,106,107,108,109,110.
func TestLossConcealmentMatchesWorkedExample(t *testing.T) {
	t.Parallel()
	b := New(Config{FrameMs: 20, MinBufferMs: 60, MaxBufferMs: 200, Adaptive: true})

	for _, seq := range []uint16{100, 101, 102, 105, 106, 107, 108, 109, 110} {
		b.Push(frame(seq))
	}

	wantSynth := map[int]bool{3: true, 4: true}
	for i := 0; i < 11; i++ {
		got := b.Pull()
		wantSeq := uint16(100 + i)
		if got.SequenceNumber != wantSeq {
			t.Fatalf("pull %d: expected seq %d, got %d", i, wantSeq, got.SequenceNumber)
		}
		if got.Synthesized != wantSynth[i] {
			t.Fatalf("pull %d (seq %d): expected synthesized=%v, got %v", i, wantSeq, wantSynth[i], got.Synthesized)
		}
	}
}

func TestFECRecoversLostFrame(t *testing.T) {
	t.Parallel()
	b := New(DefaultConfig())

	b.Push(frame(200))
	fecFrame := packet.Frame{
		SequenceNumber: 202,
		Payload:        []byte("frame202"),
		FEC:            &packet.FECBlock{CoversSeq: 201, Payload: []byte("recovered-201")},
	}
	b.Push(fecFrame)

	got := b.Pull() // seq 200
	if got.SequenceNumber != 200 || got.Synthesized {
		t.Fatalf("unexpected first pull: %+v", got)
	}

	got = b.Pull() // seq 201, recovered via FEC
	if got.Synthesized {
		t.Fatalf("expected FEC-recovered frame, not PLC: %+v", got)
	}
	if string(got.Payload) != "recovered-201" {
		t.Fatalf("unexpected recovered payload: %q", got.Payload)
	}

	got = b.Pull() // seq 202
	if string(got.Payload) != "frame202" {
		t.Fatalf("unexpected seq 202 payload: %q", got.Payload)
	}
}

func TestTooLateArrivalIsDiscarded(t *testing.T) {
	t.Parallel()
	b := New(Config{FrameMs: 20, MinBufferMs: 20, MaxBufferMs: 40, Adaptive: false})

	b.Push(frame(10))
	for i := 0; i < 5; i++ {
		b.Pull()
	}
	// nextSeq is now 15; maxFrames is 2, so seq 11 (4 frames behind) is
	// outside the window and must be silently dropped rather than panicking
	// or corrupting subsequent pulls.
	b.Push(frame(11))
	if _, ok := b.slots[11]; ok {
		t.Fatalf("expected late arrival to be discarded")
	}
}
