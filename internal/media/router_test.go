package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"speakeasy/internal/eventbus"
	"speakeasy/internal/media/jitter"
	"speakeasy/internal/media/packet"
)

type fakeSender struct {
	mu   sync.Mutex
	recv [][]byte
}

func (f *fakeSender) SendDatagram(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.mu.Lock()
	f.recv = append(f.recv, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recv)
}

func TestForwarderExcludesSenderAndDeafened(t *testing.T) {
	t.Parallel()
	router := NewRouter(eventbus.New(), jitter.DefaultConfig(), 64_000)
	channelID := uuid.New()
	ctx := context.Background()

	senderSess, listenerSess, deafenedSess := uuid.New(), uuid.New(), uuid.New()
	senderSender := &fakeSender{}
	listener := &fakeSender{}
	deafened := &fakeSender{}

	sp := router.RegisterPeer(ctx, senderSess, channelID, false, senderSender)
	router.RegisterPeer(ctx, listenerSess, channelID, false, listener)
	router.RegisterPeer(ctx, deafenedSess, channelID, true, deafened)

	wire, err := packet.Marshal(packet.Frame{PeerID: sp.ID, SequenceNumber: 1, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	router.HandleDatagram(ctx, sp.ID, wire)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && listener.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if listener.count() == 0 {
		t.Fatalf("expected listener to receive at least one forwarded frame")
	}
	// The sender may receive concealment frames for the other members'
	// streams; it must never receive a frame of its own stream.
	senderSender.mu.Lock()
	ownFrames := 0
	for _, raw := range senderSender.recv {
		if f, err := packet.Unmarshal(raw); err == nil && f.PeerID == sp.ID {
			ownFrames++
		}
	}
	senderSender.mu.Unlock()
	if ownFrames != 0 {
		t.Fatalf("sender must not receive its own forwarded frame")
	}
	if deafened.count() != 0 {
		t.Fatalf("deafened peer must not receive forwarded frames")
	}
}

func TestHandleDatagramDropsMalformedPackets(t *testing.T) {
	t.Parallel()
	router := NewRouter(eventbus.New(), jitter.DefaultConfig(), 64_000)
	ctx := context.Background()
	sender := &fakeSender{}
	p := router.RegisterPeer(ctx, uuid.New(), uuid.New(), false, sender)

	router.HandleDatagram(ctx, p.ID, []byte{0x00, 0x01}) // too short to be a valid RTP packet
	if p.malformedStreak != 1 {
		t.Fatalf("expected malformed streak to increment, got %d", p.malformedStreak)
	}
}
