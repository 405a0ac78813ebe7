// Package media is the Media Router of spec §4.4: a per-listening-socket
// receive loop, a per-source jitter buffer, and a forwarder task per
// active voice channel that fans datagrams out to every subscriber except
// the sender and any deafened session. Grounded on the teacher's root
// client.go/room.go (circuit-breaker fan-out, NACK ring buffer,
// per-datagram sender-ID stamping), generalized from a flat room to the
// channel-scoped forwarding and congestion/bitrate-adaptation machinery
// the expanded spec requires.
package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"speakeasy/internal/eventbus"
	"speakeasy/internal/media/jitter"
	"speakeasy/internal/media/packet"
	"speakeasy/internal/metrics"
)

// DatagramSender is the minimal interface needed to hand a datagram to a
// transport session; an interface here lets tests inject a fake.
type DatagramSender interface {
	SendDatagram([]byte) error
}

const (
	dgramCacheSize       = 128 // per-sender NACK ring buffer slots
	maxNACKSeqs          = 10
	maxConsecutiveGarbage = 20 // malformed packets from one peer before raising a signal
)

type cachedDatagram struct {
	seq  uint16
	data []byte
	set  bool
}

// Peer is one connected voice endpoint, bound to a Session & Signaling
// Service session via VerifyVoiceToken at join time.
type Peer struct {
	ID        uint32
	SessionID uuid.UUID

	mu        sync.RWMutex
	channelID uuid.UUID
	deafened  bool

	sender  DatagramSender
	health  sendHealth
	limiter *rate.Limiter
	buf     *jitter.Buffer

	nackMu     sync.Mutex
	nackCache  [dgramCacheSize]cachedDatagram

	malformedStreak int
	lossWindow      lossTracker
}

func (p *Peer) channel() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channelID
}

func (p *Peer) isDeafened() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deafened
}

func (p *Peer) cache(seq uint16, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	idx := int(seq) % dgramCacheSize
	p.nackMu.Lock()
	p.nackCache[idx] = cachedDatagram{seq: seq, data: cp, set: true}
	p.nackMu.Unlock()
}

func (p *Peer) cached(seq uint16) []byte {
	idx := int(seq) % dgramCacheSize
	p.nackMu.Lock()
	defer p.nackMu.Unlock()
	entry := p.nackCache[idx]
	if entry.set && entry.seq == seq {
		return entry.data
	}
	return nil
}

// lossTracker accumulates a trailing-window loss ratio for the bitrate-
// adaptation hint (spec §4.4, decision logged in DESIGN.md).
type lossTracker struct {
	mu           sync.Mutex
	windowStart  time.Time
	received     int
	lost         int
}

const bitrateHintWindow = 2 * time.Second
const bitrateHintLossThreshold = 0.05

// observe records one pull outcome and reports whether a downgrade hint
// should fire, resetting the window either way.
func (lt *lossTracker) observe(now time.Time, lost bool) (fire bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.windowStart.IsZero() {
		lt.windowStart = now
	}
	if lost {
		lt.lost++
	} else {
		lt.received++
	}
	if now.Sub(lt.windowStart) < bitrateHintWindow {
		return false
	}
	total := lt.received + lt.lost
	ratio := 0.0
	if total > 0 {
		ratio = float64(lt.lost) / float64(total)
	}
	lt.received, lt.lost = 0, 0
	lt.windowStart = now
	return ratio > bitrateHintLossThreshold
}

// Router owns every active Peer and the per-channel forwarder tasks.
type Router struct {
	bus *eventbus.Bus
	cfg jitter.Config

	peakBitrateBps   int
	congestionFactor float64 // safety factor applied on top of peakBitrateBps

	mu         sync.RWMutex
	peers      map[uint32]*Peer
	byChannel  map[uuid.UUID]map[uint32]*Peer
	forwarders map[uuid.UUID]context.CancelFunc
	nextID     uint32
}

// NewRouter constructs a Router. peakBitrateBps configures the per-source
// congestion leaky bucket (spec: "leaky bucket at the configured peak
// bitrate x safety factor").
func NewRouter(bus *eventbus.Bus, cfg jitter.Config, peakBitrateBps int) *Router {
	return &Router{
		bus:              bus,
		cfg:              cfg,
		peakBitrateBps:   peakBitrateBps,
		congestionFactor: 1.5,
		peers:            make(map[uint32]*Peer),
		byChannel:        make(map[uuid.UUID]map[uint32]*Peer),
		forwarders:       make(map[uuid.UUID]context.CancelFunc),
	}
}

// RegisterPeer admits a new voice endpoint into channelID and starts that
// channel's forwarder if it isn't already running.
func (r *Router) RegisterPeer(ctx context.Context, sessionID, channelID uuid.UUID, deafened bool, sender DatagramSender) *Peer {
	r.mu.Lock()
	id := r.nextID + 1
	r.nextID = id

	burst := int(float64(r.peakBitrateBps) * r.congestionFactor / 8) // bytes/sec: burst holds one second of bytes at the bucket rate
	if burst < 1500 {
		burst = 1500
	}
	p := &Peer{
		ID:        id,
		SessionID: sessionID,
		channelID: channelID,
		deafened:  deafened,
		sender:    sender,
		limiter:   rate.NewLimiter(rate.Limit(r.peakBitrateBps/8)*rate.Limit(r.congestionFactor), burst),
		buf:       jitter.New(r.cfg),
	}
	r.peers[id] = p
	r.addToChannelLocked(p)
	r.ensureForwarderLocked(ctx, channelID)
	r.mu.Unlock()

	metrics.Default().ActiveVoicePeers.Add(ctx, 1)
	slog.Debug("media peer registered", "peer_id", id, "session_id", sessionID, "channel_id", channelID)
	return p
}

func (r *Router) addToChannelLocked(p *Peer) {
	ch := p.channel()
	if r.byChannel[ch] == nil {
		r.byChannel[ch] = make(map[uint32]*Peer)
	}
	r.byChannel[ch][p.ID] = p
}

// MovePeer updates a peer's channel membership, starting a forwarder for
// the destination channel and tearing the source one down once empty.
func (r *Router) MovePeer(ctx context.Context, peerID uint32, newChannel uuid.UUID) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	old := p.channel()
	if members, ok := r.byChannel[old]; ok {
		delete(members, peerID)
		if len(members) == 0 {
			delete(r.byChannel, old)
			r.stopForwarderLocked(old)
		}
	}
	p.mu.Lock()
	p.channelID = newChannel
	p.mu.Unlock()
	r.addToChannelLocked(p)
	r.ensureForwarderLocked(ctx, newChannel)
	r.mu.Unlock()
}

// SetDeafened updates a peer's deafened flag; the forwarder reads it on
// every fan-out pass so changes take effect on the next frame.
func (r *Router) SetDeafened(peerID uint32, deafened bool) {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.deafened = deafened
	p.mu.Unlock()
}

// RemovePeer tears a peer down and stops its channel's forwarder once no
// peers remain in it.
func (r *Router) RemovePeer(peerID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	delete(r.peers, peerID)
	ch := p.channel()
	if members, ok := r.byChannel[ch]; ok {
		delete(members, peerID)
		if len(members) == 0 {
			delete(r.byChannel, ch)
			r.stopForwarderLocked(ch)
		}
	}
	metrics.Default().ActiveVoicePeers.Add(context.Background(), -1)
}

func (r *Router) ensureForwarderLocked(ctx context.Context, channelID uuid.UUID) {
	if _, running := r.forwarders[channelID]; running {
		return
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.forwarders[channelID] = cancel
	go r.runForwarder(fctx, channelID)
}

func (r *Router) stopForwarderLocked(channelID uuid.UUID) {
	if cancel, ok := r.forwarders[channelID]; ok {
		cancel()
		delete(r.forwarders, channelID)
	}
}

// HandleDatagram applies the congestion leaky bucket, decodes the frame,
// and pushes it into the source peer's jitter buffer. Malformed packets
// are dropped and counted; a sustained run of them publishes a
// media.malformed_source event so Signaling can act (spec §4.4 "repeated
// malformed packets ... raise a signal to Signaling").
func (r *Router) HandleDatagram(ctx context.Context, peerID uint32, data []byte) {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if !p.limiter.AllowN(time.Now(), len(data)) {
		metrics.Default().RecordDatagramDropped(ctx, "congestion")
		return // congestion-dropped, no TCP-style retransmit
	}

	f, err := packet.Unmarshal(data)
	if err != nil {
		p.malformedStreak++
		metrics.Default().RecordDatagramDropped(ctx, "malformed")
		if p.malformedStreak == maxConsecutiveGarbage {
			_ = r.bus.Publish(ctx, "media.malformed_source", p.SessionID.String())
		}
		return
	}
	p.malformedStreak = 0

	p.cache(f.SequenceNumber, data)
	p.buf.Push(f)
}

// HandleNACK retransmits cached datagrams from sender to requester, only
// within the same voice channel.
func (r *Router) HandleNACK(requesterID, senderID uint32, seqs []uint16) {
	if len(seqs) > maxNACKSeqs {
		seqs = seqs[:maxNACKSeqs]
	}
	r.mu.RLock()
	requester, rok := r.peers[requesterID]
	sender, sok := r.peers[senderID]
	r.mu.RUnlock()
	if !rok || !sok || requester.channel() != sender.channel() {
		return
	}
	for _, seq := range seqs {
		if data := sender.cached(seq); data != nil {
			_ = requester.sender.SendDatagram(data)
		}
	}
}

const forwardCadence = 20 * time.Millisecond

// runForwarder reads one frame per cadence tick from every source peer in
// channelID and fans it out to every other non-deafened peer in the same
// channel, per spec §4.4.
func (r *Router) runForwarder(ctx context.Context, channelID uuid.UUID) {
	ticker := time.NewTicker(forwardCadence)
	defer ticker.Stop()
	slog.Debug("media forwarder started", "channel_id", channelID)
	defer slog.Debug("media forwarder stopped", "channel_id", channelID)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.forwardOnce(ctx, channelID, now)
		}
	}
}

func (r *Router) forwardOnce(ctx context.Context, channelID uuid.UUID, now time.Time) {
	r.mu.RLock()
	members := r.byChannel[channelID]
	sources := make([]*Peer, 0, len(members))
	for _, p := range members {
		sources = append(sources, p)
	}
	r.mu.RUnlock()

	for _, src := range sources {
		f := src.buf.Pull()

		wire, err := packet.Marshal(f)
		if err != nil {
			continue
		}

		r.mu.RLock()
		targets := make([]*Peer, 0, len(members))
		for id, p := range members {
			if id == src.ID || p.isDeafened() {
				continue
			}
			targets = append(targets, p)
		}
		r.mu.RUnlock()

		for _, dst := range targets {
			if dst.health.shouldSkip() {
				metrics.Default().RecordDatagramDropped(ctx, "circuit_open")
				continue
			}
			sendStart := time.Now()
			if err := dst.sender.SendDatagram(wire); err != nil {
				dst.health.recordFailure()
			} else {
				dst.health.recordSuccess()
				metrics.Default().DatagramsForwarded.Add(ctx, 1)
				metrics.Default().ForwardLatency.Record(ctx, time.Since(sendStart).Seconds())
			}
			if dst.lossWindow.observe(now, f.Synthesized) {
				_ = r.bus.Publish(ctx, "media.bitrate_hint", map[string]any{
					"channel":    channelID.String(),
					"subscriber": dst.SessionID.String(),
					"direction":  "down",
					"window_ms":  int(bitrateHintWindow / time.Millisecond),
				})
			}
		}
	}
}
