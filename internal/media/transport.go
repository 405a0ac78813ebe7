package media

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/quic-go/webtransport-go"
)

// TokenVerifier resolves a short-lived voice join token issued by the
// Session & Signaling Service into the claims the Media Router needs to
// admit a peer. Kept as an interface (rather than importing
// internal/signaling directly) so media has no dependency on the
// control-plane package; internal/signaling.Hub implements it.
type TokenVerifier interface {
	VerifyVoiceToken(token string) (sessionID, channelID uuid.UUID, deafened bool, ok bool)
}

// joinMessage is the first control-stream message a voice client must
// send, carrying the token minted by Signaling on channel join.
type joinMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// nackMessage requests retransmission of missed datagrams from a peer
// identified by SenderPeerID.
type nackMessage struct {
	Type         string   `json:"type"`
	SenderPeerID uint32   `json:"sender_peer_id"`
	Seqs         []uint16 `json:"seqs"`
}

// controlMessage is the generic envelope used to sniff a control-stream
// message's Type before decoding it into nackMessage or setDeafened.
type controlMessage struct {
	Type string `json:"type"`
}

// setDeafened lets a peer update its own deafened flag without a full
// rejoin; the control-plane side of this state lives in Signaling, the
// media side is refreshed directly over this control stream.
type setDeafened struct {
	Type     string `json:"type"`
	Deafened bool   `json:"deafened"`
}

// Server accepts WebTransport sessions and binds each to a Router peer,
// grounded on the teacher's root client.go handleClient/readDatagrams
// pair (control stream join handshake, datagram relay goroutine), with
// the flat numeric client registry replaced by Router.RegisterPeer
// admission gated on a Signaling-issued token.
type Server struct {
	router   *Router
	verifier TokenVerifier
}

// NewServer binds a transport Server to router and verifier.
func NewServer(router *Router, verifier TokenVerifier) *Server {
	return &Server{router: router, verifier: verifier}
}

// HandleSession serves one WebTransport session from join to disconnect.
func (s *Server) HandleSession(ctx context.Context, sess *webtransport.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sess.CloseWithError(0, "bye")

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("media accept control stream failed", "err", err)
		return
	}

	reader := bufio.NewReader(stream)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Debug("media join read failed", "err", err)
		return
	}
	var join joinMessage
	if err := json.Unmarshal(line, &join); err != nil || join.Type != "join" {
		slog.Debug("media invalid join message", "err", err)
		return
	}

	sessionID, channelID, deafened, ok := s.verifier.VerifyVoiceToken(join.Token)
	if !ok {
		slog.Debug("media join rejected: invalid token")
		return
	}

	peer := s.router.RegisterPeer(ctx, sessionID, channelID, deafened, sess)
	slog.Info("media peer connected", "peer_id", peer.ID, "session_id", sessionID, "channel_id", channelID)
	defer s.router.RemovePeer(peer.ID)

	go s.readDatagrams(ctx, sess, peer)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var envelope controlMessage
		if err := json.Unmarshal(line, &envelope); err != nil {
			continue
		}
		switch envelope.Type {
		case "nack":
			var msg nackMessage
			if err := json.Unmarshal(line, &msg); err == nil {
				s.router.HandleNACK(peer.ID, msg.SenderPeerID, msg.Seqs)
			}
		case "set_deafened":
			var msg setDeafened
			if err := json.Unmarshal(line, &msg); err == nil {
				s.router.SetDeafened(peer.ID, msg.Deafened)
			}
		}
	}
}

func (s *Server) readDatagrams(ctx context.Context, sess *webtransport.Session, peer *Peer) {
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(data) < 4 {
			continue
		}
		// Stamp the peer's authoritative SSRC to prevent spoofing before
		// the frame reaches the router; the wire layout places SSRC at
		// bytes [8:12) per the RTP header (version/flags/seq/ts first).
		if len(data) >= 12 {
			binary.BigEndian.PutUint32(data[8:12], peer.ID)
		}
		s.router.HandleDatagram(ctx, peer.ID, data)
	}
}
