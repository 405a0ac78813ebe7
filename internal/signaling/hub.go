package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"speakeasy/internal/apperr"
	"speakeasy/internal/auth"
	"speakeasy/internal/eventbus"
	"speakeasy/internal/metrics"
	"speakeasy/internal/model"
	"speakeasy/internal/permission"
	"speakeasy/internal/protocol"
	"speakeasy/internal/store"
)

const protocolVersion = 1

// Hub is the process-wide signaling coordinator: session registry,
// channel-tree mutation serialization, and the inbound message dispatch
// table. One Hub is constructed per server process and shared by every
// websocket connection, mirroring the teacher's single ChannelState
// instance shared across all of internal/ws.Handler's connections.
type Hub struct {
	repo       store.Repository
	bus        *eventbus.Bus
	serverName string

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[uuid.UUID]map[string]*Session // userID -> sessionID -> session
	byChan   map[uuid.UUID]map[string]*Session // channelID -> sessionID -> session

	chanMu sync.Map // uuid.UUID -> *sync.Mutex, per-subtree serialization handle

	voiceMu     sync.Mutex
	voiceTokens map[string]voiceClaim // token -> claim, reissued on every join
}

// voiceClaim is what a voice join token resolves to; TokenVerifier in
// internal/media consumes this via VerifyVoiceToken.
type voiceClaim struct {
	sessionID uuid.UUID
	channelID uuid.UUID
	deafened  bool
	expiresAt time.Time
}

const voiceTokenTTL = 2 * time.Minute

// NewHub wires a Hub against repo and bus.
func NewHub(repo store.Repository, bus *eventbus.Bus, serverName string) *Hub {
	if serverName == "" {
		serverName = "speakeasy server"
	}
	return &Hub{
		repo:       repo,
		bus:        bus,
		serverName: serverName,
		sessions:    make(map[string]*Session),
		byUser:      make(map[uuid.UUID]map[string]*Session),
		byChan:      make(map[uuid.UUID]map[string]*Session),
		voiceTokens: make(map[string]voiceClaim),
	}
}

// issueVoiceToken mints a fresh Media Router join credential for s's
// current channel and delivers it as a voice_token message.
func (h *Hub) issueVoiceToken(s *Session) {
	token, _, err := auth.GenerateToken(12)
	if err != nil {
		slog.Warn("issue voice token", "session_id", s.ID, "err", err)
		return
	}
	s.mu.RLock()
	channelID, deafened := s.ChannelID, s.Deafened
	userID := s.UserID
	s.mu.RUnlock()

	h.voiceMu.Lock()
	h.voiceTokens[token] = voiceClaim{
		sessionID: userID,
		channelID: channelID,
		deafened:  deafened,
		expiresAt: time.Now().Add(voiceTokenTTL),
	}
	h.voiceMu.Unlock()

	s.trySend(protocol.Message{
		Type: protocol.TypeVoiceToken,
		Payload: mustEncode(protocol.VoiceTokenPayload{
			Token:     token,
			ChannelID: channelID.String(),
		}),
	})
}

// VerifyVoiceToken implements media.TokenVerifier: it resolves a voice
// join token into the session/channel/deafened claims the Media Router
// needs to admit a peer. Tokens are single-use: a successful verify
// deletes the entry, matching the short-lived-credential contract.
func (h *Hub) VerifyVoiceToken(token string) (sessionID, channelID uuid.UUID, deafened bool, ok bool) {
	h.voiceMu.Lock()
	defer h.voiceMu.Unlock()
	claim, found := h.voiceTokens[token]
	if !found {
		return uuid.Nil, uuid.Nil, false, false
	}
	delete(h.voiceTokens, token)
	if time.Now().After(claim.expiresAt) {
		return uuid.Nil, uuid.Nil, false, false
	}
	return claim.sessionID, claim.channelID, claim.deafened, true
}

// Register adds a freshly connected session to the registry.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	metrics.Default().ActiveSessions.Add(context.Background(), 1)
}

// Remove tears a session down: clears channel membership, unregisters it,
// and broadcasts user_left if it had completed authentication.
func (h *Hub) Remove(ctx context.Context, s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	if users, ok := h.byUser[s.UserID]; ok {
		delete(users, s.ID)
		if len(users) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	if s.ChannelID != uuid.Nil {
		if members, ok := h.byChan[s.ChannelID]; ok {
			delete(members, s.ID)
			if len(members) == 0 {
				delete(h.byChan, s.ChannelID)
			}
		}
	}
	wasActive := s.State() == StateActive
	vacated := s.ChannelID
	h.mu.Unlock()

	s.setState(StateClosed)
	close(s.Send)
	metrics.Default().ActiveSessions.Add(ctx, -1)

	if wasActive {
		h.broadcastExcept(s.ID, protocol.Message{}, protocol.TypeUserLeft, protocol.User{ID: s.UserID.String(), Username: s.Username})
		_ = h.bus.Publish(ctx, "presence.left", s.UserID.String())
	}
	if vacated != uuid.Nil {
		h.cleanupIfEmptyTemporary(ctx, vacated)
	}
}

// HandleInbound dispatches one client message against s's current state.
func (h *Hub) HandleInbound(ctx context.Context, s *Session, in protocol.Message) {
	switch s.State() {
	case StateConnecting:
		h.handleHello(ctx, s, in)
	case StateAuthenticating:
		h.handleAuthenticate(ctx, s, in)
	case StatePasswordChangeRequired:
		h.handlePasswordChange(ctx, s, in)
	case StateActive:
		h.handleActive(ctx, s, in)
	default:
		// Closed sessions should not reach here; ignore defensively.
	}
}

func (h *Hub) sendErr(s *Session, err error) {
	s.trySend(protocol.Message{
		Type:      protocol.TypeError,
		Error:     err.Error(),
		ErrorKind: string(apperr.KindOf(err)),
	})
}

func (h *Hub) handleHello(ctx context.Context, s *Session, in protocol.Message) {
	if in.Type != protocol.TypeHello {
		h.sendErr(s, apperr.New("signaling.hello", apperr.BadRequest, errBadFirstMessage))
		return
	}
	var hello protocol.HelloPayload
	if err := in.Decode(&hello); err != nil {
		h.sendErr(s, apperr.New("signaling.hello", apperr.BadRequest, err))
		return
	}
	s.setState(StateAuthenticating)
	s.trySend(protocol.Message{Type: protocol.TypeAuthRequired})
}

func (h *Hub) handleAuthenticate(ctx context.Context, s *Session, in protocol.Message) {
	if in.Type != protocol.TypeAuthenticate {
		h.sendErr(s, apperr.New("signaling.authenticate", apperr.BadRequest, errExpectedAuthenticate))
		return
	}
	var payload protocol.AuthenticatePayload
	if err := in.Decode(&payload); err != nil {
		h.sendErr(s, apperr.New("signaling.authenticate", apperr.BadRequest, err))
		return
	}

	user, err := h.authenticate(ctx, payload)
	if err != nil {
		s.trySend(protocol.Message{Type: protocol.TypeAuthFailed, Error: err.Error()})
		return
	}

	s.UserID = user.ID
	s.Username = user.Username

	h.mu.Lock()
	if h.byUser[s.UserID] == nil {
		h.byUser[s.UserID] = make(map[string]*Session)
	}
	h.byUser[s.UserID][s.ID] = s
	h.mu.Unlock()

	if user.MustChangePassword {
		s.setState(StatePasswordChangeRequired)
		s.trySend(protocol.Message{Type: protocol.TypePasswordChange})
		return
	}
	h.completeAuth(ctx, s)
}

func (h *Hub) handlePasswordChange(ctx context.Context, s *Session, in protocol.Message) {
	if in.Type != protocol.TypePasswordChange {
		h.sendErr(s, apperr.New("signaling.password_change", apperr.BadRequest, errExpectedPasswordChange))
		return
	}
	var payload protocol.PasswordChangePayload
	if err := in.Decode(&payload); err != nil {
		h.sendErr(s, apperr.New("signaling.password_change", apperr.BadRequest, err))
		return
	}
	if len(payload.NewPassword) < 8 {
		h.sendErr(s, apperr.WithReason("signaling.password_change", apperr.BadRequest, "too_short", nil))
		return
	}
	verifier, err := auth.HashSecret(payload.NewPassword)
	if err != nil {
		h.sendErr(s, err)
		return
	}
	user, err := h.repo.GetUser(ctx, s.UserID)
	if err != nil {
		h.sendErr(s, err)
		return
	}
	user.PasswordVerifier = verifier
	user.MustChangePassword = false
	if err := h.repo.UpdateUser(ctx, user); err != nil {
		h.sendErr(s, err)
		return
	}
	h.completeAuth(ctx, s)
}

func (h *Hub) completeAuth(ctx context.Context, s *Session) {
	s.setState(StateActive)

	def, err := h.defaultChannel(ctx)
	if err == nil && def != nil {
		if joinErr := h.joinChannelLocked(ctx, s, def.ID, ""); joinErr != nil {
			slog.Warn("auto-join default channel failed", "user_id", s.UserID, "err", joinErr)
		}
	}

	channels, err := h.repo.ListChannels(ctx)
	if err != nil {
		h.sendErr(s, err)
		return
	}
	users := h.snapshotUsers()

	s.trySend(protocol.Message{
		Type: protocol.TypeSnapshot,
		Payload: mustEncode(protocol.SnapshotPayload{
			ServerName: h.serverName,
			SelfUser:   s.toProtocolUser(),
			Users:      users,
			Channels:   toProtocolChannels(channels),
		}),
	})

	h.broadcastExcept(s.ID, protocol.Message{}, protocol.TypeUserJoined, s.toProtocolUser())
	_ = h.bus.Publish(ctx, "presence.joined", s.UserID.String())
}

func (h *Hub) defaultChannel(ctx context.Context) (*model.Channel, error) {
	channels, err := h.repo.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range channels {
		if c.Default {
			return c, nil
		}
	}
	if len(channels) > 0 {
		return channels[0], nil
	}
	return nil, nil
}

func (h *Hub) authenticate(ctx context.Context, payload protocol.AuthenticatePayload) (*model.User, error) {
	if payload.Invite != "" {
		return h.authenticateViaInvite(ctx, payload)
	}
	if payload.Username == "" {
		return nil, apperr.New("signaling.authenticate", apperr.BadRequest, errMissingUsername)
	}
	user, err := h.repo.GetUserByUsername(ctx, payload.Username)
	if err != nil {
		return nil, apperr.New("signaling.authenticate", apperr.Unauthenticated, errInvalidCredentials)
	}
	if !user.Active {
		return nil, apperr.New("signaling.authenticate", apperr.Forbidden, errAccountInactive)
	}
	ok, err := auth.VerifySecret(user.PasswordVerifier, payload.Password)
	if err != nil || !ok {
		return nil, apperr.New("signaling.authenticate", apperr.Unauthenticated, errInvalidCredentials)
	}
	user.LastLogin = time.Now().UTC()
	_ = h.repo.UpdateUser(ctx, user)
	return user, nil
}

func (h *Hub) authenticateViaInvite(ctx context.Context, payload protocol.AuthenticatePayload) (*model.User, error) {
	inv, err := h.repo.RedeemInvite(ctx, payload.Invite)
	if err != nil {
		return nil, err
	}
	username := strings.TrimSpace(payload.Username)
	if username == "" {
		username = "guest-" + uuid.NewString()[:8]
	}
	verifier, err := auth.HashSecret(payload.Password)
	if err != nil {
		return nil, err
	}
	user := &model.User{Username: username, PasswordVerifier: verifier}
	if err := h.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	if inv.AssignedGroup != nil {
		_ = h.repo.AddUserToServerGroup(ctx, user.ID, *inv.AssignedGroup)
	}
	return user, nil
}

func (h *Hub) handleActive(ctx context.Context, s *Session, in protocol.Message) {
	switch in.Type {
	case protocol.TypePing:
		s.trySend(protocol.Message{Type: protocol.TypePong, TS: in.TS})

	case protocol.TypeJoinChannel:
		var p protocol.JoinChannelPayload
		if err := in.Decode(&p); err != nil {
			h.sendErr(s, apperr.New("signaling.join_channel", apperr.BadRequest, err))
			return
		}
		channelID, err := uuid.Parse(p.ChannelID)
		if err != nil {
			h.sendErr(s, apperr.New("signaling.join_channel", apperr.BadRequest, err))
			return
		}
		if err := h.joinChannelLocked(ctx, s, channelID, p.Password); err != nil {
			h.sendErr(s, err)
		}

	case protocol.TypeLeaveChannel:
		h.leaveChannelLocked(ctx, s)

	case protocol.TypeVoiceStateSet:
		var p protocol.VoiceStateSetPayload
		if err := in.Decode(&p); err != nil {
			h.sendErr(s, apperr.New("signaling.voice_state_set", apperr.BadRequest, err))
			return
		}
		s.mu.Lock()
		changed := s.Muted != p.Muted || s.Deafened != p.Deafened
		s.Muted, s.Deafened = p.Muted, p.Deafened
		s.mu.Unlock()
		if changed {
			h.broadcastChannel(s.ChannelID, "", protocol.TypeVoiceState, s.toProtocolUser())
		}

	case protocol.TypeSendChat:
		h.handleSendChat(ctx, s, in)

	case protocol.TypeEditChat:
		h.handleEditChat(ctx, s, in)

	case protocol.TypeDeleteChat:
		h.handleDeleteChat(ctx, s, in)

	default:
		h.sendErr(s, apperr.WithReason("signaling.dispatch", apperr.BadRequest, "unsupported_type", nil))
	}
}

// joinChannelLocked serializes channel-tree reads against concurrent
// structural mutation by taking a per-channel-subtree lock, per the join
// semantics: verify existence, verify permission, verify capacity,
// verify password, then move membership. Capacity is checked before
// password so a full channel reports conflict:full even when the
// supplied password is also wrong.
func (h *Hub) joinChannelLocked(ctx context.Context, s *Session, channelID uuid.UUID, password string) error {
	lock := h.subtreeLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	channel, err := h.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}

	snap, err := h.repo.Snapshot(ctx, s.UserID, channelID)
	if err != nil {
		return err
	}
	decision := permission.ResolveTriState(toPermSnapshot(snap), "channel_join")
	if !decision.Granted {
		metrics.Default().PermissionDenials.Add(ctx, 1)
		return apperr.New("signaling.join_channel", apperr.Forbidden, errJoinDenied)
	}

	if channel.MaxClients > 0 {
		h.mu.RLock()
		current := len(h.byChan[channelID])
		h.mu.RUnlock()
		if current >= channel.MaxClients {
			return apperr.WithReason("signaling.join_channel", apperr.Conflict, "full", nil)
		}
	}

	if channel.PasswordVerifier != "" {
		ok, err := auth.VerifySecret(channel.PasswordVerifier, password)
		if err != nil || !ok {
			return apperr.New("signaling.join_channel", apperr.Unauthenticated, errBadChannelPassword)
		}
	}

	h.mu.Lock()
	oldChannel := s.ChannelID
	if oldChannel != uuid.Nil {
		if members, ok := h.byChan[oldChannel]; ok {
			delete(members, s.ID)
		}
	}
	if h.byChan[channelID] == nil {
		h.byChan[channelID] = make(map[string]*Session)
	}
	h.byChan[channelID][s.ID] = s
	h.mu.Unlock()

	s.mu.Lock()
	s.ChannelID = channelID
	s.mu.Unlock()

	if oldChannel != uuid.Nil {
		h.broadcastChannel(oldChannel, s.ID, protocol.TypeUserMoved, s.toProtocolUser())
		if oldChannel != channelID {
			h.cleanupIfEmptyTemporary(ctx, oldChannel)
		}
	}
	h.broadcastChannel(channelID, s.ID, protocol.TypeUserMoved, s.toProtocolUser())
	_ = h.bus.Publish(ctx, "presence.moved", s.UserID.String())
	if channel.Kind == model.ChannelVoice {
		h.issueVoiceToken(s)
	}
	return nil
}

// leaveChannelLocked removes s from its current channel without closing
// the session, the way joinChannelLocked evicts the old channel on a
// channel switch, then lets cleanupIfEmptyTemporary decide whether the
// vacated channel should self-destruct.
func (h *Hub) leaveChannelLocked(ctx context.Context, s *Session) {
	s.mu.Lock()
	channelID := s.ChannelID
	s.mu.Unlock()
	if channelID == uuid.Nil {
		return
	}

	h.mu.Lock()
	if members, ok := h.byChan[channelID]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(h.byChan, channelID)
		}
	}
	h.mu.Unlock()

	s.mu.Lock()
	s.ChannelID = uuid.Nil
	s.mu.Unlock()

	h.broadcastChannel(channelID, s.ID, protocol.TypeUserLeft, s.toProtocolUser())
	_ = h.bus.Publish(ctx, "presence.left_channel", s.UserID.String())
	h.cleanupIfEmptyTemporary(ctx, channelID)
}

// cleanupIfEmptyTemporary destroys channelID when it is flagged
// model.Temporary and currently has no occupants, broadcasting
// channel_deleted to every connected client. The per-subtree lock makes
// the check-then-delete atomic against a concurrent join racing in on
// the same channel, so a channel emptied by simultaneous leaves is
// deleted exactly once.
func (h *Hub) cleanupIfEmptyTemporary(ctx context.Context, channelID uuid.UUID) {
	lock := h.subtreeLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	h.mu.RLock()
	occupied := len(h.byChan[channelID]) > 0
	h.mu.RUnlock()
	if occupied {
		return
	}

	channel, err := h.repo.GetChannel(ctx, channelID)
	if err != nil || channel.Persistence != model.Temporary {
		return
	}

	if err := h.repo.DeleteChannel(ctx, channelID); err != nil {
		slog.Warn("delete empty temporary channel", "channel_id", channelID, "err", err)
		return
	}
	h.broadcastExcept("", protocol.Message{}, protocol.TypeChannelDeleted, protocol.ChannelDeletedPayload{
		ChannelID: channelID.String(),
		Reason:    "temporary_empty",
	})
	_ = h.bus.Publish(ctx, "channel.deleted", channelID.String())
}

func (h *Hub) subtreeLock(channelID uuid.UUID) *sync.Mutex {
	lockAny, _ := h.chanMu.LoadOrStore(channelID, &sync.Mutex{})
	return lockAny.(*sync.Mutex)
}

func (h *Hub) handleSendChat(ctx context.Context, s *Session, in protocol.Message) {
	var p protocol.ChatPayload
	if err := in.Decode(&p); err != nil {
		h.sendErr(s, apperr.New("signaling.send_chat", apperr.BadRequest, err))
		return
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		h.sendErr(s, apperr.New("signaling.send_chat", apperr.BadRequest, err))
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		h.sendErr(s, apperr.New("signaling.send_chat", apperr.BadRequest, errEmptyMessage))
		return
	}

	snap, err := h.repo.Snapshot(ctx, s.UserID, channelID)
	if err != nil {
		h.sendErr(s, err)
		return
	}
	if !permission.ResolveTriState(toPermSnapshot(snap), "text_send").Granted {
		metrics.Default().PermissionDenials.Add(ctx, 1)
		h.sendErr(s, apperr.New("signaling.send_chat", apperr.Forbidden, errChatDenied))
		return
	}

	msg := &model.ChatMessage{ChannelID: channelID, SenderID: s.UserID, Content: p.Content}
	if p.ReplyTo != "" {
		if replyID, err := uuid.Parse(p.ReplyTo); err == nil {
			msg.ReplyTo = &replyID
		}
	}
	if err := h.repo.CreateMessage(ctx, msg); err != nil {
		h.sendErr(s, err)
		return
	}

	h.broadcastChannel(channelID, "", protocol.TypeChatMessage, toProtocolChatMessage(msg))
	_ = h.bus.Publish(ctx, "chat.sent", msg.ID.String())
	metrics.Default().ChatMessagesSent.Add(ctx, 1)
}

func (h *Hub) handleEditChat(ctx context.Context, s *Session, in protocol.Message) {
	var p protocol.ChatEditPayload
	if err := in.Decode(&p); err != nil {
		h.sendErr(s, apperr.New("signaling.edit_chat", apperr.BadRequest, err))
		return
	}
	msgID, err := uuid.Parse(p.MessageID)
	if err != nil {
		h.sendErr(s, apperr.New("signaling.edit_chat", apperr.BadRequest, err))
		return
	}
	existing, err := h.repo.GetMessage(ctx, msgID)
	if err != nil {
		h.sendErr(s, err)
		return
	}
	if existing.SenderID != s.UserID {
		h.sendErr(s, apperr.New("signaling.edit_chat", apperr.Forbidden, errNotOwnMessage))
		return
	}
	if err := h.repo.EditMessage(ctx, msgID, p.Content); err != nil {
		h.sendErr(s, err)
		return
	}
	existing.Content = p.Content
	h.broadcastChannel(existing.ChannelID, "", protocol.TypeChatEdited, toProtocolChatMessage(existing))
}

func (h *Hub) handleDeleteChat(ctx context.Context, s *Session, in protocol.Message) {
	var p protocol.ChatDeletePayload
	if err := in.Decode(&p); err != nil {
		h.sendErr(s, apperr.New("signaling.delete_chat", apperr.BadRequest, err))
		return
	}
	msgID, err := uuid.Parse(p.MessageID)
	if err != nil {
		h.sendErr(s, apperr.New("signaling.delete_chat", apperr.BadRequest, err))
		return
	}
	existing, err := h.repo.GetMessage(ctx, msgID)
	if err != nil {
		h.sendErr(s, err)
		return
	}
	if existing.SenderID != s.UserID {
		snap, err := h.repo.Snapshot(ctx, s.UserID, existing.ChannelID)
		if err != nil || !permission.ResolveTriState(toPermSnapshot(snap), "chat_moderate").Granted {
			h.sendErr(s, apperr.New("signaling.delete_chat", apperr.Forbidden, errNotOwnMessage))
			return
		}
	}
	if err := h.repo.DeleteMessage(ctx, msgID); err != nil {
		h.sendErr(s, err)
		return
	}
	h.broadcastChannel(existing.ChannelID, "", protocol.TypeChatDeleted, protocol.ChatDeletePayload{MessageID: msgID.String()})
}

// broadcastChannel sends msgType/payload to every session in channelID
// except excludeSessionID.
func (h *Hub) broadcastChannel(channelID uuid.UUID, excludeSessionID string, msgType string, payload any) {
	msg, err := protocol.WithPayload(msgType, payload)
	if err != nil {
		slog.Error("encode broadcast payload", "type", msgType, "err", err)
		return
	}
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.byChan[channelID]))
	for id, sess := range h.byChan[channelID] {
		if id == excludeSessionID {
			continue
		}
		targets = append(targets, sess)
	}
	h.mu.RUnlock()
	for _, t := range targets {
		t.trySend(msg)
	}
}

// broadcastExcept sends msgType/payload to every active session.
func (h *Hub) broadcastExcept(excludeSessionID string, _ protocol.Message, msgType string, payload any) {
	msg, err := protocol.WithPayload(msgType, payload)
	if err != nil {
		slog.Error("encode broadcast payload", "type", msgType, "err", err)
		return
	}
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for id, sess := range h.sessions {
		if id == excludeSessionID || sess.State() != StateActive {
			continue
		}
		targets = append(targets, sess)
	}
	h.mu.RUnlock()
	for _, t := range targets {
		t.trySend(msg)
	}
}

func (h *Hub) snapshotUsers() []protocol.User {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.User, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.State() != StateActive {
			continue
		}
		out = append(out, s.toProtocolUser())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func toProtocolChannels(channels []*model.Channel) []protocol.Channel {
	out := make([]protocol.Channel, len(channels))
	for i, c := range channels {
		var parentID string
		if c.ParentID != nil {
			parentID = c.ParentID.String()
		}
		out[i] = protocol.Channel{
			ID:          c.ID.String(),
			Name:        c.Name,
			ParentID:    parentID,
			Topic:       c.Topic,
			HasPassword: c.PasswordVerifier != "",
			MaxClients:  c.MaxClients,
			Default:     c.Default,
			Kind:        string(c.Kind),
			SortOrder:   c.SortOrder,
		}
	}
	return out
}

func toProtocolChatMessage(m *model.ChatMessage) protocol.ChatMessagePayload {
	var replyTo string
	if m.ReplyTo != nil {
		replyTo = m.ReplyTo.String()
	}
	return protocol.ChatMessagePayload{
		ID:        m.ID.String(),
		ChannelID: m.ChannelID.String(),
		SenderID:  m.SenderID.String(),
		Content:   m.Content,
		ReplyTo:   replyTo,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}

func toPermSnapshot(snap *store.PermissionSnapshot) permission.Snapshot {
	return permission.Snapshot{
		Individual:     snap.Individual,
		ChannelGroup:   snap.ChannelGroup,
		ChannelDefault: snap.ChannelDefault,
		ServerGroups:   snap.ServerGroups,
		ServerDefault:  snap.ServerDefault,
	}
}

func mustEncode(v any) []byte {
	msg, err := protocol.WithPayload("", v)
	if err != nil {
		return nil
	}
	return msg.Payload
}

// SessionInfo is the listing-view projection of one connected session,
// exposed to Commander (spec §4.6 "client list"). Kept signaling-native
// (rather than returning Commander's own view type) so this package
// never imports the admin surface that sits above it in the dependency
// order; the server wiring layer adapts SessionInfo into Commander's
// ClientInfo.
type SessionInfo struct {
	UserID      uuid.UUID
	Username    string
	ChannelID   uuid.UUID
	RemoteIP    string
	ConnectedAt time.Time
}

// ListSessions returns every currently active session, for Commander's
// "client list" operation.
func (h *Hub) ListSessions(ctx context.Context) []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.State() != StateActive {
			continue
		}
		out = append(out, SessionInfo{
			UserID:      s.UserID,
			Username:    s.Username,
			ChannelID:   s.ChannelID,
			RemoteIP:    s.RemoteIP,
			ConnectedAt: s.connectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (h *Hub) sessionsForUser(userID uuid.UUID) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byID, ok := h.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

// KickUser forcibly disconnects every session belonging to userID,
// notifying it of the reason before severing the transport. Implements
// commander.SessionManager's KickUser through the wiring-layer adapter.
func (h *Hub) KickUser(ctx context.Context, userID uuid.UUID, reason string) error {
	for _, s := range h.sessionsForUser(userID) {
		reasonJSON, _ := json.Marshal(reason)
		s.trySend(protocol.Message{
			Type:  protocol.TypeAdminEcho,
			Error: reason,
			Payload: mustEncode(protocol.AdminEchoPayload{
				Operation: "client.kicked",
				Detail:    reasonJSON,
			}),
		})
		s.ForceClose()
	}
	_ = h.bus.Publish(ctx, "client.kicked", userID.String())
	return nil
}

// MoveUser reassigns every session belonging to userID into channelID,
// reusing the same locking and broadcast path as a client-initiated
// join. Permission checks are bypassed: an administrative move is, by
// definition, already authorized. Unlike a client-initiated join, the
// moved session itself also receives the new channel's user_moved
// broadcast, since it did not ask for the move.
func (h *Hub) MoveUser(ctx context.Context, userID, channelID uuid.UUID) error {
	if _, err := h.repo.GetChannel(ctx, channelID); err != nil {
		return err
	}
	for _, s := range h.sessionsForUser(userID) {
		lock := h.subtreeLock(channelID)
		lock.Lock()
		h.mu.Lock()
		oldChannel := s.ChannelID
		if oldChannel != uuid.Nil {
			if members, ok := h.byChan[oldChannel]; ok {
				delete(members, s.ID)
			}
		}
		if h.byChan[channelID] == nil {
			h.byChan[channelID] = make(map[string]*Session)
		}
		h.byChan[channelID][s.ID] = s
		h.mu.Unlock()

		s.mu.Lock()
		s.ChannelID = channelID
		s.mu.Unlock()
		lock.Unlock()

		if oldChannel != uuid.Nil {
			h.broadcastChannel(oldChannel, s.ID, protocol.TypeUserMoved, s.toProtocolUser())
		}
		h.broadcastChannel(channelID, "", protocol.TypeUserMoved, s.toProtocolUser())
		h.issueVoiceToken(s)
	}
	_ = h.bus.Publish(ctx, "presence.moved", userID.String())
	return nil
}

// PokeUser delivers a one-off administrative message to every session
// belonging to userID without altering its state.
func (h *Hub) PokeUser(ctx context.Context, userID uuid.UUID, message string) error {
	for _, s := range h.sessionsForUser(userID) {
		messageJSON, _ := json.Marshal(message)
		s.trySend(protocol.Message{
			Type: protocol.TypeAdminEcho,
			Payload: mustEncode(protocol.AdminEchoPayload{
				Operation: "client.poked",
				Detail:    messageJSON,
			}),
		})
	}
	return nil
}

// PostSystemMessage writes content into channelID on behalf of the server
// itself rather than any authenticated user, persists it like any other
// chat message, and broadcasts it to the channel's current members. It
// bypasses text_send permission resolution: a system message, by
// definition, already carries its own authorization (a plugin call, a
// scheduled announcement).
func (h *Hub) PostSystemMessage(ctx context.Context, channelID uuid.UUID, content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.New("signaling.post_system_message", apperr.BadRequest, errEmptyMessage)
	}
	msg := &model.ChatMessage{ChannelID: channelID, Content: content, Kind: "system"}
	if err := h.repo.CreateMessage(ctx, msg); err != nil {
		return err
	}
	h.broadcastChannel(channelID, "", protocol.TypeChatMessage, toProtocolChatMessage(msg))
	_ = h.bus.Publish(ctx, "chat.sent", msg.ID.String())
	metrics.Default().ChatMessagesSent.Add(ctx, 1)
	return nil
}

// Moderate dispatches a plugin-issued moderation action by name onto the
// corresponding administrative primitive. Recognized actions are "kick",
// "move", and "poke"; "move" treats reason as the destination channel ID.
func (h *Hub) Moderate(ctx context.Context, action string, userID uuid.UUID, reason string) error {
	switch action {
	case "kick":
		return h.KickUser(ctx, userID, reason)
	case "poke":
		return h.PokeUser(ctx, userID, reason)
	case "move":
		channelID, err := uuid.Parse(reason)
		if err != nil {
			return apperr.New("signaling.moderate", apperr.BadRequest, fmt.Errorf("move requires a channel id: %w", err))
		}
		return h.MoveUser(ctx, userID, channelID)
	default:
		return apperr.New("signaling.moderate", apperr.BadRequest, fmt.Errorf("unknown moderation action %q", action))
	}
}
