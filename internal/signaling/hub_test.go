package signaling

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"speakeasy/internal/apperr"
	"speakeasy/internal/auth"
	"speakeasy/internal/eventbus"
	"speakeasy/internal/model"
	"speakeasy/internal/protocol"
	"speakeasy/internal/store"
)

func newTestHub(t *testing.T) (*Hub, store.Repository) {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "speakeasy.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	channel := &model.Channel{Name: "general", Kind: model.ChannelText, Default: true}
	if err := repo.CreateChannel(ctx, channel); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	// The permission resolver is fail-closed, so grant the joins and chat
	// these tests exercise at the server-default layer.
	for _, key := range []string{"channel_join", "text_send"} {
		if err := repo.SetPermission(ctx, &model.Permission{
			TargetType: model.TargetServerDefault, Key: key,
			Value: model.PermissionValue{Kind: model.ValueTriState, TriState: model.Grant},
		}); err != nil {
			t.Fatalf("grant %s: %v", key, err)
		}
	}

	return NewHub(repo, eventbus.New(), "test server"), repo
}

func createUser(t *testing.T, repo store.Repository, username, password string) *model.User {
	t.Helper()
	verifier, err := auth.HashSecret(password)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	u := &model.User{Username: username, PasswordVerifier: verifier, Active: true}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func drain(t *testing.T, s *Session, timeout time.Duration) protocol.Message {
	t.Helper()
	select {
	case msg := <-s.Send:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for message on session %s", s.ID)
		return protocol.Message{}
	}
}

func TestAuthenticateHappyPathReachesActiveAndSnapshot(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "alice", "correct horse battery")

	s := NewSession(8)
	hub.Register(s)
	ctx := context.Background()

	hub.HandleInbound(ctx, s, protocol.Message{Type: protocol.TypeHello})
	if got := drain(t, s, time.Second); got.Type != protocol.TypeAuthRequired {
		t.Fatalf("expected auth_required, got %s", got.Type)
	}

	authMsg, _ := protocol.WithPayload(protocol.TypeAuthenticate, protocol.AuthenticatePayload{
		Username: "alice",
		Password: "correct horse battery",
	})
	hub.HandleInbound(ctx, s, authMsg)

	snapshot := drain(t, s, time.Second)
	if snapshot.Type != protocol.TypeSnapshot {
		t.Fatalf("expected snapshot, got %s: %s", snapshot.Type, snapshot.Error)
	}
	if s.State() != StateActive {
		t.Fatalf("expected active state, got %s", s.State())
	}
	if s.ChannelID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("expected auto-join into default channel")
	}
}

func TestAuthenticateWrongPasswordFails(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "bob", "hunter2xxxxxxxx")

	s := NewSession(8)
	hub.Register(s)
	ctx := context.Background()

	hub.HandleInbound(ctx, s, protocol.Message{Type: protocol.TypeHello})
	drain(t, s, time.Second)

	authMsg, _ := protocol.WithPayload(protocol.TypeAuthenticate, protocol.AuthenticatePayload{
		Username: "bob",
		Password: "wrong password entirely",
	})
	hub.HandleInbound(ctx, s, authMsg)

	got := drain(t, s, time.Second)
	if got.Type != protocol.TypeAuthFailed {
		t.Fatalf("expected auth_failed, got %s", got.Type)
	}
	if s.State() != StateAuthenticating {
		t.Fatalf("expected to remain in authenticating state, got %s", s.State())
	}
}

func TestSendChatBroadcastsToChannelMembers(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "carol", "a password that is long")
	createUser(t, repo, "dave", "another long password")
	ctx := context.Background()

	carol := authenticateSession(t, hub, "carol", "a password that is long")
	dave := authenticateSession(t, hub, "dave", "another long password")

	chatMsg, _ := protocol.WithPayload(protocol.TypeSendChat, protocol.ChatPayload{
		ChannelID: carol.ChannelID.String(),
		Content:   "hello from carol",
	})
	hub.HandleInbound(ctx, carol, chatMsg)

	got := drain(t, dave, time.Second)
	if got.Type != protocol.TypeChatMessage {
		t.Fatalf("expected chat_message broadcast, got %s: %s", got.Type, got.Error)
	}
	var payload protocol.ChatMessagePayload
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Content != "hello from carol" {
		t.Fatalf("unexpected content: %q", payload.Content)
	}
}

func TestKickUserClosesSessionAfterNotifying(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "erin", "a reasonably long password")
	ctx := context.Background()

	s := authenticateSession(t, hub, "erin", "a reasonably long password")
	closed := make(chan struct{})
	s.SetCloseFunc(func() { close(closed) })

	if err := hub.KickUser(ctx, s.UserID, "spamming"); err != nil {
		t.Fatalf("kick user: %v", err)
	}

	got := drain(t, s, time.Second)
	if got.Type != protocol.TypeAdminEcho {
		t.Fatalf("expected admin_echo before close, got %s", got.Type)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected the registered close hook to run")
	}
}

func TestMoveUserReassignsChannelAndBroadcasts(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "frank", "another reasonable password")
	ctx := context.Background()

	s := authenticateSession(t, hub, "frank", "another reasonable password")
	origChannel := s.ChannelID

	target := &model.Channel{Name: "admin-room", Kind: model.ChannelText}
	if err := repo.CreateChannel(ctx, target); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	if err := hub.MoveUser(ctx, s.UserID, target.ID); err != nil {
		t.Fatalf("move user: %v", err)
	}

	got := drain(t, s, time.Second)
	if got.Type != protocol.TypeUserMoved {
		t.Fatalf("expected user_moved broadcast, got %s", got.Type)
	}
	if s.ChannelID != target.ID {
		t.Fatalf("session channel = %s, want %s", s.ChannelID, target.ID)
	}
	if s.ChannelID == origChannel {
		t.Fatal("expected channel to actually change")
	}
}

func TestPokeUserDeliversAdminEchoWithoutDisconnecting(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "gina", "yet another long password")
	ctx := context.Background()

	s := authenticateSession(t, hub, "gina", "yet another long password")

	if err := hub.PokeUser(ctx, s.UserID, "please lower your volume"); err != nil {
		t.Fatalf("poke user: %v", err)
	}

	got := drain(t, s, time.Second)
	if got.Type != protocol.TypeAdminEcho {
		t.Fatalf("expected admin_echo, got %s", got.Type)
	}
	if s.State() != StateActive {
		t.Fatalf("expected session to remain active, got %s", s.State())
	}
}

func TestLeaveChannelVacatesMembershipAndBroadcasts(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "hank", "a perfectly fine password")
	createUser(t, repo, "iris", "another perfectly fine one")
	ctx := context.Background()

	hank := authenticateSession(t, hub, "hank", "a perfectly fine password")
	iris := authenticateSession(t, hub, "iris", "another perfectly fine one")
	channelID := hank.ChannelID

	hub.HandleInbound(ctx, hank, protocol.Message{Type: protocol.TypeLeaveChannel})

	got := drain(t, iris, time.Second)
	if got.Type != protocol.TypeUserLeft {
		t.Fatalf("expected user_left broadcast, got %s", got.Type)
	}
	if hank.ChannelID != uuid.Nil {
		t.Fatalf("expected session to have no channel after leaving, got %s", hank.ChannelID)
	}
	if channelID == hank.ChannelID {
		t.Fatal("expected channel membership to actually clear")
	}
}

func TestTemporaryChannelDeletedWhenLastMemberLeaves(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "jules", "a solidly long password")
	ctx := context.Background()

	temp := &model.Channel{Name: "scratch", Kind: model.ChannelText, Persistence: model.Temporary}
	if err := repo.CreateChannel(ctx, temp); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	s := authenticateSession(t, hub, "jules", "a solidly long password")
	if err := hub.joinChannelLocked(ctx, s, temp.ID, ""); err != nil {
		t.Fatalf("join temporary channel: %v", err)
	}
	// jules is the sole occupant of both the old and new channel, so the
	// join's user_moved broadcasts have no other recipient; nothing to
	// drain here.

	hub.HandleInbound(ctx, s, protocol.Message{Type: protocol.TypeLeaveChannel})
	// Likewise the leave's user_left broadcast excludes jules itself and
	// has no other listener.

	if _, err := repo.GetChannel(ctx, temp.ID); err == nil {
		t.Fatal("expected the empty temporary channel to be deleted")
	}
}

func TestJoinChecksCapacityBeforePassword(t *testing.T) {
	t.Parallel()
	hub, repo := newTestHub(t)
	createUser(t, repo, "kay", "a workable password here")
	ctx := context.Background()

	full := &model.Channel{Name: "full-room", Kind: model.ChannelText, MaxClients: 1}
	full.PasswordVerifier = "$argon2id$placeholder" // any non-empty verifier; password check must never run
	if err := repo.CreateChannel(ctx, full); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	occupant := &Session{ID: "occupant", ChannelID: full.ID}
	hub.mu.Lock()
	hub.byChan[full.ID] = map[string]*Session{occupant.ID: occupant}
	hub.mu.Unlock()

	s := authenticateSession(t, hub, "kay", "a workable password here")
	err := hub.joinChannelLocked(ctx, s, full.ID, "definitely the wrong password")
	if err == nil {
		t.Fatal("expected join to fail")
	}
	if got := apperr.KindOf(err); got != apperr.Conflict {
		t.Fatalf("expected conflict:full to take precedence over the password check, got kind %s (%v)", got, err)
	}
}

// authenticateSession drives a session through hello+authenticate and
// drains the resulting auth_required/snapshot/user_joined traffic so
// tests can start from a clean Active session.
func authenticateSession(t *testing.T, hub *Hub, username, password string) *Session {
	t.Helper()
	s := NewSession(8)
	hub.Register(s)
	ctx := context.Background()

	hub.HandleInbound(ctx, s, protocol.Message{Type: protocol.TypeHello})
	drain(t, s, time.Second) // auth_required

	authMsg, _ := protocol.WithPayload(protocol.TypeAuthenticate, protocol.AuthenticatePayload{
		Username: username,
		Password: password,
	})
	hub.HandleInbound(ctx, s, authMsg)
	drain(t, s, time.Second) // snapshot

	// Drain any user_joined broadcasts queued for this session from
	// other sessions that authenticated earlier.
	for {
		select {
		case <-s.Send:
		case <-time.After(20 * time.Millisecond):
			return s
		}
	}
}
