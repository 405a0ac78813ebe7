package commander

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"speakeasy/internal/blob"
	"speakeasy/internal/model"
	"speakeasy/internal/store"
)

type fakeSessions struct {
	kicked []uuid.UUID
	moved  map[uuid.UUID]uuid.UUID
	poked  []uuid.UUID
}

func (f *fakeSessions) KickUser(ctx context.Context, userID uuid.UUID, reason string) error {
	f.kicked = append(f.kicked, userID)
	return nil
}

func (f *fakeSessions) MoveUser(ctx context.Context, userID, channelID uuid.UUID) error {
	if f.moved == nil {
		f.moved = make(map[uuid.UUID]uuid.UUID)
	}
	f.moved[userID] = channelID
	return nil
}

func (f *fakeSessions) PokeUser(ctx context.Context, userID uuid.UUID, message string) error {
	f.poked = append(f.poked, userID)
	return nil
}

func (f *fakeSessions) ListClients(ctx context.Context) []ClientInfo { return nil }

func newTestOperations(t *testing.T) (*Operations, store.Repository, *fakeSessions) {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "speakeasy.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	sessions := &fakeSessions{}
	return New(repo, sessions, nil, nil, nil), repo, sessions
}

func newTestOperationsWithBlobs(t *testing.T) (*Operations, store.Repository) {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "speakeasy.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	blobs, err := blob.NewStore(t.TempDir(), repo)
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	return New(repo, &fakeSessions{}, nil, nil, blobs), repo
}

func TestUploadThenDownloadFileRoundTrips(t *testing.T) {
	t.Parallel()
	ops, _ := newTestOperationsWithBlobs(t)
	ctx := context.Background()

	file, err := ops.UploadFile(ctx, blob.PutInput{
		ChannelID: uuid.New(),
		Filename:  "report.txt",
		MIME:      "text/plain",
		Reader:    strings.NewReader("quarterly numbers"),
	})
	if err != nil {
		t.Fatalf("upload file: %v", err)
	}

	result, err := ops.OpenFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer result.File.Close()

	buf := make([]byte, 64)
	n, _ := result.File.Read(buf)
	if got := string(buf[:n]); got != "quarterly numbers" {
		t.Fatalf("read back %q, want %q", got, "quarterly numbers")
	}
}

func TestUploadFileWithoutBlobStoreFails(t *testing.T) {
	t.Parallel()
	ops, _, _ := newTestOperations(t)
	ctx := context.Background()

	_, err := ops.UploadFile(ctx, blob.PutInput{ChannelID: uuid.New(), Filename: "x.txt", Reader: strings.NewReader("x")})
	if err == nil {
		t.Fatal("expected upload without a configured blob store to fail")
	}
}

func TestIssueAndAuthenticateAPIToken(t *testing.T) {
	t.Parallel()
	ops, _, _ := newTestOperations(t)
	ctx := context.Background()

	actor := uuid.New()
	wire, err := ops.IssueAPIToken(ctx, "ci-bot", actor)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	tok, err := ops.AuthenticateAPIToken(ctx, wire)
	if err != nil {
		t.Fatalf("authenticate token: %v", err)
	}
	if tok.Label != "ci-bot" {
		t.Fatalf("label = %q, want ci-bot", tok.Label)
	}
	if tok.CreatedBy != actor {
		t.Fatalf("created_by = %s, want %s", tok.CreatedBy, actor)
	}

	if _, err := ops.AuthenticateAPIToken(ctx, "bogus.wrong"); err == nil {
		t.Fatal("expected error authenticating an unknown prefix")
	}
}

func TestRevokedAPITokenFailsAuthentication(t *testing.T) {
	t.Parallel()
	ops, _, _ := newTestOperations(t)
	ctx := context.Background()

	wire, err := ops.IssueAPIToken(ctx, "temp", uuid.New())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	tok, err := ops.AuthenticateAPIToken(ctx, wire)
	if err != nil {
		t.Fatalf("authenticate token: %v", err)
	}
	if err := ops.RevokeAPIToken(ctx, tok.ID); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if _, err := ops.AuthenticateAPIToken(ctx, wire); err == nil {
		t.Fatal("expected error authenticating a revoked token")
	}
}

func TestBanClientPersistsBanAndKicksSession(t *testing.T) {
	t.Parallel()
	ops, repo, sessions := newTestOperations(t)
	ctx := context.Background()

	userID := uuid.New()
	admin := uuid.New()
	if err := ops.BanClient(ctx, userID, "", "spamming", nil, admin); err != nil {
		t.Fatalf("ban client: %v", err)
	}

	if len(sessions.kicked) != 1 || sessions.kicked[0] != userID {
		t.Fatalf("expected session kicked for %s, got %v", userID, sessions.kicked)
	}

	bans, err := repo.ListBans(ctx)
	if err != nil {
		t.Fatalf("list bans: %v", err)
	}
	if len(bans) != 1 || bans[0].UserID == nil || *bans[0].UserID != userID {
		t.Fatalf("expected one ban for %s, got %v", userID, bans)
	}
}

func TestChannelCRUDRoundTrips(t *testing.T) {
	t.Parallel()
	ops, _, _ := newTestOperations(t)
	ctx := context.Background()

	ch := &model.Channel{Name: "ops-room", Kind: model.ChannelText}
	if err := ops.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	ch.Topic = "incident review"
	if err := ops.EditChannel(ctx, ch); err != nil {
		t.Fatalf("edit channel: %v", err)
	}

	chans, err := ops.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	found := false
	for _, c := range chans {
		if c.ID == ch.ID && c.Topic == "incident review" {
			found = true
		}
	}
	if !found {
		t.Fatal("edited channel not found in listing")
	}

	if err := ops.DeleteChannel(ctx, ch.ID); err != nil {
		t.Fatalf("delete channel: %v", err)
	}
}
