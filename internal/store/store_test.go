package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"speakeasy/internal/apperr"
	"speakeasy/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "speakeasy.db")
	st, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateUserAndLookup(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u := &model.User{Username: "Alice", PasswordVerifier: "argon2idhash"}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.ID == uuid.Nil {
		t.Fatalf("expected id to be assigned")
	}

	got, err := st.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get user by username: %v", err)
	}
	if got.ID != u.ID || got.Username != "alice" {
		t.Fatalf("unexpected user: %+v", got)
	}

	if err := st.CreateUser(ctx, &model.User{Username: "alice", PasswordVerifier: "x"}); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("expected conflict on duplicate username, got %v", err)
	}
}

func TestChannelMoveRejectsCycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	root := &model.Channel{Name: "root"}
	if err := st.CreateChannel(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	child := &model.Channel{Name: "child", ParentID: &root.ID}
	if err := st.CreateChannel(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}
	grandchild := &model.Channel{Name: "grandchild", ParentID: &child.ID}
	if err := st.CreateChannel(ctx, grandchild); err != nil {
		t.Fatalf("create grandchild: %v", err)
	}

	err := st.MoveChannel(ctx, root.ID, &grandchild.ID)
	if !apperr.Is(err, apperr.Conflict) || apperr.ReasonOf(err) != "cycle" {
		t.Fatalf("expected cycle conflict, got %v", err)
	}
}

func TestDeleteChannelRemovesSubtree(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	root := &model.Channel{Name: "root"}
	if err := st.CreateChannel(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	child := &model.Channel{Name: "child", ParentID: &root.ID}
	if err := st.CreateChannel(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := st.DeleteChannel(ctx, root.ID); err != nil {
		t.Fatalf("delete channel: %v", err)
	}
	if _, err := st.GetChannel(ctx, child.ID); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected child to be gone, got %v", err)
	}
}

func TestSetDefaultChannelIsExclusive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := &model.Channel{Name: "a", Default: true}
	if err := st.CreateChannel(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	b := &model.Channel{Name: "b"}
	if err := st.CreateChannel(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := st.SetDefaultChannel(ctx, b.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}

	got, err := st.GetChannel(ctx, a.ID)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if got.Default {
		t.Fatalf("expected a to no longer be default")
	}
}

func TestRedeemInviteEnforcesMaxUses(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	creator := &model.User{Username: "owner", PasswordVerifier: "x"}
	if err := st.CreateUser(ctx, creator); err != nil {
		t.Fatalf("create user: %v", err)
	}
	inv := &model.Invite{Code: "ONEUSE", MaxUses: 1, CreatedBy: creator.ID}
	if err := st.CreateInvite(ctx, inv); err != nil {
		t.Fatalf("create invite: %v", err)
	}

	if _, err := st.RedeemInvite(ctx, "ONEUSE"); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if _, err := st.RedeemInvite(ctx, "ONEUSE"); !apperr.Is(err, apperr.Conflict) || apperr.ReasonOf(err) != "exhausted" {
		t.Fatalf("expected exhausted conflict, got %v", err)
	}
}

func TestPermissionSnapshotLayers(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u := &model.User{Username: "bob", PasswordVerifier: "x"}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	ch := &model.Channel{Name: "general"}
	if err := st.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	if err := st.SetPermission(ctx, &model.Permission{
		TargetType: model.TargetUser, TargetID: u.ID, ChannelID: ch.ID,
		Key: "speak", Value: model.PermissionValue{Kind: model.ValueTriState, TriState: model.Deny},
	}); err != nil {
		t.Fatalf("set individual permission: %v", err)
	}
	if err := st.SetPermission(ctx, &model.Permission{
		TargetType: model.TargetChannelDefault, TargetID: ch.ID, ChannelID: ch.ID,
		Key: "speak", Value: model.PermissionValue{Kind: model.ValueTriState, TriState: model.Grant},
	}); err != nil {
		t.Fatalf("set channel default permission: %v", err)
	}

	snap, err := st.Snapshot(ctx, u.ID, ch.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Individual) != 1 || snap.Individual[0].Value.TriState != model.Deny {
		t.Fatalf("expected individual deny, got %+v", snap.Individual)
	}
	if len(snap.ChannelDefault) != 1 || snap.ChannelDefault[0].Value.TriState != model.Grant {
		t.Fatalf("expected channel default grant, got %+v", snap.ChannelDefault)
	}
}

func TestBanExpiry(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	if err := st.CreateBan(ctx, &model.Ban{IPOrCIDR: "10.0.0.5", ExpiresAt: &past}); err != nil {
		t.Fatalf("create ban: %v", err)
	}
	if _, banned, err := st.IsBanned(ctx, nil, "10.0.0.5"); err != nil || banned {
		t.Fatalf("expected expired ban to not apply, banned=%v err=%v", banned, err)
	}

	future := time.Now().UTC().Add(time.Hour)
	if err := st.CreateBan(ctx, &model.Ban{IPOrCIDR: "10.0.0.0/24", ExpiresAt: &future}); err != nil {
		t.Fatalf("create cidr ban: %v", err)
	}
	if _, banned, err := st.IsBanned(ctx, nil, "10.0.0.200"); err != nil || !banned {
		t.Fatalf("expected cidr ban to apply, banned=%v err=%v", banned, err)
	}
}
