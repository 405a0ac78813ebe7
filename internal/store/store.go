// Package store is the Repository façade of spec §4.1: CRUD and query
// operations over every persistent entity, with transactional semantics
// that enforce the multi-entity invariants (channel acyclicity, unique
// default channel, quota math) inside a single transaction.
//
// Two drivers satisfy Repository: SQLiteStore (embedded, modernc.org/sqlite,
// the default — see sqlite.go) and PostgresStore (networked, jackc/pgx/v5,
// see postgres.go). Only the networked driver participates in cross-process
// pub/sub — see Repository.Notifier.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"speakeasy/internal/model"
)

// Repository is the full persistence façade consumed by every other
// component. All methods accept a context for cancellation/deadlines; a
// context produced by WithTx runs every nested call against the same
// transaction (nested transactions are flattened, not stacked).
type Repository interface {
	// WithTx runs fn inside a transaction, committing on a nil return and
	// rolling back otherwise. If ctx already carries a transaction
	// (flattened nested transaction), fn reuses it instead of opening a
	// new one.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	Users
	Channels
	Groups
	Permissions
	Bans
	AuditLog
	Invites
	Chat
	Files
	Settings
	APITokens

	// Notifier returns the cross-process mirror for the networked driver,
	// or nil for the embedded driver (spec §4.5: "when the persistence
	// mode supports it").
	Notifier() Notifier

	Close() error
}

// Notifier mirrors a whitelisted subset of Event Bus topics to an
// engine-native notification channel so multiple server processes sharing
// one networked database can observe each other's control-plane changes.
// Media events are never mirrored (spec §4.5).
type Notifier interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Listen(ctx context.Context, topics []string) (<-chan Notification, error)
}

// Notification is one cross-process mirrored event.
type Notification struct {
	Topic   string
	Payload []byte
}

type Users interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error
	DeactivateUser(ctx context.Context, id uuid.UUID) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	ListUsers(ctx context.Context) ([]*model.User, error)
}

type Channels interface {
	CreateChannel(ctx context.Context, c *model.Channel) error
	GetChannel(ctx context.Context, id uuid.UUID) (*model.Channel, error)
	UpdateChannel(ctx context.Context, c *model.Channel) error
	// MoveChannel reparents a channel; it must reject moves that would
	// introduce a cycle (spec invariant: forest, no cycles).
	MoveChannel(ctx context.Context, id uuid.UUID, newParent *uuid.UUID) error
	// DeleteChannel removes a channel and all descendants atomically.
	DeleteChannel(ctx context.Context, id uuid.UUID) error
	ListChannels(ctx context.Context) ([]*model.Channel, error)
	ListChildren(ctx context.Context, parent *uuid.UUID) ([]*model.Channel, error)
	SetDefaultChannel(ctx context.Context, id uuid.UUID) error
}

type Groups interface {
	CreateServerGroup(ctx context.Context, g *model.ServerGroup) error
	ListServerGroups(ctx context.Context) ([]*model.ServerGroup, error)
	AddUserToServerGroup(ctx context.Context, userID, groupID uuid.UUID) error
	RemoveUserFromServerGroup(ctx context.Context, userID, groupID uuid.UUID) error
	ServerGroupsOf(ctx context.Context, userID uuid.UUID) ([]*model.ServerGroup, error)

	SetChannelGroup(ctx context.Context, userID, channelID, groupID uuid.UUID) error
	ClearChannelGroup(ctx context.Context, userID, channelID uuid.UUID) error
	ChannelGroupOf(ctx context.Context, userID, channelID uuid.UUID) (*model.ChannelGroup, bool, error)
}

type Permissions interface {
	SetPermission(ctx context.Context, p *model.Permission) error
	RemovePermission(ctx context.Context, targetType model.TargetType, targetID uuid.UUID, channelID uuid.UUID, key string) error
	ListPermissions(ctx context.Context, targetType model.TargetType, targetID uuid.UUID) ([]*model.Permission, error)
	// Snapshot loads every permission row relevant to resolving userID's
	// access to channelID in one shot, for the Permission Resolver (spec
	// §4.3: "a pure function of a consistent snapshot").
	Snapshot(ctx context.Context, userID, channelID uuid.UUID) (*PermissionSnapshot, error)
}

// PermissionSnapshot is the consistent view the resolver folds over, one
// slice per resolver layer (spec §4.3, highest priority first).
type PermissionSnapshot struct {
	Individual     []*model.Permission   // layer 1: this user, individually
	ChannelGroup   []*model.Permission   // layer 2: the user's channel group in this channel, if any
	ChannelDefault []*model.Permission   // layer 3
	ServerGroups   [][]*model.Permission // layer 4: one slice per server group the user belongs to
	ServerDefault  []*model.Permission   // layer 5
}

type Bans interface {
	CreateBan(ctx context.Context, b *model.Ban) error
	DeleteBan(ctx context.Context, id uuid.UUID) error
	ListBans(ctx context.Context) ([]*model.Ban, error)
	// IsBanned checks both user and IP; expired bans are ignored.
	IsBanned(ctx context.Context, userID *uuid.UUID, ip string) (*model.Ban, bool, error)
	PurgeExpiredBans(ctx context.Context) (int, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e *model.AuditLogEntry) error
	ListAudit(ctx context.Context, limit, offset int) ([]*model.AuditLogEntry, error)
}

type Invites interface {
	CreateInvite(ctx context.Context, inv *model.Invite) error
	GetInviteByCode(ctx context.Context, code string) (*model.Invite, error)
	RedeemInvite(ctx context.Context, code string) (*model.Invite, error)
	DeleteInvite(ctx context.Context, id uuid.UUID) error
}

type Chat interface {
	CreateMessage(ctx context.Context, m *model.ChatMessage) error
	EditMessage(ctx context.Context, id uuid.UUID, content string) error
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	GetMessage(ctx context.Context, id uuid.UUID) (*model.ChatMessage, error)
	ListMessages(ctx context.Context, channelID uuid.UUID, before time.Time, limit int) ([]*model.ChatMessage, error)
}

type Files interface {
	CreateFile(ctx context.Context, f *model.File) error
	GetFile(ctx context.Context, id uuid.UUID) (*model.File, error)
	ListFiles(ctx context.Context, channelID uuid.UUID) ([]*model.File, error)
	DeleteFile(ctx context.Context, id uuid.UUID) error
	ChannelQuotaUsed(ctx context.Context, channelID uuid.UUID) (int64, error)
}

type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	GetAllSettings(ctx context.Context) (map[string]string, error)
}

// APITokens backs Commander authentication (spec §4.6): tokens are looked
// up by their short prefix, then verified against the stored argon2id hash.
type APITokens interface {
	CreateAPIToken(ctx context.Context, t *model.APIToken) error
	GetAPITokenByPrefix(ctx context.Context, prefix string) (*model.APIToken, error)
	ListAPITokens(ctx context.Context) ([]*model.APIToken, error)
	TouchAPIToken(ctx context.Context, id uuid.UUID, usedAt time.Time) error
	RevokeAPIToken(ctx context.Context, id uuid.UUID) error
}
