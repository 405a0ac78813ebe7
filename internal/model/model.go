// Package model holds the persistent entity types of the Speakeasy data
// model (spec §3). Structs carry no persistence-library annotations; the
// store package is responsible for the translation to/from rows, the way
// the teacher keeps store.BlobMetadata free of SQL tags.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ChannelKind distinguishes a voice channel from a text-only channel.
type ChannelKind string

const (
	ChannelVoice ChannelKind = "voice"
	ChannelText  ChannelKind = "text"
)

// ChannelPersistence controls a channel's lifetime.
type ChannelPersistence string

const (
	Permanent     ChannelPersistence = "permanent"
	SemiPermanent ChannelPersistence = "semi_permanent"
	Temporary     ChannelPersistence = "temporary"
)

// User is an account that can authenticate against Signaling or Commander.
type User struct {
	ID                 uuid.UUID
	Username           string // case-folded for uniqueness
	PasswordVerifier   string // argon2id encoded hash
	CreatedAt          time.Time
	LastLogin          time.Time
	Active             bool
	MustChangePassword bool
}

// Channel is one node of the hierarchical voice/text forest.
type Channel struct {
	ID               uuid.UUID
	Name             string
	ParentID         *uuid.UUID
	Topic            string
	PasswordVerifier string // empty = no password
	MaxClients       int    // 0 = unbounded
	Default          bool
	SortOrder        int
	Kind             ChannelKind
	Persistence      ChannelPersistence
	CreatedAt        time.Time
}

// ServerGroup is an additive group carrying permissions and a display
// priority.
type ServerGroup struct {
	ID       uuid.UUID
	Name     string
	Priority int
}

// ChannelGroup carries at most one per (user, channel).
type ChannelGroup struct {
	ID        uuid.UUID
	ChannelID uuid.UUID
	Name      string
}

// UserServerGroupMembership links a user to a server group.
type UserServerGroupMembership struct {
	UserID  uuid.UUID
	GroupID uuid.UUID
}

// UserChannelGroupMembership links a user to a channel group, scoped to one
// channel.
type UserChannelGroupMembership struct {
	UserID    uuid.UUID
	ChannelID uuid.UUID
	GroupID   uuid.UUID
}

// TargetType identifies what a Permission row is attached to.
type TargetType string

const (
	TargetUser           TargetType = "user"
	TargetServerGroup    TargetType = "server_group"
	TargetChannelGroup   TargetType = "channel_group"
	TargetServerDefault  TargetType = "server_default"
	TargetChannelDefault TargetType = "channel_default"
)

// ValueKind tags which arm of PermissionValue is populated.
type ValueKind string

const (
	ValueTriState ValueKind = "tri_state"
	ValueIntLimit ValueKind = "int_limit"
	ValueScope    ValueKind = "scope"
)

// TriState is the three-way grant/deny/skip lattice used by tri_state
// permissions.
type TriState string

const (
	Grant TriState = "grant"
	Deny  TriState = "deny"
	Skip  TriState = "skip"
)

// PermissionValue is the tagged variant described in spec §3/§9: exactly
// one of the three arms is meaningful, selected by Kind.
type PermissionValue struct {
	Kind     ValueKind
	TriState TriState
	IntLimit int64
	Scope    map[string]struct{}
}

// Permission is one (target, key) -> value row.
type Permission struct {
	ID         uuid.UUID
	TargetType TargetType
	TargetID   uuid.UUID // zero UUID for server_default
	Key        string
	Value      PermissionValue
	// ChannelID scopes a channel_group/channel_default permission to the
	// channel it was resolved against; zero UUID for server-scoped rows.
	ChannelID uuid.UUID
}

// Ban blocks a user and/or an IP/CIDR from connecting.
type Ban struct {
	ID        uuid.UUID
	UserID    *uuid.UUID
	IPOrCIDR  string // empty when unset
	Reason    string
	BannedBy  *uuid.UUID
	ExpiresAt *time.Time // nil = permanent
	CreatedAt time.Time
}

// AuditLogEntry is an append-only record of a permissioned action.
type AuditLogEntry struct {
	ID         uuid.UUID
	ActorID    *uuid.UUID
	Action     string
	TargetType string
	TargetID   string
	Details    map[string]any
	Timestamp  time.Time
}

// Invite is a redeemable join code.
type Invite struct {
	ID            uuid.UUID
	Code          string
	ChannelID     *uuid.UUID
	AssignedGroup *uuid.UUID
	MaxUses       int // 0 = unlimited
	UsedCount     int
	ExpiresAt     *time.Time
	CreatedBy     uuid.UUID
	CreatedAt     time.Time
}

// ChatMessage is a channel text message, tombstoned on delete.
type ChatMessage struct {
	ID        uuid.UUID
	ChannelID uuid.UUID
	SenderID  uuid.UUID
	Content   string
	Kind      string // text, file, system
	ReplyTo   *uuid.UUID
	CreatedAt time.Time
	EditedAt  *time.Time
	DeletedAt *time.Time
}

// APIToken is a Commander credential: the server stores only an argon2id
// verifier and a short lookup prefix, never the token itself.
type APIToken struct {
	ID         uuid.UUID
	Prefix     string // indexed, used to find the candidate row before verifying
	Verifier   string // argon2id encoded hash of the full token
	Label      string
	CreatedBy  uuid.UUID
	CreatedAt  time.Time
	LastUsedAt *time.Time
	Revoked    bool
}

// File is an uploaded attachment.
type File struct {
	ID          uuid.UUID
	ChannelID   uuid.UUID
	UploaderID  uuid.UUID
	Filename    string
	MIME        string
	Size        int64
	StoragePath string
	SHA256      string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}
