// Package commander is the Commander (spec §4.6): the administrative
// operation set over the Repository, Permission Resolver, Media Router,
// and Plugin Host, exposed through a REST binding (rest.go). No
// line-oriented TLS binding or RPC binding exists. Grounded on teacher's root
// api.go (the operation catalogue itself — settings, channel CRUD,
// bans, audit log, recordings-as-files) and internal/httpapi/server.go
// (the echo wiring/logging idiom), widened with the client-management,
// permission, and plugin operations the expanded spec adds.
package commander

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"speakeasy/internal/apperr"
	"speakeasy/internal/auth"
	"speakeasy/internal/blob"
	"speakeasy/internal/media"
	"speakeasy/internal/model"
	"speakeasy/internal/plugin"
	"speakeasy/internal/store"
)

// SessionManager is the subset of Signaling's Hub that Commander needs
// to act on live connections without importing internal/signaling
// directly (mirrors the TokenVerifier pattern used between signaling
// and media to avoid a cycle).
type SessionManager interface {
	KickUser(ctx context.Context, userID uuid.UUID, reason string) error
	MoveUser(ctx context.Context, userID, channelID uuid.UUID) error
	PokeUser(ctx context.Context, userID uuid.UUID, message string) error
	ListClients(ctx context.Context) []ClientInfo
}

// ClientInfo is the list-view projection of one connected session.
type ClientInfo struct {
	UserID    uuid.UUID
	Username  string
	ChannelID uuid.UUID
	RemoteIP  string
	JoinedAt  time.Time
}

// Operations is the full admin operation set, independent of how it's
// reached. REST (rest.go) is the only binding: it translates HTTP
// requests into calls here and a result into HTTP responses.
type Operations struct {
	repo     store.Repository
	sessions SessionManager
	router   *media.Router
	plugins  *plugin.Host
	blobs    *blob.Store
}

// New builds an Operations bound to the live server components. blobs may
// be nil, in which case UploadFile/OpenFile fail rather than panic — a
// deployment that serves Commander without a configured blob root still
// gets channel/client/permission management.
func New(repo store.Repository, sessions SessionManager, router *media.Router, plugins *plugin.Host, blobs *blob.Store) *Operations {
	return &Operations{repo: repo, sessions: sessions, router: router, plugins: plugins, blobs: blobs}
}

// --- Server info/edit ---

// ServerInfo is the public server-settings view (spec's "server info").
type ServerInfo struct {
	Name     string
	Settings map[string]string
}

func (o *Operations) ServerInfo(ctx context.Context) (ServerInfo, error) {
	settings, err := o.repo.GetAllSettings(ctx)
	if err != nil {
		return ServerInfo{}, err
	}
	return ServerInfo{Name: settings["server_name"], Settings: settings}, nil
}

func (o *Operations) EditServer(ctx context.Context, key, value string) error {
	return o.repo.SetSetting(ctx, key, value)
}

// --- Channels ---

func (o *Operations) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	return o.repo.ListChannels(ctx)
}

func (o *Operations) CreateChannel(ctx context.Context, c *model.Channel) error {
	return o.repo.CreateChannel(ctx, c)
}

func (o *Operations) EditChannel(ctx context.Context, c *model.Channel) error {
	return o.repo.UpdateChannel(ctx, c)
}

func (o *Operations) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	return o.repo.DeleteChannel(ctx, id)
}

// --- Clients ---

func (o *Operations) ListClients(ctx context.Context) []ClientInfo {
	return o.sessions.ListClients(ctx)
}

func (o *Operations) KickClient(ctx context.Context, userID uuid.UUID, reason string) error {
	return o.sessions.KickUser(ctx, userID, reason)
}

func (o *Operations) BanClient(ctx context.Context, userID uuid.UUID, ipOrCIDR, reason string, expiresAt *time.Time, bannedBy uuid.UUID) error {
	ban := &model.Ban{UserID: &userID, IPOrCIDR: ipOrCIDR, Reason: reason, BannedBy: &bannedBy, ExpiresAt: expiresAt}
	if err := o.repo.CreateBan(ctx, ban); err != nil {
		return err
	}
	return o.sessions.KickUser(ctx, userID, reason)
}

func (o *Operations) MoveClient(ctx context.Context, userID, channelID uuid.UUID) error {
	return o.sessions.MoveUser(ctx, userID, channelID)
}

func (o *Operations) PokeClient(ctx context.Context, userID uuid.UUID, message string) error {
	return o.sessions.PokeUser(ctx, userID, message)
}

// --- Permissions ---

func (o *Operations) ListPermissions(ctx context.Context, targetType model.TargetType, targetID uuid.UUID) ([]*model.Permission, error) {
	return o.repo.ListPermissions(ctx, targetType, targetID)
}

func (o *Operations) SetPermission(ctx context.Context, p *model.Permission) error {
	return o.repo.SetPermission(ctx, p)
}

func (o *Operations) RemovePermission(ctx context.Context, targetType model.TargetType, targetID, channelID uuid.UUID, key string) error {
	return o.repo.RemovePermission(ctx, targetType, targetID, channelID, key)
}

// --- Files ---

func (o *Operations) ListFiles(ctx context.Context, channelID uuid.UUID) ([]*model.File, error) {
	return o.repo.ListFiles(ctx, channelID)
}

func (o *Operations) DeleteFile(ctx context.Context, id uuid.UUID) error {
	if o.blobs != nil {
		return o.blobs.Delete(ctx, id)
	}
	return o.repo.DeleteFile(ctx, id)
}

// UploadFile accepts a file's bytes on behalf of uploader into channelID,
// storing it through the configured blob store. Returns apperr.Unavailable
// if no blob store was configured at startup.
func (o *Operations) UploadFile(ctx context.Context, input blob.PutInput) (*model.File, error) {
	if o.blobs == nil {
		return nil, apperr.New("file.upload", apperr.Unavailable, fmt.Errorf("no blob store configured"))
	}
	return o.blobs.Put(ctx, input)
}

// OpenFile resolves a file's metadata and on-disk stream for download.
func (o *Operations) OpenFile(ctx context.Context, id uuid.UUID) (blob.OpenResult, error) {
	if o.blobs == nil {
		return blob.OpenResult{}, apperr.New("file.download", apperr.Unavailable, fmt.Errorf("no blob store configured"))
	}
	return o.blobs.Open(ctx, id)
}

// --- Audit log ---

// LogFilter scopes ListLog's window and page.
type LogFilter struct {
	Limit  int
	Offset int
}

func (o *Operations) ListLog(ctx context.Context, f LogFilter) ([]*model.AuditLogEntry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return o.repo.ListAudit(ctx, limit, f.Offset)
}

// Audit implements plugin.AuditLogger, letting the Plugin Host record
// unsigned-install confirmations through the same audit trail every
// other Commander mutation uses.
func (o *Operations) Audit(ctx context.Context, actor, action, detail string) {
	var actorID *uuid.UUID
	if id, err := uuid.Parse(actor); err == nil {
		actorID = &id
	}
	_ = o.repo.AppendAudit(ctx, &model.AuditLogEntry{
		ActorID: actorID,
		Action:  action,
		Details: map[string]any{"detail": detail},
	})
}

// --- Plugins ---

func (o *Operations) ListPlugins(ctx context.Context) []plugin.PluginInfo {
	return o.plugins.List()
}

func (o *Operations) InstallPlugin(ctx context.Context, actor, manifestPath string, confirmUnsigned bool) (*plugin.Instance, error) {
	return o.plugins.Install(ctx, actor, manifestPath, confirmUnsigned)
}

func (o *Operations) EnablePlugin(name string) error  { return o.plugins.Enable(name) }
func (o *Operations) DisablePlugin(name string) error { return o.plugins.Disable(name) }

// --- API tokens ---

// IssueAPIToken mints a new Commander credential, returning the raw
// token exactly once; only its argon2id verifier and lookup prefix are
// persisted.
func (o *Operations) IssueAPIToken(ctx context.Context, label string, createdBy uuid.UUID) (token string, err error) {
	raw, prefix, err := auth.GenerateToken(8)
	if err != nil {
		return "", err
	}
	verifier, err := auth.HashSecret(raw)
	if err != nil {
		return "", err
	}
	if err := o.repo.CreateAPIToken(ctx, &model.APIToken{
		Prefix: prefix, Verifier: verifier, Label: label, CreatedBy: createdBy,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", prefix, raw), nil
}

func (o *Operations) RevokeAPIToken(ctx context.Context, id uuid.UUID) error {
	return o.repo.RevokeAPIToken(ctx, id)
}

// AuthenticateAPIToken resolves a wire token of the form "<prefix>.<raw>"
// to its stored record, verifying the argon2id digest and rejecting
// revoked tokens.
func (o *Operations) AuthenticateAPIToken(ctx context.Context, wireToken string) (*model.APIToken, error) {
	prefix, raw, ok := splitToken(wireToken)
	if !ok {
		return nil, apperr.New("commander.authenticate", apperr.Unauthenticated, nil)
	}
	t, err := o.repo.GetAPITokenByPrefix(ctx, prefix)
	if err != nil {
		return nil, apperr.New("commander.authenticate", apperr.Unauthenticated, err)
	}
	if t.Revoked {
		return nil, apperr.WithReason("commander.authenticate", apperr.Unauthenticated, "revoked", nil)
	}
	ok, err = auth.VerifySecret(t.Verifier, raw)
	if err != nil || !ok {
		return nil, apperr.New("commander.authenticate", apperr.Unauthenticated, err)
	}
	_ = o.repo.TouchAPIToken(ctx, t.ID, time.Now().UTC())
	return t, nil
}

func splitToken(wireToken string) (prefix, raw string, ok bool) {
	for i := 0; i < len(wireToken); i++ {
		if wireToken[i] == '.' {
			return wireToken[:i], wireToken[i+1:], true
		}
	}
	return "", "", false
}
