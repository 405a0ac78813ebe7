package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"speakeasy/internal/apperr"
	"speakeasy/internal/model"
)

type pgTxKey struct{}

// pgExecutor is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the networked Repository driver, backed by
// jackc/pgx/v5. It is the only driver that implements Notifier
// (Publish/Listen over LISTEN/NOTIFY). Nothing in the server connects
// that Notifier to the Event Bus, so bus events are not mirrored between
// server processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and runs migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperr.New("store.OpenPostgres", apperr.Unavailable, fmt.Errorf("connect: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.New("store.OpenPostgres", apperr.Unavailable, fmt.Errorf("ping: %w", err))
	}
	st := &PostgresStore{pool: pool}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("postgres store opened")
	return st, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_verifier TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_login TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT true,
		must_change_password BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id UUID REFERENCES channels(id),
		topic TEXT NOT NULL DEFAULT '',
		password_verifier TEXT NOT NULL DEFAULT '',
		max_clients INT NOT NULL DEFAULT 0,
		is_default BOOLEAN NOT NULL DEFAULT false,
		sort_order INT NOT NULL DEFAULT 0,
		kind TEXT NOT NULL DEFAULT 'voice',
		persistence TEXT NOT NULL DEFAULT 'permanent',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_parent ON channels(parent_id)`,
	`CREATE TABLE IF NOT EXISTS server_groups (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS channel_groups (
		id UUID PRIMARY KEY,
		channel_id UUID NOT NULL REFERENCES channels(id),
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_server_groups (
		user_id UUID NOT NULL,
		group_id UUID NOT NULL,
		PRIMARY KEY(user_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_channel_groups (
		user_id UUID NOT NULL,
		channel_id UUID NOT NULL,
		group_id UUID NOT NULL,
		PRIMARY KEY(user_id, channel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id UUID PRIMARY KEY,
		target_type TEXT NOT NULL,
		target_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
		channel_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
		key TEXT NOT NULL,
		value_kind TEXT NOT NULL,
		tri_state TEXT NOT NULL DEFAULT '',
		int_limit BIGINT NOT NULL DEFAULT 0,
		scope_json TEXT NOT NULL DEFAULT '[]',
		UNIQUE(target_type, target_id, channel_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS bans (
		id UUID PRIMARY KEY,
		user_id UUID,
		ip_or_cidr TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		banned_by UUID,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		actor_id UUID,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`,
	`CREATE TABLE IF NOT EXISTS invites (
		id UUID PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		channel_id UUID,
		assigned_group UUID,
		max_uses INT NOT NULL DEFAULT 0,
		used_count INT NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ,
		created_by UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id UUID PRIMARY KEY,
		channel_id UUID NOT NULL,
		sender_id UUID NOT NULL,
		content TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'text',
		reply_to UUID,
		created_at TIMESTAMPTZ NOT NULL,
		edited_at TIMESTAMPTZ,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_channel ON chat_messages(channel_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS files (
		id UUID PRIMARY KEY,
		channel_id UUID NOT NULL,
		uploader_id UUID NOT NULL,
		filename TEXT NOT NULL,
		mime TEXT NOT NULL,
		size BIGINT NOT NULL,
		storage_path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_channel ON files(channel_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_tokens (
		id UUID PRIMARY KEY,
		prefix TEXT NOT NULL UNIQUE,
		verifier TEXT NOT NULL,
		label TEXT NOT NULL,
		created_by UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ,
		revoked BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for i, stmt := range postgresMigrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return apperr.New("store.migrate", apperr.Internal, fmt.Errorf("migration %d: %w", i+1, err))
		}
	}
	return nil
}

func (s *PostgresStore) ex(ctx context.Context) pgExecutor {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.New("store.WithTx", apperr.Unavailable, err)
	}
	txCtx := context.WithValue(ctx, pgTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.New("store.WithTx", apperr.Unavailable, err)
	}
	return nil
}

// Notifier returns this store itself: PostgresStore also implements the
// Notifier interface over a dedicated LISTEN connection.
func (s *PostgresStore) Notifier() Notifier { return s }

// Publish sends a NOTIFY on topic. Postgres channel identifiers cannot
// contain dots, so topic names are sanitized into the pg_notify channel
// argument rather than the SQL identifier position.
func (s *PostgresStore) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel(topic), string(payload))
	if err != nil {
		return apperr.New("store.Publish", apperr.Unavailable, err)
	}
	return nil
}

// Listen opens a dedicated connection and issues LISTEN for each topic,
// forwarding notifications until ctx is canceled.
func (s *PostgresStore) Listen(ctx context.Context, topics []string) (<-chan Notification, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, apperr.New("store.Listen", apperr.Unavailable, err)
	}
	for _, t := range topics {
		if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgChannel(t))); err != nil {
			conn.Release()
			return nil, apperr.New("store.Listen", apperr.Unavailable, fmt.Errorf("listen %s: %w", t, err))
		}
	}

	out := make(chan Notification, 64)
	go func() {
		defer conn.Release()
		defer close(out)
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("postgres listen interrupted", "error", err)
				return
			}
			select {
			case out <- Notification{Topic: n.Channel, Payload: []byte(n.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func pgChannel(topic string) string {
	return "speakeasy_" + strings.ReplaceAll(topic, ".", "_")
}

func pgUnixOrZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func pgTimeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO users (id, username, password_verifier, created_at, last_login, active, must_change_password)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.ex(ctx).Exec(ctx, q, u.ID, strings.ToLower(u.Username), u.PasswordVerifier,
		u.CreatedAt, pgUnixOrZero(u.LastLogin), u.Active, u.MustChangePassword)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return apperr.New("store.CreateUser", apperr.Conflict, err)
		}
		return apperr.New("store.CreateUser", apperr.Unavailable, err)
	}
	return nil
}

func pgScanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var lastLogin *time.Time
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordVerifier, &u.CreatedAt, &lastLogin, &u.Active, &u.MustChangePassword); err != nil {
		return nil, err
	}
	u.LastLogin = pgTimeOrZero(lastLogin)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `SELECT id, username, password_verifier, created_at, last_login, active, must_change_password FROM users WHERE id = $1`
	u, err := pgScanUser(s.ex(ctx).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New("store.GetUser", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetUser", apperr.Unavailable, err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `SELECT id, username, password_verifier, created_at, last_login, active, must_change_password FROM users WHERE username = $1`
	u, err := pgScanUser(s.ex(ctx).QueryRow(ctx, q, strings.ToLower(username)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New("store.GetUserByUsername", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetUserByUsername", apperr.Unavailable, err)
	}
	return u, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *model.User) error {
	const q = `UPDATE users SET username=$1, password_verifier=$2, last_login=$3, active=$4, must_change_password=$5 WHERE id=$6`
	tag, err := s.ex(ctx).Exec(ctx, q, strings.ToLower(u.Username), u.PasswordVerifier, pgUnixOrZero(u.LastLogin), u.Active, u.MustChangePassword, u.ID)
	if err != nil {
		return apperr.New("store.UpdateUser", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.UpdateUser", apperr.NotFound, nil)
	}
	return nil
}

func (s *PostgresStore) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	tag, err := s.ex(ctx).Exec(ctx, `UPDATE users SET active = false WHERE id = $1`, id)
	if err != nil {
		return apperr.New("store.DeactivateUser", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.DeactivateUser", apperr.NotFound, nil)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := s.ex(ctx).Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return apperr.New("store.DeleteUser", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.DeleteUser", apperr.NotFound, nil)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.ex(ctx).Query(ctx, `SELECT id, username, password_verifier, created_at, last_login, active, must_change_password FROM users ORDER BY username`)
	if err != nil {
		return nil, apperr.New("store.ListUsers", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.User
	for rows.Next() {
		u, err := pgScanUser(rows)
		if err != nil {
			return nil, apperr.New("store.ListUsers", apperr.Internal, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Channels ---

func pgScanChannel(row pgx.Row) (*model.Channel, error) {
	var c model.Channel
	var parentID *uuid.UUID
	var kind, persistence string
	if err := row.Scan(&c.ID, &c.Name, &parentID, &c.Topic, &c.PasswordVerifier, &c.MaxClients,
		&c.Default, &c.SortOrder, &kind, &persistence, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ParentID = parentID
	c.Kind = model.ChannelKind(kind)
	c.Persistence = model.ChannelPersistence(persistence)
	return &c, nil
}

func (s *PostgresStore) CreateChannel(ctx context.Context, c *model.Channel) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Kind == "" {
		c.Kind = model.ChannelVoice
	}
	if c.Persistence == "" {
		c.Persistence = model.Permanent
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		if c.ParentID != nil {
			if _, err := s.GetChannel(ctx, *c.ParentID); err != nil {
				return apperr.New("store.CreateChannel", apperr.NotFound, fmt.Errorf("parent channel: %w", err))
			}
		}
		if c.Default {
			if err := s.clearDefaultLocked(ctx); err != nil {
				return err
			}
		}
		const q = `INSERT INTO channels (id, name, parent_id, topic, password_verifier, max_clients, is_default, sort_order, kind, persistence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		_, err := s.ex(ctx).Exec(ctx, q, c.ID, c.Name, c.ParentID, c.Topic, c.PasswordVerifier,
			c.MaxClients, c.Default, c.SortOrder, string(c.Kind), string(c.Persistence), c.CreatedAt)
		if err != nil {
			if pgIsUniqueViolation(err) {
				return apperr.New("store.CreateChannel", apperr.Conflict, err)
			}
			return apperr.New("store.CreateChannel", apperr.Unavailable, err)
		}
		return nil
	})
}

func (s *PostgresStore) clearDefaultLocked(ctx context.Context) error {
	_, err := s.ex(ctx).Exec(ctx, `UPDATE channels SET is_default = false WHERE is_default = true`)
	if err != nil {
		return apperr.New("store.clearDefault", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, id uuid.UUID) (*model.Channel, error) {
	const q = `SELECT id, name, parent_id, topic, password_verifier, max_clients, is_default, sort_order, kind, persistence, created_at FROM channels WHERE id = $1`
	c, err := pgScanChannel(s.ex(ctx).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New("store.GetChannel", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetChannel", apperr.Unavailable, err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, c *model.Channel) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if c.Default {
			if err := s.clearDefaultLocked(ctx); err != nil {
				return err
			}
		}
		const q = `UPDATE channels SET name=$1, topic=$2, password_verifier=$3, max_clients=$4, is_default=$5, sort_order=$6, kind=$7, persistence=$8 WHERE id=$9`
		tag, err := s.ex(ctx).Exec(ctx, q, c.Name, c.Topic, c.PasswordVerifier, c.MaxClients, c.Default, c.SortOrder, string(c.Kind), string(c.Persistence), c.ID)
		if err != nil {
			return apperr.New("store.UpdateChannel", apperr.Unavailable, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.New("store.UpdateChannel", apperr.NotFound, nil)
		}
		return nil
	})
}

func (s *PostgresStore) MoveChannel(ctx context.Context, id uuid.UUID, newParent *uuid.UUID) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if newParent != nil {
			if *newParent == id {
				return apperr.WithReason("store.MoveChannel", apperr.Conflict, "cycle", nil)
			}
			descendants, err := s.descendantsLocked(ctx, id)
			if err != nil {
				return err
			}
			for _, d := range descendants {
				if d == *newParent {
					return apperr.WithReason("store.MoveChannel", apperr.Conflict, "cycle", nil)
				}
			}
			if _, err := s.GetChannel(ctx, *newParent); err != nil {
				return apperr.New("store.MoveChannel", apperr.NotFound, fmt.Errorf("new parent: %w", err))
			}
		}
		tag, err := s.ex(ctx).Exec(ctx, `UPDATE channels SET parent_id = $1 WHERE id = $2`, newParent, id)
		if err != nil {
			return apperr.New("store.MoveChannel", apperr.Unavailable, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.New("store.MoveChannel", apperr.NotFound, nil)
		}
		return nil
	})
}

func (s *PostgresStore) descendantsLocked(ctx context.Context, root uuid.UUID) ([]uuid.UUID, error) {
	all, err := s.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	children := map[uuid.UUID][]uuid.UUID{}
	for _, c := range all {
		if c.ParentID != nil {
			children[*c.ParentID] = append(children[*c.ParentID], c.ID)
		}
	}
	var out []uuid.UUID
	var walk func(uuid.UUID)
	walk = func(id uuid.UUID) {
		for _, child := range children[id] {
			out = append(out, child)
			walk(child)
		}
	}
	walk(root)
	return out, nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		ids, err := s.descendantsLocked(ctx, id)
		if err != nil {
			return err
		}
		ids = append([]uuid.UUID{id}, ids...)
		for i := len(ids) - 1; i >= 0; i-- {
			if _, err := s.ex(ctx).Exec(ctx, `DELETE FROM channels WHERE id = $1`, ids[i]); err != nil {
				return apperr.New("store.DeleteChannel", apperr.Unavailable, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	rows, err := s.ex(ctx).Query(ctx, `SELECT id, name, parent_id, topic, password_verifier, max_clients, is_default, sort_order, kind, persistence, created_at FROM channels ORDER BY sort_order, name`)
	if err != nil {
		return nil, apperr.New("store.ListChannels", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.Channel
	for rows.Next() {
		c, err := pgScanChannel(rows)
		if err != nil {
			return nil, apperr.New("store.ListChannels", apperr.Internal, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListChildren(ctx context.Context, parent *uuid.UUID) ([]*model.Channel, error) {
	all, err := s.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Channel
	for _, c := range all {
		if (parent == nil && c.ParentID == nil) || (parent != nil && c.ParentID != nil && *c.ParentID == *parent) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *PostgresStore) SetDefaultChannel(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.clearDefaultLocked(ctx); err != nil {
			return err
		}
		tag, err := s.ex(ctx).Exec(ctx, `UPDATE channels SET is_default = true WHERE id = $1`, id)
		if err != nil {
			return apperr.New("store.SetDefaultChannel", apperr.Unavailable, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.New("store.SetDefaultChannel", apperr.NotFound, nil)
		}
		return nil
	})
}

// --- Groups ---

func (s *PostgresStore) CreateServerGroup(ctx context.Context, g *model.ServerGroup) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	_, err := s.ex(ctx).Exec(ctx, `INSERT INTO server_groups (id, name, priority) VALUES ($1, $2, $3)`, g.ID, g.Name, g.Priority)
	if err != nil {
		return apperr.New("store.CreateServerGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListServerGroups(ctx context.Context) ([]*model.ServerGroup, error) {
	rows, err := s.ex(ctx).Query(ctx, `SELECT id, name, priority FROM server_groups ORDER BY priority DESC`)
	if err != nil {
		return nil, apperr.New("store.ListServerGroups", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.ServerGroup
	for rows.Next() {
		var g model.ServerGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Priority); err != nil {
			return nil, apperr.New("store.ListServerGroups", apperr.Internal, err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddUserToServerGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	_, err := s.ex(ctx).Exec(ctx, `INSERT INTO user_server_groups (user_id, group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, groupID)
	if err != nil {
		return apperr.New("store.AddUserToServerGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) RemoveUserFromServerGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	_, err := s.ex(ctx).Exec(ctx, `DELETE FROM user_server_groups WHERE user_id = $1 AND group_id = $2`, userID, groupID)
	if err != nil {
		return apperr.New("store.RemoveUserFromServerGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) ServerGroupsOf(ctx context.Context, userID uuid.UUID) ([]*model.ServerGroup, error) {
	const q = `SELECT g.id, g.name, g.priority FROM server_groups g
		JOIN user_server_groups m ON m.group_id = g.id
		WHERE m.user_id = $1 ORDER BY g.priority DESC`
	rows, err := s.ex(ctx).Query(ctx, q, userID)
	if err != nil {
		return nil, apperr.New("store.ServerGroupsOf", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.ServerGroup
	for rows.Next() {
		var g model.ServerGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Priority); err != nil {
			return nil, apperr.New("store.ServerGroupsOf", apperr.Internal, err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetChannelGroup(ctx context.Context, userID, channelID, groupID uuid.UUID) error {
	const q = `INSERT INTO user_channel_groups (user_id, channel_id, group_id) VALUES ($1, $2, $3)
		ON CONFLICT(user_id, channel_id) DO UPDATE SET group_id = excluded.group_id`
	_, err := s.ex(ctx).Exec(ctx, q, userID, channelID, groupID)
	if err != nil {
		return apperr.New("store.SetChannelGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) ClearChannelGroup(ctx context.Context, userID, channelID uuid.UUID) error {
	_, err := s.ex(ctx).Exec(ctx, `DELETE FROM user_channel_groups WHERE user_id = $1 AND channel_id = $2`, userID, channelID)
	if err != nil {
		return apperr.New("store.ClearChannelGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) ChannelGroupOf(ctx context.Context, userID, channelID uuid.UUID) (*model.ChannelGroup, bool, error) {
	const q = `SELECT cg.id, cg.channel_id, cg.name FROM channel_groups cg
		JOIN user_channel_groups m ON m.group_id = cg.id
		WHERE m.user_id = $1 AND m.channel_id = $2`
	var cg model.ChannelGroup
	err := s.ex(ctx).QueryRow(ctx, q, userID, channelID).Scan(&cg.ID, &cg.ChannelID, &cg.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, apperr.New("store.ChannelGroupOf", apperr.Unavailable, err)
	}
	return &cg, true, nil
}

// --- Permissions ---

func pgScanPermission(row pgx.Row) (*model.Permission, error) {
	var p model.Permission
	var valueKind, triState, scopeJSON string
	if err := row.Scan(&p.ID, &p.TargetType, &p.TargetID, &p.ChannelID, &p.Key, &valueKind, &triState, &p.Value.IntLimit, &scopeJSON); err != nil {
		return nil, err
	}
	p.Value.Kind = model.ValueKind(valueKind)
	p.Value.TriState = model.TriState(triState)
	var scopeList []string
	_ = json.Unmarshal([]byte(scopeJSON), &scopeList)
	if len(scopeList) > 0 {
		p.Value.Scope = make(map[string]struct{}, len(scopeList))
		for _, v := range scopeList {
			p.Value.Scope[v] = struct{}{}
		}
	}
	return &p, nil
}

func (s *PostgresStore) SetPermission(ctx context.Context, p *model.Permission) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	scopeList := make([]string, 0, len(p.Value.Scope))
	for k := range p.Value.Scope {
		scopeList = append(scopeList, k)
	}
	scopeJSON, _ := json.Marshal(scopeList)
	const q = `INSERT INTO permissions (id, target_type, target_id, channel_id, key, value_kind, tri_state, int_limit, scope_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(target_type, target_id, channel_id, key) DO UPDATE SET
			value_kind = excluded.value_kind, tri_state = excluded.tri_state,
			int_limit = excluded.int_limit, scope_json = excluded.scope_json`
	_, err := s.ex(ctx).Exec(ctx, q, p.ID, string(p.TargetType), p.TargetID, p.ChannelID, p.Key, string(p.Value.Kind), string(p.Value.TriState), p.Value.IntLimit, string(scopeJSON))
	if err != nil {
		return apperr.New("store.SetPermission", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) RemovePermission(ctx context.Context, targetType model.TargetType, targetID uuid.UUID, channelID uuid.UUID, key string) error {
	const q = `DELETE FROM permissions WHERE target_type=$1 AND target_id=$2 AND channel_id=$3 AND key=$4`
	_, err := s.ex(ctx).Exec(ctx, q, string(targetType), targetID, channelID, key)
	if err != nil {
		return apperr.New("store.RemovePermission", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListPermissions(ctx context.Context, targetType model.TargetType, targetID uuid.UUID) ([]*model.Permission, error) {
	const q = `SELECT id, target_type, target_id, channel_id, key, value_kind, tri_state, int_limit, scope_json
		FROM permissions WHERE target_type = $1 AND target_id = $2`
	rows, err := s.ex(ctx).Query(ctx, q, string(targetType), targetID)
	if err != nil {
		return nil, apperr.New("store.ListPermissions", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.Permission
	for rows.Next() {
		p, err := pgScanPermission(rows)
		if err != nil {
			return nil, apperr.New("store.ListPermissions", apperr.Internal, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Snapshot(ctx context.Context, userID, channelID uuid.UUID) (*PermissionSnapshot, error) {
	snap := &PermissionSnapshot{}

	individual, err := s.permissionsFor(ctx, model.TargetUser, userID, channelID)
	if err != nil {
		return nil, err
	}
	snap.Individual = individual

	if cg, ok, err := s.ChannelGroupOf(ctx, userID, channelID); err != nil {
		return nil, err
	} else if ok {
		perms, err := s.permissionsFor(ctx, model.TargetChannelGroup, cg.ID, channelID)
		if err != nil {
			return nil, err
		}
		snap.ChannelGroup = perms
	}

	channelDefault, err := s.permissionsFor(ctx, model.TargetChannelDefault, channelID, channelID)
	if err != nil {
		return nil, err
	}
	snap.ChannelDefault = channelDefault

	groups, err := s.ServerGroupsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		perms, err := s.permissionsFor(ctx, model.TargetServerGroup, g.ID, uuid.Nil)
		if err != nil {
			return nil, err
		}
		snap.ServerGroups = append(snap.ServerGroups, perms)
	}

	serverDefault, err := s.permissionsFor(ctx, model.TargetServerDefault, uuid.Nil, uuid.Nil)
	if err != nil {
		return nil, err
	}
	snap.ServerDefault = serverDefault

	return snap, nil
}

func (s *PostgresStore) permissionsFor(ctx context.Context, targetType model.TargetType, targetID, channelID uuid.UUID) ([]*model.Permission, error) {
	const q = `SELECT id, target_type, target_id, channel_id, key, value_kind, tri_state, int_limit, scope_json
		FROM permissions WHERE target_type = $1 AND target_id = $2 AND channel_id = $3`
	rows, err := s.ex(ctx).Query(ctx, q, string(targetType), targetID, channelID)
	if err != nil {
		return nil, apperr.New("store.permissionsFor", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.Permission
	for rows.Next() {
		p, err := pgScanPermission(rows)
		if err != nil {
			return nil, apperr.New("store.permissionsFor", apperr.Internal, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Bans ---

func (s *PostgresStore) CreateBan(ctx context.Context, b *model.Ban) error {
	if b.UserID == nil && b.IPOrCIDR == "" {
		return apperr.New("store.CreateBan", apperr.BadRequest, fmt.Errorf("at least one of user or ip must be present"))
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO bans (id, user_id, ip_or_cidr, reason, banned_by, expires_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.ex(ctx).Exec(ctx, q, b.ID, b.UserID, b.IPOrCIDR, b.Reason, b.BannedBy, b.ExpiresAt, b.CreatedAt)
	if err != nil {
		return apperr.New("store.CreateBan", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) DeleteBan(ctx context.Context, id uuid.UUID) error {
	tag, err := s.ex(ctx).Exec(ctx, `DELETE FROM bans WHERE id = $1`, id)
	if err != nil {
		return apperr.New("store.DeleteBan", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.DeleteBan", apperr.NotFound, nil)
	}
	return nil
}

func pgScanBan(row pgx.Row) (*model.Ban, error) {
	var b model.Ban
	if err := row.Scan(&b.ID, &b.UserID, &b.IPOrCIDR, &b.Reason, &b.BannedBy, &b.ExpiresAt, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) ListBans(ctx context.Context) ([]*model.Ban, error) {
	rows, err := s.ex(ctx).Query(ctx, `SELECT id, user_id, ip_or_cidr, reason, banned_by, expires_at, created_at FROM bans ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.New("store.ListBans", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.Ban
	for rows.Next() {
		b, err := pgScanBan(rows)
		if err != nil {
			return nil, apperr.New("store.ListBans", apperr.Internal, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsBanned(ctx context.Context, userID *uuid.UUID, ip string) (*model.Ban, bool, error) {
	bans, err := s.ListBans(ctx)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	for _, b := range bans {
		if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			continue
		}
		if userID != nil && b.UserID != nil && *b.UserID == *userID {
			return b, true, nil
		}
		if ip != "" && b.IPOrCIDR != "" && matchesCIDR(b.IPOrCIDR, ip) {
			return b, true, nil
		}
	}
	return nil, false, nil
}

func (s *PostgresStore) PurgeExpiredBans(ctx context.Context) (int, error) {
	tag, err := s.ex(ctx).Exec(ctx, `DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, apperr.New("store.PurgeExpiredBans", apperr.Unavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Audit log ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	detailsJSON, _ := json.Marshal(e.Details)
	const q = `INSERT INTO audit_log (id, actor_id, action, target_type, target_id, details_json, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.ex(ctx).Exec(ctx, q, e.ID, e.ActorID, e.Action, e.TargetType, e.TargetID, string(detailsJSON), e.Timestamp)
	if err != nil {
		return apperr.New("store.AppendAudit", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit, offset int) ([]*model.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, actor_id, action, target_type, target_id, details_json, created_at FROM audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.ex(ctx).Query(ctx, q, limit, offset)
	if err != nil {
		return nil, apperr.New("store.ListAudit", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var detailsJSON string
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &detailsJSON, &e.Timestamp); err != nil {
			return nil, apperr.New("store.ListAudit", apperr.Internal, err)
		}
		_ = json.Unmarshal([]byte(detailsJSON), &e.Details)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Invites ---

func (s *PostgresStore) CreateInvite(ctx context.Context, inv *model.Invite) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO invites (id, code, channel_id, assigned_group, max_uses, used_count, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.ex(ctx).Exec(ctx, q, inv.ID, inv.Code, inv.ChannelID, inv.AssignedGroup, inv.MaxUses, inv.UsedCount, inv.ExpiresAt, inv.CreatedBy, inv.CreatedAt)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return apperr.New("store.CreateInvite", apperr.Conflict, err)
		}
		return apperr.New("store.CreateInvite", apperr.Unavailable, err)
	}
	return nil
}

func pgScanInvite(row pgx.Row) (*model.Invite, error) {
	var inv model.Invite
	if err := row.Scan(&inv.ID, &inv.Code, &inv.ChannelID, &inv.AssignedGroup, &inv.MaxUses, &inv.UsedCount, &inv.ExpiresAt, &inv.CreatedBy, &inv.CreatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *PostgresStore) GetInviteByCode(ctx context.Context, code string) (*model.Invite, error) {
	const q = `SELECT id, code, channel_id, assigned_group, max_uses, used_count, expires_at, created_by, created_at FROM invites WHERE code = $1`
	inv, err := pgScanInvite(s.ex(ctx).QueryRow(ctx, q, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New("store.GetInviteByCode", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetInviteByCode", apperr.Unavailable, err)
	}
	return inv, nil
}

func (s *PostgresStore) RedeemInvite(ctx context.Context, code string) (*model.Invite, error) {
	var result *model.Invite
	err := s.WithTx(ctx, func(ctx context.Context) error {
		inv, err := s.GetInviteByCode(ctx, code)
		if err != nil {
			return err
		}
		if inv.ExpiresAt != nil && inv.ExpiresAt.Before(time.Now().UTC()) {
			return apperr.WithReason("store.RedeemInvite", apperr.Conflict, "expired", nil)
		}
		if inv.MaxUses > 0 && inv.UsedCount >= inv.MaxUses {
			return apperr.WithReason("store.RedeemInvite", apperr.Conflict, "exhausted", nil)
		}
		if _, err := s.ex(ctx).Exec(ctx, `UPDATE invites SET used_count = used_count + 1 WHERE id = $1`, inv.ID); err != nil {
			return apperr.New("store.RedeemInvite", apperr.Unavailable, err)
		}
		inv.UsedCount++
		result = inv
		return nil
	})
	return result, err
}

func (s *PostgresStore) DeleteInvite(ctx context.Context, id uuid.UUID) error {
	tag, err := s.ex(ctx).Exec(ctx, `DELETE FROM invites WHERE id = $1`, id)
	if err != nil {
		return apperr.New("store.DeleteInvite", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.DeleteInvite", apperr.NotFound, nil)
	}
	return nil
}

// --- Chat ---

func (s *PostgresStore) CreateMessage(ctx context.Context, m *model.ChatMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Kind == "" {
		m.Kind = "text"
	}
	const q = `INSERT INTO chat_messages (id, channel_id, sender_id, content, kind, reply_to, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.ex(ctx).Exec(ctx, q, m.ID, m.ChannelID, m.SenderID, m.Content, m.Kind, m.ReplyTo, m.CreatedAt)
	if err != nil {
		return apperr.New("store.CreateMessage", apperr.Unavailable, err)
	}
	return nil
}

func pgScanMessage(row pgx.Row) (*model.ChatMessage, error) {
	var m model.ChatMessage
	if err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Content, &m.Kind, &m.ReplyTo, &m.CreatedAt, &m.EditedAt, &m.DeletedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, id uuid.UUID, content string) error {
	tag, err := s.ex(ctx).Exec(ctx, `UPDATE chat_messages SET content = $1, edited_at = now() WHERE id = $2 AND deleted_at IS NULL`, content, id)
	if err != nil {
		return apperr.New("store.EditMessage", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.EditMessage", apperr.NotFound, nil)
	}
	return nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	tag, err := s.ex(ctx).Exec(ctx, `UPDATE chat_messages SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return apperr.New("store.DeleteMessage", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.DeleteMessage", apperr.NotFound, nil)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.ChatMessage, error) {
	const q = `SELECT id, channel_id, sender_id, content, kind, reply_to, created_at, edited_at, deleted_at FROM chat_messages WHERE id = $1`
	m, err := pgScanMessage(s.ex(ctx).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New("store.GetMessage", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetMessage", apperr.Unavailable, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, channelID uuid.UUID, before time.Time, limit int) ([]*model.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}
	const q = `SELECT id, channel_id, sender_id, content, kind, reply_to, created_at, edited_at, deleted_at
		FROM chat_messages WHERE channel_id = $1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3`
	rows, err := s.ex(ctx).Query(ctx, q, channelID, before, limit)
	if err != nil {
		return nil, apperr.New("store.ListMessages", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.ChatMessage
	for rows.Next() {
		m, err := pgScanMessage(rows)
		if err != nil {
			return nil, apperr.New("store.ListMessages", apperr.Internal, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Files ---

func (s *PostgresStore) CreateFile(ctx context.Context, f *model.File) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO files (id, channel_id, uploader_id, filename, mime, size, storage_path, sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.ex(ctx).Exec(ctx, q, f.ID, f.ChannelID, f.UploaderID, f.Filename, f.MIME, f.Size, f.StoragePath, f.SHA256, f.CreatedAt)
	if err != nil {
		return apperr.New("store.CreateFile", apperr.Unavailable, err)
	}
	return nil
}

func pgScanFile(row pgx.Row) (*model.File, error) {
	var f model.File
	if err := row.Scan(&f.ID, &f.ChannelID, &f.UploaderID, &f.Filename, &f.MIME, &f.Size, &f.StoragePath, &f.SHA256, &f.CreatedAt, &f.DeletedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id uuid.UUID) (*model.File, error) {
	const q = `SELECT id, channel_id, uploader_id, filename, mime, size, storage_path, sha256, created_at, deleted_at FROM files WHERE id = $1`
	f, err := pgScanFile(s.ex(ctx).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New("store.GetFile", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetFile", apperr.Unavailable, err)
	}
	return f, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, channelID uuid.UUID) ([]*model.File, error) {
	const q = `SELECT id, channel_id, uploader_id, filename, mime, size, storage_path, sha256, created_at, deleted_at
		FROM files WHERE channel_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := s.ex(ctx).Query(ctx, q, channelID)
	if err != nil {
		return nil, apperr.New("store.ListFiles", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.File
	for rows.Next() {
		f, err := pgScanFile(rows)
		if err != nil {
			return nil, apperr.New("store.ListFiles", apperr.Internal, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteFile(ctx context.Context, id uuid.UUID) error {
	tag, err := s.ex(ctx).Exec(ctx, `UPDATE files SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return apperr.New("store.DeleteFile", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.DeleteFile", apperr.NotFound, nil)
	}
	return nil
}

func (s *PostgresStore) ChannelQuotaUsed(ctx context.Context, channelID uuid.UUID) (int64, error) {
	var total *int64
	err := s.ex(ctx).QueryRow(ctx, `SELECT SUM(size) FROM files WHERE channel_id = $1 AND deleted_at IS NULL`, channelID).Scan(&total)
	if err != nil {
		return 0, apperr.New("store.ChannelQuotaUsed", apperr.Unavailable, err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// --- Settings ---

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.ex(ctx).QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, apperr.New("store.GetSetting", apperr.Unavailable, err)
	}
	return value, true, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.ex(ctx).Exec(ctx, q, key, value)
	if err != nil {
		return apperr.New("store.SetSetting", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetAllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.ex(ctx).Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, apperr.New("store.GetAllSettings", apperr.Unavailable, err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, apperr.New("store.GetAllSettings", apperr.Internal, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- API tokens ---

func (s *PostgresStore) CreateAPIToken(ctx context.Context, t *model.APIToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO api_tokens (id, prefix, verifier, label, created_by, created_at, last_used_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.ex(ctx).Exec(ctx, q, t.ID, t.Prefix, t.Verifier, t.Label, t.CreatedBy, t.CreatedAt, t.LastUsedAt, t.Revoked)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return apperr.New("store.CreateAPIToken", apperr.Conflict, err)
		}
		return apperr.New("store.CreateAPIToken", apperr.Unavailable, err)
	}
	return nil
}

func pgScanAPIToken(row pgx.Row) (*model.APIToken, error) {
	var t model.APIToken
	if err := row.Scan(&t.ID, &t.Prefix, &t.Verifier, &t.Label, &t.CreatedBy, &t.CreatedAt, &t.LastUsedAt, &t.Revoked); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetAPITokenByPrefix(ctx context.Context, prefix string) (*model.APIToken, error) {
	const q = `SELECT id, prefix, verifier, label, created_by, created_at, last_used_at, revoked FROM api_tokens WHERE prefix = $1`
	t, err := pgScanAPIToken(s.ex(ctx).QueryRow(ctx, q, prefix))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New("store.GetAPITokenByPrefix", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetAPITokenByPrefix", apperr.Unavailable, err)
	}
	return t, nil
}

func (s *PostgresStore) ListAPITokens(ctx context.Context) ([]*model.APIToken, error) {
	const q = `SELECT id, prefix, verifier, label, created_by, created_at, last_used_at, revoked FROM api_tokens ORDER BY created_at DESC`
	rows, err := s.ex(ctx).Query(ctx, q)
	if err != nil {
		return nil, apperr.New("store.ListAPITokens", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.APIToken
	for rows.Next() {
		t, err := pgScanAPIToken(rows)
		if err != nil {
			return nil, apperr.New("store.ListAPITokens", apperr.Internal, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchAPIToken(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	_, err := s.ex(ctx).Exec(ctx, `UPDATE api_tokens SET last_used_at = $1 WHERE id = $2`, usedAt.UTC(), id)
	if err != nil {
		return apperr.New("store.TouchAPIToken", apperr.Unavailable, err)
	}
	return nil
}

func (s *PostgresStore) RevokeAPIToken(ctx context.Context, id uuid.UUID) error {
	tag, err := s.ex(ctx).Exec(ctx, `UPDATE api_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return apperr.New("store.RevokeAPIToken", apperr.Unavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New("store.RevokeAPIToken", apperr.NotFound, nil)
	}
	return nil
}
