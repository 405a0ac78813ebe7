package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"speakeasy/internal/apperr"
	"speakeasy/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting every method
// below run against either the ambient connection or an explicit
// transaction without duplicating its body.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTxKey struct{}

// SQLiteStore is the embedded Repository driver, backed by
// modernc.org/sqlite. It is the default driver: a single file holds the
// entire schema of spec §3, no external server required.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database file and runs migrations,
// the way the teacher's store.Open does for its narrower blob-only schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, apperr.New("store.OpenSQLite", apperr.BadRequest, fmt.Errorf("database path is required"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.New("store.OpenSQLite", apperr.Unavailable, fmt.Errorf("create database directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.New("store.OpenSQLite", apperr.Unavailable, fmt.Errorf("open sqlite database: %w", err))
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, avoid SQLITE_BUSY

	st := &SQLiteStore{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Notifier is nil: the embedded driver never participates in cross-process
// pub/sub (spec §4.1, §4.5).
func (s *SQLiteStore) Notifier() Notifier { return nil }

// Backup writes a consistent point-in-time copy of the database to
// destPath, following the teacher's root store.Store.Backup.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	if err != nil {
		return apperr.New("store.backup", apperr.Internal, fmt.Errorf("vacuum into %s: %w", destPath, err))
	}
	return nil
}

// migrations holds the ordered list of DDL statements that bring the schema
// up to date, mirroring the teacher's "append, never edit" migration
// discipline (root store/store.go's doc comment).
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_verifier TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_login INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		must_change_password INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id TEXT,
		topic TEXT NOT NULL DEFAULT '',
		password_verifier TEXT NOT NULL DEFAULT '',
		max_clients INTEGER NOT NULL DEFAULT 0,
		is_default INTEGER NOT NULL DEFAULT 0,
		sort_order INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL DEFAULT 'voice',
		persistence TEXT NOT NULL DEFAULT 'permanent',
		created_at INTEGER NOT NULL,
		FOREIGN KEY(parent_id) REFERENCES channels(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_parent ON channels(parent_id)`,
	`CREATE TABLE IF NOT EXISTS server_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS channel_groups (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		name TEXT NOT NULL,
		FOREIGN KEY(channel_id) REFERENCES channels(id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_server_groups (
		user_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		PRIMARY KEY(user_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_channel_groups (
		user_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		PRIMARY KEY(user_id, channel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id TEXT PRIMARY KEY,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL,
		value_kind TEXT NOT NULL,
		tri_state TEXT NOT NULL DEFAULT '',
		int_limit INTEGER NOT NULL DEFAULT 0,
		scope_json TEXT NOT NULL DEFAULT '[]',
		UNIQUE(target_type, target_id, channel_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS bans (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		ip_or_cidr TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		banned_by TEXT,
		expires_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`,
	`CREATE TABLE IF NOT EXISTS invites (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		channel_id TEXT,
		assigned_group TEXT,
		max_uses INTEGER NOT NULL DEFAULT 0,
		used_count INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		created_by TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'text',
		reply_to TEXT,
		created_at INTEGER NOT NULL,
		edited_at INTEGER,
		deleted_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_channel ON chat_messages(channel_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		uploader_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		mime TEXT NOT NULL,
		size INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_channel ON files(channel_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_tokens (
		id TEXT PRIMARY KEY,
		prefix TEXT NOT NULL UNIQUE,
		verifier TEXT NOT NULL,
		label TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER,
		revoked INTEGER NOT NULL DEFAULT 0
	)`,
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return apperr.New("store.migrate", apperr.Internal, fmt.Errorf("enable foreign keys: %w", err))
	}
	for i, stmt := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.New("store.migrate", apperr.Internal, fmt.Errorf("migration %d: %w", i+1, err))
		}
	}
	slog.Debug("sqlite migrations applied", "count", len(sqliteMigrations))
	return nil
}

// q returns the querier for ctx: the transaction if WithTx installed one,
// otherwise the ambient *sql.DB.
func (s *SQLiteStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx flattens nested transactions: if ctx already carries one, fn reuses
// it instead of opening a savepoint.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.New("store.WithTx", apperr.Unavailable, err)
	}
	txCtx := context.WithValue(ctx, sqliteTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.New("store.WithTx", apperr.Unavailable, err)
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0).UTC()
}

func nullableUUIDPtr(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullableUUID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func uuidPtrFromNull(n sql.NullString) *uuid.UUID {
	if !n.Valid || n.String == "" {
		return nil
	}
	id, err := uuid.Parse(n.String)
	if err != nil {
		return nil
	}
	return &id
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO users (id, username, password_verifier, created_at, last_login, active, must_change_password)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q(ctx).ExecContext(ctx, q, u.ID.String(), strings.ToLower(u.Username), u.PasswordVerifier,
		unixOrZero(u.CreatedAt), unixOrZero(u.LastLogin), boolToInt(u.Active), boolToInt(u.MustChangePassword))
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New("store.CreateUser", apperr.Conflict, err)
		}
		return apperr.New("store.CreateUser", apperr.Unavailable, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var id string
	var createdAt, lastLogin int64
	var active, mustChange int
	if err := row.Scan(&id, &u.Username, &u.PasswordVerifier, &createdAt, &lastLogin, &active, &mustChange); err != nil {
		return nil, err
	}
	u.ID, _ = uuid.Parse(id)
	u.CreatedAt = timeOrZero(createdAt)
	u.LastLogin = timeOrZero(lastLogin)
	u.Active = active != 0
	u.MustChangePassword = mustChange != 0
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `SELECT id, username, password_verifier, created_at, last_login, active, must_change_password FROM users WHERE id = ?`
	u, err := scanUser(s.q(ctx).QueryRowContext(ctx, q, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New("store.GetUser", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetUser", apperr.Unavailable, err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `SELECT id, username, password_verifier, created_at, last_login, active, must_change_password FROM users WHERE username = ?`
	u, err := scanUser(s.q(ctx).QueryRowContext(ctx, q, strings.ToLower(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New("store.GetUserByUsername", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetUserByUsername", apperr.Unavailable, err)
	}
	return u, nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u *model.User) error {
	const q = `UPDATE users SET username=?, password_verifier=?, last_login=?, active=?, must_change_password=? WHERE id=?`
	res, err := s.q(ctx).ExecContext(ctx, q, strings.ToLower(u.Username), u.PasswordVerifier,
		unixOrZero(u.LastLogin), boolToInt(u.Active), boolToInt(u.MustChangePassword), u.ID.String())
	if err != nil {
		return apperr.New("store.UpdateUser", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.UpdateUser", apperr.NotFound, nil)
	}
	return nil
}

// DeactivateUser flags a user inactive rather than deleting the row, so
// audit log references remain valid (spec §3: "deactivation is preferred
// over deletion").
func (s *SQLiteStore) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE users SET active = 0 WHERE id = ?`
	res, err := s.q(ctx).ExecContext(ctx, q, id.String())
	if err != nil {
		return apperr.New("store.DeactivateUser", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.DeactivateUser", apperr.NotFound, nil)
	}
	return nil
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM users WHERE id = ?`
	res, err := s.q(ctx).ExecContext(ctx, q, id.String())
	if err != nil {
		return apperr.New("store.DeleteUser", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.DeleteUser", apperr.NotFound, nil)
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*model.User, error) {
	const q = `SELECT id, username, password_verifier, created_at, last_login, active, must_change_password FROM users ORDER BY username`
	rows, err := s.q(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, apperr.New("store.ListUsers", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.New("store.ListUsers", apperr.Internal, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Channels ---

func scanChannel(row interface{ Scan(...any) error }) (*model.Channel, error) {
	var c model.Channel
	var id, parentID, kind, persistence string
	var isDefault int
	var createdAt int64
	if err := row.Scan(&id, &c.Name, &parentID, &c.Topic, &c.PasswordVerifier, &c.MaxClients,
		&isDefault, &c.SortOrder, &kind, &persistence, &createdAt); err != nil {
		return nil, err
	}
	c.ID, _ = uuid.Parse(id)
	if parentID != "" {
		p, err := uuid.Parse(parentID)
		if err == nil {
			c.ParentID = &p
		}
	}
	c.Default = isDefault != 0
	c.Kind = model.ChannelKind(kind)
	c.Persistence = model.ChannelPersistence(persistence)
	c.CreatedAt = timeOrZero(createdAt)
	return &c, nil
}

func (s *SQLiteStore) CreateChannel(ctx context.Context, c *model.Channel) error {
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		parentID := nullableUUIDPtr(c.ParentID) // NULL for a root channel, as the parent_id FK requires
		_, err := s.q(ctx).ExecContext(ctx, q, c.ID.String(), c.Name, parentID, c.Topic, c.PasswordVerifier,
			c.MaxClients, boolToInt(c.Default), c.SortOrder, string(c.Kind), string(c.Persistence), unixOrZero(c.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.New("store.CreateChannel", apperr.Conflict, err)
			}
			return apperr.New("store.CreateChannel", apperr.Unavailable, err)
		}
		return nil
	})
}

func (s *SQLiteStore) clearDefaultLocked(ctx context.Context) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE channels SET is_default = 0 WHERE is_default = 1`)
	if err != nil {
		return apperr.New("store.clearDefault", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, id uuid.UUID) (*model.Channel, error) {
	const q = `SELECT id, name, COALESCE(parent_id,''), topic, password_verifier, max_clients, is_default, sort_order, kind, persistence, created_at FROM channels WHERE id = ?`
	c, err := scanChannel(s.q(ctx).QueryRowContext(ctx, q, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New("store.GetChannel", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetChannel", apperr.Unavailable, err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateChannel(ctx context.Context, c *model.Channel) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if c.Default {
			if err := s.clearDefaultLocked(ctx); err != nil {
				return err
			}
		}
		const q = `UPDATE channels SET name=?, topic=?, password_verifier=?, max_clients=?, is_default=?, sort_order=?, kind=?, persistence=? WHERE id=?`
		res, err := s.q(ctx).ExecContext(ctx, q, c.Name, c.Topic, c.PasswordVerifier, c.MaxClients,
			boolToInt(c.Default), c.SortOrder, string(c.Kind), string(c.Persistence), c.ID.String())
		if err != nil {
			return apperr.New("store.UpdateChannel", apperr.Unavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New("store.UpdateChannel", apperr.NotFound, nil)
		}
		return nil
	})
}

// MoveChannel reparents a channel, rejecting moves that would create a
// cycle: the new parent must not be the channel itself or any of its
// current descendants (spec invariant, scenario 2 in §8).
func (s *SQLiteStore) MoveChannel(ctx context.Context, id uuid.UUID, newParent *uuid.UUID) error {
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
		res, err := s.q(ctx).ExecContext(ctx, `UPDATE channels SET parent_id = ? WHERE id = ?`, nullableUUIDPtr(newParent), id.String())
		if err != nil {
			return apperr.New("store.MoveChannel", apperr.Unavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New("store.MoveChannel", apperr.NotFound, nil)
		}
		return nil
	})
}

func (s *SQLiteStore) descendantsLocked(ctx context.Context, root uuid.UUID) ([]uuid.UUID, error) {
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

// DeleteChannel removes a channel and every descendant in one transaction
// (spec invariant: atomic subtree delete).
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		ids, err := s.descendantsLocked(ctx, id)
		if err != nil {
			return err
		}
		// descendantsLocked lists parents before their children, so with
		// the root in front, walking the list backwards deletes children
		// before parents to satisfy the FK constraint.
		ids = append([]uuid.UUID{id}, ids...)
		for i := len(ids) - 1; i >= 0; i-- {
			if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, ids[i].String()); err != nil {
				return apperr.New("store.DeleteChannel", apperr.Unavailable, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	const q = `SELECT id, name, COALESCE(parent_id,''), topic, password_verifier, max_clients, is_default, sort_order, kind, persistence, created_at FROM channels ORDER BY sort_order, name`
	rows, err := s.q(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, apperr.New("store.ListChannels", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, apperr.New("store.ListChannels", apperr.Internal, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListChildren(ctx context.Context, parent *uuid.UUID) ([]*model.Channel, error) {
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

func (s *SQLiteStore) SetDefaultChannel(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.clearDefaultLocked(ctx); err != nil {
			return err
		}
		res, err := s.q(ctx).ExecContext(ctx, `UPDATE channels SET is_default = 1 WHERE id = ?`, id.String())
		if err != nil {
			return apperr.New("store.SetDefaultChannel", apperr.Unavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New("store.SetDefaultChannel", apperr.NotFound, nil)
		}
		return nil
	})
}

// --- Groups ---

func (s *SQLiteStore) CreateServerGroup(ctx context.Context, g *model.ServerGroup) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	_, err := s.q(ctx).ExecContext(ctx, `INSERT INTO server_groups (id, name, priority) VALUES (?, ?, ?)`, g.ID.String(), g.Name, g.Priority)
	if err != nil {
		return apperr.New("store.CreateServerGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ListServerGroups(ctx context.Context) ([]*model.ServerGroup, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT id, name, priority FROM server_groups ORDER BY priority DESC`)
	if err != nil {
		return nil, apperr.New("store.ListServerGroups", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.ServerGroup
	for rows.Next() {
		var g model.ServerGroup
		var id string
		if err := rows.Scan(&id, &g.Name, &g.Priority); err != nil {
			return nil, apperr.New("store.ListServerGroups", apperr.Internal, err)
		}
		g.ID, _ = uuid.Parse(id)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddUserToServerGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	_, err := s.q(ctx).ExecContext(ctx, `INSERT OR IGNORE INTO user_server_groups (user_id, group_id) VALUES (?, ?)`, userID.String(), groupID.String())
	if err != nil {
		return apperr.New("store.AddUserToServerGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveUserFromServerGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM user_server_groups WHERE user_id = ? AND group_id = ?`, userID.String(), groupID.String())
	if err != nil {
		return apperr.New("store.RemoveUserFromServerGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ServerGroupsOf(ctx context.Context, userID uuid.UUID) ([]*model.ServerGroup, error) {
	const q = `SELECT g.id, g.name, g.priority FROM server_groups g
		JOIN user_server_groups m ON m.group_id = g.id
		WHERE m.user_id = ? ORDER BY g.priority DESC`
	rows, err := s.q(ctx).QueryContext(ctx, q, userID.String())
	if err != nil {
		return nil, apperr.New("store.ServerGroupsOf", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.ServerGroup
	for rows.Next() {
		var g model.ServerGroup
		var id string
		if err := rows.Scan(&id, &g.Name, &g.Priority); err != nil {
			return nil, apperr.New("store.ServerGroupsOf", apperr.Internal, err)
		}
		g.ID, _ = uuid.Parse(id)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetChannelGroup(ctx context.Context, userID, channelID, groupID uuid.UUID) error {
	const q = `INSERT INTO user_channel_groups (user_id, channel_id, group_id) VALUES (?, ?, ?)
		ON CONFLICT(user_id, channel_id) DO UPDATE SET group_id = excluded.group_id`
	_, err := s.q(ctx).ExecContext(ctx, q, userID.String(), channelID.String(), groupID.String())
	if err != nil {
		return apperr.New("store.SetChannelGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ClearChannelGroup(ctx context.Context, userID, channelID uuid.UUID) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM user_channel_groups WHERE user_id = ? AND channel_id = ?`, userID.String(), channelID.String())
	if err != nil {
		return apperr.New("store.ClearChannelGroup", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ChannelGroupOf(ctx context.Context, userID, channelID uuid.UUID) (*model.ChannelGroup, bool, error) {
	const q = `SELECT cg.id, cg.channel_id, cg.name FROM channel_groups cg
		JOIN user_channel_groups m ON m.group_id = cg.id
		WHERE m.user_id = ? AND m.channel_id = ?`
	var cg model.ChannelGroup
	var id, chID string
	err := s.q(ctx).QueryRowContext(ctx, q, userID.String(), channelID.String()).Scan(&id, &chID, &cg.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, apperr.New("store.ChannelGroupOf", apperr.Unavailable, err)
	}
	cg.ID, _ = uuid.Parse(id)
	cg.ChannelID, _ = uuid.Parse(chID)
	return &cg, true, nil
}

// --- Permissions ---

func scanPermission(row interface{ Scan(...any) error }) (*model.Permission, error) {
	var p model.Permission
	var id, targetID, channelID, valueKind, triState, scopeJSON string
	if err := row.Scan(&id, &p.TargetType, &targetID, &channelID, &p.Key, &valueKind, &triState, &p.Value.IntLimit, &scopeJSON); err != nil {
		return nil, err
	}
	p.ID, _ = uuid.Parse(id)
	if targetID != "" {
		p.TargetID, _ = uuid.Parse(targetID)
	}
	if channelID != "" {
		p.ChannelID, _ = uuid.Parse(channelID)
	}
	p.Value.Kind = model.ValueKind(valueKind)
	p.Value.TriState = model.TriState(triState)
	var scopeList []string
	_ = json.Unmarshal([]byte(scopeJSON), &scopeList)
	if len(scopeList) > 0 {
		p.Value.Scope = make(map[string]struct{}, len(scopeList))
		for _, s := range scopeList {
			p.Value.Scope[s] = struct{}{}
		}
	}
	return &p, nil
}

func (s *SQLiteStore) SetPermission(ctx context.Context, p *model.Permission) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	scopeList := make([]string, 0, len(p.Value.Scope))
	for k := range p.Value.Scope {
		scopeList = append(scopeList, k)
	}
	scopeJSON, _ := json.Marshal(scopeList)
	const q = `INSERT INTO permissions (id, target_type, target_id, channel_id, key, value_kind, tri_state, int_limit, scope_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_type, target_id, channel_id, key) DO UPDATE SET
			value_kind = excluded.value_kind, tri_state = excluded.tri_state,
			int_limit = excluded.int_limit, scope_json = excluded.scope_json`
	_, err := s.q(ctx).ExecContext(ctx, q, p.ID.String(), string(p.TargetType), p.TargetID.String(), p.ChannelID.String(),
		p.Key, string(p.Value.Kind), string(p.Value.TriState), p.Value.IntLimit, string(scopeJSON))
	if err != nil {
		return apperr.New("store.SetPermission", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) RemovePermission(ctx context.Context, targetType model.TargetType, targetID uuid.UUID, channelID uuid.UUID, key string) error {
	const q = `DELETE FROM permissions WHERE target_type=? AND target_id=? AND channel_id=? AND key=?`
	_, err := s.q(ctx).ExecContext(ctx, q, string(targetType), targetID.String(), channelID.String(), key)
	if err != nil {
		return apperr.New("store.RemovePermission", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ListPermissions(ctx context.Context, targetType model.TargetType, targetID uuid.UUID) ([]*model.Permission, error) {
	const q = `SELECT id, target_type, target_id, channel_id, key, value_kind, tri_state, int_limit, scope_json
		FROM permissions WHERE target_type = ? AND target_id = ?`
	rows, err := s.q(ctx).QueryContext(ctx, q, string(targetType), targetID.String())
	if err != nil {
		return nil, apperr.New("store.ListPermissions", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, apperr.New("store.ListPermissions", apperr.Internal, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Snapshot(ctx context.Context, userID, channelID uuid.UUID) (*PermissionSnapshot, error) {
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

func (s *SQLiteStore) permissionsFor(ctx context.Context, targetType model.TargetType, targetID, channelID uuid.UUID) ([]*model.Permission, error) {
	const q = `SELECT id, target_type, target_id, channel_id, key, value_kind, tri_state, int_limit, scope_json
		FROM permissions WHERE target_type = ? AND target_id = ? AND channel_id = ?`
	rows, err := s.q(ctx).QueryContext(ctx, q, string(targetType), targetID.String(), channelID.String())
	if err != nil {
		return nil, apperr.New("store.permissionsFor", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, apperr.New("store.permissionsFor", apperr.Internal, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Bans ---

func (s *SQLiteStore) CreateBan(ctx context.Context, b *model.Ban) error {
	if b.UserID == nil && b.IPOrCIDR == "" {
		return apperr.New("store.CreateBan", apperr.BadRequest, fmt.Errorf("at least one of user or ip must be present"))
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO bans (id, user_id, ip_or_cidr, reason, banned_by, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	var userID, bannedBy sql.NullString
	if b.UserID != nil {
		userID = sql.NullString{String: b.UserID.String(), Valid: true}
	}
	if b.BannedBy != nil {
		bannedBy = sql.NullString{String: b.BannedBy.String(), Valid: true}
	}
	_, err := s.q(ctx).ExecContext(ctx, q, b.ID.String(), userID, b.IPOrCIDR, b.Reason, bannedBy, nullableTime(b.ExpiresAt), unixOrZero(b.CreatedAt))
	if err != nil {
		return apperr.New("store.CreateBan", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteBan(ctx context.Context, id uuid.UUID) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM bans WHERE id = ?`, id.String())
	if err != nil {
		return apperr.New("store.DeleteBan", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.DeleteBan", apperr.NotFound, nil)
	}
	return nil
}

func scanBan(row interface{ Scan(...any) error }) (*model.Ban, error) {
	var b model.Ban
	var id string
	var userID, bannedBy sql.NullString
	var expiresAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&id, &userID, &b.IPOrCIDR, &b.Reason, &bannedBy, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	b.ID, _ = uuid.Parse(id)
	b.UserID = uuidPtrFromNull(userID)
	b.BannedBy = uuidPtrFromNull(bannedBy)
	b.ExpiresAt = timePtrFromNull(expiresAt)
	b.CreatedAt = timeOrZero(createdAt)
	return &b, nil
}

func (s *SQLiteStore) ListBans(ctx context.Context) ([]*model.Ban, error) {
	const q = `SELECT id, user_id, ip_or_cidr, reason, banned_by, expires_at, created_at FROM bans ORDER BY created_at DESC`
	rows, err := s.q(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, apperr.New("store.ListBans", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.Ban
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, apperr.New("store.ListBans", apperr.Internal, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IsBanned(ctx context.Context, userID *uuid.UUID, ip string) (*model.Ban, bool, error) {
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

func (s *SQLiteStore) PurgeExpiredBans(ctx context.Context) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, apperr.New("store.PurgeExpiredBans", apperr.Unavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Audit log ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *model.AuditLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	detailsJSON, _ := json.Marshal(e.Details)
	var actorID sql.NullString
	if e.ActorID != nil {
		actorID = sql.NullString{String: e.ActorID.String(), Valid: true}
	}
	const q = `INSERT INTO audit_log (id, actor_id, action, target_type, target_id, details_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q(ctx).ExecContext(ctx, q, e.ID.String(), actorID, e.Action, e.TargetType, e.TargetID, string(detailsJSON), unixOrZero(e.Timestamp))
	if err != nil {
		return apperr.New("store.AppendAudit", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit, offset int) ([]*model.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, actor_id, action, target_type, target_id, details_json, created_at FROM audit_log ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.q(ctx).QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, apperr.New("store.ListAudit", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var id string
		var actorID sql.NullString
		var detailsJSON string
		var createdAt int64
		if err := rows.Scan(&id, &actorID, &e.Action, &e.TargetType, &e.TargetID, &detailsJSON, &createdAt); err != nil {
			return nil, apperr.New("store.ListAudit", apperr.Internal, err)
		}
		e.ID, _ = uuid.Parse(id)
		e.ActorID = uuidPtrFromNull(actorID)
		_ = json.Unmarshal([]byte(detailsJSON), &e.Details)
		e.Timestamp = timeOrZero(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Invites ---

func (s *SQLiteStore) CreateInvite(ctx context.Context, inv *model.Invite) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO invites (id, code, channel_id, assigned_group, max_uses, used_count, expires_at, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q(ctx).ExecContext(ctx, q, inv.ID.String(), inv.Code, nullableUUIDPtr(inv.ChannelID), nullableUUIDPtr(inv.AssignedGroup),
		inv.MaxUses, inv.UsedCount, nullableTime(inv.ExpiresAt), inv.CreatedBy.String(), unixOrZero(inv.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New("store.CreateInvite", apperr.Conflict, err)
		}
		return apperr.New("store.CreateInvite", apperr.Unavailable, err)
	}
	return nil
}

func scanInvite(row interface{ Scan(...any) error }) (*model.Invite, error) {
	var inv model.Invite
	var id, createdBy string
	var channelID, assignedGroup sql.NullString
	var expiresAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&id, &inv.Code, &channelID, &assignedGroup, &inv.MaxUses, &inv.UsedCount, &expiresAt, &createdBy, &createdAt); err != nil {
		return nil, err
	}
	inv.ID, _ = uuid.Parse(id)
	inv.ChannelID = uuidPtrFromNull(channelID)
	inv.AssignedGroup = uuidPtrFromNull(assignedGroup)
	inv.ExpiresAt = timePtrFromNull(expiresAt)
	inv.CreatedBy, _ = uuid.Parse(createdBy)
	inv.CreatedAt = timeOrZero(createdAt)
	return &inv, nil
}

func (s *SQLiteStore) GetInviteByCode(ctx context.Context, code string) (*model.Invite, error) {
	const q = `SELECT id, code, channel_id, assigned_group, max_uses, used_count, expires_at, created_by, created_at FROM invites WHERE code = ?`
	inv, err := scanInvite(s.q(ctx).QueryRowContext(ctx, q, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New("store.GetInviteByCode", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetInviteByCode", apperr.Unavailable, err)
	}
	return inv, nil
}

// RedeemInvite atomically validates and increments used_count, the way
// spec §3 describes invite redemption creating a user.
func (s *SQLiteStore) RedeemInvite(ctx context.Context, code string) (*model.Invite, error) {
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
		if _, err := s.q(ctx).ExecContext(ctx, `UPDATE invites SET used_count = used_count + 1 WHERE id = ?`, inv.ID.String()); err != nil {
			return apperr.New("store.RedeemInvite", apperr.Unavailable, err)
		}
		inv.UsedCount++
		result = inv
		return nil
	})
	return result, err
}

func (s *SQLiteStore) DeleteInvite(ctx context.Context, id uuid.UUID) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM invites WHERE id = ?`, id.String())
	if err != nil {
		return apperr.New("store.DeleteInvite", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.DeleteInvite", apperr.NotFound, nil)
	}
	return nil
}

// --- Chat ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *model.ChatMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Kind == "" {
		m.Kind = "text"
	}
	const q = `INSERT INTO chat_messages (id, channel_id, sender_id, content, kind, reply_to, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q(ctx).ExecContext(ctx, q, m.ID.String(), m.ChannelID.String(), m.SenderID.String(), m.Content, m.Kind,
		nullableUUIDPtr(m.ReplyTo), unixOrZero(m.CreatedAt))
	if err != nil {
		return apperr.New("store.CreateMessage", apperr.Unavailable, err)
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (*model.ChatMessage, error) {
	var m model.ChatMessage
	var id, channelID, senderID string
	var replyTo sql.NullString
	var createdAt int64
	var editedAt, deletedAt sql.NullInt64
	if err := row.Scan(&id, &channelID, &senderID, &m.Content, &m.Kind, &replyTo, &createdAt, &editedAt, &deletedAt); err != nil {
		return nil, err
	}
	m.ID, _ = uuid.Parse(id)
	m.ChannelID, _ = uuid.Parse(channelID)
	m.SenderID, _ = uuid.Parse(senderID)
	m.ReplyTo = uuidPtrFromNull(replyTo)
	m.CreatedAt = timeOrZero(createdAt)
	m.EditedAt = timePtrFromNull(editedAt)
	m.DeletedAt = timePtrFromNull(deletedAt)
	return &m, nil
}

func (s *SQLiteStore) EditMessage(ctx context.Context, id uuid.UUID, content string) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE chat_messages SET content = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`,
		content, time.Now().UTC().Unix(), id.String())
	if err != nil {
		return apperr.New("store.EditMessage", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.EditMessage", apperr.NotFound, nil)
	}
	return nil
}

// DeleteMessage tombstones a message rather than removing the row (spec §3:
// "Tombstones on delete").
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE chat_messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC().Unix(), id.String())
	if err != nil {
		return apperr.New("store.DeleteMessage", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.DeleteMessage", apperr.NotFound, nil)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.ChatMessage, error) {
	const q = `SELECT id, channel_id, sender_id, content, kind, reply_to, created_at, edited_at, deleted_at FROM chat_messages WHERE id = ?`
	m, err := scanMessage(s.q(ctx).QueryRowContext(ctx, q, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New("store.GetMessage", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetMessage", apperr.Unavailable, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, channelID uuid.UUID, before time.Time, limit int) ([]*model.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}
	const q = `SELECT id, channel_id, sender_id, content, kind, reply_to, created_at, edited_at, deleted_at
		FROM chat_messages WHERE channel_id = ? AND created_at < ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.q(ctx).QueryContext(ctx, q, channelID.String(), before.Unix(), limit)
	if err != nil {
		return nil, apperr.New("store.ListMessages", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.New("store.ListMessages", apperr.Internal, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Files ---

func (s *SQLiteStore) CreateFile(ctx context.Context, f *model.File) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO files (id, channel_id, uploader_id, filename, mime, size, storage_path, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q(ctx).ExecContext(ctx, q, f.ID.String(), f.ChannelID.String(), f.UploaderID.String(), f.Filename, f.MIME,
		f.Size, f.StoragePath, f.SHA256, unixOrZero(f.CreatedAt))
	if err != nil {
		return apperr.New("store.CreateFile", apperr.Unavailable, err)
	}
	return nil
}

func scanFile(row interface{ Scan(...any) error }) (*model.File, error) {
	var f model.File
	var id, channelID, uploaderID string
	var createdAt int64
	var deletedAt sql.NullInt64
	if err := row.Scan(&id, &channelID, &uploaderID, &f.Filename, &f.MIME, &f.Size, &f.StoragePath, &f.SHA256, &createdAt, &deletedAt); err != nil {
		return nil, err
	}
	f.ID, _ = uuid.Parse(id)
	f.ChannelID, _ = uuid.Parse(channelID)
	f.UploaderID, _ = uuid.Parse(uploaderID)
	f.CreatedAt = timeOrZero(createdAt)
	f.DeletedAt = timePtrFromNull(deletedAt)
	return &f, nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id uuid.UUID) (*model.File, error) {
	const q = `SELECT id, channel_id, uploader_id, filename, mime, size, storage_path, sha256, created_at, deleted_at FROM files WHERE id = ?`
	f, err := scanFile(s.q(ctx).QueryRowContext(ctx, q, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New("store.GetFile", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetFile", apperr.Unavailable, err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, channelID uuid.UUID) ([]*model.File, error) {
	const q = `SELECT id, channel_id, uploader_id, filename, mime, size, storage_path, sha256, created_at, deleted_at
		FROM files WHERE channel_id = ? AND deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := s.q(ctx).QueryContext(ctx, q, channelID.String())
	if err != nil {
		return nil, apperr.New("store.ListFiles", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, apperr.New("store.ListFiles", apperr.Internal, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, id uuid.UUID) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE files SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC().Unix(), id.String())
	if err != nil {
		return apperr.New("store.DeleteFile", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.DeleteFile", apperr.NotFound, nil)
	}
	return nil
}

func (s *SQLiteStore) ChannelQuotaUsed(ctx context.Context, channelID uuid.UUID) (int64, error) {
	var total sql.NullInt64
	err := s.q(ctx).QueryRowContext(ctx, `SELECT SUM(size) FROM files WHERE channel_id = ? AND deleted_at IS NULL`, channelID.String()).Scan(&total)
	if err != nil {
		return 0, apperr.New("store.ChannelQuotaUsed", apperr.Unavailable, err)
	}
	return total.Int64, nil
}

// --- Settings ---

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q(ctx).QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, apperr.New("store.GetSetting", apperr.Unavailable, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.q(ctx).ExecContext(ctx, q, key, value)
	if err != nil {
		return apperr.New("store.SetSetting", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetAllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT key, value FROM settings`)
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

func (s *SQLiteStore) CreateAPIToken(ctx context.Context, t *model.APIToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO api_tokens (id, prefix, verifier, label, created_by, created_at, last_used_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q(ctx).ExecContext(ctx, q, t.ID.String(), t.Prefix, t.Verifier, t.Label, t.CreatedBy.String(),
		unixOrZero(t.CreatedAt), nullableTime(t.LastUsedAt), boolToInt(t.Revoked))
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New("store.CreateAPIToken", apperr.Conflict, err)
		}
		return apperr.New("store.CreateAPIToken", apperr.Unavailable, err)
	}
	return nil
}

func scanAPIToken(row interface{ Scan(...any) error }) (*model.APIToken, error) {
	var t model.APIToken
	var id, createdBy string
	var createdAt int64
	var lastUsedAt sql.NullInt64
	var revoked int
	if err := row.Scan(&id, &t.Prefix, &t.Verifier, &t.Label, &createdBy, &createdAt, &lastUsedAt, &revoked); err != nil {
		return nil, err
	}
	t.ID, _ = uuid.Parse(id)
	t.CreatedBy, _ = uuid.Parse(createdBy)
	t.CreatedAt = timeOrZero(createdAt)
	t.LastUsedAt = timePtrFromNull(lastUsedAt)
	t.Revoked = revoked != 0
	return &t, nil
}

func (s *SQLiteStore) GetAPITokenByPrefix(ctx context.Context, prefix string) (*model.APIToken, error) {
	const q = `SELECT id, prefix, verifier, label, created_by, created_at, last_used_at, revoked FROM api_tokens WHERE prefix = ?`
	t, err := scanAPIToken(s.q(ctx).QueryRowContext(ctx, q, prefix))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New("store.GetAPITokenByPrefix", apperr.NotFound, err)
		}
		return nil, apperr.New("store.GetAPITokenByPrefix", apperr.Unavailable, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListAPITokens(ctx context.Context) ([]*model.APIToken, error) {
	const q = `SELECT id, prefix, verifier, label, created_by, created_at, last_used_at, revoked FROM api_tokens ORDER BY created_at DESC`
	rows, err := s.q(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, apperr.New("store.ListAPITokens", apperr.Unavailable, err)
	}
	defer rows.Close()
	var out []*model.APIToken
	for rows.Next() {
		t, err := scanAPIToken(rows)
		if err != nil {
			return nil, apperr.New("store.ListAPITokens", apperr.Internal, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TouchAPIToken(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, usedAt.UTC().Unix(), id.String())
	if err != nil {
		return apperr.New("store.TouchAPIToken", apperr.Unavailable, err)
	}
	return nil
}

func (s *SQLiteStore) RevokeAPIToken(ctx context.Context, id uuid.UUID) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE api_tokens SET revoked = 1 WHERE id = ?`, id.String())
	if err != nil {
		return apperr.New("store.RevokeAPIToken", apperr.Unavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New("store.RevokeAPIToken", apperr.NotFound, nil)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// matchesCIDR reports whether ip (a bare address) falls within banEntry,
// which is either a bare address or a CIDR block.
func matchesCIDR(banEntry, ip string) bool {
	if banEntry == ip {
		return true
	}
	_, network, err := net.ParseCIDR(banEntry)
	if err != nil {
		return false
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	return network.Contains(addr)
}
