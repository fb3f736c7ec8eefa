// Package sqlitestore persists the RBAC ledgers in an embedded SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Store implements rbac.Repository, rbac.ActorDirectory and rbac.Auditor.
type Store struct {
	db *sqlx.DB
	q  queries
}

var (
	_ rbac.Repository     = (*Store)(nil)
	_ rbac.ActorDirectory = (*Store)(nil)
	_ rbac.Auditor        = (*Store)(nil)
)

// Open creates or opens the database at path. Pass an empty path for an
// in-memory database.
func Open(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open rbac database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, q: queries{db: db}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate rbac database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for stats collection.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, rbac.TxRepository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit tx: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Actor directory
// ---------------------------------------------------------------------------

// RegisterActor records an actor id. Registering an existing id updates its name.
func (s *Store) RegisterActor(ctx context.Context, id int64, name string) error {
	if id <= 0 {
		return fmt.Errorf("%w: actor id must be positive", rbac.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO actors (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name, toMicros(time.Now()))
	if err != nil {
		return fmt.Errorf("register actor: %w", err)
	}
	return nil
}

// ActorExists reports whether the actor id is registered.
func (s *Store) ActorExists(ctx context.Context, actorID int64) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM actors WHERE id = ?)`, actorID); err != nil {
		return false, fmt.Errorf("actor exists: %w", err)
	}
	return exists, nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// Record persists an audit entry.
func (s *Store) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	meta, at, err := log.Normalized()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		log.ActorID, log.Action, log.Entity, log.EntityID, string(meta), toMicros(at))
	return err
}

// ---------------------------------------------------------------------------
// Resolver and catalog reads on the pool
// ---------------------------------------------------------------------------

func (s *Store) HasAnyPermission(ctx context.Context, actorID int64, names []rbac.PermissionName, asOf time.Time) (bool, error) {
	return s.q.HasAnyPermission(ctx, actorID, names, asOf)
}

func (s *Store) HasRole(ctx context.Context, actorID int64, role string, asOf time.Time) (bool, error) {
	return s.q.HasRole(ctx, actorID, role, asOf)
}

func (s *Store) ListActorPermissions(ctx context.Context, actorID int64, asOf time.Time) ([]rbac.Permission, error) {
	return s.q.ListActorPermissions(ctx, actorID, asOf)
}

func (s *Store) ListActorRoles(ctx context.Context, actorID int64, asOf time.Time) ([]rbac.RoleAssignment, error) {
	return s.q.ListActorRoles(ctx, actorID, asOf)
}

func (s *Store) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	return s.q.GetRole(ctx, id)
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	return s.q.GetRoleByName(ctx, name)
}

func (s *Store) GetPermission(ctx context.Context, id int64) (rbac.Permission, error) {
	return s.q.GetPermission(ctx, id)
}

func (s *Store) GetPermissionByName(ctx context.Context, name rbac.PermissionName) (rbac.Permission, error) {
	return s.q.GetPermissionByName(ctx, name)
}

func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return s.q.ListRoles(ctx)
}

func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return s.q.ListPermissions(ctx)
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID int64) ([]rbac.Permission, error) {
	return s.q.ListRolePermissions(ctx, roleID)
}

func (s *Store) ListAssignments(ctx context.Context, actorID int64, includeRevoked bool) ([]rbac.RoleAssignment, error) {
	return s.q.ListAssignments(ctx, actorID, includeRevoked)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func fromMicros(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMicros(n.Int64)
	return &t
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// mapError translates driver errors into rbac sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", rbac.ErrConflict, se.Error())
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %s", rbac.ErrNotFound, se.Error())
		}
	}
	return err
}
