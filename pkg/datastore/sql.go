// Package datastore provides SQLite-backed persistence for restrictions.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gatekeep/pkg/model"
)

// dbTimeLayout is the on-disk encoding of every timestamp, always UTC.
// It sorts lexically and must stay stable: the gate and the reconciler
// both parse it back.
const dbTimeLayout = "2006-01-02 15:04:05"

// legacyNever is the sentinel older databases stored for lifetime bans.
// New rows use NULL instead.
const legacyNever = "Lifetime"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory owns the SQLite handle and hands out providers.
type ProviderFactory struct {
	DB *sql.DB

	schemaMu sync.Mutex
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and ensures the
// schema exists.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()
	if err := DB.PingContext(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = DB.Close()
		return nil, err
	}
	return s, nil
}

// dsn applies the connection pragmas to every pooled connection: WAL for
// concurrent readers and a busy timeout to avoid "database is locked".
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Close closes the database connection.
func (sf *ProviderFactory) Close() error {
	return sf.DB.Close()
}

// EnsureSchema creates or upgrades the backing tables. It is idempotent
// and may be called concurrently; callers are serialized and each run
// happens inside one transaction.
func (sf *ProviderFactory) EnsureSchema(ctx context.Context) error {
	sf.schemaMu.Lock()
	defer sf.schemaMu.Unlock()

	tx, err := sf.Tx(ctx)
	if err != nil {
		return fmt.Errorf("datastore: migrate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p := tx.(*txProvider)
	if err := p.migrate(ctx); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: migrate: commit: %w", err)
	}
	return nil
}

func (p *baseProvider) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS blacklist (
		user_id      INTEGER PRIMARY KEY,
		reason       TEXT    NOT NULL DEFAULT '',
		moderator_id INTEGER NOT NULL DEFAULT 0,
		expires_at   TEXT,
		created_at   TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	if err := p.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := p.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			// Legacy blacklist tables have no created_at column.
			version: 2,
			statements: []string{
				"ALTER TABLE blacklist ADD COLUMN created_at TEXT NOT NULL DEFAULT ''",
			},
			ignoreErrors: true,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := p.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := p.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (p *baseProvider) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := p.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var count int
	if err := p.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := p.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("init schema_migrations: %w", err)
		}
	}
	return nil
}

func (p *baseProvider) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := p.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (p *baseProvider) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := p.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return nil
}

func (p *baseProvider) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := p.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return err
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// FormatExpiry encodes an expiry for storage. The zero time (never)
// encodes as NULL.
func FormatExpiry(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := formatDBTime(t)
	return &s
}

// ParseExpiry decodes a stored expiry. NULL and the legacy "Lifetime"
// sentinel both mean never. Anything else that does not match the
// storage layout wraps model.ErrMalformedTimestamp.
func ParseExpiry(value *string) (time.Time, error) {
	if value == nil || *value == legacyNever {
		return time.Time{}, nil
	}
	t, err := parseDBTime(*value)
	if err == nil {
		return t, nil
	}
	// The driver hands DATETIME columns of older tables back as RFC 3339.
	if t, err := time.Parse(time.RFC3339Nano, *value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", model.ErrMalformedTimestamp, *value)
}

// ---- Restrictions ----

const restrictionColumns = "user_id, COALESCE(reason, ''), COALESCE(moderator_id, 0), expires_at, COALESCE(created_at, '')"

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRestriction reads one row. A decode failure is reported in the
// Err field rather than as the returned error, so list callers can skip
// just that row.
func scanRestriction(row rowScanner) (ListedRestriction, error) {
	var lr ListedRestriction
	var expiresAt *string
	var createdAt string
	if err := row.Scan(&lr.UserID, &lr.Reason, &lr.ModeratorID, &expiresAt, &createdAt); err != nil {
		return lr, err
	}
	if createdAt != "" {
		if parsed, err := parseDBTime(createdAt); err == nil {
			lr.CreatedAt = parsed
		}
	}
	lr.ExpiresAt, lr.Err = ParseExpiry(expiresAt)
	return lr, nil
}

// UpsertRestriction stores r, replacing any existing row for the user.
func (s *baseProvider) UpsertRestriction(ctx context.Context, r model.Restriction) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO blacklist (user_id, reason, moderator_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			reason       = excluded.reason,
			moderator_id = excluded.moderator_id,
			expires_at   = excluded.expires_at,
			created_at   = excluded.created_at`,
		r.UserID, r.Reason, r.ModeratorID, FormatExpiry(r.ExpiresAt), formatDBTime(createdAt))
	if err != nil {
		return fmt.Errorf("datastore: upsert restriction: %w", err)
	}
	return nil
}

// GetRestriction retrieves the restriction for a user.
func (s *baseProvider) GetRestriction(ctx context.Context, userID int64) (*model.Restriction, error) {
	row := s.QueryRowContext(ctx, "SELECT "+restrictionColumns+" FROM blacklist WHERE user_id = ?", userID)
	lr, err := scanRestriction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get restriction: %w", err)
	}
	if lr.Err != nil {
		return nil, fmt.Errorf("datastore: get restriction %d: %w", userID, lr.Err)
	}
	return &lr.Restriction, nil
}

// DeleteRestriction removes the restriction for a user.
func (s *baseProvider) DeleteRestriction(ctx context.Context, userID int64) (bool, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM blacklist WHERE user_id = ?", userID)
	if err != nil {
		return false, fmt.Errorf("datastore: delete restriction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: delete restriction: %w", err)
	}
	return n > 0, nil
}

// DeleteExpiredRestriction removes the row for userID if its expiry is at
// or before now. datetime() normalizes legacy encodings and yields NULL for
// NULL, "Lifetime" and malformed values, which never match.
func (s *baseProvider) DeleteExpiredRestriction(ctx context.Context, userID int64, now time.Time) (bool, error) {
	res, err := s.ExecContext(ctx,
		"DELETE FROM blacklist WHERE user_id = ? AND datetime(expires_at) <= ?",
		userID, formatDBTime(now))
	if err != nil {
		return false, fmt.Errorf("datastore: delete expired restriction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: delete expired restriction: %w", err)
	}
	return n > 0, nil
}

// ListRestrictions returns every stored row, including ones whose expiry
// could not be decoded.
func (s *baseProvider) ListRestrictions(ctx context.Context) ([]ListedRestriction, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+restrictionColumns+" FROM blacklist ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list restrictions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ListedRestriction
	for rows.Next() {
		lr, err := scanRestriction(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan restriction: %w", err)
		}
		out = append(out, lr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list restrictions: %w", err)
	}
	return out, nil
}

// CountRestrictions returns the number of stored rows, expired or not.
func (s *baseProvider) CountRestrictions(ctx context.Context) (int, error) {
	var count int
	if err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM blacklist").Scan(&count); err != nil {
		return 0, fmt.Errorf("datastore: count restrictions: %w", err)
	}
	return count, nil
}
