package tokenstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenPostgres opens a connection pool through the pgx stdlib driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	return db, nil
}

// MigratePostgres applies the embedded schema migrations.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// PostgresStore is the durable table backed by PostgreSQL. Profile and lease rows live in
// auth_state under the same account_id, told apart by kind.
type PostgresStore struct {
	db  DBTX
	now func() time.Time
}

// Compile-time check to ensure PostgresStore implements DurableStore
var _ DurableStore = (*PostgresStore)(nil)

// NewPostgresStore constructs a store bound to the given DBTX. If now is nil, time.Now is used.
func NewPostgresStore(db DBTX, now func() time.Time) *PostgresStore {
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{db: db, now: now}
}

// Name implements Store.
func (p *PostgresStore) Name() string { return "postgres" }

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, accountID string) Result {
	query := `
		SELECT refresh_token, access_token, expires_at, updated_at
		FROM auth_state
		WHERE account_id = $1 AND kind = $2
	`
	var (
		refresh, access sql.NullString
		expires         sql.NullTime
		updated         time.Time
	)
	err := p.db.QueryRowContext(ctx, query, accountID, KindProfile).Scan(&refresh, &access, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound()
	}
	if err != nil {
		return Failed(fmt.Errorf("db error: %w", err))
	}

	return checked(Record{
		RefreshToken: refresh.String,
		AccessToken:  access.String,
		ExpiresAt:    expires.Time,
		UpdatedAt:    updated,
	})
}

// Put implements Store as an upsert of the profile row.
func (p *PostgresStore) Put(ctx context.Context, accountID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO auth_state (account_id, kind, refresh_token, access_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, kind) DO UPDATE
		SET refresh_token = EXCLUDED.refresh_token,
			access_token = EXCLUDED.access_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := p.db.ExecContext(ctx, query,
		accountID, KindProfile, rec.RefreshToken, nullString(rec.AccessToken), nullTime(rec.ExpiresAt), p.now(),
	); err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

// Delete implements Store.
func (p *PostgresStore) Delete(ctx context.Context, accountID string) error {
	query := `
		DELETE FROM auth_state
		WHERE account_id = $1 AND kind = $2
	`
	if _, err := p.db.ExecContext(ctx, query, accountID, KindProfile); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// AcquireLease implements LeaseStore. The upsert only overwrites an existing lease row
// whose lease has expired, so zero affected rows means the lease is held.
func (p *PostgresStore) AcquireLease(ctx context.Context, accountID string, lease Lease) (bool, error) {
	query := `
		INSERT INTO auth_state (account_id, kind, owner_id, acquired_at, lease_expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (account_id, kind) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
			acquired_at = EXCLUDED.acquired_at,
			lease_expires_at = EXCLUDED.lease_expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE auth_state.lease_expires_at IS NULL OR auth_state.lease_expires_at < EXCLUDED.acquired_at
	`
	res, err := p.db.ExecContext(ctx, query, accountID, KindLock, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease implements LeaseStore.
func (p *PostgresStore) ReleaseLease(ctx context.Context, accountID, ownerID string) error {
	query := `
		DELETE FROM auth_state
		WHERE account_id = $1 AND kind = $2 AND owner_id = $3
	`
	if _, err := p.db.ExecContext(ctx, query, accountID, KindLock, ownerID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
