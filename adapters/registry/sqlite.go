package registry

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	_ "modernc.org/sqlite"
)

// SQLiteRegistry is a CredentialRegistry backed by SQLite.
type SQLiteRegistry struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.CredentialRegistry = (*SQLiteRegistry)(nil)

// OpenSQLite opens the database at dsn and applies bundled migrations.
// Use ":memory:" for an ephemeral registry.
func OpenSQLite(dsn string) (*SQLiteRegistry, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	r := &SQLiteRegistry{db: db, now: time.Now}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return r, nil
}

// Close releases the underlying database.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegistry) migrate() error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := r.db.QueryRow("SELECT COUNT(1) FROM schema_migrations WHERE name = ?", m.name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := r.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)", m.name, r.now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *SQLiteRegistry) Lookup(ctx context.Context, rpID, identifier string) (*core.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.lookup(ctx, r.db, rpID, identifier)
}

func (r *SQLiteRegistry) lookup(ctx context.Context, q queryer, rpID, identifier string) (*core.Identity, error) {
	var (
		identity  = core.Identity{RPID: rpID, Identifier: identifier}
		wallet    sql.NullString
		createdAt int64
	)
	err := q.QueryRowContext(ctx,
		"SELECT user_handle, wallet_address, created_at FROM identities WHERE rp_id = ? AND identifier = ?",
		rpID, identifier,
	).Scan(&identity.UserHandle, &wallet, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	identity.CreatedAt = time.UnixMilli(createdAt).UTC()
	if wallet.Valid {
		address := common.HexToAddress(wallet.String)
		identity.WalletAddress = &address
	}

	rows, err := q.QueryContext(ctx, `SELECT credential_id, public_key, sign_count, transports, aaguid, attestation_type,
       user_present, user_verified, backup_eligible, backup_state, flagged, created_at, last_used_at
FROM credentials WHERE rp_id = ? AND identifier = ? ORDER BY created_at, credential_id`, rpID, identifier)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cred              core.Credential
			signCount         int64
			transports        string
			created, lastUsed int64
		)
		if err := rows.Scan(&cred.ID, &cred.PublicKey, &signCount, &transports, &cred.AAGUID, &cred.AttestationType,
			&cred.UserPresent, &cred.UserVerified, &cred.BackupEligible, &cred.BackupState, &cred.Flagged,
			&created, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		cred.SignCount = uint32(signCount)
		cred.Transports = splitTransports(transports)
		cred.CreatedAt = time.UnixMilli(created).UTC()
		cred.LastUsedAt = time.UnixMilli(lastUsed).UTC()
		identity.Credentials = append(identity.Credentials, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	return &identity, nil
}

func (r *SQLiteRegistry) FindByCredentialID(ctx context.Context, rpID string, credentialID []byte) (*core.Identity, error) {
	var identifier string
	err := r.db.QueryRowContext(ctx,
		"SELECT identifier FROM credentials WHERE rp_id = ? AND credential_id = ?", rpID, credentialID,
	).Scan(&identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return r.lookup(ctx, r.db, rpID, identifier)
}

func (r *SQLiteRegistry) Register(ctx context.Context, rpID, identifier string, userHandle []byte, credential core.Credential) error {
	if rpID == "" || identifier == "" {
		return fmt.Errorf("%w: rp id and identifier are required", core.ErrValidation)
	}
	if len(userHandle) == 0 || len(credential.ID) == 0 || len(credential.PublicKey) == 0 {
		return fmt.Errorf("%w: user handle and credential are required", core.ErrValidation)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now().UnixMilli()
	var storedHandle []byte
	err = tx.QueryRowContext(ctx,
		"SELECT user_handle FROM identities WHERE rp_id = ? AND identifier = ?", rpID, identifier,
	).Scan(&storedHandle)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO identities (rp_id, identifier, user_handle, created_at) VALUES (?, ?, ?, ?)",
			rpID, identifier, userHandle, now,
		); err != nil {
			return fmt.Errorf("insert identity: %w", err)
		}
	case err != nil:
		return fmt.Errorf("get identity: %w", err)
	case !bytes.Equal(storedHandle, userHandle):
		return fmt.Errorf("%w: user handle does not match identity", core.ErrValidation)
	}

	var exists int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM credentials WHERE rp_id = ? AND credential_id = ?", rpID, credential.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	if exists > 0 {
		return core.ErrDuplicateCredential
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO credentials (rp_id, credential_id, identifier, public_key, sign_count,
    transports, aaguid, attestation_type, user_present, user_verified, backup_eligible, backup_state, flagged,
    created_at, last_used_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rpID, credential.ID, identifier, credential.PublicKey, int64(credential.SignCount),
		joinTransports(credential.Transports), credential.AAGUID, credential.AttestationType,
		credential.UserPresent, credential.UserVerified, credential.BackupEligible, credential.BackupState,
		now, now,
	); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register: %w", err)
	}
	return nil
}

// UpdateCounter is a single compare-and-set statement so concurrent
// assertions with the same counter cannot both succeed.
func (r *SQLiteRegistry) UpdateCounter(ctx context.Context, rpID string, credentialID []byte, counter uint32) error {
	res, err := r.db.ExecContext(ctx, `UPDATE credentials SET sign_count = ?, last_used_at = ?
WHERE rp_id = ? AND credential_id = ? AND (sign_count < ? OR (sign_count = 0 AND ? = 0))`,
		int64(counter), r.now().UnixMilli(), rpID, credentialID, int64(counter), int64(counter),
	)
	if err != nil {
		return fmt.Errorf("update counter: %w", err)
	}
	return r.checkCAS(ctx, res, rpID, credentialID)
}

func (r *SQLiteRegistry) checkCAS(ctx context.Context, res sql.Result, rpID string, credentialID []byte) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update counter: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM credentials WHERE rp_id = ? AND credential_id = ?", rpID, credentialID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	if exists == 0 {
		return core.ErrCredentialNotFound
	}
	return core.ErrReplaySuspected
}

func (r *SQLiteRegistry) FlagCredential(ctx context.Context, rpID string, credentialID []byte) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE credentials SET flagged = 1 WHERE rp_id = ? AND credential_id = ?", rpID, credentialID,
	)
	if err != nil {
		return fmt.Errorf("flag credential: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return core.ErrCredentialNotFound
	}
	return nil
}

func (r *SQLiteRegistry) AssignWallet(ctx context.Context, rpID, identifier string, wallet common.Address) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE identities SET wallet_address = ? WHERE rp_id = ? AND identifier = ? AND wallet_address IS NULL",
		wallet.Hex(), rpID, identifier,
	)
	if err != nil {
		return fmt.Errorf("assign wallet: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return nil
	}

	var current sql.NullString
	err = r.db.QueryRowContext(ctx,
		"SELECT wallet_address FROM identities WHERE rp_id = ? AND identifier = ?", rpID, identifier,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("get wallet: %w", err)
	}
	return compareWallet(current.String, wallet)
}

func (r *SQLiteRegistry) Remove(ctx context.Context, rpID string, credentialID []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var identifier string
	err = tx.QueryRowContext(ctx,
		"SELECT identifier FROM credentials WHERE rp_id = ? AND credential_id = ?", rpID, credentialID,
	).Scan(&identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrCredentialNotFound
	}
	if err != nil {
		return fmt.Errorf("find credential: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM credentials WHERE rp_id = ? AND identifier = ?", rpID, identifier,
	).Scan(&count); err != nil {
		return fmt.Errorf("count credentials: %w", err)
	}
	if count <= 1 {
		return core.ErrLastCredential
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM credentials WHERE rp_id = ? AND credential_id = ?", rpID, credentialID,
	); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove: %w", err)
	}
	return nil
}

func compareWallet(current string, wallet common.Address) error {
	if current != "" && common.HexToAddress(current) == wallet {
		return nil
	}
	return core.ErrWalletAssigned
}
