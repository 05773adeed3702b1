package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

const uniqueViolation = "23505"

// PostgresRegistry is a CredentialRegistry backed by PostgreSQL.
type PostgresRegistry struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ports.CredentialRegistry = (*PostgresRegistry)(nil)

// NewPostgresRegistry wraps an open pool and applies bundled migrations.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (*PostgresRegistry, error) {
	r := &PostgresRegistry{pool: pool, now: time.Now}
	if err := r.migrate(ctx); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return r, nil
}

func (r *PostgresRegistry) migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}

	if _, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range migrations {
		err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (name, applied_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
				m.name, r.now())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, m.up)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PostgresRegistry) Lookup(ctx context.Context, rpID, identifier string) (*core.Identity, error) {
	return r.lookup(ctx, r.pool, rpID, identifier)
}

func (r *PostgresRegistry) lookup(ctx context.Context, q pgQueryer, rpID, identifier string) (*core.Identity, error) {
	identity := core.Identity{RPID: rpID, Identifier: identifier}
	var wallet *string

	err := q.QueryRow(ctx,
		"SELECT user_handle, wallet_address, created_at FROM identities WHERE rp_id = $1 AND identifier = $2",
		rpID, identifier,
	).Scan(&identity.UserHandle, &wallet, &identity.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	if wallet != nil {
		address := common.HexToAddress(*wallet)
		identity.WalletAddress = &address
	}

	rows, err := q.Query(ctx, `SELECT credential_id, public_key, sign_count, transports, aaguid, attestation_type,
       user_present, user_verified, backup_eligible, backup_state, flagged, created_at, last_used_at
FROM credentials WHERE rp_id = $1 AND identifier = $2 ORDER BY created_at, credential_id`, rpID, identifier)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cred       core.Credential
			signCount  int64
			transports string
		)
		if err := rows.Scan(&cred.ID, &cred.PublicKey, &signCount, &transports, &cred.AAGUID, &cred.AttestationType,
			&cred.UserPresent, &cred.UserVerified, &cred.BackupEligible, &cred.BackupState, &cred.Flagged,
			&cred.CreatedAt, &cred.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		cred.SignCount = uint32(signCount)
		cred.Transports = splitTransports(transports)
		identity.Credentials = append(identity.Credentials, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	return &identity, nil
}

func (r *PostgresRegistry) FindByCredentialID(ctx context.Context, rpID string, credentialID []byte) (*core.Identity, error) {
	var identifier string
	err := r.pool.QueryRow(ctx,
		"SELECT identifier FROM credentials WHERE rp_id = $1 AND credential_id = $2", rpID, credentialID,
	).Scan(&identifier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return r.lookup(ctx, r.pool, rpID, identifier)
}

func (r *PostgresRegistry) Register(ctx context.Context, rpID, identifier string, userHandle []byte, credential core.Credential) error {
	if rpID == "" || identifier == "" {
		return fmt.Errorf("%w: rp id and identifier are required", core.ErrValidation)
	}
	if len(userHandle) == 0 || len(credential.ID) == 0 || len(credential.PublicKey) == 0 {
		return fmt.Errorf("%w: user handle and credential are required", core.ErrValidation)
	}

	now := r.now()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO identities (rp_id, identifier, user_handle, created_at)
VALUES ($1, $2, $3, $4) ON CONFLICT (rp_id, identifier) DO NOTHING`, rpID, identifier, userHandle, now); err != nil {
			return fmt.Errorf("insert identity: %w", err)
		}

		var storedHandle []byte
		if err := tx.QueryRow(ctx,
			"SELECT user_handle FROM identities WHERE rp_id = $1 AND identifier = $2 FOR UPDATE", rpID, identifier,
		).Scan(&storedHandle); err != nil {
			return fmt.Errorf("get identity: %w", err)
		}
		if !bytes.Equal(storedHandle, userHandle) {
			return fmt.Errorf("%w: user handle does not match identity", core.ErrValidation)
		}

		_, err := tx.Exec(ctx, `INSERT INTO credentials (rp_id, credential_id, identifier, public_key, sign_count,
    transports, aaguid, attestation_type, user_present, user_verified, backup_eligible, backup_state, flagged,
    created_at, last_used_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, $13, $13)`,
			rpID, credential.ID, identifier, credential.PublicKey, int64(credential.SignCount),
			joinTransports(credential.Transports), credential.AAGUID, credential.AttestationType,
			credential.UserPresent, credential.UserVerified, credential.BackupEligible, credential.BackupState, now)
		return err
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return core.ErrDuplicateCredential
	}
	if err != nil {
		return fmt.Errorf("register credential: %w", err)
	}
	return nil
}

// UpdateCounter is a single compare-and-set statement so concurrent
// assertions with the same counter cannot both succeed.
func (r *PostgresRegistry) UpdateCounter(ctx context.Context, rpID string, credentialID []byte, counter uint32) error {
	tag, err := r.pool.Exec(ctx, `UPDATE credentials SET sign_count = $3, last_used_at = $4
WHERE rp_id = $1 AND credential_id = $2 AND (sign_count < $3 OR (sign_count = 0 AND $3 = 0))`,
		rpID, credentialID, int64(counter), r.now())
	if err != nil {
		return fmt.Errorf("update counter: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM credentials WHERE rp_id = $1 AND credential_id = $2)", rpID, credentialID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	if !exists {
		return core.ErrCredentialNotFound
	}
	return core.ErrReplaySuspected
}

func (r *PostgresRegistry) FlagCredential(ctx context.Context, rpID string, credentialID []byte) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE credentials SET flagged = TRUE WHERE rp_id = $1 AND credential_id = $2", rpID, credentialID)
	if err != nil {
		return fmt.Errorf("flag credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrCredentialNotFound
	}
	return nil
}

func (r *PostgresRegistry) AssignWallet(ctx context.Context, rpID, identifier string, wallet common.Address) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE identities SET wallet_address = $3 WHERE rp_id = $1 AND identifier = $2 AND wallet_address IS NULL",
		rpID, identifier, wallet.Hex())
	if err != nil {
		return fmt.Errorf("assign wallet: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current *string
	err = r.pool.QueryRow(ctx,
		"SELECT wallet_address FROM identities WHERE rp_id = $1 AND identifier = $2", rpID, identifier,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("get wallet: %w", err)
	}
	if current == nil {
		return core.ErrWalletAssigned
	}
	return compareWallet(*current, wallet)
}

func (r *PostgresRegistry) Remove(ctx context.Context, rpID string, credentialID []byte) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var identifier string
		err := tx.QueryRow(ctx,
			"SELECT identifier FROM credentials WHERE rp_id = $1 AND credential_id = $2", rpID, credentialID,
		).Scan(&identifier)
		if errors.Is(err, pgx.ErrNoRows) {
			return core.ErrCredentialNotFound
		}
		if err != nil {
			return fmt.Errorf("find credential: %w", err)
		}

		// Lock the identity row so two concurrent removals cannot both pass the count check.
		if _, err := tx.Exec(ctx,
			"SELECT 1 FROM identities WHERE rp_id = $1 AND identifier = $2 FOR UPDATE", rpID, identifier); err != nil {
			return fmt.Errorf("lock identity: %w", err)
		}

		var count int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(1) FROM credentials WHERE rp_id = $1 AND identifier = $2", rpID, identifier,
		).Scan(&count); err != nil {
			return fmt.Errorf("count credentials: %w", err)
		}
		if count <= 1 {
			return core.ErrLastCredential
		}

		if _, err := tx.Exec(ctx,
			"DELETE FROM credentials WHERE rp_id = $1 AND credential_id = $2", rpID, credentialID); err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
		return nil
	})
}
