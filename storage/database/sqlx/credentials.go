package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
)

const uniqueViolation = pq.ErrorCode("23505")

type credentialRow struct {
	AccountID    string     `db:"account_id"`
	Email        string     `db:"email"`
	PasswordHash null.Bytes `db:"password_hash"`
	CreatedAt    null.Time  `db:"created_at"`
	UpdatedAt    null.Time  `db:"updated_at"`
}

func (row credentialRow) credential() records.Credential {
	return records.Credential{
		AccountID:    row.AccountID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash.Bytes,
		CreatedAt:    row.CreatedAt.Time.UTC(),
		UpdatedAt:    row.UpdatedAt.Time.UTC(),
	}
}

type credentialRepository struct {
	exec core.DBExecutor
}

var _ records.CredentialRepository = (*credentialRepository)(nil) // interface compliance check

func NewCredentialRepository(exec core.DBExecutor) *credentialRepository {
	return &credentialRepository{exec: exec}
}

func (repo credentialRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	return core.Exec(repo.exec, svcExec)
}

func (repo credentialRepository) getOne(ctx context.Context, exec core.DBExecutor, msg, where string, arg interface{}) (records.Credential, error) {
	rows, err := exec.QueryContext(
		ctx,
		`SELECT account_id, email, password_hash, created_at, updated_at FROM credentials WHERE `+where,
		arg,
	)
	if err != nil {
		return records.Credential{}, errors.Wrap(err, msg)
	}
	defer func() { _ = rows.Close() }()

	var scanned []credentialRow
	if err = sqlx.StructScan(rows, &scanned); err != nil {
		return records.Credential{}, errors.Wrap(err, msg)
	}
	if len(scanned) == 0 {
		return records.Credential{}, core.ErrNotFound
	}
	return scanned[0].credential(), nil
}

func (repo credentialRepository) CreateCredential(ctx context.Context, cred records.Credential, exec ...core.DBExecutor) error {
	_, err := repo.getExec(exec).ExecContext(
		ctx,
		`INSERT INTO credentials (account_id, email, password_hash, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		cred.AccountID,
		cred.Email,
		null.BytesFrom(cred.PasswordHash),
		null.NewTime(cred.CreatedAt.UTC(), !cred.CreatedAt.IsZero()),
		null.NewTime(cred.UpdatedAt.UTC(), !cred.UpdatedAt.IsZero()),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return records.ErrEmailExists
	}
	return errors.Wrap(err, "inserting credential")
}

func (repo credentialRepository) GetCredentialByEmail(ctx context.Context, email string, exec ...core.DBExecutor) (records.Credential, error) {
	return repo.getOne(ctx, repo.getExec(exec), "finding credential by email", "email = $1", email)
}

func (repo credentialRepository) GetCredentialByAccountID(ctx context.Context, accountID string, exec ...core.DBExecutor) (records.Credential, error) {
	if !isUUID(accountID) {
		return records.Credential{}, core.ErrNotFound
	}
	return repo.getOne(ctx, repo.getExec(exec), "finding credential by account ID", "account_id = $1", accountID)
}

func (repo credentialRepository) UpdateCredential(ctx context.Context, cred records.Credential, exec ...core.DBExecutor) error {
	if !isUUID(cred.AccountID) {
		return core.ErrNotFound
	}
	res, err := repo.getExec(exec).ExecContext(
		ctx,
		`UPDATE credentials SET password_hash = $1, updated_at = $2 WHERE account_id = $3`,
		null.BytesFrom(cred.PasswordHash), cred.UpdatedAt.UTC(), cred.AccountID,
	)
	if err != nil {
		return errors.Wrap(err, "updating credential")
	}
	return checkAffected(res, "updating credential")
}

func (repo credentialRepository) DeleteCredential(ctx context.Context, accountID string, exec ...core.DBExecutor) error {
	if !isUUID(accountID) {
		return core.ErrNotFound
	}
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM credentials WHERE account_id = $1`, accountID)
	if err != nil {
		return errors.Wrap(err, "deleting credential")
	}
	return checkAffected(res, "deleting credential")
}

type tokenRepository struct {
	exec core.DBExecutor
}

var _ records.TokenRepository = (*tokenRepository)(nil) // interface compliance check

func NewTokenRepository(exec core.DBExecutor) *tokenRepository {
	return &tokenRepository{exec: exec}
}

func (repo tokenRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	return core.Exec(repo.exec, svcExec)
}

func (repo tokenRepository) RevokeToken(ctx context.Context, id string, expiresAt time.Time, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(
		ctx,
		`INSERT INTO revoked_tokens (id, expires_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, expiresAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "revoking token")
	}
	if err = checkAffected(res, "revoking token"); errors.Is(err, core.ErrNotFound) {
		return records.ErrTokenRevoked
	}
	return err
}

func (repo tokenRepository) IsTokenRevoked(ctx context.Context, id string, exec ...core.DBExecutor) (bool, error) {
	var revoked bool
	err := repo.getExec(exec).
		QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE id = $1)`, id).
		Scan(&revoked)
	return revoked, errors.Wrap(err, "checking revoked token")
}

func (repo tokenRepository) PurgeExpiredTokens(ctx context.Context, now time.Time, exec ...core.DBExecutor) (int64, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "purging expired tokens")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "purging expired tokens")
}
