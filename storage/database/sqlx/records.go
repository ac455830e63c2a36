// Package sqlxrepos implements the backend repositories on postgres, with sqlx.
package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
)

const recordColumns = "id, collection, data, created_at, updated_at"

type recordRow struct {
	ID         string    `db:"id"`
	Collection string    `db:"collection"`
	Data       []byte    `db:"data"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (row recordRow) record() core.Record {
	return core.Record{
		ID:        row.ID,
		Data:      json.RawMessage(row.Data),
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
}

type recordRepository struct {
	exec core.DBExecutor
}

var _ records.Repository = (*recordRepository)(nil) // interface compliance check

func NewRecordRepository(exec core.DBExecutor) *recordRepository {
	return &recordRepository{exec: exec}
}

func (repo recordRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	return core.Exec(repo.exec, svcExec)
}

// trapNoRowsErr maps psql "no rows" err to core.ErrNotFound
func trapNoRowsErr(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

// isUUID filters out ids postgres would reject as malformed.
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (repo recordRepository) getOne(ctx context.Context, exec core.DBExecutor, msg, query string, args ...interface{}) (core.Record, error) {
	recs, err := repo.getMany(ctx, exec, msg, query, args...)
	if err != nil {
		return core.Record{}, err
	}
	if len(recs) == 0 {
		return core.Record{}, trapNoRowsErr(sql.ErrNoRows, msg)
	}
	return recs[0], nil
}

func (repo recordRepository) getMany(ctx context.Context, exec core.DBExecutor, msg, query string, args ...interface{}) ([]core.Record, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, msg)
	}
	defer func() { _ = rows.Close() }()

	var scanned []recordRow
	if err = sqlx.StructScan(rows, &scanned); err != nil {
		return nil, errors.Wrap(err, msg)
	}
	recs := make([]core.Record, 0, len(scanned))
	for _, row := range scanned {
		recs = append(recs, row.record())
	}
	return recs, nil
}

func (repo recordRepository) CreateRecord(ctx context.Context, collection string, data json.RawMessage, exec ...core.DBExecutor) (core.Record, error) {
	now := core.NowFunc()
	return repo.getOne(
		ctx, repo.getExec(exec), "inserting record",
		`INSERT INTO records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $4) RETURNING `+recordColumns,
		uuid.New().String(), collection, []byte(data), now,
	)
}

func (repo recordRepository) GetRecordByID(ctx context.Context, collection, id string, exec ...core.DBExecutor) (core.Record, error) {
	if !isUUID(id) {
		return core.Record{}, core.ErrNotFound
	}
	return repo.getOne(
		ctx, repo.getExec(exec), "finding record by ID",
		`SELECT `+recordColumns+` FROM records WHERE collection = $1 AND id = $2`,
		collection, id,
	)
}

func (repo recordRepository) QueryRecords(ctx context.Context, collection, field string, value json.RawMessage, exec ...core.DBExecutor) ([]core.Record, error) {
	if !json.Valid(value) {
		return nil, core.NewValidationError(nil, core.FieldError{Field: "value", Error: "invalid JSON value"})
	}
	return repo.getMany(
		ctx, repo.getExec(exec), "querying records",
		`SELECT `+recordColumns+` FROM records
		WHERE collection = $1 AND data @> jsonb_build_object($2::text, $3::jsonb)
		ORDER BY created_at, id`,
		collection, field, string(value),
	)
}

func (repo recordRepository) QueryAllRecords(ctx context.Context, collection string, exec ...core.DBExecutor) ([]core.Record, error) {
	return repo.getMany(
		ctx, repo.getExec(exec), "querying records",
		`SELECT `+recordColumns+` FROM records WHERE collection = $1 ORDER BY created_at, id`,
		collection,
	)
}

func (repo recordRepository) UpdateRecord(ctx context.Context, collection string, rec core.Record, exec ...core.DBExecutor) (core.Record, error) {
	if !isUUID(rec.ID) {
		return core.Record{}, core.ErrNotFound
	}
	return repo.getOne(
		ctx, repo.getExec(exec), "updating record",
		`UPDATE records SET data = $1, updated_at = $2 WHERE collection = $3 AND id = $4 RETURNING `+recordColumns,
		[]byte(rec.Data), rec.UpdatedAt.UTC(), collection, rec.ID,
	)
}

func (repo recordRepository) DeleteRecord(ctx context.Context, collection, id string, exec ...core.DBExecutor) error {
	if !isUUID(id) {
		return core.ErrNotFound
	}
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM records WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return errors.Wrap(err, "deleting record")
	}
	return checkAffected(res, "deleting record")
}

func checkAffected(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, msg)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}
