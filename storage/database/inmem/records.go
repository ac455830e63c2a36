package inmemdb

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
)

type recordRepository struct {
	db *recordTable
}

var _ records.Repository = (*recordRepository)(nil)

func NewRecordRepository(db *DB) records.Repository {
	return &recordRepository{db: db.records}
}

func (repo *recordRepository) query(collection string, match func(core.Record) bool) []core.Record {
	recs := make([]core.Record, 0, len(repo.db.t[collection]))
	for _, rec := range repo.db.t[collection] {
		if match == nil || match(rec) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs
}

func (repo *recordRepository) CreateRecord(_ context.Context, collection string, data json.RawMessage, _ ...core.DBExecutor) (core.Record, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	now := core.NowFunc()
	rec := core.Record{
		ID:        uuid.New().String(),
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if repo.db.t[collection] == nil {
		repo.db.t[collection] = make(map[string]core.Record)
	}
	repo.db.t[collection][rec.ID] = rec
	return rec, nil
}

func (repo *recordRepository) GetRecordByID(_ context.Context, collection, id string, _ ...core.DBExecutor) (core.Record, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if rec, ok := repo.db.t[collection][id]; ok {
		return rec, nil
	}
	return core.Record{}, core.ErrNotFound
}

func (repo *recordRepository) QueryRecords(_ context.Context, collection, field string, value json.RawMessage, _ ...core.DBExecutor) ([]core.Record, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var v interface{}
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, core.NewValidationError(err, core.FieldError{Field: "value", Error: "invalid JSON value"})
	}
	fld := core.Field{Name: field, Value: v}
	return repo.query(collection, func(rec core.Record) bool { return rec.Matches(fld) }), nil
}

func (repo *recordRepository) QueryAllRecords(_ context.Context, collection string, _ ...core.DBExecutor) ([]core.Record, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return repo.query(collection, nil), nil
}

func (repo *recordRepository) UpdateRecord(_ context.Context, collection string, rec core.Record, _ ...core.DBExecutor) (core.Record, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	prev, ok := repo.db.t[collection][rec.ID]
	if !ok {
		return core.Record{}, core.ErrNotFound
	}
	prev.Data = append(json.RawMessage(nil), rec.Data...)
	prev.UpdatedAt = rec.UpdatedAt
	repo.db.t[collection][rec.ID] = prev
	return prev, nil
}

func (repo *recordRepository) DeleteRecord(_ context.Context, collection, id string, _ ...core.DBExecutor) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.t[collection][id]; !ok {
		return core.ErrNotFound
	}
	delete(repo.db.t[collection], id)
	return nil
}

type credentialRepository struct {
	db *credentialTable
}

var _ records.CredentialRepository = (*credentialRepository)(nil)

func NewCredentialRepository(db *DB) records.CredentialRepository {
	return &credentialRepository{db: db.credentials}
}

func (repo *credentialRepository) CreateCredential(_ context.Context, cred records.Credential, _ ...core.DBExecutor) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, c := range repo.db.t {
		if c.Email == cred.Email {
			return records.ErrEmailExists
		}
	}
	repo.db.t[cred.AccountID] = cred
	return nil
}

func (repo *credentialRepository) GetCredentialByEmail(_ context.Context, email string, _ ...core.DBExecutor) (records.Credential, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, c := range repo.db.t {
		if c.Email == email {
			return c, nil
		}
	}
	return records.Credential{}, core.ErrNotFound
}

func (repo *credentialRepository) GetCredentialByAccountID(_ context.Context, accountID string, _ ...core.DBExecutor) (records.Credential, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if c, ok := repo.db.t[accountID]; ok {
		return c, nil
	}
	return records.Credential{}, core.ErrNotFound
}

func (repo *credentialRepository) UpdateCredential(_ context.Context, cred records.Credential, _ ...core.DBExecutor) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.t[cred.AccountID]; !ok {
		return core.ErrNotFound
	}
	repo.db.t[cred.AccountID] = cred
	return nil
}

func (repo *credentialRepository) DeleteCredential(_ context.Context, accountID string, _ ...core.DBExecutor) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.t[accountID]; !ok {
		return core.ErrNotFound
	}
	delete(repo.db.t, accountID)
	return nil
}

type tokenRepository struct {
	db *tokenTable
}

var _ records.TokenRepository = (*tokenRepository)(nil)

func NewTokenRepository(db *DB) records.TokenRepository {
	return &tokenRepository{db: db.tokens}
}

func (repo *tokenRepository) RevokeToken(_ context.Context, id string, expiresAt time.Time, _ ...core.DBExecutor) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.t[id]; ok {
		return records.ErrTokenRevoked
	}
	repo.db.t[id] = expiresAt
	return nil
}

func (repo *tokenRepository) IsTokenRevoked(_ context.Context, id string, _ ...core.DBExecutor) (bool, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	_, ok := repo.db.t[id]
	return ok, nil
}

func (repo *tokenRepository) PurgeExpiredTokens(_ context.Context, now time.Time, _ ...core.DBExecutor) (int64, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	var n int64
	for id, exp := range repo.db.t {
		if !exp.After(now) {
			delete(repo.db.t, id)
			n++
		}
	}
	return n, nil
}
