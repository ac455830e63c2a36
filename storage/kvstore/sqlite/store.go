package sqlitekv

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // driver
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

var errClosed = errors.New("store closed")

// Store is a durable key/value store over a sqlite file.
// Writes go through a single writer goroutine; reads are concurrent.
type Store struct {
	db       *sqlx.DB
	writes   chan writeOperation
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sqlx.DB) error
	result    chan error
}

var _ core.Store = (*Store)(nil)

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}

	s := &Store{
		db:       db,
		writes:   make(chan writeOperation),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			op.result <- op.operation(op.ctx, s.db)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sqlx.DB) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errClosed
	}

	result := make(chan error, 1)
	select {
	case s.writes <- writeOperation{ctx: ctx, operation: operation, result: result}:
		return <-result
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return errClosed
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "selecting %q", key)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(
			ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, core.NowFunc(),
		)
		return errors.Wrapf(err, "upserting %q", key)
	})
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return errors.Wrapf(err, "deleting %q", key)
	})
}

// Close stops the writer and closes the database. An in-flight write completes first.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}
