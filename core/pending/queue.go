// Package pending mirrors the accounts awaiting approval.
package pending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/user"
)

const keyPending = "pending:users"

// Queue keeps the set of accounts awaiting approval, mirrored into the store for offline reads.
// The mirror is a cache: the remote users collection is the source of truth.
type Queue struct {
	records core.RecordGateway
	store   core.Store
	logger  core.Logger

	mu      sync.RWMutex
	set     []user.PendingRecord
	rev     uint64
	removed map[string]uint64 // id: rev of its approval/rejection
	seq     uint64

	mirrorMu  sync.Mutex
	mirrorSeq uint64
}

func NewQueue(records core.RecordGateway, store core.Store, logger core.Logger) *Queue {
	vala.BeginValidation().Validate(
		vala.IsNotNil(records, "records"),
		vala.IsNotNil(store, "store"),
		vala.IsNotNil(logger, "logger"),
	).CheckAndPanic()

	return &Queue{
		records: records,
		store:   store,
		logger:  logger,
		set:     make([]user.PendingRecord, 0),
		removed: make(map[string]uint64),
	}
}

// Restore seeds the in-memory set from the mirror. A corrupt mirror is dropped.
func (q *Queue) Restore(ctx context.Context) error {
	set := make([]user.PendingRecord, 0)
	ok, err := core.LoadJSON(ctx, q.store, keyPending, &set)
	switch {
	case errors.Is(err, core.ErrCorruptPersistedState):
		q.logger.Warn("pending: dropping corrupt mirror", err)
		if rErr := q.store.Remove(ctx, keyPending); rErr != nil {
			q.logger.Error("pending: removing corrupt mirror", rErr)
		}
		return nil
	case err != nil:
		return err
	case !ok:
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.set = set
	return nil
}

// Load fetches the unapproved accounts and replaces the set with them.
// On failure the previous set is kept and returned along with the error.
func (q *Queue) Load(ctx context.Context) ([]user.PendingRecord, error) {
	q.mu.RLock()
	startRev := q.rev
	q.mu.RUnlock()

	recs, err := q.records.QueryByField(ctx, core.CollectionUsers, "is_approved", false)
	if err != nil {
		q.logger.Warn("pending: loading pending accounts failed", err)
		return q.List(), errors.Wrap(err, "querying pending accounts")
	}

	set := make([]user.PendingRecord, 0, len(recs))
	for _, rec := range recs {
		acc, err := user.AccountFromRecord(rec)
		if err != nil {
			q.logger.Warn("pending: skipping undecodable account", err, map[string]interface{}{"id": rec.ID})
			continue
		}
		if acc.IsApproved {
			continue
		}
		set = append(set, user.PendingFromAccount(rec, acc))
	}
	sort.SliceStable(set, func(i, j int) bool {
		if set[i].CreatedAt.Equal(set[j].CreatedAt) {
			return set[i].ID < set[j].ID
		}
		return set[i].CreatedAt.Before(set[j].CreatedAt)
	})

	q.mu.Lock()
	// drop what was approved or rejected while querying
	filtered := set[:0]
	for _, pr := range set {
		if rev, ok := q.removed[pr.ID]; !ok || rev <= startRev {
			filtered = append(filtered, pr)
		}
	}
	for id, rev := range q.removed {
		if rev <= startRev {
			delete(q.removed, id)
		}
	}
	q.set = filtered
	out, seq := q.list(), q.nextSeq()
	q.mu.Unlock()

	q.mirror(ctx, out, seq)
	return out, nil
}

// List returns the current set. It never does I/O.
func (q *Queue) List() []user.PendingRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.list()
}

func (q *Queue) list() []user.PendingRecord {
	out := make([]user.PendingRecord, len(q.set))
	copy(out, q.set)
	return out
}

// Approve flips the approval flag of the account on the remote store.
func (q *Queue) Approve(ctx context.Context, id string) error {
	err := q.records.Update(ctx, core.CollectionUsers, id, map[string]interface{}{"is_approved": true})
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(err, "approving %s", id)
	}
	q.drop(ctx, id)
	return err
}

// Reject deletes the account from the remote store. Rejecting a deleted account is a no-op.
func (q *Queue) Reject(ctx context.Context, id string) error {
	err := q.records.Delete(ctx, core.CollectionUsers, id)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(err, "rejecting %s", id)
	}
	q.drop(ctx, id)
	return nil
}

func (q *Queue) drop(ctx context.Context, id string) {
	q.mu.Lock()
	q.rev++
	q.removed[id] = q.rev
	filtered := make([]user.PendingRecord, 0, len(q.set))
	for _, pr := range q.set {
		if pr.ID != id {
			filtered = append(filtered, pr)
		}
	}
	q.set = filtered
	out, seq := q.list(), q.nextSeq()
	q.mu.Unlock()

	q.mirror(ctx, out, seq)
}

// nextSeq orders mirror writes. Must be called with mu held.
func (q *Queue) nextSeq() uint64 {
	q.seq++
	return q.seq
}

// mirror writes set unless a newer set was already written.
func (q *Queue) mirror(ctx context.Context, set []user.PendingRecord, seq uint64) {
	q.mirrorMu.Lock()
	defer q.mirrorMu.Unlock()
	if seq < q.mirrorSeq {
		return
	}
	q.mirrorSeq = seq
	if err := core.SaveJSON(ctx, q.store, keyPending, set); err != nil {
		q.logger.Error("pending: mirroring pending accounts", err)
	}
}

// Poll loads the set every interval until ctx is done.
func (q *Queue) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, _ = q.Load(ctx) // failures are logged; the previous set stays available
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
