package draft

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo-offline/core"
)

const keyPrefix = "drafts:"

var ErrDraftNotFound = errors.New("draft not found")

// Synchronizer owns the draft buffer of one collection.
type Synchronizer[T Entity] struct {
	records    core.RecordGateway
	store      core.Store
	logger     core.Logger
	conf       core.SyncConfig
	collection string

	mu     sync.Mutex
	drafts []*Draft[T]

	sf singleflight.Group
}

func NewSynchronizer[T Entity](
	records core.RecordGateway,
	store core.Store,
	logger core.Logger,
	conf core.SyncConfig,
) *Synchronizer[T] {
	vala.BeginValidation().Validate(
		vala.IsNotNil(records, "records"),
		vala.IsNotNil(store, "store"),
		vala.IsNotNil(logger, "logger"),
	).CheckAndPanic()

	if conf.MaxAttempts < 1 {
		conf.MaxAttempts = 1
	}
	var zero T
	return &Synchronizer[T]{
		records:    records,
		store:      store,
		logger:     logger,
		conf:       conf,
		collection: zero.Collection(),
		drafts:     make([]*Draft[T], 0),
	}
}

func (s *Synchronizer[T]) key() string { return keyPrefix + s.collection }

// Restore reloads the persisted buffer. Drafts interrupted mid-pass come back unsynced.
func (s *Synchronizer[T]) Restore(ctx context.Context) error {
	drafts := make([]*Draft[T], 0)
	ok, err := core.LoadJSON(ctx, s.store, s.key(), &drafts)
	switch {
	case errors.Is(err, core.ErrCorruptPersistedState):
		s.logger.Warn("draft: dropping corrupt buffer", err, map[string]interface{}{"collection": s.collection})
		if rErr := s.store.Remove(ctx, s.key()); rErr != nil {
			s.logger.Error("draft: removing corrupt buffer", rErr)
		}
		return nil
	case err != nil:
		return err
	case !ok:
		return nil
	}

	for _, d := range drafts {
		if d.Status == StatusSyncing {
			d.Status = StatusUnsynced
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = drafts
	return nil
}

// BufferDraft appends an unsynced draft of payload and persists the buffer. It makes no remote call.
func (s *Synchronizer[T]) BufferDraft(ctx context.Context, payload T) (Draft[T], error) {
	now := core.NowFunc()
	d := &Draft[T]{
		ID:        uuid.NewString(),
		Payload:   payload,
		Status:    StatusUnsynced,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, d)
	if err := s.persist(ctx); err != nil {
		s.drafts = s.drafts[:len(s.drafts)-1]
		return Draft[T]{}, err
	}
	return *d, nil
}

// Edit replaces the payload of a draft and marks it unsynced. Its remote id is kept.
func (s *Synchronizer[T]) Edit(ctx context.Context, id string, payload T) (Draft[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.find(id)
	if d == nil {
		return Draft[T]{}, errors.Wrap(ErrDraftNotFound, id)
	}
	prev := *d
	d.Payload = payload
	d.Status = StatusUnsynced
	d.Error = ""
	d.UpdatedAt = core.NowFunc()
	d.rev++
	if err := s.persist(ctx); err != nil {
		*d = prev
		return Draft[T]{}, err
	}
	return *d, nil
}

// Drafts returns a copy of the buffer.
func (s *Synchronizer[T]) Drafts() []Draft[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Draft[T], 0, len(s.drafts))
	for _, d := range s.drafts {
		out = append(out, *d)
	}
	return out
}

// Status counts the buffered drafts per status.
func (s *Synchronizer[T]) Status() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, d := range s.drafts {
		c.add(d.Status)
	}
	return c
}

// SyncAll pushes every draft that is not synced yet to the remote store.
// A call made while a pass is running joins it.
//
// The buffer is cleared only when every draft ends the pass synced; otherwise it is kept
// and a *core.PartialSyncError is returned. An unreachable remote aborts the pass before
// any draft is touched.
//
// The pass does not stop when the caller that started it gives up: a caller whose ctx
// ends returns ctx.Err() while the pass runs to completion for the callers still
// waiting. Remote calls stay bounded by the gateway's timeout.
func (s *Synchronizer[T]) SyncAll(ctx context.Context) error {
	pass := context.WithoutCancel(ctx)
	ch := s.sf.DoChan("sync", func() (interface{}, error) {
		return nil, s.syncAll(pass)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type passItem[T Entity] struct {
	id       string
	payload  T
	remoteID string
	rev      uint64
}

type passResult struct {
	remoteID string
	attempts int
	err      error
}

func (s *Synchronizer[T]) syncAll(ctx context.Context) error {
	if p, ok := s.records.(core.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "probing remote")
		}
	}

	items, inPass, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if len(inPass) == 0 {
		return nil
	}

	results := make([]passResult, len(items))
	for i, it := range items {
		results[i].remoteID, results[i].attempts, results[i].err = s.pushWithRetry(ctx, it)
	}
	return s.end(ctx, items, results, inPass)
}

// begin marks the drafts to push as syncing and returns them, with the ids of every draft of the pass.
func (s *Synchronizer[T]) begin(ctx context.Context) ([]passItem[T], map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inPass := make(map[string]bool, len(s.drafts))
	items := make([]passItem[T], 0, len(s.drafts))
	prev := make(map[string]Status)
	for _, d := range s.drafts {
		inPass[d.ID] = true
		if d.Status == StatusSynced {
			continue
		}
		prev[d.ID] = d.Status
		d.Status = StatusSyncing
		items = append(items, passItem[T]{id: d.ID, payload: d.Payload, remoteID: d.RemoteID, rev: d.rev})
	}
	if len(items) == 0 {
		return items, inPass, nil
	}
	if err := s.persist(ctx); err != nil {
		for _, d := range s.drafts {
			if st, ok := prev[d.ID]; ok {
				d.Status = st
			}
		}
		return nil, nil, err
	}
	return items, inPass, nil
}

func (s *Synchronizer[T]) end(ctx context.Context, items []passItem[T], results []passResult, inPass map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := core.NowFunc()
	var failures []core.SyncFailure
	for i, it := range items {
		res := results[i]
		d := s.find(it.id)
		if d == nil {
			continue
		}
		d.Attempts += res.attempts
		if res.err == nil {
			d.RemoteID = res.remoteID
		}
		if d.rev != it.rev {
			// edited during the pass: the new payload still has to be pushed
			if res.err != nil {
				d.Error = res.err.Error()
			}
			continue
		}
		d.UpdatedAt = now
		if res.err != nil {
			d.Status = StatusFailed
			d.Error = res.err.Error()
			failures = append(failures, core.SyncFailure{
				DraftID:  d.ID,
				RemoteID: d.RemoteID,
				Attempts: res.attempts,
				Err:      res.err,
			})
			continue
		}
		d.Status = StatusSynced
		d.Error = ""
	}

	done := true
	for _, d := range s.drafts {
		if inPass[d.ID] && d.Status != StatusSynced {
			done = false
			break
		}
	}
	if done {
		kept := make([]*Draft[T], 0)
		for _, d := range s.drafts {
			if !inPass[d.ID] {
				kept = append(kept, d)
			}
		}
		s.drafts = kept
	}

	s.logger.Info("draft: sync pass done", map[string]interface{}{
		"collection": s.collection,
		"pushed":     len(items),
		"failed":     len(failures),
		"cleared":    done,
	})
	if err := s.persist(ctx); err != nil {
		s.logger.Error("draft: persisting buffer after sync", err)
		if len(failures) == 0 {
			return err
		}
	}
	if len(failures) > 0 {
		return &core.PartialSyncError{Failures: failures}
	}
	return nil
}

// pushWithRetry retries push on connectivity failures, backing off between attempts.
func (s *Synchronizer[T]) pushWithRetry(ctx context.Context, it passItem[T]) (string, int, error) {
	backoff := s.conf.Backoff
	for attempt := 1; ; attempt++ {
		remoteID, err := s.push(ctx, it)
		if err == nil || !core.IsUnreachable(err) || attempt >= s.conf.MaxAttempts {
			return remoteID, attempt, err
		}
		select {
		case <-ctx.Done():
			return "", attempt, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if s.conf.MaxBackoff > 0 && backoff > s.conf.MaxBackoff {
			backoff = s.conf.MaxBackoff
		}
	}
}

// push updates the remote record of the draft, or inserts it when none matches.
func (s *Synchronizer[T]) push(ctx context.Context, it passItem[T]) (string, error) {
	if it.remoteID != "" {
		err := s.records.Update(ctx, s.collection, it.remoteID, it.payload)
		if err == nil {
			return it.remoteID, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return "", errors.Wrapf(err, "updating %s", it.remoteID)
		}
		s.logger.Warn("draft: remote record gone, inserting again", map[string]interface{}{
			"draft": it.id, "remote_id": it.remoteID,
		})
	}

	if key := it.payload.NaturalKey(); len(key) > 0 {
		recs, err := s.records.QueryByField(ctx, s.collection, key[0].Name, key[0].Value)
		if err != nil {
			return "", errors.Wrap(err, "probing natural key")
		}
		for _, rec := range recs {
			if !rec.Matches(key...) {
				continue
			}
			if err = s.records.Update(ctx, s.collection, rec.ID, it.payload); err != nil {
				return "", errors.Wrapf(err, "updating %s", rec.ID)
			}
			return rec.ID, nil
		}
	}

	rec, err := s.records.Insert(ctx, s.collection, it.payload)
	if err != nil {
		return "", errors.Wrap(err, "inserting")
	}
	return rec.ID, nil
}

func (s *Synchronizer[T]) find(id string) *Draft[T] {
	for _, d := range s.drafts {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// persist mirrors the buffer into the store. Must be called with mu held.
func (s *Synchronizer[T]) persist(ctx context.Context) error {
	if len(s.drafts) == 0 {
		return errors.Wrapf(s.store.Remove(ctx, s.key()), "removing %q", s.key())
	}
	return core.SaveJSON(ctx, s.store, s.key(), s.drafts)
}
