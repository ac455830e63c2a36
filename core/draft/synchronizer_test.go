package draft

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/course"
	testutil "github.com/trezcool/masomo-offline/tests"
)

const owner = "users-900"

var errTimeout = errors.New("i/o timeout")

type fixture struct {
	sync   *Synchronizer[course.Course]
	recs   *testutil.RecordGateway
	store  *testutil.Store
	logger *testutil.Logger
}

func newFixture() *fixture {
	f := &fixture{
		recs:   testutil.NewRecordGateway(),
		store:  testutil.NewStore(),
		logger: testutil.NewLogger(),
	}
	f.sync = f.newSynchronizer()
	return f
}

func (f *fixture) newSynchronizer() *Synchronizer[course.Course] {
	conf := core.SyncConfig{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	return NewSynchronizer[course.Course](f.recs, f.store, f.logger, conf)
}

func (f *fixture) buffer(t *testing.T, title string) Draft[course.Course] {
	t.Helper()
	d, err := f.sync.BufferDraft(context.Background(), testutil.NewCourse(title, owner))
	if err != nil {
		t.Fatalf("BufferDraft(%s) error = %v", title, err)
	}
	return d
}

func (f *fixture) draft(t *testing.T, id string) Draft[course.Course] {
	t.Helper()
	for _, d := range f.sync.Drafts() {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("draft %s not buffered", id)
	return Draft[course.Course]{}
}

func (f *fixture) persisted(t *testing.T) []Draft[course.Course] {
	t.Helper()
	var drafts []Draft[course.Course]
	if _, err := core.LoadJSON(context.Background(), f.store, keyPrefix+core.CollectionCourses, &drafts); err != nil {
		t.Fatalf("LoadJSON() error = %v", err)
	}
	return drafts
}

func titleOf(c testutil.Call) string {
	var crs course.Course
	_ = json.Unmarshal(c.Payload, &crs)
	return crs.Title
}

// failTitle fails op calls carrying a course titled title with err.
func failTitle(op, title string, err error) func(testutil.Call) error {
	return func(c testutil.Call) error {
		if c.Op == op && titleOf(c) == title {
			return err
		}
		return nil
	}
}

func remoteTitles(t *testing.T, recs *testutil.RecordGateway) map[string]int {
	t.Helper()
	titles := make(map[string]int)
	for _, rec := range recs.Records(core.CollectionCourses) {
		var crs course.Course
		if err := rec.Decode(&crs); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		titles[crs.Title]++
	}
	return titles
}

func TestSynchronizer_BufferDraft(t *testing.T) {
	f := newFixture()
	d := f.buffer(t, "Algebra")

	if d.ID == "" || d.Status != StatusUnsynced || d.RemoteID != "" {
		t.Errorf("BufferDraft() = %+v", d)
	}
	if calls := f.recs.Calls(); len(calls) != 0 {
		t.Errorf("remote calls = %v, want none", calls)
	}
	if got := f.persisted(t); len(got) != 1 || got[0].ID != d.ID {
		t.Errorf("persisted = %+v", got)
	}
	if got := f.sync.Status(); got != (Counts{Unsynced: 1}) {
		t.Errorf("Status() = %+v", got)
	}

	f.store.SetErr(errors.New("disk full"))
	if _, err := f.sync.BufferDraft(context.Background(), testutil.NewCourse("Biology", owner)); err == nil {
		t.Error("BufferDraft() error = nil, want the store error")
	}
	if got := f.sync.Status().Total(); got != 1 {
		t.Errorf("buffered = %d after a failed write, want 1", got)
	}
}

func TestSynchronizer_PartialFailureKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d1 := f.buffer(t, "D1")
	d2 := f.buffer(t, "D2")
	f.recs.SetFail(failTitle(testutil.OpInsert, "D2", core.NewUnreachableError(errTimeout)))

	err := f.sync.SyncAll(ctx)
	var partial *core.PartialSyncError
	if !errors.As(err, &partial) {
		t.Fatalf("SyncAll() error = %v, want *PartialSyncError", err)
	}
	if len(partial.Failures) != 1 || partial.Failures[0].DraftID != d2.ID || partial.Failures[0].Attempts != 3 {
		t.Errorf("failures = %+v", partial.Failures)
	}
	if !core.IsUnreachable(err) {
		t.Errorf("SyncAll() error = %v, want it to wrap ErrUnreachable", err)
	}
	if partial.Report() == "" {
		t.Error("Report() is empty")
	}

	if got := f.sync.Status(); got != (Counts{Synced: 1, Failed: 1}) {
		t.Errorf("Status() = %+v, want {synced:1 failed:1}", got)
	}
	if got := f.draft(t, d1.ID); got.Status != StatusSynced || got.RemoteID == "" {
		t.Errorf("D1 = %+v", got)
	}
	if got := f.draft(t, d2.ID); got.Status != StatusFailed || got.Error == "" {
		t.Errorf("D2 = %+v", got)
	}
	if got := f.persisted(t); len(got) != 2 {
		t.Errorf("persisted %d drafts, want 2", len(got))
	}

	f.recs.SetFail(nil)
	if err = f.sync.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if got := f.sync.Status().Total(); got != 0 {
		t.Errorf("buffered = %d, want 0", got)
	}
	if f.store.Has(t, keyPrefix+core.CollectionCourses) {
		t.Error("persisted buffer not cleared")
	}
	if got := remoteTitles(t, f.recs); got["D1"] != 1 || got["D2"] != 1 || len(got) != 2 {
		t.Errorf("remote = %v, want D1 and D2 once", got)
	}
	pushed := 0
	for _, c := range f.recs.Calls(testutil.OpInsert, testutil.OpUpdate) {
		if titleOf(c) == "D1" {
			pushed++
		}
	}
	if pushed != 1 {
		t.Errorf("D1 pushed %d times, want 1", pushed)
	}
}

func TestSynchronizer_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.buffer(t, "Algebra")
	f.buffer(t, "Biology")
	before, _, _ := f.store.Get(ctx, keyPrefix+core.CollectionCourses)

	if err := f.sync.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}

	// the clear of the buffer is lost: the same drafts come back without remote ids
	if err := f.store.Set(ctx, keyPrefix+core.CollectionCourses, before); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	replay := f.newSynchronizer()
	if err := replay.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := replay.Status(); got != (Counts{Unsynced: 2}) {
		t.Fatalf("Status() = %+v", got)
	}
	if err := replay.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}

	if got := remoteTitles(t, f.recs); got["Algebra"] != 1 || got["Biology"] != 1 || len(got) != 2 {
		t.Errorf("remote = %v, want each course once", got)
	}
	if n := len(f.recs.Calls(testutil.OpInsert)); n != 2 {
		t.Errorf("inserts = %d, want 2", n)
	}
}

func TestSynchronizer_NaturalKeyIsPerOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.recs.Put(core.CollectionCourses, testutil.NewCourse("Algebra", "users-901"))
	f.buffer(t, "Algebra")

	if err := f.sync.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if got := remoteTitles(t, f.recs); got["Algebra"] != 2 {
		t.Errorf("remote = %v, want the course of each owner", got)
	}
}

func TestSynchronizer_UpdateByRemoteID(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d1 := f.buffer(t, "D1")
	f.buffer(t, "D2")
	f.recs.SetFail(failTitle(testutil.OpInsert, "D2", errors.New("bad request")))
	if err := f.sync.SyncAll(ctx); err == nil {
		t.Fatal("SyncAll() error = nil, want partial failure")
	}
	remoteID := f.draft(t, d1.ID).RemoteID

	edited := testutil.NewCourse("D1", owner)
	edited.Description = "Edited offline"
	d, err := f.sync.Edit(ctx, d1.ID, edited)
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if d.Status != StatusUnsynced || d.RemoteID != remoteID {
		t.Errorf("Edit() = %+v", d)
	}

	f.recs.SetFail(nil)
	if err = f.sync.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	updates := f.recs.Calls(testutil.OpUpdate)
	if len(updates) != 1 || updates[0].ID != remoteID {
		t.Fatalf("updates = %+v, want one on %s", updates, remoteID)
	}
	rec, err := f.recs.FetchByID(ctx, core.CollectionCourses, remoteID)
	if err != nil {
		t.Fatalf("FetchByID() error = %v", err)
	}
	if !rec.Matches(core.Field{Name: "description", Value: "Edited offline"}) {
		t.Errorf("remote record = %s", rec.Data)
	}
	if got := remoteTitles(t, f.recs); got["D1"] != 1 {
		t.Errorf("remote = %v, want D1 once", got)
	}
}

func TestSynchronizer_RemoteRecordDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d1 := f.buffer(t, "D1")
	f.buffer(t, "D2")
	f.recs.SetFail(failTitle(testutil.OpInsert, "D2", errors.New("bad request")))
	_ = f.sync.SyncAll(ctx)
	remoteID := f.draft(t, d1.ID).RemoteID
	if _, err := f.sync.Edit(ctx, d1.ID, testutil.NewCourse("D1", owner)); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if err := f.recs.Delete(ctx, core.CollectionCourses, remoteID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	f.recs.SetFail(nil)
	if err := f.sync.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if got := remoteTitles(t, f.recs); got["D1"] != 1 || got["D2"] != 1 {
		t.Errorf("remote = %v", got)
	}
	if len(f.logger.Entries("warn")) == 0 {
		t.Error("re-insert not logged")
	}
}

func TestSynchronizer_Unreachable(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.buffer(t, "D1")
	f.recs.SetPingErr(core.NewUnreachableError(errTimeout))
	sets := f.store.Sets(keyPrefix + core.CollectionCourses)

	err := f.sync.SyncAll(ctx)
	if !core.IsUnreachable(err) {
		t.Fatalf("SyncAll() error = %v, want unreachable", err)
	}
	var partial *core.PartialSyncError
	if errors.As(err, &partial) {
		t.Error("SyncAll() returned a partial failure for an unreachable remote")
	}
	if calls := f.recs.Calls(); len(calls) != 0 {
		t.Errorf("remote calls = %v, want none", calls)
	}
	if got := f.sync.Status(); got != (Counts{Unsynced: 1}) {
		t.Errorf("Status() = %+v", got)
	}
	if got := f.store.Sets(keyPrefix + core.CollectionCourses); got != sets {
		t.Errorf("buffer written %d times, want untouched", got-sets)
	}
}

func TestSynchronizer_Retry(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		failures     int
		wantStatus   Status
		wantAttempts int
	}{
		{"transient", core.NewUnreachableError(errTimeout), 2, StatusSynced, 3},
		{"persistent", core.NewUnreachableError(errTimeout), 5, StatusFailed, 3},
		{"not retried", errors.New("bad request"), 5, StatusFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			d := f.buffer(t, "D1")
			var mu sync.Mutex
			n := 0
			f.recs.SetFail(func(c testutil.Call) error {
				if c.Op != testutil.OpInsert {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				n++
				if n <= tt.failures {
					return tt.err
				}
				return nil
			})

			_ = f.sync.SyncAll(context.Background())
			if tt.wantStatus == StatusSynced {
				if got := f.sync.Status().Total(); got != 0 {
					t.Errorf("buffered = %d, want 0", got)
				}
				return
			}
			got := f.draft(t, d.ID)
			if got.Status != tt.wantStatus || got.Attempts != tt.wantAttempts {
				t.Errorf("draft = %s after %d attempts, want %s after %d", got.Status, got.Attempts, tt.wantStatus, tt.wantAttempts)
			}
		})
	}
}

// blockInserts blocks every insert until release is closed; started receives one value per insert.
func blockInserts(f *fixture) (started chan string, release chan struct{}) {
	started, release = make(chan string, 8), make(chan struct{})
	f.recs.SetFail(func(c testutil.Call) error {
		if c.Op == testutil.OpInsert {
			started <- titleOf(c)
			<-release
		}
		return nil
	})
	return started, release
}

func TestSynchronizer_ConcurrentSyncAllJoins(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.buffer(t, "D1")
	started, release := blockInserts(f)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = f.sync.SyncAll(ctx)
	}()
	<-started
	for i := 1; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.sync.SyncAll(ctx)
		}(i)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("SyncAll() #%d error = %v", i, err)
		}
	}
	if n := len(f.recs.Calls(testutil.OpInsert)); n != 1 {
		t.Errorf("inserts = %d, want 1", n)
	}
}

func TestSynchronizer_JoinedCallOutlivesCanceledStarter(t *testing.T) {
	f := newFixture()
	f.buffer(t, "D1")
	started, release := blockInserts(f)

	starterCtx, cancel := context.WithCancel(context.Background())
	starter := make(chan error, 1)
	go func() { starter <- f.sync.SyncAll(starterCtx) }()
	<-started

	joined := make(chan error, 1)
	go func() { joined <- f.sync.SyncAll(context.Background()) }()
	time.Sleep(20 * time.Millisecond) // let the second call join the pass

	cancel()
	if err := <-starter; !errors.Is(err, context.Canceled) {
		t.Errorf("SyncAll(canceled) error = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-joined; err != nil {
		t.Errorf("SyncAll(joined) error = %v", err)
	}
	if n := len(f.recs.Calls(testutil.OpInsert)); n != 1 {
		t.Errorf("inserts = %d, want 1", n)
	}
	if c := f.sync.Status(); c.Total() != 0 {
		t.Errorf("Status() = %+v, want an empty buffer", c)
	}
}

func TestSynchronizer_EditDuringPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d1 := f.buffer(t, "D1")
	started, release := blockInserts(f)

	done := make(chan error)
	go func() { done <- f.sync.SyncAll(ctx) }()
	<-started
	edited := testutil.NewCourse("D1", owner)
	edited.Description = "Edited during sync"
	if _, err := f.sync.Edit(ctx, d1.ID, edited); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	late := f.buffer(t, "Late")
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}

	got := f.draft(t, d1.ID)
	if got.Status != StatusUnsynced || got.RemoteID == "" || got.Payload.Description != "Edited during sync" {
		t.Errorf("edited draft = %+v", got)
	}
	if got := f.draft(t, late.ID); got.Status != StatusUnsynced {
		t.Errorf("late draft = %+v", got)
	}

	f.recs.SetFail(nil)
	if err := f.sync.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if got := f.sync.Status().Total(); got != 0 {
		t.Errorf("buffered = %d, want 0", got)
	}
	if got := remoteTitles(t, f.recs); got["D1"] != 1 || got["Late"] != 1 {
		t.Errorf("remote = %v", got)
	}
}

func TestSynchronizer_DraftBufferedDuringPassIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.buffer(t, "D1")
	started, release := blockInserts(f)

	done := make(chan error)
	go func() { done <- f.sync.SyncAll(ctx) }()
	<-started
	late := f.buffer(t, "Late")
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}

	drafts := f.sync.Drafts()
	if len(drafts) != 1 || drafts[0].ID != late.ID || drafts[0].Status != StatusUnsynced {
		t.Errorf("Drafts() = %+v, want only the late draft", drafts)
	}
	if got := f.persisted(t); len(got) != 1 || got[0].ID != late.ID {
		t.Errorf("persisted = %+v", got)
	}
}

func TestSynchronizer_Restore(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d1 := f.buffer(t, "D1")
	started, release := blockInserts(f)

	done := make(chan error)
	go func() { done <- f.sync.SyncAll(ctx) }()
	<-started
	if got := f.persisted(t); len(got) != 1 || got[0].Status != StatusSyncing {
		t.Fatalf("persisted mid-pass = %+v", got)
	}

	// restart mid-pass
	restored := f.newSynchronizer()
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	drafts := restored.Drafts()
	if len(drafts) != 1 || drafts[0].ID != d1.ID || drafts[0].Status != StatusUnsynced {
		t.Errorf("Drafts() = %+v", drafts)
	}
	close(release)
	<-done

	f.store.Corrupt(t, keyPrefix+core.CollectionCourses)
	corrupt := f.newSynchronizer()
	if err := corrupt.Restore(ctx); err != nil {
		t.Fatalf("Restore(corrupt) error = %v", err)
	}
	if got := corrupt.Status().Total(); got != 0 {
		t.Errorf("buffered = %d, want 0", got)
	}
	if f.store.Has(t, keyPrefix+core.CollectionCourses) {
		t.Error("corrupt buffer not removed")
	}
}

func TestSynchronizer_EditUnknownDraft(t *testing.T) {
	f := newFixture()
	if _, err := f.sync.Edit(context.Background(), "nope", testutil.NewCourse("D1", owner)); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("Edit() error = %v, want ErrDraftNotFound", err)
	}
}
