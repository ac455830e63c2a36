package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

// Gateway ops
const (
	OpFetch  = "fetch"
	OpInsert = "insert"
	OpUpdate = "update"
	OpQuery  = "query"
	OpDelete = "delete"
)

// Call is a call received by RecordGateway.
type Call struct {
	Op         string
	Collection string
	ID         string
	Payload    json.RawMessage
	Token      string
}

// RecordGateway is an in-memory core.RecordGateway with failure injection.
type RecordGateway struct {
	mu          sync.Mutex
	collections map[string]map[string]core.Record
	nextID      int
	calls       []Call

	fail    func(call Call) error
	pingErr error
}

var (
	_ core.RecordGateway = (*RecordGateway)(nil)
	_ core.Pinger        = (*RecordGateway)(nil)
)

func NewRecordGateway() *RecordGateway {
	return &RecordGateway{collections: make(map[string]map[string]core.Record)}
}

// FailOn returns a SetFail func failing every call to op on collection with err.
func FailOn(op, collection string, err error) func(Call) error {
	return func(c Call) error {
		if c.Op == op && c.Collection == collection {
			return err
		}
		return nil
	}
}

func (g *RecordGateway) record(ctx context.Context, op, collection, id string, payload interface{}) error {
	call := Call{Op: op, Collection: collection, ID: id}
	call.Token, _ = core.AccessTokenFromContext(ctx)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encoding payload")
		}
		call.Payload = data
	}
	g.mu.Lock()
	g.calls = append(g.calls, call)
	fail := g.fail
	g.mu.Unlock()
	if fail != nil {
		return fail(call)
	}
	return nil
}

// SetFail sets the func consulted before every op; a non-nil error is returned instead.
// fn is called without holding the gateway's lock and may block.
func (g *RecordGateway) SetFail(fn func(call Call) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = fn
}

// SetPingErr sets the error returned by Ping.
func (g *RecordGateway) SetPingErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pingErr = err
}

func (g *RecordGateway) Ping(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pingErr
}

func (g *RecordGateway) FetchByID(ctx context.Context, collection, id string) (core.Record, error) {
	if err := g.record(ctx, OpFetch, collection, id, nil); err != nil {
		return core.Record{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.collections[collection][id]
	if !ok {
		return core.Record{}, core.ErrNotFound
	}
	return rec, nil
}

func (g *RecordGateway) Insert(ctx context.Context, collection string, payload interface{}) (core.Record, error) {
	if err := g.record(ctx, OpInsert, collection, "", payload); err != nil {
		return core.Record{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.put(collection, payload)
}

func (g *RecordGateway) put(collection string, payload interface{}) (core.Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return core.Record{}, errors.Wrap(err, "encoding payload")
	}
	g.nextID++
	now := core.NowFunc()
	rec := core.Record{
		ID:        fmt.Sprintf("%s-%03d", collection, g.nextID),
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if g.collections[collection] == nil {
		g.collections[collection] = make(map[string]core.Record)
	}
	g.collections[collection][rec.ID] = rec
	return rec, nil
}

func (g *RecordGateway) Update(ctx context.Context, collection, id string, payload interface{}) error {
	if err := g.record(ctx, OpUpdate, collection, id, payload); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.collections[collection][id]
	if !ok {
		return core.ErrNotFound
	}
	data, err := core.MergeData(rec.Data, payload)
	if err != nil {
		return err
	}
	rec.Data = data
	rec.UpdatedAt = core.NowFunc()
	g.collections[collection][id] = rec
	return nil
}

func (g *RecordGateway) QueryByField(ctx context.Context, collection, field string, value interface{}) ([]core.Record, error) {
	if err := g.record(ctx, OpQuery, collection, "", map[string]interface{}{field: value}); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	recs := make([]core.Record, 0)
	for _, rec := range g.collections[collection] {
		if rec.Matches(core.Field{Name: field, Value: value}) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

func (g *RecordGateway) Delete(ctx context.Context, collection, id string) error {
	if err := g.record(ctx, OpDelete, collection, id, nil); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.collections[collection][id]; !ok {
		return core.ErrNotFound
	}
	delete(g.collections[collection], id)
	return nil
}

// Put seeds a record without recording a call.
func (g *RecordGateway) Put(collection string, data interface{}) core.Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, err := g.put(collection, data)
	if err != nil {
		panic(err)
	}
	return rec
}

// Records returns the records of collection, ordered by id.
func (g *RecordGateway) Records(collection string) []core.Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	recs := make([]core.Record, 0, len(g.collections[collection]))
	for _, rec := range g.collections[collection] {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs
}

// Calls returns the calls received so far, optionally filtered by op.
func (g *RecordGateway) Calls(ops ...string) []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	calls := make([]Call, 0, len(g.calls))
	for _, c := range g.calls {
		if len(ops) == 0 || contains(ops, c.Op) {
			calls = append(calls, c)
		}
	}
	return calls
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
