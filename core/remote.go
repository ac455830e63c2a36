package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Collections
const (
	CollectionUsers   = "users"
	CollectionCourses = "courses"
)

type (
	// Record is a remote document of a collection.
	Record struct {
		ID        string          `json:"id"`
		Data      json.RawMessage `json:"data"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	// RecordGateway is the remote record CRUD of the backend.
	RecordGateway interface {
		FetchByID(ctx context.Context, collection, id string) (Record, error)
		Insert(ctx context.Context, collection string, payload interface{}) (Record, error)
		// Update merges the top-level fields of payload into the record's data.
		Update(ctx context.Context, collection, id string, payload interface{}) error
		QueryByField(ctx context.Context, collection, field string, value interface{}) ([]Record, error)
		Delete(ctx context.Context, collection, id string) error
	}

	// Pinger is implemented by gateways able to probe the backend's reachability.
	Pinger interface {
		Ping(ctx context.Context) error
	}

	// TokenSource hands out a valid access token for authenticated remote calls.
	TokenSource interface {
		AccessToken(ctx context.Context) (string, error)
	}

	// Field is a named value of a record's data.
	Field struct {
		Name  string
		Value interface{}
	}
)

// Matches reports whether the record's data holds every field.
// Values are compared on their JSON representation.
func (r Record) Matches(flds ...Field) bool {
	data := make(map[string]json.RawMessage)
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return false
	}
	for _, f := range flds {
		want, err := json.Marshal(f.Value)
		if err != nil {
			return false
		}
		got, ok := data[f.Name]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b []byte) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return string(ja) == string(jb)
}

// Decode unmarshals the record's data into v.
func (r Record) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return errors.New("empty record data")
	}
	return errors.Wrap(json.Unmarshal(r.Data, v), "decoding record data")
}

// Fields returns the record's data as a generic map.
func (r Record) Fields() (map[string]interface{}, error) {
	flds := make(map[string]interface{})
	if err := r.Decode(&flds); err != nil {
		return nil, err
	}
	return flds, nil
}

type ctxKey int

const accessTokenKey ctxKey = iota

// ContextWithAccessToken pins the credential used by gateways for calls made with ctx.
func ContextWithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey, token)
}

func AccessTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(accessTokenKey).(string)
	return token, ok && token != ""
}

// MergeData merges the top-level fields of payload into data.
func MergeData(data json.RawMessage, payload interface{}) (json.RawMessage, error) {
	flds := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &flds); err != nil {
			return nil, errors.Wrap(err, "decoding record data")
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding payload")
	}
	upd := make(map[string]json.RawMessage)
	if err = json.Unmarshal(raw, &upd); err != nil {
		return nil, errors.Wrap(err, "decoding payload")
	}
	for k, v := range upd {
		flds[k] = v
	}
	merged, err := json.Marshal(flds)
	return merged, errors.Wrap(err, "encoding record data")
}
