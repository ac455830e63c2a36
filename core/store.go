package core

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Store is a durable key/value persistence layer for JSON blobs.
// Each manager owns a disjoint key namespace.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// LoadJSON decodes the value stored under key into v.
// A value that fails to decode is reported as ErrCorruptPersistedState; callers treat it as absent.
func LoadJSON(ctx context.Context, s Store, key string, v interface{}) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "reading %q", key)
	}
	if !ok {
		return false, nil
	}
	if err = json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(ErrCorruptPersistedState, "decoding %q: %v", key, err)
	}
	return true, nil
}

func SaveJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %q", key)
	}
	return errors.Wrapf(s.Set(ctx, key, data), "writing %q", key)
}
