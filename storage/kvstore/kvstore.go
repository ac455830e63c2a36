// Package kvstore opens the client's persisted store selected by configuration.
package kvstore

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	inmemkv "github.com/trezcool/masomo-offline/storage/kvstore/inmem"
	rediskv "github.com/trezcool/masomo-offline/storage/kvstore/redis"
	sqlitekv "github.com/trezcool/masomo-offline/storage/kvstore/sqlite"
)

// Drivers
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type Store interface {
	core.Store
	io.Closer
}

var (
	_ Store = (*inmemkv.Store)(nil)
	_ Store = (*rediskv.Store)(nil)
	_ Store = (*sqlitekv.Store)(nil)
)

func Open(ctx context.Context, conf core.StoreConfig) (Store, error) {
	switch conf.Driver {
	case DriverSQLite, "":
		s, err := sqlitekv.Open(conf.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		s, err := rediskv.Open(ctx, conf.RedisAddr, conf.RedisPassword, conf.RedisDB, conf.KeyPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return inmemkv.NewStore(), nil
	}
	return nil, errors.Errorf("unknown store driver %q", conf.Driver)
}
