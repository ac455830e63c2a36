package inmemdb

import (
	"sync"
	"time"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
)

type (
	// DB is an in-memory backend database. The zero value is not usable, see Open.
	DB struct {
		records     *recordTable
		credentials *credentialTable
		tokens      *tokenTable
	}

	recordTable struct {
		t     map[string]map[string]core.Record // collection: id: record
		mutex sync.RWMutex
	}

	credentialTable struct {
		t     map[string]records.Credential // account id: credential
		mutex sync.RWMutex
	}

	tokenTable struct {
		t     map[string]time.Time // id: expiry
		mutex sync.RWMutex
	}
)

func Open() *DB {
	return &DB{
		records:     &recordTable{t: make(map[string]map[string]core.Record)},
		credentials: &credentialTable{t: make(map[string]records.Credential)},
		tokens:      &tokenTable{t: make(map[string]time.Time)},
	}
}
