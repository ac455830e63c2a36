// Package draft buffers entities authored offline and merges them into the remote store.
package draft

import (
	"time"

	"github.com/trezcool/masomo-offline/core"
)

type Status string

const (
	StatusUnsynced Status = "unsynced"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

// Entity is a payload that can be buffered as a draft.
type Entity interface {
	// Collection is the remote collection the entity is stored in.
	Collection() string
	// NaturalKey identifies the entity when it has no known remote id.
	// The first field is used to query the remote collection.
	NaturalKey() []core.Field
}

// Draft is a locally buffered entity.
type Draft[T Entity] struct {
	ID        string    `json:"id"`
	Payload   T         `json:"payload"`
	Status    Status    `json:"status"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	rev uint64 // bumped on every local edit
}

// Counts is the number of drafts per status.
type Counts struct {
	Unsynced int `json:"unsynced"`
	Syncing  int `json:"syncing"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
}

func (c Counts) Total() int {
	return c.Unsynced + c.Syncing + c.Synced + c.Failed
}

func (c *Counts) add(s Status) {
	switch s {
	case StatusUnsynced:
		c.Unsynced++
	case StatusSyncing:
		c.Syncing++
	case StatusSynced:
		c.Synced++
	case StatusFailed:
		c.Failed++
	}
}
