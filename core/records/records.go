// Package records is the backend side of the remote record store: schemaless JSON documents
// grouped in collections, plus the credentials and revoked tokens of the accounts.
package records

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrEmailExists       = errors.New("an account with this email already exists")
	ErrForbidden         = errors.New("permission denied")
	ErrTokenRevoked      = errors.New("token already revoked")
)

// Collections served by the backend.
var Collections = []string{core.CollectionUsers, core.CollectionCourses}

func IsCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

type (
	Repository interface {
		CreateRecord(ctx context.Context, collection string, data json.RawMessage, exec ...core.DBExecutor) (core.Record, error)
		GetRecordByID(ctx context.Context, collection, id string, exec ...core.DBExecutor) (core.Record, error)
		// QueryRecords returns the records holding field == value (JSON), oldest first.
		QueryRecords(ctx context.Context, collection, field string, value json.RawMessage, exec ...core.DBExecutor) ([]core.Record, error)
		// QueryAllRecords returns every record of collection, oldest first.
		QueryAllRecords(ctx context.Context, collection string, exec ...core.DBExecutor) ([]core.Record, error)
		UpdateRecord(ctx context.Context, collection string, rec core.Record, exec ...core.DBExecutor) (core.Record, error)
		DeleteRecord(ctx context.Context, collection, id string, exec ...core.DBExecutor) error
	}

	// Credential is the sign-in secret of an account (a users record).
	Credential struct {
		AccountID    string
		Email        string
		PasswordHash []byte
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	CredentialRepository interface {
		CreateCredential(ctx context.Context, cred Credential, exec ...core.DBExecutor) error
		GetCredentialByEmail(ctx context.Context, email string, exec ...core.DBExecutor) (Credential, error)
		GetCredentialByAccountID(ctx context.Context, accountID string, exec ...core.DBExecutor) (Credential, error)
		UpdateCredential(ctx context.Context, cred Credential, exec ...core.DBExecutor) error
		DeleteCredential(ctx context.Context, accountID string, exec ...core.DBExecutor) error
	}

	// TokenRepository keeps the ids (session ids, refresh token ids) revoked before their expiry.
	TokenRepository interface {
		// RevokeToken returns ErrTokenRevoked when id is already revoked.
		RevokeToken(ctx context.Context, id string, expiresAt time.Time, exec ...core.DBExecutor) error
		IsTokenRevoked(ctx context.Context, id string, exec ...core.DBExecutor) (bool, error)
		PurgeExpiredTokens(ctx context.Context, now time.Time, exec ...core.DBExecutor) (int64, error)
	}
)

// EventKind mirrors session.EventKind on the wire.
const (
	EventSignedOut = "signed_out"
)

// Event is pushed to the connected sessions of an account.
type Event struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id"`
	// SessionID restricts the event to a single session; empty means every session of the account.
	SessionID string `json:"session_id,omitempty"`
}

// Publisher fans events out to the connected clients.
type Publisher interface {
	Publish(ev Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
