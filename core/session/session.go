// Package session owns the current identity of the client and its credential.
package session

import (
	"context"
	"time"
)

// Token is the credential material issued by the remote backend.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token can no longer be relied upon at now.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt.IsZero() || !now.Before(t.ExpiresAt)
}

// Session is a remote session: a token bound to an account of the users collection.
type Session struct {
	Token
	AccountID string `json:"account_id"`
}

type EventKind int

const (
	EventSignedIn EventKind = iota + 1
	EventSignedOut
	EventTokenRefreshed
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventSignedOut:
		return "signed_out"
	case EventTokenRefreshed:
		return "token_refreshed"
	}
	return "unknown"
}

// Event is an out-of-band session change pushed by the backend.
// Session is nil for EventSignedOut.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Gateway is the remote authentication backend.
type Gateway interface {
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context) error
	// CurrentSession returns the authoritative session bound to token, or nil when there is none.
	CurrentSession(ctx context.Context, token Token) (*Session, error)
	Refresh(ctx context.Context, refreshToken string) (Session, error)
	// Subscribe streams session events until ctx is done or the connection drops (channel closed).
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// State of the identity slot.
type State int

const (
	StateEmpty State = iota
	StateProvisional
	StateVerified
	StatePersistentAdopted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateProvisional:
		return "provisional"
	case StateVerified:
		return "verified"
	case StatePersistentAdopted:
		return "persistent"
	}
	return "unknown"
}
