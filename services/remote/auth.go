package remotesvc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/session"
	"github.com/trezcool/masomo-offline/core/user"
)

// wire kinds of the backend's session events
const wireSignedOut = "signed_out"

type tokenPair struct {
	AccountID    string    `json:"account_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (p tokenPair) session() session.Session {
	return session.Session{
		Token: session.Token{
			AccessToken:  p.AccessToken,
			RefreshToken: p.RefreshToken,
			ExpiresAt:    p.ExpiresAt,
		},
		AccountID: p.AccountID,
	}
}

// credentialErr maps a rejected credential to core.ErrInvalidCredential.
func credentialErr(err error) error {
	if errors.Is(err, core.ErrUnauthenticated) {
		return core.ErrInvalidCredential
	}
	return err
}

func (c *Client) SignIn(ctx context.Context, email, password string) (session.Session, error) {
	var pair tokenPair
	err := c.do(ctx, call{
		method: rest.Post,
		path:   "/v1/auth/signin",
		body:   map[string]string{"email": email, "password": password},
	}, &pair)
	if err != nil {
		return session.Session{}, credentialErr(err)
	}
	return pair.session(), nil
}

// SignUp registers an account awaiting approval and returns its users record.
func (c *Client) SignUp(ctx context.Context, na user.NewAccount) (core.Record, error) {
	var rec core.Record
	err := c.do(ctx, call{method: rest.Post, path: "/v1/auth/signup", body: na}, &rec)
	return rec, err
}

// SignOut revokes the session of the context's access token. An already revoked session is not an error.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.do(ctx, call{method: rest.Post, path: "/v1/auth/signout", auth: true}, nil)
	if errors.Is(err, core.ErrUnauthenticated) {
		return nil
	}
	return err
}

func (c *Client) CurrentSession(ctx context.Context, token session.Token) (*session.Session, error) {
	var res struct {
		AccountID string    `json:"account_id"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	err := c.do(ctx, call{method: rest.Get, path: "/v1/auth/session", auth: true, token: token.AccessToken}, &res)
	if errors.Is(err, core.ErrUnauthenticated) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	token.ExpiresAt = res.ExpiresAt
	return &session.Session{Token: token, AccountID: res.AccountID}, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.Session, error) {
	var pair tokenPair
	err := c.do(ctx, call{
		method: rest.Post,
		path:   "/v1/auth/refresh",
		body:   map[string]string{"refresh_token": refreshToken},
	}, &pair)
	if err != nil {
		return session.Session{}, credentialErr(err)
	}
	return pair.session(), nil
}

type wireEvent struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscribe streams the session events of the current access token.
// The backend pushes signed_out only: this client makes its own refreshes and holds the
// renewed pair already, and sign-ins of other sessions are not this session's. Other
// kinds are ignored.
func (c *Client) Subscribe(ctx context.Context) (<-chan session.Event, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/auth/events"
	conn, res, err := c.dialer.DialContext(ctx, u, http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, core.ErrUnauthenticated
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewUnreachableError(err)
	}

	events := make(chan session.Event)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	go func() {
		defer close(events)
		defer close(done)
		for {
			var ev wireEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
					c.logger.Debug("remote: event stream closed", err)
				}
				return
			}
			var out session.Event
			switch ev.Kind {
			case wireSignedOut:
				out = session.Event{Kind: session.EventSignedOut}
			default:
				c.logger.Debug("remote: ignoring event", map[string]interface{}{"kind": ev.Kind})
				continue
			}
			select {
			case events <- out:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
