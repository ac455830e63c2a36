package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")

// fakeGateway is an in-memory auth backend.
type fakeGateway struct {
	mu          sync.Mutex
	passwords   map[string]string // email: password
	accounts    map[string]string // email: account id
	sessions    map[string]string // access token: account id
	refreshes   map[string]string // refresh token: account id
	n           int
	unreachable bool
	calls       map[string]int

	// hooks, called before the matching op without holding the lock
	onRefresh func()
	onCurrent func()

	events       chan Event
	subscribeErr error
}

var _ Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		passwords: make(map[string]string),
		accounts:  make(map[string]string),
		sessions:  make(map[string]string),
		refreshes: make(map[string]string),
		calls:     make(map[string]int),
		events:    make(chan Event),
	}
}

func (g *fakeGateway) addAccount(email, password, accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passwords[email] = password
	g.accounts[email] = accountID
}

func (g *fakeGateway) setUnreachable(b bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unreachable = b
}

func (g *fakeGateway) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// issue returns a new session of accountID. Must be called with the lock held.
func (g *fakeGateway) issue(accountID string, expiresAt time.Time) Session {
	g.n++
	sess := Session{
		Token: Token{
			AccessToken:  fmt.Sprintf("access-%d", g.n),
			RefreshToken: fmt.Sprintf("refresh-%d", g.n),
			ExpiresAt:    expiresAt,
		},
		AccountID: accountID,
	}
	g.sessions[sess.AccessToken] = accountID
	g.refreshes[sess.RefreshToken] = accountID
	return sess
}

// issueFor issues a session outside of SignIn (eg. from another device).
func (g *fakeGateway) issueFor(accountID string, expiresAt time.Time) Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issue(accountID, expiresAt)
}

func (g *fakeGateway) begin(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if g.unreachable {
		return core.NewUnreachableError(errConnRefused)
	}
	return nil
}

func (g *fakeGateway) SignIn(_ context.Context, email, password string) (Session, error) {
	if err := g.begin("signin"); err != nil {
		return Session{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if pwd, ok := g.passwords[email]; !ok || pwd != password {
		return Session{}, core.ErrInvalidCredential
	}
	return g.issue(g.accounts[email], core.NowFunc().Add(time.Hour)), nil
}

func (g *fakeGateway) SignOut(ctx context.Context) error {
	if err := g.begin("signout"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	token, _ := core.AccessTokenFromContext(ctx)
	delete(g.sessions, token)
	return nil
}

func (g *fakeGateway) CurrentSession(_ context.Context, token Token) (*Session, error) {
	g.mu.Lock()
	hook := g.onCurrent
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := g.begin("current"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.sessions[token.AccessToken]
	if !ok {
		return nil, nil
	}
	return &Session{Token: token, AccountID: id}, nil
}

func (g *fakeGateway) Refresh(_ context.Context, refreshToken string) (Session, error) {
	g.mu.Lock()
	hook := g.onRefresh
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := g.begin("refresh"); err != nil {
		return Session{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.refreshes[refreshToken]
	if !ok {
		return Session{}, core.ErrInvalidCredential
	}
	delete(g.refreshes, refreshToken)
	return g.issue(id, core.NowFunc().Add(time.Hour)), nil
}

func (g *fakeGateway) setSubscribeErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribeErr = err
}

// Subscribe forwards the events sent on g.events until ctx is done.
func (g *fakeGateway) Subscribe(ctx context.Context) (<-chan Event, error) {
	if err := g.begin("subscribe"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	err := g.subscribeErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-g.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
