package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/user"
)

// Store keys
const (
	keyIdentity = "session:identity"
	keyToken    = "session:token"
)

// mockable
var (
	resubscribeBackoff    = time.Second
	maxResubscribeBackoff = 30 * time.Second
)

var (
	// ErrPersistentIdentity is returned by Login while a persistent identity is current.
	ErrPersistentIdentity = errors.New("a persistent identity is current: log out first")

	errClosed = errors.New("session manager closed")
)

// Snapshot is the read-only projection of the identity slot handed to the app.
type Snapshot struct {
	Identity         *user.Identity
	State            State
	Authenticated    bool
	AwaitingApproval bool
}

type Deps struct {
	Gateway    Gateway
	Records    core.RecordGateway
	Store      core.Store
	BreakGlass BreakGlassProvider
	Logger     core.Logger
	Validate   *validator.Validate
}

// slot is the identity slot. It is only touched by the writer goroutine;
// readers get the copy published after each commit.
type slot struct {
	identity         *user.Identity
	token            *Token
	state            State
	awaitingApproval bool
	gen              uint64
	// signOuts counts the remote sign-outs applied, including those received while empty.
	signOuts uint64
}

func (s *slot) set(ident *user.Identity, token *Token, state State) {
	s.identity, s.token, s.state, s.awaitingApproval = ident, token, state, false
}

func (s *slot) clear() { s.set(nil, nil, StateEmpty) }

func (s *slot) snapshot() Snapshot {
	snap := Snapshot{State: s.state, AwaitingApproval: s.awaitingApproval}
	if s.identity != nil {
		ident := *s.identity
		snap.Identity = &ident
		snap.Authenticated = true
	}
	return snap
}

// mutation is applied by the writer goroutine. apply reports whether the slot changed.
type mutation struct {
	ctx   context.Context
	apply func(ctx context.Context, s *slot) bool
	done  chan struct{}
}

type subscriber struct {
	ch       chan Snapshot
	gone     chan struct{}
	goneOnce sync.Once
}

// Manager owns the current identity and its token.
// Every change goes through a single writer goroutine, so commits are totally ordered
// and subscribers observe them in that order.
type Manager struct {
	gateway    Gateway
	records    core.RecordGateway
	store      core.Store
	breakGlass BreakGlassProvider
	logger     core.Logger
	validate   *validator.Validate

	mutations chan mutation
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	current  atomic.Pointer[slot]
	gen      atomic.Uint64
	signOuts atomic.Uint64

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	closed  bool

	refresh singleflight.Group
}

// NewManager starts the manager's writer goroutine. Call Close to stop it.
func NewManager(deps Deps) *Manager {
	vala.BeginValidation().Validate(
		vala.IsNotNil(deps.Gateway, "Gateway"),
		vala.IsNotNil(deps.Records, "Records"),
		vala.IsNotNil(deps.Store, "Store"),
		vala.IsNotNil(deps.Logger, "Logger"),
		vala.IsNotNil(deps.Validate, "Validate"),
	).CheckAndPanic()

	bg := deps.BreakGlass
	if bg == nil {
		bg = noBreakGlass{}
	}
	m := &Manager{
		gateway:    deps.Gateway,
		records:    deps.Records,
		store:      deps.Store,
		breakGlass: bg,
		logger:     deps.Logger,
		validate:   deps.Validate,
		mutations:  make(chan mutation),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		subs:       make(map[int]*subscriber),
	}
	m.current.Store(&slot{})
	go m.writeLoop()
	return m
}

func (m *Manager) writeLoop() {
	defer close(m.stopped)
	s := &slot{}
	for {
		select {
		case <-m.quit:
			m.closeSubscribers()
			return
		case mu := <-m.mutations:
			if mu.apply(mu.ctx, s) {
				s.gen++
				m.gen.Store(s.gen)
				published := *s
				m.current.Store(&published)
				m.publish(published.snapshot())
			}
			close(mu.done)
		}
	}
}

// commit runs apply on the writer goroutine and waits for it.
func (m *Manager) commit(ctx context.Context, apply func(ctx context.Context, s *slot) bool) error {
	mu := mutation{ctx: ctx, apply: apply, done: make(chan struct{})}
	select {
	case m.mutations <- mu:
	case <-m.quit:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-mu.done
	return nil
}

func (m *Manager) publish(snap Snapshot) {
	m.subsMu.Lock()
	subs := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subsMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- snap:
		case <-sub.gone:
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) closeSubscribers() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.closed = true
	for id, sub := range m.subs {
		close(sub.ch)
		delete(m.subs, id)
	}
}

// Close stops the writer goroutine and closes every subscription.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.stopped
}

// Current returns the last committed snapshot.
func (m *Manager) Current() Snapshot {
	return m.current.Load().snapshot()
}

// Subscribe returns a channel receiving every committed snapshot, in commit order.
// The writer waits for slow subscribers: drain the channel or call unsubscribe.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, 16), gone: make(chan struct{})}

	m.subsMu.Lock()
	if m.closed {
		m.subsMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subsMu.Unlock()

	return sub.ch, func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
		sub.goneOnce.Do(func() { close(sub.gone) })
	}
}

// Login authenticates with email and password.
// The break-glass account is adopted without contacting the backend.
func (m *Manager) Login(ctx context.Context, email, password string) (Snapshot, error) {
	creds := user.Credentials{Email: email, Password: password}
	if err := creds.Validate(m.validate); err != nil {
		return m.Current(), err
	}

	if ident, ok := m.breakGlass.Match(creds.Email, creds.Password); ok {
		var snap Snapshot
		err := m.commit(ctx, func(ctx context.Context, s *slot) bool {
			s.set(&ident, nil, StatePersistentAdopted)
			m.persist(ctx, s)
			snap = s.snapshot()
			return true
		})
		if err != nil {
			return m.Current(), err
		}
		m.logger.Info("session: break-glass identity adopted", ident)
		return snap, nil
	}

	if cur := m.Current(); cur.State == StatePersistentAdopted {
		return cur, ErrPersistentIdentity
	}
	sess, err := m.gateway.SignIn(ctx, creds.Email, creds.Password)
	if err != nil {
		return m.Current(), errors.Wrap(err, "signing in")
	}
	ident, err := m.resolve(ctx, sess)
	if err != nil {
		m.signOut(ctx, sess.AccessToken)
		if errors.Is(err, core.ErrNotFound) {
			err = core.ErrInvalidCredential
		}
		return m.Current(), err
	}

	var snap Snapshot
	err = m.commit(ctx, func(ctx context.Context, s *slot) bool {
		tok := sess.Token
		s.set(&ident, &tok, StateVerified)
		m.persist(ctx, s)
		snap = s.snapshot()
		return true
	})
	if err != nil {
		return m.Current(), err
	}
	return snap, nil
}

// Logout clears the current identity, persistent or not, and its token.
func (m *Manager) Logout(ctx context.Context) error {
	if st := m.current.Load(); st.token != nil && st.state != StatePersistentAdopted {
		m.signOut(ctx, st.token.AccessToken)
	}
	var err error
	if cErr := m.commit(ctx, func(ctx context.Context, s *slot) bool {
		s.clear()
		err = m.persist(ctx, s)
		return true
	}); cErr != nil {
		return cErr
	}
	return err
}

// RestoreSession rebuilds the current identity at start-up from the persisted
// identity and token, then from the backend's authoritative session.
// A restore superseded by a newer commit (eg. a login) discards its result.
func (m *Manager) RestoreSession(ctx context.Context) (Snapshot, error) {
	start := m.mark()

	var persisted *user.Identity
	if ident := new(user.Identity); m.load(ctx, keyIdentity, ident) {
		persisted = ident
	}
	if persisted != nil && persisted.Persistent {
		return m.adopt(ctx, start, persisted, nil, StatePersistentAdopted, false), nil
	}
	if persisted != nil && !persisted.IsApproved {
		persisted = nil
	}

	var token *Token
	if tok := new(Token); m.load(ctx, keyToken, tok) {
		token = tok
	}
	if token == nil {
		return m.adopt(ctx, start, nil, nil, StateEmpty, false), nil
	}

	if token.Expired(core.NowFunc()) {
		sess, err := m.gateway.Refresh(ctx, token.RefreshToken)
		switch {
		case err == nil:
			token = mergeToken(token, sess.Token)
		case core.IsUnreachable(err):
			m.logger.Warn("session: token refresh failed, continuing provisionally", err)
			return m.adopt(ctx, start, persisted, token, StateProvisional, false), nil
		default:
			m.logger.Info("session: token refresh rejected", err)
			return m.adopt(ctx, start, nil, nil, StateEmpty, false), nil
		}
	}

	sess, err := m.gateway.CurrentSession(ctx, *token)
	switch {
	case err != nil && core.IsUnreachable(err):
		m.logger.Warn("session: fetching remote session failed, continuing provisionally", err)
		return m.adopt(ctx, start, persisted, token, StateProvisional, false), nil
	case err != nil:
		m.logger.Info("session: remote session rejected", err)
		return m.adopt(ctx, start, nil, nil, StateEmpty, false), nil
	case sess == nil:
		return m.adopt(ctx, start, nil, nil, StateEmpty, false), nil
	}

	token = mergeToken(token, sess.Token)
	ident, err := m.resolve(ctx, Session{Token: *token, AccountID: sess.AccountID})
	switch {
	case errors.Is(err, core.ErrAwaitingApproval):
		return m.adopt(ctx, start, nil, nil, StateEmpty, true), core.ErrAwaitingApproval
	case err != nil && core.IsUnreachable(err):
		m.logger.Warn("session: fetching account failed, continuing provisionally", err)
		return m.adopt(ctx, start, persisted, token, StateProvisional, false), nil
	case err != nil:
		m.logger.Warn("session: resolving account failed", err, map[string]interface{}{"account_id": sess.AccountID})
		return m.adopt(ctx, start, nil, nil, StateEmpty, false), nil
	}
	return m.adopt(ctx, start, &ident, token, StateVerified, false), nil
}

// restoreMark is the slot position a restore started from.
type restoreMark struct {
	gen, signOuts uint64
}

func (m *Manager) mark() restoreMark {
	return restoreMark{gen: m.gen.Load(), signOuts: m.signOuts.Load()}
}

// adopt commits a restore result unless a newer commit happened since start.
// A remote sign-out received since start discards any non-persistent result.
func (m *Manager) adopt(
	ctx context.Context,
	start restoreMark,
	ident *user.Identity,
	token *Token,
	state State,
	awaitingApproval bool,
) Snapshot {
	if state == StateProvisional && ident == nil {
		ident, token, state = nil, nil, StateEmpty
	}
	var snap Snapshot
	err := m.commit(ctx, func(ctx context.Context, s *slot) bool {
		if s.gen != start.gen {
			m.logger.Debug("session: restore superseded, result discarded")
			snap = s.snapshot()
			return false
		}
		if s.signOuts != start.signOuts && state != StatePersistentAdopted {
			m.logger.Debug("session: signed out during restore, result discarded")
			m.persist(ctx, s)
			snap = s.snapshot()
			return false
		}
		s.set(ident, token, state)
		s.awaitingApproval = awaitingApproval
		m.persist(ctx, s)
		snap = s.snapshot()
		return true
	})
	if err != nil {
		return m.Current()
	}
	return snap
}

// HandleEvent applies an out-of-band session change.
// A persistent identity ignores every event.
func (m *Manager) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventSignedOut:
		return m.commit(ctx, func(ctx context.Context, s *slot) bool {
			if s.state == StatePersistentAdopted {
				return false
			}
			s.signOuts++
			m.signOuts.Store(s.signOuts)
			if s.state == StateEmpty {
				return false
			}
			s.clear()
			m.persist(ctx, s)
			return true
		})

	case EventTokenRefreshed:
		if ev.Session == nil {
			return errors.New("token refreshed event without session")
		}
		return m.commit(ctx, func(ctx context.Context, s *slot) bool {
			if s.state == StatePersistentAdopted || s.identity == nil {
				return false
			}
			if ev.Session.AccountID != "" && ev.Session.AccountID != s.identity.ID {
				return false
			}
			s.token = mergeToken(s.token, ev.Session.Token)
			s.state = StateVerified
			m.persist(ctx, s)
			return true
		})

	case EventSignedIn:
		if ev.Session == nil {
			return errors.New("signed in event without session")
		}
		start := m.mark()
		ident, err := m.resolve(ctx, *ev.Session)
		awaiting := errors.Is(err, core.ErrAwaitingApproval)
		if err != nil && !awaiting {
			return err
		}
		if cErr := m.commit(ctx, func(ctx context.Context, s *slot) bool {
			if s.state == StatePersistentAdopted || s.gen != start.gen || s.signOuts != start.signOuts {
				return false
			}
			if awaiting {
				s.clear()
				s.awaitingApproval = true
			} else {
				s.set(&ident, mergeToken(s.token, ev.Session.Token), StateVerified)
			}
			m.persist(ctx, s)
			return true
		}); cErr != nil {
			return cErr
		}
		return err
	}
	return errors.Errorf("unknown session event %d", ev.Kind)
}

// AccessToken returns a valid access token of the current session,
// refreshing it first when it expired or was never verified.
// It implements core.TokenSource.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	st := m.current.Load()
	if st.identity == nil || st.token == nil || st.state == StatePersistentAdopted {
		return "", core.ErrUnauthenticated
	}
	if st.state == StateVerified && !st.token.Expired(core.NowFunc()) {
		return st.token.AccessToken, nil
	}

	old, accountID, provisional := *st.token, st.identity.ID, st.state == StateProvisional
	v, err, _ := m.refresh.Do(old.RefreshToken, func() (interface{}, error) {
		return m.refreshToken(ctx, old, accountID, provisional)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refreshToken renews old. A provisional identity is verified against its account
// before the slot turns verified.
func (m *Manager) refreshToken(ctx context.Context, old Token, accountID string, provisional bool) (string, error) {
	sameSession := func(s *slot) bool {
		return s.state != StatePersistentAdopted && s.token != nil && s.token.RefreshToken == old.RefreshToken
	}
	// renewed by a flight that completed since old was read
	if st := m.current.Load(); !sameSession(st) && st.token != nil &&
		st.state == StateVerified && !st.token.Expired(core.NowFunc()) {
		return st.token.AccessToken, nil
	}

	sess, err := m.gateway.Refresh(ctx, old.RefreshToken)
	if err != nil {
		if core.IsUnreachable(err) {
			return "", err // retried by the next call
		}
		if cErr := m.commit(ctx, func(ctx context.Context, s *slot) bool {
			if !sameSession(s) {
				return false
			}
			s.clear()
			m.persist(ctx, s)
			return true
		}); cErr != nil {
			return "", cErr
		}
		return "", errors.Wrapf(core.ErrUnauthenticated, "refresh rejected: %v", err)
	}

	renewed := mergeToken(&old, sess.Token)

	var fresh *user.Identity
	if provisional {
		ident, err := m.resolve(ctx, Session{Token: *renewed, AccountID: accountID})
		switch {
		case err == nil:
			fresh = &ident
		case core.IsUnreachable(err):
			// old's refresh token is spent: keep the renewed one, still provisional
			if cErr := m.commit(ctx, func(ctx context.Context, s *slot) bool {
				if !sameSession(s) {
					return false
				}
				s.token = renewed
				m.persist(ctx, s)
				return true
			}); cErr != nil {
				return "", cErr
			}
			return "", err
		default:
			m.signOut(ctx, renewed.AccessToken)
			awaiting := errors.Is(err, core.ErrAwaitingApproval)
			if cErr := m.commit(ctx, func(ctx context.Context, s *slot) bool {
				if !sameSession(s) {
					return false
				}
				s.clear()
				s.awaitingApproval = awaiting
				m.persist(ctx, s)
				return true
			}); cErr != nil {
				return "", cErr
			}
			if awaiting {
				return "", core.ErrAwaitingApproval
			}
			return "", errors.Wrapf(core.ErrUnauthenticated, "verifying account: %v", err)
		}
	}

	applied := false
	if cErr := m.commit(ctx, func(ctx context.Context, s *slot) bool {
		if !sameSession(s) {
			return false
		}
		if fresh != nil {
			s.identity = fresh
		}
		s.token = renewed
		s.state = StateVerified
		m.persist(ctx, s)
		applied = true
		return true
	}); cErr != nil {
		return "", cErr
	}
	if !applied {
		return "", core.ErrUnauthenticated
	}
	return renewed.AccessToken, nil
}

// Run consumes the gateway's event stream until ctx is done, resubscribing with backoff.
func (m *Manager) Run(ctx context.Context) error {
	backoff := resubscribeBackoff
	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxResubscribeBackoff {
			backoff = maxResubscribeBackoff
		}
		return nil
	}

	for {
		events, err := m.gateway.Subscribe(ctx)
		if err != nil {
			m.logger.Warn("session: subscribing to session events failed", err)
			if err = wait(); err != nil {
				return err
			}
			continue
		}
		for ev := range events {
			backoff = resubscribeBackoff
			if err = m.HandleEvent(ctx, ev); err != nil && !errors.Is(err, core.ErrAwaitingApproval) {
				m.logger.Warn("session: handling session event failed", err, map[string]interface{}{"event": ev.Kind.String()})
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = wait(); err != nil {
			return err
		}
	}
}

// resolve fetches the account backing sess and maps it to an Identity.
func (m *Manager) resolve(ctx context.Context, sess Session) (user.Identity, error) {
	rctx := core.ContextWithAccessToken(ctx, sess.AccessToken)
	rec, err := m.records.FetchByID(rctx, core.CollectionUsers, sess.AccountID)
	if err != nil {
		return user.Identity{}, errors.Wrap(err, "fetching account")
	}
	ident, err := user.IdentityFromRecord(rec)
	if err != nil {
		return user.Identity{}, err
	}
	if !ident.IsApproved {
		return ident, core.ErrAwaitingApproval
	}
	return ident, nil
}

func (m *Manager) signOut(ctx context.Context, accessToken string) {
	if err := m.gateway.SignOut(core.ContextWithAccessToken(ctx, accessToken)); err != nil {
		m.logger.Warn("session: remote sign out failed", err)
	}
}

// load decodes the persisted value of key into v. Corrupt values are dropped.
func (m *Manager) load(ctx context.Context, key string, v interface{}) bool {
	ok, err := core.LoadJSON(ctx, m.store, key, v)
	if err != nil {
		if errors.Is(err, core.ErrCorruptPersistedState) {
			m.logger.Warn("session: dropping corrupt persisted state", err)
			if rErr := m.store.Remove(ctx, key); rErr != nil {
				m.logger.Error("session: removing corrupt persisted state", rErr)
			}
		} else {
			m.logger.Error("session: reading persisted state", err)
		}
		return false
	}
	return ok
}

// persist mirrors the slot into the store. Failures are logged: the in-memory slot stays authoritative.
func (m *Manager) persist(ctx context.Context, s *slot) error {
	var firstErr error
	check := func(err error) {
		if err != nil {
			m.logger.Error("session: persisting session", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if s.identity != nil {
		check(core.SaveJSON(ctx, m.store, keyIdentity, s.identity))
	} else {
		check(m.store.Remove(ctx, keyIdentity))
	}
	if s.token != nil {
		check(core.SaveJSON(ctx, m.store, keyToken, s.token))
	} else {
		check(m.store.Remove(ctx, keyToken))
	}
	return firstErr
}

// mergeToken returns renewed, keeping the refresh token of old when renewed has none.
func mergeToken(old *Token, renewed Token) *Token {
	if renewed.RefreshToken == "" && old != nil {
		renewed.RefreshToken = old.RefreshToken
	}
	if renewed.AccessToken == "" && old != nil {
		renewed.AccessToken = old.AccessToken
		if renewed.ExpiresAt.IsZero() {
			renewed.ExpiresAt = old.ExpiresAt
		}
	}
	return &renewed
}
