package main

import (
	"context"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/course"
	"github.com/trezcool/masomo-offline/core/draft"
	"github.com/trezcool/masomo-offline/core/pending"
	"github.com/trezcool/masomo-offline/core/session"
	"github.com/trezcool/masomo-offline/core/user"
	remotesvc "github.com/trezcool/masomo-offline/services/remote"
)

// app wires the client core over a remote backend and a persisted store.
type app struct {
	conf     *core.Config
	logger   core.Logger
	validate *validator.Validate

	remote  *remotesvc.Client
	session *session.Manager
	pending *pending.Queue
	courses *draft.Synchronizer[course.Course]
}

func newApp(conf *core.Config, logger core.Logger, store core.Store, validate *validator.Validate) *app {
	remote := remotesvc.NewClient(conf, logger)
	mgr := session.NewManager(session.Deps{
		Gateway:    remote,
		Records:    remote,
		Store:      store,
		BreakGlass: session.NewBreakGlassProvider(conf.Client.BreakGlass),
		Logger:     logger,
		Validate:   validate,
	})
	remote.SetTokenSource(mgr)

	return &app{
		conf:     conf,
		logger:   logger,
		validate: validate,
		remote:   remote,
		session:  mgr,
		pending:  pending.NewQueue(remote, store, logger),
		courses:  draft.NewSynchronizer[course.Course](remote, store, logger, conf.Client.Sync),
	}
}

// start restores the persisted state. An unreachable backend leaves the session provisional.
func (a *app) start(ctx context.Context) error {
	if _, err := a.session.RestoreSession(ctx); err != nil {
		a.logger.Warn("client: restoring session", err)
	}
	if err := a.pending.Restore(ctx); err != nil {
		return err
	}
	return a.courses.Restore(ctx)
}

func (a *app) close() {
	a.session.Close()
}

// watch follows the session events, and the pending accounts for admins, until the session ends
// or ctx is done. onChange receives every session change.
func (a *app) watch(ctx context.Context, onChange func(session.Snapshot)) error {
	snaps, unsubscribe := a.session.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.session.Run(gctx) })
	if ident := a.session.Current().Identity; ident != nil && user.IsAdminRole(ident.Role) {
		g.Go(func() error { return a.pending.Poll(gctx, a.conf.Client.PendingPollInterval) })
	}
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap, ok := <-snaps:
				if !ok {
					return nil
				}
				onChange(snap)
				if !snap.Authenticated {
					return nil
				}
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
