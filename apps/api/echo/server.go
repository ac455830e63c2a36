// Package echoapi serves the remote record store and its authentication over HTTP, with echo.
package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/kat-co/vala"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
)

type (
	ServerDeps struct {
		Conf           *core.Config
		Logger         core.Logger
		RecordSvc      *records.Service
		Validate       *validator.Validate
		Translator     ut.Translator
		DisableReqLogs bool
	}

	Server struct {
		conf       *core.Config
		logger     core.Logger
		app        *echo.Echo
		hub        *hub
		tokens     *tokenIssuer
		errors     chan error
		shutdown   chan os.Signal
		validate   *validator.Validate
		translator ut.Translator
	}
)

func NewServer(deps ServerDeps) *Server {
	vala.BeginValidation().Validate(
		vala.IsNotNil(deps.Conf, "Conf"),
		vala.IsNotNil(deps.Logger, "Logger"),
		vala.IsNotNil(deps.RecordSvc, "RecordSvc"),
		vala.IsNotNil(deps.Validate, "Validate"),
		vala.IsNotNil(deps.Translator, "Translator"),
	).CheckAndPanic()

	s := &Server{
		conf:       deps.Conf,
		logger:     deps.Logger,
		app:        echo.New(),
		hub:        newHub(deps.Logger),
		tokens:     newTokenIssuer(deps.Conf),
		errors:     make(chan error, 1),
		shutdown:   make(chan os.Signal, 1),
		validate:   deps.Validate,
		translator: deps.Translator,
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	deps.RecordSvc.SetPublisher(s.hub)
	s.setup(deps)
	return s
}

func (s *Server) setup(deps ServerDeps) {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !deps.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.conf.Debug || s.conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.logger, s.translator, s.signalShutdown)
	s.app.Debug = s.conf.Debug

	s.app.GET("/", s.home)

	v1 := s.app.Group("/v1")
	v1.GET("/ping", ping)

	jwt := middleware.JWTWithConfig(s.tokens.jwtConfig())
	session := sessionMiddleware(deps.RecordSvc)

	registerAuthAPI(v1, jwt, session, deps.RecordSvc, s.tokens, s.hub, s.validate)
	registerRecordAPI(v1, jwt, session, deps.RecordSvc)
}

// Start listens on the configured host. Listening errors are sent to Errors.
func (s *Server) Start() {
	if err := s.app.Start(s.conf.Server.Host); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

// Shutdown drops the event subscribers and stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.hub.close()
	return s.app.Close()
}

// Subscribers counts the event streams open for accountID.
func (s *Server) Subscribers(accountID string) int {
	return s.hub.subscribers(accountID)
}

// Streams counts every open event stream.
func (s *Server) Streams() int {
	return s.hub.len()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.conf.AppName+" API!")
}

func ping(ctx echo.Context) error {
	return ctx.NoContent(http.StatusNoContent)
}
