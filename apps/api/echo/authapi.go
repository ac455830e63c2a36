package echoapi

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	"github.com/trezcool/masomo-offline/core/user"
)

type authApi struct {
	svc      *records.Service
	tokens   *tokenIssuer
	hub      *hub
	validate *validator.Validate
}

func registerAuthAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	session echo.MiddlewareFunc,
	svc *records.Service,
	tokens *tokenIssuer,
	hub *hub,
	validate *validator.Validate,
) {
	api := authApi{
		svc:      svc,
		tokens:   tokens,
		hub:      hub,
		validate: validate,
	}

	ag := g.Group("/auth")

	// un-authed endpoints
	ag.POST("/signup", api.signUp)
	ag.POST("/signin", api.signIn)
	ag.POST("/refresh", api.refresh)

	// authed endpoints
	sg := ag.Group("", jwt, session)
	sg.GET("/session", api.session)
	sg.POST("/signout", api.signOut)
	sg.GET("/events", hub.serveEvents)
}

// Handlers

func (api *authApi) signUp(ctx echo.Context) error {
	var data user.NewAccount
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAccount")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	rec, err := api.svc.SignUp(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "signing up")
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *authApi) signIn(ctx echo.Context) error {
	var creds user.Credentials
	if err := ctx.Bind(&creds); err != nil {
		return errors.Wrap(err, "binding to Credentials")
	}
	if err := creds.Validate(api.validate); err != nil {
		return err
	}
	ident, err := api.svc.Authenticate(ctx.Request().Context(), creds)
	if err != nil {
		return errors.Wrap(err, "authenticating")
	}
	pair, err := api.tokens.issue(ident, uuid.New().String(), 0)
	if err != nil {
		return errors.Wrap(err, "issuing tokens")
	}
	return ctx.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refresh rotates the tokens of a session. A refresh token can be used once.
func (api *authApi) refresh(ctx echo.Context) error {
	var data refreshRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to refreshRequest")
	}
	claims, err := api.tokens.parse(data.RefreshToken, tokenTypeRefresh)
	if err != nil {
		return err
	}

	reqCtx := ctx.Request().Context()
	revoked, err := api.svc.IsRevoked(reqCtx, claims.SessionID)
	if err != nil {
		return errors.Wrap(err, "checking session")
	}
	if revoked {
		return core.ErrInvalidCredential
	}
	if err = api.svc.ConsumeRefreshToken(reqCtx, claims.Id, time.Unix(claims.ExpiresAt, 0)); err != nil {
		return errors.Wrap(err, "consuming refresh token")
	}
	ident, err := api.svc.GetIdentity(reqCtx, claims.Subject)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrInvalidCredential
		}
		return errors.Wrap(err, "finding account")
	}

	pair, err := api.tokens.issue(ident, claims.SessionID, claims.OrigIssuedAt)
	if err != nil {
		return errors.Wrap(err, "issuing tokens")
	}
	return ctx.JSON(http.StatusOK, pair)
}

type sessionResponse struct {
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (api *authApi) session(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, sessionResponse{
		AccountID: claims.Subject,
		ExpiresAt: time.Unix(claims.ExpiresAt, 0).UTC(),
	})
}

func (api *authApi) signOut(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	err = api.svc.SignOut(
		ctx.Request().Context(),
		claims.Subject,
		claims.SessionID,
		claims.SessionExpiresAt(api.tokens.refreshDelta),
	)
	if err != nil {
		return errors.Wrap(err, "signing out")
	}
	return ctx.NoContent(http.StatusNoContent)
}
