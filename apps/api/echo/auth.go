package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	"github.com/trezcool/masomo-offline/core/user"
)

const (
	contextTokenKey    = "userToken"
	contextIdentityKey = "identity"

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims represents the authorization claims transmitted via a JWT.
// A session (SessionID) spans every token refreshed from its sign in.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	SessionID    string `json:"sid"`
	Type         string `json:"typ"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
}

// SessionExpiresAt is the end of the session: tokens cannot be refreshed past it.
func (c Claims) SessionExpiresAt(refreshDelta time.Duration) time.Time {
	return time.Unix(c.OrigIssuedAt, 0).Add(refreshDelta)
}

type tokenIssuer struct {
	key          []byte
	issuer       string
	accessDelta  time.Duration
	refreshDelta time.Duration
}

func newTokenIssuer(conf *core.Config) *tokenIssuer {
	return &tokenIssuer{
		key:          []byte(conf.SecretKey),
		issuer:       conf.AppName,
		accessDelta:  conf.Server.JWTExpirationDelta,
		refreshDelta: conf.Server.JWTRefreshExpirationDelta,
	}
}

func (ti *tokenIssuer) jwtConfig() middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    ti.key,
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// tokenPair is the session material returned on sign in and refresh.
type tokenPair struct {
	AccountID    string    `json:"account_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// issue signs the access and refresh tokens of session sid. A zero origIat starts a new session.
func (ti *tokenIssuer) issue(ident user.Identity, sid string, origIat int64) (tokenPair, error) {
	now := core.NowFunc()
	if origIat == 0 {
		origIat = now.Unix()
	}
	claims := func(typ string, exp time.Time) *Claims {
		return &Claims{
			StandardClaims: jwt.StandardClaims{
				Id:        uuid.New().String(),
				Issuer:    ti.issuer,
				Subject:   ident.ID,
				ExpiresAt: exp.Unix(),
				IssuedAt:  now.Unix(),
			},
			OrigIssuedAt: origIat,
			SessionID:    sid,
			Type:         typ,
			Email:        ident.Email,
			Role:         ident.Role,
		}
	}

	accessExp := now.Add(ti.accessDelta)
	access, err := ti.sign(claims(tokenTypeAccess, accessExp))
	if err != nil {
		return tokenPair{}, err
	}
	refresh, err := ti.sign(claims(tokenTypeRefresh, time.Unix(origIat, 0).Add(ti.refreshDelta)))
	if err != nil {
		return tokenPair{}, err
	}
	return tokenPair{
		AccountID:    ident.ID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Unix(accessExp.Unix(), 0).UTC(),
	}, nil
}

// sign generates a signed JWT token string representing the Claims.
func (ti *tokenIssuer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString(ti.key)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// parse verifies a token string of type typ.
func (ti *tokenIssuer) parse(tokenString, typ string) (*Claims, error) {
	claims := new(Claims)
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != middleware.AlgorithmHS256 {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.key, nil
	})
	if err != nil || !token.Valid || claims.Type != typ {
		return nil, core.ErrInvalidCredential
	}
	return claims, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// sessionMiddleware rejects refresh tokens and tokens of revoked sessions. It must follow the JWT middleware.
func sessionMiddleware(svc *records.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}
			if claims.Type != tokenTypeAccess {
				return errUnauthorized
			}
			revoked, err := svc.IsRevoked(ctx.Request().Context(), claims.SessionID)
			if err != nil {
				return errors.Wrap(err, "checking session")
			}
			if revoked {
				return errUnauthorized
			}
			return next(ctx)
		}
	}
}

// getContextIdentity returns the identity of the authenticated account, loaded once per request.
func getContextIdentity(ctx echo.Context, svc *records.Service) (user.Identity, error) {
	if ident, ok := ctx.Get(contextIdentityKey).(user.Identity); ok {
		return ident, nil
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return user.Identity{}, err
	}
	ident, err := svc.GetIdentity(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return user.Identity{}, errUnauthorized
		}
		return user.Identity{}, errors.Wrap(err, "getting context identity")
	}
	ctx.Set(contextIdentityKey, ident)
	return ident, nil
}
