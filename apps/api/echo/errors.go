package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	"github.com/trezcool/masomo-offline/core/user"
)

var (
	errUnauthorized     = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAwaitingApproval = echo.NewHTTPError(http.StatusForbidden, core.ErrAwaitingApproval.Error())
	errHttpForbidden    = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound     = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// sentinelStatuses maps the domain errors to their HTTP status.
var sentinelStatuses = []struct {
	err  error
	code int
}{
	{core.ErrNotFound, http.StatusNotFound},
	{records.ErrUnknownCollection, http.StatusNotFound},
	{core.ErrInvalidCredential, http.StatusUnauthorized},
	{core.ErrUnauthenticated, http.StatusUnauthorized},
	{records.ErrForbidden, http.StatusForbidden},
	{core.ErrAwaitingApproval, http.StatusForbidden},
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		var vErr *core.ValidationError
		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, fErr := range origErr {
				fldErrs[fErr.Field()] = fErr.Translate(translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		default:
			if errors.As(err, &vErr) {
				code = http.StatusBadRequest
				if len(vErr.Fields) > 0 {
					fldErrs := make(map[string]string, len(vErr.Fields))
					for _, fErr := range vErr.Fields {
						fldErrs[fErr.Field] = fErr.Error
					}
					message = fldErrs
				} else {
					message = vErr.Error()
				}
				break
			}
			for _, s := range sentinelStatuses {
				if errors.Is(err, s.err) {
					code = s.code
					message = s.err.Error()
					break
				}
			}
			if code != 0 {
				break
			}

			// any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			var ident user.Identity
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				ident.ID = claims.Subject
				ident.Email = claims.Email
				ident.Role = claims.Role
			}
			logger.Error(msg, errors.Wrap(err, msg), ident)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug && code == http.StatusInternalServerError {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
