package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core/records"
)

// approvedMiddleware restricts the route to approved accounts.
// ownAccount lets unapproved accounts through when it holds, so that they can check their approval status.
func approvedMiddleware(svc *records.Service, ownAccount func(ctx echo.Context, accountID string) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			ident, err := getContextIdentity(ctx, svc)
			if err != nil {
				return errors.Wrap(err, "getting context identity")
			}
			if ident.IsApproved || (ownAccount != nil && ownAccount(ctx, ident.ID)) {
				return next(ctx)
			}
			return errAwaitingApproval
		}
	}
}

func adminMiddleware(svc *records.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			ident, err := getContextIdentity(ctx, svc)
			if err != nil {
				return errors.Wrap(err, "getting context identity")
			}
			if ident.IsApproved && ident.IsAdmin() {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
