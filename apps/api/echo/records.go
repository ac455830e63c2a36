package echoapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	"github.com/trezcool/masomo-offline/core/user"
)

type recordApi struct {
	svc *records.Service
}

func registerRecordAPI(g *echo.Group, jwt echo.MiddlewareFunc, session echo.MiddlewareFunc, svc *records.Service) {
	api := recordApi{svc: svc}

	// an account awaiting approval can only read its own users record
	ownAccount := func(ctx echo.Context, accountID string) bool {
		return ctx.Param("collection") == core.CollectionUsers && ctx.Param("id") == accountID
	}
	approved := approvedMiddleware(svc, nil)

	rg := g.Group("/records/:collection", middleware.BodyLimit("1M"), collectionMiddleware, jwt, session)
	rg.GET("", api.query, approved)
	rg.POST("", api.create, approved)

	// detail endpoints
	rg.GET("/:id", api.retrieve, approvedMiddleware(svc, ownAccount))
	rg.PATCH("/:id", api.update, approved)
	rg.DELETE("/:id", api.destroy, approved)
}

func collectionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if !records.IsCollection(ctx.Param("collection")) {
			return errHttpNotFound
		}
		return next(ctx)
	}
}

// Permissions

// canRead: users records are read by admins and by their own account; courses by every approved account.
func canRead(ident user.Identity, collection, id string) bool {
	if collection == core.CollectionUsers {
		return ident.IsAdmin() || id == ident.ID
	}
	return true
}

// canWrite: admins write everything; teachers write their own courses.
// owners are the owner ids of the record before and after the write.
func canWrite(ident user.Identity, collection string, owners ...string) bool {
	if ident.IsAdmin() {
		return true
	}
	if collection != core.CollectionCourses || !ident.IsTeacher() {
		return false
	}
	for _, owner := range owners {
		if owner != ident.ID {
			return false
		}
	}
	return true
}

// ownerOf returns the owner_id of a course's data, or nil when it holds none.
func ownerOf(data json.RawMessage) (*string, error) {
	var flds struct {
		OwnerID *string `json:"owner_id"`
	}
	if err := json.Unmarshal(data, &flds); err != nil {
		return nil, core.NewValidationError(errors.New("data must be a JSON object"))
	}
	return flds.OwnerID, nil
}

func readBody(ctx echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading body")
	}
	if !json.Valid(body) {
		return nil, core.NewValidationError(errors.New("body must be valid JSON"))
	}
	return body, nil
}

// Handlers

// query lists the records of a collection, filtered on `field` == `value` (JSON encoded) when given.
func (api *recordApi) query(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx, api.svc)
	if err != nil {
		return err
	}
	coll := ctx.Param("collection")
	if coll == core.CollectionUsers && !ident.IsAdmin() {
		return errHttpForbidden
	}

	field := ctx.QueryParam("field")
	var value json.RawMessage
	if field != "" {
		value = json.RawMessage(ctx.QueryParam("value"))
		if !json.Valid(value) {
			return core.NewValidationError(nil, core.FieldError{Field: "value", Error: "must be a JSON value"})
		}
	}

	recs, err := api.svc.Query(ctx.Request().Context(), coll, field, value)
	if err != nil {
		return errors.Wrap(err, "querying records")
	}
	return ctx.JSON(http.StatusOK, recs)
}

func (api *recordApi) create(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx, api.svc)
	if err != nil {
		return err
	}
	data, err := readBody(ctx)
	if err != nil {
		return err
	}
	coll := ctx.Param("collection")
	owner, err := ownerOf(data)
	if err != nil {
		return err
	}
	if owner == nil {
		owner = new(string)
	}
	if !canWrite(ident, coll, *owner) {
		return errHttpForbidden
	}

	rec, err := api.svc.Insert(ctx.Request().Context(), coll, data)
	if err != nil {
		return errors.Wrap(err, "inserting record")
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *recordApi) retrieve(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx, api.svc)
	if err != nil {
		return err
	}
	coll, id := ctx.Param("collection"), ctx.Param("id")
	if !canRead(ident, coll, id) {
		return errHttpForbidden
	}
	rec, err := api.svc.Get(ctx.Request().Context(), coll, id)
	if err != nil {
		return errors.Wrap(err, "finding record")
	}
	return ctx.JSON(http.StatusOK, rec)
}

// existingOwners returns the owners of a write to the record id: its current owner, and the new one of patch.
func (api *recordApi) existingOwners(ctx echo.Context, coll, id string, patch json.RawMessage) ([]string, error) {
	if coll != core.CollectionCourses {
		return nil, nil
	}
	rec, err := api.svc.Get(ctx.Request().Context(), coll, id)
	if err != nil {
		return nil, errors.Wrap(err, "finding record")
	}
	owners := make([]string, 0, 2)
	for _, data := range []json.RawMessage{rec.Data, patch} {
		if data == nil {
			continue
		}
		owner, err := ownerOf(data)
		if err != nil {
			return nil, err
		}
		if owner != nil {
			owners = append(owners, *owner)
		} else if len(owners) == 0 {
			owners = append(owners, "")
		}
	}
	return owners, nil
}

func (api *recordApi) update(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx, api.svc)
	if err != nil {
		return err
	}
	patch, err := readBody(ctx)
	if err != nil {
		return err
	}
	coll, id := ctx.Param("collection"), ctx.Param("id")
	if !ident.IsAdmin() {
		owners, err := api.existingOwners(ctx, coll, id, patch)
		if err != nil {
			return err
		}
		if !canWrite(ident, coll, owners...) {
			return errHttpForbidden
		}
	}

	rec, err := api.svc.Update(ctx.Request().Context(), coll, id, patch)
	if err != nil {
		return errors.Wrap(err, "updating record")
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *recordApi) destroy(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx, api.svc)
	if err != nil {
		return err
	}
	coll, id := ctx.Param("collection"), ctx.Param("id")
	if !ident.IsAdmin() {
		owners, err := api.existingOwners(ctx, coll, id, nil)
		if err != nil {
			return err
		}
		if !canWrite(ident, coll, owners...) {
			return errHttpForbidden
		}
	}

	if err = api.svc.Delete(ctx.Request().Context(), coll, id); err != nil {
		return errors.Wrap(err, "deleting record")
	}
	return ctx.NoContent(http.StatusNoContent)
}
