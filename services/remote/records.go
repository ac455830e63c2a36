package remotesvc

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/masomo-offline/core"
)

func recordsPath(collection string, id ...string) string {
	p := "/v1/records/" + url.PathEscape(collection)
	if len(id) > 0 {
		p += "/" + url.PathEscape(id[0])
	}
	return p
}

func (c *Client) FetchByID(ctx context.Context, collection, id string) (core.Record, error) {
	var rec core.Record
	err := c.do(ctx, call{method: rest.Get, path: recordsPath(collection, id), auth: true}, &rec)
	return rec, err
}

func (c *Client) Insert(ctx context.Context, collection string, payload interface{}) (core.Record, error) {
	var rec core.Record
	err := c.do(ctx, call{method: rest.Post, path: recordsPath(collection), body: payload, auth: true}, &rec)
	return rec, err
}

func (c *Client) Update(ctx context.Context, collection, id string, payload interface{}) error {
	return c.do(ctx, call{method: rest.Patch, path: recordsPath(collection, id), body: payload, auth: true}, nil)
}

func (c *Client) QueryByField(ctx context.Context, collection, field string, value interface{}) ([]core.Record, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "encoding query value")
	}
	recs := make([]core.Record, 0)
	err = c.do(ctx, call{
		method: rest.Get,
		path:   recordsPath(collection),
		query:  map[string]string{"field": field, "value": string(raw)},
		auth:   true,
	}, &recs)
	return recs, err
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, call{method: rest.Delete, path: recordsPath(collection, id), auth: true}, nil)
}
