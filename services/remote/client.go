// Package remotesvc is the client of the API backend: authentication, session events and record CRUD.
package remotesvc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/session"
)

// ErrForbidden is returned when the account may not perform an operation.
var ErrForbidden = errors.New("permission denied")

type Client struct {
	baseURL string
	rest    *rest.Client
	dialer  *websocket.Dialer
	logger  core.Logger

	mu     sync.RWMutex
	tokens core.TokenSource
}

var (
	_ session.Gateway    = (*Client)(nil)
	_ core.RecordGateway = (*Client)(nil)
	_ core.Pinger        = (*Client)(nil)
)

func NewClient(conf *core.Config, logger core.Logger) *Client {
	vala.BeginValidation().Validate(
		vala.IsNotNil(conf, "conf"),
		vala.IsNotNil(logger, "logger"),
		vala.StringNotEmpty(conf.Client.RemoteURL, "conf.Client.RemoteURL"),
	).CheckAndPanic()

	return &Client{
		baseURL: strings.TrimSuffix(conf.Client.RemoteURL, "/"),
		rest:    &rest.Client{HTTPClient: &http.Client{Timeout: conf.Client.RemoteTimeout}},
		dialer:  &websocket.Dialer{HandshakeTimeout: conf.Client.RemoteTimeout},
		logger:  logger,
	}
}

// SetTokenSource sets where the access token of record calls comes from,
// when the call's context does not pin one.
func (c *Client) SetTokenSource(ts core.TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	if token, ok := core.AccessTokenFromContext(ctx); ok {
		return token, nil
	}
	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()
	if ts == nil {
		return "", core.ErrUnauthenticated
	}
	return ts.AccessToken(ctx)
}

type call struct {
	method rest.Method
	path   string
	query  map[string]string
	body   interface{}
	auth   bool
	token  string // explicit access token, overrides the context's
}

// do sends the call and decodes the response into out (if any).
func (c *Client) do(ctx context.Context, cl call, out interface{}) error {
	req := rest.Request{
		Method:      cl.method,
		BaseURL:     c.baseURL + cl.path,
		Headers:     map[string]string{"Accept": "application/json"},
		QueryParams: cl.query,
	}
	if cl.body != nil {
		body, err := json.Marshal(cl.body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		req.Body = body
		req.Headers["Content-Type"] = "application/json"
	}
	if cl.auth {
		token := cl.token
		if token == "" {
			var err error
			if token, err = c.accessToken(ctx); err != nil {
				return err
			}
		}
		req.Headers["Authorization"] = "Bearer " + token
	}

	res, err := c.rest.SendWithContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.NewUnreachableError(err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return statusError(res)
	}
	if out != nil {
		if err = json.Unmarshal([]byte(res.Body), out); err != nil {
			return errors.Wrap(err, "decoding response body")
		}
	}
	return nil
}

// statusError maps an error response of the backend to the app's errors.
func statusError(res *rest.Response) error {
	var msg struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal([]byte(res.Body), &msg)

	switch code := res.StatusCode; {
	case code == http.StatusNotFound:
		return core.ErrNotFound
	case code == http.StatusUnauthorized:
		return core.ErrUnauthenticated
	case code == http.StatusForbidden:
		if msg.Error == core.ErrAwaitingApproval.Error() {
			return core.ErrAwaitingApproval
		}
		return ErrForbidden
	case code == http.StatusBadRequest:
		return validationError(res.Body, msg.Error)
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		return core.NewUnreachableError(errors.Errorf("status %d", code))
	default:
		if msg.Error == "" {
			msg.Error = http.StatusText(code)
		}
		return errors.Errorf("remote error (status %d): %s", code, msg.Error)
	}
}

func validationError(body, msg string) error {
	if msg != "" {
		return core.NewValidationError(errors.New(msg))
	}
	fields := make(map[string]string)
	if err := json.Unmarshal([]byte(body), &fields); err != nil || len(fields) == 0 {
		return core.NewValidationError(errors.New("invalid request"))
	}
	fldErrs := make([]core.FieldError, 0, len(fields))
	for f, e := range fields {
		fldErrs = append(fldErrs, core.FieldError{Field: f, Error: e})
	}
	return core.NewValidationError(nil, fldErrs...)
}

// Ping probes the backend's reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, call{method: rest.Get, path: "/v1/ping"}, nil)
}
