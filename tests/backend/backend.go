// Package backendtest runs the API server over in-memory storage, for tests.
package backendtest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	echoapi "github.com/trezcool/masomo-offline/apps/api/echo"
	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	"github.com/trezcool/masomo-offline/core/user"
	emailsvc "github.com/trezcool/masomo-offline/services/email"
	inmemdb "github.com/trezcool/masomo-offline/storage/database/inmem"
	testutil "github.com/trezcool/masomo-offline/tests"
)

const Password = "Pwd.12345"

type Backend struct {
	Conf     *core.Config
	Logger   *testutil.Logger
	Mail     *emailsvc.ConsoleServiceMock
	Svc      *records.Service
	Server   *echoapi.Server
	HTTP     *httptest.Server
	Validate *validator.Validate
}

// NewConfig returns the configuration used by the test backend.
func NewConfig() *core.Config {
	return &core.Config{
		AppName:          "Masomo",
		Env:              "TEST",
		TestMode:         true,
		SecretKey:        "test-secret",
		FrontendBaseURL:  "http://localhost:8080",
		DefaultFromEmail: mail.Address{Name: "Masomo", Address: "noreply@test.com"},
		Server: core.ServerConfig{
			JWTExpirationDelta:        15 * time.Minute,
			JWTRefreshExpirationDelta: time.Hour,
		},
	}
}

// New starts a backend; it is stopped when t ends.
func New(t *testing.T) *Backend {
	t.Helper()
	conf := NewConfig()
	logger := testutil.NewLogger()
	db := inmemdb.Open()
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	svc := records.NewService(records.ServiceDeps{
		Records:     inmemdb.NewRecordRepository(db),
		Credentials: inmemdb.NewCredentialRepository(db),
		Tokens:      inmemdb.NewTokenRepository(db),
		Mail:        mailSvc,
		Conf:        conf,
	})

	validate := testutil.NewValidate()
	server := echoapi.NewServer(echoapi.ServerDeps{
		Conf:           conf,
		Logger:         logger,
		RecordSvc:      svc,
		Validate:       validate,
		Translator:     core.NewTranslator(),
		DisableReqLogs: true,
	})
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		_ = server.Close()
		ts.Close()
	})

	return &Backend{
		Conf:     conf,
		Logger:   logger,
		Mail:     mailSvc,
		Svc:      svc,
		Server:   server,
		HTTP:     ts,
		Validate: validate,
	}
}

// URL returns the absolute URL of path.
func (b *Backend) URL(path string) string {
	return b.HTTP.URL + path
}

// CreateAccount registers an account with Password.
func (b *Backend) CreateAccount(t *testing.T, name, email, role string, approved bool) core.Record {
	t.Helper()
	na := user.NewAccount{Name: name, Email: email, Role: role, Password: Password, PasswordConfirm: Password}
	if err := na.Validate(b.Validate); err != nil {
		t.Fatal(err)
	}
	rec, err := b.Svc.CreateAccount(context.Background(), na, approved)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

// Tokens is the body of the sign in and refresh responses.
type Tokens struct {
	AccountID    string    `json:"account_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SignIn signs in with Password and fails t unless it succeeds.
func (b *Backend) SignIn(t *testing.T, email string) Tokens {
	t.Helper()
	var toks Tokens
	code := b.Do(t, http.MethodPost, "/v1/auth/signin", "", map[string]string{"email": email, "password": Password}, &toks)
	if code != http.StatusOK {
		t.Fatalf("signing in %s: status %d", email, code)
	}
	return toks
}

// Do sends a JSON request authenticated with token (if any), decodes the response into out (if any)
// and returns its status code.
func (b *Backend) Do(t *testing.T, method, path, token string, body, out interface{}) int {
	t.Helper()
	var rd io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, b.URL(path), rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := b.HTTP.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = res.Body.Close() }()

	if out != nil && res.StatusCode < http.StatusBadRequest {
		if err = json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decoding response: %v", method, path, err)
		}
	}
	return res.StatusCode
}
