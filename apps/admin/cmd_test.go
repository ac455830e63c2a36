package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	"github.com/trezcool/masomo-offline/core/user"
	emailsvc "github.com/trezcool/masomo-offline/services/email"
	inmemdb "github.com/trezcool/masomo-offline/storage/database/inmem"
	testutil "github.com/trezcool/masomo-offline/tests"
	backendtest "github.com/trezcool/masomo-offline/tests/backend"
)

const password = backendtest.Password

var credRepo records.CredentialRepository

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	t.Helper()
	conf := backendtest.NewConfig()
	db := inmemdb.Open()
	credRepo = inmemdb.NewCredentialRepository(db)
	svc := records.NewService(records.ServiceDeps{
		Records:     inmemdb.NewRecordRepository(db),
		Credentials: credRepo,
		Tokens:      inmemdb.NewTokenRepository(db),
		Mail:        emailsvc.NewConsoleServiceMock(conf),
		Conf:        conf,
	})

	out := new(bytes.Buffer)
	return &commandLine{svc: svc, validate: testutil.NewValidate(), out: out}, out
}

func mockPassword(pwd string) {
	readPasswordFunc = func(int) ([]byte, error) { return []byte(pwd), nil }
}

func createAccount(t *testing.T, cli *commandLine, name, email, role string, approved bool) core.Record {
	t.Helper()
	rec, err := cli.svc.CreateAccount(context.Background(), user.NewAccount{
		Name:            name,
		Email:           email,
		Role:            role,
		Password:        password,
		PasswordConfirm: password,
	}, approved)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

type cliTest struct {
	name       string
	args       []string // without program name
	pwd        string
	wantErr    error
	wantErrStr string
}

func (tt cliTest) check(t *testing.T, err error) {
	t.Helper()
	switch {
	case err == nil:
		if tt.wantErr != nil || tt.wantErrStr != "" {
			t.Errorf("cli.run() error = nil, wantErr %v%s", tt.wantErr, tt.wantErrStr)
		}
	case tt.wantErr != nil:
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
		}
	case tt.wantErrStr != "":
		if !strings.Contains(err.Error(), tt.wantErrStr) {
			t.Errorf("cli.run() error.Error() = %s, wantErrStr %s", err.Error(), tt.wantErrStr)
		}
	default:
		t.Errorf("cli.run() unexpected error = %v", err)
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _ := setup(t)

	migrateFunc = func(db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "course", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli.run(args))
		})
	}
}

func Test_commandLine_approve(t *testing.T) {
	cli, _ := setup(t)
	rec := createAccount(t, cli, "Jane", "jane@test.com", user.RoleTeacher, false)

	tests := []cliTest{
		{name: "no args", args: []string{"approve"}, wantErr: errHelp},
		{name: "account not found", args: []string{"approve", "-email", "lol@test.com"}, wantErr: core.ErrNotFound},
		{name: "approve", args: []string{"approve", "-email", "Jane@Test.com"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli.run(args))
		})
	}

	ident, err := cli.svc.GetIdentity(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ident.IsApproved {
		t.Error("account not approved")
	}
}

func Test_commandLine_addUser(t *testing.T) {
	cli, _ := setup(t)
	createAccount(t, cli, "Jane", "jane@test.com", user.RoleTeacher, true)

	tests := []cliTest{
		{name: "no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "no password", args: []string{"adduser", "-name", "Admin", "-email", "admin@test.com"}, wantErr: errHelp},
		{name: "invalid role", args: []string{"adduser", "-name", "Admin", "-email", "admin@test.com", "-role", "lol"}, pwd: password, wantErrStr: "Role"},
		{name: "weak password", args: []string{"adduser", "-name", "Admin", "-email", "admin@test.com"}, pwd: "admin", wantErrStr: "Password"},
		{name: "email taken", args: []string{"adduser", "-name", "Jane", "-email", "jane@test.com"}, pwd: password, wantErr: records.ErrEmailExists},
		{name: "admin", args: []string{"adduser", "-name", "Admin", "-email", "admin@test.com"}, pwd: password},
		{name: "teacher", args: []string{"adduser", "-name", "Tom", "-email", "tom@test.com", "-role", user.RoleTeacher}, pwd: password},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		mockPassword(tt.pwd)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli.run(args))
		})
	}

	ident, err := cli.svc.Authenticate(context.Background(), user.Credentials{Email: "admin@test.com", Password: password})
	if err != nil {
		t.Fatal(err)
	}
	if !ident.IsApproved || ident.Role != user.RoleAdminOwner {
		t.Errorf("admin identity = %+v", ident)
	}
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli, _ := setup(t)
	rec := createAccount(t, cli, "User", "awe@test.cd", user.RoleStudent, true)
	before, err := credRepo.GetCredentialByAccountID(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "username but no password", args: []string{"resetpassword", "-username", "lol@test.cd"}, wantErr: errHelp},
		{name: "account not found", args: []string{"resetpassword", "-username", "lol@test.cd"}, pwd: "Lol.12345", wantErr: core.ErrNotFound},
		{name: "reset", args: []string{"resetpassword", "-username", "AWE@test.cd"}, pwd: "Lmao.6789"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		mockPassword(tt.pwd)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli.run(args))
		})
	}

	after, err := credRepo.GetCredentialByAccountID(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(after.PasswordHash, before.PasswordHash) {
		t.Error("failed to update new password")
	}
	if err = user.CheckPassword(after.PasswordHash, "Lmao.6789"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func Test_commandLine_hashPassword(t *testing.T) {
	cli, out := setup(t)

	mockPassword("")
	if err := cli.run([]string{"admin", "hashpassword"}); err != errHelp {
		t.Errorf("cli.run() error = %v, wantErr %v", err, errHelp)
	}

	out.Reset()
	mockPassword("s3cret")
	if err := cli.run([]string{"admin", "hashpassword"}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	hash := lines[len(lines)-1]
	if err := user.CheckPassword([]byte(hash), "s3cret"); err != nil {
		t.Errorf("printed hash %q does not match: %v", hash, err)
	}
}
