package user

import (
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-offline/core"
)

func newValidate() (*validator.Validate, func(error) map[string]string) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	InitValidators(validate, translator)
	return validate, func(err error) map[string]string {
		flds, _ := core.TranslateErrors(err, translator)
		return flds
	}
}

func TestNewAccount_Validate(t *testing.T) {
	validate, translate := newValidate()

	valid := NewAccount{
		Name:            "Jane Doe",
		Email:           " Jane@Test.CD ",
		Role:            RoleTeacher,
		Password:        "Pa$$w0rd!",
		PasswordConfirm: "Pa$$w0rd!",
	}
	with := func(fn func(na *NewAccount)) NewAccount {
		na := valid
		fn(&na)
		return na
	}

	tests := []struct {
		name    string
		na      NewAccount
		wantFld string
		wantMsg string
	}{
		{name: "valid", na: valid},
		{name: "name required", na: with(func(na *NewAccount) { na.Name = "  " }), wantFld: "name", wantMsg: "this field is required"},
		{name: "invalid email", na: with(func(na *NewAccount) { na.Email = "jane" }), wantFld: "email"},
		{name: "invalid role", na: with(func(na *NewAccount) { na.Role = "janitor:" }), wantFld: "role", wantMsg: allRolesText},
		{
			name: "passwords mismatch", na: with(func(na *NewAccount) { na.PasswordConfirm = "Pa$$w0rd?" }),
			wantFld: "password_confirm",
		},
		{
			name: "too short", na: with(func(na *NewAccount) { na.Password, na.PasswordConfirm = "Pa$1", "Pa$1" }),
			wantFld: "password", wantMsg: pwdMinLenText,
		},
		{
			name: "whitespace", na: with(func(na *NewAccount) { na.Password, na.PasswordConfirm = "Pa$ w0rd!", "Pa$ w0rd!" }),
			wantFld: "password", wantMsg: pwdNoSpaceText,
		},
		{
			name: "all numeric", na: with(func(na *NewAccount) { na.Password, na.PasswordConfirm = "12345678", "12345678" }),
			wantFld: "password", wantMsg: pwdNotAllNumText,
		},
		{
			name: "not complex", na: with(func(na *NewAccount) { na.Password, na.PasswordConfirm = "password1", "password1" }),
			wantFld: "password", wantMsg: pwdComplexityText,
		},
		{
			name: "similar to email", na: with(func(na *NewAccount) { na.Password, na.PasswordConfirm = "Jane@test.cd1", "Jane@test.cd1" }),
			wantFld: "password", wantMsg: pwdAttrSimText,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.na.Validate(validate)
			if tt.wantFld == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				if tt.na.Email != "jane@test.cd" {
					t.Errorf("Validate() email = %q, want cleaned", tt.na.Email)
				}
				return
			}
			flds := translate(err)
			msg, ok := flds[tt.wantFld]
			if !ok {
				t.Fatalf("Validate() errors = %v, want error on %q", flds, tt.wantFld)
			}
			if tt.wantMsg != "" && msg != tt.wantMsg {
				t.Errorf("Validate() %s = %q, want %q", tt.wantFld, msg, tt.wantMsg)
			}
		})
	}
}

func TestCredentials_Validate(t *testing.T) {
	validate, translate := newValidate()

	tests := []struct {
		name    string
		creds   Credentials
		wantErr []string
	}{
		{name: "valid", creds: Credentials{Email: "a@b.c", Password: "x"}},
		{name: "empty", creds: Credentials{}, wantErr: []string{"email", "password"}},
		{name: "blank email", creds: Credentials{Email: "   ", Password: "x"}, wantErr: []string{"email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate(validate)
			if (err != nil) != (len(tt.wantErr) > 0) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			flds := translate(err)
			for _, f := range tt.wantErr {
				if _, ok := flds[f]; !ok {
					t.Errorf("Validate() errors = %v, missing %q", flds, f)
				}
			}
		})
	}
}

func TestIdentityFromRecord(t *testing.T) {
	rec := core.Record{ID: "u1", Data: []byte(`{"name":"Jane","email":"jane@test.cd","role":"admin:principal","is_approved":true}`)}
	ident, err := IdentityFromRecord(rec)
	if err != nil {
		t.Fatalf("IdentityFromRecord() error = %v", err)
	}
	want := Identity{ID: "u1", Name: "Jane", Email: "jane@test.cd", Role: RoleAdminPrincipal, IsApproved: true}
	if ident != want {
		t.Errorf("IdentityFromRecord() = %+v, want %+v", ident, want)
	}
	if !ident.IsAdmin() {
		t.Error("IsAdmin() = false, want true")
	}

	if _, err = IdentityFromRecord(core.Record{ID: "u2", Data: []byte(`{`)}); err == nil {
		t.Error("IdentityFromRecord() on bad data: want error")
	}
}
