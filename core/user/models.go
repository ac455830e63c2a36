package user

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/masomo-offline/core"
)

// Roles
const (
	// Admin
	RoleAdmin          = "admin:"
	RoleAdminOwner     = "admin:owner"
	RoleAdminPrincipal = "admin:principal"

	// Teacher
	RoleTeacher = "teacher:"

	// Student
	RoleStudent = "student:"
)

var (
	AdminRoles   = []string{RoleAdmin, RoleAdminOwner, RoleAdminPrincipal}
	TeacherRoles = []string{RoleTeacher}
	StudentRoles = []string{RoleStudent}
	AllRoles     = getAllRoles()

	rolePriorities = map[string]int{
		// Admins: 30 - 21
		RoleAdminOwner:     30,
		RoleAdminPrincipal: 29,
		RoleAdmin:          21,

		// Teachers: 20 - 11
		RoleTeacher: 11,

		// Students: 10 - 1
		RoleStudent: 1,
	}

	Roles = []Role{
		{Name: "Student", Value: RoleStudent},
		{Name: "Teacher", Value: RoleTeacher},
		{Name: "Admin", Value: RoleAdmin},
		{Name: "Admin Principal", Value: RoleAdminPrincipal},
		{Name: "Admin Owner", Value: RoleAdminOwner},
	}
)

func getAllRoles() []string {
	all := make([]string, 0, 5)
	all = append(all, AdminRoles...)
	all = append(all, TeacherRoles...)
	all = append(all, StudentRoles...)
	return all
}

func RolePriority(role string) int {
	return rolePriorities[role]
}

// IsAdminRole reports whether role is one of the admin roles.
func IsAdminRole(role string) bool {
	return RolePriority(role) >= rolePriorities[RoleAdmin]
}

type Role struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Identity is the authenticated principal recognized by the app.
// A Persistent identity survives remote session loss; only an explicit logout clears it.
type Identity struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
	IsApproved   bool   `json:"is_approved"`
	Persistent   bool   `json:"persistent,omitempty"`
}

func (i Identity) IsAdmin() bool   { return IsAdminRole(i.Role) }
func (i Identity) IsTeacher() bool { return i.Role == RoleTeacher }
func (i Identity) IsStudent() bool { return i.Role == RoleStudent }

// PendingRecord is an account awaiting approval.
type PendingRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is the data of a record of the users collection.
type Account struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
	IsApproved   bool   `json:"is_approved"`
}

// AccountFromRecord decodes a users record.
func AccountFromRecord(rec core.Record) (Account, error) {
	var acc Account
	if err := rec.Decode(&acc); err != nil {
		return Account{}, errors.Wrap(err, "decoding account")
	}
	return acc, nil
}

// IdentityFromRecord maps a users record to an Identity.
func IdentityFromRecord(rec core.Record) (Identity, error) {
	acc, err := AccountFromRecord(rec)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ID:           rec.ID,
		Name:         acc.Name,
		Email:        acc.Email,
		Role:         acc.Role,
		Organization: acc.Organization,
		IsApproved:   acc.IsApproved,
	}, nil
}

// PendingFromAccount maps the users record rec, decoded as acc, to a PendingRecord.
func PendingFromAccount(rec core.Record, acc Account) PendingRecord {
	return PendingRecord{
		ID:        rec.ID,
		Name:      acc.Name,
		Email:     acc.Email,
		Role:      acc.Role,
		CreatedAt: rec.CreatedAt,
	}
}

// Credentials contains information needed to sign in.
type Credentials struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (c *Credentials) Validate(validate *validator.Validate) error {
	c.Email = core.CleanString(c.Email, true /* lower */)
	return validate.Struct(c)
}

// NewAccount contains information needed to sign up.
type NewAccount struct {
	Name            string `json:"name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Role            string `json:"role" validate:"required,allroles"`
	Organization    string `json:"organization"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (na *NewAccount) Validate(validate *validator.Validate) error {
	na.Name = core.CleanString(na.Name)
	na.Email = core.CleanString(na.Email, true /* lower */)
	na.Organization = core.CleanString(na.Organization)
	return validate.Struct(na)
}

// Account returns the unapproved account to create.
func (na NewAccount) Account() Account {
	return Account{
		Name:         na.Name,
		Email:        na.Email,
		Role:         na.Role,
		Organization: na.Organization,
	}
}

func HashPassword(pwd string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
}

func CheckPassword(hash []byte, pwd string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(pwd))
}
