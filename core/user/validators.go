package user

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/trezcool/masomo-offline/core"
)

var (
	allRolesTag  = "allroles"
	allRolesText = "invalid role"

	// password policy
	pwdMinLen     = 8
	pwdMinLenTag  = "pwdminlen"
	pwdMinLenText = fmt.Sprintf("password must contain at least %d characters", pwdMinLen)

	pwdNoSpaceTag  = "pwdnospace"
	pwdNoSpaceText = "password must not contain whitespace"

	pwdNotAllNumTag  = "pwdnotallnum"
	pwdNotAllNumText = "password cannot be entirely numeric"

	pwdComplexityTag  = "pwdcplx"
	pwdComplexityText = "password must contain at least 1 uppercase character, 1 lowercase character, 1 digit and 1 special character"
	specialRegex      = regexp.MustCompile("[^A-Za-z0-9]")

	pwdMaxSim      = .7
	pwdAttrSimTag  = "pwdtoosim"
	pwdAttrSimText = "password cannot be similar to user attributes"
)

// InitValidators registers the user validations on validate.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(allRolesTag, allRolesValidation)
	core.RegisterCustomTranslation(validate, translator, allRolesTag, allRolesText)

	validate.RegisterStructValidation(accountStructValidation, NewAccount{}, PasswordReset{})
	core.RegisterCustomTranslation(validate, translator, pwdMinLenTag, pwdMinLenText)
	core.RegisterCustomTranslation(validate, translator, pwdNoSpaceTag, pwdNoSpaceText)
	core.RegisterCustomTranslation(validate, translator, pwdNotAllNumTag, pwdNotAllNumText)
	core.RegisterCustomTranslation(validate, translator, pwdComplexityTag, pwdComplexityText)
	core.RegisterCustomTranslation(validate, translator, pwdAttrSimTag, pwdAttrSimText)
}

// PasswordReset contains information needed to set a new password.
type PasswordReset struct {
	Email           string `json:"email" validate:"required"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (pr *PasswordReset) Validate(validate *validator.Validate) error {
	pr.Email = core.CleanString(pr.Email, true /* lower */)
	return validate.Struct(pr)
}

// Custom Validators

// allRolesValidation checks that the role is one of AllRoles
func allRolesValidation(fl validator.FieldLevel) bool {
	role := fl.Field().String()
	for _, r := range AllRoles {
		if r == role {
			return true
		}
	}
	return false
}

// accountStructValidation does struct level validation on NewAccount and PasswordReset structs.
func accountStructValidation(sl validator.StructLevel) {
	switch acc := sl.Current().Interface().(type) {
	case NewAccount:
		validatePassword(acc.Password, sl, acc.Name, acc.Email)
	case PasswordReset:
		validatePassword(acc.Password, sl, acc.Email)
	}
}

// validatePassword applies the password policy to provided password:
// - minLen: 8
// - no whitespace
// - no all numeric
// - complexity: 1 upper, 1 lower, 1 digit, 1 special
// - no user attrs similarity
func validatePassword(pwd string, sl validator.StructLevel, attrs ...string) {
	reportErr := func(tag string) {
		sl.ReportError(pwd, "password", "Password", tag, "")
	}
	if pwd == "" {
		return // reported by `required`
	}

	var (
		digitCount         int
		hasUpper, hasLower bool
	)

	pwdLen := len([]rune(pwd))
	if pwdLen < pwdMinLen {
		reportErr(pwdMinLenTag)
		return
	}
	for _, char := range pwd {
		if unicode.IsSpace(char) {
			reportErr(pwdNoSpaceTag)
			return
		}
		if unicode.IsDigit(char) {
			digitCount++
		}
		if !hasUpper && unicode.IsUpper(char) {
			hasUpper = true
		}
		if !hasLower && unicode.IsLower(char) {
			hasLower = true
		}
	}

	if digitCount == pwdLen {
		reportErr(pwdNotAllNumTag)
		return
	}

	if !(hasUpper && hasLower && digitCount > 0 && specialRegex.MatchString(pwd)) {
		reportErr(pwdComplexityTag)
		return
	}

	getRatio := func(pass, usrAttr string) float64 {
		if usrAttr == "" {
			return 0
		}
		return difflib.NewMatcher(strings.Split(pass, ""), strings.Split(usrAttr, "")).QuickRatio()
	}
	for _, attr := range attrs {
		if getRatio(strings.ToLower(pwd), strings.ToLower(attr)) >= pwdMaxSim {
			reportErr(pwdAttrSimTag)
			return
		}
	}
}
