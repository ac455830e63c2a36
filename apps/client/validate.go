package main

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/user"
)

func newValidate() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate
}
