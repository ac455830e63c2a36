package main

import (
	"context"
	"fmt"

	"github.com/trezcool/masomo-offline/core/user"
)

func (cli *commandLine) resetPassword(ctx context.Context, email, pwd string) error {
	pr := user.PasswordReset{Email: email, Password: pwd, PasswordConfirm: pwd}
	if err := pr.Validate(cli.validate); err != nil {
		return err
	}
	return cli.svc.ResetPassword(ctx, pr)
}

func (cli *commandLine) hashPassword(pwd string) error {
	hash, err := user.HashPassword(pwd)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, string(hash))
	return nil
}
