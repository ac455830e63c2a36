package main

import (
	"context"
	"fmt"

	"github.com/trezcool/masomo-offline/core/user"
)

// addUser creates an approved account. Admin roles can only be created this way.
func (cli *commandLine) addUser(ctx context.Context, name, email, role, pwd string) error {
	na := user.NewAccount{
		Name:            name,
		Email:           email,
		Role:            role,
		Password:        pwd,
		PasswordConfirm: pwd,
	}
	if err := na.Validate(cli.validate); err != nil {
		return err
	}
	rec, err := cli.svc.CreateAccount(ctx, na, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "account %s created (%s)\n", rec.ID, na.Email)
	return nil
}

func (cli *commandLine) approve(ctx context.Context, email string) error {
	rec, err := cli.svc.Approve(ctx, email)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "account %s approved\n", rec.ID)
	return nil
}
