package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	"github.com/trezcool/masomo-offline/core/user"
	"github.com/trezcool/masomo-offline/storage/database"
)

const (
	cmdMigrate       = "migrate"
	cmdApprove       = "approve"
	cmdAddUser       = "adduser"
	cmdResetPassword = "resetpassword"
	cmdHashPassword  = "hashpassword"
)

var (
	readPasswordFunc = term.ReadPassword // mockable
	migrateFunc      = database.Migrate  // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db       *sql.DB
	svc      *records.Service
	validate *validator.Validate
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose command (up, down, status...) on the database")
	fmt.Fprintln(cli.out, "  approve -email EMAIL - approve an account awaiting approval")
	fmt.Fprintln(cli.out, "  adduser -name NAME -email EMAIL [-role ROLE] - create an approved account")
	fmt.Fprintln(cli.out, "  resetpassword -username EMAIL - reset an account's password")
	fmt.Fprintln(cli.out, "  hashpassword - print the bcrypt hash of a password (break-glass configuration)")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	ctx := context.Background()

	approveCmd := flag.NewFlagSet(cmdApprove, flag.ContinueOnError)
	approveEmail := approveCmd.String("email", "", "The email of the account to approve.")

	addUserCmd := flag.NewFlagSet(cmdAddUser, flag.ContinueOnError)
	addUserName := addUserCmd.String("name", "", "The account's name.")
	addUserEmail := addUserCmd.String("email", "", "The account's email. The password will be prompted next.")
	addUserRole := addUserCmd.String("role", user.RoleAdminOwner, "The account's role.")

	resetPasswordCmd := flag.NewFlagSet(cmdResetPassword, flag.ContinueOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The account's email. The password will be prompted next.")

	switch args[1] {
	case cmdMigrate:
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case cmdApprove:
		if err := approveCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *approveEmail == "" {
			approveCmd.Usage()
			return errHelp
		}
		return cli.approve(ctx, *approveEmail)

	case cmdAddUser:
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addUserName == "" || *addUserEmail == "" {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := cli.readPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			addUserCmd.Usage()
			return errHelp
		}
		return cli.addUser(ctx, *addUserName, *addUserEmail, *addUserRole, pwd)

	case cmdResetPassword:
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.readPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(ctx, *resetPasswordUname, pwd)

	case cmdHashPassword:
		pwd, err := cli.readPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			cli.printUsage()
			return errHelp
		}
		return cli.hashPassword(pwd)

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) readPassword() (string, error) {
	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	return string(pwd), err
}

func newValidate() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate, translator
}
