package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/course"
	"github.com/trezcool/masomo-offline/core/session"
	"github.com/trezcool/masomo-offline/core/user"
)

const (
	cmdLogin   = "login"
	cmdLogout  = "logout"
	cmdWhoami  = "whoami"
	cmdPending = "pending"
	cmdApprove = "approve"
	cmdReject  = "reject"
	cmdCourse  = "course"
	cmdSync    = "sync"
	cmdStatus  = "status"
	cmdWatch   = "watch"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp          = errors.New("help provided")
	errNotLoggedIn   = errors.New("not logged in")
	errNotAuthorized = errors.New("this account cannot author courses")
)

type commandLine struct {
	app *app
	out io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  login -email EMAIL - log in; the password is prompted next")
	fmt.Fprintln(cli.out, "  logout - log out")
	fmt.Fprintln(cli.out, "  whoami - print the current identity")
	fmt.Fprintln(cli.out, "  pending [-refresh] - list the accounts awaiting approval")
	fmt.Fprintln(cli.out, "  approve -id ID - approve a pending account")
	fmt.Fprintln(cli.out, "  reject -id ID - reject a pending account")
	fmt.Fprintln(cli.out, "  course add -title TITLE [-description DESC] - draft a course offline")
	fmt.Fprintln(cli.out, "  sync - push the course drafts to the backend")
	fmt.Fprintln(cli.out, "  status - print the course drafts")
	fmt.Fprintln(cli.out, "  watch - follow the session until it ends")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	if err := cli.app.start(ctx); err != nil {
		return err
	}

	loginCmd := flag.NewFlagSet(cmdLogin, flag.ContinueOnError)
	loginEmail := loginCmd.String("email", "", "The account's email. The password will be prompted next.")

	pendingCmd := flag.NewFlagSet(cmdPending, flag.ContinueOnError)
	pendingRefresh := pendingCmd.Bool("refresh", false, "Load the pending accounts from the backend.")

	approveCmd := flag.NewFlagSet(cmdApprove, flag.ContinueOnError)
	approveID := approveCmd.String("id", "", "The id of the account to approve.")

	rejectCmd := flag.NewFlagSet(cmdReject, flag.ContinueOnError)
	rejectID := rejectCmd.String("id", "", "The id of the account to reject.")

	courseAddCmd := flag.NewFlagSet("course add", flag.ContinueOnError)
	courseTitle := courseAddCmd.String("title", "", "The course's title.")
	courseDesc := courseAddCmd.String("description", "", "The course's description.")

	switch args[1] {
	case cmdLogin:
		if err := loginCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *loginEmail == "" {
			loginCmd.Usage()
			return errHelp
		}
		fmt.Fprint(cli.out, "Enter password:")
		pwd, err := readPasswordFunc(int(syscall.Stdin))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		return cli.login(ctx, *loginEmail, string(pwd))

	case cmdLogout:
		if err := cli.app.session.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cli.out, "logged out")
		return nil

	case cmdWhoami:
		cli.printSnapshot(cli.app.session.Current())
		return nil

	case cmdPending:
		if err := pendingCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.listPending(ctx, *pendingRefresh)

	case cmdApprove:
		if err := approveCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *approveID == "" {
			approveCmd.Usage()
			return errHelp
		}
		if err := cli.app.pending.Approve(ctx, *approveID); err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "account %s approved\n", *approveID)
		return nil

	case cmdReject:
		if err := rejectCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *rejectID == "" {
			rejectCmd.Usage()
			return errHelp
		}
		if err := cli.app.pending.Reject(ctx, *rejectID); err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "account %s rejected\n", *rejectID)
		return nil

	case cmdCourse:
		if len(args) < 3 || args[2] != "add" {
			cli.printUsage()
			return errHelp
		}
		if err := courseAddCmd.Parse(args[3:]); err != nil {
			return err
		}
		if *courseTitle == "" {
			courseAddCmd.Usage()
			return errHelp
		}
		return cli.addCourse(ctx, *courseTitle, *courseDesc)

	case cmdSync:
		return cli.sync(ctx)

	case cmdStatus:
		cli.printStatus()
		return nil

	case cmdWatch:
		if !cli.app.session.Current().Authenticated {
			return errNotLoggedIn
		}
		return cli.app.watch(ctx, cli.printSnapshot)

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) login(ctx context.Context, email, pwd string) error {
	snap, err := cli.app.session.Login(ctx, email, pwd)
	if err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			return errors.New("email and password are required")
		}
		return err
	}
	cli.printSnapshot(snap)
	return nil
}

func (cli *commandLine) printSnapshot(snap session.Snapshot) {
	switch {
	case snap.Identity != nil:
		id := snap.Identity
		fmt.Fprintf(cli.out, "%s <%s> (%s, %s) id=%s\n", id.Name, id.Email, id.Role, snap.State, id.ID)
	case snap.AwaitingApproval:
		fmt.Fprintln(cli.out, "account awaiting approval")
	default:
		fmt.Fprintln(cli.out, errNotLoggedIn.Error())
	}
}

func (cli *commandLine) listPending(ctx context.Context, refresh bool) error {
	set := cli.app.pending.List()
	if refresh {
		var err error
		if set, err = cli.app.pending.Load(ctx); err != nil {
			return err
		}
	}
	if len(set) == 0 {
		fmt.Fprintln(cli.out, "no pending accounts")
		return nil
	}
	for _, pr := range set {
		fmt.Fprintf(cli.out, "%s\t%s <%s>\t%s\t%s\n", pr.ID, pr.Name, pr.Email, pr.Role, pr.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func (cli *commandLine) addCourse(ctx context.Context, title, desc string) error {
	ident := cli.app.session.Current().Identity
	if ident == nil {
		return errNotLoggedIn
	}
	if !ident.IsTeacher() && !user.IsAdminRole(ident.Role) {
		return errNotAuthorized
	}

	crs := course.Course{Title: title, Description: desc, OwnerID: ident.ID, Organization: ident.Organization}
	if err := crs.Validate(cli.app.validate); err != nil {
		return err
	}
	d, err := cli.app.courses.BufferDraft(ctx, crs)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "draft %s buffered\n", d.ID)
	return nil
}

func (cli *commandLine) sync(ctx context.Context) error {
	err := cli.app.courses.SyncAll(ctx)
	var pErr *core.PartialSyncError
	switch {
	case errors.As(err, &pErr):
		fmt.Fprint(cli.out, pErr.Report())
		return err
	case core.IsUnreachable(err):
		fmt.Fprintln(cli.out, "backend unreachable: drafts kept for the next sync")
		return err
	case err != nil:
		return err
	}
	fmt.Fprintln(cli.out, "drafts synced")
	return nil
}

func (cli *commandLine) printStatus() {
	c := cli.app.courses.Status()
	fmt.Fprintf(cli.out, "unsynced: %d, syncing: %d, synced: %d, failed: %d\n", c.Unsynced, c.Syncing, c.Synced, c.Failed)
	for _, d := range cli.app.courses.Drafts() {
		line := fmt.Sprintf("%s\t%s\t%s", d.ID, d.Status, d.Payload.Title)
		if d.Error != "" {
			line += "\t" + d.Error
		}
		fmt.Fprintln(cli.out, line)
	}
}
