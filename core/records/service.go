package records

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/user"
)

type (
	ServiceDeps struct {
		DB          core.DB // nil for in-memory storage
		Records     Repository
		Credentials CredentialRepository
		Tokens      TokenRepository
		Mail        core.EmailService
		Publisher   Publisher
		Conf        *core.Config
	}

	Service struct {
		db     core.DB
		repo   Repository
		creds  CredentialRepository
		tokens TokenRepository
		mail   core.EmailService
		pub    Publisher
		conf   *core.Config
	}
)

func NewService(deps ServiceDeps) *Service {
	vala.BeginValidation().Validate(
		vala.IsNotNil(deps.Records, "Records"),
		vala.IsNotNil(deps.Credentials, "Credentials"),
		vala.IsNotNil(deps.Tokens, "Tokens"),
		vala.IsNotNil(deps.Mail, "Mail"),
		vala.IsNotNil(deps.Conf, "Conf"),
	).CheckAndPanic()

	pub := deps.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Service{
		db:     deps.DB,
		repo:   deps.Records,
		creds:  deps.Credentials,
		tokens: deps.Tokens,
		mail:   deps.Mail,
		pub:    pub,
		conf:   deps.Conf,
	}
}

// SetPublisher replaces the publisher of account events.
func (svc *Service) SetPublisher(pub Publisher) {
	svc.pub = pub
}

// CreateAccount creates the users record and the credential of a validated new account.
func (svc *Service) CreateAccount(ctx context.Context, na user.NewAccount, approved bool) (core.Record, error) {
	if _, err := svc.creds.GetCredentialByEmail(ctx, na.Email); err == nil {
		return core.Record{}, core.NewValidationError(ErrEmailExists, core.FieldError{Field: "email", Error: ErrEmailExists.Error()})
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.Record{}, errors.Wrap(err, "checking email uniqueness")
	}

	hash, err := user.HashPassword(na.Password)
	if err != nil {
		return core.Record{}, errors.Wrap(err, "hashing password")
	}
	acc := na.Account()
	acc.IsApproved = approved
	data, err := json.Marshal(acc)
	if err != nil {
		return core.Record{}, errors.Wrap(err, "encoding account")
	}

	var rec core.Record
	err = core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		if rec, err = svc.repo.CreateRecord(ctx, core.CollectionUsers, data, exec); err != nil {
			return errors.Wrap(err, "creating account record")
		}
		now := core.NowFunc()
		cred := Credential{AccountID: rec.ID, Email: acc.Email, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
		return errors.Wrap(svc.creds.CreateCredential(ctx, cred, exec), "creating credential")
	})
	return rec, err
}

// SignUp creates an account awaiting approval. Admin roles cannot sign up.
func (svc *Service) SignUp(ctx context.Context, na user.NewAccount) (core.Record, error) {
	if user.IsAdminRole(na.Role) {
		return core.Record{}, core.NewValidationError(ErrForbidden, core.FieldError{Field: "role", Error: "this role cannot sign up"})
	}
	return svc.CreateAccount(ctx, na, false)
}

// Authenticate returns the identity of the account owning the credential.
// Unapproved accounts authenticate: approval is enforced on record access.
func (svc *Service) Authenticate(ctx context.Context, creds user.Credentials) (user.Identity, error) {
	cred, err := svc.creds.GetCredentialByEmail(ctx, creds.Email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return user.Identity{}, core.ErrInvalidCredential
		}
		return user.Identity{}, errors.Wrap(err, "finding credential")
	}
	if err = user.CheckPassword(cred.PasswordHash, creds.Password); err != nil {
		return user.Identity{}, core.ErrInvalidCredential
	}
	return svc.GetIdentity(ctx, cred.AccountID)
}

func (svc *Service) GetIdentity(ctx context.Context, accountID string) (user.Identity, error) {
	rec, err := svc.repo.GetRecordByID(ctx, core.CollectionUsers, accountID)
	if err != nil {
		return user.Identity{}, errors.Wrap(err, "finding account")
	}
	return user.IdentityFromRecord(rec)
}

// ConsumeRefreshToken revokes the refresh token id. A token can be consumed once.
func (svc *Service) ConsumeRefreshToken(ctx context.Context, id string, expiresAt time.Time) error {
	err := svc.tokens.RevokeToken(ctx, id, expiresAt)
	if errors.Is(err, ErrTokenRevoked) {
		return core.ErrInvalidCredential
	}
	return errors.Wrap(err, "revoking refresh token")
}

func (svc *Service) IsRevoked(ctx context.Context, id string) (bool, error) {
	return svc.tokens.IsTokenRevoked(ctx, id)
}

// SignOut revokes the session and notifies its connected clients.
func (svc *Service) SignOut(ctx context.Context, accountID, sessionID string, expiresAt time.Time) error {
	if err := svc.tokens.RevokeToken(ctx, sessionID, expiresAt); err != nil && !errors.Is(err, ErrTokenRevoked) {
		return errors.Wrap(err, "revoking session")
	}
	svc.pub.Publish(Event{Kind: EventSignedOut, AccountID: accountID, SessionID: sessionID})
	return nil
}

func (svc *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return svc.tokens.PurgeExpiredTokens(ctx, core.NowFunc())
}

func checkCollection(collection string) error {
	if !IsCollection(collection) {
		return errors.Wrap(ErrUnknownCollection, collection)
	}
	return nil
}

func (svc *Service) Get(ctx context.Context, collection, id string) (core.Record, error) {
	if err := checkCollection(collection); err != nil {
		return core.Record{}, err
	}
	return svc.repo.GetRecordByID(ctx, collection, id)
}

// Query returns the records of collection holding field == value. An empty field returns them all.
func (svc *Service) Query(ctx context.Context, collection, field string, value json.RawMessage) ([]core.Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if field == "" {
		return svc.repo.QueryAllRecords(ctx, collection)
	}
	return svc.repo.QueryRecords(ctx, collection, field, value)
}

// Insert creates a record. Accounts are created through SignUp or CreateAccount.
func (svc *Service) Insert(ctx context.Context, collection string, data json.RawMessage) (core.Record, error) {
	if err := checkCollection(collection); err != nil {
		return core.Record{}, err
	}
	if collection == core.CollectionUsers {
		return core.Record{}, errors.Wrap(ErrForbidden, "accounts are created by signing up")
	}
	if err := checkObject(data); err != nil {
		return core.Record{}, err
	}
	return svc.repo.CreateRecord(ctx, collection, data)
}

// Update merges patch into the record's data.
// Approving an account emails its owner; disapproving it signs all its sessions out.
func (svc *Service) Update(ctx context.Context, collection, id string, patch json.RawMessage) (core.Record, error) {
	if err := checkCollection(collection); err != nil {
		return core.Record{}, err
	}
	if err := checkObject(patch); err != nil {
		return core.Record{}, err
	}

	var before, after core.Record
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		var err error
		if before, err = svc.repo.GetRecordByID(ctx, collection, id, exec); err != nil {
			return err
		}
		rec := before
		if rec.Data, err = core.MergeData(before.Data, patch); err != nil {
			return core.NewValidationError(err)
		}
		if collection == core.CollectionUsers {
			if err = checkAccountUpdate(before, rec); err != nil {
				return err
			}
		}
		rec.UpdatedAt = core.NowFunc()
		after, err = svc.repo.UpdateRecord(ctx, collection, rec, exec)
		return err
	})
	if err != nil {
		return core.Record{}, err
	}

	if collection == core.CollectionUsers {
		svc.afterAccountUpdate(before, after)
	}
	return after, nil
}

func checkObject(data json.RawMessage) error {
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &obj); err != nil {
		return core.NewValidationError(errors.New("data must be a JSON object"))
	}
	return nil
}

func checkAccountUpdate(before, after core.Record) error {
	prev, err := user.AccountFromRecord(before)
	if err != nil {
		return err
	}
	next, err := user.AccountFromRecord(after)
	if err != nil {
		return core.NewValidationError(err)
	}
	if next.Email != prev.Email {
		return core.NewValidationError(nil, core.FieldError{Field: "email", Error: "email cannot be changed"})
	}
	if user.RolePriority(next.Role) == 0 {
		return core.NewValidationError(nil, core.FieldError{Field: "role", Error: "invalid role"})
	}
	return nil
}

func (svc *Service) afterAccountUpdate(before, after core.Record) {
	prev, _ := user.AccountFromRecord(before)
	next, _ := user.AccountFromRecord(after)
	switch {
	case !prev.IsApproved && next.IsApproved:
		svc.mail.SendMessages(svc.approvalEmail(next))
	case prev.IsApproved && !next.IsApproved:
		svc.pub.Publish(Event{Kind: EventSignedOut, AccountID: after.ID})
	}
}

func (svc *Service) approvalEmail(acc user.Account) *core.EmailMessage {
	return &core.EmailMessage{
		To:      []mail.Address{{Name: acc.Name, Address: acc.Email}},
		Subject: "Your account has been approved",
		TextContent: fmt.Sprintf(
			"Hi %s,\n\nYour %s account has been approved. You can now sign in at %s.\n",
			acc.Name, svc.conf.AppName, svc.conf.FrontendBaseURL,
		),
	}
}

// Delete removes a record. Deleting an account removes its credential and signs all its sessions out.
func (svc *Service) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		if collection == core.CollectionUsers {
			if err := svc.creds.DeleteCredential(ctx, id, exec); err != nil && !errors.Is(err, core.ErrNotFound) {
				return errors.Wrap(err, "deleting credential")
			}
		}
		return svc.repo.DeleteRecord(ctx, collection, id, exec)
	})
	if err != nil {
		return err
	}
	if collection == core.CollectionUsers {
		svc.pub.Publish(Event{Kind: EventSignedOut, AccountID: id})
	}
	return nil
}

// Approve approves the account registered with email.
func (svc *Service) Approve(ctx context.Context, email string) (core.Record, error) {
	cred, err := svc.creds.GetCredentialByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		return core.Record{}, errors.Wrap(err, "finding credential")
	}
	return svc.Update(ctx, core.CollectionUsers, cred.AccountID, json.RawMessage(`{"is_approved":true}`))
}

// ResetPassword sets the password of the account registered with pr.Email. pr must be validated.
func (svc *Service) ResetPassword(ctx context.Context, pr user.PasswordReset) error {
	cred, err := svc.creds.GetCredentialByEmail(ctx, pr.Email)
	if err != nil {
		return errors.Wrap(err, "finding credential")
	}
	if cred.PasswordHash, err = user.HashPassword(pr.Password); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	cred.UpdatedAt = core.NowFunc()
	return svc.creds.UpdateCredential(ctx, cred)
}
