// Package account handles signup with email verification, login and
// password management for teachers and students.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"attendsheets/internal/apperr"
	"attendsheets/internal/auth"
	"attendsheets/internal/model"
	"attendsheets/internal/notify"
	"attendsheets/internal/queue"
	"attendsheets/internal/store"
	"attendsheets/internal/tokens"

	"github.com/google/uuid"
)

// Service runs account flows.
type Service struct {
	store   store.Store
	tokens  tokens.Store
	issuer  *auth.Issuer
	events  queue.Publisher
	log     *slog.Logger
	codeTTL time.Duration
	now     func() time.Time
	newCode func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

// WithCodeTTL sets how long verification and reset codes stay valid.
func WithCodeTTL(d time.Duration) Option {
	return func(s *Service) { s.codeTTL = d }
}

// New builds a Service. Emails are handed to events as queue messages.
func New(st store.Store, tok tokens.Store, issuer *auth.Issuer, events queue.Publisher, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		tokens:  tok,
		issuer:  issuer,
		events:  events,
		log:     log,
		codeTTL: 15 * time.Minute,
		now:     time.Now,
		newCode: tokens.NewCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignupRequest starts a signup.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required,max=200"`
}

// VerifyRequest finishes a signup, or carries a reset code.
type VerifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// LoginRequest authenticates an account.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ResetRequest sets a new password with an emailed code.
type ResetRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

// ChangeRequest changes the password of a logged-in account.
type ChangeRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	Code            string `json:"code" validate:"required,len=6,numeric"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

// ContactRequest is a public contact-form submission.
type ContactRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=300"`
	Message string `json:"message" validate:"required,max=5000"`
}

// AuthResult is returned by login and verification.
type AuthResult struct {
	auth.Token
	User *model.Account `json:"user"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup validates the request, stores the pending account with a code and
// queues the verification email. No account exists until VerifyEmail.
func (s *Service) Signup(ctx context.Context, role string, req SignupRequest) error {
	email := normalizeEmail(req.Email)
	name := strings.TrimSpace(req.Name)
	if email == "" || name == "" {
		return apperr.Invalid("email and name are required")
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		return apperr.Invalid("%v", err)
	}
	existing, err := s.lookup(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return apperr.ErrEmailTaken
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return apperr.Storage(err)
	}
	code, err := s.newCode()
	if err != nil {
		return apperr.Storage(err)
	}
	entry := tokens.Entry{Code: code, Payload: map[string]string{
		"name":          name,
		"role":          role,
		"password_hash": hash,
	}}
	if err := s.tokens.Put(ctx, tokens.PurposeSignup, email, entry, s.codeTTL); err != nil {
		return apperr.Storage(err)
	}
	s.sendEmail(ctx, notify.Email{To: email, Name: name, Kind: notify.KindVerification, Code: code})
	s.log.InfoContext(ctx, "signup pending verification", "email", email, "role", role)
	return nil
}

// ResendVerification issues a fresh code for a pending signup.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	entry, err := s.tokens.Get(ctx, tokens.PurposeSignup, email)
	if errors.Is(err, tokens.ErrNotFound) {
		return apperr.Invalid("no pending signup for this email, please sign up again")
	}
	if err != nil {
		return apperr.Storage(err)
	}
	code, err := s.newCode()
	if err != nil {
		return apperr.Storage(err)
	}
	entry.Code = code
	if err := s.tokens.Put(ctx, tokens.PurposeSignup, email, *entry, s.codeTTL); err != nil {
		return apperr.Storage(err)
	}
	s.sendEmail(ctx, notify.Email{To: email, Name: entry.Payload["name"], Kind: notify.KindVerification, Code: code})
	return nil
}

// VerifyEmail checks the code and creates the account.
func (s *Service) VerifyEmail(ctx context.Context, role string, req VerifyRequest) (*AuthResult, error) {
	email := normalizeEmail(req.Email)
	entry, err := s.checkCode(ctx, tokens.PurposeSignup, email, req.Code)
	if err != nil {
		return nil, err
	}
	if entry.Payload["role"] != role {
		return nil, apperr.Invalid("verification code was issued for a %s account", entry.Payload["role"])
	}

	now := s.now().UTC()
	acc := &model.Account{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         entry.Payload["name"],
		PasswordHash: entry.Payload["password_hash"],
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if role == model.RoleTeacher {
		acc.Overview = &model.Overview{LastUpdated: now}
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(ctx, acc); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.ErrEmailTaken
			}
			return apperr.Storage(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Delete(ctx, tokens.PurposeSignup, email); err != nil {
		s.log.WarnContext(ctx, "drop signup token", "email", email, "error", err)
	}
	s.log.InfoContext(ctx, "account created", "account_id", acc.ID, "role", role)
	return s.issue(acc)
}

// Login checks the password of an account with the given role.
func (s *Service) Login(ctx context.Context, role string, req LoginRequest) (*AuthResult, error) {
	acc, err := s.lookup(ctx, normalizeEmail(req.Email))
	if err != nil {
		return nil, err
	}
	if acc == nil || acc.Role != role || !auth.CheckPassword(acc.PasswordHash, req.Password) {
		return nil, apperr.ErrBadCredentials
	}
	return s.issue(acc)
}

// RequestPasswordReset emails a reset code when the account exists. It
// reports success either way so callers cannot tell which emails are registered.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	acc, err := s.lookup(ctx, email)
	if err != nil {
		return err
	}
	if acc == nil {
		s.log.InfoContext(ctx, "password reset for unknown email", "email", email)
		return nil
	}
	return s.sendCode(ctx, tokens.PurposePasswordReset, notify.KindPasswordReset, acc)
}

// ResetPassword sets a new password using a reset code.
func (s *Service) ResetPassword(ctx context.Context, req ResetRequest) error {
	email := normalizeEmail(req.Email)
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		return apperr.Invalid("%v", err)
	}
	if _, err := s.checkCode(ctx, tokens.PurposePasswordReset, email, req.Code); err != nil {
		return err
	}
	err := s.updateAccount(ctx, func(tx store.Tx) (*model.Account, error) {
		acc, err := tx.GetAccountByEmail(ctx, email)
		if err != nil || acc == nil {
			return acc, err
		}
		return tx.LockAccount(ctx, acc.ID)
	}, func(acc *model.Account) error {
		return s.setPassword(acc, req.NewPassword)
	})
	if err != nil {
		return err
	}
	_ = s.tokens.Delete(ctx, tokens.PurposePasswordReset, email)
	return nil
}

// RequestPasswordChange emails a confirmation code to the logged-in account.
func (s *Service) RequestPasswordChange(ctx context.Context, accountID string) error {
	acc, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}
	return s.sendCode(ctx, tokens.PurposePasswordChange, notify.KindPasswordChange, acc)
}

// ChangePassword requires the current password and the emailed code.
func (s *Service) ChangePassword(ctx context.Context, accountID string, req ChangeRequest) error {
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		return apperr.Invalid("%v", err)
	}
	acc, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if !auth.CheckPassword(acc.PasswordHash, req.CurrentPassword) {
		return apperr.Invalid("current password is incorrect")
	}
	if _, err := s.checkCode(ctx, tokens.PurposePasswordChange, acc.Email, req.Code); err != nil {
		return err
	}
	err = s.updateAccount(ctx, func(tx store.Tx) (*model.Account, error) {
		return tx.LockAccount(ctx, accountID)
	}, func(acc *model.Account) error {
		return s.setPassword(acc, req.NewPassword)
	})
	if err != nil {
		return err
	}
	_ = s.tokens.Delete(ctx, tokens.PurposePasswordChange, acc.Email)
	return nil
}

// UpdateProfile renames the account.
func (s *Service) UpdateProfile(ctx context.Context, accountID, name string) (*model.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalid("name is required")
	}
	var out *model.Account
	err := s.updateAccount(ctx, func(tx store.Tx) (*model.Account, error) {
		return tx.LockAccount(ctx, accountID)
	}, func(acc *model.Account) error {
		acc.Name = name
		out = acc
		return nil
	})
	return out, err
}

// Get loads an account by id.
func (s *Service) Get(ctx context.Context, accountID string) (*model.Account, error) {
	var acc *model.Account
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		acc, err = tx.GetAccount(ctx, accountID)
		if err != nil {
			return apperr.Storage(err)
		}
		if acc == nil {
			return apperr.ErrAccountNotFound
		}
		return nil
	})
	return acc, err
}

// Contact stores a contact-form message.
func (s *Service) Contact(ctx context.Context, req ContactRequest) (*model.ContactMessage, error) {
	msg := &model.ContactMessage{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(req.Name),
		Email:     normalizeEmail(req.Email),
		Subject:   strings.TrimSpace(req.Subject),
		Message:   strings.TrimSpace(req.Message),
		CreatedAt: s.now().UTC(),
	}
	if msg.Name == "" || msg.Email == "" || msg.Subject == "" || msg.Message == "" {
		return nil, apperr.Invalid("name, email, subject and message are required")
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return apperr.Storage(tx.InsertContactMessage(ctx, msg))
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "contact message received", "id", msg.ID, "email", msg.Email)
	return msg, nil
}

func (s *Service) lookup(ctx context.Context, email string) (*model.Account, error) {
	var acc *model.Account
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		acc, err = tx.GetAccountByEmail(ctx, email)
		return apperr.Storage(err)
	})
	return acc, err
}

// updateAccount applies a change to the account returned by load, which
// must lock the row.
func (s *Service) updateAccount(ctx context.Context, load func(store.Tx) (*model.Account, error), apply func(*model.Account) error) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		acc, err := load(tx)
		if err != nil {
			return apperr.Storage(err)
		}
		if acc == nil {
			return apperr.ErrAccountNotFound
		}
		if err := apply(acc); err != nil {
			return err
		}
		acc.UpdatedAt = s.now().UTC()
		return apperr.Storage(tx.UpdateAccount(ctx, acc))
	})
}

func (s *Service) setPassword(acc *model.Account, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return apperr.Storage(err)
	}
	acc.PasswordHash = hash
	return nil
}

func (s *Service) checkCode(ctx context.Context, purpose, email, code string) (*tokens.Entry, error) {
	entry, err := s.tokens.Get(ctx, purpose, email)
	if errors.Is(err, tokens.ErrNotFound) {
		return nil, apperr.Invalid("code expired or not found, please request a new one")
	}
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if entry.Code != strings.TrimSpace(code) {
		return nil, apperr.Invalid("invalid code")
	}
	return entry, nil
}

func (s *Service) sendCode(ctx context.Context, purpose, kind string, acc *model.Account) error {
	code, err := s.newCode()
	if err != nil {
		return apperr.Storage(err)
	}
	if err := s.tokens.Put(ctx, purpose, acc.Email, tokens.Entry{Code: code}, s.codeTTL); err != nil {
		return apperr.Storage(err)
	}
	s.sendEmail(ctx, notify.Email{To: acc.Email, Name: acc.Name, Kind: kind, Code: code})
	return nil
}

func (s *Service) sendEmail(ctx context.Context, e notify.Email) {
	msg, err := queue.NewEmail(e)
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		s.log.ErrorContext(ctx, "queue email", "to", e.To, "kind", e.Kind, "error", err)
	}
}

func (s *Service) issue(acc *model.Account) (*AuthResult, error) {
	tok, err := s.issuer.Issue(acc.ID, acc.Role, acc.Email)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return &AuthResult{Token: tok, User: acc}, nil
}
