package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"attendsheets/internal/apperr"
	"attendsheets/internal/auth"
	"attendsheets/internal/logging"
	"attendsheets/internal/model"
	"attendsheets/internal/notify"
	"attendsheets/internal/queue"
	"attendsheets/internal/store"
	"attendsheets/internal/tokens"
)

type outbox struct {
	emails []notify.Email
}

func (o *outbox) Publish(_ context.Context, msg queue.Message) error {
	e, err := queue.DecodeEmail(msg)
	if err != nil {
		return err
	}
	o.emails = append(o.emails, e)
	return nil
}

func (o *outbox) last() notify.Email {
	if len(o.emails) == 0 {
		return notify.Email{}
	}
	return o.emails[len(o.emails)-1]
}

func newService(t *testing.T) (*Service, *outbox, *auth.Issuer) {
	t.Helper()
	box := &outbox{}
	iss := auth.NewIssuer("attendsheets", "test-key", time.Hour)
	svc := New(store.NewMemory(), tokens.NewMemory(), iss, box, logging.Discard())
	return svc, box, iss
}

func signupAndVerify(t *testing.T, svc *Service, box *outbox, role, email string) *AuthResult {
	t.Helper()
	ctx := context.Background()
	if err := svc.Signup(ctx, role, SignupRequest{Email: email, Password: "password1", Name: "Ada"}); err != nil {
		t.Fatalf("signup: %v", err)
	}
	res, err := svc.VerifyEmail(ctx, role, VerifyRequest{Email: email, Code: box.last().Code})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return res
}

func TestSignupVerifyLogin(t *testing.T) {
	svc, box, iss := newService(t)
	ctx := context.Background()

	res := signupAndVerify(t, svc, box, model.RoleTeacher, "Ada@School.io")
	if res.User.Email != "ada@school.io" || res.User.Role != model.RoleTeacher || res.User.Overview == nil {
		t.Errorf("unexpected account: %+v", res.User)
	}
	if box.last().Kind != notify.KindVerification {
		t.Errorf("expected verification email, got %+v", box.last())
	}
	claims, err := iss.Parse(res.AccessToken)
	if err != nil || claims.Subject != res.User.ID {
		t.Fatalf("token does not carry the account id: %+v %v", claims, err)
	}

	if _, err := svc.Login(ctx, model.RoleTeacher, LoginRequest{Email: "ada@school.io", Password: "password1"}); err != nil {
		t.Errorf("login: %v", err)
	}
	if _, err := svc.Login(ctx, model.RoleTeacher, LoginRequest{Email: "ada@school.io", Password: "nope"}); !errors.Is(err, apperr.ErrBadCredentials) {
		t.Errorf("expected ErrBadCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, model.RoleStudent, LoginRequest{Email: "ada@school.io", Password: "password1"}); !errors.Is(err, apperr.ErrBadCredentials) {
		t.Errorf("role mismatch must fail, got %v", err)
	}
}

func TestSignup_Rejects(t *testing.T) {
	svc, box, _ := newService(t)
	ctx := context.Background()
	signupAndVerify(t, svc, box, model.RoleStudent, "s@school.io")

	if err := svc.Signup(ctx, model.RoleTeacher, SignupRequest{Email: "s@school.io", Password: "password1", Name: "X"}); !errors.Is(err, apperr.ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
	if err := svc.Signup(ctx, model.RoleTeacher, SignupRequest{Email: "new@school.io", Password: "short", Name: "X"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestVerifyEmail_WrongCodeAndRole(t *testing.T) {
	svc, box, _ := newService(t)
	ctx := context.Background()
	_ = svc.Signup(ctx, model.RoleStudent, SignupRequest{Email: "s@school.io", Password: "password1", Name: "S"})

	if _, err := svc.VerifyEmail(ctx, model.RoleStudent, VerifyRequest{Email: "s@school.io", Code: "000000x"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
	if _, err := svc.VerifyEmail(ctx, model.RoleTeacher, VerifyRequest{Email: "s@school.io", Code: box.last().Code}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("role mismatch must fail, got %v", err)
	}
	if _, err := svc.VerifyEmail(ctx, model.RoleStudent, VerifyRequest{Email: "nobody@school.io", Code: "123456"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("missing signup must fail, got %v", err)
	}
}

func TestResendVerification_ReplacesCode(t *testing.T) {
	svc, box, _ := newService(t)
	ctx := context.Background()
	codes := []string{"111111", "222222"}
	svc.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	_ = svc.Signup(ctx, model.RoleStudent, SignupRequest{Email: "s@school.io", Password: "password1", Name: "S"})
	if err := svc.ResendVerification(ctx, "s@school.io"); err != nil {
		t.Fatal(err)
	}
	if box.last().Code != "222222" {
		t.Fatalf("expected new code, got %q", box.last().Code)
	}
	if _, err := svc.VerifyEmail(ctx, model.RoleStudent, VerifyRequest{Email: "s@school.io", Code: "111111"}); err == nil {
		t.Error("old code must be rejected")
	}
	if _, err := svc.VerifyEmail(ctx, model.RoleStudent, VerifyRequest{Email: "s@school.io", Code: "222222"}); err != nil {
		t.Errorf("new code rejected: %v", err)
	}
	if err := svc.ResendVerification(ctx, "other@school.io"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for unknown signup, got %v", err)
	}
}

func TestPasswordReset(t *testing.T) {
	svc, box, _ := newService(t)
	ctx := context.Background()
	signupAndVerify(t, svc, box, model.RoleTeacher, "t@school.io")

	before := len(box.emails)
	if err := svc.RequestPasswordReset(ctx, "unknown@school.io"); err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
	if len(box.emails) != before {
		t.Error("no email for unknown accounts")
	}

	if err := svc.RequestPasswordReset(ctx, "t@school.io"); err != nil {
		t.Fatal(err)
	}
	code := box.last().Code
	if box.last().Kind != notify.KindPasswordReset {
		t.Errorf("unexpected email kind %q", box.last().Kind)
	}
	if err := svc.ResetPassword(ctx, ResetRequest{Email: "t@school.io", Code: code, NewPassword: "brand-new-pw"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, model.RoleTeacher, LoginRequest{Email: "t@school.io", Password: "brand-new-pw"}); err != nil {
		t.Errorf("login with new password: %v", err)
	}
	if err := svc.ResetPassword(ctx, ResetRequest{Email: "t@school.io", Code: code, NewPassword: "again-new-pw"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("reset code must be single use, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, box, _ := newService(t)
	ctx := context.Background()
	res := signupAndVerify(t, svc, box, model.RoleStudent, "s@school.io")

	if err := svc.RequestPasswordChange(ctx, res.User.ID); err != nil {
		t.Fatal(err)
	}
	code := box.last().Code
	err := svc.ChangePassword(ctx, res.User.ID, ChangeRequest{CurrentPassword: "wrong", Code: code, NewPassword: "password2"})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for wrong current password, got %v", err)
	}
	if err := svc.ChangePassword(ctx, res.User.ID, ChangeRequest{CurrentPassword: "password1", Code: code, NewPassword: "password2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, model.RoleStudent, LoginRequest{Email: "s@school.io", Password: "password2"}); err != nil {
		t.Errorf("login with changed password: %v", err)
	}
}

func TestUpdateProfileAndContact(t *testing.T) {
	svc, box, _ := newService(t)
	ctx := context.Background()
	res := signupAndVerify(t, svc, box, model.RoleTeacher, "t@school.io")

	acc, err := svc.UpdateProfile(ctx, res.User.ID, "  Grace  ")
	if err != nil || acc.Name != "Grace" {
		t.Fatalf("unexpected profile: %+v %v", acc, err)
	}
	if _, err := svc.UpdateProfile(ctx, "missing", "X"); !errors.Is(err, apperr.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	msg, err := svc.Contact(ctx, ContactRequest{Name: "V", Email: "V@x.io", Subject: "Hi", Message: "Hello"})
	if err != nil || msg.ID == "" || msg.Email != "v@x.io" {
		t.Errorf("unexpected contact: %+v %v", msg, err)
	}
	if _, err := svc.Contact(ctx, ContactRequest{Name: "V", Email: "v@x.io", Subject: " ", Message: "Hello"}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}
