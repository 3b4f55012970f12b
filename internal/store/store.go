package store

import (
	"context"
	"errors"
	"time"

	"attendsheets/internal/model"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

// Store is the record store the engines are written against. Every logical
// operation runs inside WithTx so that class, enrollment and session writes
// commit together.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx exposes the record operations available inside a transaction. Getters
// return (nil, nil) when the record does not exist.
type Tx interface {
	// Accounts.
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	// LockAccount returns the account and holds it until the transaction
	// ends. Lock order is class rows first, then student accounts by id,
	// then the teacher account.
	LockAccount(ctx context.Context, id string) (*model.Account, error)
	UpdateAccount(ctx context.Context, a *model.Account) error
	DeleteAccount(ctx context.Context, id string) error

	// Classes. LockClass returns the class and holds it until the transaction ends.
	CreateClass(ctx context.Context, c *model.Class) error
	GetClass(ctx context.Context, id string) (*model.Class, error)
	LockClass(ctx context.Context, id string) (*model.Class, error)
	ListClassesByTeacher(ctx context.Context, teacherID string) ([]model.Class, error)
	PutClass(ctx context.Context, c *model.Class) error
	DeleteClass(ctx context.Context, id string) error

	// Enrollments. ListEnrollments returns every status.
	GetEnrollment(ctx context.Context, studentID, classID string) (*model.Enrollment, error)
	ListEnrollments(ctx context.Context, classID string) ([]model.Enrollment, error)
	ListStudentEnrollments(ctx context.Context, studentID string) ([]model.Enrollment, error)
	InsertEnrollment(ctx context.Context, e *model.Enrollment) error
	UpdateEnrollment(ctx context.Context, e *model.Enrollment) error
	DeleteEnrollmentsByClass(ctx context.Context, classID string) error
	DeleteEnrollmentsByStudent(ctx context.Context, studentID string) error
	CountActiveEnrollments(ctx context.Context, teacherID string) (int, error)

	// QR sessions. GetActiveSession locks the session row when one exists.
	GetActiveSession(ctx context.Context, classID string) (*model.QRSession, error)
	InsertSession(ctx context.Context, s *model.QRSession) error
	UpdateSession(ctx context.Context, s *model.QRSession) error
	RotateCode(ctx context.Context, sessionID string, prevGeneratedAt time.Time, code string, at time.Time) (bool, error)
	DeleteSessionsByClass(ctx context.Context, classID string) error

	// Contact form and activity log.
	InsertContactMessage(ctx context.Context, m *model.ContactMessage) error
	InsertActivity(ctx context.Context, a *model.Activity) error
	ListActivity(ctx context.Context, classID string, limit int) ([]model.Activity, error)
}
