package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"attendsheets/internal/apperr"
	"attendsheets/internal/model"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPostgres(db), mock
}

var accountCols = []string{"id", "email", "name", "password_hash", "role", "enrolled_classes", "overview", "created_at", "updated_at"}

func TestPostgres_LockAccountSelectsForUpdate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		overview     any
		wantOverview bool
	}{
		{"sql null", nil, false},
		{"json null", "null", false},
		{"stored overview", `{"total_classes":2,"total_students":5}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock := newMockPostgres(t)
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1 FOR UPDATE`).
				WithArgs("t1").
				WillReturnRows(sqlmock.NewRows(accountCols).
					AddRow("t1", "t1@school.test", "Ms T", "hash", "teacher", "[]", tt.overview, now, now))
			mock.ExpectCommit()

			err := p.WithTx(ctx, func(tx Tx) error {
				acc, err := tx.LockAccount(ctx, "t1")
				if err != nil {
					return err
				}
				if acc == nil || acc.Role != model.RoleTeacher {
					t.Fatalf("unexpected account %+v", acc)
				}
				if (acc.Overview != nil) != tt.wantOverview {
					t.Errorf("overview = %+v, want present=%v", acc.Overview, tt.wantOverview)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPostgres_LockAccountMissingIsNil(t *testing.T) {
	ctx := context.Background()
	p, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectCommit()

	err := p.WithTx(ctx, func(tx Tx) error {
		acc, err := tx.LockAccount(ctx, "ghost")
		if err != nil {
			return err
		}
		if acc != nil {
			t.Errorf("expected nil account, got %+v", acc)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgres_RotateCodeChecksRowsAffected(t *testing.T) {
	ctx := context.Background()
	prev := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	at := prev.Add(5 * time.Second)

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"won the rotation", 1, true},
		{"another request rotated first", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock := newMockPostgres(t)
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE qr_sessions SET current_code = \$3, code_generated_at = \$4 WHERE id = \$1 AND code_generated_at = \$2 AND status = 'active'`).
				WithArgs("sess-1", prev, "NEWCODE1", at).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectCommit()

			var got bool
			err := p.WithTx(ctx, func(tx Tx) error {
				var err error
				got, err = tx.RotateCode(ctx, "sess-1", prev, "NEWCODE1", at)
				return err
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RotateCode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPostgres_InsertEnrollmentUniqueViolation(t *testing.T) {
	ctx := context.Background()
	p, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO enrollments`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := p.WithTx(ctx, func(tx Tx) error {
		return tx.InsertEnrollment(ctx, &model.Enrollment{
			StudentID:  "s1",
			ClassID:    "c1",
			Status:     model.EnrollmentActive,
			EnrolledAt: time.Now(),
		})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgres_GetActiveSessionLocksAndDecodes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	p, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM qr_sessions WHERE class_id = \$1 AND status = 'active' FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "class_id", "teacher_id", "current_code", "code_generated_at", "rotation_interval",
			"attendance_date", "scanned_students", "status", "superseded", "started_at", "last_scan_at", "stopped_at",
		}).AddRow("sess-1", "c1", "t1", "ABCD1234", now, 5, "2024-03-01", `["r1","r2"]`, "active", false, now, now, nil))
	mock.ExpectCommit()

	err := p.WithTx(ctx, func(tx Tx) error {
		s, err := tx.GetActiveSession(ctx, "c1")
		if err != nil {
			return err
		}
		if s == nil {
			t.Fatal("expected a session")
		}
		if !s.HasScanned("r2") || len(s.ScannedStudents) != 2 {
			t.Errorf("scanned students = %v", s.ScannedStudents)
		}
		if s.LastScanAt == nil || s.StoppedAt != nil {
			t.Errorf("last scan %v stopped %v", s.LastScanAt, s.StoppedAt)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgres_TxFailuresAreStorageErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("begin", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

		err := p.WithTx(ctx, func(Tx) error {
			t.Fatal("fn must not run without a transaction")
			return nil
		})
		if !errors.Is(err, apperr.ErrStorage) {
			t.Fatalf("expected storage error, got %v", err)
		}
	})

	t.Run("commit", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

		err := p.WithTx(ctx, func(Tx) error { return nil })
		if !errors.Is(err, apperr.ErrStorage) {
			t.Fatalf("expected storage error, got %v", err)
		}
	})
}
