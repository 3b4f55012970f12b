package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"attendsheets/internal/apperr"
	"attendsheets/internal/model"
)

func TestMemory_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateClass(ctx, &model.Class{ID: "c1", TeacherID: "t1", Name: "Maths"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = m.WithTx(ctx, func(tx Tx) error {
		c, err := tx.GetClass(ctx, "c1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c != nil {
			t.Errorf("class must not survive a rolled back tx")
		}
		return nil
	})
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.WithTx(ctx, func(tx Tx) error {
		return tx.CreateClass(ctx, &model.Class{ID: "c1", Students: []model.StudentRecord{
			{ID: "r1", Attendance: map[string]string{"2024-01-01": "P"}},
		}})
	})

	_ = m.WithTx(ctx, func(tx Tx) error {
		c, _ := tx.GetClass(ctx, "c1")
		c.Students[0].Attendance["2024-01-01"] = "A"
		return nil
	})

	_ = m.WithTx(ctx, func(tx Tx) error {
		c, _ := tx.GetClass(ctx, "c1")
		if got := c.Students[0].Attendance["2024-01-01"]; got != "P" {
			t.Errorf("stored ledger mutated without PutClass: %q", got)
		}
		return nil
	})
}

func TestMemory_EnrollmentUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := &model.Enrollment{StudentID: "s1", ClassID: "c1", StudentRecordID: "r1", Status: model.EnrollmentActive}

	err := m.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertEnrollment(ctx, e); err != nil {
			return err
		}
		return tx.InsertEnrollment(ctx, e)
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemory_RotateCodeIsConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	_ = m.WithTx(ctx, func(tx Tx) error {
		return tx.InsertSession(ctx, &model.QRSession{
			ID: "s1", ClassID: "c1", CurrentCode: "AAAAAAAA", CodeGeneratedAt: start, Status: model.SessionActive,
		})
	})

	later := start.Add(10 * time.Second)
	var first, second bool
	_ = m.WithTx(ctx, func(tx Tx) error {
		first, _ = tx.RotateCode(ctx, "s1", start, "BBBBBBBB", later)
		second, _ = tx.RotateCode(ctx, "s1", start, "CCCCCCCC", later)
		return nil
	})
	if !first || second {
		t.Fatalf("expected only the first rotation to apply, got %v %v", first, second)
	}

	_ = m.WithTx(ctx, func(tx Tx) error {
		s, _ := tx.GetActiveSession(ctx, "c1")
		if s.CurrentCode != "BBBBBBBB" || !s.CodeGeneratedAt.Equal(later) {
			t.Errorf("unexpected session after rotation: %+v", s)
		}
		return nil
	})
}

func TestMemory_SingleActiveSessionPerClass(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertSession(ctx, &model.QRSession{ID: "a", ClassID: "c1", Status: model.SessionActive}); err != nil {
			return err
		}
		return tx.InsertSession(ctx, &model.QRSession{ID: "b", ClassID: "c1", Status: model.SessionActive})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemory_CancelledContextIsStorageError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemory().WithTx(ctx, func(Tx) error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})
	if !errors.Is(err, apperr.ErrStorage) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected storage error wrapping context.Canceled, got %v", err)
	}
}
