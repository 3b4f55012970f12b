package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"attendsheets/internal/apperr"
	"attendsheets/internal/logging"
	"attendsheets/internal/model"
	"attendsheets/internal/store"
)

// lockLog records the row locks taken inside transactions.
type lockLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *lockLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *lockLog) reset() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.calls
	l.calls = nil
	return out
}

type recordingStore struct {
	store.Store
	log *lockLog
}

func (s recordingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(recordingTx{Tx: tx, log: s.log})
	})
}

type recordingTx struct {
	store.Tx
	log *lockLog
}

func (t recordingTx) LockClass(ctx context.Context, id string) (*model.Class, error) {
	t.log.add("class:" + id)
	return t.Tx.LockClass(ctx, id)
}

func (t recordingTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	t.log.add("account:" + id)
	return t.Tx.LockAccount(ctx, id)
}

// checkLockOrder fails when a class lock follows an account lock, or when
// student account locks are out of id order. Only the first lock of a row
// counts; taking it again inside the same transaction cannot block.
func checkLockOrder(t *testing.T, op string, calls []string) {
	t.Helper()
	sawAccount := false
	held := make(map[string]bool)
	var classes, students []string
	for _, c := range calls {
		if held[c] {
			continue
		}
		held[c] = true
		switch {
		case strings.HasPrefix(c, "class:"):
			if sawAccount {
				t.Errorf("%s: class lock after account lock: %v", op, calls)
			}
			classes = append(classes, c)
		case strings.HasPrefix(c, "account:s"):
			sawAccount = true
			students = append(students, c)
		case strings.HasPrefix(c, "account:"):
			sawAccount = true
		}
	}
	if !sort.StringsAreSorted(classes) {
		t.Errorf("%s: class locks out of order: %v", op, classes)
	}
	if !sort.StringsAreSorted(students) {
		t.Errorf("%s: student locks out of order: %v", op, students)
	}
}

func TestLockOrder_ClassesBeforeAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second, err := f.eng.CreateClass(ctx, "t1", ClassInput{Name: "Chemistry"})
	if err != nil {
		t.Fatal(err)
	}

	locks := &lockLog{}
	eng := New(recordingStore{Store: f.st, log: locks}, logging.Discard())

	for _, classID := range []string{f.class, second.ID} {
		for _, s := range []string{"s2", "s1"} {
			if _, err := eng.Enroll(ctx, s, classID, StudentInfo{Name: s, RollNo: "R-" + s}); err != nil {
				t.Fatalf("enroll %s: %v", s, err)
			}
			checkLockOrder(t, "enroll", locks.reset())
		}
	}

	name := "Physics II"
	if _, err := eng.UpdateClass(ctx, "t1", f.class, ClassUpdate{Name: &name, Students: &[]model.StudentRecord{}}); err != nil {
		t.Fatal(err)
	}
	checkLockOrder(t, "update class", locks.reset())

	if _, err := eng.Unenroll(ctx, "s1", second.ID); err != nil {
		t.Fatal(err)
	}
	checkLockOrder(t, "unenroll", locks.reset())

	if err := eng.DeleteStudent(ctx, "s2"); err != nil {
		t.Fatal(err)
	}
	checkLockOrder(t, "delete student", locks.reset())

	if err := eng.DeleteTeacher(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	checkLockOrder(t, "delete teacher", locks.reset())
}

func TestEnroll_ConcurrentKeepsCacheConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	classIDs := []string{f.class}
	for i := 0; i < 4; i++ {
		v, err := f.eng.CreateClass(ctx, "t1", ClassInput{Name: fmt.Sprintf("Elective %d", i)})
		if err != nil {
			t.Fatal(err)
		}
		classIDs = append(classIDs, v.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*len(classIDs)*2)
	for _, classID := range classIDs {
		for _, s := range []string{"s1", "s2"} {
			// Two racing requests per pair: exactly one must win.
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(s, classID string) {
					defer wg.Done()
					_, err := f.eng.Enroll(ctx, s, classID, StudentInfo{Name: s, RollNo: "R-" + s})
					errs <- err
				}(s, classID)
			}
		}
	}
	wg.Wait()
	close(errs)

	conflicts := 0
	for err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, apperr.ErrAlreadyEnrolled):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if want := 2 * len(classIDs); conflicts != want {
		t.Errorf("expected %d conflicts, got %d", want, conflicts)
	}

	for _, s := range []string{"s1", "s2"} {
		acc := f.account(s)
		if len(acc.EnrolledClasses) != len(classIDs) {
			t.Errorf("%s: cache has %d classes, want %d", s, len(acc.EnrolledClasses), len(classIDs))
		}
		for _, classID := range classIDs {
			found := false
			for _, ec := range acc.EnrolledClasses {
				found = found || ec.ClassID == classID
			}
			if !found {
				t.Errorf("%s: class %s missing from cache", s, classID)
			}
		}
	}

	if ov, err := f.eng.TeacherOverview(ctx, "t1"); err != nil || ov.TotalStudents != 2*len(classIDs) {
		t.Errorf("overview = %+v, %v", ov, err)
	}
}

type duplicateStore struct{ store.Store }

func (s duplicateStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error { return fn(duplicateTx{tx}) })
}

// duplicateTx stands in for a unique-index hit from a racing insert.
type duplicateTx struct{ store.Tx }

func (duplicateTx) InsertEnrollment(context.Context, *model.Enrollment) error {
	return store.ErrDuplicate
}

func TestEnroll_UniqueViolationIsAlreadyEnrolled(t *testing.T) {
	f := newFixture(t)
	eng := New(duplicateStore{f.st}, logging.Discard())

	_, err := eng.Enroll(context.Background(), "s1", f.class, StudentInfo{Name: "Asha", RollNo: "R-01"})
	if !errors.Is(err, apperr.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
	if f.enrollment("s1") != nil {
		t.Error("failed enroll must not leave an enrollment")
	}
	if len(f.account("s1").EnrolledClasses) != 0 {
		t.Error("failed enroll must not touch the student cache")
	}
}
