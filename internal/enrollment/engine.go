// Package enrollment manages class membership: enroll, unenroll, teacher
// roster edits and the teacher-facing class views that depend on them.
//
// A StudentRecord is never removed from its class. Membership lives in the
// Enrollment rows, and every teacher read filters the records down to the
// active enrollment set.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"attendsheets/internal/apperr"
	"attendsheets/internal/attendance"
	"attendsheets/internal/metrics"
	"attendsheets/internal/model"
	"attendsheets/internal/queue"
	"attendsheets/internal/store"

	"github.com/google/uuid"
)

const recordIDAttempts = 5

// Enroll results.
const (
	StatusEnrolled   = "enrolled"
	StatusReEnrolled = "re-enrolled"
)

// Engine runs enrollment operations against a store.
type Engine struct {
	store  store.Store
	log    *slog.Logger
	events queue.Publisher
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sends activity events after each committed change.
func WithPublisher(p queue.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides the record id generator.
func WithIDs(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

func New(st store.Store, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StudentInfo is what a student submits when joining a class.
type StudentInfo struct {
	Name   string `json:"name" validate:"required,max=200"`
	RollNo string `json:"rollNo" validate:"required,max=64"`
	Email  string `json:"email" validate:"omitempty,email"`
}

// EnrollResult reports which branch Enroll took.
type EnrollResult struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	ClassID         string `json:"class_id"`
	ClassName       string `json:"class_name"`
	StudentRecordID string `json:"student_record_id"`
	RestoredRecords int    `json:"restored_records"`
}

// Enroll adds the student to the class, or reactivates an earlier enrollment
// with its attendance history intact.
func (e *Engine) Enroll(ctx context.Context, studentID, classID string, info StudentInfo) (EnrollResult, error) {
	info.Name = strings.TrimSpace(info.Name)
	info.RollNo = strings.TrimSpace(info.RollNo)
	info.Email = strings.TrimSpace(info.Email)
	if info.Name == "" || info.RollNo == "" {
		return EnrollResult{}, apperr.Invalid("name and roll number are required")
	}

	now := e.timestamp()
	var res EnrollResult
	var events []queue.Message
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		events = nil
		class, err := tx.LockClass(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if class == nil {
			return apperr.ErrClassNotFound
		}
		student, err := tx.LockAccount(ctx, studentID)
		if err != nil {
			return apperr.Storage(err)
		}
		if student == nil || student.Role != model.RoleStudent {
			return apperr.ErrAccountNotFound
		}
		if info.Email == "" {
			info.Email = student.Email
		}

		enr, err := tx.GetEnrollment(ctx, studentID, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if enr.Active() {
			return apperr.ErrAlreadyEnrolled
		}

		if enr != nil {
			enr.Status = model.EnrollmentActive
			enr.ReEnrolledAt = &now
			enr.RollNo = info.RollNo
			enr.Name = info.Name
			enr.Email = info.Email
			if err := tx.UpdateEnrollment(ctx, enr); err != nil {
				return apperr.Storage(err)
			}
			rec := class.Record(enr.StudentRecordID)
			if rec == nil {
				e.repaired("enroll", class.ID, *enr)
				events = append(events, e.activity(class.ID, studentID, queue.ActivityRecordRepaired, map[string]any{"record_id": enr.StudentRecordID, "path": "enroll"}, now)...)
				rec = attendance.Recreate(class, *enr)
			}
			rec.Name = info.Name
			rec.RollNo = info.RollNo
			res = EnrollResult{
				Status:          StatusReEnrolled,
				StudentRecordID: enr.StudentRecordID,
				RestoredRecords: len(rec.Attendance),
				Message:         fmt.Sprintf("Welcome back! Your %d attendance records have been restored.", len(rec.Attendance)),
			}
		} else {
			recordID, err := e.allocateRecordID(class)
			if err != nil {
				return err
			}
			enr = &model.Enrollment{
				StudentID:       studentID,
				StudentRecordID: recordID,
				ClassID:         classID,
				Status:          model.EnrollmentActive,
				RollNo:          info.RollNo,
				Name:            info.Name,
				Email:           info.Email,
				EnrolledAt:      now,
			}
			if err := tx.InsertEnrollment(ctx, enr); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return apperr.ErrAlreadyEnrolled
				}
				return apperr.Storage(err)
			}
			class.Students = append(class.Students, model.StudentRecord{
				ID:         recordID,
				Name:       info.Name,
				RollNo:     info.RollNo,
				Email:      info.Email,
				Attendance: map[string]string{},
			})
			res = EnrollResult{
				Status:          StatusEnrolled,
				StudentRecordID: recordID,
				Message:         "Successfully enrolled in class!",
			}
		}
		res.ClassID = class.ID
		res.ClassName = class.Name

		class.UpdatedAt = now
		if err := tx.PutClass(ctx, class); err != nil {
			return apperr.Storage(err)
		}

		teacherName := ""
		teacher, err := tx.GetAccount(ctx, class.TeacherID)
		if err != nil {
			return apperr.Storage(err)
		}
		if teacher != nil {
			teacherName = teacher.Name
		}
		student.AddEnrolledClass(model.EnrolledClass{
			ClassID:      class.ID,
			ClassName:    class.Name,
			TeacherName:  teacherName,
			EnrolledAt:   enr.EnrolledAt,
			ReEnrolledAt: enr.ReEnrolledAt,
		})
		student.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, student); err != nil {
			return apperr.Storage(err)
		}
		if _, err := refreshOverview(ctx, tx, class.TeacherID, now); err != nil {
			return err
		}

		typ := queue.ActivityEnrolled
		if res.Status == StatusReEnrolled {
			typ = queue.ActivityReEnrolled
		}
		events = append(events, e.activity(class.ID, studentID, typ, map[string]any{
			"record_id": res.StudentRecordID,
			"roll_no":   info.RollNo,
		}, now)...)
		return nil
	})
	if err != nil {
		return EnrollResult{}, err
	}

	metrics.Enrollments.WithLabelValues(res.Status).Inc()
	e.log.InfoContext(ctx, "student enrolled", "class_id", classID, "student_id", studentID, "status", res.Status, "restored", res.RestoredRecords)
	e.publish(ctx, events)
	return res, nil
}

// Unenroll deactivates the student's enrollment. The record and its
// attendance stay in the class. It returns false when there was no active
// enrollment to end.
func (e *Engine) Unenroll(ctx context.Context, studentID, classID string) (bool, error) {
	now := e.timestamp()
	var done bool
	var events []queue.Message
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		done, events = false, nil
		class, err := tx.LockClass(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if class == nil {
			return apperr.ErrClassNotFound
		}
		enr, err := tx.GetEnrollment(ctx, studentID, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if !enr.Active() {
			return nil
		}

		enr.Status = model.EnrollmentInactive
		enr.UnenrolledAt = &now
		if err := tx.UpdateEnrollment(ctx, enr); err != nil {
			return apperr.Storage(err)
		}
		if err := dropFromCache(ctx, tx, studentID, classID, now); err != nil {
			return err
		}
		if _, err := refreshOverview(ctx, tx, class.TeacherID, now); err != nil {
			return err
		}
		done = true
		events = e.activity(classID, studentID, queue.ActivityUnenrolled, map[string]any{"record_id": enr.StudentRecordID}, now)
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		metrics.Enrollments.WithLabelValues("unenrolled").Inc()
		e.log.InfoContext(ctx, "student unenrolled", "class_id", classID, "student_id", studentID)
		e.publish(ctx, events)
	}
	return done, nil
}

// TeacherOverview counts the teacher's classes and active students.
func (e *Engine) TeacherOverview(ctx context.Context, teacherID string) (model.Overview, error) {
	var ov model.Overview
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ov, err = computeOverview(ctx, tx, teacherID, e.timestamp())
		return err
	})
	return ov, err
}

// allocateRecordID returns a fresh id that no record of the class uses.
func (e *Engine) allocateRecordID(class *model.Class) (string, error) {
	for i := 0; i < recordIDAttempts; i++ {
		id := e.newID()
		if id != "" && class.Record(id) == nil {
			return id, nil
		}
	}
	return "", apperr.Storage(fmt.Errorf("could not allocate a record id for class %s", class.ID))
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) repaired(path, classID string, enr model.Enrollment) {
	metrics.Repairs.WithLabelValues(path).Inc()
	e.log.Warn("student record missing, recreated with empty attendance",
		"anomaly", true, "path", path, "class_id", classID,
		"student_id", enr.StudentID, "record_id", enr.StudentRecordID)
}

func (e *Engine) activity(classID, actorID, typ string, detail map[string]any, at time.Time) []queue.Message {
	if e.events == nil {
		return nil
	}
	msg, err := queue.NewActivity(classID, actorID, typ, detail, at)
	if err != nil {
		e.log.Error("encode activity", "type", typ, "error", err)
		return nil
	}
	return []queue.Message{msg}
}

func (e *Engine) publish(ctx context.Context, msgs []queue.Message) {
	for _, msg := range msgs {
		if err := e.events.Publish(ctx, msg); err != nil {
			e.log.ErrorContext(ctx, "publish event", "type", msg.Type, "error", err)
		}
	}
}

func computeOverview(ctx context.Context, tx store.Tx, teacherID string, now time.Time) (model.Overview, error) {
	classes, err := tx.ListClassesByTeacher(ctx, teacherID)
	if err != nil {
		return model.Overview{}, apperr.Storage(err)
	}
	students, err := tx.CountActiveEnrollments(ctx, teacherID)
	if err != nil {
		return model.Overview{}, apperr.Storage(err)
	}
	return model.Overview{TotalClasses: len(classes), TotalStudents: students, LastUpdated: now}, nil
}

// refreshOverview recomputes the overview and stores it on the teacher
// account. It locks the teacher account, so callers run it after every
// class and student lock they need.
func refreshOverview(ctx context.Context, tx store.Tx, teacherID string, now time.Time) (model.Overview, error) {
	ov, err := computeOverview(ctx, tx, teacherID, now)
	if err != nil {
		return ov, err
	}
	teacher, err := tx.LockAccount(ctx, teacherID)
	if err != nil {
		return ov, apperr.Storage(err)
	}
	if teacher == nil {
		return ov, nil
	}
	teacher.Overview = &ov
	teacher.UpdatedAt = now
	return ov, apperr.Storage(tx.UpdateAccount(ctx, teacher))
}

// byStudent orders enrollments by student id so account locks are always
// taken in the same order.
func byStudent(enrollments []model.Enrollment) []model.Enrollment {
	out := append([]model.Enrollment(nil), enrollments...)
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

func dropFromCache(ctx context.Context, tx store.Tx, studentID, classID string, now time.Time) error {
	student, err := tx.LockAccount(ctx, studentID)
	if err != nil {
		return apperr.Storage(err)
	}
	if student == nil || !student.RemoveEnrolledClass(classID) {
		return nil
	}
	student.UpdatedAt = now
	return apperr.Storage(tx.UpdateAccount(ctx, student))
}
