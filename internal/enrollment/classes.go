package enrollment

import (
	"context"
	"slices"
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

// ClassInput creates a class.
type ClassInput struct {
	Name          string            `json:"name" validate:"required,max=200"`
	Thresholds    *model.Thresholds `json:"thresholds"`
	CustomColumns []map[string]any  `json:"customColumns"`
}

// ClassUpdate changes a class. Nil fields are left alone. A non-nil Students
// replaces the roster.
type ClassUpdate struct {
	Name          *string                `json:"name"`
	Thresholds    *model.Thresholds      `json:"thresholds"`
	CustomColumns []map[string]any       `json:"customColumns"`
	Students      *[]model.StudentRecord `json:"students" validate:"omitempty,dive"`
}

// ClassView is a class as its teacher sees it: only actively enrolled
// records, plus aggregate statistics.
type ClassView struct {
	model.Class
	Statistics attendance.ClassStats `json:"statistics"`
}

// ClassSummary answers the public class lookup used before enrolling.
type ClassSummary struct {
	Exists      bool   `json:"exists"`
	ClassID     string `json:"class_id"`
	ClassName   string `json:"class_name"`
	TeacherName string `json:"teacher_name"`
}

// StudentClassView is a class as an enrolled student sees it.
type StudentClassView struct {
	ClassID       string                  `json:"class_id"`
	ClassName     string                  `json:"class_name"`
	TeacherID     string                  `json:"teacher_id"`
	TeacherName   string                  `json:"teacher_name"`
	CustomColumns []map[string]any        `json:"customColumns"`
	Thresholds    model.Thresholds        `json:"thresholds"`
	Record        model.StudentRecord     `json:"student_record"`
	Statistics    attendance.StudentStats `json:"statistics"`
}

func validateThresholds(t *model.Thresholds) error {
	if t == nil {
		return nil
	}
	for _, v := range []float64{t.Excellent, t.Good, t.Moderate, t.AtRisk} {
		if v < 0 || v > 100 {
			return apperr.Invalid("thresholds must be between 0 and 100")
		}
	}
	return nil
}

// CreateClass stores a new empty class owned by teacherID.
func (e *Engine) CreateClass(ctx context.Context, teacherID string, in ClassInput) (*ClassView, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Invalid("class name is required")
	}
	if err := validateThresholds(in.Thresholds); err != nil {
		return nil, err
	}
	now := e.timestamp()
	class := &model.Class{
		ID:            uuid.NewString(),
		TeacherID:     teacherID,
		Name:          name,
		Thresholds:    in.Thresholds,
		CustomColumns: in.CustomColumns,
		Students:      []model.StudentRecord{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if class.CustomColumns == nil {
		class.CustomColumns = []map[string]any{}
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		teacher, err := tx.GetAccount(ctx, teacherID)
		if err != nil {
			return apperr.Storage(err)
		}
		if teacher == nil || teacher.Role != model.RoleTeacher {
			return apperr.ErrAccountNotFound
		}
		if err := tx.CreateClass(ctx, class); err != nil {
			return apperr.Storage(err)
		}
		_, err = refreshOverview(ctx, tx, teacherID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "class created", "class_id", class.ID, "teacher_id", teacherID)
	return &ClassView{Class: *class}, nil
}

// GetClass returns the teacher's view of one class.
func (e *Engine) GetClass(ctx context.Context, teacherID, classID string) (*ClassView, error) {
	var view *ClassView
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		class, err := tx.GetClass(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if class == nil {
			return apperr.ErrClassNotFound
		}
		if class.TeacherID != teacherID {
			return apperr.ErrNotOwner
		}
		view, err = buildView(ctx, tx, class)
		return err
	})
	return view, err
}

// ListClasses returns every class of the teacher, oldest first.
func (e *Engine) ListClasses(ctx context.Context, teacherID string) ([]ClassView, error) {
	views := []ClassView{}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		views = views[:0]
		classes, err := tx.ListClassesByTeacher(ctx, teacherID)
		if err != nil {
			return apperr.Storage(err)
		}
		for i := range classes {
			v, err := buildView(ctx, tx, &classes[i])
			if err != nil {
				return err
			}
			views = append(views, *v)
		}
		return nil
	})
	return views, err
}

func buildView(ctx context.Context, tx store.Tx, class *model.Class) (*ClassView, error) {
	enrollments, err := tx.ListEnrollments(ctx, class.ID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	active := attendance.ActiveIDs(enrollments)
	visible := attendance.Visible(class.Students, active)
	view := &ClassView{Class: *class}
	view.Students = visible
	view.Statistics = attendance.ClassStatistics(visible, active, attendance.Resolve(class.Thresholds))
	return view, nil
}

// UpdateClass applies a teacher's edit. When the update carries a roster,
// it goes through ReplaceRoster semantics.
func (e *Engine) UpdateClass(ctx context.Context, teacherID, classID string, upd ClassUpdate) (*ClassView, error) {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, apperr.Invalid("class name cannot be empty")
	}
	if err := validateThresholds(upd.Thresholds); err != nil {
		return nil, err
	}
	if upd.Students != nil {
		if err := validateRoster(*upd.Students); err != nil {
			return nil, err
		}
	}

	now := e.timestamp()
	var view *ClassView
	var removed []model.Enrollment
	var events []queue.Message
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		removed, events = nil, nil
		class, err := tx.LockClass(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if class == nil {
			return apperr.ErrClassNotFound
		}
		if class.TeacherID != teacherID {
			return apperr.ErrNotOwner
		}
		if upd.Name != nil || upd.Students != nil {
			enrollments, err := tx.ListEnrollments(ctx, classID)
			if err != nil {
				return apperr.Storage(err)
			}
			if err := lockStudents(ctx, tx, enrollments); err != nil {
				return err
			}
		}

		if upd.Name != nil {
			class.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Thresholds != nil {
			class.Thresholds = upd.Thresholds
		}
		if upd.CustomColumns != nil {
			class.CustomColumns = upd.CustomColumns
		}
		if upd.Students != nil {
			removed, err = e.replaceRoster(ctx, tx, class, *upd.Students, now)
			if err != nil {
				return err
			}
		}
		class.UpdatedAt = now
		if err := tx.PutClass(ctx, class); err != nil {
			return apperr.Storage(err)
		}
		if upd.Name != nil {
			if err := renameInCaches(ctx, tx, class, now); err != nil {
				return err
			}
		}
		if len(removed) > 0 {
			if _, err := refreshOverview(ctx, tx, teacherID, now); err != nil {
				return err
			}
		}
		for _, enr := range removed {
			events = append(events, e.activity(classID, teacherID, queue.ActivityRemoved, map[string]any{
				"student_id": enr.StudentID,
				"record_id":  enr.StudentRecordID,
			}, now)...)
		}
		events = append(events, e.activity(classID, teacherID, queue.ActivityClassUpdated, map[string]any{
			"roster_replaced": upd.Students != nil,
			"removed":         len(removed),
		}, now)...)
		view, err = buildView(ctx, tx, class)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		metrics.Enrollments.WithLabelValues("removed").Add(float64(len(removed)))
	}
	e.log.InfoContext(ctx, "class updated", "class_id", classID, "removed_students", len(removed))
	e.publish(ctx, events)
	return view, nil
}

// ReplaceRoster is the bulk roster edit: records missing from incoming lose
// their enrollment, incoming records replace stored ones by id, and stored
// records not mentioned are kept as they are.
func (e *Engine) ReplaceRoster(ctx context.Context, teacherID, classID string, incoming []model.StudentRecord) (*ClassView, error) {
	return e.UpdateClass(ctx, teacherID, classID, ClassUpdate{Students: &incoming})
}

func validateRoster(incoming []model.StudentRecord) error {
	seen := make(map[string]bool, len(incoming))
	for _, rec := range incoming {
		if err := attendance.ValidateRecord(rec); err != nil {
			return err
		}
		if seen[rec.ID] {
			return apperr.Invalid("duplicate student record id %q", rec.ID)
		}
		seen[rec.ID] = true
	}
	return nil
}

// replaceRoster mutates class.Students and returns the enrollments it ended.
func (e *Engine) replaceRoster(ctx context.Context, tx store.Tx, class *model.Class, incoming []model.StudentRecord, now time.Time) ([]model.Enrollment, error) {
	enrollments, err := tx.ListEnrollments(ctx, class.ID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	gone := make(map[string]bool)
	for _, id := range attendance.Removed(attendance.ActiveIDs(enrollments), incoming) {
		gone[id] = true
	}

	enrollments = byStudent(enrollments)
	var removed []model.Enrollment
	for i := range enrollments {
		enr := &enrollments[i]
		if !enr.Active() || !gone[enr.StudentRecordID] {
			continue
		}
		enr.Status = model.EnrollmentInactive
		enr.RemovedByTeacherAt = &now
		if err := tx.UpdateEnrollment(ctx, enr); err != nil {
			return nil, apperr.Storage(err)
		}
		if err := dropFromCache(ctx, tx, enr.StudentID, class.ID, now); err != nil {
			return nil, err
		}
		removed = append(removed, *enr)
	}
	class.Students = attendance.Merge(class.Students, incoming)
	return removed, nil
}

func renameInCaches(ctx context.Context, tx store.Tx, class *model.Class, now time.Time) error {
	enrollments, err := tx.ListEnrollments(ctx, class.ID)
	if err != nil {
		return apperr.Storage(err)
	}
	for _, enr := range byStudent(enrollments) {
		if !enr.Active() {
			continue
		}
		student, err := tx.LockAccount(ctx, enr.StudentID)
		if err != nil {
			return apperr.Storage(err)
		}
		if student == nil {
			continue
		}
		changed := false
		for i := range student.EnrolledClasses {
			if student.EnrolledClasses[i].ClassID == class.ID && student.EnrolledClasses[i].ClassName != class.Name {
				student.EnrolledClasses[i].ClassName = class.Name
				changed = true
			}
		}
		if changed {
			student.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, student); err != nil {
				return apperr.Storage(err)
			}
		}
	}
	return nil
}

// DeleteClass removes the class with its enrollments and sessions.
func (e *Engine) DeleteClass(ctx context.Context, teacherID, classID string) error {
	now := e.timestamp()
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := deleteClass(ctx, tx, teacherID, classID, now); err != nil {
			return err
		}
		_, err := refreshOverview(ctx, tx, teacherID, now)
		return err
	})
	if err != nil {
		return err
	}
	e.log.InfoContext(ctx, "class deleted", "class_id", classID, "teacher_id", teacherID)
	return nil
}

func deleteClass(ctx context.Context, tx store.Tx, teacherID, classID string, now time.Time) error {
	class, err := tx.LockClass(ctx, classID)
	if err != nil {
		return apperr.Storage(err)
	}
	if class == nil {
		return apperr.ErrClassNotFound
	}
	if class.TeacherID != teacherID {
		return apperr.ErrNotOwner
	}
	return purgeClass(ctx, tx, classID, now)
}

// purgeClass deletes a class the caller has already locked.
func purgeClass(ctx context.Context, tx store.Tx, classID string, now time.Time) error {
	enrollments, err := tx.ListEnrollments(ctx, classID)
	if err != nil {
		return apperr.Storage(err)
	}
	for _, enr := range byStudent(enrollments) {
		if err := dropFromCache(ctx, tx, enr.StudentID, classID, now); err != nil {
			return err
		}
	}
	if err := tx.DeleteSessionsByClass(ctx, classID); err != nil {
		return apperr.Storage(err)
	}
	if err := tx.DeleteEnrollmentsByClass(ctx, classID); err != nil {
		return apperr.Storage(err)
	}
	return apperr.Storage(tx.DeleteClass(ctx, classID))
}

// VerifyClass is the public lookup a student runs before enrolling.
func (e *Engine) VerifyClass(ctx context.Context, classID string) (ClassSummary, error) {
	var sum ClassSummary
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		class, err := tx.GetClass(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if class == nil {
			return apperr.ErrClassNotFound
		}
		sum = ClassSummary{Exists: true, ClassID: class.ID, ClassName: class.Name}
		teacher, err := tx.GetAccount(ctx, class.TeacherID)
		if err != nil {
			return apperr.Storage(err)
		}
		if teacher != nil {
			sum.TeacherName = teacher.Name
		}
		return nil
	})
	return sum, err
}

// StudentClasses returns the student's active enrollments from the account cache.
func (e *Engine) StudentClasses(ctx context.Context, studentID string) ([]model.EnrolledClass, error) {
	out := []model.EnrolledClass{}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		student, err := tx.GetAccount(ctx, studentID)
		if err != nil {
			return apperr.Storage(err)
		}
		if student == nil {
			return apperr.ErrAccountNotFound
		}
		out = append(out[:0], student.EnrolledClasses...)
		return nil
	})
	return out, err
}

// StudentClassDetail returns the student's own record and statistics for a
// class they are actively enrolled in.
func (e *Engine) StudentClassDetail(ctx context.Context, studentID, classID string) (*StudentClassView, error) {
	var view *StudentClassView
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		class, err := tx.GetClass(ctx, classID)
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
			return apperr.ErrNotEnrolled
		}

		var rec model.StudentRecord
		if r := class.Record(enr.StudentRecordID); r != nil {
			rec = *r
		} else {
			// Read path: report and serve an empty ledger, the next write repairs it.
			e.log.WarnContext(ctx, "student record missing on read", "anomaly", true,
				"class_id", classID, "student_id", studentID, "record_id", enr.StudentRecordID)
			rec = model.StudentRecord{ID: enr.StudentRecordID, Name: enr.Name, RollNo: enr.RollNo, Email: enr.Email, Attendance: map[string]string{}}
		}

		t := attendance.Resolve(class.Thresholds)
		view = &StudentClassView{
			ClassID:       class.ID,
			ClassName:     class.Name,
			TeacherID:     class.TeacherID,
			CustomColumns: class.CustomColumns,
			Thresholds:    t,
			Record:        rec,
			Statistics:    attendance.StudentStatistics(rec, t),
		}
		teacher, err := tx.GetAccount(ctx, class.TeacherID)
		if err != nil {
			return apperr.Storage(err)
		}
		if teacher != nil {
			view.TeacherName = teacher.Name
		}
		return nil
	})
	return view, err
}

// DeleteStudent removes a student account and its enrollment rows. The
// student's records stay in each class as the teacher's history.
func (e *Engine) DeleteStudent(ctx context.Context, studentID string) error {
	now := e.timestamp()
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		enrollments, err := tx.ListStudentEnrollments(ctx, studentID)
		if err != nil {
			return apperr.Storage(err)
		}
		classIDs := make([]string, 0, len(enrollments))
		for _, enr := range enrollments {
			classIDs = append(classIDs, enr.ClassID)
		}
		sort.Strings(classIDs)
		var teachers []string
		for _, id := range classIDs {
			class, err := tx.LockClass(ctx, id)
			if err != nil {
				return apperr.Storage(err)
			}
			if class != nil && !slices.Contains(teachers, class.TeacherID) {
				teachers = append(teachers, class.TeacherID)
			}
		}
		student, err := tx.LockAccount(ctx, studentID)
		if err != nil {
			return apperr.Storage(err)
		}
		if student == nil || student.Role != model.RoleStudent {
			return apperr.ErrAccountNotFound
		}
		if err := tx.DeleteEnrollmentsByStudent(ctx, studentID); err != nil {
			return apperr.Storage(err)
		}
		if err := tx.DeleteAccount(ctx, studentID); err != nil {
			return apperr.Storage(err)
		}
		sort.Strings(teachers)
		for _, teacherID := range teachers {
			if _, err := refreshOverview(ctx, tx, teacherID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.log.InfoContext(ctx, "student account deleted", "student_id", studentID)
	return nil
}

// DeleteTeacher removes a teacher account and every class it owns.
func (e *Engine) DeleteTeacher(ctx context.Context, teacherID string) error {
	now := e.timestamp()
	var n int
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		classes, err := tx.ListClassesByTeacher(ctx, teacherID)
		if err != nil {
			return apperr.Storage(err)
		}
		sort.Slice(classes, func(i, j int) bool { return classes[i].ID < classes[j].ID })
		var locked []string
		var enrollments []model.Enrollment
		for _, c := range classes {
			class, err := tx.LockClass(ctx, c.ID)
			if err != nil {
				return apperr.Storage(err)
			}
			if class == nil || class.TeacherID != teacherID {
				continue
			}
			locked = append(locked, class.ID)
			list, err := tx.ListEnrollments(ctx, c.ID)
			if err != nil {
				return apperr.Storage(err)
			}
			enrollments = append(enrollments, list...)
		}
		if err := lockStudents(ctx, tx, enrollments); err != nil {
			return err
		}
		teacher, err := tx.LockAccount(ctx, teacherID)
		if err != nil {
			return apperr.Storage(err)
		}
		if teacher == nil || teacher.Role != model.RoleTeacher {
			return apperr.ErrAccountNotFound
		}
		for _, id := range locked {
			if err := purgeClass(ctx, tx, id, now); err != nil {
				return err
			}
		}
		n = len(locked)
		return apperr.Storage(tx.DeleteAccount(ctx, teacherID))
	})
	if err != nil {
		return err
	}
	e.log.InfoContext(ctx, "teacher account deleted", "teacher_id", teacherID, "classes", n)
	return nil
}

// ClassActivity returns the newest audit entries of a class, newest first.
func (e *Engine) ClassActivity(ctx context.Context, teacherID, classID string, limit int) ([]model.Activity, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 500:
		limit = 500
	}
	out := []model.Activity{}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		class, err := tx.GetClass(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if class == nil {
			return apperr.ErrClassNotFound
		}
		if class.TeacherID != teacherID {
			return apperr.ErrNotOwner
		}
		list, err := tx.ListActivity(ctx, classID, limit)
		if err != nil {
			return apperr.Storage(err)
		}
		out = append(out[:0], list...)
		return nil
	})
	return out, err
}

// lockStudents locks the accounts behind enrollments in student id order.
func lockStudents(ctx context.Context, tx store.Tx, enrollments []model.Enrollment) error {
	seen := make(map[string]bool, len(enrollments))
	for _, enr := range byStudent(enrollments) {
		if seen[enr.StudentID] {
			continue
		}
		seen[enr.StudentID] = true
		if _, err := tx.LockAccount(ctx, enr.StudentID); err != nil {
			return apperr.Storage(err)
		}
	}
	return nil
}
