// Package qrsession runs rotating-code attendance sessions.
//
// Lock order inside a transaction is always the class row first, then the
// session row. Code rotation happens lazily when the code is read and is a
// single conditional update, so concurrent readers agree on one winner.
package qrsession

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"attendsheets/internal/apperr"
	"attendsheets/internal/attendance"
	"attendsheets/internal/metrics"
	"attendsheets/internal/model"
	"attendsheets/internal/queue"
	"attendsheets/internal/store"
	"attendsheets/internal/validation"

	"github.com/google/uuid"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 8

	maxRotationInterval = 3600
)

// NewCode returns an 8 character code drawn from A-Z0-9.
func NewCode() (string, error) {
	b := make([]byte, codeLength)
	size := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// Engine runs QR sessions against a store.
type Engine struct {
	store           store.Store
	log             *slog.Logger
	events          queue.Publisher
	now             func() time.Time
	loc             *time.Location
	newCode         func() (string, error)
	defaultInterval int
}

// Option configures an Engine.
type Option func(*Engine)

func WithPublisher(p queue.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the timezone used for the default attendance date.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(e *Engine) { e.newCode = gen }
}

// WithDefaultInterval sets the rotation interval used when Start gets none.
func WithDefaultInterval(d time.Duration) Option {
	return func(e *Engine) {
		if s := int(d / time.Second); s > 0 {
			e.defaultInterval = s
		}
	}
}

func New(st store.Store, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		log:             log,
		now:             time.Now,
		loc:             time.UTC,
		newCode:         NewCode,
		defaultInterval: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest opens a session. Zero RotationInterval means the default, an
// empty AttendanceDate means today in the engine's timezone.
type StartRequest struct {
	RotationInterval int    `json:"rotationInterval" validate:"gte=0,lte=3600"`
	AttendanceDate   string `json:"attendanceDate" validate:"omitempty,isodate"`
}

// StartResult is the new session plus the summary of the session it
// replaced, if any.
type StartResult struct {
	Session    model.QRSession `json:"session"`
	Superseded *StopResult     `json:"superseded,omitempty"`
}

// StopResult summarizes a finished session.
type StopResult struct {
	SessionID    string `json:"session_id"`
	ScannedCount int    `json:"scanned_count"`
	AbsentCount  int    `json:"absent_count"`
	Date         string `json:"date"`
}

// CodeView is what the classroom display polls.
type CodeView struct {
	Code             string    `json:"code"`
	GeneratedAt      time.Time `json:"generated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RotationInterval int       `json:"rotation_interval"`
	AttendanceDate   string    `json:"attendance_date"`
	ScannedCount     int       `json:"scanned_count"`
}

// ScanResult confirms a scan.
type ScanResult struct {
	Message       string `json:"message"`
	Date          string `json:"date"`
	ClassID       string `json:"class_id"`
	AlreadyMarked bool   `json:"already_marked"`
}

// StatusView reports whether a class has a live session.
type StatusView struct {
	Active  bool             `json:"active"`
	Session *model.QRSession `json:"session,omitempty"`
}

// Start opens a new session for the class. A session that is still active
// is finalized first, exactly as Stop would, and flagged as superseded.
func (e *Engine) Start(ctx context.Context, teacherID, classID string, req StartRequest) (StartResult, error) {
	interval := req.RotationInterval
	if interval < 0 || interval > maxRotationInterval {
		return StartResult{}, apperr.Invalid("rotation interval must be between 0 and %d seconds", maxRotationInterval)
	}
	if interval == 0 {
		interval = e.defaultInterval
	}
	now := e.timestamp()
	date := req.AttendanceDate
	if date == "" {
		date = now.In(e.loc).Format(model.DateLayout)
	} else if !validation.IsDate(date) {
		return StartResult{}, apperr.Invalid("malformed attendance date %q", date)
	}
	code, err := e.newCode()
	if err != nil {
		return StartResult{}, apperr.Storage(err)
	}

	var res StartResult
	var events []queue.Message
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		res, events = StartResult{}, nil
		class, err := e.ownedClass(ctx, tx, teacherID, classID)
		if err != nil {
			return err
		}
		prev, err := tx.GetActiveSession(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if prev != nil {
			prev.Superseded = true
			sum, err := e.finalize(ctx, tx, class, prev, now)
			if err != nil {
				return err
			}
			res.Superseded = &sum
			events = append(events, e.activity(classID, teacherID, queue.ActivitySessionStopped, map[string]any{
				"session_id": prev.ID, "superseded": true, "scanned": sum.ScannedCount, "absent": sum.AbsentCount, "date": sum.Date,
			}, now)...)
		}

		sess := &model.QRSession{
			ID:               uuid.NewString(),
			ClassID:          classID,
			TeacherID:        teacherID,
			CurrentCode:      code,
			CodeGeneratedAt:  now,
			RotationInterval: interval,
			AttendanceDate:   date,
			ScannedStudents:  []string{},
			Status:           model.SessionActive,
			StartedAt:        now,
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return apperr.Storage(err)
		}
		res.Session = *sess
		events = append(events, e.activity(classID, teacherID, queue.ActivitySessionStarted, map[string]any{
			"session_id": sess.ID, "date": date, "rotation_interval": interval,
		}, now)...)
		return nil
	})
	if err != nil {
		return StartResult{}, err
	}

	if res.Superseded != nil {
		metrics.Sessions.WithLabelValues("superseded").Inc()
	}
	metrics.Sessions.WithLabelValues("started").Inc()
	e.log.InfoContext(ctx, "qr session started", "class_id", classID, "session_id", res.Session.ID,
		"date", date, "superseded", res.Superseded != nil)
	e.publish(ctx, events)
	return res, nil
}

// CurrentCode returns the live code, rotating it first when the interval
// has elapsed.
func (e *Engine) CurrentCode(ctx context.Context, classID string) (CodeView, error) {
	now := e.timestamp()
	var view CodeView
	rotated := false
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		rotated = false
		sess, err := tx.GetActiveSession(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if sess == nil {
			return apperr.ErrNoActiveSession
		}
		if sess, rotated, err = e.rotateIfDue(ctx, tx, sess, now); err != nil {
			return err
		}
		if sess == nil {
			return apperr.ErrNoActiveSession
		}
		view = CodeView{
			Code:             sess.CurrentCode,
			GeneratedAt:      sess.CodeGeneratedAt,
			ExpiresAt:        sess.CodeGeneratedAt.Add(time.Duration(sess.RotationInterval) * time.Second),
			RotationInterval: sess.RotationInterval,
			AttendanceDate:   sess.AttendanceDate,
			ScannedCount:     len(sess.ScannedStudents),
		}
		return nil
	})
	if err != nil {
		return CodeView{}, err
	}
	if rotated {
		metrics.Rotations.Inc()
	}
	return view, nil
}

// rotateIfDue replaces the session code once its interval has elapsed. When
// another request rotated first, the session is reloaded; it is nil if that
// request also closed it.
func (e *Engine) rotateIfDue(ctx context.Context, tx store.Tx, sess *model.QRSession, now time.Time) (*model.QRSession, bool, error) {
	interval := time.Duration(sess.RotationInterval) * time.Second
	if now.Sub(sess.CodeGeneratedAt) < interval {
		return sess, false, nil
	}
	code, err := e.newCode()
	if err != nil {
		return nil, false, apperr.Storage(err)
	}
	won, err := tx.RotateCode(ctx, sess.ID, sess.CodeGeneratedAt, code, now)
	if err != nil {
		return nil, false, apperr.Storage(err)
	}
	if !won {
		sess, err = tx.GetActiveSession(ctx, sess.ClassID)
		return sess, false, apperr.Storage(err)
	}
	sess.CurrentCode = code
	sess.CodeGeneratedAt = now
	return sess, true, nil
}

// Scan marks the student present for the session's date.
func (e *Engine) Scan(ctx context.Context, studentID, classID, code string) (ScanResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := e.timestamp()
	var res ScanResult
	var events []queue.Message
	outcome := "marked"
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		res, events = ScanResult{}, nil
		class, err := tx.LockClass(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if class == nil {
			return apperr.ErrClassNotFound
		}
		sess, err := tx.GetActiveSession(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if sess == nil {
			outcome = "no_session"
			return apperr.ErrNoActiveSession
		}
		if code == "" || code != sess.CurrentCode {
			outcome = "invalid_code"
			return apperr.ErrInvalidCode
		}
		enr, err := tx.GetEnrollment(ctx, studentID, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if !enr.Active() {
			outcome = "not_enrolled"
			return apperr.ErrNotEnrolled
		}

		res = ScanResult{Date: sess.AttendanceDate, ClassID: classID}
		if sess.HasScanned(enr.StudentRecordID) {
			outcome = "duplicate"
			res.AlreadyMarked = true
			res.Message = "Attendance already marked for " + sess.AttendanceDate
			return nil
		}

		rec := class.Record(enr.StudentRecordID)
		if rec == nil {
			e.repaired(ctx, "scan", classID, *enr)
			events = append(events, e.activity(classID, studentID, queue.ActivityRecordRepaired, map[string]any{
				"record_id": enr.StudentRecordID, "path": "scan",
			}, now)...)
			rec = attendance.Recreate(class, *enr)
		}
		if err := attendance.Mark(rec, sess.AttendanceDate, model.Present); err != nil {
			return err
		}
		class.UpdatedAt = now
		if err := tx.PutClass(ctx, class); err != nil {
			return apperr.Storage(err)
		}

		sess.ScannedStudents = append(sess.ScannedStudents, enr.StudentRecordID)
		sess.LastScanAt = &now
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return apperr.Storage(err)
		}
		res.Message = "Attendance marked successfully"
		events = append(events, e.activity(classID, studentID, queue.ActivityScanned, map[string]any{
			"session_id": sess.ID, "record_id": enr.StudentRecordID, "date": sess.AttendanceDate,
		}, now)...)
		return nil
	})
	if err != nil {
		if outcome != "marked" {
			metrics.Scans.WithLabelValues(outcome).Inc()
		}
		return ScanResult{}, err
	}
	metrics.Scans.WithLabelValues(outcome).Inc()
	e.publish(ctx, events)
	return res, nil
}

// Stop ends the active session and marks every active student who did not
// scan as absent, unless their entry for the date is already set.
func (e *Engine) Stop(ctx context.Context, teacherID, classID string) (StopResult, error) {
	now := e.timestamp()
	var res StopResult
	var events []queue.Message
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		events = nil
		class, err := e.ownedClass(ctx, tx, teacherID, classID)
		if err != nil {
			return err
		}
		sess, err := tx.GetActiveSession(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if sess == nil {
			return apperr.ErrNoActiveSession
		}
		res, err = e.finalize(ctx, tx, class, sess, now)
		if err != nil {
			return err
		}
		events = e.activity(classID, teacherID, queue.ActivitySessionStopped, map[string]any{
			"session_id": sess.ID, "scanned": res.ScannedCount, "absent": res.AbsentCount, "date": res.Date,
		}, now)
		return nil
	})
	if err != nil {
		return StopResult{}, err
	}
	metrics.Sessions.WithLabelValues("stopped").Inc()
	e.log.InfoContext(ctx, "qr session stopped", "class_id", classID, "session_id", res.SessionID,
		"scanned", res.ScannedCount, "absent", res.AbsentCount)
	e.publish(ctx, events)
	return res, nil
}

// Status reports the active session of a class to its teacher, rotating a
// due code first. Unknown classes and other teachers' classes read as
// inactive.
func (e *Engine) Status(ctx context.Context, teacherID, classID string) (StatusView, error) {
	now := e.timestamp()
	var view StatusView
	rotated := false
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		view, rotated = StatusView{}, false
		class, err := tx.GetClass(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if class == nil || class.TeacherID != teacherID {
			return nil
		}
		sess, err := tx.GetActiveSession(ctx, classID)
		if err != nil {
			return apperr.Storage(err)
		}
		if sess == nil {
			return nil
		}
		if sess, rotated, err = e.rotateIfDue(ctx, tx, sess, now); err != nil {
			return err
		}
		view = StatusView{Active: sess != nil, Session: sess}
		return nil
	})
	if err != nil {
		return StatusView{}, err
	}
	if rotated {
		metrics.Rotations.Inc()
	}
	return view, nil
}

func (e *Engine) ownedClass(ctx context.Context, tx store.Tx, teacherID, classID string) (*model.Class, error) {
	class, err := tx.LockClass(ctx, classID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if class == nil {
		return nil, apperr.ErrClassNotFound
	}
	if class.TeacherID != teacherID {
		return nil, apperr.ErrNotOwner
	}
	return class, nil
}

// finalize runs the absence sweep and closes sess. The caller holds the
// class lock.
func (e *Engine) finalize(ctx context.Context, tx store.Tx, class *model.Class, sess *model.QRSession, now time.Time) (StopResult, error) {
	enrollments, err := tx.ListEnrollments(ctx, class.ID)
	if err != nil {
		return StopResult{}, apperr.Storage(err)
	}
	sort.Slice(enrollments, func(i, j int) bool { return enrollments[i].StudentRecordID < enrollments[j].StudentRecordID })

	absent := 0
	dirty := false
	for _, enr := range enrollments {
		if !enr.Active() || sess.HasScanned(enr.StudentRecordID) {
			continue
		}
		rec := class.Record(enr.StudentRecordID)
		if rec == nil {
			e.repaired(ctx, "stop", class.ID, enr)
			rec = attendance.Recreate(class, enr)
			dirty = true
		}
		wrote, err := attendance.MarkIfUnset(rec, sess.AttendanceDate, model.Absent)
		if err != nil {
			return StopResult{}, err
		}
		if wrote {
			absent++
			dirty = true
		}
	}
	if dirty {
		class.UpdatedAt = now
		if err := tx.PutClass(ctx, class); err != nil {
			return StopResult{}, apperr.Storage(err)
		}
	}

	sess.Status = model.SessionStopped
	sess.StoppedAt = &now
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return StopResult{}, apperr.Storage(err)
	}
	metrics.AbsencesMarked.Add(float64(absent))
	return StopResult{
		SessionID:    sess.ID,
		ScannedCount: len(sess.ScannedStudents),
		AbsentCount:  absent,
		Date:         sess.AttendanceDate,
	}, nil
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) repaired(ctx context.Context, path, classID string, enr model.Enrollment) {
	metrics.Repairs.WithLabelValues(path).Inc()
	e.log.WarnContext(ctx, "student record missing, recreated with empty attendance",
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
