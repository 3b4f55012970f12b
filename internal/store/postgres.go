package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"attendsheets/internal/apperr"
	"attendsheets/internal/model"
)

// Postgres is the Store backed by the pgx database/sql driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open connection.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperr.Storage(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close closes the pool.
func (p *Postgres) Close() error { return p.db.Close() }

type pgTx struct {
	tx *sql.Tx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// -------- Accounts --------

const accountColumns = `id, email, name, password_hash, role, enrolled_classes, overview, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var (
		a        model.Account
		classes  []byte
		overview []byte
	)
	if err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.Role, &classes, &overview, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(classes) > 0 {
		if err := json.Unmarshal(classes, &a.EnrolledClasses); err != nil {
			return nil, fmt.Errorf("decode enrolled classes: %w", err)
		}
	}
	if len(overview) > 0 && string(overview) != "null" {
		a.Overview = &model.Overview{}
		if err := json.Unmarshal(overview, a.Overview); err != nil {
			return nil, fmt.Errorf("decode overview: %w", err)
		}
	}
	return &a, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	classes, err := marshal(nonNil(a.EnrolledClasses))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, role, enrolled_classes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.Email, a.Name, a.PasswordHash, a.Role, classes, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	classes, err := marshal(nonNil(a.EnrolledClasses))
	if err != nil {
		return err
	}
	var overview any
	if a.Overview != nil {
		if overview, err = marshal(a.Overview); err != nil {
			return err
		}
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET name = $2, password_hash = $3, enrolled_classes = $4, overview = $5, updated_at = $6
		WHERE id = $1
	`, a.ID, a.Name, a.PasswordHash, classes, overview, a.UpdatedAt)
	return err
}

func (t *pgTx) DeleteAccount(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}

// -------- Classes --------

const classColumns = `id, teacher_id, name, thresholds, custom_columns, students, created_at, updated_at`

func scanClass(row interface{ Scan(...any) error }) (*model.Class, error) {
	var (
		c                            model.Class
		thresholds, columns, records []byte
	)
	if err := row.Scan(&c.ID, &c.TeacherID, &c.Name, &thresholds, &columns, &records, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(thresholds) > 0 && string(thresholds) != "null" {
		c.Thresholds = &model.Thresholds{}
		if err := json.Unmarshal(thresholds, c.Thresholds); err != nil {
			return nil, fmt.Errorf("decode thresholds: %w", err)
		}
	}
	if err := json.Unmarshal(columns, &c.CustomColumns); err != nil {
		return nil, fmt.Errorf("decode custom columns: %w", err)
	}
	if err := json.Unmarshal(records, &c.Students); err != nil {
		return nil, fmt.Errorf("decode students: %w", err)
	}
	return &c, nil
}

func (t *pgTx) classArgs(c *model.Class) ([]any, error) {
	var thresholds any
	if c.Thresholds != nil {
		v, err := marshal(c.Thresholds)
		if err != nil {
			return nil, err
		}
		thresholds = v
	}
	columns, err := marshal(nonNil(c.CustomColumns))
	if err != nil {
		return nil, err
	}
	records, err := marshal(nonNil(c.Students))
	if err != nil {
		return nil, err
	}
	return []any{c.ID, c.TeacherID, c.Name, thresholds, columns, records, c.CreatedAt, c.UpdatedAt}, nil
}

func (t *pgTx) CreateClass(ctx context.Context, c *model.Class) error {
	args, err := t.classArgs(c)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO classes (`+classColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, args...)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetClass(ctx context.Context, id string) (*model.Class, error) {
	return scanClass(t.tx.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id = $1`, id))
}

func (t *pgTx) LockClass(ctx context.Context, id string) (*model.Class, error) {
	return scanClass(t.tx.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ListClassesByTeacher(ctx context.Context, teacherID string) ([]model.Class, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+classColumns+` FROM classes WHERE teacher_id = $1 ORDER BY created_at
	`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *c)
	}
	return res, rows.Err()
}

func (t *pgTx) PutClass(ctx context.Context, c *model.Class) error {
	args, err := t.classArgs(c)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE classes
		SET teacher_id = $2, name = $3, thresholds = $4, custom_columns = $5, students = $6, created_at = $7, updated_at = $8
		WHERE id = $1
	`, args...)
	return err
}

func (t *pgTx) DeleteClass(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM classes WHERE id = $1`, id)
	return err
}

// -------- Enrollments --------

const enrollmentColumns = `student_id, class_id, student_record_id, status, roll_no, name, email, enrolled_at, re_enrolled_at, unenrolled_at, removed_by_teacher_at`

func scanEnrollment(row interface{ Scan(...any) error }) (*model.Enrollment, error) {
	var (
		e                               model.Enrollment
		reEnrolled, unenrolled, removed sql.NullTime
	)
	if err := row.Scan(&e.StudentID, &e.ClassID, &e.StudentRecordID, &e.Status, &e.RollNo, &e.Name, &e.Email, &e.EnrolledAt, &reEnrolled, &unenrolled, &removed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.ReEnrolledAt = nullTime(reEnrolled)
	e.UnenrolledAt = nullTime(unenrolled)
	e.RemovedByTeacherAt = nullTime(removed)
	return &e, nil
}

func (t *pgTx) queryEnrollments(ctx context.Context, query string, args ...any) ([]model.Enrollment, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *e)
	}
	return res, rows.Err()
}

func (t *pgTx) GetEnrollment(ctx context.Context, studentID, classID string) (*model.Enrollment, error) {
	return scanEnrollment(t.tx.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE student_id = $1 AND class_id = $2
		FOR UPDATE
	`, studentID, classID))
}

func (t *pgTx) ListEnrollments(ctx context.Context, classID string) ([]model.Enrollment, error) {
	return t.queryEnrollments(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments WHERE class_id = $1 ORDER BY enrolled_at
	`, classID)
}

func (t *pgTx) ListStudentEnrollments(ctx context.Context, studentID string) ([]model.Enrollment, error) {
	return t.queryEnrollments(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments WHERE student_id = $1 ORDER BY enrolled_at
	`, studentID)
}

func (t *pgTx) InsertEnrollment(ctx context.Context, e *model.Enrollment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.StudentID, e.ClassID, e.StudentRecordID, string(e.Status), e.RollNo, e.Name, e.Email, e.EnrolledAt, e.ReEnrolledAt, e.UnenrolledAt, e.RemovedByTeacherAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateEnrollment(ctx context.Context, e *model.Enrollment) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE enrollments
		SET student_record_id = $3, status = $4, roll_no = $5, name = $6, email = $7,
			re_enrolled_at = $8, unenrolled_at = $9, removed_by_teacher_at = $10
		WHERE student_id = $1 AND class_id = $2
	`, e.StudentID, e.ClassID, e.StudentRecordID, string(e.Status), e.RollNo, e.Name, e.Email, e.ReEnrolledAt, e.UnenrolledAt, e.RemovedByTeacherAt)
	return err
}

func (t *pgTx) DeleteEnrollmentsByClass(ctx context.Context, classID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM enrollments WHERE class_id = $1`, classID)
	return err
}

func (t *pgTx) DeleteEnrollmentsByStudent(ctx context.Context, studentID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM enrollments WHERE student_id = $1`, studentID)
	return err
}

func (t *pgTx) CountActiveEnrollments(ctx context.Context, teacherID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments e
		JOIN classes c ON c.id = e.class_id
		WHERE c.teacher_id = $1 AND e.status = 'active'
	`, teacherID).Scan(&n)
	return n, err
}

// -------- QR sessions --------

const sessionColumns = `id, class_id, teacher_id, current_code, code_generated_at, rotation_interval, attendance_date, scanned_students, status, superseded, started_at, last_scan_at, stopped_at`

func (t *pgTx) GetActiveSession(ctx context.Context, classID string) (*model.QRSession, error) {
	var (
		s                 model.QRSession
		scanned           []byte
		lastScan, stopped sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM qr_sessions
		WHERE class_id = $1 AND status = 'active'
		FOR UPDATE
	`, classID).Scan(&s.ID, &s.ClassID, &s.TeacherID, &s.CurrentCode, &s.CodeGeneratedAt, &s.RotationInterval,
		&s.AttendanceDate, &scanned, &s.Status, &s.Superseded, &s.StartedAt, &lastScan, &stopped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(scanned, &s.ScannedStudents); err != nil {
		return nil, fmt.Errorf("decode scanned students: %w", err)
	}
	s.LastScanAt = nullTime(lastScan)
	s.StoppedAt = nullTime(stopped)
	return &s, nil
}

func (t *pgTx) InsertSession(ctx context.Context, s *model.QRSession) error {
	scanned, err := marshal(nonNil(s.ScannedStudents))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO qr_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, s.ID, s.ClassID, s.TeacherID, s.CurrentCode, s.CodeGeneratedAt, s.RotationInterval,
		s.AttendanceDate, scanned, string(s.Status), s.Superseded, s.StartedAt, s.LastScanAt, s.StoppedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateSession(ctx context.Context, s *model.QRSession) error {
	scanned, err := marshal(nonNil(s.ScannedStudents))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE qr_sessions
		SET current_code = $2, code_generated_at = $3, scanned_students = $4, status = $5,
			superseded = $6, last_scan_at = $7, stopped_at = $8
		WHERE id = $1
	`, s.ID, s.CurrentCode, s.CodeGeneratedAt, scanned, string(s.Status), s.Superseded, s.LastScanAt, s.StoppedAt)
	return err
}

func (t *pgTx) RotateCode(ctx context.Context, sessionID string, prevGeneratedAt time.Time, code string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE qr_sessions
		SET current_code = $3, code_generated_at = $4
		WHERE id = $1 AND code_generated_at = $2 AND status = 'active'
	`, sessionID, prevGeneratedAt, code, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) DeleteSessionsByClass(ctx context.Context, classID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM qr_sessions WHERE class_id = $1`, classID)
	return err
}

// -------- Contact & activity --------

func (t *pgTx) InsertContactMessage(ctx context.Context, m *model.ContactMessage) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO contact_messages (id, name, email, subject, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.ID, m.Name, m.Email, m.Subject, m.Message, m.CreatedAt)
	return err
}

func (t *pgTx) InsertActivity(ctx context.Context, a *model.Activity) error {
	detail, err := marshal(a.Detail)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO activity_log (id, class_id, actor_id, type, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.ClassID, a.ActorID, a.Type, detail, a.OccurredAt)
	return err
}

func (t *pgTx) ListActivity(ctx context.Context, classID string, limit int) ([]model.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, class_id, actor_id, type, detail, occurred_at
		FROM activity_log WHERE class_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, classID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Activity
	for rows.Next() {
		var (
			a      model.Activity
			detail []byte
		)
		if err := rows.Scan(&a.ID, &a.ClassID, &a.ActorID, &a.Type, &detail, &a.OccurredAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &a.Detail); err != nil {
				return nil, fmt.Errorf("decode activity detail: %w", err)
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// nonNil keeps JSON columns as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
