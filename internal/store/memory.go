package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"attendsheets/internal/apperr"
	"attendsheets/internal/model"
)

// Memory is an in-process Store for dev and tests. Transactions are
// serialized by a single mutex and rolled back by restoring a snapshot.
// WithTx must not be nested.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

type enrollmentKey struct {
	studentID string
	classID   string
}

// Stored values are never mutated in place; writes replace them with clones,
// so a snapshot only needs to copy the maps.
type memData struct {
	accounts    map[string]*model.Account
	classes     map[string]*model.Class
	enrollments map[enrollmentKey]*model.Enrollment
	sessions    map[string]*model.QRSession
	contacts    []model.ContactMessage
	activity    []model.Activity
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: &memData{
		accounts:    make(map[string]*model.Account),
		classes:     make(map[string]*model.Class),
		enrollments: make(map[enrollmentKey]*model.Enrollment),
		sessions:    make(map[string]*model.QRSession),
	}}
}

// WithTx runs fn with exclusive access, discarding its writes on error.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return apperr.Storage(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.data.snapshot()
	if err := fn(&memTx{d: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (d *memData) snapshot() *memData {
	s := &memData{
		accounts:    make(map[string]*model.Account, len(d.accounts)),
		classes:     make(map[string]*model.Class, len(d.classes)),
		enrollments: make(map[enrollmentKey]*model.Enrollment, len(d.enrollments)),
		sessions:    make(map[string]*model.QRSession, len(d.sessions)),
		contacts:    append([]model.ContactMessage(nil), d.contacts...),
		activity:    append([]model.Activity(nil), d.activity...),
	}
	for k, v := range d.accounts {
		s.accounts[k] = v
	}
	for k, v := range d.classes {
		s.classes[k] = v
	}
	for k, v := range d.enrollments {
		s.enrollments[k] = v
	}
	for k, v := range d.sessions {
		s.sessions[k] = v
	}
	return s
}

type memTx struct {
	d *memData
}

// -------- Accounts --------

func (t *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := t.d.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.d.accounts {
		if existing.Email == a.Email {
			return ErrDuplicate
		}
	}
	t.d.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (t *memTx) GetAccount(_ context.Context, id string) (*model.Account, error) {
	if a, ok := t.d.accounts[id]; ok {
		return cloneAccount(a), nil
	}
	return nil, nil
}

// LockAccount is GetAccount; WithTx already holds the store exclusively.
func (t *memTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	return t.GetAccount(ctx, id)
}

func (t *memTx) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	for _, a := range t.d.accounts {
		if a.Email == email {
			return cloneAccount(a), nil
		}
	}
	return nil, nil
}

func (t *memTx) UpdateAccount(_ context.Context, a *model.Account) error {
	if _, ok := t.d.accounts[a.ID]; ok {
		t.d.accounts[a.ID] = cloneAccount(a)
	}
	return nil
}

func (t *memTx) DeleteAccount(_ context.Context, id string) error {
	delete(t.d.accounts, id)
	return nil
}

// -------- Classes --------

func (t *memTx) CreateClass(_ context.Context, c *model.Class) error {
	if _, ok := t.d.classes[c.ID]; ok {
		return ErrDuplicate
	}
	t.d.classes[c.ID] = cloneClass(c)
	return nil
}

func (t *memTx) GetClass(_ context.Context, id string) (*model.Class, error) {
	if c, ok := t.d.classes[id]; ok {
		return cloneClass(c), nil
	}
	return nil, nil
}

func (t *memTx) LockClass(ctx context.Context, id string) (*model.Class, error) {
	return t.GetClass(ctx, id)
}

func (t *memTx) ListClassesByTeacher(_ context.Context, teacherID string) ([]model.Class, error) {
	var res []model.Class
	for _, c := range t.d.classes {
		if c.TeacherID == teacherID {
			res = append(res, *cloneClass(c))
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (t *memTx) PutClass(_ context.Context, c *model.Class) error {
	if _, ok := t.d.classes[c.ID]; ok {
		t.d.classes[c.ID] = cloneClass(c)
	}
	return nil
}

func (t *memTx) DeleteClass(_ context.Context, id string) error {
	delete(t.d.classes, id)
	return nil
}

// -------- Enrollments --------

func (t *memTx) GetEnrollment(_ context.Context, studentID, classID string) (*model.Enrollment, error) {
	if e, ok := t.d.enrollments[enrollmentKey{studentID, classID}]; ok {
		return cloneEnrollment(e), nil
	}
	return nil, nil
}

func (t *memTx) listEnrollments(match func(*model.Enrollment) bool) []model.Enrollment {
	var res []model.Enrollment
	for _, e := range t.d.enrollments {
		if match(e) {
			res = append(res, *cloneEnrollment(e))
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].EnrolledAt.Equal(res[j].EnrolledAt) {
			return res[i].StudentID+res[i].ClassID < res[j].StudentID+res[j].ClassID
		}
		return res[i].EnrolledAt.Before(res[j].EnrolledAt)
	})
	return res
}

func (t *memTx) ListEnrollments(_ context.Context, classID string) ([]model.Enrollment, error) {
	return t.listEnrollments(func(e *model.Enrollment) bool { return e.ClassID == classID }), nil
}

func (t *memTx) ListStudentEnrollments(_ context.Context, studentID string) ([]model.Enrollment, error) {
	return t.listEnrollments(func(e *model.Enrollment) bool { return e.StudentID == studentID }), nil
}

func (t *memTx) InsertEnrollment(_ context.Context, e *model.Enrollment) error {
	key := enrollmentKey{e.StudentID, e.ClassID}
	if _, ok := t.d.enrollments[key]; ok {
		return ErrDuplicate
	}
	t.d.enrollments[key] = cloneEnrollment(e)
	return nil
}

func (t *memTx) UpdateEnrollment(_ context.Context, e *model.Enrollment) error {
	key := enrollmentKey{e.StudentID, e.ClassID}
	if _, ok := t.d.enrollments[key]; ok {
		t.d.enrollments[key] = cloneEnrollment(e)
	}
	return nil
}

func (t *memTx) DeleteEnrollmentsByClass(_ context.Context, classID string) error {
	for k := range t.d.enrollments {
		if k.classID == classID {
			delete(t.d.enrollments, k)
		}
	}
	return nil
}

func (t *memTx) DeleteEnrollmentsByStudent(_ context.Context, studentID string) error {
	for k := range t.d.enrollments {
		if k.studentID == studentID {
			delete(t.d.enrollments, k)
		}
	}
	return nil
}

func (t *memTx) CountActiveEnrollments(_ context.Context, teacherID string) (int, error) {
	n := 0
	for _, e := range t.d.enrollments {
		c, ok := t.d.classes[e.ClassID]
		if ok && c.TeacherID == teacherID && e.Status == model.EnrollmentActive {
			n++
		}
	}
	return n, nil
}

// -------- QR sessions --------

func (t *memTx) GetActiveSession(_ context.Context, classID string) (*model.QRSession, error) {
	for _, s := range t.d.sessions {
		if s.ClassID == classID && s.Status == model.SessionActive {
			return cloneSession(s), nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertSession(_ context.Context, s *model.QRSession) error {
	if _, ok := t.d.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	if s.Status == model.SessionActive {
		for _, existing := range t.d.sessions {
			if existing.ClassID == s.ClassID && existing.Status == model.SessionActive {
				return ErrDuplicate
			}
		}
	}
	t.d.sessions[s.ID] = cloneSession(s)
	return nil
}

func (t *memTx) UpdateSession(_ context.Context, s *model.QRSession) error {
	if _, ok := t.d.sessions[s.ID]; ok {
		t.d.sessions[s.ID] = cloneSession(s)
	}
	return nil
}

func (t *memTx) RotateCode(_ context.Context, sessionID string, prevGeneratedAt time.Time, code string, at time.Time) (bool, error) {
	s, ok := t.d.sessions[sessionID]
	if !ok || s.Status != model.SessionActive || !s.CodeGeneratedAt.Equal(prevGeneratedAt) {
		return false, nil
	}
	next := cloneSession(s)
	next.CurrentCode = code
	next.CodeGeneratedAt = at
	t.d.sessions[sessionID] = next
	return true, nil
}

func (t *memTx) DeleteSessionsByClass(_ context.Context, classID string) error {
	for id, s := range t.d.sessions {
		if s.ClassID == classID {
			delete(t.d.sessions, id)
		}
	}
	return nil
}

// -------- Contact & activity --------

func (t *memTx) InsertContactMessage(_ context.Context, m *model.ContactMessage) error {
	t.d.contacts = append(t.d.contacts, *m)
	return nil
}

func (t *memTx) InsertActivity(_ context.Context, a *model.Activity) error {
	for _, existing := range t.d.activity {
		if existing.ID == a.ID {
			return nil
		}
	}
	t.d.activity = append(t.d.activity, *a)
	return nil
}

func (t *memTx) ListActivity(_ context.Context, classID string, limit int) ([]model.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	var res []model.Activity
	for i := len(t.d.activity) - 1; i >= 0 && len(res) < limit; i-- {
		if t.d.activity[i].ClassID == classID {
			res = append(res, t.d.activity[i])
		}
	}
	return res, nil
}

// -------- clones --------

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRecord(r model.StudentRecord) model.StudentRecord {
	out := r
	if r.Attendance != nil {
		out.Attendance = make(map[string]string, len(r.Attendance))
		for k, v := range r.Attendance {
			out.Attendance[k] = v
		}
	}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func cloneClass(c *model.Class) *model.Class {
	out := *c
	if c.Thresholds != nil {
		th := *c.Thresholds
		out.Thresholds = &th
	}
	out.CustomColumns = nil
	for _, col := range c.CustomColumns {
		cp := make(map[string]any, len(col))
		for k, v := range col {
			cp[k] = v
		}
		out.CustomColumns = append(out.CustomColumns, cp)
	}
	out.Students = make([]model.StudentRecord, 0, len(c.Students))
	for _, r := range c.Students {
		out.Students = append(out.Students, cloneRecord(r))
	}
	return &out
}

func cloneEnrollment(e *model.Enrollment) *model.Enrollment {
	out := *e
	out.ReEnrolledAt = cloneTime(e.ReEnrolledAt)
	out.UnenrolledAt = cloneTime(e.UnenrolledAt)
	out.RemovedByTeacherAt = cloneTime(e.RemovedByTeacherAt)
	return &out
}

func cloneSession(s *model.QRSession) *model.QRSession {
	out := *s
	out.ScannedStudents = append([]string(nil), s.ScannedStudents...)
	out.LastScanAt = cloneTime(s.LastScanAt)
	out.StoppedAt = cloneTime(s.StoppedAt)
	return &out
}

func cloneAccount(a *model.Account) *model.Account {
	out := *a
	out.EnrolledClasses = nil
	for _, ec := range a.EnrolledClasses {
		ec.ReEnrolledAt = cloneTime(ec.ReEnrolledAt)
		out.EnrolledClasses = append(out.EnrolledClasses, ec)
	}
	if a.Overview != nil {
		ov := *a.Overview
		out.Overview = &ov
	}
	return &out
}
