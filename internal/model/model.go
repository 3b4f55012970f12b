package model

import "time"

// Attendance codes stored in a StudentRecord ledger.
const (
	Present = "P"
	Absent  = "A"
	Late    = "L"
)

// DateLayout is the ISO layout used for attendance keys and session dates.
const DateLayout = "2006-01-02"

// Roles carried by accounts and JWT claims.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// EnrollmentStatus is the membership state of a student in a class.
type EnrollmentStatus string

const (
	EnrollmentActive   EnrollmentStatus = "active"
	EnrollmentInactive EnrollmentStatus = "inactive"
)

// SessionStatus is the lifecycle state of a QR session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// Thresholds are attendance percentages used to classify students.
type Thresholds struct {
	Excellent float64 `json:"excellent"`
	Good      float64 `json:"good"`
	Moderate  float64 `json:"moderate"`
	AtRisk    float64 `json:"atRisk"`
}

// StudentRecord is the per-class attendance record for one student.
type StudentRecord struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	RollNo     string            `json:"rollNo"`
	Email      string            `json:"email"`
	Attendance map[string]string `json:"attendance" validate:"dive,keys,isodate,endkeys,attcode"`
	Fields     map[string]any    `json:"fields,omitempty"`
}

// Class is owned by a single teacher and embeds every StudentRecord ever created for it.
type Class struct {
	ID            string           `json:"id"`
	TeacherID     string           `json:"teacher_id"`
	Name          string           `json:"name"`
	Thresholds    *Thresholds      `json:"thresholds,omitempty"`
	CustomColumns []map[string]any `json:"customColumns"`
	Students      []StudentRecord  `json:"students"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Record returns a pointer to the record with the given id, or nil.
func (c *Class) Record(id string) *StudentRecord {
	for i := range c.Students {
		if c.Students[i].ID == id {
			return &c.Students[i]
		}
	}
	return nil
}

// Enrollment joins a student account to a class through a StudentRecord id.
type Enrollment struct {
	StudentID          string           `json:"student_id"`
	StudentRecordID    string           `json:"student_record_id"`
	ClassID            string           `json:"class_id"`
	Status             EnrollmentStatus `json:"status"`
	RollNo             string           `json:"roll_no"`
	Name               string           `json:"name"`
	Email              string           `json:"email"`
	EnrolledAt         time.Time        `json:"enrolled_at"`
	ReEnrolledAt       *time.Time       `json:"re_enrolled_at,omitempty"`
	UnenrolledAt       *time.Time       `json:"unenrolled_at,omitempty"`
	RemovedByTeacherAt *time.Time       `json:"removed_by_teacher_at,omitempty"`
}

// Active reports whether the enrollment currently grants membership.
func (e *Enrollment) Active() bool { return e != nil && e.Status == EnrollmentActive }

// QRSession is a rotating-code attendance window for one class.
type QRSession struct {
	ID               string        `json:"id"`
	ClassID          string        `json:"class_id"`
	TeacherID        string        `json:"teacher_id"`
	CurrentCode      string        `json:"current_code"`
	CodeGeneratedAt  time.Time     `json:"code_generated_at"`
	RotationInterval int           `json:"rotation_interval"`
	AttendanceDate   string        `json:"attendance_date"`
	ScannedStudents  []string      `json:"scanned_students"`
	Status           SessionStatus `json:"status"`
	Superseded       bool          `json:"superseded,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	LastScanAt       *time.Time    `json:"last_scan_at,omitempty"`
	StoppedAt        *time.Time    `json:"stopped_at,omitempty"`
}

// HasScanned reports whether recordID is already in the scanned set.
func (s *QRSession) HasScanned(recordID string) bool {
	for _, id := range s.ScannedStudents {
		if id == recordID {
			return true
		}
	}
	return false
}

// EnrolledClass is an entry of a student's denormalized enrolled-classes cache.
type EnrolledClass struct {
	ClassID      string     `json:"class_id"`
	ClassName    string     `json:"class_name"`
	TeacherName  string     `json:"teacher_name"`
	EnrolledAt   time.Time  `json:"enrolled_at"`
	ReEnrolledAt *time.Time `json:"re_enrolled_at,omitempty"`
}

// Overview summarizes a teacher's classes and active students.
type Overview struct {
	TotalClasses  int       `json:"total_classes"`
	TotalStudents int       `json:"total_students"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Account is a teacher or student login.
type Account struct {
	ID              string          `json:"id"`
	Email           string          `json:"email"`
	Name            string          `json:"name"`
	PasswordHash    string          `json:"-"`
	Role            string          `json:"role"`
	EnrolledClasses []EnrolledClass `json:"enrolled_classes,omitempty"`
	Overview        *Overview       `json:"overview,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ContactMessage is a message submitted through the public contact form.
type ContactMessage struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity is one audit-trail entry for a class.
type Activity struct {
	ID         string         `json:"id"`
	ClassID    string         `json:"class_id"`
	ActorID    string         `json:"actor_id"`
	Type       string         `json:"type"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// AddEnrolledClass inserts or replaces the cache entry for ec.ClassID.
func (a *Account) AddEnrolledClass(ec EnrolledClass) {
	for i := range a.EnrolledClasses {
		if a.EnrolledClasses[i].ClassID == ec.ClassID {
			a.EnrolledClasses[i] = ec
			return
		}
	}
	a.EnrolledClasses = append(a.EnrolledClasses, ec)
}

// RemoveEnrolledClass drops the cache entry for classID and reports whether one existed.
func (a *Account) RemoveEnrolledClass(classID string) bool {
	for i := range a.EnrolledClasses {
		if a.EnrolledClasses[i].ClassID == classID {
			a.EnrolledClasses = append(a.EnrolledClasses[:i], a.EnrolledClasses[i+1:]...)
			return true
		}
	}
	return false
}
