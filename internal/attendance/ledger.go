// Package attendance holds the ledger operations shared by the enrollment and
// QR session engines. Everything here is pure: callers load and persist the
// records through the store.
package attendance

import (
	"attendsheets/internal/apperr"
	"attendsheets/internal/model"
	"attendsheets/internal/validation"
)

// Mark sets the code for date, overwriting any existing entry.
func Mark(rec *model.StudentRecord, date, code string) error {
	if !validation.IsDate(date) {
		return apperr.Invalid("malformed date %q", date)
	}
	if !validation.IsCode(code) {
		return apperr.Invalid("unknown attendance code %q", code)
	}
	if rec.Attendance == nil {
		rec.Attendance = make(map[string]string)
	}
	rec.Attendance[date] = code
	return nil
}

// MarkIfUnset sets the code for date only when no entry exists yet and reports
// whether it wrote. A present mark from a racing scan is never overwritten.
func MarkIfUnset(rec *model.StudentRecord, date, code string) (bool, error) {
	if _, ok := rec.Attendance[date]; ok {
		return false, nil
	}
	if err := Mark(rec, date, code); err != nil {
		return false, err
	}
	return true, nil
}

// ValidateRecord checks the ledger of a teacher-submitted record.
func ValidateRecord(rec model.StudentRecord) error {
	if rec.ID == "" {
		return apperr.Invalid("student record id is required")
	}
	for date, code := range rec.Attendance {
		if !validation.IsDate(date) {
			return apperr.Invalid("record %s: malformed date %q", rec.ID, date)
		}
		if !validation.IsCode(code) {
			return apperr.Invalid("record %s: unknown attendance code %q", rec.ID, code)
		}
	}
	return nil
}

// ActiveIDs returns the record ids of the active enrollments.
func ActiveIDs(enrollments []model.Enrollment) map[string]bool {
	ids := make(map[string]bool, len(enrollments))
	for _, e := range enrollments {
		if e.Status == model.EnrollmentActive {
			ids[e.StudentRecordID] = true
		}
	}
	return ids
}

// Visible filters records down to the ones whose id is active.
func Visible(records []model.StudentRecord, active map[string]bool) []model.StudentRecord {
	out := make([]model.StudentRecord, 0, len(active))
	for _, r := range records {
		if active[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// Removed returns the active ids missing from incoming.
func Removed(active map[string]bool, incoming []model.StudentRecord) []string {
	seen := make(map[string]bool, len(incoming))
	for _, r := range incoming {
		seen[r.ID] = true
	}
	var out []string
	for id := range active {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Merge returns the stored list with matching records replaced by incoming
// ones and incoming records that are not stored yet appended. No stored record
// is ever dropped.
func Merge(stored, incoming []model.StudentRecord) []model.StudentRecord {
	byID := make(map[string]model.StudentRecord, len(incoming))
	for _, r := range incoming {
		if r.Attendance == nil {
			r.Attendance = map[string]string{}
		}
		byID[r.ID] = r
	}

	out := make([]model.StudentRecord, 0, len(stored)+len(incoming))
	used := make(map[string]bool, len(incoming))
	for _, r := range stored {
		if repl, ok := byID[r.ID]; ok {
			out = append(out, repl)
			used[r.ID] = true
			continue
		}
		out = append(out, r)
	}
	for _, r := range incoming {
		if used[r.ID] {
			continue
		}
		used[r.ID] = true
		out = append(out, byID[r.ID])
	}
	return out
}

// Recreate appends an empty record for an enrollment whose record is missing
// from the class and returns it. The pointer is valid until the next append.
func Recreate(c *model.Class, e model.Enrollment) *model.StudentRecord {
	c.Students = append(c.Students, model.StudentRecord{
		ID:         e.StudentRecordID,
		Name:       e.Name,
		RollNo:     e.RollNo,
		Email:      e.Email,
		Attendance: map[string]string{},
	})
	return &c.Students[len(c.Students)-1]
}
