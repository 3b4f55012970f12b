package attendance

import (
	"math"

	"attendsheets/internal/model"
)

// Student status labels.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusModerate  = "moderate"
	StatusAtRisk    = "at risk"
	StatusNoData    = "no data"
)

// DefaultThresholds apply to classes created without thresholds.
var DefaultThresholds = model.Thresholds{
	Excellent: 95,
	Good:      90,
	Moderate:  85,
	AtRisk:    85,
}

// ClassStats is the aggregate shown on a class.
type ClassStats struct {
	TotalStudents  int     `json:"total_students"`
	AvgAttendance  float64 `json:"avg_attendance"`
	AtRiskCount    int     `json:"at_risk_count"`
	ExcellentCount int     `json:"excellent_count"`
}

// StudentStats is the aggregate for a single record.
type StudentStats struct {
	TotalClasses int     `json:"total_classes"`
	Present      int     `json:"present"`
	Absent       int     `json:"absent"`
	Late         int     `json:"late"`
	Percentage   float64 `json:"percentage"`
	Status       string  `json:"status"`
}

// Resolve returns t, or the defaults when the class has none.
func Resolve(t *model.Thresholds) model.Thresholds {
	if t == nil {
		return DefaultThresholds
	}
	return *t
}

// Percentage is (present + late) / marked days * 100, or 0 without marked days.
func Percentage(rec model.StudentRecord) float64 {
	if len(rec.Attendance) == 0 {
		return 0
	}
	attended := 0
	for _, code := range rec.Attendance {
		if code == model.Present || code == model.Late {
			attended++
		}
	}
	return float64(attended) / float64(len(rec.Attendance)) * 100
}

// ClassStatistics aggregates the active records of a class. Records without
// any marked day count toward the average as 0 but are not classified.
func ClassStatistics(records []model.StudentRecord, active map[string]bool, t model.Thresholds) ClassStats {
	var stats ClassStats
	var sum float64
	for _, rec := range records {
		if !active[rec.ID] {
			continue
		}
		stats.TotalStudents++
		if len(rec.Attendance) == 0 {
			continue
		}
		pct := Percentage(rec)
		sum += pct
		switch {
		case pct >= t.Excellent:
			stats.ExcellentCount++
		case pct < t.Moderate:
			stats.AtRiskCount++
		}
	}
	if stats.TotalStudents == 0 {
		return ClassStats{}
	}
	stats.AvgAttendance = round3(sum / float64(stats.TotalStudents))
	return stats
}

// StudentStatistics classifies a single record against the thresholds.
func StudentStatistics(rec model.StudentRecord, t model.Thresholds) StudentStats {
	if len(rec.Attendance) == 0 {
		return StudentStats{Status: StatusNoData}
	}
	stats := StudentStats{TotalClasses: len(rec.Attendance)}
	for _, code := range rec.Attendance {
		switch code {
		case model.Present:
			stats.Present++
		case model.Absent:
			stats.Absent++
		case model.Late:
			stats.Late++
		}
	}
	pct := Percentage(rec)
	stats.Percentage = round3(pct)
	switch {
	case pct >= t.Excellent:
		stats.Status = StatusExcellent
	case pct >= t.Good:
		stats.Status = StatusGood
	case pct >= t.Moderate:
		stats.Status = StatusModerate
	default:
		stats.Status = StatusAtRisk
	}
	return stats
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
