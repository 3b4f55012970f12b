// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Enrollments counts membership transitions by result
	// (enrolled, re-enrolled, unenrolled, removed).
	Enrollments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendsheets",
		Name:      "enrollments_total",
		Help:      "Enrollment state transitions.",
	}, []string{"result"})

	// Scans counts QR scan attempts by outcome.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendsheets",
		Name:      "qr_scans_total",
		Help:      "QR scan attempts by outcome.",
	}, []string{"outcome"})

	// Sessions counts QR session lifecycle events (started, superseded, stopped).
	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendsheets",
		Name:      "qr_sessions_total",
		Help:      "QR session lifecycle events.",
	}, []string{"event"})

	Rotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendsheets",
		Name:      "qr_code_rotations_total",
		Help:      "QR codes rotated on read.",
	})

	AbsencesMarked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendsheets",
		Name:      "absences_marked_total",
		Help:      "Absent marks written when sessions stop.",
	})

	// Repairs counts recreated student records, which indicate an invariant
	// violation somewhere else.
	Repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendsheets",
		Name:      "data_repairs_total",
		Help:      "Student records recreated by repair paths.",
	}, []string{"path"})
)
