// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Login attempts by role and result.
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rapport_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"role", "result"},
	)

	// Participant submissions by result (accepted, rejected).
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rapport_submissions_total",
			Help: "Total number of participant submissions",
		},
		[]string{"result"},
	)

	TeacherReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rapport_teacher_replies_total",
			Help: "Total number of teacher replies",
		},
	)

	TeacherSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rapport_teacher_skips_total",
			Help: "Total number of questions skipped by the teacher",
		},
	)

	// Feedback drafts by status (ok, cached, error, timeout).
	Drafts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rapport_drafts_total",
			Help: "Total number of feedback draft requests",
		},
		[]string{"status"},
	)

	DraftDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rapport_draft_duration_seconds",
			Help:    "Duration of feedback draft requests to the model",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshot writes by status (ok, error, mirror_error).
	Backups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rapport_backups_total",
			Help: "Total number of snapshot writes",
		},
		[]string{"status"},
	)
)

// RegisterStoreGauges exposes live classroom figures. The functions are
// called on every scrape.
func RegisterStoreGauges(reg prometheus.Registerer, waiting, participants func() int) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rapport_questions_waiting",
			Help: "Questions currently waiting for teacher feedback",
		}, func() float64 { return float64(waiting()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rapport_participants",
			Help: "Number of registered participants",
		}, func() float64 { return float64(participants()) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
