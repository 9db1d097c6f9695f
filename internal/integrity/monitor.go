// Package integrity annotates exam sessions with anti-cheat signals. It never blocks or
// fails a session.
package integrity

import (
	"fmt"
	"slices"
	"time"

	"github.com/victornm/fireprep/internal/domain"
)

const (
	MaxScore = 100

	DefaultBackgroundTolerance = 2
	DefaultPenalty             = 10
	DefaultMinAnswerTime       = 2 * time.Second
)

// DefaultPolicy fills unset fields of p.
func DefaultPolicy(p domain.IntegrityPolicy) domain.IntegrityPolicy {
	if p.BackgroundTolerance <= 0 {
		p.BackgroundTolerance = DefaultBackgroundTolerance
	}
	if p.Penalty <= 0 {
		p.Penalty = DefaultPenalty
	}
	if p.MinAnswerTime <= 0 {
		p.MinAnswerTime = DefaultMinAnswerTime
	}
	return p
}

// Monitor accumulates the integrity record of one exam session. It is not safe for
// concurrent use; the owning session serializes access.
type Monitor struct {
	policy domain.IntegrityPolicy
	rec    domain.IntegrityRecord
}

func NewMonitor(p domain.IntegrityPolicy) *Monitor {
	return &Monitor{
		policy: DefaultPolicy(p),
		rec:    domain.IntegrityRecord{Score: MaxScore},
	}
}

// Restore continues from a previously persisted record.
func Restore(p domain.IntegrityPolicy, rec domain.IntegrityRecord) *Monitor {
	m := NewMonitor(p)
	m.rec = domain.IntegrityRecord{
		Backgrounded: rec.Backgrounded,
		Warnings:     slices.Clone(rec.Warnings),
		Score:        min(max(rec.Score, 0), MaxScore),
	}
	return m
}

// Backgrounded records the app leaving the foreground at t.
func (m *Monitor) Backgrounded(t time.Time) {
	m.rec.Backgrounded++
	if m.rec.Backgrounded <= m.policy.BackgroundTolerance {
		return
	}

	m.rec.Warnings = append(m.rec.Warnings, domain.Warning{
		Type:   domain.WarningSuspiciousPattern,
		At:     t,
		Detail: fmt.Sprintf("app backgrounded %d times (tolerance %d)", m.rec.Backgrounded, m.policy.BackgroundTolerance),
	})
	m.rec.Score = max(m.rec.Score-m.policy.Penalty, 0)
}

// Answered records an answer submitted at t after timeTaken. Answers faster than the
// policy minimum are flagged for audit without a penalty.
func (m *Monitor) Answered(t time.Time, questionID string, timeTaken time.Duration) {
	if timeTaken >= m.policy.MinAnswerTime {
		return
	}

	m.rec.Warnings = append(m.rec.Warnings, domain.Warning{
		Type:   domain.WarningRapidAnswers,
		At:     t,
		Detail: fmt.Sprintf("question %s answered in %s (minimum %s)", questionID, timeTaken, m.policy.MinAnswerTime),
	})
}

// Record returns a copy of the current record.
func (m *Monitor) Record() domain.IntegrityRecord {
	rec := m.rec
	rec.Warnings = slices.Clone(m.rec.Warnings)
	return rec
}
