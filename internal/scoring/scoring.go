// Package scoring turns a submitted selection into a correctness classification and points.
package scoring

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
)

// Presets used when a session is started without an explicit policy.
var (
	TrainingPolicy = domain.ScoringPolicy{
		Correct:   decimal.NewFromInt(1),
		Incorrect: decimal.Zero,
		Skipped:   decimal.Zero,
		Partial:   decimal.RequireFromString("0.5"),
	}

	ExamPolicy = domain.ScoringPolicy{
		Correct:   decimal.NewFromInt(1),
		Incorrect: decimal.RequireFromString("-0.5"),
		Skipped:   decimal.Zero,
		Partial:   decimal.RequireFromString("0.5"),
	}
)

type Outcome string

const (
	OutcomeCorrect   Outcome = "correct"
	OutcomePartial   Outcome = "partial"
	OutcomeIncorrect Outcome = "incorrect"
	OutcomeSkipped   Outcome = "skipped"
)

// Submission is what the user picked for one question, along with the question's key.
type Submission struct {
	Selected []string
	Correct  []string
}

type Result struct {
	Outcome   Outcome
	IsCorrect bool
	IsPartial bool
	Points    decimal.Decimal
}

// Score classifies a submission and returns the points the policy grants for it.
// Points are exact; round only for display.
func Score(sub Submission, p domain.ScoringPolicy) Result {
	selected := Normalize(sub.Selected)
	correct := Normalize(sub.Correct)

	switch {
	case len(selected) == 0:
		return Result{Outcome: OutcomeSkipped, Points: p.Skipped}
	case slices.Equal(selected, correct):
		return Result{Outcome: OutcomeCorrect, IsCorrect: true, Points: p.Correct}
	case len(correct) > 1 && len(selected) < len(correct) && subset(selected, correct):
		return Result{Outcome: OutcomePartial, IsPartial: true, Points: p.Partial}
	default:
		return Result{Outcome: OutcomeIncorrect, Points: p.Incorrect}
	}
}

// Normalize returns the option ids as a sorted set without blanks or duplicates.
func Normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Dedupe drops blanks and repeated option ids, keeping the order of first selection.
func Dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// both inputs must be normalized
func subset(a, b []string) bool {
	for _, x := range a {
		if _, ok := slices.BinarySearch(b, x); !ok {
			return false
		}
	}
	return true
}

// Validate rejects policies that reward a wrong answer over a right one.
func Validate(p domain.ScoringPolicy) error {
	if p.Correct.LessThan(p.Incorrect) {
		return errors.Configuration("scoring policy: correct (%s) must not be lower than incorrect (%s)", p.Correct, p.Incorrect)
	}
	if p.Partial.GreaterThan(p.Correct) {
		return errors.Configuration("scoring policy: partial (%s) must not exceed correct (%s)", p.Partial, p.Correct)
	}
	return nil
}

// IsZero reports whether no value of p was set.
func IsZero(p domain.ScoringPolicy) bool {
	return p.Correct.IsZero() && p.Incorrect.IsZero() && p.Skipped.IsZero() && p.Partial.IsZero()
}

// Display rounds points to hundredths for session summaries.
func Display(points decimal.Decimal) string {
	return points.StringFixed(2)
}
