package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the kind of attempt a session represents.
type Mode string

const (
	ModeTraining Mode = "training"
	ModeExam     Mode = "exam"
)

// Status is the client-side lifecycle state of a session. Paused is a state of its own here
// even though the remote schema stores it as in_progress plus a paused_at marker.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusTimeout:
		return true
	}
	return false
}

// Outcome reports whether s is a valid argument to finalize a session.
func (s Status) Outcome() bool {
	return s.Terminal()
}

// ScoringPolicy holds the points granted for each answer outcome.
type ScoringPolicy struct {
	Correct   decimal.Decimal `json:"correct"`
	Incorrect decimal.Decimal `json:"incorrect"`
	Skipped   decimal.Decimal `json:"skipped"`
	Partial   decimal.Decimal `json:"partial"`
}

// IntegrityPolicy configures anti-cheat tracking for exam sessions.
type IntegrityPolicy struct {
	// BackgroundTolerance is the number of times the app may be backgrounded before
	// each further backgrounding is penalized.
	BackgroundTolerance int `json:"background_tolerance"`
	// Penalty is subtracted from the integrity score per penalized backgrounding.
	Penalty int `json:"penalty"`
	// MinAnswerTime flags answers submitted faster than this.
	MinAnswerTime time.Duration `json:"min_answer_time"`
}

// Question is the answer key of one presented question.
type Question struct {
	ID               string   `json:"id"`
	CorrectOptionIDs []string `json:"correct_option_ids"`
}

// SessionConfig is fixed at session start.
type SessionConfig struct {
	Mode          Mode          `json:"mode"`
	Topics        []string      `json:"topics"`
	QuestionCount int           `json:"question_count"`
	Questions     []Question    `json:"questions,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	AllowPause    bool          `json:"allow_pause"`
	Scoring       ScoringPolicy `json:"scoring"`
	// Integrity is only used in exam mode.
	Integrity IntegrityPolicy `json:"integrity"`
}

// Question returns the answer key for id.
func (c SessionConfig) Question(id string) (Question, bool) {
	i := slices.IndexFunc(c.Questions, func(q Question) bool { return q.ID == id })
	if i < 0 {
		return Question{}, false
	}
	return c.Questions[i], true
}

// Session represents one training or exam attempt.
type Session struct {
	SessionID    string           `json:"session_id"`
	OwnerID      string           `json:"owner_id"`
	Config       SessionConfig    `json:"config"`
	Status       Status           `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	PausedAt     *time.Time       `json:"paused_at,omitempty"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	Score        decimal.Decimal  `json:"score"`
	PointsEarned decimal.Decimal  `json:"points_earned"`
	Answers      []Answer         `json:"answers"`
	Integrity    *IntegrityRecord `json:"integrity,omitempty"`
}

// Deadline returns when a timed session runs out.
func (s *Session) Deadline() (time.Time, bool) {
	if s.Config.Duration <= 0 {
		return time.Time{}, false
	}
	return s.StartedAt.Add(s.Config.Duration), true
}

// Answer is one recorded response within a session.
type Answer struct {
	SessionID    string          `json:"session_id"`
	QuestionID   string          `json:"question_id"`
	Selected     []string        `json:"selected"`
	IsCorrect    bool            `json:"is_correct"`
	IsPartial    bool            `json:"is_partial"`
	TimeTaken    int             `json:"time_taken"`
	PointsEarned decimal.Decimal `json:"points_earned"`
	AnsweredAt   time.Time       `json:"answered_at"`
}

type WarningType string

const (
	WarningSuspiciousPattern WarningType = "SUSPICIOUS_PATTERN"
	WarningRapidAnswers      WarningType = "RAPID_ANSWERS"
)

type Warning struct {
	Type   WarningType `json:"type"`
	At     time.Time   `json:"at"`
	Detail string      `json:"detail"`
}

// IntegrityRecord accumulates anti-cheat signals for one exam session.
type IntegrityRecord struct {
	Backgrounded int       `json:"backgrounded"`
	Warnings     []Warning `json:"warnings"`
	Score        int       `json:"score"`
}

// Grade is a rank tier derived from a user's cumulative points.
type Grade string

const (
	GradeRecruit     Grade = "recruit"
	GradeCadet       Grade = "cadet"
	GradeFirefighter Grade = "firefighter"
	GradeLieutenant  Grade = "lieutenant"
	GradeCaptain     Grade = "captain"
	GradeChief       Grade = "chief"
)

var gradeThresholds = []struct {
	min   int64
	grade Grade
}{
	{2500, GradeChief},
	{1000, GradeCaptain},
	{500, GradeLieutenant},
	{200, GradeFirefighter},
	{50, GradeCadet},
}

// GradeFor returns the tier for a cumulative point total.
func GradeFor(total decimal.Decimal) Grade {
	for _, t := range gradeThresholds {
		if total.GreaterThanOrEqual(decimal.NewFromInt(t.min)) {
			return t.grade
		}
	}
	return GradeRecruit
}

// Standing is a user's cumulative ranking state.
type Standing struct {
	UserID      string          `json:"user_id"`
	TotalPoints decimal.Decimal `json:"total_points"`
	Grade       Grade           `json:"grade"`
}

// Leaderboard represents a list of users and their cumulative points.
// The list is sorted by points in descending order.
type Leaderboard struct {
	Entries []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	UserID string  `json:"user_id"`
	Points float64 `json:"points"`
	Grade  Grade   `json:"grade"`
}
