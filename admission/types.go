package admission

import (
	"errors"
	"time"
)

// Kind scopes cancellation. The set of kinds is closed.
type Kind string

const (
	// KindSRT is a plain subtitle file translated on its own.
	KindSRT Kind = "srt"
	// KindVideoTranslationPhase is the translation phase of a video job,
	// derived from a transcription produced elsewhere.
	KindVideoTranslationPhase Kind = "video_translation_phase"
)

// Kinds returns every known job kind.
func Kinds() []Kind {
	return []Kind{KindSRT, KindVideoTranslationPhase}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSRT, KindVideoTranslationPhase:
		return true
	}
	return false
}

type Priority string

const (
	PriorityNormal      Priority = "normal"
	PriorityManualRetry Priority = "manual-retry"
)

type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether a job in state s has left the controller.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var (
	// ErrCancelled rejects work whose kind is under cancellation.
	ErrCancelled = errors.New("admission: cancelled")
	// ErrUnknownJob is returned for resource requests from jobs that are not active.
	ErrUnknownJob = errors.New("admission: unknown or inactive job")
	// ErrJobFinished rejects requests still queued when their job completed.
	ErrJobFinished = errors.New("admission: job finished")
	// ErrInvalidKind rejects submissions with a kind outside Kinds().
	ErrInvalidKind = errors.New("admission: invalid job kind")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("admission: controller closed")
)

// Settings is the snapshot of tunables the controller and the chunk
// processor read at construction and on UpdateSettings.
type Settings struct {
	RequestsPerMinute           int
	TokensPerMinute             int
	MaxConcurrentFiles          int
	OutputTokenEstimationFactor float64
	MaxRetries                  int
	BaseRetryDelay              time.Duration
	FallbackModelAlias          string
}

// DefaultSettings mirrors the defaults of the config package.
func DefaultSettings() Settings {
	return Settings{
		RequestsPerMinute:           60,
		TokensPerMinute:             100000,
		MaxConcurrentFiles:          2,
		OutputTokenEstimationFactor: 2.0,
		MaxRetries:                  2,
		BaseRetryDelay:              time.Second,
	}
}

// WithDefaults replaces non-positive limits with their defaults. Zero
// retries and a zero retry delay are legitimate and kept.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.RequestsPerMinute <= 0 {
		s.RequestsPerMinute = d.RequestsPerMinute
	}
	if s.TokensPerMinute <= 0 {
		s.TokensPerMinute = d.TokensPerMinute
	}
	if s.MaxConcurrentFiles <= 0 {
		s.MaxConcurrentFiles = d.MaxConcurrentFiles
	}
	if s.OutputTokenEstimationFactor <= 0 {
		s.OutputTokenEstimationFactor = d.OutputTokenEstimationFactor
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.BaseRetryDelay < 0 {
		s.BaseRetryDelay = 0
	}
	return s
}

// MaxAttempts is the per-chunk attempt budget: configured retries plus the first try.
func (s Settings) MaxAttempts() int {
	return s.MaxRetries + 1
}

// JobDescriptor is what callers hand to Submit.
type JobDescriptor struct {
	Target  string
	Kind    Kind
	Payload any
}

// FileJob is a snapshot of one job as seen by the controller.
type FileJob struct {
	ID       string
	Target   string
	Kind     Kind
	Priority Priority
	State    State
	Progress int
	Settings Settings
	Payload  any

	SubmittedAt time.Time
	AdmittedAt  time.Time
	FinishedAt  time.Time
}

// Outcome accompanies a terminal state passed to Complete.
type Outcome struct {
	Err    error
	Output any
}
