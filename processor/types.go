package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"translate-admission/admission"
)

// Segment is one subtitle cue. Start and End are carried through untouched.
type Segment struct {
	ID    int
	Start string
	End   string
	Text  string
}

// Chunk is the unit of one translation API call.
type Chunk struct {
	Index      int
	Segments   []Segment
	SourceLang string
	TargetLang string
}

// Text joins the chunk's segment texts for token estimation.
func (c Chunk) Text() string {
	texts := make([]string, len(c.Segments))
	for i, s := range c.Segments {
		texts[i] = s.Text
	}
	return strings.Join(texts, "\n")
}

// Result is the translated form of one chunk plus the provider's usage.
type Result struct {
	Index        int
	Segments     []Segment
	InputTokens  int
	OutputTokens int
}

// Client performs one translation call with the given model alias.
type Client interface {
	Call(ctx context.Context, chunk Chunk, model string) (Result, error)
}

// Estimator predicts the input tokens of a text locally.
type Estimator interface {
	EstimateTokens(text string) (int, error)
}

// Admitter is the slice of the admission controller a processor needs.
type Admitter interface {
	RequestResources(jobID string, estInputTokens int) *admission.Grant
	ReleaseResources(jobID string, actualInput, actualOutput int)
	Cancelled(kind admission.Kind) bool
	ActivatePause(d time.Duration, reasonID string) bool
}

// OverloadedError reports a provider overload. RetryAfter is the cooldown
// the provider suggested, zero if none.
type OverloadedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *OverloadedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider overloaded: %v", e.Err)
	}
	return "provider overloaded"
}

func (e *OverloadedError) Unwrap() error { return e.Err }

// ChunkError is returned once a chunk has used up its attempts.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// IsOverloaded reports whether err carries an OverloadedError.
func IsOverloaded(err error) bool {
	var o *OverloadedError
	return errors.As(err, &o)
}

// FailurePolicy decides what an exhausted chunk does to its job.
type FailurePolicy int

const (
	// FailJob fails the whole job on the first exhausted chunk.
	FailJob FailurePolicy = iota
	// KeepGaps finishes the job and leaves the failed chunks untranslated.
	KeepGaps
)

func (p FailurePolicy) String() string {
	if p == KeepGaps {
		return "keep-gaps"
	}
	return "fail-job"
}

// Job identifies the work a Run belongs to.
type Job struct {
	ID       string
	Kind     admission.Kind
	Settings admission.Settings
	// Stop is closed by the controller when the job's kind is cancelled.
	Stop <-chan struct{}
}

// Report is the assembled output of a Run.
type Report struct {
	// Segments holds every segment in chunk order. Under KeepGaps the
	// segments of failed chunks have empty text.
	Segments []Segment
	// Failed lists the indices of chunks that exhausted their attempts.
	Failed []int
	// Model is the alias used for the last call of the job.
	Model        string
	Escalated    bool
	InputTokens  int
	OutputTokens int
}
