package queues

import (
	"context"
	"errors"
	"fmt"
)

const (
	EnvelopeVersion = "1.0"
	JobEventType    = "translation-job-event"
)

type CommandType string

const (
	CommandSubmit            CommandType = "submit"
	CommandCancel            CommandType = "cancel"
	CommandResetCancellation CommandType = "reset-cancellation"
	CommandPause             CommandType = "pause"
	CommandResume            CommandType = "resume"
)

// Segment is one subtitle cue on the wire.
type Segment struct {
	ID    int    `json:"id"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Text  string `json:"text"`
}

// Command is an inbound control message.
type Command struct {
	Type CommandType `json:"type"`
	// RequestID is echoed on the job's events so callers can correlate.
	RequestID   string    `json:"requestId,omitempty"`
	Target      string    `json:"target,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	ManualRetry bool      `json:"manualRetry,omitempty"`
	SourceLang  string    `json:"sourceLang,omitempty"`
	TargetLang  string    `json:"targetLang,omitempty"`
	Segments    []Segment `json:"segments,omitempty"`
	DurationMs  int64     `json:"durationMs,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

var ErrInvalidCommand = errors.New("invalid command")

// Validate checks the fields each command type requires.
func (c *Command) Validate() error {
	switch c.Type {
	case CommandSubmit:
		if c.Target == "" || c.Kind == "" {
			return fmt.Errorf("%w: submit needs target and kind", ErrInvalidCommand)
		}
		if c.TargetLang == "" {
			return fmt.Errorf("%w: submit needs targetLang", ErrInvalidCommand)
		}
	case CommandCancel, CommandResetCancellation:
		if c.Kind == "" {
			return fmt.Errorf("%w: %s needs kind", ErrInvalidCommand, c.Type)
		}
	case CommandPause:
		if c.DurationMs <= 0 {
			return fmt.Errorf("%w: pause needs a positive durationMs", ErrInvalidCommand)
		}
	case CommandResume:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

type JobStatus string

const (
	StatusQueued    JobStatus = "Queued"
	StatusAdmitted  JobStatus = "Admitted"
	StatusProgress  JobStatus = "Progress"
	StatusSucceeded JobStatus = "Succeeded"
	StatusFailed    JobStatus = "Failed"
	StatusCancelled JobStatus = "Cancelled"
)

// JobEvent is an outbound lifecycle notification for one job.
type JobEvent struct {
	EnvelopeVersion string    `json:"envelopeVersion"`
	Type            string    `json:"type"`
	JobID           string    `json:"jobId,omitempty"`
	RequestID       string    `json:"requestId,omitempty"`
	Target          string    `json:"target"`
	Kind            string    `json:"kind"`
	Status          JobStatus `json:"status"`
	Progress        *int      `json:"progress,omitempty"`
	QueuePosition   *int      `json:"queuePosition,omitempty"`
	Model           *string   `json:"model,omitempty"`
	ErrorMessage    *string   `json:"errorMessage,omitempty"`
	FailedChunks    []int     `json:"failedChunks,omitempty"`
	ElapsedMs       *int64    `json:"elapsedMs,omitempty"`
	Segments        []Segment `json:"segments,omitempty"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *Command) error) error
}

type Publisher interface {
	PublishEvent(ctx context.Context, ev *JobEvent) error
}
