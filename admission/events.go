package admission

import (
	"sync"
	"time"
)

// Event is a lifecycle notification emitted by the Controller. Consumers
// switch on the concrete type.
type Event interface {
	Name() string
}

// JobQueued is emitted when a submission lands on a priority queue.
type JobQueued struct {
	Job      FileJob
	Position int
}

// JobAdmitted is emitted when a queued job becomes active. Stop is closed
// when the job's kind is cancelled or the job completes.
type JobAdmitted struct {
	Job  FileJob
	Stop <-chan struct{}
}

type JobProgress struct {
	Job FileJob
}

// JobCompleted is emitted exactly once per job that reaches a terminal state.
type JobCompleted struct {
	Job    FileJob
	Err    error
	Output any
}

// ResourceGranted reports a debit: one request unit and TotalTokens, the
// estimated input scaled by the output factor.
type ResourceGranted struct {
	JobID       string
	Kind        Kind
	InputTokens int
	TotalTokens int
	Queued      bool
	Waited      time.Duration
}

type PauseActivated struct {
	ReasonID string
	ResumeAt time.Time
}

type PauseResumed struct {
	ReasonID string
	Reason   string
}

func (JobQueued) Name() string       { return "job-queued" }
func (JobAdmitted) Name() string     { return "job-admitted" }
func (JobProgress) Name() string     { return "job-progress" }
func (JobCompleted) Name() string    { return "job-completed" }
func (ResourceGranted) Name() string { return "resource-granted" }
func (PauseActivated) Name() string  { return "pause-activated" }
func (PauseResumed) Name() string    { return "pause-resumed" }

// eventPump delivers events in emission order. push never blocks, so it
// is safe to call with the Controller's mutex held.
type eventPump struct {
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
	out     chan Event
	done    chan struct{}
	once    sync.Once
}

func newEventPump(buffer int) *eventPump {
	p := &eventPump{
		notify: make(chan struct{}, 1),
		out:    make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *eventPump) push(ev Event) {
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *eventPump) run() {
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			select {
			case <-p.notify:
				continue
			case <-p.done:
				return
			}
		}
		ev := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()

		select {
		case p.out <- ev:
		case <-p.done:
			return
		}
	}
}

func (p *eventPump) close() {
	p.once.Do(func() { close(p.done) })
}
