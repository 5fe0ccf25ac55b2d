package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"translate-admission/admission"
	"translate-admission/processor"
	"translate-admission/queues"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

const (
	defaultProgressInterval = 2 * time.Second
	publishTimeout          = 10 * time.Second
)

var (
	ErrShuttingDown   = errors.New("orchestrator: shutting down")
	errMissingPayload = errors.New("orchestrator: job has no submission payload")
)

// Runner translates the chunks of one admitted job.
type Runner interface {
	Run(ctx context.Context, job processor.Job, chunks []processor.Chunk, progress func(done, total int)) (processor.Report, error)
}

// submission is the payload a submit command leaves on its FileJob.
type submission struct {
	requestID  string
	sourceLang string
	targetLang string
	segments   []processor.Segment
}

// jobResult is the Outcome.Output of a job that ran.
type jobResult struct {
	report  processor.Report
	elapsed time.Duration
}

type Config struct {
	ChunkSize        int
	ProgressInterval time.Duration
}

// Orchestrator turns commands into controller calls, runs admitted jobs
// and publishes their lifecycle.
type Orchestrator struct {
	ctrl      *admission.Controller
	runner    Runner
	publisher queues.Publisher
	clock     clock.PassiveClock
	cfg       Config

	jobs    sync.WaitGroup
	running atomic.Bool
	closing atomic.Bool
}

// New builds an Orchestrator. A nil clock means the wall clock.
func New(ctrl *admission.Controller, runner Runner, publisher queues.Publisher, clk clock.PassiveClock, cfg Config) *Orchestrator {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Orchestrator{ctrl: ctrl, runner: runner, publisher: publisher, clock: clk, cfg: cfg}
}

// Ready reports whether the event loop is running and accepting commands.
func (o *Orchestrator) Ready() bool {
	return o.running.Load() && !o.closing.Load()
}

// Handle applies one inbound command. It only fails while shutting down,
// so the message is redelivered elsewhere.
func (o *Orchestrator) Handle(ctx context.Context, cmd *queues.Command) error {
	if o.closing.Load() {
		return ErrShuttingDown
	}
	switch cmd.Type {
	case queues.CommandSubmit:
		segs := make([]processor.Segment, len(cmd.Segments))
		for i, s := range cmd.Segments {
			segs[i] = processor.Segment{ID: s.ID, Start: s.Start, End: s.End, Text: s.Text}
		}
		desc := admission.JobDescriptor{
			Target: cmd.Target,
			Kind:   admission.Kind(cmd.Kind),
			Payload: &submission{
				requestID:  cmd.RequestID,
				sourceLang: cmd.SourceLang,
				targetLang: cmd.TargetLang,
				segments:   segs,
			},
		}
		if id, ok := o.ctrl.Submit(desc, cmd.ManualRetry); ok {
			log.Debug().Str("jobId", id).Str("requestId", cmd.RequestID).Msg("orchestrator: job submitted")
		}
	case queues.CommandCancel:
		kind, err := parseKind(cmd.Kind)
		if err != nil {
			log.Error().Err(err).Msg("orchestrator: dropping cancel")
			return nil
		}
		o.ctrl.Cancel(kind)
	case queues.CommandResetCancellation:
		kind, err := parseKind(cmd.Kind)
		if err != nil {
			log.Error().Err(err).Msg("orchestrator: dropping reset-cancellation")
			return nil
		}
		o.ctrl.ResetCancellation(kind)
	case queues.CommandPause:
		o.ctrl.ActivatePause(time.Duration(cmd.DurationMs)*time.Millisecond, reasonID(cmd))
	case queues.CommandResume:
		reason := cmd.Reason
		if reason == "" {
			reason = "resumed by command"
		}
		o.ctrl.ResumePause(reasonID(cmd), reason)
	default:
		log.Error().Str("type", string(cmd.Type)).Msg("orchestrator: unknown command type")
	}
	return nil
}

func parseKind(s string) (admission.Kind, error) {
	k := admission.Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", admission.ErrInvalidKind, s)
	}
	return k, nil
}

func reasonID(cmd *queues.Command) string {
	if cmd.RequestID != "" {
		return "command:" + cmd.RequestID
	}
	return "command"
}

// Run consumes controller events until ctx is done or the event stream
// closes, then waits for running jobs to return.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.running.Store(true)
	defer o.running.Store(false)
	defer o.jobs.Wait()

	events := o.ctrl.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.dispatch(ctx, ev)
		case <-ctx.Done():
			log.Info().Msg("orchestrator: stopping event loop")
			return nil
		}
	}
}

// Shutdown stops accepting commands. Jobs in flight end with Run's context.
func (o *Orchestrator) Shutdown() {
	o.closing.Store(true)
}

func (o *Orchestrator) dispatch(ctx context.Context, ev admission.Event) {
	switch e := ev.(type) {
	case admission.JobQueued:
		pub := jobEvent(e.Job, queues.StatusQueued)
		pub.QueuePosition = ptr.To(e.Position)
		o.publish(ctx, pub)
	case admission.JobAdmitted:
		o.publish(ctx, jobEvent(e.Job, queues.StatusAdmitted))
		o.jobs.Add(1)
		go func() {
			defer o.jobs.Done()
			o.runJob(ctx, e)
		}()
	case admission.JobProgress:
		pub := jobEvent(e.Job, queues.StatusProgress)
		pub.Progress = ptr.To(e.Job.Progress)
		o.publish(ctx, pub)
	case admission.JobCompleted:
		o.publish(ctx, completedEvent(e))
	case admission.PauseActivated:
		log.Info().Str("reasonId", e.ReasonID).Time("resumeAt", e.ResumeAt).Msg("orchestrator: translation paused")
	case admission.PauseResumed:
		log.Info().Str("reasonId", e.ReasonID).Str("reason", e.Reason).Msg("orchestrator: translation resumed")
	case admission.ResourceGranted:
		log.Debug().Str("jobId", e.JobID).Int("estInput", e.InputTokens).Int("tokens", e.TotalTokens).Bool("queued", e.Queued).Dur("waited", e.Waited).Msg("orchestrator: resources granted")
	}
}

func (o *Orchestrator) runJob(ctx context.Context, ev admission.JobAdmitted) {
	id := ev.Job.ID
	start := o.clock.Now()
	sub, ok := ev.Job.Payload.(*submission)
	if !ok {
		log.Error().Str("jobId", id).Msg("orchestrator: admitted job without payload")
		o.ctrl.Complete(id, admission.StateFailed, admission.Outcome{Err: errMissingPayload})
		return
	}

	chunks := processor.Split(sub.segments, o.cfg.ChunkSize, sub.sourceLang, sub.targetLang)
	job := processor.Job{ID: id, Kind: ev.Job.Kind, Settings: ev.Job.Settings, Stop: ev.Stop}
	progress := rate.Sometimes{Interval: o.cfg.ProgressInterval}
	report, err := o.runner.Run(ctx, job, chunks, func(done, total int) {
		if done == total {
			return
		}
		progress.Do(func() { o.ctrl.ReportProgress(id, done*100/total) })
	})

	state := admission.StateSucceeded
	switch {
	case err == nil:
	case errors.Is(err, admission.ErrCancelled):
		state = admission.StateCancelled
	default:
		state = admission.StateFailed
	}
	elapsed := o.clock.Since(start)
	log.Info().Str("jobId", id).Str("state", string(state)).Int("chunks", len(chunks)).Int("failedChunks", len(report.Failed)).Dur("duration", elapsed).Err(err).Msg("orchestrator: job finished")
	o.ctrl.Complete(id, state, admission.Outcome{Err: err, Output: jobResult{report: report, elapsed: elapsed}})
}

// publish sends ev on a context that survives shutdown so terminal events
// of jobs interrupted by it still go out.
func (o *Orchestrator) publish(ctx context.Context, ev *queues.JobEvent) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := o.publisher.PublishEvent(pctx, ev); err != nil {
		log.Error().Err(err).Str("jobId", ev.JobID).Str("status", string(ev.Status)).Msg("orchestrator: failed to publish job event")
	}
}

func jobEvent(j admission.FileJob, status queues.JobStatus) *queues.JobEvent {
	ev := &queues.JobEvent{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            queues.JobEventType,
		JobID:           j.ID,
		Target:          j.Target,
		Kind:            string(j.Kind),
		Status:          status,
	}
	if sub, ok := j.Payload.(*submission); ok {
		ev.RequestID = sub.requestID
	}
	return ev
}

func completedEvent(e admission.JobCompleted) *queues.JobEvent {
	var status queues.JobStatus
	switch e.Job.State {
	case admission.StateSucceeded:
		status = queues.StatusSucceeded
	case admission.StateCancelled:
		status = queues.StatusCancelled
	default:
		status = queues.StatusFailed
	}
	ev := jobEvent(e.Job, status)
	ev.Progress = ptr.To(e.Job.Progress)
	if e.Err != nil {
		ev.ErrorMessage = ptr.To(e.Err.Error())
	}
	if res, ok := e.Output.(jobResult); ok {
		report := res.report
		ev.ElapsedMs = ptr.To(res.elapsed.Milliseconds())
		if report.Model != "" {
			ev.Model = ptr.To(report.Model)
		}
		ev.FailedChunks = report.Failed
		if status == queues.StatusSucceeded {
			ev.Segments = make([]queues.Segment, len(report.Segments))
			for i, s := range report.Segments {
				ev.Segments[i] = queues.Segment{ID: s.ID, Start: s.Start, End: s.End, Text: s.Text}
			}
		}
	}
	return ev
}
