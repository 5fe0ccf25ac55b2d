package admission

import (
	"math"
	"sync"
	"time"

	"translate-admission/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/cache"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

const (
	// minRefillWait bounds how often the refill timer may fire.
	minRefillWait = 10 * time.Millisecond

	finishedCacheSize = 4096
	finishedTTL       = time.Hour
	eventBuffer       = 256
)

// job is the controller-owned record behind a FileJob snapshot.
type job struct {
	FileJob
	stop    chan struct{}
	stopped bool
}

func (j *job) signalStop() {
	if j.stop != nil && !j.stopped {
		j.stopped = true
		close(j.stop)
	}
}

type pauseGate struct {
	active   bool
	resumeAt time.Time
	reasonID string
	timer    clock.Timer
	gen      uint64
}

// Controller is the single authority over job admission and per-call
// RPM/TPM budgets. One mutex guards all state, so every public method runs
// to completion without interleaving; callers suspend only outside it, on
// a Grant or a job's stop channel.
type Controller struct {
	mu       sync.Mutex
	clock    clock.WithDelayedExecution
	settings Settings

	rpm *TokenBucket
	tpm *TokenBucket

	rpmWait fifo[*resourceRequest]
	tpmWait fifo[*resourceRequest]

	high   fifo[*job]
	normal fifo[*job]
	active map[string]*job

	// finished remembers terminal job ids to tell duplicate completions
	// from unknown ids.
	finished  *cache.LRUExpireCache
	cancelled sets.Set[Kind]
	pause     pauseGate

	refillTimer clock.Timer
	refillAt    time.Time
	refillGen   uint64

	events *eventPump
	closed bool
}

// NewController builds a controller with full buckets. A nil clock means
// the wall clock.
func NewController(settings Settings, clk clock.WithDelayedExecution) *Controller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	settings = settings.WithDefaults()
	now := clk.Now()
	c := &Controller{
		clock:     clk,
		settings:  settings,
		rpm:       NewTokenBucket("rpm", settings.RequestsPerMinute, now),
		tpm:       NewTokenBucket("tpm", settings.TokensPerMinute, now),
		active:    make(map[string]*job),
		finished:  cache.NewLRUExpireCacheWithClock(finishedCacheSize, clk),
		cancelled: sets.New[Kind](),
		events:    newEventPump(eventBuffer),
	}
	c.observeLocked()
	return c
}

// Events returns the lifecycle event stream. It is closed by Close.
func (c *Controller) Events() <-chan Event {
	return c.events.out
}

// Settings returns the current settings snapshot.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Submit queues a job. It returns the new job id, or "" and false when the
// job's kind is under cancellation (the job is reported cancelled and never
// queued) or the kind is unknown.
func (c *Controller) Submit(desc JobDescriptor, manualRetry bool) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	priority := PriorityNormal
	if manualRetry {
		priority = PriorityManualRetry
	}
	j := &job{FileJob: FileJob{
		ID:          uuid.NewString(),
		Target:      desc.Target,
		Kind:        desc.Kind,
		Priority:    priority,
		State:       StateQueued,
		Settings:    c.settings,
		Payload:     desc.Payload,
		SubmittedAt: now,
	}}

	var reject error
	switch {
	case c.closed:
		reject = ErrClosed
	case !desc.Kind.Valid():
		reject = ErrInvalidKind
	case c.cancelled.Has(desc.Kind):
		reject = ErrCancelled
	}
	if reject != nil {
		j.State = StateCancelled
		if reject == ErrInvalidKind {
			j.State = StateFailed
		}
		j.FinishedAt = now
		log.Info().Str("target", desc.Target).Str("kind", string(desc.Kind)).Err(reject).Msg("admission: submission rejected")
		c.finishLocked(j, reject, nil)
		return "", false
	}

	pos := c.queueFor(priority).Push(j)
	log.Info().Str("jobId", j.ID).Str("target", j.Target).Str("kind", string(j.Kind)).Str("priority", string(priority)).Int("position", pos).Msg("admission: job queued")
	c.events.push(JobQueued{Job: j.FileJob, Position: pos})

	c.admitLocked(now)
	c.observeLocked()
	return j.ID, true
}

func (c *Controller) queueFor(p Priority) *fifo[*job] {
	if p == PriorityManualRetry {
		return &c.high
	}
	return &c.normal
}

// admitLocked promotes queued jobs, manual retries first, until the
// concurrency ceiling is reached.
func (c *Controller) admitLocked(now time.Time) {
	if c.closed {
		return
	}
	for len(c.active) < c.settings.MaxConcurrentFiles {
		j, ok := c.high.Pop()
		if !ok {
			j, ok = c.normal.Pop()
		}
		if !ok {
			return
		}
		j.State = StateActive
		j.AdmittedAt = now
		j.stop = make(chan struct{})
		c.active[j.ID] = j
		log.Info().Str("jobId", j.ID).Str("kind", string(j.Kind)).Int("active", len(c.active)).Msg("admission: job admitted")
		c.events.push(JobAdmitted{Job: j.FileJob, Stop: j.stop})
	}
}

// Complete records a terminal state for an active job, notifies once and
// admits the next queued job. Unknown ids and repeated completions are
// logged and ignored; the return value reports whether anything changed.
func (c *Controller) Complete(jobID string, state State, out Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !state.Terminal() {
		log.Warn().Str("jobId", jobID).Str("state", string(state)).Msg("admission: complete called with non-terminal state")
		return false
	}
	j, ok := c.active[jobID]
	if !ok {
		if prev, done := c.finished.Get(jobID); done {
			log.Debug().Str("jobId", jobID).Interface("previous", prev).Str("state", string(state)).Msg("admission: duplicate completion ignored")
		} else {
			log.Warn().Str("jobId", jobID).Msg("admission: completion for unknown job ignored")
		}
		return false
	}

	now := c.clock.Now()
	delete(c.active, jobID)
	j.State = state
	j.FinishedAt = now
	if state == StateSucceeded {
		j.Progress = 100
	}
	j.signalStop()
	metrics.JobDuration.WithLabelValues(string(j.Kind)).Observe(now.Sub(j.AdmittedAt).Seconds())

	c.rejectRequestsLocked(func(r *resourceRequest) bool { return r.jobID == jobID }, ErrJobFinished)
	log.Info().Str("jobId", jobID).Str("state", string(state)).Err(out.Err).Msg("admission: job completed")
	c.finishLocked(j, out.Err, out.Output)

	c.admitLocked(now)
	c.drainLocked(now)
	c.scheduleRefillLocked(now)
	c.observeLocked()
	return true
}

// finishLocked records a terminal job and emits its single JobCompleted.
func (c *Controller) finishLocked(j *job, err error, output any) {
	c.finished.Add(j.ID, j.State, finishedTTL)
	metrics.JobsTotal.WithLabelValues(string(j.Kind), string(j.State)).Inc()
	c.events.push(JobCompleted{Job: j.FileJob, Err: err, Output: output})
}

// ReportProgress publishes progress for an active job. Progress never
// moves backwards.
func (c *Controller) ReportProgress(jobID string, progress int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.active[jobID]
	if !ok {
		log.Debug().Str("jobId", jobID).Int("progress", progress).Msg("admission: progress for inactive job ignored")
		return
	}
	progress = min(max(progress, 0), 100)
	if progress <= j.Progress {
		return
	}
	j.Progress = progress
	c.events.push(JobProgress{Job: j.FileJob})
}

// RequestResources asks for one request unit and the predicted token
// volume for a call made by an active job. The returned Grant resolves
// immediately when both buckets cover the request; otherwise the request
// waits on the RPM or TPM queue.
func (c *Controller) RequestResources(jobID string, estInputTokens int) *Grant {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := newGrant(c)
	if c.closed {
		g.resolve(ErrClosed)
		return g
	}
	now := c.clock.Now()
	c.observePauseLocked(now)

	j, ok := c.active[jobID]
	if !ok {
		log.Warn().Str("jobId", jobID).Msg("admission: resource request from inactive job")
		metrics.ResourceRejections.WithLabelValues("unknown-job").Inc()
		g.resolve(ErrUnknownJob)
		return g
	}
	if c.cancelled.Has(j.Kind) {
		metrics.ResourceRejections.WithLabelValues("cancelled").Inc()
		g.resolve(ErrCancelled)
		return g
	}

	req := &resourceRequest{
		jobID:      jobID,
		kind:       j.Kind,
		estInput:   max(estInputTokens, 0),
		estTotal:   c.estimateTotalLocked(estInputTokens),
		enqueuedAt: now,
		grant:      g,
	}
	g.req = req
	if req.estTotal > c.tpm.Ceiling() {
		log.Warn().Str("jobId", jobID).Int("estTotal", req.estTotal).Int("tpmCeiling", c.tpm.Ceiling()).Msg("admission: request exceeds TPM ceiling; waits until the ceiling is raised")
	}

	switch {
	case c.pause.active:
		pos := c.rpmWait.Push(req)
		log.Debug().Str("jobId", jobID).Int("estInput", req.estInput).Int("position", pos).Time("resumeAt", c.pause.resumeAt).Msg("admission: paused; request queued")
	case c.rpm.Level(now) >= 1:
		if c.tpm.Level(now) >= req.estTotal {
			c.grantLocked(now, req, false)
			c.observeLocked()
			return g
		}
		pos := c.tpmWait.Push(req)
		log.Debug().Str("jobId", jobID).Int("estInput", req.estInput).Int("estTotal", req.estTotal).Int("tpm", c.tpm.Peek()).Int("position", pos).Msg("admission: waiting for TPM")
	default:
		pos := c.rpmWait.Push(req)
		log.Debug().Str("jobId", jobID).Int("estInput", req.estInput).Int("position", pos).Msg("admission: waiting for RPM")
	}
	c.scheduleRefillLocked(now)
	c.observeLocked()
	return g
}

func (c *Controller) estimateTotalLocked(estInput int) int {
	if estInput <= 0 {
		return 0
	}
	return int(math.Ceil(float64(estInput) * c.settings.OutputTokenEstimationFactor))
}

// grantLocked debits both buckets and resolves the request.
func (c *Controller) grantLocked(now time.Time, req *resourceRequest, queued bool) {
	c.rpm.TryConsume(now, 1)
	c.tpm.TryConsume(now, req.estTotal)
	req.grant.resolve(nil)

	path := "immediate"
	if queued {
		path = "queued"
	}
	metrics.ResourceGrants.WithLabelValues(path).Inc()
	c.events.push(ResourceGranted{
		JobID:       req.jobID,
		Kind:        req.kind,
		InputTokens: req.estInput,
		TotalTokens: req.estTotal,
		Queued:      queued,
		Waited:      now.Sub(req.enqueuedAt),
	})
}

// ReleaseResources marks the end of a call. Actual usage is recorded but
// never credited back: the TPM debit made at grant time stands, and only
// elapsed time restores capacity. Waiting requests are re-evaluated.
func (c *Controller) ReleaseResources(jobID string, actualInput, actualOutput int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	now := c.clock.Now()
	c.observePauseLocked(now)
	if _, ok := c.active[jobID]; !ok {
		log.Debug().Str("jobId", jobID).Msg("admission: release from inactive job")
	}
	if actualInput > 0 {
		metrics.TokensReported.WithLabelValues("input").Add(float64(actualInput))
	}
	if actualOutput > 0 {
		metrics.TokensReported.WithLabelValues("output").Add(float64(actualOutput))
	}
	c.tpm.Refill(now)

	c.drainLocked(now)
	c.scheduleRefillLocked(now)
	c.observeLocked()
}

// drainLocked grants waiting requests in strict FIFO order, RPM-wait before
// TPM-wait, stopping at the first request that cannot be satisfied. An
// RPM-wait head that has its request unit but lacks TPM moves to the tail
// of TPM-wait and ends the RPM pass.
func (c *Controller) drainLocked(now time.Time) {
	if c.closed || c.pause.active {
		return
	}
	for {
		req, ok := c.rpmWait.Peek()
		if !ok || c.rpm.Level(now) < 1 {
			break
		}
		c.rpmWait.Pop()
		if c.tpm.Level(now) < req.estTotal {
			c.tpmWait.Push(req)
			break
		}
		c.grantLocked(now, req, true)
	}
	for {
		req, ok := c.tpmWait.Peek()
		if !ok || c.rpm.Level(now) < 1 || c.tpm.Level(now) < req.estTotal {
			break
		}
		c.tpmWait.Pop()
		c.grantLocked(now, req, true)
	}
}

// scheduleRefillLocked arms the refill timer for the earliest moment a
// waiting head request could be satisfied by refill alone.
func (c *Controller) scheduleRefillLocked(now time.Time) {
	wait := time.Duration(-1)
	if !c.closed && !c.pause.active {
		wait = c.nextRefillWaitLocked(now)
	}
	if wait < 0 {
		c.stopRefillTimerLocked()
		return
	}
	wait = max(wait, minRefillWait)
	at := now.Add(wait)
	if c.refillTimer != nil && c.refillAt.After(now) && !c.refillAt.After(at) {
		return
	}
	c.stopRefillTimerLocked()
	c.refillGen++
	gen := c.refillGen
	c.refillAt = at
	c.refillTimer = c.clock.AfterFunc(wait, func() { go c.onRefillTimer(gen) })
}

func (c *Controller) nextRefillWaitLocked(now time.Time) time.Duration {
	best := time.Duration(-1)
	consider := func(d time.Duration) {
		if d >= 0 && (best < 0 || d < best) {
			best = d
		}
	}
	if c.rpmWait.Len() > 0 {
		consider(c.rpm.WaitTime(now, 1))
	}
	if req, ok := c.tpmWait.Peek(); ok {
		r, t := c.rpm.WaitTime(now, 1), c.tpm.WaitTime(now, req.estTotal)
		if r >= 0 && t >= 0 {
			consider(max(r, t))
		}
	}
	return best
}

func (c *Controller) stopRefillTimerLocked() {
	if c.refillTimer != nil {
		c.refillTimer.Stop()
		c.refillTimer = nil
	}
}

func (c *Controller) onRefillTimer(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.refillGen || c.closed {
		return
	}
	c.refillTimer = nil
	now := c.clock.Now()
	c.observePauseLocked(now)
	c.drainLocked(now)
	c.scheduleRefillLocked(now)
	c.observeLocked()
}

// rejectRequestsLocked removes matching requests from both wait queues and
// rejects them with err.
func (c *Controller) rejectRequestsLocked(match func(*resourceRequest) bool, err error) int {
	removed := c.rpmWait.RemoveFunc(match)
	removed = append(removed, c.tpmWait.RemoveFunc(match)...)
	for _, r := range removed {
		r.grant.resolve(err)
	}
	if len(removed) > 0 {
		metrics.ResourceRejections.WithLabelValues(rejectionReason(err)).Add(float64(len(removed)))
	}
	return len(removed)
}

func rejectionReason(err error) string {
	switch err {
	case ErrCancelled:
		return "cancelled"
	case ErrJobFinished:
		return "job-finished"
	case ErrClosed:
		return "closed"
	default:
		return "withdrawn"
	}
}

// withdraw removes a request whose waiter gave up.
func (c *Controller) withdraw(g *Grant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.req == nil {
		return
	}
	select {
	case <-g.done:
		return
	default:
	}
	n := c.rejectRequestsLocked(func(r *resourceRequest) bool { return r == g.req }, errWithdrawn)
	if n > 0 {
		log.Debug().Str("jobId", g.req.jobID).Msg("admission: waiting request withdrawn")
		now := c.clock.Now()
		c.drainLocked(now)
		c.scheduleRefillLocked(now)
		c.observeLocked()
	}
}

// Cancel closes kind to new submissions, cancels its queued jobs, rejects
// its waiting resource requests and signals its active jobs to stop at
// their next checkpoint.
func (c *Controller) Cancel(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !kind.Valid() {
		log.Warn().Str("kind", string(kind)).Msg("admission: cancel for unknown kind ignored")
		return
	}
	now := c.clock.Now()
	c.cancelled.Insert(kind)

	match := func(j *job) bool { return j.Kind == kind }
	queued := append(c.high.RemoveFunc(match), c.normal.RemoveFunc(match)...)
	for _, j := range queued {
		j.State = StateCancelled
		j.FinishedAt = now
		c.finishLocked(j, ErrCancelled, nil)
	}

	rejected := c.rejectRequestsLocked(func(r *resourceRequest) bool { return r.kind == kind }, ErrCancelled)

	signalled := 0
	for _, j := range c.active {
		if j.Kind == kind {
			j.signalStop()
			signalled++
		}
	}
	log.Info().Str("kind", string(kind)).Int("queuedCancelled", len(queued)).Int("requestsRejected", rejected).Int("activeSignalled", signalled).Msg("admission: kind cancelled")

	c.drainLocked(now)
	c.scheduleRefillLocked(now)
	c.observeLocked()
}

// Cancelled reports whether kind is under cancellation.
func (c *Controller) Cancelled(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled.Has(kind)
}

// ResetCancellation reopens kind for submission and starts a fresh epoch
// for shared resources: both buckets refill to their ceilings and any
// pause is lifted.
func (c *Controller) ResetCancellation(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.cancelled.Delete(kind)
	c.rpm.Reset(now)
	c.tpm.Reset(now)
	if c.pause.active {
		c.clearPauseLocked(c.pause.reasonID, "cancellation reset")
	}
	log.Info().Str("kind", string(kind)).Msg("admission: cancellation reset")

	c.drainLocked(now)
	c.scheduleRefillLocked(now)
	c.observeLocked()
}

// UpdateSettings applies new ceilings and concurrency. Requests already
// waiting keep the token estimate computed when they were queued.
func (c *Controller) UpdateSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	s = s.WithDefaults()
	c.settings = s
	c.rpm.SetCeiling(now, s.RequestsPerMinute)
	c.tpm.SetCeiling(now, s.TokensPerMinute)
	log.Info().Int("rpm", s.RequestsPerMinute).Int("tpm", s.TokensPerMinute).Int("maxConcurrentFiles", s.MaxConcurrentFiles).Float64("outputFactor", s.OutputTokenEstimationFactor).Msg("admission: settings updated")

	c.observePauseLocked(now)
	c.admitLocked(now)
	c.drainLocked(now)
	c.scheduleRefillLocked(now)
	c.observeLocked()
}

// Close rejects every waiting request, stops timers and closes the event
// stream. Active jobs are signalled to stop.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopRefillTimerLocked()
	if c.pause.timer != nil {
		c.pause.timer.Stop()
		c.pause.timer = nil
	}
	c.rejectRequestsLocked(func(*resourceRequest) bool { return true }, ErrClosed)
	for _, j := range c.active {
		j.signalStop()
	}
	c.mu.Unlock()
	c.events.close()
}

func (c *Controller) observeLocked() {
	metrics.JobsActive.Set(float64(len(c.active)))
	metrics.JobsQueued.WithLabelValues(string(PriorityManualRetry)).Set(float64(c.high.Len()))
	metrics.JobsQueued.WithLabelValues(string(PriorityNormal)).Set(float64(c.normal.Len()))
	metrics.WaitQueueLength.WithLabelValues("rpm").Set(float64(c.rpmWait.Len()))
	metrics.WaitQueueLength.WithLabelValues("tpm").Set(float64(c.tpmWait.Len()))
	for _, b := range []*TokenBucket{c.rpm, c.tpm} {
		metrics.BucketLevel.WithLabelValues(b.Name()).Set(float64(b.Peek()))
		metrics.BucketCeiling.WithLabelValues(b.Name()).Set(float64(b.Ceiling()))
	}
	if c.pause.active {
		metrics.PauseActive.Set(1)
	} else {
		metrics.PauseActive.Set(0)
	}
}
