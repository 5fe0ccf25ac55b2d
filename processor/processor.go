package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
	"unicode/utf8"

	"translate-admission/admission"
	"translate-admission/metrics"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

const defaultOverloadCooldown = time.Minute

type Config struct {
	// Model is the primary model alias.
	Model string
	// OverloadCooldown is the pause applied when an overloaded provider
	// suggests no cooldown of its own.
	OverloadCooldown time.Duration
	Policy           FailurePolicy
}

// Processor runs a job's chunks through the admission controller and the
// translation client, one chunk at a time.
type Processor struct {
	admit  Admitter
	client Client
	est    Estimator
	clock  clock.Clock
	cfg    Config
}

// New builds a Processor. A nil clock means the wall clock.
func New(admit Admitter, client Client, est Estimator, clk clock.Clock, cfg Config) *Processor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.OverloadCooldown <= 0 {
		cfg.OverloadCooldown = defaultOverloadCooldown
	}
	return &Processor{admit: admit, client: client, est: est, clock: clk, cfg: cfg}
}

// escalation is the per-job model choice. Once switched to the fallback
// it never switches back.
type escalation struct {
	primary   string
	fallback  string
	escalated bool
}

func (e *escalation) model() string {
	if e.escalated {
		return e.fallback
	}
	return e.primary
}

func (e *escalation) escalate(jobID string) {
	if e.escalated || e.fallback == "" || e.fallback == e.primary {
		return
	}
	e.escalated = true
	metrics.Escalations.Inc()
	log.Info().Str("jobId", jobID).Str("from", e.primary).Str("to", e.fallback).Msg("processor: escalating to fallback model")
}

// Run translates chunks in index order and assembles the results. progress
// is called after every finished chunk with the number done so far.
//
// The returned error is admission.ErrCancelled when the job's kind was
// cancelled, ctx.Err() on shutdown, or a *ChunkError under FailJob.
func (p *Processor) Run(ctx context.Context, job Job, chunks []Chunk, progress func(done, total int)) (Report, error) {
	chunks = slices.Clone(chunks)
	slices.SortFunc(chunks, func(a, b Chunk) int { return a.Index - b.Index })

	esc := &escalation{primary: p.cfg.Model, fallback: job.Settings.FallbackModelAlias}
	report := Report{Model: esc.model()}

	// waitCtx ends when the job is stopped; it bounds grant waits and
	// backoff sleeps but never an API call in flight.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if job.Stop != nil {
		go func() {
			select {
			case <-job.Stop:
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	for i, chunk := range chunks {
		res, err := p.processChunk(ctx, waitCtx, job, chunk, esc)
		report.Model = esc.model()
		report.Escalated = esc.escalated
		if err != nil {
			var chunkErr *ChunkError
			if !errors.As(err, &chunkErr) || p.cfg.Policy != KeepGaps {
				return report, err
			}
			log.Warn().Str("jobId", job.ID).Int("chunk", chunk.Index).Err(err).Msg("processor: chunk left untranslated")
			report.Failed = append(report.Failed, chunk.Index)
			res = Result{Index: chunk.Index, Segments: gap(chunk.Segments)}
		}
		report.Segments = append(report.Segments, res.Segments...)
		report.InputTokens += res.InputTokens
		report.OutputTokens += res.OutputTokens
		if progress != nil {
			progress(i+1, len(chunks))
		}
	}
	return report, nil
}

func (p *Processor) processChunk(ctx, waitCtx context.Context, job Job, chunk Chunk, esc *escalation) (Result, error) {
	s := job.Settings.WithDefaults()
	maxAttempts := s.MaxAttempts()
	backoff := wait.Backoff{Duration: s.BaseRetryDelay, Factor: 2, Steps: maxAttempts}
	est := p.estimate(job.ID, chunk)

	for attempt := 1; ; attempt++ {
		if p.stopped(job) {
			return Result{}, admission.ErrCancelled
		}
		if err := p.acquire(ctx, waitCtx, job, est); err != nil {
			return Result{}, err
		}
		if p.stopped(job) {
			// Granted as the stop landed: the debit stands, the call is skipped.
			p.admit.ReleaseResources(job.ID, 0, 0)
			return Result{}, admission.ErrCancelled
		}

		model := esc.model()
		start := p.clock.Now()
		res, err := p.client.Call(ctx, chunk, model)
		metrics.ChunkDuration.Observe(p.clock.Since(start).Seconds())
		if err == nil {
			p.admit.ReleaseResources(job.ID, res.InputTokens, res.OutputTokens)
			metrics.ChunkAttempts.WithLabelValues("success").Inc()
			res.Index = chunk.Index
			log.Debug().Str("jobId", job.ID).Int("chunk", chunk.Index).Int("attempt", attempt).Str("model", model).Msg("processor: chunk translated")
			return res, nil
		}

		p.admit.ReleaseResources(job.ID, 0, 0)
		var overloaded *OverloadedError
		if errors.As(err, &overloaded) {
			metrics.ChunkAttempts.WithLabelValues("overloaded").Inc()
			cooldown := overloaded.RetryAfter
			if cooldown <= 0 {
				cooldown = p.cfg.OverloadCooldown
			}
			p.admit.ActivatePause(cooldown, fmt.Sprintf("%s/%d/%d", job.ID, chunk.Index, attempt))
		} else {
			metrics.ChunkAttempts.WithLabelValues("failure").Inc()
		}
		log.Warn().Str("jobId", job.ID).Int("chunk", chunk.Index).Int("attempt", attempt).Int("maxAttempts", maxAttempts).Str("model", model).Err(err).Msg("processor: chunk attempt failed")

		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if p.stopped(job) {
			return Result{}, admission.ErrCancelled
		}
		if attempt >= maxAttempts {
			return Result{}, &ChunkError{Index: chunk.Index, Attempts: attempt, Err: err}
		}
		if err := p.sleep(ctx, waitCtx, backoff.Step()); err != nil {
			return Result{}, err
		}
		esc.escalate(job.ID)
	}
}

// acquire waits for RPM and TPM budget for one call.
func (p *Processor) acquire(ctx, waitCtx context.Context, job Job, est int) error {
	g := p.admit.RequestResources(job.ID, est)
	err := g.Wait(waitCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, admission.ErrCancelled):
		return admission.ErrCancelled
	case ctx.Err() != nil:
		return ctx.Err()
	case waitCtx.Err() != nil:
		return admission.ErrCancelled
	default:
		return fmt.Errorf("processor: resource request for job %s: %w", job.ID, err)
	}
}

func (p *Processor) sleep(ctx, waitCtx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-p.clock.After(d):
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return admission.ErrCancelled
	}
}

func (p *Processor) stopped(job Job) bool {
	if job.Stop != nil {
		select {
		case <-job.Stop:
			return true
		default:
		}
	}
	return p.admit.Cancelled(job.Kind)
}

// estimate asks the estimator and degrades to one token per four
// characters when it fails.
func (p *Processor) estimate(jobID string, chunk Chunk) int {
	text := chunk.Text()
	if p.est != nil {
		n, err := p.est.EstimateTokens(text)
		if err == nil {
			return n
		}
		log.Debug().Str("jobId", jobID).Int("chunk", chunk.Index).Err(err).Msg("processor: estimator failed; using character heuristic")
	}
	return FallbackEstimate(text)
}

// FallbackEstimate is ceil(chars/4).
func FallbackEstimate(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}

func gap(segments []Segment) []Segment {
	out := make([]Segment, len(segments))
	for i, s := range segments {
		out[i] = Segment{ID: s.ID, Start: s.Start, End: s.End}
	}
	return out
}

// Split cuts segments into chunks of at most size segments.
func Split(segments []Segment, size int, sourceLang, targetLang string) []Chunk {
	if size <= 0 {
		size = len(segments)
	}
	var chunks []Chunk
	for i := 0; i < len(segments); i += size {
		end := min(i+size, len(segments))
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Segments:   slices.Clone(segments[i:end]),
			SourceLang: sourceLang,
			TargetLang: targetLang,
		})
	}
	return chunks
}
