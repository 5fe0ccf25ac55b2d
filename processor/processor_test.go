package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"translate-admission/admission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type call struct {
	chunk int
	model string
}

// scriptedClient fails the first len(errs) calls with errs in order, then
// succeeds by upper-casing the segment texts.
type scriptedClient struct {
	mu    sync.Mutex
	errs  []error
	calls []call
	hook  func(n int)
}

func (c *scriptedClient) Call(_ context.Context, chunk Chunk, model string) (Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call{chunk: chunk.Index, model: model})
	n := len(c.calls)
	var err error
	if len(c.errs) > 0 {
		err, c.errs = c.errs[0], c.errs[1:]
	}
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return Result{}, err
	}
	out := make([]Segment, len(chunk.Segments))
	for i, s := range chunk.Segments {
		out[i] = Segment{ID: s.ID, Start: s.Start, End: s.End, Text: strings.ToUpper(s.Text)}
	}
	return Result{Segments: out, InputTokens: 7, OutputTokens: 9}, nil
}

func (c *scriptedClient) models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	for i, cl := range c.calls {
		out[i] = cl.model
	}
	return out
}

type fixedEstimator struct {
	n   int
	err error
}

func (e fixedEstimator) EstimateTokens(string) (int, error) { return e.n, e.err }

// recordingAdmitter wraps a real controller and records pause activations.
type recordingAdmitter struct {
	*admission.Controller
	mu     sync.Mutex
	pauses []time.Duration
	est    []int
	// granted runs after each request has been answered.
	granted func(*admission.Grant)
}

func (r *recordingAdmitter) ActivatePause(d time.Duration, reasonID string) bool {
	r.mu.Lock()
	r.pauses = append(r.pauses, d)
	r.mu.Unlock()
	return r.Controller.ActivatePause(d, reasonID)
}

func (r *recordingAdmitter) RequestResources(jobID string, est int) *admission.Grant {
	r.mu.Lock()
	r.est = append(r.est, est)
	hook := r.granted
	r.mu.Unlock()
	g := r.Controller.RequestResources(jobID, est)
	if hook != nil {
		hook(g)
	}
	return g
}

func setup(t *testing.T, s admission.Settings) (*recordingAdmitter, Job) {
	t.Helper()
	ctrl := admission.NewController(s, nil)
	t.Cleanup(ctrl.Close)
	id, ok := ctrl.Submit(admission.JobDescriptor{Target: "movie.srt", Kind: admission.KindSRT}, false)
	require.True(t, ok)
	var admitted admission.JobAdmitted
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-ctrl.Events():
				if a, ok := ev.(admission.JobAdmitted); ok && a.Job.ID == id {
					admitted = a
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)
	return &recordingAdmitter{Controller: ctrl}, Job{ID: id, Kind: admission.KindSRT, Settings: admitted.Job.Settings, Stop: admitted.Stop}
}

func segments(texts ...string) []Segment {
	out := make([]Segment, len(texts))
	for i, t := range texts {
		out[i] = Segment{ID: i + 1, Text: t}
	}
	return out
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{name: "exact", n: 4, size: 2, sizes: []int{2, 2}},
		{name: "remainder", n: 5, size: 2, sizes: []int{2, 2, 1}},
		{name: "single", n: 3, size: 50, sizes: []int{3}},
		{name: "zero size keeps one chunk", n: 3, size: 0, sizes: []int{3}},
		{name: "empty", n: 0, size: 10, sizes: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := make([]Segment, tt.n)
			chunks := Split(segs, tt.size, "ru", "en")
			var got []int
			for i, c := range chunks {
				if c.Index != i {
					t.Errorf("chunk %d has Index %d", i, c.Index)
				}
				got = append(got, len(c.Segments))
			}
			assert.Equal(t, tt.sizes, got)
		})
	}
}

func TestFallbackEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{text: "", want: 0},
		{text: "abcd", want: 1},
		{text: "abcde", want: 2},
		{text: "привет", want: 2},
	}
	for _, tt := range tests {
		if got := FallbackEstimate(tt.text); got != tt.want {
			t.Errorf("FallbackEstimate(%q) got=%#v want=%#v", tt.text, got, tt.want)
		}
	}
}

func TestRun_AssemblesInIndexOrder(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1})
	client := &scriptedClient{}
	p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	chunks := Split(segments("a", "b", "c", "d", "e"), 2, "ru", "en")
	chunks[0], chunks[2] = chunks[2], chunks[0]

	var progress []int
	report, err := p.Run(context.Background(), job, chunks, func(done, total int) {
		assert.Equal(t, 3, total)
		progress = append(progress, done)
	})
	require.NoError(t, err)

	var texts []string
	for _, s := range report.Segments {
		texts = append(texts, s.Text)
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, texts)
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Equal(t, 21, report.InputTokens)
	assert.Equal(t, 27, report.OutputTokens)
	assert.Equal(t, "primary", report.Model)
	assert.False(t, report.Escalated)
}

func TestRun_EscalatesAfterFirstFailure(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, MaxRetries: 2, BaseRetryDelay: time.Millisecond, FallbackModelAlias: "fallback"})
	client := &scriptedClient{errs: []error{errors.New("bad gateway"), errors.New("bad gateway")}}
	p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	report, err := p.Run(context.Background(), job, Split(segments("x"), 10, "ru", "en"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "fallback", "fallback"}, client.models())
	assert.True(t, report.Escalated)
	assert.Equal(t, "fallback", report.Model)
}

func TestRun_EscalationHoldsForLaterChunks(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, MaxRetries: 1, BaseRetryDelay: time.Millisecond, FallbackModelAlias: "fallback"})
	client := &scriptedClient{errs: []error{errors.New("timeout")}}
	p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	_, err := p.Run(context.Background(), job, Split(segments("a", "b", "c"), 1, "ru", "en"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "fallback", "fallback", "fallback"}, client.models())
}

func TestRun_NoFallbackKeepsPrimary(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, MaxRetries: 1, BaseRetryDelay: time.Millisecond})
	client := &scriptedClient{errs: []error{errors.New("timeout")}}
	p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	report, err := p.Run(context.Background(), job, Split(segments("a"), 1, "ru", "en"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "primary"}, client.models())
	assert.False(t, report.Escalated)
}

func TestRun_ExhaustedChunk(t *testing.T) {
	fail := errors.New("invalid response")
	tests := []struct {
		name       string
		policy     FailurePolicy
		wantErr    bool
		wantFailed []int
		wantTexts  []string
	}{
		{name: "fail job", policy: FailJob, wantErr: true},
		{name: "keep gaps", policy: KeepGaps, wantFailed: []int{0}, wantTexts: []string{"", "B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, MaxRetries: 1, BaseRetryDelay: time.Millisecond})
			client := &scriptedClient{errs: []error{fail, fail}}
			p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary", Policy: tt.policy})

			report, err := p.Run(context.Background(), job, Split(segments("a", "b"), 1, "ru", "en"), nil)
			if tt.wantErr {
				var chunkErr *ChunkError
				require.ErrorAs(t, err, &chunkErr)
				assert.Equal(t, 0, chunkErr.Index)
				assert.Equal(t, 2, chunkErr.Attempts)
				assert.ErrorIs(t, err, fail)
				assert.Len(t, client.models(), 2, "second chunk must not run")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFailed, report.Failed)
			var texts []string
			for _, s := range report.Segments {
				texts = append(texts, s.Text)
			}
			assert.Equal(t, tt.wantTexts, texts)
		})
	}
}

func TestRun_OverloadActivatesPause(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{name: "provider hint", retryAfter: 5 * time.Millisecond, want: 5 * time.Millisecond},
		{name: "configured cooldown", retryAfter: 0, want: 20 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, MaxRetries: 1, BaseRetryDelay: time.Millisecond})
			client := &scriptedClient{errs: []error{&OverloadedError{RetryAfter: tt.retryAfter}}}
			p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary", OverloadCooldown: 20 * time.Millisecond})

			_, err := p.Run(context.Background(), job, Split(segments("a"), 1, "ru", "en"), nil)
			require.NoError(t, err)
			admit.mu.Lock()
			defer admit.mu.Unlock()
			assert.Equal(t, []time.Duration{tt.want}, admit.pauses)
		})
	}
}

func TestRun_EstimatorFailureDegrades(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1})
	p := New(admit, &scriptedClient{}, fixedEstimator{err: errors.New("invalid utf-8")}, nil, Config{Model: "primary"})

	_, err := p.Run(context.Background(), job, []Chunk{{Index: 0, Segments: segments("abcdefghi")}}, nil)
	require.NoError(t, err)
	admit.mu.Lock()
	defer admit.mu.Unlock()
	assert.Equal(t, []int{3}, admit.est)
}

func TestRun_CancelledKindStopsBetweenAttempts(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, MaxRetries: 3, BaseRetryDelay: time.Millisecond})
	client := &scriptedClient{errs: []error{errors.New("boom")}}
	client.hook = func(n int) {
		if n == 1 {
			admit.Cancel(admission.KindSRT)
		}
	}
	p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	_, err := p.Run(context.Background(), job, Split(segments("a", "b"), 1, "ru", "en"), nil)
	assert.ErrorIs(t, err, admission.ErrCancelled)
	assert.Len(t, client.models(), 1, "no retry after cancellation")
}

func TestRun_CancelDuringCallFinishesCall(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1})
	client := &scriptedClient{}
	client.hook = func(n int) {
		if n == 1 {
			admit.Cancel(admission.KindSRT)
		}
	}
	p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	report, err := p.Run(context.Background(), job, Split(segments("a", "b"), 1, "ru", "en"), nil)
	assert.ErrorIs(t, err, admission.ErrCancelled)
	require.Len(t, report.Segments, 1, "the call in flight completes")
	assert.Equal(t, "A", report.Segments[0].Text)
	assert.Len(t, client.models(), 1)
}

func TestRun_GrantRacingStopSkipsCall(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1})
	admit.granted = func(g *admission.Grant) {
		require.NoError(t, g.Err())
		admit.Cancel(admission.KindSRT)
	}
	client := &scriptedClient{}
	p := New(admit, client, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	_, err := p.Run(context.Background(), job, Split(segments("a"), 1, "ru", "en"), nil)
	assert.ErrorIs(t, err, admission.ErrCancelled)
	assert.Empty(t, client.models(), "no call after the job was stopped")
}

func TestRun_CancelWakesGrantWait(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, RequestsPerMinute: 1})
	p := New(admit, &scriptedClient{}, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), job, Split(segments("a", "b"), 1, "ru", "en"), nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return admit.Snapshot().RPMWait == 1 }, time.Second, time.Millisecond)

	admit.Cancel(admission.KindSRT)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, admission.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, RequestsPerMinute: 1})
	p := New(admit, &scriptedClient{}, fixedEstimator{n: 10}, nil, Config{Model: "primary"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, job, Split(segments("a", "b"), 1, "ru", "en"), nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return admit.Snapshot().RPMWait == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, admit.Snapshot().RPMWait)
}

func TestRun_BackoffDoubles(t *testing.T) {
	admit, job := setup(t, admission.Settings{MaxConcurrentFiles: 1, MaxRetries: 2, BaseRetryDelay: time.Second})
	fc := testingclock.NewFakeClock(time.Now())
	client := &scriptedClient{errs: []error{errors.New("x"), errors.New("y")}}
	p := New(admit, client, fixedEstimator{n: 1}, fc, Config{Model: "primary"})

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), job, Split(segments("a"), 1, "ru", "en"), nil)
		done <- err
	}()

	calls := func() int { return len(client.models()) }

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	assert.Equal(t, 1, calls())
	fc.Step(999 * time.Millisecond)
	assert.Equal(t, 1, calls())
	fc.Step(time.Millisecond)

	require.Eventually(t, func() bool { return calls() == 2 && fc.HasWaiters() }, time.Second, time.Millisecond)
	fc.Step(time.Second)
	assert.Never(t, func() bool { return calls() == 3 }, 20*time.Millisecond, time.Millisecond)
	fc.Step(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not finish")
	}
	assert.Equal(t, 3, calls())
}
