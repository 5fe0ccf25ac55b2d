package translator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"translate-admission/processor"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"k8s.io/utils/clock"
)

// Delimiter separates subtitle texts in prompts and completions.
const Delimiter = "|||SUBTITLE|||"

// statusOverloaded is the non-standard overload status some providers use.
const statusOverloaded = 529

var langNames = map[string]string{
	"ru": "Russian", "en": "English", "de": "German", "fr": "French",
	"es": "Spanish", "it": "Italian", "pt": "Portuguese", "zh": "Chinese",
	"ja": "Japanese", "ko": "Korean", "ar": "Arabic", "hi": "Hindi",
}

type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
}

// Client calls an OpenAI-compatible chat-completions endpoint. It
// implements processor.Client.
type Client struct {
	cfg   Config
	api   *openai.Client
	clock clock.PassiveClock
}

// New builds a Client. A nil http.Client gets a pooled default and a nil
// clock means the wall clock.
func New(cfg Config, hc *http.Client, clk clock.PassiveClock) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		oc.BaseURL = base
	}
	oc.HTTPClient = recordingDoer{next: hc}
	return &Client{cfg: cfg, api: openai.NewClientWithConfig(oc), clock: clk}
}

// responseMeta carries what the SDK drops from failed responses back to
// Call. One is attached to each request context.
type responseMeta struct {
	status     int
	retryAfter string
}

type responseMetaKey struct{}

type recordingDoer struct {
	next openai.HTTPDoer
}

func (d recordingDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.next.Do(req)
	if resp != nil {
		if m, ok := req.Context().Value(responseMetaKey{}).(*responseMeta); ok {
			m.status = resp.StatusCode
			m.retryAfter = resp.Header.Get("Retry-After")
		}
	}
	return resp, err
}

// Call translates one chunk with the given model.
func (c *Client) Call(ctx context.Context, chunk processor.Chunk, model string) (processor.Result, error) {
	if len(chunk.Segments) == 0 {
		return processor.Result{Index: chunk.Index}, nil
	}
	texts := make([]string, len(chunk.Segments))
	for i, s := range chunk.Segments {
		texts[i] = s.Text
	}

	meta := &responseMeta{}
	resp, err := c.api.CreateChatCompletion(context.WithValue(ctx, responseMetaKey{}, meta), openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: Prompt(texts, chunk.SourceLang, chunk.TargetLang),
		}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return processor.Result{}, c.classify(err, meta, model)
	}
	if len(resp.Choices) == 0 {
		return processor.Result{}, fmt.Errorf("no translation in response")
	}

	translated, err := SplitCompletion(resp.Choices[0].Message.Content, len(texts))
	if err != nil {
		return processor.Result{}, err
	}
	segs := make([]processor.Segment, len(chunk.Segments))
	for i, s := range chunk.Segments {
		s.Text = translated[i]
		segs[i] = s
	}
	return processor.Result{
		Index:        chunk.Index,
		Segments:     segs,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classify turns an SDK error into an overload signal where the status
// says so, and wraps everything else.
func (c *Client) classify(err error, meta *responseMeta, model string) error {
	status := meta.status
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	wrapped := fmt.Errorf("chat completion failed: %w", err)
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, statusOverloaded:
		retryAfter := parseRetryAfter(meta.retryAfter, c.clock.Now())
		log.Debug().Int("status", status).Dur("retryAfter", retryAfter).Str("model", model).Msg("translator: provider overloaded")
		return &processor.OverloadedError{RetryAfter: retryAfter, Err: wrapped}
	}
	return wrapped
}

// Prompt builds the user message for a batch of texts.
func Prompt(texts []string, sourceLang, targetLang string) string {
	return fmt.Sprintf(`Translate the following subtitles from %s to %s.
The subtitles are separated by "%s".
Return ONLY the translations, separated by "%s", in the same order.
Do not add any explanations or extra text.

%s`, langName(sourceLang), langName(targetLang), Delimiter, Delimiter, strings.Join(texts, "\n"+Delimiter+"\n"))
}

// SplitCompletion cuts a completion back into want translations.
func SplitCompletion(content string, want int) ([]string, error) {
	parts := strings.Split(strings.TrimSpace(content), Delimiter)
	if len(parts) != want {
		return nil, fmt.Errorf("translation count mismatch: got %d want %d", len(parts), want)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

func langName(code string) string {
	if name := langNames[code]; name != "" {
		return name
	}
	return code
}

// parseRetryAfter accepts delay-seconds or an HTTP date. Anything else is
// zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
