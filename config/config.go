package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"translate-admission/admission"

	"github.com/rs/zerolog/log"
)

type Config struct {
	RequestsPerMinute           int
	TokensPerMinute             int
	MaxConcurrentFiles          int
	OutputTokenEstimationFactor float64
	MaxRetries                  int
	RetryBaseDelay              time.Duration
	Model                       string
	FallbackModel               string
	ChunkSize                   int
	OverloadCooldown            time.Duration
	KeepGaps                    bool

	APIBaseURL string
	APIKey     string

	JobSubscription string
	EventTopic      string
	GoogleProjectID string
	CredentialsFile string

	MetricsPort int
	LogLevel    string
}

func Load() *Config {
	cfg := &Config{
		RequestsPerMinute:           getEnvInt("TRANSLATE_RPM", 60),
		TokensPerMinute:             getEnvInt("TRANSLATE_TPM", 100000),
		MaxConcurrentFiles:          getEnvInt("TRANSLATE_MAX_CONCURRENT_FILES", 2),
		OutputTokenEstimationFactor: getEnvFloat("TRANSLATE_OUTPUT_FACTOR", 2.0),
		MaxRetries:                  getEnvInt("TRANSLATE_MAX_RETRIES", 2),
		RetryBaseDelay:              time.Duration(getEnvInt("TRANSLATE_RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
		Model:                       strings.TrimSpace(getEnv("TRANSLATE_MODEL", "gpt-4o-mini")),
		FallbackModel:               strings.TrimSpace(getEnv("TRANSLATE_FALLBACK_MODEL", "")),
		ChunkSize:                   getEnvInt("TRANSLATE_CHUNK_SIZE", 50),
		OverloadCooldown:            time.Duration(getEnvInt("TRANSLATE_OVERLOAD_COOLDOWN_MS", 60000)) * time.Millisecond,
		KeepGaps:                    getEnvBool("TRANSLATE_KEEP_GAPS", false),
		APIBaseURL:                  strings.TrimSpace(getEnv("TRANSLATE_API_BASE_URL", "https://api.openai.com/v1")),
		APIKey:                      strings.TrimSpace(firstNonEmpty(os.Getenv("TRANSLATE_API_KEY"), os.Getenv("OPENAI_API_KEY"))),
		JobSubscription:             strings.TrimSpace(getEnv("TRANSLATE_JOB_SUBSCRIPTION", "")),
		EventTopic:                  strings.TrimSpace(getEnv("TRANSLATE_EVENT_TOPIC", "")),
		MetricsPort:                 getEnvInt("TRANSLATE_METRICS_PORT", 8080),
		LogLevel:                    strings.TrimSpace(getEnv("TRANSLATE_LOG_LEVEL", "info")),
		CredentialsFile:             strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("TRANSLATE_GSA_CREDENTIALS"))),
	}

	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("TRANSLATE_PUBSUB_PROJECT_ID", "")))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or TRANSLATE_PUBSUB_PROJECT_ID")
	}
	if cfg.JobSubscription == "" {
		log.Warn().Msg("Pub/Sub subscription not set; set TRANSLATE_JOB_SUBSCRIPTION")
	}
	if cfg.EventTopic == "" {
		log.Warn().Msg("Pub/Sub topic not set; set TRANSLATE_EVENT_TOPIC")
	}
	if cfg.APIKey == "" {
		log.Warn().Msg("translation API key not set; set TRANSLATE_API_KEY")
	}
	return cfg
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.JobSubscription == "" {
		errs = append(errs, errors.New("TRANSLATE_JOB_SUBSCRIPTION is required"))
	}
	if c.EventTopic == "" {
		errs = append(errs, errors.New("TRANSLATE_EVENT_TOPIC is required"))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("TRANSLATE_MODEL must not be empty"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("TRANSLATE_CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}
	return errors.Join(errs...)
}

// Settings builds the admission snapshot. Out-of-range limits are replaced
// by the admission defaults.
func (c *Config) Settings() admission.Settings {
	return admission.Settings{
		RequestsPerMinute:           c.RequestsPerMinute,
		TokensPerMinute:             c.TokensPerMinute,
		MaxConcurrentFiles:          c.MaxConcurrentFiles,
		OutputTokenEstimationFactor: c.OutputTokenEstimationFactor,
		MaxRetries:                  c.MaxRetries,
		BaseRetryDelay:              c.RetryBaseDelay,
		FallbackModelAlias:          c.FallbackModel,
	}.WithDefaults()
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"projectID":           c.GoogleProjectID,
		"jobSubscription":     c.JobSubscription,
		"eventTopic":          c.EventTopic,
		"rpm":                 c.RequestsPerMinute,
		"tpm":                 c.TokensPerMinute,
		"maxConcurrentFiles":  c.MaxConcurrentFiles,
		"outputFactor":        c.OutputTokenEstimationFactor,
		"maxRetries":          c.MaxRetries,
		"retryBaseDelay":      c.RetryBaseDelay.String(),
		"model":               c.Model,
		"fallbackModel":       c.FallbackModel,
		"chunkSize":           c.ChunkSize,
		"overloadCooldown":    c.OverloadCooldown.String(),
		"keepGaps":            c.KeepGaps,
		"apiBaseURL":          c.APIBaseURL,
		"apiKeyProvided":      c.APIKey != "",
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"credentialsProvided": c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int; using default")
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		fv, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return fv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid float; using default")
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		bv, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return bv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid bool; using default")
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using TRANSLATE_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) External k8s override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Provided credentials file (TRANSLATE_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
