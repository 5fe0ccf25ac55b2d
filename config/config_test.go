package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"translate-admission/admission"
)

func withEnv(k, v string, fn func()) {
	old, had := os.LookupEnv(k)
	_ = os.Setenv(k, v)
	defer func() {
		if had {
			_ = os.Setenv(k, old)
		} else {
			_ = os.Unsetenv(k)
		}
	}()
	fn()
}

func Test_firstNonEmpty(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"all empty", []string{"", "", ""}, ""},
		{"first non-empty", []string{"a", "b"}, "a"},
		{"later non-empty", []string{"", "b"}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstNonEmpty(tt.in...)
			if got != tt.want {
				t.Errorf("firstNonEmpty() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnv(t *testing.T) {
	tests := []struct {
		name string
		setK string
		setV string
		key  string
		def  string
		want string
	}{
		{"no env uses default non-empty", "", "", "XSTR", "bar", "bar"},
		{"env overrides", "XSTR", "baz", "XSTR", "bar", "baz"},
		{"default empty stays empty", "", "", "XSTR", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setK != "" {
				withEnv(tt.setK, tt.setV, func() {
					got := getEnv(tt.key, tt.def)
					if got != tt.want {
						t.Errorf("getEnv() got=%#v want=%#v", got, tt.want)
					}
				})
				return
			}
			got := getEnv(tt.key, tt.def)
			if got != tt.want {
				t.Errorf("getEnv() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnvInt(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  int
		want int
	}{
		{"no env -> default", "", 7, 7},
		{"valid int", "42", 7, 42},
		{"padded int", " 42 ", 7, 42},
		{"invalid int -> default", "abc", 9, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XINT", tt.set)
			got := getEnvInt("XINT", tt.def)
			if got != tt.want {
				t.Errorf("getEnvInt() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnvFloat(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  float64
		want float64
	}{
		{"no env -> default", "", 2, 2},
		{"valid float", "1.5", 2, 1.5},
		{"invalid float -> default", "lots", 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XFLOAT", tt.set)
			if got := getEnvFloat("XFLOAT", tt.def); got != tt.want {
				t.Errorf("getEnvFloat() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_getEnvBool(t *testing.T) {
	tests := []struct {
		name string
		set  string
		def  bool
		want bool
	}{
		{"no env -> default", "", true, true},
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"false", "false", true, false},
		{"invalid -> default", "sometimes", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XBOOL", tt.set)
			if got := getEnvBool("XBOOL", tt.def); got != tt.want {
				t.Errorf("getEnvBool() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_HTTPAddr(t *testing.T) {
	tests := []struct {
		name string
		port int
		want string
	}{
		{"default", 8080, "0.0.0.0:8080"},
		{"custom", 9090, "0.0.0.0:9090"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{MetricsPort: tt.port}
			if got := c.HTTPAddr(); got != tt.want {
				t.Errorf("HTTPAddr() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Config_Redacted(t *testing.T) {
	c := &Config{GoogleProjectID: "pid", JobSubscription: "sub", EventTopic: "topic", APIKey: "sk-secret", Model: "m", MetricsPort: 8081, LogLevel: "debug", CredentialsFile: "creds.json"}
	got := c.Redacted()
	for k, v := range got {
		if s, ok := v.(string); ok && strings.Contains(s, "sk-secret") {
			t.Errorf("Redacted() leaks API key under %q", k)
		}
	}
	want := map[string]any{
		"projectID":           "pid",
		"jobSubscription":     "sub",
		"eventTopic":          "topic",
		"apiKeyProvided":      true,
		"credentialsProvided": true,
		"metricsPort":         8081,
	}
	for k, v := range want {
		if !reflect.DeepEqual(got[k], v) {
			t.Errorf("Redacted()[%q] got=%#v want=%#v", k, got[k], v)
		}
	}
}

func Test_Config_Settings(t *testing.T) {
	c := &Config{RequestsPerMinute: 0, TokensPerMinute: 5000, MaxConcurrentFiles: 3, OutputTokenEstimationFactor: 1.5, MaxRetries: 4, RetryBaseDelay: 250 * time.Millisecond, FallbackModel: "big"}
	want := admission.Settings{RequestsPerMinute: 60, TokensPerMinute: 5000, MaxConcurrentFiles: 3, OutputTokenEstimationFactor: 1.5, MaxRetries: 4, BaseRetryDelay: 250 * time.Millisecond, FallbackModelAlias: "big"}
	if got := c.Settings(); got != want {
		t.Errorf("Settings()\n got=%#v\nwant=%#v", got, want)
	}
}

func Test_Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr []string
	}{
		{"valid", Config{JobSubscription: "s", EventTopic: "t", Model: "m", ChunkSize: 50}, nil},
		{"missing pubsub", Config{Model: "m", ChunkSize: 50}, []string{"TRANSLATE_JOB_SUBSCRIPTION", "TRANSLATE_EVENT_TOPIC"}},
		{"bad chunk size", Config{JobSubscription: "s", EventTopic: "t", Model: "m"}, []string{"TRANSLATE_CHUNK_SIZE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != (len(tt.wantErr) > 0) {
				t.Fatalf("Validate() err=%v wantErr=%#v", err, tt.wantErr)
			}
			for _, s := range tt.wantErr {
				if !strings.Contains(err.Error(), s) {
					t.Errorf("Validate() error %q missing %q", err, s)
				}
			}
		})
	}
}

func Test_projectIDFromCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	if err := os.WriteFile(path, []byte(`{"project_id":"my-proj"}`), 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	pid, err := projectIDFromCredentials(path)
	if err != nil || pid != "my-proj" {
		t.Errorf("projectIDFromCredentials() pid=%#v err=%#v", pid, err)
	}

	// missing field returns empty id, no error
	if err := os.WriteFile(path, []byte(`{"nope":1}`), 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	pid2, err2 := projectIDFromCredentials(path)
	if err2 != nil || pid2 != "" {
		t.Errorf("projectIDFromCredentials(no project) pid=%#v err=%#v", pid2, err2)
	}

	if err := os.WriteFile(path, []byte(`not json`), 0o600); err != nil {
		t.Fatalf("write temp creds: %#v", err)
	}
	if _, err := projectIDFromCredentials(path); err == nil {
		t.Errorf("projectIDFromCredentials(garbage) expected error")
	}
}

var projectEnv = []string{"GOOGLE_APPLICATION_CREDENTIALS", "TRANSLATE_PUBSUB_PROJECT_ID", "GOOGLE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT"}

func Test_getGoogleProjectID(t *testing.T) {
	dir := t.TempDir()
	credFile := filepath.Join(dir, "creds.json")
	_ = os.WriteFile(credFile, []byte(`{"project_id":"file-proj"}`), 0o600)

	tests := []struct {
		name     string
		setEnv   map[string]string
		creds    string
		explicit string
		want     string
	}{
		{"from GOOGLE_APPLICATION_CREDENTIALS", map[string]string{"GOOGLE_APPLICATION_CREDENTIALS": credFile}, "", "", "file-proj"},
		{"from explicit TRANSLATE_PUBSUB_PROJECT_ID", map[string]string{}, "", "explicit-proj", "explicit-proj"},
		{"from GOOGLE_PROJECT_ID", map[string]string{"GOOGLE_PROJECT_ID": "env-proj"}, "", "", "env-proj"},
		{"from common env", map[string]string{"GOOGLE_CLOUD_PROJECT": "common-proj"}, "", "", "common-proj"},
		{"from provided credsFile path", map[string]string{}, credFile, "", "file-proj"},
		{"none -> empty", map[string]string{}, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range projectEnv {
				t.Setenv(k, "")
			}
			for k, v := range tt.setEnv {
				t.Setenv(k, v)
			}
			got := getGoogleProjectID(tt.creds, tt.explicit)
			if got != tt.want {
				t.Errorf("getGoogleProjectID() got=%#v want=%#v", got, tt.want)
			}
		})
	}
}

func Test_Load(t *testing.T) {
	for _, k := range projectEnv {
		t.Setenv(k, "")
	}
	t.Setenv("TRANSLATE_GSA_CREDENTIALS", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("TRANSLATE_JOB_SUBSCRIPTION", "sub")
	t.Setenv("TRANSLATE_EVENT_TOPIC", "topic")
	t.Setenv("TRANSLATE_RPM", "30")
	t.Setenv("TRANSLATE_TPM", "")
	t.Setenv("TRANSLATE_OUTPUT_FACTOR", "1.25")
	t.Setenv("TRANSLATE_RETRY_BASE_DELAY_MS", "500")
	t.Setenv("TRANSLATE_FALLBACK_MODEL", "gpt-4o")
	t.Setenv("TRANSLATE_KEEP_GAPS", "true")
	t.Setenv("TRANSLATE_API_KEY", "sk-x")
	t.Setenv("TRANSLATE_METRICS_PORT", "7777")
	t.Setenv("TRANSLATE_LOG_LEVEL", "warn")

	cfg := Load()
	if cfg == nil {
		t.Fatalf("Load() returned nil")
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"subscription", cfg.JobSubscription, "sub"},
		{"topic", cfg.EventTopic, "topic"},
		{"rpm", cfg.RequestsPerMinute, 30},
		{"tpm default", cfg.TokensPerMinute, 100000},
		{"output factor", cfg.OutputTokenEstimationFactor, 1.25},
		{"retry delay", cfg.RetryBaseDelay, 500 * time.Millisecond},
		{"model default", cfg.Model, "gpt-4o-mini"},
		{"fallback", cfg.FallbackModel, "gpt-4o"},
		{"chunk size default", cfg.ChunkSize, 50},
		{"overload cooldown default", cfg.OverloadCooldown, time.Minute},
		{"keep gaps", cfg.KeepGaps, true},
		{"api key", cfg.APIKey, "sk-x"},
		{"port", cfg.MetricsPort, 7777},
		{"log level", cfg.LogLevel, "warn"},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("Load() %s got=%#v want=%#v", c.name, c.got, c.want)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}
