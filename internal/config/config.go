// Package config provides the environment-driven configuration schema and
// loader for the ClassPulse call-session server.
//
// Unlike a YAML-file-configured service, every setting recognized here (§6
// of the specification) comes from the process environment, parsed once at
// startup into an immutable [Config] via [github.com/caarlos0/env/v11]
// struct tags. There is no hot-reload: the signing secret and configuration
// environment are read once into settings and never mutated thereafter.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Config is the full set of environment-recognized options (spec.md §6).
type Config struct {
	// ── Networking ──────────────────────────────────────────────────────
	Port      int    `env:"PORT" envDefault:"8000"`
	MCPPort   int    `env:"MCP_PORT"`
	PublicURL string `env:"PUBLIC_URL"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// ── Telephony (carrier) ─────────────────────────────────────────────
	TwilioAccountSID     string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken      string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber     string `env:"TWILIO_FROM_NUMBER"`
	TwilioToNumberDefault string `env:"TWILIO_TO_NUMBER_DEFAULT"`

	// ── Realtime / summary model ────────────────────────────────────────
	OpenAIAPIKey                  string `env:"OPENAI_API_KEY"`
	OpenAIRealtimeModel           string `env:"OPENAI_REALTIME_MODEL" envDefault:"gpt-4o-realtime-preview"`
	OpenAIRealtimeVoice           string `env:"OPENAI_REALTIME_VOICE" envDefault:"alloy"`
	OpenAIRealtimeTranscriptModel string `env:"OPENAI_REALTIME_TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	OpenAISummaryModel            string `env:"OPENAI_SUMMARY_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIRealtimePromptTemplate  string `env:"OPENAI_REALTIME_PROMPT_TEMPLATE"`
	OpenAIRealtimeSystemPrompt    string `env:"OPENAI_REALTIME_SYSTEM_PROMPT"`

	// ── Viewer auth ──────────────────────────────────────────────────────
	CallViewerTokenSecret string `env:"CALL_VIEWER_TOKEN_SECRET"`

	// ── Call-brief defaults (interpolated into the model's system prompt) ─
	CallStudentName        string `env:"CALL_STUDENT_NAME" envDefault:"the student"`
	CallParentName         string `env:"CALL_PARENT_NAME" envDefault:"the parent"`
	CallParentRelationship string `env:"CALL_PARENT_RELATIONSHIP" envDefault:"parent"`
	CallParentNumberLabel  string `env:"CALL_PARENT_NUMBER_LABEL" envDefault:"home"`
	CallSchoolName         string `env:"CALL_SCHOOL_NAME" envDefault:"the school"`
	CallTeacherRole        string `env:"CALL_TEACHER_ROLE" envDefault:"attendance assistant"`

	// ── Safety cutoff (supplemented feature, SPEC_FULL.md) ───────────────
	CallMaxDurationSeconds int `env:"CALL_MAX_DURATION_SECONDS" envDefault:"1800"`

	// ── Static widget assets (supplemented feature, SPEC_FULL.md §4.7) ───
	AssetsDirPath string `env:"ASSETS_DIR" envDefault:"./assets/widgets"`
}

// AssetsDir returns the directory widget artifacts are served and re-read
// from on every /assets/ request.
func (c *Config) AssetsDir() string {
	return c.AssetsDirPath
}

// resolveViewerTokenSecret walks the chain consulted, in order, when
// CALL_VIEWER_TOKEN_SECRET is unset: other secret-shaped environment
// variables already loaded into Config, then an insecure literal as a last
// resort (§6: "fallback chain to other secret-shaped variables, then an
// insecure literal as a last resort").
func (c *Config) resolveViewerTokenSecret() string {
	if c.CallViewerTokenSecret != "" {
		return c.CallViewerTokenSecret
	}
	if c.TwilioAuthToken != "" {
		return c.TwilioAuthToken
	}
	if c.OpenAIAPIKey != "" {
		return c.OpenAIAPIKey
	}
	return "insecure-dev-secret-change-me"
}

// ViewerTokenSecret returns the signing secret to use for viewer tokens,
// applying the fallback chain documented in spec.md §6.
func (c *Config) ViewerTokenSecret() string {
	return c.resolveViewerTokenSecret()
}

// ListenAddr returns the TCP address the HTTP server should bind, derived
// from Port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// TwilioConfigured reports whether enough telephony configuration is
// present to place an outbound call (§4.4 step 3: missing config surfaces
// as a failed session rather than a panic).
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// OpenAIConfigured reports whether a realtime-model API key is present.
func (c *Config) OpenAIConfigured() bool {
	return c.OpenAIAPIKey != ""
}

// Level returns the slog level corresponding to LogLevel, defaulting to
// info for an unrecognized value.
func (c *Config) Level() LogLevel {
	switch LogLevel(strings.ToLower(c.LogLevel)) {
	case LogDebug, LogWarn, LogError:
		return LogLevel(strings.ToLower(c.LogLevel))
	default:
		return LogInfo
	}
}

// Load parses the process environment into a [Config] using struct tags,
// applying documented defaults for anything unset. Load never fails on
// missing optional values — per §7's configuration-error taxonomy, absent
// carrier/model credentials are validated lazily at call-start time, not at
// process startup, so the server can still boot and serve health checks.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.MCPPort == 0 {
		cfg.MCPPort = cfg.Port
	}
	return cfg, nil
}
