package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BACKEND_URL", "PERSONA", "SCENARIO", "DB_PATH", "LISTEN_ADDR",
		"MIC_SAMPLE_RATE", "MIC_SAMPLE_RATES", "FFPLAY_PATH",
		"SILENCE_DURATION", "FALLBACK_CEILING", "SETTLE_DELAY",
		"OPENAI_MODEL", "GDRIVE_FOLDER_ID", "GOOGLE_CREDENTIALS_FILE",
		"OPENAI_API_KEY", "CONFIG",
	} {
		t.Setenv(EnvPrefix+key, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "data/parley.db" {
		t.Fatalf("expected default db_path, got %q", cfg.DBPath)
	}
	if cfg.BackendURL == "" {
		t.Fatal("expected a default backend_url")
	}
	if cfg.MicSampleRate != 16000 {
		t.Fatalf("expected default mic_sample_rate 16000, got %d", cfg.MicSampleRate)
	}
	if cfg.ActivationThreshold != 22 || cfg.MaintenanceThreshold != 5 {
		t.Fatalf("unexpected default thresholds: %d/%d", cfg.ActivationThreshold, cfg.MaintenanceThreshold)
	}
	if cfg.QueueDepth != 32 {
		t.Fatalf("expected default queue_depth 32, got %d", cfg.QueueDepth)
	}
	if cfg.EndGrace != "500ms" || cfg.FreshnessWindow != "5s" {
		t.Fatalf("unexpected default session timings: %q/%q", cfg.EndGrace, cfg.FreshnessWindow)
	}
	if cfg.EventBuffer != 64 {
		t.Fatalf("expected default event_buffer 64, got %d", cfg.EventBuffer)
	}
	if cfg.OpenAIModel != "gpt-4o-mini" {
		t.Fatalf("expected default openai_model, got %q", cfg.OpenAIModel)
	}
}

func TestYAMLLoading(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
backend_url: wss://practice.example.com/converse
persona: paloma
scenario: job-interview
db_path: /custom/db.sqlite
mic_sample_rate: 48000
mic_sample_rates: [44100, 32000]
activation_threshold: 30
silence_duration: 2s
queue_depth: 16
end_grace: 250ms
freshness_window: 8s
event_buffer: 128
openai_model: gpt-4o
gdrive_folder_id: my-folder
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BackendURL != "wss://practice.example.com/converse" {
		t.Fatalf("expected yaml backend_url, got %q", cfg.BackendURL)
	}
	if cfg.Persona != "paloma" || cfg.Scenario != "job-interview" {
		t.Fatalf("expected yaml persona/scenario, got %q/%q", cfg.Persona, cfg.Scenario)
	}
	if cfg.DBPath != "/custom/db.sqlite" {
		t.Fatalf("expected yaml db_path, got %q", cfg.DBPath)
	}
	if cfg.MicSampleRate != 48000 {
		t.Fatalf("expected yaml mic_sample_rate, got %d", cfg.MicSampleRate)
	}
	if !reflect.DeepEqual(cfg.MicSampleRates, []int{44100, 32000}) {
		t.Fatalf("expected yaml mic_sample_rates, got %v", cfg.MicSampleRates)
	}
	if cfg.ActivationThreshold != 30 {
		t.Fatalf("expected yaml activation_threshold, got %d", cfg.ActivationThreshold)
	}
	if cfg.SilenceDuration != "2s" {
		t.Fatalf("expected yaml silence_duration, got %q", cfg.SilenceDuration)
	}
	if cfg.QueueDepth != 16 {
		t.Fatalf("expected yaml queue_depth, got %d", cfg.QueueDepth)
	}
	if cfg.EndGrace != "250ms" || cfg.FreshnessWindow != "8s" {
		t.Fatalf("expected yaml session timings, got %q/%q", cfg.EndGrace, cfg.FreshnessWindow)
	}
	if cfg.EventBuffer != 128 {
		t.Fatalf("expected yaml event_buffer, got %d", cfg.EventBuffer)
	}
	if cfg.GDriveFolderID != "my-folder" {
		t.Fatalf("expected yaml gdrive_folder_id, got %q", cfg.GDriveFolderID)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
db_path: /from/yaml
backend_url: wss://yaml.example.com
openai_model: gpt-yaml
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clearEnv(t)
	t.Setenv(EnvPrefix+"DB_PATH", "/from/env")
	t.Setenv(EnvPrefix+"BACKEND_URL", "wss://env.example.com")
	t.Setenv(EnvPrefix+"OPENAI_MODEL", "gpt-env")

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/from/env" {
		t.Fatalf("expected env override for db_path, got %q", cfg.DBPath)
	}
	if cfg.BackendURL != "wss://env.example.com" {
		t.Fatalf("expected env override for backend_url, got %q", cfg.BackendURL)
	}
	if cfg.OpenAIModel != "gpt-env" {
		t.Fatalf("expected env override for openai_model, got %q", cfg.OpenAIModel)
	}
}

func TestSecretsFromEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "oai-secret")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.OpenAIAPIKey != "oai-secret" {
		t.Fatalf("expected openai key from env, got %q", cfg.OpenAIAPIKey)
	}
}

func TestSecretsIgnoredInYAML(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
openai_api_key: should-be-ignored
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.OpenAIAPIKey != "" {
		t.Fatalf("expected empty openai key (yaml should be ignored), got %q", cfg.OpenAIAPIKey)
	}
}

func TestValidationWarnings(t *testing.T) {
	clearEnv(t)

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var openaiWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "OpenAI") {
			openaiWarning = true
		}
	}
	if !openaiWarning {
		t.Fatalf("expected OpenAI warning when key is missing, got warnings: %v", warnings)
	}
}

func TestValidationNoWarningsWhenConfigured(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 0 {
		t.Fatalf("expected no warnings when fully configured, got: %v", warnings)
	}
}

func TestInvalidDurationWarning(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "key")
	t.Setenv(EnvPrefix+"SILENCE_DURATION", "not-a-duration")

	cfg, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(warnings) != 1 || !strings.Contains(warnings[0], "silence_duration") {
		t.Fatalf("expected silence_duration warning, got: %v", warnings)
	}
	if got := ParsedDuration(cfg.SilenceDuration, 1500*time.Millisecond); got != 1500*time.Millisecond {
		t.Fatalf("expected fallback to 1500ms, got %v", got)
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load should not fail for missing config file, got: %v", err)
	}

	if cfg.DBPath != "data/parley.db" {
		t.Fatalf("expected defaults when config file missing, got db_path=%q", cfg.DBPath)
	}
}

func TestInvalidConfigFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte(":::invalid yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clearEnv(t)

	_, _, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid yaml, got nil")
	}
}

func TestSampleRateCandidatesDefault(t *testing.T) {
	cfg := defaults()
	got := cfg.SampleRateCandidates()
	want := []int{16000, 48000, 44100, 32000, 24000}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected default sample rates: got=%v want=%v", got, want)
	}
}

func TestSampleRateCandidatesEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"MIC_SAMPLE_RATE", "48000")
	t.Setenv(EnvPrefix+"MIC_SAMPLE_RATES", "44100,16000,48000,abc,32000")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got := cfg.SampleRateCandidates()
	want := []int{48000, 44100, 16000, 32000, 24000}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected env sample rates: got=%v want=%v", got, want)
	}
}

func TestParseSampleRates(t *testing.T) {
	got := parseSampleRates(" 16000,  ,invalid,0,-1,44100,16000 ")
	want := []int{16000, 44100}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected parsed sample rates: got=%v want=%v", got, want)
	}
}
