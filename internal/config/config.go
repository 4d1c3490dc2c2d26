package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Parley environment variables.
const EnvPrefix = "PARLEY_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	BackendURL string `yaml:"backend_url"`
	Persona    string `yaml:"persona"`
	Scenario   string `yaml:"scenario"`

	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`

	MicSampleRate  int    `yaml:"mic_sample_rate"`
	MicSampleRates []int  `yaml:"mic_sample_rates"`
	FFPlayPath     string `yaml:"ffplay_path"`
	PlaybackRate   int    `yaml:"playback_rate"`
	PlaybackVolume int    `yaml:"playback_volume"`

	// Voice detection tuning. Durations are strings so the YAML stays
	// human-editable ("1500ms", "15s").
	ActivationThreshold  int    `yaml:"activation_threshold"`
	MaintenanceThreshold int    `yaml:"maintenance_threshold"`
	SilenceDebounce      string `yaml:"silence_debounce"`
	SilenceDuration      string `yaml:"silence_duration"`
	FallbackCeiling      string `yaml:"fallback_ceiling"`

	QueueDepth      int    `yaml:"queue_depth"`
	SettleDelay     string `yaml:"settle_delay"`
	EndGrace        string `yaml:"end_grace"`
	FreshnessWindow string `yaml:"freshness_window"`
	EventBuffer     int    `yaml:"event_buffer"`

	OpenAIModel           string `yaml:"openai_model"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets come from env vars only, never from YAML.
	OpenAIAPIKey string `yaml:"-"`
}

func defaults() Config {
	return Config{
		BackendURL:            "wss://localhost:8443/converse",
		Persona:               "default",
		DBPath:                "data/parley.db",
		ListenAddr:            "127.0.0.1:8090",
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		PlaybackRate:          24000,
		PlaybackVolume:        80,
		ActivationThreshold:   22,
		MaintenanceThreshold:  5,
		SilenceDebounce:       "500ms",
		SilenceDuration:       "1500ms",
		FallbackCeiling:       "15s",
		QueueDepth:            32,
		SettleDelay:           "1s",
		EndGrace:              "500ms",
		FreshnessWindow:       "5s",
		EventBuffer:           64,
		OpenAIModel:           "gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedDuration returns the named duration field, falling back when the
// configured value does not parse.
func ParsedDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv(EnvPrefix + "PERSONA"); v != "" {
		cfg.Persona = v
	}
	if v := os.Getenv(EnvPrefix + "SCENARIO"); v != "" {
		cfg.Scenario = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
	if v := os.Getenv(EnvPrefix + "FFPLAY_PATH"); v != "" {
		cfg.FFPlayPath = v
	}
	if v := os.Getenv(EnvPrefix + "SILENCE_DURATION"); v != "" {
		cfg.SilenceDuration = v
	}
	if v := os.Getenv(EnvPrefix + "FALLBACK_CEILING"); v != "" {
		cfg.FallbackCeiling = v
	}
	if v := os.Getenv(EnvPrefix + "SETTLE_DELAY"); v != "" {
		cfg.SettleDelay = v
	}
	if v := os.Getenv(EnvPrefix + "OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv(EnvPrefix + "GDRIVE_FOLDER_ID"); v != "" {
		cfg.GDriveFolderID = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CREDENTIALS_FILE"); v != "" {
		cfg.GoogleCredentialsFile = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if strings.TrimSpace(cfg.BackendURL) == "" {
		warnings = append(warnings, "Backend URL not configured — set backend_url or "+EnvPrefix+"BACKEND_URL.")
	}
	if cfg.OpenAIAPIKey == "" {
		warnings = append(warnings, "OpenAI API key not configured — post-call debriefs are disabled. Set "+EnvPrefix+"OPENAI_API_KEY.")
	}
	for _, field := range []struct{ name, value string }{
		{"silence_debounce", cfg.SilenceDebounce},
		{"silence_duration", cfg.SilenceDuration},
		{"fallback_ceiling", cfg.FallbackCeiling},
		{"settle_delay", cfg.SettleDelay},
		{"end_grace", cfg.EndGrace},
		{"freshness_window", cfg.FreshnessWindow},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q — using default.", field.name, field.value))
		}
	}
	if cfg.QueueDepth <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid queue_depth %d — using default 32.", cfg.QueueDepth))
	}
	if cfg.EventBuffer <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid event_buffer %d — using default 64.", cfg.EventBuffer))
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
