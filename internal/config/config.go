package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "VOICELINK_"

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Config stores runtime configuration for the voice client.
type Config struct {
	API        APIConfig
	Peer       PeerConfig
	Audio      AudioConfig
	Transcript TranscriptConfig
	LiveView   LiveViewConfig
	Format     FormatConfig
	Log        LogConfig
}

type APIConfig struct {
	BaseURL          string
	OfferURL         string
	TranscriptURL    string
	SessionsURL      string
	AccessToken      string
	SignalingTimeout time.Duration
}

type PeerConfig struct {
	ICEServers []string
}

type AudioConfig struct {
	FFMPEGCommand string
	PactlCommand  string
	InputFormat   string
	OutputFormat  string
	InputDevice   string
	OutputDevice  string
}

type TranscriptConfig struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
}

type LiveViewConfig struct {
	URL      string
	Interval time.Duration
}

type FormatConfig struct {
	RulesFile      string
	IterationLimit int
}

type LogConfig struct {
	Level       string
	Format      string
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Development bool
}

// Load reads an optional .env file and resolves configuration from the
// environment. Variables already set in the environment take precedence over
// the file.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	base := strings.TrimRight(envOrDefault("API_BASE_URL", "http://localhost:7860"), "/")
	transcriptURL, err := websocketURL(envOrDefault("TRANSCRIPT_WS_URL", base+"/ws"))
	if err != nil {
		return Config{}, err
	}

	rulesFile := envOrDefault("FORMAT_RULES_FILE", "")
	if rulesFile == "" {
		rulesFile = firstExisting(filepath.Join(home, ".config", "voicelink", "format.rules"))
	}

	cfg := Config{
		API: APIConfig{
			BaseURL:          base,
			OfferURL:         envOrDefault("OFFER_URL", base+"/offer"),
			TranscriptURL:    transcriptURL,
			SessionsURL:      strings.TrimRight(envOrDefault("SESSIONS_URL", base+"/api/sessions"), "/"),
			AccessToken:      envOrDefault("ACCESS_TOKEN", ""),
			SignalingTimeout: envOrDefaultDuration("SIGNALING_TIMEOUT_MS", 15*time.Second),
		},
		Peer: PeerConfig{
			ICEServers: envOrDefaultList("STUN_URLS", defaultSTUNServers),
		},
		Audio: AudioConfig{
			FFMPEGCommand: envOrDefault("FFMPEG_COMMAND", "ffmpeg"),
			PactlCommand:  envOrDefault("PACTL_COMMAND", "pactl"),
			InputFormat:   envOrDefault("AUDIO_INPUT_FORMAT", "pulse"),
			OutputFormat:  envOrDefault("AUDIO_OUTPUT_FORMAT", "pulse"),
			InputDevice:   envOrDefault("AUDIO_INPUT_DEVICE", ""),
			OutputDevice:  envOrDefault("AUDIO_OUTPUT_DEVICE", ""),
		},
		Transcript: TranscriptConfig{
			ReconnectBase: envOrDefaultDuration("RECONNECT_BASE_MS", time.Second),
			ReconnectMax:  envOrDefaultDuration("RECONNECT_MAX_MS", 30*time.Second),
			MaxAttempts:   envOrDefaultInt("RECONNECT_MAX_ATTEMPTS", 10),
		},
		LiveView: LiveViewConfig{
			URL:      envOrDefault("LIVE_VIEW_URL", ""),
			Interval: envOrDefaultDuration("LIVE_VIEW_INTERVAL_MS", 3*time.Second),
		},
		Format: FormatConfig{
			RulesFile:      rulesFile,
			IterationLimit: envOrDefaultInt("FORMAT_RULE_ITERATION_LIMIT", 30),
		},
		Log: LogConfig{
			Level:       strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			Format:      strings.ToLower(envOrDefault("LOG_FORMAT", "console")),
			File:        envOrDefault("LOG_FILE", ""),
			MaxSizeMB:   envOrDefaultInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups:  envOrDefaultInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays:  envOrDefaultInt("LOG_MAX_AGE_DAYS", 14),
			Development: envOrDefaultBool("LOG_DEVELOPMENT", false),
		},
	}

	if cfg.Transcript.MaxAttempts <= 0 {
		cfg.Transcript.MaxAttempts = 10
	}
	if cfg.Transcript.ReconnectMax < cfg.Transcript.ReconnectBase {
		cfg.Transcript.ReconnectMax = cfg.Transcript.ReconnectBase
	}
	if cfg.Format.IterationLimit <= 0 {
		cfg.Format.IterationLimit = 30
	}
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "console"
	}

	return cfg, nil
}

// loadEnvFile applies VOICELINK_ENV_FILE, or ./.env when unset. Only an
// explicitly named file is required to exist.
func loadEnvFile() error {
	path := strings.TrimSpace(os.Getenv(envPrefix + "ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}

func websocketURL(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
	default:
		return "", fmt.Errorf("invalid transcript websocket URL %q", raw)
	}
	return raw, nil
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(envPrefix + key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(envPrefix + key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(envPrefix + key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultDuration reads a millisecond count. Negative or invalid values
// fall back.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	ms := envOrDefaultInt(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envOrDefaultList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(envPrefix + key))
	if value == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}
