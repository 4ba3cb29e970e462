package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Languages the speech server accepts in its handshake.
var SupportedLanguages = []string{"english", "hindi", "punjabi"}

// Config contains all runtime settings for the voice client.
type Config struct {
	ServerURL string
	Language  string
	UserID    string

	SpeechStartThreshold float64
	SpeechEndThreshold   float64
	NoiseWindow          time.Duration
	Debounce             time.Duration
	InterruptedWindow    time.Duration
	RestartDelay         time.Duration

	SampleRate    int
	FrameDuration time.Duration
	LevelInterval time.Duration

	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		ServerURL: envOrDefault("VOICE_SERVER_URL", "ws://localhost:9090/ws"),
		Language:  envOrDefault("VOICE_LANGUAGE", "english"),
		UserID:    envOrDefault("VOICE_USER_ID", "27"),
		// Thresholds are normalized RMS in [0, 1]. Conversational speech
		// sits well below 0.1, so these defaults are the classic 0.8/0.35
		// split rescaled into that domain.
		SpeechStartThreshold: 0.032,
		SpeechEndThreshold:   0.014,
		NoiseWindow:          time.Second,
		Debounce:             800 * time.Millisecond,
		InterruptedWindow:    2 * time.Second,
		RestartDelay:         100 * time.Millisecond,
		SampleRate:           16000,
		FrameDuration:        20 * time.Millisecond,
		LevelInterval:        16 * time.Millisecond,
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "voicelink"),
		ShutdownTimeout:      15 * time.Second,
		DatabaseURL:          trimSpaceEnv("DATABASE_URL"),
	}

	var err error
	cfg.SpeechStartThreshold, err = floatFromEnv("VOICE_SPEECH_START_THRESHOLD", cfg.SpeechStartThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechEndThreshold, err = floatFromEnv("VOICE_SPEECH_END_THRESHOLD", cfg.SpeechEndThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.NoiseWindow, err = durationFromEnv("VOICE_NOISE_WINDOW", cfg.NoiseWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.Debounce, err = durationFromEnv("VOICE_SPEECH_END_DEBOUNCE", cfg.Debounce)
	if err != nil {
		return Config{}, err
	}
	cfg.InterruptedWindow, err = durationFromEnv("VOICE_INTERRUPTED_WINDOW", cfg.InterruptedWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.RestartDelay, err = durationFromEnv("VOICE_RESTART_DELAY", cfg.RestartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("VOICE_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameDuration, err = durationFromEnv("VOICE_FRAME_DURATION", cfg.FrameDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.LevelInterval, err = durationFromEnv("VOICE_LEVEL_INTERVAL", cfg.LevelInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.ServerURL == "" {
		return Config{}, fmt.Errorf("VOICE_SERVER_URL must not be empty")
	}
	if !IsSupportedLanguage(cfg.Language) {
		return Config{}, fmt.Errorf("VOICE_LANGUAGE %q not supported (want one of %v)", cfg.Language, SupportedLanguages)
	}
	if cfg.UserID == "" {
		return Config{}, fmt.Errorf("VOICE_USER_ID must not be empty")
	}
	if cfg.SpeechStartThreshold <= 0 || cfg.SpeechEndThreshold <= 0 {
		return Config{}, fmt.Errorf("speech thresholds must be positive")
	}
	if cfg.SpeechEndThreshold >= cfg.SpeechStartThreshold {
		return Config{}, fmt.Errorf("VOICE_SPEECH_END_THRESHOLD must be below VOICE_SPEECH_START_THRESHOLD")
	}
	if cfg.Debounce <= 0 {
		return Config{}, fmt.Errorf("VOICE_SPEECH_END_DEBOUNCE must be positive")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VOICE_SAMPLE_RATE must be positive")
	}
	if cfg.FrameDuration < 5*time.Millisecond {
		return Config{}, fmt.Errorf("VOICE_FRAME_DURATION must be at least 5ms")
	}

	return cfg, nil
}

// IsSupportedLanguage reports whether tag is one of the handshake languages.
func IsSupportedLanguage(tag string) bool {
	for _, l := range SupportedLanguages {
		if l == tag {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpaceEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
