package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	defaultRecvTimeout      = 60
	defaultInputMod         = "audio"
	defaultInputSampleRate  = 16000
	defaultOutputSampleRate = 24000
	defaultOutputFormat     = "pcm"
	defaultHost             = "0.0.0.0"
	defaultPort             = "8080"
	defaultJournalDir       = "./data/sessions"

	minRecvTimeout = 10
	maxRecvTimeout = 120
)

// LoadEnvironmentVariables loads configuration from the environment,
// applying operator defaults where spec.md leaves a field optional.
func LoadEnvironmentVariables() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		_ = err // not an error - production environments may not have a .env file
	}

	cfg := &Config{
		UpstreamBaseURL:    os.Getenv("DOUBAO_REALTIME_BASE_URL"),
		UpstreamAppID:      os.Getenv("DOUBAO_APP_ID"),
		UpstreamAccessKey:  os.Getenv("DOUBAO_ACCESS_KEY"),
		UpstreamResourceID: os.Getenv("DOUBAO_RESOURCE_ID"),
		UpstreamAppKey:     os.Getenv("DOUBAO_APP_KEY"),
		DefaultBotName:     os.Getenv("DOUBAO_BOT_NAME"),
		DefaultSpeaker:     os.Getenv("DOUBAO_SPEAKER"),
		InputMod:           orDefault(os.Getenv("DOUBAO_INPUT_MOD"), defaultInputMod),
		OutputAudioFormat:  orDefault(os.Getenv("DOUBAO_OUTPUT_AUDIO_FORMAT"), defaultOutputFormat),
		Host:               orDefault(os.Getenv("HOST"), defaultHost),
		Port:               orDefault(os.Getenv("PORT"), defaultPort),
		JournalDir:         orDefault(os.Getenv("JOURNAL_DIR"), defaultJournalDir),
		Environment:        orDefault(os.Getenv("ENVIRONMENT"), "development"),
	}

	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("DOUBAO_REALTIME_BASE_URL environment variable is required")
	}

	if cfg.UpstreamAppID == "" || cfg.UpstreamAccessKey == "" || cfg.UpstreamResourceID == "" || cfg.UpstreamAppKey == "" {
		return nil, fmt.Errorf("DOUBAO_APP_ID, DOUBAO_ACCESS_KEY, DOUBAO_RESOURCE_ID and DOUBAO_APP_KEY are all required")
	}

	recvTimeout, err := intFromEnv("DOUBAO_RECV_TIMEOUT", defaultRecvTimeout)
	if err != nil {
		return nil, err
	}

	if recvTimeout < minRecvTimeout || recvTimeout > maxRecvTimeout {
		return nil, fmt.Errorf("DOUBAO_RECV_TIMEOUT must be between %d and %d seconds, got %d", minRecvTimeout, maxRecvTimeout, recvTimeout)
	}

	cfg.RecvTimeout = recvTimeout

	switch cfg.InputMod {
	case "audio", "text", "audio_file":
	default:
		return nil, fmt.Errorf("DOUBAO_INPUT_MOD must be one of audio|text|audio_file, got %q", cfg.InputMod)
	}

	inputSampleRate, err := intFromEnv("DOUBAO_INPUT_SAMPLE_RATE", defaultInputSampleRate)
	if err != nil {
		return nil, err
	}

	outputSampleRate, err := intFromEnv("DOUBAO_OUTPUT_SAMPLE_RATE", defaultOutputSampleRate)
	if err != nil {
		return nil, err
	}

	cfg.InputSampleRate = inputSampleRate
	cfg.OutputSampleRate = outputSampleRate

	saveHistory, err := boolFromEnv("SAVE_HISTORY", true)
	if err != nil {
		return nil, err
	}

	cfg.SaveHistory = saveHistory

	return cfg, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q: %w", key, raw, err)
	}

	return value, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q: %w", key, raw, err)
	}

	return value, nil
}
