// SPDX-License-Identifier: MIT

// Package config assembles the orchestrator configuration from the
// environment. There is no config file: every knob is an environment
// variable with a logged default.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// WorkerBins holds per-worker executable overrides. Empty fields fall back
// to the built-in defaults at spawn time. The orchestrator treats these as
// opaque strings and only substitutes them into spawn commands.
type WorkerBins struct {
	ASR       string
	Diarize   string
	Translate string
	TTS       string
	Stitch    string
	Mux       string
	Extract   string
}

// Config is the full orchestrator configuration, assembled once in main and
// passed explicitly. No package-level config state exists.
type Config struct {
	DataDir               string        // root of all task directories
	ModelsDir             string        // root of translation model candidates
	WorkerPoolSize        int           // bounded stage concurrency
	MaxTranslationRetries int           // K in the length/script retry loop
	MetricsListen         string        // diagnostics listener, empty disables
	SilenceTimeout        time.Duration // per-line worker silence timeout
	TranslateSilence      time.Duration // tighter silence timeout for translation
	KillGrace             time.Duration // SIGTERM -> SIGKILL grace
	Bins                  WorkerBins
}

// FromEnv builds the configuration from the process environment.
func FromEnv() Config {
	defaultData := filepath.Join(userHome(), "vodub-tasks")
	defaultModels := filepath.Join(filepath.Dir(mustExecutableDir()), "models")

	return Config{
		DataDir:               ParseString("VODUB_DATA_DIR", defaultData),
		ModelsDir:             ParseString("MODELS_DIR", defaultModels),
		WorkerPoolSize:        ParseInt("WORKER_POOL_SIZE", 4),
		MaxTranslationRetries: ParseInt("MAX_TRANSLATION_RETRIES", 3),
		MetricsListen:         ParseString("VODUB_METRICS_LISTEN", "127.0.0.1:8089"),
		SilenceTimeout:        ParseDuration("VODUB_SILENCE_TIMEOUT", 10*time.Minute),
		TranslateSilence:      ParseDuration("VODUB_TRANSLATE_SILENCE_TIMEOUT", 5*time.Minute),
		KillGrace:             ParseDuration("VODUB_KILL_GRACE", 2*time.Second),
		Bins: WorkerBins{
			ASR:       ParseString("VODUB_ASR_BIN", ""),
			Diarize:   ParseString("VODUB_DIARIZE_BIN", ""),
			Translate: ParseString("VODUB_TRANSLATE_BIN", ""),
			TTS:       ParseString("VODUB_TTS_BIN", ""),
			Stitch:    ParseString("VODUB_STITCH_BIN", ""),
			Mux:       ParseString("VODUB_MUX_BIN", ""),
			Extract:   ParseString("VODUB_EXTRACT_BIN", ""),
		},
	}
}

func userHome() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

func mustExecutableDir() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	return "."
}
