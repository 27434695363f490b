// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/vodub/internal/log"
)

// ParseString reads key from the environment, keeping def when the variable
// is unset or empty. Keys that look like secrets are logged without their
// value.
func ParseString(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	logger := log.WithComponent("config")
	lower := strings.ToLower(key)
	if strings.Contains(lower, "token") || strings.Contains(lower, "password") {
		logger.Debug().Str("key", key).Msg("environment override (value withheld)")
	} else {
		logger.Debug().Str("key", key).Str("value", v).Msg("environment override")
	}
	return v
}

// ParseInt reads an integer from the environment; unparseable values keep
// the default with a warning.
func ParseInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Int("default", def).
			Msg("not an integer, keeping default")
		return def
	}
	return i
}

// ParseDuration reads a time.Duration from the environment; unparseable
// values keep the default with a warning.
func ParseDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Dur("default", def).
			Msg("not a duration, keeping default")
		return def
	}
	return d
}
