// SPDX-License-Identifier: MIT

// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	taskIDKey ctxKey = "task_id"
	stageKey  ctxKey = "stage"
	langKey   ctxKey = "lang"
)

// ContextWithTaskID stores the provided task ID in the context.
func ContextWithTaskID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, taskIDKey, id)
}

// ContextWithStage stores the running stage name in the context.
func ContextWithStage(ctx context.Context, stage string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, stageKey, stage)
}

// ContextWithLang stores the target language code in the context.
func ContextWithLang(ctx context.Context, lang string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, langKey, lang)
}

// FromContext returns a logger enriched with whatever pipeline identifiers
// the context carries. Missing identifiers are simply omitted.
func FromContext(ctx context.Context) zerolog.Logger {
	builder := logger().With()
	if ctx != nil {
		if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
			builder = builder.Str("task_id", v)
		}
		if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
			builder = builder.Str("stage", v)
		}
		if v, ok := ctx.Value(langKey).(string); ok && v != "" {
			builder = builder.Str("lang", v)
		}
	}
	return builder.Logger()
}

// WithContext combines context identifiers with a component logger.
func WithContext(ctx context.Context, component zerolog.Logger) zerolog.Logger {
	l := component
	if ctx != nil {
		if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
			l = l.With().Str("task_id", v).Logger()
		}
		if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
			l = l.With().Str("stage", v).Logger()
		}
		if v, ok := ctx.Value(langKey).(string); ok && v != "" {
			l = l.With().Str("lang", v).Logger()
		}
	}
	return l
}
