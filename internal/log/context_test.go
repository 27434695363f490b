// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWithContextEnrichesComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithLang(ContextWithStage(ContextWithTaskID(context.Background(), "task-9"), "asr"), "ja")

	logger := WithContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("hello")

	out := buf.String()
	require.Contains(t, out, `"task_id":"task-9"`)
	require.Contains(t, out, `"stage":"asr"`)
	require.Contains(t, out, `"lang":"ja"`)
}

func TestWithContextWithoutIdentifiersIsUnchanged(t *testing.T) {
	var buf bytes.Buffer
	logger := WithContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("plain")
	require.NotContains(t, buf.String(), "task_id")
}

func TestDerivedLoggersAreBindable(t *testing.T) {
	logger := WithComponent("test")
	logger.Debug().Msg("component logger usable after binding")

	logger = FromContext(ContextWithTaskID(context.Background(), "task-9"))
	logger.Debug().Msg("context logger usable after binding")
}
