// SPDX-License-Identifier: MIT

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageStatusClassification(t *testing.T) {
	for _, s := range []StageStatus{StageDone, StageFailed, StageCancelled} {
		require.True(t, s.IsTerminal(), s)
		require.False(t, s.Runnable(), s)
	}
	for _, s := range []StageStatus{StagePending, StageRunning, StageRetryable, StageCancelling, StageTimeout} {
		require.False(t, s.IsTerminal(), s)
	}
	require.True(t, StagePending.Runnable())
	require.True(t, StageRetryable.Runnable())
	require.False(t, StageRunning.Runnable())
	require.False(t, StageTimeout.Runnable(), "timeouts re-enter through the scheduler, not the ready set")
}

func TestCueStatusFlagged(t *testing.T) {
	require.True(t, CueFlaggedLong.Flagged())
	require.True(t, CueFlaggedScript.Flagged())
	require.False(t, CueTranslated.Flagged())
	require.False(t, CueAccepted.Flagged())
}
