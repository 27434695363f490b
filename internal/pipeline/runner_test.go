// SPDX-License-Identifier: MIT

//go:build unix

package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ManuGH/vodub/internal/config"
	"github.com/ManuGH/vodub/internal/layout"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/stretchr/testify/require"
)

// fakeStageWorker writes a shell script that runs the given body and emits
// an empty JSON result.
func fakeStageWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\necho '{}'\n"), 0o700))
	return path
}

func newTaskRunner(t *testing.T) *Runner {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.EnsureStructure("task-1"))
	return &Runner{Cfg: config.Config{}, Layout: l, TaskID: "task-1"}
}

func writeInput(t *testing.T, r *Runner, video bool, srt string) {
	t.Helper()
	if video {
		require.NoError(t, os.WriteFile(filepath.Join(r.Layout.InputDir("task-1"), "talk.mp4"), []byte("vid"), 0o640))
	}
	if srt != "" {
		require.NoError(t, os.WriteFile(r.Layout.SourceSubtitlePath("task-1"), []byte(srt), 0o640))
	}
}

func TestUploadValidatesInputs(t *testing.T) {
	r := newTaskRunner(t)
	ctx := context.Background()

	err := r.upload(ctx)
	require.Equal(t, model.KindInputNotFound, model.KindOf(err))

	writeInput(t, r, true, "garbage without any timecode\n")
	err = r.upload(ctx)
	require.Equal(t, model.KindInvalidSubtitle, model.KindOf(err))

	writeInput(t, r, true, "1\n00:00:00,000 --> 00:00:02,000\n你好\n")
	require.NoError(t, r.upload(ctx))
}

func TestExtractAudioChecksOutput(t *testing.T) {
	r := newTaskRunner(t)
	writeInput(t, r, true, "")

	// Worker claims success but writes nothing.
	r.Cfg.Bins.Extract = fakeStageWorker(t, ":")
	err := r.extractAudio(context.Background())
	require.Equal(t, model.KindWorkerOutput, model.KindOf(err))

	r.Cfg.Bins.Extract = fakeStageWorker(t, "echo audio > "+r.Layout.AudioPath("task-1"))
	require.NoError(t, r.extractAudio(context.Background()))
}

func TestBuildReferencesWritesManifest(t *testing.T) {
	r := newTaskRunner(t)
	srt := "1\n00:00:00,000 --> 00:00:02,000\n你好\n\n2\n00:00:03,000 --> 00:00:05,000\n再见\n"
	writeInput(t, r, true, srt)

	speakers, err := json.Marshal(speakerAssignment{Cues: []int{0, 0}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(r.Layout.SpeakersPath("task-1"), speakers, 0o640))

	r.Cfg.Bins.Stitch = fakeStageWorker(t, "echo clip > "+r.Layout.RefAudioPath("task-1", 0))
	require.NoError(t, r.buildReferences(context.Background()))

	data, err := os.ReadFile(r.Layout.RefsManifestPath("task-1"))
	require.NoError(t, err)
	var refs []model.SpeakerRef
	require.NoError(t, json.Unmarshal(data, &refs))
	require.Len(t, refs, 1)
	require.Equal(t, 0, refs[0].Speaker)
	require.Equal(t, "你好 再见", refs[0].TextRef)
	require.Equal(t, r.Layout.RefAudioPath("task-1", 0), refs[0].AudioRef)
}

func TestBuildReferencesFailsWhenClipMissing(t *testing.T) {
	r := newTaskRunner(t)
	writeInput(t, r, true, "1\n00:00:00,000 --> 00:00:02,000\n你好\n")

	speakers, err := json.Marshal(speakerAssignment{Cues: []int{0}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(r.Layout.SpeakersPath("task-1"), speakers, 0o640))

	r.Cfg.Bins.Stitch = fakeStageWorker(t, ":")
	err = r.buildReferences(context.Background())
	require.Equal(t, model.KindWorkerOutput, model.KindOf(err))
}

func TestVerifyOutputs(t *testing.T) {
	r := newTaskRunner(t)
	g := Build([]string{"en"})

	require.False(t, r.VerifyOutputs(g.Node(StageExtract)))
	require.NoError(t, os.WriteFile(r.Layout.AudioPath("task-1"), []byte("a"), 0o640))
	require.True(t, r.VerifyOutputs(g.Node(StageExtract)))

	// Clone verification wants a segment file per voiced cue.
	require.NoError(t, r.Layout.EnsureLang("task-1", "en"))
	srt := "1\n00:00:00,000 --> 00:00:02,000\nHello\n"
	require.NoError(t, os.WriteFile(r.Layout.TranslatedSubtitlePath("task-1", "en"), []byte(srt), 0o640))
	require.False(t, r.VerifyOutputs(g.Node("clone_voice.en")))

	seg := r.Layout.SegmentPath("task-1", "en", 0, 0, 2)
	require.NoError(t, os.WriteFile(seg, []byte("wav"), 0o640))
	require.True(t, r.VerifyOutputs(g.Node("clone_voice.en")))
	require.True(t, r.VerifyOutputs(g.Node("validate_length.en")))
	require.False(t, r.VerifyOutputs(g.Node("stitch_audio.en")))
}
