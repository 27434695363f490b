// SPDX-License-Identifier: MIT

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildGraphShape(t *testing.T) {
	g := Build([]string{"en", "ja"})

	// 5 shared + 5 per language.
	require.Equal(t, 15, g.Len())

	require.Nil(t, g.Node(StageUpload).Preds)
	require.Equal(t, []string{StageUpload}, g.Node(StageExtract).Preds)
	require.Equal(t, []string{StageBuildRefs}, g.Node("translate.en").Preds)
	require.Equal(t, []string{"translate.ja"}, g.Node("validate_length.ja").Preds)
	require.Equal(t, []string{"stitch_audio.en"}, g.Node("mux_video.en").Preds)
}

func TestGPUExclusiveClass(t *testing.T) {
	g := Build([]string{"en"})

	gpu := map[string]bool{}
	for _, name := range g.Names() {
		gpu[name] = g.Node(name).GPU
	}
	require.True(t, gpu[StageASR])
	require.True(t, gpu[StageDiarize])
	require.True(t, gpu["translate.en"])
	require.True(t, gpu["clone_voice.en"])

	require.False(t, gpu[StageExtract])
	require.False(t, gpu["validate_length.en"])
	require.False(t, gpu["stitch_audio.en"])
	require.False(t, gpu["mux_video.en"])
}

func TestSplitStage(t *testing.T) {
	kind, lang := SplitStage("translate.ja")
	require.Equal(t, "translate", kind)
	require.Equal(t, "ja", lang)

	kind, lang = SplitStage(StageExtract)
	require.Equal(t, "extract_audio", kind)
	require.Equal(t, "", lang)
}

func TestRemainingPrefersFinishingATarget(t *testing.T) {
	g := Build([]string{"en"})
	require.Less(t, g.Node("mux_video.en").Remaining, g.Node("stitch_audio.en").Remaining)
	require.Less(t, g.Node("stitch_audio.en").Remaining, g.Node("translate.en").Remaining)
	require.Less(t, g.Node("translate.en").Remaining, g.Node(StageUpload).Remaining)
}
