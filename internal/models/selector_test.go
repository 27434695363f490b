// SPDX-License-Identifier: MIT

package models

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ManuGH/vodub/internal/model"
	"github.com/stretchr/testify/require"
)

func fakeProbe(out string, err error) Prober {
	return Prober{Run: func(context.Context, string, ...string) ([]byte, error) {
		return []byte(out), err
	}}
}

// writeModel lays out a candidate directory; weightSize <= 0 omits weights.
func writeModel(t *testing.T, root, name string, weightSize int64, configSize int64) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o750))

	cfg := make([]byte, configSize)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), cfg, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte("{}"), 0o600))

	if weightSize > 0 {
		f, err := os.Create(filepath.Join(dir, "model.safetensors"))
		require.NoError(t, err)
		require.NoError(t, f.Truncate(weightSize))
		require.NoError(t, f.Close())
	}
}

func TestProbeSumAndMax(t *testing.T) {
	p := fakeProbe("6144\n2048\n", nil)
	free, err := p.FreeMiB(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(8192), free)

	p.Mode = ProbeMax
	free, err = p.FreeMiB(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(6144), free)
}

func TestProbeFailure(t *testing.T) {
	p := fakeProbe("", errors.New("exec: nvidia-smi: not found"))
	free, err := p.FreeMiB(context.Background())
	require.Equal(t, uint64(0), free)
	require.Equal(t, model.KindGPUProbeFailed, model.KindOf(err))
}

func TestSelectPicksByFreeMemory(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "Qwen3-4B-FP8", 64*1024*1024, 10)
	writeModel(t, root, "Qwen3-4B", 64*1024*1024, 10)
	writeModel(t, root, "Qwen3-1.7B", 64*1024*1024, 10)

	// 6 GiB free: only the fallback candidate fits.
	s := Selector{Root: root, Probe: fakeProbe("6144\n", nil)}
	choice, err := s.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Qwen3-1.7B", choice.Name)
	require.Equal(t, filepath.Join(root, "Qwen3-1.7B"), choice.Path)

	// Plenty free: best candidate wins.
	s.Probe = fakeProbe("24576\n", nil)
	choice, err = s.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Qwen3-4B-FP8", choice.Name)
}

func TestSelectSkipsCorruptedCandidate(t *testing.T) {
	root := t.TempDir()
	// Empty config.json marks the best candidate corrupted.
	writeModel(t, root, "Qwen3-4B-FP8", 64*1024*1024, 0)
	writeModel(t, root, "Qwen3-4B", 64*1024*1024, 10)
	writeModel(t, root, "Qwen3-1.7B", 64*1024*1024, 10)

	s := Selector{Root: root, Probe: fakeProbe("999999\n", nil)}
	choice, err := s.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Qwen3-4B", choice.Name)
}

func TestSelectRequiresRealWeights(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "Qwen3-1.7B", 1024, 10) // under the 10 MiB floor

	s := Selector{
		Root:   root,
		Probe:  fakeProbe("999999\n", nil),
		Prefer: []Candidate{{Name: "Qwen3-1.7B", MinFreeMiB: 4096}},
	}
	_, err := s.Select(context.Background())
	require.Equal(t, model.KindModelMissing, model.KindOf(err))
	require.Contains(t, err.Error(), "Qwen3-1.7B")
}

func TestSelectProbeFailureFallsBackToSmallest(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "Qwen3-4B", 64*1024*1024, 10)
	writeModel(t, root, "Qwen3-1.7B", 64*1024*1024, 10)

	s := Selector{Root: root, Probe: fakeProbe("", errors.New("no driver"))}
	choice, err := s.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Qwen3-1.7B", choice.Name)
}

func TestSelectNothingUsable(t *testing.T) {
	s := Selector{Root: t.TempDir(), Probe: fakeProbe("1024\n", nil)}
	_, err := s.Select(context.Background())
	require.Equal(t, model.KindModelMissing, model.KindOf(err))
	for _, name := range []string{"Qwen3-4B-FP8", "Qwen3-4B", "Qwen3-1.7B"} {
		require.Contains(t, err.Error(), name)
	}
}
