// SPDX-License-Identifier: MIT

// Package models picks the translation model for a job by probing free GPU
// memory and verifying candidate directories on disk. The choice is pinned
// for the job's lifetime and recorded in state.json; it is never re-run
// inside a stage.
package models

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
)

// Candidate is one model directory under the models root, ordered
// largest-and-best first in the preference list.
type Candidate struct {
	Name       string
	MinFreeMiB uint64
}

// DefaultCandidates is the stock preference chain.
var DefaultCandidates = []Candidate{
	{Name: "Qwen3-4B-FP8", MinFreeMiB: 20 * 1024},
	{Name: "Qwen3-4B", MinFreeMiB: 12 * 1024},
	{Name: "Qwen3-1.7B", MinFreeMiB: 4 * 1024},
}

const minWeightBytes = 10 * 1024 * 1024

// requiredFiles must exist and be non-empty in every candidate directory.
var requiredFiles = []string{"config.json", "tokenizer_config.json"}

// Selector resolves a ModelChoice from the models root.
type Selector struct {
	Root   string
	Probe  Prober
	Prefer []Candidate // nil means DefaultCandidates
}

// Select walks the preference list and returns the first candidate whose
// free-memory requirement is met and whose files pass the integrity check.
// If no candidate fits in memory, the smallest integrity-passing one is
// returned; if none passes at all, the error lists every candidate with
// its rejection reason.
func (s Selector) Select(ctx context.Context) (model.ModelChoice, error) {
	logger := log.WithComponent("models")

	prefer := s.Prefer
	if prefer == nil {
		prefer = DefaultCandidates
	}

	free, err := s.Probe.FreeMiB(ctx)
	if err != nil {
		// Treat as zero and proceed to the smallest model.
		logger.Warn().Err(err).Msg("GPU probe failed, assuming no free memory")
		free = 0
	}
	logger.Info().Uint64("free_mib", free).Msg("GPU memory probed")

	var rejections []string
	var fallback *model.ModelChoice

	for _, cand := range prefer {
		dir := filepath.Join(s.Root, cand.Name)
		if reason := verify(dir); reason != "" {
			logger.Warn().
				Str("model", cand.Name).
				Str("reason", reason).
				Msg("CORRUPTED model candidate skipped")
			rejections = append(rejections, fmt.Sprintf("%s: %s", cand.Name, reason))
			continue
		}

		if free >= cand.MinFreeMiB {
			choice := model.ModelChoice{Name: cand.Name, Path: dir, MinFreeMiB: cand.MinFreeMiB}
			logger.Info().Str("model", cand.Name).Str("path", dir).Msg("model selected")
			return choice, nil
		}

		rejections = append(rejections,
			fmt.Sprintf("%s: needs %d MiB free, have %d", cand.Name, cand.MinFreeMiB, free))
		// Preference order is largest first, so the last integrity-passing
		// candidate is the smallest usable fallback.
		fallback = &model.ModelChoice{Name: cand.Name, Path: dir, MinFreeMiB: cand.MinFreeMiB}
	}

	if fallback != nil {
		logger.Warn().
			Str("model", fallback.Name).
			Msg("no candidate fits in free GPU memory, falling back to smallest intact model")
		return *fallback, nil
	}

	return model.ModelChoice{}, model.E(model.KindModelMissing,
		"no usable model under %s: %s", s.Root, strings.Join(rejections, "; "))
}

// verify returns "" when the candidate passes the integrity check, or a
// human-readable rejection reason.
func verify(dir string) string {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "directory missing"
	}

	for _, name := range requiredFiles {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return name + " missing"
		}
		if fi.Size() == 0 {
			return name + " empty"
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "unreadable directory"
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".safetensors" && ext != ".bin" {
			continue
		}
		if fi, err := e.Info(); err == nil && fi.Size() > minWeightBytes {
			return ""
		}
	}
	return "no weight file over 10 MiB"
}
