// SPDX-License-Identifier: MIT

// Package layout is the canonical on-disk tree of a dubbing task. All path
// functions are pure; only EnsureStructure and DeleteTask touch the
// filesystem. External tooling depends on this tree, treat it as a public
// contract.
package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
)

// VideoExtensions is the allow-list for files under input/.
var VideoExtensions = []string{".mp4", ".mkv", ".mov", ".avi", ".webm", ".flv", ".ts"}

const (
	deleteRetries = 3
	deleteBackoff = 500 * time.Millisecond
)

// Layout resolves task paths under a fixed base directory.
type Layout struct {
	base string
}

// New creates a Layout rooted at base.
func New(base string) Layout {
	return Layout{base: base}
}

// Base returns the task root directory shared by all tasks.
func (l Layout) Base() string { return l.base }

// TaskRoot returns <base>/<task_id>.
func (l Layout) TaskRoot(id string) string {
	return filepath.Join(l.base, id)
}

// InputDir holds the single source video.
func (l Layout) InputDir(id string) string {
	return filepath.Join(l.base, id, "input")
}

// ProcessedDir holds source-language artifacts shared by all targets.
func (l Layout) ProcessedDir(id string) string {
	return filepath.Join(l.base, id, "processed")
}

// OutputsDir holds the per-language subtrees.
func (l Layout) OutputsDir(id string) string {
	return filepath.Join(l.base, id, "outputs")
}

// LangDir holds one target language's artifacts.
func (l Layout) LangDir(id, lang string) string {
	return filepath.Join(l.base, id, "outputs", lang)
}

// ClonedAudioDir holds the per-cue cloned segments for one language.
func (l Layout) ClonedAudioDir(id, lang string) string {
	return filepath.Join(l.base, id, "outputs", lang, "cloned")
}

// AudioPath is the extracted source audio track.
func (l Layout) AudioPath(id string) string {
	return filepath.Join(l.ProcessedDir(id), "audio.wav")
}

// SourceSubtitlePath is the source-language subtitle copied at creation.
func (l Layout) SourceSubtitlePath(id string) string {
	return filepath.Join(l.ProcessedDir(id), "source.srt")
}

// TranscriptPath is the aligned transcript produced by the ASR worker.
func (l Layout) TranscriptPath(id string) string {
	return filepath.Join(l.ProcessedDir(id), "transcript.json")
}

// SpeakersPath is the cue-to-speaker map produced by diarization.
func (l Layout) SpeakersPath(id string) string {
	return filepath.Join(l.ProcessedDir(id), "speakers.json")
}

// RefsDir holds the per-speaker voice reference clips.
func (l Layout) RefsDir(id string) string {
	return filepath.Join(l.ProcessedDir(id), "refs")
}

// RefAudioPath is one speaker cluster's concatenated reference clip.
func (l Layout) RefAudioPath(id string, speaker int) string {
	return filepath.Join(l.RefsDir(id), fmt.Sprintf("speaker_%d.wav", speaker))
}

// RefsManifestPath describes the reference clips (speaker, audio, text).
func (l Layout) RefsManifestPath(id string) string {
	return filepath.Join(l.ProcessedDir(id), "refs.json")
}

// TranslatedSubtitlePath is the target-language subtitle.
func (l Layout) TranslatedSubtitlePath(id, lang string) string {
	return filepath.Join(l.LangDir(id, lang), fmt.Sprintf("subtitle_%s.srt", lang))
}

// StitchedAudioPath is the full-length dubbed audio track for one language.
func (l Layout) StitchedAudioPath(id, lang string) string {
	return filepath.Join(l.LangDir(id, lang), "stitched.wav")
}

// StatePath returns the task's state.json.
func (l Layout) StatePath(id string) string {
	return filepath.Join(l.base, id, "state.json")
}

// ExportPath names the final dubbed video after the original basename,
// e.g. "talk.mp4" -> outputs/ja/talk_ja.mp4.
func (l Layout) ExportPath(id, lang, originalBasename string) string {
	ext := filepath.Ext(originalBasename)
	stem := strings.TrimSuffix(originalBasename, ext)
	return filepath.Join(l.LangDir(id, lang), fmt.Sprintf("%s_%s%s", stem, lang, ext))
}

// SegmentName encodes cue index and timing into the artifact filename.
// Downstream tools recover cue time from the name without re-reading the
// subtitle, so the format is load-bearing.
func SegmentName(idx int, start, end float64) string {
	return fmt.Sprintf("segment_%d_%.3f_%.3f.wav", idx, start, end)
}

// SegmentPath returns the full path of one cloned segment.
func (l Layout) SegmentPath(id, lang string, idx int, start, end float64) string {
	return filepath.Join(l.ClonedAudioDir(id, lang), SegmentName(idx, start, end))
}

// EnsureStructure creates the canonical subtree for a task. It is idempotent
// across arbitrary repetitions.
func (l Layout) EnsureStructure(id string) error {
	for _, dir := range []string{
		l.TaskRoot(id),
		l.InputDir(id),
		l.ProcessedDir(id),
		l.OutputsDir(id),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return model.WrapE(model.KindStateWriteFailed, err, "create task directory").WithPath(dir)
		}
	}
	return nil
}

// EnsureLang creates one target language's subtree. Idempotent; targets may
// be added after task creation.
func (l Layout) EnsureLang(id, lang string) error {
	if err := os.MkdirAll(l.ClonedAudioDir(id, lang), 0o750); err != nil {
		return model.WrapE(model.KindStateWriteFailed, err, "create language directory").WithPath(l.LangDir(id, lang))
	}
	return nil
}

// DeleteTask removes the task root recursively. Windows keeps read-only
// bits and sharing locks around longer than we would like, so on a
// permission error it clears file modes and retries with backoff. The final
// failure names the path that refused to go.
func (l Layout) DeleteTask(id string) error {
	root := l.TaskRoot(id)
	logger := log.WithComponent("layout")

	var lastErr error
	for attempt := 1; attempt <= deleteRetries; attempt++ {
		lastErr = os.RemoveAll(root)
		if lastErr == nil {
			return nil
		}
		if !os.IsPermission(lastErr) && !isBusy(lastErr) {
			break
		}
		logger.Warn().
			Err(lastErr).
			Str("task_id", id).
			Int("attempt", attempt).
			Msg("task delete blocked, clearing modes and retrying")
		clearReadOnly(root)
		time.Sleep(deleteBackoff)
	}

	offending := root
	var pathErr *fs.PathError
	if errors.As(lastErr, &pathErr) {
		offending = pathErr.Path
	}
	return model.WrapE(model.KindResourceBusy, lastErr, "delete task %s", id).WithPath(offending)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "being used by another process") ||
		strings.Contains(msg, "resource busy") ||
		strings.Contains(msg, "text file busy")
}

// clearReadOnly walks the tree and removes read-only bits, best effort.
func clearReadOnly(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		mode := fs.FileMode(0o600)
		if d.IsDir() {
			mode = 0o700
		}
		_ = os.Chmod(path, mode)
		return nil
	})
}

// FindInputVideo returns the single video file under input/, or a
// structured error when it is missing or has a disallowed extension.
func (l Layout) FindInputVideo(id string) (string, error) {
	dir := l.InputDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", model.WrapE(model.KindInputNotFound, err, "read input directory").WithPath(dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, allowed := range VideoExtensions {
			if ext == allowed {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", model.E(model.KindInputNotFound, "no video with allowed extension in input directory").WithPath(dir)
}
