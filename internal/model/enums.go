// SPDX-License-Identifier: MIT

package model

import "time"

// StageStatus is the persisted lifecycle of a single pipeline stage.
// Keep these stable: state.json on disk and the resume path depend on them.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageRunning    StageStatus = "running"
	StageRetryable  StageStatus = "retryable"
	StageDone       StageStatus = "done"
	StageFailed     StageStatus = "failed"
	StageCancelling StageStatus = "cancelling"
	StageCancelled  StageStatus = "cancelled"
	StageTimeout    StageStatus = "timeout"
)

// IsTerminal returns true if the status is a final state.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageDone, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Runnable reports whether the scheduler may pick the stage up.
func (s StageStatus) Runnable() bool {
	return s == StagePending || s == StageRetryable
}

// TaskStatus is the coarse task lifecycle surfaced to clients.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskResumable TaskStatus = "resumable"
)

// CueStatus tracks a translation unit through the length/script retry loop.
type CueStatus string

const (
	CuePending       CueStatus = "pending"
	CueTranslated    CueStatus = "translated"
	CueFlaggedLong   CueStatus = "flagged_long"
	CueFlaggedScript CueStatus = "flagged_script"
	CueAccepted      CueStatus = "accepted"
	CueFailed        CueStatus = "failed"
)

// Flagged reports whether the cue must re-enter the translation retry loop.
func (s CueStatus) Flagged() bool {
	return s == CueFlaggedLong || s == CueFlaggedScript
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code      int
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
}

// LanguageTarget is one output language of a task.
type LanguageTarget struct {
	Code string `json:"code"` // 2-3 character code, e.g. "ja"
	Name string `json:"name"` // display name, e.g. "Japanese"
}

// JobSpec is the input needed to create a dubbing task.
type JobSpec struct {
	VideoPath    string
	SubtitlePath string
	Targets      []LanguageTarget
}

// ModelChoice is the pinned translation model for a job's lifetime.
type ModelChoice struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	MinFreeMiB uint64 `json:"min_free_mib,omitempty"`
}

// SpeakerRef holds the voice-cloning reference material for one speaker cluster.
type SpeakerRef struct {
	Speaker  int    `json:"speaker"`
	AudioRef string `json:"audio_ref"`
	TextRef  string `json:"text_ref"`
}

// SegmentArtifact is one cloned audio segment. The timestamps are part of
// the filename contract so downstream tools can recover cue timing without
// re-reading the subtitle.
type SegmentArtifact struct {
	CueIndex  int     `json:"cue_index"`
	Speaker   int     `json:"speaker"`
	AudioPath string  `json:"audio_path"`
	Duration  float64 `json:"duration_s"`
	MOS       float64 `json:"mos_score,omitempty"`
}
