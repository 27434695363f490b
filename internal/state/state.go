// SPDX-License-Identifier: MIT

// Package state persists the minimal resume metadata of a task as
// state.json in the task root. The file is the single source of truth for
// crash recovery: a restarted orchestrator re-materializes the stage graph
// from it alone.
package state

import (
	"time"

	"github.com/ManuGH/vodub/internal/model"
)

// StageState is the persisted status of one stage.
type StageState struct {
	Status     model.StageStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	LastError  *model.Error      `json:"last_error,omitempty"`
}

// Record is the full state.json payload. The JSON shape is a public
// contract consumed by external tooling.
type Record struct {
	TaskID         string                 `json:"task_id"`
	CreatedAt      time.Time              `json:"created_at"`
	ModelSelection *model.ModelChoice     `json:"model_selection,omitempty"`
	Targets        []string               `json:"targets"`
	Stages         map[string]*StageState `json:"stages"`
}

// NewRecord initialises a record for a freshly created task.
func NewRecord(taskID string, targets []string) *Record {
	return &Record{
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
		Targets:   targets,
		Stages:    make(map[string]*StageState),
	}
}

// Stage returns the named stage state, creating it as pending.
func (r *Record) Stage(name string) *StageState {
	if r.Stages == nil {
		r.Stages = make(map[string]*StageState)
	}
	st, ok := r.Stages[name]
	if !ok {
		st = &StageState{Status: model.StagePending}
		r.Stages[name] = st
	}
	return st
}

// MarkRunning transitions a stage to running and counts the attempt.
func (r *Record) MarkRunning(name string) {
	st := r.Stage(name)
	now := time.Now().UTC()
	st.Status = model.StageRunning
	st.Attempts++
	st.StartedAt = &now
	st.FinishedAt = nil
	st.LastError = nil
}

// MarkDone transitions a stage to done.
func (r *Record) MarkDone(name string) {
	st := r.Stage(name)
	now := time.Now().UTC()
	st.Status = model.StageDone
	st.FinishedAt = &now
	st.LastError = nil
}

// MarkEnded records a non-success terminal or retryable status with its error.
func (r *Record) MarkEnded(name string, status model.StageStatus, stageErr *model.Error) {
	st := r.Stage(name)
	now := time.Now().UTC()
	st.Status = status
	st.FinishedAt = &now
	st.LastError = stageErr
}

// HasTarget reports whether lang is already among the record's targets.
func (r *Record) HasTarget(lang string) bool {
	for _, t := range r.Targets {
		if t == lang {
			return true
		}
	}
	return false
}

// AddTarget appends a target idempotently.
func (r *Record) AddTarget(lang string) {
	if !r.HasTarget(lang) {
		r.Targets = append(r.Targets, lang)
	}
}

// NormalizeAfterCrash downgrades stages a dead process left in flight.
// A stage persisted as running means the writer crashed mid-stage; it is
// retryable, not done. Returns the downgraded stage names.
func (r *Record) NormalizeAfterCrash() []string {
	var downgraded []string
	for name, st := range r.Stages {
		if st.Status == model.StageRunning || st.Status == model.StageCancelling {
			st.Status = model.StageRetryable
			downgraded = append(downgraded, name)
		}
	}
	return downgraded
}

// Resumable reports whether any stage still has work left. Stages persisted
// as running or cancelling count: the writer crashed mid-stage and
// NormalizeAfterCrash will downgrade them on the next start.
func (r *Record) Resumable() bool {
	for _, st := range r.Stages {
		if !st.Status.IsTerminal() {
			return true
		}
	}
	return false
}
