// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/ManuGH/vodub/internal/layout"
	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/metrics"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/google/renameio/v2"
)

// Store serializes state.json access per task. Writes are atomic and
// durable: temp file, fsync, rename (never a torn state.json, even on
// power loss).
type Store struct {
	layout layout.Layout

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store over the task layout.
func NewStore(l layout.Layout) *Store {
	return &Store{layout: l, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

// Write persists the record atomically under the task's write lock.
func (s *Store) Write(rec *Record) error {
	l := s.lock(rec.TaskID)
	l.Lock()
	defer l.Unlock()
	return s.writeLocked(rec)
}

func (s *Store) writeLocked(rec *Record) error {
	path := s.layout.StatePath(rec.TaskID)

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		metrics.StateWriteTotal.WithLabelValues("error").Inc()
		return model.WrapE(model.KindStateWriteFailed, err, "create pending state file").WithPath(path)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger := log.WithComponent("state")
			logger.Debug().Err(err).Msg("cleanup pending state file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		metrics.StateWriteTotal.WithLabelValues("error").Inc()
		return model.WrapE(model.KindStateWriteFailed, err, "encode state").WithPath(path)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		metrics.StateWriteTotal.WithLabelValues("error").Inc()
		return model.WrapE(model.KindStateWriteFailed, err, "replace state file").WithPath(path)
	}

	metrics.StateWriteTotal.WithLabelValues("ok").Inc()
	return nil
}

// Update applies fn to the current record and persists the result, all
// under the task's write lock.
func (s *Store) Update(taskID string, fn func(*Record) error) (*Record, error) {
	l := s.lock(taskID)
	l.Lock()
	defer l.Unlock()

	rec, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.writeLocked(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Load reads a task's record.
func (s *Store) Load(taskID string) (*Record, error) {
	l := s.lock(taskID)
	l.Lock()
	defer l.Unlock()
	return s.load(taskID)
}

func (s *Store) load(taskID string) (*Record, error) {
	path := s.layout.StatePath(taskID)
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the task layout
	if err != nil {
		return nil, model.WrapE(model.KindStateWriteFailed, err, "read state").WithPath(path)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, model.WrapE(model.KindStateWriteFailed, err, "decode state").WithPath(path)
	}
	return &rec, nil
}

// Scan loads every task record under the base directory. Entries without a
// readable state.json are skipped with a warning.
func (s *Store) Scan() ([]*Record, error) {
	entries, err := os.ReadDir(s.layout.Base())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.WrapE(model.KindStateWriteFailed, err, "scan task root").WithPath(s.layout.Base())
	}

	logger := log.WithComponent("state")
	var records []*Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.Load(e.Name())
		if err != nil {
			logger.Warn().Err(err).Str("task_id", e.Name()).Msg("skipping task with unreadable state")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Forget drops the in-memory lock of a deleted task.
func (s *Store) Forget(taskID string) {
	s.mu.Lock()
	delete(s.locks, taskID)
	s.mu.Unlock()
}
