// SPDX-License-Identifier: MIT

// Package supervisor owns the job lifecycle: create, start, cancel, delete,
// and the startup scan that surfaces resumable tasks. It holds the
// process-global scheduling resources and the sleep inhibitor.
package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ManuGH/vodub/internal/bus"
	"github.com/ManuGH/vodub/internal/config"
	"github.com/ManuGH/vodub/internal/layout"
	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/ManuGH/vodub/internal/models"
	"github.com/ManuGH/vodub/internal/pipeline"
	"github.com/ManuGH/vodub/internal/power"
	"github.com/ManuGH/vodub/internal/state"
	"github.com/ManuGH/vodub/internal/subtitle"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var (
	jobTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodub",
		Name:      "job_total",
		Help:      "Finished jobs by result",
	}, []string{"result"})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vodub",
		Name:      "jobs_running",
		Help:      "Jobs currently executing",
	})
)

// TaskInfo is the supervisor's external view of one task.
type TaskInfo struct {
	ID      string           `json:"id"`
	Status  model.TaskStatus `json:"status"`
	Targets []string         `json:"targets"`
}

type runningTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor manages all tasks of one orchestrator process.
type Supervisor struct {
	cfg      config.Config
	layout   layout.Layout
	store    *state.Store
	res      *pipeline.Resources
	selector models.Selector
	power    *power.Inhibitor

	mu      sync.Mutex
	running map[string]*runningTask
	topics  map[string]*bus.Topic
}

// New builds a supervisor over the configured data directory.
func New(cfg config.Config) (*Supervisor, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, model.WrapE(model.KindStateWriteFailed, err, "create data directory").WithPath(cfg.DataDir)
	}
	l := layout.New(cfg.DataDir)
	return &Supervisor{
		cfg:      cfg,
		layout:   l,
		store:    state.NewStore(l),
		res:      pipeline.NewResources(cfg.WorkerPoolSize),
		selector: models.Selector{Root: cfg.ModelsDir},
		power:    &power.Inhibitor{},
	}, nil
}

// Scan lists every task found under the data directory with its derived
// status. Crashed tasks surface as resumable; nothing is auto-resumed.
func (s *Supervisor) Scan() ([]TaskInfo, error) {
	records, err := s.store.Scan()
	if err != nil {
		return nil, err
	}
	logger := log.WithComponent("supervisor")

	infos := make([]TaskInfo, 0, len(records))
	for _, rec := range records {
		info := TaskInfo{ID: rec.TaskID, Status: deriveStatus(rec), Targets: rec.Targets}
		if info.Status == model.TaskResumable {
			logger.Info().Str("task_id", rec.TaskID).Msg("found resumable task")
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func deriveStatus(rec *state.Record) model.TaskStatus {
	if len(rec.Stages) == 0 {
		return model.TaskCreated
	}
	allDone := true
	var failed, cancelled, resumable bool
	for _, st := range rec.Stages {
		switch st.Status {
		case model.StageDone:
		case model.StageFailed:
			failed = true
			allDone = false
		case model.StageCancelled:
			cancelled = true
			allDone = false
		case model.StageRunning, model.StageCancelling, model.StageRetryable, model.StageTimeout:
			resumable = true
			allDone = false
		default:
			allDone = false
		}
	}
	switch {
	case allDone:
		return model.TaskDone
	case failed:
		return model.TaskFailed
	case resumable:
		return model.TaskResumable
	case cancelled:
		return model.TaskCancelled
	}
	return model.TaskCreated
}

// Create allocates a task: id, directory tree, input video and subtitle
// copied into place, and the initial state record. The subtitle is parsed
// up front so an unusable job fails at creation, not mid-pipeline.
func (s *Supervisor) Create(ctx context.Context, spec model.JobSpec) (string, error) {
	cues, err := subtitle.ParseFile(spec.SubtitlePath)
	if err != nil {
		return "", err
	}
	if len(cues) == 0 {
		return "", model.E(model.KindInvalidSubtitle, "subtitle has no usable cues").WithPath(spec.SubtitlePath)
	}
	if len(spec.Targets) == 0 {
		return "", model.E(model.KindInvalidSubtitle, "job has no target languages")
	}

	id := uuid.NewString()
	if err := s.layout.EnsureStructure(id); err != nil {
		return "", err
	}

	dst := filepath.Join(s.layout.InputDir(id), filepath.Base(spec.VideoPath))
	if err := copyFile(spec.VideoPath, dst); err != nil {
		return "", err
	}
	if err := copyFile(spec.SubtitlePath, s.layout.SourceSubtitlePath(id)); err != nil {
		return "", err
	}

	targets := make([]string, 0, len(spec.Targets))
	rec := state.NewRecord(id, nil)
	for _, tgt := range spec.Targets {
		if err := s.layout.EnsureLang(id, tgt.Code); err != nil {
			return "", err
		}
		rec.AddTarget(tgt.Code)
		targets = append(targets, tgt.Code)
	}
	if err := s.store.Write(rec); err != nil {
		return "", err
	}

	logger := log.WithContext(ctx, log.WithComponent("supervisor"))
	logger.Info().
		Str("task_id", id).Strs("targets", targets).Int("cues", len(cues)).Msg("task created")
	return id, nil
}

// Topic returns the task's progress topic, creating it on first use.
func (s *Supervisor) Topic(taskID string) *bus.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topicLocked(taskID)
}

func (s *Supervisor) topicLocked(taskID string) *bus.Topic {
	if s.topics == nil {
		s.topics = make(map[string]*bus.Topic)
	}
	t, ok := s.topics[taskID]
	if !ok {
		t = bus.NewTopic(taskID)
		s.topics[taskID] = t
	}
	return t
}

// Start runs the task's pipeline in the background. Starting an already
// running task is an error; starting a resumable one picks up where the
// record left off. The model choice is pinned on first start and reused on
// resume.
func (s *Supervisor) Start(ctx context.Context, taskID string) error {
	rec, err := s.store.Load(taskID)
	if err != nil {
		return err
	}
	if len(rec.Targets) == 0 {
		return model.E(model.KindInvalidSubtitle, "task %s has no target languages", taskID)
	}

	choice := rec.ModelSelection
	if choice == nil {
		picked, err := s.selector.Select(ctx)
		if err != nil {
			return err
		}
		choice = &picked
		if _, err := s.store.Update(taskID, func(r *state.Record) error {
			r.ModelSelection = choice
			return nil
		}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if _, ok := s.running[taskID]; ok {
		s.mu.Unlock()
		return model.E(model.KindResourceBusy, "task %s is already running", taskID)
	}
	if s.running == nil {
		s.running = make(map[string]*runningTask)
	}
	topic := s.topicLocked(taskID)
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{cancel: cancel, done: make(chan struct{})}
	s.running[taskID] = rt
	s.mu.Unlock()

	runner := &pipeline.Runner{
		Cfg:    s.cfg,
		Layout: s.layout,
		Topic:  topic,
		TaskID: taskID,
		Model:  *choice,
	}
	sched := &pipeline.Scheduler{
		TaskID: taskID,
		Graph:  pipeline.Build(rec.Targets),
		Store:  s.store,
		Topic:  topic,
		Res:    s.res,
		Exec:   runner.Execute,
		Verify: runner.VerifyOutputs,
	}

	s.power.Acquire()
	jobsRunning.Inc()
	logger := log.WithComponent("supervisor").With().Str("task_id", taskID).Logger()
	logger.Info().Str("model", choice.Name).Strs("targets", rec.Targets).Msg("task started")

	go func() {
		defer close(rt.done)
		defer func() {
			s.mu.Lock()
			delete(s.running, taskID)
			s.mu.Unlock()
			s.power.Release()
			jobsRunning.Dec()
			cancel()
		}()

		err := sched.Run(runCtx)
		switch {
		case err == nil:
			jobTotal.WithLabelValues("ok").Inc()
			logger.Info().Msg("task finished")
		case model.KindOf(err) == model.KindCancelled:
			jobTotal.WithLabelValues("cancelled").Inc()
			logger.Warn().Msg("task cancelled")
		default:
			jobTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Msg("task failed")
		}
	}()
	return nil
}

// Wait blocks until the task's pipeline has stopped running. Waiting on a
// task that is not running returns immediately.
func (s *Supervisor) Wait(ctx context.Context, taskID string) error {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status derives the task's coarse status from its persisted record.
func (s *Supervisor) Status(taskID string) (model.TaskStatus, error) {
	rec, err := s.store.Load(taskID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	_, isRunning := s.running[taskID]
	s.mu.Unlock()
	if isRunning {
		return model.TaskRunning, nil
	}
	return deriveStatus(rec), nil
}

// Cancel stops a running task and waits until its stages have drained.
// Cancelling a task that is not running is a no-op.
func (s *Supervisor) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rt.cancel()
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return model.WrapE(model.KindCancelled, ctx.Err(), "gave up waiting for task %s to stop", taskID)
	}
}

// Delete cancels the task if running, closes its topic with a terminal
// message, and removes its directory tree.
func (s *Supervisor) Delete(ctx context.Context, taskID string) error {
	if err := s.Cancel(ctx, taskID); err != nil {
		return err
	}

	s.mu.Lock()
	topic := s.topics[taskID]
	delete(s.topics, taskID)
	s.mu.Unlock()
	if topic != nil {
		topic.Close(bus.Done("deleted"))
	}

	if err := s.layout.DeleteTask(taskID); err != nil {
		return err
	}
	s.store.Forget(taskID)
	logger := log.WithComponent("supervisor")
	logger.Info().Str("task_id", taskID).Msg("task deleted")
	return nil
}

// Shutdown cancels every running task and waits for all of them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error { return s.Cancel(gctx, id) })
	}
	return g.Wait()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- operator-provided input path
	if err != nil {
		return model.WrapE(model.KindInputNotFound, err, "open input file").WithPath(src)
	}
	defer in.Close()

	out, err := os.Create(dst) // #nosec G304 -- path comes from the task layout
	if err != nil {
		return model.WrapE(model.KindStateWriteFailed, err, "create task input").WithPath(dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return model.WrapE(model.KindStateWriteFailed, err, "copy task input").WithPath(dst)
	}
	return out.Close()
}
