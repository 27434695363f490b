// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/ManuGH/vodub/internal/bus"
	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/metrics"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/ManuGH/vodub/internal/state"
	"golang.org/x/sync/semaphore"
)

// ExecFunc executes one stage to completion. A nil return marks the stage
// done; structured errors drive the retry policy.
type ExecFunc func(ctx context.Context, node *Node) error

// VerifyFunc re-checks a done stage's outputs on resume. Returning false
// downgrades the stage to retryable.
type VerifyFunc func(node *Node) bool

// Resources are the process-global scheduling tokens: the bounded worker
// pool and the single GPU-exclusive token. One Resources value is shared by
// every task's scheduler.
type Resources struct {
	pool *semaphore.Weighted
	gpu  *semaphore.Weighted
	size int
}

// NewResources sizes the worker pool; the GPU token is always singular.
func NewResources(poolSize int) *Resources {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &Resources{
		pool: semaphore.NewWeighted(int64(poolSize)),
		gpu:  semaphore.NewWeighted(1),
		size: poolSize,
	}
}

// PoolSize returns the configured worker pool size.
func (r *Resources) PoolSize() int { return r.size }

const defaultMaxAttempts = 2

// Scheduler drives one task's stage graph to completion. Stage status and
// attempts are persisted through the state store on every transition, so a
// crash at any point leaves a resumable record behind.
type Scheduler struct {
	TaskID string
	Graph  *Graph
	Store  *state.Store
	Topic  *bus.Topic
	Res    *Resources
	Exec   ExecFunc
	Verify VerifyFunc // optional

	// MaxWorkerAttempts bounds retries of worker failures and timeouts.
	// Malformed-output errors never retry. Zero means the default of 2.
	MaxWorkerAttempts int
}

type stageResult struct {
	name     string
	attempts int
	err      error
}

// Run executes the graph until every stage is done, a stage fails
// permanently, or the context is cancelled. It returns nil only when all
// stages completed.
func (s *Scheduler) Run(ctx context.Context) error {
	maxAttempts := s.MaxWorkerAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := log.WithContext(log.ContextWithTaskID(ctx, s.TaskID), log.WithComponent("scheduler"))

	status, err := s.seed()
	if err != nil {
		return err
	}

	results := make(chan stageResult)
	inflight := make(map[string]bool)
	eligibleAt := make(map[string]int)
	seq := 0

	var permanentErr error
	stopLaunching := false

	for {
		if !stopLaunching && ctx.Err() == nil {
			for _, node := range s.eligible(status, inflight, eligibleAt, &seq) {
				inflight[node.Name] = true
				go s.runStage(ctx, node, results)
			}
		}
		if len(inflight) == 0 {
			break
		}

		res := <-results
		delete(inflight, res.name)

		if res.err == nil {
			status[res.name] = model.StageDone
			metrics.StageTotal.WithLabelValues(res.name, "ok").Inc()
			s.persist(res.name, model.StageDone, nil)
			s.publish(bus.Done(res.name))
			logger.Info().Str("stage", res.name).Msg("stage done")
			continue
		}

		stageErr := model.AsError(res.err, model.KindWorkerExitNonzero)
		switch stageErr.Kind {
		case model.KindCancelled:
			status[res.name] = model.StageCancelled
			metrics.StageTotal.WithLabelValues(res.name, "cancelled").Inc()
			s.persist(res.name, model.StageCancelled, stageErr)

		case model.KindWorkerTimeout:
			if res.attempts < maxAttempts {
				status[res.name] = model.StageRetryable
				delete(eligibleAt, res.name)
				metrics.StageTotal.WithLabelValues(res.name, "timeout").Inc()
				s.persist(res.name, model.StageTimeout, stageErr)
				logger.Warn().Str("stage", res.name).Int("attempts", res.attempts).
					Msg("stage timed out, will retry")
			} else {
				status[res.name] = model.StageFailed
				permanentErr = stageErr
				stopLaunching = true
				metrics.StageTotal.WithLabelValues(res.name, "failed").Inc()
				s.persist(res.name, model.StageFailed, stageErr)
				s.publish(bus.Error(res.name, stageErr.Error()))
				logger.Error().Str("stage", res.name).Err(stageErr).Msg("stage timed out repeatedly, giving up")
			}

		case model.KindWorkerOutput:
			// A worker that exits cleanly with garbage will do it again;
			// retrying wastes GPU time.
			status[res.name] = model.StageFailed
			permanentErr = stageErr
			stopLaunching = true
			metrics.StageTotal.WithLabelValues(res.name, "failed").Inc()
			s.persist(res.name, model.StageFailed, stageErr)
			s.publish(bus.Error(res.name, stageErr.Error()))
			logger.Error().Str("stage", res.name).Err(stageErr).Msg("stage produced malformed output")

		default:
			if res.attempts < maxAttempts {
				status[res.name] = model.StageRetryable
				delete(eligibleAt, res.name)
				metrics.StageTotal.WithLabelValues(res.name, "retry").Inc()
				s.persist(res.name, model.StageRetryable, stageErr)
				logger.Warn().Str("stage", res.name).Int("attempts", res.attempts).
					Err(stageErr).Msg("stage failed, will retry")
			} else {
				status[res.name] = model.StageFailed
				permanentErr = stageErr
				stopLaunching = true
				metrics.StageTotal.WithLabelValues(res.name, "failed").Inc()
				s.persist(res.name, model.StageFailed, stageErr)
				s.publish(bus.Error(res.name, stageErr.Error()))
				logger.Error().Str("stage", res.name).Err(stageErr).Msg("stage failed permanently")
			}
		}
	}

	switch {
	case ctx.Err() != nil:
		return model.WrapE(model.KindCancelled, ctx.Err(), "task %s cancelled", s.TaskID)
	case permanentErr != nil:
		return permanentErr
	}

	for _, name := range s.Graph.Names() {
		if status[name] != model.StageDone {
			// Unreachable stages behind a failure path; callers see the
			// permanent error above, this covers seeding inconsistencies.
			return model.E(model.KindStateWriteFailed, "stage %s never completed", name)
		}
	}
	return nil
}

// seed builds the in-memory status map from the persisted record: crashed
// in-flight stages downgrade to retryable, and done stages must still pass
// the output verification to keep their status.
func (s *Scheduler) seed() (map[string]model.StageStatus, error) {
	logger := log.WithComponent("scheduler").With().Str("task_id", s.TaskID).Logger()

	rec, err := s.Store.Update(s.TaskID, func(r *state.Record) error {
		for _, name := range r.NormalizeAfterCrash() {
			logger.Warn().Str("stage", name).Msg("stage was in flight at crash, downgraded to retryable")
		}
		for _, name := range s.Graph.Names() {
			st := r.Stage(name)
			if st.Status == model.StageDone && s.Verify != nil && !s.Verify(s.Graph.Node(name)) {
				logger.Warn().Str("stage", name).Msg("done stage is missing outputs, downgraded to retryable")
				st.Status = model.StageRetryable
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	status := make(map[string]model.StageStatus, s.Graph.Len())
	for _, name := range s.Graph.Names() {
		status[name] = rec.Stages[name].Status
	}
	return status, nil
}

// eligible returns runnable stages whose predecessors are all done, in FIFO
// eligibility order with a closest-to-completion tie-break.
func (s *Scheduler) eligible(status map[string]model.StageStatus, inflight map[string]bool, eligibleAt map[string]int, seq *int) []*Node {
	// Stages becoming eligible in the same scan share one stamp; the
	// Remaining comparison breaks those ties.
	*seq++
	stamp := *seq

	var out []*Node
	for _, name := range s.Graph.Names() {
		if inflight[name] || !status[name].Runnable() {
			continue
		}
		node := s.Graph.Node(name)
		ready := true
		for _, pred := range node.Preds {
			if status[pred] != model.StageDone {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if _, ok := eligibleAt[name]; !ok {
			eligibleAt[name] = stamp
		}
		out = append(out, node)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := eligibleAt[out[i].Name], eligibleAt[out[j].Name]
		if ei != ej {
			return ei < ej
		}
		if out[i].Remaining != out[j].Remaining {
			return out[i].Remaining < out[j].Remaining
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// runStage holds a pool slot (and the GPU token for exclusive stages) for
// the stage's whole duration, marks it running in the record, and executes.
func (s *Scheduler) runStage(ctx context.Context, node *Node, results chan<- stageResult) {
	res := stageResult{name: node.Name}

	if err := s.Res.pool.Acquire(ctx, 1); err != nil {
		res.err = model.WrapE(model.KindCancelled, err, "stage %s cancelled before start", node.Name)
		results <- res
		return
	}
	defer s.Res.pool.Release(1)

	if node.GPU {
		waitStart := time.Now()
		if err := s.Res.gpu.Acquire(ctx, 1); err != nil {
			res.err = model.WrapE(model.KindCancelled, err, "stage %s cancelled waiting for GPU", node.Name)
			results <- res
			return
		}
		metrics.GPUTokenWaitSeconds.Observe(time.Since(waitStart).Seconds())
		defer s.Res.gpu.Release(1)
	}

	metrics.StagesRunning.Inc()
	defer metrics.StagesRunning.Dec()

	rec, err := s.Store.Update(s.TaskID, func(r *state.Record) error {
		r.MarkRunning(node.Name)
		return nil
	})
	if err != nil {
		res.err = err
		results <- res
		return
	}
	res.attempts = rec.Stages[node.Name].Attempts

	stageCtx := log.ContextWithStage(log.ContextWithTaskID(ctx, s.TaskID), node.Name)
	if node.Lang != "" {
		stageCtx = log.ContextWithLang(stageCtx, node.Lang)
	}
	res.err = s.Exec(stageCtx, node)
	results <- res
}

// persist records a stage transition; state-write failures are logged, not
// fatal, because the in-memory scheduler state stays authoritative for the
// rest of the run.
func (s *Scheduler) persist(name string, st model.StageStatus, stageErr *model.Error) {
	_, err := s.Store.Update(s.TaskID, func(r *state.Record) error {
		if st == model.StageDone {
			r.MarkDone(name)
		} else {
			r.MarkEnded(name, st, stageErr)
		}
		return nil
	})
	if err != nil {
		logger := log.WithComponent("scheduler")
		logger.Error().Err(err).
			Str("task_id", s.TaskID).Str("stage", name).Msg("could not persist stage transition")
	}
}

func (s *Scheduler) publish(msg bus.Message) {
	if s.Topic != nil {
		s.Topic.Publish(msg)
	}
}
