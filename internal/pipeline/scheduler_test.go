// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/vodub/internal/layout"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/ManuGH/vodub/internal/state"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newScheduler(t *testing.T, targets []string, exec ExecFunc) (*Scheduler, *state.Store) {
	t.Helper()
	l := layout.New(t.TempDir())
	store := state.NewStore(l)
	require.NoError(t, l.EnsureStructure("task-1"))
	require.NoError(t, store.Write(state.NewRecord("task-1", targets)))

	return &Scheduler{
		TaskID: "task-1",
		Graph:  Build(targets),
		Store:  store,
		Res:    NewResources(4),
		Exec:   exec,
	}, store
}

func TestRunHappyPathSingleTarget(t *testing.T) {
	var mu sync.Mutex
	executed := map[string]int{}

	s, store := newScheduler(t, []string{"en"}, func(ctx context.Context, node *Node) error {
		mu.Lock()
		executed[node.Name]++
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Run(context.Background()))

	rec, err := store.Load("task-1")
	require.NoError(t, err)
	for _, name := range s.Graph.Names() {
		require.Equal(t, model.StageDone, rec.Stages[name].Status, name)
		require.Equal(t, 1, rec.Stages[name].Attempts, name)
		require.Equal(t, 1, executed[name], name)
	}
	require.False(t, rec.Resumable())
}

func TestGPUExclusiveAndPoolInvariants(t *testing.T) {
	var gpuRunning, running atomic.Int32
	var maxGPU, maxRunning atomic.Int32

	track := func(counter, maxSeen *atomic.Int32) func() {
		n := counter.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		return func() { counter.Add(-1) }
	}

	s, _ := newScheduler(t, []string{"en", "ja", "ko"}, func(ctx context.Context, node *Node) error {
		defer track(&running, &maxRunning)()
		if node.GPU {
			defer track(&gpuRunning, &maxGPU)()
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	s.Res = NewResources(3)

	require.NoError(t, s.Run(context.Background()))
	require.LessOrEqual(t, maxGPU.Load(), int32(1), "GPU-exclusive stages overlapped")
	require.LessOrEqual(t, maxRunning.Load(), int32(3), "worker pool overcommitted")
}

func TestRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	s, store := newScheduler(t, []string{"en"}, func(ctx context.Context, node *Node) error {
		if node.Name == StageASR && calls.Add(1) == 1 {
			return model.E(model.KindWorkerExitNonzero, "asr worker exited with code 1")
		}
		return nil
	})

	require.NoError(t, s.Run(context.Background()))

	rec, err := store.Load("task-1")
	require.NoError(t, err)
	require.Equal(t, model.StageDone, rec.Stages[StageASR].Status)
	require.Equal(t, 2, rec.Stages[StageASR].Attempts)
}

func TestPermanentFailureStopsDownstream(t *testing.T) {
	var mu sync.Mutex
	executed := map[string]bool{}

	s, store := newScheduler(t, []string{"en"}, func(ctx context.Context, node *Node) error {
		mu.Lock()
		executed[node.Name] = true
		mu.Unlock()
		if node.Name == StageDiarize {
			return model.E(model.KindWorkerExitNonzero, "exit 1")
		}
		return nil
	})

	err := s.Run(context.Background())
	require.Equal(t, model.KindWorkerExitNonzero, model.KindOf(err))

	rec, lerr := store.Load("task-1")
	require.NoError(t, lerr)
	require.Equal(t, model.StageFailed, rec.Stages[StageDiarize].Status)
	require.Equal(t, 2, rec.Stages[StageDiarize].Attempts)
	require.Equal(t, model.KindWorkerExitNonzero, rec.Stages[StageDiarize].LastError.Kind)
	require.False(t, executed[StageBuildRefs], "downstream stage ran after permanent failure")
	require.False(t, executed["translate.en"])
}

func TestMalformedOutputNeverRetries(t *testing.T) {
	var calls atomic.Int32
	s, store := newScheduler(t, []string{"en"}, func(ctx context.Context, node *Node) error {
		if node.Name == StageExtract {
			calls.Add(1)
			return model.E(model.KindWorkerOutput, "no JSON result")
		}
		return nil
	})

	err := s.Run(context.Background())
	require.Equal(t, model.KindWorkerOutput, model.KindOf(err))
	require.Equal(t, int32(1), calls.Load())

	rec, lerr := store.Load("task-1")
	require.NoError(t, lerr)
	require.Equal(t, model.StageFailed, rec.Stages[StageExtract].Status)
}

func TestRepeatedTimeoutFailsPermanently(t *testing.T) {
	var calls atomic.Int32
	s, store := newScheduler(t, []string{"en"}, func(ctx context.Context, node *Node) error {
		if node.Name == StageASR {
			calls.Add(1)
			return model.E(model.KindWorkerTimeout, "worker silent too long")
		}
		return nil
	})

	err := s.Run(context.Background())
	require.Equal(t, model.KindWorkerTimeout, model.KindOf(err))
	require.Equal(t, int32(2), calls.Load(), "timeouts count as attempts")

	rec, lerr := store.Load("task-1")
	require.NoError(t, lerr)
	require.Equal(t, model.StageFailed, rec.Stages[StageASR].Status)
}

func TestCancellationMarksStagesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once

	s, store := newScheduler(t, []string{"en"}, func(ctx context.Context, node *Node) error {
		if node.Name == StageASR {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return model.WrapE(model.KindCancelled, ctx.Err(), "asr worker cancelled")
		}
		return nil
	})

	go func() {
		<-started
		cancel()
	}()

	err := s.Run(ctx)
	require.Equal(t, model.KindCancelled, model.KindOf(err))

	rec, lerr := store.Load("task-1")
	require.NoError(t, lerr)
	require.Equal(t, model.StageCancelled, rec.Stages[StageASR].Status)
	require.Equal(t, model.StagePending, rec.Stages["translate.en"].Status)
	require.True(t, rec.Resumable())
}

func TestResumeSkipsDoneStages(t *testing.T) {
	var mu sync.Mutex
	executed := map[string]bool{}

	s, store := newScheduler(t, []string{"en"}, func(ctx context.Context, node *Node) error {
		mu.Lock()
		executed[node.Name] = true
		mu.Unlock()
		return nil
	})

	// A prior process finished the shared chain and crashed inside
	// clone_voice.en.
	_, err := store.Update("task-1", func(r *state.Record) error {
		for _, name := range []string{StageUpload, StageExtract, StageASR, StageDiarize, StageBuildRefs, "translate.en", "validate_length.en"} {
			r.MarkRunning(name)
			r.MarkDone(name)
		}
		r.MarkRunning("clone_voice.en")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	require.False(t, executed[StageASR], "done stage re-ran on resume")
	require.False(t, executed["translate.en"])
	require.True(t, executed["clone_voice.en"])
	require.True(t, executed["mux_video.en"])

	rec, err := store.Load("task-1")
	require.NoError(t, err)
	require.Equal(t, model.StageDone, rec.Stages["clone_voice.en"].Status)
	require.Equal(t, 2, rec.Stages["clone_voice.en"].Attempts, "crashed attempt still counts")
}

func TestResumeDowngradesDoneStageWithMissingOutputs(t *testing.T) {
	var mu sync.Mutex
	executed := map[string]bool{}

	s, store := newScheduler(t, []string{"en"}, func(ctx context.Context, node *Node) error {
		mu.Lock()
		executed[node.Name] = true
		mu.Unlock()
		return nil
	})
	s.Verify = func(node *Node) bool { return node.Name != StageExtract }

	_, err := store.Update("task-1", func(r *state.Record) error {
		r.MarkRunning(StageUpload)
		r.MarkDone(StageUpload)
		r.MarkRunning(StageExtract)
		r.MarkDone(StageExtract)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	require.False(t, executed[StageUpload])
	require.True(t, executed[StageExtract], "stage with missing outputs must re-run")
}

func TestEligibleOrderFIFOWithCompletionTieBreak(t *testing.T) {
	s, _ := newScheduler(t, []string{"en", "ja"}, nil)

	status := map[string]model.StageStatus{}
	for _, name := range s.Graph.Names() {
		status[name] = model.StageDone
	}
	status["stitch_audio.en"] = model.StagePending
	status["stitch_audio.ja"] = model.StagePending
	status["mux_video.en"] = model.StagePending

	// mux_video.en is blocked by its pending stitch; only stitches eligible.
	eligibleAt := map[string]int{}
	seq := 0
	nodes := s.eligible(status, map[string]bool{}, eligibleAt, &seq)
	require.Len(t, nodes, 2)

	// Same eligibility pass: equal seq would tie-break on Remaining, but
	// stitches share Remaining, so name order decides deterministically.
	require.Equal(t, "stitch_audio.en", nodes[0].Name)
	require.Equal(t, "stitch_audio.ja", nodes[1].Name)

	// Later pass: en's mux becomes eligible after its stitch is done, ja's
	// stitch keeps its earlier (FIFO) slot.
	status["stitch_audio.en"] = model.StageDone
	nodes = s.eligible(status, map[string]bool{}, eligibleAt, &seq)
	require.Equal(t, "stitch_audio.ja", nodes[0].Name, "FIFO eligibility wins over tie-break")
	require.Equal(t, "mux_video.en", nodes[1].Name)
}

func TestEligibleSameScanPrefersClosestToCompletion(t *testing.T) {
	s, _ := newScheduler(t, []string{"en", "ja"}, nil)

	status := map[string]model.StageStatus{}
	for _, name := range s.Graph.Names() {
		status[name] = model.StageDone
	}
	// ja is one stage from its export, en still has its whole language
	// chain ahead; both become eligible in the same scan.
	status["translate.en"] = model.StagePending
	status["mux_video.ja"] = model.StagePending

	eligibleAt := map[string]int{}
	seq := 0
	nodes := s.eligible(status, map[string]bool{}, eligibleAt, &seq)
	require.Len(t, nodes, 2)
	require.Equal(t, "mux_video.ja", nodes[0].Name, "the chain closest to an export runs first")
	require.Equal(t, "translate.en", nodes[1].Name)
}
