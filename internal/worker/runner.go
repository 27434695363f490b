// SPDX-License-Identifier: MIT

// Package worker spawns external tool processes and multiplexes their
// output. It is a transport: worker semantics (what the JSON result means)
// belong to the calling stage.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/ManuGH/vodub/internal/procgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	startTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodub",
		Name:      "worker_start_total",
		Help:      "Total number of worker process starts",
	}, []string{"kind", "result"})

	exitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodub",
		Name:      "worker_exit_total",
		Help:      "Total number of worker process exits",
	}, []string{"kind", "reason"})
)

const (
	defaultSilence = 10 * time.Minute
	defaultGrace   = 2 * time.Second
	tailLines      = 20
)

// ProgressFunc receives (done, total) pairs scraped from worker output.
type ProgressFunc func(done, total int)

// Spec describes one worker invocation. The worker receives exactly one
// argument: the path of its JSON config file.
type Spec struct {
	Kind       string   // worker kind label for logs and metrics
	Bin        string   // executable path
	ConfigPath string   // JSON config file, written via WriteConfig
	Env        []string // optional KEY=VALUE overlay on the inherited env
	Tag        string   // progress tag the worker prefixes its lines with

	SilenceTimeout time.Duration // max gap between output lines (0 = 10 min)
	HardTimeout    time.Duration // overall wall-clock limit (0 = none)
	KillGrace      time.Duration // SIGTERM -> SIGKILL (0 = 2 s)
}

// Result is the outcome of a completed worker run.
type Result struct {
	JSON []byte // last well-formed JSON object from stdout
	Exit model.ExitStatus
	Tail []string
}

// progressRe matches "[tag] progress: 3/10" and the localized equivalents
// some workers emit ("进度", fullwidth colon).
func progressRe(tag string) *regexp.Regexp {
	return regexp.MustCompile(
		`\[` + regexp.QuoteMeta(tag) + `\]\s*(?:progress|进度)\s*[:：]\s*(\d+)\s*/\s*(\d+)`)
}

// Run executes the worker to completion. It returns a structured error for
// every non-success path: spawn failure, non-zero exit (with stderr tail),
// silence/hard timeout, or cancellation.
func Run(ctx context.Context, spec Spec, onProgress ProgressFunc) (*Result, error) {
	logger := log.WithContext(ctx, log.WithComponent("worker")).With().
		Str("kind", spec.Kind).Logger()

	if spec.SilenceTimeout <= 0 {
		spec.SilenceTimeout = defaultSilence
	}
	if spec.KillGrace <= 0 {
		spec.KillGrace = defaultGrace
	}

	runCtx := ctx
	var cancelHard context.CancelFunc
	if spec.HardTimeout > 0 {
		runCtx, cancelHard = context.WithTimeout(ctx, spec.HardTimeout)
		defer cancelHard()
	}

	cmd := exec.Command(spec.Bin, spec.ConfigPath) // #nosec G204 -- binary path is operator config
	cmd.Env = append(os.Environ(), spec.Env...)
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, model.WrapE(model.KindWorkerSpawnFailed, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, model.WrapE(model.KindWorkerSpawnFailed, err, "stderr pipe")
	}

	ring := NewLineRing(256)
	re := progressRe(spec.Tag)

	var lastLine atomic.Int64
	lastLine.Store(time.Now().UnixNano())
	touch := func() { lastLine.Store(time.Now().UnixNano()) }

	scanProgress := func(line string) {
		m := re.FindStringSubmatch(line)
		if m == nil || onProgress == nil {
			return
		}
		done, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 {
			onProgress(done, total)
		}
	}

	var ioWg sync.WaitGroup
	var resultJSON atomic.Pointer[[]byte]

	// stdout: result channel. The last well-formed JSON object wins, which
	// also covers workers that merge progress chatter into stdout.
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.ToValidUTF8(scanner.Text(), "�")
			touch()
			scanProgress(line)
			if obj := extractJSONObject(line); obj != nil {
				resultJSON.Store(&obj)
			} else {
				ring.Append(line)
			}
		}
	}()

	// stderr: progress and logs.
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.ToValidUTF8(scanner.Text(), "�")
			touch()
			scanProgress(line)
			ring.Append(line)
		}
	}()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		startTotal.WithLabelValues(spec.Kind, "error").Inc()
		return nil, model.WrapE(model.KindWorkerSpawnFailed, err, "start %s worker", spec.Kind).WithPath(spec.Bin)
	}
	startTotal.WithLabelValues(spec.Kind, "ok").Inc()
	logger.Info().Str("bin", spec.Bin).Str("config", spec.ConfigPath).Msg("worker started")

	// Watchdog: cancellation and silence timeout both end in the same
	// SIGTERM -> SIGKILL sequence; only the recorded reason differs.
	watchDone := make(chan struct{})
	var timedOut atomic.Bool
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-runCtx.Done():
				terminate(cmd, spec.KillGrace, logger)
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastLine.Load()))
				if idle > spec.SilenceTimeout {
					timedOut.Store(true)
					logger.Warn().Dur("idle", idle).Msg("worker silent too long, cancelling")
					terminate(cmd, spec.KillGrace, logger)
					return
				}
			}
		}
	}()

	// Drain both pipes to EOF before reaping the process: Wait closes the
	// pipe read ends, and anything still buffered there (the final stdout
	// JSON, the stderr tail) would be lost. The watchdog guarantees EOF by
	// killing the process group on timeout or cancellation.
	ioWg.Wait()
	waitErr := cmd.Wait()
	close(watchDone)

	exit := model.ExitStatus{
		Code:      exitCode(waitErr),
		StartedAt: start,
		EndedAt:   time.Now(),
	}
	tail := ring.LastN(tailLines)

	switch {
	case timedOut.Load() || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		exit.Reason = "timeout"
		exitTotal.WithLabelValues(spec.Kind, exit.Reason).Inc()
		return nil, model.E(model.KindWorkerTimeout, "%s worker timed out after %s",
			spec.Kind, exit.EndedAt.Sub(start).Round(time.Second)).WithTail(tail)

	case ctx.Err() != nil:
		exit.Reason = "cancelled"
		exitTotal.WithLabelValues(spec.Kind, exit.Reason).Inc()
		return nil, model.WrapE(model.KindCancelled, ctx.Err(), "%s worker cancelled", spec.Kind)

	case waitErr != nil:
		exit.Reason = "error"
		exitTotal.WithLabelValues(spec.Kind, exit.Reason).Inc()
		logger.Error().Int("exit_code", exit.Code).Strs("stderr", tail).Msg("worker failed")
		return nil, model.WrapE(model.KindWorkerExitNonzero, waitErr,
			"%s worker exited with code %d", spec.Kind, exit.Code).WithTail(tail)
	}

	exit.Reason = "clean"
	exitTotal.WithLabelValues(spec.Kind, exit.Reason).Inc()

	jsonPtr := resultJSON.Load()
	if jsonPtr == nil {
		return nil, model.E(model.KindWorkerOutput,
			"%s worker exited cleanly but produced no JSON result", spec.Kind).WithTail(tail)
	}

	// Success owns temp-config cleanup; failures keep the file for diagnosis.
	if err := os.Remove(spec.ConfigPath); err != nil && !os.IsNotExist(err) {
		logger.Debug().Err(err).Str("config", spec.ConfigPath).Msg("could not remove worker config")
	}

	logger.Info().Dur("took", exit.EndedAt.Sub(start)).Msg("worker finished")
	return &Result{JSON: *jsonPtr, Exit: exit, Tail: tail}, nil
}

// terminate runs the SIGTERM -> grace -> SIGKILL sequence on the whole
// process group.
func terminate(cmd *exec.Cmd, grace time.Duration, logger zerolog.Logger) {
	logger.Debug().Msg("sending SIGTERM to worker process group")
	_ = procgroup.Kill(cmd, syscall.SIGTERM)
	time.Sleep(grace)
	_ = procgroup.Kill(cmd, syscall.SIGKILL)
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// extractJSONObject returns the line's trailing JSON object, or nil.
func extractJSONObject(line string) []byte {
	trimmed := strings.TrimSpace(line)
	idx := strings.Index(trimmed, "{")
	if idx < 0 || !strings.HasSuffix(trimmed, "}") {
		return nil
	}
	candidate := []byte(trimmed[idx:])
	if !json.Valid(candidate) {
		return nil
	}
	return candidate
}
