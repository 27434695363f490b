// SPDX-License-Identifier: MIT

// vodubd is the local dubbing orchestrator. It creates or resumes one
// dubbing task per invocation and streams progress to the log; a
// diagnostics listener exposes liveness and prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ManuGH/vodub/internal/bus"
	"github.com/ManuGH/vodub/internal/config"
	"github.com/ManuGH/vodub/internal/health"
	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/ManuGH/vodub/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		videoPath    = flag.String("video", "", "source video file")
		subtitlePath = flag.String("subtitle", "", "source-language subtitle (SRT)")
		langs        = flag.String("langs", "", "comma-separated target language codes, e.g. en,ja")
		resumeID     = flag.String("resume", "", "task id to resume instead of creating a new one")
		list         = flag.Bool("list", false, "list known tasks and exit")
	)
	flag.Parse()

	log.Configure(log.Config{Service: "vodubd"})
	logger := log.WithComponent("main")

	cfg := config.FromEnv()
	sup, err := supervisor.New(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("could not initialize supervisor")
		return 1
	}

	infos, err := sup.Scan()
	if err != nil {
		logger.Error().Err(err).Msg("task scan failed")
		return 1
	}
	for _, info := range infos {
		if info.Status == model.TaskResumable {
			logger.Info().Str("task_id", info.ID).Msg("resumable task found, pass -resume to continue it")
		}
	}

	if *list {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(infos)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           health.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsListen).Msg("diagnostics listener up")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn().Err(err).Msg("diagnostics listener stopped")
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	taskID := *resumeID
	if taskID == "" {
		if *videoPath == "" || *subtitlePath == "" || *langs == "" {
			flag.Usage()
			return 2
		}
		spec := model.JobSpec{VideoPath: *videoPath, SubtitlePath: *subtitlePath}
		for _, code := range strings.Split(*langs, ",") {
			if code = strings.TrimSpace(code); code != "" {
				spec.Targets = append(spec.Targets, model.LanguageTarget{Code: code})
			}
		}
		taskID, err = sup.Create(ctx, spec)
		if err != nil {
			logger.Error().Err(err).Msg("task creation failed")
			return 1
		}
		logger.Info().Str("task_id", taskID).Msg("task created")
	}

	sub := sup.Topic(taskID).Subscribe()
	defer sub.Close()
	go streamProgress(sub)

	if err := sup.Start(ctx, taskID); err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("task start failed")
		return 1
	}

	if err := sup.Wait(ctx, taskID); err != nil {
		// Interrupted: cancel the pipeline and wait for workers to die.
		logger.Warn().Str("task_id", taskID).Msg("interrupt received, cancelling task")
		cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sup.Cancel(cancelCtx, taskID); err != nil {
			logger.Error().Err(err).Msg("task did not stop cleanly")
			return 1
		}
	}

	status, err := sup.Status(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("could not read final task status")
		return 1
	}
	logger.Info().Str("task_id", taskID).Str("status", string(status)).Msg("orchestrator exiting")
	if status != model.TaskDone {
		return 1
	}
	return 0
}

// streamProgress mirrors bus messages into the log until the subscriber is
// closed.
func streamProgress(sub *bus.Subscriber) {
	logger := log.WithComponent("progress")
	for msg := range sub.C() {
		switch msg.Type {
		case "progress":
			logger.Info().Str("stage", msg.Stage).Str("lang", msg.Language).
				Int("progress", msg.Progress).Msg(msg.Message)
		case "error":
			logger.Error().Str("stage", msg.Stage).Msg(msg.Error)
		default:
			logger.Info().Str("stage", msg.Stage).Msg("stage complete")
		}
	}
}
