// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/vodub/internal/bus"
	"github.com/ManuGH/vodub/internal/config"
	"github.com/ManuGH/vodub/internal/layout"
	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/ManuGH/vodub/internal/subtitle"
	"github.com/ManuGH/vodub/internal/worker"
)

// Runner implements stage execution on top of worker subprocesses. One
// Runner serves one task; the model choice is pinned at construction and
// never re-probed mid-job.
type Runner struct {
	Cfg    config.Config
	Layout layout.Layout
	Topic  *bus.Topic
	TaskID string
	Model  model.ModelChoice

	// SourceLang is the subtitle's language, used to pick the length unit
	// of the source side. Defaults to "zh".
	SourceLang string
}

func (r *Runner) sourceLang() string {
	if r.SourceLang == "" {
		return "zh"
	}
	return r.SourceLang
}

// Execute runs one stage to completion.
func (r *Runner) Execute(ctx context.Context, node *Node) error {
	kind, lang := SplitStage(node.Name)
	switch kind {
	case StageUpload:
		return r.upload(ctx)
	case StageExtract:
		return r.extractAudio(ctx)
	case StageASR:
		return r.alignTranscript(ctx)
	case StageDiarize:
		return r.diarize(ctx)
	case StageBuildRefs:
		return r.buildReferences(ctx)
	case prefixTranslate:
		return r.translate(ctx, lang)
	case prefixValidate:
		return r.validateTranslation(ctx, lang)
	case prefixClone:
		return r.cloneVoice(ctx, lang)
	case prefixStitch:
		return r.stitchAudio(ctx, lang)
	case prefixMux:
		return r.muxVideo(ctx, lang)
	}
	return model.E(model.KindStateWriteFailed, "unknown stage %q", node.Name)
}

// progress forwards worker (done, total) pairs to the task topic as
// percentages.
func (r *Runner) progress(lang, stage string) worker.ProgressFunc {
	return func(done, total int) {
		if r.Topic == nil || total <= 0 {
			return
		}
		r.Topic.Publish(bus.Progress(lang, stage, done*100/total, ""))
	}
}

// invoke writes the worker config and runs the worker with the stage name
// as its progress tag.
func (r *Runner) invoke(ctx context.Context, kind, bin string, cfg any, lang, stage string, silence time.Duration) (*worker.Result, error) {
	path, err := worker.WriteConfig(cfg)
	if err != nil {
		return nil, err
	}
	return worker.Run(ctx, worker.Spec{
		Kind:           kind,
		Bin:            bin,
		ConfigPath:     path,
		Tag:            stage,
		SilenceTimeout: silence,
		KillGrace:      r.Cfg.KillGrace,
	}, r.progress(lang, stage))
}

func binOr(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

// upload validates the task inputs laid down at creation: exactly one video
// with an allowed extension and a parseable, non-empty source subtitle.
func (r *Runner) upload(ctx context.Context) error {
	if _, err := r.Layout.FindInputVideo(r.TaskID); err != nil {
		return err
	}
	cues, err := subtitle.ParseFile(r.Layout.SourceSubtitlePath(r.TaskID))
	if err != nil {
		return err
	}
	if len(cues) == 0 {
		return model.E(model.KindInvalidSubtitle, "source subtitle has no usable cues").
			WithPath(r.Layout.SourceSubtitlePath(r.TaskID))
	}
	logger := log.FromContext(ctx)
	logger.Info().Int("cues", len(cues)).Msg("task inputs validated")
	return nil
}

type extractConfig struct {
	worker.Envelope
	VideoPath string `json:"video_path"`
	AudioPath string `json:"audio_path"`
}

func (r *Runner) extractAudio(ctx context.Context) error {
	video, err := r.Layout.FindInputVideo(r.TaskID)
	if err != nil {
		return err
	}
	audioOut := r.Layout.AudioPath(r.TaskID)
	_, err = r.invoke(ctx, "extract", binOr(r.Cfg.Bins.Extract, "vodub-worker-extract"), extractConfig{
		Envelope:  worker.Envelope{OutputDir: r.Layout.ProcessedDir(r.TaskID), ProgressTag: StageExtract},
		VideoPath: video,
		AudioPath: audioOut,
	}, "", StageExtract, r.Cfg.SilenceTimeout)
	if err != nil {
		return err
	}
	if !fileNonEmpty(audioOut) {
		return model.E(model.KindWorkerOutput, "extract worker reported success but wrote no audio").WithPath(audioOut)
	}
	return nil
}

type asrConfig struct {
	worker.Envelope
	AudioPath      string `json:"audio_path"`
	SubtitlePath   string `json:"subtitle_path"`
	TranscriptPath string `json:"transcript_path"`
}

// alignTranscript runs the ASR worker, which aligns the provided subtitle
// against the extracted audio and emits per-cue word timing.
func (r *Runner) alignTranscript(ctx context.Context) error {
	out := r.Layout.TranscriptPath(r.TaskID)
	_, err := r.invoke(ctx, "asr", binOr(r.Cfg.Bins.ASR, "vodub-worker-asr"), asrConfig{
		Envelope:       worker.Envelope{OutputDir: r.Layout.ProcessedDir(r.TaskID), ProgressTag: StageASR},
		AudioPath:      r.Layout.AudioPath(r.TaskID),
		SubtitlePath:   r.Layout.SourceSubtitlePath(r.TaskID),
		TranscriptPath: out,
	}, "", StageASR, r.Cfg.SilenceTimeout)
	if err != nil {
		return err
	}
	if !fileNonEmpty(out) {
		return model.E(model.KindWorkerOutput, "asr worker reported success but wrote no transcript").WithPath(out)
	}
	return nil
}

type diarizeConfig struct {
	worker.Envelope
	AudioPath      string `json:"audio_path"`
	TranscriptPath string `json:"transcript_path"`
	SpeakersPath   string `json:"speakers_path"`
}

// speakerAssignment is the diarize worker's output file: the speaker
// cluster id of each cue, by cue index.
type speakerAssignment struct {
	Cues []int `json:"cues"`
}

func (r *Runner) diarize(ctx context.Context) error {
	out := r.Layout.SpeakersPath(r.TaskID)
	_, err := r.invoke(ctx, "diarize", binOr(r.Cfg.Bins.Diarize, "vodub-worker-diarize"), diarizeConfig{
		Envelope:       worker.Envelope{OutputDir: r.Layout.ProcessedDir(r.TaskID), ProgressTag: StageDiarize},
		AudioPath:      r.Layout.AudioPath(r.TaskID),
		TranscriptPath: r.Layout.TranscriptPath(r.TaskID),
		SpeakersPath:   out,
	}, "", StageDiarize, r.Cfg.SilenceTimeout)
	if err != nil {
		return err
	}
	if _, err := r.loadSpeakers(); err != nil {
		return err
	}
	return nil
}

func (r *Runner) loadSpeakers() (speakerAssignment, error) {
	path := r.Layout.SpeakersPath(r.TaskID)
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the task layout
	if err != nil {
		return speakerAssignment{}, model.WrapE(model.KindWorkerOutput, err, "read speaker map").WithPath(path)
	}
	var sa speakerAssignment
	if err := json.Unmarshal(data, &sa); err != nil {
		return speakerAssignment{}, model.WrapE(model.KindWorkerOutput, err, "decode speaker map").WithPath(path)
	}
	if len(sa.Cues) == 0 {
		return speakerAssignment{}, model.E(model.KindWorkerOutput, "speaker map assigns no cues").WithPath(path)
	}
	return sa, nil
}

// refClipSeconds caps the audio gathered per speaker for voice cloning.
const refClipSeconds = 30.0

type refsConfig struct {
	worker.Envelope
	AudioPath string       `json:"audio_path"`
	Speakers  []refSpeaker `json:"speakers"`
}

type refSpeaker struct {
	Speaker  int          `json:"speaker"`
	Ranges   [][2]float64 `json:"ranges"`
	AudioOut string       `json:"audio_out"`
}

// buildReferences cuts per-speaker reference clips out of the source audio
// (via the stitch worker running in extract mode) and writes the reference
// manifest consumed by voice cloning.
func (r *Runner) buildReferences(ctx context.Context) error {
	cues, err := subtitle.ParseFile(r.Layout.SourceSubtitlePath(r.TaskID))
	if err != nil {
		return err
	}
	speakers, err := r.loadSpeakers()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.Layout.RefsDir(r.TaskID), 0o750); err != nil {
		return model.WrapE(model.KindStateWriteFailed, err, "create refs directory").WithPath(r.Layout.RefsDir(r.TaskID))
	}

	// Gather up to refClipSeconds of cue audio and the matching text per
	// speaker cluster.
	ranges := map[int][][2]float64{}
	texts := map[int]string{}
	budget := map[int]float64{}
	for i, cue := range cues {
		if i >= len(speakers.Cues) || cue.Text == "" {
			continue
		}
		sp := speakers.Cues[i]
		if budget[sp] >= refClipSeconds {
			continue
		}
		ranges[sp] = append(ranges[sp], [2]float64{cue.Start, cue.End})
		if texts[sp] != "" {
			texts[sp] += " "
		}
		texts[sp] += cue.Text
		budget[sp] += cue.End - cue.Start
	}
	if len(ranges) == 0 {
		return model.E(model.KindWorkerOutput, "no speaker has any voiced cue to build references from")
	}

	cfg := refsConfig{
		Envelope:  worker.Envelope{OutputDir: r.Layout.RefsDir(r.TaskID), ProgressTag: StageBuildRefs},
		AudioPath: r.Layout.AudioPath(r.TaskID),
	}
	var refs []model.SpeakerRef
	for sp, rg := range ranges {
		out := r.Layout.RefAudioPath(r.TaskID, sp)
		cfg.Speakers = append(cfg.Speakers, refSpeaker{Speaker: sp, Ranges: rg, AudioOut: out})
		refs = append(refs, model.SpeakerRef{Speaker: sp, AudioRef: out, TextRef: texts[sp]})
	}

	if _, err := r.invoke(ctx, "stitch", binOr(r.Cfg.Bins.Stitch, "vodub-worker-stitch"), cfg,
		"", StageBuildRefs, r.Cfg.SilenceTimeout); err != nil {
		return err
	}
	for _, ref := range refs {
		if !fileNonEmpty(ref.AudioRef) {
			return model.E(model.KindWorkerOutput, "reference clip for speaker %d missing", ref.Speaker).WithPath(ref.AudioRef)
		}
	}

	manifest, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return model.WrapE(model.KindStateWriteFailed, err, "encode reference manifest")
	}
	path := r.Layout.RefsManifestPath(r.TaskID)
	if err := os.WriteFile(path, manifest, 0o640); err != nil {
		return model.WrapE(model.KindStateWriteFailed, err, "write reference manifest").WithPath(path)
	}
	return nil
}

// VerifyOutputs re-checks a done stage's artifacts on resume. A stage whose
// outputs vanished must run again even though the record says done.
func (r *Runner) VerifyOutputs(node *Node) bool {
	kind, lang := SplitStage(node.Name)
	switch kind {
	case StageUpload:
		_, err := r.Layout.FindInputVideo(r.TaskID)
		return err == nil && fileNonEmpty(r.Layout.SourceSubtitlePath(r.TaskID))
	case StageExtract:
		return fileNonEmpty(r.Layout.AudioPath(r.TaskID))
	case StageASR:
		return fileNonEmpty(r.Layout.TranscriptPath(r.TaskID))
	case StageDiarize:
		return fileNonEmpty(r.Layout.SpeakersPath(r.TaskID))
	case StageBuildRefs:
		return fileNonEmpty(r.Layout.RefsManifestPath(r.TaskID))
	case prefixTranslate:
		return fileNonEmpty(r.translationPath(lang))
	case prefixValidate:
		return fileNonEmpty(r.Layout.TranslatedSubtitlePath(r.TaskID, lang))
	case prefixClone:
		return r.verifySegments(lang)
	case prefixStitch:
		return fileNonEmpty(r.Layout.StitchedAudioPath(r.TaskID, lang))
	case prefixMux:
		video, err := r.Layout.FindInputVideo(r.TaskID)
		if err != nil {
			return false
		}
		return fileNonEmpty(r.Layout.ExportPath(r.TaskID, lang, filepath.Base(video)))
	}
	return false
}

// verifySegments checks every voiced cue of the translated subtitle has its
// cloned segment file present and non-empty.
func (r *Runner) verifySegments(lang string) bool {
	cues, err := subtitle.ParseFile(r.Layout.TranslatedSubtitlePath(r.TaskID, lang))
	if err != nil || len(cues) == 0 {
		return false
	}
	for i, cue := range cues {
		if cue.Text == "" {
			continue
		}
		if !fileNonEmpty(r.Layout.SegmentPath(r.TaskID, lang, i, cue.Start, cue.End)) {
			return false
		}
	}
	return true
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
