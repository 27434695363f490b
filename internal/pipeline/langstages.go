// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/ManuGH/vodub/internal/model"
	"github.com/ManuGH/vodub/internal/subtitle"
	"github.com/ManuGH/vodub/internal/worker"
)

type cloneSegment struct {
	Index   int     `json:"index"`
	Speaker int     `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Out     string  `json:"out"`
}

type cloneConfig struct {
	worker.Envelope
	RefsManifest string         `json:"refs_manifest"`
	TargetLang   string         `json:"target_lang"`
	Segments     []cloneSegment `json:"segments"`
}

type cloneResult struct {
	Segments []model.SegmentArtifact `json:"segments"`
}

// cloneVoice synthesizes every voiced cue of the translated subtitle in the
// matching speaker's cloned voice. Segment filenames carry cue index and
// timing so downstream tools never re-read the subtitle.
func (r *Runner) cloneVoice(ctx context.Context, lang string) error {
	cues, err := subtitle.ParseFile(r.Layout.TranslatedSubtitlePath(r.TaskID, lang))
	if err != nil {
		return err
	}
	speakers, err := r.loadSpeakers()
	if err != nil {
		return err
	}

	var segments []cloneSegment
	for i, cue := range cues {
		if cue.Text == "" {
			continue
		}
		sp := 0
		if i < len(speakers.Cues) {
			sp = speakers.Cues[i]
		}
		segments = append(segments, cloneSegment{
			Index:   i,
			Speaker: sp,
			Text:    cue.Text,
			Start:   cue.Start,
			End:     cue.End,
			Out:     r.Layout.SegmentPath(r.TaskID, lang, i, cue.Start, cue.End),
		})
	}
	if len(segments) == 0 {
		return model.E(model.KindInvalidSubtitle, "translated subtitle has no voiced cues").
			WithPath(r.Layout.TranslatedSubtitlePath(r.TaskID, lang))
	}

	stage := StageClone(lang)
	res, err := r.invoke(ctx, "tts", binOr(r.Cfg.Bins.TTS, "vodub-worker-tts"), cloneConfig{
		Envelope:     worker.Envelope{OutputDir: r.Layout.ClonedAudioDir(r.TaskID, lang), ProgressTag: stage},
		RefsManifest: r.Layout.RefsManifestPath(r.TaskID),
		TargetLang:   lang,
		Segments:     segments,
	}, lang, stage, r.Cfg.SilenceTimeout)
	if err != nil {
		return err
	}

	var parsed cloneResult
	if err := json.Unmarshal(res.JSON, &parsed); err != nil {
		return model.WrapE(model.KindWorkerOutput, err, "decode clone result").WithTail(res.Tail)
	}
	for _, seg := range segments {
		if !fileNonEmpty(seg.Out) {
			return model.E(model.KindWorkerOutput, "cloned segment for cue %d missing", seg.Index).
				WithPath(seg.Out).WithTail(res.Tail)
		}
	}
	return nil
}

type stitchSegment struct {
	Path  string  `json:"path"`
	Start float64 `json:"start"`
}

type stitchConfig struct {
	worker.Envelope
	Segments []stitchSegment `json:"segments"`
	Duration float64         `json:"duration"`
	AudioOut string          `json:"audio_out"`
}

// stitchAudio assembles the cloned segments onto a silent timeline the
// length of the source audio.
func (r *Runner) stitchAudio(ctx context.Context, lang string) error {
	cues, err := subtitle.ParseFile(r.Layout.TranslatedSubtitlePath(r.TaskID, lang))
	if err != nil {
		return err
	}

	var segments []stitchSegment
	var duration float64
	for i, cue := range cues {
		if cue.End > duration {
			duration = cue.End
		}
		if cue.Text == "" {
			continue
		}
		segments = append(segments, stitchSegment{
			Path:  r.Layout.SegmentPath(r.TaskID, lang, i, cue.Start, cue.End),
			Start: cue.Start,
		})
	}

	out := r.Layout.StitchedAudioPath(r.TaskID, lang)
	stage := StageStitch(lang)
	_, err = r.invoke(ctx, "stitch", binOr(r.Cfg.Bins.Stitch, "vodub-worker-stitch"), stitchConfig{
		Envelope: worker.Envelope{OutputDir: r.Layout.LangDir(r.TaskID, lang), ProgressTag: stage},
		Segments: segments,
		Duration: duration,
		AudioOut: out,
	}, lang, stage, r.Cfg.SilenceTimeout)
	if err != nil {
		return err
	}
	if !fileNonEmpty(out) {
		return model.E(model.KindWorkerOutput, "stitch worker reported success but wrote no audio").WithPath(out)
	}
	return nil
}

type muxConfig struct {
	worker.Envelope
	VideoPath string `json:"video_path"`
	AudioPath string `json:"audio_path"`
	VideoOut  string `json:"video_out"`
}

// muxVideo replaces the source audio track with the dubbed one.
func (r *Runner) muxVideo(ctx context.Context, lang string) error {
	video, err := r.Layout.FindInputVideo(r.TaskID)
	if err != nil {
		return err
	}
	out := r.Layout.ExportPath(r.TaskID, lang, filepath.Base(video))
	stage := StageMux(lang)
	_, err = r.invoke(ctx, "mux", binOr(r.Cfg.Bins.Mux, "vodub-worker-mux"), muxConfig{
		Envelope:  worker.Envelope{OutputDir: r.Layout.LangDir(r.TaskID, lang), ProgressTag: stage},
		VideoPath: video,
		AudioPath: r.Layout.StitchedAudioPath(r.TaskID, lang),
		VideoOut:  out,
	}, lang, stage, r.Cfg.SilenceTimeout)
	if err != nil {
		return err
	}
	if !fileNonEmpty(out) {
		return model.E(model.KindWorkerOutput, "mux worker reported success but wrote no video").WithPath(out)
	}
	return nil
}
