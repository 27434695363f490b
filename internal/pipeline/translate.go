// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/ManuGH/vodub/internal/subtitle"
	"github.com/ManuGH/vodub/internal/worker"
)

// translationUnit is one cue moving through the translate/validate loop.
// The whole list is persisted per language so a resumed task keeps attempt
// counts.
type translationUnit struct {
	Index    int             `json:"index"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	Status   model.CueStatus `json:"status"`
	Attempts int             `json:"attempts"`
}

type translateCue struct {
	Index       int    `json:"index"`
	Text        string `json:"text"`
	Instruction string `json:"instruction,omitempty"`
}

type translateConfig struct {
	worker.Envelope
	Model      model.ModelChoice `json:"model"`
	SourceLang string            `json:"source_lang"`
	TargetLang string            `json:"target_lang"`
	Cues       []translateCue    `json:"cues"`
}

type translateResult struct {
	Translations []translateCue `json:"translations"`
}

func (r *Runner) translationPath(lang string) string {
	return filepath.Join(r.Layout.LangDir(r.TaskID, lang), "translation.json")
}

// runTranslator invokes the translation worker on the given cues and
// returns index -> target text. Every requested index must come back.
func (r *Runner) runTranslator(ctx context.Context, lang, stage string, cues []translateCue) (map[int]string, error) {
	res, err := r.invoke(ctx, "translate", binOr(r.Cfg.Bins.Translate, "vodub-worker-translate"), translateConfig{
		Envelope:   worker.Envelope{OutputDir: r.Layout.LangDir(r.TaskID, lang), ProgressTag: stage},
		Model:      r.Model,
		SourceLang: r.sourceLang(),
		TargetLang: lang,
		Cues:       cues,
	}, lang, stage, r.Cfg.TranslateSilence)
	if err != nil {
		return nil, err
	}

	var parsed translateResult
	if err := json.Unmarshal(res.JSON, &parsed); err != nil {
		return nil, model.WrapE(model.KindWorkerOutput, err, "decode translation result").WithTail(res.Tail)
	}
	out := make(map[int]string, len(parsed.Translations))
	for _, tr := range parsed.Translations {
		out[tr.Index] = tr.Text
	}
	for _, c := range cues {
		if _, ok := out[c.Index]; !ok {
			return nil, model.E(model.KindWorkerOutput, "translation result missing cue %d", c.Index).WithTail(res.Tail)
		}
	}
	return out, nil
}

// translate produces the first-pass translation of every voiced cue and
// persists the unit list for the validation loop.
func (r *Runner) translate(ctx context.Context, lang string) error {
	if err := r.Layout.EnsureLang(r.TaskID, lang); err != nil {
		return err
	}
	cues, err := subtitle.ParseFile(r.Layout.SourceSubtitlePath(r.TaskID))
	if err != nil {
		return err
	}

	units := make([]translationUnit, len(cues))
	var request []translateCue
	for i, cue := range cues {
		units[i] = translationUnit{Index: i, Source: cue.Text, Status: model.CuePending}
		if cue.Text == "" {
			// Silence stays silence; nothing to translate or clone.
			units[i].Status = model.CueAccepted
			continue
		}
		request = append(request, translateCue{Index: i, Text: cue.Text})
	}
	if len(request) == 0 {
		return model.E(model.KindInvalidSubtitle, "source subtitle has no voiced cues").
			WithPath(r.Layout.SourceSubtitlePath(r.TaskID))
	}

	stage := StageTranslate(lang)
	targets, err := r.runTranslator(ctx, lang, stage, request)
	if err != nil {
		return err
	}
	for i := range units {
		if units[i].Status != model.CuePending {
			continue
		}
		units[i].Target = targets[i]
		units[i].Status = model.CueTranslated
		units[i].Attempts = 1
	}
	return r.writeUnits(lang, units)
}

// retryInstruction is the stricter prompt attached to a flagged cue's
// resubmission.
func retryInstruction(st model.CueStatus) string {
	switch st {
	case model.CueFlaggedLong:
		return "shorter"
	case model.CueFlaggedScript:
		return "kana-preferred, no Han characters"
	}
	return ""
}

// validateTranslation applies the length and script policy to every unit
// and resubmits flagged cues with stricter instructions, at most K attempts
// per cue. Exhausted cues are accepted as-is with a warning; this stage
// never fails on validation grounds.
func (r *Runner) validateTranslation(ctx context.Context, lang string) error {
	logger := log.WithContext(ctx, log.WithComponent("pipeline"))
	units, err := r.loadUnits(lang)
	if err != nil {
		return err
	}

	maxAttempts := r.Cfg.MaxTranslationRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	stage := StageValidate(lang)

	for {
		var resubmit []translateCue
		byIndex := make(map[int]*translationUnit)
		for i := range units {
			u := &units[i]
			if u.Status == model.CueAccepted {
				continue
			}
			st := subtitle.Validate(r.sourceLang(), lang, u.Source, u.Target)
			if !st.Flagged() {
				u.Status = model.CueAccepted
				continue
			}
			u.Status = st
			if u.Attempts >= maxAttempts {
				logger.Warn().Int("cue", u.Index).Str("flag", string(st)).
					Int("attempts", u.Attempts).Msg("cue still flagged after retry budget, accepting as-is")
				u.Status = model.CueAccepted
				continue
			}
			resubmit = append(resubmit, translateCue{Index: u.Index, Text: u.Source, Instruction: retryInstruction(st)})
			byIndex[u.Index] = u
		}
		if len(resubmit) == 0 {
			break
		}

		targets, err := r.runTranslator(ctx, lang, stage, resubmit)
		if err != nil {
			return err
		}
		for idx, text := range targets {
			u := byIndex[idx]
			u.Target = text
			u.Attempts++
		}
		if err := r.writeUnits(lang, units); err != nil {
			return err
		}
	}

	if err := r.writeUnits(lang, units); err != nil {
		return err
	}
	return r.renderSubtitle(lang, units)
}

// renderSubtitle writes the final target-language subtitle with normalized
// punctuation over the source cue timings.
func (r *Runner) renderSubtitle(lang string, units []translationUnit) error {
	cues, err := subtitle.ParseFile(r.Layout.SourceSubtitlePath(r.TaskID))
	if err != nil {
		return err
	}
	if len(units) != len(cues) {
		return model.E(model.KindInvalidSubtitle, "translation units (%d) do not match source cues (%d)", len(units), len(cues))
	}
	out := make([]subtitle.Cue, len(cues))
	for i, cue := range cues {
		out[i] = subtitle.Cue{Start: cue.Start, End: cue.End, Text: subtitle.NormalizePunct(units[i].Target)}
	}
	return subtitle.WriteFile(r.Layout.TranslatedSubtitlePath(r.TaskID, lang), out)
}

func (r *Runner) writeUnits(lang string, units []translationUnit) error {
	data, err := json.MarshalIndent(units, "", "  ")
	if err != nil {
		return model.WrapE(model.KindStateWriteFailed, err, "encode translation units")
	}
	path := r.translationPath(lang)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return model.WrapE(model.KindStateWriteFailed, err, "write translation units").WithPath(path)
	}
	return nil
}

func (r *Runner) loadUnits(lang string) ([]translationUnit, error) {
	path := r.translationPath(lang)
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the task layout
	if err != nil {
		return nil, model.WrapE(model.KindWorkerOutput, err, "read translation units").WithPath(path)
	}
	var units []translationUnit
	if err := json.Unmarshal(data, &units); err != nil {
		return nil, model.WrapE(model.KindWorkerOutput, err, "decode translation units").WithPath(path)
	}
	return units, nil
}
