// SPDX-License-Identifier: MIT

// Package pipeline owns the dubbing stage graph and its scheduler: a DAG of
// shared and per-language stages executed on a bounded worker pool with a
// single GPU-exclusive token.
package pipeline

import "strings"

// Shared stage names. Per-language stages carry a ".<lang>" suffix.
const (
	StageUpload    = "upload"
	StageExtract   = "extract_audio"
	StageASR       = "asr"
	StageDiarize   = "diarize"
	StageBuildRefs = "build_references"
)

// Per-language stage name prefixes.
const (
	prefixTranslate = "translate"
	prefixValidate  = "validate_length"
	prefixClone     = "clone_voice"
	prefixStitch    = "stitch_audio"
	prefixMux       = "mux_video"
)

func StageTranslate(lang string) string { return prefixTranslate + "." + lang }
func StageValidate(lang string) string  { return prefixValidate + "." + lang }
func StageClone(lang string) string     { return prefixClone + "." + lang }
func StageStitch(lang string) string    { return prefixStitch + "." + lang }
func StageMux(lang string) string       { return prefixMux + "." + lang }

// SplitStage separates a stage name into its kind and language. Shared
// stages return an empty language.
func SplitStage(name string) (kind, lang string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// Node is one stage in a task's graph.
type Node struct {
	Name  string
	Lang  string   // empty for shared stages
	Preds []string // strict happens-before

	// GPU marks membership in the GPU-exclusive class: at most one such
	// stage runs at a time, process-wide.
	GPU bool

	// Remaining is the number of stages left after this one on the path to
	// a finished target. The scheduler's tie-break prefers lower values so
	// one language finishes before another spreads out.
	Remaining int
}

// Graph is the stage DAG of one task.
type Graph struct {
	nodes map[string]*Node
	order []string // deterministic topological listing
}

// Build constructs the dubbing DAG for the given target language codes:
//
//	upload -> extract_audio -> asr -> diarize -> build_references
//	  then per target L:
//	  translate.L -> validate_length.L -> clone_voice.L
//	    -> stitch_audio.L -> mux_video.L
func Build(targets []string) *Graph {
	g := &Graph{nodes: make(map[string]*Node)}

	add := func(n *Node) {
		g.nodes[n.Name] = n
		g.order = append(g.order, n.Name)
	}

	add(&Node{Name: StageUpload, Remaining: 9})
	add(&Node{Name: StageExtract, Preds: []string{StageUpload}, Remaining: 8})
	add(&Node{Name: StageASR, Preds: []string{StageExtract}, GPU: true, Remaining: 7})
	add(&Node{Name: StageDiarize, Preds: []string{StageASR}, GPU: true, Remaining: 6})
	add(&Node{Name: StageBuildRefs, Preds: []string{StageDiarize}, Remaining: 5})

	for _, lang := range targets {
		add(&Node{Name: StageTranslate(lang), Lang: lang, Preds: []string{StageBuildRefs}, GPU: true, Remaining: 4})
		add(&Node{Name: StageValidate(lang), Lang: lang, Preds: []string{StageTranslate(lang)}, Remaining: 3})
		add(&Node{Name: StageClone(lang), Lang: lang, Preds: []string{StageValidate(lang)}, GPU: true, Remaining: 2})
		add(&Node{Name: StageStitch(lang), Lang: lang, Preds: []string{StageClone(lang)}, Remaining: 1})
		add(&Node{Name: StageMux(lang), Lang: lang, Preds: []string{StageStitch(lang)}, Remaining: 0})
	}
	return g
}

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node { return g.nodes[name] }

// Names returns every stage name in deterministic topological order.
func (g *Graph) Names() []string { return g.order }

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.order) }
