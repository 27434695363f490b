// SPDX-License-Identifier: MIT

package subtitle

import (
	"strings"
	"unicode"

	"github.com/ManuGH/vodub/internal/model"
)

// CountUnit selects how a language's text length is measured.
type CountUnit string

const (
	UnitHan    CountUnit = "han"    // Han characters
	UnitHangul CountUnit = "hangul" // Hangul syllable blocks
	UnitKana   CountUnit = "kana"   // kana + kanji code points
	UnitToken  CountUnit = "token"  // whitespace-delimited tokens
)

// Policy describes the length and script rules of one target language.
type Policy struct {
	Unit      CountUnit
	Ratio     float64 // max target_len / source_len before flagging
	ForbidHan bool    // flag any Han character in the translation
}

// DefaultRatio applies to languages absent from the table.
const DefaultRatio = 1.2

// Policies is the public policy table. Adding a language means extending
// this table only; the validation code never special-cases a language.
var Policies = map[string]Policy{
	"zh": {Unit: UnitHan, Ratio: DefaultRatio},
	"ja": {Unit: UnitKana, Ratio: 2.5, ForbidHan: true},
	"ko": {Unit: UnitHangul, Ratio: 2.5},
	"en": {Unit: UnitToken, Ratio: DefaultRatio},
}

// PolicyFor returns the language's policy, falling back to token counting
// with the default ratio for space-separated languages.
func PolicyFor(lang string) Policy {
	if p, ok := Policies[strings.ToLower(lang)]; ok {
		return p
	}
	return Policy{Unit: UnitToken, Ratio: DefaultRatio}
}

// allowedPunct is the only punctuation surviving normalization.
var allowedPunct = map[rune]bool{
	'.': true, ',': true, '?': true, '!': true,
	'。': true, '，': true, '？': true, '！': true,
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || r == '¿' || r == '¡'
}

// NormalizePunct applies the rendering rules: drop punctuation before the
// first non-punctuation character, keep only the allowed set, collapse each
// punctuation run to its first allowed character, drop everything else.
func NormalizePunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	seenText := false
	inRun := false
	emitted := false
	for _, r := range s {
		if !isPunct(r) {
			b.WriteRune(r)
			if !unicode.IsSpace(r) {
				seenText = true
			}
			inRun = false
			emitted = false
			continue
		}
		if !seenText {
			continue // leading punctuation, including inverted ¿ ¡
		}
		if !inRun {
			inRun = true
			emitted = false
		}
		if allowedPunct[r] && !emitted {
			b.WriteRune(r)
			emitted = true
		}
	}
	return b.String()
}

// Length measures text in the language's counting unit after stripping
// punctuation and whitespace.
func Length(lang, text string) int {
	p := PolicyFor(lang)
	stripped := stripForCount(text)

	switch p.Unit {
	case UnitHan:
		return countIn(stripped, unicode.Han)
	case UnitHangul:
		return countIn(stripped, unicode.Hangul)
	case UnitKana:
		n := 0
		for _, r := range stripped {
			if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
				n++
			}
		}
		return n
	default:
		return len(strings.Fields(stripped))
	}
}

func stripForCount(s string) string {
	return strings.Map(func(r rune) rune {
		if isPunct(r) {
			return -1
		}
		return r
	}, s)
}

func countIn(s string, table *unicode.RangeTable) int {
	n := 0
	for _, r := range s {
		if unicode.Is(table, r) {
			n++
		}
	}
	return n
}

// ContainsHan reports whether any Han character appears in the text.
func ContainsHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// Validate classifies a translation against the source text. Script
// violations win over length so the retry prompt addresses the harder
// constraint first.
func Validate(sourceLang, targetLang, source, target string) model.CueStatus {
	p := PolicyFor(targetLang)

	if p.ForbidHan && ContainsHan(target) {
		return model.CueFlaggedScript
	}

	srcLen := Length(sourceLang, source)
	tgtLen := Length(targetLang, target)
	if srcLen > 0 && float64(tgtLen)/float64(srcLen) > p.Ratio {
		return model.CueFlaggedLong
	}
	return model.CueTranslated
}
