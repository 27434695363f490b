// SPDX-License-Identifier: MIT

// Package subtitle parses and serializes SRT subtitles and owns the
// per-language length and script policy for translated cues.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ManuGH/vodub/internal/log"
	"github.com/ManuGH/vodub/internal/model"
	"github.com/rs/zerolog"
)

// Cue is one timed subtitle entry. Times are seconds with millisecond
// precision. Text may be empty.
type Cue struct {
	Start float64
	End   float64
	Text  string
}

var timecodeRe = regexp.MustCompile(
	`^(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{2})[,.](\d{1,3})`)

// Parse reads SRT cue blocks: blank-line separated, optional integer index,
// a timecode line, zero or more text lines. Cues with malformed timecodes
// are skipped with a warning. The result is sorted by start time.
func Parse(r io.Reader) ([]Cue, error) {
	logger := log.WithComponent("subtitle")

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cues []Cue
	var block []string
	flush := func() {
		if len(block) == 0 {
			return
		}
		if cue, ok := parseBlock(block, logger); ok {
			cues = append(cues, cue)
		}
		block = block[:0]
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		line = strings.TrimPrefix(line, "\uFEFF")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, model.WrapE(model.KindInvalidSubtitle, err, "read subtitle")
	}

	sort.SliceStable(cues, func(i, j int) bool { return cues[i].Start < cues[j].Start })
	return cues, nil
}

// ParseFile parses a subtitle file from disk.
func ParseFile(path string) ([]Cue, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the task layout
	if err != nil {
		return nil, model.WrapE(model.KindInvalidSubtitle, err, "open subtitle").WithPath(path)
	}
	defer f.Close()
	return Parse(f)
}

func parseBlock(block []string, logger zerolog.Logger) (Cue, bool) {
	i := 0
	// Optional numeric index line.
	if _, err := strconv.Atoi(strings.TrimSpace(block[0])); err == nil && len(block) > 1 {
		i = 1
	}

	m := timecodeRe.FindStringSubmatch(strings.TrimSpace(block[i]))
	if m == nil {
		logger.Warn().Str("line", block[i]).Msg("skipping cue with malformed timecode")
		return Cue{}, false
	}

	start := toSeconds(m[1], m[2], m[3], m[4])
	end := toSeconds(m[5], m[6], m[7], m[8])
	if end < start {
		logger.Warn().
			Float64("start", start).
			Float64("end", end).
			Msg("skipping cue with end before start")
		return Cue{}, false
	}

	text := strings.Join(block[i+1:], "\n")
	return Cue{Start: start, End: end, Text: text}, true
}

func toSeconds(h, m, s, ms string) float64 {
	hi, _ := strconv.Atoi(h)
	mi, _ := strconv.Atoi(m)
	si, _ := strconv.Atoi(s)
	// Pad short millisecond fields: "5" means 500ms in sloppy files.
	for len(ms) < 3 {
		ms += "0"
	}
	msi, _ := strconv.Atoi(ms)
	return float64(hi*3600+mi*60+si) + float64(msi)/1000.0
}

// FormatTimecode renders seconds as HH:MM:SS,mmm.
func FormatTimecode(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	total := int64(sec*1000.0 + 0.5)
	ms := total % 1000
	s := (total / 1000) % 60
	m := (total / 60000) % 60
	h := total / 3600000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Write serializes cues as SRT: 1-based index, timecode, text, blank line.
func Write(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	for i, cue := range cues {
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			i+1, FormatTimecode(cue.Start), FormatTimecode(cue.End), cue.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile serializes cues to a file.
func WriteFile(path string, cues []Cue) error {
	f, err := os.Create(path) // #nosec G304 -- path comes from the task layout
	if err != nil {
		return model.WrapE(model.KindStateWriteFailed, err, "create subtitle").WithPath(path)
	}
	if err := Write(f, cues); err != nil {
		_ = f.Close()
		return model.WrapE(model.KindStateWriteFailed, err, "write subtitle").WithPath(path)
	}
	return f.Close()
}
