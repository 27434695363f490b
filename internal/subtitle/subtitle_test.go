// SPDX-License-Identifier: MIT

package subtitle

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const sampleSRT = `1
00:00:01,000 --> 00:00:02,500
Hello there.

2
00:00:03,000 --> 00:00:04,000
Second cue
with two lines

3
00:00:05,250 --> 00:00:06,750

`

func TestParseBasic(t *testing.T) {
	cues, err := Parse(strings.NewReader(sampleSRT))
	require.NoError(t, err)
	require.Len(t, cues, 3)

	require.InDelta(t, 1.0, cues[0].Start, 1e-9)
	require.InDelta(t, 2.5, cues[0].End, 1e-9)
	require.Equal(t, "Hello there.", cues[0].Text)
	require.Equal(t, "Second cue\nwith two lines", cues[1].Text)
	require.Equal(t, "", cues[2].Text, "empty text cue survives")
}

func TestParseToleratesMissingIndexAndMalformed(t *testing.T) {
	in := `00:00:01,000 --> 00:00:02,000
no index

garbage timecode line
also garbage

00:00:03,000 --> 00:00:04,000
ok
`
	cues, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, cues, 2)
	require.Equal(t, "no index", cues[0].Text)
	require.Equal(t, "ok", cues[1].Text)
}

func TestParseSkipsEndBeforeStart(t *testing.T) {
	in := "1\n00:00:05,000 --> 00:00:04,000\nbackwards\n"
	cues, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Empty(t, cues)
}

func TestParseSortsByStart(t *testing.T) {
	in := `1
00:00:10,000 --> 00:00:11,000
late

2
00:00:01,000 --> 00:00:02,000
early
`
	cues, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, cues, 2)
	require.Equal(t, "early", cues[0].Text)
	require.Equal(t, "late", cues[1].Text)
}

func TestRoundTrip(t *testing.T) {
	cues, err := Parse(strings.NewReader(sampleSRT))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, cues))

	again, err := Parse(&buf)
	require.NoError(t, err)

	if diff := cmp.Diff(cues, again); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatTimecode(t *testing.T) {
	require.Equal(t, "00:00:01,000", FormatTimecode(1.0))
	require.Equal(t, "01:02:03,456", FormatTimecode(3723.456))
	require.Equal(t, "00:00:00,000", FormatTimecode(-5))
}
