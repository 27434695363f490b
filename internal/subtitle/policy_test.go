// SPDX-License-Identifier: MIT

package subtitle

import (
	"testing"

	"github.com/ManuGH/vodub/internal/model"
	"github.com/stretchr/testify/require"
)

func TestNormalizePunct(t *testing.T) {
	cases := []struct{ in, want string }{
		{"...hello", "hello"},
		{"¿Qué pasa?", "Qué pasa?"},
		{"hello!!!", "hello!"},
		{"hi?!?", "hi?"},
		{"a;b", "ab"},
		{"好。。。吧", "好。吧"},
		{"«quoted»", "quoted"},
		{"", ""},
		{"。。。", ""},
	}
	for _, c := range cases {
		require.Equal(t, c.want, NormalizePunct(c.in), "input %q", c.in)
	}
}

func TestLengthByUnit(t *testing.T) {
	require.Equal(t, 6, Length("zh", "今天天气真好"))
	require.Equal(t, 2, Length("ko", "안녕 hello"), "only syllable blocks count")
	require.Equal(t, 5, Length("en", "one two three, four five"))
	require.Equal(t, 12, Length("ja", "きょうはいいてんきですね。"))
	require.Equal(t, 3, Length("fr", "bonjour à tous"), "unknown language counts tokens")
}

func TestValidateLengthRatio(t *testing.T) {
	// "你好" = 2 Han chars; 5 English tokens; 2.5 > 1.2 -> flagged.
	require.Equal(t, model.CueFlaggedLong,
		Validate("zh", "en", "你好", "Hello there my wonderful friend"))

	// Within ratio.
	require.Equal(t, model.CueTranslated,
		Validate("zh", "en", "你好", "Hello"))

	// Japanese gets the relaxed 2.5 ratio over Chinese ideographs.
	require.Equal(t, model.CueTranslated,
		Validate("zh", "ja", "今天天气真好", "きょうはいいてんきですね"))
}

func TestValidateJapaneseScript(t *testing.T) {
	// Han characters in a Japanese translation are a script violation
	// regardless of length.
	require.Equal(t, model.CueFlaggedScript,
		Validate("zh", "ja", "今天天气真好", "今日はいい天気ですね"))

	require.Equal(t, model.CueTranslated,
		Validate("zh", "ja", "今天天气真好", "きょうはいいてんきですね"))
}

func TestValidateEmptySource(t *testing.T) {
	// A zero-length source can never flag: ratio is undefined.
	require.Equal(t, model.CueTranslated, Validate("zh", "en", "", "whatever text here"))
}

func TestPolicyForFallback(t *testing.T) {
	p := PolicyFor("de")
	require.Equal(t, UnitToken, p.Unit)
	require.InDelta(t, DefaultRatio, p.Ratio, 1e-9)
	require.False(t, p.ForbidHan)
}
