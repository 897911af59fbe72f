package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimator(0)

	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = e.CountTokens(strings.Repeat("a", 40))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = e.CountTokens("你好世界你好世")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = e.CountTokens("   ")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 4096, e.MaxTokens())
	assert.Equal(t, "estimator", e.Name())

	_, err = e.Encode("x")
	assert.ErrorIs(t, err, ErrEstimateOnly)
}

func TestEstimator_Segments(t *testing.T) {
	e := NewEstimator(0)
	text := "summarize the 报告, then reply!  "

	pieces := e.Segments(text)
	assert.Equal(t, []string{
		"summ", "ariz", "e", " the", " 报", "告", ",", " then", " reply", "!  ",
	}, pieces)
	assert.Equal(t, text, strings.Join(pieces, ""))
}

func TestGetTokenizerOrEstimator(t *testing.T) {
	RegisterTokenizer("unit-model", NewEstimator(1234))

	tk, err := GetTokenizer("unit-model-v2")
	require.NoError(t, err)
	assert.Equal(t, 1234, tk.MaxTokens())

	_, err = GetTokenizer("nobody-registered-this")
	assert.Error(t, err)

	fallback := GetTokenizerOrEstimator("nobody-registered-this")
	assert.Equal(t, "estimator", fallback.Name())
}

func TestTruncate(t *testing.T) {
	e := NewEstimator(0)
	text := strings.Repeat("abcd", 100) // 100 tokens

	out, truncated, err := Truncate(e, text, 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, text, out)

	out, truncated, err = Truncate(e, text, 500)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, text, out)

	out, truncated, err = Truncate(e, text, 10)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, 40, len(out))
	assert.True(t, strings.HasPrefix(text, out))

	out, truncated, err = Truncate(e, "一二三四五 six seven", 3)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "一二三", out)
}

func TestNewTiktokenTokenizer_ModelMapping(t *testing.T) {
	tk, err := NewTiktokenTokenizer("gpt-4o-2024-08-06")
	require.NoError(t, err)
	assert.Equal(t, 128000, tk.MaxTokens())
	assert.Equal(t, "tiktoken[o200k_base]", tk.Name())

	tk, err = NewTiktokenTokenizer("some-unknown-model")
	require.NoError(t, err)
	assert.Equal(t, "tiktoken[cl100k_base]", tk.Name())
}
