package tokenizer

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrEstimateOnly 估算器没有词表，无法编解码。
var ErrEstimateOnly = errors.New("tokenizer: estimator cannot encode or decode")

// wordRunesPerToken 连续字母数字按 4 个 rune 折算一个 token。
const wordRunesPerToken = 4

// Estimator 在模型没有注册精确分词器时使用。
// 文本被切成近似 token 的片段：每个 CJK 字符、每个标点各占一段，
// 连续的字母数字每 4 个 rune 一段，空白并入其后的片段。
// 片段拼接后与原文完全一致，所以截断总落在片段边界上。
type Estimator struct {
	maxTokens int
}

// NewEstimator returns an estimator reporting maxTokens as its context
// window; values <= 0 fall back to 4096.
func NewEstimator(maxTokens int) *Estimator {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Estimator{maxTokens: maxTokens}
}

// Segments splits text into estimated tokens.
func (e *Estimator) Segments(text string) []string {
	if text == "" {
		return nil
	}
	var (
		pieces []string
		start  int
		word   int
	)
	cut := func(end int) {
		if end > start {
			pieces = append(pieces, text[start:end])
			start = end
		}
		word = 0
	}
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			if word > 0 {
				cut(i)
			}
		case unicode.IsLetter(r) && !isCJK(r), unicode.IsDigit(r):
			if word == wordRunesPerToken {
				cut(i)
			}
			word++
		default:
			if word > 0 {
				cut(i)
			}
			cut(i + utf8.RuneLen(r))
		}
	}
	if start < len(text) {
		if word > 0 || len(pieces) == 0 {
			pieces = append(pieces, text[start:])
		} else {
			// 末尾空白
			pieces[len(pieces)-1] += text[start:]
		}
	}
	return pieces
}

func (e *Estimator) CountTokens(text string) (int, error) {
	return len(e.Segments(text)), nil
}

func (e *Estimator) Encode(string) ([]int, error) { return nil, ErrEstimateOnly }

func (e *Estimator) Decode([]int) (string, error) { return "", ErrEstimateOnly }

func (e *Estimator) MaxTokens() int { return e.maxTokens }

func (e *Estimator) Name() string { return "estimator" }

// truncateSegments keeps the first maxTokens segments.
func (e *Estimator) truncateSegments(text string, maxTokens int) string {
	pieces := e.Segments(text)
	if len(pieces) <= maxTokens {
		return text
	}
	return strings.Join(pieces[:maxTokens], "")
}

// isCJK 汉字、假名、谚文及全角符号
func isCJK(r rune) bool {
	switch {
	case r >= 0x3000 && r <= 0x30FF, // 符号与标点、平假名、片假名
		r >= 0x3400 && r <= 0x4DBF,
		r >= 0x4E00 && r <= 0x9FFF,
		r >= 0xAC00 && r <= 0xD7AF, // 谚文音节
		r >= 0xF900 && r <= 0xFAFF,
		r >= 0xFF00 && r <= 0xFFEF,
		r >= 0x20000 && r <= 0x2A6DF:
		return true
	}
	return false
}
