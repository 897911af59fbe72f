package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Encode 将文本转换为 token ID 列表.
	Encode(text string) ([]int, error)

	// Decode 将 token ID 转换回文本.
	Decode(tokens []int) (string, error)

	// MaxTokens 返回模型的最大上下文长度.
	MaxTokens() int

	// Name 返回分词器的名称.
	Name() string
}

// 全局分词器注册表.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer 为给定的模型名称注册分词器.
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// GetTokenizer 返回为给定模型注册的分词器。
// 未精确命中时按前缀匹配.
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	// 最长前缀优先，避免 "gpt-4" 抢先匹配 "gpt-4o-mini"。
	var best Tokenizer
	bestLen := 0
	for prefix, t := range modelTokenizers {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = t, len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}

	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator 返回该模型的注册分词器，
// 如果没有登记，则回退到通用估算器。
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		return NewEstimator(0)
	}
	return t
}

// Truncate 将 text 截断到至多 maxTokens 个 token。
// 估算器按片段截断，能精确编解码的分词器按 token 截断，其余按字符比例估算。
func Truncate(t Tokenizer, text string, maxTokens int) (string, bool, error) {
	if maxTokens <= 0 {
		return text, false, nil
	}
	count, err := t.CountTokens(text)
	if err != nil {
		return "", false, err
	}
	if count <= maxTokens {
		return text, false, nil
	}

	if e, ok := t.(*Estimator); ok {
		return e.truncateSegments(text, maxTokens), true, nil
	}
	if tokens, err := t.Encode(text); err == nil && len(tokens) > maxTokens {
		if out, err := t.Decode(tokens[:maxTokens]); err == nil {
			return out, true, nil
		}
	}

	runes := []rune(text)
	keep := len(runes) * maxTokens / count
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]), true, nil
}
