package workflow

import (
	"strings"

	"github.com/BaSui01/dagflow/llm/tokenizer"
)

const (
	preambleHeader    = "Context from upstream nodes:\n\n"
	truncationMarker  = "...[truncated]"
	defaultPreambleTk = "gpt-4o"
)

// PreambleConfig controls the upstream-context block prepended to agent
// prompts.
type PreambleConfig struct {
	Disabled bool
	// MaxTokensPerParent truncates each parent block; 0 means no limit.
	MaxTokensPerParent int
	// TokenizerModel selects the tokenizer used for the budget.
	TokenizerModel string
}

// BuildParentPreamble renders the outputs of id's direct parents, in edge
// insertion order, as one "### <name>" block each. Parents without a
// recorded output are skipped; it returns "" when nothing is left.
func (ec *ExecutionContext) BuildParentPreamble(id NodeID, g *Graph) string {
	return ec.buildParentPreamble(id, g, nil, 0)
}

func (ec *ExecutionContext) buildParentPreamble(id NodeID, g *Graph, tk tokenizer.Tokenizer, maxTokens int) string {
	var b strings.Builder
	for _, parentID := range g.Dependencies(id) {
		value, ok := ec.outputs.Load(string(parentID))
		if !ok {
			continue
		}
		text, err := serializeValue(value)
		if err != nil {
			continue
		}
		if tk != nil && maxTokens > 0 {
			if cut, truncated, err := tokenizer.Truncate(tk, text, maxTokens); err == nil && truncated {
				text = cut + truncationMarker
			}
		}

		label := string(parentID)
		if parent, ok := g.Node(parentID); ok {
			label = parent.Label()
		}
		if b.Len() == 0 {
			b.WriteString(preambleHeader)
		}
		b.WriteString("### ")
		b.WriteString(label)
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// preambleTokenizer resolves the tokenizer for a budgeted preamble, or nil
// when no budget is configured.
func preambleTokenizer(cfg PreambleConfig, override tokenizer.Tokenizer) tokenizer.Tokenizer {
	if cfg.Disabled || cfg.MaxTokensPerParent <= 0 {
		return nil
	}
	if override != nil {
		return override
	}
	model := cfg.TokenizerModel
	if model == "" {
		model = defaultPreambleTk
	}
	return tokenizer.GetTokenizerOrEstimator(model)
}
