package workflow

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/llm/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_Outputs(t *testing.T) {
	ec := NewExecutionContext("run-1", nil)
	ec.RecordOutput("id-1", "analyzer", map[string]any{"score": 0.9})

	byID, err := ec.Output("id-1")
	require.NoError(t, err)
	byName, err := ec.Output("analyzer")
	require.NoError(t, err)
	assert.Equal(t, byID, byName)

	_, err = ec.Output("nobody")
	assert.ErrorIs(t, err, ErrOutputNotFound)

	ec.RecordOutput("id-1", "analyzer", "v2")
	v, _ := ec.Output("analyzer")
	assert.Equal(t, "v2", v)

	snap := ec.Outputs()
	assert.Len(t, snap, 2)
	assert.Equal(t, "run-1", ec.RunID())
}

func TestExecutionContext_Variables(t *testing.T) {
	ec := NewExecutionContext("r", map[string]any{
		"topic": "go",
		"limit": 3,
		"tags":  []string{"a", "b"},
	})

	v, ok := ec.Variable("topic")
	assert.True(t, ok)
	assert.Equal(t, "go", v)
	v, _ = ec.Variable("limit")
	assert.Equal(t, "3", v)
	v, _ = ec.Variable("tags")
	assert.Equal(t, `["a","b"]`, v)

	ec.SetVariable("extra", "x")
	assert.Len(t, ec.Variables(), 4)

	// variables do not leak into outputs
	_, err := ec.Output("topic")
	assert.ErrorIs(t, err, ErrOutputNotFound)
	assert.Equal(t, 3, ec.Input()["limit"])
}

func TestExecutionContext_ConcurrentWrites(t *testing.T) {
	ec := NewExecutionContext("r", nil)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := NodeID(strings.Repeat("n", i+1))
			ec.RecordOutput(id, "", i)
			ec.SetVariable(string(id), "v")
			ec.RecordNodeResult(NodeResult{NodeID: id, State: NodeStateSucceeded})
		}(i)
	}
	wg.Wait()
	assert.Len(t, ec.Outputs(), 64)
	assert.Equal(t, 64, ec.Metadata().Succeeded)
}

func TestExecutionContext_Metadata(t *testing.T) {
	ec := NewExecutionContext("r", nil)
	start := time.Now()
	ec.RecordNodeResult(NodeResult{NodeID: "a", State: NodeStateSucceeded, Start: start, End: start.Add(time.Second)})
	ec.RecordNodeResult(NodeResult{NodeID: "b", State: NodeStateFailed, Err: assert.AnError})
	ec.RecordNodeResult(NodeResult{NodeID: "c", State: NodeStateSkipped})
	ec.RecordNodeResult(NodeResult{NodeID: "d", State: NodeStateCancelled})

	md := ec.Metadata()
	assert.Equal(t, 1, md.Succeeded)
	assert.Equal(t, 1, md.Failed)
	assert.Equal(t, 1, md.Skipped)
	assert.Equal(t, 1, md.Cancelled)
	assert.Equal(t, time.Second, md.NodeTimings["a"].Duration)

	b, ok := ec.NodeResult("b")
	require.True(t, ok)
	assert.Equal(t, assert.AnError.Error(), b.Error)
	assert.Equal(t, NodeStatePending, ec.State("zzz"))
	assert.True(t, ec.State("c").Terminal())
}

type scored struct {
	Score float64  `json:"score"`
	Tags  []string `json:"tags"`
}

func TestResolveTemplate(t *testing.T) {
	ec := NewExecutionContext("r", map[string]any{"user": "ada"})
	ec.RecordOutput("id-a", "analyzer", map[string]any{"score": 0.9, "items": []any{"x", map[string]any{"k": true}}})
	ec.RecordOutput("id-l", "load", "document body")
	ec.RecordOutput("id-s", "typed", scored{Score: 1.5, Tags: []string{"p", "q"}})
	ec.RecordOutput("id-n", "nothing", nil)
	ec.RecordOutput("id-d", "v1.2", "dotted")

	cases := []struct {
		tmpl string
		want string
	}{
		{"{{node.analyzer.score}}", "0.9"},
		{"{{ node.analyzer.score }}", "0.9"},
		{"{{node.id-a.score}}", "0.9"},
		{"{{node.load}}", "document body"},
		{"Summarize: {{node.load}}!", "Summarize: document body!"},
		{"{{node.analyzer.items.0}}", "x"},
		{"{{node.analyzer.items.1.k}}", "true"},
		{"{{node.analyzer.items}}", `["x",{"k":true}]`},
		{"{{node.typed.score}}", "1.5"},
		{"{{node.typed.tags.1}}", "q"},
		{"{{node.nothing}}", "null"},
		{"{{node.v1.2}}", "dotted"},
		{"hi {{var.user}}", "hi ada"},
		{"no templates", "no templates"},
	}
	for _, tc := range cases {
		t.Run(tc.tmpl, func(t *testing.T) {
			got, err := ec.ResolveTemplate(tc.tmpl)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveTemplate_Unresolved(t *testing.T) {
	ec := NewExecutionContext("r", nil)
	ec.RecordOutput("id-a", "analyzer", map[string]any{"score": 0.9})

	for _, tmpl := range []string{
		"{{node.unknown}}",
		"{{node.analyzer.missing}}",
		"{{node.analyzer.score.deeper}}",
		"{{var.absent}}",
	} {
		_, err := ec.ResolveTemplate(tmpl)
		var unresolved *UnresolvedReferenceError
		require.ErrorAs(t, err, &unresolved, tmpl)
		assert.NotEmpty(t, unresolved.Key)
	}
}

func TestSerializeValue(t *testing.T) {
	a, b := 0.1, 0.2
	cases := []struct {
		in   any
		want string
	}{
		{"s", "s"},
		{a + b, "0.30000000000000004"},
		{float64(3), "3"},
		{42, "42"},
		{true, "true"},
		{nil, "null"},
		{map[string]any{"a": "<b>"}, `{"a":"<b>"}`},
	}
	for _, tc := range cases {
		got, err := serializeValue(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func preambleGraph(t *testing.T) *Graph {
	g, err := NewDAGBuilder("p").
		Join("first").Join("second").Join("silent").
		Agent("writer", "w", "write").
		Edge("second", "writer").
		Edge("silent", "writer").
		Edge("first", "writer").
		Build()
	require.NoError(t, err)
	return g
}

func TestBuildParentPreamble(t *testing.T) {
	g := preambleGraph(t)
	ec := NewExecutionContext("r", nil)
	first, _ := g.Lookup("first")
	second, _ := g.Lookup("second")
	writer, _ := g.Lookup("writer")
	ec.RecordOutput(first.ID, first.Name, "alpha")
	ec.RecordOutput(second.ID, second.Name, map[string]any{"n": 2})

	got := ec.BuildParentPreamble(writer.ID, g)
	want := "Context from upstream nodes:\n\n" +
		"### second\n{\"n\":2}\n\n" +
		"### first\nalpha\n\n"
	assert.Equal(t, want, got)

	assert.Equal(t, "", ec.BuildParentPreamble(first.ID, g))
}

func TestBuildParentPreamble_TokenBudget(t *testing.T) {
	g := preambleGraph(t)
	ec := NewExecutionContext("r", nil)
	first, _ := g.Lookup("first")
	writer, _ := g.Lookup("writer")
	ec.RecordOutput(first.ID, first.Name, strings.Repeat("word ", 400))

	tk := tokenizer.NewEstimator(0)
	got := ec.buildParentPreamble(writer.ID, g, tk, 10)
	assert.Contains(t, got, "### first\n")
	assert.Contains(t, got, truncationMarker)
	assert.Less(t, len(got), 400)

	assert.Nil(t, preambleTokenizer(PreambleConfig{}, nil))
	assert.Nil(t, preambleTokenizer(PreambleConfig{Disabled: true, MaxTokensPerParent: 5}, nil))
	assert.NotNil(t, preambleTokenizer(PreambleConfig{MaxTokensPerParent: 5}, nil))
}
