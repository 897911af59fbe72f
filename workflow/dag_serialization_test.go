package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
name: triage
description: classify then route
metadata:
  owner: ops
nodes:
  - name: fetch
    type: http_request
    method: GET
    url: "https://example.com/tickets/{{var.ticket}}"
    timeout: 2s
  - name: classify
    type: agent
    agent_id: classifier
    prompt: "Classify: {{node.fetch.body}}"
    model: gpt-4o-mini
    max_tokens: 64
    config:
      tools:
        - name: lookup
          description: find a customer
          parameters:
            type: object
  - name: urgent
    type: condition
    expression: "classify == 'urgent'"
  - name: page
    type: custom
    handler: pager
  - name: wait
    type: delay
    duration: 150ms
edges:
  - from: fetch
    to: classify
  - from: classify
    to: urgent
  - from: urgent
    to: page
    kind: conditional
  - from: urgent
    to: wait
`

func TestParseDefinitionYAML_Build(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, def.Nodes, 5)

	g, err := def.Build()
	require.NoError(t, err)
	assert.Equal(t, "triage", g.Name())
	assert.Equal(t, "ops", g.Metadata()["owner"])

	fetch, ok := g.Lookup("fetch")
	require.True(t, ok)
	assert.Equal(t, NodeIDFromName("fetch"), fetch.ID)
	assert.Equal(t, 2*time.Second, fetch.Timeout)
	httpKind, ok := fetch.Kind.(HTTPRequestNode)
	require.True(t, ok)
	assert.Equal(t, "GET", httpKind.Method)

	classify, _ := g.Lookup("classify")
	agent := classify.Kind.(AgentNode)
	assert.Equal(t, "classifier", agent.AgentID)
	assert.Equal(t, 64, agent.MaxTokens)
	tools, err := toolsFromConfig(classify.Config)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "lookup", tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(tools[0].Parameters))

	wait, _ := g.Lookup("wait")
	assert.Equal(t, 150*time.Millisecond, wait.Kind.(DelayNode).Duration)

	page, _ := g.Lookup("page")
	edges := g.IncomingEdges(page.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, EdgeConditional, edges[0].Kind)
}

func TestGraphDefinition_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown type":     "name: x\nnodes:\n  - name: a\n    type: teleport\n",
		"bad duration":     "name: x\nnodes:\n  - name: a\n    type: delay\n    duration: soon\n",
		"bad timeout":      "name: x\nnodes:\n  - name: a\n    type: join\n    timeout: never\n",
		"unknown endpoint": "name: x\nnodes:\n  - name: a\n    type: join\nedges:\n  - from: a\n    to: b\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			def, err := ParseDefinitionYAML([]byte(src))
			require.NoError(t, err)
			_, err = def.Build()
			assert.Error(t, err)
		})
	}

	_, err := ParseDefinitionJSON([]byte("{not json"))
	assert.Error(t, err)
}

func TestDefinitionFromGraph_RoundTrip(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(sampleYAML))
	require.NoError(t, err)
	g, err := def.Build()
	require.NoError(t, err)

	out := DefinitionFromGraph(g)
	js, err := out.ToJSON()
	require.NoError(t, err)

	back, err := ParseDefinitionJSON([]byte(js))
	require.NoError(t, err)
	g2, err := back.Build()
	require.NoError(t, err)

	assert.Equal(t, g.NodeCount(), g2.NodeCount())
	assert.Equal(t, g.Edges(), g2.Edges())
	for _, n := range g.Nodes() {
		n2, ok := g2.Node(n.ID)
		require.True(t, ok)
		assert.Equal(t, n.Name, n2.Name)
		assert.Equal(t, n.Timeout, n2.Timeout)
		assert.Equal(t, n.Type(), n2.Type())
	}
}

func TestDefinitionFiles(t *testing.T) {
	dir := t.TempDir()

	def, err := ParseDefinitionYAML([]byte(sampleYAML))
	require.NoError(t, err)

	for _, name := range []string{"wf.yaml", "wf.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, def.SaveToFile(path))

		loaded, err := LoadDefinitionFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, def.Name, loaded.Name)
		assert.Len(t, loaded.Nodes, len(def.Nodes))
	}

	assert.Error(t, def.SaveToFile(filepath.Join(dir, "wf.toml")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "wf.txt"), []byte("x"), 0o644))
	_, err = LoadDefinitionFile(filepath.Join(dir, "wf.txt"))
	assert.Error(t, err)

	_, err = LoadDefinitionFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
