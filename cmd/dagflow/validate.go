package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/BaSui01/dagflow/workflow"
)

func validateCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	workflowPath := fs.String("workflow", "", "Workflow definition file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *workflowPath == "" {
		fmt.Fprintln(stderr, "validate: --workflow is required")
		return 2
	}

	if err := describeWorkflow(stdout, *workflowPath); err != nil {
		fmt.Fprintf(stderr, "validate: %v\n", err)
		return 1
	}
	return 0
}

// describeWorkflow 校验定义并逐层列出节点
func describeWorkflow(w io.Writer, path string) error {
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return err
	}
	g, err := def.Build()
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	layers, err := g.Layers()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "workflow %q: %d nodes, %d edges, %d layers\n",
		g.Name(), g.NodeCount(), len(g.Edges()), len(layers))
	for i, layer := range layers {
		labels := make([]string, 0, len(layer))
		for _, id := range layer {
			n, _ := g.Node(id)
			labels = append(labels, fmt.Sprintf("%s (%s)", n.Label(), n.Type()))
		}
		fmt.Fprintf(w, "  layer %d: %s\n", i, strings.Join(labels, ", "))
	}
	return nil
}
