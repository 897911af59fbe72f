// =============================================================================
// dagflow 命令行入口
// =============================================================================
//
// 使用方法:
//
//	dagflow run --workflow flow.yaml --input '{"doc":"..."}'
//	dagflow run --config dagflow.yaml --workflow flow.yaml --output yaml
//	dagflow validate --workflow flow.yaml
//	dagflow version
// =============================================================================

package main

import (
	"fmt"
	"io"
	"os"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

// dispatch 执行子命令并返回进程退出码
func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "run":
		return runCommand(args[1:], stdout, stderr)
	case "validate":
		return validateCommand(args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "dagflow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `dagflow - DAG workflow executor

Usage:
  dagflow <command> [options]

Commands:
  run       Execute a workflow definition once
  validate  Check a workflow definition and print its layers
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --workflow <path>      Workflow definition (.yaml, .yml or .json)
  --input <json|@file>   Run input as a JSON object
  --tool-results <@file> JSON object mapping agent node to tool results
  --run-id <id>          Pin the run id
  --output json|yaml     Report format (default json)

Examples:
  dagflow validate --workflow examples/summarize.yaml
  dagflow run --workflow examples/summarize.yaml --input @input.json
  DAGFLOW_PROVIDER_API_KEY=sk-... dagflow run --workflow flow.yaml`)
}
