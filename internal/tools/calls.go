package tools

import (
	"encoding/json"
	"fmt"

	"github.com/adam-wheater/Forge-Cli-sub000/internal/agent"
)

// The catalogue models tool calls as a tagged union: each tool name maps to a
// typed argument struct, and the decoder rejects unknown variants explicitly
// instead of probing dynamic fields.

type SearchFiles struct {
	Pattern string `json:"pattern"`
}

type OpenFile struct {
	Path     string `json:"path"`
	MaxLines int    `json:"max_lines,omitempty"`
}

type ViewDiff struct{}

type WriteFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type RunTests struct {
	Filter string `json:"filter,omitempty"`
}

type LastTestReport struct{}

type GetCoverage struct{}

type ListTests struct{}

type GetSymbols struct {
	Path string `json:"path"`
}

type GetInterface struct {
	Name string `json:"name"`
}

type GetDependencies struct{}

type SemanticSearch struct {
	Query string `json:"query"`
}

type ExplainError struct {
	Message string `json:"message"`
}

type toolSpec struct {
	description string
	schema      map[string]any
	decode      func(json.RawMessage) (any, error)
}

func decodeInto[T any](raw json.RawMessage) (any, error) {
	var args T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	return args, nil
}

var catalogue = map[string]toolSpec{
	"search_files": {
		description: "Search repository files for a literal pattern.",
		schema:      jsonSchema(map[string]any{"pattern": map[string]any{"type": "string"}}, "pattern"),
		decode:      decodeInto[SearchFiles],
	},
	"open_file": {
		description: "Read a file from the repository, bounded by a line count.",
		schema: jsonSchema(map[string]any{
			"path":      map[string]any{"type": "string"},
			"max_lines": map[string]any{"type": "integer"},
		}, "path"),
		decode: decodeInto[OpenFile],
	},
	"view_diff": {
		description: "Show the current working-tree diff.",
		schema:      jsonSchema(map[string]any{}),
		decode:      decodeInto[ViewDiff],
	},
	"write_file": {
		description: "Write a test source file inside the repository.",
		schema: jsonSchema(map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		}, "path", "content"),
		decode: decodeInto[WriteFile],
	},
	"run_tests": {
		description: "Run the project's tests, optionally filtered by name.",
		schema:      jsonSchema(map[string]any{"filter": map[string]any{"type": "string"}}),
		decode:      decodeInto[RunTests],
	},
	"last_test_report": {
		description: "Return the most recent test report without re-running.",
		schema:      jsonSchema(map[string]any{}),
		decode:      decodeInto[LastTestReport],
	},
	"get_coverage": {
		description: "Run coverage and report per-unit uncovered line ranges.",
		schema:      jsonSchema(map[string]any{}),
		decode:      decodeInto[GetCoverage],
	},
	"list_tests": {
		description: "List the test identifiers the toolchain knows about.",
		schema:      jsonSchema(map[string]any{}),
		decode:      decodeInto[ListTests],
	},
	"get_symbols": {
		description: "Look up classes, methods, and properties declared in a file.",
		schema:      jsonSchema(map[string]any{"path": map[string]any{"type": "string"}}, "path"),
		decode:      decodeInto[GetSymbols],
	},
	"get_interface": {
		description: "Look up an interface definition by name.",
		schema:      jsonSchema(map[string]any{"name": map[string]any{"type": "string"}}, "name"),
		decode:      decodeInto[GetInterface],
	},
	"get_dependencies": {
		description: "List dependency registrations discovered in the repository.",
		schema:      jsonSchema(map[string]any{}),
		decode:      decodeInto[GetDependencies],
	},
	"semantic_search": {
		description: "Search the codebase semantically for a natural-language query.",
		schema:      jsonSchema(map[string]any{"query": map[string]any{"type": "string"}}, "query"),
		decode:      decodeInto[SemanticSearch],
	},
	"explain_error": {
		description: "Classify a failure message and suggest a fix.",
		schema:      jsonSchema(map[string]any{"message": map[string]any{"type": "string"}}, "message"),
		decode:      decodeInto[ExplainError],
	},
}

// DecodeCall decodes a raw call into its typed argument struct.
func DecodeCall(call agent.RawCall) (any, error) {
	spec, ok := catalogue[call.Tool]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Tool)
	}
	return spec.decode(call.Args)
}
