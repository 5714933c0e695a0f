// Package llm wraps the language-model backend behind a small interface with
// two call shapes (plain completion and tool-schema completion) plus a
// streaming variant. All transport retries go through one Retry policy so
// call sites never hand-roll attempt counters.
package llm

import (
	"context"
	"errors"
)

// ErrAPI is the terminal error for a backend call whose retries are
// exhausted. Transport failures below the retry budget are never surfaced.
var ErrAPI = errors.New("model backend call failed")

// Usage reports token consumption for one call. When the backend omits usage
// (some streaming responses), it is estimated at one token per four input or
// output characters.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
}

// ToolDef describes one tool offered to the model in the native
// function-calling transport. Parameters is a JSON-schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  any
}

// ToolCall is a structured tool invocation returned by the model.
type ToolCall struct {
	Name      string
	Arguments string // raw JSON
}

// Response is the terminal result of one backend call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Backend is the language-model client consumed by the agent runtime.
type Backend interface {
	// Complete sends a plain system+user completion request.
	Complete(ctx context.Context, system, user string, maxTokens int) (Response, error)
	// CompleteWithTools additionally offers a machine-readable tool schema;
	// the model may answer with content, tool calls, or both.
	CompleteWithTools(ctx context.Context, system, user string, maxTokens int, tools []ToolDef) (Response, error)
	// Stream accumulates a streamed completion into a full Response. Usage is
	// estimated when the backend does not report it.
	Stream(ctx context.Context, system, user string, maxTokens int) (Response, error)
}

// EstimateTokens approximates a token count from character length, used when
// the backend omits usage data.
func EstimateTokens(text string) int {
	return len(text) / 4
}
