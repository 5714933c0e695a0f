package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Backend against any OpenAI-compatible chat
// completion endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
	retry  Retry
}

// NewOpenAIClient builds a client from FORGE_API_KEY / FORGE_API_BASE /
// FORGE_MODEL. A missing key is a setup error: the run cannot start.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("FORGE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("FORGE_API_KEY (or OPENAI_API_KEY) not set")
	}

	cfg := openai.DefaultConfig(apiKey)
	if base := os.Getenv("FORGE_API_BASE"); base != "" {
		cfg.BaseURL = base
	}

	model := os.Getenv("FORGE_MODEL")
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		retry:  DefaultRetry,
	}, nil
}

// NewOpenAIClientWith builds a client with an explicit base URL and model,
// used by tests and by config overrides.
func NewOpenAIClientWith(apiKey, baseURL, model string, retry Retry) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model, retry: retry}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) request(system, user string, maxTokens int) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
}

// Complete sends a plain completion request.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, maxTokens int) (Response, error) {
	return c.complete(ctx, c.request(system, user, maxTokens))
}

// CompleteWithTools offers the given tool schema alongside the prompt.
func (c *OpenAIClient) CompleteWithTools(ctx context.Context, system, user string, maxTokens int, tools []ToolDef) (Response, error) {
	req := c.request(system, user, maxTokens)
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return c.complete(ctx, req)
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (Response, error) {
	var resp openai.ChatCompletionResponse
	err := c.retry.Do(ctx, func() error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: backend returned no choices", ErrAPI)
	}

	msg := resp.Choices[0].Message
	out := Response{
		Content: msg.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream accumulates a streamed completion. When the backend omits usage in
// the stream, tokens are estimated from character counts.
func (c *OpenAIClient) Stream(ctx context.Context, system, user string, maxTokens int) (Response, error) {
	req := c.request(system, user, maxTokens)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var content strings.Builder
	var usage *openai.Usage

	err := c.retry.Do(ctx, func() error {
		content.Reset()
		usage = nil

		stream, callErr := c.client.CreateChatCompletionStream(ctx, req)
		if callErr != nil {
			return callErr
		}
		defer stream.Close()

		for {
			chunk, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				return nil
			}
			if recvErr != nil {
				return recvErr
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if len(chunk.Choices) > 0 {
				content.WriteString(chunk.Choices[0].Delta.Content)
			}
		}
	})
	if err != nil {
		return Response{}, err
	}

	out := Response{Content: content.String()}
	if usage != nil {
		out.Usage = Usage{PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens}
	} else {
		out.Usage = Usage{
			PromptTokens:     EstimateTokens(system + user),
			CompletionTokens: EstimateTokens(out.Content),
			Estimated:        true,
		}
	}
	return out, nil
}
