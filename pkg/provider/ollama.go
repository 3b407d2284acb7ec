package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaAdapter streams from a self-hosted Ollama server.
type OllamaAdapter struct {
	client *api.Client
	model  string
}

// NewOllamaAdapter creates an Ollama adapter.
func NewOllamaAdapter(cfg Config) (*OllamaAdapter, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = defaultOllamaURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	return &OllamaAdapter{
		client: api.NewClient(baseURL, http.DefaultClient),
		model:  cfg.Model,
	}, nil
}

// Kind implements Adapter.
func (a *OllamaAdapter) Kind() Kind { return KindOllama }

// Open implements Adapter.
func (a *OllamaAdapter) Open(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	stream := true
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   &stream,
		Tools:    toOllamaTools(req.Tools),
	}
	if req.Temperature != nil {
		chatReq.Options = map[string]any{"temperature": *req.Temperature}
	}

	return startStream(ctx, string(KindOllama), classifyOllama, func(ctx context.Context, emit emitFunc) (Chunk, error) {
		final := Chunk{}
		err := a.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				if err := emit(Chunk{Delta: resp.Message.Content}); err != nil {
					return err
				}
			}
			for _, tc := range resp.Message.ToolCalls {
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", len(final.ToolCalls)+1)
				}
				final.ToolCalls = append(final.ToolCalls, ProposedCall{
					ID:        id,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments.ToMap(),
				})
			}
			if resp.Done {
				final.Usage = &Usage{InputTokens: int64(resp.PromptEvalCount), OutputTokens: int64(resp.EvalCount)}
			}
			return nil
		})
		if err != nil {
			return Chunk{}, err
		}
		return final, nil
	}), nil
}

func toOllamaMessages(msgs []Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, msg := range msgs {
		m := api.Message{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == RoleTool {
			m.ToolName = msg.ToolName
			m.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			args := api.NewToolCallFunctionArguments()
			for k, v := range tc.Arguments {
				args.Set(k, v)
			}
			m.ToolCalls = append(m.ToolCalls, api.ToolCall{
				ID:       tc.ID,
				Function: api.ToolCallFunction{Name: tc.Name, Arguments: args},
			})
		}
		out = append(out, m)
	}
	return out
}

func toOllamaTools(tools []ToolSpec) []api.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]api.Tool, 0, len(tools))
	for _, tool := range tools {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: api.NewToolPropertiesMap(),
			Required:   schemaRequired(tool.Schema),
		}
		for name, prop := range schemaProperties(tool.Schema) {
			p := api.ToolProperty{}
			if t, ok := prop["type"].(string); ok {
				p.Type = api.PropertyType{t}
			}
			if d, ok := prop["description"].(string); ok {
				p.Description = d
			}
			params.Properties.Set(name, p)
		}
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func classifyOllama(err error) error {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		return providerError(string(KindOllama), statusErr.StatusCode, err)
	}
	var statusVal api.StatusError
	if errors.As(err, &statusVal) {
		return providerError(string(KindOllama), statusVal.StatusCode, err)
	}
	return providerError(string(KindOllama), 0, err)
}
