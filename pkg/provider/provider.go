package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/conduit/pkg/errdefs"
	"github.com/rs/zerolog"
)

// Kind selects a backend implementation.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindGemini    Kind = "gemini"
	KindOllama    Kind = "ollama"
	KindKnowledge Kind = "knowledge"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation window sent to a backend.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCalls  []ProposedCall `json:"tool_calls,omitempty"`
}

// KnowledgeScope restricts a knowledge-base query.
type KnowledgeScope struct {
	IDs  []string `json:"ids"`
	Mode string   `json:"mode,omitempty"`
}

// ToolSpec advertises a callable tool to the backend.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// Request is an immutable chat turn request.
type Request struct {
	Messages    []Message       `json:"messages"`
	Model       string          `json:"model,omitempty"`
	Kind        Kind            `json:"provider"`
	Knowledge   *KnowledgeScope `json:"knowledge,omitempty"`
	Tools       []ToolSpec      `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

// System returns the concatenated system messages.
func (r Request) System() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// LastUser returns the content of the latest user message.
func (r Request) LastUser() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ProposedCall is a tool invocation proposed by the model.
type ProposedCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Chunk is one normalized stream element. Only the Final chunk carries
// ToolCalls and Usage.
type Chunk struct {
	Delta     string
	Final     bool
	ToolCalls []ProposedCall
	Usage     *Usage
}

// Stream is a consumable, non-restartable sequence of chunks.
type Stream interface {
	// Recv returns the next chunk. After the Final chunk it returns io.EOF.
	Recv() (Chunk, error)
	// Close releases the producer. It is safe to call more than once.
	Close() error
}

// Adapter opens streams against one backend.
type Adapter interface {
	Kind() Kind
	Open(ctx context.Context, req Request) (Stream, error)
}

// Config describes one configured backend.
type Config struct {
	Name      string
	Kind      Kind
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	DBPath    string
}

// Set holds one adapter per configured Kind.
type Set struct {
	adapters map[Kind]Adapter
}

// NewSet builds adapters from configuration. The first config of each kind
// wins.
func NewSet(ctx context.Context, cfgs []Config, logger zerolog.Logger) (*Set, error) {
	s := &Set{adapters: make(map[Kind]Adapter)}
	for _, cfg := range cfgs {
		if _, exists := s.adapters[cfg.Kind]; exists {
			logger.Warn().Str("provider", cfg.Name).Str("kind", string(cfg.Kind)).Msg("Duplicate provider kind ignored")
			continue
		}

		adapter, err := newAdapter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}
		s.adapters[cfg.Kind] = adapter
		logger.Info().Str("provider", cfg.Name).Str("kind", string(cfg.Kind)).Str("model", cfg.Model).Msg("Provider adapter initialized")
	}
	return s, nil
}

// NewSetFromAdapters builds a set from ready adapters.
func NewSetFromAdapters(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Kind()] = a
	}
	return s
}

func newAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	switch cfg.Kind {
	case KindAnthropic:
		return NewAnthropicAdapter(cfg), nil
	case KindOpenAI:
		return NewOpenAIAdapter(cfg), nil
	case KindGemini:
		return NewGeminiAdapter(ctx, cfg)
	case KindOllama:
		return NewOllamaAdapter(cfg)
	case KindKnowledge:
		return NewKnowledgeAdapter(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", errdefs.ErrInvalidArgument, cfg.Kind)
	}
}

// Adapter returns the adapter for kind.
func (s *Set) Adapter(kind Kind) (Adapter, error) {
	a, ok := s.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: provider kind %q is not configured", errdefs.ErrInvalidArgument, kind)
	}
	return a, nil
}

// Kinds lists configured kinds in sorted order.
func (s *Set) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.adapters))
	for k := range s.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Close releases adapters that hold resources.
func (s *Set) Close() error {
	var firstErr error
	for _, a := range s.adapters {
		if c, ok := a.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
