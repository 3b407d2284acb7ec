package provider

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/harun/conduit/pkg/errdefs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetSelectsByKind(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kb.db")
	set, err := NewSet(context.Background(), []Config{
		{Name: "claude", Kind: KindAnthropic, APIKey: "test", Model: "claude-sonnet-4-5"},
		{Name: "gpt", Kind: KindOpenAI, APIKey: "test", Model: "gpt-4o"},
		{Name: "local", Kind: KindOllama, BaseURL: "http://127.0.0.1:11434", Model: "llama3"},
		{Name: "kb", Kind: KindKnowledge, DBPath: dbPath},
		{Name: "gpt-dup", Kind: KindOpenAI, APIKey: "other"},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer set.Close()

	assert.Equal(t, []Kind{KindAnthropic, KindKnowledge, KindOllama, KindOpenAI}, set.Kinds())

	a, err := set.Adapter(KindOllama)
	require.NoError(t, err)
	assert.Equal(t, KindOllama, a.Kind())

	_, err = set.Adapter(KindGemini)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestNewSetRejectsUnknownKind(t *testing.T) {
	_, err := NewSet(context.Background(), []Config{{Name: "x", Kind: "mystery"}}, zerolog.Nop())
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestRequestHelpers(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleSystem, Content: "use tools"},
		{Role: RoleUser, Content: "second"},
	}}
	assert.Equal(t, "be brief\n\nuse tools", req.System())
	assert.Equal(t, "second", req.LastUser())
	assert.Empty(t, Request{}.LastUser())
}

func TestSchemaHelpers(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"path", 3},
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "file path"},
			"bogus": "ignored",
		},
	}
	assert.Equal(t, []string{"path"}, schemaRequired(schema))
	props := schemaProperties(schema)
	require.Len(t, props, 1)
	assert.Equal(t, "string", props["path"]["type"])
	assert.Nil(t, schemaRequired(map[string]any{}))
}

func TestToAnthropicMessagesMergesToolResults(t *testing.T) {
	msgs := toAnthropicMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "read both"},
		{Role: RoleAssistant, ToolCalls: []ProposedCall{{ID: "a", Name: "fs__read"}, {ID: "b", Name: "fs__read"}}},
		{Role: RoleTool, ToolCallID: "a", Content: "one"},
		{Role: RoleTool, ToolCallID: "b", Content: "two"},
		{Role: RoleAssistant, Content: "done"},
	})
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[1].Content, 2)
	assert.Len(t, msgs[2].Content, 2)
}

func TestToOpenAIMessages(t *testing.T) {
	msgs, err := toOpenAIMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ProposedCall{{ID: "a", Name: "clock__now", Arguments: map[string]any{}}}},
		{Role: RoleTool, ToolCallID: "a", Content: "noon"},
	})
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestToGeminiContentsSkipsSystem(t *testing.T) {
	contents := toGeminiContents([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello", ToolCalls: []ProposedCall{{ID: "a", Name: "clock__now"}}},
		{Role: RoleTool, ToolName: "clock__now", ToolCallID: "a", Content: "noon"},
	})
	require.Len(t, contents, 3)
	assert.Len(t, contents[1].Parts, 2)
	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
}
