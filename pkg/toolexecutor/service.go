package toolexecutor

import (
	"context"
	"strings"
)

// separator joins a server name and a tool name into a qualified name.
const separator = "__"

// ToolDescriptor describes one tool a service exposes.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"input_schema,omitempty"`
}

// ToolResult is the outcome reported by a tool service.
type ToolResult struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolService is an endpoint hosting tools. A returned error means the
// service could not be reached; tool-level failures are reported through
// ToolResult.Success.
type ToolService interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	ExecuteTool(ctx context.Context, tool string, args map[string]any) (ToolResult, error)
	Close() error
}

// QualifiedName joins server and tool.
func QualifiedName(server, tool string) string {
	return server + separator + tool
}

// SplitQualifiedName splits a qualified name at the first separator.
func SplitQualifiedName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, separator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
