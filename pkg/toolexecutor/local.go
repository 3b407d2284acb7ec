package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/conduit/pkg/errdefs"
)

// ToolParameter defines a parameter of a local tool.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolHandler executes a local tool.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// LocalTool is a tool implemented in-process.
type LocalTool struct {
	Name        string
	Description string
	Parameters  []ToolParameter
	Handler     ToolHandler
}

// LocalService hosts in-process tools.
type LocalService struct {
	mu    sync.RWMutex
	tools map[string]LocalTool
}

// NewLocalService creates a service hosting tools.
func NewLocalService(tools ...LocalTool) (*LocalService, error) {
	s := &LocalService{tools: make(map[string]LocalTool)}
	for _, tool := range tools {
		if err := s.Add(tool); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a tool. Names must be unique within the service.
func (s *LocalService) Add(tool LocalTool) error {
	if err := validateLocalTool(tool); err != nil {
		return fmt.Errorf("%w: invalid tool definition: %v", errdefs.ErrInvalidArgument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[tool.Name]; exists {
		return fmt.Errorf("%w: tool %s already registered", errdefs.ErrInvalidArgument, tool.Name)
	}
	s.tools[tool.Name] = tool
	return nil
}

// ListTools implements ToolService.
func (s *LocalService) ListTools(_ context.Context) ([]ToolDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(s.tools))
	for _, tool := range s.tools {
		out = append(out, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      schemaFor(tool.Parameters),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ExecuteTool implements ToolService. Handler errors become unsuccessful
// results; only an unknown tool is reported as an error.
func (s *LocalService) ExecuteTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	s.mu.RLock()
	tool, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return ToolResult{}, fmt.Errorf("tool %s: %w", name, errdefs.ErrNotFound)
	}

	out, err := tool.Handler(ctx, args)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}, nil
	}
	return ToolResult{Success: true, Result: out}, nil
}

// Close implements ToolService.
func (s *LocalService) Close() error { return nil }

var validParameterTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateLocalTool(tool LocalTool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	for _, param := range tool.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validParameterTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}
	return nil
}

// schemaFor builds the JSON Schema of a parameter list.
func schemaFor(params []ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string

	for _, param := range params {
		prop := map[string]any{"type": param.Type}
		if param.Description != "" {
			prop["description"] = param.Description
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
