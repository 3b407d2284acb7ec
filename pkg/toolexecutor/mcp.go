package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/conduit/pkg/errdefs"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
)

// ClientVersion is reported to MCP servers during initialization.
const ClientVersion = "0.1.0"

// Transports supported by NewMCPService.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// MCPConfig describes an MCP server.
type MCPConfig struct {
	Name      string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
}

// MCPService is a ToolService backed by a Model Context Protocol server.
type MCPService struct {
	name   string
	client *client.Client
	logger zerolog.Logger
}

// NewMCPService connects to the server described by cfg and performs the
// initialize handshake.
func NewMCPService(ctx context.Context, cfg MCPConfig, logger zerolog.Logger) (*MCPService, error) {
	var (
		c   *client.Client
		err error
	)

	switch cfg.Transport {
	case TransportStdio, "":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("%w: mcp server %s: command is required", errdefs.ErrInvalidArgument, cfg.Name)
		}
		// The stdio client spawns the process and starts reading immediately.
		c, err = client.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
	case TransportHTTP:
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("%w: mcp server %s: url is required", errdefs.ErrInvalidArgument, cfg.Name)
		}
		c, err = client.NewStreamableHttpClient(cfg.URL)
		if err == nil {
			err = c.Start(ctx)
		}
	default:
		return nil, fmt.Errorf("%w: mcp server %s: unknown transport %q", errdefs.ErrInvalidArgument, cfg.Name, cfg.Transport)
	}
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		return nil, fmt.Errorf("mcp server %s: connect: %w", cfg.Name, err)
	}

	return newMCPService(ctx, cfg.Name, c, logger)
}

// newMCPService initializes an already started client.
func newMCPService(ctx context.Context, name string, c *client.Client, logger zerolog.Logger) (*MCPService, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "conduit", Version: ClientVersion}

	result, err := c.Initialize(ctx, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp server %s: initialize: %w", name, err)
	}

	logger.Info().
		Str("server", name).
		Str("server_name", result.ServerInfo.Name).
		Str("server_version", result.ServerInfo.Version).
		Str("protocol", result.ProtocolVersion).
		Msg("MCP server initialized")

	return &MCPService{name: name, client: c, logger: logger}, nil
}

// ListTools implements ToolService.
func (s *MCPService) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	res, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: list tools: %w", s.name, err)
	}

	out := make([]ToolDescriptor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		if tool.Name == "" {
			continue
		}
		out = append(out, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      mcpSchema(tool),
		})
	}
	return out, nil
}

// ExecuteTool implements ToolService. Text content blocks are joined with
// newlines; IsError results are reported as unsuccessful.
func (s *MCPService) ExecuteTool(ctx context.Context, tool string, args map[string]any) (ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return ToolResult{}, fmt.Errorf("mcp server %s: call %s: %w", s.name, tool, err)
	}

	var parts []string
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		return ToolResult{Success: false, Error: text}, nil
	}
	return ToolResult{Success: true, Result: text}, nil
}

// Close shuts the connection down and stops a stdio server process.
func (s *MCPService) Close() error {
	return s.client.Close()
}

func mcpSchema(tool mcp.Tool) map[string]any {
	if len(tool.RawInputSchema) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(tool.RawInputSchema, &schema); err == nil {
			return schema
		}
	}

	schemaType := tool.InputSchema.Type
	if schemaType == "" {
		schemaType = "object"
	}
	schema := map[string]any{"type": schemaType}
	if len(tool.InputSchema.Properties) > 0 {
		schema["properties"] = tool.InputSchema.Properties
	}
	if len(tool.InputSchema.Required) > 0 {
		schema["required"] = tool.InputSchema.Required
	}
	return schema
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
