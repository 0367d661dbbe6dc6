package toolprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
)

// MCPConnector connects to MCP servers over stdio or streamable HTTP.
type MCPConnector struct {
	// Name and Version identify this client to servers.
	Name    string
	Version string

	// Transport overrides transport selection. Tests use it to supply
	// in-memory transports.
	Transport func(spec catalog.ProviderSpec) (mcp.Transport, error)
}

// NewMCPConnector returns a connector identifying itself as agentd.
func NewMCPConnector(version string) *MCPConnector {
	return &MCPConnector{Name: "agentd", Version: version}
}

// Connect opens an MCP client session for spec.
func (c *MCPConnector) Connect(ctx context.Context, spec catalog.ProviderSpec) (Session, error) {
	transport, err := c.transport(spec)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: c.Name, Version: c.Version}, nil)
	cs, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", spec.ID, err)
	}
	return &mcpSession{id: spec.ID, cs: cs}, nil
}

func (c *MCPConnector) transport(spec catalog.ProviderSpec) (mcp.Transport, error) {
	if c.Transport != nil {
		return c.Transport(spec)
	}
	if spec.URL != "" {
		return &mcp.StreamableClientTransport{Endpoint: spec.URL}, nil
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("provider %s has neither command nor url", spec.ID)
	}
	// The process outlives the start context, so it is not bound to it.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

type mcpSession struct {
	id string
	cs *mcp.ClientSession
}

func (s *mcpSession) ListTools(ctx context.Context) ([]catalog.ToolDescriptor, error) {
	var out []catalog.ToolDescriptor
	for tool, err := range s.cs.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools of %s: %w", s.id, err)
		}
		out = append(out, descriptorFromMCP(tool))
	}
	return out, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	res, err := s.cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, s.id, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return nil, &ExecutionError{Tool: name, Message: text}
	}

	out := map[string]any{}
	if res.StructuredContent != nil {
		data, err := json.Marshal(res.StructuredContent)
		if err == nil {
			_ = json.Unmarshal(data, &out)
		}
	}
	if text != "" {
		out["text"] = text
	}
	return out, nil
}

func (s *mcpSession) Close() error {
	return s.cs.Close()
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type inputSchema struct {
	Properties map[string]struct {
		Type        any    `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// descriptorFromMCP flattens an MCP tool's JSON schema into arguments.
// Provider tools always require confirmation.
func descriptorFromMCP(t *mcp.Tool) catalog.ToolDescriptor {
	d := catalog.ToolDescriptor{
		Name:                 t.Name,
		Description:          t.Description,
		RequiresConfirmation: true,
	}
	if t.Annotations != nil && t.Annotations.ReadOnlyHint {
		d.RequiresConfirmation = false
	}

	var schema inputSchema
	if data, err := json.Marshal(t.InputSchema); err == nil {
		_ = json.Unmarshal(data, &schema)
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop := schema.Properties[name]
		d.Arguments = append(d.Arguments, catalog.Argument{
			Name:        name,
			Type:        fmt.Sprint(prop.Type),
			Description: prop.Description,
			Required:    required[name],
		})
	}
	return d
}
