package toolprovider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"the search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results"`
}

// startTestMCPServer runs an in-memory MCP server and returns a connector
// wired to it.
func startTestMCPServer(t *testing.T) *MCPConnector {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "search", Version: "test"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "web_search", Description: "Search the web"},
		func(_ context.Context, _ *mcp.CallToolRequest, in searchArgs) (*mcp.CallToolResult, any, error) {
			if in.Query == "fail" {
				return nil, nil, errors.New("search backend down")
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("results for %s", in.Query)}},
			}, nil, nil
		})

	return &MCPConnector{
		Name:    "agentd-test",
		Version: "test",
		Transport: func(catalog.ProviderSpec) (mcp.Transport, error) {
			serverTransport, clientTransport := mcp.NewInMemoryTransports()
			ss, err := server.Connect(context.Background(), serverTransport, nil)
			if err != nil {
				return nil, err
			}
			t.Cleanup(func() { _ = ss.Close() })
			return clientTransport, nil
		},
	}
}

func TestMCPConnector_RoundTrip(t *testing.T) {
	r := newTestRegistry(t, startTestMCPServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := r.EnsureStarted(ctx, searchSpec, "conv-1")
	require.NoError(t, err)
	require.Equal(t, StateReady, h.State)
	require.Len(t, h.Tools, 1)

	tool := h.Tools[0]
	assert.Equal(t, "web_search", tool.Name)
	assert.True(t, tool.RequiresConfirmation)
	require.Len(t, tool.Arguments, 2)
	assert.Equal(t, "limit", tool.Arguments[0].Name)
	assert.False(t, tool.Arguments[0].Required)
	assert.Equal(t, "query", tool.Arguments[1].Name)
	assert.True(t, tool.Arguments[1].Required)

	spec := searchSpec
	res, err := r.Invoke(ctx, InvokeRequest{
		InvocationID: "conv-1-0-1",
		ToolName:     "web_search",
		Arguments:    map[string]any{"query": "paris"},
		Provider:     &spec,
	})
	require.NoError(t, err)
	assert.Equal(t, "results for paris", res.Output["text"])

	var execErr *ExecutionError
	_, err = r.Invoke(ctx, InvokeRequest{
		InvocationID: "conv-1-0-2",
		ToolName:     "web_search",
		Arguments:    map[string]any{"query": "fail"},
		Provider:     &spec,
	})
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "search backend down")

	require.NoError(t, r.Stop(ctx, "search", "conv-1"))
}

func TestRegistry_DeclaredToolServedByProvider(t *testing.T) {
	r := newTestRegistry(t, startTestMCPServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	goal := catalog.Goal{
		ID:       "research",
		Tools:    []catalog.ToolDescriptor{{Name: "web_search", RequiresConfirmation: true}},
		Provider: &searchSpec,
	}
	h, err := r.EnsureStarted(ctx, searchSpec, "conv-1")
	require.NoError(t, err)

	ts := BuildToolset(goal, h.Tools)
	entry, ok := ts.Lookup("web_search")
	require.True(t, ok)
	require.Equal(t, OriginProvider, entry.Origin)
	assert.True(t, entry.Descriptor.RequiresConfirmation)
	require.Len(t, entry.Descriptor.Arguments, 2)

	res, err := r.Invoke(ctx, InvokeRequest{
		InvocationID: "conv-1-0-1",
		ToolName:     "web_search",
		Arguments:    map[string]any{"query": "louvre"},
		Provider:     goal.Provider,
	})
	require.NoError(t, err)
	assert.Equal(t, OriginProvider, res.Origin)
	assert.Equal(t, "results for louvre", res.Output["text"])

	r.RegisterNative("web_search", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"text": "local index"}, nil
	})
	res, err = r.Invoke(ctx, InvokeRequest{
		InvocationID: "conv-1-0-2",
		ToolName:     "web_search",
		Arguments:    map[string]any{"query": "louvre"},
		Provider:     goal.Provider,
	})
	require.NoError(t, err)
	assert.Equal(t, OriginNative, res.Origin, "a compiled handler takes precedence")
	assert.Equal(t, "local index", res.Output["text"])

	require.NoError(t, r.Stop(ctx, "search", "conv-1"))
}
