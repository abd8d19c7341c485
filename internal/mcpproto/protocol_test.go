package mcpproto

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/agentfabric/internal/tools"
)

func testServer() (*Server, *tools.Registry) {
	registry := tools.NewRegistry()
	registry.Add(&tools.Tool{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: tools.NewBuilder().Param("text", tools.ParamString, true, nil).Schema(),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	})
	return NewServer(ServerInfo{Name: "test-server", Version: "0.1.0"}, registry), registry
}

func TestInitializeReturnsProtocolVersion(t *testing.T) {
	server, _ := testServer()
	resp := server.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
}

func TestToolsListIncludesRegisteredTool(t *testing.T) {
	server, _ := testServer()
	resp := server.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	listing := result["tools"].([]toolListing)
	require.Len(t, listing, 1)
	assert.Equal(t, "echo", listing[0].Name)
}

func TestToolsCallReturnsTextContent(t *testing.T) {
	server, _ := testServer()
	params, _ := json.Marshal(map[string]interface{}{"name": "echo", "arguments": map[string]interface{}{"text": "hi"}})
	resp := server.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	content := result["content"].([]map[string]interface{})
	assert.Equal(t, "hi", content[0]["text"])
}

func TestToolsCallUnknownToolReturnsInternalError(t *testing.T) {
	server, _ := testServer()
	params, _ := json.Marshal(map[string]interface{}{"name": "ghost", "arguments": map[string]interface{}{}})
	resp := server.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	server, _ := testServer()
	resp := server.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "does/not/exist"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestResourcesListWithoutProviderReturnsEmpty(t *testing.T) {
	server, _ := testServer()
	resp := server.Handle(context.Background(), Request{JSONRPC: "2.0", ID: 1, Method: "resources/list"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Empty(t, result["resources"])
}
