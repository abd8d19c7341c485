// Package mcpproto implements the coordination fabric's JSON-RPC 2.0
// envelope and MCP method table (initialize, tools/*, resources/*,
// prompts/*) over a pluggable transport, per spec §4.9/§6.1.
package mcpproto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/agentfabric/internal/tools"
)

const jsonRPCVersion = "2.0"

// Error codes per the JSON-RPC 2.0 spec, as named in §4.9.
const (
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("mcp: %d %s", e.Code, e.Message) }

// Request is one JSON-RPC call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC reply; exactly one of Result/Error is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

func errorResponse(id interface{}, code int, msg string, data interface{}) Response {
	return Response{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: msg, Data: data}}
}

func resultResponse(id interface{}, result interface{}) Response {
	return Response{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

// ServerInfo identifies the MCP server in initialize's response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResourceProvider and PromptProvider let a Server expose resources/
// prompts beyond tools, without forcing every deployment to implement
// them.
type ResourceProvider interface {
	ListResources(ctx context.Context) ([]Resource, error)
	ReadResource(ctx context.Context, uri string) (ResourceContent, error)
}

type PromptProvider interface {
	ListPrompts(ctx context.Context) ([]Prompt, error)
	GetPrompt(ctx context.Context, name string, arguments map[string]interface{}) (PromptResult, error)
}

// Resource describes one readable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// ResourceContent is the body returned by resources/read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Prompt describes one available prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one turn in a rendered prompt.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// PromptResult is prompts/get's response payload.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Server dispatches JSON-RPC requests to the tool registry and optional
// resource/prompt providers.
type Server struct {
	info      ServerInfo
	registry  *tools.Registry
	resources ResourceProvider
	prompts   PromptProvider
}

func NewServer(info ServerInfo, registry *tools.Registry) *Server {
	return &Server{info: info, registry: registry}
}

func (s *Server) WithResources(p ResourceProvider) *Server {
	s.resources = p
	return s
}

func (s *Server) WithPrompts(p PromptProvider) *Server {
	s.prompts = p
	return s
}

// Handle dispatches one parsed Request to the matching method and
// returns a Response ready for serialization.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(ctx, req)
	case "resources/read":
		return s.handleResourcesRead(ctx, req)
	case "prompts/list":
		return s.handlePromptsList(ctx, req)
	case "prompts/get":
		return s.handlePromptsGet(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(req Request) Response {
	return resultResponse(req.ID, map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		"serverInfo":      s.info,
	})
}

type toolListing struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	InputSchema tools.Schema  `json:"inputSchema"`
}

func (s *Server) handleToolsList(req Request) Response {
	listed := s.registry.List(tools.ListFilter{})
	out := make([]toolListing, 0, len(listed))
	for _, t := range listed {
		out = append(out, toolListing{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return resultResponse(req.ID, map[string]interface{}{"tools": out})
}

type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInternalError, "invalid params", err.Error())
	}

	result := s.registry.Execute(ctx, params.Name, params.Arguments)
	if !result.Success {
		return errorResponse(req.ID, CodeInternalError, result.Error, nil)
	}

	text, err := toText(result.Data)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return resultResponse(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": text}},
	})
}

func toText(data interface{}) (string, error) {
	switch v := data.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("mcp: marshal tool result: %w", err)
		}
		return string(raw), nil
	}
}

func (s *Server) handleResourcesList(ctx context.Context, req Request) Response {
	if s.resources == nil {
		return resultResponse(req.ID, map[string]interface{}{"resources": []Resource{}})
	}
	list, err := s.resources.ListResources(ctx)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return resultResponse(req.ID, map[string]interface{}{"resources": list})
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleResourcesRead(ctx context.Context, req Request) Response {
	if s.resources == nil {
		return errorResponse(req.ID, CodeInternalError, "no resource provider configured", nil)
	}
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInternalError, "invalid params", err.Error())
	}
	content, err := s.resources.ReadResource(ctx, params.URI)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return resultResponse(req.ID, map[string]interface{}{"contents": []ResourceContent{content}})
}

func (s *Server) handlePromptsList(ctx context.Context, req Request) Response {
	if s.prompts == nil {
		return resultResponse(req.ID, map[string]interface{}{"prompts": []Prompt{}})
	}
	list, err := s.prompts.ListPrompts(ctx)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return resultResponse(req.ID, map[string]interface{}{"prompts": list})
}

type promptsGetParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handlePromptsGet(ctx context.Context, req Request) Response {
	if s.prompts == nil {
		return errorResponse(req.ID, CodeInternalError, "no prompt provider configured", nil)
	}
	var params promptsGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInternalError, "invalid params", err.Error())
	}
	result, err := s.prompts.GetPrompt(ctx, params.Name, params.Arguments)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return resultResponse(req.ID, result)
}
