package mcpproto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Transport delivers a single raw JSON-RPC request and returns its raw
// response. Implementations may be in-process (PairedQueueTransport) or
// remote (WebSocketTransport).
type Transport interface {
	RoundTrip(ctx context.Context, raw []byte) ([]byte, error)
}

// PairedQueueTransport connects a client directly to a Server via an
// unbuffered request channel and a one-slot reply channel per call, the
// required in-memory transport named in §4.9.
type PairedQueueTransport struct {
	server  *Server
	inbound chan transportCall
}

type transportCall struct {
	raw    []byte
	result chan []byte
}

// NewPairedQueueTransport starts a goroutine that serially drains calls
// against server. Calling Close stops it.
func NewPairedQueueTransport(server *Server) *PairedQueueTransport {
	t := &PairedQueueTransport{server: server, inbound: make(chan transportCall)}
	go t.serve()
	return t
}

func (t *PairedQueueTransport) serve() {
	for call := range t.inbound {
		call.result <- t.handleRaw(context.Background(), call.raw)
	}
}

func (t *PairedQueueTransport) handleRaw(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		resp := errorResponse(nil, CodeInternalError, "invalid request envelope", err.Error())
		out, _ := json.Marshal(resp)
		return out
	}
	resp := t.server.Handle(ctx, req)
	out, _ := json.Marshal(resp)
	return out
}

// RoundTrip submits raw to the server goroutine and waits for its reply.
func (t *PairedQueueTransport) RoundTrip(ctx context.Context, raw []byte) ([]byte, error) {
	call := transportCall{raw: raw, result: make(chan []byte, 1)}
	select {
	case t.inbound <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-call.result:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the transport's serving goroutine.
func (t *PairedQueueTransport) Close() { close(t.inbound) }

// WebSocketTransport adapts a single gorilla/websocket connection into a
// blocking request/response Transport, letting remote MCP clients reach
// a Server over the wire (optional, per §4.9).
type WebSocketTransport struct {
	conn *websocket.Conn
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// RoundTrip writes raw as one text frame and reads the next frame as the
// response. Callers must serialize their own calls; this transport does
// not multiplex concurrent requests over one connection.
func (t *WebSocketTransport) RoundTrip(ctx context.Context, raw []byte) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		_ = t.conn.SetReadDeadline(deadline)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return nil, fmt.Errorf("mcpproto: websocket write: %w", err)
	}
	_, resp, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("mcpproto: websocket read: %w", err)
	}
	return resp, nil
}

// ServeWebSocket runs a read loop over conn, dispatching each inbound
// frame to server and writing back its response, until the connection
// closes or ctx is cancelled.
func ServeWebSocket(ctx context.Context, conn *websocket.Conn, server *Server) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("mcpproto: websocket read: %w", err)
		}
		var req Request
		var resp Response
		if err := json.Unmarshal(raw, &req); err != nil {
			resp = errorResponse(nil, CodeInternalError, "invalid request envelope", err.Error())
		} else {
			resp = server.Handle(ctx, req)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("mcpproto: marshal response: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return fmt.Errorf("mcpproto: websocket write: %w", err)
		}
	}
}
