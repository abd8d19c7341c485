package mcpproto

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairedQueueTransportRoundTrip(t *testing.T) {
	server, _ := testServer()
	transport := NewPairedQueueTransport(server)
	defer transport.Close()

	raw, _ := json.Marshal(Request{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	respRaw, err := transport.RoundTrip(ctx, raw)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(respRaw, &resp))
	assert.Nil(t, resp.Error)
}

func TestPairedQueueTransportSerializesConcurrentCalls(t *testing.T) {
	server, _ := testServer()
	transport := NewPairedQueueTransport(server)
	defer transport.Close()

	raw, _ := json.Marshal(Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := transport.RoundTrip(ctx, raw)
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
}
