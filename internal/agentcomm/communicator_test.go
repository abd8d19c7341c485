package agentcomm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/agentfabric/internal/broker"
)

func TestCommunicatorDispatchesRequestAndAutoResponds(t *testing.T) {
	b := broker.NewBroker(broker.Config{}, nil)
	comm := New(b, broker.AgentInfo{ID: "worker"})
	comm.OnTopic("do_work", func(msg broker.Message) (interface{}, error) {
		return "done", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, comm.Start(ctx))
	defer comm.Stop()

	result, err := b.Request(context.Background(), "caller", "worker", "do_work", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestCommunicatorHandlerErrorProducesErrorResponse(t *testing.T) {
	b := broker.NewBroker(broker.Config{}, nil)
	comm := New(b, broker.AgentInfo{ID: "worker"})
	comm.OnTopic("fail", func(msg broker.Message) (interface{}, error) {
		return nil, errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, comm.Start(ctx))
	defer comm.Stop()

	result, err := b.Request(context.Background(), "caller", "worker", "fail", nil, time.Second)
	require.NoError(t, err) // broker.Request only surfaces transport timeouts, not handler errors
	payload, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "boom", payload["error"])
}

func TestCommunicatorHandlerPanicDoesNotKillListener(t *testing.T) {
	b := broker.NewBroker(broker.Config{}, nil)
	comm := New(b, broker.AgentInfo{ID: "worker"})
	comm.OnTopic("panics", func(msg broker.Message) (interface{}, error) {
		panic("boom")
	})
	comm.OnTopic("ok", func(msg broker.Message) (interface{}, error) {
		return "still alive", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, comm.Start(ctx))
	defer comm.Stop()

	_, _ = b.Request(context.Background(), "caller", "worker", "panics", nil, time.Second)
	result, err := b.Request(context.Background(), "caller", "worker", "ok", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still alive", result)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	b := broker.NewBroker(broker.Config{}, nil)
	comm := New(b, broker.AgentInfo{ID: "worker"})

	ctx := context.Background()
	require.NoError(t, comm.Start(ctx))
	require.NoError(t, comm.Start(ctx))
	comm.Stop()
	comm.Stop()
}
