package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/agentfabric/internal/clockid"
)

func newTestBroker() *Broker {
	return NewBroker(Config{}, clockid.NewStepClock(time.Unix(0, 0), time.Millisecond))
}

func TestRegisterAgentAllocatesMailbox(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))
	size, ok := b.MailboxSize("a1")
	require.True(t, ok)
	assert.Equal(t, 0, size)
}

func TestRegisterAgentRejectsDuplicate(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))
	assert.ErrorIs(t, b.RegisterAgent(AgentInfo{ID: "a1"}), ErrAgentExists)
}

func TestSendUnknownAgentFails(t *testing.T) {
	b := newTestBroker()
	msg := NewMessage(nil, KindEvent, "s", "ghost", "t", nil, PriorityNormal)
	assert.ErrorIs(t, b.Send(msg), ErrUnknownAgent)
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))
	msg := NewMessage(nil, KindEvent, "s", "a1", "topic", "hello", PriorityNormal)
	require.NoError(t, b.Send(msg))

	got, ok := b.Receive(context.Background(), "a1", 0)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Payload)
}

func TestMailboxPriorityOrdering(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))

	low := NewMessage(nil, KindEvent, "s", "a1", "t", "low", PriorityLow)
	high := NewMessage(nil, KindEvent, "s", "a1", "t", "high", PriorityHigh)
	require.NoError(t, b.Send(low))
	require.NoError(t, b.Send(high))

	first, _ := b.Receive(context.Background(), "a1", 0)
	second, _ := b.Receive(context.Background(), "a1", 0)
	assert.Equal(t, "high", first.Payload)
	assert.Equal(t, "low", second.Payload)
}

func TestMailboxFIFOWithinEqualPriority(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, b.Send(NewMessage(nil, KindEvent, "s", "a1", "t", p, PriorityNormal)))
	}

	var got []string
	for i := 0; i < 3; i++ {
		msg, ok := b.Receive(context.Background(), "a1", 0)
		require.True(t, ok)
		got = append(got, msg.Payload.(string))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestSendFailsFastWhenQueueFull(t *testing.T) {
	b := NewBroker(Config{DefaultMaxQueue: 1}, nil)
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))
	require.NoError(t, b.Send(NewMessage(nil, KindEvent, "s", "a1", "t", 1, PriorityNormal)))
	err := b.Send(NewMessage(nil, KindEvent, "s", "a1", "t", 2, PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestReceiveReturnsFalseOnEmptyMailbox(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))
	_, ok := b.Receive(context.Background(), "a1", 0)
	assert.False(t, ok)
}

func TestPublishDeliversToMatchingSubscribersOnly(t *testing.T) {
	b := newTestBroker()
	var mu sync.Mutex
	var received []string

	b.Subscribe("alerts", nil, func(m Message) {
		mu.Lock()
		received = append(received, m.Payload.(string))
		mu.Unlock()
	})
	b.Subscribe("other", nil, func(m Message) {
		t.Fatal("subscriber on wrong topic invoked")
	})

	b.Publish(NewMessage(nil, KindEvent, "s", "", "alerts", "fired", PriorityNormal))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fired"}, received)
}

func TestPublishFilterPredicateGatesDelivery(t *testing.T) {
	b := newTestBroker()
	delivered := false
	b.Subscribe("topic", func(m Message) bool { return m.Payload == "keep" }, func(m Message) {
		delivered = true
	})
	b.Publish(NewMessage(nil, KindEvent, "s", "", "topic", "drop", PriorityNormal))
	assert.False(t, delivered)
	b.Publish(NewMessage(nil, KindEvent, "s", "", "topic", "keep", PriorityNormal))
	assert.True(t, delivered)
}

func TestPublishSurvivesPanickingSubscriber(t *testing.T) {
	b := newTestBroker()
	calledSecond := false
	b.Subscribe("t", nil, func(Message) { panic("boom") })
	b.Subscribe("t", nil, func(Message) { calledSecond = true })
	assert.NotPanics(t, func() {
		b.Publish(NewMessage(nil, KindEvent, "s", "", "t", nil, PriorityNormal))
	})
	assert.True(t, calledSecond)
}

func TestBroadcastSendsToAllRegisteredAgents(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a2"}))

	b.Broadcast(NewMessage(nil, KindBroadcast, "s", "", "t", "payload", PriorityNormal))

	_, ok1 := b.Receive(context.Background(), "a1", 0)
	_, ok2 := b.Receive(context.Background(), "a2", 0)
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestRequestRespondRoundTrip(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "responder"}))

	go func() {
		msg, ok := b.Receive(context.Background(), "responder", time.Second)
		if !ok {
			return
		}
		_ = b.Respond(msg, "pong")
	}()

	result, err := b.Request(context.Background(), "requester", "responder", "ping", "payload", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestRequestTimesOutAndCleansUpPendingFuture(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "responder"}))

	_, err := b.Request(context.Background(), "requester", "responder", "ping", nil, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, b.PurgeStalePendingFutures(0))
}

func TestLateRespondAfterTimeoutIsSilentlyDropped(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "responder"}))

	_, err := b.Request(context.Background(), "requester", "responder", "ping", nil, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	msg, ok := b.Receive(context.Background(), "responder", 0)
	require.True(t, ok)
	assert.NotPanics(t, func() {
		err := b.Respond(msg, "too-late")
		assert.NoError(t, err)
	})
}

func TestRespondWithoutPendingFutureEnqueuesMessage(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "original-sender"}))

	original := NewMessage(nil, KindRequest, "original-sender", "handler", "t", nil, PriorityHigh)
	require.NoError(t, b.Respond(original, "delivered"))

	got, ok := b.Receive(context.Background(), "original-sender", 0)
	require.True(t, ok)
	assert.Equal(t, "delivered", got.Payload)
	assert.Equal(t, original.ID, got.CorrelationID)
}

func TestStatsCountSentAndDelivered(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))
	require.NoError(t, b.Send(NewMessage(nil, KindEvent, "s", "a1", "t", 1, PriorityNormal)))
	b.Receive(context.Background(), "a1", 0)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.MessagesSent)
	assert.Equal(t, int64(1), stats.MessagesDelivered)
}

func TestIngressRateLimitRejectsBurstOverflow(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.RegisterAgent(AgentInfo{ID: "a1"}))
	b.SetIngressLimit("noisy", 0.001, 1)

	require.NoError(t, b.Send(NewMessage(nil, KindEvent, "noisy", "a1", "t", 1, PriorityNormal)))
	err := b.Send(NewMessage(nil, KindEvent, "noisy", "a1", "t", 2, PriorityNormal))
	assert.ErrorIs(t, err, ErrRateLimited)
}
