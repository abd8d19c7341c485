// Package agentcomm wraps an agent's participation in the coordination
// fabric: registration, a cooperative receive loop, topic→handler
// dispatch, and auto-responding to requests, per spec §4.8.
//
// The listener loop's "evaluate each handler, collect the outcome,
// never let one failure stop the loop" shape is grounded in
// internal/algo/momentum/guards.go's ApplyGuards, adapted from
// "run every guard and aggregate results" to "dispatch one message,
// swallow handler errors, keep listening".
package agentcomm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/agentfabric/internal/broker"
)

// Handler processes a message's payload and returns a response payload
// (possibly nil) or an error.
type Handler func(msg broker.Message) (interface{}, error)

// Communicator binds one agent identity to a Broker, dispatching
// messages addressed to its mailbox to registered topic handlers.
type Communicator struct {
	broker *broker.Broker
	info   broker.AgentInfo

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	pollInterval time.Duration
}

func New(b *broker.Broker, info broker.AgentInfo) *Communicator {
	return &Communicator{
		broker:       b,
		info:         info,
		handlers:     make(map[string]Handler),
		pollInterval: time.Second,
	}
}

// OnTopic registers handler for topic. Safe to call before or after
// Start.
func (c *Communicator) OnTopic(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
}

// Start registers the agent with the broker (if not already) and begins
// the cooperative listener loop. Idempotent: calling Start while already
// running is a no-op.
func (c *Communicator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if err := c.broker.RegisterAgent(c.info); err != nil && !errors.Is(err, broker.ErrAgentExists) {
		c.mu.Unlock()
		return fmt.Errorf("agentcomm: register %s: %w", c.info.ID, err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(loopCtx)
	return nil
}

// Stop ends the listener loop and waits for it to exit. Idempotent.
func (c *Communicator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
}

func (c *Communicator) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok := c.broker.Receive(ctx, c.info.ID, c.pollInterval)
		if !ok {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Communicator) dispatch(msg broker.Message) {
	c.mu.Lock()
	handler, ok := c.handlers[msg.Topic]
	c.mu.Unlock()

	if !ok {
		return
	}

	result, err := c.invoke(handler, msg)
	if msg.Kind != broker.KindRequest {
		return
	}

	if err != nil {
		if respondErr := c.broker.RespondKind(msg, errorPayload(err), broker.KindError); respondErr != nil {
			log.Error().Err(respondErr).Str("agent", c.info.ID).Str("topic", msg.Topic).Msg("agentcomm: failed to send error response")
		}
		return
	}
	if respondErr := c.broker.Respond(msg, result); respondErr != nil {
		log.Error().Err(respondErr).Str("agent", c.info.ID).Str("topic", msg.Topic).Msg("agentcomm: failed to send response")
	}
}

func (c *Communicator) invoke(handler Handler, msg broker.Message) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return handler(msg)
}

func errorPayload(err error) map[string]interface{} {
	return map[string]interface{}{"error": err.Error()}
}
