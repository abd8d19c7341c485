package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/agentfabric/internal/clockid"
)

var (
	ErrUnknownAgent  = errors.New("broker: unknown agent")
	ErrQueueFull     = errors.New("broker: mailbox queue full")
	ErrAgentExists   = errors.New("broker: agent already registered")
	ErrTimeout       = errors.New("broker: request timed out")
	ErrRateLimited   = errors.New("broker: ingress rate limit exceeded")
)

// Stats aggregates broker-wide counters (§4.7).
type Stats struct {
	MessagesSent      int64
	MessagesDelivered int64
	MessagesExpired   int64
	RequestsSent      int64
	RequestsCompleted int64
}

type pendingFuture struct {
	result    chan Message
	createdAt time.Time
}

// Broker is the process-wide pub/sub + mailbox + request/response hub.
// All state mutations serialize behind mu; subscriber/notifier
// callbacks always run after mu is released (§5 shared-resource
// policy).
type Broker struct {
	mu            sync.Mutex
	clock         clockid.Clock
	mailboxes     map[string]*Mailbox
	agents        map[string]*AgentInfo
	subsByTopic   map[string][]*Subscription
	pending       map[string]*pendingFuture
	history       []Message
	maxHistory    int
	defaultMaxQ   int
	stats         Stats
	breakers      map[string]*gobreaker.CircuitBreaker
	ingressLimits map[string]*rate.Limiter
}

// Config controls broker-wide defaults.
type Config struct {
	MaxHistorySize    int
	DefaultMaxQueue   int
	BreakerMaxFailure uint32
	BreakerTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = 1000
	}
	if c.DefaultMaxQueue <= 0 {
		c.DefaultMaxQueue = 1000
	}
	if c.BreakerMaxFailure <= 0 {
		c.BreakerMaxFailure = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

func NewBroker(cfg Config, clock clockid.Clock) *Broker {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return &Broker{
		clock:         clock,
		mailboxes:     make(map[string]*Mailbox),
		agents:        make(map[string]*AgentInfo),
		subsByTopic:   make(map[string][]*Subscription),
		pending:       make(map[string]*pendingFuture),
		maxHistory:    cfg.MaxHistorySize,
		defaultMaxQ:   cfg.DefaultMaxQueue,
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		ingressLimits: make(map[string]*rate.Limiter),
	}
}

// RegisterAgent allocates a bounded priority mailbox for info.
func (b *Broker) RegisterAgent(info AgentInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.agents[info.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, info.ID)
	}
	now := b.clock.Now()
	if info.Capabilities == nil {
		info.Capabilities = make(map[string]struct{})
	}
	if info.Metadata == nil {
		info.Metadata = make(map[string]interface{})
	}
	info.RegisteredAt = now
	info.LastSeen = now
	info.Status = AgentStatusActive
	b.agents[info.ID] = &info
	b.mailboxes[info.ID] = newMailbox(info.ID, b.defaultMaxQ)
	return nil
}

// SetIngressLimit enables optional per-agent token-bucket shaping on
// Send (§9 domain-stack note); unset agents are unshaped.
func (b *Broker) SetIngressLimit(agentID string, rps float64, burst int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingressLimits[agentID] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Subscribe registers handler for topic, optionally gated by filter.
func (b *Broker) Subscribe(topic string, filter func(Message) bool, handler func(Message)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		ID:        clockid.NewID12(),
		Topic:     topic,
		Handler:   handler,
		Filter:    filter,
		CreatedAt: b.clock.Now(),
	}
	b.subsByTopic[topic] = append(b.subsByTopic[topic], sub)
	return sub
}

// Unsubscribe removes a subscription by id.
func (b *Broker) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subsByTopic[topic]
	for i, s := range subs {
		if s.ID == subID {
			b.subsByTopic[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Broker) breakerFor(subID string) *gobreaker.CircuitBreaker {
	if cb, ok := b.breakers[subID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-subscriber-" + subID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	b.breakers[subID] = cb
	return cb
}

// Publish fans msg out to every subscriber of msg.Topic whose filter
// (if any) returns true. Subscriber invocation errors/panics are logged,
// never propagated; a misbehaving subscriber trips its own breaker so it
// stops being invoked rather than degrading Publish for everyone else.
func (b *Broker) Publish(msg Message) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subsByTopic[msg.Topic]...)
	b.appendHistory(msg)
	b.stats.MessagesSent++
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.Filter != nil && !sub.Filter(msg) {
			continue
		}
		b.mu.Lock()
		cb := b.breakerFor(sub.ID)
		b.mu.Unlock()

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, invokeHandler(sub.Handler, msg)
		})
		if err != nil {
			log.Error().Err(err).Str("topic", msg.Topic).Str("subscription", sub.ID).Msg("broker: subscriber invocation failed")
			continue
		}
		b.mu.Lock()
		b.stats.MessagesDelivered++
		b.mu.Unlock()
	}
}

func invokeHandler(handler func(Message), msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panicked: %v", rec)
		}
	}()
	handler(msg)
	return nil
}

func (b *Broker) appendHistory(msg Message) {
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

// Send enqueues msg into receiver_id's mailbox. Atomic per mailbox: the
// full lock is held for the duration of the enqueue.
func (b *Broker) Send(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limiter, ok := b.ingressLimits[msg.SenderID]; ok && !limiter.Allow() {
		return ErrRateLimited
	}

	mb, ok := b.mailboxes[msg.ReceiverID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, msg.ReceiverID)
	}
	if err := mb.enqueue(msg); err != nil {
		return ErrQueueFull
	}
	b.stats.MessagesSent++
	return nil
}

// Broadcast sends a per-recipient shallow copy of msg to every
// registered agent (including msg.SenderID, if registered).
func (b *Broker) Broadcast(msg Message) {
	b.mu.Lock()
	agentIDs := make([]string, 0, len(b.agents))
	for id := range b.agents {
		agentIDs = append(agentIDs, id)
	}
	b.mu.Unlock()

	for _, id := range agentIDs {
		copyMsg := msg
		copyMsg.ID = clockid.NewID12()
		copyMsg.ReceiverID = id
		copyMsg.Kind = KindBroadcast
		_ = b.Send(copyMsg)
	}
}

// Receive pops the highest-priority non-expired message from agent's
// mailbox, refreshing last_seen. Returns (Message{}, false) on an empty
// mailbox or after waiting up to timeout.
func (b *Broker) Receive(ctx context.Context, agentID string, timeout time.Duration) (Message, bool) {
	deadline := b.clock.Now().Add(timeout)
	for {
		if msg, ok := b.tryReceive(agentID); ok {
			return msg, true
		}
		if timeout <= 0 || b.clock.Now().After(deadline) {
			return Message{}, false
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-time.After(minDuration(20*time.Millisecond, timeout)):
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (b *Broker) tryReceive(agentID string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.mailboxes[agentID]
	if !ok {
		return Message{}, false
	}
	now := b.clock.Now()
	msg, ok := mb.dequeue(func(m Message) bool { return m.IsExpired(now) })
	if mb.expiredHits > 0 {
		b.stats.MessagesExpired += int64(mb.expiredHits)
		mb.expiredHits = 0
	}
	if !ok {
		return Message{}, false
	}
	if agent, exists := b.agents[agentID]; exists {
		agent.LastSeen = now
	}
	b.stats.MessagesDelivered++
	return msg, true
}

// Request sends a request message and blocks until a matching response
// arrives or timeout elapses.
func (b *Broker) Request(ctx context.Context, senderID, receiverID, topic string, payload interface{}, timeout time.Duration) (interface{}, error) {
	msg := NewMessage(b.clock, KindRequest, senderID, receiverID, topic, payload, PriorityHigh)

	future := &pendingFuture{result: make(chan Message, 1), createdAt: b.clock.Now()}
	b.mu.Lock()
	b.pending[msg.ID] = future
	b.stats.RequestsSent++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := b.Send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-future.result:
		b.mu.Lock()
		b.stats.RequestsCompleted++
		b.mu.Unlock()
		return resp.Payload, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond resolves original's pending future with payload, if one
// exists; otherwise enqueues a response message to original's sender.
// When that sender has no mailbox (e.g. a Request caller that timed out
// without registering as an agent) the response is silently dropped
// (§5 cancellation policy).
func (b *Broker) Respond(original Message, payload interface{}) error {
	return b.RespondKind(original, payload, KindResponse)
}

// RespondKind behaves like Respond but lets the caller mark the reply as
// a kind=error response (e.g. a handler that failed), per §4.8.
func (b *Broker) RespondKind(original Message, payload interface{}, kind Kind) error {
	b.mu.Lock()
	future, ok := b.pending[original.ID]
	b.mu.Unlock()

	resp := Response(b.clock, original, payload, kind)

	if ok {
		select {
		case future.result <- resp:
		default:
		}
		return nil
	}
	if err := b.Send(resp); err != nil && !errors.Is(err, ErrUnknownAgent) {
		return err
	}
	return nil
}

// Stats returns a snapshot of broker-wide counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// MailboxSize returns the current queue depth for agentID.
func (b *Broker) MailboxSize(agentID string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[agentID]
	if !ok {
		return 0, false
	}
	return mb.size(), true
}

// PurgeStalePendingFutures drops pending futures older than maxAge whose
// owning Request call never cleaned up after itself (e.g. its goroutine
// was abandoned without the context ever cancelling). This is the
// background processor named in §4.7; Request's own defer already
// handles the common timeout/success/cancel paths, so in steady state
// this sweep finds nothing.
func (b *Broker) PurgeStalePendingFutures(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	purged := 0
	for id, future := range b.pending {
		if now.Sub(future.createdAt) > maxAge {
			delete(b.pending, id)
			purged++
		}
	}
	return purged
}
