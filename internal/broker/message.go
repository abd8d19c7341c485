// Package broker implements the coordination fabric's in-process
// message broker: pub/sub with filter predicates, per-agent bounded
// priority mailboxes, and request/response correlation, per spec §4.7.
package broker

import (
	"time"

	"github.com/sawpanic/agentfabric/internal/clockid"
)

// Kind enumerates the message kinds exchanged over the broker.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindEvent     Kind = "event"
	KindBroadcast Kind = "broadcast"
	KindHeartbeat Kind = "heartbeat"
	KindError     Kind = "error"
)

// Priority controls mailbox dequeue order; higher values dequeue first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// Message is the broker's wire unit. It is read-only after Publish/Send
// by convention; callers must not mutate a Message once handed to the
// broker.
type Message struct {
	ID            string
	Kind          Kind
	SenderID      string
	ReceiverID    string // empty means broadcast
	Topic         string
	Payload       interface{}
	Priority      Priority
	CorrelationID string
	Timestamp     time.Time
	TTL           time.Duration // zero means no expiry
	Metadata      map[string]interface{}
}

// IsExpired reports whether the message's TTL has elapsed as of now.
func (m Message) IsExpired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) > m.TTL
}

// NewMessage stamps id/timestamp and returns a ready-to-send Message.
func NewMessage(clock clockid.Clock, kind Kind, senderID, receiverID, topic string, payload interface{}, priority Priority) Message {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return Message{
		ID:         clockid.NewID12(),
		Kind:       kind,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Topic:      topic,
		Payload:    payload,
		Priority:   priority,
		Timestamp:  clock.Now(),
		Metadata:   make(map[string]interface{}),
	}
}

// Response builds a reply to req: correlation_id = req.id, sender and
// receiver swapped, per the §3 data model invariant.
func Response(clock clockid.Clock, req Message, payload interface{}, kind Kind) Message {
	resp := NewMessage(clock, kind, req.ReceiverID, req.SenderID, req.Topic, payload, req.Priority)
	resp.CorrelationID = req.ID
	return resp
}

// AgentStatus is an AgentInfo's lifecycle state.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// AgentInfo describes one registered agent, one-to-one with a Mailbox.
type AgentInfo struct {
	ID           string
	Type         string
	Capabilities map[string]struct{}
	Metadata     map[string]interface{}
	RegisteredAt time.Time
	LastSeen     time.Time
	Status       AgentStatus
}

// HasCapability reports whether name is in the agent's capability set.
func (a AgentInfo) HasCapability(name string) bool {
	_, ok := a.Capabilities[name]
	return ok
}

// Subscription is a topic-scoped handler registration.
type Subscription struct {
	ID        string
	Topic     string
	Handler   func(Message)
	Filter    func(Message) bool
	CreatedAt time.Time
}
