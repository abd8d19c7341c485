package broker

import "container/heap"

// mailboxItem is one queued Message plus its heap bookkeeping.
type mailboxItem struct {
	msg   Message
	seq   int64 // insertion order, breaks ties when priority and timestamp match
	index int
}

// mailboxQueue is a container/heap.Interface ordered by
// (-priority, timestamp ascending, seq ascending) so that Pop always
// returns the highest-priority, earliest-published message, with FIFO
// fallback within exact ties (§3 Mailbox invariant).
type mailboxQueue []*mailboxItem

func (q mailboxQueue) Len() int { return len(q) }

func (q mailboxQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority > b.msg.Priority
	}
	if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
		return a.msg.Timestamp.Before(b.msg.Timestamp)
	}
	return a.seq < b.seq
}

func (q mailboxQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *mailboxQueue) Push(x interface{}) {
	item := x.(*mailboxItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *mailboxQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Mailbox is a per-agent bounded priority queue. It exists iff its owner
// agent is registered (enforced by Broker, not this type).
type Mailbox struct {
	AgentID     string
	MaxSize     int
	queue       mailboxQueue
	nextSeq     int64
	expiredHits int
}

func newMailbox(agentID string, maxSize int) *Mailbox {
	mb := &Mailbox{AgentID: agentID, MaxSize: maxSize}
	heap.Init(&mb.queue)
	return mb
}

// errQueueFull is returned by enqueue when the mailbox is at capacity.
var errQueueFull = errQueueFullType{}

type errQueueFullType struct{}

func (errQueueFullType) Error() string { return "mailbox is full" }

func (mb *Mailbox) enqueue(msg Message) error {
	if mb.MaxSize > 0 && mb.queue.Len() >= mb.MaxSize {
		return errQueueFull
	}
	heap.Push(&mb.queue, &mailboxItem{msg: msg, seq: mb.nextSeq})
	mb.nextSeq++
	return nil
}

// dequeue pops the highest-priority non-expired message, counting and
// skipping expired ones along the way.
func (mb *Mailbox) dequeue(isExpired func(Message) bool) (Message, bool) {
	for mb.queue.Len() > 0 {
		item := heap.Pop(&mb.queue).(*mailboxItem)
		if isExpired(item.msg) {
			mb.expiredHits++
			continue
		}
		return item.msg, true
	}
	return Message{}, false
}

func (mb *Mailbox) size() int { return mb.queue.Len() }
