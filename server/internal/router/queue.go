package router

import (
	"github.com/google/uuid"

	"github.com/onsembl/onsembl/shared/protocol"
)

// DefaultQueueCap is the per-agent queue bound. Submissions beyond it are
// rejected so one runaway dashboard cannot buffer unbounded work.
const DefaultQueueCap = 100

// pending is one queued command awaiting dispatch.
type pending struct {
	req      *protocol.CommandRequest
	cmdID    uuid.UUID
	priority protocol.Priority
}

// agentQueue holds the not-yet-dispatched commands for one agent as three
// FIFO lanes. Dispatch drains strictly high → normal → low; within a lane,
// submission order is preserved.
type agentQueue struct {
	high   []*pending
	normal []*pending
	low    []*pending
	cap    int
}

func newAgentQueue(capacity int) *agentQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return &agentQueue{cap: capacity}
}

func (q *agentQueue) len() int {
	return len(q.high) + len(q.normal) + len(q.low)
}

func (q *agentQueue) full() bool {
	return q.len() >= q.cap
}

func (q *agentQueue) push(p *pending) {
	switch p.priority {
	case protocol.PriorityHigh:
		q.high = append(q.high, p)
	case protocol.PriorityLow:
		q.low = append(q.low, p)
	default:
		q.normal = append(q.normal, p)
	}
}

// pushFront re-inserts a command at the head of its lane. Used when a
// dispatch frame never left the server, so the command must not lose its
// place behind newer submissions.
func (q *agentQueue) pushFront(p *pending) {
	switch p.priority {
	case protocol.PriorityHigh:
		q.high = append([]*pending{p}, q.high...)
	case protocol.PriorityLow:
		q.low = append([]*pending{p}, q.low...)
	default:
		q.normal = append([]*pending{p}, q.normal...)
	}
}

// pop removes and returns the next dispatchable command, nil when empty.
func (q *agentQueue) pop() *pending {
	for _, lane := range []*[]*pending{&q.high, &q.normal, &q.low} {
		if len(*lane) > 0 {
			p := (*lane)[0]
			*lane = (*lane)[1:]
			return p
		}
	}
	return nil
}

// remove deletes the command with the given id from whichever lane holds it.
func (q *agentQueue) remove(cmdID uuid.UUID) *pending {
	for _, lane := range []*[]*pending{&q.high, &q.normal, &q.low} {
		for i, p := range *lane {
			if p.cmdID == cmdID {
				*lane = append((*lane)[:i], (*lane)[i+1:]...)
				return p
			}
		}
	}
	return nil
}

// drain empties the queue and returns everything it held in dispatch order.
func (q *agentQueue) drain() []*pending {
	out := make([]*pending, 0, q.len())
	out = append(out, q.high...)
	out = append(out, q.normal...)
	out = append(out, q.low...)
	q.high, q.normal, q.low = nil, nil, nil
	return out
}

// snapshot renders the queue as wire entries in dispatch order, positions
// starting at 1.
func (q *agentQueue) snapshot() []protocol.QueueEntry {
	entries := make([]protocol.QueueEntry, 0, q.len())
	pos := 1
	for _, lane := range [][]*pending{q.high, q.normal, q.low} {
		for _, p := range lane {
			entries = append(entries, protocol.QueueEntry{
				CommandID: p.cmdID.String(),
				Position:  pos,
				Priority:  p.priority,
				Status:    protocol.CommandQueued,
			})
			pos++
		}
	}
	return entries
}
