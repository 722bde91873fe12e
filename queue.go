package wlproto

import (
	"slices"

	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/protocol"
)

// EventQueue holds decoded events for the objects assigned to it until the
// queue is dispatched. Every Conn has a default queue; objects are on it
// unless SetQueue moves them.
//
// Objects created by a request or an event inherit the queue of their
// parent, so a wl_display.sync issued on an object of a private queue
// completes on that queue.
type EventQueue struct {
	conn    *Conn
	pending []queuedEvent
}

type queuedEvent struct {
	obj    *objtable.Object
	opcode uint16
	msg    *protocol.Message
	args   objtable.Args
}

// Len returns the number of events waiting on q.
func (q *EventQueue) Len() int {
	return len(q.pending)
}

// Destroy drops the events waiting on q and moves its objects back to the
// default queue. Destroying the default queue only drops its events.
func (q *EventQueue) Destroy() {
	q.drop()
	c := q.conn
	if q == &c.defaultQueue {
		return
	}
	for obj, oq := range c.queues {
		if oq == q {
			delete(c.queues, obj)
		}
	}
	c.eventQueues = slices.DeleteFunc(c.eventQueues, func(e *EventQueue) bool { return e == q })
}

func (q *EventQueue) drop() {
	for _, ev := range q.pending {
		closeFDs(ev.msg, ev.args)
	}
	q.pending = nil
}

// dispatch runs the waiting events in arrival order.
func (q *EventQueue) dispatch() (int, error) {
	n := 0
	for len(q.pending) > 0 {
		ev := q.pending[0]
		q.pending[0] = queuedEvent{}
		q.pending = q.pending[1:]
		if err := q.conn.invoke(ev.obj, ev.opcode, ev.msg, ev.args); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// NewQueue returns an empty event queue.
func (c *Conn) NewQueue() *EventQueue {
	q := &EventQueue{conn: c}
	c.eventQueues = append(c.eventQueues, q)
	return q
}

// DefaultQueue returns the queue objects start on.
func (c *Conn) DefaultQueue() *EventQueue {
	return &c.defaultQueue
}

// SetQueue assigns obj to q. A nil q means the default queue. Events for
// obj that are already waiting stay on their old queue.
func (c *Conn) SetQueue(obj *objtable.Object, q *EventQueue) {
	if q == nil || q == &c.defaultQueue {
		delete(c.queues, obj)
		return
	}
	if _, ok := c.queues[obj]; !ok {
		obj.AddDestroyListener(func(o *objtable.Object) {
			delete(c.queues, o)
		})
	}
	c.queues[obj] = q
}

// Queue returns the queue obj is assigned to.
func (c *Conn) Queue(obj *objtable.Object) *EventQueue {
	if q, ok := c.queues[obj]; ok {
		return q
	}
	return &c.defaultQueue
}

// inheritQueue puts child on the queue of parent.
func (c *Conn) inheritQueue(parent, child *objtable.Object) {
	if q, ok := c.queues[parent]; ok {
		c.SetQueue(child, q)
	}
}

// DispatchQueuePending dispatches the events waiting on q and then every
// complete buffered message addressed to an object of q. Buffered messages
// for other queues are decoded and left waiting on their queue. It never
// reads from the transport.
func (c *Conn) DispatchQueuePending(q *EventQueue) (int, error) {
	if c.err != nil {
		return 0, c.disconnected()
	}
	count, err := q.dispatch()
	if err != nil {
		return count, err
	}
	n, err := c.dispatchBuffered(q)
	return count + n, err
}
