package session

import (
	"sync"

	"github.com/arloliu/go-q330/internal/queue"
)

type noticeKind uint8

const (
	noticeState noticeKind = iota
	noticeMessage
	noticeData
)

// notice is one pending callback.
type notice struct {
	kind  noticeKind
	event StateEvent
	msg   Message
	data  DataRecord
}

// noticeQueue buffers callbacks raised under the session lock until the worker
// delivers them. It has its own lock so producers never wait for the handler.
type noticeQueue struct {
	mu    sync.Mutex
	items queue.Queue[notice]
	count uint32
}

func newNoticeQueue() *noticeQueue {
	return &noticeQueue{items: queue.NewSliceQueue[notice](32)}
}

func (q *noticeQueue) pushEvent(ev StateEvent) {
	q.mu.Lock()
	q.items.Enqueue(notice{kind: noticeState, event: ev})
	q.mu.Unlock()
}

// pushMessage numbers msg and queues it.
func (q *noticeQueue) pushMessage(msg Message) Message {
	q.mu.Lock()
	q.count++
	msg.Count = q.count
	q.items.Enqueue(notice{kind: noticeMessage, msg: msg})
	q.mu.Unlock()

	return msg
}

func (q *noticeQueue) pushData(rec DataRecord) {
	q.mu.Lock()
	q.items.Enqueue(notice{kind: noticeData, data: rec})
	q.mu.Unlock()
}

// drain removes and returns all queued notices in order.
func (q *noticeQueue) drain() []notice {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.IsEmpty() {
		return nil
	}
	out := make([]notice, 0, q.items.Length())
	for {
		n, ok := q.items.Dequeue()
		if !ok {
			break
		}
		out = append(out, n)
	}

	return out
}

// deliver hands notices to h in order.
func deliver(h Handler, notices []notice) {
	for i := range notices {
		n := &notices[i]
		switch n.kind {
		case noticeState:
			h.HandleState(n.event)
		case noticeMessage:
			h.HandleMessage(n.msg)
		case noticeData:
			h.HandleData(n.data)
		}
	}
}
